package middlewares

import (
	"context"
	"net/http"

	"bitbucket.org/volopa/masspay_backend/appctx"
	"bitbucket.org/volopa/masspay_backend/config"
	"bitbucket.org/volopa/masspay_backend/utils"
	"github.com/gin-gonic/gin"
)

// Session holds the payload cached in Redis under "Token:<token>" at login.
type Session struct {
	Username string `json:"username"`
	UserId   int    `json:"userId"`
	ClientId string `json:"clientId"`
	IsAdmin  bool   `json:"isAdmin"`
}

func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Request.Header.Get("token")
		if token == "" {
			c.Next()
			return
		}
		raw, exists, err := config.GetRedisValue("Token:" + token)
		if err != nil || !exists {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		session, err := utils.UnmarshalFromJSON[Session](raw)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx := context.WithValue(c.Request.Context(), appctx.ContextKeyToken, token)
		ctx = context.WithValue(ctx, appctx.ContextKeyUsername, session.Username)
		ctx = context.WithValue(ctx, appctx.ContextKeyUserId, session.UserId)
		ctx = context.WithValue(ctx, appctx.ContextKeyClientId, session.ClientId)
		ctx = context.WithValue(ctx, appctx.ContextKeyIsAdmin, session.IsAdmin)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
