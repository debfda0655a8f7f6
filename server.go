package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/volopa/masspay_backend/config"
	"bitbucket.org/volopa/masspay_backend/middlewares"
	"bitbucket.org/volopa/masspay_backend/models"
	"bitbucket.org/volopa/masspay_backend/utils"
	"bitbucket.org/volopa/masspay_backend/workflow"
	"github.com/bsm/redislock"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const defaultPort = "8080"

// Define a struct to represent the rate limiter.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

// PubSubMessage is the push-subscription envelope Pub/Sub POSTs to /pubsub.
type PubSubMessage struct {
	Message struct {
		Data []byte `json:"data,omitempty"`
		ID   string `json:"id"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func getRedisClient(redisAddress string) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddress,
	})
	return client
}

type sessionUser struct {
	ClientId string
	UserId   int
	Username string
	IsAdmin  bool
}

func getSessionUser(ctx context.Context) (sessionUser, error) {
	clientId, ok := utils.GetClientIdFromContext(ctx)
	if !ok || clientId == "" {
		return sessionUser{}, errors.New("unauthorized")
	}
	userId, _ := utils.GetUserIdFromContext(ctx)
	username, _ := utils.GetUsernameFromContext(ctx)
	isAdmin, _ := utils.GetIsAdminFromContext(ctx)
	return sessionUser{
		ClientId: clientId,
		UserId:   userId,
		Username: username,
		IsAdmin:  isAdmin,
	}, nil
}

func fileIdParam(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid file id"})
		return 0, false
	}
	return id, true
}

func createMassPaymentFileHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := getSessionUser(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var input models.NewMassPaymentFile
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": utils.ProcessValidationErrors(err)})
			return
		}

		file, err := workflow.CreateMassPaymentFile(c.Request.Context(), user.ClientId, user.UserId, input)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"data": file.Summary()})
	}
}

func listMassPaymentFilesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := getSessionUser(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		status := models.FileStatus(strings.TrimSpace(c.Query("status")))
		if status != "" && !status.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status filter"})
			return
		}
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
		offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

		files, err := models.ListMassPaymentFiles(c.Request.Context(), user.ClientId, status, limit, offset)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list files"})
			return
		}
		summaries := make([]models.FileSummary, 0, len(files))
		for _, f := range files {
			summaries = append(summaries, f.Summary())
		}
		c.JSON(http.StatusOK, gin.H{"data": summaries})
	}
}

func getMassPaymentFileHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := getSessionUser(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		id, ok := fileIdParam(c)
		if !ok {
			return
		}

		file, err := models.FetchMassPaymentFile(c.Request.Context(), user.ClientId, id)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch file"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": file})
	}
}

func approveMassPaymentFileHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := getSessionUser(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		id, ok := fileIdParam(c)
		if !ok {
			return
		}

		outcome, reason, err := workflow.ApproveFile(c.Request.Context(), user.ClientId, user.UserId, id)
		if err != nil {
			config.LogError(config.GetLogger(), "server.go", "approveMassPaymentFileHandler", "ApproveFile", id, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "approval failed"})
			return
		}

		resp := gin.H{"status": outcome}
		if reason != nil {
			resp["reason"] = *reason
		}
		c.JSON(http.StatusOK, resp)
	}
}

func cancelMassPaymentFileHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := getSessionUser(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		id, ok := fileIdParam(c)
		if !ok {
			return
		}

		if err := workflow.CancelFile(c.Request.Context(), user.ClientId, id); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": models.FileStatusCancelled})
	}
}

func deleteMassPaymentFileHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := getSessionUser(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		id, ok := fileIdParam(c)
		if !ok {
			return
		}

		if err := workflow.DeleteFile(c.Request.Context(), user.ClientId, id); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted": id})
	}
}

func listFileInstructionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := getSessionUser(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		id, ok := fileIdParam(c)
		if !ok {
			return
		}

		instructions, err := models.ListFileInstructions(c.Request.Context(), user.ClientId, id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list instructions"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": instructions})
	}
}

func listFileBeneficiariesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := getSessionUser(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		id, ok := fileIdParam(c)
		if !ok {
			return
		}

		beneficiaries, err := models.ListFileBeneficiaries(c.Request.Context(), user.ClientId, id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list beneficiaries"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": beneficiaries})
	}
}

func errorReportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := getSessionUser(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		id, ok := fileIdParam(c)
		if !ok {
			return
		}

		file, err := models.FetchMassPaymentFile(c.Request.Context(), user.ClientId, id)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch file"})
			return
		}
		if !file.HasValidationErrors() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file has no validation errors"})
			return
		}

		buf, err := workflow.ValidationErrorReport(file)
		if err != nil {
			config.LogError(config.GetLogger(), "server.go", "errorReportHandler", "ValidationErrorReport", id, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to build report"})
			return
		}
		c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="validation-errors-%d.xlsx"`, id))
		c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", buf.Bytes())
	}
}

func paymentTemplateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, err := getSessionUser(c.Request.Context()); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		currency := strings.ToUpper(strings.TrimSpace(c.Query("currency")))
		if len(currency) != 3 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "currency is required"})
			return
		}

		buf, err := workflow.PaymentTemplate(c.Request.Context(), currency)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to build template"})
			return
		}
		c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="payments-%s.xlsx"`, currency))
		c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", buf.Bytes())
	}
}

func recipientsTemplateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := getSessionUser(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		currency := strings.ToUpper(strings.TrimSpace(c.Query("currency")))

		buf, err := workflow.RecipientsTemplate(c.Request.Context(), user.ClientId, currency)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to build template"})
			return
		}
		c.Header("Content-Disposition", `attachment; filename="recipients.xlsx"`)
		c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", buf.Bytes())
	}
}

func purposeCodesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, err := getSessionUser(c.Request.Context()); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		country := strings.ToUpper(strings.TrimSpace(c.Query("country")))
		currency := strings.ToUpper(strings.TrimSpace(c.Query("currency")))

		codes, err := models.ListPurposeCodes(c.Request.Context(), country, currency)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list purpose codes"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": codes})
	}
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func loginHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": utils.ProcessValidationErrors(err)})
			return
		}

		db := config.GetDB()
		var user models.User
		err := db.WithContext(c.Request.Context()).
			Where("username = ? AND is_active = true", req.Username).
			Take(&user).Error
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		if err := utils.ComparePassword(user.Password, req.Password); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}

		role := "user"
		if user.IsAdmin {
			role = "admin"
		}
		token, err := utils.JwtGenerate(user.ID, role)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
			return
		}

		// The JWT doubles as the session key consumed by SessionMiddleware.
		session := middlewares.Session{
			Username: user.Username,
			UserId:   user.ID,
			ClientId: user.ClientId,
			IsAdmin:  user.IsAdmin,
		}
		if err := config.SetRedisObject("Token:"+token, session, utils.TokenLifespan()); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store session"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"token":      token,
			"expires_in": int(utils.TokenLifespan().Seconds()),
		})
	}
}

func listBeneficiariesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := getSessionUser(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		currency := strings.ToUpper(strings.TrimSpace(c.Query("currency")))
		if len(currency) != 3 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "currency query parameter is required"})
			return
		}

		beneficiaries, err := models.ListBeneficiariesByCurrency(c.Request.Context(), user.ClientId, currency)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list beneficiaries"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": beneficiaries})
	}
}

func createBeneficiaryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := getSessionUser(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var input models.NewBeneficiary
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": utils.ProcessValidationErrors(err)})
			return
		}
		if err := input.Validate(c.Request.Context(), user.ClientId); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		beneficiary := models.Beneficiary{
			ClientId:      user.ClientId,
			Name:          input.Name,
			Currency:      strings.ToUpper(input.Currency),
			Country:       strings.ToUpper(input.Country),
			AccountNumber: input.AccountNumber,
			Iban:          input.Iban,
			SwiftCode:     input.SwiftCode,
			SortCode:      input.SortCode,
			Email:         input.Email,
			Phone:         input.Phone,
		}
		db := config.GetDB()
		if err := db.WithContext(c.Request.Context()).Create(&beneficiary).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create beneficiary"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"data": beneficiary})
	}
}

func createUserHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := authorizeAdminOnly(c.Request.Context()); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var input models.NewUser
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": utils.ProcessValidationErrors(err)})
			return
		}
		if err := input.Validate(c.Request.Context()); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		hashed, err := utils.HashPassword(input.Password)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create user"})
			return
		}
		user := models.User{
			ClientId: input.ClientId,
			Username: input.Username,
			Name:     input.Name,
			Phone:    input.Phone,
			Password: string(hashed),
		}
		if input.Email != "" {
			email := input.Email
			user.Email = &email
		}

		db := config.GetDB()
		err = db.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
			if err := tx.Create(&user).Error; err != nil {
				return err
			}
			for _, roleId := range input.RoleIds {
				if err := tx.Exec("INSERT INTO user_roles (user_id, role_id) VALUES (?, ?)", user.ID, roleId).Error; err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create user"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"data": user})
	}
}

func paymentsPubSubHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var msg PubSubMessage
		logger := config.GetLogger()

		// Redis lock is a best-effort optimization.
		// Reliability must not depend on Redis: the worker also serializes
		// per-file via MySQL advisory locks in ProcessMessage().
		redisLock := config.GetRedisLock()

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			config.LogError(logger, "server.go", "paymentsPubSubHandler", "io.ReadAll", nil, err)
			// Malformed request body: ack/drop to avoid infinite retries.
			c.Status(http.StatusNoContent)
			return
		}

		// byte slice unmarshalling handles base64 decoding.
		if err := json.Unmarshal(body, &msg); err != nil {
			config.LogError(logger, "server.go", "paymentsPubSubHandler", "Unmarshal body", body, err)
			c.Status(http.StatusNoContent)
			return
		}

		var m config.PubSubMessage
		if err := json.Unmarshal(msg.Message.Data, &m); err != nil {
			config.LogError(logger, "server.go", "paymentsPubSubHandler", "Unmarshal pubsub message", msg.Message.Data, err)
			c.Status(http.StatusNoContent)
			return
		}

		// Basic validation to avoid retry loops on poisoned messages.
		if m.ClientId == "" || m.EventType == "" || m.FileId <= 0 {
			config.LogError(logger, "server.go", "paymentsPubSubHandler", "Invalid pubsub message (missing required fields)", m, fmt.Errorf("client_id/event_type/file_id required"))
			c.Status(http.StatusNoContent)
			return
		}

		// Correlation ID propagation: prefer payload correlation_id; fall back to Pub/Sub message ID.
		correlationID := m.CorrelationId
		if correlationID == "" {
			correlationID = msg.Message.ID
		}

		// Best-effort: try to obtain a lock for the client to avoid long in-request blocking.
		// If Redis is unavailable / lock cannot be obtained, continue anyway; ProcessMessage() serializes safely.
		var lock *redislock.Lock
		if redisLock == nil {
			logger.WithFields(logrus.Fields{
				"field":      "paymentsPubSubHandler",
				"client_id":  m.ClientId,
				"event_type": m.EventType,
				"file_id":    m.FileId,
				"message_id": msg.Message.ID,
			}).Warn("redis lock not ready; proceeding without redis lock")
		} else {
			lock, err = redisLock.Obtain(c.Request.Context(), fmt.Sprintf("lock:%s", m.ClientId), 30*time.Second, nil)
			if err == redislock.ErrNotObtained {
				logger.WithFields(logrus.Fields{
					"field":      "paymentsPubSubHandler",
					"client_id":  m.ClientId,
					"event_type": m.EventType,
					"file_id":    m.FileId,
					"message_id": msg.Message.ID,
				}).Warn("could not obtain redis lock; proceeding without redis lock")
				lock = nil
			} else if err != nil {
				logger.WithFields(logrus.Fields{
					"field":      "paymentsPubSubHandler",
					"client_id":  m.ClientId,
					"event_type": m.EventType,
					"file_id":    m.FileId,
					"message_id": msg.Message.ID,
				}).Warn("error obtaining redis lock; proceeding without redis lock: " + err.Error())
				lock = nil
			}
		}
		defer func() {
			if lock == nil {
				return
			}
			if releaseErr := lock.Release(c.Request.Context()); releaseErr != nil {
				logger.WithFields(logrus.Fields{
					"field":      "paymentsPubSubHandler",
					"client_id":  m.ClientId,
					"file_id":    m.FileId,
					"message_id": msg.Message.ID,
				}).Warn("failed to release redis lock: " + releaseErr.Error())
			}
		}()

		// Process the message
		ctx := utils.SetClientIdInContext(c.Request.Context(), m.ClientId)
		ctx = utils.SetUserIdInContext(ctx, 0)
		ctx = utils.SetUserNameInContext(ctx, "System")
		ctx = utils.SetCorrelationIdInContext(ctx, correlationID)
		if err := ProcessMessage(ctx, logger, m); err != nil {
			logger.WithFields(logrus.Fields{
				"field":          "paymentsPubSubHandler",
				"client_id":      m.ClientId,
				"event_type":     m.EventType,
				"file_id":        m.FileId,
				"message_id":     msg.Message.ID,
				"correlation_id": correlationID,
			}).Error("pubsub processing failed: " + err.Error())
			// Non-2xx tells Pub/Sub to retry (and potentially route to DLQ).
			c.Status(http.StatusInternalServerError)
			return
		}

		// Success: ack.
		c.Status(http.StatusNoContent)
	}
}

// authorizeAdminOnly restricts ops endpoints to admin users. The session user
// is cached in Redis under "User:"+username; fall back to the DB on a miss.
func authorizeAdminOnly(ctx context.Context) error {
	username, ok := utils.GetUsernameFromContext(ctx)
	if !ok || username == "" {
		return errors.New("unauthorized")
	}

	var user models.User
	exists, err := config.GetRedisObject("User:"+username, &user)
	if err != nil {
		return err
	}
	if !exists {
		db := config.GetDB()
		if db == nil {
			return errors.New("db is nil")
		}
		if err := db.WithContext(ctx).Model(&models.User{}).Where("username = ?", username).Take(&user).Error; err != nil {
			return errors.New("unauthorized")
		}
	}
	if !user.IsAdmin {
		return errors.New("unauthorized")
	}
	return nil
}

type outboxReplayRequest struct {
	ClientId string `json:"client_id"`
	RecordId int    `json:"record_id"`
}

func outboxReplayHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Require auth token (SessionMiddleware puts username in context).
		if _, ok := utils.GetUsernameFromContext(c.Request.Context()); !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if err := authorizeAdminOnly(c.Request.Context()); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req outboxReplayRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if req.ClientId == "" || req.RecordId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "client_id and record_id are required"})
			return
		}

		db := config.GetDB()
		if db == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "db is nil"})
			return
		}

		// Scope the replay by tenant before touching the record.
		var record models.PubSubMessageRecord
		err := db.WithContext(c.Request.Context()).
			Where("id = ? AND client_id = ?", req.RecordId, req.ClientId).
			Take(&record).Error
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "outbox record not found"})
			return
		}

		if err := workflow.ReplayOutboxRecord(c.Request.Context(), db, record.ID); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"client_id":      req.ClientId,
			"record_id":      req.RecordId,
			"publish_status": models.OutboxPublishStatusPending,
		})
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Shutdown coordination.
	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until DB/Redis are ready, we return 503 for app endpoints.
	r := gin.New()
	r.Use(middlewares.CorrelationMiddleware())
	r.Use(func(c *gin.Context) {
		// Always allow Cloud Run startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Gate critical endpoints on dependency readiness.
		if config.GetDB() == nil || config.GetRedisDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// Production-safe CORS:
	// - In production, require explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
	// - In non-production, allow all (developer convenience).
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			// Safer default: deny all if not configured in production.
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))

	// Optional rate limiting (recommended for production).
	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		client := getRedisClient(os.Getenv("REDIS_ADDRESS"))
		limit := int64(600)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				limit = n
			}
		}
		windowSec := int64(60)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				windowSec = n
			}
		}
		rateLimiter := NewRateLimiter(client, limit, time.Duration(windowSec)*time.Second)
		r.Use(rateLimiter.RateLimitMiddleware)
	}

	r.Use(middlewares.SessionMiddleware())
	// Bearer-token callers (service-to-service) are validated against the
	// same JWTs that loginHandler issues.
	r.Use(middlewares.AuthMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	api := r.Group("/api/v1")
	api.POST("/auth/login", loginHandler())
	api.POST("/mass-payment-files", createMassPaymentFileHandler())
	api.GET("/mass-payment-files", listMassPaymentFilesHandler())
	api.GET("/mass-payment-files/:id", getMassPaymentFileHandler())
	api.POST("/mass-payment-files/:id/approve", approveMassPaymentFileHandler())
	api.POST("/mass-payment-files/:id/cancel", cancelMassPaymentFileHandler())
	api.DELETE("/mass-payment-files/:id", deleteMassPaymentFileHandler())
	api.GET("/mass-payment-files/:id/instructions", listFileInstructionsHandler())
	api.GET("/mass-payment-files/:id/beneficiaries", listFileBeneficiariesHandler())
	api.GET("/mass-payment-files/:id/error-report", errorReportHandler())
	api.GET("/templates/payments", paymentTemplateHandler())
	api.GET("/templates/recipients", recipientsTemplateHandler())
	api.GET("/purpose-codes", purposeCodesHandler())
	api.GET("/beneficiaries", listBeneficiariesHandler())
	api.POST("/beneficiaries", createBeneficiaryHandler())
	api.POST("/users", createUserHandler())
	api.POST("/uploads/sign", signUploadHandler())
	api.GET("/uploads/object", downloadObjectHandler())

	r.POST("/pubsub", paymentsPubSubHandler())
	// Ops tooling (admin only): replay outbox messages that were marked DEAD/FAILED.
	r.POST("/internal/ops/outbox/replay", outboxReplayHandler())
	r.NoRoute(customNotFoundHandler)

	// Start listening immediately (Cloud Run startup probe is TCP based).
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	// Now DB is ready; run migrations.
	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// IMPORTANT: AutoMigrate can run DDL that blocks tables and causes 504/502 timeouts.
	// Allow disabling migrations on startup (run them as a separate job instead).
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Start outbox dispatcher (publishes AFTER commit).
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	defer cancelDispatcher()
	go workflow.NewOutboxDispatcher(db, logger).Run(dispatcherCtx)

	// Optional pull subscriber: Cloud Run deployments use the /pubsub push
	// endpoint instead, so the worker only starts when a subscription is set.
	if strings.TrimSpace(os.Getenv("PUBSUB_SUBSCRIPTION")) != "" {
		if err := RunPaymentsWorkflow(); err != nil {
			config.LogError(logger, "server.go", "main", "RunPaymentsWorkflow", nil, err)
		}
	}

	// Set the session isolation level to READ COMMITTED
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("listening on http://localhost:", port, "/")
	log.Println("Server started successfully")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work while we're draining.
	cancelDispatcher()

	// Drain HTTP requests.
	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	// Close Redis (best-effort).
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Only log when there are errors
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

// Initialize a new RateLimiter instance.
func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// Middleware function to check rate limits.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	// Get the IP address or user identifier from the request.
	key := c.ClientIP() // Assuming IP-based rate limiting

	// Check if the key exists in Redis.
	exists, err := rl.client.Exists(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the key doesn't exist, create it and set expiry.
	if exists == 0 {
		err := rl.client.Set(c.Request.Context(), key, 1, rl.window).Err()
		if err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		c.Next()
		return
	}

	// If the key exists, get the current count.
	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the count exceeds the limit, return an error response.
	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
