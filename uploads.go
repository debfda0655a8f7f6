package main

import (
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"bitbucket.org/volopa/masspay_backend/config"
	"bitbucket.org/volopa/masspay_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type uploadSignRequest struct {
	FileName string `json:"fileName"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

type uploadSignResponse struct {
	UploadURL string            `json:"uploadUrl"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers"`
	ObjectKey string            `json:"objectKey"`
	AccessURL string            `json:"accessUrl"`
	ExpiresAt string            `json:"expiresAt"`
}

const maxUploadSizeBytes int64 = 10 * 1024 * 1024

// Batch files arrive as spreadsheets; nothing else is accepted.
var batchFileMimeTypes = map[string]string{
	"text/csv":                 ".csv",
	"application/vnd.ms-excel": ".xls",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": ".xlsx",
}

// signUploadHandler issues a short-lived signed PUT URL so the browser uploads
// the batch spreadsheet straight to the bucket. The returned objectKey is what
// the client passes as source_object_key when registering the file.
func signUploadHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()

		user, err := getSessionUser(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req uploadSignRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		if req.FileName == "" || req.MimeType == "" || req.Size <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "fileName, mimeType and size are required"})
			return
		}
		if req.Size > maxUploadSizeBytes {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file size exceeds 10MB limit"})
			return
		}

		defaultExt, ok := batchFileMimeTypes[req.MimeType]
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported file type; upload a CSV or Excel file"})
			return
		}
		ext := strings.ToLower(filepath.Ext(req.FileName))
		if ext == "" {
			ext = defaultExt
		}

		objectKey := path.Join(user.ClientId, "mass-payments", uuid.New().String()+ext)

		signed, err := utils.SignFileUpload(c.Request.Context(), objectKey, req.MimeType, 15*time.Minute)
		if err != nil {
			config.LogError(logger, "uploads.go", "signUploadHandler", "SignFileUpload", objectKey, err)
			message := "failed to sign upload"
			if !strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
				message = fmt.Sprintf("failed to sign upload: %v", err)
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": message})
			return
		}

		logger.WithFields(logrus.Fields{
			"client_id":  user.ClientId,
			"mime_type":  req.MimeType,
			"size":       req.Size,
			"object_key": objectKey,
		}).Info("[upload.sign]")

		c.JSON(http.StatusOK, gin.H{
			"data": uploadSignResponse{
				UploadURL: signed.UploadURL,
				Method:    signed.Method,
				Headers:   signed.Headers,
				ObjectKey: signed.ObjectKey,
				AccessURL: signed.AccessURL,
				ExpiresAt: signed.ExpiresAt.UTC().Format(time.RFC3339),
			},
		})
	}
}

// downloadObjectHandler streams a stored object back to the caller. Non-admin
// users can only read objects under their own tenant prefix.
func downloadObjectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := getSessionUser(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		objectKey := strings.TrimSpace(c.Query("key"))
		if objectKey == "" || strings.Contains(objectKey, "..") || strings.HasPrefix(objectKey, "/") {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid key"})
			return
		}
		if !user.IsAdmin && !strings.HasPrefix(objectKey, user.ClientId+"/") {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}

		data, err := utils.FetchObject(c.Request.Context(), objectKey)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "object not found"})
			return
		}

		contentType := mimeTypeForExtension(strings.ToLower(filepath.Ext(objectKey)))
		c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filepath.Base(objectKey)))
		c.Data(http.StatusOK, contentType, data)
	}
}

func mimeTypeForExtension(ext string) string {
	switch ext {
	case ".csv":
		return "text/csv"
	case ".xls":
		return "application/vnd.ms-excel"
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "application/octet-stream"
}
