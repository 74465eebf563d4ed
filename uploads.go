package main

import (
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/xeroflowhq/receipts_backend/config"
	"github.com/xeroflowhq/receipts_backend/utils"
	"github.com/xeroflowhq/receipts_backend/workflow"
)

type uploadSignRequest struct {
	FileName string `json:"fileName" validate:"required"`
	MimeType string `json:"mimeType" validate:"required"`
	Size     int64  `json:"size" validate:"required,gt=0"`
}

type uploadSignResponse struct {
	UploadURL string            `json:"uploadUrl"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers"`
	ObjectKey string            `json:"objectKey"`
	ExpiresAt string            `json:"expiresAt"`
}

type uploadCompleteRequest struct {
	ObjectKey string `json:"objectKey" validate:"required"`
	MimeType  string `json:"mimeType"`
}

const maxUploadSizeBytes int64 = 20 * 1024 * 1024

var receiptMimeTypes = map[string]bool{
	"image/jpeg":      true,
	"image/png":       true,
	"image/tiff":      true,
	"application/pdf": true,
}

func signUploadHandler(orchestrator *workflow.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()

		tenantId, ok := utils.GetTenantIdFromContext(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req uploadSignRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := utils.ValidateStruct(req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "fileName, mimeType and size are required"})
			return
		}
		if req.Size > maxUploadSizeBytes {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file size exceeds 20MB limit"})
			return
		}
		if !receiptMimeTypes[req.MimeType] {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported file type"})
			return
		}

		ext := strings.ToLower(filepath.Ext(req.FileName))
		if ext == "" {
			ext = extensionFromMimeType(req.MimeType)
		}
		if ext == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file extension is required"})
			return
		}

		fileName := uuid.New().String() + ext
		objectKey := workflow.ArtifactKey(tenantId, workflow.LocationUploads, fileName)

		signed, err := utils.SignObjectAccess(c.Request.Context(), tenantId, objectKey, "PUT", req.MimeType, 15*time.Minute)
		if err != nil {
			config.LogError(logger, "uploads", "signUploadHandler", "sign failed", map[string]interface{}{
				"tenant_id": tenantId,
			}, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to sign upload"})
			return
		}

		logger.WithFields(logrus.Fields{
			"tenant_id":  tenantId,
			"mime_type":  req.MimeType,
			"size":       req.Size,
			"object_key": objectKey,
		}).Info("[upload.sign]")

		c.JSON(http.StatusOK, gin.H{
			"data": uploadSignResponse{
				UploadURL: signed.URL,
				Method:    signed.Method,
				Headers:   signed.Headers,
				ObjectKey: signed.ObjectKey,
				ExpiresAt: signed.ExpiresAt.UTC().Format(time.RFC3339),
			},
		})
	}
}

func completeUploadHandler(orchestrator *workflow.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()

		tenantId, ok := utils.GetTenantIdFromContext(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req uploadCompleteRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := utils.ValidateStruct(req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "objectKey is required"})
			return
		}
		uploadsPrefix := tenantId + "/" + workflow.LocationUploads + "/"
		if !strings.HasPrefix(req.ObjectKey, uploadsPrefix) || strings.Contains(req.ObjectKey, "..") {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid object key"})
			return
		}

		fileName := path.Base(req.ObjectKey)
		receiptId, err := orchestrator.Submit(c.Request.Context(), tenantId, fileName, req.MimeType)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		// Advance asynchronously; the client polls status. A crash between
		// submit and advance is covered by the recovery sweep.
		go advanceDetached(logger, c.Request.Context(), orchestrator, tenantId, receiptId)

		logger.WithFields(logrus.Fields{
			"tenant_id":  tenantId,
			"receipt_id": receiptId,
			"object_key": req.ObjectKey,
		}).Info("[upload.complete]")

		c.JSON(http.StatusAccepted, gin.H{"data": gin.H{
			"receiptId": receiptId,
			"state":     "RECEIVED",
		}})
	}
}

func extensionFromMimeType(mimeType string) string {
	switch mimeType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/tiff":
		return ".tiff"
	case "application/pdf":
		return ".pdf"
	default:
		return ""
	}
}
