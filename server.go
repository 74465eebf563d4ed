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
	"path"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/xeroflowhq/receipts_backend/config"
	"github.com/xeroflowhq/receipts_backend/docintel"
	"github.com/xeroflowhq/receipts_backend/middlewares"
	"github.com/xeroflowhq/receipts_backend/models"
	"github.com/xeroflowhq/receipts_backend/models/reports"
	"github.com/xeroflowhq/receipts_backend/utils"
	"github.com/xeroflowhq/receipts_backend/workflow"
	"github.com/xeroflowhq/receipts_backend/xerosync"
	"go.opentelemetry.io/otel"
)

const defaultPort = "8080"

var tracer = otel.Tracer("xeroflow-receipts")

// RateLimiter is a redis-backed fixed-window limiter keyed by client IP.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

// PubSubMessage is the envelope Pub/Sub push subscriptions deliver.
type PubSubMessage struct {
	Message struct {
		Data       []byte            `json:"data,omitempty"`
		Attributes map[string]string `json:"attributes,omitempty"`
		ID         string            `json:"id"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// storageObjectEvent is the GCS object metadata carried in a storage
// notification's data payload.
type storageObjectEvent struct {
	Name        string `json:"name"`
	Bucket      string `json:"bucket"`
	ContentType string `json:"contentType"`
}

func getRedisClient(redisAddress string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr: redisAddress,
	})
}

type authTokenRequest struct {
	TenantId  string `json:"tenantId" validate:"required"`
	IngestKey string `json:"ingestKey" validate:"required"`
	Actor     string `json:"actor"`
}

// authTokenHandler exchanges a tenant ingest key for a short-lived operator
// token, so dashboards do not hold the ingest key itself.
func authTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req authTokenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := utils.ValidateStruct(req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "tenantId and ingestKey are required"})
			return
		}

		tenant, err := models.VerifyTenantIngestKey(c.Request.Context(), req.TenantId, req.IngestKey)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		actor := strings.TrimSpace(req.Actor)
		if actor == "" {
			actor = "operator"
		}
		token, err := utils.JwtGenerate(tenant.TenantId, actor, "operator")
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": gin.H{"token": token}})
	}
}

// storagePubSubHandler ingests GCS object-finalize notifications pushed by
// Pub/Sub: an upload landing in <tenantId>/uploads/ becomes a receipt
// submission. Pub/Sub redelivers, so the handler dedupes on message id
// before creating anything.
func storagePubSubHandler(orchestrator *workflow.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()

		ctx, span := tracer.Start(c.Request.Context(), "pubsub.storage-event")
		defer span.End()
		c.Request = c.Request.WithContext(ctx)

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			config.LogError(logger, "server.go", "storagePubSubHandler", "io.ReadAll", nil, err)
			// Malformed request body: ack/drop to avoid infinite retries.
			c.Status(http.StatusNoContent)
			return
		}

		var msg PubSubMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			config.LogError(logger, "server.go", "storagePubSubHandler", "unmarshal envelope", body, err)
			c.Status(http.StatusNoContent)
			return
		}

		if eventType := msg.Message.Attributes["eventType"]; eventType != "" && eventType != "OBJECT_FINALIZE" {
			c.Status(http.StatusNoContent)
			return
		}

		var event storageObjectEvent
		if err := json.Unmarshal(msg.Message.Data, &event); err != nil {
			config.LogError(logger, "server.go", "storagePubSubHandler", "unmarshal object event", msg.Message.Data, err)
			c.Status(http.StatusNoContent)
			return
		}

		// Only uploads-location objects start the pipeline; everything else
		// (processing, json, complete, failed) is the pipeline's own writes.
		parts := strings.SplitN(event.Name, "/", 3)
		if len(parts) != 3 || parts[1] != workflow.LocationUploads || parts[2] == "" {
			c.Status(http.StatusNoContent)
			return
		}
		tenantId := parts[0]
		fileName := path.Base(parts[2])

		correlationID := msg.Message.ID
		ctx = utils.SetTenantIdInContext(c.Request.Context(), tenantId)
		ctx = utils.SetActorInContext(ctx, "storage-event")
		ctx = utils.SetCorrelationIdInContext(ctx, correlationID)

		db := config.GetDB()
		skip, err := workflow.BeginIdempotency(db.WithContext(ctx), tenantId, "storage-event", msg.Message.ID)
		if err != nil {
			if errors.Is(err, workflow.ErrIdempotencyInProgress) {
				// Another instance holds this delivery; let Pub/Sub retry later.
				c.Status(http.StatusServiceUnavailable)
				return
			}
			config.LogError(logger, "server.go", "storagePubSubHandler", "idempotency begin", event, err)
			c.Status(http.StatusInternalServerError)
			return
		}
		if skip {
			c.Status(http.StatusNoContent)
			return
		}

		receiptId, err := orchestrator.Submit(ctx, tenantId, fileName, event.ContentType)
		if err != nil {
			_ = workflow.MarkIdempotencyFailed(db.WithContext(ctx), tenantId, "storage-event", msg.Message.ID, err)
			logger.WithFields(logrus.Fields{
				"tenant_id":      tenantId,
				"object_name":    event.Name,
				"message_id":     msg.Message.ID,
				"correlation_id": correlationID,
			}).Error("storage event submit failed: " + err.Error())
			// Non-2xx tells Pub/Sub to retry (and potentially route to DLQ).
			c.Status(http.StatusInternalServerError)
			return
		}
		if err := workflow.MarkIdempotencySucceeded(db.WithContext(ctx), tenantId, "storage-event", msg.Message.ID); err != nil {
			config.LogError(logger, "server.go", "storagePubSubHandler", "idempotency mark", event, err)
		}

		go advanceDetached(logger, ctx, orchestrator, tenantId, receiptId)

		c.Status(http.StatusNoContent)
	}
}

// advanceDetached drives a receipt on a fresh context that survives the
// request, carrying over tenant, actor and correlation id.
func advanceDetached(logger *logrus.Logger, reqCtx context.Context, orchestrator *workflow.Orchestrator, tenantId, receiptId string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	ctx = utils.SetTenantIdInContext(ctx, tenantId)
	if actor, ok := utils.GetActorFromContext(reqCtx); ok {
		ctx = utils.SetActorInContext(ctx, actor)
	}
	if cid, ok := utils.GetCorrelationIdFromContext(reqCtx); ok {
		ctx = utils.SetCorrelationIdInContext(ctx, cid)
	}
	if err := orchestrator.Advance(ctx, tenantId, receiptId); err != nil {
		logger.WithFields(logrus.Fields{
			"tenant_id":  tenantId,
			"receipt_id": receiptId,
		}).Warn("advance interrupted; recovery sweep will resume: " + err.Error())
	}
}

func receiptStatusHandler(orchestrator *workflow.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId, _ := utils.GetTenantIdFromContext(c.Request.Context())
		receipt, err := orchestrator.Status(c.Request.Context(), tenantId, c.Param("receiptId"))
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "receipt not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": receipt})
	}
}

func receiptCancelHandler(orchestrator *workflow.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId, _ := utils.GetTenantIdFromContext(c.Request.Context())
		receiptId := c.Param("receiptId")
		if err := orchestrator.Cancel(c.Request.Context(), tenantId, receiptId); err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "receipt not found"})
				return
			}
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		receipt, err := orchestrator.Status(c.Request.Context(), tenantId, receiptId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": gin.H{
			"receiptId":       receiptId,
			"state":           receipt.State,
			"cancelRequested": receipt.CancelRequested,
		}})
	}
}

func receiptRetryHandler(orchestrator *workflow.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()
		tenantId, _ := utils.GetTenantIdFromContext(c.Request.Context())
		receiptId := c.Param("receiptId")

		receipt, err := orchestrator.Status(c.Request.Context(), tenantId, receiptId)
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "receipt not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if receipt.State.IsTerminal() {
			c.JSON(http.StatusConflict, gin.H{"error": "receipt is in a terminal state"})
			return
		}

		go func(reqCtx context.Context) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()
			ctx = utils.SetTenantIdInContext(ctx, tenantId)
			ctx = utils.SetActorInContext(ctx, "operator")
			if cid, ok := utils.GetCorrelationIdFromContext(reqCtx); ok {
				ctx = utils.SetCorrelationIdInContext(ctx, cid)
			}
			if err := orchestrator.Retry(ctx, tenantId, receiptId); err != nil {
				logger.WithFields(logrus.Fields{
					"tenant_id":  tenantId,
					"receipt_id": receiptId,
				}).Warn("retry did not complete: " + err.Error())
			}
		}(c.Request.Context())

		c.JSON(http.StatusAccepted, gin.H{"data": gin.H{"receiptId": receiptId}})
	}
}

func receiptRegisterHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		fromDate, err := parseDateParam(c.Query("fromDate"), time.Now().UTC().AddDate(0, -1, 0))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid fromDate"})
			return
		}
		toDate, err := parseDateParam(c.Query("toDate"), time.Now().UTC())
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid toDate"})
			return
		}

		if strings.EqualFold(c.Query("format"), "xlsx") {
			if err := reports.ExportReceiptRegisterExcel(c.Request.Context(), c.Writer, fromDate, toDate); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			}
			return
		}

		rows, err := reports.GetReceiptRegister(c.Request.Context(), fromDate, toDate)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": rows})
	}
}

func parseDateParam(raw string, fallback time.Time) (time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	return time.Parse("2006-01-02", raw)
}

type outboxReplayRequest struct {
	TenantId string `json:"tenant_id" validate:"required"`
	RecordId int    `json:"record_id" validate:"required,gt=0"`
}

// outboxReplayHandler re-queues a DEAD/FAILED outbox record for publishing.
func outboxReplayHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req outboxReplayRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := utils.ValidateStruct(req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "tenant_id and record_id are required"})
			return
		}

		db := config.GetDB()
		if db == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "db is nil"})
			return
		}
		now := time.Now().UTC()
		ctx := utils.SetSkipTenantScopeInContext(c.Request.Context(), true)
		if err := db.WithContext(ctx).
			Model(&models.OutboxMessage{}).
			Where("id = ? AND tenant_id = ?", req.RecordId, req.TenantId).
			Updates(map[string]interface{}{
				"publish_status":     models.OutboxPublishStatusFailed,
				"next_attempt_at":    &now,
				"locked_at":          nil,
				"locked_by":          nil,
				"last_publish_error": nil,
			}).Error; err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"tenant_id":       req.TenantId,
			"record_id":       req.RecordId,
			"publish_status":  models.OutboxPublishStatusFailed,
			"next_attempt_at": now.Format(time.RFC3339Nano),
		})
	}
}

type connectionTokenRequest struct {
	TenantId    string `json:"tenant_id" validate:"required"`
	AccessToken string `json:"access_token" validate:"required"`
	ExpiresAt   string `json:"expires_at" validate:"required"`
}

// connectionTokenHandler rotates a tenant's accounting API credential and
// busts the cached connection, so the next sync picks up the new token.
func connectionTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req connectionTokenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := utils.ValidateStruct(req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "tenant_id, access_token and expires_at are required"})
			return
		}
		expiresAt, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "expires_at must be RFC 3339"})
			return
		}

		ctx := utils.SetSkipTenantScopeInContext(c.Request.Context(), true)
		if err := models.UpdateConnectionToken(ctx, req.TenantId, req.AccessToken, expiresAt); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token update failed"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"tenant_id":  req.TenantId,
			"expires_at": expiresAt.Format(time.RFC3339),
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

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until DB/Redis are ready, we return 503 for app endpoints.
	r := gin.New()
	// Correlation IDs: generate once per request and attach to context.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
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
	// In production, require an explicit allowlist via CORS_ALLOWED_ORIGINS
	// (comma-separated). In non-production, allow all.
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
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization", "X-Tenant-Id", "X-Ingest-Key")
	corsConfig.AddExposeHeaders("Content-Length", "Content-Disposition")
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

	r.Use(middlewares.AuthMiddleware())
	r.Use(middlewares.IngestKeyMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	// Pipeline wiring happens before routes so handlers can capture it; the
	// readiness gate above keeps traffic out until dependencies are up.
	blobs := workflow.NewBlobLifecycle(utils.GetObjectStore(), logger)
	extractor, err := docintel.NewAdapter(logger)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "docintel"}).Panic(err.Error())
	}
	engine := xerosync.NewEngine(logger)

	r.POST("/api/v1/auth/token", authTokenHandler())

	var orchestrator *workflow.Orchestrator
	// Deferred: orchestrator needs the DB, which connects after listen.
	orchestratorFn := func() *workflow.Orchestrator { return orchestrator }
	withOrchestrator := func(build func(*workflow.Orchestrator) gin.HandlerFunc) gin.HandlerFunc {
		return func(c *gin.Context) {
			o := orchestratorFn()
			if o == nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "starting up"})
				return
			}
			build(o)(c)
		}
	}

	tenantRoutes := r.Group("/api/v1", middlewares.RequireTenant())
	tenantRoutes.POST("/uploads/sign", withOrchestrator(signUploadHandler))
	tenantRoutes.POST("/uploads/complete", withOrchestrator(completeUploadHandler))
	tenantRoutes.GET("/receipts/:receiptId", withOrchestrator(receiptStatusHandler))
	tenantRoutes.POST("/receipts/:receiptId/cancel", withOrchestrator(receiptCancelHandler))
	tenantRoutes.POST("/receipts/:receiptId/retry", withOrchestrator(receiptRetryHandler))
	tenantRoutes.GET("/reports/receipt-register", receiptRegisterHandler())

	r.POST("/pubsub", withOrchestrator(storagePubSubHandler))
	// Ops tooling (admin only): replay outbox messages that were marked DEAD/FAILED.
	r.POST("/internal/ops/outbox/replay", middlewares.RequireAdmin(), outboxReplayHandler())
	r.POST("/internal/ops/integration/token", middlewares.RequireAdmin(), connectionTokenHandler())

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

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate can run DDL that blocks tables; allow disabling migrations
	// on startup and running them as a separate job instead.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	orchestrator = workflow.NewOrchestrator(db, logger, blobs, extractor, engine)

	// Warm the Pub/Sub client before the dispatcher needs it, so credential
	// problems show up at boot instead of on the first publish.
	if _, err := config.GetClient(context.Background()); err != nil {
		logger.WithFields(logrus.Fields{"field": "pubsub"}).WithError(err).Warn("pubsub client not ready; outbox publishing will retry")
	}

	// Background workers: outbox publishing, stale receipt recovery, auto-pay.
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	go workflow.NewOutboxDispatcher(db, logger).Run(workerCtx)
	go workflow.NewRecoverySweep(logger, orchestrator).Run(workerCtx)
	go xerosync.NewAutoPayWorker(db, logger, engine).Run(workerCtx)

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
	cancelWorkers()

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
	key := "httplimit:" + c.ClientIP()

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

	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

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
