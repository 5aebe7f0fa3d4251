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

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/dtrspro/fieldops_backend/automation"
	"github.com/dtrspro/fieldops_backend/config"
	"github.com/dtrspro/fieldops_backend/docs"
	"github.com/dtrspro/fieldops_backend/middlewares"
	"github.com/dtrspro/fieldops_backend/models"
	"github.com/dtrspro/fieldops_backend/notify"
	"github.com/dtrspro/fieldops_backend/utils"
	"github.com/dtrspro/fieldops_backend/weather"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

const defaultPort = "8080"

var tracer = otel.Tracer("fieldops-backend")

// pushEnvelope is the Pub/Sub push subscription wire format.
type pushEnvelope struct {
	Message struct {
		Data []byte `json:"data,omitempty"`
		ID   string `json:"id"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server before dependencies are ready; app endpoints
	// return 503 until the readiness gate opens.
	r := gin.New()
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if config.GetDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
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

	r.Use(middlewares.AuthMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		if err := models.Migrate(); err != nil {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Panic(err.Error())
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	engine := automation.NewEngine(automation.EngineOptions{
		Store:    automation.NewGormStore(db),
		Sink:     notify.NewSink(),
		Weather:  weather.NewService(),
		Geocoder: weather.NewGeocoder(),
		Logger:   logger,
	})
	engine.UploadInvoiceDocument = func(ctx context.Context, invoice *models.Invoice) (string, error) {
		url, err := docs.PublishInvoiceDocument(ctx, invoice)
		if err != nil {
			return "", err
		}
		err = db.WithContext(ctx).Model(&models.Invoice{}).
			Where("id = ?", invoice.ID).
			Update("document_url", url).Error
		return url, err
	}

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	if config.OutboxDirectProcessing() {
		go automation.NewDispatcher(db, engine, logger).Run(workerCtx)
	}
	scheduler := automation.StartScheduler(workerCtx, engine, logger)

	registerRoutes(r, engine, logger)

	logger.WithFields(logrus.Fields{"port": port}).Info("fieldops backend up")
	log.Println("Server started successfully")

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Workers stop before the HTTP drain so no new runs start mid-shutdown.
	cancelWorkers()
	<-scheduler.Stop().Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

func registerRoutes(r *gin.Engine, engine *automation.Engine, logger *logrus.Logger) {
	r.POST("/login", loginHandler())
	r.POST("/pubsub", pubSubPushHandler(engine, logger))

	// Operational record entry points. Writes go through the models layer so
	// every mutation lands in the outbox with its change event.
	r.POST("/jobs/:id/workflow-state", updateWorkflowStateHandler())
	r.POST("/leads/:id/inputs", updateLeadInputsHandler())
	r.POST("/inventory/:id/adjust", adjustInventoryHandler())
	r.POST("/invoices/:id/document", renderInvoiceDocumentHandler(engine))
	r.POST("/partners", createPartnerHandler())
	r.POST("/schedule-entries", createScheduleEntryHandler())

	// Field-crew records. Creation enqueues a change event, which the audit
	// mirror rule folds into the job history.
	crew := r.Group("/crew")
	crew.POST("/jsa", createCrewRecordHandler(models.CreateJSASubmission))
	crew.POST("/detach-reports", createCrewRecordHandler(models.CreateDetachReport))
	crew.POST("/reset-reports", createCrewRecordHandler(models.CreateResetReport))
	crew.POST("/damage-scans", uploadDamageScanHandler())

	admin := r.Group("/automation", middlewares.RequireRole(string(models.UserRoleAdmin)))
	admin.GET("/rules", listAutomationRulesHandler())
	admin.PUT("/rules/:id", toggleAutomationRuleHandler())
	admin.GET("/runs", automationRunLogsHandler())
	admin.POST("/run/:name", manualRunHandler(engine))

	r.GET("/notifications", listNotificationsHandler())
	r.PUT("/notifications/:id/read", markNotificationReadHandler())
}

func loginHandler() gin.HandlerFunc {
	type loginRequest struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		user, err := models.GetUserByUsername(c.Request.Context(), req.Username)
		if err != nil || utils.ComparePassword(user.Password, req.Password) != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		token, err := utils.JwtGenerate(user.ID, string(user.Role))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token generation failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"token": token, "role": user.Role, "name": user.Name})
	}
}

// pubSubPushHandler accepts redelivered change events from the push
// subscription. Handlers are idempotent, so acking only on success is safe:
// a failure nacks (non-2xx) and Pub/Sub redelivers.
func pubSubPushHandler(engine *automation.Engine, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "pubsub.push")
		defer span.End()

		var envelope pushEnvelope
		if err := c.ShouldBindJSON(&envelope); err != nil {
			// Malformed push payloads can never succeed; ack to drop.
			logger.WithError(err).Warn("malformed pubsub envelope")
			c.Status(http.StatusNoContent)
			return
		}
		var msg config.PubSubMessage
		if err := json.Unmarshal(envelope.Message.Data, &msg); err != nil {
			logger.WithError(err).Warn("malformed pubsub message data")
			c.Status(http.StatusNoContent)
			return
		}

		ctx = utils.SetCorrelationIdInContext(ctx, msg.CorrelationId)
		ev := automation.Event{
			MessageId: "outbox-" + strconv.Itoa(msg.ID),
			Family:    msg.RecordFamily,
			RecordId:  msg.RecordId,
			Kind:      msg.EventKind,
			Before:    msg.OldObj,
			After:     msg.NewObj,
		}
		if err := engine.HandleChange(ctx, ev); err != nil {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func updateWorkflowStateHandler() gin.HandlerFunc {
	type request struct {
		WorkflowState models.WorkflowState `json:"workflow_state" binding:"required"`
	}
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
			return
		}
		var req request
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		job, err := models.UpdateJobWorkflowState(c.Request.Context(), id, req.WorkflowState)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, utils.ErrorRecordNotFound) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, job)
	}
}

func updateLeadInputsHandler() gin.HandlerFunc {
	type request struct {
		Distance  *float64 `json:"distance"`
		RoofPitch *float64 `json:"roof_pitch"`
		SystemAge *float64 `json:"system_age"`
	}
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid lead id"})
			return
		}
		var req request
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		lead, err := models.UpdateLeadInputs(c.Request.Context(), id, req.Distance, req.RoofPitch, req.SystemAge)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, utils.ErrorRecordNotFound) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, lead)
	}
}

func adjustInventoryHandler() gin.HandlerFunc {
	type request struct {
		Delta decimal.Decimal `json:"delta" binding:"required"`
	}
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid item id"})
			return
		}
		var req request
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		item, err := models.ApplyInventoryAdjustment(c.Request.Context(), id, req.Delta)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, item)
	}
}

func renderInvoiceDocumentHandler(engine *automation.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid invoice id"})
			return
		}
		invoice, err := utils.FetchModel[models.Invoice](c.Request.Context(), id, "LineItems")
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "invoice not found"})
			return
		}
		if engine.UploadInvoiceDocument == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "document storage not configured"})
			return
		}
		url, err := engine.UploadInvoiceDocument(c.Request.Context(), invoice)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"document_url": url})
	}
}

func createPartnerHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var partner models.Partner
		if err := c.ShouldBindJSON(&partner); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := models.CreatePartner(c.Request.Context(), &partner); err != nil {
			if errors.Is(err, utils.ErrorGuardAlreadySatisfied) {
				c.JSON(http.StatusConflict, gin.H{"error": "partner name already exists"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, partner)
	}
}

func createScheduleEntryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var entry models.ScheduleEntry
		if err := c.ShouldBindJSON(&entry); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := models.CreateScheduleEntry(c.Request.Context(), &entry); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, entry)
	}
}

func createCrewRecordHandler[T any](create func(ctx context.Context, record *T) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		var record T
		if err := c.ShouldBindJSON(&record); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := create(c.Request.Context(), &record); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, record)
	}
}

func uploadDamageScanHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		jobId, err := strconv.Atoi(c.PostForm("job_id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job_id"})
			return
		}
		header, err := c.FormFile("photo")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "photo file is required"})
			return
		}
		file, err := header.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		objectName := fmt.Sprintf("damage-scans/%d-%s.jpg", jobId, uuid.NewString())
		photoURL, thumbURL, err := utils.SavePhotoToGCS(c.Request.Context(), objectName, data)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		scan := &models.DamageScan{
			JobId:        jobId,
			PhotoURL:     photoURL,
			ThumbnailURL: thumbURL,
			Notes:        c.PostForm("notes"),
		}
		if err := models.CreateDamageScan(c.Request.Context(), scan); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, scan)
	}
}

func listAutomationRulesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		rules, err := models.ListAutomationRules(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, rules)
	}
}

func toggleAutomationRuleHandler() gin.HandlerFunc {
	type request struct {
		Enabled *bool `json:"enabled" binding:"required"`
	}
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid rule id"})
			return
		}
		var req request
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := models.SetAutomationRuleEnabled(c.Request.Context(), id, *req.Enabled); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func automationRunLogsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 50
		if v := c.Query("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
				limit = n
			}
		}
		logs, err := models.GetAutomationRunLogs(c.Request.Context(), c.Query("name"), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, logs)
	}
}

// manualRunHandler lets an admin trigger a scheduled rule outside its cron
// slot. Safe because every run is guarded the same way as the cron path.
func manualRunHandler(engine *automation.Engine) gin.HandlerFunc {
	runs := map[string]func(context.Context) error{
		automation.RuleRainCheck:        engine.RunRainCheck,
		automation.RuleStalledJobs:      engine.RunStalledJobDetection,
		automation.RuleInventoryAlert:   engine.RunInventoryAlert,
		automation.RuleCollectionBot:    engine.RunCollectionBot,
		automation.RuleKPIAggregation:   engine.RunKPIAggregation,
		automation.RuleComplianceReport: engine.RunComplianceReport,
		automation.RuleWeatherRefresh:   engine.RunWeatherRefresh,
	}
	return func(c *gin.Context) {
		run, ok := runs[c.Param("name")]
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown automation"})
			return
		}
		if err := run(c.Request.Context()); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func listNotificationsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userId, ok := utils.GetUserIdFromContext(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		notifications, err := models.GetUnreadNotifications(c.Request.Context(), userId, 50)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, notifications)
	}
}

func markNotificationReadHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid notification id"})
			return
		}
		if err := models.MarkNotificationRead(c.Request.Context(), id); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// customErrorLogger logs only requests that accumulated errors.
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}
