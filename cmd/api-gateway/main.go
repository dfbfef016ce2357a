package main

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/noah-isme/session-reg-api/api/swagger"
	"github.com/noah-isme/session-reg-api/internal/handler"
	"github.com/noah-isme/session-reg-api/internal/middleware"
	"github.com/noah-isme/session-reg-api/internal/models"
	"github.com/noah-isme/session-reg-api/internal/repository"
	"github.com/noah-isme/session-reg-api/internal/service"
	"github.com/noah-isme/session-reg-api/pkg/cache"
	"github.com/noah-isme/session-reg-api/pkg/config"
	"github.com/noah-isme/session-reg-api/pkg/database"
	"github.com/noah-isme/session-reg-api/pkg/export"
	"github.com/noah-isme/session-reg-api/pkg/jobs"
	"github.com/noah-isme/session-reg-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/session-reg-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/session-reg-api/pkg/middleware/requestid"
	"github.com/noah-isme/session-reg-api/pkg/storage"
)

// @title Session Registration API
// @version 1.0.0
// @description Concurrency-safe session registration, waitlist and approval engine
// @BasePath /api/v1
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close() //nolint:errcheck

	validate := validator.New()
	ctx := context.Background()

	userRepo := repository.NewUserRepository(db)
	sessionRepo := repository.NewSessionRepository(db)
	registrationRepo := repository.NewRegistrationRepository(db)
	approvalRepo := repository.NewApprovalRepository(db)
	bulkJobRepo := repository.NewBulkJobRepository(db)
	reportRepo := repository.NewReportRepository(db)

	metricsSvc := service.NewMetricsService()

	// Redis is optional; without it the availability cache degrades to
	// recomputing on every request.
	var cacheSvc *service.CacheService
	if redisClient, redisErr := cache.NewRedis(cfg.Redis); redisErr != nil {
		logr.Sugar().Warnw("redis unavailable, availability cache disabled", "error", redisErr)
	} else {
		cacheRepo := repository.NewCacheRepository(redisClient, logr)
		cacheSvc = service.NewCacheService(cacheRepo, metricsSvc, cfg.Availability.CacheTTL, logr, cfg.Availability.CacheEnabled)
	}

	authSvc := service.NewAuthService(userRepo, validate, logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             "session-reg-api",
	})
	userSvc := service.NewUserService(userRepo, validate, logr)

	ledger := service.NewLedgerService(registrationRepo, sessionRepo, logr)
	eligibility := service.NewEligibilityService(nil, logr)
	notifier := service.NewLogNotifier(logr)
	calendar := service.NewLogCalendarSync(logr)

	registrationSvc := service.NewRegistrationService(
		registrationRepo, sessionRepo, userRepo, approvalRepo,
		ledger, eligibility, notifier, calendar, metricsSvc,
		cfg.Registration, validate, logr,
	)
	sessionSvc := service.NewSessionService(
		sessionRepo, registrationRepo, registrationSvc, userRepo,
		cacheSvc, cfg.Availability, validate, logr,
	)
	registrationSvc.SetAvailabilityInvalidator(sessionSvc)
	approvalSvc := service.NewApprovalService(approvalRepo, registrationSvc, validate, logr)

	authHandler := handler.NewAuthHandler(authSvc)
	userHandler := handler.NewUserHandler(userSvc)
	sessionHandler := handler.NewSessionHandler(sessionSvc, registrationSvc)
	registrationHandler := handler.NewRegistrationHandler(registrationSvc)
	approvalHandler := handler.NewApprovalHandler(approvalSvc)
	metricsHandler := handler.NewMetricsHandler(metricsSvc)

	var bulkHandler *handler.BulkHandler
	if cfg.Bulk.Enabled {
		bulkSvc := service.NewBulkService(bulkJobRepo, sessionRepo, userSvc, registrationSvc, metricsSvc, cfg.Bulk, validate, logr)
		bulkWorker := service.NewBulkWorker(bulkSvc, cfg.Bulk.WorkerRetries, logr)
		bulkQueue := jobs.NewQueue("bulk_enroll", bulkWorker.Handle, jobs.QueueConfig{
			Workers:    cfg.Bulk.WorkerConcurrency,
			MaxRetries: cfg.Bulk.WorkerRetries,
			Logger:     logr,
		})
		bulkQueue.Start(ctx)
		bulkSvc.SetDispatcher(bulkQueue)
		bulkSvc.RecoverPendingJobs(ctx)
		bulkHandler = handler.NewBulkHandler(bulkSvc)
	}

	var reportHandler *handler.ReportHandler
	if cfg.Reports.Enabled {
		store, storeErr := storage.NewLocalStorage(cfg.Reports.StorageDir)
		if storeErr != nil {
			logr.Sugar().Fatalw("failed to init report storage", "error", storeErr)
		}
		signer := storage.NewSignedURLSigner(cfg.Reports.SignedURLSecret, cfg.Reports.SignedURLTTL)
		exportSvc := service.NewExportService(
			registrationRepo, sessionRepo, store, signer,
			service.ExportConfig{APIPrefix: cfg.APIPrefix, ResultTTL: cfg.Reports.SignedURLTTL},
			logr, export.NewCSVExporter(), export.NewPDFExporter(),
		)
		reportWorker := service.NewReportWorker(reportRepo, exportSvc, cfg.Reports.WorkerRetries, logr)
		reportQueue := jobs.NewQueue("report_export", reportWorker.Handle, jobs.QueueConfig{
			Workers:    cfg.Reports.WorkerConcurrency,
			MaxRetries: cfg.Reports.WorkerRetries,
			Logger:     logr,
		})
		reportQueue.Start(ctx)
		reportSvc := service.NewReportService(reportRepo, sessionRepo, reportQueue, exportSvc, logr, service.ReportServiceConfig{
			ResultTTL:       cfg.Reports.SignedURLTTL,
			CleanupInterval: cfg.Reports.CleanupInterval,
			MaxRetries:      cfg.Reports.WorkerRetries,
		})
		reportSvc.RecoverPendingJobs(ctx)
		reportSvc.StartCleanup(ctx)
		reportHandler = handler.NewReportHandler(reportSvc)
	}

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)

	auth := api.Group("/auth")
	{
		auth.POST("/login", authHandler.Login)
		auth.POST("/refresh", authHandler.Refresh)
		auth.POST("/forgot-password", authHandler.ForgotPassword)
		auth.POST("/reset-password", authHandler.ResetPassword)
	}

	authed := api.Group("/auth")
	authed.Use(middleware.JWT(authSvc))
	{
		authed.POST("/logout", authHandler.Logout)
		authed.POST("/change-password", authHandler.ChangePassword)
		authed.GET("/me", authHandler.Me)
	}

	protected := api.Group("")
	protected.Use(middleware.JWT(authSvc))
	protected.Use(middleware.WithResponseMeta())

	users := protected.Group("/users")
	{
		users.GET("", middleware.RequireRoles(models.RoleAdmin), userHandler.List)
		users.GET("/:id", middleware.RBAC(string(models.RoleAdmin), "SELF"), userHandler.Get)
		users.POST("", middleware.RequireRoles(models.RoleAdmin), userHandler.Create)
		users.PUT("/:id", middleware.RequireRoles(models.RoleAdmin), userHandler.Update)
		users.DELETE("/:id", middleware.RequireRoles(models.RoleAdmin), userHandler.Delete)
	}

	sessions := protected.Group("/sessions")
	{
		sessions.GET("", sessionHandler.List)
		sessions.GET("/:id", sessionHandler.Get)
		sessions.GET("/:id/availability", sessionHandler.Availability)
		sessions.POST("", middleware.RequireRoles(models.RoleAdmin, models.RoleOrganizer), sessionHandler.Create)
		sessions.PUT("/:id", middleware.RequireRoles(models.RoleAdmin, models.RoleOrganizer), sessionHandler.Update)
		sessions.DELETE("/:id",
			middleware.RequireRoles(models.RoleAdmin, models.RoleOrganizer),
			middleware.Audit(userRepo, "DELETE", "session"),
			sessionHandler.Delete)
		sessions.GET("/:id/roster", middleware.RequireRoles(models.RoleAdmin, models.RoleOrganizer), sessionHandler.Roster)

		sessions.POST("/:id/register", registrationHandler.Register)
		sessions.POST("/:id/unregister", registrationHandler.Unregister)
		sessions.POST("/:id/force-status",
			middleware.RequireRoles(models.RoleAdmin, models.RoleOrganizer),
			middleware.Audit(userRepo, "FORCE_STATUS", "registration"),
			registrationHandler.ForceStatus)
		sessions.POST("/:id/attendance", middleware.RequireRoles(models.RoleAdmin, models.RoleOrganizer), registrationHandler.Attendance)
	}

	protected.GET("/registrations/me", registrationHandler.MyRegistrations)

	approvals := protected.Group("/approvals")
	approvals.Use(middleware.RequireRoles(models.RoleAdmin, models.RoleOrganizer))
	{
		approvals.GET("", approvalHandler.ListPending)
		approvals.POST("/:id/decide", approvalHandler.Decide)
		approvals.POST("/decide", approvalHandler.BulkDecide)
	}

	if bulkHandler != nil {
		bulk := protected.Group("/bulk/enroll")
		bulk.Use(middleware.RequireRoles(models.RoleAdmin, models.RoleOrganizer))
		{
			bulk.POST("", bulkHandler.CreateJob)
			bulk.GET("/:id", bulkHandler.Status)
			bulk.POST("/:id/cancel", bulkHandler.Cancel)
		}
	}

	if reportHandler != nil {
		protected.POST("/reports", middleware.RequireRoles(models.RoleAdmin, models.RoleOrganizer), reportHandler.GenerateReport)
		protected.GET("/reports/:id", middleware.RequireRoles(models.RoleAdmin, models.RoleOrganizer), reportHandler.ReportStatus)
		// Download carries its own signed, expiring token.
		api.GET("/export/:token", reportHandler.DownloadReport)
	}

	protected.GET("/metrics/snapshot", middleware.RequireRoles(models.RoleAdmin), metricsHandler.Snapshot)

	addr := fmt.Sprintf(":%d", cfg.Port)
	logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
	if err := r.Run(addr); err != nil {
		logr.Sugar().Fatalw("server failed", "error", err)
	}
}
