package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/campus-arp/arp-api/api/swagger"
	"github.com/campus-arp/arp-api/internal/handler"
	"github.com/campus-arp/arp-api/internal/middleware"
	"github.com/campus-arp/arp-api/internal/models"
	"github.com/campus-arp/arp-api/internal/repository"
	"github.com/campus-arp/arp-api/internal/service"
	"github.com/campus-arp/arp-api/pkg/cache"
	"github.com/campus-arp/arp-api/pkg/config"
	"github.com/campus-arp/arp-api/pkg/database"
	"github.com/campus-arp/arp-api/pkg/logger"
	"github.com/campus-arp/arp-api/pkg/mailer"
	corsmiddleware "github.com/campus-arp/arp-api/pkg/middleware/cors"
	reqidmiddleware "github.com/campus-arp/arp-api/pkg/middleware/requestid"
	"github.com/campus-arp/arp-api/pkg/storage"
)

// @title Campus ARP API
// @version 1.0.0
// @description Student activity records and placement management
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

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("database connection failed", "error", err)
	}
	defer db.Close()

	metricsSvc := service.NewMetricsService()

	var cacheSvc *service.CacheService
	if cfg.Cache.Enabled {
		redisClient, err := cache.NewRedis(cfg.Redis)
		if err != nil {
			logr.Sugar().Warnw("redis unavailable, caching disabled", "error", err)
		} else {
			defer redisClient.Close()
			cacheRepo := repository.NewCacheRepository(redisClient, logr)
			cacheSvc = service.NewCacheService(cacheRepo, metricsSvc, cfg.Cache.TTL, logr, true)
		}
	}

	attachmentStore, err := storage.NewLocalStorage(cfg.Records.StorageDir)
	if err != nil {
		logr.Sugar().Fatalw("attachment storage init failed", "error", err)
	}
	exportStore, err := storage.NewLocalStorage(cfg.Exports.StorageDir)
	if err != nil {
		logr.Sugar().Fatalw("export storage init failed", "error", err)
	}
	signer := storage.NewSignedURLSigner(cfg.Exports.SignedURLSecret, cfg.Exports.SignedURLTTL)

	var mail mailer.Mailer
	if cfg.Mail.Enabled && cfg.Mail.SendGridKey != "" {
		mail = mailer.NewSendGrid(cfg.Mail.SendGridKey, cfg.Mail.FromName, cfg.Mail.FromEmail, cfg.Mail.SubjectTag)
	} else {
		mail = mailer.NewLogMailer(logr)
	}

	notifier := service.NewNotifierService(mail, metricsSvc, logr, service.NotifierServiceConfig{
		Workers:    cfg.Notify.Workers,
		BufferSize: cfg.Notify.BufferSize,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	notifier.Start(ctx)
	defer notifier.Stop()

	validate := validator.New()
	registry := service.NewRecordTypeRegistry(validate)

	recordRepo := repository.NewRecordRepository(db)
	studentRepo := repository.NewStudentRepository(db)
	userRepo := repository.NewUserRepository(db)

	authSvc := service.NewAuthService(userRepo, validate, logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             "campus-arp-api",
	})

	lifecycleSvc := service.NewLifecycleService(
		recordRepo, studentRepo, userRepo,
		attachmentStore, notifier, userRepo,
		cacheSvc, registry, logr,
		service.LifecycleServiceConfig{
			WithdrawPendingOnly: cfg.Records.WithdrawPendingOnly,
			MaxAttachmentBytes:  cfg.Records.MaxAttachmentBytes,
			AllowedMIMEs:        cfg.Records.AllowedMIMEs,
			CacheTTL:            cfg.Cache.TTL,
		},
	)

	exportSvc := service.NewExportService(
		recordRepo, studentRepo, userRepo,
		exportStore, signer, registry,
		service.ExportConfig{ResultTTL: cfg.Exports.SignedURLTTL},
		logr, nil, nil,
	)

	go runExportCleanup(ctx, exportSvc, cfg.Exports.SignedURLTTL, logr)

	authHandler := handler.NewAuthHandler(authSvc)
	recordHandler := handler.NewRecordHandler(lifecycleSvc)
	exportHandler := handler.NewExportHandler(exportSvc)
	metricsHandler := handler.NewMetricsHandler(metricsSvc)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
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

		session := auth.Group("", middleware.JWT(authSvc))
		session.POST("/logout", authHandler.Logout)
		session.POST("/change-password", authHandler.ChangePassword)
		session.GET("/me", authHandler.Me)
	}

	records := api.Group("/records", middleware.JWT(authSvc))
	{
		records.POST("", recordHandler.Submit)
		records.GET("", recordHandler.List)
		records.GET("/pending/summary",
			middleware.RequireRoles(models.RoleAdmin, models.RoleStaff, models.RoleTutor),
			recordHandler.PendingSummary)
		records.GET("/:id", recordHandler.Get)
		records.PUT("/:id", recordHandler.Resubmit)
		records.DELETE("/:id", recordHandler.Withdraw)
		records.POST("/:id/decision",
			middleware.RequireRoles(models.RoleAdmin, models.RoleTutor),
			recordHandler.Decide)
	}

	exports := api.Group("/exports")
	{
		exports.POST("",
			middleware.JWT(authSvc),
			middleware.RequireRoles(models.RoleAdmin, models.RoleStaff),
			exportHandler.Generate)
		// Download auth is the signed token itself.
		exports.GET("/download",
			middleware.Audit(userRepo, "EXPORT_DOWNLOAD", "export"),
			exportHandler.Download)
	}

	api.GET("/metrics/summary",
		middleware.JWT(authSvc),
		middleware.RequireRoles(models.RoleAdmin),
		metricsHandler.Snapshot)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Sugar().Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("shutdown failed", "error", err)
	}
}

// runExportCleanup periodically removes generated report files older
// than the signed URL lifetime; expired tokens cannot reach them anyway.
func runExportCleanup(ctx context.Context, svc *service.ExportService, ttl time.Duration, logr *zap.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := svc.Cleanup(ttl)
			if err != nil {
				logr.Sugar().Warnw("export cleanup failed", "error", err)
				continue
			}
			if len(removed) > 0 {
				logr.Sugar().Infow("export cleanup removed files", "count", len(removed))
			}
		}
	}
}
