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
	"github.com/google/uuid"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/airhealthmap/airhealth-api/api/swagger"
	"github.com/airhealthmap/airhealth-api/internal/handler"
	"github.com/airhealthmap/airhealth-api/internal/middleware"
	"github.com/airhealthmap/airhealth-api/internal/models"
	"github.com/airhealthmap/airhealth-api/internal/repository"
	"github.com/airhealthmap/airhealth-api/internal/service"
	"github.com/airhealthmap/airhealth-api/internal/upstream"
	"github.com/airhealthmap/airhealth-api/pkg/cache"
	"github.com/airhealthmap/airhealth-api/pkg/config"
	"github.com/airhealthmap/airhealth-api/pkg/database"
	"github.com/airhealthmap/airhealth-api/pkg/export"
	"github.com/airhealthmap/airhealth-api/pkg/jobs"
	"github.com/airhealthmap/airhealth-api/pkg/logger"
	corsmiddleware "github.com/airhealthmap/airhealth-api/pkg/middleware/cors"
	reqidmiddleware "github.com/airhealthmap/airhealth-api/pkg/middleware/requestid"
	"github.com/airhealthmap/airhealth-api/pkg/storage"
)

// @title AirHealth Dashboard Gateway
// @version 0.1.0
// @description Gateway API behind the air quality and public health dashboard
// @BasePath /
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
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close() //nolint:errcheck

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Warnw("redis unavailable, duplicate pages will not be cached", "error", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close() //nolint:errcheck
	}

	var snapshots repository.SnapshotRepository
	switch cfg.Session.Backend {
	case config.SessionBackendRedis:
		if redisClient == nil {
			logr.Sugar().Fatalw("session backend is redis but redis is unavailable")
		}
		snapshots = repository.NewRedisSnapshotRepository(redisClient, cfg.Session.Key)
	default:
		snapshots, err = repository.NewFileSnapshotRepository(cfg.Session.Path, cfg.Session.Key)
		if err != nil {
			logr.Sugar().Fatalw("failed to init session snapshot store", "error", err)
		}
	}

	staging, err := storage.NewLocalStorage(cfg.Uploads.StagingDir)
	if err != nil {
		logr.Sugar().Fatalw("failed to init staging storage", "error", err)
	}

	userRepo := repository.NewUserRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)
	validate := validator.New()

	sessionService := service.NewSessionService(snapshots, logr)
	sessionService.Bootstrap(context.Background())

	authService := service.NewAuthService(userRepo, sessionService, validate, logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             "airhealth-gateway",
	})

	dataAPI := upstream.NewClient(cfg.Upstream, logr)
	metricsService := service.NewMetricsService()

	uploadService := service.NewUploadService(dataAPI, staging, cacheRepo, userRepo, metricsService, logr, service.UploadServiceConfig{
		MaxFileSize:       cfg.Uploads.MaxFileSizeBytes,
		AllowedExtensions: cfg.Uploads.AllowedExtensions,
		PreviewLines:      cfg.Uploads.PreviewLines,
		DuplicatePageSize: cfg.Uploads.DuplicatePageSize,
		DupeCacheTTL:      cfg.Uploads.DupeCacheTTL,
		StagingTTL:        cfg.Uploads.StagingTTL,
	})
	recordService := service.NewRecordService(dataAPI, sessionService, logr)
	exportService := service.NewExportService(dataAPI, service.ExportConfig{MaxRows: cfg.Exports.MaxRows}, logr, export.NewCSVExporter(), export.NewPDFExporter())

	authHandler := handler.NewAuthHandler(authService, sessionService)
	uploadHandler := handler.NewUploadHandler(uploadService, exportService)
	recordHandler := handler.NewRecordHandler(recordService)
	metricsHandler := handler.NewMetricsHandler(metricsService)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	janitor := jobs.NewQueue("staging-janitor", func(ctx context.Context, job jobs.Job) error {
		removed, err := uploadService.SweepStaging(ctx)
		if err != nil {
			return err
		}
		if removed > 0 {
			logr.Sugar().Infow("staging sweep", "removed", removed)
		}
		return nil
	}, jobs.QueueConfig{
		Workers:    1,
		BufferSize: 4,
		MaxRetries: 1,
		RetryDelay: time.Minute,
		Logger:     logr,
	})
	janitor.Start(ctx)
	defer janitor.Stop()

	go func() {
		ticker := time.NewTicker(cfg.Uploads.JanitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := janitor.Enqueue(jobs.Job{ID: uuid.NewString(), Type: "staging-sweep"}); err != nil {
					logr.Sugar().Warnw("failed to enqueue staging sweep", "error", err)
				}
			}
		}
	}()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsService))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

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
	auth.POST("/login", authHandler.Login)
	auth.GET("/session", middleware.OptionalJWT(authService), authHandler.Session)
	auth.POST("/forgot-password", authHandler.ForgotPassword)
	auth.POST("/reset-password", authHandler.ResetPassword)

	authed := auth.Group("")
	authed.Use(middleware.JWT(authService))
	authed.POST("/logout", authHandler.Logout)
	authed.PATCH("/profile", authHandler.UpdateProfile)
	authed.POST("/change-password", authHandler.ChangePassword)

	uploads := api.Group("/uploads")
	uploads.Use(middleware.JWT(authService))

	orgUploads := uploads.Group("")
	orgUploads.Use(middleware.RequireRoles(models.RoleOrganization))
	orgUploads.POST("/files", uploadHandler.Select)
	orgUploads.GET("/files", uploadHandler.Files)
	orgUploads.DELETE("/files", uploadHandler.Discard)
	orgUploads.DELETE("/files/:id", uploadHandler.RemoveFile)
	orgUploads.POST("/validate", uploadHandler.Validate)
	orgUploads.GET("/duplicates", uploadHandler.Duplicates)
	orgUploads.POST("/confirm", uploadHandler.Confirm)

	anyUploads := uploads.Group("")
	anyUploads.Use(middleware.RequireRoles(models.RoleOrganization, models.RoleAdmin))
	anyUploads.GET("", uploadHandler.ListBatches)
	anyUploads.GET("/export", uploadHandler.Export)

	adminUploads := uploads.Group("")
	adminUploads.Use(middleware.RequireRoles(models.RoleAdmin))
	adminUploads.DELETE("/:id", uploadHandler.DeleteBatch)

	records := api.Group("/records")
	records.Use(middleware.JWT(authService))
	records.Use(middleware.RequireRoles(models.RoleOrganization, models.RoleAdmin))
	records.POST("", recordHandler.Create)
	records.GET("", recordHandler.List)
	records.PATCH("/:id", recordHandler.Update)

	admin := api.Group("/admin")
	admin.Use(middleware.JWT(authService))
	admin.Use(middleware.RequireRoles(models.RoleAdmin))
	admin.GET("/system", metricsHandler.Snapshot)

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
		logr.Sugar().Warnw("shutdown incomplete", "error", err)
	}
}
