package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"flowcrm/internal/config"
	"flowcrm/internal/handlers"
	"flowcrm/internal/middleware"
	"flowcrm/internal/models"
	"flowcrm/internal/observability"
	"flowcrm/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"
)

func main() {
	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()

	cfg := config.Load()

	if err := config.InitLogger(cfg); err != nil {
		logrus.Warnf("init logger: %v", err)
	}
	appLogger := logrus.StandardLogger()

	shutdownOTel, err := observability.SetupTracing(context.Background(), cfg)
	if err != nil {
		appLogger.Warnf("init tracing: %v", err)
	} else {
		defer func() { _ = shutdownOTel(context.Background()) }()
	}

	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		dsn = fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=%s",
			cfg.Database.Host, cfg.Database.User, cfg.Database.Password,
			cfg.Database.Name, cfg.Database.Port, cfg.Database.SSLMode, cfg.Database.TimeZone)
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		appLogger.Fatalf("Failed to connect to database: %v", err)
	}
	if cfg.Monitoring.Tracing.Enabled {
		_ = db.Use(gormtracing.NewPlugin())
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	}

	if err := db.AutoMigrate(
		&models.User{}, &models.Contact{}, &models.Tag{},
		&models.Pipeline{}, &models.PipelineStage{}, &models.Deal{}, &models.Task{},
		&models.EmailMessage{}, &models.Sequence{}, &models.SequenceExecution{},
		&models.Notification{},
		&models.AutomationRule{}, &models.RuleExecution{}, &models.ExecutionDedup{},
	); err != nil {
		appLogger.Fatalf("Failed to migrate database: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Engine services.
	ruleService := services.NewRuleService(db, appLogger)
	executionService := services.NewExecutionService(db, appLogger)
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:         fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
		})
		executionService.SetRedis(rdb)
	}

	notificationHub := services.NewNotificationHub(appLogger)
	go notificationHub.Run()

	notificationService := services.NewNotificationService(db, appLogger)
	notificationService.SetHub(notificationHub)
	if cfg.SMTP.Enabled {
		notificationService.SetSMTP(cfg.SMTP)
	}
	sequenceService := services.NewSequenceService(db, appLogger)

	executor := services.NewActionExecutor(db, appLogger, sequenceService, notificationService)

	dispatcher := services.NewDispatcher(ruleService, executionService, executor, appLogger,
		cfg.Automation.Workers, cfg.Automation.QueueSize, cfg.Automation.ActionTimeout)
	dispatcher.SetRetryFailedContexts(cfg.Automation.RetryFailedContexts)
	dispatcher.Start(ctx)

	scheduler := services.NewSchedulerService(db, ruleService, executionService, executor, appLogger)
	scheduler.SetRetention(time.Duration(cfg.Automation.RetentionDays) * 24 * time.Hour)
	scheduler.SetRetryFailedContexts(cfg.Automation.RetryFailedContexts)
	scheduler.Start(ctx, cfg.Automation.NoReplyScanInterval, cfg.Automation.CleanupInterval)

	if cfg.RabbitMQ.Enabled {
		consumer := services.NewEventConsumer(db, dispatcher, appLogger, cfg.RabbitMQ)
		consumer.Start(ctx)
	}

	if cfg.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(middleware.CORSMiddleware(cfg))
	r.Use(middleware.RateLimitMiddleware(cfg))
	if cfg.Monitoring.Tracing.Enabled {
		r.Use(otelgin.Middleware(cfg.Monitoring.Tracing.ServiceName))
	}

	healthHandler := handlers.NewHealthHandler()
	r.GET("/health", healthHandler.Health)
	r.GET("/ready", healthHandler.Ready)

	if cfg.Monitoring.Enabled {
		r.GET(cfg.Monitoring.MetricsPath, handlers.NewMetricsHandler().GetMetrics)
	}

	wsHandler := handlers.NewNotificationWSHandler(notificationHub)
	r.GET("/ws/notifications", wsHandler.HandleWebSocket)
	r.GET("/ws/notifications/stats", wsHandler.GetStats)

	api := r.Group("/api/v1")
	handlers.RegisterAutomationRoutes(api, handlers.NewAutomationHandler(ruleService, executionService))
	handlers.RegisterEventRoutes(api, handlers.NewEventHandler(db, dispatcher))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		appLogger.Infof("flowcrm listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLogger.Info("Shutting down...")

	cancel()
	dispatcher.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Warnf("Server shutdown: %v", err)
	}
	appLogger.Info("Bye")
}
