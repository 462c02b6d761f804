package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/Erickzao/twilio-services/docs"
	"github.com/Erickzao/twilio-services/internal/config"
	"github.com/Erickzao/twilio-services/internal/handlers"
	"github.com/Erickzao/twilio-services/internal/jobs"
	"github.com/Erickzao/twilio-services/internal/logger"
	"github.com/Erickzao/twilio-services/internal/metrics"
	"github.com/Erickzao/twilio-services/internal/middlewares"
	"github.com/Erickzao/twilio-services/internal/repositories"
	"github.com/Erickzao/twilio-services/internal/scheduler"
	"github.com/Erickzao/twilio-services/internal/services"
	"github.com/Erickzao/twilio-services/internal/twilio"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	_ "github.com/go-sql-driver/mysql"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"
	"go.uber.org/zap"
)

// @title Twilio Services API
// @version 1.0
// @description API for chatbot/operator handoff tasks with inactivity automation

// @contact.name API Support

// @license.name Apache 2.0
// @license.url http://www.apache.org/licenses/LICENSE-2.0.html

// @host localhost:8080
// @BasePath /api/v1
// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name X-API-Key
// @description API key for service-to-service authentication
func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v\n", err)
	}

	// Initialize logger
	if err := logger.Init(cfg.Logging.Level); err != nil {
		log.Fatalf("Failed to initialize logger: %v\n", err)
	}
	defer logger.Sync()

	logger.Logger.Info("Starting Twilio Services API")

	// Connect to database
	db, err := connectDB(cfg.DSN())
	if err != nil {
		logger.Logger.Fatal("Failed to connect to database", zap.Error(err))
		os.Exit(1)
	}
	defer db.Close()

	// Run migrations
	if err := runMigrations(db); err != nil {
		logger.Logger.Fatal("Failed to run migrations", zap.Error(err))
	}

	// Messaging provider client
	twilioClient := twilio.NewClient(cfg.Twilio.AccountSID, cfg.Twilio.AuthToken, cfg.Twilio.PhoneNumber)

	// Metrics
	registry := prometheus.NewRegistry()
	engineMetrics := metrics.New(registry)

	// Initialize repositories
	taskRepo := repositories.NewTaskRepository(db)
	flexTaskRepo := repositories.NewFlexTaskRepository(db)

	// Inactivity scheduler and reconciliation engine
	inactivityScheduler := scheduler.NewInactivityScheduler(logger.Logger)
	autoProcessService := services.NewAutoProcessService(
		taskRepo,
		flexTaskRepo,
		twilioClient,
		inactivityScheduler,
		engineMetrics,
		cfg.Tasks,
		cfg.Twilio.WorkspaceSID,
		logger.Logger,
	)
	dispatcher := services.NewDispatcher(autoProcessService, cfg.Tasks.PollInterval, engineMetrics, logger.Logger)

	// Initialize services
	taskService := services.NewTaskService(taskRepo, twilioClient, autoProcessService, logger.Logger)
	activityService := services.NewActivityService(taskRepo, flexTaskRepo, inactivityScheduler, cfg.Tasks.AutomationAuthor, logger.Logger)

	// Initialize handlers
	taskHandler := handlers.NewTaskHandler(taskService, logger.Logger)
	webhookHandler := handlers.NewWebhookHandler(activityService, logger.Logger)
	healthHandler := handlers.NewHealthHandler(db, logger.Logger)

	// Retention job
	retentionJob := jobs.NewRetentionJob(taskRepo, flexTaskRepo, cfg.Tasks.RetentionDays, logger.Logger)
	if err := retentionJob.Start(); err != nil {
		logger.Logger.Fatal("Failed to start retention job", zap.Error(err))
	}

	// Setup router
	r := chi.NewRouter()

	// Apply middleware
	r.Use(middlewares.RequestIDMiddleware)
	r.Use(middlewares.LoggerMiddleware(logger.Logger))
	r.Use(middlewares.RecoveryMiddleware(logger.Logger))
	r.Use(middlewares.CORSMiddleware(cfg.CORS.AllowedOrigins))
	r.Use(httprate.LimitByIP(100, time.Minute))
	r.Use(middlewares.RequestSizeLimitMiddleware(1 * 1024 * 1024)) // 1MB

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL(fmt.Sprintf("http://localhost:%d/swagger/doc.json", cfg.Server.Port)),
	))

	// Operational endpoints
	healthHandler.RegisterRoutes(r)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	// Provider webhook (unauthenticated, the provider posts here)
	webhookHandler.RegisterRoutes(r)

	// Handoff command endpoints (API key protected when configured)
	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if cfg.APIKey != "" {
				r.Use(middlewares.APIKeyMiddleware(cfg.APIKey))
			}
			taskHandler.RegisterRoutes(r)
		})
	})

	// Start the reconciliation loop
	if cfg.Tasks.AutoEnabled {
		dispatcher.Start()
	} else {
		logger.Logger.Info("Task automation disabled by configuration")
	}

	// Start server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Logger.Info("Server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Logger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Logger.Info("Shutting down server...")

	// Stop the automation first so no new timers get armed, then drop
	// every armed deadline. The next startup re-derives them from the store.
	if cfg.Tasks.AutoEnabled {
		dispatcher.Stop()
	}
	inactivityScheduler.CancelAll()
	retentionJob.Stop()

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Logger.Info("Server exited")
}

// connectDB connects to the database
func connectDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// runMigrations runs database migrations
func runMigrations(db *sql.DB) error {
	driver, err := mysql.WithInstance(db, &mysql.Config{
		MigrationsTable: "task_schema_migrations",
	})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	migrationPath := "file://migrations"
	if _, err := os.Stat("migrations"); os.IsNotExist(err) {
		// Try parent directory if running from cmd
		if _, err := os.Stat("../migrations"); err == nil {
			migrationPath = "file://../migrations"
		}
	}

	m, err := migrate.NewWithDatabaseInstance(
		migrationPath,
		"mysql",
		driver,
	)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}
