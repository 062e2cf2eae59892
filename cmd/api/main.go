package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-assessment-api/internal/config"
	"github.com/noah-isme/gema-assessment-api/internal/database"
	"github.com/noah-isme/gema-assessment-api/internal/events"
	"github.com/noah-isme/gema-assessment-api/internal/handler"
	"github.com/noah-isme/gema-assessment-api/internal/middleware"
	"github.com/noah-isme/gema-assessment-api/internal/models"
	"github.com/noah-isme/gema-assessment-api/internal/repository"
	"github.com/noah-isme/gema-assessment-api/internal/router"
	"github.com/noah-isme/gema-assessment-api/internal/service"
	"github.com/noah-isme/gema-assessment-api/internal/workflow"
	cloud "github.com/noah-isme/gema-assessment-api/pkg/cloudinary"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Str("service", cfg.AppName).Logger()

	db, err := database.ConnectPostgres(database.PostgresOptions{
		DSN:             cfg.DatabaseURL,
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
		SlowQuery:       cfg.DBSlowQuery,
	}, logger)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	if err := db.AutoMigrate(&models.Assessment{}, &models.Attempt{}, &models.AttemptStatusHistory{}, &models.Enrollment{}, &models.UploadRecord{}); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	redisClient, err := database.ConnectRedis(context.Background(), cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer redisClient.Close()

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = database.ConnectNATS(cfg.NATSURL, cfg.AppName)
		if err != nil {
			log.Fatalf("failed to connect to nats: %v", err)
		}
		defer natsConn.Drain()
	} else {
		logger.Warn().Msg("nats url not configured, attempt events go to redis only")
	}

	storage, err := cloud.New(cloud.Config{
		CloudName: cfg.CloudinaryCloudName,
		APIKey:    cfg.CloudinaryAPIKey,
		APISecret: cfg.CloudinaryAPISecret,
		Folder:    cfg.CloudinaryUploadFolder,
	}, logger)
	if err != nil {
		log.Fatalf("failed to create cloudinary client: %v", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	assessmentRepo := repository.NewAssessmentRepository(db)
	attemptRepo := repository.NewAttemptRepository(db)
	enrollmentRepo := repository.NewEnrollmentRepository(db)
	uploadRepo := repository.NewUploadRepository(db)

	publisher := events.NewBrokerPublisher(redisClient, natsConn, cfg.EventChannel, logger)
	engine := workflow.NewEngine(workflow.Options{RequireModeratorApproval: cfg.RequireModeratorApproval}, time.Now)
	enrollments := service.NewCachedEnrollmentLookup(enrollmentRepo, redisClient, cfg.EnrollmentCacheTTL, logger)

	fileService := service.NewFileService(storage, uploadRepo, attemptRepo, cfg.FileMaxSizeMB, cfg.SignedURLTTL, logger)
	attemptService := service.NewAttemptService(attemptRepo, assessmentRepo, fileService, engine, publisher, validate, logger)
	assessmentService := service.NewAssessmentService(assessmentRepo, attemptRepo, enrollments, enrollmentRepo, validate, logger)
	sessionService := service.NewTimedSessionService(assessmentRepo, attemptService, validate, service.TimedSessionConfig{
		TickInterval:      cfg.TimerTickInterval,
		AutoSubmitTimeout: cfg.AutoSubmitTimeout,
	}, logger)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
		BodyLimit:    (cfg.FileMaxSizeMB + 1) * 1024 * 1024,
	})

	middleware.Register(app, middleware.Config{Logger: &logger})
	router.Register(app, cfg, router.Dependencies{
		AssessmentHandler: handler.NewAssessmentHandler(assessmentService, attemptService, logger),
		AttemptHandler:    handler.NewAttemptHandler(attemptService, logger),
		SessionHandler:    handler.NewSessionHandler(sessionService, logger),
		FileHandler:       handler.NewFileHandler(fileService, logger),
		JWTMiddleware:     middleware.JWTProtected(cfg.JWTSecret),
		HealthChecks:      healthChecks(db, redisClient, natsConn),
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	logger.Info().Str("address", cfg.HTTPAddress()).Str("env", cfg.AppEnv).Msg("assessment api started")

	waitForShutdown(app, sessionService)
}

func healthChecks(db *gorm.DB, redisClient *redis.Client, natsConn *nats.Conn) []handler.DependencyCheck {
	checks := []handler.DependencyCheck{
		{Name: "postgres", Ping: func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}},
		{Name: "redis", Ping: func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}},
	}
	if natsConn != nil {
		checks = append(checks, handler.DependencyCheck{Name: "nats", Ping: func(context.Context) error {
			if !natsConn.IsConnected() {
				return nats.ErrConnectionClosed
			}
			return nil
		}})
	}
	return checks
}

// waitForShutdown stops the HTTP server first so no new countdowns start,
// then stops the running ones without submitting them.
func waitForShutdown(app *fiber.App, sessions service.TimedSessionService) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
	sessions.Shutdown()

	log.Println("server stopped")
}
