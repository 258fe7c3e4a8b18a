// Package main provides the API server entry point for the work-time compliance service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/worktime-compliance/internal/api"
	"github.com/worktime-compliance/internal/config"
	"github.com/worktime-compliance/internal/logging"
	"github.com/worktime-compliance/internal/notify"
	"github.com/worktime-compliance/internal/scheduler"
	"github.com/worktime-compliance/internal/service"
	"github.com/worktime-compliance/internal/storage"
)

func main() {
	fmt.Println("Work-Time Compliance Server")
	log.Println("Server starting...")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	defer logger.Sync()

	logger.WithFields(map[string]interface{}{
		"level":    cfg.Logging.Level,
		"format":   cfg.Logging.Format,
		"timezone": cfg.Compliance.Location.String(),
	}).Info("Structured logging initialized")

	// Connect to Postgres
	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	// Connect to Redis
	redis, err := storage.NewRedisCache(&cfg.Database.Redis)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redis.Close()

	healthChecks := map[string]api.HealthCheck{
		"postgres": postgres.Ping,
		"redis":    redis.Ping,
	}

	// ClickHouse is optional; without it compliance outcomes are only logged
	var (
		audit   service.ComplianceRecorder
		summary api.ComplianceSummaryInterface
	)
	if cfg.Database.ClickHouse.Host != "" {
		clickhouse, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to ClickHouse")
		}
		defer clickhouse.Close()

		events := storage.NewComplianceEventRepository(clickhouse)
		audit, summary = events, events
		healthChecks["clickhouse"] = clickhouse.Ready
	} else {
		logger.Warn("ClickHouse not configured, compliance audit disabled")
	}

	logger.Info("Database connections established")

	publisher := notify.NewPublisher(cfg.Kafka, logger)

	// Initialize services
	userRepo := storage.NewUserRepository(postgres)
	tracker := service.NewWorkTimeTracker(userRepo, service.TrackerPolicyFromConfig(cfg), logger)
	suspensions := service.NewSuspensionService(userRepo, publisher, audit, service.SuspensionPolicyFromConfig(cfg), logger)
	if cfg.Compliance.StatusCacheTTL > 0 {
		suspensions.UseStatusCache(storage.NewStatusCache(redis.Client(), cfg.Compliance.StatusCacheTTL))
	}
	jobs := service.NewComplianceJobs(tracker, suspensions, userRepo, publisher, service.JobPolicyFromConfig(cfg), logger)

	sched := scheduler.New(scheduler.Config{
		Location: cfg.Compliance.Location,
		Locker:   storage.NewSweepLock(redis.Client()),
		LockTTL:  cfg.Compliance.SweepLockTTL,
		Logger:   logger,
	})
	for _, job := range jobs.Schedule(cfg.Compliance.SweepLockTTL) {
		if err := sched.Register(job); err != nil {
			logger.WithError(err).WithField("job", job.Name).Fatal("Failed to register scheduled job")
		}
	}

	logger.Info("Services initialized")

	serverConfig := &api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    15 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		HeartbeatRPS:    cfg.RateLimit.HeartbeatRPS,
		HeartbeatBurst:  cfg.RateLimit.HeartbeatBurst,
		ReactivationFee: cfg.Compliance.ReactivationFee,
		Location:        cfg.Compliance.Location,
	}

	server := api.NewServer(serverConfig, api.Dependencies{
		Tracker:      tracker,
		Suspensions:  suspensions,
		Summary:      summary,
		Jobs:         sched,
		HealthChecks: healthChecks,
	}, logger)

	if err := sched.Start(); err != nil {
		logger.WithError(err).Fatal("Failed to start scheduler")
	}

	// Start server in a goroutine
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Server started successfully")

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	if err := sched.Stop(ctx); err != nil {
		logger.WithError(err).Error("Scheduled jobs did not finish in time")
	}
	// Persist in-flight work minutes before the pool closes
	if err := tracker.Flush(ctx); err != nil {
		logger.WithError(err).Error("Failed to flush work checkpoints")
	}
	if err := publisher.Close(); err != nil {
		logger.WithError(err).Error("Failed to close event publisher")
	}

	logger.Info("Server exited")
}
