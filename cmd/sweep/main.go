// Package main runs a single compliance job once and exits.
// It takes the same distributed lock as the server's scheduler, so running it
// while a server is mid-sweep is refused rather than duplicated.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/worktime-compliance/internal/config"
	"github.com/worktime-compliance/internal/logging"
	"github.com/worktime-compliance/internal/notify"
	"github.com/worktime-compliance/internal/scheduler"
	"github.com/worktime-compliance/internal/service"
	"github.com/worktime-compliance/internal/storage"
)

func main() {
	jobName := flag.String("job", service.JobDayRollover, fmt.Sprintf("Job to run: %s, %s", service.JobDayRollover, service.JobHourlyShortfallCheck))
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger().WithField("job", *jobName)
	defer logger.Sync()

	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	redis, err := storage.NewRedisCache(&cfg.Database.Redis)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redis.Close()

	var audit service.ComplianceRecorder
	if cfg.Database.ClickHouse.Host != "" {
		clickhouse, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to ClickHouse")
		}
		defer clickhouse.Close()
		audit = storage.NewComplianceEventRepository(clickhouse)
	}

	publisher := notify.NewPublisher(cfg.Kafka, logger)
	defer publisher.Close()

	userRepo := storage.NewUserRepository(postgres)
	tracker := service.NewWorkTimeTracker(userRepo, service.TrackerPolicyFromConfig(cfg), logger)
	suspensions := service.NewSuspensionService(userRepo, publisher, audit, service.SuspensionPolicyFromConfig(cfg), logger)
	// Status changes made here must reach the server's cache
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
		// Only run on demand
		job.Spec = ""
		if err := sched.Register(job); err != nil {
			logger.WithError(err).Fatal("Failed to register job")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Running job")
	err = sched.RunNow(ctx, *jobName)
	switch {
	case errors.Is(err, scheduler.ErrJobLocked):
		logger.Warn("Job is running in another process, nothing to do")
	case err != nil:
		logger.WithError(err).Fatal("Job failed")
	default:
		logger.Info("Job complete")
	}
}
