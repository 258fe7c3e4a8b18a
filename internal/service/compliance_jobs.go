package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/worktime-compliance/internal/config"
	"github.com/worktime-compliance/internal/logging"
	"github.com/worktime-compliance/internal/models"
	"github.com/worktime-compliance/internal/scheduler"
	"github.com/worktime-compliance/internal/types"
	"golang.org/x/sync/errgroup"
)

// Job names registered with the scheduler
const (
	JobHourlyShortfallCheck = "hourly-shortfall-check"
	JobDayRollover          = "day-rollover"
)

// JobPolicy holds the settings of the recurring compliance jobs
type JobPolicy struct {
	TargetMinutes     float64
	CheckHour         int
	NotifyConcurrency int
	Location          *time.Location
}

// JobPolicyFromConfig builds the job policy from application config
func JobPolicyFromConfig(cfg *config.Config) JobPolicy {
	return JobPolicy{
		TargetMinutes:     cfg.Compliance.TargetMinutes,
		CheckHour:         cfg.Compliance.CheckHour,
		NotifyConcurrency: cfg.Compliance.NotifyConcurrency,
		Location:          cfg.Compliance.Location,
	}
}

// ComplianceJobs wires the tracker and the suspension engine into the
// scheduled work. Only the day rollover changes account status.
type ComplianceJobs struct {
	tracker     *WorkTimeTracker
	suspensions *SuspensionService
	users       AccountStore
	events      EventPublisher
	policy      JobPolicy
	logger      *logging.Logger
	now         func() time.Time
}

// NewComplianceJobs creates the scheduled compliance jobs. events may be nil.
func NewComplianceJobs(tracker *WorkTimeTracker, suspensions *SuspensionService, users AccountStore, events EventPublisher, policy JobPolicy, logger *logging.Logger) *ComplianceJobs {
	if policy.Location == nil {
		policy.Location = time.Local
	}
	if policy.NotifyConcurrency < 1 {
		policy.NotifyConcurrency = 1
	}
	return &ComplianceJobs{
		tracker:     tracker,
		suspensions: suspensions,
		users:       users,
		events:      events,
		policy:      policy,
		logger:      logger.WithField("component", "compliance_jobs"),
		now:         time.Now,
	}
}

// Schedule returns the recurring jobs: the shortfall warning at the top of
// every hour and the rollover at local midnight.
func (j *ComplianceJobs) Schedule(rolloverTimeout time.Duration) []scheduler.Job {
	return []scheduler.Job{
		{
			Name:    JobHourlyShortfallCheck,
			Spec:    "0 * * * *",
			Timeout: 10 * time.Minute,
			Run:     j.HourlyShortfallCheck,
		},
		{
			Name:    JobDayRollover,
			Spec:    "0 0 * * *",
			Timeout: rolloverTimeout,
			Run:     j.DayRollover,
		},
	}
}

// HourlyShortfallCheck warns users who are still below the daily target.
// It only acts during the configured check hour and never suspends anyone.
func (j *ComplianceJobs) HourlyShortfallCheck(ctx context.Context) error {
	now := j.now()
	if now.In(j.policy.Location).Hour() != j.policy.CheckHour {
		j.logger.WithField("hour", now.In(j.policy.Location).Hour()).Debug("Outside shortfall check hour, nothing to do")
		return nil
	}
	return j.WarnShortfalls(ctx)
}

// WarnShortfalls publishes a work_shortfall event for every eligible active
// user whose work today is below the target, regardless of the hour.
func (j *ComplianceJobs) WarnShortfalls(ctx context.Context) error {
	now := j.now()
	today := models.CalendarDate(now, j.policy.Location)

	users, err := j.users.ListEligibleActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to list eligible users: %w", err)
	}

	var events []models.AccountEvent
	for _, u := range users {
		minutes, ok := j.tracker.CurrentMinutes(u.ID)
		if !ok {
			minutes = u.WorkMinutesOn(today)
		}
		if minutes >= j.policy.TargetMinutes {
			continue
		}
		events = append(events, newAccountEvent(types.EventWorkShortfall, u.ID, now, map[string]interface{}{
			"hoursWorked":    roundHours(minutes / 60),
			"hoursRemaining": roundHours((j.policy.TargetMinutes - minutes) / 60),
		}))
	}

	sent := j.fanOut(ctx, events)
	j.logger.WithFields(map[string]interface{}{
		"checked": len(users),
		"warned":  sent,
	}).Info("Work shortfall check complete")
	return nil
}

// NotifyUsersAtRisk publishes a suspension_at_risk event for every user one
// missed day away from suspension. Returns the number notified.
func (j *ComplianceJobs) NotifyUsersAtRisk(ctx context.Context) (int, error) {
	atRisk, err := j.suspensions.GetUsersAtRisk(ctx)
	if err != nil {
		return 0, err
	}

	now := j.now()
	events := make([]models.AccountEvent, 0, len(atRisk))
	for _, u := range atRisk {
		events = append(events, newAccountEvent(types.EventAtRisk, u.UserID, now, map[string]interface{}{
			"consecutiveFailedDays": u.ConsecutiveFailedDays,
		}))
	}

	sent := j.fanOut(ctx, events)
	j.logger.WithFields(map[string]interface{}{
		"atRisk":   len(atRisk),
		"notified": sent,
	}).Info("At-risk notifications sent")
	return sent, nil
}

// DayRollover closes the previous day: compliance for yesterday, then the
// daily reset, then at-risk notifications. Queued checkpoints are written
// first so the sweep sees the last heartbeats before midnight. The reset runs
// even when the compliance sweep fails because yesterday's minutes stay
// readable after it.
func (j *ComplianceJobs) DayRollover(ctx context.Context) error {
	var errs []error

	if err := j.tracker.Flush(ctx); err != nil {
		j.logger.WithError(err).Warn("Work checkpoints not flushed before compliance check")
	}

	if _, err := j.suspensions.CheckDailyCompliance(ctx); err != nil {
		j.logger.WithError(err).Error("Daily compliance check failed")
		errs = append(errs, fmt.Errorf("compliance: %w", err))
	}

	if _, err := j.tracker.ResetDaily(ctx); err != nil {
		errs = append(errs, fmt.Errorf("daily reset: %w", err))
	}

	if _, err := j.NotifyUsersAtRisk(ctx); err != nil {
		j.logger.WithError(err).Error("At-risk notification failed")
		errs = append(errs, fmt.Errorf("at-risk notification: %w", err))
	}

	return errors.Join(errs...)
}

// fanOut publishes each event on its own goroutine, bounded by the notify
// concurrency. Delivery failures are logged and not returned.
func (j *ComplianceJobs) fanOut(ctx context.Context, events []models.AccountEvent) int {
	if j.events == nil || len(events) == 0 {
		return 0
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.policy.NotifyConcurrency)

	sent := make([]bool, len(events))
	for i, ev := range events {
		g.Go(func() error {
			if err := j.events.Publish(gctx, ev); err != nil {
				j.logger.WithFields(map[string]interface{}{
					"userId": ev.UserID,
					"type":   ev.Type,
				}).WithError(err).Warn("Failed to publish account event")
				return nil
			}
			sent[i] = true
			return nil
		})
	}
	_ = g.Wait()

	n := 0
	for _, ok := range sent {
		if ok {
			n++
		}
	}
	return n
}
