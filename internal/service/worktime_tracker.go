package service

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/worktime-compliance/internal/circuitbreaker"
	"github.com/worktime-compliance/internal/config"
	"github.com/worktime-compliance/internal/logging"
	"github.com/worktime-compliance/internal/models"
	"github.com/worktime-compliance/internal/retry"
	"github.com/worktime-compliance/internal/storage"
	"github.com/worktime-compliance/internal/types"
)

// WorkTimeStore is the persistence the tracker writes through to
type WorkTimeStore interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
	SaveWorkCheckpoint(ctx context.Context, userID string, minutes float64, lastActive time.Time, workDate time.Time) error
	ResetDailyWork(ctx context.Context, day time.Time, resetAt time.Time) (int64, error)
}

// TrackerPolicy holds the tracker's tunables
type TrackerPolicy struct {
	TargetMinutes     float64
	GraceWindow       time.Duration
	Location          *time.Location
	CheckpointTimeout time.Duration
	BreakerFailures   int
	BreakerCooldown   time.Duration
}

// TrackerPolicyFromConfig builds the tracker policy from application config
func TrackerPolicyFromConfig(cfg *config.Config) TrackerPolicy {
	return TrackerPolicy{
		TargetMinutes:     cfg.Compliance.TargetMinutes,
		GraceWindow:       cfg.Compliance.GraceWindow,
		Location:          cfg.Compliance.Location,
		CheckpointTimeout: cfg.Tracker.CheckpointTimeout,
		BreakerFailures:   cfg.Tracker.BreakerFailures,
		BreakerCooldown:   cfg.Tracker.BreakerCooldown,
	}
}

// workSession is one user's in-memory progress for a single calendar day
type workSession struct {
	day time.Time // immutable after creation

	mu             sync.Mutex
	startTime      time.Time
	lastActiveTime time.Time
	minutes        float64
}

// WorkTimeTracker turns activity heartbeats into daily work minutes.
//
// The session map is a write-through cache: every mutation is checkpointed to
// the store asynchronously and the store stays the source of truth for other
// processes. A session belongs to one calendar day and is replaced on the
// first heartbeat of a new day.
type WorkTimeTracker struct {
	store       WorkTimeStore
	policy      TrackerPolicy
	checkpoints *checkpointWriter
	logger      *logging.Logger
	now         func() time.Time

	mu       sync.RWMutex
	sessions map[string]*workSession
}

// NewWorkTimeTracker creates a new work-time tracker
func NewWorkTimeTracker(store WorkTimeStore, policy TrackerPolicy, logger *logging.Logger) *WorkTimeTracker {
	if policy.Location == nil {
		policy.Location = time.Local
	}
	if policy.CheckpointTimeout <= 0 {
		policy.CheckpointTimeout = 3 * time.Second
	}

	t := &WorkTimeTracker{
		store:    store,
		policy:   policy,
		logger:   logger.WithField("component", "worktime_tracker"),
		now:      time.Now,
		sessions: make(map[string]*workSession),
	}

	breaker := circuitbreaker.NewCircuitBreaker(circuitbreaker.Config{
		Name:        "worktime-checkpoint",
		MaxFailures: policy.BreakerFailures,
		Cooldown:    policy.BreakerCooldown,
	})
	t.checkpoints = newCheckpointWriter(func(ctx context.Context, cp workCheckpoint) error {
		return store.SaveWorkCheckpoint(ctx, cp.UserID, cp.Minutes, cp.LastActiveTime, cp.WorkDate)
	}, policy.CheckpointTimeout, breaker, t.logger)

	return t
}

// StartTracking ensures a session exists for today. An existing session
// only has its last active time bumped; no minutes are credited.
func (t *WorkTimeTracker) StartTracking(ctx context.Context, userID string) {
	now := t.now()
	s, created := t.session(ctx, userID, now)

	s.mu.Lock()
	if !created && now.After(s.lastActiveTime) {
		s.lastActiveTime = now
	}
	cp := t.snapshot(userID, s)
	s.mu.Unlock()

	t.checkpoints.submit(cp)
}

// UpdateActivity records a heartbeat and returns the minutes it credited.
//
// Elapsed time since the previous heartbeat is credited only when it is
// within the grace window. Longer gaps credit nothing and just move the last
// active time forward. Persistence happens in the background and never fails
// the caller.
func (t *WorkTimeTracker) UpdateActivity(ctx context.Context, userID string) float64 {
	now := t.now()
	s, created := t.session(ctx, userID, now)

	s.mu.Lock()
	credited := 0.0
	if !created {
		gap := now.Sub(s.lastActiveTime)
		if gap >= 0 && gap <= t.policy.GraceWindow {
			credited = gap.Minutes()
			s.minutes += credited
		}
	}
	if now.After(s.lastActiveTime) {
		s.lastActiveTime = now
	}
	cp := t.snapshot(userID, s)
	s.mu.Unlock()

	t.checkpoints.submit(cp)
	return credited
}

// GetUserWorkHours returns today's progress for a user, or zero progress
// when this process has no session for them today.
func (t *WorkTimeTracker) GetUserWorkHours(userID string) types.WorkHours {
	minutes, lastActive, ok := t.current(userID)
	if !ok {
		return t.workHours(0, nil)
	}
	return t.workHours(minutes, &lastActive)
}

// CurrentMinutes returns the live minutes for today, if a session exists
func (t *WorkTimeTracker) CurrentMinutes(userID string) (float64, bool) {
	minutes, _, ok := t.current(userID)
	return minutes, ok
}

// GetWorkStatistics aggregates every session tracked for today
func (t *WorkTimeTracker) GetWorkStatistics() types.WorkStatistics {
	today := t.today()

	t.mu.RLock()
	sessions := make([]*workSession, 0, len(t.sessions))
	for _, s := range t.sessions {
		if s.day.Equal(today) {
			sessions = append(sessions, s)
		}
	}
	t.mu.RUnlock()

	var stats types.WorkStatistics
	totalMinutes := 0.0
	for _, s := range sessions {
		s.mu.Lock()
		minutes := s.minutes
		s.mu.Unlock()

		totalMinutes += minutes
		if minutes >= t.policy.TargetMinutes {
			stats.UsersMetRequirement++
		} else {
			stats.UsersPendingSuspension++
		}
	}

	stats.TotalActiveUsers = len(sessions)
	if stats.TotalActiveUsers > 0 {
		stats.AverageHoursWorked = roundHours(totalMinutes / 60 / float64(stats.TotalActiveUsers))
	}
	return stats
}

// ResetDaily clears every in-memory session and zeroes the persisted daily
// work of all users for the current day. Checkpoints still queued for the
// previous day are left to the store, which ignores writes for an older day.
func (t *WorkTimeTracker) ResetDaily(ctx context.Context) (int64, error) {
	now := t.now()

	t.mu.Lock()
	cleared := len(t.sessions)
	t.sessions = make(map[string]*workSession)
	t.mu.Unlock()

	var rows int64
	err := retry.Do(ctx, retry.TransactionRetryConfig(), func(ctx context.Context, attempt int) error {
		var err error
		rows, err = t.store.ResetDailyWork(ctx, models.CalendarDate(now, t.policy.Location), now)
		return err
	})

	logger := t.logger.WithFields(map[string]interface{}{
		"clearedSessions": cleared,
		"resetUsers":      rows,
	})
	if err != nil {
		logger.WithError(err).Error("Daily work reset failed")
		return 0, err
	}
	logger.Info("Daily work reset complete")
	return rows, nil
}

// Flush waits for queued and in-flight checkpoints, used on shutdown and
// before the day rollover.
func (t *WorkTimeTracker) Flush(ctx context.Context) error {
	return t.checkpoints.flush(ctx)
}

func (t *WorkTimeTracker) today() time.Time {
	return models.CalendarDate(t.now(), t.policy.Location)
}

func (t *WorkTimeTracker) current(userID string) (float64, time.Time, bool) {
	t.mu.RLock()
	s, ok := t.sessions[userID]
	t.mu.RUnlock()
	if !ok || !s.day.Equal(t.today()) {
		return 0, time.Time{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.minutes, s.lastActiveTime, true
}

// session returns today's session for the user, creating it when missing or
// stale. New sessions resume from the persisted total for today.
func (t *WorkTimeTracker) session(ctx context.Context, userID string, now time.Time) (*workSession, bool) {
	day := models.CalendarDate(now, t.policy.Location)

	t.mu.RLock()
	s, ok := t.sessions[userID]
	t.mu.RUnlock()
	if ok && s.day.Equal(day) {
		return s, false
	}

	seed := t.persistedMinutes(ctx, userID, day)

	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.sessions[userID]; ok && s.day.Equal(day) {
		return s, false
	}
	s = &workSession{
		day:            day,
		startTime:      now,
		lastActiveTime: now,
		minutes:        seed,
	}
	t.sessions[userID] = s
	return s, true
}

func (t *WorkTimeTracker) persistedMinutes(ctx context.Context, userID string, day time.Time) float64 {
	ctx, cancel := context.WithTimeout(ctx, t.policy.CheckpointTimeout)
	defer cancel()

	user, err := t.store.GetByID(ctx, userID)
	if err != nil {
		if !errors.Is(err, storage.ErrUserNotFound) {
			t.logger.WithField("userId", userID).WithError(err).Warn("Could not load persisted work time, starting from zero")
		}
		return 0
	}
	return user.WorkMinutesOn(day)
}

func (t *WorkTimeTracker) snapshot(userID string, s *workSession) workCheckpoint {
	return workCheckpoint{
		UserID:         userID,
		Minutes:        s.minutes,
		LastActiveTime: s.lastActiveTime,
		WorkDate:       s.day,
	}
}

func (t *WorkTimeTracker) workHours(minutes float64, lastActive *time.Time) types.WorkHours {
	targetHours := t.policy.TargetMinutes / 60
	hours := minutes / 60
	return types.WorkHours{
		HoursWorked:      roundHours(hours),
		HoursRemaining:   roundHours(math.Max(0, targetHours-hours)),
		IsRequirementMet: minutes >= t.policy.TargetMinutes,
		LastActiveTime:   lastActive,
	}
}

func roundHours(h float64) float64 {
	return math.Round(h*100) / 100
}
