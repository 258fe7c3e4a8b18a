// Package scheduler runs named recurring jobs on cron schedules.
//
// A job never overlaps with itself: a trigger that arrives while the previous
// run is still going is skipped and logged. When a Locker is configured the
// same holds across processes.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/worktime-compliance/internal/logging"
)

var (
	// ErrUnknownJob is returned by RunNow for a name that was never registered
	ErrUnknownJob = errors.New("unknown job")
	// ErrJobRunning is returned when the job is already running in this process
	ErrJobRunning = errors.New("job is already running")
	// ErrJobLocked is returned when another process holds the job's lock
	ErrJobLocked = errors.New("job is locked by another process")
)

// Job is a named unit of recurring work
type Job struct {
	Name string
	// Spec is a standard five-field cron expression
	Spec string
	// Timeout bounds a single run. Zero means no limit.
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Locker provides cross-process mutual exclusion for job runs
type Locker interface {
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (release func(), ok bool, err error)
}

// JobStatus reports the run history of a job
type JobStatus struct {
	Name         string        `json:"name"`
	Spec         string        `json:"spec"`
	Running      bool          `json:"running"`
	Runs         int64         `json:"runs"`
	Skipped      int64         `json:"skipped"`
	LastStarted  time.Time     `json:"lastStarted,omitempty"`
	LastDuration time.Duration `json:"lastDuration"`
	LastError    string        `json:"lastError,omitempty"`
}

type entry struct {
	job     Job
	running atomic.Bool

	mu     sync.Mutex
	status JobStatus
}

// Config configures a scheduler
type Config struct {
	Location *time.Location
	// Locker is optional. Without it jobs are only exclusive within this process.
	Locker  Locker
	LockTTL time.Duration
	Logger  *logging.Logger
}

// Scheduler owns the recurring jobs of the service
type Scheduler struct {
	cron    *gocron.Scheduler
	locker  Locker
	lockTTL time.Duration
	logger  *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	jobs    map[string]*entry
	started bool
}

// New creates a new scheduler
func New(cfg Config) *Scheduler {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    gocron.NewScheduler(cfg.Location),
		locker:  cfg.Locker,
		lockTTL: cfg.LockTTL,
		logger:  logger.WithField("component", "scheduler"),
		ctx:     ctx,
		cancel:  cancel,
		jobs:    make(map[string]*entry),
	}
}

// Register adds a job. Names must be unique.
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job needs a name and a run function")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("job %s is already registered", job.Name)
	}

	e := &entry{job: job, status: JobStatus{Name: job.Name, Spec: job.Spec}}
	if job.Spec != "" {
		if _, err := s.cron.Cron(job.Spec).Tag(job.Name).Do(s.trigger, e); err != nil {
			return fmt.Errorf("failed to schedule job %s: %w", job.Name, err)
		}
	}
	s.jobs[job.Name] = e

	s.logger.WithFields(map[string]interface{}{
		"job":  job.Name,
		"spec": job.Spec,
	}).Info("Job registered")
	return nil
}

// Start begins firing jobs on their schedules
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("scheduler is already running")
	}
	s.started = true
	s.cron.StartAsync()

	s.logger.WithField("jobs", len(s.jobs)).Info("Scheduler started")
	return nil
}

// Stop stops triggering jobs, cancels running ones and waits for them until
// ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.cron.Stop()
		s.started = false
	}
	s.mu.Unlock()

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for running jobs: %w", ctx.Err())
	}
}

// RunNow runs the named job synchronously, subject to the same exclusion
// rules as a scheduled run.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.RLock()
	e, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}

	s.wg.Add(1)
	defer s.wg.Done()
	return s.execute(ctx, e)
}

// Status returns the status of every registered job, sorted by name
func (s *Scheduler) Status() []JobStatus {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.jobs))
	for _, e := range s.jobs {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	statuses := make([]JobStatus, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		st := e.status
		e.mu.Unlock()
		st.Running = e.running.Load()
		statuses = append(statuses, st)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}

func (s *Scheduler) trigger(e *entry) {
	s.wg.Add(1)
	defer s.wg.Done()

	// errors are logged by execute
	_ = s.execute(s.ctx, e)
}

func (s *Scheduler) execute(ctx context.Context, e *entry) error {
	logger := s.logger.WithField("job", e.job.Name)

	if !e.running.CompareAndSwap(false, true) {
		e.recordSkip()
		logger.Warn("Previous run still in progress, skipping")
		return ErrJobRunning
	}
	defer e.running.Store(false)

	if s.locker != nil {
		release, ok, err := s.locker.TryAcquire(ctx, e.job.Name, s.lockTTL)
		switch {
		case err != nil:
			// jobs are idempotent per day, so a lock outage must not stop them
			logger.WithError(err).Warn("Job lock unavailable, running without it")
		case !ok:
			e.recordSkip()
			logger.Info("Job is running in another process, skipping")
			return ErrJobLocked
		default:
			defer release()
		}
	}

	if e.job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.job.Timeout)
		defer cancel()
	}

	started := time.Now()
	logger.Info("Job started")
	err := e.job.Run(ctx)
	duration := time.Since(started)
	e.recordRun(started, duration, err)

	if err != nil {
		logger.WithField("duration", duration).WithError(err).Error("Job failed")
		return err
	}
	logger.WithField("duration", duration).Info("Job finished")
	return nil
}

func (e *entry) recordSkip() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status.Skipped++
}

func (e *entry) recordRun(started time.Time, duration time.Duration, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.status.Runs++
	e.status.LastStarted = started
	e.status.LastDuration = duration
	e.status.LastError = ""
	if err != nil {
		e.status.LastError = err.Error()
	}
}
