package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/worktime-compliance/internal/circuitbreaker"
	"github.com/worktime-compliance/internal/logging"
)

// workCheckpoint is a snapshot of one user's session for persistence
type workCheckpoint struct {
	UserID         string
	Minutes        float64
	LastActiveTime time.Time
	WorkDate       time.Time
}

// checkpointSaver is the persistence call used by the writer
type checkpointSaver func(ctx context.Context, cp workCheckpoint) error

// checkpointWriter persists session snapshots asynchronously.
//
// Writes are coalesced per user: at most one write per user is in flight and
// only the newest pending snapshot is written next. Store failures trip a
// circuit breaker so a dead database does not spawn a write per heartbeat.
type checkpointWriter struct {
	save    checkpointSaver
	timeout time.Duration
	breaker *circuitbreaker.CircuitBreaker
	logger  *logging.Logger

	mu       sync.Mutex
	pending  map[string]workCheckpoint
	inflight map[string]bool
	wg       sync.WaitGroup
}

func newCheckpointWriter(save checkpointSaver, timeout time.Duration, breaker *circuitbreaker.CircuitBreaker, logger *logging.Logger) *checkpointWriter {
	return &checkpointWriter{
		save:     save,
		timeout:  timeout,
		breaker:  breaker,
		logger:   logger,
		pending:  make(map[string]workCheckpoint),
		inflight: make(map[string]bool),
	}
}

// submit queues cp and starts a drain for the user if none is running
func (w *checkpointWriter) submit(cp workCheckpoint) {
	w.mu.Lock()
	w.pending[cp.UserID] = cp
	if w.inflight[cp.UserID] {
		w.mu.Unlock()
		return
	}
	w.inflight[cp.UserID] = true
	w.wg.Add(1)
	w.mu.Unlock()

	go w.drain(cp.UserID)
}

func (w *checkpointWriter) drain(userID string) {
	defer w.wg.Done()

	for {
		w.mu.Lock()
		cp, ok := w.pending[userID]
		if !ok {
			delete(w.inflight, userID)
			w.mu.Unlock()
			return
		}
		delete(w.pending, userID)
		w.mu.Unlock()

		w.write(cp)
	}
}

func (w *checkpointWriter) write(cp workCheckpoint) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	err := w.breaker.Execute(ctx, func(ctx context.Context) error {
		return w.save(ctx, cp)
	})

	switch {
	case err == nil:
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		w.logger.WithField("userId", cp.UserID).Debug("Work checkpoint skipped, store circuit open")
	default:
		w.logger.WithFields(map[string]interface{}{
			"userId":  cp.UserID,
			"minutes": cp.Minutes,
		}).WithError(err).Warn("Failed to persist work checkpoint, continuing in memory")
	}
}

// flush waits for in-flight writes or until ctx is done
func (w *checkpointWriter) flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
