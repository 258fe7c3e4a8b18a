package service

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/worktime-compliance/internal/logging"
	"github.com/worktime-compliance/internal/models"
	"github.com/worktime-compliance/internal/storage"
	"github.com/worktime-compliance/internal/types"
)

func testLogger() *logging.Logger {
	return logging.NewLoggerWithOutput(logging.LevelError, logging.FormatJSON, io.Discard)
}

// testClock is a settable clock shared by the services under test
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(t time.Time) *testClock {
	return &testClock{now: t}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// mockUserStore is an in-memory user table. LockAndUpdate works on a copy so
// a failed mutation leaves the stored row untouched, like a rollback.
type mockUserStore struct {
	mu       sync.Mutex
	users    map[string]*models.User
	earnings []*models.Earning

	checkpoints   int
	checkpointErr error
	getErr        error
	resetErr      error
	lockErrs      []error // returned by successive LockAndUpdate calls before the mutation runs
	lockCalls     int
	resetDays     []time.Time
	saveHook      func()
}

func newMockUserStore(users ...*models.User) *mockUserStore {
	s := &mockUserStore{users: make(map[string]*models.User)}
	for _, u := range users {
		s.users[u.ID] = u
	}
	return s
}

func (m *mockUserStore) user(id string) *models.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil
	}
	cp := *u
	return &cp
}

func (m *mockUserStore) GetByID(ctx context.Context, id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	u, ok := m.users[id]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *mockUserStore) ListEligibleActive(ctx context.Context) ([]*models.User, error) {
	return m.list(func(u *models.User) bool {
		return u.Status == types.StatusActive && u.IsEligibleForSuspension()
	}), nil
}

func (m *mockUserStore) ListAtRisk(ctx context.Context, minFailedDays int) ([]*models.User, error) {
	return m.list(func(u *models.User) bool {
		return u.Status == types.StatusActive && u.IsEligibleForSuspension() && u.ConsecutiveFailedDays >= minFailedDays
	}), nil
}

func (m *mockUserStore) list(keep func(u *models.User) bool) []*models.User {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.User
	for _, u := range m.users {
		if keep(u) {
			cp := *u
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *mockUserStore) LockAndUpdate(ctx context.Context, id string, fn storage.AccountMutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lockCalls++
	if len(m.lockErrs) > 0 {
		err := m.lockErrs[0]
		m.lockErrs = m.lockErrs[1:]
		return err
	}

	stored, ok := m.users[id]
	if !ok {
		return storage.ErrUserNotFound
	}
	working := *stored

	earning, err := fn(&working)
	if errors.Is(err, storage.ErrSkipUpdate) {
		return nil
	}
	if err != nil {
		return err
	}

	m.users[id] = &working
	if earning != nil {
		m.earnings = append(m.earnings, earning)
	}
	return nil
}

func (m *mockUserStore) SaveWorkCheckpoint(ctx context.Context, userID string, minutes float64, lastActive time.Time, workDate time.Time) error {
	if m.saveHook != nil {
		m.saveHook()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.checkpoints++
	if m.checkpointErr != nil {
		return m.checkpointErr
	}
	u, ok := m.users[userID]
	if !ok {
		return nil
	}
	if u.WorkDate != nil && u.WorkDate.After(workDate) {
		return nil
	}
	if u.WorkDate != nil && u.WorkDate.Before(workDate) {
		u.PreviousWorkMinutes = u.DailyWorkMinutes
		prev := *u.WorkDate
		u.PreviousWorkDate = &prev
		u.DailyWorkMinutes = 0
	}
	if minutes > u.DailyWorkMinutes || u.WorkDate == nil || !u.WorkDate.Equal(workDate) {
		u.DailyWorkMinutes = minutes
	}
	wd := workDate
	u.WorkDate = &wd
	la := lastActive
	u.LastActiveTime = &la
	return nil
}

func (m *mockUserStore) ResetDailyWork(ctx context.Context, day time.Time, resetAt time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.resetErr != nil {
		return 0, m.resetErr
	}
	m.resetDays = append(m.resetDays, day)
	for _, u := range m.users {
		if u.WorkDate != nil && u.WorkDate.Before(day) {
			u.PreviousWorkMinutes = u.DailyWorkMinutes
			prev := *u.WorkDate
			u.PreviousWorkDate = &prev
		}
		u.DailyWorkMinutes = 0
		d := day
		u.WorkDate = &d
		r := resetAt
		u.DailyResetAt = &r
	}
	return int64(len(m.users)), nil
}

func (m *mockUserStore) checkpointCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkpoints
}

func (m *mockUserStore) earningsFor(userID string) []*models.Earning {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Earning
	for _, e := range m.earnings {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out
}

type mockEventPublisher struct {
	mu     sync.Mutex
	events []models.AccountEvent
	err    error
}

func (m *mockEventPublisher) Publish(ctx context.Context, events ...models.AccountEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, events...)
	return nil
}

func (m *mockEventPublisher) ofType(t types.EventType) []models.AccountEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AccountEvent
	for _, e := range m.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type mockComplianceRecorder struct {
	mu     sync.Mutex
	events []models.ComplianceEvent
	err    error
}

func (m *mockComplianceRecorder) RecordOutcomes(ctx context.Context, events []models.ComplianceEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, events...)
	return nil
}

func eligibleUser(id string) *models.User {
	return &models.User{
		ID:                 id,
		Email:              id + "@example.com",
		KYCStatus:          types.KYCVerified,
		VerificationStatus: types.VerificationVerified,
		Status:             types.StatusActive,
		Balance:            decimal.NewFromInt(100),
	}
}

func datePtr(t time.Time) *time.Time {
	return &t
}
