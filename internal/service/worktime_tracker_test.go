package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/worktime-compliance/internal/models"
)

var trackerStart = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func testTrackerPolicy() TrackerPolicy {
	return TrackerPolicy{
		TargetMinutes:     480,
		GraceWindow:       5 * time.Minute,
		Location:          time.UTC,
		CheckpointTimeout: time.Second,
		BreakerFailures:   3,
		BreakerCooldown:   time.Hour,
	}
}

func newTestTracker(store WorkTimeStore) (*WorkTimeTracker, *testClock) {
	clock := newTestClock(trackerStart)
	tracker := NewWorkTimeTracker(store, testTrackerPolicy(), testLogger())
	tracker.now = clock.Now
	return tracker, clock
}

func flush(t *testing.T, tracker *WorkTimeTracker) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tracker.Flush(ctx))
}

func TestWorkTimeTracker_CreditsGapWithinGraceWindow(t *testing.T) {
	store := newMockUserStore(eligibleUser("u1"))
	tracker, clock := newTestTracker(store)
	ctx := context.Background()

	assert.Equal(t, 0.0, tracker.UpdateActivity(ctx, "u1"), "first heartbeat only opens the session")

	clock.Advance(3 * time.Minute)
	assert.InDelta(t, 3.0, tracker.UpdateActivity(ctx, "u1"), 1e-9)

	minutes, ok := tracker.CurrentMinutes("u1")
	require.True(t, ok)
	assert.InDelta(t, 3.0, minutes, 1e-9)
}

func TestWorkTimeTracker_LongGapCreditsNothing(t *testing.T) {
	store := newMockUserStore(eligibleUser("u1"))
	tracker, clock := newTestTracker(store)
	ctx := context.Background()

	tracker.UpdateActivity(ctx, "u1")
	clock.Advance(10 * time.Minute)
	assert.Equal(t, 0.0, tracker.UpdateActivity(ctx, "u1"))

	hours := tracker.GetUserWorkHours("u1")
	require.NotNil(t, hours.LastActiveTime)
	assert.Equal(t, clock.Now(), *hours.LastActiveTime, "idle gap still advances last active time")

	// the next heartbeat measures from the advanced time
	clock.Advance(2 * time.Minute)
	assert.InDelta(t, 2.0, tracker.UpdateActivity(ctx, "u1"), 1e-9)
}

func TestWorkTimeTracker_GraceWindowIsInclusive(t *testing.T) {
	tracker, clock := newTestTracker(newMockUserStore(eligibleUser("u1")))
	ctx := context.Background()

	tracker.UpdateActivity(ctx, "u1")
	clock.Advance(5 * time.Minute)
	assert.Equal(t, 5.0, tracker.UpdateActivity(ctx, "u1"))

	clock.Advance(5*time.Minute + time.Second)
	assert.Equal(t, 0.0, tracker.UpdateActivity(ctx, "u1"))
}

func TestWorkTimeTracker_TargetBoundary(t *testing.T) {
	tracker, clock := newTestTracker(newMockUserStore(eligibleUser("u1")))
	ctx := context.Background()

	tracker.StartTracking(ctx, "u1")
	for i := 0; i < 95; i++ {
		clock.Advance(5 * time.Minute)
		tracker.UpdateActivity(ctx, "u1")
	}
	clock.Advance(4 * time.Minute)
	tracker.UpdateActivity(ctx, "u1")

	hours := tracker.GetUserWorkHours("u1")
	assert.False(t, hours.IsRequirementMet, "479 minutes is short of the target")
	assert.Equal(t, 7.98, hours.HoursWorked)
	assert.Equal(t, 0.02, hours.HoursRemaining)

	clock.Advance(time.Minute)
	tracker.UpdateActivity(ctx, "u1")

	hours = tracker.GetUserWorkHours("u1")
	assert.True(t, hours.IsRequirementMet)
	assert.Equal(t, 8.0, hours.HoursWorked)
	assert.Equal(t, 0.0, hours.HoursRemaining)
}

func TestWorkTimeTracker_FullDayOfHeartbeats(t *testing.T) {
	tracker, clock := newTestTracker(newMockUserStore(eligibleUser("u1")))
	ctx := context.Background()

	tracker.UpdateActivity(ctx, "u1")
	for i := 0; i < 96; i++ {
		clock.Advance(5 * time.Minute)
		tracker.UpdateActivity(ctx, "u1")
	}

	minutes, _ := tracker.CurrentMinutes("u1")
	assert.Equal(t, 480.0, minutes)
	assert.True(t, tracker.GetUserWorkHours("u1").IsRequirementMet)
}

func TestWorkTimeTracker_StartTrackingIsIdempotent(t *testing.T) {
	tracker, clock := newTestTracker(newMockUserStore(eligibleUser("u1")))
	ctx := context.Background()

	tracker.StartTracking(ctx, "u1")
	clock.Advance(2 * time.Minute)
	tracker.StartTracking(ctx, "u1")

	minutes, ok := tracker.CurrentMinutes("u1")
	require.True(t, ok)
	assert.Equal(t, 0.0, minutes)
	assert.Equal(t, clock.Now(), *tracker.GetUserWorkHours("u1").LastActiveTime)
}

func TestWorkTimeTracker_NoSessionReportsZero(t *testing.T) {
	tracker, _ := newTestTracker(newMockUserStore())

	hours := tracker.GetUserWorkHours("ghost")
	assert.Equal(t, 0.0, hours.HoursWorked)
	assert.Equal(t, 8.0, hours.HoursRemaining)
	assert.False(t, hours.IsRequirementMet)
	assert.Nil(t, hours.LastActiveTime)
}

func TestWorkTimeTracker_ResumesFromPersistedMinutes(t *testing.T) {
	today := models.CalendarDate(trackerStart, time.UTC)

	u := eligibleUser("u1")
	u.DailyWorkMinutes = 120
	u.WorkDate = datePtr(today)

	stale := eligibleUser("u2")
	stale.DailyWorkMinutes = 300
	stale.WorkDate = datePtr(today.AddDate(0, 0, -1))

	tracker, clock := newTestTracker(newMockUserStore(u, stale))
	ctx := context.Background()

	tracker.UpdateActivity(ctx, "u1")
	tracker.UpdateActivity(ctx, "u2")
	clock.Advance(5 * time.Minute)
	tracker.UpdateActivity(ctx, "u1")

	minutes, _ := tracker.CurrentMinutes("u1")
	assert.Equal(t, 125.0, minutes)

	minutes, _ = tracker.CurrentMinutes("u2")
	assert.Equal(t, 0.0, minutes, "yesterday's total is not carried into today")
}

func TestWorkTimeTracker_CheckpointsReachStore(t *testing.T) {
	store := newMockUserStore(eligibleUser("u1"))
	tracker, clock := newTestTracker(store)
	ctx := context.Background()

	tracker.UpdateActivity(ctx, "u1")
	for i := 0; i < 4; i++ {
		clock.Advance(time.Minute)
		tracker.UpdateActivity(ctx, "u1")
	}
	flush(t, tracker)

	u := store.user("u1")
	assert.Equal(t, 4.0, u.DailyWorkMinutes)
	assert.Equal(t, models.CalendarDate(trackerStart, time.UTC), *u.WorkDate)
	assert.Equal(t, clock.Now(), *u.LastActiveTime)
}

func TestWorkTimeTracker_CheckpointsCoalescePerUser(t *testing.T) {
	store := newMockUserStore(eligibleUser("u1"))

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	store.saveHook = func() {
		first := false
		once.Do(func() { first = true })
		if first {
			close(entered)
			<-release
		}
	}

	tracker, clock := newTestTracker(store)
	ctx := context.Background()

	tracker.UpdateActivity(ctx, "u1")
	<-entered

	for i := 0; i < 5; i++ {
		clock.Advance(time.Minute)
		tracker.UpdateActivity(ctx, "u1")
	}
	close(release)
	flush(t, tracker)

	assert.Equal(t, 2, store.checkpointCount(), "queued snapshots collapse into one write")
	assert.Equal(t, 5.0, store.user("u1").DailyWorkMinutes)
}

func TestWorkTimeTracker_StoreFailuresAreSwallowed(t *testing.T) {
	store := newMockUserStore(eligibleUser("u1"))
	store.checkpointErr = errors.New("connection refused")
	store.getErr = errors.New("connection refused")

	tracker, clock := newTestTracker(store)
	ctx := context.Background()

	tracker.UpdateActivity(ctx, "u1")
	clock.Advance(3 * time.Minute)
	assert.InDelta(t, 3.0, tracker.UpdateActivity(ctx, "u1"), 1e-9)
	flush(t, tracker)

	minutes, ok := tracker.CurrentMinutes("u1")
	assert.True(t, ok)
	assert.InDelta(t, 3.0, minutes, 1e-9)
}

func TestWorkTimeTracker_BreakerStopsCheckpointStorm(t *testing.T) {
	store := newMockUserStore(eligibleUser("u1"))
	store.checkpointErr = errors.New("connection refused")

	tracker, clock := newTestTracker(store)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		tracker.UpdateActivity(ctx, "u1")
		flush(t, tracker)
		clock.Advance(time.Minute)
	}

	assert.Equal(t, 3, store.checkpointCount(), "writes stop once the breaker opens")

	minutes, _ := tracker.CurrentMinutes("u1")
	assert.Equal(t, 9.0, minutes, "tracking continues in memory")
}

func TestWorkTimeTracker_DayChangeStartsNewSession(t *testing.T) {
	store := newMockUserStore(eligibleUser("u1"))
	tracker, clock := newTestTracker(store)
	ctx := context.Background()

	clock.Set(time.Date(2026, 3, 10, 23, 57, 0, 0, time.UTC))
	tracker.UpdateActivity(ctx, "u1")
	clock.Advance(2 * time.Minute)
	tracker.UpdateActivity(ctx, "u1")
	flush(t, tracker)

	clock.Advance(2 * time.Minute) // 00:01 next day
	_, ok := tracker.CurrentMinutes("u1")
	assert.False(t, ok, "yesterday's session is not reported as today's")

	assert.Equal(t, 0.0, tracker.UpdateActivity(ctx, "u1"), "gap across midnight is not credited")
	flush(t, tracker)

	minutes, ok := tracker.CurrentMinutes("u1")
	require.True(t, ok)
	assert.Equal(t, 0.0, minutes)

	u := store.user("u1")
	assert.Equal(t, 2.0, u.WorkMinutesOn(time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC), *u.WorkDate)
}

func TestWorkTimeTracker_GetWorkStatistics(t *testing.T) {
	tracker, clock := newTestTracker(newMockUserStore(eligibleUser("u1"), eligibleUser("u2")))
	ctx := context.Background()

	assert.Equal(t, 0, tracker.GetWorkStatistics().TotalActiveUsers)

	tracker.UpdateActivity(ctx, "u1")
	tracker.UpdateActivity(ctx, "u2")
	for i := 0; i < 96; i++ {
		clock.Advance(5 * time.Minute)
		tracker.UpdateActivity(ctx, "u1")
		if i < 12 {
			tracker.UpdateActivity(ctx, "u2")
		}
	}

	stats := tracker.GetWorkStatistics()
	assert.Equal(t, 2, stats.TotalActiveUsers)
	assert.Equal(t, 1, stats.UsersMetRequirement)
	assert.Equal(t, 1, stats.UsersPendingSuspension)
	assert.Equal(t, 4.5, stats.AverageHoursWorked)
}

func TestWorkTimeTracker_ResetDaily(t *testing.T) {
	store := newMockUserStore(eligibleUser("u1"), eligibleUser("u2"))
	tracker, clock := newTestTracker(store)
	ctx := context.Background()

	tracker.UpdateActivity(ctx, "u1")
	clock.Advance(5 * time.Minute)
	tracker.UpdateActivity(ctx, "u1")
	flush(t, tracker)

	clock.Set(time.Date(2026, 3, 11, 0, 0, 5, 0, time.UTC))
	rows, err := tracker.ResetDaily(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rows)

	assert.Equal(t, 0, tracker.GetWorkStatistics().TotalActiveUsers)
	assert.Equal(t, 0.0, tracker.GetUserWorkHours("u1").HoursWorked)

	u := store.user("u1")
	assert.Equal(t, 0.0, u.DailyWorkMinutes)
	require.NotNil(t, u.DailyResetAt)
	assert.Equal(t, 5.0, u.WorkMinutesOn(time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)), "previous day stays readable")
	assert.Equal(t, []time.Time{time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)}, store.resetDays)
}

func TestWorkTimeTracker_ResetDailyKeepsQueuedCheckpoints(t *testing.T) {
	store := newMockUserStore(eligibleUser("u1"))
	started := make(chan struct{}, 2)
	store.saveHook = func() {
		started <- struct{}{}
		time.Sleep(50 * time.Millisecond)
	}
	tracker, clock := newTestTracker(store)
	ctx := context.Background()

	tracker.UpdateActivity(ctx, "u1")
	<-started
	clock.Advance(5 * time.Minute)
	tracker.UpdateActivity(ctx, "u1")

	clock.Set(time.Date(2026, 3, 11, 0, 0, 5, 0, time.UTC))
	_, err := tracker.ResetDaily(ctx)
	require.NoError(t, err)
	flush(t, tracker)

	assert.Equal(t, 2, store.checkpointCount())

	// writes for the old day never touch the new one
	u := store.user("u1")
	require.NotNil(t, u.WorkDate)
	assert.Equal(t, time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC), *u.WorkDate)
	assert.Equal(t, 0.0, u.DailyWorkMinutes)
}

func TestWorkTimeTracker_ResetDailyReportsStoreError(t *testing.T) {
	store := newMockUserStore(eligibleUser("u1"))
	store.resetErr = errors.New("permission denied")
	tracker, _ := newTestTracker(store)
	ctx := context.Background()

	tracker.UpdateActivity(ctx, "u1")
	flush(t, tracker)

	_, err := tracker.ResetDaily(ctx)
	assert.Error(t, err)
	_, ok := tracker.CurrentMinutes("u1")
	assert.False(t, ok, "memory is cleared even when the store reset fails")
}

func TestWorkTimeTracker_ConcurrentHeartbeats(t *testing.T) {
	store := newMockUserStore()
	for i := 0; i < 20; i++ {
		store.users[fmt.Sprintf("u%d", i)] = eligibleUser(fmt.Sprintf("u%d", i))
	}
	tracker, clock := newTestTracker(store)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		userID := fmt.Sprintf("u%d", i)
		for j := 0; j < 10; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				tracker.UpdateActivity(ctx, userID)
				tracker.GetUserWorkHours(userID)
				tracker.GetWorkStatistics()
			}()
		}
	}
	wg.Wait()

	clock.Advance(time.Minute)
	for i := 0; i < 20; i++ {
		assert.InDelta(t, 1.0, tracker.UpdateActivity(ctx, fmt.Sprintf("u%d", i)), 1e-9)
	}
	flush(t, tracker)

	assert.Equal(t, 20, tracker.GetWorkStatistics().TotalActiveUsers)
}

func TestWorkTimeTrackerProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("credited minutes equal the sum of gaps within the grace window", prop.ForAll(
		func(gaps []int) bool {
			tracker, clock := newTestTracker(newMockUserStore(eligibleUser("u1")))
			ctx := context.Background()

			tracker.UpdateActivity(ctx, "u1")
			want := 0.0
			for _, g := range gaps {
				gap := time.Duration(g) * time.Second
				clock.Advance(gap)
				if gap <= 5*time.Minute {
					want += gap.Minutes()
				}
				tracker.UpdateActivity(ctx, "u1")
			}
			_ = tracker.Flush(ctx)

			got, _ := tracker.CurrentMinutes("u1")
			return math.Abs(got-want) < 1e-6
		},
		gen.SliceOf(gen.IntRange(0, 900)),
	))

	properties.Property("a single heartbeat never credits more than the grace window", prop.ForAll(
		func(seconds int) bool {
			tracker, clock := newTestTracker(newMockUserStore(eligibleUser("u1")))
			ctx := context.Background()

			tracker.UpdateActivity(ctx, "u1")
			clock.Advance(time.Duration(seconds) * time.Second)
			credited := tracker.UpdateActivity(ctx, "u1")
			_ = tracker.Flush(ctx)
			return credited >= 0 && credited <= 5
		},
		gen.IntRange(0, 86400),
	))

	properties.TestingRun(t)
}
