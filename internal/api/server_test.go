package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/worktime-compliance/internal/logging"
	"github.com/worktime-compliance/internal/scheduler"
	"github.com/worktime-compliance/internal/types"
)

// Mock services for testing
type mockTracker struct {
	mu         sync.Mutex
	heartbeats map[string]int
	hours      types.WorkHours
	stats      types.WorkStatistics
}

func (m *mockTracker) UpdateActivity(ctx context.Context, userID string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.heartbeats == nil {
		m.heartbeats = make(map[string]int)
	}
	m.heartbeats[userID]++
	return 0
}

func (m *mockTracker) GetUserWorkHours(userID string) types.WorkHours {
	return m.hours
}

func (m *mockTracker) GetWorkStatistics() types.WorkStatistics {
	return m.stats
}

func (m *mockTracker) count(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.heartbeats[userID]
}

type mockSuspensions struct {
	statusFunc     func(ctx context.Context, userID string) (*types.SuspensionStatus, error)
	reactivateFunc func(ctx context.Context, userID string) *types.ReactivationResult
	suspendFunc    func(ctx context.Context, userID, reason string) error
	atRiskFunc     func(ctx context.Context) ([]types.AtRiskUser, error)
}

func (m *mockSuspensions) GetSuspensionStatus(ctx context.Context, userID string) (*types.SuspensionStatus, error) {
	if m.statusFunc != nil {
		return m.statusFunc(ctx, userID)
	}
	return &types.SuspensionStatus{EligibleForSuspension: true}, nil
}

func (m *mockSuspensions) ProcessReactivationFee(ctx context.Context, userID string) *types.ReactivationResult {
	if m.reactivateFunc != nil {
		return m.reactivateFunc(ctx, userID)
	}
	return &types.ReactivationResult{Success: true, Message: "Account reactivated"}
}

func (m *mockSuspensions) AdminSuspendUser(ctx context.Context, userID, reason string) error {
	if m.suspendFunc != nil {
		return m.suspendFunc(ctx, userID, reason)
	}
	return nil
}

func (m *mockSuspensions) GetUsersAtRisk(ctx context.Context) ([]types.AtRiskUser, error) {
	if m.atRiskFunc != nil {
		return m.atRiskFunc(ctx)
	}
	return []types.AtRiskUser{}, nil
}

type mockSummary struct {
	day    time.Time
	counts map[types.ComplianceOutcome]uint64
}

func (m *mockSummary) OutcomeCounts(ctx context.Context, day time.Time) (map[types.ComplianceOutcome]uint64, error) {
	m.day = day
	return m.counts, nil
}

type mockJobs struct{}

func (mockJobs) Status() []scheduler.JobStatus {
	return []scheduler.JobStatus{{Name: "day-rollover", Spec: "0 0 * * *", Runs: 3}}
}

// Helper function to create test server
func createTestServer(tracker *mockTracker, suspensions *mockSuspensions, deps ...func(*Dependencies)) *Server {
	config := &ServerConfig{
		Host:            "localhost",
		Port:            "8080",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     60 * time.Second,
		HeartbeatRPS:    1,
		HeartbeatBurst:  3,
		ReactivationFee: decimal.NewFromInt(49),
		Location:        time.UTC,
	}

	d := Dependencies{Tracker: tracker, Suspensions: suspensions}
	for _, fn := range deps {
		fn(&d)
	}

	logger := logging.NewLoggerWithOutput(logging.LevelError, logging.FormatJSON, io.Discard)
	return NewServer(config, d, logger)
}

func doRequest(server *Server, method, path, userID, role string, body []byte) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(HeaderUserID, userID)
	}
	if role != "" {
		req.Header.Set(HeaderUserRole, role)
	}

	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) types.ServiceError {
	t.Helper()
	var response ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode error response: %v", err)
	}
	return response.Error
}

// TestHealthEndpoint tests the health check endpoint
func TestHealthEndpoint(t *testing.T) {
	server := createTestServer(&mockTracker{}, &mockSuspensions{})

	w := doRequest(server, "GET", "/health", "", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var response map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if response["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got '%v'", response["status"])
	}
}

// TestHealthEndpoint_Degraded tests that a failing dependency is reported
func TestHealthEndpoint_Degraded(t *testing.T) {
	server := createTestServer(&mockTracker{}, &mockSuspensions{}, func(d *Dependencies) {
		d.HealthChecks = map[string]HealthCheck{
			"postgres": func(ctx context.Context) error { return nil },
			"redis":    func(ctx context.Context) error { return errors.New("connection refused") },
		}
	})

	w := doRequest(server, "GET", "/health", "", "", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"redis":"unhealthy"`) {
		t.Errorf("Expected redis to be reported unhealthy, got %s", w.Body.String())
	}
}

// TestGetWorkTime tests reading today's progress
func TestGetWorkTime(t *testing.T) {
	tracker := &mockTracker{hours: types.WorkHours{HoursWorked: 6.5, HoursRemaining: 1.5}}
	server := createTestServer(tracker, &mockSuspensions{})

	w := doRequest(server, "GET", "/api/user/work-time", "user-123", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var response types.WorkHours
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if response.HoursWorked != 6.5 || response.HoursRemaining != 1.5 || response.IsRequirementMet {
		t.Errorf("Unexpected work hours: %+v", response)
	}
}

// TestUserEndpoints_RequireIdentity tests 401 without the identity header
func TestUserEndpoints_RequireIdentity(t *testing.T) {
	server := createTestServer(&mockTracker{}, &mockSuspensions{})

	tests := []struct {
		method string
		path   string
	}{
		{"GET", "/api/user/work-time"},
		{"POST", "/api/user/update-activity"},
		{"GET", "/api/user/suspension-status"},
		{"POST", "/api/user/reactivate"},
		{"GET", "/api/admin/work-statistics"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := doRequest(server, tt.method, tt.path, "", "", nil)
			if w.Code != http.StatusUnauthorized {
				t.Errorf("Expected status 401, got %d", w.Code)
			}
			if code := decodeError(t, w).Code; code != types.ErrCodeUnauthorized {
				t.Errorf("Expected code %s, got %s", types.ErrCodeUnauthorized, code)
			}
		})
	}
}

// TestUpdateActivity_Success tests a heartbeat from an active user
func TestUpdateActivity_Success(t *testing.T) {
	tracker := &mockTracker{}
	server := createTestServer(tracker, &mockSuspensions{})

	w := doRequest(server, "POST", "/api/user/update-activity", "user-123", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var response map[string]bool
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !response["success"] {
		t.Error("Expected success to be true")
	}
	if tracker.count("user-123") != 1 {
		t.Errorf("Expected one heartbeat, got %d", tracker.count("user-123"))
	}
}

// TestUpdateActivity_Suspended tests that suspended users cannot accrue work time
func TestUpdateActivity_Suspended(t *testing.T) {
	tracker := &mockTracker{}
	reason := "Failed to meet the daily 8-hour work requirement for 3 consecutive days"
	fee := decimal.NewFromInt(49)
	suspensions := &mockSuspensions{
		statusFunc: func(ctx context.Context, userID string) (*types.SuspensionStatus, error) {
			return &types.SuspensionStatus{IsSuspended: true, Reason: &reason, ReactivationFee: &fee}, nil
		},
	}
	server := createTestServer(tracker, suspensions)

	w := doRequest(server, "POST", "/api/user/update-activity", "user-123", "", nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("Expected status 403, got %d", w.Code)
	}

	svcErr := decodeError(t, w)
	if svcErr.Code != types.ErrCodeAccountSuspended {
		t.Errorf("Expected code %s, got %s", types.ErrCodeAccountSuspended, svcErr.Code)
	}
	if svcErr.Details["reason"] != reason {
		t.Errorf("Expected reason in details, got %v", svcErr.Details["reason"])
	}
	if svcErr.Details["reactivationFee"] != "49.00" {
		t.Errorf("Expected fee 49.00 in details, got %v", svcErr.Details["reactivationFee"])
	}
	if tracker.count("user-123") != 0 {
		t.Error("Suspended heartbeat must not reach the tracker")
	}
}

// TestUpdateActivity_StatusLookupFailureAllowsHeartbeat tests that a store
// outage does not block heartbeats
func TestUpdateActivity_StatusLookupFailureAllowsHeartbeat(t *testing.T) {
	tracker := &mockTracker{}
	suspensions := &mockSuspensions{
		statusFunc: func(ctx context.Context, userID string) (*types.SuspensionStatus, error) {
			return nil, errors.New("connection refused")
		},
	}
	server := createTestServer(tracker, suspensions)

	w := doRequest(server, "POST", "/api/user/update-activity", "user-123", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if tracker.count("user-123") != 1 {
		t.Error("Expected the heartbeat to be recorded")
	}
}

// TestUpdateActivity_UnknownUser tests 404 for a user the store does not know
func TestUpdateActivity_UnknownUser(t *testing.T) {
	suspensions := &mockSuspensions{
		statusFunc: func(ctx context.Context, userID string) (*types.SuspensionStatus, error) {
			return nil, &types.ServiceError{Code: types.ErrCodeUserNotFound, Message: "user not found: " + userID}
		},
	}
	server := createTestServer(&mockTracker{}, suspensions)

	w := doRequest(server, "POST", "/api/user/update-activity", "ghost", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

// TestUpdateActivity_RateLimited tests the per-user heartbeat limiter
func TestUpdateActivity_RateLimited(t *testing.T) {
	tracker := &mockTracker{}
	server := createTestServer(tracker, &mockSuspensions{})

	var last int
	for i := 0; i < 5; i++ {
		last = doRequest(server, "POST", "/api/user/update-activity", "user-123", "", nil).Code
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("Expected status 429 after the burst, got %d", last)
	}
	if tracker.count("user-123") != 3 {
		t.Errorf("Expected 3 heartbeats within the burst, got %d", tracker.count("user-123"))
	}

	// other users have their own bucket
	if code := doRequest(server, "POST", "/api/user/update-activity", "user-456", "", nil).Code; code != http.StatusOK {
		t.Errorf("Expected status 200 for another user, got %d", code)
	}
}

// TestGetSuspensionStatus tests the status read
func TestGetSuspensionStatus(t *testing.T) {
	suspensions := &mockSuspensions{
		statusFunc: func(ctx context.Context, userID string) (*types.SuspensionStatus, error) {
			if userID != "user-123" {
				t.Errorf("Expected caller's own status, got %s", userID)
			}
			return &types.SuspensionStatus{ConsecutiveFailedDays: 2, EligibleForSuspension: true}, nil
		},
	}
	server := createTestServer(&mockTracker{}, suspensions)

	w := doRequest(server, "GET", "/api/user/suspension-status", "user-123", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var response types.SuspensionStatus
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if response.IsSuspended || response.ConsecutiveFailedDays != 2 {
		t.Errorf("Unexpected status: %+v", response)
	}
}

// TestReactivate tests the reactivation outcomes
func TestReactivate(t *testing.T) {
	tests := []struct {
		name       string
		result     *types.ReactivationResult
		body       string
		wantStatus int
	}{
		{"success", &types.ReactivationResult{Success: true, Message: "Account reactivated"}, `{"email":"a@example.com","phone":"+15550100","name":"A"}`, http.StatusOK},
		{"empty body", &types.ReactivationResult{Success: true, Message: "Account reactivated"}, "", http.StatusOK},
		{"insufficient balance", &types.ReactivationResult{Success: false, Message: "Insufficient balance. Required: 49.00, available: 20.00"}, "", http.StatusBadRequest},
		{"malformed body", nil, `{"email":`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			suspensions := &mockSuspensions{
				reactivateFunc: func(ctx context.Context, userID string) *types.ReactivationResult {
					called = true
					return tt.result
				},
			}
			server := createTestServer(&mockTracker{}, suspensions)

			var body []byte
			if tt.body != "" {
				body = []byte(tt.body)
			}
			w := doRequest(server, "POST", "/api/user/reactivate", "user-123", "", body)
			if w.Code != tt.wantStatus {
				t.Errorf("Expected status %d, got %d", tt.wantStatus, w.Code)
			}
			if tt.result == nil {
				if called {
					t.Error("Malformed body must not reach the service")
				}
				return
			}

			var response types.ReactivationResult
			if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if response != *tt.result {
				t.Errorf("Expected %+v, got %+v", *tt.result, response)
			}
		})
	}
}

// TestAdminEndpoints_RequireAdminRole tests 403 for non-admin callers
func TestAdminEndpoints_RequireAdminRole(t *testing.T) {
	server := createTestServer(&mockTracker{}, &mockSuspensions{})

	paths := []struct {
		method string
		path   string
	}{
		{"GET", "/api/admin/work-statistics"},
		{"GET", "/api/admin/users-at-risk"},
		{"POST", "/api/admin/users/user-9/suspend"},
		{"GET", "/api/admin/jobs"},
	}

	for _, p := range paths {
		w := doRequest(server, p.method, p.path, "user-123", "user", []byte(`{"reason":"x"}`))
		if w.Code != http.StatusForbidden {
			t.Errorf("%s %s: expected status 403, got %d", p.method, p.path, w.Code)
		}
	}
}

// TestGetWorkStatistics tests the admin aggregate
func TestGetWorkStatistics(t *testing.T) {
	tracker := &mockTracker{stats: types.WorkStatistics{TotalActiveUsers: 4, AverageHoursWorked: 5.25, UsersMetRequirement: 1, UsersPendingSuspension: 3}}
	server := createTestServer(tracker, &mockSuspensions{})

	w := doRequest(server, "GET", "/api/admin/work-statistics", "admin-1", "admin", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var response types.WorkStatistics
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if response != tracker.stats {
		t.Errorf("Expected %+v, got %+v", tracker.stats, response)
	}
}

// TestGetUsersAtRisk tests the at-risk listing
func TestGetUsersAtRisk(t *testing.T) {
	suspensions := &mockSuspensions{
		atRiskFunc: func(ctx context.Context) ([]types.AtRiskUser, error) {
			return []types.AtRiskUser{{UserID: "user-7", ConsecutiveFailedDays: 2}}, nil
		},
	}
	server := createTestServer(&mockTracker{}, suspensions)

	w := doRequest(server, "GET", "/api/admin/users-at-risk", "admin-1", "ADMIN", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var response struct {
		Users []types.AtRiskUser `json:"users"`
		Count int                `json:"count"`
	}
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if response.Count != 1 || response.Users[0].UserID != "user-7" {
		t.Errorf("Unexpected response: %+v", response)
	}
}

// TestAdminSuspend tests manual suspension
func TestAdminSuspend(t *testing.T) {
	var gotUser, gotReason string
	suspensions := &mockSuspensions{
		suspendFunc: func(ctx context.Context, userID, reason string) error {
			gotUser, gotReason = userID, reason
			return nil
		},
	}
	server := createTestServer(&mockTracker{}, suspensions)

	w := doRequest(server, "POST", "/api/admin/users/user-9/suspend", "admin-1", "admin", []byte(`{"reason":"  chargeback  "}`))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if gotUser != "user-9" || gotReason != "chargeback" {
		t.Errorf("Unexpected suspend call: user=%s reason=%q", gotUser, gotReason)
	}
}

// TestAdminSuspend_Validation tests bad input and unknown users
func TestAdminSuspend_Validation(t *testing.T) {
	suspensions := &mockSuspensions{
		suspendFunc: func(ctx context.Context, userID, reason string) error {
			return &types.ServiceError{Code: types.ErrCodeUserNotFound, Message: "user not found: " + userID}
		},
	}
	server := createTestServer(&mockTracker{}, suspensions)

	w := doRequest(server, "POST", "/api/admin/users/user-9/suspend", "admin-1", "admin", []byte(`{"reason":""}`))
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for empty reason, got %d", w.Code)
	}
	if code := decodeError(t, w).Code; code != types.ErrCodeInvalidParameter {
		t.Errorf("Expected code %s, got %s", types.ErrCodeInvalidParameter, code)
	}

	w = doRequest(server, "POST", "/api/admin/users/ghost/suspend", "admin-1", "admin", []byte(`{"reason":"fraud"}`))
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for unknown user, got %d", w.Code)
	}
}

// TestComplianceSummary tests the analytics endpoint
func TestComplianceSummary(t *testing.T) {
	summary := &mockSummary{counts: map[types.ComplianceOutcome]uint64{types.OutcomeMet: 10, types.OutcomeSuspended: 2}}
	server := createTestServer(&mockTracker{}, &mockSuspensions{}, func(d *Dependencies) {
		d.Summary = summary
	})

	w := doRequest(server, "GET", "/api/admin/compliance-summary?date=2026-03-10", "admin-1", "admin", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if !summary.day.Equal(time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Unexpected day passed to summary: %v", summary.day)
	}
	if !strings.Contains(w.Body.String(), `"suspended":2`) {
		t.Errorf("Expected suspended count in body, got %s", w.Body.String())
	}

	w = doRequest(server, "GET", "/api/admin/compliance-summary?date=yesterday", "admin-1", "admin", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for bad date, got %d", w.Code)
	}
}

// TestComplianceSummary_Unavailable tests the endpoint without an analytics store
func TestComplianceSummary_Unavailable(t *testing.T) {
	server := createTestServer(&mockTracker{}, &mockSuspensions{})

	w := doRequest(server, "GET", "/api/admin/compliance-summary", "admin-1", "admin", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}
}

// TestGetJobs tests the job status listing
func TestGetJobs(t *testing.T) {
	server := createTestServer(&mockTracker{}, &mockSuspensions{}, func(d *Dependencies) {
		d.Jobs = mockJobs{}
	})

	w := doRequest(server, "GET", "/api/admin/jobs", "admin-1", "admin", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"day-rollover"`) {
		t.Errorf("Expected job in body, got %s", w.Body.String())
	}
}

// TestRecoveryMiddleware tests panic recovery
func TestRecoveryMiddleware(t *testing.T) {
	logger := logging.NewLoggerWithOutput(logging.LevelError, logging.FormatJSON, io.Discard)
	handler := RecoveryMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", w.Code)
	}
}
