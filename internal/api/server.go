// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/worktime-compliance/internal/logging"
	"github.com/worktime-compliance/internal/scheduler"
	"github.com/worktime-compliance/internal/types"
)

// Service interfaces for dependency injection and testing

// WorkTimeTrackerInterface defines the tracker operations used by the API
type WorkTimeTrackerInterface interface {
	UpdateActivity(ctx context.Context, userID string) float64
	GetUserWorkHours(userID string) types.WorkHours
	GetWorkStatistics() types.WorkStatistics
}

// SuspensionServiceInterface defines the suspension operations used by the API
type SuspensionServiceInterface interface {
	GetSuspensionStatus(ctx context.Context, userID string) (*types.SuspensionStatus, error)
	ProcessReactivationFee(ctx context.Context, userID string) *types.ReactivationResult
	AdminSuspendUser(ctx context.Context, userID, reason string) error
	GetUsersAtRisk(ctx context.Context) ([]types.AtRiskUser, error)
}

// ComplianceSummaryInterface reads aggregated daily compliance outcomes
type ComplianceSummaryInterface interface {
	OutcomeCounts(ctx context.Context, day time.Time) (map[types.ComplianceOutcome]uint64, error)
}

// JobStatusInterface reports scheduled job state
type JobStatusInterface interface {
	Status() []scheduler.JobStatus
}

// HealthCheck probes one dependency
type HealthCheck func(ctx context.Context) error

// Dependencies are the collaborators of the server. Summary, Jobs and
// HealthChecks are optional.
type Dependencies struct {
	Tracker      WorkTimeTrackerInterface
	Suspensions  SuspensionServiceInterface
	Summary      ComplianceSummaryInterface
	Jobs         JobStatusInterface
	HealthChecks map[string]HealthCheck
}

// Server represents the HTTP API server.
type Server struct {
	router      *mux.Router
	httpServer  *http.Server
	tracker     WorkTimeTrackerInterface
	suspensions SuspensionServiceInterface
	summary     ComplianceSummaryInterface
	jobs        JobStatusInterface
	checks      map[string]HealthCheck
	config      *ServerConfig
	logger      *logging.Logger
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	HeartbeatRPS    float64 // Heartbeats per second allowed per user
	HeartbeatBurst  int
	ReactivationFee decimal.Decimal
	Location        *time.Location
}

// NewServer creates a new API server instance.
func NewServer(config *ServerConfig, deps Dependencies, logger *logging.Logger) *Server {
	if config.Location == nil {
		config.Location = time.Local
	}

	s := &Server{
		router:      mux.NewRouter(),
		tracker:     deps.Tracker,
		suspensions: deps.Suspensions,
		summary:     deps.Summary,
		jobs:        deps.Jobs,
		checks:      deps.HealthChecks,
		config:      config,
		logger:      logger.WithField("component", "api"),
	}

	s.setupRouter()

	return s
}

// Handler returns the root handler, used by tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	// Set up middleware (order matters!)
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(RecoveryMiddleware(s.logger))
	s.router.Use(CORSMiddleware)
	s.router.Use(IdentityMiddleware)
	s.router.Use(CompressionMiddleware)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	heartbeatLimiter := NewRateLimiter(s.config.HeartbeatRPS, s.config.HeartbeatBurst)

	// User endpoints
	user := s.router.PathPrefix("/api/user").Subrouter()
	user.Use(RequireUser)
	user.HandleFunc("/work-time", s.handleGetWorkTime).Methods("GET")
	user.HandleFunc("/suspension-status", s.handleGetSuspensionStatus).Methods("GET")
	user.HandleFunc("/reactivate", s.handleReactivate).Methods("POST")
	user.Handle("/update-activity", chain(
		http.HandlerFunc(s.handleUpdateActivity),
		RateLimitMiddleware(heartbeatLimiter),
		SuspendedGuard(s.suspensions, s.config.ReactivationFee, s.logger),
	)).Methods("POST")

	// Admin endpoints
	admin := s.router.PathPrefix("/api/admin").Subrouter()
	admin.Use(RequireAdmin)
	admin.HandleFunc("/work-statistics", s.handleGetWorkStatistics).Methods("GET")
	admin.HandleFunc("/users-at-risk", s.handleGetUsersAtRisk).Methods("GET")
	admin.HandleFunc("/users/{id}/suspend", s.handleAdminSuspend).Methods("POST")
	admin.HandleFunc("/users/{id}/suspension-status", s.handleAdminGetSuspensionStatus).Methods("GET")
	admin.HandleFunc("/compliance-summary", s.handleGetComplianceSummary).Methods("GET")
	admin.HandleFunc("/jobs", s.handleGetJobs).Methods("GET")
}

// chain wraps h with middlewares, the first one outermost
func chain(h http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "healthy"
	code := http.StatusOK
	checks := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			s.logger.WithField("dependency", name).WithError(err).Warn("Health check failed")
			checks[name] = "unhealthy"
			status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "healthy"
	}

	respondJSON(w, code, map[string]interface{}{
		"status":  status,
		"service": "worktime-compliance",
		"checks":  checks,
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}
