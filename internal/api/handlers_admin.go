package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	apperrors "github.com/worktime-compliance/internal/errors"
	"github.com/worktime-compliance/internal/logging"
	"github.com/worktime-compliance/internal/models"
	"github.com/worktime-compliance/internal/scheduler"
)

// handleGetWorkStatistics handles GET /api/admin/work-statistics
func (s *Server) handleGetWorkStatistics(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.tracker.GetWorkStatistics())
}

// handleGetUsersAtRisk handles GET /api/admin/users-at-risk
func (s *Server) handleGetUsersAtRisk(w http.ResponseWriter, r *http.Request) {
	users, err := s.suspensions.GetUsersAtRisk(r.Context())
	if err != nil {
		respondCategorized(w, logging.FromContext(r.Context()), err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"users": users,
		"count": len(users),
	})
}

// handleAdminSuspend handles POST /api/admin/users/{id}/suspend
func (s *Server) handleAdminSuspend(w http.ResponseWriter, r *http.Request) {
	logger := logging.FromContext(r.Context())
	userID := mux.Vars(r)["id"]

	var req struct {
		Reason string `json:"reason"`
	}
	if err := parseJSONBody(r, &req); err != nil {
		respondCategorized(w, logger, apperrors.NewInvalidParameterError("body", "malformed JSON"))
		return
	}
	req.Reason = strings.TrimSpace(req.Reason)
	if req.Reason == "" {
		respondCategorized(w, logger, apperrors.NewInvalidParameterError("reason", "must not be empty"))
		return
	}

	if err := s.suspensions.AdminSuspendUser(r.Context(), userID, req.Reason); err != nil {
		respondCategorized(w, logger, err)
		return
	}

	admin, _ := identityFromContext(r.Context())
	logger.WithFields(map[string]interface{}{
		"adminId": admin.UserID,
		"userId":  userID,
	}).Info("Admin suspended account")

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "User suspended",
	})
}

// handleAdminGetSuspensionStatus handles GET /api/admin/users/{id}/suspension-status
func (s *Server) handleAdminGetSuspensionStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.suspensions.GetSuspensionStatus(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondCategorized(w, logging.FromContext(r.Context()), err)
		return
	}

	respondJSON(w, http.StatusOK, status)
}

// handleGetComplianceSummary handles GET /api/admin/compliance-summary?date=YYYY-MM-DD.
// The date defaults to yesterday, the most recent evaluated day.
func (s *Server) handleGetComplianceSummary(w http.ResponseWriter, r *http.Request) {
	logger := logging.FromContext(r.Context())

	if s.summary == nil {
		respondCategorized(w, logger, apperrors.NewServiceUnavailableError("compliance analytics"))
		return
	}

	day := models.CalendarDate(time.Now(), s.config.Location).AddDate(0, 0, -1)
	if raw := r.URL.Query().Get("date"); raw != "" {
		parsed, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			respondCategorized(w, logger, apperrors.NewInvalidParameterError("date", "expected YYYY-MM-DD"))
			return
		}
		day = parsed
	}

	counts, err := s.summary.OutcomeCounts(r.Context(), day)
	if err != nil {
		respondCategorized(w, logger, apperrors.NewDatabaseError("compliance summary", err))
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"date":   day.Format(time.DateOnly),
		"counts": counts,
	})
}

// handleGetJobs handles GET /api/admin/jobs
func (s *Server) handleGetJobs(w http.ResponseWriter, r *http.Request) {
	jobs := []scheduler.JobStatus{}
	if s.jobs != nil {
		jobs = s.jobs.Status()
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}
