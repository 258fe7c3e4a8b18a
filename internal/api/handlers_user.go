package api

import (
	"net/http"

	apperrors "github.com/worktime-compliance/internal/errors"
	"github.com/worktime-compliance/internal/logging"
)

// handleGetWorkTime handles GET /api/user/work-time - today's progress for the caller
func (s *Server) handleGetWorkTime(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFromContext(r.Context())
	respondJSON(w, http.StatusOK, s.tracker.GetUserWorkHours(id.UserID))
}

// handleUpdateActivity handles POST /api/user/update-activity - an activity heartbeat
func (s *Server) handleUpdateActivity(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFromContext(r.Context())
	s.tracker.UpdateActivity(r.Context(), id.UserID)
	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleGetSuspensionStatus handles GET /api/user/suspension-status
func (s *Server) handleGetSuspensionStatus(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFromContext(r.Context())

	status, err := s.suspensions.GetSuspensionStatus(r.Context(), id.UserID)
	if err != nil {
		respondCategorized(w, logging.FromContext(r.Context()), err)
		return
	}

	respondJSON(w, http.StatusOK, status)
}

// reactivationRequest carries the contact details the payment step collects.
// The fee itself is always charged to the caller's own balance.
type reactivationRequest struct {
	Email string `json:"email"`
	Phone string `json:"phone"`
	Name  string `json:"name"`
}

// handleReactivate handles POST /api/user/reactivate - pay the reactivation fee
func (s *Server) handleReactivate(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFromContext(r.Context())

	var req reactivationRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondCategorized(w, logging.FromContext(r.Context()), apperrors.NewInvalidParameterError("body", "malformed JSON"))
		return
	}

	result := s.suspensions.ProcessReactivationFee(r.Context(), id.UserID)
	if !result.Success {
		respondJSON(w, http.StatusBadRequest, result)
		return
	}

	respondJSON(w, http.StatusOK, result)
}
