package models

import (
	"time"

	"github.com/worktime-compliance/internal/types"
)

// ComplianceEvent is one row of the daily compliance audit kept in ClickHouse
type ComplianceEvent struct {
	UserID                string                  `json:"userId" ch:"user_id"`
	CheckDate             time.Time               `json:"checkDate" ch:"check_date"`
	WorkMinutes           float64                 `json:"workMinutes" ch:"work_minutes"`
	TargetMinutes         float64                 `json:"targetMinutes" ch:"target_minutes"`
	ConsecutiveFailedDays int                     `json:"consecutiveFailedDays" ch:"consecutive_failed_days"`
	Outcome               types.ComplianceOutcome `json:"outcome" ch:"outcome"`
	CheckedAt             time.Time               `json:"checkedAt" ch:"checked_at"`
}

// AccountEvent is published to the notification pipeline when an account
// needs the user's attention.
type AccountEvent struct {
	ID         string                 `json:"id"`
	Type       types.EventType        `json:"type"`
	UserID     string                 `json:"userId"`
	OccurredAt time.Time              `json:"occurredAt"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
}
