// Package models provides data models for the work-time compliance service.
package models

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/worktime-compliance/internal/types"
)

// User is the subset of the platform account that the compliance engine reads and writes.
//
// Work time is stored per calendar day: DailyWorkMinutes belongs to WorkDate.
// When a write for a later day arrives, the previous day's total moves into
// PreviousWorkMinutes/PreviousWorkDate so the rollover check can still read it.
type User struct {
	ID                    string                   `json:"id" db:"id"`
	Email                 string                   `json:"email" db:"email"`
	KYCStatus             types.KYCStatus          `json:"kycStatus" db:"kyc_status"`
	VerificationStatus    types.VerificationStatus `json:"verificationStatus" db:"verification_status"`
	Status                types.AccountStatus      `json:"status" db:"status"`
	DailyWorkMinutes      float64                  `json:"dailyWorkMinutes" db:"daily_work_minutes"`
	WorkDate              *time.Time               `json:"workDate,omitempty" db:"work_date"`
	PreviousWorkMinutes   float64                  `json:"previousWorkMinutes" db:"previous_work_minutes"`
	PreviousWorkDate      *time.Time               `json:"previousWorkDate,omitempty" db:"previous_work_date"`
	LastActiveTime        *time.Time               `json:"lastActiveTime,omitempty" db:"last_active_time"`
	ConsecutiveFailedDays int                      `json:"consecutiveFailedDays" db:"consecutive_failed_days"`
	LastComplianceDate    *time.Time               `json:"lastComplianceDate,omitempty" db:"last_compliance_date"`
	SuspendedAt           *time.Time               `json:"suspendedAt,omitempty" db:"suspended_at"`
	SuspensionReason      *string                  `json:"suspensionReason,omitempty" db:"suspension_reason"`
	ReactivationFeePaid   bool                     `json:"reactivationFeePaid" db:"reactivation_fee_paid"`
	ReactivationFeeAmount decimal.Decimal          `json:"reactivationFeeAmount" db:"reactivation_fee_amount"`
	Balance               decimal.Decimal          `json:"balance" db:"balance"`
	DailyResetAt          *time.Time               `json:"dailyResetAt,omitempty" db:"daily_reset_at"`
	CreatedAt             time.Time                `json:"createdAt" db:"created_at"`
	UpdatedAt             time.Time                `json:"updatedAt" db:"updated_at"`
}

// IsEligibleForSuspension reports whether the user is subject to work-time monitoring
func (u *User) IsEligibleForSuspension() bool {
	return types.IsEligibleForSuspension(u.KYCStatus, u.VerificationStatus)
}

// IsSuspended reports whether the account is currently suspended
func (u *User) IsSuspended() bool {
	return u.Status == types.StatusSuspended
}

// WorkMinutesOn returns the persisted work minutes for the given calendar day,
// or 0 when nothing was recorded for it.
func (u *User) WorkMinutesOn(day time.Time) float64 {
	day = CalendarDate(day, day.Location())
	if u.WorkDate != nil && u.WorkDate.Equal(day) {
		return u.DailyWorkMinutes
	}
	if u.PreviousWorkDate != nil && u.PreviousWorkDate.Equal(day) {
		return u.PreviousWorkMinutes
	}
	return 0
}

// CalendarDate returns the calendar day of t in loc as midnight UTC,
// which is how DATE columns come back from the driver.
func CalendarDate(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
