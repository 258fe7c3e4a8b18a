// Package types provides common type definitions for the work-time compliance service.
package types

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// KYCStatus represents the state of a user's identity verification
type KYCStatus string

const (
	// KYCPending means no documents have been submitted yet
	KYCPending KYCStatus = "pending"
	// KYCSubmitted means documents are awaiting review
	KYCSubmitted KYCStatus = "submitted"
	// KYCVerified is the canonical value for completed KYC
	KYCVerified KYCStatus = "verified"
	// KYCRejected means the submission was refused
	KYCRejected KYCStatus = "rejected"

	// kycApproved is accepted on read and normalized to KYCVerified
	kycApproved KYCStatus = "approved"
)

// NormalizeKYCStatus maps stored KYC values onto the canonical enum.
// "approved" is folded into "verified".
func NormalizeKYCStatus(raw string) KYCStatus {
	status := KYCStatus(strings.ToLower(strings.TrimSpace(raw)))
	if status == kycApproved {
		return KYCVerified
	}
	return status
}

// VerificationStatus represents the result of account verification
type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "pending"
	VerificationVerified VerificationStatus = "verified"
	VerificationRejected VerificationStatus = "rejected"
)

// AccountStatus represents the lifecycle state of an account
type AccountStatus string

const (
	// StatusActive accounts may work and earn
	StatusActive AccountStatus = "active"
	// StatusSuspended accounts are blocked until the reactivation fee is paid
	StatusSuspended AccountStatus = "suspended"
	// StatusBanned is terminal and never touched by the compliance engine
	StatusBanned AccountStatus = "banned"
)

// IsEligibleForSuspension reports whether a user with the given statuses is
// subject to work-time monitoring.
func IsEligibleForSuspension(kyc KYCStatus, verification VerificationStatus) bool {
	return NormalizeKYCStatus(string(kyc)) == KYCVerified && verification == VerificationVerified
}

// EarningType classifies entries of the earnings ledger
type EarningType string

const (
	// EarningReactivationFee is the negative entry written when a suspension is lifted
	EarningReactivationFee EarningType = "reactivation_fee"
)

// EventType identifies account lifecycle events published to the notification pipeline
type EventType string

const (
	EventWorkShortfall EventType = "work_shortfall"
	EventAtRisk        EventType = "suspension_at_risk"
	EventSuspended     EventType = "account_suspended"
	EventReactivated   EventType = "account_reactivated"
)

// ComplianceOutcome is the result of evaluating one user for one day
type ComplianceOutcome string

const (
	OutcomeMet       ComplianceOutcome = "met"
	OutcomeFailed    ComplianceOutcome = "failed"
	OutcomeSuspended ComplianceOutcome = "suspended"
	OutcomeSkipped   ComplianceOutcome = "skipped"
)

// Service error codes
const (
	ErrCodeUserNotFound        = "USER_NOT_FOUND"
	ErrCodeAccountSuspended    = "ACCOUNT_SUSPENDED"
	ErrCodeNotSuspended        = "ACCOUNT_NOT_SUSPENDED"
	ErrCodeFeeAlreadyPaid      = "REACTIVATION_FEE_ALREADY_PAID"
	ErrCodeInsufficientBalance = "INSUFFICIENT_BALANCE"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeForbidden           = "FORBIDDEN"
	ErrCodeInvalidParameter    = "INVALID_PARAMETER"
)

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}

// WorkHours is a user's work-time progress for the current day
type WorkHours struct {
	HoursWorked      float64    `json:"hoursWorked"`
	HoursRemaining   float64    `json:"hoursRemaining"`
	IsRequirementMet bool       `json:"isRequirementMet"`
	LastActiveTime   *time.Time `json:"lastActiveTime,omitempty"`
}

// WorkStatistics aggregates all sessions tracked by this process
type WorkStatistics struct {
	TotalActiveUsers       int     `json:"totalActiveUsers"`
	AverageHoursWorked     float64 `json:"averageHoursWorked"`
	UsersMetRequirement    int     `json:"usersMetRequirement"`
	UsersPendingSuspension int     `json:"usersPendingSuspension"`
}

// SuspensionStatus is the read model returned to users and admins
type SuspensionStatus struct {
	IsSuspended           bool             `json:"isSuspended"`
	SuspendedAt           *time.Time       `json:"suspendedAt,omitempty"`
	Reason                *string          `json:"reason,omitempty"`
	ReactivationFee       *decimal.Decimal `json:"reactivationFee,omitempty"`
	ReactivationFeePaid   *bool            `json:"reactivationFeePaid,omitempty"`
	ConsecutiveFailedDays int              `json:"consecutiveFailedDays"`
	EligibleForSuspension bool             `json:"eligibleForSuspension"`
}

// ReactivationResult is returned by reactivation fee processing
type ReactivationResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ComplianceReport summarizes one daily compliance sweep
type ComplianceReport struct {
	Date      string        `json:"date"`
	Checked   int           `json:"checked"`
	Met       int           `json:"met"`
	Failed    int           `json:"failed"`
	Suspended int           `json:"suspended"`
	Skipped   int           `json:"skipped"`
	Errors    int           `json:"errors"`
	Duration  time.Duration `json:"duration"`
}

// AtRiskUser is an eligible active user one missed day away from suspension
type AtRiskUser struct {
	UserID                string     `json:"userId"`
	ConsecutiveFailedDays int        `json:"consecutiveFailedDays"`
	DailyWorkMinutes      float64    `json:"dailyWorkMinutes"`
	LastActiveTime        *time.Time `json:"lastActiveTime,omitempty"`
}
