package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/worktime-compliance/internal/config"
	"github.com/worktime-compliance/internal/logging"
	"github.com/worktime-compliance/internal/models"
	"github.com/worktime-compliance/internal/retry"
	"github.com/worktime-compliance/internal/storage"
	"github.com/worktime-compliance/internal/types"
)

// AdminSuspensionPrefix tags reasons written by manual suspensions
const AdminSuspensionPrefix = "Admin suspension: "

// AccountStore is the persistence used by the suspension engine
type AccountStore interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
	ListEligibleActive(ctx context.Context) ([]*models.User, error)
	ListAtRisk(ctx context.Context, minFailedDays int) ([]*models.User, error)
	LockAndUpdate(ctx context.Context, id string, fn storage.AccountMutation) error
}

// EventPublisher delivers account events to the notification pipeline
type EventPublisher interface {
	Publish(ctx context.Context, events ...models.AccountEvent) error
}

// ComplianceRecorder stores daily compliance outcomes for analytics
type ComplianceRecorder interface {
	RecordOutcomes(ctx context.Context, events []models.ComplianceEvent) error
}

// StatusCache holds recently read suspension statuses. Every status change
// invalidates the user's entry.
type StatusCache interface {
	GetStatus(ctx context.Context, userID string) (*types.SuspensionStatus, bool, error)
	SetStatus(ctx context.Context, userID string, status *types.SuspensionStatus) error
	Invalidate(ctx context.Context, userIDs ...string) error
}

// SuspensionPolicy holds the compliance rules
type SuspensionPolicy struct {
	TargetMinutes    float64
	FailureThreshold int
	AtRiskThreshold  int
	ReactivationFee  decimal.Decimal
	UserCheckTimeout time.Duration
	Location         *time.Location
}

// SuspensionPolicyFromConfig builds the suspension policy from application config
func SuspensionPolicyFromConfig(cfg *config.Config) SuspensionPolicy {
	return SuspensionPolicy{
		TargetMinutes:    cfg.Compliance.TargetMinutes,
		FailureThreshold: cfg.Compliance.FailureThreshold,
		AtRiskThreshold:  cfg.Compliance.AtRiskThreshold,
		ReactivationFee:  cfg.Compliance.ReactivationFee,
		UserCheckTimeout: cfg.Compliance.UserCheckTimeout,
		Location:         cfg.Compliance.Location,
	}
}

// SuspensionService is the only component that changes account status.
// Every state change runs in a row-locked transaction so concurrent
// processes cannot interleave a suspension with a reactivation.
type SuspensionService struct {
	store    AccountStore
	events   EventPublisher
	audit    ComplianceRecorder
	cache    StatusCache
	policy   SuspensionPolicy
	retryCfg *retry.RetryConfig
	logger   *logging.Logger
	now      func() time.Time
}

// NewSuspensionService creates a new suspension service. events and audit may be nil.
func NewSuspensionService(store AccountStore, events EventPublisher, audit ComplianceRecorder, policy SuspensionPolicy, logger *logging.Logger) *SuspensionService {
	if policy.Location == nil {
		policy.Location = time.Local
	}
	return &SuspensionService{
		store:    store,
		events:   events,
		audit:    audit,
		policy:   policy,
		retryCfg: retry.TransactionRetryConfig(),
		logger:   logger.WithField("component", "suspension_service"),
		now:      time.Now,
	}
}

// UseStatusCache puts a cache in front of GetSuspensionStatus
func (s *SuspensionService) UseStatusCache(cache StatusCache) {
	s.cache = cache
}

// IsEligibleForSuspension reports whether the user is subject to work-time
// monitoring. Missing users and lookup failures are treated as ineligible.
func (s *SuspensionService) IsEligibleForSuspension(ctx context.Context, userID string) bool {
	user, err := s.store.GetByID(ctx, userID)
	if err != nil {
		if !errors.Is(err, storage.ErrUserNotFound) {
			s.logger.WithField("userId", userID).WithError(err).Warn("Eligibility lookup failed")
		}
		return false
	}
	return user.IsEligibleForSuspension()
}

// CheckDailyCompliance evaluates every eligible active user against
// yesterday's work time. A failure for one user is logged and counted and
// never stops the sweep.
func (s *SuspensionService) CheckDailyCompliance(ctx context.Context) (*types.ComplianceReport, error) {
	started := s.now()
	yesterday := models.CalendarDate(started, s.policy.Location).AddDate(0, 0, -1)
	logger := s.logger.WithField("date", yesterday.Format(time.DateOnly))

	users, err := s.store.ListEligibleActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list eligible users: %w", err)
	}

	logger.WithField("users", len(users)).Info("Starting daily compliance check")

	report := &types.ComplianceReport{Date: yesterday.Format(time.DateOnly)}
	outcomes := make([]models.ComplianceEvent, 0, len(users))

	for _, user := range users {
		if ctx.Err() != nil {
			logger.WithError(ctx.Err()).Warn("Daily compliance check cancelled")
			break
		}

		report.Checked++
		event, err := s.checkUserWithTimeout(ctx, user.ID, yesterday)
		if err != nil {
			report.Errors++
			logger.WithField("userId", user.ID).WithError(err).Error("Compliance check failed for user")
			continue
		}

		switch event.Outcome {
		case types.OutcomeMet:
			report.Met++
		case types.OutcomeFailed:
			report.Failed++
		case types.OutcomeSuspended:
			report.Failed++
			report.Suspended++
		default:
			report.Skipped++
			continue
		}
		outcomes = append(outcomes, *event)
	}

	if s.audit != nil && len(outcomes) > 0 {
		if err := s.audit.RecordOutcomes(ctx, outcomes); err != nil {
			logger.WithError(err).Warn("Failed to record compliance outcomes")
		}
	}

	report.Duration = s.now().Sub(started)
	logger.WithFields(map[string]interface{}{
		"checked":   report.Checked,
		"met":       report.Met,
		"failed":    report.Failed,
		"suspended": report.Suspended,
		"skipped":   report.Skipped,
		"errors":    report.Errors,
	}).Info("Daily compliance check complete")

	return report, nil
}

func (s *SuspensionService) checkUserWithTimeout(ctx context.Context, userID string, day time.Time) (*models.ComplianceEvent, error) {
	if s.policy.UserCheckTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.policy.UserCheckTimeout)
		defer cancel()
	}
	return s.CheckUserDailyCompliance(ctx, userID, day)
}

// CheckUserDailyCompliance evaluates one user for one calendar day.
//
// Inside the row lock: ineligible, inactive or missing users are skipped, as
// is a day that was already evaluated. Meeting the target resets the
// consecutive failure counter; missing it increments the counter and
// suspends the account once the threshold is reached.
func (s *SuspensionService) CheckUserDailyCompliance(ctx context.Context, userID string, day time.Time) (*models.ComplianceEvent, error) {
	day = models.CalendarDate(day, day.Location())
	event := &models.ComplianceEvent{
		UserID:        userID,
		CheckDate:     day,
		TargetMinutes: s.policy.TargetMinutes,
	}

	err := s.lockAndUpdate(ctx, userID, func(user *models.User) (*models.Earning, error) {
		now := s.now()
		event.Outcome = types.OutcomeSkipped
		event.CheckedAt = now

		if !user.IsEligibleForSuspension() || user.Status != types.StatusActive {
			return nil, storage.ErrSkipUpdate
		}
		if user.LastComplianceDate != nil && !user.LastComplianceDate.Before(day) {
			return nil, storage.ErrSkipUpdate
		}

		event.WorkMinutes = user.WorkMinutesOn(day)
		user.LastComplianceDate = &day

		if event.WorkMinutes >= s.policy.TargetMinutes {
			user.ConsecutiveFailedDays = 0
			event.Outcome = types.OutcomeMet
		} else {
			user.ConsecutiveFailedDays++
			event.Outcome = types.OutcomeFailed
			if user.ConsecutiveFailedDays >= s.policy.FailureThreshold {
				s.applySuspension(user, s.thresholdReason(user.ConsecutiveFailedDays), now)
				event.Outcome = types.OutcomeSuspended
			}
		}
		event.ConsecutiveFailedDays = user.ConsecutiveFailedDays
		return nil, nil
	})
	if errors.Is(err, storage.ErrUserNotFound) {
		event.Outcome = types.OutcomeSkipped
		return event, nil
	}
	if err != nil {
		return nil, err
	}
	if event.Outcome != types.OutcomeSkipped {
		s.invalidate(ctx, userID)
	}

	if event.Outcome == types.OutcomeSuspended {
		s.publish(ctx, s.newEvent(types.EventSuspended, userID, map[string]interface{}{
			"reason":                s.thresholdReason(event.ConsecutiveFailedDays),
			"reactivationFee":       s.policy.ReactivationFee.StringFixed(2),
			"consecutiveFailedDays": event.ConsecutiveFailedDays,
		}))
	}

	return event, nil
}

// SuspendUser suspends the account with the given reason. Suspending an
// already suspended account is a no-op that keeps the original timestamp.
func (s *SuspensionService) SuspendUser(ctx context.Context, userID, reason string) error {
	return s.suspend(ctx, userID, reason, false)
}

// AdminSuspendUser suspends any account regardless of KYC state or failure
// count. The reason is prefixed to mark it as manual. An already suspended
// account only has its reason replaced.
func (s *SuspensionService) AdminSuspendUser(ctx context.Context, userID, reason string) error {
	return s.suspend(ctx, userID, AdminSuspensionPrefix+reason, true)
}

func (s *SuspensionService) suspend(ctx context.Context, userID, reason string, overwriteReason bool) error {
	changed := false
	err := s.lockAndUpdate(ctx, userID, func(user *models.User) (*models.Earning, error) {
		if user.IsSuspended() {
			if !overwriteReason {
				return nil, storage.ErrSkipUpdate
			}
			user.SuspensionReason = &reason
			return nil, nil
		}
		s.applySuspension(user, reason, s.now())
		changed = true
		return nil, nil
	})
	if errors.Is(err, storage.ErrUserNotFound) {
		return &types.ServiceError{
			Code:    types.ErrCodeUserNotFound,
			Message: fmt.Sprintf("user not found: %s", userID),
		}
	}
	if err != nil {
		return fmt.Errorf("failed to suspend user: %w", err)
	}
	s.invalidate(ctx, userID)

	if changed {
		s.logger.WithFields(map[string]interface{}{
			"userId": userID,
			"reason": reason,
		}).Warn("Account suspended")
		s.publish(ctx, s.newEvent(types.EventSuspended, userID, map[string]interface{}{
			"reason":          reason,
			"reactivationFee": s.policy.ReactivationFee.StringFixed(2),
		}))
	}
	return nil
}

// applySuspension moves an account into the suspended state. The timestamp
// and reason are always set together with the status.
func (s *SuspensionService) applySuspension(user *models.User, reason string, now time.Time) {
	user.Status = types.StatusSuspended
	user.SuspendedAt = &now
	user.SuspensionReason = &reason
	user.ReactivationFeePaid = false
	user.ReactivationFeeAmount = s.policy.ReactivationFee
}

func (s *SuspensionService) thresholdReason(days int) string {
	return fmt.Sprintf("Failed to meet the daily %s-hour work requirement for %d consecutive days",
		decimal.NewFromFloat(s.policy.TargetMinutes/60).String(), days)
}

// ProcessReactivationFee charges the reactivation fee and lifts the
// suspension in a single transaction. Rule violations come back as an
// unsuccessful result rather than an error.
func (s *SuspensionService) ProcessReactivationFee(ctx context.Context, userID string) *types.ReactivationResult {
	var fee decimal.Decimal

	err := s.lockAndUpdate(ctx, userID, func(user *models.User) (*models.Earning, error) {
		if !user.IsSuspended() {
			return nil, &types.ServiceError{Code: types.ErrCodeNotSuspended, Message: "Account is not suspended"}
		}
		if user.ReactivationFeePaid {
			return nil, &types.ServiceError{Code: types.ErrCodeFeeAlreadyPaid, Message: "Reactivation fee has already been paid"}
		}

		fee = user.ReactivationFeeAmount
		if !fee.IsPositive() {
			fee = s.policy.ReactivationFee
		}
		if user.Balance.LessThan(fee) {
			return nil, &types.ServiceError{
				Code: types.ErrCodeInsufficientBalance,
				Message: fmt.Sprintf("Insufficient balance. Required: %s, available: %s",
					fee.StringFixed(2), user.Balance.StringFixed(2)),
			}
		}

		now := s.now()
		user.Balance = user.Balance.Sub(fee)
		user.Status = types.StatusActive
		user.ReactivationFeePaid = true
		user.ReactivationFeeAmount = fee
		user.ConsecutiveFailedDays = 0
		user.SuspendedAt = nil
		user.SuspensionReason = nil

		return &models.Earning{
			ID:          uuid.New().String(),
			UserID:      user.ID,
			Amount:      fee.Neg(),
			Type:        types.EarningReactivationFee,
			Description: "Account reactivation fee",
			CreatedAt:   now,
		}, nil
	})

	logger := s.logger.WithField("userId", userID)

	var svcErr *types.ServiceError
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrUserNotFound):
		return &types.ReactivationResult{Success: false, Message: "User not found"}
	case errors.As(err, &svcErr):
		logger.WithField("code", svcErr.Code).Info("Reactivation rejected")
		return &types.ReactivationResult{Success: false, Message: svcErr.Message}
	default:
		logger.WithError(err).Error("Reactivation fee processing failed")
		return &types.ReactivationResult{Success: false, Message: "Unable to process reactivation right now, please try again"}
	}

	s.invalidate(ctx, userID)
	logger.WithField("fee", fee.StringFixed(2)).Info("Account reactivated")
	s.publish(ctx, s.newEvent(types.EventReactivated, userID, map[string]interface{}{
		"feeCharged": fee.StringFixed(2),
	}))

	return &types.ReactivationResult{
		Success: true,
		Message: fmt.Sprintf("Account reactivated. A fee of %s has been deducted from your balance.", fee.StringFixed(2)),
	}
}

// GetSuspensionStatus returns the user's suspension state without side effects
func (s *SuspensionService) GetSuspensionStatus(ctx context.Context, userID string) (*types.SuspensionStatus, error) {
	if s.cache != nil {
		status, ok, err := s.cache.GetStatus(ctx, userID)
		if err != nil {
			s.logger.WithField("userId", userID).WithError(err).Warn("Status cache read failed")
		}
		if ok {
			return status, nil
		}
	}

	status, err := s.loadSuspensionStatus(ctx, userID)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.SetStatus(ctx, userID, status); err != nil {
			s.logger.WithField("userId", userID).WithError(err).Warn("Status cache write failed")
		}
	}
	return status, nil
}

func (s *SuspensionService) loadSuspensionStatus(ctx context.Context, userID string) (*types.SuspensionStatus, error) {
	user, err := s.store.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			return nil, &types.ServiceError{
				Code:    types.ErrCodeUserNotFound,
				Message: fmt.Sprintf("user not found: %s", userID),
			}
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	status := &types.SuspensionStatus{
		IsSuspended:           user.IsSuspended(),
		ConsecutiveFailedDays: user.ConsecutiveFailedDays,
		EligibleForSuspension: user.IsEligibleForSuspension(),
	}
	if status.IsSuspended {
		fee := user.ReactivationFeeAmount
		if !fee.IsPositive() {
			fee = s.policy.ReactivationFee
		}
		paid := user.ReactivationFeePaid
		status.SuspendedAt = user.SuspendedAt
		status.Reason = user.SuspensionReason
		status.ReactivationFee = &fee
		status.ReactivationFeePaid = &paid
	}
	return status, nil
}

// GetUsersAtRisk returns eligible active users one missed day or less away from suspension
func (s *SuspensionService) GetUsersAtRisk(ctx context.Context) ([]types.AtRiskUser, error) {
	users, err := s.store.ListAtRisk(ctx, s.policy.AtRiskThreshold)
	if err != nil {
		return nil, fmt.Errorf("failed to list users at risk: %w", err)
	}

	today := models.CalendarDate(s.now(), s.policy.Location)
	atRisk := make([]types.AtRiskUser, 0, len(users))
	for _, u := range users {
		if !u.IsEligibleForSuspension() || u.Status != types.StatusActive {
			continue
		}
		atRisk = append(atRisk, types.AtRiskUser{
			UserID:                u.ID,
			ConsecutiveFailedDays: u.ConsecutiveFailedDays,
			DailyWorkMinutes:      u.WorkMinutesOn(today),
			LastActiveTime:        u.LastActiveTime,
		})
	}
	return atRisk, nil
}

// lockAndUpdate retries the row-locked update on lock and serialization conflicts
func (s *SuspensionService) lockAndUpdate(ctx context.Context, userID string, fn storage.AccountMutation) error {
	return retry.Do(ctx, s.retryCfg, func(ctx context.Context, attempt int) error {
		return s.store.LockAndUpdate(ctx, userID, fn)
	})
}

func (s *SuspensionService) newEvent(eventType types.EventType, userID string, payload map[string]interface{}) models.AccountEvent {
	return newAccountEvent(eventType, userID, s.now(), payload)
}

func newAccountEvent(eventType types.EventType, userID string, at time.Time, payload map[string]interface{}) models.AccountEvent {
	return models.AccountEvent{
		ID:         uuid.New().String(),
		Type:       eventType,
		UserID:     userID,
		OccurredAt: at,
		Payload:    payload,
	}
}

// invalidate drops the cached status after a committed change. A failed
// invalidation leaves a stale entry until the TTL expires.
func (s *SuspensionService) invalidate(ctx context.Context, userID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, userID); err != nil {
		s.logger.WithField("userId", userID).WithError(err).Warn("Status cache invalidation failed")
	}
}

// publish sends events best effort. Account state is already committed.
func (s *SuspensionService) publish(ctx context.Context, events ...models.AccountEvent) {
	if s.events == nil || len(events) == 0 {
		return
	}
	if err := s.events.Publish(ctx, events...); err != nil {
		s.logger.WithField("events", len(events)).WithError(err).Warn("Failed to publish account events")
	}
}
