package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/worktime-compliance/internal/models"
	"github.com/worktime-compliance/internal/types"
)

// ErrUserNotFound is returned when no user row matches the id
var ErrUserNotFound = errors.New("user not found")

// ErrSkipUpdate may be returned by an AccountMutation to release the row
// lock without writing anything. LockAndUpdate then returns nil.
var ErrSkipUpdate = errors.New("skip update")

// AccountMutation mutates a row-locked user in place. A non-nil earning is
// appended to the ledger in the same transaction.
type AccountMutation func(user *models.User) (*models.Earning, error)

// querier is satisfied by both the pool and a transaction
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const userColumns = `
	id, email, kyc_status, verification_status, status,
	daily_work_minutes, work_date, previous_work_minutes, previous_work_date,
	last_active_time, consecutive_failed_days, last_compliance_date,
	suspended_at, suspension_reason, reactivation_fee_paid, reactivation_fee_amount,
	balance, daily_reset_at, created_at, updated_at`

// UserRepository handles user data persistence
type UserRepository struct {
	db *PostgresDB
}

// NewUserRepository creates a new user repository
func NewUserRepository(db *PostgresDB) *UserRepository {
	return &UserRepository{db: db}
}

// Create inserts a new user. Used at signup and by tests.
func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	if user.Status == "" {
		user.Status = types.StatusActive
	}
	if user.KYCStatus == "" {
		user.KYCStatus = types.KYCPending
	}
	if user.VerificationStatus == "" {
		user.VerificationStatus = types.VerificationPending
	}

	now := time.Now()
	user.CreatedAt = now
	user.UpdatedAt = now

	query := `
		INSERT INTO users (
			id, email, kyc_status, verification_status, status,
			daily_work_minutes, work_date, last_active_time, consecutive_failed_days,
			suspended_at, suspension_reason, reactivation_fee_paid, reactivation_fee_amount,
			balance, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`

	_, err := r.db.Pool().Exec(ctx, query,
		user.ID,
		user.Email,
		user.KYCStatus,
		user.VerificationStatus,
		user.Status,
		user.DailyWorkMinutes,
		user.WorkDate,
		user.LastActiveTime,
		user.ConsecutiveFailedDays,
		user.SuspendedAt,
		user.SuspensionReason,
		user.ReactivationFeePaid,
		user.ReactivationFeeAmount,
		user.Balance,
		user.CreatedAt,
		user.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	return nil
}

// GetByID retrieves a user by ID
func (r *UserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	return getUser(ctx, r.db.Pool(), `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

// ListEligibleActive returns every active user whose KYC and verification are complete
func (r *UserRepository) ListEligibleActive(ctx context.Context) ([]*models.User, error) {
	query := `SELECT ` + userColumns + `
		FROM users
		WHERE status = 'active'
		  AND kyc_status IN ('verified', 'approved')
		  AND verification_status = 'verified'
		ORDER BY id
	`
	return listUsers(ctx, r.db.Pool(), query)
}

// ListAtRisk returns eligible active users with at least minFailedDays consecutive misses
func (r *UserRepository) ListAtRisk(ctx context.Context, minFailedDays int) ([]*models.User, error) {
	query := `SELECT ` + userColumns + `
		FROM users
		WHERE status = 'active'
		  AND kyc_status IN ('verified', 'approved')
		  AND verification_status = 'verified'
		  AND consecutive_failed_days >= $1
		ORDER BY consecutive_failed_days DESC, id
	`
	return listUsers(ctx, r.db.Pool(), query, minFailedDays)
}

// SaveWorkCheckpoint persists the tracker's view of a user's day.
//
// Within one day the stored total only grows. A checkpoint for a later day
// moves the old total into the previous_* columns first. Checkpoints for a
// day older than the stored one are ignored, so a write that lands after the
// daily reset cannot resurrect yesterday's minutes.
func (r *UserRepository) SaveWorkCheckpoint(ctx context.Context, userID string, minutes float64, lastActive time.Time, workDate time.Time) error {
	query := `
		UPDATE users SET
			previous_work_minutes = CASE WHEN work_date IS NOT NULL AND work_date < $4 THEN daily_work_minutes ELSE previous_work_minutes END,
			previous_work_date    = CASE WHEN work_date IS NOT NULL AND work_date < $4 THEN work_date ELSE previous_work_date END,
			daily_work_minutes    = CASE WHEN work_date = $4 THEN GREATEST(daily_work_minutes, $2) ELSE $2 END,
			work_date             = $4,
			last_active_time      = GREATEST(COALESCE(last_active_time, $3), $3),
			updated_at            = NOW()
		WHERE id = $1
		  AND (work_date IS NULL OR work_date <= $4)
	`

	if _, err := r.db.Pool().Exec(ctx, query, userID, minutes, lastActive, workDate); err != nil {
		return fmt.Errorf("failed to save work checkpoint: %w", err)
	}
	return nil
}

// ResetDailyWork zeroes every user's daily work total for the new day and
// records the reset time. Returns the number of rows touched.
func (r *UserRepository) ResetDailyWork(ctx context.Context, day time.Time, resetAt time.Time) (int64, error) {
	query := `
		UPDATE users SET
			previous_work_minutes = CASE WHEN work_date IS NOT NULL AND work_date < $1 THEN daily_work_minutes ELSE previous_work_minutes END,
			previous_work_date    = CASE WHEN work_date IS NOT NULL AND work_date < $1 THEN work_date ELSE previous_work_date END,
			daily_work_minutes    = 0,
			work_date             = $1,
			daily_reset_at        = $2,
			updated_at            = NOW()
	`

	tag, err := r.db.Pool().Exec(ctx, query, day, resetAt)
	if err != nil {
		return 0, fmt.Errorf("failed to reset daily work: %w", err)
	}
	return tag.RowsAffected(), nil
}

// LockAndUpdate loads the user with SELECT ... FOR UPDATE, applies fn and
// writes the account state back in one transaction. Work-time columns are
// never written here so concurrent heartbeats are not clobbered.
func (r *UserRepository) LockAndUpdate(ctx context.Context, id string, fn AccountMutation) error {
	err := r.db.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		user, err := getUser(ctx, tx, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, id)
		if err != nil {
			return err
		}

		earning, err := fn(user)
		if err != nil {
			return err
		}

		query := `
			UPDATE users SET
				status                  = $2,
				consecutive_failed_days = $3,
				last_compliance_date    = $4,
				suspended_at            = $5,
				suspension_reason       = $6,
				reactivation_fee_paid   = $7,
				reactivation_fee_amount = $8,
				balance                 = $9,
				updated_at              = NOW()
			WHERE id = $1
		`
		if _, err := tx.Exec(ctx, query,
			user.ID,
			user.Status,
			user.ConsecutiveFailedDays,
			user.LastComplianceDate,
			user.SuspendedAt,
			user.SuspensionReason,
			user.ReactivationFeePaid,
			user.ReactivationFeeAmount,
			user.Balance,
		); err != nil {
			return fmt.Errorf("failed to update account: %w", err)
		}

		if earning != nil {
			if err := insertEarning(ctx, tx, earning); err != nil {
				return err
			}
		}
		return nil
	})

	if errors.Is(err, ErrSkipUpdate) {
		return nil
	}
	return err
}

func getUser(ctx context.Context, q querier, query string, args ...any) (*models.User, error) {
	user, err := scanUser(q.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

func listUsers(ctx context.Context, q querier, query string, args ...any) ([]*models.User, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, user)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating users: %w", err)
	}

	return users, nil
}

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	var kyc, verification, status string

	err := row.Scan(
		&u.ID,
		&u.Email,
		&kyc,
		&verification,
		&status,
		&u.DailyWorkMinutes,
		&u.WorkDate,
		&u.PreviousWorkMinutes,
		&u.PreviousWorkDate,
		&u.LastActiveTime,
		&u.ConsecutiveFailedDays,
		&u.LastComplianceDate,
		&u.SuspendedAt,
		&u.SuspensionReason,
		&u.ReactivationFeePaid,
		&u.ReactivationFeeAmount,
		&u.Balance,
		&u.DailyResetAt,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	u.KYCStatus = types.NormalizeKYCStatus(kyc)
	u.VerificationStatus = types.VerificationStatus(verification)
	u.Status = types.AccountStatus(status)
	return &u, nil
}
