package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/worktime-compliance/internal/models"
	"github.com/worktime-compliance/internal/types"
)

// EarningRepository reads the append-only earnings ledger.
// Writes happen inside account transactions, see UserRepository.LockAndUpdate.
type EarningRepository struct {
	db *PostgresDB
}

// NewEarningRepository creates a new earning repository
func NewEarningRepository(db *PostgresDB) *EarningRepository {
	return &EarningRepository{db: db}
}

// ListByUser returns a user's ledger entries, newest first
func (r *EarningRepository) ListByUser(ctx context.Context, userID string, earningType types.EarningType) ([]*models.Earning, error) {
	query := `
		SELECT id, user_id, amount, type, description, created_at
		FROM earnings
		WHERE user_id = $1 AND ($2 = '' OR type = $2)
		ORDER BY created_at DESC
	`

	rows, err := r.db.Pool().Query(ctx, query, userID, string(earningType))
	if err != nil {
		return nil, fmt.Errorf("failed to query earnings: %w", err)
	}
	defer rows.Close()

	var earnings []*models.Earning
	for rows.Next() {
		var e models.Earning
		var earningType string
		if err := rows.Scan(&e.ID, &e.UserID, &e.Amount, &earningType, &e.Description, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan earning: %w", err)
		}
		e.Type = types.EarningType(earningType)
		earnings = append(earnings, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating earnings: %w", err)
	}

	return earnings, nil
}

func insertEarning(ctx context.Context, q querier, e *models.Earning) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO earnings (id, user_id, amount, type, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if _, err := q.Exec(ctx, query, e.ID, e.UserID, e.Amount, string(e.Type), e.Description, e.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert earning: %w", err)
	}
	return nil
}
