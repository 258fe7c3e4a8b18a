package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/worktime-compliance/internal/models"
	"github.com/worktime-compliance/internal/types"
)

// ComplianceEventRepository writes daily compliance outcomes to ClickHouse
// for admin analytics. Postgres stays the source of truth for account state.
type ComplianceEventRepository struct {
	db *ClickHouseDB
}

// NewComplianceEventRepository creates a new compliance event repository
func NewComplianceEventRepository(db *ClickHouseDB) *ComplianceEventRepository {
	return &ComplianceEventRepository{db: db}
}

// RecordOutcomes appends one sweep's outcomes in a single batch
func (r *ComplianceEventRepository) RecordOutcomes(ctx context.Context, events []models.ComplianceEvent) error {
	if len(events) == 0 {
		return nil
	}

	batch, err := r.db.Conn().PrepareBatch(ctx, `
		INSERT INTO compliance_events (
			user_id, check_date, work_minutes, target_minutes,
			consecutive_failed_days, outcome, checked_at
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, e := range events {
		if err := batch.Append(
			e.UserID,
			e.CheckDate,
			e.WorkMinutes,
			e.TargetMinutes,
			uint16(e.ConsecutiveFailedDays), // #nosec G115 - counter is bounded by the suspension threshold
			string(e.Outcome),
			e.CheckedAt,
		); err != nil {
			return fmt.Errorf("failed to append to batch: %w", err)
		}
	}

	return batch.Send()
}

// OutcomeCounts returns how many users landed in each outcome on the given day
func (r *ComplianceEventRepository) OutcomeCounts(ctx context.Context, day time.Time) (map[types.ComplianceOutcome]uint64, error) {
	query := `
		SELECT outcome, uniqExact(user_id)
		FROM compliance_events FINAL
		WHERE check_date = ?
		GROUP BY outcome
	`

	rows, err := r.db.Conn().Query(ctx, query, day)
	if err != nil {
		return nil, fmt.Errorf("failed to query compliance outcomes: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.ComplianceOutcome]uint64)
	for rows.Next() {
		var outcome string
		var users uint64
		if err := rows.Scan(&outcome, &users); err != nil {
			return nil, fmt.Errorf("failed to scan compliance outcome: %w", err)
		}
		counts[types.ComplianceOutcome(outcome)] = users
	}

	return counts, rows.Err()
}
