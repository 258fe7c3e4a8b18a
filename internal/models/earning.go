package models

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/worktime-compliance/internal/types"
)

// Earning is an immutable ledger entry. Charges carry a negative amount.
type Earning struct {
	ID          string            `json:"id" db:"id"`
	UserID      string            `json:"userId" db:"user_id"`
	Amount      decimal.Decimal   `json:"amount" db:"amount"`
	Type        types.EarningType `json:"type" db:"type"`
	Description string            `json:"description" db:"description"`
	CreatedAt   time.Time         `json:"createdAt" db:"created_at"`
}
