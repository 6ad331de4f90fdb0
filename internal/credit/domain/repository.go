package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type TransactionCursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}

type TransactionFilter struct {
	OrgID    snowflake.ID
	Type     string
	TaskType string
	Cursor   *TransactionCursor
	Limit    int
}

// ResetCandidate is a balance row whose billing period has elapsed.
type ResetCandidate struct {
	OrgID           snowflake.ID `gorm:"column:org_id"`
	Balance         int64        `gorm:"column:balance"`
	PeriodAllowance int64        `gorm:"column:period_allowance"`
	PeriodUsed      int64        `gorm:"column:period_used"`
	NextResetAt     time.Time    `gorm:"column:next_reset_at"`
}

type Repository interface {
	FindBalance(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (*CreditBalance, error)
	InsertBalance(ctx context.Context, db *gorm.DB, balance *CreditBalance) error

	// ApplyDeduction decrements the balance and bumps the used counters
	// in one conditional statement. Zero rows affected means the balance
	// row is missing or would go negative.
	ApplyDeduction(ctx context.Context, db *gorm.DB, orgID snowflake.ID, amount int64, now time.Time) (int64, error)

	// ApplyAddition increments the balance, and total_purchased when the
	// credits were paid for.
	ApplyAddition(ctx context.Context, db *gorm.DB, orgID snowflake.ID, amount int64, purchased bool, now time.Time) (int64, error)

	InsertTransaction(ctx context.Context, db *gorm.DB, txn *CreditTransaction) error
	ListTransactions(ctx context.Context, db *gorm.DB, filter TransactionFilter) ([]*CreditTransaction, error)

	FindDueForReset(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]ResetCandidate, error)

	// ApplyPeriodReset grants the period top-up and schedules the next
	// reset, guarded on the reset timestamp observed by the caller.
	ApplyPeriodReset(ctx context.Context, db *gorm.DB, orgID snowflake.ID, grant int64, observedResetAt, nextResetAt, now time.Time) (int64, error)
}
