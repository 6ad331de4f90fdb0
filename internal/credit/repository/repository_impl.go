package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	creditdomain "github.com/dojoflow/dojoflow/internal/credit/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() creditdomain.Repository {
	return &repo{}
}

func (r *repo) FindBalance(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (*creditdomain.CreditBalance, error) {
	var balance creditdomain.CreditBalance
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, balance, period_allowance, period_used,
		        total_purchased, total_used, next_reset_at, created_at, updated_at
		 FROM credit_balances
		 WHERE org_id = ?`,
		orgID,
	).Scan(&balance).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if balance.OrgID == 0 {
		return nil, nil
	}
	return &balance, nil
}

func (r *repo) InsertBalance(ctx context.Context, db *gorm.DB, balance *creditdomain.CreditBalance) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO credit_balances (
			id, org_id, balance, period_allowance, period_used,
			total_purchased, total_used, next_reset_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		balance.ID,
		balance.OrgID,
		balance.Balance,
		balance.PeriodAllowance,
		balance.PeriodUsed,
		balance.TotalPurchased,
		balance.TotalUsed,
		balance.NextResetAt,
		balance.CreatedAt,
		balance.UpdatedAt,
	).Error
}

func (r *repo) ApplyDeduction(ctx context.Context, db *gorm.DB, orgID snowflake.ID, amount int64, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE credit_balances
		 SET balance = balance - ?,
		     period_used = period_used + ?,
		     total_used = total_used + ?,
		     updated_at = ?
		 WHERE org_id = ? AND balance >= ?`,
		amount,
		amount,
		amount,
		now,
		orgID,
		amount,
	)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (r *repo) ApplyAddition(ctx context.Context, db *gorm.DB, orgID snowflake.ID, amount int64, purchased bool, now time.Time) (int64, error) {
	purchasedDelta := int64(0)
	if purchased {
		purchasedDelta = amount
	}
	res := db.WithContext(ctx).Exec(
		`UPDATE credit_balances
		 SET balance = balance + ?,
		     total_purchased = total_purchased + ?,
		     updated_at = ?
		 WHERE org_id = ?`,
		amount,
		purchasedDelta,
		now,
		orgID,
	)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (r *repo) InsertTransaction(ctx context.Context, db *gorm.DB, txn *creditdomain.CreditTransaction) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO credit_transactions (
			id, org_id, type, amount, task_type, description,
			metadata, balance_after, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.ID,
		txn.OrgID,
		txn.Type,
		txn.Amount,
		txn.TaskType,
		txn.Description,
		txn.Metadata,
		txn.BalanceAfter,
		txn.CreatedAt,
	).Error
}

func (r *repo) ListTransactions(ctx context.Context, db *gorm.DB, filter creditdomain.TransactionFilter) ([]*creditdomain.CreditTransaction, error) {
	var txns []*creditdomain.CreditTransaction
	stmt := db.WithContext(ctx).Model(&creditdomain.CreditTransaction{}).
		Where("org_id = ?", filter.OrgID)

	if txnType := strings.TrimSpace(filter.Type); txnType != "" {
		stmt = stmt.Where("type = ?", txnType)
	}
	if taskType := strings.TrimSpace(filter.TaskType); taskType != "" {
		stmt = stmt.Where("task_type = ?", taskType)
	}
	if filter.Cursor != nil {
		stmt = stmt.Where("(created_at < ?) OR (created_at = ? AND id < ?)",
			filter.Cursor.CreatedAt,
			filter.Cursor.CreatedAt,
			filter.Cursor.ID,
		)
	}

	stmt = stmt.Order("created_at desc, id desc")
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit + 1)
	}

	if err := stmt.Find(&txns).Error; err != nil {
		return nil, err
	}
	return txns, nil
}

func (r *repo) FindDueForReset(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]creditdomain.ResetCandidate, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []creditdomain.ResetCandidate
	err := db.WithContext(ctx).Raw(
		`SELECT org_id, balance, period_allowance, period_used, next_reset_at
		 FROM credit_balances
		 WHERE next_reset_at IS NOT NULL AND next_reset_at <= ?
		 ORDER BY next_reset_at ASC
		 LIMIT ?`,
		now,
		limit,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) ApplyPeriodReset(ctx context.Context, db *gorm.DB, orgID snowflake.ID, grant int64, observedResetAt, nextResetAt, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE credit_balances
		 SET balance = balance + ?,
		     period_used = 0,
		     next_reset_at = ?,
		     updated_at = ?
		 WHERE org_id = ? AND next_reset_at = ?`,
		grant,
		nextResetAt,
		now,
		orgID,
		observedResetAt,
	)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
