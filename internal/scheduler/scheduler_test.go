package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/dojoflow/dojoflow/internal/clock"
	appconfig "github.com/dojoflow/dojoflow/internal/config"
	creditdomain "github.com/dojoflow/dojoflow/internal/credit/domain"
	creditrepository "github.com/dojoflow/dojoflow/internal/credit/repository"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupScheduler(t *testing.T, clk clock.Clock) (*Scheduler, *gorm.DB, *snowflake.Node) {
	t.Helper()

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=auto", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	if err := db.AutoMigrate(&creditdomain.CreditBalance{}, &creditdomain.CreditTransaction{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	sched, err := New(Params{
		DB:         db,
		Log:        zap.NewNop(),
		GenID:      node,
		Clock:      clk,
		AppConfig:  appconfig.Config{BillingPeriodDays: 30},
		CreditRepo: creditrepository.Provide(),
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return sched, db, node
}

func seedResettable(t *testing.T, db *gorm.DB, node *snowflake.Node, balance, allowance, periodUsed, totalPurchased int64, resetAt time.Time) snowflake.ID {
	t.Helper()
	orgID := node.Generate()
	row := creditdomain.CreditBalance{
		ID:              node.Generate(),
		OrgID:           orgID,
		Balance:         balance,
		PeriodAllowance: allowance,
		PeriodUsed:      periodUsed,
		TotalPurchased:  totalPurchased,
		TotalUsed:       periodUsed,
		NextResetAt:     &resetAt,
		CreatedAt:       resetAt.Add(-30 * 24 * time.Hour),
		UpdatedAt:       resetAt.Add(-24 * time.Hour),
	}
	if err := db.Create(&row).Error; err != nil {
		t.Fatalf("seed balance: %v", err)
	}
	return orgID
}

func TestResetCreditPeriodsGrantsSpentAllowance(t *testing.T) {
	now := time.Date(2026, 4, 1, 6, 0, 0, 0, time.UTC)
	clk := clock.NewFakeClock(now)
	sched, db, node := setupScheduler(t, clk)

	// Used 40 of a 100 allowance; balance sits at 60.
	resetAt := now.Add(-time.Hour)
	orgID := seedResettable(t, db, node, 60, 100, 40, 0, resetAt)

	if err := sched.ResetCreditPeriodsJob(context.Background()); err != nil {
		t.Fatalf("reset job: %v", err)
	}

	var balance creditdomain.CreditBalance
	if err := db.Where("org_id = ?", orgID).First(&balance).Error; err != nil {
		t.Fatalf("read balance: %v", err)
	}
	if balance.Balance != 100 {
		t.Fatalf("expected refilled balance 100, got %d", balance.Balance)
	}
	if balance.PeriodUsed != 0 {
		t.Fatalf("expected period_used reset, got %d", balance.PeriodUsed)
	}
	wantNext := resetAt.Add(30 * 24 * time.Hour)
	if balance.NextResetAt == nil || !balance.NextResetAt.Equal(wantNext) {
		t.Fatalf("expected next reset %s, got %v", wantNext, balance.NextResetAt)
	}

	var txn creditdomain.CreditTransaction
	if err := db.Where("org_id = ?", orgID).First(&txn).Error; err != nil {
		t.Fatalf("read allocation: %v", err)
	}
	if txn.Type != creditdomain.TransactionTypeAllocation || txn.Amount != 40 {
		t.Fatalf("unexpected allocation: %+v", txn)
	}
	if txn.BalanceAfter != 100 {
		t.Fatalf("expected balance_after 100, got %d", txn.BalanceAfter)
	}
}

func TestResetCreditPeriodsGrantCappedAtAllowance(t *testing.T) {
	now := time.Date(2026, 4, 1, 6, 0, 0, 0, time.UTC)
	sched, db, node := setupScheduler(t, clock.NewFakeClock(now))

	// Used 180 in a period with a 100 allowance (top-ups were spent too);
	// the refill is capped at the allowance.
	orgID := seedResettable(t, db, node, 20, 100, 180, 100, now.Add(-time.Hour))

	if err := sched.ResetCreditPeriodsJob(context.Background()); err != nil {
		t.Fatalf("reset job: %v", err)
	}

	var balance creditdomain.CreditBalance
	if err := db.Where("org_id = ?", orgID).First(&balance).Error; err != nil {
		t.Fatalf("read balance: %v", err)
	}
	if balance.Balance != 120 {
		t.Fatalf("expected balance 120, got %d", balance.Balance)
	}
	if balance.TotalPurchased != 100 {
		t.Fatalf("total_purchased must be untouched, got %d", balance.TotalPurchased)
	}
}

func TestResetCreditPeriodsIdempotentAcrossRuns(t *testing.T) {
	now := time.Date(2026, 4, 1, 6, 0, 0, 0, time.UTC)
	clk := clock.NewFakeClock(now)
	sched, db, node := setupScheduler(t, clk)

	orgID := seedResettable(t, db, node, 60, 100, 40, 0, now.Add(-time.Hour))

	if err := sched.ResetCreditPeriodsJob(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := sched.ResetCreditPeriodsJob(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}

	var count int64
	if err := db.Model(&creditdomain.CreditTransaction{}).Where("org_id = ?", orgID).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected a single allocation, got %d", count)
	}

	// A month later the period is due again.
	clk.Advance(31 * 24 * time.Hour)
	db.Exec("UPDATE credit_balances SET period_used = 10, balance = balance - 10 WHERE org_id = ?", orgID)

	if err := sched.ResetCreditPeriodsJob(context.Background()); err != nil {
		t.Fatalf("third run: %v", err)
	}
	if err := db.Model(&creditdomain.CreditTransaction{}).Where("org_id = ?", orgID).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected two allocations, got %d", count)
	}
}

func TestResetCreditPeriodsSkipsFutureResets(t *testing.T) {
	now := time.Date(2026, 4, 1, 6, 0, 0, 0, time.UTC)
	sched, db, node := setupScheduler(t, clock.NewFakeClock(now))

	orgID := seedResettable(t, db, node, 60, 100, 40, 0, now.Add(time.Hour))

	if err := sched.ResetCreditPeriodsJob(context.Background()); err != nil {
		t.Fatalf("reset job: %v", err)
	}

	var count int64
	if err := db.Model(&creditdomain.CreditTransaction{}).Where("org_id = ?", orgID).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no allocations for future reset, got %d", count)
	}
}
