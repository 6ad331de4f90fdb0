package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/dojoflow/dojoflow/internal/clock"
	creditdomain "github.com/dojoflow/dojoflow/internal/credit/domain"
	"github.com/dojoflow/dojoflow/internal/credit/repository"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func mustNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	return node
}

func setupCreditService(t *testing.T, node *snowflake.Node, clk clock.Clock) (creditdomain.Service, *gorm.DB) {
	t.Helper()

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
	_ = db.Exec("PRAGMA busy_timeout = 5000").Error

	if err := db.AutoMigrate(&creditdomain.CreditBalance{}, &creditdomain.CreditTransaction{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	if clk == nil {
		clk = clock.NewSystemClock()
	}
	svc := NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Repo:  repository.Provide(),
	})
	return svc, db
}

func seedBalance(t *testing.T, db *gorm.DB, node *snowflake.Node, orgID snowflake.ID, balance, allowance int64) {
	t.Helper()
	now := time.Now().UTC()
	reset := now.Add(30 * 24 * time.Hour)
	row := creditdomain.CreditBalance{
		ID:              node.Generate(),
		OrgID:           orgID,
		Balance:         balance,
		PeriodAllowance: allowance,
		NextResetAt:     &reset,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := db.Create(&row).Error; err != nil {
		t.Fatalf("seed balance: %v", err)
	}
}

func countTransactions(t *testing.T, db *gorm.DB, orgID snowflake.ID) int64 {
	t.Helper()
	var count int64
	if err := db.Model(&creditdomain.CreditTransaction{}).Where("org_id = ?", orgID).Count(&count).Error; err != nil {
		t.Fatalf("count transactions: %v", err)
	}
	return count
}

func TestGetBalanceIdempotentRead(t *testing.T) {
	node := mustNode(t)
	orgID := node.Generate()
	svc, db := setupCreditService(t, node, nil)
	seedBalance(t, db, node, orgID, 75, 100)

	first, err := svc.GetBalance(context.Background(), orgID)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	second, err := svc.GetBalance(context.Background(), orgID)
	if err != nil {
		t.Fatalf("get balance again: %v", err)
	}
	if first != second {
		t.Fatalf("expected identical reads, got %+v vs %+v", first, second)
	}
	if first.CreditsRemaining != 75 || first.PlanAllowance != 100 {
		t.Fatalf("unexpected summary: %+v", first)
	}
}

func TestGetBalanceMissingOrgReturnsZeroSummary(t *testing.T) {
	node := mustNode(t)
	svc, _ := setupCreditService(t, node, nil)

	summary, err := svc.GetBalance(context.Background(), node.Generate())
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if summary != (creditdomain.BalanceSummary{}) {
		t.Fatalf("expected zero summary, got %+v", summary)
	}
}

func TestCheckSufficientBalanceMissingRow(t *testing.T) {
	node := mustNode(t)
	svc, _ := setupCreditService(t, node, nil)

	result, err := svc.CheckSufficientBalance(context.Background(), node.Generate(), 5)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if result.Sufficient {
		t.Fatal("expected insufficient for missing balance row")
	}
	if result.CurrentBalance != 0 {
		t.Fatalf("expected zero balance, got %d", result.CurrentBalance)
	}
	if result.Message != "No credit balance found. Please contact support." {
		t.Fatalf("unexpected message: %q", result.Message)
	}
}

func TestCheckSufficientBalanceWarningBoundary(t *testing.T) {
	node := mustNode(t)
	orgID := node.Generate()
	svc, db := setupCreditService(t, node, nil)
	seedBalance(t, db, node, orgID, 100, 100)

	// 100 - 50 = 50 remaining: no warning.
	result, err := svc.CheckSufficientBalance(context.Background(), orgID, 50)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !result.Sufficient || result.Message != "" {
		t.Fatalf("expected clean pass at exactly 50 remaining, got %+v", result)
	}

	// 100 - 51 = 49 remaining: warns.
	result, err = svc.CheckSufficientBalance(context.Background(), orgID, 51)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !result.Sufficient || result.Message == "" {
		t.Fatalf("expected low-credit warning at 49 remaining, got %+v", result)
	}
}

func TestCheckSufficientBalanceInsufficientMessage(t *testing.T) {
	node := mustNode(t)
	orgID := node.Generate()
	svc, db := setupCreditService(t, node, nil)
	seedBalance(t, db, node, orgID, 3, 100)

	result, err := svc.CheckSufficientBalance(context.Background(), orgID, 10)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if result.Sufficient {
		t.Fatal("expected insufficient")
	}
	want := "Insufficient credits. Required: 10, Available: 3. Please purchase more credits to continue."
	if result.Message != want {
		t.Fatalf("unexpected message: %q", result.Message)
	}
}

func TestDeductSuccessUpdatesCountersAndLedger(t *testing.T) {
	node := mustNode(t)
	orgID := node.Generate()
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc, db := setupCreditService(t, node, clk)
	seedBalance(t, db, node, orgID, 100, 100)

	result := svc.Deduct(context.Background(), creditdomain.DeductRequest{
		OrgID:       orgID,
		Amount:      2,
		TaskType:    creditdomain.TaskTypeEmail,
		Description: "welcome email",
	})
	if !result.Success {
		t.Fatalf("deduct failed: %s", result.Error)
	}
	if result.NewBalance != 98 {
		t.Fatalf("expected balance 98, got %d", result.NewBalance)
	}
	if result.TransactionID == 0 {
		t.Fatal("expected a ledger transaction id")
	}

	var balance creditdomain.CreditBalance
	if err := db.Where("org_id = ?", orgID).First(&balance).Error; err != nil {
		t.Fatalf("read balance: %v", err)
	}
	if balance.Balance != 98 || balance.PeriodUsed != 2 || balance.TotalUsed != 2 {
		t.Fatalf("unexpected counters: %+v", balance)
	}

	var txn creditdomain.CreditTransaction
	if err := db.Where("id = ?", result.TransactionID).First(&txn).Error; err != nil {
		t.Fatalf("read transaction: %v", err)
	}
	if txn.Type != creditdomain.TransactionTypeDeduction {
		t.Fatalf("unexpected type: %s", txn.Type)
	}
	if txn.Amount != -2 {
		t.Fatalf("expected signed amount -2, got %d", txn.Amount)
	}
	if txn.BalanceAfter != 98 {
		t.Fatalf("expected balance_after 98, got %d", txn.BalanceAfter)
	}
	if txn.TaskType == nil || *txn.TaskType != string(creditdomain.TaskTypeEmail) {
		t.Fatalf("unexpected task type: %v", txn.TaskType)
	}
}

func TestDeductRejectedLeavesNoTrace(t *testing.T) {
	node := mustNode(t)
	orgID := node.Generate()
	svc, db := setupCreditService(t, node, nil)
	seedBalance(t, db, node, orgID, 5, 100)

	result := svc.Deduct(context.Background(), creditdomain.DeductRequest{
		OrgID:    orgID,
		Amount:   10,
		TaskType: creditdomain.TaskTypePhoneCall,
	})
	if result.Success {
		t.Fatal("expected rejection")
	}
	if result.NewBalance != 5 {
		t.Fatalf("expected unchanged balance 5, got %d", result.NewBalance)
	}
	if result.Error == "" {
		t.Fatal("expected an error message")
	}
	if count := countTransactions(t, db, orgID); count != 0 {
		t.Fatalf("expected no ledger rows, got %d", count)
	}
}

func TestDeductMissingBalanceRow(t *testing.T) {
	node := mustNode(t)
	svc, _ := setupCreditService(t, node, nil)

	result := svc.Deduct(context.Background(), creditdomain.DeductRequest{
		OrgID:  node.Generate(),
		Amount: 1,
	})
	if result.Success {
		t.Fatal("expected failure for missing balance")
	}
	if result.Error != "No credit balance found. Please contact support." {
		t.Fatalf("unexpected error: %q", result.Error)
	}
}

func TestDeductNegativeAmountRejected(t *testing.T) {
	node := mustNode(t)
	orgID := node.Generate()
	svc, db := setupCreditService(t, node, nil)
	seedBalance(t, db, node, orgID, 100, 100)

	result := svc.Deduct(context.Background(), creditdomain.DeductRequest{
		OrgID:  orgID,
		Amount: -5,
	})
	if result.Success {
		t.Fatal("expected rejection of negative amount")
	}
	if count := countTransactions(t, db, orgID); count != 0 {
		t.Fatalf("expected no ledger rows, got %d", count)
	}
}

func TestDeductZeroAmountSucceeds(t *testing.T) {
	node := mustNode(t)
	orgID := node.Generate()
	svc, db := setupCreditService(t, node, nil)
	seedBalance(t, db, node, orgID, 20, 100)

	result := svc.Deduct(context.Background(), creditdomain.DeductRequest{
		OrgID:    orgID,
		Amount:   0,
		TaskType: creditdomain.TaskTypeOther,
	})
	if !result.Success {
		t.Fatalf("zero-amount deduct failed: %s", result.Error)
	}
	if result.NewBalance != 20 {
		t.Fatalf("expected unchanged balance 20, got %d", result.NewBalance)
	}
}

func TestAddCreditsSourceMapping(t *testing.T) {
	cases := []struct {
		source    creditdomain.Source
		txnType   creditdomain.TransactionType
		purchased int64
	}{
		{creditdomain.SourceSubscription, creditdomain.TransactionTypeAllocation, 0},
		{creditdomain.SourceTopUp, creditdomain.TransactionTypePurchase, 25},
		{creditdomain.SourceRefund, creditdomain.TransactionTypeRefund, 0},
		{creditdomain.SourceBonus, creditdomain.TransactionTypeBonus, 0},
	}

	for _, tc := range cases {
		t.Run(string(tc.source), func(t *testing.T) {
			node := mustNode(t)
			orgID := node.Generate()
			svc, db := setupCreditService(t, node, nil)
			seedBalance(t, db, node, orgID, 10, 100)

			result := svc.Add(context.Background(), creditdomain.AddRequest{
				OrgID:  orgID,
				Amount: 25,
				Source: tc.source,
			})
			if !result.Success {
				t.Fatalf("add failed: %s", result.Error)
			}
			if result.NewBalance != 35 {
				t.Fatalf("expected balance 35, got %d", result.NewBalance)
			}

			var txn creditdomain.CreditTransaction
			if err := db.Where("id = ?", result.TransactionID).First(&txn).Error; err != nil {
				t.Fatalf("read transaction: %v", err)
			}
			if txn.Type != tc.txnType {
				t.Fatalf("expected type %s, got %s", tc.txnType, txn.Type)
			}
			if txn.Amount != 25 {
				t.Fatalf("expected positive amount 25, got %d", txn.Amount)
			}
			if txn.TaskType != nil {
				t.Fatalf("expected nil task type for addition, got %v", *txn.TaskType)
			}

			var balance creditdomain.CreditBalance
			if err := db.Where("org_id = ?", orgID).First(&balance).Error; err != nil {
				t.Fatalf("read balance: %v", err)
			}
			if balance.TotalPurchased != tc.purchased {
				t.Fatalf("expected total_purchased %d, got %d", tc.purchased, balance.TotalPurchased)
			}
		})
	}
}

func TestAddCreditsMissingBalanceRow(t *testing.T) {
	node := mustNode(t)
	svc, _ := setupCreditService(t, node, nil)

	result := svc.Add(context.Background(), creditdomain.AddRequest{
		OrgID:  node.Generate(),
		Amount: 10,
		Source: creditdomain.SourceTopUp,
	})
	if result.Success {
		t.Fatal("expected failure for missing balance")
	}
	if result.Error != "No credit balance found. Please contact support." {
		t.Fatalf("unexpected error: %q", result.Error)
	}
}

func TestAddCreditsUnknownSource(t *testing.T) {
	node := mustNode(t)
	orgID := node.Generate()
	svc, db := setupCreditService(t, node, nil)
	seedBalance(t, db, node, orgID, 10, 100)

	result := svc.Add(context.Background(), creditdomain.AddRequest{
		OrgID:  orgID,
		Amount: 10,
		Source: "gift_card",
	})
	if result.Success {
		t.Fatal("expected rejection of unknown source")
	}
	if count := countTransactions(t, db, orgID); count != 0 {
		t.Fatalf("expected no ledger rows, got %d", count)
	}
}

// Balance conservation: the running balance always equals the seed amount
// plus the signed sum of the ledger, and every row's balance_after matches
// the balance at the time it was applied.
func TestLedgerConservationAndBalanceAfter(t *testing.T) {
	node := mustNode(t)
	orgID := node.Generate()
	svc, db := setupCreditService(t, node, nil)
	seedBalance(t, db, node, orgID, 100, 100)

	ctx := context.Background()
	svc.Deduct(ctx, creditdomain.DeductRequest{OrgID: orgID, Amount: 10, TaskType: creditdomain.TaskTypePhoneCall})
	svc.Add(ctx, creditdomain.AddRequest{OrgID: orgID, Amount: 30, Source: creditdomain.SourceBonus})
	svc.Deduct(ctx, creditdomain.DeductRequest{OrgID: orgID, Amount: 1, TaskType: creditdomain.TaskTypeKaiChat})
	svc.Deduct(ctx, creditdomain.DeductRequest{OrgID: orgID, Amount: 2, TaskType: creditdomain.TaskTypeEmail})

	var balance creditdomain.CreditBalance
	if err := db.Where("org_id = ?", orgID).First(&balance).Error; err != nil {
		t.Fatalf("read balance: %v", err)
	}

	var txns []creditdomain.CreditTransaction
	if err := db.Where("org_id = ?", orgID).Order("created_at asc, id asc").Find(&txns).Error; err != nil {
		t.Fatalf("read transactions: %v", err)
	}

	running := int64(100)
	for _, txn := range txns {
		running += txn.Amount
		if txn.BalanceAfter != running {
			t.Fatalf("balance_after mismatch on %s: got %d, want %d", txn.ID, txn.BalanceAfter, running)
		}
	}
	if balance.Balance != running {
		t.Fatalf("balance %d does not match ledger sum %d", balance.Balance, running)
	}
	if balance.Balance != 117 {
		t.Fatalf("expected final balance 117, got %d", balance.Balance)
	}
}

// The end-to-end scenario: five chat debits, an oversized rejection, a
// top-up, then one more debit.
func TestCreditLifecycleScenario(t *testing.T) {
	node := mustNode(t)
	orgID := node.Generate()
	svc, db := setupCreditService(t, node, nil)
	seedBalance(t, db, node, orgID, 100, 100)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		result := svc.Deduct(ctx, creditdomain.DeductRequest{
			OrgID:    orgID,
			Amount:   1,
			TaskType: creditdomain.TaskTypeKaiChat,
		})
		if !result.Success {
			t.Fatalf("debit %d failed: %s", i, result.Error)
		}
	}

	var balance creditdomain.CreditBalance
	if err := db.Where("org_id = ?", orgID).First(&balance).Error; err != nil {
		t.Fatalf("read balance: %v", err)
	}
	if balance.Balance != 95 || balance.PeriodUsed != 5 {
		t.Fatalf("expected 95/5 after five debits, got %d/%d", balance.Balance, balance.PeriodUsed)
	}

	rejected := svc.Deduct(ctx, creditdomain.DeductRequest{
		OrgID:    orgID,
		Amount:   150,
		TaskType: creditdomain.TaskTypeKaiChat,
	})
	if rejected.Success {
		t.Fatal("expected oversized debit to be rejected")
	}
	if rejected.NewBalance != 95 {
		t.Fatalf("expected balance 95 after rejection, got %d", rejected.NewBalance)
	}

	topUp := svc.Add(ctx, creditdomain.AddRequest{
		OrgID:  orgID,
		Amount: 50,
		Source: creditdomain.SourceTopUp,
	})
	if !topUp.Success || topUp.NewBalance != 145 {
		t.Fatalf("expected balance 145 after top-up, got %+v", topUp)
	}

	if err := db.Where("org_id = ?", orgID).First(&balance).Error; err != nil {
		t.Fatalf("read balance: %v", err)
	}
	if balance.TotalPurchased != 50 {
		t.Fatalf("expected total_purchased 50, got %d", balance.TotalPurchased)
	}

	final := svc.Deduct(ctx, creditdomain.DeductRequest{
		OrgID:    orgID,
		Amount:   1,
		TaskType: creditdomain.TaskTypeKaiChat,
	})
	if !final.Success || final.NewBalance != 144 {
		t.Fatalf("expected balance 144, got %+v", final)
	}
}

// Concurrent debits against the same org must never drive the balance
// negative: the conditional update admits only as many as the balance
// covers.
func TestConcurrentDeductsNeverOverdraw(t *testing.T) {
	node := mustNode(t)
	orgID := node.Generate()
	svc, db := setupCreditService(t, node, nil)
	seedBalance(t, db, node, orgID, 10, 100)

	const workers = 20
	var wg sync.WaitGroup
	results := make([]creditdomain.MutationResult, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = svc.Deduct(context.Background(), creditdomain.DeductRequest{
				OrgID:    orgID,
				Amount:   1,
				TaskType: creditdomain.TaskTypeSMS,
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, result := range results {
		if result.Success {
			succeeded++
		}
	}

	var balance creditdomain.CreditBalance
	if err := db.Where("org_id = ?", orgID).First(&balance).Error; err != nil {
		t.Fatalf("read balance: %v", err)
	}
	if balance.Balance < 0 {
		t.Fatalf("balance went negative: %d", balance.Balance)
	}
	if balance.Balance != 10-int64(succeeded) {
		t.Fatalf("balance %d inconsistent with %d successful debits", balance.Balance, succeeded)
	}
	if count := countTransactions(t, db, orgID); count != int64(succeeded) {
		t.Fatalf("expected %d ledger rows, got %d", succeeded, count)
	}
}

func TestWarningLevelFor(t *testing.T) {
	cases := []struct {
		balance int64
		want    creditdomain.WarningLevel
	}{
		{100, creditdomain.WarningLevelNone},
		{50, creditdomain.WarningLevelNone},
		{49, creditdomain.WarningLevelWarning},
		{11, creditdomain.WarningLevelWarning},
		{10, creditdomain.WarningLevelCritical},
		{1, creditdomain.WarningLevelCritical},
		{0, creditdomain.WarningLevelBlocking},
		{-5, creditdomain.WarningLevelBlocking},
	}
	for _, tc := range cases {
		if got := creditdomain.WarningLevelFor(tc.balance); got != tc.want {
			t.Fatalf("WarningLevelFor(%d) = %s, want %s", tc.balance, got, tc.want)
		}
	}
}
