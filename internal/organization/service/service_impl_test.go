package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	apikeydomain "github.com/dojoflow/dojoflow/internal/apikey/domain"
	apikeyrepository "github.com/dojoflow/dojoflow/internal/apikey/repository"
	apikeyservice "github.com/dojoflow/dojoflow/internal/apikey/service"
	"github.com/dojoflow/dojoflow/internal/clock"
	"github.com/dojoflow/dojoflow/internal/config"
	creditdomain "github.com/dojoflow/dojoflow/internal/credit/domain"
	creditrepository "github.com/dojoflow/dojoflow/internal/credit/repository"
	orgdomain "github.com/dojoflow/dojoflow/internal/organization/domain"
	orgrepository "github.com/dojoflow/dojoflow/internal/organization/repository"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupOrgService(t *testing.T) (orgdomain.Service, *gorm.DB) {
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

	if err := db.AutoMigrate(
		&orgdomain.Organization{},
		&apikeydomain.APIKey{},
		&creditdomain.CreditBalance{},
		&creditdomain.CreditTransaction{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	keys := apikeyservice.New(apikeyservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  apikeyrepository.Provide(),
	})

	svc := NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clock.NewFakeClock(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)),
		Config: config.Config{
			DefaultPeriodAllowance: 100,
			BillingPeriodDays:      30,
		},
		Repo:       orgrepository.Provide(),
		CreditRepo: creditrepository.Provide(),
		Keys:       keys,
	})
	return svc, db
}

func TestProvisionCreatesBalanceAndAllocation(t *testing.T) {
	svc, db := setupOrgService(t)

	resp, err := svc.Provision(context.Background(), orgdomain.ProvisionRequest{
		Name:         "Golden Tiger Dojo",
		TimezoneName: "America/Chicago",
	})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if resp.Organization.Slug != "golden-tiger-dojo" {
		t.Fatalf("unexpected slug: %s", resp.Organization.Slug)
	}
	if resp.APIKey == "" || resp.APIKeyID == "" {
		t.Fatal("expected a minted api key")
	}
	if resp.InitialCredits != 100 {
		t.Fatalf("expected 100 initial credits, got %d", resp.InitialCredits)
	}

	orgID, err := snowflake.ParseString(resp.Organization.ID)
	if err != nil {
		t.Fatalf("parse org id: %v", err)
	}

	var balance creditdomain.CreditBalance
	if err := db.Where("org_id = ?", orgID).First(&balance).Error; err != nil {
		t.Fatalf("read balance: %v", err)
	}
	if balance.Balance != 100 || balance.PeriodAllowance != 100 {
		t.Fatalf("unexpected balance row: %+v", balance)
	}
	if balance.NextResetAt == nil {
		t.Fatal("expected next_reset_at to be scheduled")
	}
	wantReset := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)
	if !balance.NextResetAt.Equal(wantReset) {
		t.Fatalf("expected reset at %s, got %s", wantReset, balance.NextResetAt)
	}

	var txn creditdomain.CreditTransaction
	if err := db.Where("org_id = ?", orgID).First(&txn).Error; err != nil {
		t.Fatalf("read allocation: %v", err)
	}
	if txn.Type != creditdomain.TransactionTypeAllocation {
		t.Fatalf("expected allocation, got %s", txn.Type)
	}
	if txn.Amount != 100 || txn.BalanceAfter != 100 {
		t.Fatalf("unexpected allocation row: %+v", txn)
	}
}

func TestProvisionRejectsDuplicateSlug(t *testing.T) {
	svc, _ := setupOrgService(t)

	if _, err := svc.Provision(context.Background(), orgdomain.ProvisionRequest{Name: "Red Dragon"}); err != nil {
		t.Fatalf("provision: %v", err)
	}
	if _, err := svc.Provision(context.Background(), orgdomain.ProvisionRequest{Name: "Red Dragon"}); err != orgdomain.ErrSlugTaken {
		t.Fatalf("expected slug_taken, got %v", err)
	}
}

func TestProvisionCustomAllowance(t *testing.T) {
	svc, db := setupOrgService(t)

	allowance := int64(500)
	resp, err := svc.Provision(context.Background(), orgdomain.ProvisionRequest{
		Name:            "White Crane Academy",
		PeriodAllowance: &allowance,
	})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if resp.InitialCredits != 500 {
		t.Fatalf("expected 500 credits, got %d", resp.InitialCredits)
	}

	orgID, _ := snowflake.ParseString(resp.Organization.ID)
	var balance creditdomain.CreditBalance
	if err := db.Where("org_id = ?", orgID).First(&balance).Error; err != nil {
		t.Fatalf("read balance: %v", err)
	}
	if balance.PeriodAllowance != 500 {
		t.Fatalf("expected allowance 500, got %d", balance.PeriodAllowance)
	}
}
