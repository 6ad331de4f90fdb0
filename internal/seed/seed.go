package seed

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/dojoflow/dojoflow/internal/config"
	creditdomain "github.com/dojoflow/dojoflow/internal/credit/domain"
	orgdomain "github.com/dojoflow/dojoflow/internal/organization/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultOrgName = "Main"
	defaultOrgSlug = "main"
)

// EnsureDefaultOrg seeds the default organization and its credit balance
// for startup bootstrap. Idempotent.
func EnsureDefaultOrg(db *gorm.DB, cfg config.Config) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		org, err := ensureOrgTx(ctx, tx, node)
		if err != nil {
			return err
		}
		return ensureBalanceTx(ctx, tx, node, org.ID, cfg)
	})
}

func ensureOrgTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node) (*orgdomain.Organization, error) {
	var org orgdomain.Organization
	err := tx.WithContext(ctx).Where("slug = ?", defaultOrgSlug).First(&org).Error
	if err == nil {
		return &org, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	org = orgdomain.Organization{
		ID:        node.Generate(),
		Name:      defaultOrgName,
		Slug:      defaultOrgSlug,
		IsDefault: true,
		Metadata:  datatypes.JSONMap{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.WithContext(ctx).Create(&org).Error; err != nil {
		return nil, err
	}
	return &org, nil
}

func ensureBalanceTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node, orgID snowflake.ID, cfg config.Config) error {
	var count int64
	if err := tx.WithContext(ctx).Model(&creditdomain.CreditBalance{}).Where("org_id = ?", orgID).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	now := time.Now().UTC()
	nextReset := now.Add(time.Duration(cfg.BillingPeriodDays) * 24 * time.Hour)
	allowance := cfg.DefaultPeriodAllowance

	balance := creditdomain.CreditBalance{
		ID:              node.Generate(),
		OrgID:           orgID,
		Balance:         allowance,
		PeriodAllowance: allowance,
		NextResetAt:     &nextReset,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := tx.WithContext(ctx).Create(&balance).Error; err != nil {
		return err
	}

	if allowance > 0 {
		txn := creditdomain.CreditTransaction{
			ID:           node.Generate(),
			OrgID:        orgID,
			Type:         creditdomain.TransactionTypeAllocation,
			Amount:       allowance,
			Description:  "Initial plan allocation",
			BalanceAfter: allowance,
			CreatedAt:    now,
		}
		return tx.WithContext(ctx).Create(&txn).Error
	}
	return nil
}
