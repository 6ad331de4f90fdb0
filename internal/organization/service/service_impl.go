package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	apikeydomain "github.com/dojoflow/dojoflow/internal/apikey/domain"
	apikeyservice "github.com/dojoflow/dojoflow/internal/apikey/service"
	auditdomain "github.com/dojoflow/dojoflow/internal/audit/domain"
	"github.com/dojoflow/dojoflow/internal/clock"
	"github.com/dojoflow/dojoflow/internal/config"
	creditdomain "github.com/dojoflow/dojoflow/internal/credit/domain"
	orgdomain "github.com/dojoflow/dojoflow/internal/organization/domain"
	pkgdb "github.com/dojoflow/dojoflow/pkg/db"
	"github.com/gosimple/slug"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Config     config.Config
	Repo       orgdomain.Repository
	CreditRepo creditdomain.Repository
	Keys       *apikeyservice.Service
	Audit      auditdomain.Service `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	cfg        config.Config
	repo       orgdomain.Repository
	creditRepo creditdomain.Repository
	keys       *apikeyservice.Service
	audit      auditdomain.Service
}

func NewService(p Params) orgdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("organization.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		cfg:        p.Config,
		repo:       p.Repo,
		creditRepo: p.CreditRepo,
		keys:       p.Keys,
		audit:      p.Audit,
	}
}

// Provision creates the tenant, seeds its credit balance with the plan
// allowance, records the opening allocation in the ledger, and mints the
// tenant's first API key. Everything commits in one transaction.
func (s *Service) Provision(ctx context.Context, req orgdomain.ProvisionRequest) (*orgdomain.ProvisionResponse, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, orgdomain.ErrInvalidName
	}

	allowance := s.cfg.DefaultPeriodAllowance
	if req.PeriodAllowance != nil {
		if *req.PeriodAllowance < 0 {
			return nil, orgdomain.ErrInvalidAllowance
		}
		allowance = *req.PeriodAllowance
	}

	orgSlug := slug.Make(name)
	existing, err := s.repo.FindBySlug(ctx, s.db, orgSlug)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, orgdomain.ErrSlugTaken
	}

	now := s.clock.Now()
	nextReset := now.Add(time.Duration(s.cfg.BillingPeriodDays) * 24 * time.Hour)
	orgID := s.genID.Generate()
	org := orgdomain.Organization{
		ID:           orgID,
		Name:         name,
		Slug:         orgSlug,
		SupportEmail: strings.TrimSpace(req.SupportEmail),
		TimezoneName: strings.TrimSpace(req.TimezoneName),
		Metadata:     datatypes.JSONMap{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	var secret *apikeydomain.SecretResponse
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Insert(ctx, tx, &org); err != nil {
			return err
		}

		balance := creditdomain.CreditBalance{
			ID:              s.genID.Generate(),
			OrgID:           orgID,
			Balance:         allowance,
			PeriodAllowance: allowance,
			NextResetAt:     &nextReset,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := s.creditRepo.InsertBalance(ctx, tx, &balance); err != nil {
			return err
		}

		if allowance > 0 {
			txn := creditdomain.CreditTransaction{
				ID:           s.genID.Generate(),
				OrgID:        orgID,
				Type:         creditdomain.TransactionTypeAllocation,
				Amount:       allowance,
				Description:  "Initial plan allocation",
				BalanceAfter: allowance,
				CreatedAt:    now,
			}
			if err := s.creditRepo.InsertTransaction(ctx, tx, &txn); err != nil {
				return err
			}
		}

		minted, err := s.keys.CreateForOrg(ctx, tx, orgID, apikeydomain.CreateRequest{
			Name: name + " default key",
		})
		if err != nil {
			return err
		}
		secret = minted
		return nil
	})
	if err != nil {
		// The pre-check above races with concurrent provisioning of the
		// same name; the unique index is the real guard.
		if pkgdb.IsDuplicateKeyErr(err) {
			return nil, orgdomain.ErrSlugTaken
		}
		return nil, err
	}

	s.writeAudit(ctx, orgID, map[string]any{
		"name":            name,
		"slug":            orgSlug,
		"initial_credits": allowance,
	})

	return &orgdomain.ProvisionResponse{
		Organization:   toResponse(&org),
		APIKeyID:       secret.KeyID,
		APIKey:         secret.APIKey,
		InitialCredits: allowance,
	}, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (*orgdomain.OrganizationResponse, error) {
	parsed, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil || parsed == 0 {
		return nil, orgdomain.ErrInvalidOrganization
	}

	org, err := s.repo.FindByID(ctx, s.db, parsed)
	if err != nil {
		return nil, err
	}
	if org == nil {
		return nil, orgdomain.ErrNotFound
	}

	resp := toResponse(org)
	return &resp, nil
}

func (s *Service) List(ctx context.Context) ([]orgdomain.OrganizationResponse, error) {
	orgs, err := s.repo.List(ctx, s.db)
	if err != nil {
		return nil, err
	}

	resp := make([]orgdomain.OrganizationResponse, 0, len(orgs))
	for i := range orgs {
		resp = append(resp, toResponse(&orgs[i]))
	}
	return resp, nil
}

func (s *Service) writeAudit(ctx context.Context, orgID snowflake.ID, metadata map[string]any) {
	if s.audit == nil {
		return
	}
	targetID := orgID.String()
	if err := s.audit.AuditLog(ctx, &orgID, "", nil, "organization.provisioned", "organization", &targetID, metadata); err != nil {
		s.log.Warn("audit write failed", zap.Error(err))
	}
}

func toResponse(org *orgdomain.Organization) orgdomain.OrganizationResponse {
	return orgdomain.OrganizationResponse{
		ID:           org.ID.String(),
		Name:         org.Name,
		Slug:         org.Slug,
		TimezoneName: org.TimezoneName,
		SupportEmail: org.SupportEmail,
		CreatedAt:    org.CreatedAt,
	}
}
