package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/dojoflow/dojoflow/internal/audit/domain"
	auditcontext "github.com/dojoflow/dojoflow/internal/auditcontext"
	"github.com/dojoflow/dojoflow/internal/clock"
	appconfig "github.com/dojoflow/dojoflow/internal/config"
	creditdomain "github.com/dojoflow/dojoflow/internal/credit/domain"
	"github.com/dojoflow/dojoflow/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("scheduler requires db, logger, credit repository, id node and clock")

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	AppConfig  appconfig.Config
	CreditRepo creditdomain.Repository
	AuditSvc   auditdomain.Service `optional:"true"`
	Metrics    *metrics.Metrics    `optional:"true"`
	Config     Config              `optional:"true"`
}

type Scheduler struct {
	db         *gorm.DB
	log        *zap.Logger
	cfg        Config
	genID      *snowflake.Node
	clock      clock.Clock
	period     time.Duration
	creditRepo creditdomain.Repository
	auditSvc   auditdomain.Service
	metrics    *metrics.Metrics
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil || p.CreditRepo == nil {
		return nil, ErrInvalidConfig
	}
	cfg := p.Config.withDefaults()
	period := time.Duration(p.AppConfig.BillingPeriodDays) * 24 * time.Hour
	if period <= 0 {
		period = 30 * 24 * time.Hour
	}
	return &Scheduler{
		db:         p.DB,
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:        cfg,
		genID:      p.GenID,
		clock:      p.Clock,
		period:     period,
		creditRepo: p.CreditRepo,
		auditSvc:   p.AuditSvc,
		metrics:    p.Metrics,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx = auditcontext.WithActor(ctx, string(auditdomain.ActorTypeSystem), "scheduler")

	err := fn(ctx)
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.log.Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error
	if s.isJobEnabled("reset_credit_periods") {
		err = errors.Join(err, s.runJob(parent, "reset_credit_periods", s.cfg.JobTimeout, s.ResetCreditPeriodsJob))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// An empty EnabledJobs list enables every job (monolith mode).
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// ResetCreditPeriodsJob rolls each due balance into its next billing
// period: re-grants the spent portion of the period allowance, zeroes
// period_used, and schedules the next reset. Purchased credits roll over
// untouched. The conditional update on the observed reset timestamp keeps
// concurrent scheduler replicas from double-granting.
func (s *Scheduler) ResetCreditPeriodsJob(ctx context.Context) error {
	now := s.clock.Now()
	candidates, err := s.creditRepo.FindDueForReset(ctx, s.db, now, s.cfg.BatchSize)
	if err != nil {
		return err
	}

	var errs error
	for _, candidate := range candidates {
		if err := s.resetOne(ctx, candidate, now); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	return errs
}

func (s *Scheduler) resetOne(ctx context.Context, candidate creditdomain.ResetCandidate, now time.Time) error {
	grant := candidate.PeriodUsed
	if grant > candidate.PeriodAllowance {
		grant = candidate.PeriodAllowance
	}

	nextReset := candidate.NextResetAt
	for !nextReset.After(now) {
		nextReset = nextReset.Add(s.period)
	}

	applied := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rows, err := s.creditRepo.ApplyPeriodReset(ctx, tx, candidate.OrgID, grant, candidate.NextResetAt, nextReset, now)
		if err != nil {
			return err
		}
		if rows == 0 {
			// Another replica already rolled this org over.
			return nil
		}
		applied = true

		if grant == 0 {
			return nil
		}

		balance, err := s.creditRepo.FindBalance(ctx, tx, candidate.OrgID)
		if err != nil {
			return err
		}
		if balance == nil {
			return fmt.Errorf("balance row vanished for org %s", candidate.OrgID)
		}

		txn := creditdomain.CreditTransaction{
			ID:           s.genID.Generate(),
			OrgID:        candidate.OrgID,
			Type:         creditdomain.TransactionTypeAllocation,
			Amount:       grant,
			Description:  "Billing period allocation",
			BalanceAfter: balance.Balance,
			CreatedAt:    now,
		}
		return s.creditRepo.InsertTransaction(ctx, tx, &txn)
	})
	if err != nil {
		return fmt.Errorf("reset org %s: %w", candidate.OrgID, err)
	}
	if !applied {
		return nil
	}

	if s.metrics != nil {
		s.metrics.RecordPeriodReset(ctx)
	}
	s.log.Info("credit period reset",
		zap.String("org_id", candidate.OrgID.String()),
		zap.Int64("grant", grant),
		zap.Time("next_reset_at", nextReset),
	)
	if s.auditSvc != nil {
		orgID := candidate.OrgID
		targetID := orgID.String()
		metadata := map[string]any{
			"grant":         grant,
			"next_reset_at": nextReset.Format(time.RFC3339),
		}
		if err := s.auditSvc.AuditLog(ctx, &orgID, string(auditdomain.ActorTypeSystem), nil, "credit.period_reset", "credit_balance", &targetID, metadata); err != nil {
			s.log.Warn("audit write failed", zap.Error(err))
		}
	}
	return nil
}
