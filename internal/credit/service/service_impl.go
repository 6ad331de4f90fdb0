package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/dojoflow/dojoflow/internal/audit/domain"
	"github.com/dojoflow/dojoflow/internal/clock"
	creditdomain "github.com/dojoflow/dojoflow/internal/credit/domain"
	"github.com/dojoflow/dojoflow/internal/observability/metrics"
	"github.com/dojoflow/dojoflow/internal/orgcontext"
	"github.com/dojoflow/dojoflow/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	msgNoBalance       = "No credit balance found. Please contact support."
	msgDBUnavailable   = "Database not available"
	msgBalanceNotFound = "Credit balance not found"
	msgUpdateFailed    = "Failed to update credit balance"
	msgNegativeAmount  = "Amount must be a non-negative number of credits"
	msgInvalidTaskType = "Unknown task type"
	msgInvalidSource   = "Unknown credit source"
	msgMissingOrg      = "Organization is required"
)

var (
	errBalanceNotFound = errors.New(msgBalanceNotFound)
	errUpdateFailed    = errors.New(msgUpdateFailed)
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    creditdomain.Repository
	Audit   auditdomain.Service `optional:"true"`
	Metrics *metrics.Metrics    `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	repo    creditdomain.Repository
	audit   auditdomain.Service
	metrics *metrics.Metrics
}

func NewService(p Params) creditdomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("credit.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		repo:    p.Repo,
		audit:   p.Audit,
		metrics: p.Metrics,
	}
}

func (s *Service) CheckSufficientBalance(ctx context.Context, orgID snowflake.ID, required int64) (creditdomain.CheckResult, error) {
	if orgID == 0 {
		return creditdomain.CheckResult{}, creditdomain.ErrInvalidOrganization
	}
	if required < 0 {
		return creditdomain.CheckResult{}, creditdomain.ErrInvalidAmount
	}

	balance, err := s.repo.FindBalance(ctx, s.db, orgID)
	if err != nil {
		return creditdomain.CheckResult{}, err
	}
	if balance == nil {
		return creditdomain.CheckResult{
			Sufficient:     false,
			CurrentBalance: 0,
			Message:        msgNoBalance,
		}, nil
	}

	if balance.Balance < required {
		return creditdomain.CheckResult{
			Sufficient:     false,
			CurrentBalance: balance.Balance,
			Message: fmt.Sprintf(
				"Insufficient credits. Required: %d, Available: %d. Please purchase more credits to continue.",
				required, balance.Balance,
			),
		}, nil
	}

	if balance.Balance-required < creditdomain.WarningThreshold {
		return creditdomain.CheckResult{
			Sufficient:     true,
			CurrentBalance: balance.Balance,
			Message: fmt.Sprintf(
				"Warning: Only %d credits will remain after this operation.",
				balance.Balance-required,
			),
		}, nil
	}

	return creditdomain.CheckResult{
		Sufficient:     true,
		CurrentBalance: balance.Balance,
	}, nil
}

// Deduct debits credits for one metered operation. It never returns a Go
// error: every failure is reported through the result with Success=false
// and the balance untouched. The balance update and the ledger insert
// commit in the same database transaction, and the update is conditional
// on the balance covering the amount, so concurrent debits cannot drive
// the balance negative.
func (s *Service) Deduct(ctx context.Context, req creditdomain.DeductRequest) creditdomain.MutationResult {
	if s.db == nil {
		return failure(0, msgDBUnavailable)
	}
	if req.OrgID == 0 {
		return failure(0, msgMissingOrg)
	}
	if req.Amount < 0 {
		return failure(0, msgNegativeAmount)
	}
	if req.TaskType != "" && !creditdomain.ValidTaskType(req.TaskType) {
		return failure(0, msgInvalidTaskType)
	}

	check, err := s.CheckSufficientBalance(ctx, req.OrgID, req.Amount)
	if err != nil {
		s.log.Error("balance check failed",
			zap.String("org_id", req.OrgID.String()),
			zap.Error(err),
		)
		return failure(0, err.Error())
	}
	if !check.Sufficient {
		s.recordDenial(ctx, req.TaskType, "insufficient_balance")
		return failure(check.CurrentBalance, check.Message)
	}

	now := s.clock.Now()
	var (
		newBalance int64
		txnID      snowflake.ID
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rows, err := s.repo.ApplyDeduction(ctx, tx, req.OrgID, req.Amount, now)
		if err != nil {
			return err
		}
		if rows == 0 {
			balance, err := s.repo.FindBalance(ctx, tx, req.OrgID)
			if err != nil {
				return err
			}
			if balance == nil {
				return errBalanceNotFound
			}
			// Lost the race: another debit drained the balance between
			// the sufficiency check and the conditional update.
			return errUpdateFailed
		}

		balance, err := s.repo.FindBalance(ctx, tx, req.OrgID)
		if err != nil {
			return err
		}
		if balance == nil {
			return errBalanceNotFound
		}
		newBalance = balance.Balance

		txn := &creditdomain.CreditTransaction{
			ID:           s.genID.Generate(),
			OrgID:        req.OrgID,
			Type:         creditdomain.TransactionTypeDeduction,
			Amount:       -req.Amount,
			TaskType:     taskTypePointer(req.TaskType),
			Description:  req.Description,
			Metadata:     datatypes.JSONMap(req.Metadata),
			BalanceAfter: newBalance,
			CreatedAt:    now,
		}
		if err := s.repo.InsertTransaction(ctx, tx, txn); err != nil {
			return err
		}
		txnID = txn.ID
		return nil
	})
	if err != nil {
		s.log.Error("credit deduction failed",
			zap.String("org_id", req.OrgID.String()),
			zap.Int64("amount", req.Amount),
			zap.Error(err),
		)
		s.recordDenial(ctx, req.TaskType, "update_failed")
		return failure(s.currentBalance(ctx, req.OrgID), deductionError(err))
	}

	s.recordDeduction(ctx, req.TaskType)
	s.writeAudit(ctx, req.OrgID, "credit.deducted", txnID, map[string]any{
		"amount":      req.Amount,
		"task_type":   string(req.TaskType),
		"new_balance": newBalance,
	})

	return creditdomain.MutationResult{
		Success:       true,
		NewBalance:    newBalance,
		TransactionID: txnID,
	}
}

// Add credits the org balance from an external source (plan allocation,
// top-up purchase, refund, bonus). Same result contract as Deduct.
func (s *Service) Add(ctx context.Context, req creditdomain.AddRequest) creditdomain.MutationResult {
	if s.db == nil {
		return failure(0, msgDBUnavailable)
	}
	if req.OrgID == 0 {
		return failure(0, msgMissingOrg)
	}
	if req.Amount < 0 {
		return failure(0, msgNegativeAmount)
	}
	txnType, ok := creditdomain.TransactionTypeForSource(req.Source)
	if !ok {
		return failure(0, msgInvalidSource)
	}

	now := s.clock.Now()
	var (
		newBalance int64
		txnID      snowflake.ID
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		purchased := req.Source == creditdomain.SourceTopUp
		rows, err := s.repo.ApplyAddition(ctx, tx, req.OrgID, req.Amount, purchased, now)
		if err != nil {
			return err
		}
		if rows == 0 {
			return errBalanceNotFound
		}

		balance, err := s.repo.FindBalance(ctx, tx, req.OrgID)
		if err != nil {
			return err
		}
		if balance == nil {
			return errBalanceNotFound
		}
		newBalance = balance.Balance

		txn := &creditdomain.CreditTransaction{
			ID:           s.genID.Generate(),
			OrgID:        req.OrgID,
			Type:         txnType,
			Amount:       req.Amount,
			Description:  req.Description,
			Metadata:     datatypes.JSONMap(req.Metadata),
			BalanceAfter: newBalance,
			CreatedAt:    now,
		}
		if err := s.repo.InsertTransaction(ctx, tx, txn); err != nil {
			return err
		}
		txnID = txn.ID
		return nil
	})
	if err != nil {
		s.log.Error("credit grant failed",
			zap.String("org_id", req.OrgID.String()),
			zap.Int64("amount", req.Amount),
			zap.String("source", string(req.Source)),
			zap.Error(err),
		)
		if errors.Is(err, errBalanceNotFound) {
			return failure(0, msgNoBalance)
		}
		return failure(s.currentBalance(ctx, req.OrgID), additionError(err))
	}

	if s.metrics != nil {
		s.metrics.RecordGrant(ctx, string(req.Source))
	}
	s.writeAudit(ctx, req.OrgID, "credit.added", txnID, map[string]any{
		"amount":      req.Amount,
		"source":      string(req.Source),
		"new_balance": newBalance,
	})

	return creditdomain.MutationResult{
		Success:       true,
		NewBalance:    newBalance,
		TransactionID: txnID,
	}
}

func (s *Service) GetBalance(ctx context.Context, orgID snowflake.ID) (creditdomain.BalanceSummary, error) {
	if orgID == 0 {
		return creditdomain.BalanceSummary{}, creditdomain.ErrInvalidOrganization
	}

	balance, err := s.repo.FindBalance(ctx, s.db, orgID)
	if err != nil {
		return creditdomain.BalanceSummary{}, err
	}
	if balance == nil {
		return creditdomain.BalanceSummary{}, nil
	}

	return creditdomain.BalanceSummary{
		CreditsRemaining: balance.Balance,
		CreditsUsed:      balance.PeriodUsed,
		PlanAllowance:    balance.PeriodAllowance,
		RenewalDate:      balance.NextResetAt,
	}, nil
}

func (s *Service) ListTransactions(ctx context.Context, req creditdomain.ListTransactionsRequest) (creditdomain.ListTransactionsResponse, error) {
	orgID, ok := orgIDFrom(ctx)
	if !ok {
		return creditdomain.ListTransactionsResponse{}, creditdomain.ErrInvalidOrganization
	}

	var cursor *creditdomain.TransactionCursor
	if strings.TrimSpace(req.PageToken) != "" {
		decoded, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return creditdomain.ListTransactionsResponse{}, creditdomain.ErrInvalidPageToken
		}
		createdAt, err := time.Parse(time.RFC3339, decoded.CreatedAt)
		if err != nil {
			return creditdomain.ListTransactionsResponse{}, creditdomain.ErrInvalidPageToken
		}
		id, err := snowflake.ParseString(strings.TrimSpace(decoded.ID))
		if err != nil || id == 0 {
			return creditdomain.ListTransactionsResponse{}, creditdomain.ErrInvalidPageToken
		}
		cursor = &creditdomain.TransactionCursor{
			ID:        id,
			CreatedAt: createdAt,
		}
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 250 {
		pageSize = 250
	}

	items, err := s.repo.ListTransactions(ctx, s.db, creditdomain.TransactionFilter{
		OrgID:    orgID,
		Type:     req.Type,
		TaskType: req.TaskType,
		Cursor:   cursor,
		Limit:    pageSize,
	})
	if err != nil {
		return creditdomain.ListTransactionsResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(item *creditdomain.CreditTransaction) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        item.ID.String(),
			CreatedAt: item.CreatedAt.Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo != nil && pageInfo.HasMore && len(items) > pageSize {
		items = items[:pageSize]
	}

	txns := make([]creditdomain.CreditTransaction, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		txns = append(txns, *item)
	}

	resp := creditdomain.ListTransactionsResponse{Transactions: txns}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}

func (s *Service) currentBalance(ctx context.Context, orgID snowflake.ID) int64 {
	balance, err := s.repo.FindBalance(ctx, s.db, orgID)
	if err != nil || balance == nil {
		return 0
	}
	return balance.Balance
}

func (s *Service) recordDeduction(ctx context.Context, taskType creditdomain.TaskType) {
	if s.metrics != nil {
		s.metrics.RecordDeduction(ctx, string(taskType))
	}
}

func (s *Service) recordDenial(ctx context.Context, taskType creditdomain.TaskType, reason string) {
	if s.metrics != nil {
		s.metrics.RecordDenial(ctx, string(taskType), reason)
	}
}

func (s *Service) writeAudit(ctx context.Context, orgID snowflake.ID, action string, txnID snowflake.ID, metadata map[string]any) {
	if s.audit == nil {
		return
	}
	targetID := txnID.String()
	if err := s.audit.AuditLog(ctx, &orgID, "", nil, action, "credit_transaction", &targetID, metadata); err != nil {
		s.log.Warn("audit write failed", zap.String("action", action), zap.Error(err))
	}
}

func deductionError(err error) string {
	switch {
	case errors.Is(err, errBalanceNotFound):
		return msgBalanceNotFound
	case errors.Is(err, errUpdateFailed):
		return msgUpdateFailed
	}
	return err.Error()
}

func additionError(err error) string {
	if errors.Is(err, errBalanceNotFound) {
		return msgNoBalance
	}
	return err.Error()
}

func failure(balance int64, message string) creditdomain.MutationResult {
	return creditdomain.MutationResult{
		Success:    false,
		NewBalance: balance,
		Error:      message,
	}
}

func orgIDFrom(ctx context.Context) (snowflake.ID, bool) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return 0, false
	}
	return orgID, true
}

func taskTypePointer(taskType creditdomain.TaskType) *string {
	if taskType == "" {
		return nil
	}
	value := string(taskType)
	return &value
}
