package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/dojoflow/dojoflow/pkg/db/pagination"
)

// Credit thresholds applied to the current balance.
const (
	WarningThreshold  int64 = 50
	CriticalThreshold int64 = 10
	BlockingThreshold int64 = 0
)

// Fixed credit cost per task type.
const (
	CostKaiChat       int64 = 1
	CostSMS           int64 = 1
	CostEmail         int64 = 2
	CostCallPerMinute int64 = 10
)

// CostFor returns the credit cost of a metered task type. The second
// return is false for task types without a fixed cost (automation,
// data_analysis, other), whose cost is caller-supplied.
func CostFor(taskType TaskType) (int64, bool) {
	switch taskType {
	case TaskTypeKaiChat:
		return CostKaiChat, true
	case TaskTypeSMS:
		return CostSMS, true
	case TaskTypeEmail:
		return CostEmail, true
	case TaskTypePhoneCall:
		return CostCallPerMinute, true
	}
	return 0, false
}

type WarningLevel string

const (
	WarningLevelNone     WarningLevel = "none"
	WarningLevelWarning  WarningLevel = "warning"
	WarningLevelCritical WarningLevel = "critical"
	WarningLevelBlocking WarningLevel = "blocking"
)

// WarningLevelFor maps a balance onto its threshold band. Exactly 50
// credits is still "none"; exactly 10 is already "critical"; zero and
// below is "blocking".
func WarningLevelFor(balance int64) WarningLevel {
	switch {
	case balance <= BlockingThreshold:
		return WarningLevelBlocking
	case balance <= CriticalThreshold:
		return WarningLevelCritical
	case balance < WarningThreshold:
		return WarningLevelWarning
	}
	return WarningLevelNone
}

type CheckResult struct {
	Sufficient     bool   `json:"sufficient"`
	CurrentBalance int64  `json:"current_balance"`
	Message        string `json:"message,omitempty"`
}

type DeductRequest struct {
	OrgID       snowflake.ID
	Amount      int64
	TaskType    TaskType
	Description string
	Metadata    map[string]any
}

type AddRequest struct {
	OrgID       snowflake.ID
	Amount      int64
	Source      Source
	Description string
	Metadata    map[string]any
}

// MutationResult is the outcome of a balance mutation. Mutations never
// surface a Go error; failures are folded into Error and Success=false.
type MutationResult struct {
	Success       bool         `json:"success"`
	NewBalance    int64        `json:"new_balance"`
	TransactionID snowflake.ID `json:"transaction_id,omitempty"`
	Error         string       `json:"error,omitempty"`
}

type BalanceSummary struct {
	CreditsRemaining int64      `json:"credits_remaining"`
	CreditsUsed      int64      `json:"credits_used"`
	PlanAllowance    int64      `json:"plan_allowance"`
	RenewalDate      *time.Time `json:"renewal_date,omitempty"`
}

type ListTransactionsRequest struct {
	pagination.Pagination
	Type     string
	TaskType string
}

type ListTransactionsResponse struct {
	pagination.PageInfo
	Transactions []CreditTransaction `json:"transactions"`
}

type Service interface {
	CheckSufficientBalance(ctx context.Context, orgID snowflake.ID, required int64) (CheckResult, error)
	Deduct(ctx context.Context, req DeductRequest) MutationResult
	Add(ctx context.Context, req AddRequest) MutationResult
	GetBalance(ctx context.Context, orgID snowflake.ID) (BalanceSummary, error)
	ListTransactions(ctx context.Context, req ListTransactionsRequest) (ListTransactionsResponse, error)
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidTaskType     = errors.New("invalid_task_type")
	ErrInvalidSource       = errors.New("invalid_source")
	ErrInvalidPageToken    = errors.New("invalid_page_token")
)
