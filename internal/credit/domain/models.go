package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type TransactionType string

const (
	TransactionTypeDeduction  TransactionType = "deduction"
	TransactionTypePurchase   TransactionType = "purchase"
	TransactionTypeAllocation TransactionType = "allocation"
	TransactionTypeRefund     TransactionType = "refund"
	TransactionTypeBonus      TransactionType = "bonus"
)

type TaskType string

const (
	TaskTypeKaiChat      TaskType = "kai_chat"
	TaskTypeSMS          TaskType = "ai_sms"
	TaskTypeEmail        TaskType = "ai_email"
	TaskTypePhoneCall    TaskType = "ai_phone_call"
	TaskTypeAutomation   TaskType = "automation"
	TaskTypeDataAnalysis TaskType = "data_analysis"
	TaskTypeOther        TaskType = "other"
)

func ValidTaskType(t TaskType) bool {
	switch t {
	case TaskTypeKaiChat, TaskTypeSMS, TaskTypeEmail, TaskTypePhoneCall,
		TaskTypeAutomation, TaskTypeDataAnalysis, TaskTypeOther:
		return true
	}
	return false
}

// Source classifies where added credits came from. Each source maps to
// a ledger transaction type.
type Source string

const (
	SourceSubscription Source = "subscription"
	SourceTopUp        Source = "top_up"
	SourceRefund       Source = "refund"
	SourceBonus        Source = "bonus"
)

func TransactionTypeForSource(source Source) (TransactionType, bool) {
	switch source {
	case SourceSubscription:
		return TransactionTypeAllocation, true
	case SourceTopUp:
		return TransactionTypePurchase, true
	case SourceRefund:
		return TransactionTypeRefund, true
	case SourceBonus:
		return TransactionTypeBonus, true
	}
	return "", false
}

// CreditBalance is the per-organization running balance. One row per org;
// the transaction log is the authoritative history, this row is the
// materialized current state.
type CreditBalance struct {
	ID              snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID           snowflake.ID `gorm:"uniqueIndex" json:"org_id"`
	Balance         int64        `json:"balance"`
	PeriodAllowance int64        `json:"period_allowance"`
	PeriodUsed      int64        `json:"period_used"`
	TotalPurchased  int64        `json:"total_purchased"`
	TotalUsed       int64        `json:"total_used"`
	NextResetAt     *time.Time   `json:"next_reset_at,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

func (CreditBalance) TableName() string {
	return "credit_balances"
}

// CreditTransaction is one append-only ledger entry. Amount is signed:
// negative for deductions, positive for additions. BalanceAfter records
// the balance immediately after the entry applied.
type CreditTransaction struct {
	ID           snowflake.ID      `gorm:"primaryKey" json:"id"`
	OrgID        snowflake.ID      `gorm:"index" json:"org_id"`
	Type         TransactionType   `json:"type"`
	Amount       int64             `json:"amount"`
	TaskType     *string           `json:"task_type,omitempty"`
	Description  string            `json:"description"`
	Metadata     datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	BalanceAfter int64             `json:"balance_after"`
	CreatedAt    time.Time         `json:"created_at"`
}

func (CreditTransaction) TableName() string {
	return "credit_transactions"
}
