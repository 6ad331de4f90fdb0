package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	creditdomain "github.com/dojoflow/dojoflow/internal/credit/domain"
	"github.com/dojoflow/dojoflow/internal/orgcontext"
	"github.com/dojoflow/dojoflow/pkg/db/pagination"
	"github.com/gin-gonic/gin"
)

type creditBalanceResponse struct {
	CreditsRemaining int64                     `json:"credits_remaining"`
	CreditsUsed      int64                     `json:"credits_used"`
	PlanAllowance    int64                     `json:"plan_allowance"`
	RenewalDate      *time.Time                `json:"renewal_date,omitempty"`
	WarningLevel     creditdomain.WarningLevel `json:"warning_level"`
	Thresholds       creditThresholds          `json:"thresholds"`
}

type creditThresholds struct {
	Warning  int64 `json:"warning"`
	Critical int64 `json:"critical"`
	Blocking int64 `json:"blocking"`
}

func thresholds() creditThresholds {
	return creditThresholds{
		Warning:  creditdomain.WarningThreshold,
		Critical: creditdomain.CriticalThreshold,
		Blocking: creditdomain.BlockingThreshold,
	}
}

func (s *Server) GetCreditBalance(c *gin.Context) {
	orgID, ok := s.orgIDFromRequest(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	summary, err := s.creditSvc.GetBalance(c.Request.Context(), orgID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp := creditBalanceResponse{
		CreditsRemaining: summary.CreditsRemaining,
		CreditsUsed:      summary.CreditsUsed,
		PlanAllowance:    summary.PlanAllowance,
		WarningLevel:     creditdomain.WarningLevelFor(summary.CreditsRemaining),
		Thresholds:       thresholds(),
	}
	resp.RenewalDate = summary.RenewalDate

	c.JSON(http.StatusOK, resp)
}

type checkCreditsRequest struct {
	RequiredCredits int64  `json:"required_credits"`
	OperationType   string `json:"operation_type"`
}

type checkCreditsResponse struct {
	Sufficient      bool   `json:"sufficient"`
	CurrentBalance  int64  `json:"current_balance"`
	RequiredCredits int64  `json:"required_credits"`
	RemainingAfter  int64  `json:"remaining_after"`
	Message         string `json:"message,omitempty"`
	OperationType   string `json:"operation_type,omitempty"`
}

func (s *Server) CheckCredits(c *gin.Context) {
	orgID, ok := s.orgIDFromRequest(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req checkCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	operationType := strings.TrimSpace(req.OperationType)
	required := req.RequiredCredits
	if required < 0 {
		AbortWithError(c, newValidationError("required_credits", "invalid_amount", "invalid value"))
		return
	}
	if operationType != "" {
		taskType := creditdomain.TaskType(operationType)
		if !creditdomain.ValidTaskType(taskType) {
			AbortWithError(c, newValidationError("operation_type", "invalid_task_type", "invalid value"))
			return
		}
		if required == 0 {
			if cost, ok := creditdomain.CostFor(taskType); ok {
				required = cost
			}
		}
	}

	result, err := s.creditSvc.CheckSufficientBalance(c.Request.Context(), orgID, required)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, checkCreditsResponse{
		Sufficient:      result.Sufficient,
		CurrentBalance:  result.CurrentBalance,
		RequiredCredits: required,
		RemainingAfter:  result.CurrentBalance - required,
		Message:         result.Message,
		OperationType:   operationType,
	})
}

type deductCreditsRequest struct {
	Amount      int64          `json:"amount"`
	TaskType    string         `json:"task_type"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata"`
}

type deductCreditsResponse struct {
	Success        bool   `json:"success"`
	NewBalance     int64  `json:"new_balance"`
	TransactionID  string `json:"transaction_id"`
	AmountDeducted int64  `json:"amount_deducted"`
}

func (s *Server) DeductCredits(c *gin.Context) {
	orgID, ok := s.orgIDFromRequest(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req deductCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	taskType := creditdomain.TaskType(strings.TrimSpace(req.TaskType))
	if !creditdomain.ValidTaskType(taskType) {
		AbortWithError(c, newValidationError("task_type", "invalid_task_type", "invalid value"))
		return
	}

	amount := req.Amount
	if amount < 0 {
		AbortWithError(c, newValidationError("amount", "invalid_amount", "invalid value"))
		return
	}
	if amount == 0 {
		if cost, ok := creditdomain.CostFor(taskType); ok {
			amount = cost
		}
	}

	c.Set("task_type", string(taskType))

	result := s.creditSvc.Deduct(c.Request.Context(), creditdomain.DeductRequest{
		OrgID:       orgID,
		Amount:      amount,
		TaskType:    taskType,
		Description: strings.TrimSpace(req.Description),
		Metadata:    req.Metadata,
	})
	if !result.Success {
		// The ledger never errors on a rejected spend; the API surfaces
		// the rejection as 402 with the ledger's message.
		AbortWithError(c, InsufficientCreditsError{
			Message: result.Error,
			Balance: result.NewBalance,
		})
		return
	}

	c.JSON(http.StatusOK, deductCreditsResponse{
		Success:        true,
		NewBalance:     result.NewBalance,
		TransactionID:  result.TransactionID.String(),
		AmountDeducted: amount,
	})
}

type addCreditsRequest struct {
	Amount      int64          `json:"amount"`
	Source      string         `json:"source"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata"`
}

type addCreditsResponse struct {
	Success       bool   `json:"success"`
	NewBalance    int64  `json:"new_balance"`
	TransactionID string `json:"transaction_id"`
	AmountAdded   int64  `json:"amount_added"`
}

func (s *Server) AddCredits(c *gin.Context) {
	orgID, ok := s.orgIDFromRequest(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req addCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	source := creditdomain.Source(strings.TrimSpace(req.Source))
	if _, ok := creditdomain.TransactionTypeForSource(source); !ok {
		AbortWithError(c, newValidationError("source", "invalid_source", "invalid value"))
		return
	}
	if req.Amount < 0 {
		AbortWithError(c, newValidationError("amount", "invalid_amount", "invalid value"))
		return
	}

	result := s.creditSvc.Add(c.Request.Context(), creditdomain.AddRequest{
		OrgID:       orgID,
		Amount:      req.Amount,
		Source:      source,
		Description: strings.TrimSpace(req.Description),
		Metadata:    req.Metadata,
	})
	if !result.Success {
		AbortWithError(c, newValidationError("request", "credit_grant_failed", result.Error))
		return
	}

	c.JSON(http.StatusOK, addCreditsResponse{
		Success:       true,
		NewBalance:    result.NewBalance,
		TransactionID: result.TransactionID.String(),
		AmountAdded:   req.Amount,
	})
}

func (s *Server) GetCreditCosts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"costs": gin.H{
			string(creditdomain.TaskTypeKaiChat):   creditdomain.CostKaiChat,
			string(creditdomain.TaskTypeSMS):       creditdomain.CostSMS,
			string(creditdomain.TaskTypeEmail):     creditdomain.CostEmail,
			string(creditdomain.TaskTypePhoneCall): creditdomain.CostCallPerMinute,
		},
		"thresholds": thresholds(),
	})
}

type listCreditTransactionsQuery struct {
	PageToken string `form:"page_token"`
	PageSize  int    `form:"page_size"`
	Type      string `form:"type"`
	TaskType  string `form:"task_type"`
}

func (s *Server) ListCreditTransactions(c *gin.Context) {
	var query listCreditTransactionsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.creditSvc.ListTransactions(c.Request.Context(), creditdomain.ListTransactionsRequest{
		Pagination: pagination.Pagination{
			PageToken: strings.TrimSpace(query.PageToken),
			PageSize:  query.PageSize,
		},
		Type:     strings.TrimSpace(query.Type),
		TaskType: strings.TrimSpace(query.TaskType),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Transactions, "page_info": resp.PageInfo})
}

func (s *Server) orgIDFromRequest(c *gin.Context) (snowflake.ID, bool) {
	orgID, ok := orgcontext.OrgIDFromContext(c.Request.Context())
	if !ok || orgID == 0 {
		return 0, false
	}
	return orgID, true
}
