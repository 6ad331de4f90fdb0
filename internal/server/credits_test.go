package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	creditdomain "github.com/dojoflow/dojoflow/internal/credit/domain"
	"github.com/dojoflow/dojoflow/internal/orgcontext"
	"github.com/gin-gonic/gin"
)

type fakeCreditService struct {
	checkResult   creditdomain.CheckResult
	deductResult  creditdomain.MutationResult
	addResult     creditdomain.MutationResult
	balance       creditdomain.BalanceSummary
	lastDeduct    creditdomain.DeductRequest
	deductCalls   int
	lastCheckReq  int64
	lastBalanceID snowflake.ID
}

func (f *fakeCreditService) CheckSufficientBalance(ctx context.Context, orgID snowflake.ID, required int64) (creditdomain.CheckResult, error) {
	_ = ctx
	_ = orgID
	f.lastCheckReq = required
	return f.checkResult, nil
}

func (f *fakeCreditService) Deduct(ctx context.Context, req creditdomain.DeductRequest) creditdomain.MutationResult {
	_ = ctx
	f.deductCalls++
	f.lastDeduct = req
	return f.deductResult
}

func (f *fakeCreditService) Add(ctx context.Context, req creditdomain.AddRequest) creditdomain.MutationResult {
	_ = ctx
	_ = req
	return f.addResult
}

func (f *fakeCreditService) GetBalance(ctx context.Context, orgID snowflake.ID) (creditdomain.BalanceSummary, error) {
	_ = ctx
	f.lastBalanceID = orgID
	return f.balance, nil
}

func (f *fakeCreditService) ListTransactions(ctx context.Context, req creditdomain.ListTransactionsRequest) (creditdomain.ListTransactionsResponse, error) {
	_ = ctx
	_ = req
	return creditdomain.ListTransactionsResponse{}, nil
}

func withTestOrg(orgID int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := orgcontext.WithOrgID(c.Request.Context(), orgID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func newCreditTestRouter(svc *fakeCreditService) (*gin.Engine, *Server) {
	gin.SetMode(gin.TestMode)

	srv := &Server{creditSvc: svc}

	router := gin.New()
	router.Use(ErrorHandlingMiddleware())
	router.Use(withTestOrg(42))
	router.GET("/api/credits/balance", srv.GetCreditBalance)
	router.POST("/api/credits/check", srv.CheckCredits)
	router.POST("/api/credits/deduct", srv.DeductCredits)
	router.GET("/api/credits/costs", srv.GetCreditCosts)

	return router, srv
}

func TestDeductCreditsRejectionReturns402(t *testing.T) {
	svc := &fakeCreditService{
		deductResult: creditdomain.MutationResult{
			Success:    false,
			NewBalance: 3,
			Error:      "Insufficient credits. Required: 10, Available: 3. Please purchase more credits to continue.",
		},
	}
	router, _ := newCreditTestRouter(svc)

	body := bytes.NewBufferString(`{"amount":10,"task_type":"ai_phone_call"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/credits/deduct", body)
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusPaymentRequired {
		t.Fatalf("expected status 402, got %d", resp.Code)
	}

	var payload errorResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Error.Type != "payment_required" {
		t.Fatalf("expected payment_required error type, got %q", payload.Error.Type)
	}
	if payload.Error.Message != svc.deductResult.Error {
		t.Fatalf("expected the ledger message verbatim, got %q", payload.Error.Message)
	}
	if payload.Error.CurrentBalance == nil || *payload.Error.CurrentBalance != 3 {
		t.Fatalf("expected current_balance 3, got %v", payload.Error.CurrentBalance)
	}
}

func TestDeductCreditsSuccessPayload(t *testing.T) {
	svc := &fakeCreditService{
		deductResult: creditdomain.MutationResult{
			Success:       true,
			NewBalance:    99,
			TransactionID: snowflake.ID(12345),
		},
	}
	router, _ := newCreditTestRouter(svc)

	body := bytes.NewBufferString(`{"amount":1,"task_type":"kai_chat","description":"chat turn"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/credits/deduct", body)
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}

	var payload deductCreditsResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !payload.Success {
		t.Fatal("expected success true")
	}
	if payload.NewBalance != 99 {
		t.Fatalf("expected new_balance 99, got %d", payload.NewBalance)
	}
	if payload.TransactionID != snowflake.ID(12345).String() {
		t.Fatalf("unexpected transaction_id %q", payload.TransactionID)
	}
	if payload.AmountDeducted != 1 {
		t.Fatalf("expected amount_deducted 1, got %d", payload.AmountDeducted)
	}
	if svc.lastDeduct.OrgID != 42 {
		t.Fatalf("expected org 42, got %d", svc.lastDeduct.OrgID)
	}
}

func TestDeductCreditsDefaultsAmountFromTaskType(t *testing.T) {
	svc := &fakeCreditService{
		deductResult: creditdomain.MutationResult{Success: true, NewBalance: 98},
	}
	router, _ := newCreditTestRouter(svc)

	body := bytes.NewBufferString(`{"task_type":"ai_email"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/credits/deduct", body)
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	if svc.lastDeduct.Amount != creditdomain.CostEmail {
		t.Fatalf("expected fixed email cost %d, got %d", creditdomain.CostEmail, svc.lastDeduct.Amount)
	}
}

func TestDeductCreditsUnknownTaskTypeReturns400(t *testing.T) {
	svc := &fakeCreditService{}
	router, _ := newCreditTestRouter(svc)

	body := bytes.NewBufferString(`{"amount":1,"task_type":"fax"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/credits/deduct", body)
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
	if svc.deductCalls != 0 {
		t.Fatal("expected the ledger not to be called for an invalid task type")
	}
}

func TestGetCreditBalancePayload(t *testing.T) {
	renewal := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	svc := &fakeCreditService{
		balance: creditdomain.BalanceSummary{
			CreditsRemaining: 49,
			CreditsUsed:      51,
			PlanAllowance:    100,
			RenewalDate:      &renewal,
		},
	}
	router, _ := newCreditTestRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/api/credits/balance", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}

	var payload creditBalanceResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.CreditsRemaining != 49 {
		t.Fatalf("expected 49 credits remaining, got %d", payload.CreditsRemaining)
	}
	if payload.WarningLevel != creditdomain.WarningLevelWarning {
		t.Fatalf("expected warning level for 49 credits, got %q", payload.WarningLevel)
	}
	if payload.Thresholds.Warning != 50 || payload.Thresholds.Critical != 10 || payload.Thresholds.Blocking != 0 {
		t.Fatalf("unexpected thresholds %+v", payload.Thresholds)
	}
	if payload.RenewalDate == nil || !payload.RenewalDate.Equal(renewal) {
		t.Fatalf("unexpected renewal date %v", payload.RenewalDate)
	}
}

func TestCheckCreditsDerivesCostFromOperationType(t *testing.T) {
	svc := &fakeCreditService{
		checkResult: creditdomain.CheckResult{
			Sufficient:     true,
			CurrentBalance: 80,
		},
	}
	router, _ := newCreditTestRouter(svc)

	body := bytes.NewBufferString(`{"operation_type":"ai_phone_call"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/credits/check", body)
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}

	var payload checkCreditsResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.RequiredCredits != creditdomain.CostCallPerMinute {
		t.Fatalf("expected required_credits %d, got %d", creditdomain.CostCallPerMinute, payload.RequiredCredits)
	}
	if payload.RemainingAfter != 80-creditdomain.CostCallPerMinute {
		t.Fatalf("unexpected remaining_after %d", payload.RemainingAfter)
	}
	if payload.OperationType != "ai_phone_call" {
		t.Fatalf("unexpected operation_type %q", payload.OperationType)
	}
	if svc.lastCheckReq != creditdomain.CostCallPerMinute {
		t.Fatalf("expected check called with %d, got %d", creditdomain.CostCallPerMinute, svc.lastCheckReq)
	}
}

func TestGetCreditCostsPayload(t *testing.T) {
	router, _ := newCreditTestRouter(&fakeCreditService{})

	req := httptest.NewRequest(http.MethodGet, "/api/credits/costs", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}

	var payload struct {
		Costs      map[string]int64 `json:"costs"`
		Thresholds creditThresholds `json:"thresholds"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	expected := map[string]int64{
		"kai_chat":      1,
		"ai_sms":        1,
		"ai_email":      2,
		"ai_phone_call": 10,
	}
	for taskType, cost := range expected {
		if payload.Costs[taskType] != cost {
			t.Fatalf("expected %s cost %d, got %d", taskType, cost, payload.Costs[taskType])
		}
	}
	if payload.Thresholds.Warning != 50 {
		t.Fatalf("unexpected thresholds %+v", payload.Thresholds)
	}
}
