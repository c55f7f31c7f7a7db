package handler

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/coinledger/internal/apperr"
	"github.com/mmeshcher/coinledger/internal/commission"
	"github.com/mmeshcher/coinledger/internal/matcher"
	"github.com/mmeshcher/coinledger/internal/middleware"
	"github.com/mmeshcher/coinledger/internal/model"
	"github.com/mmeshcher/coinledger/internal/repayment"
	"github.com/mmeshcher/coinledger/internal/risk"
	"github.com/mmeshcher/coinledger/internal/service"
)

const (
	testAdminToken = "admin-secret"
	testOrigin     = "https://app.coinledger.example"
)

var testNow = time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

type stubService struct {
	registerUser *model.User
	registerErr  error

	created      *service.TicketCreated
	createErr    error
	createCalled bool
	createdFor   string

	ticketsResp []model.Ticket
	ticketsErr  error

	cancelResp *model.Ticket
	cancelErr  error

	matchResp matcher.Result
	matchErr  error

	confirmResp *service.ConfirmResult
	confirmErr  error

	walletResp *model.Wallet
	walletErr  error

	creditResp *model.Wallet
	creditErr  error
	creditFor  string

	commissionResp *model.CommissionRecord
	commissionErr  error

	payoutResp    commission.PayoutResult
	payoutErr     error
	payoutFor     string
	payoutCalled  bool
	boardResp     []commission.LeaderboardEntry
	commissions   []model.CommissionRecord
	running       bool
	schedulerErr  error
	schedulerFlip bool
}

func (s *stubService) RegisterUser(ctx context.Context, referrerID, tier string) (*model.User, error) {
	return s.registerUser, s.registerErr
}

func (s *stubService) CreateTicket(ctx context.Context, userID string, req service.CreateTicketRequest) (*service.TicketCreated, error) {
	s.createCalled = true
	s.createdFor = userID
	return s.created, s.createErr
}

func (s *stubService) ListTickets(ctx context.Context, userID string) ([]model.Ticket, error) {
	return s.ticketsResp, s.ticketsErr
}

func (s *stubService) CancelTicket(ctx context.Context, userID, ticketID string) (*model.Ticket, error) {
	return s.cancelResp, s.cancelErr
}

func (s *stubService) MatchTicket(ctx context.Context, userID, ticketID string) (matcher.Result, error) {
	return s.matchResp, s.matchErr
}

func (s *stubService) ConfirmTicket(ctx context.Context, userID, ticketID string) (*service.ConfirmResult, error) {
	return s.confirmResp, s.confirmErr
}

func (s *stubService) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	return s.walletResp, s.walletErr
}

func (s *stubService) CreditWallet(ctx context.Context, userID string, amount int64) (*model.Wallet, error) {
	s.creditFor = userID
	return s.creditResp, s.creditErr
}

func (s *stubService) CalculateRepayment(principal, ratePercent decimal.Decimal, durationDays int) (repayment.Plan, error) {
	return repayment.Calculate(principal, ratePercent, durationDays, testNow)
}

func (s *stubService) AssessRisk(tx risk.Transaction, history []risk.Transaction) (risk.Assessment, error) {
	return risk.Assess(tx, history)
}

func (s *stubService) CalculateCommission(ctx context.Context, req commission.Request) (*model.CommissionRecord, error) {
	return s.commissionResp, s.commissionErr
}

func (s *stubService) TriggerPayout(ctx context.Context, referrerID string) (commission.PayoutResult, error) {
	s.payoutCalled = true
	s.payoutFor = referrerID
	return s.payoutResp, s.payoutErr
}

func (s *stubService) Leaderboard(ctx context.Context) ([]commission.LeaderboardEntry, error) {
	return s.boardResp, nil
}

func (s *stubService) ListCommissions(ctx context.Context, referrerID string) ([]model.CommissionRecord, error) {
	return s.commissions, nil
}

func (s *stubService) StartScheduler(ctx context.Context) (bool, error) {
	if s.schedulerErr != nil {
		return false, s.schedulerErr
	}
	changed := !s.running
	s.running = true
	return changed, nil
}

func (s *stubService) StopScheduler() (bool, error) {
	if s.schedulerErr != nil {
		return false, s.schedulerErr
	}
	changed := s.running
	s.running = false
	return changed, nil
}

func (s *stubService) SchedulerRunning() bool {
	return s.running
}

func newTestHandler(t *testing.T, svc Service) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewAuthMiddleware("test-secret")

	return NewHandler(svc, logger, auth, testAdminToken, []string{testOrigin})
}

func authCookie(t *testing.T, h *Handler, userID string) *http.Cookie {
	t.Helper()

	rec := httptest.NewRecorder()
	h.authMiddleware.SetAuthCookie(rec, userID)
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("expected one auth cookie, got %d", len(cookies))
	}
	return cookies[0]
}

func do(t *testing.T, h *Handler, req *http.Request) *http.Response {
	t.Helper()

	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, req)
	return rec.Result()
}

func jsonBody(t *testing.T, v any) io.Reader {
	t.Helper()

	body, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return bytes.NewReader(body)
}

func sampleTicket(id string) model.Ticket {
	return model.Ticket{
		ID:             id,
		UserID:         "u-1",
		Type:           model.TicketTypeBorrow,
		Amount:         50000,
		Interest:       decimal.RequireFromString("12.5"),
		Status:         model.TicketStatusOpen,
		MembershipTier: "Basic",
		CreatedAt:      testNow,
		UpdatedAt:      testNow,
	}
}

func TestRegister_SetsCookie(t *testing.T) {
	svc := &stubService{
		registerUser: &model.User{ID: "u-1", ReferrerID: "u-0", MembershipTier: "Gold", CreatedAt: testNow},
	}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodPost, "/api/users", jsonBody(t, registerRequest{ReferrerID: "u-0", MembershipTier: "Gold"}))
	res := do(t, h, req)
	defer res.Body.Close()

	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	if len(res.Cookies()) == 0 {
		t.Fatalf("expected auth cookie to be set")
	}

	var got userResponse
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "u-1" || got.MembershipTier != "Gold" {
		t.Fatalf("unexpected user: %+v", got)
	}
}

func TestRegister_EmptyBodyUsesDefaults(t *testing.T) {
	svc := &stubService{registerUser: &model.User{ID: "u-2", MembershipTier: "Basic", CreatedAt: testNow}}
	h := newTestHandler(t, svc)

	res := do(t, h, httptest.NewRequest(http.MethodPost, "/api/users", nil))
	defer res.Body.Close()

	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
}

func TestRegister_UnknownTier(t *testing.T) {
	svc := &stubService{registerErr: apperr.Validationf("unknown membership tier %q", "Diamond")}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodPost, "/api/users", jsonBody(t, registerRequest{MembershipTier: "Diamond"}))
	res := do(t, h, req)
	defer res.Body.Close()

	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestCreateTicket_RequiresAuth(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	req := httptest.NewRequest(http.MethodPost, "/api/tickets", jsonBody(t, createTicketRequest{Type: "Borrow", Amount: 100}))
	res := do(t, h, req)
	defer res.Body.Close()

	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}
}

func TestCreateTicket_Created(t *testing.T) {
	svc := &stubService{
		created: &service.TicketCreated{
			Ticket: sampleTicket("t-1"),
			Risk:   risk.Assessment{TransactionID: "t-1", Level: risk.LevelLow, Factors: []string{}},
		},
	}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodPost, "/api/tickets", jsonBody(t, createTicketRequest{
		Type:     "Borrow",
		Amount:   50000,
		Interest: decimal.RequireFromString("12.5"),
	}))
	req.AddCookie(authCookie(t, h, "u-1"))

	res := do(t, h, req)
	defer res.Body.Close()

	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	if svc.createdFor != "u-1" {
		t.Fatalf("ticket created for %q, want u-1", svc.createdFor)
	}

	var got createTicketResponse
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Ticket.ID != "t-1" || got.Ticket.Status != "Open" || got.Risk.Level != risk.LevelLow {
		t.Fatalf("unexpected response: %+v", got)
	}
}

func TestCreateTicket_GzippedBody(t *testing.T) {
	svc := &stubService{
		created: &service.TicketCreated{
			Ticket: sampleTicket("t-1"),
			Risk:   risk.Assessment{TransactionID: "t-1", Level: risk.LevelLow, Factors: []string{}},
		},
	}
	h := newTestHandler(t, svc)

	raw, err := json.Marshal(createTicketRequest{Type: "Borrow", Amount: 50000, Interest: decimal.RequireFromString("12.5")})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		t.Fatalf("write gzip: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/tickets", &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	req.Header.Set("Accept-Encoding", "gzip")
	req.AddCookie(authCookie(t, h, "u-1"))

	res := do(t, h, req)
	defer res.Body.Close()

	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	if ce := res.Header.Get("Content-Encoding"); ce != "gzip" {
		t.Fatalf("content-encoding = %q, want gzip", ce)
	}

	gr, err := gzip.NewReader(res.Body)
	if err != nil {
		t.Fatalf("new gzip reader: %v", err)
	}
	defer gr.Close()

	var got createTicketResponse
	if err := json.NewDecoder(gr).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Ticket.ID != "t-1" || got.Ticket.Amount != 50000 {
		t.Fatalf("unexpected response: %+v", got)
	}
}

func TestCreateTicket_InvalidBody(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodPost, "/api/tickets", bytes.NewBufferString(`{"type":"Lend","amount":-1}`))
	req.AddCookie(authCookie(t, h, "u-1"))

	res := do(t, h, req)
	defer res.Body.Close()

	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
	if svc.createCalled {
		t.Fatalf("service must not be called for an invalid request")
	}

	var got errorResponse
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := got.Details["type"]; !ok {
		t.Fatalf("expected details for type, got %+v", got.Details)
	}
	if _, ok := got.Details["amount"]; !ok {
		t.Fatalf("expected details for amount, got %+v", got.Details)
	}
}

func TestCreateTicket_MalformedJSON(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	req := httptest.NewRequest(http.MethodPost, "/api/tickets", bytes.NewBufferString(`{"type":`))
	req.AddCookie(authCookie(t, h, "u-1"))

	res := do(t, h, req)
	defer res.Body.Close()

	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestListTickets_NoContent(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	req := httptest.NewRequest(http.MethodGet, "/api/tickets", nil)
	req.AddCookie(authCookie(t, h, "u-1"))

	res := do(t, h, req)
	defer res.Body.Close()

	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNoContent)
	}
}

func TestListTickets_JSONResponse(t *testing.T) {
	h := newTestHandler(t, &stubService{ticketsResp: []model.Ticket{sampleTicket("t-1"), sampleTicket("t-2")}})

	req := httptest.NewRequest(http.MethodGet, "/api/tickets", nil)
	req.AddCookie(authCookie(t, h, "u-1"))

	res := do(t, h, req)
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type = %q, want application/json", ct)
	}

	var got []ticketResponse
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if !got[0].Interest.Equal(decimal.RequireFromString("12.5")) {
		t.Fatalf("interest = %s, want 12.5", got[0].Interest)
	}
}

func TestMatchTicket_Matched(t *testing.T) {
	own := sampleTicket("t-1")
	own.Status = model.TicketStatusMatched
	own.MatchedTicketID = "t-2"
	cp := sampleTicket("t-2")
	cp.UserID = "u-2"
	cp.Type = model.TicketTypeInvest
	cp.Status = model.TicketStatusMatched
	cp.MatchedTicketID = "t-1"

	h := newTestHandler(t, &stubService{matchResp: matcher.Result{Ticket: own, Counterparty: &cp, Matched: true}})

	req := httptest.NewRequest(http.MethodPost, "/api/tickets/t-1/match", nil)
	req.AddCookie(authCookie(t, h, "u-1"))

	res := do(t, h, req)
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var got matchResponse
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.Matched || got.Counterparty == nil || got.Counterparty.ID != "t-2" {
		t.Fatalf("unexpected response: %+v", got)
	}
}

func TestTicketErrorsMapToStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "forbidden", err: apperr.ErrForbidden, want: http.StatusForbidden},
		{name: "not found", err: fmt.Errorf("ticket t-1: %w", apperr.ErrNotFound), want: http.StatusNotFound},
		{name: "invalid state", err: apperr.ErrInvalidState, want: http.StatusConflict},
		{name: "conflict", err: apperr.ErrConflict, want: http.StatusConflict},
		{name: "insufficient funds", err: apperr.ErrInsufficientFunds, want: http.StatusPaymentRequired},
		{name: "store unavailable", err: apperr.ErrStoreUnavailable, want: http.StatusServiceUnavailable},
		{name: "unexpected", err: context.Canceled, want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &stubService{confirmErr: tt.err})

			req := httptest.NewRequest(http.MethodPost, "/api/tickets/t-1/confirm", nil)
			req.AddCookie(authCookie(t, h, "u-1"))

			res := do(t, h, req)
			defer res.Body.Close()

			if res.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", res.StatusCode, tt.want)
			}
			if tt.want == http.StatusServiceUnavailable && res.Header.Get("Retry-After") == "" {
				t.Fatalf("expected Retry-After header")
			}
		})
	}
}

func TestConfirmTicket_Completed(t *testing.T) {
	done := sampleTicket("t-1")
	done.Status = model.TicketStatusCompleted
	done.Confirmed = true

	h := newTestHandler(t, &stubService{confirmResp: &service.ConfirmResult{
		Ticket:    done,
		Completed: true,
		Commissions: []model.CommissionRecord{{
			ID:              "c-1",
			ReferrerID:      "u-0",
			PayerID:         "u-1",
			TransactionID:   "t-1",
			TransactionType: "Borrow",
			Amount:          decimal.RequireFromString("5"),
			TierRateApplied: decimal.RequireFromString("0.01"),
			Status:          model.CommissionStatusPending,
			CreatedAt:       testNow,
		}},
	}})

	req := httptest.NewRequest(http.MethodPost, "/api/tickets/t-1/confirm", nil)
	req.AddCookie(authCookie(t, h, "u-1"))

	res := do(t, h, req)
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var got confirmResponse
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.Completed || len(got.Commissions) != 1 || got.Commissions[0].Status != "Pending" {
		t.Fatalf("unexpected response: %+v", got)
	}
}

func TestCancelTicket(t *testing.T) {
	cancelled := sampleTicket("t-1")
	cancelled.Status = model.TicketStatusCancelled
	h := newTestHandler(t, &stubService{cancelResp: &cancelled})

	req := httptest.NewRequest(http.MethodPost, "/api/tickets/t-1/cancel", nil)
	req.AddCookie(authCookie(t, h, "u-1"))

	res := do(t, h, req)
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
}

func TestGetWallet(t *testing.T) {
	h := newTestHandler(t, &stubService{walletResp: &model.Wallet{UserID: "u-1", Balance: 1000, LockedBalance: 300}})

	req := httptest.NewRequest(http.MethodGet, "/api/wallet", nil)
	req.AddCookie(authCookie(t, h, "u-1"))

	res := do(t, h, req)
	defer res.Body.Close()

	var got walletResponse
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Available != 700 {
		t.Fatalf("available = %d, want 700", got.Available)
	}
}

func TestCalculateRepayment(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	req := httptest.NewRequest(http.MethodPost, "/api/loans/repayment",
		bytes.NewBufferString(`{"principal":"1000","interestRate":"10","durationDays":30}`))
	res := do(t, h, req)
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var got repaymentResponse
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.TotalRepayment.Equal(decimal.RequireFromString("1100")) {
		t.Fatalf("totalRepayment = %s, want 1100", got.TotalRepayment)
	}
	if !got.DueDate.Equal(testNow.Add(30 * 24 * time.Hour)) {
		t.Fatalf("dueDate = %s", got.DueDate)
	}
	if got.DailyAccrual.IsZero() {
		t.Fatalf("expected non-zero daily accrual")
	}
}

func TestCalculateRepayment_Invalid(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	req := httptest.NewRequest(http.MethodPost, "/api/loans/repayment",
		bytes.NewBufferString(`{"principal":"0","interestRate":"10","durationDays":0}`))
	res := do(t, h, req)
	defer res.Body.Close()

	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestAssessRisk(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	body := riskRequest{
		Transaction: risk.Transaction{
			ID:        "tx-1",
			UserID:    "u-1",
			Amount:    decimal.RequireFromString("15000"),
			Timestamp: time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC),
		},
	}
	res := do(t, h, httptest.NewRequest(http.MethodPost, "/api/risk/assess", jsonBody(t, body)))
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var got risk.Assessment
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.TransactionID != "tx-1" || got.Score == 0 {
		t.Fatalf("unexpected assessment: %+v", got)
	}
}

func TestAdmin_RequiresToken(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc)

	res := do(t, h, httptest.NewRequest(http.MethodPost, "/api/admin/payouts", nil))
	defer res.Body.Close()

	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusForbidden)
	}
	if svc.payoutCalled {
		t.Fatalf("payout must not run without admin token")
	}
}

func TestAdmin_PayoutWithoutBody(t *testing.T) {
	svc := &stubService{payoutResp: commission.PayoutResult{PaidCount: 2, TotalAmount: decimal.RequireFromString("7")}}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodPost, "/api/admin/payouts", nil)
	req.Header.Set(middleware.AdminTokenHeader, testAdminToken)

	res := do(t, h, req)
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if svc.payoutFor != "" {
		t.Fatalf("payout for %q, want all referrers", svc.payoutFor)
	}

	var got commission.PayoutResult
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.PaidCount != 2 || !got.TotalAmount.Equal(decimal.RequireFromString("7")) {
		t.Fatalf("unexpected payout: %+v", got)
	}
}

func TestAdmin_PayoutPartialFailure(t *testing.T) {
	failure := fmt.Errorf("payout to basic: %w", apperr.ErrStoreUnavailable)
	svc := &stubService{
		payoutResp: commission.PayoutResult{
			PaidCount:   2,
			TotalAmount: decimal.RequireFromString("60"),
			Failures:    []commission.PayoutFailure{{ReferrerID: "basic", Err: apperr.ErrStoreUnavailable}},
		},
		payoutErr: errors.Join(failure),
	}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodPost, "/api/admin/payouts", nil)
	req.Header.Set(middleware.AdminTokenHeader, testAdminToken)

	res := do(t, h, req)
	defer res.Body.Close()

	if res.StatusCode != http.StatusMultiStatus {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusMultiStatus)
	}

	var got payoutResponse
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.PaidCount != 2 || !got.TotalAmount.Equal(decimal.RequireFromString("60")) {
		t.Fatalf("paid part lost: %+v", got)
	}
	if len(got.Failures) != 1 || got.Failures[0].ReferrerID != "basic" {
		t.Fatalf("unexpected failures: %+v", got.Failures)
	}
	if got.Failures[0].Error != http.StatusText(http.StatusServiceUnavailable) {
		t.Fatalf("failure reason = %q, internal error must not leak", got.Failures[0].Error)
	}
}

func TestAdmin_PayoutListFailure(t *testing.T) {
	svc := &stubService{payoutErr: fmt.Errorf("list pending commissions: %w", apperr.ErrStoreUnavailable)}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodPost, "/api/admin/payouts", nil)
	req.Header.Set(middleware.AdminTokenHeader, testAdminToken)

	res := do(t, h, req)
	defer res.Body.Close()

	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusServiceUnavailable)
	}
}

func TestAdmin_CommissionWithoutReferrer(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	req := httptest.NewRequest(http.MethodPost, "/api/admin/commissions", jsonBody(t, map[string]any{
		"transactionId":   "tx-1",
		"amount":          "100",
		"transactionType": "Borrow",
		"payerId":         "u-1",
	}))
	req.Header.Set(middleware.AdminTokenHeader, testAdminToken)

	res := do(t, h, req)
	defer res.Body.Close()

	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNoContent)
	}
}

func TestAdmin_CreditWallet(t *testing.T) {
	svc := &stubService{creditResp: &model.Wallet{UserID: "u-7", Balance: 500}}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodPost, "/api/admin/wallets/u-7/credit", bytes.NewBufferString(`{"amount":500}`))
	req.Header.Set(middleware.AdminTokenHeader, testAdminToken)

	res := do(t, h, req)
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if svc.creditFor != "u-7" {
		t.Fatalf("credited %q, want u-7", svc.creditFor)
	}
}

func TestAdmin_SchedulerToggle(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc)

	call := func(method, path string) schedulerResponse {
		t.Helper()

		req := httptest.NewRequest(method, path, nil)
		req.Header.Set(middleware.AdminTokenHeader, testAdminToken)
		res := do(t, h, req)
		defer res.Body.Close()

		if res.StatusCode != http.StatusOK {
			t.Fatalf("%s %s: status = %d", method, path, res.StatusCode)
		}
		var got schedulerResponse
		if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return got
	}

	if got := call(http.MethodPost, "/api/admin/scheduler/start"); !got.Running || !got.Changed {
		t.Fatalf("first start: %+v", got)
	}
	if got := call(http.MethodPost, "/api/admin/scheduler/start"); !got.Running || got.Changed {
		t.Fatalf("second start: %+v", got)
	}
	if got := call(http.MethodGet, "/api/admin/scheduler"); !got.Running {
		t.Fatalf("status: %+v", got)
	}
	if got := call(http.MethodPost, "/api/admin/scheduler/stop"); got.Running || !got.Changed {
		t.Fatalf("stop: %+v", got)
	}
}

func TestRouter_FallbackRoutes(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{method: http.MethodGet, path: "/api/unknown", want: http.StatusNotFound},
		{method: http.MethodDelete, path: "/api/users", want: http.StatusMethodNotAllowed},
		{method: http.MethodGet, path: "/health", want: http.StatusOK},
		{method: http.MethodGet, path: "/metrics", want: http.StatusOK},
	}

	for _, tt := range tests {
		res := do(t, h, httptest.NewRequest(tt.method, tt.path, nil))
		res.Body.Close()
		if res.StatusCode != tt.want {
			t.Fatalf("%s %s: status = %d, want %d", tt.method, tt.path, res.StatusCode, tt.want)
		}
	}
}

func TestRouter_CORS(t *testing.T) {
	tests := []struct {
		name    string
		origins []string
		origin  string
		want    string
	}{
		{name: "configured origin", origins: []string{testOrigin}, origin: testOrigin, want: testOrigin},
		{name: "foreign origin", origins: []string{testOrigin}, origin: "https://evil.example", want: ""},
		{name: "no origins configured", origins: nil, origin: testOrigin, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &stubService{})
			h.allowedOrigins = tt.origins

			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			req.Header.Set("Origin", tt.origin)

			res := do(t, h, req)
			res.Body.Close()

			if res.StatusCode != http.StatusOK {
				t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
			}
			if got := res.Header.Get("Access-Control-Allow-Origin"); got != tt.want {
				t.Fatalf("Access-Control-Allow-Origin = %q, want %q", got, tt.want)
			}
			if tt.want == "" && res.Header.Get("Access-Control-Allow-Credentials") != "" {
				t.Fatalf("credentials allowed for origin %q", tt.origin)
			}
		})
	}
}
