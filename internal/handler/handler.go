// Package handler содержит HTTP-обработчики API сервиса coinledger.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
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
	"github.com/mmeshcher/coinledger/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, referrerID, tier string) (*model.User, error)
	CreateTicket(ctx context.Context, userID string, req service.CreateTicketRequest) (*service.TicketCreated, error)
	ListTickets(ctx context.Context, userID string) ([]model.Ticket, error)
	CancelTicket(ctx context.Context, userID, ticketID string) (*model.Ticket, error)
	MatchTicket(ctx context.Context, userID, ticketID string) (matcher.Result, error)
	ConfirmTicket(ctx context.Context, userID, ticketID string) (*service.ConfirmResult, error)
	GetWallet(ctx context.Context, userID string) (*model.Wallet, error)
	CreditWallet(ctx context.Context, userID string, amount int64) (*model.Wallet, error)
	CalculateRepayment(principal, ratePercent decimal.Decimal, durationDays int) (repayment.Plan, error)
	AssessRisk(tx risk.Transaction, history []risk.Transaction) (risk.Assessment, error)
	CalculateCommission(ctx context.Context, req commission.Request) (*model.CommissionRecord, error)
	TriggerPayout(ctx context.Context, referrerID string) (commission.PayoutResult, error)
	Leaderboard(ctx context.Context) ([]commission.LeaderboardEntry, error)
	ListCommissions(ctx context.Context, referrerID string) ([]model.CommissionRecord, error)
	StartScheduler(ctx context.Context) (bool, error)
	StopScheduler() (bool, error)
	SchedulerRunning() bool
}

// Handler реализует HTTP-обработчики API сервиса coinledger.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	validator      *validation.Validator
	adminToken     string
	allowedOrigins []string
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
// С пустым adminToken административные маршруты отключены, без allowedOrigins
// кросс-доменные запросы не разрешаются.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, adminToken string, allowedOrigins []string) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		validator:      validation.New(),
		adminToken:     adminToken,
		allowedOrigins: allowedOrigins,
	}
}

type errorResponse struct {
	Error   string            `json:"error"`
	Details map[string]string `json:"details,omitempty"`
}

// statusFor сопоставляет класс ошибки с HTTP-статусом.
func statusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, apperr.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, apperr.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, apperr.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrConflict), errors.Is(err, apperr.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, apperr.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, op string, err error) {
	code := statusFor(err)

	resp := errorResponse{Error: http.StatusText(code)}
	if code < http.StatusInternalServerError {
		resp.Error = err.Error()
	} else {
		h.logger.Error(op+" error", zap.Error(err))
	}

	var verr *validation.Error
	if errors.As(err, &verr) {
		resp.Details = verr.Fields
	}

	if code == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// decode читает JSON-тело запроса в dst и проверяет его теги validate.
// Пустое тело допустимо, если allowEmpty.
func (h *Handler) decode(r *http.Request, dst any, allowEmpty bool) error {
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) && allowEmpty {
			return nil
		}
		return apperr.Validationf("malformed JSON body: %v", err)
	}
	return h.validator.Struct(dst)
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return "", false
	}
	return userID, true
}

func formatTime(t time.Time) string {
	return t.Format(time.RFC3339)
}

type registerRequest struct {
	ReferrerID     string `json:"referrerId" validate:"omitempty,max=64"`
	MembershipTier string `json:"membershipTier" validate:"omitempty,max=32"`
}

type userResponse struct {
	ID             string `json:"id"`
	ReferrerID     string `json:"referrerId,omitempty"`
	MembershipTier string `json:"membershipTier"`
	CreatedAt      string `json:"createdAt"`
}

// Register регистрирует пользователя и устанавливает cookie авторизации.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := h.decode(r, &req, true); err != nil {
		h.writeError(w, "register", err)
		return
	}

	u, err := h.service.RegisterUser(r.Context(), req.ReferrerID, req.MembershipTier)
	if err != nil {
		h.writeError(w, "register", err)
		return
	}

	h.authMiddleware.SetAuthCookie(w, u.ID)
	writeJSON(w, http.StatusCreated, userResponse{
		ID:             u.ID,
		ReferrerID:     u.ReferrerID,
		MembershipTier: u.MembershipTier,
		CreatedAt:      formatTime(u.CreatedAt),
	})
}

type ticketResponse struct {
	ID              string          `json:"id"`
	UserID          string          `json:"userId"`
	Type            string          `json:"type"`
	Amount          int64           `json:"amount"`
	Interest        decimal.Decimal `json:"interest"`
	Status          string          `json:"status"`
	MembershipTier  string          `json:"membershipTier"`
	MatchedTicketID string          `json:"matchedTicketId,omitempty"`
	Confirmed       bool            `json:"confirmed"`
	CreatedAt       string          `json:"createdAt"`
	UpdatedAt       string          `json:"updatedAt"`
}

func toTicketResponse(t model.Ticket) ticketResponse {
	return ticketResponse{
		ID:              t.ID,
		UserID:          t.UserID,
		Type:            string(t.Type),
		Amount:          t.Amount,
		Interest:        t.Interest,
		Status:          string(t.Status),
		MembershipTier:  t.MembershipTier,
		MatchedTicketID: t.MatchedTicketID,
		Confirmed:       t.Confirmed,
		CreatedAt:       formatTime(t.CreatedAt),
		UpdatedAt:       formatTime(t.UpdatedAt),
	}
}

type createTicketRequest struct {
	Type     string          `json:"type" validate:"required,oneof=Borrow Invest"`
	Amount   int64           `json:"amount" validate:"gt=0"`
	Interest decimal.Decimal `json:"interest" validate:"gte=0"`
}

type createTicketResponse struct {
	Ticket ticketResponse  `json:"ticket"`
	Risk   risk.Assessment `json:"risk"`
}

// CreateTicket создаёт заявку текущего пользователя.
func (h *Handler) CreateTicket(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req createTicketRequest
	if err := h.decode(r, &req, false); err != nil {
		h.writeError(w, "create ticket", err)
		return
	}

	created, err := h.service.CreateTicket(r.Context(), userID, service.CreateTicketRequest{
		Type:     model.TicketType(req.Type),
		Amount:   req.Amount,
		Interest: req.Interest,
	})
	if err != nil {
		h.writeError(w, "create ticket", err)
		return
	}

	writeJSON(w, http.StatusCreated, createTicketResponse{
		Ticket: toTicketResponse(created.Ticket),
		Risk:   created.Risk,
	})
}

// ListTickets возвращает заявки текущего пользователя.
func (h *Handler) ListTickets(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	tickets, err := h.service.ListTickets(r.Context(), userID)
	if err != nil {
		h.writeError(w, "list tickets", err)
		return
	}

	if len(tickets) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]ticketResponse, 0, len(tickets))
	for _, t := range tickets {
		resp = append(resp, toTicketResponse(t))
	}
	writeJSON(w, http.StatusOK, resp)
}

type matchResponse struct {
	Matched      bool            `json:"matched"`
	Ticket       ticketResponse  `json:"ticket"`
	Counterparty *ticketResponse `json:"counterparty,omitempty"`
}

// MatchTicket подбирает встречную заявку для заявки текущего пользователя.
func (h *Handler) MatchTicket(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	res, err := h.service.MatchTicket(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, "match ticket", err)
		return
	}

	resp := matchResponse{Matched: res.Matched, Ticket: toTicketResponse(res.Ticket)}
	if res.Counterparty != nil {
		cp := toTicketResponse(*res.Counterparty)
		resp.Counterparty = &cp
	}
	writeJSON(w, http.StatusOK, resp)
}

// CancelTicket отменяет открытую заявку текущего пользователя.
func (h *Handler) CancelTicket(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	t, err := h.service.CancelTicket(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, "cancel ticket", err)
		return
	}
	writeJSON(w, http.StatusOK, toTicketResponse(*t))
}

type commissionResponse struct {
	ID              string          `json:"id"`
	ReferrerID      string          `json:"referrerId"`
	PayerID         string          `json:"payerId"`
	TransactionID   string          `json:"transactionId"`
	TransactionType string          `json:"transactionType"`
	Amount          decimal.Decimal `json:"amount"`
	TierRateApplied decimal.Decimal `json:"tierRateApplied"`
	Status          string          `json:"status"`
	CreatedAt       string          `json:"createdAt"`
	PaidAt          string          `json:"paidAt,omitempty"`
}

func toCommissionResponse(c model.CommissionRecord) commissionResponse {
	resp := commissionResponse{
		ID:              c.ID,
		ReferrerID:      c.ReferrerID,
		PayerID:         c.PayerID,
		TransactionID:   c.TransactionID,
		TransactionType: c.TransactionType,
		Amount:          c.Amount,
		TierRateApplied: c.TierRateApplied,
		Status:          string(c.Status),
		CreatedAt:       formatTime(c.CreatedAt),
	}
	if c.PaidAt != nil {
		resp.PaidAt = formatTime(*c.PaidAt)
	}
	return resp
}

type confirmResponse struct {
	Ticket      ticketResponse       `json:"ticket"`
	Completed   bool                 `json:"completed"`
	Commissions []commissionResponse `json:"commissions,omitempty"`
}

// ConfirmTicket подтверждает сделку со стороны текущего пользователя.
func (h *Handler) ConfirmTicket(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	res, err := h.service.ConfirmTicket(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, "confirm ticket", err)
		return
	}

	resp := confirmResponse{Ticket: toTicketResponse(res.Ticket), Completed: res.Completed}
	for _, c := range res.Commissions {
		resp.Commissions = append(resp.Commissions, toCommissionResponse(c))
	}
	writeJSON(w, http.StatusOK, resp)
}

type walletResponse struct {
	UserID        string `json:"userId"`
	Balance       int64  `json:"balance"`
	LockedBalance int64  `json:"lockedBalance"`
	Available     int64  `json:"available"`
}

func toWalletResponse(wl *model.Wallet) walletResponse {
	return walletResponse{
		UserID:        wl.UserID,
		Balance:       wl.Balance,
		LockedBalance: wl.LockedBalance,
		Available:     wl.Available(),
	}
}

// GetWallet возвращает кошелёк текущего пользователя.
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	wl, err := h.service.GetWallet(r.Context(), userID)
	if err != nil {
		h.writeError(w, "get wallet", err)
		return
	}
	writeJSON(w, http.StatusOK, toWalletResponse(wl))
}

// ListCommissions возвращает начисления, где текущий пользователь — реферер.
func (h *Handler) ListCommissions(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	recs, err := h.service.ListCommissions(r.Context(), userID)
	if err != nil {
		h.writeError(w, "list commissions", err)
		return
	}

	if len(recs) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]commissionResponse, 0, len(recs))
	for _, c := range recs {
		resp = append(resp, toCommissionResponse(c))
	}
	writeJSON(w, http.StatusOK, resp)
}

type repaymentRequest struct {
	Principal    decimal.Decimal `json:"principal" validate:"gt=0"`
	InterestRate decimal.Decimal `json:"interestRate" validate:"gte=0"`
	DurationDays int             `json:"durationDays" validate:"gt=0"`
}

type repaymentResponse struct {
	repayment.Plan
	DailyAccrual decimal.Decimal `json:"dailyAccrual"`
}

// CalculateRepayment рассчитывает план погашения займа.
func (h *Handler) CalculateRepayment(w http.ResponseWriter, r *http.Request) {
	var req repaymentRequest
	if err := h.decode(r, &req, false); err != nil {
		h.writeError(w, "calculate repayment", err)
		return
	}

	plan, err := h.service.CalculateRepayment(req.Principal, req.InterestRate, req.DurationDays)
	if err != nil {
		h.writeError(w, "calculate repayment", err)
		return
	}
	writeJSON(w, http.StatusOK, repaymentResponse{Plan: plan, DailyAccrual: plan.DailyAccrual()})
}

type riskRequest struct {
	Transaction risk.Transaction   `json:"transaction"`
	History     []risk.Transaction `json:"history"`
}

// AssessRisk оценивает риск транзакции.
func (h *Handler) AssessRisk(w http.ResponseWriter, r *http.Request) {
	var req riskRequest
	if err := h.decode(r, &req, false); err != nil {
		h.writeError(w, "assess risk", err)
		return
	}

	a, err := h.service.AssessRisk(req.Transaction, req.History)
	if err != nil {
		h.writeError(w, "assess risk", err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type commissionRequest struct {
	TransactionID   string          `json:"transactionId" validate:"required,max=128"`
	Amount          decimal.Decimal `json:"amount" validate:"gt=0"`
	TransactionType string          `json:"transactionType" validate:"required,max=32"`
	PayerID         string          `json:"payerId" validate:"required,max=64"`
}

// CalculateCommission рассчитывает реферальное начисление по транзакции.
// Если у плательщика нет реферера, отвечает 204.
func (h *Handler) CalculateCommission(w http.ResponseWriter, r *http.Request) {
	var req commissionRequest
	if err := h.decode(r, &req, false); err != nil {
		h.writeError(w, "calculate commission", err)
		return
	}

	rec, err := h.service.CalculateCommission(r.Context(), commission.Request{
		TransactionID:   req.TransactionID,
		Amount:          req.Amount,
		TransactionType: req.TransactionType,
		PayerID:         req.PayerID,
	})
	if err != nil {
		h.writeError(w, "calculate commission", err)
		return
	}

	if rec == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, toCommissionResponse(*rec))
}

type payoutRequest struct {
	ReferrerID string `json:"referrerId" validate:"omitempty,max=64"`
}

type payoutFailure struct {
	ReferrerID string `json:"referrerId"`
	Error      string `json:"error"`
}

type payoutResponse struct {
	PaidCount   int             `json:"paidCount"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
	Failures    []payoutFailure `json:"failures,omitempty"`
}

// TriggerPayout выплачивает начисления реферера или всех рефереров.
// Если выплата прошла не всем, отвечает 207 со списком отказов.
func (h *Handler) TriggerPayout(w http.ResponseWriter, r *http.Request) {
	var req payoutRequest
	if err := h.decode(r, &req, true); err != nil {
		h.writeError(w, "trigger payout", err)
		return
	}

	res, err := h.service.TriggerPayout(r.Context(), req.ReferrerID)
	if err != nil && len(res.Failures) == 0 {
		h.writeError(w, "trigger payout", err)
		return
	}

	resp := payoutResponse{PaidCount: res.PaidCount, TotalAmount: res.TotalAmount}
	if len(res.Failures) == 0 {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	// Часть рефереров уже получила выплату, поэтому результат отдаётся вместе с отказами.
	h.logger.Warn("payout partially failed", zap.Int("failed", len(res.Failures)), zap.Error(err))
	for _, f := range res.Failures {
		msg := http.StatusText(statusFor(f.Err))
		if statusFor(f.Err) < http.StatusInternalServerError {
			msg = f.Err.Error()
		}
		resp.Failures = append(resp.Failures, payoutFailure{ReferrerID: f.ReferrerID, Error: msg})
	}
	writeJSON(w, http.StatusMultiStatus, resp)
}

// Leaderboard возвращает рейтинг рефереров.
func (h *Handler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	board, err := h.service.Leaderboard(r.Context())
	if err != nil {
		h.writeError(w, "leaderboard", err)
		return
	}
	if board == nil {
		board = []commission.LeaderboardEntry{}
	}
	writeJSON(w, http.StatusOK, board)
}

type creditRequest struct {
	Amount int64 `json:"amount" validate:"gt=0"`
}

// CreditWallet пополняет кошелёк пользователя.
func (h *Handler) CreditWallet(w http.ResponseWriter, r *http.Request) {
	var req creditRequest
	if err := h.decode(r, &req, false); err != nil {
		h.writeError(w, "credit wallet", err)
		return
	}

	wl, err := h.service.CreditWallet(r.Context(), chi.URLParam(r, "userId"), req.Amount)
	if err != nil {
		h.writeError(w, "credit wallet", err)
		return
	}
	writeJSON(w, http.StatusOK, toWalletResponse(wl))
}

type schedulerResponse struct {
	Running bool `json:"running"`
	Changed bool `json:"changed"`
}

// StartScheduler запускает выплаты по расписанию.
func (h *Handler) StartScheduler(w http.ResponseWriter, r *http.Request) {
	changed, err := h.service.StartScheduler(r.Context())
	if err != nil {
		h.writeError(w, "start scheduler", err)
		return
	}
	writeJSON(w, http.StatusOK, schedulerResponse{Running: h.service.SchedulerRunning(), Changed: changed})
}

// StopScheduler останавливает выплаты по расписанию.
func (h *Handler) StopScheduler(w http.ResponseWriter, r *http.Request) {
	changed, err := h.service.StopScheduler()
	if err != nil {
		h.writeError(w, "stop scheduler", err)
		return
	}
	writeJSON(w, http.StatusOK, schedulerResponse{Running: h.service.SchedulerRunning(), Changed: changed})
}

// SchedulerStatus сообщает, запущены ли выплаты по расписанию.
func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, schedulerResponse{Running: h.service.SchedulerRunning()})
}
