// Package commission рассчитывает реферальные начисления и выплачивает их.
package commission

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/coinledger/internal/apperr"
	"github.com/mmeshcher/coinledger/internal/metrics"
	"github.com/mmeshcher/coinledger/internal/model"
)

// Store описывает операции хранилища, нужные движку начислений.
type Store interface {
	CreateCommissionRecord(ctx context.Context, c model.CommissionRecord) error
	GetCommissionByTransaction(ctx context.Context, transactionID string) (*model.CommissionRecord, error)
	ListPendingCommissions(ctx context.Context, referrerID string) ([]model.CommissionRecord, error)
	ListCommissionsByReferrer(ctx context.Context, referrerID string) ([]model.CommissionRecord, error)
	PayoutCommissions(ctx context.Context, referrerID string, ids []string) (int, decimal.Decimal, error)
	CommissionTotals(ctx context.Context) ([]model.ReferrerTotal, error)
}

// ReferralResolver находит реферера пользователя. Отсутствие реферера — nil без ошибки.
type ReferralResolver interface {
	GetReferrerOf(ctx context.Context, userID string) (*model.User, error)
}

// Tiers возвращает параметры уровня членства по имени.
type Tiers interface {
	Get(name string) (model.MembershipTier, error)
}

// Request описывает транзакцию, с которой рассчитывается начисление.
type Request struct {
	TransactionID   string
	Amount          decimal.Decimal
	TransactionType string
	PayerID         string
}

// PayoutResult описывает итог выплаты. Failures перечисляет рефереров,
// выплата которым не прошла; уже выплаченное остаётся в PaidCount и TotalAmount.
type PayoutResult struct {
	PaidCount   int             `json:"paidCount"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
	Failures    []PayoutFailure `json:"-"`
}

// PayoutFailure описывает неудавшуюся выплату одному рефереру.
type PayoutFailure struct {
	ReferrerID string
	Err        error
}

// LeaderboardEntry описывает позицию реферера в рейтинге.
type LeaderboardEntry struct {
	Rank       int             `json:"rank"`
	ReferrerID string          `json:"referrerId"`
	Total      decimal.Decimal `json:"totalCommission"`
}

// Engine рассчитывает и выплачивает реферальные начисления.
type Engine struct {
	store    Store
	resolver ReferralResolver
	tiers    Tiers
	logger   *zap.Logger

	attempts int
	delay    time.Duration
	now      func() time.Time
	newID    func() string
}

// NewEngine создаёт движок начислений.
func NewEngine(store Store, resolver ReferralResolver, tiers Tiers, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Engine{
		store:    store,
		resolver: resolver,
		tiers:    tiers,
		logger:   logger,
		attempts: apperr.DefaultAttempts,
		delay:    50 * time.Millisecond,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Calculate рассчитывает начисление рефереру плательщика и сохраняет его в статусе Pending.
// Повторный вызов с тем же TransactionID возвращает уже созданную запись без изменений.
// Если у плательщика нет реферера, возвращает nil без ошибки.
func (e *Engine) Calculate(ctx context.Context, req Request) (*model.CommissionRecord, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	var rec *model.CommissionRecord
	err := apperr.Retry(ctx, e.attempts, e.delay, func() error {
		var err error
		rec, err = e.calculateOnce(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func validateRequest(req Request) error {
	if req.TransactionID == "" {
		return apperr.Validationf("transaction id is required")
	}
	if req.PayerID == "" {
		return apperr.Validationf("payer id is required")
	}
	if req.TransactionType == "" {
		return apperr.Validationf("transaction type is required")
	}
	if !req.Amount.IsPositive() {
		return apperr.Validationf("transaction amount must be positive, got %s", req.Amount)
	}
	return nil
}

func (e *Engine) calculateOnce(ctx context.Context, req Request) (*model.CommissionRecord, error) {
	existing, err := e.store.GetCommissionByTransaction(ctx, req.TransactionID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}

	referrer, err := e.resolver.GetReferrerOf(ctx, req.PayerID)
	if err != nil {
		return nil, fmt.Errorf("resolve referrer of %s: %w", req.PayerID, err)
	}
	if referrer == nil {
		return nil, nil
	}

	tier, err := e.tiers.Get(referrer.MembershipTier)
	if err != nil {
		return nil, err
	}

	rec := model.CommissionRecord{
		ID:              e.newID(),
		ReferrerID:      referrer.ID,
		PayerID:         req.PayerID,
		TransactionID:   req.TransactionID,
		TransactionType: req.TransactionType,
		Amount:          Amount(req.Amount, tier.CommissionRate),
		TierRateApplied: tier.CommissionRate,
		Status:          model.CommissionStatusPending,
		CreatedAt:       e.now(),
	}

	err = e.store.CreateCommissionRecord(ctx, rec)
	if errors.Is(err, apperr.ErrDuplicate) {
		// Параллельный вызов успел создать запись по этой транзакции.
		return e.store.GetCommissionByTransaction(ctx, req.TransactionID)
	}
	if err != nil {
		return nil, err
	}

	metrics.CommissionsCreated.WithLabelValues(rec.TransactionType).Inc()
	e.logger.Info("commission recorded",
		zap.String("transaction_id", rec.TransactionID),
		zap.String("referrer_id", rec.ReferrerID),
		zap.String("amount", rec.Amount.StringFixed(2)),
	)
	return &rec, nil
}

// Amount возвращает начисление amount × rate, округлённое до копеек половиной вверх.
func Amount(amount, rate decimal.Decimal) decimal.Decimal {
	return amount.Mul(rate).Round(2)
}

// Payout переводит все Pending-начисления реферера в Paid и зачисляет сумму на его кошелёк.
// При пустом referrerID обрабатываются все рефереры. Ошибка по одному рефереру
// не останавливает выплату остальным.
func (e *Engine) Payout(ctx context.Context, referrerID string) (PayoutResult, error) {
	start := time.Now()
	res := PayoutResult{TotalAmount: decimal.Zero}

	pending, err := e.store.ListPendingCommissions(ctx, referrerID)
	if err != nil {
		metrics.PayoutSweepDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return res, fmt.Errorf("list pending commissions: %w", err)
	}

	byReferrer := make(map[string][]string)
	for _, c := range pending {
		byReferrer[c.ReferrerID] = append(byReferrer[c.ReferrerID], c.ID)
	}

	referrers := make([]string, 0, len(byReferrer))
	for id := range byReferrer {
		referrers = append(referrers, id)
	}
	sort.Strings(referrers)

	var errs []error
	for _, ref := range referrers {
		var (
			paid  int
			total decimal.Decimal
		)
		err := apperr.Retry(ctx, e.attempts, e.delay, func() error {
			var err error
			paid, total, err = e.store.PayoutCommissions(ctx, ref, byReferrer[ref])
			return err
		})
		if err != nil {
			e.logger.Error("commission payout failed", zap.String("referrer_id", ref), zap.Error(err))
			errs = append(errs, fmt.Errorf("payout to %s: %w", ref, err))
			res.Failures = append(res.Failures, PayoutFailure{ReferrerID: ref, Err: err})
			continue
		}

		res.PaidCount += paid
		res.TotalAmount = res.TotalAmount.Add(total)
		if paid > 0 {
			e.logger.Info("commissions paid",
				zap.String("referrer_id", ref),
				zap.Int("count", paid),
				zap.String("amount", total.StringFixed(2)),
			)
		}
	}

	metrics.CommissionsPaid.Add(float64(res.PaidCount))

	status := "ok"
	if len(errs) > 0 {
		status = "error"
	}
	metrics.PayoutSweepDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())

	return res, errors.Join(errs...)
}

// Leaderboard ранжирует рефереров по сумме всех начислений (Pending и Paid) по убыванию.
// При равенстве выше тот, чей аккаунт создан раньше.
func (e *Engine) Leaderboard(ctx context.Context) ([]LeaderboardEntry, error) {
	totals, err := e.store.CommissionTotals(ctx)
	if err != nil {
		return nil, fmt.Errorf("commission totals: %w", err)
	}

	sort.Slice(totals, func(i, j int) bool {
		a, b := totals[i], totals[j]
		if c := a.Total.Cmp(b.Total); c != 0 {
			return c > 0
		}
		if !a.ReferrerCreatedAt.Equal(b.ReferrerCreatedAt) {
			return a.ReferrerCreatedAt.Before(b.ReferrerCreatedAt)
		}
		return a.ReferrerID < b.ReferrerID
	})

	entries := make([]LeaderboardEntry, 0, len(totals))
	for i, t := range totals {
		entries = append(entries, LeaderboardEntry{
			Rank:       i + 1,
			ReferrerID: t.ReferrerID,
			Total:      t.Total,
		})
	}
	return entries, nil
}

// ListByReferrer возвращает все начисления реферера.
func (e *Engine) ListByReferrer(ctx context.Context, referrerID string) ([]model.CommissionRecord, error) {
	if referrerID == "" {
		return nil, apperr.Validationf("referrer id is required")
	}
	return e.store.ListCommissionsByReferrer(ctx, referrerID)
}
