package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/coinledger/internal/apperr"
	"github.com/mmeshcher/coinledger/internal/model"
)

// MemoryRepository хранит данные в памяти процесса. Все операции атомарны относительно друг друга.
// Используется без DATABASE_URI и в тестах.
type MemoryRepository struct {
	mu sync.Mutex

	now func() time.Time

	users       map[string]model.User
	wallets     map[string]model.Wallet
	tickets     map[string]model.Ticket
	commissions map[string]model.CommissionRecord
	byTxID      map[string]string
}

// NewMemoryRepository создаёт пустое хранилище в памяти.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		now:         time.Now,
		users:       make(map[string]model.User),
		wallets:     make(map[string]model.Wallet),
		tickets:     make(map[string]model.Ticket),
		commissions: make(map[string]model.CommissionRecord),
		byTxID:      make(map[string]string),
	}
}

// Close ничего не делает.
func (r *MemoryRepository) Close() error {
	return nil
}

// CreateUser создаёт пользователя и пустой кошелёк.
func (r *MemoryRepository) CreateUser(ctx context.Context, u model.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.users[u.ID]; ok {
		return fmt.Errorf("%w: user %s", apperr.ErrDuplicate, u.ID)
	}
	if u.ReferrerID != "" {
		if _, ok := r.users[u.ReferrerID]; !ok {
			return fmt.Errorf("%w: referrer %s", apperr.ErrNotFound, u.ReferrerID)
		}
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = r.now()
	}

	r.users[u.ID] = u
	r.wallets[u.ID] = model.Wallet{UserID: u.ID, UpdatedAt: u.CreatedAt}
	return nil
}

// GetUser возвращает пользователя по идентификатору.
func (r *MemoryRepository) GetUser(ctx context.Context, id string) (*model.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", apperr.ErrNotFound, id)
	}
	return &u, nil
}

// GetReferrerOf возвращает реферера пользователя или nil, если его нет.
func (r *MemoryRepository) GetReferrerOf(ctx context.Context, userID string) (*model.User, error) {
	u, err := r.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u.ReferrerID == "" {
		return nil, nil
	}
	return r.GetUser(ctx, u.ReferrerID)
}

// CreateTicket сохраняет заявку. Для инвестиционной заявки сумма блокируется на кошельке.
func (r *MemoryRepository) CreateTicket(ctx context.Context, t model.Ticket) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tickets[t.ID]; ok {
		return fmt.Errorf("%w: ticket %s", apperr.ErrDuplicate, t.ID)
	}

	w, ok := r.wallets[t.UserID]
	if !ok {
		return fmt.Errorf("%w: wallet %s", apperr.ErrNotFound, t.UserID)
	}

	now := r.now()
	if t.Type == model.TicketTypeInvest {
		if w.Available() < t.Amount {
			return fmt.Errorf("%w: available %d, need %d", apperr.ErrInsufficientFunds, w.Available(), t.Amount)
		}
		w.LockedBalance += t.Amount
		w.UpdatedAt = now
		r.wallets[t.UserID] = w
	}

	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = t.CreatedAt
	r.tickets[t.ID] = t
	return nil
}

// GetTicket возвращает заявку по идентификатору.
func (r *MemoryRepository) GetTicket(ctx context.Context, id string) (*model.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tickets[id]
	if !ok {
		return nil, fmt.Errorf("%w: ticket %s", apperr.ErrNotFound, id)
	}
	return &t, nil
}

// FindTickets возвращает заявки, подходящие под фильтр, от старых к новым.
func (r *MemoryRepository) FindTickets(ctx context.Context, f model.TicketFilter) ([]model.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.Ticket
	for _, t := range r.tickets {
		if f.Match(t) {
			res = append(res, t)
		}
	}

	sort.Slice(res, func(i, j int) bool {
		if !res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].CreatedAt.Before(res[j].CreatedAt)
		}
		return res[i].ID < res[j].ID
	})
	return res, nil
}

// UpdateTicketStatus переводит заявку из статуса from в to, только если она всё ещё в from.
// Отмена инвестиционной заявки снимает блокировку средств.
func (r *MemoryRepository) UpdateTicketStatus(ctx context.Context, id string, from, to model.TicketStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", apperr.ErrInvalidState, from, to)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tickets[id]
	if !ok {
		return fmt.Errorf("%w: ticket %s", apperr.ErrNotFound, id)
	}
	if t.Status != from {
		return fmt.Errorf("%w: ticket %s is %s", apperr.ErrConflict, id, t.Status)
	}

	now := r.now()
	if to == model.TicketStatusCancelled && t.Type == model.TicketTypeInvest {
		w := r.wallets[t.UserID]
		w.LockedBalance -= t.Amount
		w.UpdatedAt = now
		r.wallets[t.UserID] = w
	}

	t.Status = to
	t.UpdatedAt = now
	r.tickets[id] = t
	return nil
}

// MatchTickets атомарно переводит обе заявки в Matched. Если хотя бы одна уже не Open, ничего не меняется.
func (r *MemoryRepository) MatchTickets(ctx context.Context, ticketID, counterpartyID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.tickets[ticketID]
	if !ok {
		return fmt.Errorf("%w: ticket %s", apperr.ErrNotFound, ticketID)
	}
	b, ok := r.tickets[counterpartyID]
	if !ok {
		return fmt.Errorf("%w: ticket %s", apperr.ErrNotFound, counterpartyID)
	}
	if a.Status != model.TicketStatusOpen || b.Status != model.TicketStatusOpen {
		return fmt.Errorf("%w: tickets %s/%s are %s/%s", apperr.ErrConflict, a.ID, b.ID, a.Status, b.Status)
	}

	now := r.now()
	a.Status, a.MatchedTicketID, a.UpdatedAt = model.TicketStatusMatched, b.ID, now
	b.Status, b.MatchedTicketID, b.UpdatedAt = model.TicketStatusMatched, a.ID, now
	r.tickets[a.ID] = a
	r.tickets[b.ID] = b
	return nil
}

// ConfirmTicket отмечает подтверждение владельца. Когда подтверждены обе заявки пары,
// они переходят в Completed, а сумма переводится от инвестора заёмщику.
func (r *MemoryRepository) ConfirmTicket(ctx context.Context, id, userID string) (*model.Ticket, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tickets[id]
	if !ok {
		return nil, false, fmt.Errorf("%w: ticket %s", apperr.ErrNotFound, id)
	}
	if t.UserID != userID {
		return nil, false, fmt.Errorf("%w: ticket %s", apperr.ErrForbidden, id)
	}
	if t.Status != model.TicketStatusMatched {
		return nil, false, fmt.Errorf("%w: ticket %s is %s", apperr.ErrInvalidState, id, t.Status)
	}

	cp, ok := r.tickets[t.MatchedTicketID]
	if !ok {
		return nil, false, fmt.Errorf("%w: counterparty ticket %s", apperr.ErrNotFound, t.MatchedTicketID)
	}

	now := r.now()
	t.Confirmed = true
	t.UpdatedAt = now

	if !cp.Confirmed {
		r.tickets[t.ID] = t
		return &t, false, nil
	}

	lender, borrower := t, cp
	if lender.Type != model.TicketTypeInvest {
		lender, borrower = cp, t
	}

	lw := r.wallets[lender.UserID]
	bw, ok := r.wallets[borrower.UserID]
	if !ok {
		return nil, false, fmt.Errorf("%w: wallet %s", apperr.ErrNotFound, borrower.UserID)
	}
	if lw.LockedBalance < lender.Amount {
		return nil, false, fmt.Errorf("%w: lender %s locked %d, need %d", apperr.ErrInsufficientFunds, lender.UserID, lw.LockedBalance, lender.Amount)
	}

	lw.Balance -= lender.Amount
	lw.LockedBalance -= lender.Amount
	lw.UpdatedAt = now
	r.wallets[lw.UserID] = lw

	// Кошелёк мог измениться, если инвестор и заёмщик совпадают.
	bw = r.wallets[borrower.UserID]
	bw.Balance += lender.Amount
	bw.UpdatedAt = now
	r.wallets[bw.UserID] = bw

	t.Status = model.TicketStatusCompleted
	cp.Status = model.TicketStatusCompleted
	cp.UpdatedAt = now
	r.tickets[t.ID] = t
	r.tickets[cp.ID] = cp
	return &t, true, nil
}

// GetWallet возвращает кошелёк пользователя.
func (r *MemoryRepository) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.wallets[userID]
	if !ok {
		return nil, fmt.Errorf("%w: wallet %s", apperr.ErrNotFound, userID)
	}
	return &w, nil
}

// CreditWallet увеличивает баланс кошелька на amount.
func (r *MemoryRepository) CreditWallet(ctx context.Context, userID string, amount int64) (*model.Wallet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, apperr.Validationf("credit amount must be positive, got %d", amount)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.wallets[userID]
	if !ok {
		return nil, fmt.Errorf("%w: wallet %s", apperr.ErrNotFound, userID)
	}
	w.Balance += amount
	w.UpdatedAt = r.now()
	r.wallets[userID] = w
	return &w, nil
}

// CreateCommissionRecord сохраняет начисление. Идентификатор транзакции уникален.
func (r *MemoryRepository) CreateCommissionRecord(ctx context.Context, c model.CommissionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byTxID[c.TransactionID]; ok {
		return fmt.Errorf("%w: commission for transaction %s", apperr.ErrDuplicate, c.TransactionID)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = r.now()
	}

	r.commissions[c.ID] = c
	r.byTxID[c.TransactionID] = c.ID
	return nil
}

// GetCommissionByTransaction возвращает начисление по идентификатору транзакции.
func (r *MemoryRepository) GetCommissionByTransaction(ctx context.Context, transactionID string) (*model.CommissionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byTxID[transactionID]
	if !ok {
		return nil, fmt.Errorf("%w: commission for transaction %s", apperr.ErrNotFound, transactionID)
	}
	c := r.commissions[id]
	return &c, nil
}

// ListPendingCommissions возвращает неоплаченные начисления реферера, либо всех рефереров при пустом referrerID.
func (r *MemoryRepository) ListPendingCommissions(ctx context.Context, referrerID string) ([]model.CommissionRecord, error) {
	return r.listCommissions(ctx, func(c model.CommissionRecord) bool {
		return c.Status == model.CommissionStatusPending && (referrerID == "" || c.ReferrerID == referrerID)
	})
}

// ListCommissionsByReferrer возвращает все начисления реферера.
func (r *MemoryRepository) ListCommissionsByReferrer(ctx context.Context, referrerID string) ([]model.CommissionRecord, error) {
	return r.listCommissions(ctx, func(c model.CommissionRecord) bool {
		return c.ReferrerID == referrerID
	})
}

func (r *MemoryRepository) listCommissions(ctx context.Context, keep func(model.CommissionRecord) bool) ([]model.CommissionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.CommissionRecord
	for _, c := range r.commissions {
		if keep(c) {
			res = append(res, c)
		}
	}

	sort.Slice(res, func(i, j int) bool {
		if !res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].CreatedAt.Before(res[j].CreatedAt)
		}
		return res[i].ID < res[j].ID
	})
	return res, nil
}

// UpdateCommissionStatus переводит начисление из статуса from в to, только если оно всё ещё в from.
func (r *MemoryRepository) UpdateCommissionStatus(ctx context.Context, id string, from, to model.CommissionStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if from != model.CommissionStatusPending || to != model.CommissionStatusPaid {
		return fmt.Errorf("%w: %s -> %s", apperr.ErrInvalidState, from, to)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.commissions[id]
	if !ok {
		return fmt.Errorf("%w: commission %s", apperr.ErrNotFound, id)
	}
	if c.Status != from {
		return fmt.Errorf("%w: commission %s is %s", apperr.ErrConflict, id, c.Status)
	}

	now := r.now()
	c.Status = to
	c.PaidAt = &now
	r.commissions[id] = c
	return nil
}

// PayoutCommissions переводит перечисленные начисления реферера из Pending в Paid
// и зачисляет их сумму на кошелёк. Уже оплаченные записи пропускаются.
func (r *MemoryRepository) PayoutCommissions(ctx context.Context, referrerID string, ids []string) (int, decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return 0, decimal.Zero, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.wallets[referrerID]
	if !ok {
		return 0, decimal.Zero, fmt.Errorf("%w: wallet %s", apperr.ErrNotFound, referrerID)
	}

	now := r.now()
	paid := 0
	total := decimal.Zero
	for _, id := range ids {
		c, ok := r.commissions[id]
		if !ok || c.ReferrerID != referrerID || c.Status != model.CommissionStatusPending {
			continue
		}
		c.Status = model.CommissionStatusPaid
		c.PaidAt = &now
		r.commissions[id] = c
		paid++
		total = total.Add(c.Amount)
	}

	if paid > 0 {
		w.Balance += model.ToMinor(total)
		w.UpdatedAt = now
		r.wallets[referrerID] = w
	}

	return paid, total, nil
}

// CommissionTotals возвращает сумму всех начислений (Pending и Paid) по каждому рефереру.
func (r *MemoryRepository) CommissionTotals(ctx context.Context) ([]model.ReferrerTotal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	totals := make(map[string]decimal.Decimal)
	for _, c := range r.commissions {
		totals[c.ReferrerID] = totals[c.ReferrerID].Add(c.Amount)
	}

	res := make([]model.ReferrerTotal, 0, len(totals))
	for id, total := range totals {
		res = append(res, model.ReferrerTotal{
			ReferrerID:        id,
			Total:             total,
			ReferrerCreatedAt: r.users[id].CreatedAt,
		})
	}
	return res, nil
}
