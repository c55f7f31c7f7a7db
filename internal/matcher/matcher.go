// Package matcher подбирает встречную заявку для открытой заявки и фиксирует пару.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/coinledger/internal/apperr"
	"github.com/mmeshcher/coinledger/internal/metrics"
	"github.com/mmeshcher/coinledger/internal/model"
)

// Store описывает операции хранилища, нужные для сопоставления.
type Store interface {
	GetTicket(ctx context.Context, id string) (*model.Ticket, error)
	FindTickets(ctx context.Context, f model.TicketFilter) ([]model.Ticket, error)
	MatchTickets(ctx context.Context, ticketID, counterpartyID string) error
}

// Result описывает исход сопоставления. При Matched == false Counterparty равен nil.
type Result struct {
	Ticket       model.Ticket
	Counterparty *model.Ticket
	Matched      bool
}

// Matcher сопоставляет заявки по принципу FIFO.
type Matcher struct {
	store     Store
	logger    *zap.Logger
	allowSelf bool
	attempts  int
	delay     time.Duration
}

// Option настраивает Matcher.
type Option func(*Matcher)

// WithAllowSelf разрешает сопоставлять заявки одного пользователя.
func WithAllowSelf(allow bool) Option {
	return func(m *Matcher) { m.allowSelf = allow }
}

// WithRetry задаёт число попыток и базовую паузу между ними.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(m *Matcher) {
		m.attempts = attempts
		m.delay = delay
	}
}

// New создаёт Matcher.
func New(store Store, logger *zap.Logger, opts ...Option) *Matcher {
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Matcher{
		store:    store,
		logger:   logger,
		attempts: apperr.DefaultAttempts,
		delay:    20 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Match ищет встречную заявку для ticketID и атомарно переводит обе заявки в Matched.
// Конфликт с параллельным сопоставлением приводит к повтору всего цикла чтения и выбора.
func (m *Matcher) Match(ctx context.Context, ticketID string) (Result, error) {
	var res Result

	err := apperr.Retry(ctx, m.attempts, m.delay, func() error {
		var err error
		res, err = m.matchOnce(ctx, ticketID)
		if errors.Is(err, apperr.ErrConflict) {
			metrics.MatchAttempts.WithLabelValues("conflict").Inc()
			m.logger.Debug("match conflict, retrying", zap.String("ticket_id", ticketID), zap.Error(err))
		}
		return err
	})
	if err != nil {
		metrics.MatchAttempts.WithLabelValues("error").Inc()
		return Result{}, err
	}

	if !res.Matched {
		metrics.MatchAttempts.WithLabelValues("no_match").Inc()
		return res, nil
	}

	metrics.MatchAttempts.WithLabelValues("matched").Inc()
	m.logger.Info("tickets matched",
		zap.String("ticket_id", res.Ticket.ID),
		zap.String("counterparty_id", res.Counterparty.ID),
		zap.Int64("amount", res.Ticket.Amount),
	)
	return res, nil
}

func (m *Matcher) matchOnce(ctx context.Context, ticketID string) (Result, error) {
	candidate, err := m.store.GetTicket(ctx, ticketID)
	if err != nil {
		return Result{}, err
	}
	if candidate.Status != model.TicketStatusOpen {
		return Result{}, fmt.Errorf("%w: ticket %s is %s", apperr.ErrInvalidState, candidate.ID, candidate.Status)
	}

	pool, err := m.store.FindTickets(ctx, model.TicketFilter{
		Type:   candidate.Type.Opposite(),
		Status: model.TicketStatusOpen,
		Amount: candidate.Amount,
	})
	if err != nil {
		return Result{}, err
	}

	cp, ok := SelectCounterparty(*candidate, pool, m.allowSelf)
	if !ok {
		return Result{Ticket: *candidate}, nil
	}

	if err := m.store.MatchTickets(ctx, candidate.ID, cp.ID); err != nil {
		return Result{}, err
	}

	candidate.Status = model.TicketStatusMatched
	candidate.MatchedTicketID = cp.ID
	cp.Status = model.TicketStatusMatched
	cp.MatchedTicketID = candidate.ID

	return Result{Ticket: *candidate, Counterparty: cp, Matched: true}, nil
}

// SelectCounterparty выбирает из pool самую раннюю заявку, совместимую с candidate:
// встречного типа, в статусе Open, на ту же сумму. При равном времени создания
// побеждает меньший идентификатор.
func SelectCounterparty(candidate model.Ticket, pool []model.Ticket, allowSelf bool) (*model.Ticket, bool) {
	var best *model.Ticket
	for i := range pool {
		t := &pool[i]
		if !compatible(candidate, *t, allowSelf) {
			continue
		}
		if best == nil || earlier(*t, *best) {
			best = t
		}
	}

	if best == nil {
		return nil, false
	}
	found := *best
	return &found, true
}

func compatible(candidate, t model.Ticket, allowSelf bool) bool {
	if t.ID == candidate.ID {
		return false
	}
	if !allowSelf && t.UserID == candidate.UserID {
		return false
	}
	return t.Type == candidate.Type.Opposite() &&
		t.Status == model.TicketStatusOpen &&
		t.Amount == candidate.Amount
}

func earlier(a, b model.Ticket) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
