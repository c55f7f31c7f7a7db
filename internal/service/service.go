// Package service реализует бизнес-логику сервиса coinledger.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/coinledger/internal/apperr"
	"github.com/mmeshcher/coinledger/internal/commission"
	"github.com/mmeshcher/coinledger/internal/matcher"
	"github.com/mmeshcher/coinledger/internal/membership"
	"github.com/mmeshcher/coinledger/internal/model"
	"github.com/mmeshcher/coinledger/internal/repayment"
	"github.com/mmeshcher/coinledger/internal/risk"
)

// DefaultTier назначается пользователю, если уровень не указан при регистрации.
const DefaultTier = "Basic"

// riskWindow задаёт глубину истории заявок для оценки риска.
const riskWindow = 24 * time.Hour

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, u model.User) error
	GetUser(ctx context.Context, id string) (*model.User, error)
	CreateTicket(ctx context.Context, t model.Ticket) error
	GetTicket(ctx context.Context, id string) (*model.Ticket, error)
	FindTickets(ctx context.Context, f model.TicketFilter) ([]model.Ticket, error)
	UpdateTicketStatus(ctx context.Context, id string, from, to model.TicketStatus) error
	ConfirmTicket(ctx context.Context, id, userID string) (*model.Ticket, bool, error)
	GetWallet(ctx context.Context, userID string) (*model.Wallet, error)
	CreditWallet(ctx context.Context, userID string, amount int64) (*model.Wallet, error)
}

// Service содержит бизнес-логику сервиса coinledger.
type Service struct {
	repo        Repository
	tiers       *membership.Table
	matcher     *matcher.Matcher
	commissions *commission.Engine
	scheduler   *commission.Scheduler
	logger      *zap.Logger

	now   func() time.Time
	newID func() string
}

// NewService создаёт сервис. scheduler может быть nil, тогда управление выплатами по расписанию недоступно.
func NewService(
	repo Repository,
	tiers *membership.Table,
	m *matcher.Matcher,
	engine *commission.Engine,
	scheduler *commission.Scheduler,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		repo:        repo,
		tiers:       tiers,
		matcher:     m,
		commissions: engine,
		scheduler:   scheduler,
		logger:      logger,
		now:         time.Now,
		newID:       uuid.NewString,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового пользователя с указанным уровнем и реферером.
func (s *Service) RegisterUser(ctx context.Context, referrerID, tier string) (*model.User, error) {
	if tier == "" {
		tier = DefaultTier
	}
	if _, err := s.tiers.Get(tier); err != nil {
		return nil, apperr.Validationf("unknown membership tier %q", tier)
	}

	u := model.User{
		ID:             s.newID(),
		ReferrerID:     referrerID,
		MembershipTier: tier,
		CreatedAt:      s.now(),
	}
	if err := s.repo.CreateUser(ctx, u); err != nil {
		if errors.Is(err, apperr.ErrNotFound) && referrerID != "" {
			return nil, apperr.Validationf("referrer %s does not exist", referrerID)
		}
		return nil, err
	}
	return &u, nil
}

// GetUser возвращает пользователя по идентификатору.
func (s *Service) GetUser(ctx context.Context, id string) (*model.User, error) {
	return s.repo.GetUser(ctx, id)
}

// CreateTicketRequest описывает новую заявку. Amount указан в минимальных единицах.
type CreateTicketRequest struct {
	Type     model.TicketType
	Amount   int64
	Interest decimal.Decimal
}

// TicketCreated содержит созданную заявку и оценку её риска.
type TicketCreated struct {
	Ticket model.Ticket
	Risk   risk.Assessment
}

// CreateTicket создаёт заявку пользователя в пределах лимитов его уровня и оценивает её риск.
func (s *Service) CreateTicket(ctx context.Context, userID string, req CreateTicketRequest) (*TicketCreated, error) {
	if !req.Type.Valid() {
		return nil, apperr.Validationf("unknown ticket type %q", req.Type)
	}
	if req.Amount <= 0 {
		return nil, apperr.Validationf("ticket amount must be positive, got %d", req.Amount)
	}
	if req.Interest.IsNegative() {
		return nil, apperr.Validationf("interest must not be negative, got %s", req.Interest)
	}

	u, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	tier, err := s.tiers.Get(u.MembershipTier)
	if err != nil {
		return nil, err
	}

	limit := tier.LoanLimit
	if req.Type == model.TicketTypeInvest {
		limit = tier.InvestmentLimit
	}
	if req.Amount > limit {
		return nil, apperr.Validationf("%s amount %d exceeds %s tier limit %d", req.Type, req.Amount, tier.Name, limit)
	}

	now := s.now()
	t := model.Ticket{
		ID:             s.newID(),
		UserID:         userID,
		Type:           req.Type,
		Amount:         req.Amount,
		Interest:       req.Interest,
		Status:         model.TicketStatusOpen,
		MembershipTier: tier.Name,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	assessment, err := s.assessTicket(ctx, t)
	if err != nil {
		return nil, err
	}

	if err := s.repo.CreateTicket(ctx, t); err != nil {
		return nil, err
	}

	if assessment.Level == risk.LevelHigh {
		s.logger.Warn("high risk ticket",
			zap.String("ticket_id", t.ID),
			zap.String("user_id", userID),
			zap.Int("risk_score", assessment.Score),
			zap.Strings("risk_factors", assessment.Factors),
		)
	}

	return &TicketCreated{Ticket: t, Risk: assessment}, nil
}

func (s *Service) assessTicket(ctx context.Context, t model.Ticket) (risk.Assessment, error) {
	recent, err := s.repo.FindTickets(ctx, model.TicketFilter{
		UserID:       t.UserID,
		CreatedAfter: t.CreatedAt.Add(-riskWindow),
	})
	if err != nil {
		return risk.Assessment{}, fmt.Errorf("load ticket history: %w", err)
	}

	history := make([]risk.Transaction, 0, len(recent))
	for _, h := range recent {
		history = append(history, ticketTransaction(h))
	}

	return risk.Assess(ticketTransaction(t), history)
}

func ticketTransaction(t model.Ticket) risk.Transaction {
	return risk.Transaction{
		ID:        t.ID,
		UserID:    t.UserID,
		Amount:    model.FromMinor(t.Amount),
		Timestamp: t.CreatedAt,
	}
}

// ListTickets возвращает заявки пользователя от старых к новым.
func (s *Service) ListTickets(ctx context.Context, userID string) ([]model.Ticket, error) {
	return s.repo.FindTickets(ctx, model.TicketFilter{UserID: userID})
}

func (s *Service) ownTicket(ctx context.Context, userID, ticketID string) (*model.Ticket, error) {
	t, err := s.repo.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if t.UserID != userID {
		return nil, fmt.Errorf("%w: ticket %s", apperr.ErrForbidden, ticketID)
	}
	return t, nil
}

// CancelTicket отменяет открытую заявку владельца.
func (s *Service) CancelTicket(ctx context.Context, userID, ticketID string) (*model.Ticket, error) {
	t, err := s.ownTicket(ctx, userID, ticketID)
	if err != nil {
		return nil, err
	}
	if t.Status != model.TicketStatusOpen {
		return nil, fmt.Errorf("%w: ticket %s is %s", apperr.ErrInvalidState, t.ID, t.Status)
	}

	if err := s.repo.UpdateTicketStatus(ctx, t.ID, model.TicketStatusOpen, model.TicketStatusCancelled); err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			return nil, fmt.Errorf("%w: ticket %s changed concurrently", apperr.ErrInvalidState, t.ID)
		}
		return nil, err
	}

	t.Status = model.TicketStatusCancelled
	return t, nil
}

// MatchTicket подбирает встречную заявку для открытой заявки владельца.
func (s *Service) MatchTicket(ctx context.Context, userID, ticketID string) (matcher.Result, error) {
	if _, err := s.ownTicket(ctx, userID, ticketID); err != nil {
		return matcher.Result{}, err
	}
	return s.matcher.Match(ctx, ticketID)
}

// ConfirmResult описывает итог подтверждения сделки.
type ConfirmResult struct {
	Ticket      model.Ticket
	Completed   bool
	Commissions []model.CommissionRecord
}

// ConfirmTicket фиксирует подтверждение сделки владельцем заявки. Когда сделку подтвердили обе стороны,
// для каждой заявки пары рассчитывается реферальное начисление с её владельца.
func (s *Service) ConfirmTicket(ctx context.Context, userID, ticketID string) (*ConfirmResult, error) {
	t, completed, err := s.repo.ConfirmTicket(ctx, ticketID, userID)
	if err != nil {
		return nil, err
	}

	res := &ConfirmResult{Ticket: *t, Completed: completed}
	if !completed {
		return res, nil
	}

	pair := []model.Ticket{*t}
	if cp, err := s.repo.GetTicket(ctx, t.MatchedTicketID); err != nil {
		s.logger.Error("load counterparty ticket", zap.String("ticket_id", t.MatchedTicketID), zap.Error(err))
	} else {
		pair = append(pair, *cp)
	}

	for _, pt := range pair {
		rec, err := s.commissions.Calculate(ctx, commission.Request{
			TransactionID:   pt.ID,
			Amount:          model.FromMinor(pt.Amount),
			TransactionType: string(pt.Type),
			PayerID:         pt.UserID,
		})
		if err != nil {
			// Сделка уже завершена, начисление можно пересчитать позже по тому же идентификатору.
			s.logger.Error("calculate commission",
				zap.String("ticket_id", pt.ID),
				zap.String("payer_id", pt.UserID),
				zap.Error(err),
			)
			continue
		}
		if rec != nil {
			res.Commissions = append(res.Commissions, *rec)
		}
	}

	return res, nil
}

// GetWallet возвращает кошелёк пользователя.
func (s *Service) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	return s.repo.GetWallet(ctx, userID)
}

// CreditWallet пополняет кошелёк пользователя.
func (s *Service) CreditWallet(ctx context.Context, userID string, amount int64) (*model.Wallet, error) {
	if amount <= 0 {
		return nil, apperr.Validationf("credit amount must be positive, got %d", amount)
	}
	return s.repo.CreditWallet(ctx, userID, amount)
}

// CalculateRepayment рассчитывает план погашения займа от текущего момента.
func (s *Service) CalculateRepayment(principal, ratePercent decimal.Decimal, durationDays int) (repayment.Plan, error) {
	return repayment.Calculate(principal, ratePercent, durationDays, s.now())
}

// AssessRisk оценивает риск транзакции по её истории.
func (s *Service) AssessRisk(tx risk.Transaction, history []risk.Transaction) (risk.Assessment, error) {
	return risk.Assess(tx, history)
}

// CalculateCommission рассчитывает реферальное начисление по транзакции.
func (s *Service) CalculateCommission(ctx context.Context, req commission.Request) (*model.CommissionRecord, error) {
	return s.commissions.Calculate(ctx, req)
}

// TriggerPayout выплачивает начисления реферера, либо всех рефереров при пустом referrerID.
func (s *Service) TriggerPayout(ctx context.Context, referrerID string) (commission.PayoutResult, error) {
	return s.commissions.Payout(ctx, referrerID)
}

// Leaderboard возвращает рейтинг рефереров.
func (s *Service) Leaderboard(ctx context.Context) ([]commission.LeaderboardEntry, error) {
	return s.commissions.Leaderboard(ctx)
}

// ListCommissions возвращает начисления реферера.
func (s *Service) ListCommissions(ctx context.Context, referrerID string) ([]model.CommissionRecord, error) {
	return s.commissions.ListByReferrer(ctx, referrerID)
}

var errNoScheduler = fmt.Errorf("%w: payout scheduler is not configured", apperr.ErrInvalidState)

// StartScheduler запускает выплаты по расписанию. Возвращает false, если они уже запущены.
// Цикл не зависит от отмены ctx и завершается через StopScheduler или Close.
func (s *Service) StartScheduler(ctx context.Context) (bool, error) {
	if s.scheduler == nil {
		return false, errNoScheduler
	}
	return s.scheduler.Start(context.WithoutCancel(ctx)), nil
}

// StopScheduler останавливает выплаты по расписанию, дожидаясь текущей выплаты.
func (s *Service) StopScheduler() (bool, error) {
	if s.scheduler == nil {
		return false, errNoScheduler
	}
	return s.scheduler.Stop(), nil
}

// SchedulerRunning сообщает, запущены ли выплаты по расписанию.
func (s *Service) SchedulerRunning() bool {
	return s.scheduler != nil && s.scheduler.Running()
}
