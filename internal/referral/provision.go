package referral

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/coinledger/internal/apperr"
	"github.com/mmeshcher/coinledger/internal/model"
)

// Resolver находит реферера пользователя. Отсутствие реферера — nil без ошибки.
type Resolver interface {
	GetReferrerOf(ctx context.Context, userID string) (*model.User, error)
}

// UserStore — локальное хранилище пользователей, в котором ведутся кошельки рефереров.
type UserStore interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
	CreateUser(ctx context.Context, u model.User) error
}

// Tiers проверяет, известен ли уровень членства.
type Tiers interface {
	Get(name string) (model.MembershipTier, error)
}

// ProvisioningResolver берёт реферера из внешнего каталога и заводит его в локальном
// хранилище при первом обращении, чтобы начисления ему можно было записать и выплатить.
// Если реферер уже есть локально, возвращается локальная запись.
type ProvisioningResolver struct {
	upstream    Resolver
	store       UserStore
	tiers       Tiers
	defaultTier string
	logger      *zap.Logger
}

// NewProvisioningResolver создаёт резолвер. Неизвестный локально уровень из каталога
// заменяется на defaultTier.
func NewProvisioningResolver(upstream Resolver, store UserStore, tiers Tiers, defaultTier string, logger *zap.Logger) *ProvisioningResolver {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ProvisioningResolver{
		upstream:    upstream,
		store:       store,
		tiers:       tiers,
		defaultTier: defaultTier,
		logger:      logger,
	}
}

// GetReferrerOf возвращает локальную запись реферера, создавая её при необходимости.
func (p *ProvisioningResolver) GetReferrerOf(ctx context.Context, userID string) (*model.User, error) {
	ref, err := p.upstream.GetReferrerOf(ctx, userID)
	if err != nil || ref == nil {
		return ref, err
	}

	local, err := p.store.GetUser(ctx, ref.ID)
	if err == nil {
		return local, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return nil, fmt.Errorf("lookup referrer %s: %w", ref.ID, err)
	}

	u := model.User{
		ID:             ref.ID,
		MembershipTier: ref.MembershipTier,
		CreatedAt:      ref.CreatedAt,
	}
	if _, err := p.tiers.Get(u.MembershipTier); err != nil {
		p.logger.Warn("unknown membership tier from referral directory",
			zap.String("referrer_id", u.ID),
			zap.String("tier", u.MembershipTier),
			zap.String("fallback", p.defaultTier),
		)
		u.MembershipTier = p.defaultTier
	}

	err = p.store.CreateUser(ctx, u)
	switch {
	case err == nil:
		p.logger.Info("referrer provisioned from directory",
			zap.String("referrer_id", u.ID),
			zap.String("tier", u.MembershipTier),
		)
	case errors.Is(err, apperr.ErrDuplicate):
		// Параллельный запрос успел завести реферера.
	default:
		return nil, fmt.Errorf("provision referrer %s: %w", u.ID, err)
	}

	return p.store.GetUser(ctx, u.ID)
}
