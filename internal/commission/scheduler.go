package commission

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/coinledger/internal/lock"
)

const sweepLockKey = "commission-payout"

// Sweeper выполняет выплату начислений.
type Sweeper interface {
	Payout(ctx context.Context, referrerID string) (PayoutResult, error)
}

// Locker выдаёт блокировку, общую для нескольких процессов.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (lock.ReleaseFunc, bool, error)
}

// Scheduler периодически запускает выплату по всем реферерам.
// Одновременно работает не больше одного цикла.
type Scheduler struct {
	sweeper  Sweeper
	interval time.Duration
	timeout  time.Duration
	locker   Locker
	logger   *zap.Logger

	// lifecycle упорядочивает Start и Stop, mu защищает cancel и done
	// и не удерживается во время ожидания выплаты.
	lifecycle sync.Mutex
	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewScheduler создаёт планировщик. timeout ограничивает одну выплату, locker может быть nil.
func NewScheduler(sweeper Sweeper, interval, timeout time.Duration, locker Locker, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	if timeout <= 0 {
		timeout = time.Minute
	}

	return &Scheduler{
		sweeper:  sweeper,
		interval: interval,
		timeout:  timeout,
		locker:   locker,
		logger:   logger,
	}
}

// Start запускает цикл выплат. Возвращает false, если цикл уже работает.
// Цикл завершается при отмене ctx или вызове Stop.
func (s *Scheduler) Start(ctx context.Context) bool {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.runningLocked() {
		return false
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done

	go s.loop(loopCtx, done)

	s.logger.Info("payout scheduler started", zap.Duration("interval", s.interval))
	return true
}

// Stop отменяет будущие запуски и ждёт завершения текущей выплаты, если она идёт.
// Возвращает false, если цикл не был запущен. Пока Stop ждёт, Running уже возвращает false.
func (s *Scheduler) Stop() bool {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	cancel, done := s.cancel, s.done
	wasRunning := s.runningLocked()
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if done == nil {
		return false
	}

	cancel()
	<-done

	if wasRunning {
		s.logger.Info("payout scheduler stopped")
	}
	return wasRunning
}

// Running сообщает, работает ли цикл выплат.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runningLocked()
}

func (s *Scheduler) runningLocked() bool {
	if s.done == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			s.sweep(ctx)
		}
	}
}

// sweep выполняет одну выплату. Контекст выплаты не отменяется вместе с циклом,
// поэтому начатая выплата доводится до конца.
func (s *Scheduler) sweep(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	if s.locker != nil {
		release, ok, err := s.locker.Acquire(sweepCtx, sweepLockKey, s.timeout)
		if err != nil {
			s.logger.Error("acquire payout lock", zap.Error(err))
			return
		}
		if !ok {
			s.logger.Debug("payout already running elsewhere")
			return
		}
		defer func() {
			if err := release(sweepCtx); err != nil {
				s.logger.Warn("release payout lock", zap.Error(err))
			}
		}()
	}

	res, err := s.sweeper.Payout(sweepCtx, "")
	if err != nil {
		s.logger.Error("scheduled payout failed", zap.Error(err))
	}
	if res.PaidCount > 0 {
		s.logger.Info("scheduled payout done",
			zap.Int("paid_count", res.PaidCount),
			zap.String("total_amount", res.TotalAmount.StringFixed(2)),
		)
	}
}
