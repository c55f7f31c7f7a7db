// Package main запускает HTTP-сервер сервиса coinledger.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/coinledger/internal/commission"
	"github.com/mmeshcher/coinledger/internal/config"
	"github.com/mmeshcher/coinledger/internal/handler"
	"github.com/mmeshcher/coinledger/internal/lock"
	"github.com/mmeshcher/coinledger/internal/matcher"
	"github.com/mmeshcher/coinledger/internal/membership"
	"github.com/mmeshcher/coinledger/internal/middleware"
	"github.com/mmeshcher/coinledger/internal/referral"
	"github.com/mmeshcher/coinledger/internal/repository"
	"github.com/mmeshcher/coinledger/internal/service"
)

const (
	payoutTimeout   = time.Minute
	shutdownTimeout = 5 * time.Second
	lockPrefix      = "coinledger"
)

// ledgerStore объединяет операции хранилища, нужные всем компонентам.
type ledgerStore interface {
	service.Repository
	matcher.Store
	commission.Store
	commission.ReferralResolver
}

func main() {
	cfg, err := config.Parse()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(cfg.Level())
	logger, err := zcfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger initialization error: %v\n", err)
		os.Exit(2)
	}
	defer logger.Sync()

	sugar := logger.Sugar()

	var repo ledgerStore
	if cfg.DatabaseURI != "" {
		pg, err := repository.NewPostgresRepository(cfg.DatabaseURI, cfg.StoreTimeout)
		if err != nil {
			sugar.Fatalw("database initialization error", "error", err.Error())
		}
		repo = pg
	} else {
		sugar.Warn("DATABASE_URI is not set, using in-memory store")
		repo = repository.NewMemoryRepository()
	}

	tiers := membership.Default()
	if cfg.TiersFile != "" {
		tiers, err = membership.Load(cfg.TiersFile)
		if err != nil {
			sugar.Fatalw("membership tiers error", "file", cfg.TiersFile, "error", err.Error())
		}
	}

	var resolver commission.ReferralResolver = repo
	if cfg.ReferralServiceAddress != "" {
		// Рефереры из каталога заводятся локально, иначе их начисления некому выплатить.
		resolver = referral.NewProvisioningResolver(
			referral.NewClient(cfg.ReferralServiceAddress), repo, tiers, service.DefaultTier, logger,
		)
	}

	var locker commission.Locker
	if cfg.RedisAddress != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddress})
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(context.Background(), cfg.StoreTimeout)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			sugar.Fatalw("redis initialization error", "addr", cfg.RedisAddress, "error", err.Error())
		}
		locker = lock.NewRedisLocker(rdb, lockPrefix)
	}

	m := matcher.New(repo, logger, matcher.WithAllowSelf(cfg.AllowSelfMatch))
	engine := commission.NewEngine(repo, resolver, tiers, logger)
	scheduler := commission.NewScheduler(engine, cfg.PayoutInterval, payoutTimeout, locker, logger)

	// Close сервиса останавливает планировщик и закрывает хранилище.
	svc := service.NewService(repo, tiers, m, engine, scheduler, logger)
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware, cfg.AdminToken, cfg.AllowedOrigins)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, err := svc.StartScheduler(ctx); err != nil {
		sugar.Fatalw("payout scheduler error", "error", err.Error())
	}
	sugar.Infow("payout scheduler started", "interval", cfg.PayoutInterval.String())

	g, ctx := errgroup.WithContext(ctx)

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting coinledger server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
