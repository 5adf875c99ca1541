// Package app wires the reward coordinator from configuration. The binaries
// under cmd/ share it.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"example.com/rewards/internal/config"
	"example.com/rewards/internal/disbursement"
	"example.com/rewards/internal/domain"
	"example.com/rewards/internal/lock"
	"example.com/rewards/internal/persistence/memory"
	"example.com/rewards/internal/persistence/postgres"
	"example.com/rewards/internal/reward"
	"example.com/rewards/internal/streak"
	"example.com/rewards/internal/transfer"
)

// MemoryURL selects the in-process store instead of Postgres.
const MemoryURL = "memory://"

// Runtime holds the wired components. Pool is nil for the memory store.
type Runtime struct {
	Pool        *pgxpool.Pool
	Coordinator *disbursement.Coordinator
	Reconciler  *disbursement.Reconciler

	closers []func()
}

// Close releases connections in reverse order of acquisition.
func (r *Runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

type stores struct {
	ledger   domain.LedgerStore
	balances domain.BalanceStore
	streaks  domain.StreakStore
}

// Build connects storage, the lock backend and the transfer client, and wires
// the coordinator and reconciler.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Runtime, error) {
	if err := checkLockTTL(cfg); err != nil {
		return nil, err
	}
	rt := &Runtime{}

	var st stores
	if cfg.PostgresURL == MemoryURL {
		logger.Warn("using in-memory storage; balances are lost on restart")
		store := memory.NewStore()
		st = stores{ledger: store, balances: store, streaks: store}
	} else {
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		rt.Pool = pool
		rt.closers = append(rt.closers, pool.Close)
		repo := postgres.NewRepository(pool)
		st = stores{ledger: repo, balances: repo, streaks: repo}
	}

	locker, err := newLocker(ctx, cfg, logger, rt)
	if err != nil {
		rt.Close()
		return nil, err
	}
	if rt.Pool != nil && cfg.RedisAddr == "" {
		logger.Warn("REDIS_ADDR is empty; the user lock only covers this process")
	}

	coord := disbursement.NewCoordinator(disbursement.Deps{
		Ledger:     st.ledger,
		Balances:   st.balances,
		Gate:       streak.NewGate(st.streaks, streak.WithLocation(cfg.StreakLocation()), streak.WithGrace(cfg.StreakGraceWindow)),
		Calculator: reward.NewCalculator(reward.DefaultConfig().WithTokenCap(cfg.MaxTokensPerActivity)),
		Transfer:   transfer.NewClient(cfg.TransferServiceURL, cfg.TransferServiceToken, cfg.TransferTimeout),
		Locker:     locker,
	},
		disbursement.WithLogger(logger),
		disbursement.WithConfig(coordinatorConfig(cfg)),
	)

	rt.Coordinator = coord
	rt.Reconciler = disbursement.NewReconciler(coord, logger.Named("reconciler"))
	return rt, nil
}

func coordinatorConfig(cfg config.Config) disbursement.Config {
	return disbursement.Config{
		PendingRetryWindow:       cfg.PendingRetryWindow,
		TransferTimeout:          cfg.TransferTimeout,
		GrantXPOnTransferFailure: cfg.GrantXPOnTransferFailure,
		Backoff: disbursement.BackoffPolicy{
			MaxAttempts: cfg.TransferMaxAttempts,
			BaseDelay:   cfg.TransferBaseDelay,
			MaxDelay:    cfg.TransferMaxDelay,
		},
	}
}

// checkLockTTL refuses a Redis lease that can expire while a disbursement
// still holds it. The lease is not renewed.
func checkLockTTL(cfg config.Config) error {
	if cfg.RedisAddr == "" {
		return nil
	}
	dcfg := coordinatorConfig(cfg)
	timeout := dcfg.TransferTimeout
	if timeout <= 0 {
		timeout = disbursement.DefaultConfig().TransferTimeout
	}
	budget := dcfg.Backoff.Budget(timeout)
	if cfg.LockTTL <= budget {
		return fmt.Errorf("LOCK_TTL %s must exceed the worst-case transfer time %s (TRANSFER_MAX_ATTEMPTS x TRANSFER_TIMEOUT plus backoff)", cfg.LockTTL, budget)
	}
	return nil
}

func newLocker(ctx context.Context, cfg config.Config, logger *zap.Logger, rt *Runtime) (disbursement.Locker, error) {
	if cfg.RedisAddr == "" {
		return lock.NewMemoryLocker(), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	rt.closers = append(rt.closers, func() { _ = client.Close() })

	locker := lock.NewRedisLocker(client, cfg.LockTTL)
	locker.OnRelease = func(key string, err error) {
		if errors.Is(err, lock.ErrLockLost) {
			logger.Warn("user lock expired while held", zap.String("key", key), zap.Duration("ttl", cfg.LockTTL))
		} else if err != nil {
			logger.Warn("user lock release failed", zap.String("key", key), zap.Error(err))
		}
	}
	return locker, nil
}
