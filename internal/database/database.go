package database

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"crash/internal/logger"
)

type Service interface {
	Pool() *pgxpool.Pool
	WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error
	Health() map[string]string
	Close()
}

type service struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, url string) (Service, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 50
	cfg.MaxConnLifetime = 10 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Info("database connected")
	return &service{pool: pool}, nil
}

func (s *service) Pool() *pgxpool.Pool {
	return s.pool
}

// WithTx runs fn inside a transaction, rolling back on error or panic.
// Every financial mutation in the engine goes through here so a failed
// credit aborts the whole operation instead of leaving partial state.
func (s *service) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *service) Health() map[string]string {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	stats := make(map[string]string)

	if err := s.pool.Ping(ctx); err != nil {
		stats["status"] = "down"
		stats["error"] = fmt.Sprintf("db down: %v", err)
		return stats
	}

	stats["status"] = "up"
	stats["message"] = "It's healthy"

	poolStats := s.pool.Stat()
	stats["total_conns"] = strconv.FormatInt(int64(poolStats.TotalConns()), 10)
	stats["idle_conns"] = strconv.FormatInt(int64(poolStats.IdleConns()), 10)
	stats["acquired_conns"] = strconv.FormatInt(int64(poolStats.AcquiredConns()), 10)

	return stats
}

func (s *service) Close() {
	logger.Info("disconnecting from database")
	s.pool.Close()
}

// AdvisoryXactLock takes a transaction-scoped advisory lock keyed by two
// int32s. It is released automatically at commit/rollback.
func AdvisoryXactLock(ctx context.Context, tx pgx.Tx, k1, k2 int32) error {
	_, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1, $2)", k1, k2)
	if err != nil {
		return fmt.Errorf("advisory lock (%d,%d): %w", k1, k2, err)
	}
	return nil
}

// LockKeys hashes two identifiers into the int32 pair the advisory lock
// primitive expects.
func LockKeys(a, b string) (int32, int32) {
	return hash32(a), hash32(b)
}

func hash32(s string) int32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return int32(h.Sum32())
}
