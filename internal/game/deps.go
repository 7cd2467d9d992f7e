package game

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"crash/internal/seedchain"
	"crash/internal/store"
)

// The engine consumes its collaborators through these narrow interfaces;
// the concrete implementations live in internal/store, internal/seedchain
// and internal/database.

type TxRunner interface {
	WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error
}

type GameStore interface {
	Create(ctx context.Context, tx pgx.Tx, g *store.Game) error
	Current(ctx context.Context) (*store.Game, error)
	Unfinished(ctx context.Context) (*store.Game, error)
	Get(ctx context.Context, id uuid.UUID) (*store.Game, error)
	GetLocked(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*store.Game, error)
	MarkStarting(ctx context.Context, id uuid.UUID) error
	MarkFlying(ctx context.Context, id uuid.UUID, startedAt time.Time) error
	MarkCrashed(ctx context.Context, id uuid.UUID, crashedAt time.Time) error
	MarkEnded(ctx context.Context, id uuid.UUID, endedAt time.Time) error
	ForceEnd(ctx context.Context, id uuid.UUID, at time.Time) error
	FinalizeStats(ctx context.Context, id uuid.UUID) error
	PurgeEnded(ctx context.Context, before time.Time) (int64, error)
}

type BetStore interface {
	Create(ctx context.Context, tx pgx.Tx, b *store.Bet) error
	Exists(ctx context.Context, tx pgx.Tx, gameID uuid.UUID, userID string) (bool, error)
	LockActive(ctx context.Context, tx pgx.Tx, betID uuid.UUID) (*store.Bet, error)
	Settle(ctx context.Context, tx pgx.Tx, betID uuid.UUID, status store.BetStatus,
		multiplier, payout decimal.Decimal, at time.Time) error
	SettleLosses(ctx context.Context, tx pgx.Tx, gameID uuid.UUID, at time.Time) ([]store.Bet, error)
	ActiveByGame(ctx context.Context, gameID uuid.UUID) ([]store.Bet, error)
	ByGame(ctx context.Context, gameID uuid.UUID) ([]store.Bet, error)
}

type AuditStore interface {
	Insert(ctx context.Context, tx pgx.Tx, a *store.Audit) error
}

type SeedSource interface {
	Next(ctx context.Context, tx pgx.Tx) (*seedchain.Entry, error)
}

// AdvisoryLocker takes the per-(player,game) advisory lock ahead of the
// duplicate-bet existence check.
type AdvisoryLocker func(ctx context.Context, tx pgx.Tx, gameID, userID string) error

// LeaderLease is the slice of the leadership lease the machine needs.
type LeaderLease interface {
	AcquireLoop(ctx context.Context) error
	KeepAlive(ctx context.Context) error
	Release(ctx context.Context) error
	Held() bool
}
