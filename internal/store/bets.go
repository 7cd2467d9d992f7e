package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const betColumns = `id, game_id, user_id, asset, amount, auto_cashout,
	status, multiplier, payout, settled_at,
	display_currency, display_amount, display_rate, created_at`

type Bets struct {
	pool *pgxpool.Pool
}

func NewBets(pool *pgxpool.Pool) *Bets {
	return &Bets{pool: pool}
}

func scanBet(row pgx.Row) (*Bet, error) {
	var b Bet
	err := row.Scan(
		&b.ID, &b.GameID, &b.UserID, &b.Asset, &b.Amount, &b.AutoCashout,
		&b.Status, &b.Multiplier, &b.Payout, &b.SettledAt,
		&b.DisplayCurrency, &b.DisplayAmount, &b.DisplayRate, &b.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan bet: %w", err)
	}
	return &b, nil
}

func collectBets(rows pgx.Rows) ([]Bet, error) {
	defer rows.Close()
	var bets []Bet
	for rows.Next() {
		b, err := scanBet(rows)
		if err != nil {
			return nil, err
		}
		bets = append(bets, *b)
	}
	return bets, rows.Err()
}

// Create inserts an ACTIVE bet. The unique (game_id, user_id) constraint is
// the storage-level line of defense against double betting; a violation
// surfaces as ErrDuplicateBet.
func (r *Bets) Create(ctx context.Context, tx pgx.Tx, b *Bet) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO bets (id, game_id, user_id, asset, amount, auto_cashout, status,
			display_currency, display_amount, display_rate, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		b.ID, b.GameID, b.UserID, b.Asset, b.Amount, b.AutoCashout, b.Status,
		b.DisplayCurrency, b.DisplayAmount, b.DisplayRate, b.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateBet
		}
		return fmt.Errorf("insert bet: %w", err)
	}
	return nil
}

// Exists pre-checks for a duplicate bet. Callers hold the per-(player,game)
// advisory lock while calling this, so the check cannot race a concurrent
// insert from the same player.
func (r *Bets) Exists(ctx context.Context, tx pgx.Tx, gameID uuid.UUID, userID string) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM bets WHERE game_id = $1 AND user_id = $2)`,
		gameID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("bet exists: %w", err)
	}
	return exists, nil
}

// LockActive row-locks an ACTIVE bet for settlement. A bet that is missing
// or already settled returns ErrNotFound, which is exactly what the loser of
// a settlement race should observe.
func (r *Bets) LockActive(ctx context.Context, tx pgx.Tx, betID uuid.UUID) (*Bet, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+betColumns+` FROM bets
		WHERE id = $1 AND status = 'ACTIVE'
		FOR UPDATE`, betID)
	return scanBet(row)
}

// Settle flips a locked ACTIVE bet to its terminal status.
func (r *Bets) Settle(ctx context.Context, tx pgx.Tx, betID uuid.UUID, status BetStatus,
	multiplier, payout decimal.Decimal, at time.Time) error {

	tag, err := tx.Exec(ctx, `
		UPDATE bets SET status = $2, multiplier = $3, payout = $4, settled_at = $5
		WHERE id = $1 AND status = 'ACTIVE'`,
		betID, status, multiplier, payout, at,
	)
	if err != nil {
		return fmt.Errorf("settle bet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SettleLosses bulk-settles every remaining ACTIVE bet of a crashed game as
// a loss and returns the settled rows for outcome fan-out.
func (r *Bets) SettleLosses(ctx context.Context, tx pgx.Tx, gameID uuid.UUID, at time.Time) ([]Bet, error) {
	rows, err := tx.Query(ctx, `
		UPDATE bets SET status = 'CRASHED', multiplier = 0, payout = 0, settled_at = $2
		WHERE game_id = $1 AND status = 'ACTIVE'
		RETURNING `+betColumns, gameID, at)
	if err != nil {
		return nil, fmt.Errorf("settle losses: %w", err)
	}
	return collectBets(rows)
}

func (r *Bets) ActiveByGame(ctx context.Context, gameID uuid.UUID) ([]Bet, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+betColumns+` FROM bets
		WHERE game_id = $1 AND status = 'ACTIVE'
		ORDER BY created_at`, gameID)
	if err != nil {
		return nil, fmt.Errorf("active bets: %w", err)
	}
	return collectBets(rows)
}

func (r *Bets) ByGame(ctx context.Context, gameID uuid.UUID) ([]Bet, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+betColumns+` FROM bets
		WHERE game_id = $1
		ORDER BY created_at`, gameID)
	if err != nil {
		return nil, fmt.Errorf("bets by game: %w", err)
	}
	return collectBets(rows)
}

func (r *Bets) ByUser(ctx context.Context, userID string, limit int) ([]Bet, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+betColumns+` FROM bets
		WHERE user_id = $1
		ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("bets by user: %w", err)
	}
	return collectBets(rows)
}

// TopCashouts is the per-game leaderboard: biggest settled payouts first.
func (r *Bets) TopCashouts(ctx context.Context, gameID uuid.UUID, limit int) ([]Bet, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+betColumns+` FROM bets
		WHERE game_id = $1 AND status = 'CASHED_OUT'
		ORDER BY payout DESC LIMIT $2`, gameID, limit)
	if err != nil {
		return nil, fmt.Errorf("top cashouts: %w", err)
	}
	return collectBets(rows)
}
