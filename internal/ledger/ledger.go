// Package ledger is the balance/wallet collaborator. The engine only relies
// on the narrow Ledger interface; the Postgres implementation below joins the
// caller's transaction so a balance mutation and its bet-row mutation commit
// or roll back together.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientFunds = errors.New("insufficient balance")
	ErrNoWallet          = errors.New("wallet not found")
)

type Wallet struct {
	UserID  string          `json:"user_id"`
	Asset   string          `json:"asset"`
	Balance decimal.Decimal `json:"balance"`
}

type Ledger interface {
	// Debit removes amount from the player's wallet, or returns
	// ErrInsufficientFunds. A repeated idempotency key is a no-op success.
	Debit(ctx context.Context, tx pgx.Tx, userID string, amount decimal.Decimal, asset, idempotencyKey string, meta map[string]string) error
	// Credit adds amount to the player's wallet with the same idempotency
	// contract as Debit.
	Credit(ctx context.Context, tx pgx.Tx, userID string, amount decimal.Decimal, asset, idempotencyKey string, meta map[string]string) error
	// PrimaryWallet returns the player's main wallet (asset hint + balance).
	PrimaryWallet(ctx context.Context, userID string) (*Wallet, error)
}

type PG struct {
	pool *pgxpool.Pool
}

func NewPG(pool *pgxpool.Pool) *PG {
	return &PG{pool: pool}
}

// recordEntry inserts the wallet journal entry. A duplicate idempotency key
// means the logical operation already ran; the caller must then skip the
// balance mutation too.
func recordEntry(ctx context.Context, tx pgx.Tx, userID string, amount decimal.Decimal,
	asset, direction, idempotencyKey string, meta map[string]string) (applied bool, err error) {

	tag, err := tx.Exec(ctx, `
		INSERT INTO wallet_entries (idempotency_key, user_id, asset, direction, amount, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		idempotencyKey, userID, asset, direction, amount, meta,
	)
	if err != nil {
		return false, fmt.Errorf("wallet entry: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (l *PG) Debit(ctx context.Context, tx pgx.Tx, userID string, amount decimal.Decimal,
	asset, idempotencyKey string, meta map[string]string) error {

	applied, err := recordEntry(ctx, tx, userID, amount, asset, "debit", idempotencyKey, meta)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	tag, err := tx.Exec(ctx, `
		UPDATE wallets SET balance = balance - $3, updated_at = now()
		WHERE user_id = $1 AND asset = $2 AND balance >= $3`,
		userID, asset, amount,
	)
	if err != nil {
		return fmt.Errorf("debit wallet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientFunds
	}
	return nil
}

func (l *PG) Credit(ctx context.Context, tx pgx.Tx, userID string, amount decimal.Decimal,
	asset, idempotencyKey string, meta map[string]string) error {

	applied, err := recordEntry(ctx, tx, userID, amount, asset, "credit", idempotencyKey, meta)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	tag, err := tx.Exec(ctx, `
		UPDATE wallets SET balance = balance + $3, updated_at = now()
		WHERE user_id = $1 AND asset = $2`,
		userID, asset, amount,
	)
	if err != nil {
		return fmt.Errorf("credit wallet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoWallet
	}
	return nil
}

func (l *PG) PrimaryWallet(ctx context.Context, userID string) (*Wallet, error) {
	var w Wallet
	err := l.pool.QueryRow(ctx, `
		SELECT user_id, asset, balance FROM wallets
		WHERE user_id = $1 AND is_primary
		LIMIT 1`, userID).Scan(&w.UserID, &w.Asset, &w.Balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoWallet
	}
	if err != nil {
		return nil, fmt.Errorf("primary wallet: %w", err)
	}
	return &w, nil
}
