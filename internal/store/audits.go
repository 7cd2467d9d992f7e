package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Audits struct {
	pool *pgxpool.Pool
}

func NewAudits(pool *pgxpool.Pool) *Audits {
	return &Audits{pool: pool}
}

// Insert writes the audit row inside the same transaction as the ledger and
// bet mutation it describes.
func (r *Audits) Insert(ctx context.Context, tx pgx.Tx, a *Audit) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO game_audits (id, game_id, bet_id, user_id, action, amount, multiplier, tag, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.GameID, a.BetID, a.UserID, a.Action, a.Amount, a.Multiplier, a.Tag, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}
