// Package seedchain hands out pre-committed server seeds from the top of
// the chain downward. The chain is generated offline (cmd/seedchain) and
// immutable afterwards; only the cursor row moves. Consuming indices in
// descending order keeps future rounds unpredictable: hashing a revealed
// seed forward only reproduces seeds of rounds already played.
package seedchain

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"crash/internal/logger"
)

// ErrExhausted means the pre-generated chain has run out. There is no safe
// automatic recovery: operators must install a new chain.
var ErrExhausted = errors.New("seed chain exhausted")

type Entry struct {
	Index int64
	Seed  string
}

type Provider struct {
	chainLength int64
}

func NewProvider(chainLength int64) *Provider {
	return &Provider{chainLength: chainLength}
}

// Next moves the cursor down one entry and returns the seed it pointed at,
// all under a row lock inside the caller's transaction. The caller commits
// the cursor move together with the game row that consumes the seed. The
// chain is exhausted once the cursor drops below index zero.
func (p *Provider) Next(ctx context.Context, tx pgx.Tx) (*Entry, error) {
	var next int64
	err := tx.QueryRow(ctx,
		`SELECT next_index FROM chain_cursor WHERE id = 1 FOR UPDATE`).Scan(&next)
	if err != nil {
		return nil, fmt.Errorf("read chain cursor: %w", err)
	}

	if next < 0 || next >= p.chainLength {
		logger.Error("seed chain exhausted, operator intervention required",
			"next_index", next, "chain_length", p.chainLength)
		return nil, ErrExhausted
	}

	var seed string
	err = tx.QueryRow(ctx,
		`SELECT seed FROM seed_chain WHERE chain_index = $1`, next).Scan(&seed)
	if errors.Is(err, pgx.ErrNoRows) {
		logger.Error("seed missing for current chain index", "index", next)
		return nil, fmt.Errorf("seed at index %d: %w", next, ErrExhausted)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch seed: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE chain_cursor SET next_index = next_index - 1 WHERE id = 1`); err != nil {
		return nil, fmt.Errorf("advance chain cursor: %w", err)
	}

	return &Entry{Index: next, Seed: seed}, nil
}
