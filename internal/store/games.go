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
)

const gameColumns = `id, status, crash_multiplier, server_seed, seed_hash, chain_index,
	created_at, started_at, crashed_at, ended_at,
	bet_count, participant_count, total_wagered, total_paid, max_multiplier`

// Games is the repository for game rows. Phase mutations are guarded by the
// expected current status so a stale leader cannot rewind a round.
type Games struct {
	pool *pgxpool.Pool
}

func NewGames(pool *pgxpool.Pool) *Games {
	return &Games{pool: pool}
}

func scanGame(row pgx.Row) (*Game, error) {
	var g Game
	err := row.Scan(
		&g.ID, &g.Status, &g.CrashMultiplier, &g.ServerSeed, &g.SeedHash, &g.ChainIndex,
		&g.CreatedAt, &g.StartedAt, &g.CrashedAt, &g.EndedAt,
		&g.BetCount, &g.ParticipantCount, &g.TotalWagered, &g.TotalPaid, &g.MaxMultiplier,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan game: %w", err)
	}
	return &g, nil
}

// Create inserts a fresh WAITING game inside the caller's transaction (the
// same one that advanced the chain cursor). The games_one_live index makes
// the database the final arbiter of the one-live-game invariant: a second
// leader racing this insert gets ErrLiveGameExists.
func (r *Games) Create(ctx context.Context, tx pgx.Tx, g *Game) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO games (id, status, crash_multiplier, server_seed, seed_hash, chain_index, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		g.ID, g.Status, g.CrashMultiplier, g.ServerSeed, g.SeedHash, g.ChainIndex, g.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "games_one_live" {
			return ErrLiveGameExists
		}
		return fmt.Errorf("insert game: %w", err)
	}
	return nil
}

// Current returns the single live game (WAITING/STARTING/FLYING), or
// ErrNotFound.
func (r *Games) Current(ctx context.Context) (*Game, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+gameColumns+` FROM games
		WHERE status IN ('WAITING', 'STARTING', 'FLYING')
		ORDER BY created_at DESC LIMIT 1`)
	return scanGame(row)
}

// Unfinished returns the most recent game that has not reached ENDED. Unlike
// Current it also surfaces a round left behind in CRASHED, so a new leader
// can finish its settlement.
func (r *Games) Unfinished(ctx context.Context) (*Game, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+gameColumns+` FROM games
		WHERE status != 'ENDED'
		ORDER BY created_at DESC LIMIT 1`)
	return scanGame(row)
}

func (r *Games) Get(ctx context.Context, id uuid.UUID) (*Game, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+gameColumns+` FROM games WHERE id = $1`, id)
	return scanGame(row)
}

// GetLocked re-reads a game inside the caller's transaction with a share
// lock, so a concurrent phase transition commits strictly before or after
// the caller's own writes.
func (r *Games) GetLocked(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*Game, error) {
	row := tx.QueryRow(ctx, `SELECT `+gameColumns+` FROM games WHERE id = $1 FOR SHARE`, id)
	return scanGame(row)
}

func (r *Games) transition(ctx context.Context, id uuid.UUID, from, to GameStatus, extra string, args ...any) error {
	sql := fmt.Sprintf(`UPDATE games SET status = '%s'%s WHERE id = $1 AND status = '%s'`, to, extra, from)
	tag, err := r.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("game %s -> %s: %w", from, to, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Games) MarkStarting(ctx context.Context, id uuid.UUID) error {
	return r.transition(ctx, id, GameWaiting, GameStarting, "", id)
}

func (r *Games) MarkFlying(ctx context.Context, id uuid.UUID, startedAt time.Time) error {
	return r.transition(ctx, id, GameStarting, GameFlying, ", started_at = $2", id, startedAt)
}

func (r *Games) MarkCrashed(ctx context.Context, id uuid.UUID, crashedAt time.Time) error {
	return r.transition(ctx, id, GameFlying, GameCrashed, ", crashed_at = $2", id, crashedAt)
}

func (r *Games) MarkEnded(ctx context.Context, id uuid.UUID, endedAt time.Time) error {
	return r.transition(ctx, id, GameCrashed, GameEnded, ", ended_at = $2", id, endedAt)
}

// ForceEnd finishes a game regardless of phase. Used for resume-time
// anomalies where the round cannot be continued safely.
func (r *Games) ForceEnd(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE games SET status = 'ENDED',
			crashed_at = COALESCE(crashed_at, $2),
			ended_at = $2
		WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("force end game: %w", err)
	}
	return nil
}

// FinalizeStats aggregates post-game statistics from the bet rows.
func (r *Games) FinalizeStats(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE games g SET
			bet_count = s.bet_count,
			participant_count = s.participant_count,
			total_wagered = s.total_wagered,
			total_paid = s.total_paid,
			max_multiplier = s.max_multiplier
		FROM (
			SELECT
				COUNT(*) AS bet_count,
				COUNT(DISTINCT user_id) AS participant_count,
				COALESCE(SUM(amount), 0) AS total_wagered,
				COALESCE(SUM(payout), 0) AS total_paid,
				COALESCE(MAX(multiplier), 0) AS max_multiplier
			FROM bets WHERE game_id = $1
		) s
		WHERE g.id = $1`, id)
	if err != nil {
		return fmt.Errorf("finalize stats: %w", err)
	}
	return nil
}

// PurgeEnded deletes ended games (and their bets, via FK cascade) older
// than the retention window.
func (r *Games) PurgeEnded(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM games WHERE status = 'ENDED' AND ended_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge games: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RevealedSeed returns the server seed of a finished game. Seeds of live
// games are never reachable through this path.
func (r *Games) RevealedSeed(ctx context.Context, id uuid.UUID) (seed string, chainIndex int64, err error) {
	row := r.pool.QueryRow(ctx, `
		SELECT server_seed, chain_index FROM games
		WHERE id = $1 AND status IN ('CRASHED', 'ENDED')`, id)
	if err := row.Scan(&seed, &chainIndex); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", 0, ErrNotFound
		}
		return "", 0, fmt.Errorf("revealed seed: %w", err)
	}
	return seed, chainIndex, nil
}

// Recent lists finished games for the public history feed.
func (r *Games) Recent(ctx context.Context, limit int) ([]Game, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+gameColumns+` FROM games
		WHERE status IN ('CRASHED', 'ENDED')
		ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent games: %w", err)
	}
	defer rows.Close()

	var games []Game
	for rows.Next() {
		g, err := scanGame(rows)
		if err != nil {
			return nil, err
		}
		games = append(games, *g)
	}
	return games, rows.Err()
}
