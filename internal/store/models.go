package store

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrDuplicateBet   = errors.New("duplicate bet")
	ErrLiveGameExists = errors.New("a live game already exists")
)

type GameStatus string

const (
	GameWaiting  GameStatus = "WAITING"
	GameStarting GameStatus = "STARTING"
	GameFlying   GameStatus = "FLYING"
	GameCrashed  GameStatus = "CRASHED"
	GameEnded    GameStatus = "ENDED"
)

// Live reports whether the status counts against the one-live-game
// invariant.
func (s GameStatus) Live() bool {
	return s == GameWaiting || s == GameStarting || s == GameFlying
}

type BetStatus string

const (
	BetActive    BetStatus = "ACTIVE"
	BetCashedOut BetStatus = "CASHED_OUT"
	BetCrashed   BetStatus = "CRASHED"
)

// Game is one round. The server seed stays internal until the round has
// crashed; the seed hash is the public commitment.
type Game struct {
	ID              uuid.UUID       `json:"id"`
	Status          GameStatus      `json:"status"`
	CrashMultiplier decimal.Decimal `json:"-"`
	ServerSeed      string          `json:"-"`
	SeedHash        string          `json:"seed_hash"`
	ChainIndex      int64           `json:"chain_index"`

	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	CrashedAt *time.Time `json:"crashed_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	BetCount         int             `json:"bet_count"`
	ParticipantCount int             `json:"participant_count"`
	TotalWagered     decimal.Decimal `json:"total_wagered"`
	TotalPaid        decimal.Decimal `json:"total_paid"`
	MaxMultiplier    decimal.Decimal `json:"max_multiplier"`
}

// Bet is one row per player per game. The fiat display snapshot is frozen at
// placement and never recalculated.
type Bet struct {
	ID     uuid.UUID `json:"id"`
	GameID uuid.UUID `json:"game_id"`
	UserID string    `json:"user_id"`
	Asset  string    `json:"asset"`

	Amount      decimal.Decimal  `json:"amount"`
	AutoCashout *decimal.Decimal `json:"auto_cashout,omitempty"`

	Status     BetStatus        `json:"status"`
	Multiplier *decimal.Decimal `json:"multiplier,omitempty"`
	Payout     *decimal.Decimal `json:"payout,omitempty"`
	SettledAt  *time.Time       `json:"settled_at,omitempty"`

	DisplayCurrency string          `json:"display_currency"`
	DisplayAmount   decimal.Decimal `json:"display_amount"`
	DisplayRate     decimal.Decimal `json:"display_rate"`

	CreatedAt time.Time `json:"created_at"`
}

// Audit is the per-operation audit row written alongside every ledger
// mutation.
type Audit struct {
	ID         uuid.UUID        `json:"id"`
	GameID     uuid.UUID        `json:"game_id"`
	BetID      uuid.UUID        `json:"bet_id"`
	UserID     string           `json:"user_id"`
	Action     string           `json:"action"`
	Amount     decimal.Decimal  `json:"amount"`
	Multiplier *decimal.Decimal `json:"multiplier,omitempty"`
	Tag        string           `json:"tag,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

const (
	AuditBetPlaced = "bet_placed"
	AuditCashout   = "cashout"
	AuditLoss      = "loss"

	TagMaxPayout = "max_payout"
	TagAuto      = "auto"
)
