package broadcast

import (
	"time"

	"github.com/shopspring/decimal"
)

type EventType string

const (
	EventGameWaiting  EventType = "game_waiting"
	EventGameStarting EventType = "game_starting"
	EventGameFlying   EventType = "game_flying"
	EventMultiplier   EventType = "multiplier"
	EventBetPlaced    EventType = "bet_placed"
	EventCashedOut    EventType = "cashed_out"
	EventGameCrashed  EventType = "game_crashed"
	EventRoundResult  EventType = "round_result"
	EventGameEnded    EventType = "game_ended"
	EventInitialState EventType = "initial_state"
)

// Event is the wire envelope for both room broadcasts and direct messages.
// Exclude lists player ids that must not receive a room event (used for the
// crash fan-out, where participants get a direct message instead).
type Event struct {
	Type    EventType `json:"type"`
	Data    any       `json:"data,omitempty"`
	Exclude []string  `json:"exclude,omitempty"`
}

// Broadcaster is the only surface the engine needs from the transport:
// room-wide broadcast and per-player direct send.
type Broadcaster interface {
	Room(ev Event)
	RoomExcept(ev Event, exclude []string)
	Direct(userID string, ev Event)
}

type PhasePayload struct {
	GameID       string          `json:"game_id"`
	SeedHash     string          `json:"seed_hash,omitempty"`
	BetCount     int             `json:"bet_count"`
	TotalWagered decimal.Decimal `json:"total_wagered"`
	Deadline     *time.Time      `json:"deadline,omitempty"`
}

type MultiplierPayload struct {
	GameID     string  `json:"game_id"`
	Multiplier float64 `json:"multiplier"`
}

type BetPayload struct {
	GameID        string          `json:"game_id"`
	BetID         string          `json:"bet_id"`
	UserID        string          `json:"user_id"`
	Amount        decimal.Decimal `json:"amount"`
	Asset         string          `json:"asset"`
	DisplayAmount decimal.Decimal `json:"display_amount"`
}

type CashoutPayload struct {
	GameID     string          `json:"game_id"`
	BetID      string          `json:"bet_id"`
	UserID     string          `json:"user_id"`
	Multiplier decimal.Decimal `json:"multiplier"`
	Payout     decimal.Decimal `json:"payout"`
}

type CrashPayload struct {
	GameID     string          `json:"game_id"`
	Multiplier decimal.Decimal `json:"multiplier"`
	ServerSeed string          `json:"server_seed"`
	ChainIndex int64           `json:"chain_index"`
}

// ResultPayload is the per-participant direct message carrying the player's
// personal outcome, so clients never infer it from the general feed.
type ResultPayload struct {
	GameID     string          `json:"game_id"`
	BetID      string          `json:"bet_id"`
	Win        bool            `json:"win"`
	Multiplier decimal.Decimal `json:"multiplier"`
	Payout     decimal.Decimal `json:"payout"`
	CrashedAt  decimal.Decimal `json:"crashed_at"`
}

type EndedPayload struct {
	GameID           string          `json:"game_id"`
	BetCount         int             `json:"bet_count"`
	ParticipantCount int             `json:"participant_count"`
	TotalWagered     decimal.Decimal `json:"total_wagered"`
	TotalPaid        decimal.Decimal `json:"total_paid"`
	MaxMultiplier    decimal.Decimal `json:"max_multiplier"`
}
