package game

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"crash/internal/broadcast"
	"crash/internal/config"
	"crash/internal/ledger"
	"crash/internal/store"
)

// In-memory fakes for the engine's collaborators. They run the transaction
// callback with a nil tx; none of the fakes touch it.

type fakeTx struct{}

func (fakeTx) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return fn(nil)
}

type fakeGames struct {
	mu      sync.Mutex
	current *store.Game
	forced  []uuid.UUID
	purged  int

	// transitionErr fails the next phase transition once.
	transitionErr error
}

func (f *fakeGames) Create(_ context.Context, _ pgx.Tx, g *store.Game) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current != nil && f.current.Status.Live() {
		return store.ErrLiveGameExists
	}
	cp := *g
	f.current = &cp
	return nil
}

func (f *fakeGames) Current(context.Context) (*store.Game, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil || !f.current.Status.Live() {
		return nil, store.ErrNotFound
	}
	cp := *f.current
	return &cp, nil
}

func (f *fakeGames) Unfinished(context.Context) (*store.Game, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil || f.current.Status == store.GameEnded {
		return nil, store.ErrNotFound
	}
	cp := *f.current
	return &cp, nil
}

func (f *fakeGames) Get(_ context.Context, id uuid.UUID) (*store.Game, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil || f.current.ID != id {
		return nil, store.ErrNotFound
	}
	cp := *f.current
	return &cp, nil
}

func (f *fakeGames) GetLocked(ctx context.Context, _ pgx.Tx, id uuid.UUID) (*store.Game, error) {
	return f.Get(ctx, id)
}

func (f *fakeGames) transition(id uuid.UUID, from, to store.GameStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transitionErr != nil {
		err := f.transitionErr
		f.transitionErr = nil
		return err
	}
	if f.current == nil || f.current.ID != id || f.current.Status != from {
		return store.ErrNotFound
	}
	f.current.Status = to
	return nil
}

func (f *fakeGames) MarkStarting(_ context.Context, id uuid.UUID) error {
	return f.transition(id, store.GameWaiting, store.GameStarting)
}

func (f *fakeGames) MarkFlying(_ context.Context, id uuid.UUID, startedAt time.Time) error {
	if err := f.transition(id, store.GameStarting, store.GameFlying); err != nil {
		return err
	}
	f.mu.Lock()
	f.current.StartedAt = &startedAt
	f.mu.Unlock()
	return nil
}

func (f *fakeGames) MarkCrashed(_ context.Context, id uuid.UUID, crashedAt time.Time) error {
	if err := f.transition(id, store.GameFlying, store.GameCrashed); err != nil {
		return err
	}
	f.mu.Lock()
	f.current.CrashedAt = &crashedAt
	f.mu.Unlock()
	return nil
}

func (f *fakeGames) MarkEnded(_ context.Context, id uuid.UUID, endedAt time.Time) error {
	if err := f.transition(id, store.GameCrashed, store.GameEnded); err != nil {
		return err
	}
	f.mu.Lock()
	f.current.EndedAt = &endedAt
	f.mu.Unlock()
	return nil
}

func (f *fakeGames) ForceEnd(_ context.Context, id uuid.UUID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forced = append(f.forced, id)
	if f.current != nil && f.current.ID == id {
		f.current.Status = store.GameEnded
		f.current.EndedAt = &at
	}
	return nil
}

func (f *fakeGames) FinalizeStats(context.Context, uuid.UUID) error { return nil }

func (f *fakeGames) PurgeEnded(context.Context, time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purged++
	return 0, nil
}

type fakeBets struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*store.Bet

	// settleLossesErr fails the next bulk settlement once.
	settleLossesErr error
}

func newFakeBets() *fakeBets {
	return &fakeBets{rows: make(map[uuid.UUID]*store.Bet)}
}

func (f *fakeBets) add(b *store.Bet) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *b
	f.rows[b.ID] = &cp
}

func (f *fakeBets) get(id uuid.UUID) *store.Bet {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.rows[id]; ok {
		cp := *b
		return &cp
	}
	return nil
}

func (f *fakeBets) Create(_ context.Context, _ pgx.Tx, b *store.Bet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.GameID == b.GameID && row.UserID == b.UserID {
			return store.ErrDuplicateBet
		}
	}
	cp := *b
	f.rows[b.ID] = &cp
	return nil
}

func (f *fakeBets) Exists(_ context.Context, _ pgx.Tx, gameID uuid.UUID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.GameID == gameID && row.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeBets) LockActive(_ context.Context, _ pgx.Tx, betID uuid.UUID) (*store.Bet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.rows[betID]
	if !ok || b.Status != store.BetActive {
		return nil, store.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (f *fakeBets) Settle(_ context.Context, _ pgx.Tx, betID uuid.UUID, status store.BetStatus,
	multiplier, payout decimal.Decimal, at time.Time) error {

	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.rows[betID]
	if !ok || b.Status != store.BetActive {
		return store.ErrNotFound
	}
	b.Status = status
	b.Multiplier = &multiplier
	b.Payout = &payout
	b.SettledAt = &at
	return nil
}

func (f *fakeBets) SettleLosses(_ context.Context, _ pgx.Tx, gameID uuid.UUID, at time.Time) ([]store.Bet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.settleLossesErr != nil {
		err := f.settleLossesErr
		f.settleLossesErr = nil
		return nil, err
	}
	var losers []store.Bet
	for _, b := range f.rows {
		if b.GameID == gameID && b.Status == store.BetActive {
			b.Status = store.BetCrashed
			b.SettledAt = &at
			losers = append(losers, *b)
		}
	}
	return losers, nil
}

func (f *fakeBets) ActiveByGame(_ context.Context, gameID uuid.UUID) ([]store.Bet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Bet
	for _, b := range f.rows {
		if b.GameID == gameID && b.Status == store.BetActive {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (f *fakeBets) ByGame(_ context.Context, gameID uuid.UUID) ([]store.Bet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Bet
	for _, b := range f.rows {
		if b.GameID == gameID {
			out = append(out, *b)
		}
	}
	return out, nil
}

type fakeAudits struct {
	mu   sync.Mutex
	rows []store.Audit
}

func (f *fakeAudits) Insert(_ context.Context, _ pgx.Tx, a *store.Audit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, *a)
	return nil
}

func (f *fakeAudits) byAction(action string) []store.Audit {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Audit
	for _, a := range f.rows {
		if a.Action == action {
			out = append(out, a)
		}
	}
	return out
}

type fakeLedger struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
	keys     map[string]bool
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		balances: make(map[string]decimal.Decimal),
		keys:     make(map[string]bool),
	}
}

func (f *fakeLedger) fund(userID, asset string, amount decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[userID+"|"+asset] = amount
}

func (f *fakeLedger) balance(userID, asset string) decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[userID+"|"+asset]
}

func (f *fakeLedger) Debit(_ context.Context, _ pgx.Tx, userID string, amount decimal.Decimal,
	asset, key string, _ map[string]string) error {

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.keys[key] {
		return nil
	}
	bal := f.balances[userID+"|"+asset]
	if bal.LessThan(amount) {
		return ledger.ErrInsufficientFunds
	}
	f.keys[key] = true
	f.balances[userID+"|"+asset] = bal.Sub(amount)
	return nil
}

func (f *fakeLedger) Credit(_ context.Context, _ pgx.Tx, userID string, amount decimal.Decimal,
	asset, key string, _ map[string]string) error {

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.keys[key] {
		return nil
	}
	f.keys[key] = true
	f.balances[userID+"|"+asset] = f.balances[userID+"|"+asset].Add(amount)
	return nil
}

func (f *fakeLedger) PrimaryWallet(context.Context, string) (*ledger.Wallet, error) {
	return nil, ledger.ErrNoWallet
}

type fakeCaster struct {
	mu     sync.Mutex
	room   []broadcast.Event
	except map[int][]string
	direct map[string][]broadcast.Event
}

func newFakeCaster() *fakeCaster {
	return &fakeCaster{
		except: make(map[int][]string),
		direct: make(map[string][]broadcast.Event),
	}
}

func (f *fakeCaster) Room(ev broadcast.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.room = append(f.room, ev)
}

func (f *fakeCaster) RoomExcept(ev broadcast.Event, exclude []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.room = append(f.room, ev)
	f.except[len(f.room)-1] = exclude
}

func (f *fakeCaster) Direct(userID string, ev broadcast.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.direct[userID] = append(f.direct[userID], ev)
}

func (f *fakeCaster) roomTypes() []broadcast.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]broadcast.EventType, 0, len(f.room))
	for _, ev := range f.room {
		out = append(out, ev.Type)
	}
	return out
}

func (f *fakeCaster) directTo(userID string) []broadcast.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.direct[userID]
}

func testConfig() *config.Config {
	return &config.Config{
		Engine: config.Engine{
			HouseEdge:        0.01,
			CurveC:           0.06,
			CurveK:           1.8,
			BettingDuration:  7 * time.Second,
			StartingDuration: 2 * time.Second,
			CrashedDuration:  3 * time.Second,
			EndedDuration:    2 * time.Second,
			TickInterval:     100 * time.Millisecond,
			HistoryRetention: 168 * time.Hour,
			ChainLength:      1000,
			PublicEntropy:    "test-entropy",
		},
		Limits: config.Limits{
			MinBetUSD:    decimal.RequireFromString("0.10"),
			MaxBetUSD:    decimal.RequireFromString("1000"),
			MaxPayoutUSD: decimal.RequireFromString("20000"),
			MinBet:       decimal.RequireFromString("0.0001"),
			MaxBet:       decimal.RequireFromString("1"),
			USDRates:     map[string]string{"USDT": "1"},
		},
	}
}

func testLimits(cfg *config.Config) StaticLimits {
	return StaticLimits{L: Limits{
		MinBetUSD:    cfg.Limits.MinBetUSD,
		MaxBetUSD:    cfg.Limits.MaxBetUSD,
		MaxPayoutUSD: cfg.Limits.MaxPayoutUSD,
		MinBet:       cfg.Limits.MinBet,
		MaxBet:       cfg.Limits.MaxBet,
	}}
}
