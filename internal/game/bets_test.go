package game

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crash/internal/broadcast"
	"crash/internal/ledger"
	"crash/internal/store"
)

type betFixture struct {
	svc    *BetService
	games  *fakeGames
	bets   *fakeBets
	audits *fakeAudits
	wallet *fakeLedger
	caster *fakeCaster
	now    time.Time
}

func newBetFixture(t *testing.T) *betFixture {
	t.Helper()
	cfg := testConfig()
	f := &betFixture{
		games:  &fakeGames{},
		bets:   newFakeBets(),
		audits: &fakeAudits{},
		wallet: newFakeLedger(),
		caster: newFakeCaster(),
		now:    time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC),
	}
	f.svc = NewBetService(cfg, fakeTx{}, f.games, f.bets, f.audits, f.wallet, f.caster, testLimits(cfg))
	f.svc.lock = func(context.Context, pgx.Tx, string, string) error { return nil }
	f.svc.now = func() time.Time { return f.now }
	return f
}

func (f *betFixture) waitingGame() *store.Game {
	g := &store.Game{
		ID:              uuid.New(),
		Status:          store.GameWaiting,
		CrashMultiplier: decimal.RequireFromString("10.00"),
		ServerSeed:      "seed",
		SeedHash:        "hash",
		CreatedAt:       f.now,
	}
	f.games.current = g
	return g
}

func (f *betFixture) flyingGame(crash string, startedAgo time.Duration) *store.Game {
	started := f.now.Add(-startedAgo)
	g := &store.Game{
		ID:              uuid.New(),
		Status:          store.GameFlying,
		CrashMultiplier: decimal.RequireFromString(crash),
		ServerSeed:      "seed",
		SeedHash:        "hash",
		CreatedAt:       started.Add(-9 * time.Second),
		StartedAt:       &started,
	}
	f.games.current = g
	return g
}

func TestPlaceBetDebitsWalletAndRecordsBet(t *testing.T) {
	f := newBetFixture(t)
	f.waitingGame()
	f.wallet.fund("alice", "USDT", decimal.RequireFromString("100"))

	bet, err := f.svc.PlaceBet(context.Background(), PlaceBetInput{
		UserID: "alice",
		Amount: decimal.RequireFromString("10"),
		Asset:  "USDT",
	})
	require.NoError(t, err)

	assert.Equal(t, store.BetActive, bet.Status)
	assert.Equal(t, "USD", bet.DisplayCurrency)
	assert.True(t, bet.DisplayAmount.Equal(decimal.RequireFromString("10")))
	assert.True(t, f.wallet.balance("alice", "USDT").Equal(decimal.RequireFromString("90")))

	require.NotNil(t, f.bets.get(bet.ID))
	require.Len(t, f.audits.byAction(store.AuditBetPlaced), 1)
	assert.Contains(t, f.caster.roomTypes(), broadcast.EventBetPlaced)
}

func TestPlaceBetCryptoFallbackSnapshot(t *testing.T) {
	f := newBetFixture(t)
	f.waitingGame()
	f.wallet.fund("bob", "BTC", decimal.RequireFromString("1"))

	bet, err := f.svc.PlaceBet(context.Background(), PlaceBetInput{
		UserID: "bob",
		Amount: decimal.RequireFromString("0.001"),
		Asset:  "BTC",
	})
	require.NoError(t, err)

	assert.Equal(t, "BTC", bet.DisplayCurrency)
	assert.True(t, bet.DisplayRate.Equal(decimal.NewFromInt(1)))
	assert.True(t, bet.DisplayAmount.Equal(decimal.RequireFromString("0.001")))
}

func TestPlaceBetRejectsOutsideWaiting(t *testing.T) {
	f := newBetFixture(t)
	f.flyingGame("5.00", time.Second)

	_, err := f.svc.PlaceBet(context.Background(), PlaceBetInput{
		UserID: "alice",
		Amount: decimal.RequireFromString("10"),
		Asset:  "USDT",
	})
	assert.ErrorIs(t, err, ErrBettingClosed)
}

func TestPlaceBetRejectsWhenBettingClosesMidRequest(t *testing.T) {
	f := newBetFixture(t)
	game := f.waitingGame()
	f.wallet.fund("alice", "USDT", decimal.RequireFromString("100"))

	// Betting closes after the phase pre-check but before the transaction
	// commits; the in-transaction re-read must catch it.
	f.svc.lock = func(context.Context, pgx.Tx, string, string) error {
		f.games.mu.Lock()
		f.games.current.Status = store.GameStarting
		f.games.mu.Unlock()
		return nil
	}

	_, err := f.svc.PlaceBet(context.Background(), PlaceBetInput{
		UserID: "alice",
		Amount: decimal.RequireFromString("10"),
		Asset:  "USDT",
	})
	assert.ErrorIs(t, err, ErrBettingClosed)
	assert.True(t, f.wallet.balance("alice", "USDT").Equal(decimal.RequireFromString("100")),
		"no debit once betting closed")

	exists, err := f.bets.Exists(context.Background(), nil, game.ID, "alice")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestPlaceBetNoActiveGame(t *testing.T) {
	f := newBetFixture(t)

	_, err := f.svc.PlaceBet(context.Background(), PlaceBetInput{
		UserID: "alice",
		Amount: decimal.RequireFromString("10"),
		Asset:  "USDT",
	})
	assert.ErrorIs(t, err, ErrNoActiveGame)
}

func TestPlaceBetValidation(t *testing.T) {
	f := newBetFixture(t)
	f.waitingGame()
	f.wallet.fund("alice", "USDT", decimal.RequireFromString("100000"))

	low := decimal.RequireFromString("1.0")
	tests := []struct {
		name string
		in   PlaceBetInput
		want error
	}{
		{"zero amount", PlaceBetInput{UserID: "a", Amount: decimal.Zero, Asset: "USDT"}, ErrInvalidAmount},
		{"negative amount", PlaceBetInput{UserID: "a", Amount: decimal.RequireFromString("-1"), Asset: "USDT"}, ErrInvalidAmount},
		{"below usd minimum", PlaceBetInput{UserID: "a", Amount: decimal.RequireFromString("0.01"), Asset: "USDT"}, ErrInvalidAmount},
		{"above usd maximum", PlaceBetInput{UserID: "a", Amount: decimal.RequireFromString("5000"), Asset: "USDT"}, ErrInvalidAmount},
		{"target at 1.0", PlaceBetInput{UserID: "a", Amount: decimal.RequireFromString("10"), Asset: "USDT", AutoCashout: &low}, ErrInvalidTarget},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.PlaceBet(context.Background(), tt.in)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestPlaceBetDuplicateRejected(t *testing.T) {
	f := newBetFixture(t)
	f.waitingGame()
	f.wallet.fund("alice", "USDT", decimal.RequireFromString("100"))

	in := PlaceBetInput{UserID: "alice", Amount: decimal.RequireFromString("10"), Asset: "USDT"}
	_, err := f.svc.PlaceBet(context.Background(), in)
	require.NoError(t, err)

	_, err = f.svc.PlaceBet(context.Background(), in)
	assert.ErrorIs(t, err, store.ErrDuplicateBet)

	// Only the first debit went through.
	assert.True(t, f.wallet.balance("alice", "USDT").Equal(decimal.RequireFromString("90")))
}

func TestPlaceBetInsufficientFunds(t *testing.T) {
	f := newBetFixture(t)
	game := f.waitingGame()
	f.wallet.fund("alice", "USDT", decimal.RequireFromString("5"))

	_, err := f.svc.PlaceBet(context.Background(), PlaceBetInput{
		UserID: "alice",
		Amount: decimal.RequireFromString("10"),
		Asset:  "USDT",
	})
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	exists, err := f.bets.Exists(context.Background(), nil, game.ID, "alice")
	require.NoError(t, err)
	assert.False(t, exists, "failed debit must not leave a bet row")
}

func TestCashOutPaysStakeTimesMultiplier(t *testing.T) {
	f := newBetFixture(t)
	// Ten seconds in: m = 1 + 0.06*10^1.8 floored to 4.78.
	game := f.flyingGame("50.00", 10*time.Second)

	bet := &store.Bet{
		ID:     uuid.New(),
		GameID: game.ID,
		UserID: "alice",
		Asset:  "USDT",
		Amount: decimal.RequireFromString("10"),
		Status: store.BetActive,
	}
	f.bets.add(bet)

	settled, err := f.svc.CashOut(context.Background(), "alice", bet.ID)
	require.NoError(t, err)

	assert.Equal(t, store.BetCashedOut, settled.Status)
	require.NotNil(t, settled.Multiplier)
	assert.True(t, settled.Multiplier.Equal(decimal.RequireFromString("4.78")),
		"got %s", settled.Multiplier)
	assert.True(t, settled.Payout.Equal(decimal.RequireFromString("47.8")),
		"got %s", settled.Payout)
	assert.True(t, f.wallet.balance("alice", "USDT").Equal(decimal.RequireFromString("47.8")))

	require.Len(t, f.audits.byAction(store.AuditCashout), 1)
	assert.Contains(t, f.caster.roomTypes(), broadcast.EventCashedOut)
}

func TestCashOutAtOrPastCrashMultiplierRejected(t *testing.T) {
	f := newBetFixture(t)
	// Crash at 2.00x happened seconds ago; a late cash-out must lose.
	game := f.flyingGame("2.00", 30*time.Second)

	bet := &store.Bet{
		ID:     uuid.New(),
		GameID: game.ID,
		UserID: "alice",
		Asset:  "USDT",
		Amount: decimal.RequireFromString("10"),
		Status: store.BetActive,
	}
	f.bets.add(bet)

	_, err := f.svc.CashOut(context.Background(), "alice", bet.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.True(t, f.wallet.balance("alice", "USDT").IsZero())
	assert.Equal(t, store.BetActive, f.bets.get(bet.ID).Status)
}

func TestCashOutWrongUserRejected(t *testing.T) {
	f := newBetFixture(t)
	game := f.flyingGame("50.00", 5*time.Second)

	bet := &store.Bet{
		ID:     uuid.New(),
		GameID: game.ID,
		UserID: "alice",
		Asset:  "USDT",
		Amount: decimal.RequireFromString("10"),
		Status: store.BetActive,
	}
	f.bets.add(bet)

	_, err := f.svc.CashOut(context.Background(), "mallory", bet.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCashOutTwiceSecondLoses(t *testing.T) {
	f := newBetFixture(t)
	game := f.flyingGame("50.00", 5*time.Second)

	bet := &store.Bet{
		ID:     uuid.New(),
		GameID: game.ID,
		UserID: "alice",
		Asset:  "USDT",
		Amount: decimal.RequireFromString("10"),
		Status: store.BetActive,
	}
	f.bets.add(bet)

	_, err := f.svc.CashOut(context.Background(), "alice", bet.ID)
	require.NoError(t, err)
	balance := f.wallet.balance("alice", "USDT")

	_, err = f.svc.CashOut(context.Background(), "alice", bet.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.True(t, f.wallet.balance("alice", "USDT").Equal(balance), "no double credit")
}

func TestCashOutRequiresFlyingGame(t *testing.T) {
	f := newBetFixture(t)
	game := f.waitingGame()

	bet := &store.Bet{
		ID:     uuid.New(),
		GameID: game.ID,
		UserID: "alice",
		Asset:  "USDT",
		Amount: decimal.RequireFromString("10"),
		Status: store.BetActive,
	}
	f.bets.add(bet)

	_, err := f.svc.CashOut(context.Background(), "alice", bet.ID)
	assert.ErrorIs(t, err, ErrNotFlying)
}

func TestAutoCashOutSettlesAtTarget(t *testing.T) {
	f := newBetFixture(t)
	game := f.flyingGame("50.00", 20*time.Second)

	bet := &store.Bet{
		ID:     uuid.New(),
		GameID: game.ID,
		UserID: "alice",
		Asset:  "USDT",
		Amount: decimal.RequireFromString("10"),
		Status: store.BetActive,
	}
	f.bets.add(bet)

	settled, err := f.svc.AutoCashOut(context.Background(), bet.ID, decimal.RequireFromString("2.50"), store.TagAuto)
	require.NoError(t, err)

	assert.True(t, settled.Multiplier.Equal(decimal.RequireFromString("2.50")))
	assert.True(t, settled.Payout.Equal(decimal.RequireFromString("25")))

	audits := f.audits.byAction(store.AuditCashout)
	require.Len(t, audits, 1)
	assert.Equal(t, store.TagAuto, audits[0].Tag)
}
