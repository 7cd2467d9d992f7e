package game

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"crash/internal/broadcast"
	"crash/internal/config"
	"crash/internal/database"
	"crash/internal/fair"
	"crash/internal/ledger"
	"crash/internal/logger"
	"crash/internal/store"
)

// BetService implements the bet ledger operations: place-bet and cash-out.
// Each operation is one transaction combining the balance mutation, the bet
// row mutation and the audit row, so no partial state can ever persist.
// These run on any replica, not just the leader.
type BetService struct {
	cfg    *config.Config
	db     TxRunner
	games  GameStore
	bets   BetStore
	audits AuditStore
	wallet ledger.Ledger
	caster broadcast.Broadcaster
	limits LimitsProvider
	curve  fair.Curve

	lock AdvisoryLocker
	now  func() time.Time
}

func NewBetService(cfg *config.Config, db TxRunner, games GameStore, bets BetStore,
	audits AuditStore, wallet ledger.Ledger, caster broadcast.Broadcaster,
	limits LimitsProvider) *BetService {

	return &BetService{
		cfg:    cfg,
		db:     db,
		games:  games,
		bets:   bets,
		audits: audits,
		wallet: wallet,
		caster: caster,
		limits: limits,
		curve:  fair.Curve{C: cfg.Engine.CurveC, K: cfg.Engine.CurveK},
		lock: func(ctx context.Context, tx pgx.Tx, gameID, userID string) error {
			k1, k2 := database.LockKeys(gameID, userID)
			return database.AdvisoryXactLock(ctx, tx, k1, k2)
		},
		now: time.Now,
	}
}

type PlaceBetInput struct {
	UserID      string           `json:"user_id"`
	Amount      decimal.Decimal  `json:"amount"`
	Asset       string           `json:"asset"`
	AutoCashout *decimal.Decimal `json:"auto_cashout,omitempty"`
}

// PlaceBet creates an ACTIVE bet on the current WAITING game.
func (s *BetService) PlaceBet(ctx context.Context, in PlaceBetInput) (*store.Bet, error) {
	if in.Amount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}
	if in.AutoCashout != nil && in.AutoCashout.LessThanOrEqual(decimal.NewFromInt(1)) {
		return nil, ErrInvalidTarget
	}

	game, err := s.games.Current(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNoActiveGame
		}
		return nil, err
	}
	if game.Status != store.GameWaiting {
		return nil, ErrBettingClosed
	}

	if err := s.validateAmount(ctx, in.Amount, in.Asset); err != nil {
		return nil, err
	}

	now := s.now()
	bet := &store.Bet{
		ID:          uuid.New(),
		GameID:      game.ID,
		UserID:      in.UserID,
		Asset:       in.Asset,
		Amount:      in.Amount,
		AutoCashout: in.AutoCashout,
		Status:      store.BetActive,
		CreatedAt:   now,
	}
	s.snapshotDisplay(bet)

	err = s.db.WithTx(ctx, func(tx pgx.Tx) error {
		// Advisory lock first: the existence pre-check and the insert must
		// not race another submission from the same player.
		if err := s.lock(ctx, tx, game.ID.String(), in.UserID); err != nil {
			return err
		}

		// Re-check the phase under a row share lock: MarkStarting may have
		// committed between the pre-check above and this transaction.
		locked, err := s.games.GetLocked(ctx, tx, game.ID)
		if err != nil {
			return err
		}
		if locked.Status != store.GameWaiting {
			return ErrBettingClosed
		}

		exists, err := s.bets.Exists(ctx, tx, game.ID, in.UserID)
		if err != nil {
			return err
		}
		if exists {
			return store.ErrDuplicateBet
		}

		if err := s.wallet.Debit(ctx, tx, in.UserID, in.Amount, in.Asset,
			"bet:"+bet.ID.String(), map[string]string{"game_id": game.ID.String()}); err != nil {
			return err
		}

		if err := s.bets.Create(ctx, tx, bet); err != nil {
			return err
		}

		return s.audits.Insert(ctx, tx, &store.Audit{
			ID:        uuid.New(),
			GameID:    game.ID,
			BetID:     bet.ID,
			UserID:    in.UserID,
			Action:    store.AuditBetPlaced,
			Amount:    in.Amount,
			CreatedAt: now,
		})
	})
	if err != nil {
		return nil, err
	}

	s.caster.Room(broadcast.Event{
		Type: broadcast.EventBetPlaced,
		Data: broadcast.BetPayload{
			GameID:        game.ID.String(),
			BetID:         bet.ID.String(),
			UserID:        in.UserID,
			Amount:        in.Amount,
			Asset:         in.Asset,
			DisplayAmount: bet.DisplayAmount,
		},
	})

	logger.Info("bet placed", "user", in.UserID, "game", game.ID, "amount", in.Amount)
	return bet, nil
}

// CashOut settles the caller's ACTIVE bet at the multiplier the flight has
// reached right now.
func (s *BetService) CashOut(ctx context.Context, userID string, betID uuid.UUID) (*store.Bet, error) {
	return s.settle(ctx, betID, userID, decimal.Zero, "")
}

// AutoCashOut is the scheduler's entry point: it settles at the precomputed
// target multiplier through the identical code path as a manual cash-out.
func (s *BetService) AutoCashOut(ctx context.Context, betID uuid.UUID, target decimal.Decimal, tag string) (*store.Bet, error) {
	return s.settle(ctx, betID, "", target, tag)
}

// settle is the single settlement path. A zero multiplier means "derive
// from the clock" (manual cash-out); a non-zero multiplier is the scheduled
// target. expectUser guards manual calls against settling someone else's
// bet. The row lock guarantees at most one winner between a manual call,
// the auto scheduler and the crash-time bulk settlement.
func (s *BetService) settle(ctx context.Context, betID uuid.UUID, expectUser string,
	multiplier decimal.Decimal, tag string) (*store.Bet, error) {

	var settled *store.Bet

	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		bet, err := s.bets.LockActive(ctx, tx, betID)
		if err != nil {
			return err
		}
		if expectUser != "" && bet.UserID != expectUser {
			return store.ErrNotFound
		}

		game, err := s.games.Get(ctx, bet.GameID)
		if err != nil {
			return err
		}
		if game.Status != store.GameFlying || game.StartedAt == nil {
			return ErrNotFlying
		}

		mult := multiplier
		if mult.IsZero() {
			elapsed := s.now().Sub(*game.StartedAt).Seconds()
			mult = decimal.NewFromFloat(s.curve.MultiplierAt(elapsed))
		}
		// The committed crash multiplier is a hard ceiling: a settlement at
		// or past it belongs to the bulk loss path.
		if mult.GreaterThanOrEqual(game.CrashMultiplier) {
			return store.ErrNotFound
		}

		payout := bet.Amount.Mul(mult).RoundDown(8)

		if err := s.wallet.Credit(ctx, tx, bet.UserID, payout, bet.Asset,
			"cashout:"+bet.ID.String(), map[string]string{"game_id": game.ID.String()}); err != nil {
			return err
		}

		now := s.now()
		if err := s.bets.Settle(ctx, tx, bet.ID, store.BetCashedOut, mult, payout, now); err != nil {
			return err
		}

		if err := s.audits.Insert(ctx, tx, &store.Audit{
			ID:         uuid.New(),
			GameID:     game.ID,
			BetID:      bet.ID,
			UserID:     bet.UserID,
			Action:     store.AuditCashout,
			Amount:     payout,
			Multiplier: &mult,
			Tag:        tag,
			CreatedAt:  now,
		}); err != nil {
			return err
		}

		out := *bet
		out.Status = store.BetCashedOut
		out.Multiplier = &mult
		out.Payout = &payout
		out.SettledAt = &now
		settled = &out
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.caster.Room(broadcast.Event{
		Type: broadcast.EventCashedOut,
		Data: broadcast.CashoutPayload{
			GameID:     settled.GameID.String(),
			BetID:      settled.ID.String(),
			UserID:     settled.UserID,
			Multiplier: *settled.Multiplier,
			Payout:     *settled.Payout,
		},
	})

	logger.Info("bet cashed out", "user", settled.UserID, "bet", settled.ID,
		"multiplier", settled.Multiplier, "payout", settled.Payout, "tag", tag)
	return settled, nil
}

// validateAmount applies the USD-normalized bounds when a rate is known for
// the asset, otherwise the crypto-denominated fallback bounds.
func (s *BetService) validateAmount(ctx context.Context, amount decimal.Decimal, asset string) error {
	limits := s.limits.Limits(ctx)

	if rate, ok := s.cfg.USDRate(asset); ok {
		usd := amount.Mul(rate)
		if usd.LessThan(limits.MinBetUSD) || usd.GreaterThan(limits.MaxBetUSD) {
			return fmt.Errorf("%w: must be between %s and %s USD",
				ErrInvalidAmount, limits.MinBetUSD, limits.MaxBetUSD)
		}
		return nil
	}

	if amount.LessThan(limits.MinBet) || amount.GreaterThan(limits.MaxBet) {
		return fmt.Errorf("%w: must be between %s and %s %s",
			ErrInvalidAmount, limits.MinBet, limits.MaxBet, asset)
	}
	return nil
}

// snapshotDisplay freezes the fiat display fields at placement time; they
// are never recalculated afterwards.
func (s *BetService) snapshotDisplay(bet *store.Bet) {
	if rate, ok := s.cfg.USDRate(bet.Asset); ok {
		bet.DisplayCurrency = "USD"
		bet.DisplayRate = rate
		bet.DisplayAmount = bet.Amount.Mul(rate).Round(2)
		return
	}
	bet.DisplayCurrency = bet.Asset
	bet.DisplayRate = decimal.NewFromInt(1)
	bet.DisplayAmount = bet.Amount
}
