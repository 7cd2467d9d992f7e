package game

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"crash/internal/broadcast"
	"crash/internal/config"
	"crash/internal/fair"
	"crash/internal/logger"
	"crash/internal/seedchain"
	"crash/internal/store"
)

// Timer names used with the scheduler. Phase timers are singletons; auto
// cash-out timers carry the bet id as a suffix.
const (
	timerStarting = "phase:starting"
	timerFlying   = "phase:flying"
	timerCrash    = "phase:crash"
	timerSettle   = "phase:settle"
	timerEnd      = "phase:end"
	timerNewGame  = "phase:new_game"

	autoCashoutPrefix = "autocashout:"
)

// transitionRetryDelay spaces out retries after a transient storage failure
// during a phase transition. The round stalls rather than losing its timer.
const transitionRetryDelay = 2 * time.Second

// Machine drives rounds through WAITING, STARTING, FLYING, CRASHED and
// ENDED. Exactly one process runs it at a time: Run blocks until the
// leadership lease is acquired, resumes whatever round the previous leader
// left behind and then follows the phase timers. Losing the lease cancels
// every timer and sends the machine back to acquisition.
type Machine struct {
	cfg    *config.Config
	db     TxRunner
	games  GameStore
	bets   BetStore
	betsvc *BetService
	audits AuditStore
	chain  SeedSource
	caster broadcast.Broadcaster
	lease  LeaderLease
	limits LimitsProvider

	curve fair.Curve
	sched *Scheduler
	now   func() time.Time

	// transMu serializes phase transitions. A transition arriving while
	// another is in flight is dropped, not queued: the resume path
	// reconstructs state from the database anyway.
	transMu sync.Mutex

	mu       sync.RWMutex
	cur      *store.Game
	tickStop chan struct{}
}

func NewMachine(cfg *config.Config, db TxRunner, games GameStore, bets BetStore,
	betsvc *BetService, audits AuditStore, chain SeedSource, caster broadcast.Broadcaster,
	lease LeaderLease, limits LimitsProvider) *Machine {

	return &Machine{
		cfg:    cfg,
		db:     db,
		games:  games,
		bets:   bets,
		betsvc: betsvc,
		audits: audits,
		chain:  chain,
		caster: caster,
		lease:  lease,
		limits: limits,
		curve:  fair.Curve{C: cfg.Engine.CurveC, K: cfg.Engine.CurveK},
		sched:  NewScheduler(),
		now:    time.Now,
	}
}

// Current returns the in-memory view of the live game, if the machine is
// leading one.
func (m *Machine) Current() *store.Game {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cur == nil {
		return nil
	}
	g := *m.cur
	return &g
}

// Run is the leadership loop. It returns when ctx is cancelled.
func (m *Machine) Run(ctx context.Context) error {
	for {
		if err := m.lease.AcquireLoop(ctx); err != nil {
			return err
		}
		logger.Info("leadership acquired, resuming engine")

		leadCtx, cancel := context.WithCancel(ctx)
		lost := make(chan struct{})
		go func() {
			defer close(lost)
			if err := m.lease.KeepAlive(leadCtx); err != nil && ctx.Err() == nil {
				logger.Warn("leadership lost", "err", err)
			}
		}()

		m.resume(leadCtx)

		select {
		case <-ctx.Done():
			cancel()
			<-lost
			m.standDown()
			releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer releaseCancel()
			return m.lease.Release(releaseCtx)
		case <-lost:
			cancel()
			m.standDown()
			logger.Info("returning to leadership acquisition")
		}
	}
}

// standDown cancels all driving state so a stale ex-leader cannot touch the
// round a new leader now owns.
func (m *Machine) standDown() {
	m.sched.CancelAll()
	m.stopTicker()
	m.mu.Lock()
	m.cur = nil
	m.mu.Unlock()
}

// resume picks up the round the previous leader left behind. The database is
// the only source of truth here: timers are recomputed from absolute
// timestamps, so a round resumed mid-flight crashes at the exact moment it
// always would have.
func (m *Machine) resume(ctx context.Context) {
	game, err := m.games.Unfinished(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			m.createGame(ctx)
			return
		}
		logger.Error("resume: loading current game", "err", err)
		return
	}

	m.setCurrent(game)

	switch game.Status {
	case store.GameWaiting:
		m.sched.At(timerStarting, game.CreatedAt.Add(m.cfg.Engine.BettingDuration), func() {
			m.toStarting(ctx)
		})
		logger.Info("resumed waiting game", "game", game.ID)

	case store.GameStarting:
		flyAt := game.CreatedAt.Add(m.cfg.Engine.BettingDuration + m.cfg.Engine.StartingDuration)
		m.sched.At(timerFlying, flyAt, func() { m.toFlying(ctx) })
		logger.Info("resumed starting game", "game", game.ID)

	case store.GameFlying:
		if game.StartedAt == nil || game.ServerSeed == "" {
			logger.Error("resume: flying game in inconsistent state, force ending", "game", game.ID)
			if err := m.games.ForceEnd(ctx, game.ID, m.now()); err != nil {
				logger.Error("resume: force end", "game", game.ID, "err", err)
			}
			m.setCurrent(nil)
			m.sched.At(timerNewGame, m.now().Add(m.cfg.Engine.EndedDuration), func() {
				m.createGame(ctx)
			})
			return
		}
		crash, _ := game.CrashMultiplier.Float64()
		crashAt := game.StartedAt.Add(time.Duration(m.curve.TimeToMultiplier(crash) * float64(time.Second)))
		m.sched.At(timerCrash, crashAt, func() { m.crash(ctx) })
		m.startTicker(game.ID, *game.StartedAt)
		m.scheduleAutoCashouts(ctx, game, *game.StartedAt)
		logger.Info("resumed flying game", "game", game.ID, "crash_at", crashAt)

	case store.GameCrashed:
		// The previous leader crashed the round but never finished it: sweep
		// the remaining losses and drive it to ENDED before opening a new one.
		logger.Info("resumed crashed game, finishing settlement", "game", game.ID)
		m.settleAndFinish(ctx, game)
	}
}

func (m *Machine) setCurrent(g *store.Game) {
	m.mu.Lock()
	m.cur = g
	m.mu.Unlock()
}

// createGame draws the next seed from the chain and opens a WAITING round.
// Seed consumption and game creation commit atomically. An exhausted chain
// halts the engine rather than improvising seeds.
func (m *Machine) createGame(ctx context.Context) {
	if !m.transMu.TryLock() {
		logger.Warn("dropping duplicate game creation, transition in flight")
		return
	}
	defer m.transMu.Unlock()

	now := m.now()
	game := &store.Game{
		ID:        uuid.New(),
		Status:    store.GameWaiting,
		CreatedAt: now,
	}

	err := m.db.WithTx(ctx, func(tx pgx.Tx) error {
		entry, err := m.chain.Next(ctx, tx)
		if err != nil {
			return err
		}
		crash := fair.CrashMultiplier(entry.Seed, m.cfg.Engine.PublicEntropy, m.cfg.Engine.HouseEdge)
		game.CrashMultiplier = decimal.NewFromFloat(crash)
		game.ServerSeed = entry.Seed
		game.SeedHash = fair.SeedHash(entry.Seed)
		game.ChainIndex = entry.Index
		return m.games.Create(ctx, tx, game)
	})
	if err != nil {
		if errors.Is(err, seedchain.ErrExhausted) {
			logger.Error("engine halted: seed chain exhausted")
			return
		}
		if errors.Is(err, store.ErrLiveGameExists) {
			logger.Warn("a live game already exists, yielding to its leader")
			return
		}
		logger.Error("creating game, retrying", "err", err)
		m.sched.At(timerNewGame, now.Add(transitionRetryDelay), func() { m.createGame(ctx) })
		return
	}

	m.setCurrent(game)

	deadline := now.Add(m.cfg.Engine.BettingDuration)
	m.caster.Room(broadcast.Event{
		Type: broadcast.EventGameWaiting,
		Data: broadcast.PhasePayload{
			GameID:   game.ID.String(),
			SeedHash: game.SeedHash,
			Deadline: &deadline,
		},
	})

	m.sched.At(timerStarting, deadline, func() { m.toStarting(ctx) })
	logger.Info("game created", "game", game.ID, "chain_index", game.ChainIndex)

	go m.purgeHistory(ctx)
}

func (m *Machine) purgeHistory(ctx context.Context) {
	cutoff := m.now().Add(-m.cfg.Engine.HistoryRetention)
	n, err := m.games.PurgeEnded(ctx, cutoff)
	if err != nil {
		logger.Warn("history purge failed", "err", err)
		return
	}
	if n > 0 {
		logger.Info("purged finished games", "count", n, "before", cutoff)
	}
}

// toStarting closes betting.
func (m *Machine) toStarting(ctx context.Context) {
	if !m.transMu.TryLock() {
		logger.Warn("dropping duplicate starting transition")
		return
	}
	defer m.transMu.Unlock()

	game := m.Current()
	if game == nil {
		return
	}
	if err := m.games.MarkStarting(ctx, game.ID); err != nil {
		logger.Error("marking game starting", "game", game.ID, "err", err)
		if !errors.Is(err, store.ErrNotFound) {
			m.sched.At(timerStarting, m.now().Add(transitionRetryDelay), func() { m.toStarting(ctx) })
		}
		return
	}
	game.Status = store.GameStarting
	m.setCurrent(game)

	var wagered decimal.Decimal
	active, err := m.bets.ActiveByGame(ctx, game.ID)
	if err != nil {
		logger.Warn("loading bets for phase broadcast", "game", game.ID, "err", err)
	}
	for _, bet := range active {
		wagered = wagered.Add(bet.Amount)
	}

	deadline := m.now().Add(m.cfg.Engine.StartingDuration)
	m.caster.Room(broadcast.Event{
		Type: broadcast.EventGameStarting,
		Data: broadcast.PhasePayload{
			GameID:       game.ID.String(),
			SeedHash:     game.SeedHash,
			BetCount:     len(active),
			TotalWagered: wagered,
			Deadline:     &deadline,
		},
	})

	m.sched.At(timerFlying, deadline, func() { m.toFlying(ctx) })
}

// toFlying launches the round. The crash timer is scheduled from the growth
// curve inverse, so the flight duration is fully determined by the committed
// multiplier.
func (m *Machine) toFlying(ctx context.Context) {
	if !m.transMu.TryLock() {
		logger.Warn("dropping duplicate flying transition")
		return
	}
	defer m.transMu.Unlock()

	game := m.Current()
	if game == nil {
		return
	}

	startedAt := m.now()
	if err := m.games.MarkFlying(ctx, game.ID, startedAt); err != nil {
		logger.Error("marking game flying", "game", game.ID, "err", err)
		if !errors.Is(err, store.ErrNotFound) {
			m.sched.At(timerFlying, m.now().Add(transitionRetryDelay), func() { m.toFlying(ctx) })
		}
		return
	}
	game.Status = store.GameFlying
	game.StartedAt = &startedAt
	m.setCurrent(game)

	m.caster.Room(broadcast.Event{
		Type: broadcast.EventGameFlying,
		Data: broadcast.PhasePayload{GameID: game.ID.String(), SeedHash: game.SeedHash},
	})

	crash, _ := game.CrashMultiplier.Float64()
	crashAt := startedAt.Add(time.Duration(m.curve.TimeToMultiplier(crash) * float64(time.Second)))
	m.sched.At(timerCrash, crashAt, func() { m.crash(ctx) })

	m.startTicker(game.ID, startedAt)
	m.scheduleAutoCashouts(ctx, game, startedAt)
}

// startTicker broadcasts the live multiplier at the tick interval until the
// round stops flying. Ticks are cosmetic; settlement never reads them.
func (m *Machine) startTicker(gameID uuid.UUID, startedAt time.Time) {
	m.stopTicker()

	stop := make(chan struct{})
	m.mu.Lock()
	m.tickStop = stop
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(m.cfg.Engine.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				elapsed := m.now().Sub(startedAt).Seconds()
				m.caster.Room(broadcast.Event{
					Type: broadcast.EventMultiplier,
					Data: broadcast.MultiplierPayload{
						GameID:     gameID.String(),
						Multiplier: m.curve.MultiplierAt(elapsed),
					},
				})
			}
		}
	}()
}

func (m *Machine) stopTicker() {
	m.mu.Lock()
	if m.tickStop != nil {
		close(m.tickStop)
		m.tickStop = nil
	}
	m.mu.Unlock()
}

// scheduleAutoCashouts arms one timer per bet carrying an auto cash-out
// target. The effective target is capped so the payout cannot exceed the
// platform maximum; a capped timer settles with the max_payout tag.
func (m *Machine) scheduleAutoCashouts(ctx context.Context, game *store.Game, startedAt time.Time) {
	active, err := m.bets.ActiveByGame(ctx, game.ID)
	if err != nil {
		logger.Error("loading active bets for auto cash-out", "game", game.ID, "err", err)
		return
	}

	for _, bet := range active {
		target, tag := m.effectiveTarget(&bet)
		if target == nil {
			continue
		}

		tf, _ := target.Float64()
		fireAt := startedAt.Add(time.Duration(m.curve.TimeToMultiplier(tf) * float64(time.Second)))

		betID, tgt, tg := bet.ID, *target, tag
		m.sched.At(autoCashoutPrefix+betID.String(), fireAt, func() {
			if _, err := m.betsvc.AutoCashOut(ctx, betID, tgt, tg); err != nil {
				if !errors.Is(err, store.ErrNotFound) {
					logger.Warn("auto cash-out failed", "bet", betID, "err", err)
				}
			}
		})
	}
}

// effectiveTarget resolves a bet's scheduled multiplier: the player target
// when one is set, lowered to the payout cap when the cap binds. A cap-only
// target below 1.01x is unschedulable and skipped.
func (m *Machine) effectiveTarget(bet *store.Bet) (*decimal.Decimal, string) {
	var target decimal.Decimal
	tag := store.TagAuto

	if bet.AutoCashout != nil {
		target = *bet.AutoCashout
	}

	if rate, ok := m.cfg.USDRate(bet.Asset); ok {
		limits := m.limits.Limits(context.Background())
		usdStake := bet.Amount.Mul(rate)
		if usdStake.IsPositive() {
			capped := limits.MaxPayoutUSD.Div(usdStake).RoundDown(2)
			if target.IsZero() || capped.LessThan(target) {
				target = capped
				tag = store.TagMaxPayout
			}
		}
	}

	if target.IsZero() {
		return nil, ""
	}
	one := decimal.NewFromInt(1)
	if target.LessThanOrEqual(one) {
		logger.Warn("auto cash-out target at or below 1.00x, skipping", "bet", bet.ID)
		return nil, ""
	}
	return &target, tag
}

// crash flips the round to CRASHED and hands it to settleAndFinish. The
// status flip and the loss sweep are separate commits: the sweep is
// idempotent (only ACTIVE rows), so it can be retried until it lands.
func (m *Machine) crash(ctx context.Context) {
	if !m.transMu.TryLock() {
		logger.Warn("dropping duplicate crash transition")
		return
	}
	defer m.transMu.Unlock()

	game := m.Current()
	if game == nil {
		return
	}

	m.stopTicker()
	m.sched.CancelPrefix(autoCashoutPrefix)

	crashedAt := m.now()
	if err := m.games.MarkCrashed(ctx, game.ID, crashedAt); err != nil {
		logger.Error("marking game crashed", "game", game.ID, "err", err)
		if !errors.Is(err, store.ErrNotFound) {
			m.sched.At(timerCrash, m.now().Add(transitionRetryDelay), func() { m.crash(ctx) })
		}
		return
	}
	game.Status = store.GameCrashed
	game.CrashedAt = &crashedAt
	m.setCurrent(game)

	m.settleAndFinish(ctx, game)
}

// settleAndFinish sweeps the remaining ACTIVE bets as losses, fans out the
// results and schedules the end transition. A failed sweep re-arms itself:
// the round must not end while unsettled bets remain.
func (m *Machine) settleAndFinish(ctx context.Context, game *store.Game) {
	losers, err := m.settleLosses(ctx, game)
	if err != nil {
		logger.Error("settling losses, retrying", "game", game.ID, "err", err)
		m.sched.At(timerSettle, m.now().Add(transitionRetryDelay), func() { m.retrySettle(ctx) })
		return
	}

	m.fanOutResults(ctx, game)

	endAt := m.now().Add(m.cfg.Engine.CrashedDuration)
	if game.CrashedAt != nil {
		endAt = game.CrashedAt.Add(m.cfg.Engine.CrashedDuration)
	}
	m.sched.At(timerEnd, endAt, func() { m.end(ctx) })
	logger.Info("game crashed", "game", game.ID,
		"multiplier", game.CrashMultiplier, "losers", len(losers))
}

func (m *Machine) retrySettle(ctx context.Context) {
	if !m.transMu.TryLock() {
		m.sched.At(timerSettle, m.now().Add(transitionRetryDelay), func() { m.retrySettle(ctx) })
		return
	}
	defer m.transMu.Unlock()

	game := m.Current()
	if game == nil || game.Status != store.GameCrashed {
		return
	}
	m.settleAndFinish(ctx, game)
}

// settleLosses bulk-settles the ACTIVE bets of a crashed round and writes
// their loss audits, all in one transaction.
func (m *Machine) settleLosses(ctx context.Context, game *store.Game) ([]store.Bet, error) {
	at := m.now()
	if game.CrashedAt != nil {
		at = *game.CrashedAt
	}

	var losers []store.Bet
	err := m.db.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		losers, err = m.bets.SettleLosses(ctx, tx, game.ID, at)
		if err != nil {
			return err
		}
		for _, bet := range losers {
			mult := game.CrashMultiplier
			if err := m.audits.Insert(ctx, tx, &store.Audit{
				ID:         uuid.New(),
				GameID:     game.ID,
				BetID:      bet.ID,
				UserID:     bet.UserID,
				Action:     store.AuditLoss,
				Amount:     bet.Amount,
				Multiplier: &mult,
				CreatedAt:  at,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	return losers, err
}

// fanOutResults sends each participant their personal outcome directly and
// the crash reveal to everyone else.
func (m *Machine) fanOutResults(ctx context.Context, game *store.Game) {
	all, err := m.bets.ByGame(ctx, game.ID)
	if err != nil {
		logger.Error("loading bets for result fan-out", "game", game.ID, "err", err)
		all = nil
	}

	participants := make([]string, 0, len(all))
	for _, bet := range all {
		participants = append(participants, bet.UserID)

		result := broadcast.ResultPayload{
			GameID:    game.ID.String(),
			BetID:     bet.ID.String(),
			Win:       bet.Status == store.BetCashedOut,
			CrashedAt: game.CrashMultiplier,
		}
		if bet.Multiplier != nil {
			result.Multiplier = *bet.Multiplier
		}
		if bet.Payout != nil {
			result.Payout = *bet.Payout
		}
		m.caster.Direct(bet.UserID, broadcast.Event{
			Type: broadcast.EventRoundResult,
			Data: result,
		})
	}

	m.caster.RoomExcept(broadcast.Event{
		Type: broadcast.EventGameCrashed,
		Data: broadcast.CrashPayload{
			GameID:     game.ID.String(),
			Multiplier: game.CrashMultiplier,
			ServerSeed: game.ServerSeed,
			ChainIndex: game.ChainIndex,
		},
	}, participants)
}

// end finalizes statistics, announces the round summary and schedules the
// next round.
func (m *Machine) end(ctx context.Context) {
	if !m.transMu.TryLock() {
		logger.Warn("dropping duplicate end transition")
		return
	}
	defer m.transMu.Unlock()

	game := m.Current()
	if game == nil {
		return
	}

	endedAt := m.now()
	if err := m.games.MarkEnded(ctx, game.ID, endedAt); err != nil {
		logger.Error("marking game ended", "game", game.ID, "err", err)
		if !errors.Is(err, store.ErrNotFound) {
			m.sched.At(timerEnd, m.now().Add(transitionRetryDelay), func() { m.end(ctx) })
		}
		return
	}
	if err := m.games.FinalizeStats(ctx, game.ID); err != nil {
		logger.Error("finalizing game stats", "game", game.ID, "err", err)
	}

	final, err := m.games.Get(ctx, game.ID)
	if err != nil {
		logger.Error("reloading ended game", "game", game.ID, "err", err)
		final = game
	}

	m.caster.Room(broadcast.Event{
		Type: broadcast.EventGameEnded,
		Data: broadcast.EndedPayload{
			GameID:           final.ID.String(),
			BetCount:         final.BetCount,
			ParticipantCount: final.ParticipantCount,
			TotalWagered:     final.TotalWagered,
			TotalPaid:        final.TotalPaid,
			MaxMultiplier:    final.MaxMultiplier,
		},
	})

	m.setCurrent(nil)
	m.sched.At(timerNewGame, endedAt.Add(m.cfg.Engine.EndedDuration), func() {
		m.createGame(ctx)
	})
	logger.Info("game ended", "game", game.ID)
}
