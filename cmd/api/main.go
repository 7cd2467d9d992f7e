package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"crash/internal/broadcast"
	"crash/internal/cache"
	"crash/internal/config"
	"crash/internal/database"
	"crash/internal/game"
	"crash/internal/lease"
	"crash/internal/ledger"
	"crash/internal/logger"
	"crash/internal/seedchain"
	"crash/internal/server"
	"crash/internal/store"
)

func main() {
	logger.Init(&logger.Options{
		Level:      slog.LevelInfo,
		TimeFormat: time.Kitchen,
	})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("loading config", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.New(ctx, cfg.Database.URL)
	if err != nil {
		logger.Fatal("connecting to database", "err", err)
	}
	defer db.Close()

	cacheSvc, err := cache.New(cfg.Redis)
	if err != nil {
		logger.Fatal("connecting to redis", "err", err)
	}
	defer cacheSvc.Close()

	natsConn, err := broadcast.Connect(cfg.NATS.URL)
	if err != nil {
		logger.Fatal("connecting to nats", "err", err)
	}
	defer natsConn.Close()

	hub := broadcast.NewHub()
	bus := broadcast.NewBus(natsConn, hub)
	if err := bus.Subscribe(); err != nil {
		logger.Fatal("subscribing to broadcast subjects", "err", err)
	}

	games := store.NewGames(db.Pool())
	bets := store.NewBets(db.Pool())
	audits := store.NewAudits(db.Pool())
	wallet := ledger.NewPG(db.Pool())
	limits := game.NewRedisLimits(cacheSvc.GetClient(), cfg.Limits)
	chain := seedchain.NewProvider(cfg.Engine.ChainLength)
	leaderLease := lease.New(cacheSvc.GetClient(), cfg.Lease.Key, cfg.Lease.TTL)

	betsvc := game.NewBetService(cfg, db, games, bets, audits, wallet, bus, limits)
	machine := game.NewMachine(cfg, db, games, bets, betsvc, audits, chain, bus, leaderLease, limits)

	machineDone := make(chan struct{})
	go func() {
		defer close(machineDone)
		if err := machine.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("engine stopped", "err", err)
		}
	}()

	srv := server.New(server.Deps{
		Config:  cfg,
		DB:      db,
		Cache:   cacheSvc,
		Hub:     hub,
		Machine: machine,
		Bets:    betsvc,
		Games:   games,
		BetRepo: bets,
		Wallet:  wallet,
	})
	srv.RegisterFiberRoutes()

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		logger.Info("http server listening", "addr", addr)
		if err := srv.Listen(addr); err != nil {
			logger.Fatal("http server failed", "err", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	if err := srv.ShutdownWithTimeout(10 * time.Second); err != nil {
		logger.Error("http shutdown", "err", err)
	}

	// Wait for the machine to release the lease so the next leader does not
	// sit out a full TTL.
	select {
	case <-machineDone:
	case <-time.After(5 * time.Second):
		logger.Warn("engine did not stop in time")
	}
}
