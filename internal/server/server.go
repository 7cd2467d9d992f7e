package server

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"crash/internal/broadcast"
	"crash/internal/cache"
	"crash/internal/config"
	"crash/internal/database"
	"crash/internal/game"
	"crash/internal/ledger"
	"crash/internal/store"
)

type FiberServer struct {
	*fiber.App

	cfg     *config.Config
	db      database.Service
	cache   cache.Service
	hub     *broadcast.Hub
	machine *game.Machine
	bets    *game.BetService

	games   *store.Games
	betRepo *store.Bets
	wallet  ledger.Ledger
}

type Deps struct {
	Config  *config.Config
	DB      database.Service
	Cache   cache.Service
	Hub     *broadcast.Hub
	Machine *game.Machine
	Bets    *game.BetService
	Games   *store.Games
	BetRepo *store.Bets
	Wallet  ledger.Ledger
}

func New(d Deps) *FiberServer {
	server := &FiberServer{
		App: fiber.New(fiber.Config{
			ServerHeader:  "crash",
			AppName:       "crash",
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  10 * time.Second,
			IdleTimeout:   120 * time.Second,
			StrictRouting: false,
		}),

		cfg:     d.Config,
		db:      d.DB,
		cache:   d.Cache,
		hub:     d.Hub,
		machine: d.Machine,
		bets:    d.Bets,
		games:   d.Games,
		betRepo: d.BetRepo,
		wallet:  d.Wallet,
	}

	server.App.Use(recover.New())
	server.App.Use(limiter.New(limiter.Config{
		Max:        100,
		Expiration: 1 * time.Minute,
	}))

	return server
}
