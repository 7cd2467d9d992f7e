package server

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
)

func (s *FiberServer) RegisterFiberRoutes() {
	s.App.Use(cors.New(cors.Config{
		AllowOrigins:     "*",
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH",
		AllowHeaders:     "Accept,Authorization,Content-Type",
		AllowCredentials: false, // credentials require explicit origins
		MaxAge:           300,
	}))

	s.App.Get("/health", s.healthHandler)

	api := s.App.Group("/api/v1")

	api.Get("/game/current", s.currentGameHandler)
	api.Get("/game/history", s.gameHistoryHandler)
	api.Get("/game/:gameId", s.gameHandler)
	api.Get("/game/:gameId/seed", s.revealedSeedHandler)
	api.Post("/game/bet", s.placeBetHandler)
	api.Post("/game/cashout", s.cashoutHandler)

	api.Get("/user/:userId/bets", s.userBetsHandler)
	api.Get("/user/:userId/wallet", s.userWalletHandler)

	api.Post("/fair/verify", s.verifyHandler)

	s.App.Get("/ws", websocket.New(s.wsHandler))
}

func (s *FiberServer) healthHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"database": s.db.Health(),
		"cache":    s.cache.Health(),
		"game": fiber.Map{
			"leading":           s.machine.Current() != nil,
			"connected_clients": s.hub.ClientCount(),
		},
	})
}
