package server

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"crash/internal/fair"
	"crash/internal/game"
	"crash/internal/ledger"
	"crash/internal/logger"
	"crash/internal/store"
)

// errorResponse maps domain errors to HTTP statuses. Unknown errors become
// an opaque 500 so internals never leak to clients.
func errorResponse(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, game.ErrInvalidAmount),
		errors.Is(err, game.ErrInvalidTarget),
		errors.Is(err, game.ErrBettingClosed),
		errors.Is(err, game.ErrNotFlying):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, game.ErrNoActiveGame),
		errors.Is(err, ledger.ErrNoWallet),
		errors.Is(err, store.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, store.ErrDuplicateBet):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	default:
		logger.Error("request failed", "path", c.Path(), "err", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}
}

// currentGameHandler returns the live round plus its active bets. The JSON
// tags on the game row keep the server seed and crash multiplier out of the
// response while the round is live.
func (s *FiberServer) currentGameHandler(c *fiber.Ctx) error {
	g := s.machine.Current()
	if g == nil {
		var err error
		g, err = s.games.Current(c.Context())
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return errorResponse(c, game.ErrNoActiveGame)
			}
			return errorResponse(c, err)
		}
	}

	bets, err := s.betRepo.ActiveByGame(c.Context(), g.ID)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{"game": g, "bets": bets})
}

func (s *FiberServer) gameHistoryHandler(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 20)
	if limit < 1 || limit > 100 {
		limit = 20
	}
	games, err := s.games.Recent(c.Context(), limit)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{"games": games})
}

func (s *FiberServer) gameHandler(c *fiber.Ctx) error {
	gameID, err := uuid.Parse(c.Params("gameId"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid game id"})
	}

	g, err := s.games.Get(c.Context(), gameID)
	if err != nil {
		return errorResponse(c, err)
	}
	top, err := s.betRepo.TopCashouts(c.Context(), gameID, 10)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{"game": g, "top_cashouts": top})
}

// revealedSeedHandler exposes everything a third party needs to verify a
// finished round: the revealed seed, its chain position and the fixed
// fairness parameters. Live rounds return 404.
func (s *FiberServer) revealedSeedHandler(c *fiber.Ctx) error {
	gameID, err := uuid.Parse(c.Params("gameId"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid game id"})
	}

	seed, chainIndex, err := s.games.RevealedSeed(c.Context(), gameID)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{
		"game_id":        gameID,
		"server_seed":    seed,
		"seed_hash":      fair.SeedHash(seed),
		"chain_index":    chainIndex,
		"chain_length":   s.cfg.Engine.ChainLength,
		"terminal_hash":  s.cfg.Engine.TerminalHash,
		"public_entropy": s.cfg.Engine.PublicEntropy,
		"house_edge":     s.cfg.Engine.HouseEdge,
	})
}

func (s *FiberServer) placeBetHandler(c *fiber.Ctx) error {
	var req game.PlaceBetInput
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.UserID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "user_id is required"})
	}
	if req.Asset == "" {
		req.Asset = "USDT"
	}

	bet, err := s.bets.PlaceBet(c.Context(), req)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{"bet": bet})
}

type cashoutRequest struct {
	UserID string `json:"user_id"`
	BetID  string `json:"bet_id"`
}

func (s *FiberServer) cashoutHandler(c *fiber.Ctx) error {
	var req cashoutRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.UserID == "" || req.BetID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "user_id and bet_id are required"})
	}
	betID, err := uuid.Parse(req.BetID)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid bet id"})
	}

	bet, err := s.bets.CashOut(c.Context(), req.UserID, betID)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{"bet": bet})
}

func (s *FiberServer) userBetsHandler(c *fiber.Ctx) error {
	userID := c.Params("userId")
	limit := c.QueryInt("limit", 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}

	bets, err := s.betRepo.ByUser(c.Context(), userID, limit)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{"bets": bets})
}

func (s *FiberServer) userWalletHandler(c *fiber.Ctx) error {
	w, err := s.wallet.PrimaryWallet(c.Context(), c.Params("userId"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(w)
}

type verifyRequest struct {
	ServerSeed string  `json:"server_seed"`
	Multiplier float64 `json:"multiplier"`
	ChainIndex *int64  `json:"chain_index,omitempty"`
}

// verifyHandler is the standalone fairness check: it re-derives the crash
// multiplier from a revealed seed and, when a chain index is supplied,
// proves the seed belongs to the committed chain.
func (s *FiberServer) verifyHandler(c *fiber.Ctx) error {
	var req verifyRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.ServerSeed == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "server_seed is required"})
	}

	derived, ok := fair.Verify(req.ServerSeed, s.cfg.Engine.PublicEntropy, s.cfg.Engine.HouseEdge, req.Multiplier)
	resp := fiber.Map{
		"derived_multiplier": derived,
		"multiplier_valid":   ok,
	}
	if req.ChainIndex != nil {
		resp["chain_valid"] = fair.VerifyChainMembership(
			req.ServerSeed, *req.ChainIndex, s.cfg.Engine.ChainLength, s.cfg.Engine.TerminalHash)
	}
	return c.JSON(resp)
}
