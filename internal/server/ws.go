package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"crash/internal/broadcast"
	"crash/internal/game"
	"crash/internal/logger"
)

const wsWriteTimeout = 5 * time.Second

// wsSender adapts a websocket connection to the hub's Sender. Writes are
// serialized: the hub fans out from multiple goroutines but gorilla-style
// connections allow only one concurrent writer.
type wsSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsSender) Send(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsSender) sendEvent(ev broadcast.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := w.Send(data); err != nil {
		logger.Debug("ws write failed", "err", err)
	}
}

type wsMessage struct {
	Type        string           `json:"type"`
	Amount      decimal.Decimal  `json:"amount"`
	Asset       string           `json:"asset"`
	AutoCashout *decimal.Decimal `json:"auto_cashout,omitempty"`
	BetID       string           `json:"bet_id,omitempty"`
}

func (s *FiberServer) wsHandler(conn *websocket.Conn) {
	userID := conn.Query("user_id", "anonymous")

	sender := &wsSender{conn: conn}
	s.hub.Register(userID, sender)
	defer s.hub.Unregister(userID, sender)

	logger.Debug("ws connected", "user", userID)

	s.sendInitialState(sender, userID)

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			logger.Debug("ws disconnected", "user", userID, "err", err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var msg wsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "place_bet":
			asset := msg.Asset
			if asset == "" {
				asset = "USDT"
			}
			bet, err := s.bets.PlaceBet(context.Background(), game.PlaceBetInput{
				UserID:      userID,
				Amount:      msg.Amount,
				Asset:       asset,
				AutoCashout: msg.AutoCashout,
			})
			sender.sendEvent(wsResult("bet_result", bet, err))

		case "cashout":
			betID, err := uuid.Parse(msg.BetID)
			if err != nil {
				sender.sendEvent(broadcast.Event{
					Type: "cashout_result",
					Data: map[string]string{"error": "invalid bet id"},
				})
				continue
			}
			bet, err := s.bets.CashOut(context.Background(), userID, betID)
			sender.sendEvent(wsResult("cashout_result", bet, err))

		case "ping":
			sender.sendEvent(broadcast.Event{Type: "pong"})
		}
	}
}

func wsResult(kind broadcast.EventType, data any, err error) broadcast.Event {
	if err != nil {
		return broadcast.Event{Type: kind, Data: map[string]string{"error": err.Error()}}
	}
	return broadcast.Event{Type: kind, Data: data}
}

// sendInitialState pushes the live round snapshot so a freshly connected
// client can render without a REST round trip.
func (s *FiberServer) sendInitialState(sender *wsSender, userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	g := s.machine.Current()
	if g == nil {
		var err error
		g, err = s.games.Current(ctx)
		if err != nil {
			sender.sendEvent(broadcast.Event{Type: broadcast.EventInitialState})
			return
		}
	}

	bets, err := s.betRepo.ActiveByGame(ctx, g.ID)
	if err != nil {
		logger.Debug("initial state bets", "err", err)
	}
	own, err := s.betRepo.ByUser(ctx, userID, 10)
	if err != nil {
		logger.Debug("initial state user bets", "err", err)
	}
	sender.sendEvent(broadcast.Event{
		Type: broadcast.EventInitialState,
		Data: map[string]any{
			"game":      g,
			"bets":      bets,
			"user_bets": own,
		},
	})
}
