package broadcast

import (
	"encoding/json"
	"sync"

	"crash/internal/logger"
)

// Sender is a transport handle for one connected spectator. The hub never
// sees the websocket library behind it.
type Sender interface {
	Send(data []byte) error
}

// Hub is the in-memory registry of connected spectators, keyed by player
// id. A player may hold several connections (tabs, reconnects); all of them
// receive that player's direct messages.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[Sender]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]map[Sender]struct{})}
}

func (h *Hub) Register(userID string, s Sender) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[userID] == nil {
		h.clients[userID] = make(map[Sender]struct{})
	}
	h.clients[userID][s] = struct{}{}
	logger.Debug("spectator connected", "user", userID, "total", h.countLocked())
}

func (h *Hub) Unregister(userID string, s Sender) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.clients[userID]; ok {
		delete(conns, s)
		if len(conns) == 0 {
			delete(h.clients, userID)
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.countLocked()
}

func (h *Hub) countLocked() int {
	n := 0
	for _, conns := range h.clients {
		n += len(conns)
	}
	return n
}

// Deliver fans a received event out to local connections, honoring the
// exclusion list of room events.
func (h *Hub) Deliver(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		logger.Error("marshal event", "err", err)
		return
	}

	excluded := make(map[string]struct{}, len(ev.Exclude))
	for _, id := range ev.Exclude {
		excluded[id] = struct{}{}
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for userID, conns := range h.clients {
		if _, skip := excluded[userID]; skip {
			continue
		}
		for s := range conns {
			go h.send(s, data)
		}
	}
}

// DeliverTo sends a direct event to every connection of one player.
func (h *Hub) DeliverTo(userID string, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		logger.Error("marshal event", "err", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.clients[userID] {
		go h.send(s, data)
	}
}

func (h *Hub) send(s Sender, data []byte) {
	if err := s.Send(data); err != nil {
		logger.Warn("spectator send failed", "err", err)
	}
}
