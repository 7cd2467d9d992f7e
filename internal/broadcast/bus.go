package broadcast

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"crash/internal/logger"
)

const (
	subjectRoom         = "crash.rooms.main"
	subjectDirectPrefix = "crash.direct."
)

// Connect dials NATS with unbounded reconnects; the bus is the only path
// from the leader to spectators on other replicas, so it must ride out
// broker restarts.
func Connect(url string) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectHandler(func(nc *nats.Conn) {
			logger.Warn("disconnected from NATS")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected to NATS", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	}
	return nats.Connect(url, opts...)
}

// Bus bridges engine events onto NATS and back into the local hub. Every
// replica subscribes, so spectators see the same feed no matter which
// process they are connected to.
type Bus struct {
	conn *nats.Conn
	hub  *Hub
}

func NewBus(conn *nats.Conn, hub *Hub) *Bus {
	return &Bus{conn: conn, hub: hub}
}

// Subscribe wires the room and direct subjects into the hub.
func (b *Bus) Subscribe() error {
	if _, err := b.conn.Subscribe(subjectRoom, func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			logger.Warn("bad room event", "err", err)
			return
		}
		b.hub.Deliver(ev)
	}); err != nil {
		return err
	}

	if _, err := b.conn.Subscribe(subjectDirectPrefix+">", func(msg *nats.Msg) {
		userID := strings.TrimPrefix(msg.Subject, subjectDirectPrefix)
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			logger.Warn("bad direct event", "err", err)
			return
		}
		b.hub.DeliverTo(userID, ev)
	}); err != nil {
		return err
	}

	return nil
}

func (b *Bus) publish(subject string, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		logger.Error("marshal event", "err", err)
		return
	}
	if err := b.conn.Publish(subject, data); err != nil {
		logger.Warn("publish failed", "subject", subject, "err", err)
	}
}

func (b *Bus) Room(ev Event) {
	b.publish(subjectRoom, ev)
}

func (b *Bus) RoomExcept(ev Event, exclude []string) {
	ev.Exclude = exclude
	b.publish(subjectRoom, ev)
}

func (b *Bus) Direct(userID string, ev Event) {
	b.publish(subjectDirectPrefix+userID, ev)
}
