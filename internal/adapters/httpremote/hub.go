package httpremote

import (
	"sync"

	"go.uber.org/zap"

	"github.com/Jaaco/talon/internal/message"
)

// hub fans out newly accepted batches to live-tail websocket connections,
// filtering each subscriber's own view the same way serverLog.since does.
// A mutex-guarded map of subscribers, since this hub has no presence list
// or per-connection metadata to track beyond the filter.
type hub struct {
	logger *zap.Logger

	mu      sync.Mutex
	nextID  int
	conns   map[int]*hubConn
}

type hubConn struct {
	userID   string
	clientID string
	send     chan []message.Message
}

func newHub(logger *zap.Logger) *hub {
	return &hub{logger: logger, conns: make(map[int]*hubConn)}
}

// register adds a subscriber and returns its id and send channel. The
// caller is responsible for pumping send to the websocket connection and
// calling unregister when done.
func (h *hub) register(userID, clientID string) (int, <-chan []message.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	conn := &hubConn{userID: userID, clientID: clientID, send: make(chan []message.Message, 64)}
	h.conns[id] = conn
	return id, conn.send
}

func (h *hub) unregister(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conn, ok := h.conns[id]; ok {
		delete(h.conns, id)
		close(conn.send)
	}
}

// broadcast delivers batch to every subscriber it's relevant to (same user,
// different client), dropping it for a subscriber whose send buffer is full
// rather than blocking the publisher.
func (h *hub) broadcast(batch []message.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, conn := range h.conns {
		filtered := make([]message.Message, 0, len(batch))
		for _, m := range batch {
			if m.UserID == conn.userID && m.ClientID != conn.clientID {
				filtered = append(filtered, m)
			}
		}
		if len(filtered) == 0 {
			continue
		}
		select {
		case conn.send <- filtered:
		default:
			h.logger.Warn("live tail subscriber dropped batch, buffer full", zap.Int("subscriber", id))
		}
	}
}
