package httpremote

import (
	"sync"

	"github.com/Jaaco/talon/internal/message"
)

// serverLog is the durable, server-assigned message log a Server fronts: it
// owns ServerTimestamp assignment (a monotonically increasing counter) and
// answers fetch-since queries. In-memory; a production deployment would
// swap this for a real database without changing Server's handlers.
type serverLog struct {
	mu       sync.Mutex
	messages []message.Message
	byID     map[string]struct{}
	nextTS   uint64
}

func newServerLog() *serverLog {
	return &serverLog{byID: make(map[string]struct{})}
}

// append assigns m a ServerTimestamp and appends it, unless m.ID was already
// seen (idempotent re-send). Returns the (possibly stamped) message and
// whether the log holds it; a re-send of an already-seen id is returned
// unstamped and still reported as accepted.
func (l *serverLog) append(m message.Message) (message.Message, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.byID[m.ID]; exists {
		return m, true
	}

	l.nextTS++
	ts := l.nextTS
	m.ServerTimestamp = &ts

	l.byID[m.ID] = struct{}{}
	l.messages = append(l.messages, m)
	return m, true
}

// since returns messages with ServerTimestamp > cursor belonging to userID,
// excluding ones authored by excludeClientID, in ServerTimestamp order.
func (l *serverLog) since(cursor uint64, userID, excludeClientID string) []message.Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]message.Message, 0)
	for _, m := range l.messages {
		if m.ServerTimestamp == nil || *m.ServerTimestamp <= cursor {
			continue
		}
		if m.UserID != userID || m.ClientID == excludeClientID {
			continue
		}
		out = append(out, m)
	}
	return out
}
