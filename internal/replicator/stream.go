package replicator

import (
	"sync"

	"go.uber.org/zap"

	"github.com/Jaaco/talon/internal/message"
	"github.com/Jaaco/talon/internal/metrics"
)

// Source identifies which path produced a ChangeEvent.
type Source string

const (
	SourceLocal  Source = "local"
	SourceServer Source = "server"
)

// ChangeEvent is one broadcast on the change stream: a non-empty batch of
// messages that just took effect, local or server-originated.
type ChangeEvent struct {
	Source   Source
	Messages []message.Message
}

// subscriberQueueDepth bounds how many events a slow subscriber can fall
// behind before new events are dropped for it. Subscribers that need a
// lossless feed should drain promptly.
const subscriberQueueDepth = 256

// changeStream is a multi-subscriber broadcast of ChangeEvents. New
// subscribers only observe events emitted after they subscribe. It carries
// its own mutex, independent of the Replicator's, because the unsubscribe
// closure it hands out is meant to be called by the caller whenever it
// likes, not only while the Replicator's own lock is held.
type changeStream struct {
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	subs   map[int]chan ChangeEvent
	nextID int
	closed bool
}

func newChangeStream(logger *zap.Logger, m *metrics.Metrics) *changeStream {
	return &changeStream{
		logger:  logger,
		metrics: m,
		subs:    make(map[int]chan ChangeEvent),
	}
}

// subscribe registers a new subscriber and returns its channel plus an
// unsubscribe function. Safe to call concurrently with publish, closeAll,
// and any previously returned unsubscribe function.
func (s *changeStream) subscribe() (<-chan ChangeEvent, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan ChangeEvent, subscriberQueueDepth)
	s.subs[id] = ch

	unsubscribe := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if existing, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(existing)
		}
	}
	return ch, unsubscribe
}

// publish emits event to every current subscriber, dropping it for any
// subscriber whose queue is full rather than blocking the emitter.
func (s *changeStream) publish(event ChangeEvent) {
	if len(event.Messages) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, ch := range s.subs {
		select {
		case ch <- event:
		default:
			s.logger.Warn("change stream subscriber dropped event", zap.Int("subscriber", id))
			if s.metrics != nil {
				s.metrics.SubscriberDropsTotal.Inc()
			}
		}
	}
	if s.metrics != nil {
		s.metrics.ChangeEventsEmitted.WithLabelValues(string(event.Source)).Inc()
	}
}

// closeAll closes every subscriber channel. Idempotent.
func (s *changeStream) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}
