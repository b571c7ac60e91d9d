// Package replicator implements the Replicator: the long-lived object
// that owns a per-client HLC, a mutation queue, a debounced/batched sync
// scheduler, and a broadcast change stream, orchestrating the local and
// remote store collaborators per the local-write and remote-read control
// flows.
package replicator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Jaaco/talon/internal/hlc"
	"github.com/Jaaco/talon/internal/message"
	"github.com/Jaaco/talon/internal/metrics"
	"github.com/Jaaco/talon/internal/store"
)

// IDGenerator produces a globally unique message id.
type IDGenerator func() string

// Replicator orchestrates the HLC engine, the Merge Engine's collaborators,
// and the change stream for a single (user, client) pair. All exported
// methods are safe for concurrent use; the documented atomicity guarantees
// are realized with a single internal mutex held for the duration of each
// operation, including any local/remote store I/O it performs. The
// unsubscribe function returned by Subscribe carries its own locking and
// may be called at any time, independent of and concurrently with any
// other Replicator call.
type Replicator struct {
	mu sync.Mutex

	userID   string
	clientID string

	local  store.LocalStore
	remote store.RemoteStore
	idGen  IDGenerator
	clock  *hlc.Clock
	config Config

	logger  *zap.Logger
	metrics *metrics.Metrics

	stream *changeStream

	syncEnabled  bool
	disposed     bool
	subscription store.Subscription

	debounceTimer    *time.Timer
	periodicTimer    *time.Timer
	periodicInterval time.Duration
}

// New constructs a Replicator. It starts disabled: no subscription and no
// push attempts until SetSyncEnabled(ctx, true) is called. The HLC state
// is seeded at construction via hlc.NewClock (the "now(client_id)" op).
func New(userID, clientID string, local store.LocalStore, remote store.RemoteStore, idGen IDGenerator, config Config, logger *zap.Logger, m *metrics.Metrics) *Replicator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Replicator{
		userID:   userID,
		clientID: clientID,
		local:    local,
		remote:   remote,
		idGen:    idGen,
		clock:    hlc.NewClock(clientID),
		config:   config,
		logger:   logger,
		metrics:  m,
		stream:   newChangeStream(logger, m),
	}
}

// Subscribe registers for the change stream. New subscribers observe only
// events emitted after this call returns.
func (r *Replicator) Subscribe() (<-chan ChangeEvent, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stream.subscribe()
}

// SaveChange encodes and persists a single cell mutation. It is equivalent
// to SaveChanges with a single-element slice.
func (r *Replicator) SaveChange(ctx context.Context, c Change) error {
	return r.SaveChanges(ctx, []Change{c})
}

// SaveChanges persists every change in submission order, each stamped with
// a distinct HLC, as one atomic local-write operation. Exactly one `local`
// change event is emitted, containing all resulting messages in order; an
// empty slice has no effect and emits nothing.
func (r *Replicator) SaveChanges(ctx context.Context, changes []Change) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.disposed {
		r.countDisposedOp()
		return ErrDisposed
	}
	if len(changes) == 0 {
		return nil
	}

	messages := make([]message.Message, 0, len(changes))
	for _, c := range changes {
		dataType, value := c.encode()
		ts := r.clock.Send()
		m := message.Message{
			ID:             r.idGen(),
			Table:          c.Table,
			Row:            c.Row,
			Column:         c.Column,
			DataType:       dataType,
			Value:          value,
			LocalTimestamp: hlc.Pack(ts),
			UserID:         r.userID,
			ClientID:       r.clientID,
			HasBeenApplied: true,
			HasBeenSynced:  false,
		}
		if err := r.local.SaveLocalChange(ctx, m); err != nil {
			r.logger.Warn("save_change: local store failed", zap.Error(err), zap.String("id", m.ID))
			continue
		}
		messages = append(messages, m)
	}

	if len(messages) == 0 {
		return nil
	}

	r.stream.publish(ChangeEvent{Source: SourceLocal, Messages: messages})
	r.schedulePushLocked()
	return nil
}

func (c Change) encode() (dataType, value string) {
	if c.DataType != "" {
		if s, ok := c.Value.(string); ok {
			return c.DataType, s
		}
		return c.DataType, ""
	}
	return message.EncodeValue(c.Value)
}

// SetSyncEnabled toggles network activity. Enabling subscribes to the
// remote live tail and schedules one immediate run_sync; disabling cancels
// the subscription but leaves local writes (and their debounced pushes, if
// re-enabled later) unaffected.
func (r *Replicator) SetSyncEnabled(ctx context.Context, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.disposed {
		r.countDisposedOp()
		return ErrDisposed
	}
	if enabled == r.syncEnabled {
		return nil
	}

	if !enabled {
		if r.subscription != nil {
			if err := r.subscription.Close(); err != nil {
				r.logger.Warn("set_sync_enabled(false): subscription close failed", zap.Error(err))
			}
			r.subscription = nil
		}
		r.syncEnabled = false
		return nil
	}

	cursor, _ := r.local.ReadCursor(ctx)
	sub, err := r.remote.Subscribe(ctx, r.userID, r.clientID, cursor, r.onLiveBatch)
	if err != nil {
		r.logger.Warn("set_sync_enabled(true): subscribe failed", zap.Error(err))
		return err
	}
	r.subscription = sub
	r.syncEnabled = true

	// "schedule one immediate run_sync": fired on its own goroutine, which
	// will block on r.mu until this call returns, modeling an async
	// schedule rather than a synchronous blocking sync.
	go func() {
		_ = r.RunSync(context.Background())
	}()
	return nil
}

// Dispose cancels the subscription, the debounce and periodic timers, and
// closes the change stream. Idempotent; every other error-returning
// operation fails with ErrDisposed afterward. Subscribe has no error return:
// called after Dispose it still returns a channel, which receives no events
// and is closed only by its unsubscribe function.
func (r *Replicator) Dispose(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.disposed {
		return nil
	}
	r.disposed = true

	if r.debounceTimer != nil {
		r.debounceTimer.Stop()
		r.debounceTimer = nil
	}
	if r.periodicTimer != nil {
		r.periodicTimer.Stop()
		r.periodicTimer = nil
	}
	if r.subscription != nil {
		if err := r.subscription.Close(); err != nil {
			r.logger.Warn("dispose: subscription close failed", zap.Error(err))
		}
		r.subscription = nil
	}
	r.stream.closeAll()
	return nil
}

func (r *Replicator) countDisposedOp() {
	if r.metrics != nil {
		r.metrics.DisposedOpsTotal.Inc()
	}
}
