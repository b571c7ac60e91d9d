package replicator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Jaaco/talon/internal/hlc"
	"github.com/Jaaco/talon/internal/message"
)

// RunSync performs Push then Pull sequentially, as one locked operation.
func (r *Replicator) RunSync(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.disposed {
		r.countDisposedOp()
		return ErrDisposed
	}
	r.pushLocked(ctx)
	r.pullLocked(ctx)
	return nil
}

// Push fetches unsynced messages and attempts to send them to the remote
// store, per the batching/partial-failure rules in pushLocked.
func (r *Replicator) Push(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.disposed {
		r.countDisposedOp()
		return ErrDisposed
	}
	r.pushLocked(ctx)
	return nil
}

// Pull fetches and merges messages newly accepted by the remote store
// since the local cursor.
func (r *Replicator) Pull(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.disposed {
		r.countDisposedOp()
		return ErrDisposed
	}
	r.pullLocked(ctx)
	return nil
}

// ForcePush cancels any pending debounce and pushes immediately.
func (r *Replicator) ForcePush(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.disposed {
		r.countDisposedOp()
		return ErrDisposed
	}
	if r.debounceTimer != nil {
		r.debounceTimer.Stop()
		r.debounceTimer = nil
	}
	r.pushLocked(ctx)
	return nil
}

// StartPeriodicSync schedules run_sync on interval, for as long as sync
// remains enabled. Calling it again replaces the previous schedule.
func (r *Replicator) StartPeriodicSync(interval time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.disposed {
		r.countDisposedOp()
		return ErrDisposed
	}
	if r.periodicTimer != nil {
		r.periodicTimer.Stop()
	}
	r.periodicInterval = interval
	r.periodicTimer = time.AfterFunc(interval, r.periodicTick)
	return nil
}

// StopPeriodicSync cancels any periodic schedule.
func (r *Replicator) StopPeriodicSync() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.disposed {
		r.countDisposedOp()
		return ErrDisposed
	}
	if r.periodicTimer != nil {
		r.periodicTimer.Stop()
		r.periodicTimer = nil
	}
	return nil
}

func (r *Replicator) periodicTick() {
	r.mu.Lock()
	if r.disposed || !r.syncEnabled || r.periodicTimer == nil {
		r.mu.Unlock()
		return
	}
	interval := r.periodicInterval
	r.mu.Unlock()

	_ = r.RunSync(context.Background())

	r.mu.Lock()
	if !r.disposed && r.periodicTimer != nil {
		r.periodicTimer = time.AfterFunc(interval, r.periodicTick)
	}
	r.mu.Unlock()
}

// schedulePushLocked is called while r.mu is held, after a local write. It
// bypasses debounce under the Immediate profile, otherwise (re)starts the
// debounce timer.
func (r *Replicator) schedulePushLocked() {
	if !r.syncEnabled {
		return
	}
	if r.config.PushImmediately || r.config.PushDebounce <= 0 {
		go func() { _ = r.Push(context.Background()) }()
		return
	}
	if r.debounceTimer != nil {
		r.debounceTimer.Stop()
	}
	r.debounceTimer = time.AfterFunc(r.config.PushDebounce, func() {
		_ = r.Push(context.Background())
	})
}

// pushLocked implements push()/sync_to_server: unsynced messages are
// chunked into batch_size batches and sent in order; the first batch with
// fewer accepted ids than its size halts the push, leaving the remainder
// queued for a later retry. Remote/local failures are logged and absorbed,
// never returned, so callers can always retry.
func (r *Replicator) pushLocked(ctx context.Context) {
	start := time.Now()
	defer func() {
		if r.metrics != nil {
			r.metrics.PushLatency.Observe(time.Since(start).Seconds())
		}
	}()

	unsynced, err := r.local.Unsynced(ctx)
	if err != nil {
		r.logger.Warn("push: unsynced query failed", zap.Error(err))
		return
	}
	if r.metrics != nil {
		r.metrics.QueueDepth.Set(float64(len(unsynced)))
	}
	if len(unsynced) == 0 {
		return
	}

	batchSize := r.config.BatchSize
	if batchSize <= 0 {
		batchSize = len(unsynced)
	}

	for start := 0; start < len(unsynced); start += batchSize {
		end := start + batchSize
		if end > len(unsynced) {
			end = len(unsynced)
		}
		batch := unsynced[start:end]

		result, err := r.remote.SendBatch(ctx, batch)
		if err != nil {
			r.logger.Warn("push: send_batch failed", zap.Error(err))
			if r.metrics != nil {
				r.metrics.PushBatchesTotal.WithLabelValues("failed").Inc()
			}
			return
		}

		if len(result.Accepted) > 0 {
			if err := r.local.MarkSynced(ctx, result.Accepted); err != nil {
				r.logger.Warn("push: mark_synced failed", zap.Error(err))
			}
			if r.metrics != nil {
				r.metrics.MessagesPushed.Add(float64(len(result.Accepted)))
			}
		}

		if len(result.Accepted) < len(batch) {
			if r.metrics != nil {
				r.metrics.PushBatchesTotal.WithLabelValues("partial").Inc()
			}
			return
		}
		if r.metrics != nil {
			r.metrics.PushBatchesTotal.WithLabelValues("full").Inc()
		}
	}
}

// pullLocked implements pull()/sync_from_server. An empty batch produces
// no event (spec's chosen resolution to the open question on empty
// pulls); the cursor only advances via the local store's all-or-nothing
// batch semantics.
func (r *Replicator) pullLocked(ctx context.Context) {
	start := time.Now()
	defer func() {
		if r.metrics != nil {
			r.metrics.PullLatency.Observe(time.Since(start).Seconds())
		}
	}()

	cursor, _ := r.local.ReadCursor(ctx)
	messages, err := r.remote.FetchSince(ctx, cursor, r.userID, r.clientID)
	if err != nil {
		r.logger.Warn("pull: fetch_since failed", zap.Error(err))
		return
	}

	r.applyIncomingLocked(ctx, messages)
}

// onLiveBatch is the live-tail callback, invoked by a Subscription's own
// goroutine outside of any caller's lock. It re-enters through r.mu like
// any other operation.
func (r *Replicator) onLiveBatch(batch []message.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return
	}
	r.applyIncomingLocked(context.Background(), batch)
}

// applyIncomingLocked is shared by the pull path and the live-tail
// callback: it defensively filters out messages that are not ours to
// apply, advances the HLC via receive() per message, hands the batch
// to the local store, and emits one `server` event if anything survived.
func (r *Replicator) applyIncomingLocked(ctx context.Context, messages []message.Message) {
	filtered := r.filterForSelf(messages)
	if len(filtered) == 0 {
		return
	}

	for i := range filtered {
		m := &filtered[i]
		// Already durably accepted by the remote it came from; marking it
		// synced up front keeps push() from ever re-sending a message that
		// didn't originate locally.
		m.HasBeenSynced = true

		remote, err := hlc.Parse(m.LocalTimestamp)
		if err != nil {
			r.logger.Warn("pull: invalid local_timestamp, skipping clock update", zap.String("id", m.ID), zap.Error(err))
			continue
		}
		if r.metrics != nil {
			if drift := driftAheadOfNow(remote); drift > 0 {
				r.metrics.HLCDrift.Observe(float64(drift.Milliseconds()))
			}
		}
		if _, err := r.clock.Receive(remote, 0, r.config.MaxDrift); err != nil {
			r.logger.Warn("pull: remote clock drift rejected", zap.String("id", m.ID), zap.Error(err))
			if r.metrics != nil {
				r.metrics.DriftRejections.Inc()
			}
		}
	}

	if err := r.local.SaveServerBatch(ctx, filtered); err != nil {
		r.logger.Warn("pull: save_server_batch failed", zap.Error(err))
		return
	}
	if r.metrics != nil {
		r.metrics.MessagesPulled.Add(float64(len(filtered)))
	}

	r.stream.publish(ChangeEvent{Source: SourceServer, Messages: filtered})
}

// driftAheadOfNow reports how far remote's physical component sits ahead of
// wall-clock now, or zero if it isn't ahead at all. Observed unconditionally
// (whether or not MaxDrift rejects it) so the HLCDrift histogram reflects
// the whole incoming distribution, not just the rejected tail.
func driftAheadOfNow(remote hlc.HLC) time.Duration {
	now := uint64(time.Now().UnixMilli())
	if remote.Physical <= now {
		return 0
	}
	return time.Duration(remote.Physical-now) * time.Millisecond
}

// filterForSelf drops messages this replicator should never apply: ones it
// authored itself, and ones belonging to a different user. The remote
// store's own fetch_since/subscribe filters already exclude these; this is
// a defense against a misbehaving collaborator returning messages outside
// its contract.
func (r *Replicator) filterForSelf(messages []message.Message) []message.Message {
	out := make([]message.Message, 0, len(messages))
	for _, m := range messages {
		if m.ClientID == r.clientID {
			continue
		}
		if m.UserID != r.userID {
			continue
		}
		out = append(out, m)
	}
	return out
}
