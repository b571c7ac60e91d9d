// Package store defines the two collaborator contracts the replication
// core requires (local persistence, remote transport) and ships an
// in-memory reference implementation of the local one.
package store

import (
	"context"

	"github.com/Jaaco/talon/internal/message"
)

// LocalStore persists the message log and the materialized cell view for
// a single replica. Implementations must make apply-to-view + append-to-log
// atomic for a single message; cross-message atomicity is not required.
type LocalStore interface {
	// Init performs one-time setup (schema creation, connection warmup).
	Init(ctx context.Context) error

	// ApplyToView updates the cell addressed by (m.Table, m.Row, m.Column)
	// with m.Value. Failure is non-fatal to the caller.
	ApplyToView(ctx context.Context, m message.Message) error

	// AppendToLog persists m in the message log. A duplicate id is a no-op
	// success.
	AppendToLog(ctx context.Context, m message.Message) error

	// GetLatestCellTimestamp returns the maximum local_timestamp recorded
	// for the cell, or ("", false) if the cell has never been written.
	GetLatestCellTimestamp(ctx context.Context, table, row, column string) (packed string, ok bool)

	// SaveLocalChange applies m to the view and appends it to the log, as a
	// unit, on the local-write path.
	SaveLocalChange(ctx context.Context, m message.Message) error

	// SaveServerMessage appends m to the log unconditionally, then applies
	// it to the view iff m.LocalTimestamp compares greater than the cell's
	// current latest timestamp (or the cell is empty).
	SaveServerMessage(ctx context.Context, m message.Message) error

	// SaveServerBatch calls SaveServerMessage for each message in order. If
	// every call succeeds and at least one message carries a
	// ServerTimestamp, the cursor advances to the max ServerTimestamp in
	// the batch; otherwise the cursor is left unchanged.
	SaveServerBatch(ctx context.Context, batch []message.Message) error

	// ReadCursor returns the last persisted server cursor, or (0, false) if
	// none has ever been written.
	ReadCursor(ctx context.Context) (cursor uint64, ok bool)

	// WriteCursor persists the server cursor.
	WriteCursor(ctx context.Context, cursor uint64) error

	// Unsynced returns every message with HasBeenSynced == false, in
	// insertion order.
	Unsynced(ctx context.Context) ([]message.Message, error)

	// MarkSynced flips HasBeenSynced to true for each id.
	MarkSynced(ctx context.Context, ids []string) error
}

// BatchResult is returned by RemoteStore.SendBatch: the subset of ids from
// the submitted batch that the remote accepted, in the order submitted.
type BatchResult struct {
	Accepted []string
}

// Subscription is a live handle on a remote live-tail. Close cancels
// delivery; it is idempotent.
type Subscription interface {
	Close() error
}

// OnBatch is invoked by a Subscription with non-empty batches of newly
// accepted messages, in causal order of arrival on the server.
type OnBatch func(batch []message.Message)

// RemoteStore is the transport-facing collaborator: it owns the durable,
// server-assigned message log and the live-tail subscription mechanism.
type RemoteStore interface {
	// FetchSince returns messages with ServerTimestamp > cursor, belonging
	// to userID, originated by a client other than clientID.
	FetchSince(ctx context.Context, cursor uint64, userID, clientID string) ([]message.Message, error)

	// SendMessage pushes a single message; the bool reports whether the
	// remote accepted it.
	SendMessage(ctx context.Context, m message.Message) (accepted bool, err error)

	// SendBatch pushes a batch of messages and returns which ids were
	// accepted. The default behavior loops SendMessage; implementations
	// should override with a true bulk insert where the transport supports
	// it.
	SendBatch(ctx context.Context, batch []message.Message) (BatchResult, error)

	// Subscribe opens a live tail of newly accepted messages matching the
	// same filter as FetchSince, replayed from cursor forward so a
	// reconnect never loses a message.
	Subscribe(ctx context.Context, userID, clientID string, cursor uint64, onBatch OnBatch) (Subscription, error)
}
