// Package merge implements the last-writer-wins decision logic applied to
// every incoming message, local or remote.
package merge

import (
	"context"
	"fmt"

	"github.com/Jaaco/talon/internal/hlc"
	"github.com/Jaaco/talon/internal/message"
	"github.com/Jaaco/talon/internal/store"
)

// Decision records whether Apply decided to update the cell view, and why.
type Decision struct {
	Applied bool
	Reason  string
}

// Apply runs the merge algorithm for one incoming message against a
// LocalStore: read the cell's current latest timestamp, append m to the log
// if its id is new, and apply to the view only if m wins against the
// timestamp read before the append.
//
// Log append is always attempted, even when the view update is skipped or
// fails — a message that loses the merge still belongs in the log.
func Apply(ctx context.Context, ls store.LocalStore, m message.Message) (Decision, error) {
	current, ok := ls.GetLatestCellTimestamp(ctx, m.Table, m.Row, m.Column)

	if err := ls.AppendToLog(ctx, m); err != nil {
		return Decision{}, fmt.Errorf("merge: append to log: %w", err)
	}

	if hlc.Wins(m.LocalTimestamp, current, ok) {
		if err := ls.ApplyToView(ctx, m); err != nil {
			// Apply-to-view failures are non-fatal; the message stays logged.
			return Decision{Applied: false, Reason: "apply-to-view failed: " + err.Error()}, nil
		}
		return Decision{Applied: true, Reason: "message wins cell"}, nil
	}
	return Decision{Applied: false, Reason: "existing value wins or ties"}, nil
}
