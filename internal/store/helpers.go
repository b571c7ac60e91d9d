package store

import (
	"context"

	"github.com/Jaaco/talon/internal/message"
)

// SendBatchBySendMessage implements RemoteStore.SendBatch in terms of
// repeated SendMessage calls, for RemoteStore implementations whose
// transport has no native bulk-insert endpoint.
func SendBatchBySendMessage(ctx context.Context, rs RemoteStore, batch []message.Message) (BatchResult, error) {
	result := BatchResult{Accepted: make([]string, 0, len(batch))}
	for _, m := range batch {
		accepted, err := rs.SendMessage(ctx, m)
		if err != nil {
			return result, err
		}
		if accepted {
			result.Accepted = append(result.Accepted, m.ID)
		}
	}
	return result, nil
}
