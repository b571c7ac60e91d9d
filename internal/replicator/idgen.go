package replicator

import "github.com/google/uuid"

// NewUUIDGenerator returns an IDGenerator producing random UUIDs, the
// default choice for an integrator that has no existing id scheme of its
// own to reuse.
func NewUUIDGenerator() IDGenerator {
	return func() string {
		return uuid.NewString()
	}
}
