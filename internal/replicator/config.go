package replicator

import "time"

// Config controls batching and push scheduling.
type Config struct {
	// BatchSize is the maximum number of messages sent per push batch.
	BatchSize int
	// PushDebounce coalesces multiple writes within this window into a
	// single push. Ignored when PushImmediately is true.
	PushDebounce time.Duration
	// PushImmediately bypasses the debounce window and pushes after every
	// write.
	PushImmediately bool
	// MaxDrift, if non-nil, is enforced against incoming remote HLCs (pull
	// and live-tail paths). Nil means no enforcement, the default: per
	// spec this is opt-in at the integration boundary, not on by default.
	MaxDrift *time.Duration
}

// DefaultConfig returns the documented defaults: batch_size=50,
// push_debounce=500ms, push_immediately=false.
func DefaultConfig() Config {
	return Config{
		BatchSize:       50,
		PushDebounce:    500 * time.Millisecond,
		PushImmediately: false,
	}
}

// ImmediateConfig is the "Immediate" profile: push_debounce=0,
// push_immediately=true.
func ImmediateConfig() Config {
	cfg := DefaultConfig()
	cfg.PushDebounce = 0
	cfg.PushImmediately = true
	return cfg
}
