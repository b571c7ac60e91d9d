// Package hlc implements the hybrid logical clock used to order cell
// mutations across replicas without a shared wall clock.
package hlc

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// HLC is a single hybrid logical clock timestamp.
//
// The total order is (Physical, Logical, Node) compared lexicographically;
// Node is the final tie-breaker, so two HLCs compare equal only when they
// were produced by the same send.
type HLC struct {
	Physical uint64 // wall-clock milliseconds since the Unix epoch
	Logical  uint32 // tie-break counter within a physical tick
	Node     string // opaque client identifier
}

// TimeDriftError is returned by Clock.Receive when the remote timestamp is
// further ahead of wall-clock "now" than the configured maximum drift.
// State is left unchanged when this error is returned.
type TimeDriftError struct {
	Drift    time.Duration
	MaxDrift time.Duration
}

func (e *TimeDriftError) Error() string {
	return fmt.Sprintf("hlc: remote clock drift %s exceeds max %s", e.Drift, e.MaxDrift)
}

// Clock is a single replica's mutable HLC state, safe for concurrent use.
type Clock struct {
	mu       sync.Mutex
	node     string
	physical uint64
	logical  uint32
}

// NewClock seeds clock state at the current wall-clock time, per the "now"
// operation applied once at construction.
func NewClock(node string) *Clock {
	return &Clock{
		node:     node,
		physical: wallMillis(),
	}
}

// Node returns the identifier this clock was constructed with.
func (c *Clock) Node() string {
	return c.node
}

// Now returns (wall_ms(), 0, node) without touching any clock state.
func Now(node string) HLC {
	return HLC{Physical: wallMillis(), Logical: 0, Node: node}
}

// Send advances the clock for a local event and returns the new value. The
// result is strictly greater, under Compare, than every HLC previously
// returned by Send on this clock.
func (c *Clock) Send() HLC {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := wallMillis()
	if now > c.physical {
		c.physical = now
		c.logical = 0
	} else {
		c.logical++
	}
	return HLC{Physical: c.physical, Logical: c.logical, Node: c.node}
}

// Receive merges a remote timestamp into the clock per the standard HLC
// receive algorithm: the new physical component is the max of local wall
// time, the clock's own physical and the remote's physical, the logical component resets or
// increments depending on which component ties. now, if zero, defaults to
// wall-clock time; maxDrift, if non-nil, rejects remote timestamps
// implausibly far in the future without mutating state.
func (c *Clock) Receive(remote HLC, now uint64, maxDrift *time.Duration) (HLC, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if now == 0 {
		now = wallMillis()
	}

	if maxDrift != nil && remote.Physical > now {
		drift := time.Duration(remote.Physical-now) * time.Millisecond
		if drift > *maxDrift {
			return HLC{}, &TimeDriftError{Drift: drift, MaxDrift: *maxDrift}
		}
	}

	var newPhysical uint64
	var newLogical uint32

	switch {
	case now > c.physical && now > remote.Physical:
		newPhysical, newLogical = now, 0
	case c.physical < remote.Physical:
		newPhysical, newLogical = remote.Physical, remote.Logical+1
	case c.physical > remote.Physical:
		newPhysical, newLogical = c.physical, c.logical+1
	default:
		newPhysical = c.physical
		if remote.Logical > c.logical {
			newLogical = remote.Logical + 1
		} else {
			newLogical = c.logical + 1
		}
	}

	c.physical, c.logical = newPhysical, newLogical
	return HLC{Physical: newPhysical, Logical: newLogical, Node: c.node}, nil
}

func wallMillis() uint64 {
	return uint64(time.Now().UnixMilli())
}

// Compare orders a relative to b: -1 if a < b, 0 if equal, +1 if a > b,
// comparing (Physical, Logical, Node) lexicographically.
func Compare(a, b HLC) int {
	switch {
	case a.Physical < b.Physical:
		return -1
	case a.Physical > b.Physical:
		return 1
	}
	switch {
	case a.Logical < b.Logical:
		return -1
	case a.Logical > b.Logical:
		return 1
	}
	return strings.Compare(a.Node, b.Node)
}

// HappensBefore reports whether h strictly precedes other under Compare.
func (h HLC) HappensBefore(other HLC) bool {
	return Compare(h, other) < 0
}

// HappensAfter reports whether h strictly follows other under Compare.
func (h HLC) HappensAfter(other HLC) bool {
	return Compare(h, other) > 0
}

// IsZero reports whether h is the zero value.
func (h HLC) IsZero() bool {
	return h.Physical == 0 && h.Logical == 0 && h.Node == ""
}

// String renders a human-readable form for logs.
func (h HLC) String() string {
	t := time.UnixMilli(int64(h.Physical))
	return fmt.Sprintf("HLC{physical=%s, logical=%d, node=%s}", t.Format(time.RFC3339Nano), h.Logical, h.Node)
}

const (
	physicalDigits = 15
	logicalDigits  = 5
	delimiter      = ":"
)

// Pack renders h in a lexicographically order-preserving wire form:
// physical left-padded decimal, logical left-padded base36, then the node
// verbatim. Left-padding each numeric field to a fixed width means string
// comparison of packed forms agrees with HLC comparison order.
func Pack(h HLC) string {
	physical := fmt.Sprintf("%0*d", physicalDigits, h.Physical)
	logical := leftPadBase36(h.Logical, logicalDigits)
	return physical + delimiter + logical + delimiter + h.Node
}

func leftPadBase36(v uint32, width int) string {
	s := strconv.FormatUint(uint64(v), 36)
	if len(s) < width {
		s = strings.Repeat("0", width-len(s)) + s
	}
	return s
}

// Parse reverses Pack. An error is returned for the empty string or any
// string whose first two delimited fields are not parseable integers; the
// node is everything after the second delimiter, rejoined verbatim so a
// node identifier that itself contains the delimiter round-trips.
func Parse(packed string) (HLC, error) {
	if packed == "" {
		return HLC{}, fmt.Errorf("hlc: empty packed timestamp")
	}

	parts := strings.SplitN(packed, delimiter, 3)
	if len(parts) < 3 {
		return HLC{}, fmt.Errorf("hlc: malformed packed timestamp %q", packed)
	}

	physical, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return HLC{}, fmt.Errorf("hlc: invalid physical component in %q: %w", packed, err)
	}

	logical, err := strconv.ParseUint(parts[1], 36, 32)
	if err != nil {
		return HLC{}, fmt.Errorf("hlc: invalid logical component in %q: %w", packed, err)
	}

	return HLC{Physical: physical, Logical: uint32(logical), Node: parts[2]}, nil
}

// ComparePacked orders two packed HLC strings without requiring the caller
// to parse them first. An invalid string compares as strictly less than any
// valid one; two invalid strings compare equal.
func ComparePacked(a, b string) int {
	ah, aerr := Parse(a)
	bh, berr := Parse(b)

	switch {
	case aerr != nil && berr != nil:
		return 0
	case aerr != nil:
		return -1
	case berr != nil:
		return 1
	}

	return Compare(ah, bh)
}

// Wins is the Merge Engine's last-writer-wins decision: candidate replaces
// the cell's current value iff current is absent or candidate strictly
// postdates it. An exact tie keeps the existing value. Shared by
// internal/merge and any LocalStore implementation that folds the same
// decision into its own locked write path.
func Wins(candidate, current string, currentOK bool) bool {
	if !currentOK {
		return true
	}
	return ComparePacked(candidate, current) > 0
}
