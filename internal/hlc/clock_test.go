package hlc

import (
	"testing"
	"time"
)

func TestClock_Send(t *testing.T) {
	clock := NewClock("node1")

	ts1 := clock.Send()
	if ts1.IsZero() {
		t.Fatal("expected non-zero timestamp")
	}
	if ts1.Node != "node1" {
		t.Errorf("expected node1, got %s", ts1.Node)
	}

	ts2 := clock.Send()
	if !ts2.HappensAfter(ts1) {
		t.Error("expected ts2 after ts1 (monotonicity)")
	}

	ts3 := clock.Send()
	if !ts3.HappensAfter(ts2) {
		t.Error("expected ts3 after ts2")
	}
}

func TestClock_SendMonotonicity(t *testing.T) {
	clock := NewClock("node1")

	var prev HLC
	for i := 0; i < 1000; i++ {
		ts := clock.Send()
		if i > 0 && !ts.HappensAfter(prev) {
			t.Fatalf("monotonicity violated at iteration %d: %v not after %v", i, ts, prev)
		}
		prev = ts
	}
}

func TestClock_Receive(t *testing.T) {
	clock1 := NewClock("node1")
	clock2 := NewClock("node2")

	ts1 := clock1.Send()

	if _, err := clock2.Receive(ts1, 0, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ts2 := clock2.Send()

	if !ts2.HappensAfter(ts1) {
		t.Errorf("expected ts2 after ts1: ts1=%v, ts2=%v", ts1, ts2)
	}
}

func TestClock_ReceiveWithDrift(t *testing.T) {
	clock := NewClock("node1")
	maxDrift := 100 * time.Millisecond

	future := HLC{
		Physical: uint64(time.Now().Add(1 * time.Second).UnixMilli()),
		Logical:  0,
		Node:     "node2",
	}

	_, err := clock.Receive(future, 0, &maxDrift)
	if err == nil {
		t.Fatal("expected error for excessive clock drift")
	}
	if _, ok := err.(*TimeDriftError); !ok {
		t.Errorf("expected *TimeDriftError, got %T", err)
	}
}

func TestClock_ReceiveDriftLeavesStateUnchanged(t *testing.T) {
	clock := NewClock("node1")
	before := clock.Send()

	maxDrift := 10 * time.Millisecond
	future := HLC{Physical: before.Physical + uint64(time.Second.Milliseconds()), Node: "node2"}

	if _, err := clock.Receive(future, before.Physical, &maxDrift); err == nil {
		t.Fatal("expected drift error")
	}

	after := clock.Send()
	if !after.HappensAfter(before) {
		t.Error("expected monotonic Send after a rejected Receive")
	}
}

func TestHLC_Compare(t *testing.T) {
	tests := []struct {
		name     string
		a        HLC
		b        HLC
		expected int
	}{
		{"earlier physical", HLC{Physical: 100, Node: "n1"}, HLC{Physical: 200, Node: "n2"}, -1},
		{"same physical lower logical", HLC{Physical: 100, Logical: 5, Node: "n1"}, HLC{Physical: 100, Logical: 10, Node: "n2"}, -1},
		{"later physical", HLC{Physical: 200, Node: "n1"}, HLC{Physical: 100, Node: "n2"}, 1},
		{"same physical higher logical", HLC{Physical: 100, Logical: 10, Node: "n1"}, HLC{Physical: 100, Logical: 5, Node: "n2"}, 1},
		{"tie broken by node", HLC{Physical: 100, Logical: 5, Node: "a"}, HLC{Physical: 100, Logical: 5, Node: "b"}, -1},
		{"exact equal", HLC{Physical: 100, Logical: 5, Node: "n1"}, HLC{Physical: 100, Logical: 5, Node: "n1"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Compare(tt.a, tt.b); got != tt.expected {
				t.Errorf("Compare(%v, %v) = %d, want %d", tt.a, tt.b, got, tt.expected)
			}
		})
	}
}

func TestClock_CausalityPreservation(t *testing.T) {
	node1 := NewClock("node1")
	node2 := NewClock("node2")
	node3 := NewClock("node3")

	eventA := node1.Send()
	if _, err := node2.Receive(eventA, 0, nil); err != nil {
		t.Fatal(err)
	}

	eventB := node2.Send()
	if !eventB.HappensAfter(eventA) {
		t.Error("causality violated: B should happen after A")
	}

	if _, err := node3.Receive(eventB, 0, nil); err != nil {
		t.Fatal(err)
	}
	eventC := node3.Send()
	if !eventC.HappensAfter(eventB) {
		t.Error("causality violated: C should happen after B")
	}
	if !eventC.HappensAfter(eventA) {
		t.Error("transitivity violated: C should happen after A")
	}
}

func TestClock_ReceiveThenSendIsGreater(t *testing.T) {
	// After Receive(remote), the next Send must be strictly greater than remote.
	clock := NewClock("node1")
	remote := HLC{Physical: wallMillis() + 10_000, Logical: 3, Node: "node2"}

	if _, err := clock.Receive(remote, 0, nil); err != nil {
		t.Fatal(err)
	}

	next := clock.Send()
	if !next.HappensAfter(remote) {
		t.Errorf("expected %v to happen after %v", next, remote)
	}
}

func TestHLC_IsZero(t *testing.T) {
	if !(HLC{}).IsZero() {
		t.Error("expected zero HLC")
	}
	if (HLC{Physical: 1, Node: "n1"}).IsZero() {
		t.Error("expected non-zero HLC")
	}
}

func TestPackParseRoundTrip(t *testing.T) {
	cases := []HLC{
		{Physical: 1704067200000, Logical: 71, Node: "client-abc"},
		{Physical: 0, Logical: 0, Node: ""},
		{Physical: 1, Logical: 1, Node: "with:colon:inside"},
	}

	for _, h := range cases {
		packed := Pack(h)
		got, err := Parse(packed)
		if err != nil {
			t.Fatalf("Parse(%q) failed: %v", packed, err)
		}
		if got != h {
			t.Errorf("round trip mismatch: got %+v, want %+v", got, h)
		}
	}
}

func TestPackExampleForm(t *testing.T) {
	h := HLC{Physical: 1704067200000, Logical: 71, Node: "client-abc"}
	got := Pack(h)
	want := "001704067200000:0001z:client-abc"
	if got != want {
		t.Errorf("Pack = %q, want %q", got, want)
	}
}

func TestComparePacked(t *testing.T) {
	a := Pack(HLC{Physical: 100, Logical: 0, Node: "a"})
	b := Pack(HLC{Physical: 200, Logical: 0, Node: "a"})

	if ComparePacked(a, b) >= 0 {
		t.Errorf("expected a < b")
	}
	if ComparePacked(b, a) <= 0 {
		t.Errorf("expected b > a")
	}
	if ComparePacked(a, a) != 0 {
		t.Errorf("expected a == a")
	}
}

func TestComparePacked_InvalidIsLessThanValid(t *testing.T) {
	valid := Pack(HLC{Physical: 1, Node: "n"})

	if ComparePacked("", valid) >= 0 {
		t.Error("empty string should compare less than any valid packed HLC")
	}
	if ComparePacked(valid, "") <= 0 {
		t.Error("valid packed HLC should compare greater than empty string")
	}
	if ComparePacked("not-a-timestamp", valid) >= 0 {
		t.Error("malformed string should compare less than any valid packed HLC")
	}
	if ComparePacked("", "also-not-valid") != 0 {
		t.Error("two invalid packed strings should compare equal")
	}
}

func TestWins_EmptyCurrentAlwaysWins(t *testing.T) {
	candidate := Pack(HLC{Physical: 1, Node: "a"})
	if !Wins(candidate, "", false) {
		t.Error("candidate should win against an absent current value")
	}
}

func TestWins_LaterCandidateWins(t *testing.T) {
	older := Pack(HLC{Physical: 1, Node: "a"})
	newer := Pack(HLC{Physical: 2, Node: "a"})
	if !Wins(newer, older, true) {
		t.Error("strictly later candidate should win")
	}
	if Wins(older, newer, true) {
		t.Error("strictly earlier candidate should lose")
	}
}

func TestWins_ExactTieKeepsExisting(t *testing.T) {
	ts := Pack(HLC{Physical: 5, Node: "a"})
	if Wins(ts, ts, true) {
		t.Error("exact tie should favor the existing value")
	}
}

func TestParse_InvalidInputs(t *testing.T) {
	invalid := []string{"", "nocolon", "abc:def:node"}
	for _, s := range invalid {
		if _, err := Parse(s); err == nil {
			t.Errorf("Parse(%q) expected error, got nil", s)
		}
	}
}
