package replicator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Jaaco/talon/internal/hlc"
	"github.com/Jaaco/talon/internal/message"
	"github.com/Jaaco/talon/internal/store"
)

// mockRemote is an in-memory store.RemoteStore for tests. acceptLimits, if
// set, controls how many messages of each successive SendBatch call are
// accepted (-1 or missing entries accept the whole batch), modeling a
// remote that only partially accepts a batch.
type mockRemote struct {
	mu           sync.Mutex
	accepted     []message.Message
	nextServerTS uint64
	acceptLimits []int
	callIndex    int
	subs         map[int]store.OnBatch
	nextSubID    int
}

func newMockRemote() *mockRemote {
	return &mockRemote{subs: make(map[int]store.OnBatch)}
}

func (m *mockRemote) FetchSince(ctx context.Context, cursor uint64, userID, clientID string) ([]message.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]message.Message, 0)
	for _, msg := range m.accepted {
		if msg.ServerTimestamp == nil || *msg.ServerTimestamp <= cursor {
			continue
		}
		if msg.UserID != userID || msg.ClientID == clientID {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func (m *mockRemote) SendMessage(ctx context.Context, msg message.Message) (bool, error) {
	result, err := m.SendBatch(ctx, []message.Message{msg})
	if err != nil {
		return false, err
	}
	return len(result.Accepted) == 1, nil
}

func (m *mockRemote) SendBatch(ctx context.Context, batch []message.Message) (store.BatchResult, error) {
	m.mu.Lock()

	limit := -1
	if m.callIndex < len(m.acceptLimits) {
		limit = m.acceptLimits[m.callIndex]
	}
	m.callIndex++

	n := len(batch)
	if limit >= 0 && limit < n {
		n = limit
	}

	result := store.BatchResult{Accepted: make([]string, 0, n)}
	delivered := make([]message.Message, 0, n)
	for i := 0; i < n; i++ {
		msg := batch[i]
		m.nextServerTS++
		ts := m.nextServerTS
		msg.ServerTimestamp = &ts
		m.accepted = append(m.accepted, msg)
		result.Accepted = append(result.Accepted, msg.ID)
		delivered = append(delivered, msg)
	}

	callbacks := make([]store.OnBatch, 0, len(m.subs))
	for _, cb := range m.subs {
		callbacks = append(callbacks, cb)
	}
	m.mu.Unlock()

	if len(delivered) > 0 {
		// Real live-tail delivery arrives on its own goroutine (a websocket
		// reader, a gRPC stream pump, ...), never inline with the call that
		// produced it; mimic that here so a Replicator subscribed to its
		// own pushes can't reenter its own lock from within SendBatch.
		for _, cb := range callbacks {
			cb := cb
			go cb(delivered)
		}
	}
	return result, nil
}

func (m *mockRemote) Subscribe(ctx context.Context, userID, clientID string, cursor uint64, onBatch store.OnBatch) (store.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSubID
	m.nextSubID++
	m.subs[id] = onBatch
	return &mockSubscription{remote: m, id: id}, nil
}

type mockSubscription struct {
	remote *mockRemote
	id     int
}

func (s *mockSubscription) Close() error {
	s.remote.mu.Lock()
	defer s.remote.mu.Unlock()
	delete(s.remote.subs, s.id)
	return nil
}

func newIDGen(prefix string) IDGenerator {
	var counter int64
	return func() string {
		n := atomic.AddInt64(&counter, 1)
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

// drain reads every event already buffered on ch without blocking. Every
// test call site triggers publish synchronously before draining, so
// outstanding events are already queued by the time drain runs.
func drain(ch <-chan ChangeEvent) []ChangeEvent {
	var events []ChangeEvent
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		default:
			return events
		}
	}
}

// A local write followed by a sync round trip reaches the remote.
func TestScenario_LocalWriteThenSync(t *testing.T) {
	ctx := context.Background()
	local := store.NewMemory(nil)
	remote := newMockRemote()
	r := New("u1", "c1", local, remote, newIDGen("m"), ImmediateConfig(), nil, nil)

	events, unsubscribe := r.Subscribe()
	defer unsubscribe()

	if err := r.SetSyncEnabled(ctx, true); err != nil {
		t.Fatal(err)
	}
	if err := r.SaveChange(ctx, Change{Table: "todos", Row: "t1", Column: "name", Value: "Buy milk"}); err != nil {
		t.Fatal(err)
	}
	if err := r.ForcePush(ctx); err != nil {
		t.Fatal(err)
	}

	if local.LogSize() != 1 {
		t.Fatalf("expected log size 1, got %d", local.LogSize())
	}
	unsynced, _ := local.Unsynced(ctx)
	if len(unsynced) != 0 {
		t.Fatalf("expected 0 unsynced after push, got %d", len(unsynced))
	}
	if len(remote.accepted) != 1 || remote.accepted[0].ClientID != "c1" {
		t.Fatalf("expected remote to have 1 message from c1, got %+v", remote.accepted)
	}
	_, value, ok := local.View("todos", "t1", "name")
	if !ok || value != "Buy milk" {
		t.Fatalf("expected cell view Buy milk, got %q ok=%v", value, ok)
	}

	seen := drain(events)
	localEvents := 0
	for _, ev := range seen {
		if ev.Source == SourceLocal {
			localEvents++
		}
	}
	if localEvents != 1 {
		t.Fatalf("expected exactly one local event, got %d (of %d total)", localEvents, len(seen))
	}
}

// Of two conflicting writes to the same cell, the later HLC timestamp wins.
func TestScenario_LWWLaterWins(t *testing.T) {
	ctx := context.Background()
	local := store.NewMemory(nil)
	remote := newMockRemote()
	r := New("u1", "c1", local, remote, newIDGen("m"), ImmediateConfig(), nil, nil)

	if err := r.SetSyncEnabled(ctx, true); err != nil {
		t.Fatal(err)
	}
	if err := r.SaveChange(ctx, Change{Table: "todos", Row: "t1", Column: "name", Value: "First"}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)
	if err := r.SaveChange(ctx, Change{Table: "todos", Row: "t1", Column: "name", Value: "Second"}); err != nil {
		t.Fatal(err)
	}

	_, value, ok := local.View("todos", "t1", "name")
	if !ok || value != "Second" {
		t.Fatalf("expected Second, got %q", value)
	}
	if local.LogSize() != 2 {
		t.Fatalf("expected log size 2, got %d", local.LogSize())
	}
}

// An incoming server message with a later timestamp overrides a stale local value.
func TestScenario_ServerBeatsStaleLocal(t *testing.T) {
	ctx := context.Background()
	local := store.NewMemory(nil)
	remote := newMockRemote()
	r := New("u1", "c1", local, remote, newIDGen("m"), ImmediateConfig(), nil, nil)

	if err := r.SaveChange(ctx, Change{Table: "todos", Row: "t1", Column: "name", Value: "Local"}); err != nil {
		t.Fatal(err)
	}

	future := hlc.HLC{Physical: uint64(time.Now().UnixMilli()) + 1000, Logical: 0, Node: "c2"}
	remoteMsg := message.Message{
		ID: "remote-1", Table: "todos", Row: "t1", Column: "name",
		DataType: message.TypeString, Value: "Remote",
		LocalTimestamp: hlc.Pack(future),
		UserID:         "u1", ClientID: "c2",
	}
	r.onLiveBatch([]message.Message{remoteMsg})

	_, value, ok := local.View("todos", "t1", "name")
	if !ok || value != "Remote" {
		t.Fatalf("expected Remote to win, got %q", value)
	}

	if err := r.SaveChange(ctx, Change{Table: "todos", Row: "t1", Column: "name", Value: "After"}); err != nil {
		t.Fatal(err)
	}
	unsynced, _ := local.Unsynced(ctx)
	var after message.Message
	for _, m := range unsynced {
		if m.Value == "After" {
			after = m
		}
	}
	afterTS, err := hlc.Parse(after.LocalTimestamp)
	if err != nil {
		t.Fatal(err)
	}
	if !afterTS.HappensAfter(future) {
		t.Errorf("expected next send to exceed remote's HLC: %v vs %v", afterTS, future)
	}
}

// An incoming server message with an earlier timestamp than the local value is discarded.
func TestScenario_StaleServerLoses(t *testing.T) {
	ctx := context.Background()
	local := store.NewMemory(nil)
	remote := newMockRemote()
	r := New("u1", "c1", local, remote, newIDGen("m"), ImmediateConfig(), nil, nil)

	if err := r.SaveChange(ctx, Change{Table: "todos", Row: "t1", Column: "name", Value: "Local"}); err != nil {
		t.Fatal(err)
	}

	past := hlc.HLC{Physical: uint64(time.Now().UnixMilli()) - 10000, Logical: 0, Node: "c2"}
	staleMsg := message.Message{
		ID: "remote-stale", Table: "todos", Row: "t1", Column: "name",
		DataType: message.TypeString, Value: "Stale",
		LocalTimestamp: hlc.Pack(past),
		UserID:         "u1", ClientID: "c2",
	}
	r.onLiveBatch([]message.Message{staleMsg})

	_, value, ok := local.View("todos", "t1", "name")
	if !ok || value != "Local" {
		t.Fatalf("expected Local to remain, got %q", value)
	}
	if local.LogSize() != 2 {
		t.Fatalf("expected both messages logged, got %d", local.LogSize())
	}
}

// A push halts at the first partially accepted batch, leaving the rest unsynced for a later retry.
func TestScenario_PartialBatchFailure(t *testing.T) {
	ctx := context.Background()
	local := store.NewMemory(nil)
	remote := newMockRemote()
	remote.acceptLimits = []int{2, 1} // batch 1 fully accepted, batch 2 only 1 of 2

	cfg := ImmediateConfig()
	cfg.BatchSize = 2
	r := New("u1", "c1", local, remote, newIDGen("m"), cfg, nil, nil)

	for i := 0; i < 4; i++ {
		if err := r.SaveChange(ctx, Change{Table: "t", Row: fmt.Sprintf("r%d", i), Column: "c", Value: i}); err != nil {
			t.Fatal(err)
		}
	}

	if err := r.ForcePush(ctx); err != nil {
		t.Fatal(err)
	}

	unsynced, _ := local.Unsynced(ctx)
	if len(unsynced) != 1 {
		t.Fatalf("expected 1 unsynced message after partial batch failure, got %d", len(unsynced))
	}

	// a subsequent push retries the remaining message.
	remote.acceptLimits = nil // accept everything from here on
	if err := r.ForcePush(ctx); err != nil {
		t.Fatal(err)
	}
	unsynced, _ = local.Unsynced(ctx)
	if len(unsynced) != 0 {
		t.Fatalf("expected retry to clear remaining unsynced, got %d", len(unsynced))
	}
}

// Multiple clients writing concurrently and syncing converge on the same winning value.
func TestScenario_MultiClientConvergence(t *testing.T) {
	ctx := context.Background()
	remote := newMockRemote()

	local1 := store.NewMemory(nil)
	local2 := store.NewMemory(nil)
	r1 := New("u1", "c1", local1, remote, newIDGen("m1"), ImmediateConfig(), nil, nil)
	r2 := New("u1", "c2", local2, remote, newIDGen("m2"), ImmediateConfig(), nil, nil)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			_ = r1.SaveChange(ctx, Change{Table: "t", Row: "r", Column: "c", Value: fmt.Sprintf("c1-%d", i)})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			_ = r2.SaveChange(ctx, Change{Table: "t", Row: "r", Column: "c", Value: fmt.Sprintf("c2-%d", i)})
		}
	}()
	wg.Wait()

	if err := r1.ForcePush(ctx); err != nil {
		t.Fatal(err)
	}
	if err := r2.ForcePush(ctx); err != nil {
		t.Fatal(err)
	}
	if err := r1.Pull(ctx); err != nil {
		t.Fatal(err)
	}
	if err := r2.Pull(ctx); err != nil {
		t.Fatal(err)
	}

	_, v1, ok1 := local1.View("t", "r", "c")
	_, v2, ok2 := local2.View("t", "r", "c")
	if !ok1 || !ok2 {
		t.Fatalf("expected both views populated: ok1=%v ok2=%v", ok1, ok2)
	}
	if v1 != v2 {
		t.Fatalf("expected convergence, got v1=%q v2=%q", v1, v2)
	}

	ts1, _ := local1.GetLatestCellTimestamp(ctx, "t", "r", "c")
	maxTS := ts1
	for _, msg := range remote.accepted {
		if hlc.ComparePacked(msg.LocalTimestamp, maxTS) > 0 {
			maxTS = msg.LocalTimestamp
		}
	}
	if ts1 != maxTS {
		t.Errorf("expected converged value's timestamp to be the maximum over all 20 messages")
	}
}

// Saving changes emits exactly one local event, and none for an empty input.
func TestSaveChanges_BatchOneEvent(t *testing.T) {
	ctx := context.Background()
	local := store.NewMemory(nil)
	remote := newMockRemote()
	r := New("u1", "c1", local, remote, newIDGen("m"), DefaultConfig(), nil, nil)

	events, unsubscribe := r.Subscribe()
	defer unsubscribe()

	changes := []Change{
		{Table: "t", Row: "r1", Column: "c", Value: "a"},
		{Table: "t", Row: "r2", Column: "c", Value: "b"},
		{Table: "t", Row: "r3", Column: "c", Value: "c"},
	}
	if err := r.SaveChanges(ctx, changes); err != nil {
		t.Fatal(err)
	}

	seen := drain(events)
	if len(seen) != 1 {
		t.Fatalf("expected exactly one event, got %d", len(seen))
	}
	if len(seen[0].Messages) != 3 {
		t.Fatalf("expected event to carry 3 messages, got %d", len(seen[0].Messages))
	}

	if err := r.SaveChanges(ctx, nil); err != nil {
		t.Fatal(err)
	}
	extra := drain(events)
	if len(extra) != 0 {
		t.Fatalf("expected no event for empty save_changes, got %d", len(extra))
	}
}

// Live-tail messages authored by this client, or belonging to another user, are never applied or emitted.
func TestLiveTail_FiltersSelfAndOtherUsers(t *testing.T) {
	ctx := context.Background()
	local := store.NewMemory(nil)
	remote := newMockRemote()
	r := New("u1", "c1", local, remote, newIDGen("m"), ImmediateConfig(), nil, nil)

	events, unsubscribe := r.Subscribe()
	defer unsubscribe()

	selfMsg := message.Message{ID: "self", Table: "t", Row: "r", Column: "c", Value: "self", LocalTimestamp: "000000000000001:00000:c1", UserID: "u1", ClientID: "c1"}
	otherUserMsg := message.Message{ID: "other-user", Table: "t", Row: "r", Column: "c", Value: "intruder", LocalTimestamp: "000000000000002:00000:c9", UserID: "u2", ClientID: "c9"}
	legitMsg := message.Message{ID: "legit", Table: "t", Row: "r", Column: "c", Value: "legit", LocalTimestamp: "000000000000003:00000:c2", UserID: "u1", ClientID: "c2"}

	r.onLiveBatch([]message.Message{selfMsg, otherUserMsg, legitMsg})

	_, value, ok := local.View("t", "r", "c")
	if !ok || value != "legit" {
		t.Fatalf("expected only legit message applied, got %q ok=%v", value, ok)
	}

	seen := drain(events)
	for _, ev := range seen {
		for _, m := range ev.Messages {
			if m.ID == "self" || m.ID == "other-user" {
				t.Fatalf("filtered message %q leaked onto change stream", m.ID)
			}
		}
	}
}

func TestDispose_FailsSubsequentOperations(t *testing.T) {
	ctx := context.Background()
	local := store.NewMemory(nil)
	remote := newMockRemote()
	r := New("u1", "c1", local, remote, newIDGen("m"), DefaultConfig(), nil, nil)

	if err := r.Dispose(ctx); err != nil {
		t.Fatal(err)
	}
	if err := r.Dispose(ctx); err != nil {
		t.Fatalf("expected dispose to be idempotent, got %v", err)
	}

	if err := r.SaveChange(ctx, Change{Table: "t", Row: "r", Column: "c", Value: "x"}); err != ErrDisposed {
		t.Errorf("expected ErrDisposed from save_change, got %v", err)
	}
	if err := r.Push(ctx); err != ErrDisposed {
		t.Errorf("expected ErrDisposed from push, got %v", err)
	}
	if err := r.SetSyncEnabled(ctx, true); err != ErrDisposed {
		t.Errorf("expected ErrDisposed from set_sync_enabled, got %v", err)
	}
}

func TestPull_EmptyBatchEmitsNoEvent(t *testing.T) {
	ctx := context.Background()
	local := store.NewMemory(nil)
	remote := newMockRemote()
	r := New("u1", "c1", local, remote, newIDGen("m"), DefaultConfig(), nil, nil)

	events, unsubscribe := r.Subscribe()
	defer unsubscribe()

	if err := r.Pull(ctx); err != nil {
		t.Fatal(err)
	}
	seen := drain(events)
	if len(seen) != 0 {
		t.Fatalf("expected no event on empty pull, got %d", len(seen))
	}
}

func TestSaveChanges_DistinctHLCsInSubmissionOrder(t *testing.T) {
	ctx := context.Background()
	local := store.NewMemory(nil)
	remote := newMockRemote()
	r := New("u1", "c1", local, remote, newIDGen("m"), DefaultConfig(), nil, nil)

	changes := []Change{
		{Table: "t", Row: "r1", Column: "c", Value: 1},
		{Table: "t", Row: "r2", Column: "c", Value: 2},
		{Table: "t", Row: "r3", Column: "c", Value: 3},
	}
	if err := r.SaveChanges(ctx, changes); err != nil {
		t.Fatal(err)
	}

	unsynced, _ := local.Unsynced(ctx)
	if len(unsynced) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(unsynced))
	}
	for i := 1; i < len(unsynced); i++ {
		if hlc.ComparePacked(unsynced[i].LocalTimestamp, unsynced[i-1].LocalTimestamp) <= 0 {
			t.Fatalf("expected strictly increasing timestamps in submission order at index %d", i)
		}
	}
}
