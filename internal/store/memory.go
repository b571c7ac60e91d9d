package store

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/Jaaco/talon/internal/hlc"
	"github.com/Jaaco/talon/internal/message"
	"github.com/Jaaco/talon/internal/metrics"
)

type cellView struct {
	dataType  string
	value     string
	timestamp string
}

// Memory is an in-memory LocalStore, suitable as a reference implementation
// and as the collaborator mocks call for in-process convergence tests. It
// is safe for concurrent use.
type Memory struct {
	mu      sync.RWMutex
	logger  *zap.Logger
	metrics *metrics.Metrics

	log      []message.Message
	byID     map[string]int // message id -> index into log
	view     map[message.Cell]cellView
	latestTS map[message.Cell]string // max local_timestamp ever logged for the cell, regardless of view outcome
	cursor   uint64
	hasCursor bool
}

// Option configures optional Memory collaborators.
type Option func(*Memory)

// WithMetrics attaches a metrics sink; merge decisions reached while
// applying server messages are reported through it.
func WithMetrics(m *metrics.Metrics) Option {
	return func(mem *Memory) { mem.metrics = m }
}

// NewMemory constructs an empty in-memory local store. logger may be nil.
func NewMemory(logger *zap.Logger, opts ...Option) *Memory {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Memory{
		logger:   logger,
		byID:     make(map[string]int),
		view:     make(map[message.Cell]cellView),
		latestTS: make(map[message.Cell]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Init(ctx context.Context) error {
	return nil
}

func (m *Memory) ApplyToView(ctx context.Context, msg message.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyToViewLocked(msg)
	return nil
}

func (m *Memory) applyToViewLocked(msg message.Message) {
	m.view[msg.Cell()] = cellView{
		dataType:  msg.DataType,
		value:     msg.Value,
		timestamp: msg.LocalTimestamp,
	}
}

func (m *Memory) AppendToLog(ctx context.Context, msg message.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendToLogLocked(msg)
	return nil
}

// appendToLogLocked is idempotent on msg.ID and always advances latestTS
// for the cell, independent of whether the view is ever updated.
func (m *Memory) appendToLogLocked(msg message.Message) {
	if _, exists := m.byID[msg.ID]; exists {
		return
	}
	m.byID[msg.ID] = len(m.log)
	m.log = append(m.log, msg)

	cell := msg.Cell()
	if current, ok := m.latestTS[cell]; !ok || hlc.ComparePacked(msg.LocalTimestamp, current) > 0 {
		m.latestTS[cell] = msg.LocalTimestamp
	}
}

func (m *Memory) GetLatestCellTimestamp(ctx context.Context, table, row, column string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ts, ok := m.latestTS[message.Cell{Table: table, Row: row, Column: column}]
	return ts, ok
}

func (m *Memory) SaveLocalChange(ctx context.Context, msg message.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyToViewLocked(msg)
	m.appendToLogLocked(msg)
	return nil
}

func (m *Memory) SaveServerMessage(ctx context.Context, msg message.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveServerMessageLocked(msg)
}

// saveServerMessageLocked inlines the Merge Engine's decision (internal/merge.Apply)
// rather than calling it: Apply is written against the LocalStore interface
// and would re-enter Memory's exported methods, deadlocking on m.mu. Both
// paths share the same decision via hlc.Wins, so there is exactly one LWW
// rule, just two call shapes for it.
func (m *Memory) saveServerMessageLocked(msg message.Message) error {
	// Read the cell's latest timestamp before appending, so msg is compared
	// against what was there before it rather than against itself.
	cell := msg.Cell()
	current, ok := m.latestTS[cell]
	m.appendToLogLocked(msg)

	if hlc.Wins(msg.LocalTimestamp, current, ok) {
		m.applyToViewLocked(msg)
		if m.metrics != nil {
			m.metrics.MergeDecisions.WithLabelValues("applied").Inc()
		}
		return nil
	}
	if m.metrics != nil {
		m.metrics.MergeDecisions.WithLabelValues("skipped").Inc()
	}
	return nil
}

func (m *Memory) SaveServerBatch(ctx context.Context, batch []message.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var maxServerTS uint64
	sawServerTS := false
	for _, msg := range batch {
		if err := m.saveServerMessageLocked(msg); err != nil {
			// Leave cursor unchanged on any per-message failure.
			return err
		}
		if msg.ServerTimestamp != nil {
			sawServerTS = true
			if *msg.ServerTimestamp > maxServerTS {
				maxServerTS = *msg.ServerTimestamp
			}
		}
	}

	if sawServerTS {
		m.cursor = maxServerTS
		m.hasCursor = true
	}
	return nil
}

func (m *Memory) ReadCursor(ctx context.Context) (uint64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cursor, m.hasCursor
}

func (m *Memory) WriteCursor(ctx context.Context, cursor uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursor = cursor
	m.hasCursor = true
	return nil
}

func (m *Memory) Unsynced(ctx context.Context) ([]message.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]message.Message, 0)
	for _, msg := range m.log {
		if !msg.HasBeenSynced {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *Memory) MarkSynced(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		idx, ok := m.byID[id]
		if !ok {
			// ContractViolation: caller marked an id this store never saw.
			m.logger.Warn("mark_synced: unknown message id", zap.String("id", id))
			continue
		}
		m.log[idx].HasBeenSynced = true
	}
	return nil
}

// View returns the current raw (data_type, value) pair of a cell, undecoded, for tests and
// integrators that want a read path without going through get_latest_cell_timestamp.
func (m *Memory) View(table, row, column string) (dataType, value string, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cv, ok := m.view[message.Cell{Table: table, Row: row, Column: column}]
	if !ok {
		return "", "", false
	}
	return cv.dataType, cv.value, true
}

// LogSize returns the number of distinct messages ever appended.
func (m *Memory) LogSize() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.log)
}
