package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/tollgate-labs/tollgate/pkg/contracts"
)

// MemoryLedger is an in-process Ledger for tests and single-node
// deployments without durability requirements.
type MemoryLedger struct {
	mu         sync.RWMutex
	byAction   map[string]contracts.ReceiptInput
	byDecision map[string]string // decision_id -> action_id
	order      []string          // action_ids in commit order
	clock      func() time.Time
}

// MemoryOption configures a MemoryLedger.
type MemoryOption func(*MemoryLedger)

// WithMemoryClock overrides the commit timestamp source.
func WithMemoryClock(fn func() time.Time) MemoryOption {
	return func(m *MemoryLedger) { m.clock = fn }
}

func NewMemoryLedger(opts ...MemoryOption) *MemoryLedger {
	m := &MemoryLedger{
		byAction:   make(map[string]contracts.ReceiptInput),
		byDecision: make(map[string]string),
		clock:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryLedger) Commit(_ context.Context, dec contracts.Decision) (contracts.ReceiptInput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.byAction[dec.ActionID]; ok {
		return existing, nil
	}

	ri, err := seal(dec, m.clock())
	if err != nil {
		return contracts.ReceiptInput{}, err
	}
	m.byAction[dec.ActionID] = ri
	m.byDecision[dec.DecisionID] = dec.ActionID
	m.order = append(m.order, dec.ActionID)
	return ri, nil
}

func (m *MemoryLedger) GetByAction(_ context.Context, actionID string) (contracts.ReceiptInput, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ri, ok := m.byAction[actionID]
	if !ok {
		return contracts.ReceiptInput{}, ErrNotFound
	}
	return ri, nil
}

func (m *MemoryLedger) GetByDecision(_ context.Context, decisionID string) (contracts.ReceiptInput, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	actionID, ok := m.byDecision[decisionID]
	if !ok {
		return contracts.ReceiptInput{}, ErrNotFound
	}
	return m.byAction[actionID], nil
}

func (m *MemoryLedger) ListSession(_ context.Context, sessionID string) ([]contracts.ReceiptInput, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []contracts.ReceiptInput
	for _, actionID := range m.order {
		ri := m.byAction[actionID]
		if ri.Decision.SessionID == sessionID {
			out = append(out, ri)
		}
	}
	return out, nil
}
