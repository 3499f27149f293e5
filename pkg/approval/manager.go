package approval

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tollgate-labs/tollgate/pkg/contracts"
)

type pendingRequest struct {
	req      Request
	resolved chan Resolution
	cancel   chan error
}

// Manager is the in-process Approver. It tracks pending requests,
// surfaces them to reviewers, and resolves each wait exactly once:
// whichever of resolution, expiry, or cancellation arrives first wins.
type Manager struct {
	mu        sync.Mutex
	pending   map[string]*pendingRequest
	clock     func() time.Time
	onRequest func(Request)
}

// NewManager creates an empty approval manager.
func NewManager() *Manager {
	return &Manager{
		pending: make(map[string]*pendingRequest),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// OnRequest registers a hook invoked whenever a new request becomes
// pending, so a notification channel can surface it to reviewers.
func (m *Manager) OnRequest(fn func(Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRequest = fn
}

// RequestApproval suspends until a reviewer resolves the request, the
// timeout elapses, or ctx is cancelled. The request is removed from the
// pending set before returning, whatever the outcome.
func (m *Manager) RequestApproval(ctx context.Context, action contracts.Action, draft contracts.Decision, timeout time.Duration) (Resolution, error) {
	now := m.clock()
	p := &pendingRequest{
		req: Request{
			RequestID: uuid.New().String(),
			SessionID: action.SessionID,
			Action:    action,
			Draft:     draft,
			Status:    StatusPending,
			CreatedAt: now,
			ExpiresAt: now.Add(timeout),
		},
		resolved: make(chan Resolution, 1),
		cancel:   make(chan error, 1),
	}

	m.mu.Lock()
	m.pending[p.req.RequestID] = p
	hook := m.onRequest
	m.mu.Unlock()
	if hook != nil {
		hook(p.req)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	defer m.remove(p.req.RequestID)

	select {
	case res := <-p.resolved:
		return res, nil
	case err := <-p.cancel:
		return Resolution{}, err
	case <-timer.C:
		m.setStatus(p.req.RequestID, StatusExpired)
		return Resolution{}, contracts.ErrApprovalTimeout
	case <-ctx.Done():
		m.setStatus(p.req.RequestID, StatusCancelled)
		return Resolution{}, ctx.Err()
	}
}

// Resolve records a reviewer's answer for a pending request.
func (m *Manager) Resolve(requestID string, approved bool, approverID, note string) error {
	m.mu.Lock()
	p, ok := m.pending[requestID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("approval: no pending request %q", requestID)
	}
	if p.req.Status != StatusPending {
		m.mu.Unlock()
		return fmt.Errorf("approval: request %q already %s", requestID, p.req.Status)
	}
	if approved {
		p.req.Status = StatusApproved
	} else {
		p.req.Status = StatusDenied
	}
	m.mu.Unlock()

	p.resolved <- Resolution{
		Approved:   approved,
		ApproverID: approverID,
		Note:       note,
		ResolvedAt: m.clock(),
	}
	return nil
}

// CancelSession cancels every pending request for a session, delivering
// ErrSessionTerminated to the suspended waits. Wired to the Context
// Store's terminate hook.
func (m *Manager) CancelSession(sessionID string) {
	m.mu.Lock()
	var cancelled []*pendingRequest
	for _, p := range m.pending {
		if p.req.SessionID == sessionID && p.req.Status == StatusPending {
			p.req.Status = StatusCancelled
			cancelled = append(cancelled, p)
		}
	}
	m.mu.Unlock()

	for _, p := range cancelled {
		p.cancel <- contracts.ErrSessionTerminated
	}
}

// Pending lists requests still awaiting resolution, oldest first.
func (m *Manager) Pending() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, 0, len(m.pending))
	for _, p := range m.pending {
		if p.req.Status == StatusPending {
			out = append(out, p.req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *Manager) setStatus(requestID string, s Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pending[requestID]; ok && p.req.Status == StatusPending {
		p.req.Status = s
	}
}

func (m *Manager) remove(requestID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, requestID)
}
