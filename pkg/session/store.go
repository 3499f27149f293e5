// Package session implements the Context Store: append-only, per-session
// accumulation of prior actions, accessed data, and declared intents,
// with cheap immutable snapshots.
//
// Concurrency discipline: mutation for a given session is serialized by
// a per-session writer lock; snapshots read an atomically published
// immutable view and never block writers. History is never reordered or
// deleted, so any snapshot is a strict prefix of every later one.
package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tollgate-labs/tollgate/pkg/contracts"
)

// Store is the Context Store contract consumed by the gate.
type Store interface {
	// DeclareIntent records a stated intent. Declarations accumulate as
	// a sequence; nothing is overwritten.
	DeclareIntent(ctx context.Context, sessionID string, intent contracts.IntentDeclaration) error

	// Append atomically adds one (action, decision) entry to the
	// session's history and folds the action's touched resources into
	// data_accessed. Fails with ErrUnknownSession only after explicit
	// termination.
	Append(ctx context.Context, sessionID string, action contracts.Action, decision contracts.Decision) error

	// Snapshot returns an immutable point-in-time view reflecting a
	// consistent prefix of the history. Unknown sessions yield an empty
	// snapshot: sessions come into being with their first action.
	Snapshot(ctx context.Context, sessionID string) (contracts.SessionSnapshot, error)

	// Terminate ends the session. The session is archived, not deleted;
	// further mutation fails with ErrUnknownSession. Registered
	// terminate hooks fire exactly once.
	Terminate(ctx context.Context, sessionID string) error

	// OnTerminate registers a hook invoked when any session terminates.
	// Used to cancel outstanding approval waits for the session.
	OnTerminate(fn func(sessionID string))
}

// Clock abstracts time for snapshot stamps.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// view is the immutable state published to readers. Writers replace the
// whole view; slices are extended by append so earlier views keep seeing
// their own stable prefixes (structural sharing).
type view struct {
	intents    []contracts.IntentDeclaration
	history    []contracts.HistoryEntry
	accessed   []contracts.Resource
	terminated bool
}

type sessionState struct {
	mu          sync.Mutex // serializes writers for this session
	current     atomic.Pointer[view]
	accessedSet map[string]struct{}
}

// MemoryStore is the in-process Store implementation. An optional
// Journal makes every mutation durable; an optional Archiver receives
// the final snapshot when a session terminates.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState

	hooksMu sync.Mutex
	hooks   []func(sessionID string)

	journal  Journal
	archiver Archiver
	clock    Clock
	logger   *slog.Logger
}

// StoreOption configures a MemoryStore.
type StoreOption func(*MemoryStore)

// WithJournal wires a durability journal; every mutation is recorded
// before it is published to readers.
func WithJournal(j Journal) StoreOption {
	return func(s *MemoryStore) { s.journal = j }
}

// WithArchiver wires an archive sink for terminated sessions.
func WithArchiver(a Archiver) StoreOption {
	return func(s *MemoryStore) { s.archiver = a }
}

// WithClock overrides the wall clock.
func WithClock(c Clock) StoreOption {
	return func(s *MemoryStore) { s.clock = c }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *MemoryStore) { s.logger = l }
}

// NewMemoryStore creates an empty Context Store.
func NewMemoryStore(opts ...StoreOption) *MemoryStore {
	s := &MemoryStore{
		sessions: make(map[string]*sessionState),
		clock:    wallClock{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// get returns the live state for sessionID, creating it on first use.
func (s *MemoryStore) get(sessionID string) *sessionState {
	s.mu.RLock()
	st, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if ok {
		return st
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok = s.sessions[sessionID]; ok {
		return st
	}
	st = &sessionState{accessedSet: make(map[string]struct{})}
	st.current.Store(&view{})
	s.sessions[sessionID] = st
	return st
}

func (s *MemoryStore) DeclareIntent(ctx context.Context, sessionID string, intent contracts.IntentDeclaration) error {
	st := s.get(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	v := st.current.Load()
	if v.terminated {
		return contracts.ErrUnknownSession
	}
	if s.journal != nil {
		if err := s.journal.RecordIntent(ctx, sessionID, intent); err != nil {
			return err
		}
	}

	next := *v
	next.intents = append(v.intents, intent)
	st.current.Store(&next)
	return nil
}

func (s *MemoryStore) Append(ctx context.Context, sessionID string, action contracts.Action, decision contracts.Decision) error {
	st := s.get(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	v := st.current.Load()
	if v.terminated {
		return contracts.ErrUnknownSession
	}

	entry := contracts.HistoryEntry{
		Seq:      len(v.history),
		Action:   action,
		Decision: decision,
	}
	if s.journal != nil {
		if err := s.journal.RecordEntry(ctx, sessionID, entry); err != nil {
			return err
		}
	}

	next := *v
	next.history = append(v.history, entry)

	// Only actions that were actually allowed to execute count as data
	// access; blocked actions never touched anything.
	if !decision.Blocking() {
		for _, r := range action.Resources {
			if _, seen := st.accessedSet[r.URI]; seen {
				continue
			}
			st.accessedSet[r.URI] = struct{}{}
			next.accessed = append(next.accessed, r)
		}
	}

	st.current.Store(&next)
	return nil
}

func (s *MemoryStore) Snapshot(_ context.Context, sessionID string) (contracts.SessionSnapshot, error) {
	st := s.get(sessionID)
	v := st.current.Load()
	return contracts.SessionSnapshot{
		SessionID:    sessionID,
		Intents:      v.intents,
		History:      v.history,
		DataAccessed: v.accessed,
		Terminated:   v.terminated,
		TakenAt:      s.clock.Now(),
	}, nil
}

func (s *MemoryStore) Terminate(ctx context.Context, sessionID string) error {
	st := s.get(sessionID)
	st.mu.Lock()

	v := st.current.Load()
	if v.terminated {
		st.mu.Unlock()
		return contracts.ErrUnknownSession
	}
	if s.journal != nil {
		if err := s.journal.RecordTermination(ctx, sessionID, s.clock.Now()); err != nil {
			st.mu.Unlock()
			return err
		}
	}

	next := *v
	next.terminated = true
	st.current.Store(&next)
	st.mu.Unlock()

	s.hooksMu.Lock()
	hooks := make([]func(string), len(s.hooks))
	copy(hooks, s.hooks)
	s.hooksMu.Unlock()
	for _, h := range hooks {
		h(sessionID)
	}

	if s.archiver != nil {
		final := contracts.SessionSnapshot{
			SessionID:    sessionID,
			Intents:      next.intents,
			History:      next.history,
			DataAccessed: next.accessed,
			Terminated:   true,
			TakenAt:      s.clock.Now(),
		}
		// Archival is audit plumbing, not enforcement; it must never
		// block or fail the termination path.
		go func() {
			if err := s.archiver.Archive(context.Background(), final); err != nil {
				s.logger.Warn("session archive failed",
					"session_id", sessionID,
					"error", err,
				)
			}
		}()
	}
	return nil
}

func (s *MemoryStore) OnTerminate(fn func(sessionID string)) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.hooks = append(s.hooks, fn)
}
