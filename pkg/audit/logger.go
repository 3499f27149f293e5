// Package audit emits structured JSON telemetry about pipeline
// activity. Audit events are observability, not the record of
// authority; the ledger holds that. A failed audit write never blocks
// a decision.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType defines the category of the audit event.
type EventType string

const (
	EventDecision  EventType = "DECISION"
	EventApproval  EventType = "APPROVAL"
	EventSession   EventType = "SESSION"
	EventPolicy    EventType = "POLICY"
	EventRejection EventType = "REJECTION"
)

// Event represents a structured audit record.
type Event struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id,omitempty"`
	ActorID   string         `json:"actor_id,omitempty"`
	Type      EventType      `json:"type"`
	Subject   string         `json:"subject"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Logger defines the interface for recording audit events.
type Logger interface {
	Record(ctx context.Context, eventType EventType, sessionID, actorID, subject string, metadata map[string]any) error
}

// logger implements Logger, writing structured JSON to a configurable
// writer.
type logger struct {
	mu     sync.Mutex
	writer io.Writer
	clock  func() time.Time
}

// NewLogger creates a Logger writing to os.Stdout.
func NewLogger() Logger {
	return NewLoggerWithWriter(os.Stdout)
}

// NewLoggerWithWriter creates a Logger writing to the given writer.
// This allows injection for testing and custom sinks.
func NewLoggerWithWriter(w io.Writer) Logger {
	if w == nil {
		w = os.Stdout
	}
	return &logger{writer: w, clock: func() time.Time { return time.Now().UTC() }}
}

func (l *logger) Record(_ context.Context, eventType EventType, sessionID, actorID, subject string, metadata map[string]any) error {
	event := Event{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		ActorID:   actorID,
		Type:      eventType,
		Subject:   subject,
		Timestamp: l.clock(),
		Metadata:  metadata,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	bytes, err := json.Marshal(event)
	if err != nil {
		return err
	}
	// Prefix with AUDIT: for easy filtering
	_, err = l.writer.Write(append([]byte("AUDIT: "), append(bytes, '\n')...))
	return err
}

// Nop returns a Logger that discards everything.
func Nop() Logger { return nopLogger{} }

type nopLogger struct{}

func (nopLogger) Record(context.Context, EventType, string, string, string, map[string]any) error {
	return nil
}
