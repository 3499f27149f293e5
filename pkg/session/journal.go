package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/tollgate-labs/tollgate/pkg/contracts"
)

// Journal makes Context Store mutations durable. Entries are written
// before the mutation is published to readers, so a replayed journal
// reconstructs exactly the state readers could have observed.
type Journal interface {
	RecordIntent(ctx context.Context, sessionID string, intent contracts.IntentDeclaration) error
	RecordEntry(ctx context.Context, sessionID string, entry contracts.HistoryEntry) error
	RecordTermination(ctx context.Context, sessionID string, at time.Time) error
}

// SQLJournal implements Journal on database/sql. It works against both
// SQLite (modernc) and Postgres (lib/pq); both accept $N placeholders.
// Event IDs are assigned client-side from a monotonic counter so the
// schema stays portable across backends.
type SQLJournal struct {
	db   *sql.DB
	next atomic.Int64
}

const journalSchema = `
CREATE TABLE IF NOT EXISTS session_events (
	id INTEGER PRIMARY KEY,
	session_id TEXT NOT NULL,
	seq INTEGER,
	kind TEXT NOT NULL,
	payload TEXT NOT NULL,
	recorded_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events(session_id, id);
`

const (
	kindIntent    = "INTENT"
	kindEntry     = "ENTRY"
	kindTerminate = "TERMINATE"
)

// NewSQLJournal creates the journal and its schema, resuming the event
// counter from whatever is already persisted.
func NewSQLJournal(ctx context.Context, db *sql.DB) (*SQLJournal, error) {
	j := &SQLJournal{db: db}
	if _, err := db.ExecContext(ctx, journalSchema); err != nil {
		return nil, fmt.Errorf("session journal migrate: %w", err)
	}
	var max sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(id) FROM session_events`).Scan(&max); err != nil {
		return nil, fmt.Errorf("session journal counter init: %w", err)
	}
	j.next.Store(max.Int64)
	return j, nil
}

func (j *SQLJournal) record(ctx context.Context, sessionID, kind string, seq int, payload any, at time.Time) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("session journal encode: %w", err)
	}
	_, err = j.db.ExecContext(ctx,
		`INSERT INTO session_events (id, session_id, seq, kind, payload, recorded_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		j.next.Add(1), sessionID, seq, kind, string(raw), at,
	)
	if err != nil {
		return fmt.Errorf("session journal write: %w", err)
	}
	return nil
}

func (j *SQLJournal) RecordIntent(ctx context.Context, sessionID string, intent contracts.IntentDeclaration) error {
	return j.record(ctx, sessionID, kindIntent, -1, intent, intent.DeclaredAt)
}

func (j *SQLJournal) RecordEntry(ctx context.Context, sessionID string, entry contracts.HistoryEntry) error {
	return j.record(ctx, sessionID, kindEntry, entry.Seq, entry, entry.Decision.Timestamp)
}

func (j *SQLJournal) RecordTermination(ctx context.Context, sessionID string, at time.Time) error {
	return j.record(ctx, sessionID, kindTerminate, -1, struct {
		At time.Time `json:"at"`
	}{At: at}, at)
}

// Replay streams the journal in insertion order and rebuilds session
// state into a fresh MemoryStore. Used at startup for audit continuity.
func (j *SQLJournal) Replay(ctx context.Context, into *MemoryStore) error {
	rows, err := j.db.QueryContext(ctx,
		`SELECT session_id, kind, payload FROM session_events ORDER BY id ASC`)
	if err != nil {
		return fmt.Errorf("session journal replay: %w", err)
	}
	defer func() { _ = rows.Close() }()

	// Replay through the store's own mutation path, minus the journal,
	// so invariants hold identically. Detach the journal temporarily.
	saved := into.journal
	into.journal = nil
	defer func() { into.journal = saved }()

	for rows.Next() {
		var sessionID, kind, payload string
		if err := rows.Scan(&sessionID, &kind, &payload); err != nil {
			return fmt.Errorf("session journal scan: %w", err)
		}
		switch kind {
		case kindIntent:
			var intent contracts.IntentDeclaration
			if err := json.Unmarshal([]byte(payload), &intent); err != nil {
				return fmt.Errorf("session journal decode intent: %w", err)
			}
			if err := into.DeclareIntent(ctx, sessionID, intent); err != nil {
				return err
			}
		case kindEntry:
			var entry contracts.HistoryEntry
			if err := json.Unmarshal([]byte(payload), &entry); err != nil {
				return fmt.Errorf("session journal decode entry: %w", err)
			}
			if err := into.Append(ctx, sessionID, entry.Action, entry.Decision); err != nil {
				return err
			}
		case kindTerminate:
			if err := into.Terminate(ctx, sessionID); err != nil {
				return err
			}
		default:
			return fmt.Errorf("session journal: unknown event kind %q", kind)
		}
	}
	return rows.Err()
}
