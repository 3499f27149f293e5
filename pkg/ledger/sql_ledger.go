package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tollgate-labs/tollgate/pkg/contracts"
)

// SQLLedger implements Ledger using database/sql. It supports both
// Postgres and SQLite via standard drivers.
//
// The canonical bytes are stored verbatim at first commit; reads and
// duplicate commits return them untouched, so the receipt input stays
// byte-identical across process restarts.
type SQLLedger struct {
	db    *sql.DB
	clock func() time.Time
}

// SQLOption configures a SQLLedger.
type SQLOption func(*SQLLedger)

// WithSQLClock overrides the commit timestamp source.
func WithSQLClock(fn func() time.Time) SQLOption {
	return func(s *SQLLedger) { s.clock = fn }
}

func NewSQLLedger(db *sql.DB, opts ...SQLOption) *SQLLedger {
	s := &SQLLedger{
		db:    db,
		clock: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

const schema = `
CREATE TABLE IF NOT EXISTS decisions (
	action_id TEXT PRIMARY KEY,
	decision_id TEXT UNIQUE NOT NULL,
	session_id TEXT NOT NULL,
	outcome TEXT NOT NULL,
	reason_code TEXT NOT NULL,
	supersedes TEXT,
	canonical BLOB NOT NULL,
	content_hash TEXT NOT NULL,
	committed_at TIMESTAMP NOT NULL,
	seq INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS decisions_session_idx ON decisions (session_id, seq);
`

func (s *SQLLedger) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *SQLLedger) Commit(ctx context.Context, dec contracts.Decision) (contracts.ReceiptInput, error) {
	ri, err := seal(dec, s.clock())
	if err != nil {
		return contracts.ReceiptInput{}, err
	}

	query := `
		INSERT INTO decisions (action_id, decision_id, session_id, outcome, reason_code, supersedes, canonical, content_hash, committed_at, seq)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, (SELECT COALESCE(MAX(seq), 0) + 1 FROM decisions))
		ON CONFLICT (action_id) DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query,
		dec.ActionID, dec.DecisionID, dec.SessionID,
		string(dec.FinalOutcome), dec.ReasonCode, dec.Supersedes,
		ri.CanonicalBytes, ri.ContentHash, ri.CommittedAt,
	)
	if err != nil {
		return contracts.ReceiptInput{}, fmt.Errorf("ledger: commit %s: %w", dec.ActionID, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return contracts.ReceiptInput{}, fmt.Errorf("ledger: commit %s: %w", dec.ActionID, err)
	}
	if rows == 0 {
		// A record already exists for this action; return it unchanged.
		return s.GetByAction(ctx, dec.ActionID)
	}
	return ri, nil
}

func (s *SQLLedger) GetByAction(ctx context.Context, actionID string) (contracts.ReceiptInput, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT canonical, content_hash, committed_at FROM decisions WHERE action_id = $1`, actionID)
	return scanReceiptInput(row)
}

func (s *SQLLedger) GetByDecision(ctx context.Context, decisionID string) (contracts.ReceiptInput, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT canonical, content_hash, committed_at FROM decisions WHERE decision_id = $1`, decisionID)
	return scanReceiptInput(row)
}

func (s *SQLLedger) ListSession(ctx context.Context, sessionID string) ([]contracts.ReceiptInput, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT canonical, content_hash, committed_at FROM decisions WHERE session_id = $1 ORDER BY seq`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.ReceiptInput
	for rows.Next() {
		var (
			canonical   []byte
			contentHash string
			committedAt time.Time
		)
		if err := rows.Scan(&canonical, &contentHash, &committedAt); err != nil {
			return nil, err
		}
		ri, err := rehydrate(canonical, contentHash, committedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, ri)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReceiptInput(row rowScanner) (contracts.ReceiptInput, error) {
	var (
		canonical   []byte
		contentHash string
		committedAt time.Time
	)
	if err := row.Scan(&canonical, &contentHash, &committedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return contracts.ReceiptInput{}, ErrNotFound
		}
		return contracts.ReceiptInput{}, err
	}
	return rehydrate(canonical, contentHash, committedAt)
}

func rehydrate(canonical []byte, contentHash string, committedAt time.Time) (contracts.ReceiptInput, error) {
	var dec contracts.Decision
	if err := json.Unmarshal(canonical, &dec); err != nil {
		return contracts.ReceiptInput{}, fmt.Errorf("ledger: corrupt canonical record: %w", err)
	}
	return contracts.ReceiptInput{
		Decision:       dec,
		CanonicalBytes: canonical,
		ContentHash:    contentHash,
		CommittedAt:    committedAt,
	}, nil
}
