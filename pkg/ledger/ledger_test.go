package ledger

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/tollgate-labs/tollgate/pkg/contracts"
)

func sampleDecision(actionID, decisionID string) contracts.Decision {
	return contracts.Decision{
		DecisionID:        decisionID,
		ActionID:          actionID,
		SessionID:         "sess-1",
		ContextSnapshotID: "sha256:snap",
		PolicyVerdict:     contracts.VerdictAllow,
		MatchedRuleID:     "allow-email",
		PolicyVersion:     "sha256:pol",
		AlignmentScore:    0.8,
		AlignmentCategory: contracts.AlignmentAligned,
		FinalOutcome:      contracts.OutcomeAllow,
		ReasonCode:        contracts.ReasonAllowed,
		Rationale: []contracts.TraceEntry{
			{Stage: contracts.StagePolicy, Ref: "allow-email", Detail: "matched"},
		},
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestMemoryCommitIdempotent(t *testing.T) {
	commits := 0
	l := NewMemoryLedger(WithMemoryClock(func() time.Time {
		commits++
		return time.Date(2026, 3, 1, 12, 0, commits, 0, time.UTC)
	}))
	ctx := context.Background()

	first, err := l.Commit(ctx, sampleDecision("act-1", "dec-1"))
	require.NoError(t, err)
	assert.NotEmpty(t, first.ContentHash)
	assert.NotEmpty(t, first.CanonicalBytes)

	// Same action_id, different decision payload: the stored record wins.
	altered := sampleDecision("act-1", "dec-other")
	altered.FinalOutcome = contracts.OutcomeDeny
	second, err := l.Commit(ctx, altered)
	require.NoError(t, err)

	assert.True(t, bytes.Equal(first.CanonicalBytes, second.CanonicalBytes))
	assert.Equal(t, first.ContentHash, second.ContentHash)
	assert.Equal(t, first.CommittedAt, second.CommittedAt, "commit time fixed at first commit")
	assert.Equal(t, "dec-1", second.Decision.DecisionID)
}

func TestMemoryLookups(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	_, err := l.Commit(ctx, sampleDecision("act-1", "dec-1"))
	require.NoError(t, err)

	byAction, err := l.GetByAction(ctx, "act-1")
	require.NoError(t, err)
	assert.Equal(t, "dec-1", byAction.Decision.DecisionID)

	byDecision, err := l.GetByDecision(ctx, "dec-1")
	require.NoError(t, err)
	assert.Equal(t, byAction.ContentHash, byDecision.ContentHash)

	_, err = l.GetByAction(ctx, "act-missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = l.GetByDecision(ctx, "dec-missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestSQLLedger(t *testing.T) *SQLLedger {
	t.Helper()
	l := NewSQLLedger(openTestDB(t))
	require.NoError(t, l.Init(context.Background()))
	return l
}

func TestSQLCommitAndLookup(t *testing.T) {
	l := newTestSQLLedger(t)
	ctx := context.Background()

	ri, err := l.Commit(ctx, sampleDecision("act-1", "dec-1"))
	require.NoError(t, err)
	assert.NotEmpty(t, ri.ContentHash)

	got, err := l.GetByAction(ctx, "act-1")
	require.NoError(t, err)
	assert.True(t, bytes.Equal(ri.CanonicalBytes, got.CanonicalBytes))
	assert.Equal(t, ri.ContentHash, got.ContentHash)
	assert.Equal(t, "sess-1", got.Decision.SessionID)
	assert.Equal(t, contracts.OutcomeAllow, got.Decision.FinalOutcome)

	byDecision, err := l.GetByDecision(ctx, "dec-1")
	require.NoError(t, err)
	assert.Equal(t, ri.ContentHash, byDecision.ContentHash)

	_, err = l.GetByAction(ctx, "act-missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLCommitIdempotent(t *testing.T) {
	commits := 0
	db := openTestDB(t)
	l := NewSQLLedger(db, WithSQLClock(func() time.Time {
		commits++
		return time.Date(2026, 3, 1, 12, 0, commits, 0, time.UTC)
	}))
	ctx := context.Background()
	require.NoError(t, l.Init(ctx))

	first, err := l.Commit(ctx, sampleDecision("act-1", "dec-1"))
	require.NoError(t, err)

	altered := sampleDecision("act-1", "dec-other")
	altered.ReasonCode = contracts.ReasonDefaultDeny
	second, err := l.Commit(ctx, altered)
	require.NoError(t, err)

	assert.True(t, bytes.Equal(first.CanonicalBytes, second.CanonicalBytes))
	assert.Equal(t, first.ContentHash, second.ContentHash)
	assert.Equal(t, "dec-1", second.Decision.DecisionID)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM decisions`).Scan(&count))
	assert.Equal(t, 1, count, "exactly one record per action")
}

func TestSQLListSessionOrder(t *testing.T) {
	l := newTestSQLLedger(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		dec := sampleDecision(fmt.Sprintf("act-%d", i), fmt.Sprintf("dec-%d", i))
		_, err := l.Commit(ctx, dec)
		require.NoError(t, err)
	}
	other := sampleDecision("act-x", "dec-x")
	other.SessionID = "sess-2"
	_, err := l.Commit(ctx, other)
	require.NoError(t, err)

	list, err := l.ListSession(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	for i, ri := range list {
		assert.Equal(t, fmt.Sprintf("act-%d", i+1), ri.Decision.ActionID)
	}
}

func TestSQLCommitInsertFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("INSERT INTO decisions").WillReturnError(fmt.Errorf("disk full"))

	l := NewSQLLedger(db)
	_, err = l.Commit(context.Background(), sampleDecision("act-1", "dec-1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}
