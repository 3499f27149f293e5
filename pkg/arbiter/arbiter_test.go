package arbiter

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tollgate-labs/tollgate/pkg/approval"
	"github.com/tollgate-labs/tollgate/pkg/contracts"
	"github.com/tollgate-labs/tollgate/pkg/policy"
)

type fixedClock struct{ t time.Time }

func (f fixedClock) Now() time.Time { return f.t }

func newTestArbiter(t *testing.T, cfg Config, approver approval.Approver) *Arbiter {
	t.Helper()
	n := 0
	a, err := New(cfg, approver,
		WithClock(fixedClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}),
		WithIDGenerator(func() string { n++; return fmt.Sprintf("id-%03d", n) }),
	)
	require.NoError(t, err)
	return a
}

func testAction() contracts.Action {
	return contracts.Action{
		ActionID:  "act-1",
		SessionID: "sess-1",
		Operation: "send_email",
		Parameters: map[string]any{
			"to":   "ops@corp.example",
			"body": "weekly report",
		},
	}
}

func TestDecideCombinationTable(t *testing.T) {
	categories := []contracts.AlignmentCategory{
		contracts.AlignmentAligned,
		contracts.AlignmentIndeterminate,
		contracts.AlignmentMisaligned,
	}

	t.Run("forbid is absolute across every category", func(t *testing.T) {
		a := newTestArbiter(t, DefaultConfig(), nil)
		for _, cat := range categories {
			outcome, reason := a.Decide(contracts.VerdictForbid, cat, true)
			assert.Equal(t, contracts.OutcomeDeny, outcome, "category %s", cat)
			assert.Equal(t, contracts.ReasonForbiddenByRule, reason, "category %s", cat)
		}
	})

	t.Run("allow", func(t *testing.T) {
		a := newTestArbiter(t, DefaultConfig(), nil)

		outcome, reason := a.Decide(contracts.VerdictAllow, contracts.AlignmentAligned, false)
		assert.Equal(t, contracts.OutcomeAllow, outcome)
		assert.Equal(t, contracts.ReasonAllowed, reason)

		outcome, reason = a.Decide(contracts.VerdictAllow, contracts.AlignmentMisaligned, true)
		assert.Equal(t, contracts.OutcomeDeny, outcome)
		assert.Equal(t, contracts.ReasonContextDependentDeny, reason)

		outcome, reason = a.Decide(contracts.VerdictAllow, contracts.AlignmentIndeterminate, true)
		assert.Equal(t, contracts.OutcomeStepUp, outcome, "default mode escalates indeterminate")
		assert.Equal(t, contracts.ReasonStepUpRequired, reason)
	})

	t.Run("allow indeterminate with modify mode", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.IndeterminateMode = IndeterminateModify
		a := newTestArbiter(t, cfg, nil)

		outcome, reason := a.Decide(contracts.VerdictAllow, contracts.AlignmentIndeterminate, true)
		assert.Equal(t, contracts.OutcomeModify, outcome)
		assert.Equal(t, contracts.ReasonAllowedWithConstraints, reason)

		// No constraints to apply means there is nothing to modify.
		outcome, _ = a.Decide(contracts.VerdictAllow, contracts.AlignmentIndeterminate, false)
		assert.Equal(t, contracts.OutcomeStepUp, outcome)
	})

	t.Run("deny by default", func(t *testing.T) {
		a := newTestArbiter(t, DefaultConfig(), nil)

		outcome, reason := a.Decide(contracts.VerdictDenyByDefault, contracts.AlignmentAligned, false)
		assert.Equal(t, contracts.OutcomeStepUp, outcome, "aligned + no rule escalates, never silently allows")
		assert.Equal(t, contracts.ReasonStepUpRequired, reason)

		for _, cat := range []contracts.AlignmentCategory{contracts.AlignmentIndeterminate, contracts.AlignmentMisaligned} {
			outcome, reason := a.Decide(contracts.VerdictDenyByDefault, cat, false)
			assert.Equal(t, contracts.OutcomeDeny, outcome, "category %s", cat)
			assert.Equal(t, contracts.ReasonDefaultDeny, reason, "category %s", cat)
		}
	})
}

func TestArbitrateBuildsTrace(t *testing.T) {
	a := newTestArbiter(t, DefaultConfig(), nil)

	dec := a.Arbitrate(testAction(), "sha256:snap", policy.Result{
		Verdict:       contracts.VerdictAllow,
		MatchedRuleID: "allow-email",
		Detail:        "matched allow-email",
		PolicyVersion: "sha256:pol",
	}, contracts.AlignmentResult{
		Score:     0.8,
		Category:  contracts.AlignmentAligned,
		Rationale: []string{"semantic overlap 0.80"},
	}, false)

	assert.Equal(t, contracts.OutcomeAllow, dec.FinalOutcome)
	assert.Equal(t, "act-1", dec.ActionID)
	assert.Equal(t, "sha256:snap", dec.ContextSnapshotID)
	assert.Equal(t, "sha256:pol", dec.PolicyVersion)
	assert.Equal(t, contracts.AlignmentAligned, dec.AlignmentCategory)

	require.Len(t, dec.Rationale, 3)
	assert.Equal(t, contracts.StagePolicy, dec.Rationale[0].Stage)
	assert.Equal(t, "allow-email", dec.Rationale[0].Ref)
	assert.Equal(t, contracts.StageAlignment, dec.Rationale[1].Stage)
	assert.Equal(t, contracts.StageArbiter, dec.Rationale[2].Stage)
}

func TestArbitrateForbidShortCircuit(t *testing.T) {
	a := newTestArbiter(t, DefaultConfig(), nil)

	dec := a.Arbitrate(testAction(), "sha256:snap", policy.Result{
		Verdict:       contracts.VerdictForbid,
		MatchedRuleID: "no-prod-deletes",
		Detail:        "matched no-prod-deletes",
		PolicyVersion: "sha256:pol",
	}, contracts.AlignmentResult{}, true)

	assert.Equal(t, contracts.OutcomeDeny, dec.FinalOutcome)
	assert.Equal(t, contracts.ReasonForbiddenByRule, dec.ReasonCode)
	assert.Empty(t, dec.AlignmentCategory, "alignment never ran")
	for _, entry := range dec.Rationale {
		assert.NotEqual(t, contracts.StageAlignment, entry.Stage)
	}
}

func TestArbitrateModifyMergesConstraints(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IndeterminateMode = IndeterminateModify
	a := newTestArbiter(t, cfg, nil)

	action := testAction()
	dec := a.Arbitrate(action, "sha256:snap", policy.Result{
		Verdict:       contracts.VerdictAllow,
		MatchedRuleID: "allow-email-internal",
		PolicyVersion: "sha256:pol",
		Constraints:   map[string]any{"to": "ops@corp.example", "max_recipients": 1},
	}, contracts.AlignmentResult{
		Score:    0.45,
		Category: contracts.AlignmentIndeterminate,
	}, false)

	assert.Equal(t, contracts.OutcomeModify, dec.FinalOutcome)
	require.NotNil(t, dec.ModifiedParameters)
	assert.Equal(t, "weekly report", dec.ModifiedParameters["body"], "untouched params carry over")
	assert.Equal(t, 1, dec.ModifiedParameters["max_recipients"], "constraints are added")
	assert.Nil(t, action.Parameters["max_recipients"], "original action untouched")
}

func TestArbitrateDefaultDenyMisalignedKeepsAlignmentTrace(t *testing.T) {
	a := newTestArbiter(t, DefaultConfig(), nil)

	dec := a.Arbitrate(testAction(), "sha256:snap", policy.Result{
		Verdict:       contracts.VerdictDenyByDefault,
		Detail:        "no rule matched",
		PolicyVersion: "sha256:pol",
	}, contracts.AlignmentResult{
		Score:     0.1,
		Category:  contracts.AlignmentMisaligned,
		Rationale: []string{"no overlap with stated intent"},
	}, false)

	assert.Equal(t, contracts.OutcomeDeny, dec.FinalOutcome)
	assert.Equal(t, contracts.ReasonDefaultDeny, dec.ReasonCode)
	assert.Equal(t, "default", dec.Rationale[0].Ref)
	assert.Equal(t, contracts.StageAlignment, dec.Rationale[1].Stage)
}

type scriptedApprover struct {
	res Resolution
	err error
}

type Resolution = approval.Resolution

func (s scriptedApprover) RequestApproval(_ context.Context, _ contracts.Action, _ contracts.Decision, _ time.Duration) (Resolution, error) {
	return s.res, s.err
}

func stepUpDecision() contracts.Decision {
	return contracts.Decision{
		DecisionID:        "dec-stepup",
		ActionID:          "act-1",
		SessionID:         "sess-1",
		ContextSnapshotID: "sha256:snap",
		PolicyVerdict:     contracts.VerdictDenyByDefault,
		PolicyVersion:     "sha256:pol",
		AlignmentScore:    0.7,
		AlignmentCategory: contracts.AlignmentAligned,
		FinalOutcome:      contracts.OutcomeStepUp,
		ReasonCode:        contracts.ReasonStepUpRequired,
		Rationale: []contracts.TraceEntry{
			{Stage: contracts.StageArbiter, Ref: "STEP_UP", Detail: contracts.ReasonStepUpRequired},
		},
	}
}

func TestAwaitApprovalGranted(t *testing.T) {
	a := newTestArbiter(t, DefaultConfig(), scriptedApprover{
		res: Resolution{Approved: true, ApproverID: "alice"},
	})

	action, dec, err := a.AwaitApproval(context.Background(), testAction(), stepUpDecision())
	require.NoError(t, err)

	assert.Equal(t, contracts.OutcomeAllow, dec.FinalOutcome)
	assert.Equal(t, contracts.ReasonApprovalGranted, dec.ReasonCode)
	assert.Equal(t, "dec-stepup", dec.Supersedes)
	assert.NotEqual(t, "act-1", action.ActionID, "re-evaluation gets a fresh action")
	assert.Equal(t, "act-1", action.Supersedes)
	assert.Equal(t, action.ActionID, dec.ActionID)
	assert.Equal(t, contracts.StageApproval, dec.Rationale[len(dec.Rationale)-1].Stage)
}

func TestAwaitApprovalDenied(t *testing.T) {
	a := newTestArbiter(t, DefaultConfig(), scriptedApprover{
		res: Resolution{Approved: false, ApproverID: "bob"},
	})

	_, dec, err := a.AwaitApproval(context.Background(), testAction(), stepUpDecision())
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeDeny, dec.FinalOutcome)
	assert.Equal(t, contracts.ReasonApprovalDenied, dec.ReasonCode)
	assert.Equal(t, "dec-stepup", dec.Supersedes)
}

func TestAwaitApprovalTimeout(t *testing.T) {
	a := newTestArbiter(t, DefaultConfig(), scriptedApprover{err: contracts.ErrApprovalTimeout})

	_, dec, err := a.AwaitApproval(context.Background(), testAction(), stepUpDecision())
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeDeny, dec.FinalOutcome)
	assert.Equal(t, contracts.ReasonApprovalTimeout, dec.ReasonCode)
	assert.Equal(t, "approval timeout", dec.Rationale[len(dec.Rationale)-1].Detail)
}

func TestAwaitApprovalSessionTerminated(t *testing.T) {
	a := newTestArbiter(t, DefaultConfig(), scriptedApprover{err: contracts.ErrSessionTerminated})

	_, dec, err := a.AwaitApproval(context.Background(), testAction(), stepUpDecision())
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeDeny, dec.FinalOutcome)
	assert.Equal(t, contracts.ReasonSessionTerminated, dec.ReasonCode)
}

func TestAwaitApprovalCallerCancelled(t *testing.T) {
	a := newTestArbiter(t, DefaultConfig(), scriptedApprover{err: context.Canceled})

	_, _, err := a.AwaitApproval(context.Background(), testAction(), stepUpDecision())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAwaitApprovalNoApproverDenies(t *testing.T) {
	a := newTestArbiter(t, DefaultConfig(), nil)

	_, dec, err := a.AwaitApproval(context.Background(), testAction(), stepUpDecision())
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeDeny, dec.FinalOutcome)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.IndeterminateMode = "ASK_NICELY"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.ApprovalTimeout = 0
	assert.Error(t, cfg.Validate())
}
