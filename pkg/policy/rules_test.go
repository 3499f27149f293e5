package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tollgate-labs/tollgate/pkg/contracts"
)

func testSpecs() []RuleSpec {
	return []RuleSpec{
		{
			ID:       "forbid-prod-drop",
			Match:    `action.operation == "drop_database" && action.parameters.target == "production"`,
			Verdict:  contracts.VerdictForbid,
			Priority: 100,
		},
		{
			ID:       "allow-send-email",
			Match:    `action.operation == "send_email"`,
			Verdict:  contracts.VerdictAllow,
			Priority: 50,
		},
		{
			ID:       "allow-reads",
			Match:    `action.operation == "read_file"`,
			Verdict:  contracts.VerdictAllow,
			Priority: 10,
			Constraints: map[string]any{
				"max_bytes": float64(4096),
			},
		},
	}
}

func compileSet(t *testing.T) *RuleSet {
	t.Helper()
	rs, err := Compile("base@1.0.0", testSpecs())
	require.NoError(t, err)
	return rs
}

func action(op string, params map[string]any) contracts.Action {
	return contracts.Action{
		ActionID:   "act-1",
		SessionID:  "sess-1",
		Operation:  op,
		Parameters: params,
	}
}

func TestFirstMatchByPriority(t *testing.T) {
	rs := compileSet(t)

	res, err := rs.Evaluate(context.Background(), action("drop_database", map[string]any{"target": "production"}))
	require.NoError(t, err)
	assert.Equal(t, contracts.VerdictForbid, res.Verdict)
	assert.Equal(t, "forbid-prod-drop", res.MatchedRuleID)
}

func TestNoMatchIsDenyByDefault(t *testing.T) {
	rs := compileSet(t)

	res, err := rs.Evaluate(context.Background(), action("delete_records", map[string]any{"table": "users"}))
	require.NoError(t, err)
	assert.Equal(t, contracts.VerdictDenyByDefault, res.Verdict)
	assert.Empty(t, res.MatchedRuleID)
}

func TestAllowCarriesConstraints(t *testing.T) {
	rs := compileSet(t)

	res, err := rs.Evaluate(context.Background(), action("read_file", map[string]any{"path": "/tmp/x"}))
	require.NoError(t, err)
	assert.Equal(t, contracts.VerdictAllow, res.Verdict)
	assert.Equal(t, float64(4096), res.Constraints["max_bytes"])
}

func TestHigherPriorityWinsOverLower(t *testing.T) {
	specs := []RuleSpec{
		{ID: "low-allow", Match: `action.operation == "send_email"`, Verdict: contracts.VerdictAllow, Priority: 1},
		{ID: "high-forbid", Match: `action.operation == "send_email"`, Verdict: contracts.VerdictForbid, Priority: 99},
	}
	rs, err := Compile("t@0.1.0", specs)
	require.NoError(t, err)

	res, err := rs.Evaluate(context.Background(), action("send_email", nil))
	require.NoError(t, err)
	assert.Equal(t, contracts.VerdictForbid, res.Verdict)
	assert.Equal(t, "high-forbid", res.MatchedRuleID)
}

func TestRuleSetHashCoversRules(t *testing.T) {
	a, err := Compile("v@1.0.0", testSpecs())
	require.NoError(t, err)
	b, err := Compile("v@1.0.0", testSpecs())
	require.NoError(t, err)
	assert.Equal(t, a.Hash, b.Hash)

	changed := testSpecs()
	changed[0].Priority = 101
	c, err := Compile("v@1.0.0", changed)
	require.NoError(t, err)
	assert.NotEqual(t, a.Hash, c.Hash)
}

func TestCompileRejectsBadRules(t *testing.T) {
	cases := []struct {
		name  string
		specs []RuleSpec
	}{
		{"empty id", []RuleSpec{{Match: "true", Verdict: contracts.VerdictAllow}}},
		{"duplicate id", []RuleSpec{
			{ID: "r", Match: "true", Verdict: contracts.VerdictAllow},
			{ID: "r", Match: "false", Verdict: contracts.VerdictAllow},
		}},
		{"bad verdict", []RuleSpec{{ID: "r", Match: "true", Verdict: "MAYBE"}}},
		{"non-bool expression", []RuleSpec{{ID: "r", Match: `"a string"`, Verdict: contracts.VerdictAllow}}},
		{"syntax error", []RuleSpec{{ID: "r", Match: `action.operation ==`, Verdict: contracts.VerdictAllow}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Compile("v@1.0.0", tc.specs)
			assert.Error(t, err)
		})
	}
}

func TestEvaluationErrorSurfaces(t *testing.T) {
	// Referencing a missing field on a map errors at eval time in CEL.
	rs, err := Compile("v@1.0.0", []RuleSpec{
		{ID: "r", Match: `action.parameters.missing_key == "x"`, Verdict: contracts.VerdictAllow, Priority: 1},
	})
	require.NoError(t, err)

	_, err = rs.Evaluate(context.Background(), action("send_email", map[string]any{}))
	assert.Error(t, err)
}

func TestProviderFailsClosedUntilLoaded(t *testing.T) {
	p := NewProvider()
	_, err := p.Current()
	assert.ErrorIs(t, err, contracts.ErrPolicyUnavailable)

	rs := compileSet(t)
	p.Swap(rs)
	got, err := p.Current()
	require.NoError(t, err)
	assert.Equal(t, rs.Hash, got.Hash)
}
