// Package policy implements static rule evaluation over normalized
// Actions. Rule match predicates are CEL expressions; rule sets are
// immutable, content-addressed values compiled once per policy epoch.
// Absence of an explicit ALLOW never grants access: no match means
// DENY_BY_DEFAULT, and a FORBID match is unconditional.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/cel-go/cel"

	"github.com/tollgate-labs/tollgate/pkg/canonicalize"
	"github.com/tollgate-labs/tollgate/pkg/contracts"
)

// RuleSpec is the declarative form of one rule, as authored in policy
// bundles.
type RuleSpec struct {
	ID          string            `json:"id"`
	Description string            `json:"description,omitempty"`
	Match       string            `json:"match"` // CEL over the action
	Verdict     contracts.Verdict `json:"verdict"`
	Priority    int               `json:"priority"` // higher evaluates first

	// Constraints overrides parameter values when the arbiter resolves
	// to MODIFY for an action this rule allowed.
	Constraints map[string]any `json:"constraints,omitempty"`
}

type compiledRule struct {
	spec RuleSpec
	prg  cel.Program
}

// RuleSet is an immutable, versioned, content-addressed collection of
// compiled rules, ordered by descending priority. A new policy version
// is a new RuleSet; existing sets are never edited.
type RuleSet struct {
	Version string // bundle semver
	Hash    string // "sha256:..." over the canonical rule specs
	rules   []compiledRule
}

// Result is the outcome of static policy evaluation for one action.
type Result struct {
	Verdict       contracts.Verdict
	MatchedRuleID string
	Detail        string
	Constraints   map[string]any
	PolicyVersion string // the rule set's content hash
}

func newEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("action", cel.DynType),
	)
}

// Compile builds an immutable RuleSet from rule specs. Specs with empty
// IDs, duplicate IDs, unknown verdicts, or expressions that do not
// evaluate to bool are rejected up front so a bad bundle can never be
// half-applied.
func Compile(version string, specs []RuleSpec) (*RuleSet, error) {
	env, err := newEnv()
	if err != nil {
		return nil, fmt.Errorf("policy: cel environment: %w", err)
	}

	seen := make(map[string]struct{}, len(specs))
	rules := make([]compiledRule, 0, len(specs))
	for _, spec := range specs {
		if spec.ID == "" {
			return nil, fmt.Errorf("policy: rule with empty id")
		}
		if _, dup := seen[spec.ID]; dup {
			return nil, fmt.Errorf("policy: duplicate rule id %q", spec.ID)
		}
		seen[spec.ID] = struct{}{}

		switch spec.Verdict {
		case contracts.VerdictForbid, contracts.VerdictAllow, contracts.VerdictDenyByDefault:
		default:
			return nil, fmt.Errorf("policy: rule %q: unknown verdict %q", spec.ID, spec.Verdict)
		}

		ast, issues := env.Compile(spec.Match)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("policy: rule %q: %w", spec.ID, issues.Err())
		}
		if ast.OutputType() != cel.BoolType {
			return nil, fmt.Errorf("policy: rule %q: match must evaluate to bool, got %v", spec.ID, ast.OutputType())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("policy: rule %q: program: %w", spec.ID, err)
		}
		rules = append(rules, compiledRule{spec: spec, prg: prg})
	}

	// Descending priority; stable on ID for deterministic order among
	// equal priorities.
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].spec.Priority != rules[j].spec.Priority {
			return rules[i].spec.Priority > rules[j].spec.Priority
		}
		return rules[i].spec.ID < rules[j].spec.ID
	})

	ordered := make([]RuleSpec, len(rules))
	for i, r := range rules {
		ordered[i] = r.spec
	}
	hash, err := canonicalize.CanonicalHash(struct {
		Version string     `json:"version"`
		Rules   []RuleSpec `json:"rules"`
	}{Version: version, Rules: ordered})
	if err != nil {
		return nil, fmt.Errorf("policy: rule set hash: %w", err)
	}

	return &RuleSet{Version: version, Hash: hash, rules: rules}, nil
}

// Rules returns the ordered rule specs, for introspection.
func (rs *RuleSet) Rules() []RuleSpec {
	out := make([]RuleSpec, len(rs.rules))
	for i, r := range rs.rules {
		out[i] = r.spec
	}
	return out
}

// Evaluate runs the action through the rule set: descending priority,
// first match wins, no match is DENY_BY_DEFAULT. A rule evaluation
// error aborts with an error; the caller resolves it fail-closed.
func (rs *RuleSet) Evaluate(ctx context.Context, action contracts.Action) (Result, error) {
	input, err := actionInput(action)
	if err != nil {
		return Result{}, fmt.Errorf("policy: action input: %w", err)
	}

	for _, r := range rs.rules {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		default:
		}
		out, _, err := r.prg.Eval(map[string]any{"action": input})
		if err != nil {
			return Result{}, fmt.Errorf("policy: rule %q evaluation: %w", r.spec.ID, err)
		}
		matched, ok := out.Value().(bool)
		if !ok {
			return Result{}, fmt.Errorf("policy: rule %q returned non-bool", r.spec.ID)
		}
		if matched {
			return Result{
				Verdict:       r.spec.Verdict,
				MatchedRuleID: r.spec.ID,
				Detail:        r.spec.Description,
				Constraints:   r.spec.Constraints,
				PolicyVersion: rs.Hash,
			}, nil
		}
	}

	return Result{
		Verdict:       contracts.VerdictDenyByDefault,
		Detail:        "no matching rule",
		PolicyVersion: rs.Hash,
	}, nil
}

// actionInput flattens the Action into the map form the CEL environment
// exposes as `action`.
func actionInput(action contracts.Action) (map[string]any, error) {
	raw, err := json.Marshal(action)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	// Parameters may be absent after marshal; CEL rules reference
	// action.parameters freely, so keep the key present.
	if _, ok := m["parameters"]; !ok {
		m["parameters"] = map[string]any{}
	}
	return m, nil
}
