// Package alignment scores an Action's consistency with its session's
// declared intent and accumulated trajectory.
//
// The scoring model is deliberately lexical and deterministic: semantic
// distance is token overlap over NFC-normalized text, trajectory
// consistency is overlap with the session's allowed history, and a
// sensitivity factor penalizes egress of previously-accessed sensitive
// data. Thresholds and weights are deployment configuration, not
// constants; only the ordering and tie-break contract is fixed here.
package alignment

import (
	"fmt"
	"strings"

	"github.com/tollgate-labs/tollgate/pkg/contracts"
)

// Config holds the policy-tunable scoring parameters.
type Config struct {
	// ThresholdAligned (T_high) and ThresholdMisaligned (T_low) bound
	// the three categories. Scores strictly above T_high are ALIGNED,
	// scores at or below T_low are MISALIGNED, everything else is
	// INDETERMINATE. Exact ties resolve toward the more conservative
	// category.
	ThresholdAligned    float64 `yaml:"threshold_aligned" json:"threshold_aligned"`
	ThresholdMisaligned float64 `yaml:"threshold_misaligned" json:"threshold_misaligned"`

	// Weights for the semantic and trajectory components. They need not
	// sum to one; the combination normalizes them.
	SemanticWeight   float64 `yaml:"semantic_weight" json:"semantic_weight"`
	TrajectoryWeight float64 `yaml:"trajectory_weight" json:"trajectory_weight"`

	// SensitivityPenalty multiplies the score when an egress action
	// targets an external destination after the session touched data at
	// or above CONFIDENTIAL.
	SensitivityPenalty float64 `yaml:"sensitivity_penalty" json:"sensitivity_penalty"`

	// InternalDomains lists destination suffixes considered inside the
	// trust boundary; egress to anything else is external.
	InternalDomains []string `yaml:"internal_domains" json:"internal_domains"`
}

// DefaultConfig returns a workable baseline; real deployments tune
// these per policy.
func DefaultConfig() Config {
	return Config{
		ThresholdAligned:    0.55,
		ThresholdMisaligned: 0.30,
		SemanticWeight:      0.6,
		TrajectoryWeight:    0.4,
		SensitivityPenalty:  0.35,
	}
}

// Validate rejects configurations that break the category ordering.
func (c Config) Validate() error {
	if c.ThresholdMisaligned < 0 || c.ThresholdAligned > 1 {
		return fmt.Errorf("alignment: thresholds must lie in [0,1]")
	}
	if c.ThresholdMisaligned >= c.ThresholdAligned {
		return fmt.Errorf("alignment: T_low (%v) must be below T_high (%v)",
			c.ThresholdMisaligned, c.ThresholdAligned)
	}
	if c.SemanticWeight <= 0 || c.TrajectoryWeight <= 0 {
		return fmt.Errorf("alignment: weights must be positive")
	}
	if c.SensitivityPenalty <= 0 || c.SensitivityPenalty > 1 {
		return fmt.Errorf("alignment: sensitivity penalty must lie in (0,1]")
	}
	return nil
}

// Evaluator scores actions against session context. It is stateless and
// safe for concurrent use.
type Evaluator struct {
	cfg Config
}

// New creates an Evaluator from a validated config.
func New(cfg Config) (*Evaluator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Evaluator{cfg: cfg}, nil
}

// Evaluate computes the alignment of one action with the session
// snapshot it will execute in. It never errors on missing data; missing
// intent or history degrades toward INDETERMINATE, not ALIGNED.
func (e *Evaluator) Evaluate(action contracts.Action, snap contracts.SessionSnapshot) contracts.AlignmentResult {
	var rationale []string

	actionTokens := actionTokenSet(action)
	intentTokens := intentTokenSet(snap)

	// (a) semantic distance to the stated intent
	var semantic float64
	switch {
	case len(intentTokens) == 0:
		semantic = 0.5
		rationale = append(rationale, "no stated intent; semantic component neutral")
	case len(actionTokens) == 0:
		semantic = 0.5
		rationale = append(rationale, "action carries no comparable terms; semantic component neutral")
	default:
		semantic = overlapRatio(actionTokens, intentTokens)
		rationale = append(rationale, fmt.Sprintf("semantic overlap with stated intent: %.2f", semantic))
	}

	// (b) trajectory consistency with prior allowed actions
	trajectory, trajNote := e.trajectory(action, actionTokens, intentTokens, snap)
	rationale = append(rationale, trajNote)

	base := (e.cfg.SemanticWeight*semantic + e.cfg.TrajectoryWeight*trajectory) /
		(e.cfg.SemanticWeight + e.cfg.TrajectoryWeight)

	// (c) sensitivity of accessed data relative to the destination
	score := base
	if action.Egress && e.externalDestination(action.Destination) &&
		snap.MaxSensitivity().Rank() >= contracts.SensitivityConfidential.Rank() {
		score = base * e.cfg.SensitivityPenalty
		rationale = append(rationale, fmt.Sprintf(
			"egress to external destination %q after access to %s data",
			action.Destination, snap.MaxSensitivity()))
	}

	score = clamp01(score)
	if score <= e.cfg.ThresholdAligned {
		rationale = append(rationale, ComputeRiskSignals(snap).Summary())
	}
	return contracts.AlignmentResult{
		Score:     score,
		Category:  e.categorize(score),
		Rationale: rationale,
	}
}

// categorize applies the thresholds with the fixed conservative
// tie-break: a score exactly at T_high is INDETERMINATE, exactly at
// T_low is MISALIGNED.
func (e *Evaluator) categorize(score float64) contracts.AlignmentCategory {
	switch {
	case score <= e.cfg.ThresholdMisaligned:
		return contracts.AlignmentMisaligned
	case score > e.cfg.ThresholdAligned:
		return contracts.AlignmentAligned
	default:
		return contracts.AlignmentIndeterminate
	}
}

func (e *Evaluator) trajectory(action contracts.Action, actionTokens, intentTokens map[string]struct{}, snap contracts.SessionSnapshot) (float64, string) {
	allowed := 0
	historyTokens := make(map[string]struct{})
	sameOperation := false
	denyStreak := 0
	for _, h := range snap.History {
		if h.Decision.Blocking() {
			denyStreak++
			continue
		}
		denyStreak = 0
		allowed++
		for tok := range actionTokenSet(h.Action) {
			historyTokens[tok] = struct{}{}
		}
		if h.Action.Operation == action.Operation {
			sameOperation = true
		}
	}

	if allowed == 0 {
		return 0.5, "no prior allowed actions; trajectory component neutral"
	}

	score := overlapRatio(actionTokens, historyTokens)
	if sameOperation {
		score = maxf(score, 0.6)
	}

	// A novel egress after a non-egress trajectory is the classic drift
	// shape: nothing so far pointed outward.
	if action.Egress && !historyEgress(snap) {
		score *= 0.7
	}
	if denyStreak >= 2 {
		score *= 0.9
	}

	note := fmt.Sprintf("trajectory consistency over %d prior allowed actions: %.2f", allowed, score)
	if score < 0.3 && len(intentTokens) > 0 {
		note += " (intent drift)"
	}
	return clamp01(score), note
}

func (e *Evaluator) externalDestination(dst string) bool {
	if dst == "" {
		return true
	}
	d := strings.ToLower(dst)
	if at := strings.LastIndex(d, "@"); at >= 0 {
		d = d[at+1:]
	}
	for _, suffix := range e.cfg.InternalDomains {
		s := strings.ToLower(suffix)
		if d == s || strings.HasSuffix(d, "."+s) {
			return false
		}
	}
	return true
}

func historyEgress(snap contracts.SessionSnapshot) bool {
	for _, h := range snap.History {
		if h.Action.Egress && !h.Decision.Blocking() {
			return true
		}
	}
	return false
}

func overlapRatio(a, b map[string]struct{}) float64 {
	if len(a) == 0 {
		return 0
	}
	hits := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(a))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
