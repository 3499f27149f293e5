package contracts

import "time"

// Verdict is the outcome of static policy evaluation.
type Verdict string

const (
	VerdictForbid        Verdict = "FORBID"
	VerdictAllow         Verdict = "ALLOW"
	VerdictDenyByDefault Verdict = "DENY_BY_DEFAULT"
)

// AlignmentCategory classifies an alignment score against the configured
// thresholds. An empty category on a Decision means alignment evaluation
// was short-circuited (FORBID) and never ran.
type AlignmentCategory string

const (
	AlignmentAligned       AlignmentCategory = "ALIGNED"
	AlignmentMisaligned    AlignmentCategory = "MISALIGNED"
	AlignmentIndeterminate AlignmentCategory = "INDETERMINATE"
)

// AlignmentResult is the output of the intent alignment evaluator.
type AlignmentResult struct {
	Score     float64           `json:"score"`
	Category  AlignmentCategory `json:"category"`
	Rationale []string          `json:"rationale,omitempty"`
}

// Outcome is the final enforcement result of the arbiter.
type Outcome string

const (
	OutcomeAllow  Outcome = "ALLOW"
	OutcomeDeny   Outcome = "DENY"
	OutcomeModify Outcome = "MODIFY"
	OutcomeStepUp Outcome = "STEP_UP"
)

// Stable reason codes returned to the interception point. Blocked
// actions always carry one of these; identical inputs produce identical
// codes.
const (
	ReasonForbiddenByRule        = "FORBIDDEN_BY_RULE"
	ReasonAllowed                = "ALLOWED"
	ReasonAllowedWithConstraints = "ALLOWED_WITH_CONSTRAINTS"
	ReasonContextDependentDeny   = "CONTEXT_DEPENDENT_DENY"
	ReasonDefaultDeny            = "DEFAULT_DENY"
	ReasonStepUpRequired         = "STEP_UP_REQUIRED"
	ReasonApprovalGranted        = "APPROVAL_GRANTED"
	ReasonApprovalDenied         = "APPROVAL_DENIED"
	ReasonApprovalTimeout        = "APPROVAL_TIMEOUT"
	ReasonSessionTerminated      = "SESSION_TERMINATED"
	ReasonPolicyUnavailable      = "POLICY_UNAVAILABLE"
	ReasonEvaluationError        = "EVALUATION_ERROR"
	ReasonMalformedInput         = "MALFORMED_INPUT"
	ReasonUnknownSession         = "UNKNOWN_SESSION"
)

// TraceStage identifies which pipeline stage contributed a trace entry.
type TraceStage string

const (
	StageNormalizer TraceStage = "normalizer"
	StagePolicy     TraceStage = "policy"
	StageAlignment  TraceStage = "alignment"
	StageArbiter    TraceStage = "arbiter"
	StageApproval   TraceStage = "approval"
)

// TraceEntry is one ordered contribution to a Decision's rationale.
// Ref names the rule or signal that contributed (rule ID, signal name).
type TraceEntry struct {
	Stage  TraceStage `json:"stage"`
	Ref    string     `json:"ref,omitempty"`
	Detail string     `json:"detail"`
}

// Decision captures the full judgment for one Action. It is immutable
// once produced and owned by the ledger after Commit.
type Decision struct {
	DecisionID        string  `json:"decision_id"`
	ActionID          string  `json:"action_id"`
	SessionID         string  `json:"session_id"`
	ContextSnapshotID string  `json:"context_snapshot_id"`
	PolicyVerdict     Verdict `json:"policy_verdict"`
	MatchedRuleID     string  `json:"matched_rule_id,omitempty"`

	// PolicyVersion is the content-addressed hash of the rule set this
	// decision was evaluated against, so the decision stays reproducible
	// after policy swaps.
	PolicyVersion string `json:"policy_version"`

	AlignmentScore    float64           `json:"alignment_score"`
	AlignmentCategory AlignmentCategory `json:"alignment_category,omitempty"`

	FinalOutcome Outcome      `json:"final_outcome"`
	ReasonCode   string       `json:"reason_code"`
	Rationale    []TraceEntry `json:"rationale"`

	// ModifiedParameters carries the constrained parameter set when the
	// outcome is MODIFY; the interception point executes with these
	// instead of the originals.
	ModifiedParameters map[string]any `json:"modified_parameters,omitempty"`

	// Supersedes links a post-approval decision to the STEP_UP decision
	// it resolves.
	Supersedes string    `json:"supersedes,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Blocking reports whether the outcome stops the action at the
// enforcement boundary.
func (d *Decision) Blocking() bool {
	return d.FinalOutcome == OutcomeDeny || d.FinalOutcome == OutcomeStepUp
}
