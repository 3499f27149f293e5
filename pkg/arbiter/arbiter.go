// Package arbiter combines the static policy verdict and the intent
// alignment category into one final outcome, and drives the approval
// hand-off when the outcome is STEP_UP.
//
// The combination table is fixed (see Decide); what is configurable is
// only how ALLOW×INDETERMINATE resolves (MODIFY or STEP_UP) and how
// long a STEP_UP wait may last. A FORBID is absolute, and a
// DENY_BY_DEFAULT can at best escalate to human approval — never to a
// silent allow.
package arbiter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tollgate-labs/tollgate/pkg/approval"
	"github.com/tollgate-labs/tollgate/pkg/contracts"
	"github.com/tollgate-labs/tollgate/pkg/policy"
)

// IndeterminateMode selects the outcome for ALLOW×INDETERMINATE.
type IndeterminateMode string

const (
	IndeterminateModify IndeterminateMode = "MODIFY"
	IndeterminateStepUp IndeterminateMode = "STEP_UP"
)

// Config holds the deployment-tunable arbiter parameters.
type Config struct {
	IndeterminateMode IndeterminateMode `yaml:"indeterminate_mode" json:"indeterminate_mode"`
	ApprovalTimeout   time.Duration     `yaml:"approval_timeout" json:"approval_timeout"`
}

// DefaultConfig escalates indeterminate cases to a human and bounds
// approval waits at five minutes.
func DefaultConfig() Config {
	return Config{
		IndeterminateMode: IndeterminateStepUp,
		ApprovalTimeout:   5 * time.Minute,
	}
}

func (c Config) Validate() error {
	switch c.IndeterminateMode {
	case IndeterminateModify, IndeterminateStepUp:
	default:
		return fmt.Errorf("arbiter: unknown indeterminate mode %q", c.IndeterminateMode)
	}
	if c.ApprovalTimeout <= 0 {
		return fmt.Errorf("arbiter: approval timeout must be positive")
	}
	return nil
}

// Clock abstracts time for decision stamps.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// Arbiter builds Decisions. It is safe for concurrent use.
type Arbiter struct {
	cfg      Config
	approver approval.Approver
	clock    Clock
	newID    func() string
}

// Option configures an Arbiter.
type Option func(*Arbiter)

// WithClock overrides the wall clock.
func WithClock(c Clock) Option {
	return func(a *Arbiter) { a.clock = c }
}

// WithIDGenerator overrides decision/action ID generation.
func WithIDGenerator(fn func() string) Option {
	return func(a *Arbiter) { a.newID = fn }
}

// New creates an Arbiter. The approver may be nil only in deployments
// that configure MODIFY for indeterminate cases and accept that
// DENY_BY_DEFAULT×ALIGNED degrades to DENY (never silent allow).
func New(cfg Config, approver approval.Approver, opts ...Option) (*Arbiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &Arbiter{
		cfg:      cfg,
		approver: approver,
		clock:    wallClock{},
		newID:    func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Decide applies the combination table. For FORBID the alignment
// category is ignored entirely; callers short-circuit alignment
// evaluation and pass the zero category.
func (a *Arbiter) Decide(verdict contracts.Verdict, category contracts.AlignmentCategory, hasConstraints bool) (contracts.Outcome, string) {
	switch verdict {
	case contracts.VerdictForbid:
		return contracts.OutcomeDeny, contracts.ReasonForbiddenByRule

	case contracts.VerdictAllow:
		switch category {
		case contracts.AlignmentAligned:
			return contracts.OutcomeAllow, contracts.ReasonAllowed
		case contracts.AlignmentMisaligned:
			return contracts.OutcomeDeny, contracts.ReasonContextDependentDeny
		default: // INDETERMINATE
			if a.cfg.IndeterminateMode == IndeterminateModify && hasConstraints {
				return contracts.OutcomeModify, contracts.ReasonAllowedWithConstraints
			}
			// Without constraints there is nothing to modify; degrade
			// conservatively to a human decision.
			return contracts.OutcomeStepUp, contracts.ReasonStepUpRequired
		}

	case contracts.VerdictDenyByDefault:
		if category == contracts.AlignmentAligned {
			// Context-Dependent Allow: escalate, never silently allow.
			return contracts.OutcomeStepUp, contracts.ReasonStepUpRequired
		}
		return contracts.OutcomeDeny, contracts.ReasonDefaultDeny

	default:
		return contracts.OutcomeDeny, contracts.ReasonEvaluationError
	}
}

// Arbitrate builds the full Decision for an action from the policy and
// alignment results. skippedAlignment marks the FORBID short-circuit;
// in that case align is ignored and no alignment trace is recorded.
func (a *Arbiter) Arbitrate(
	action contracts.Action,
	snapshotID string,
	pol policy.Result,
	align contracts.AlignmentResult,
	skippedAlignment bool,
) contracts.Decision {
	var trace []contracts.TraceEntry

	ruleRef := pol.MatchedRuleID
	if ruleRef == "" {
		ruleRef = "default"
	}
	trace = append(trace, contracts.TraceEntry{
		Stage:  contracts.StagePolicy,
		Ref:    ruleRef,
		Detail: fmt.Sprintf("verdict %s: %s", pol.Verdict, pol.Detail),
	})

	category := contracts.AlignmentCategory("")
	if !skippedAlignment {
		category = align.Category
		for _, r := range align.Rationale {
			trace = append(trace, contracts.TraceEntry{
				Stage:  contracts.StageAlignment,
				Ref:    string(align.Category),
				Detail: r,
			})
		}
	}

	outcome, reason := a.Decide(pol.Verdict, category, len(pol.Constraints) > 0)
	trace = append(trace, contracts.TraceEntry{
		Stage:  contracts.StageArbiter,
		Ref:    string(outcome),
		Detail: reason,
	})

	dec := contracts.Decision{
		DecisionID:        a.newID(),
		ActionID:          action.ActionID,
		SessionID:         action.SessionID,
		ContextSnapshotID: snapshotID,
		PolicyVerdict:     pol.Verdict,
		MatchedRuleID:     pol.MatchedRuleID,
		PolicyVersion:     pol.PolicyVersion,
		AlignmentScore:    align.Score,
		AlignmentCategory: category,
		FinalOutcome:      outcome,
		ReasonCode:        reason,
		Rationale:         trace,
		Timestamp:         a.clock.Now(),
	}

	if outcome == contracts.OutcomeModify {
		dec.ModifiedParameters = mergeConstraints(action.Parameters, pol.Constraints)
	}
	return dec
}

// AwaitApproval suspends on the approval service for a STEP_UP decision
// and returns the superseding Decision: ALLOW on approval, DENY on
// refusal, timeout, or session termination. The returned decision
// belongs to a fresh re-evaluation Action linked by Supersedes; both
// decisions are retained in the ledger.
func (a *Arbiter) AwaitApproval(ctx context.Context, action contracts.Action, stepUp contracts.Decision) (contracts.Action, contracts.Decision, error) {
	if a.approver == nil {
		final := a.superseding(action, stepUp, contracts.OutcomeDeny, contracts.ReasonEvaluationError,
			"no approval service configured")
		return final.action, final.decision, nil
	}

	res, err := a.approver.RequestApproval(ctx, action, stepUp, a.cfg.ApprovalTimeout)
	switch {
	case err == nil && res.Approved:
		final := a.superseding(action, stepUp, contracts.OutcomeAllow, contracts.ReasonApprovalGranted,
			fmt.Sprintf("approved by %s", res.ApproverID))
		return final.action, final.decision, nil

	case err == nil:
		final := a.superseding(action, stepUp, contracts.OutcomeDeny, contracts.ReasonApprovalDenied,
			fmt.Sprintf("denied by %s", res.ApproverID))
		return final.action, final.decision, nil

	case errors.Is(err, contracts.ErrApprovalTimeout):
		final := a.superseding(action, stepUp, contracts.OutcomeDeny, contracts.ReasonApprovalTimeout,
			"approval timeout")
		return final.action, final.decision, nil

	case errors.Is(err, contracts.ErrSessionTerminated):
		final := a.superseding(action, stepUp, contracts.OutcomeDeny, contracts.ReasonSessionTerminated,
			"session terminated")
		return final.action, final.decision, nil

	default:
		// Context cancellation from the caller: nothing to enforce, the
		// wait's owner is gone.
		return contracts.Action{}, contracts.Decision{}, err
	}
}

type supersedingResult struct {
	action   contracts.Action
	decision contracts.Decision
}

func (a *Arbiter) superseding(action contracts.Action, stepUp contracts.Decision, outcome contracts.Outcome, reason, detail string) supersedingResult {
	now := a.clock.Now()
	next := action.CloneForReevaluation(a.newID(), now)

	trace := make([]contracts.TraceEntry, 0, len(stepUp.Rationale)+1)
	trace = append(trace, stepUp.Rationale...)
	trace = append(trace, contracts.TraceEntry{
		Stage:  contracts.StageApproval,
		Ref:    string(outcome),
		Detail: detail,
	})

	return supersedingResult{
		action: next,
		decision: contracts.Decision{
			DecisionID:        a.newID(),
			ActionID:          next.ActionID,
			SessionID:         next.SessionID,
			ContextSnapshotID: stepUp.ContextSnapshotID,
			PolicyVerdict:     stepUp.PolicyVerdict,
			MatchedRuleID:     stepUp.MatchedRuleID,
			PolicyVersion:     stepUp.PolicyVersion,
			AlignmentScore:    stepUp.AlignmentScore,
			AlignmentCategory: stepUp.AlignmentCategory,
			FinalOutcome:      outcome,
			ReasonCode:        reason,
			Rationale:         trace,
			Supersedes:        stepUp.DecisionID,
			Timestamp:         now,
		},
	}
}

func mergeConstraints(params, constraints map[string]any) map[string]any {
	merged := make(map[string]any, len(params)+len(constraints))
	for k, v := range params {
		merged[k] = v
	}
	for k, v := range constraints {
		merged[k] = v
	}
	return merged
}
