// Package gate runs the authorization pipeline end to end: normalize
// the intercepted call, snapshot the session, evaluate policy and
// intent alignment, arbitrate, commit to the ledger, and fold the
// result back into session history.
//
// The gate is the only component the interception point talks to, and
// it never returns a raw error for an evaluated action: every failure
// inside the pipeline resolves to a well-formed blocking Decision.
// Actions within one session are authorized in submission order.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tollgate-labs/tollgate/pkg/alignment"
	"github.com/tollgate-labs/tollgate/pkg/arbiter"
	"github.com/tollgate-labs/tollgate/pkg/audit"
	"github.com/tollgate-labs/tollgate/pkg/canonicalize"
	"github.com/tollgate-labs/tollgate/pkg/contracts"
	"github.com/tollgate-labs/tollgate/pkg/ledger"
	"github.com/tollgate-labs/tollgate/pkg/normalizer"
	"github.com/tollgate-labs/tollgate/pkg/observability"
	"github.com/tollgate-labs/tollgate/pkg/policy"
	"github.com/tollgate-labs/tollgate/pkg/session"
)

// Gate wires the pipeline components together.
type Gate struct {
	normalizer *normalizer.Normalizer
	store      session.Store
	policies   *policy.Provider
	alignment  *alignment.Evaluator
	arbiter    *arbiter.Arbiter
	ledger     ledger.Ledger
	audit      audit.Logger
	obs        *observability.Provider
	logger     *slog.Logger
	clock      func() time.Time

	// sessionMu serializes authorization per session so decisions land
	// in history in submission order.
	mu         sync.Mutex
	sessionMus map[string]*sync.Mutex
}

// Option configures a Gate.
type Option func(*Gate)

// WithAudit wires the audit event logger.
func WithAudit(a audit.Logger) Option {
	return func(g *Gate) { g.audit = a }
}

// WithObservability wires the OTel provider.
func WithObservability(p *observability.Provider) Option {
	return func(g *Gate) { g.obs = p }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// WithClock overrides the wall clock.
func WithClock(fn func() time.Time) Option {
	return func(g *Gate) { g.clock = fn }
}

// New assembles a Gate from its components.
func New(
	n *normalizer.Normalizer,
	store session.Store,
	policies *policy.Provider,
	align *alignment.Evaluator,
	arb *arbiter.Arbiter,
	led ledger.Ledger,
	opts ...Option,
) (*Gate, error) {
	if n == nil || store == nil || policies == nil || align == nil || arb == nil || led == nil {
		return nil, fmt.Errorf("gate: all pipeline components are required")
	}
	g := &Gate{
		normalizer: n,
		store:      store,
		policies:   policies,
		alignment:  align,
		arbiter:    arb,
		ledger:     led,
		audit:      audit.Nop(),
		logger:     slog.Default().With("component", "gate"),
		clock:      func() time.Time { return time.Now().UTC() },
		sessionMus: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.obs == nil {
		p, err := observability.New(context.Background(), nil)
		if err != nil {
			return nil, err
		}
		g.obs = p
	}
	return g, nil
}

func (g *Gate) sessionLock(sessionID string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.sessionMus[sessionID]
	if !ok {
		m = &sync.Mutex{}
		g.sessionMus[sessionID] = m
	}
	return m
}

// Authorize runs one intercepted call through the full pipeline and
// returns the final Decision. The error return is reserved for caller
// cancellation; every pipeline failure becomes a blocking Decision.
func (g *Gate) Authorize(ctx context.Context, raw normalizer.RawCall) (contracts.Decision, error) {
	start := g.clock()
	ctx, span := g.obs.StartSpan(ctx, "gate.authorize",
		trace.WithAttributes(
			attribute.String("session_id", raw.SessionID),
			attribute.String("operation", raw.Operation),
		),
	)
	defer span.End()

	action, err := g.normalizer.Normalize(raw)
	if err != nil {
		dec := g.rejection(raw, err)
		g.record(ctx, dec, start)
		return dec, nil
	}

	lock := g.sessionLock(action.SessionID)
	lock.Lock()
	defer lock.Unlock()

	dec := g.evaluate(ctx, action)

	committed, err := g.ledger.Commit(ctx, dec)
	if err != nil {
		// The enforcement answer must not outrun the record of
		// authority. Deny and report the ledger failure.
		g.logger.ErrorContext(ctx, "ledger commit failed",
			"action_id", dec.ActionID, "error", err)
		g.obs.RecordError(ctx, "ledger", err)
		dec = g.failClosed(action, "", contracts.ReasonEvaluationError, "decision could not be recorded")
		g.record(ctx, dec, start)
		return dec, nil
	}
	dec = committed.Decision

	if err := g.store.Append(ctx, action.SessionID, action, dec); err != nil {
		if errors.Is(err, contracts.ErrUnknownSession) {
			// The session ended underneath us; the committed decision
			// stands if it already blocks, otherwise deny.
			if !dec.Blocking() {
				dec = g.failClosed(action, dec.ContextSnapshotID, contracts.ReasonSessionTerminated, "session terminated")
			}
		} else {
			g.logger.ErrorContext(ctx, "session append failed",
				"session_id", action.SessionID, "error", err)
			dec = g.failClosed(action, dec.ContextSnapshotID, contracts.ReasonEvaluationError, "history could not be recorded")
		}
		g.record(ctx, dec, start)
		return dec, nil
	}

	if dec.FinalOutcome == contracts.OutcomeStepUp {
		final, err := g.resolveStepUp(ctx, action, dec)
		if err != nil {
			return contracts.Decision{}, err
		}
		g.record(ctx, final, start)
		return final, nil
	}

	g.record(ctx, dec, start)
	return dec, nil
}

// evaluate produces the arbitrated Decision for a normalized action.
// Every internal failure maps to a blocking decision, never an error.
func (g *Gate) evaluate(ctx context.Context, action contracts.Action) contracts.Decision {
	snap, err := g.store.Snapshot(ctx, action.SessionID)
	if err != nil {
		g.obs.RecordError(ctx, "session", err)
		return g.failClosed(action, "", contracts.ReasonEvaluationError, "context snapshot unavailable")
	}
	if snap.Terminated {
		return g.failClosed(action, "", contracts.ReasonUnknownSession, "session terminated")
	}
	snapshotID := g.snapshotID(snap)

	rules, err := g.policies.Current()
	if err != nil {
		g.obs.RecordError(ctx, "policy", err)
		return g.failClosed(action, snapshotID, contracts.ReasonPolicyUnavailable, "no active rule set")
	}

	pol, err := rules.Evaluate(ctx, action)
	if err != nil {
		g.obs.RecordError(ctx, "policy", err)
		return g.failClosed(action, snapshotID, contracts.ReasonEvaluationError, "rule evaluation failed")
	}

	var align contracts.AlignmentResult
	skipped := pol.Verdict == contracts.VerdictForbid
	if !skipped {
		align = g.alignment.Evaluate(action, snap)
	}

	return g.arbiter.Arbitrate(action, snapshotID, pol, align, skipped)
}

// resolveStepUp blocks on the approval service and commits the
// superseding decision. The STEP_UP decision itself is already durable.
func (g *Gate) resolveStepUp(ctx context.Context, action contracts.Action, stepUp contracts.Decision) (contracts.Decision, error) {
	done := g.obs.StepUpStarted(ctx)
	defer done()

	g.auditEvent(ctx, audit.EventApproval, action, map[string]any{
		"decision_id": stepUp.DecisionID,
		"state":       "requested",
	})

	nextAction, nextDec, err := g.arbiter.AwaitApproval(ctx, action, stepUp)
	if err != nil {
		return contracts.Decision{}, err
	}

	committed, err := g.ledger.Commit(ctx, nextDec)
	if err != nil {
		g.logger.ErrorContext(ctx, "ledger commit failed",
			"action_id", nextDec.ActionID, "error", err)
		g.obs.RecordError(ctx, "ledger", err)
		return g.failClosed(nextAction, stepUp.ContextSnapshotID, contracts.ReasonEvaluationError, "decision could not be recorded"), nil
	}
	nextDec = committed.Decision

	if err := g.store.Append(ctx, nextAction.SessionID, nextAction, nextDec); err != nil {
		// The session may have terminated while the wait was pending;
		// the committed decision still stands as the answer.
		g.logger.WarnContext(ctx, "post-approval append failed",
			"session_id", nextAction.SessionID, "error", err)
	}

	g.auditEvent(ctx, audit.EventApproval, nextAction, map[string]any{
		"decision_id": nextDec.DecisionID,
		"supersedes":  nextDec.Supersedes,
		"state":       "resolved",
		"outcome":     string(nextDec.FinalOutcome),
	})
	return nextDec, nil
}

// DeclareIntent records a stated intent for a session.
func (g *Gate) DeclareIntent(ctx context.Context, sessionID string, intent contracts.IntentDeclaration) error {
	if err := g.store.DeclareIntent(ctx, sessionID, intent); err != nil {
		return err
	}
	g.auditEvent(ctx, audit.EventSession, contracts.Action{SessionID: sessionID}, map[string]any{
		"event":  "intent_declared",
		"intent": intent.Text,
	})
	return nil
}

// Terminate ends a session. Outstanding approval waits are cancelled
// through the store's terminate hooks.
func (g *Gate) Terminate(ctx context.Context, sessionID string) error {
	if err := g.store.Terminate(ctx, sessionID); err != nil {
		return err
	}
	g.auditEvent(ctx, audit.EventSession, contracts.Action{SessionID: sessionID}, map[string]any{
		"event": "terminated",
	})
	return nil
}

// GetDecision returns the committed receipt input for an action.
func (g *Gate) GetDecision(ctx context.Context, actionID string) (contracts.ReceiptInput, error) {
	return g.ledger.GetByAction(ctx, actionID)
}

// SessionDecisions returns a session's committed decisions in order.
func (g *Gate) SessionDecisions(ctx context.Context, sessionID string) ([]contracts.ReceiptInput, error) {
	return g.ledger.ListSession(ctx, sessionID)
}

// snapshotID content-addresses the evaluated snapshot so the decision
// names exactly the context it was judged against.
func (g *Gate) snapshotID(snap contracts.SessionSnapshot) string {
	stable := struct {
		SessionID string                        `json:"session_id"`
		Intents   []contracts.IntentDeclaration `json:"intents"`
		History   int                           `json:"history"`
		Accessed  []contracts.Resource          `json:"accessed"`
	}{snap.SessionID, snap.Intents, len(snap.History), snap.DataAccessed}

	hash, err := canonicalize.CanonicalHash(stable)
	if err != nil {
		return ""
	}
	return hash
}

// rejection builds the deterministic pre-evaluation rejection for
// malformed input. It is not ledger-committed: no Action was created.
func (g *Gate) rejection(raw normalizer.RawCall, cause error) contracts.Decision {
	detail := "unmappable call"
	var malformed *contracts.MalformedInputError
	if errors.As(cause, &malformed) {
		detail = malformed.Reason
	}
	return contracts.Decision{
		DecisionID:   uuid.New().String(),
		SessionID:    raw.SessionID,
		FinalOutcome: contracts.OutcomeDeny,
		ReasonCode:   contracts.ReasonMalformedInput,
		Rationale: []contracts.TraceEntry{
			{Stage: contracts.StageNormalizer, Ref: raw.Operation, Detail: detail},
		},
		Timestamp: g.clock(),
	}
}

// failClosed builds a committed-path DENY for internal failures.
func (g *Gate) failClosed(action contracts.Action, snapshotID, reason, detail string) contracts.Decision {
	return contracts.Decision{
		DecisionID:        uuid.New().String(),
		ActionID:          action.ActionID,
		SessionID:         action.SessionID,
		ContextSnapshotID: snapshotID,
		FinalOutcome:      contracts.OutcomeDeny,
		ReasonCode:        reason,
		Rationale: []contracts.TraceEntry{
			{Stage: contracts.StageArbiter, Ref: "fail-closed", Detail: detail},
		},
		Timestamp: g.clock(),
	}
}

func (g *Gate) record(ctx context.Context, dec contracts.Decision, start time.Time) {
	elapsed := g.clock().Sub(start)
	g.obs.RecordDecision(ctx, string(dec.FinalOutcome), dec.ReasonCode, elapsed)

	eventType := audit.EventDecision
	if dec.ReasonCode == contracts.ReasonMalformedInput {
		eventType = audit.EventRejection
	}
	g.auditEvent(ctx, eventType, contracts.Action{
		ActionID:  dec.ActionID,
		SessionID: dec.SessionID,
	}, map[string]any{
		"decision_id": dec.DecisionID,
		"outcome":     string(dec.FinalOutcome),
		"reason":      dec.ReasonCode,
	})

	g.logger.InfoContext(ctx, "decision",
		"session_id", dec.SessionID,
		"action_id", dec.ActionID,
		"outcome", dec.FinalOutcome,
		"reason", dec.ReasonCode,
		"elapsed", elapsed,
	)
}

func (g *Gate) auditEvent(ctx context.Context, eventType audit.EventType, action contracts.Action, metadata map[string]any) {
	if err := g.audit.Record(ctx, eventType, action.SessionID, action.Actor.ID, action.ActionID, metadata); err != nil {
		g.logger.WarnContext(ctx, "audit record failed", "error", err)
	}
}
