// Package contracts defines the shared data model of the Tollgate
// authorization core: Actions, Decisions, session snapshots, receipt
// inputs, and the domain error taxonomy.
//
// Everything in this package is a plain value type. Components exchange
// these values by copy or read-only reference; mutation after creation
// is a contract violation.
package contracts

import "time"

// PrincipalType classifies the identity that an Action is bound to.
type PrincipalType string

const (
	PrincipalHuman   PrincipalType = "human"
	PrincipalService PrincipalType = "service"
	PrincipalAgent   PrincipalType = "agent"
)

// ActorIdentity is the verified identity an Action executes under.
// For agents, DelegatorID names the human or service the agent acts for.
type ActorIdentity struct {
	ID          string        `json:"id"`
	Type        PrincipalType `json:"type"`
	DelegatorID string        `json:"delegator_id,omitempty"`
	Scopes      []string      `json:"scopes,omitempty"`
}

// Sensitivity tags a resource with its data classification.
type Sensitivity string

const (
	SensitivityPublic       Sensitivity = "PUBLIC"
	SensitivityInternal     Sensitivity = "INTERNAL"
	SensitivityConfidential Sensitivity = "CONFIDENTIAL"
	SensitivityRestricted   Sensitivity = "RESTRICTED"
)

// Rank orders sensitivities from least to most sensitive.
func (s Sensitivity) Rank() int {
	switch s {
	case SensitivityPublic:
		return 0
	case SensitivityInternal:
		return 1
	case SensitivityConfidential:
		return 2
	case SensitivityRestricted:
		return 3
	default:
		return 1
	}
}

// Resource identifies a piece of data or an endpoint an Action touches.
type Resource struct {
	URI         string      `json:"uri"`
	Sensitivity Sensitivity `json:"sensitivity"`
}

// Action is the normalized, immutable record of one agent-initiated
// operation awaiting authorization. Actions are produced exclusively by
// the normalizer; a re-evaluation of the same underlying call produces a
// new Action carrying a Supersedes back-reference, never a mutation.
type Action struct {
	ActionID     string         `json:"action_id"`
	SessionID    string         `json:"session_id"`
	ToolIdentity string         `json:"tool_identity"`
	Operation    string         `json:"operation"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	Actor        ActorIdentity  `json:"actor"`

	// Resources the operation reads or writes, extracted from the
	// parameters by the operation descriptor and classified by the
	// deployment's sensitivity rules.
	Resources []Resource `json:"resources,omitempty"`

	// Egress marks operations whose effect leaves the trust boundary
	// (send, upload, post). Destination holds the resolved target when
	// the descriptor names a destination parameter.
	Egress      bool   `json:"egress,omitempty"`
	Destination string `json:"destination,omitempty"`

	// RawReference is a content hash of the original intercepted
	// payload. The core never parses the raw payload beyond this point.
	RawReference string `json:"raw_reference"`

	// Supersedes names the action this one re-evaluates, if any.
	Supersedes string `json:"supersedes,omitempty"`
}

// CloneForReevaluation derives a fresh Action for re-evaluation (for
// example after a STEP_UP approval resolves). The derived Action keeps
// the payload but gets a new identity and a back-reference.
func (a Action) CloneForReevaluation(newID string, at time.Time) Action {
	next := a
	next.ActionID = newID
	next.Timestamp = at
	next.Supersedes = a.ActionID
	return next
}
