// Package normalizer maps heterogeneous intercepted calls into the one
// canonical Action record the rest of the core operates on.
//
// Normalization is pure: it consults neither policy nor session context,
// so it is independently testable and its rejections are deterministic.
// Anything that cannot be mapped to a registered operation, or whose
// parameters fail the operation's schema, is rejected with a
// MalformedInputError and never reaches policy evaluation.
package normalizer

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/tollgate-labs/tollgate/pkg/canonicalize"
	"github.com/tollgate-labs/tollgate/pkg/contracts"
)

// Clock provides time for Action timestamps. Inject a fixed clock in
// tests for deterministic Actions.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// RawCall is the envelope the interception point hands to the core. The
// Payload is the operation's parameter object; the core never parses the
// original wire message beyond what the interception layer extracted
// here.
type RawCall struct {
	SessionID    string                 `json:"session_id"`
	ToolIdentity string                 `json:"tool_identity"`
	Operation    string                 `json:"operation"`
	Payload      json.RawMessage        `json:"payload"`
	Actor        contracts.ActorIdentity `json:"actor"`
}

// Descriptor declares one known operation: its canonical verb, its
// parameter schema, and how to interpret its parameters.
type Descriptor struct {
	// Operation is the canonical verb ("delete_records", "send_email").
	Operation string `json:"operation"`

	// Schema is a JSON Schema (draft 2020-12) for the parameter object.
	// Empty means the operation takes no parameters.
	Schema string `json:"schema,omitempty"`

	// ResourceParams name string parameters whose values identify
	// resources the operation touches.
	ResourceParams []string `json:"resource_params,omitempty"`

	// Egress marks operations whose effect leaves the trust boundary.
	// DestinationParam names the parameter holding the target.
	Egress           bool   `json:"egress,omitempty"`
	DestinationParam string `json:"destination_param,omitempty"`
}

// Classifier assigns a sensitivity tag to a resource URI. Deployments
// supply pattern-based classifiers; the zero default is INTERNAL.
type Classifier interface {
	Classify(uri string) contracts.Sensitivity
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc func(uri string) contracts.Sensitivity

func (f ClassifierFunc) Classify(uri string) contracts.Sensitivity { return f(uri) }

type compiledOp struct {
	desc   Descriptor
	schema *jsonschema.Schema
}

// Normalizer validates raw calls against per-operation schemas and
// produces immutable Actions.
type Normalizer struct {
	ops        map[string]*compiledOp
	classifier Classifier
	clock      Clock
	newID      func() string
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithClock overrides the wall clock, for deterministic tests.
func WithClock(c Clock) Option {
	return func(n *Normalizer) { n.clock = c }
}

// WithIDGenerator overrides action ID generation.
func WithIDGenerator(fn func() string) Option {
	return func(n *Normalizer) { n.newID = fn }
}

// WithClassifier sets the resource sensitivity classifier.
func WithClassifier(c Classifier) Option {
	return func(n *Normalizer) { n.classifier = c }
}

// New builds a Normalizer from operation descriptors, compiling every
// schema up front so malformed schemas fail at construction, not at
// evaluation time.
func New(descriptors []Descriptor, opts ...Option) (*Normalizer, error) {
	n := &Normalizer{
		ops:   make(map[string]*compiledOp, len(descriptors)),
		clock: wallClock{},
		newID: func() string { return uuid.New().String() },
		classifier: ClassifierFunc(func(string) contracts.Sensitivity {
			return contracts.SensitivityInternal
		}),
	}
	for _, opt := range opts {
		opt(n)
	}

	for _, d := range descriptors {
		if d.Operation == "" {
			return nil, fmt.Errorf("normalizer: descriptor with empty operation")
		}
		if _, dup := n.ops[d.Operation]; dup {
			return nil, fmt.Errorf("normalizer: duplicate descriptor for operation %q", d.Operation)
		}
		op := &compiledOp{desc: d}
		if d.Schema != "" {
			c := jsonschema.NewCompiler()
			c.Draft = jsonschema.Draft2020
			url := fmt.Sprintf("https://tollgate.schemas.local/ops/%s.schema.json", d.Operation)
			if err := c.AddResource(url, strings.NewReader(d.Schema)); err != nil {
				return nil, fmt.Errorf("normalizer: schema load for %q: %w", d.Operation, err)
			}
			compiled, err := c.Compile(url)
			if err != nil {
				return nil, fmt.Errorf("normalizer: schema compile for %q: %w", d.Operation, err)
			}
			op.schema = compiled
		}
		n.ops[d.Operation] = op
	}
	return n, nil
}

// Normalize maps one raw intercepted call to a canonical Action, or
// fails with a MalformedInputError. It has no side effects beyond
// Action creation.
func (n *Normalizer) Normalize(raw RawCall) (contracts.Action, error) {
	var zero contracts.Action

	if raw.SessionID == "" {
		return zero, &contracts.MalformedInputError{Reason: "missing session_id"}
	}
	op, known := n.ops[raw.Operation]
	if !known {
		return zero, &contracts.MalformedInputError{
			Operation: raw.Operation,
			Reason:    "unknown operation",
		}
	}

	params := map[string]any{}
	if len(raw.Payload) > 0 {
		if err := json.Unmarshal(raw.Payload, &params); err != nil {
			return zero, &contracts.MalformedInputError{
				Operation: raw.Operation,
				Reason:    "payload is not a JSON object: " + err.Error(),
			}
		}
	}

	if op.schema != nil {
		if err := op.schema.Validate(normalizeForSchema(params)); err != nil {
			return zero, &contracts.MalformedInputError{
				Operation:       raw.Operation,
				Reason:          err.Error(),
				SchemaViolation: true,
			}
		}
	}

	action := contracts.Action{
		ActionID:     n.newID(),
		SessionID:    raw.SessionID,
		ToolIdentity: raw.ToolIdentity,
		Operation:    op.desc.Operation,
		Parameters:   params,
		Timestamp:    n.clock.Now(),
		Actor:        raw.Actor,
		Egress:       op.desc.Egress,
		RawReference: canonicalize.HashBytes(raw.Payload),
	}

	for _, p := range op.desc.ResourceParams {
		uri, ok := params[p].(string)
		if !ok || uri == "" {
			continue
		}
		action.Resources = append(action.Resources, contracts.Resource{
			URI:         uri,
			Sensitivity: n.classifier.Classify(uri),
		})
	}
	if op.desc.DestinationParam != "" {
		if dst, ok := params[op.desc.DestinationParam].(string); ok {
			action.Destination = dst
		}
	}

	return action, nil
}

// Operations returns the registered canonical verbs, for introspection.
func (n *Normalizer) Operations() []string {
	out := make([]string, 0, len(n.ops))
	for op := range n.ops {
		out = append(out, op)
	}
	return out
}

// normalizeForSchema round-trips the parameter map so numeric types
// match what the schema validator expects from decoded JSON.
func normalizeForSchema(params map[string]any) any {
	raw, err := json.Marshal(params)
	if err != nil {
		return params
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return params
	}
	return v
}
