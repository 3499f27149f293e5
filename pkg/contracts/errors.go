package contracts

import (
	"errors"
	"fmt"
)

// Sentinel errors for the core taxonomy. Every error on the
// authorization path resolves to a deny-leaning Decision before it
// reaches the interception point; these sentinels exist so internal
// layers can classify failures, not so callers can observe raw errors.
var (
	// ErrUnknownSession is returned for context operations on a session
	// that was explicitly terminated.
	ErrUnknownSession = errors.New("unknown or terminated session")

	// ErrPolicyUnavailable is returned while no valid rule set is
	// active. All actions deny until one loads.
	ErrPolicyUnavailable = errors.New("policy unavailable")

	// ErrApprovalTimeout marks a STEP_UP wait that expired without a
	// reviewer response.
	ErrApprovalTimeout = errors.New("approval timeout")

	// ErrSessionTerminated marks a STEP_UP wait cancelled because its
	// session ended.
	ErrSessionTerminated = errors.New("session terminated")
)

// MalformedInputError reports a normalization failure. Malformed actions
// are rejected before policy ever sees them.
type MalformedInputError struct {
	Operation string
	Reason    string

	// SchemaViolation is set when the input named a known operation but
	// its parameters failed the operation's schema.
	SchemaViolation bool
}

func (e *MalformedInputError) Error() string {
	if e.SchemaViolation {
		return fmt.Sprintf("schema violation for operation %q: %s", e.Operation, e.Reason)
	}
	if e.Operation != "" {
		return fmt.Sprintf("malformed input for operation %q: %s", e.Operation, e.Reason)
	}
	return "malformed input: " + e.Reason
}

// IsMalformedInput reports whether err is a normalization failure.
func IsMalformedInput(err error) bool {
	var m *MalformedInputError
	return errors.As(err, &m)
}
