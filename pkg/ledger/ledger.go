// Package ledger persists every Decision exactly once per action and
// produces the canonical receipt input handed to the external receipt
// generator. Commit is idempotent on action_id: the first write fixes
// the canonical bytes and commit time, every later commit for the same
// action returns that stored record unchanged.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tollgate-labs/tollgate/pkg/canonicalize"
	"github.com/tollgate-labs/tollgate/pkg/contracts"
)

// ErrNotFound is returned when no decision exists for the given key.
var ErrNotFound = errors.New("ledger: decision not found")

// Ledger is the decision record of authority. Implementations must be
// safe for concurrent use.
type Ledger interface {
	// Commit stores the decision and returns its receipt input. For an
	// action_id that already has a record, the stored receipt input is
	// returned and the new decision is discarded.
	Commit(ctx context.Context, dec contracts.Decision) (contracts.ReceiptInput, error)

	// GetByAction returns the receipt input for an action_id.
	GetByAction(ctx context.Context, actionID string) (contracts.ReceiptInput, error)

	// GetByDecision returns the receipt input for a decision_id.
	GetByDecision(ctx context.Context, decisionID string) (contracts.ReceiptInput, error)

	// ListSession returns a session's receipt inputs in commit order.
	ListSession(ctx context.Context, sessionID string) ([]contracts.ReceiptInput, error)
}

// Signer is the external receipt generator. The ledger hands it fully
// canonicalized inputs and stores nothing it returns; receipts live in
// the signer's own trust domain.
type Signer interface {
	Sign(ctx context.Context, input contracts.ReceiptInput) (contracts.SignedReceipt, error)
}

// Exporter streams committed receipt inputs to an external sink, in
// commit order, for compliance pipelines.
type Exporter interface {
	Export(ctx context.Context, inputs []contracts.ReceiptInput) error
}

// seal canonicalizes a decision into the immutable receipt input.
func seal(dec contracts.Decision, at time.Time) (contracts.ReceiptInput, error) {
	canonical, err := canonicalize.JCS(dec)
	if err != nil {
		return contracts.ReceiptInput{}, fmt.Errorf("ledger: canonicalize decision %s: %w", dec.DecisionID, err)
	}
	return contracts.ReceiptInput{
		Decision:       dec,
		CanonicalBytes: canonical,
		ContentHash:    canonicalize.HashBytes(canonical),
		CommittedAt:    at,
	}, nil
}
