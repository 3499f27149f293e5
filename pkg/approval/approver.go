// Package approval models the human-in-the-loop hand-off for STEP_UP
// outcomes. The wait is an explicit suspend point with a timeout and a
// cancellation path, not an ordinary synchronous call: approval waits
// are bounded, cancellable on session termination, and default to deny
// on expiry.
package approval

import (
	"context"
	"time"

	"github.com/tollgate-labs/tollgate/pkg/contracts"
)

// Resolution is a reviewer's answer to one approval request.
type Resolution struct {
	Approved   bool      `json:"approved"`
	ApproverID string    `json:"approver_id"`
	Note       string    `json:"note,omitempty"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// Approver is the contract the arbiter blocks on. Implementations own
// multi-reviewer and escalation logic entirely; the core only supplies
// the draft decision and the bound.
//
// RequestApproval returns the resolution, or ErrApprovalTimeout when
// the bound expires, or the context error when the wait is cancelled.
type Approver interface {
	RequestApproval(ctx context.Context, action contracts.Action, draft contracts.Decision, timeout time.Duration) (Resolution, error)
}

// Status tracks a pending request's lifecycle.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusApproved  Status = "APPROVED"
	StatusDenied    Status = "DENIED"
	StatusExpired   Status = "EXPIRED"
	StatusCancelled Status = "CANCELLED"
)

// Request is the reviewer-facing view of one suspended STEP_UP.
type Request struct {
	RequestID string            `json:"request_id"`
	SessionID string            `json:"session_id"`
	Action    contracts.Action  `json:"action"`
	Draft     contracts.Decision `json:"draft"`
	Status    Status            `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt time.Time         `json:"expires_at"`
}
