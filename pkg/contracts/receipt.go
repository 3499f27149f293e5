package contracts

import "time"

// ReceiptInput is the fully-populated, canonicalized record the ledger
// hands to the external receipt generator for signing. The ledger
// guarantees that repeated commits of the same action yield
// byte-identical ReceiptInputs.
type ReceiptInput struct {
	Decision Decision `json:"decision"`

	// CanonicalBytes is the RFC 8785 (JCS) serialization of Decision,
	// fixed at first commit.
	CanonicalBytes []byte `json:"-"`

	// ContentHash is "sha256:<hex>" over CanonicalBytes.
	ContentHash string    `json:"content_hash"`
	CommittedAt time.Time `json:"committed_at"`
}

// SignedReceipt is the external receipt generator's output. The core
// supplies every field of the input and never signs anything itself.
type SignedReceipt struct {
	ReceiptID   string    `json:"receipt_id"`
	ContentHash string    `json:"content_hash"`
	Signature   string    `json:"signature"`
	SignerID    string    `json:"signer_id"`
	SignedAt    time.Time `json:"signed_at"`
}
