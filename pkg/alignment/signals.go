package alignment

import (
	"fmt"

	"github.com/tollgate-labs/tollgate/pkg/contracts"
)

// RiskSignals are derived, never stored: they are recomputed from the
// snapshot on every evaluation so they can never go stale against the
// append-only history.
type RiskSignals struct {
	ActionsTotal    int                   `json:"actions_total"`
	ActionsBlocked  int                   `json:"actions_blocked"`
	EgressAllowed   int                   `json:"egress_allowed"`
	DistinctOps     int                   `json:"distinct_ops"`
	MaxSensitivity  contracts.Sensitivity `json:"max_sensitivity"`
	IntentDeclared  bool                  `json:"intent_declared"`
	IntentRevisions int                   `json:"intent_revisions"`
}

// ComputeRiskSignals derives the session's risk posture from a snapshot.
func ComputeRiskSignals(snap contracts.SessionSnapshot) RiskSignals {
	ops := make(map[string]struct{})
	sig := RiskSignals{
		ActionsTotal:    len(snap.History),
		MaxSensitivity:  snap.MaxSensitivity(),
		IntentDeclared:  len(snap.Intents) > 0,
		IntentRevisions: len(snap.Intents),
	}
	for _, h := range snap.History {
		ops[h.Action.Operation] = struct{}{}
		if h.Decision.Blocking() {
			sig.ActionsBlocked++
		} else if h.Action.Egress {
			sig.EgressAllowed++
		}
	}
	sig.DistinctOps = len(ops)
	return sig
}

// Summary renders the signals as a single trace-friendly line.
func (s RiskSignals) Summary() string {
	return fmt.Sprintf("actions=%d blocked=%d egress=%d ops=%d max_sensitivity=%s",
		s.ActionsTotal, s.ActionsBlocked, s.EgressAllowed, s.DistinctOps, s.MaxSensitivity)
}
