package contracts

import "time"

// IntentDeclaration is one stated intent for a session. Declarations are
// retained as a sequence; later declarations do not erase earlier ones,
// which is what makes intent drift observable.
type IntentDeclaration struct {
	Text       string         `json:"text"`
	Structured map[string]any `json:"structured,omitempty"`
	DeclaredAt time.Time      `json:"declared_at"`
}

// HistoryEntry pairs an Action with the Decision it received. Seq is the
// zero-based position in the session's total order.
type HistoryEntry struct {
	Seq      int      `json:"seq"`
	Action   Action   `json:"action"`
	Decision Decision `json:"decision"`
}

// SessionSnapshot is an immutable point-in-time view of one session's
// accumulated context. History is a consistent prefix of the session's
// append-only action history; holders must treat every field as
// read-only.
type SessionSnapshot struct {
	SessionID    string              `json:"session_id"`
	Intents      []IntentDeclaration `json:"intents"`
	History      []HistoryEntry      `json:"history"`
	DataAccessed []Resource          `json:"data_accessed"`
	Terminated   bool                `json:"terminated"`
	TakenAt      time.Time           `json:"taken_at"`
}

// StatedIntent returns the most recent declared intent, or the empty
// string when the session never declared one.
func (s SessionSnapshot) StatedIntent() string {
	if len(s.Intents) == 0 {
		return ""
	}
	return s.Intents[len(s.Intents)-1].Text
}

// MaxSensitivity returns the highest sensitivity rank among resources
// the session has touched so far.
func (s SessionSnapshot) MaxSensitivity() Sensitivity {
	max := SensitivityPublic
	for _, r := range s.DataAccessed {
		if r.Sensitivity.Rank() > max.Rank() {
			max = r.Sensitivity
		}
	}
	return max
}
