package alignment

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/tollgate-labs/tollgate/pkg/contracts"
)

// stopwords are dropped from both intents and actions; they carry no
// alignment signal.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "to": {}, "of": {}, "and": {}, "or": {},
	"all": {}, "in": {}, "on": {}, "for": {}, "with": {}, "my": {}, "me": {},
	"please": {}, "then": {}, "that": {}, "this": {}, "is": {}, "are": {},
}

// tokenize lowercases, NFC-normalizes, and splits on anything that is
// not a letter or digit. Deterministic by construction.
func tokenize(text string) []string {
	folded := strings.ToLower(norm.NFC.String(text))
	fields := strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if _, stop := stopwords[f]; stop {
			continue
		}
		out = append(out, f)
	}
	return out
}

func addTokens(set map[string]struct{}, text string) {
	for _, tok := range tokenize(text) {
		set[tok] = struct{}{}
	}
}

// actionTokenSet extracts the comparable terms of an action: its
// operation verb and its string-valued parameters.
func actionTokenSet(action contracts.Action) map[string]struct{} {
	set := make(map[string]struct{})
	addTokens(set, action.Operation)
	for _, v := range action.Parameters {
		if s, ok := v.(string); ok {
			addTokens(set, s)
		}
	}
	return set
}

// intentTokenSet merges every declared intent for the session. All
// declarations count: drift against an early intent is still drift.
func intentTokenSet(snap contracts.SessionSnapshot) map[string]struct{} {
	set := make(map[string]struct{})
	for _, decl := range snap.Intents {
		addTokens(set, decl.Text)
		for _, v := range decl.Structured {
			addTokens(set, fmt.Sprintf("%v", v))
		}
	}
	return set
}
