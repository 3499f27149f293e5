//go:build property
// +build property

package session

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: after N appends the snapshot has exactly N entries, and any
// snapshot taken mid-stream is a strict prefix-extension of the final
// one — no reordering, no deletion.
func TestHistoryAppendOnlyProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("history is append-only and prefix-stable", prop.ForAll(
		func(n uint8, cut uint8) bool {
			ctx := context.Background()
			s := NewMemoryStore()
			total := int(n)
			mid := int(cut) % (total + 1)

			var midSnap []string
			for i := 0; i < total; i++ {
				if i == mid {
					snap, err := s.Snapshot(ctx, "sess-p")
					if err != nil {
						return false
					}
					for _, e := range snap.History {
						midSnap = append(midSnap, e.Action.ActionID)
					}
				}
				act, dec := entry("sess-p", fmt.Sprintf("act-%d", i))
				if err := s.Append(ctx, "sess-p", act, dec); err != nil {
					return false
				}
			}

			final, err := s.Snapshot(ctx, "sess-p")
			if err != nil || len(final.History) != total {
				return false
			}
			for i, e := range final.History {
				if e.Seq != i || e.Action.ActionID != fmt.Sprintf("act-%d", i) {
					return false
				}
			}
			for i, id := range midSnap {
				if final.History[i].Action.ActionID != id {
					return false
				}
			}
			return true
		},
		gen.UInt8Range(0, 60),
		gen.UInt8(),
	))

	properties.TestingRun(t)
}
