package policy

import (
	"sync/atomic"

	"github.com/tollgate-labs/tollgate/pkg/contracts"
)

// Provider holds the active rule set behind an atomically-swapped
// pointer. Every concurrent evaluation sees either the old or the new
// set in full, never a partial mix; until a valid set loads, Current
// fails with ErrPolicyUnavailable and the core denies everything.
type Provider struct {
	current atomic.Pointer[RuleSet]
}

// NewProvider returns a Provider with no active rule set.
func NewProvider() *Provider {
	return &Provider{}
}

// Current returns the active rule set.
func (p *Provider) Current() (*RuleSet, error) {
	rs := p.current.Load()
	if rs == nil {
		return nil, contracts.ErrPolicyUnavailable
	}
	return rs, nil
}

// Swap atomically installs a new rule set and returns the previous one
// (nil on first install).
func (p *Provider) Swap(rs *RuleSet) *RuleSet {
	return p.current.Swap(rs)
}
