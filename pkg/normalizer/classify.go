package normalizer

import (
	"fmt"
	"regexp"

	"github.com/tollgate-labs/tollgate/pkg/contracts"
)

// SensitivityRule maps a URI pattern to a sensitivity tag. Rules are
// checked in order; the first match wins.
type SensitivityRule struct {
	Pattern     string               `json:"pattern" yaml:"pattern"`
	Sensitivity contracts.Sensitivity `json:"sensitivity" yaml:"sensitivity"`
}

type ruleClassifier struct {
	rules    []compiledRule
	fallback contracts.Sensitivity
}

type compiledRule struct {
	re          *regexp.Regexp
	sensitivity contracts.Sensitivity
}

// NewRuleClassifier compiles ordered pattern rules into a Classifier.
// URIs matching no rule get the fallback tag.
func NewRuleClassifier(rules []SensitivityRule, fallback contracts.Sensitivity) (Classifier, error) {
	if fallback == "" {
		fallback = contracts.SensitivityInternal
	}
	c := &ruleClassifier{fallback: fallback}
	for _, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("normalizer: sensitivity pattern %q: %w", r.Pattern, err)
		}
		c.rules = append(c.rules, compiledRule{re: re, sensitivity: r.Sensitivity})
	}
	return c, nil
}

func (c *ruleClassifier) Classify(uri string) contracts.Sensitivity {
	for _, r := range c.rules {
		if r.re.MatchString(uri) {
			return r.sensitivity
		}
	}
	return c.fallback
}
