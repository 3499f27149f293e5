package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// TuningProfile is a deployment-specific YAML file adjusting the
// evaluation parameters without a rebuild. Zero-valued fields keep the
// built-in defaults.
type TuningProfile struct {
	Name string `yaml:"name" json:"name"`

	Alignment   AlignmentTuning   `yaml:"alignment" json:"alignment"`
	Arbiter     ArbiterTuning     `yaml:"arbiter" json:"arbiter"`
	Sensitivity SensitivityTuning `yaml:"sensitivity" json:"sensitivity"`
}

// AlignmentTuning adjusts the intent alignment evaluator.
type AlignmentTuning struct {
	ThresholdAligned    float64  `yaml:"threshold_aligned" json:"threshold_aligned"`
	ThresholdMisaligned float64  `yaml:"threshold_misaligned" json:"threshold_misaligned"`
	SemanticWeight      float64  `yaml:"semantic_weight" json:"semantic_weight"`
	TrajectoryWeight    float64  `yaml:"trajectory_weight" json:"trajectory_weight"`
	SensitivityPenalty  float64  `yaml:"sensitivity_penalty" json:"sensitivity_penalty"`
	InternalDomains     []string `yaml:"internal_domains,omitempty" json:"internal_domains,omitempty"`
}

// SensitivityTuning maps resource URI patterns to sensitivity tags.
// Rules apply in order, first match wins; unmatched URIs get Fallback.
type SensitivityTuning struct {
	Rules []SensitivityRuleTuning `yaml:"rules,omitempty" json:"rules,omitempty"`

	Fallback string `yaml:"fallback,omitempty" json:"fallback,omitempty"`
}

// SensitivityRuleTuning is one pattern→tag rule.
type SensitivityRuleTuning struct {
	Pattern string `yaml:"pattern" json:"pattern"`
	Level   string `yaml:"level" json:"level"`
}

// ArbiterTuning adjusts the decision arbiter.
type ArbiterTuning struct {
	IndeterminateMode string `yaml:"indeterminate_mode" json:"indeterminate_mode"` // "MODIFY" | "STEP_UP"
}

// LoadProfile loads a tuning profile YAML from path.
func LoadProfile(path string) (*TuningProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", path, err)
	}

	var profile TuningProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", path, err)
	}
	return &profile, nil
}
