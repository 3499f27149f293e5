package normalizer

import (
	"encoding/json"
	"fmt"
	"os"
)

// descriptorFile is the on-disk form of a Descriptor. The schema is
// embedded as a JSON object rather than a string so descriptor files
// stay readable.
type descriptorFile struct {
	Operation        string          `json:"operation"`
	Schema           json.RawMessage `json:"schema,omitempty"`
	ResourceParams   []string        `json:"resource_params,omitempty"`
	Egress           bool            `json:"egress,omitempty"`
	DestinationParam string          `json:"destination_param,omitempty"`
}

// LoadDescriptors reads a JSON array of operation descriptors from
// path. The result feeds New, which compiles and validates the schemas.
func LoadDescriptors(path string) ([]Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("normalizer: read descriptors %q: %w", path, err)
	}

	var raw []descriptorFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("normalizer: parse descriptors %q: %w", path, err)
	}

	out := make([]Descriptor, 0, len(raw))
	for _, d := range raw {
		out = append(out, Descriptor{
			Operation:        d.Operation,
			Schema:           string(d.Schema),
			ResourceParams:   d.ResourceParams,
			Egress:           d.Egress,
			DestinationParam: d.DestinationParam,
		})
	}
	return out, nil
}
