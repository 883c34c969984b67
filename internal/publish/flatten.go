package publish

import (
	"encoding/json"
	"fmt"

	"github.com/dotmesh-io/dotscience-go/run"
)

// commitKeys renames top-level metadata keys for the commit record. An empty
// name drops the key.
var commitKeys = map[string]string{
	"output": "output-files",
	"labels": "label",
	"input":  "",
}

// Flatten turns run metadata into the flat string map stored on a commit.
// Nested objects become dot-joined keys, strings are kept verbatim and any
// other leaf is stored as its JSON encoding.
func Flatten(m run.Metadata) (map[string]string, error) {
	raw, err := json.Marshal(m.Canonical())
	if err != nil {
		return nil, fmt.Errorf("flatten metadata: %w", err)
	}
	var tree map[string]any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("flatten metadata: %w", err)
	}

	out := map[string]string{}
	for k, v := range tree {
		name, renamed := commitKeys[k]
		if !renamed {
			name = k
		}
		if name == "" {
			continue
		}
		if err := flattenInto(out, name, v); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func flattenInto(out map[string]string, key string, v any) error {
	switch t := v.(type) {
	case string:
		out[key] = t
	case map[string]any:
		for k, child := range t {
			if err := flattenInto(out, key+"."+k, child); err != nil {
				return err
			}
		}
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("flatten %s: %w", key, err)
		}
		out[key] = string(raw)
	}
	return nil
}
