package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
)

// EnvVars is a flat key/value set of environment variables, persisted as a single JSON column.
// Builds assemble theirs from a repo's configured envvars unioned with secrets resolved for the
// repo's owners; slaves receive the merged set in the build request body.
type EnvVars map[string]string

func (m *EnvVars) Scan(src interface{}) error {
	if src == nil {
		*m = nil
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("error unsupported type: %[1]T (%[1]v)", src)
	}
	if len(raw) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(raw, m)
}

func (m EnvVars) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	buf, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("error marshalling envvars to JSON: %w", err)
	}
	return string(buf), nil
}

// Merge combines this set of env vars with extra, with extra taking precedence on key collision,
// and returns a new combined set. Either receiver or argument may be nil.
func (m EnvVars) Merge(extra EnvVars) EnvVars {
	merged := make(EnvVars, len(m)+len(extra))
	for k, v := range m {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}

// SortedKeys returns the env var names in sorted order, useful for deterministic logging/tests.
func (m EnvVars) SortedKeys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
