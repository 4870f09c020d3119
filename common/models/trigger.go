package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// BuildTrigger is a rule attached to a Builder (resolved from the build configuration, never
// persisted on the builder row) requiring that another builder named BuilderName reach one of
// Statuses before a build for this builder may start.
type BuildTrigger struct {
	BuilderName ResourceName `json:"builder_name"`
	Statuses    []Status     `json:"statuses"`
}

// Accepts returns true iff status is one of the acceptable statuses for this trigger rule.
func (t BuildTrigger) Accepts(status Status) bool {
	for _, s := range t.Statuses {
		if s == status {
			return true
		}
	}
	return false
}

// BuildTriggers is the set of BuildTrigger rules carried by a Build, stored as a single JSON
// column (there is no natural relational home for a small, build-owned, read-mostly rule list).
type BuildTriggers []BuildTrigger

func (t *BuildTriggers) Scan(src interface{}) error {
	if src == nil {
		*t = nil
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("error expected []byte or string: %#v", src)
	}
	if len(raw) == 0 {
		*t = nil
		return nil
	}
	return json.Unmarshal(raw, t)
}

func (t BuildTriggers) Value() (driver.Value, error) {
	if len(t) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
