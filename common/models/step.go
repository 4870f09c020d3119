package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

const BuildStepResourceKind ResourceKind = "step"

type BuildStepID struct {
	ResourceID
}

func NewBuildStepID() BuildStepID {
	return BuildStepID{ResourceID: NewResourceID(BuildStepResourceKind)}
}

// BuildStepIDFromWireUUID parses a bare uuid string, the shape step_info/step_output_info frames
// carry, into a BuildStepID. Unlike ParseResourceID this does not expect a
// "kind:" prefix, since the wire protocol never sends one.
func BuildStepIDFromWireUUID(s string) (BuildStepID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return BuildStepID{}, errors.Wrapf(err, "error parsing step uuid %q", s)
	}
	return BuildStepID{ResourceID: ResourceIDFromUUID(BuildStepResourceKind, id)}, nil
}

// BuildStep is one command inside a Build, with its own status and append-only output.
// BuildStep has no independent row of its own: it lives inside Build.Steps, a single JSON column
// on the build row, and is mutated only via an atomic update of the owning Build under a row lock
// (see master/store/builds and master/services/slave): lock the build row, merge the step in
// memory, write the whole row back.
type BuildStep struct {
	ID         BuildStepID  `json:"id"`
	Name       ResourceName `json:"name"`
	Command    string       `json:"command"`
	Status     Status       `json:"status"`
	Output     string       `json:"output"`
	Index      int          `json:"index"`
	StartedAt  *Time        `json:"started_at,omitempty"`
	FinishedAt *Time        `json:"finished_at,omitempty"`
	TotalTime  *int         `json:"total_time,omitempty"`
	CreatedAt  Time         `json:"created_at"`
	UpdatedAt  Time         `json:"updated_at"`
}

func NewBuildStep(index int, name ResourceName, command string) *BuildStep {
	now := NewTime(timeNow())
	return &BuildStep{
		ID:        NewBuildStepID(),
		Name:      name,
		Command:   command,
		Status:    StatusRunning,
		Index:     index,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (m *BuildStep) Validate() error {
	var result *multierror.Error
	if !m.ID.Valid() {
		result = multierror.Append(result, errors.New("error step id must be set"))
	}
	found := false
	for _, s := range StepStatuses {
		if s == m.Status {
			found = true
			break
		}
	}
	if !found {
		result = multierror.Append(result, errors.Errorf("error invalid step status: %q", m.Status))
	}
	return result.ErrorOrNil()
}

// ToDict returns a JSON-ready projection for signal payloads.
func (m *BuildStep) ToDict() map[string]interface{} {
	d := map[string]interface{}{
		"uuid":    m.ID.String(),
		"name":    m.Name.String(),
		"command": m.Command,
		"status":  m.Status.String(),
		"output":  m.Output,
		"index":   m.Index,
	}
	if m.StartedAt != nil {
		d["started"] = FormatWireTime(*m.StartedAt)
	}
	if m.FinishedAt != nil {
		d["finished"] = FormatWireTime(*m.FinishedAt)
	}
	if m.TotalTime != nil {
		d["total_time"] = *m.TotalTime
	}
	return d
}

// Steps is the ordered list of BuildStep belonging to one Build, persisted as a single JSON
// column on the build row (see master/store/builds).
type Steps []*BuildStep

func (s *Steps) Scan(src interface{}) error {
	if src == nil {
		*s = nil
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
		*s = nil
		return nil
	}
	return json.Unmarshal(raw, s)
}

func (s Steps) Value() (driver.Value, error) {
	if len(s) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
