package models

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

const (
	BuildResourceKind ResourceKind = "build"
)

type BuildID struct {
	ResourceID
}

func NewBuildID() BuildID {
	return BuildID{ResourceID: NewResourceID(BuildResourceKind)}
}

func BuildIDFromResourceID(id ResourceID) BuildID {
	return BuildID{ResourceID: id}
}

// BuildIDFromWireUUID parses a bare uuid string - the build_uuid shape the slave wire protocol
// sends and expects back - into a BuildID.
func BuildIDFromWireUUID(s string) (BuildID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return BuildID{}, errors.Wrapf(err, "error parsing build uuid %q", s)
	}
	return BuildID{ResourceID: ResourceIDFromUUID(BuildResourceKind, id)}, nil
}

// BuildNumber is a per-repository, monotonically increasing sequence assigned to a build when it
// is created by BuildManager.add_builds_for_buildset.
type BuildNumber uint64

func (m BuildNumber) String() string {
	return strconv.FormatUint(uint64(m), 10)
}

// Build is one builder's execution for one revision. It is conceptually embedded inside its
// owning BuildSet: the store exposes it as a first-class row (see master/store/builds) but all
// mutation goes through an atomic update keyed by Build.ID, so a stale BuildSet in memory never
// masks a concurrent Build transition.
type Build struct {
	ID         BuildID     `json:"id" goqu:"skipupdate" db:"build_id"`
	BuildSetID BuildSetID  `json:"buildset_id" goqu:"skipupdate" db:"build_buildset_id"`
	RepoID     RepoID      `json:"repo_id" goqu:"skipupdate" db:"build_repo_id"`
	SlaveID    SlaveID     `json:"slave_id,omitempty" db:"build_slave_id"`
	Branch     string      `json:"branch" db:"build_branch"`
	NamedTree  string      `json:"named_tree" db:"build_named_tree"`

	BuilderID   BuilderID    `json:"builder_id" goqu:"skipupdate" db:"build_builder_id"`
	BuilderName ResourceName `json:"builder_name" goqu:"skipupdate" db:"build_builder_name"`

	Status Status `json:"status" db:"build_status"`
	Steps  Steps  `json:"steps" db:"build_steps"`

	StartedAt  *Time `json:"started,omitempty" db:"build_started_at"`
	FinishedAt *Time `json:"finished,omitempty" db:"build_finished_at"`
	TotalTime  *int  `json:"total_time,omitempty" db:"build_total_time"`

	// BuildersFrom is the branch name the builder list for this buildset was resolved from: usually
	// the revision's own branch, but may be the revision's builders_fallback branch.
	BuildersFrom string `json:"builders_from" goqu:"skipupdate" db:"build_builders_from"`
	// Number is a per-repository monotone sequence, assigned once at creation.
	Number BuildNumber `json:"number" goqu:"skipupdate" db:"build_number"`
	// TriggeredBy is the set of rules (copied from Builder.TriggeredBy at creation time, filtered to
	// only reference builders present in the current builder set) gating this build's start.
	TriggeredBy BuildTriggers `json:"triggered_by" goqu:"skipupdate" db:"build_triggered_by"`
	// External carries revision info for builds created from an external trigger rather than the
	// repository's own revision history (e.g. a manually-triggered rebuild); zero value (Valid()
	// false) for ordinary builds.
	External ExternalResourceID `json:"external,omitempty" db:"build_external"`

	CreatedAt Time `json:"created_at" goqu:"skipupdate" db:"build_created_at"`
	UpdatedAt Time `json:"updated_at" db:"build_updated_at"`
	ETag      ETag `json:"etag" db:"build_etag" hash:"ignore"`
}

func NewBuild(
	buildSetID BuildSetID,
	repoID RepoID,
	number BuildNumber,
	branch string,
	namedTree string,
	builder *Builder,
	buildersFrom string,
) *Build {
	now := NewTime(timeNow())
	return &Build{
		ID:          NewBuildID(),
		BuildSetID:  buildSetID,
		RepoID:      repoID,
		Branch:      branch,
		NamedTree:   namedTree,
		BuilderID:   builder.ID,
		BuilderName: builder.Name,
		Status:      StatusPending,
		Number:      number,
		BuildersFrom: buildersFrom,
		TriggeredBy: BuildTriggers(builder.TriggeredBy),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (m *Build) GetKind() ResourceKind   { return BuildResourceKind }
func (m *Build) GetCreatedAt() Time      { return m.CreatedAt }
func (m *Build) GetID() ResourceID       { return m.ID.ResourceID }
func (m *Build) GetParentID() ResourceID { return m.BuildSetID.ResourceID }
func (m *Build) GetName() ResourceName   { return m.BuilderName }
func (m *Build) GetUpdatedAt() Time      { return m.UpdatedAt }
func (m *Build) SetUpdatedAt(t Time)     { m.UpdatedAt = t }
func (m *Build) GetETag() ETag           { return m.ETag }
func (m *Build) SetETag(etag ETag)       { m.ETag = etag }

// IsTerminal returns true iff the build has reached a status it cannot transition out of, other
// than the explicit cancel-from-pending path.
func (m *Build) IsTerminal() bool {
	return m.Status.IsTerminal()
}

// CanCancel returns true iff Cancel is permitted: only from pending or running.
func (m *Build) CanCancel() bool {
	return m.Status == StatusPending || m.Status == StatusRunning
}

// FindStep returns the step with the given uuid, or nil if not present.
func (m *Build) FindStep(id BuildStepID) *BuildStep {
	for _, s := range m.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// UpsertStep merges incoming into the existing step with the same uuid, or appends incoming as a
// new step if no step with that uuid exists yet. An exception report keeps whatever output the
// step had already accumulated, prepending it to the incoming output; any other merge takes the
// incoming output as the full text so far.
func (m *Build) UpsertStep(incoming *BuildStep) {
	for i, s := range m.Steps {
		if s.ID == incoming.ID {
			merged := *s
			if incoming.Name != "" {
				merged.Name = incoming.Name
			}
			if incoming.Command != "" {
				merged.Command = incoming.Command
			}
			if incoming.Status != "" {
				merged.Status = incoming.Status
			}
			if incoming.Status == StatusException && incoming.Output != "" && s.Output != "" {
				merged.Output = s.Output + incoming.Output
			} else if incoming.Output != "" {
				merged.Output = incoming.Output
			}
			if incoming.StartedAt != nil {
				merged.StartedAt = incoming.StartedAt
			}
			if incoming.FinishedAt != nil {
				merged.FinishedAt = incoming.FinishedAt
			}
			if incoming.TotalTime != nil {
				merged.TotalTime = incoming.TotalTime
			}
			m.Steps[i] = &merged
			return
		}
	}
	m.Steps = append(m.Steps, incoming)
}

// SetUnknownException transitions the build to StatusException with a synthetic step carrying the
// traceback, used whenever an arbitrary exception escapes BuildExecuter._run_build or Slave.build's
// instance-start path.
func (m *Build) SetUnknownException(traceback string) {
	now := NewTime(timeNow())
	if m.StartedAt == nil {
		m.StartedAt = &now
	}
	if m.FinishedAt == nil {
		m.FinishedAt = &now
	}
	total := int(m.FinishedAt.Sub(m.StartedAt.Time).Seconds())
	m.TotalTime = &total
	m.Status = StatusException
	step := NewBuildStep(len(m.Steps), "exception", "")
	step.Status = StatusException
	step.Output = traceback
	step.StartedAt = &now
	step.FinishedAt = &now
	m.Steps = append(m.Steps, step)
}

// Output concatenates every step's command and output, in index order; used by
// master/email to compose failure notification bodies.
func (m *Build) Output() string {
	var sb strings.Builder
	for _, s := range m.Steps {
		sb.WriteString(s.Command)
		sb.WriteString("\n")
		sb.WriteString(s.Output)
	}
	return sb.String()
}

func (m *Build) Validate() error {
	var result *multierror.Error
	if !m.ID.Valid() {
		result = multierror.Append(result, errors.New("error build id must be set"))
	}
	if !m.BuildSetID.Valid() {
		result = multierror.Append(result, errors.New("error build buildset id must be set"))
	}
	if !m.RepoID.Valid() {
		result = multierror.Append(result, errors.New("error build repo id must be set"))
	}
	if !m.BuilderID.Valid() {
		result = multierror.Append(result, errors.New("error build builder id must be set"))
	}
	found := false
	for _, s := range BuildStatuses {
		if s == m.Status {
			found = true
			break
		}
	}
	if !found {
		result = multierror.Append(result, errors.Errorf("error invalid build status: %q", m.Status))
	}
	return result.ErrorOrNil()
}

// ToDict returns a JSON-ready projection for signal payloads.
func (m *Build) ToDict() map[string]interface{} {
	steps := make([]map[string]interface{}, 0, len(m.Steps))
	for _, s := range m.Steps {
		steps = append(steps, s.ToDict())
	}
	d := map[string]interface{}{
		"uuid":          m.ID.String(),
		"repository_id": m.RepoID.String(),
		"branch":        m.Branch,
		"named_tree":    m.NamedTree,
		"builder_name":  m.BuilderName.String(),
		"status":        m.Status.String(),
		"steps":         steps,
		"builders_from": m.BuildersFrom,
		"number":        uint64(m.Number),
	}
	if m.SlaveID.Valid() {
		d["slave"] = m.SlaveID.String()
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
