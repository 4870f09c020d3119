package models

import (
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

const BuildSetResourceKind ResourceKind = "buildset"

type BuildSetID struct {
	ResourceID
}

func NewBuildSetID() BuildSetID {
	return BuildSetID{ResourceID: NewResourceID(BuildSetResourceKind)}
}

// BuildSetNumber is a per-repository, monotonically increasing sequence assigned to a buildset
// when it is created.
type BuildSetNumber uint64

// BuildSet is the container for all builds produced from one revision. It exclusively owns its
// Build list: Build additions are strictly ordered, appended under the buildset write.
type BuildSet struct {
	ID       BuildSetID `json:"id" goqu:"skipupdate" db:"buildset_id"`
	RepoID   RepoID     `json:"repo_id" goqu:"skipupdate" db:"buildset_repo_id"`
	Number   BuildSetNumber `json:"number" goqu:"skipupdate" db:"buildset_number"`

	Commit      string `json:"commit" goqu:"skipupdate" db:"buildset_commit"`
	CommitDate  Time   `json:"commit_date" goqu:"skipupdate" db:"buildset_commit_date"`
	CommitBody  string `json:"commit_body" goqu:"skipupdate" db:"buildset_commit_body"`
	Branch      string `json:"branch" goqu:"skipupdate" db:"buildset_branch"`
	Author      string `json:"author" goqu:"skipupdate" db:"buildset_author"`
	Title       string `json:"title" goqu:"skipupdate" db:"buildset_title"`

	Status Status `json:"status" db:"buildset_status"`

	CreatedAt  Time  `json:"created" goqu:"skipupdate" db:"buildset_created_at"`
	StartedAt  *Time `json:"started,omitempty" db:"buildset_started_at"`
	FinishedAt *Time `json:"finished,omitempty" db:"buildset_finished_at"`
	TotalTime  *int  `json:"total_time,omitempty" db:"buildset_total_time"`

	UpdatedAt Time `json:"updated_at" db:"buildset_updated_at"`
	ETag      ETag `json:"etag" db:"buildset_etag" hash:"ignore"`

	// Builds is populated by callers that load the full aggregate (store/buildsets.ReadWithBuilds);
	// it is never itself a persisted column, each Build is its own row keyed by BuildSetID.
	Builds []*Build `json:"builds,omitempty" db:"-"`
}

func NewBuildSet(repoID RepoID, number BuildSetNumber, commit, commitBody, branch, author, title string, commitDate Time) *BuildSet {
	now := NewTime(timeNow())
	return &BuildSet{
		ID:         NewBuildSetID(),
		RepoID:     repoID,
		Number:     number,
		Commit:     commit,
		CommitDate: commitDate,
		CommitBody: commitBody,
		Branch:     branch,
		Author:     author,
		Title:      title,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func (m *BuildSet) GetKind() ResourceKind   { return BuildSetResourceKind }
func (m *BuildSet) GetCreatedAt() Time      { return m.CreatedAt }
func (m *BuildSet) GetID() ResourceID       { return m.ID.ResourceID }
func (m *BuildSet) GetParentID() ResourceID { return m.RepoID.ResourceID }
func (m *BuildSet) GetName() ResourceName   { return ResourceName(m.Commit) }
func (m *BuildSet) GetUpdatedAt() Time      { return m.UpdatedAt }
func (m *BuildSet) SetUpdatedAt(t Time)     { m.UpdatedAt = t }
func (m *BuildSet) GetETag() ETag           { return m.ETag }
func (m *BuildSet) SetETag(etag ETag)       { m.ETag = etag }

func (m *BuildSet) Validate() error {
	var result *multierror.Error
	if !m.ID.Valid() {
		result = multierror.Append(result, errors.New("error buildset id must be set"))
	}
	if !m.RepoID.Valid() {
		result = multierror.Append(result, errors.New("error buildset repo id must be set"))
	}
	found := false
	for _, s := range BuildSetStatuses {
		if s == m.Status {
			found = true
			break
		}
	}
	if !found {
		result = multierror.Append(result, errors.Errorf("error invalid buildset status: %q", m.Status))
	}
	return result.ErrorOrNil()
}

// RecomputeStatus sets Status to the aggregate of m.Builds following the fixed priority order
//. Call after the Builds slice has been (re)loaded. If Builds is empty this
// preserves the existing no_builds/no_config status rather than overwriting it, since those two
// statuses are set directly by BuildManager before any build exists.
func (m *BuildSet) RecomputeStatus() {
	if len(m.Builds) == 0 {
		if m.Status != StatusNoBuilds && m.Status != StatusNoConfig {
			m.Status = StatusNoBuilds
		}
		return
	}
	statuses := make([]Status, 0, len(m.Builds))
	for _, b := range m.Builds {
		statuses = append(statuses, b.Status)
	}
	m.Status = AggregateStatus(statuses)
}

// IsStarted returns true iff at least one build has started.
func (m *BuildSet) IsStarted() bool {
	for _, b := range m.Builds {
		if b.StartedAt != nil {
			return true
		}
	}
	return false
}

// IsFinished returns true iff every build has reached a terminal status.
func (m *BuildSet) IsFinished() bool {
	if len(m.Builds) == 0 {
		return false
	}
	for _, b := range m.Builds {
		if !b.IsTerminal() {
			return false
		}
	}
	return true
}

// GetBuildsFor returns every build in this buildset for the named builder.
func (m *BuildSet) GetBuildsFor(builderName ResourceName) []*Build {
	var out []*Build
	for _, b := range m.Builds {
		if b.BuilderName == builderName {
			out = append(out, b)
		}
	}
	return out
}

// GetPendingBuilds returns every build in this buildset still in StatusPending.
func (m *BuildSet) GetPendingBuilds() []*Build {
	var out []*Build
	for _, b := range m.Builds {
		if b.Status == StatusPending {
			out = append(out, b)
		}
	}
	return out
}

// HasUnfinishedBuilds returns true iff any build is pending or running, used by
// BuildManager.cancel_previous_pending to decide whether an earlier buildset needs cancelling.
func (m *BuildSet) HasUnfinishedBuilds() bool {
	for _, b := range m.Builds {
		if b.Status == StatusPending || b.Status == StatusRunning {
			return true
		}
	}
	return false
}

// ToDict returns a JSON-ready projection of the buildset for signal payloads.
func (m *BuildSet) ToDict() map[string]interface{} {
	builds := make([]map[string]interface{}, 0, len(m.Builds))
	for _, b := range m.Builds {
		builds = append(builds, b.ToDict())
	}
	d := map[string]interface{}{
		"id":          m.ID.String(),
		"repository":  m.RepoID.String(),
		"commit":      m.Commit,
		"commit_body": m.CommitBody,
		"branch":      m.Branch,
		"author":      m.Author,
		"title":       m.Title,
		"status":      m.Status.String(),
		"builds":      builds,
		"number":      uint64(m.Number),
		"created":     FormatWireTime(m.CreatedAt),
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
