package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

const RepoResourceKind ResourceKind = "repo"

type RepoID struct {
	ResourceID
}

func NewRepoID() RepoID {
	return RepoID{ResourceID: NewResourceID(RepoResourceKind)}
}

func RepoIDFromResourceID(id ResourceID) RepoID {
	return RepoID{ResourceID: id}
}

// BranchNotifyPolicy is a per-branch policy read by BuildManager.add_builds: when NotifyOnlyLatest
// is set for the branch a new buildset was just created on, cancel_previous_pending is invoked
//.
type BranchNotifyPolicy struct {
	NotifyOnlyLatest bool `json:"notify_only_latest"`
}

// BranchPolicies is a per-branch policy map, persisted as a single JSON column.
type BranchPolicies map[string]BranchNotifyPolicy

func (m *BranchPolicies) Scan(src interface{}) error {
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
		return fmt.Errorf("error expected []byte or string: %#v", src)
	}
	if len(raw) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(raw, m)
}

func (m BranchPolicies) Value() (driver.Value, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// SlaveIDs is a small set of slave ids assigned to a repository, persisted as a JSON column (a
// join table would be the relational-purist choice, but a repository's slave pool is small and
// read as a whole on every consumer-loop iteration, so a single column avoids an extra join).
type SlaveIDs []SlaveID

func (s *SlaveIDs) Scan(src interface{}) error {
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

func (s SlaveIDs) Value() (driver.Value, error) {
	if len(s) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// StringSet is a small, persisted-as-JSON set of strings, used for Repo.SecretOwnerIDs (the owner
// ids the Secrets service is queried with when resolving a build's envvars).
type StringSet []string

func (s *StringSet) Scan(src interface{}) error {
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

func (s StringSet) Value() (driver.Value, error) {
	if len(s) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Repo is a repository known to the master controller. Everything about source control (commit
// history, SCM credentials, webhook registration) is an out-of-scope external collaborator; this model only carries what BuildManager/BuildExecuter/Slave need at orchestration
// time.
type Repo struct {
	ID      RepoID       `json:"id" goqu:"skipupdate" db:"repo_id"`
	Name    ResourceName `json:"name" goqu:"skipupdate" db:"repo_name"`
	URL     string       `json:"url" db:"repo_url"`
	VCSType string       `json:"vcs_type" db:"repo_vcs_type"`

	// ParallelBuilds caps how many builds from one buildset BuildExecuter will run concurrently;
	// zero means unlimited.
	ParallelBuilds int `json:"parallel_builds" db:"repo_parallel_builds"`
	// EnvVars are unioned with secrets resolved for SecretOwnerIDs to form a build's envvars.
	EnvVars EnvVars `json:"envvars" db:"repo_envvars"`
	// SecretOwnerIDs identifies the owners whose secrets the Secrets service returns for this repo.
	SecretOwnerIDs StringSet `json:"secret_owner_ids" db:"repo_secret_owner_ids"`
	// SlaveIDs is this repository's slave pool; BuildManager._set_slave picks the one with the
	// smallest queue among these.
	SlaveIDs SlaveIDs `json:"slave_ids" db:"repo_slave_ids"`
	// BranchPolicies maps branch name to its notify policy.
	BranchPolicies BranchPolicies `json:"branch_policies" db:"repo_branch_policies"`
	// LatestBuildSetID is updated by the consumer loop when a buildset starts.
	LatestBuildSetID BuildSetID `json:"latest_buildset_id" db:"repo_latest_buildset_id"`
	// RunningBuilds counts builds BuildExecuter currently has in flight for this repository, across
	// every buildset being executed concurrently; the parallel_builds admission check in
	// BuildExecuter._execute_builds compares against this counter, not a per-buildset one.
	RunningBuilds int `json:"running_builds" db:"repo_running_builds"`
	// ConfigType/ConfigFilename select the build-config dialect and path, defaults
	// applied in master/config (BUILD_CONFIG_TYPE, BUILD_CONFIG_FILENAME).
	ConfigType     string `json:"config_type" db:"repo_config_type"`
	ConfigFilename string `json:"config_filename" db:"repo_config_filename"`

	CreatedAt Time `json:"created_at" goqu:"skipupdate" db:"repo_created_at"`
	UpdatedAt Time `json:"updated_at" db:"repo_updated_at"`
	ETag      ETag `json:"etag" db:"repo_etag" hash:"ignore"`
}

func NewRepo(name ResourceName, url, vcsType string) *Repo {
	now := NewTime(timeNow())
	return &Repo{
		ID:         NewRepoID(),
		Name:       name,
		URL:        url,
		VCSType:    vcsType,
		EnvVars:    EnvVars{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func (m *Repo) GetKind() ResourceKind   { return RepoResourceKind }
func (m *Repo) GetCreatedAt() Time      { return m.CreatedAt }
func (m *Repo) GetID() ResourceID       { return m.ID.ResourceID }
func (m *Repo) GetParentID() ResourceID { return ResourceID{} }
func (m *Repo) GetName() ResourceName   { return m.Name }
func (m *Repo) GetUpdatedAt() Time      { return m.UpdatedAt }
func (m *Repo) SetUpdatedAt(t Time)     { m.UpdatedAt = t }
func (m *Repo) GetETag() ETag           { return m.ETag }
func (m *Repo) SetETag(etag ETag)       { m.ETag = etag }

func (m *Repo) Validate() error {
	var result *multierror.Error
	if !m.ID.Valid() {
		result = multierror.Append(result, errors.New("error repo id must be set"))
	}
	if err := m.Name.Validate(); err != nil {
		result = multierror.Append(result, err)
	}
	if m.URL == "" {
		result = multierror.Append(result, errors.New("error repo url must be set"))
	}
	if m.ParallelBuilds < 0 {
		result = multierror.Append(result, errors.New("error parallel builds must not be negative"))
	}
	if m.RunningBuilds < 0 {
		result = multierror.Append(result, errors.New("error running builds must not be negative"))
	}
	return result.ErrorOrNil()
}

// AddRunningBuild increments the repository's in-flight build counter, mutated only while holding
// the repo's row lock (BuildExecuter._run_build: "repository.add_running_build").
func (m *Repo) AddRunningBuild() {
	m.RunningBuilds++
}

// RemoveRunningBuild decrements the repository's in-flight build counter. Panics on underflow
// rather than clamping: a negative count means the bookkeeping itself is broken.
func (m *Repo) RemoveRunningBuild() {
	if m.RunningBuilds <= 0 {
		panic("repo running builds count must not go negative")
	}
	m.RunningBuilds--
}

// UnderParallelCap returns true iff another build may start right now: parallel_builds == 0 means
// unlimited.
func (m *Repo) UnderParallelCap() bool {
	return m.ParallelBuilds == 0 || m.RunningBuilds < m.ParallelBuilds
}

// NotifyOnlyLatest returns true iff branch's policy declares only the newest pending buildset
// should survive.
func (m *Repo) NotifyOnlyLatest(branch string) bool {
	return m.BranchPolicies[branch].NotifyOnlyLatest
}

// HasSlave returns true iff slaveID is a member of this repository's slave pool.
func (m *Repo) HasSlave(slaveID SlaveID) bool {
	for _, id := range m.SlaveIDs {
		if id == slaveID {
			return true
		}
	}
	return false
}
