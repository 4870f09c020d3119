package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

const SlaveResourceKind ResourceKind = "slave"

// DynamicHost is the sentinel host value for an on-demand slave whose instance has not yet been
// started, or whose IP is not currently known.
const DynamicHost = "dynamic"

type SlaveID struct {
	ResourceID
}

func NewSlaveID() SlaveID {
	return SlaveID{ResourceID: NewResourceID(SlaveResourceKind)}
}

func SlaveIDFromResourceID(id ResourceID) SlaveID {
	return SlaveID{ResourceID: id}
}

// InstanceType identifies the cloud instance provider backing an on-demand slave.
type InstanceType string

const (
	InstanceTypeEC2 InstanceType = "ec2"
)

// InstanceConfs is provider-specific configuration for starting/stopping an on-demand instance
// (e.g. {"instance_id": "i-1", "region": "us-east-2"} for InstanceTypeEC2), persisted as JSON.
type InstanceConfs map[string]string

func (m *InstanceConfs) Scan(src interface{}) error {
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

func (m InstanceConfs) Value() (driver.Value, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// BuildIDs is a persisted-as-JSON ordered list of build ids, used for Slave.EnqueuedBuilds.
type BuildIDs []BuildID

func (b *BuildIDs) Scan(src interface{}) error {
	if src == nil {
		*b = nil
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
		*b = nil
		return nil
	}
	return json.Unmarshal(raw, b)
}

func (b BuildIDs) Value() (driver.Value, error) {
	if len(b) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(b)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// RepoIDs is a persisted-as-JSON set of repo ids, used for Slave.RunningRepos.
type RepoIDs []RepoID

func (r *RepoIDs) Scan(src interface{}) error {
	if src == nil {
		*r = nil
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
		*r = nil
		return nil
	}
	return json.Unmarshal(raw, r)
}

func (r RepoIDs) Value() (driver.Value, error) {
	if len(r) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (r RepoIDs) contains(id RepoID) bool {
	for _, x := range r {
		if x == id {
			return true
		}
	}
	return false
}

func (b BuildIDs) contains(id BuildID) bool {
	for _, x := range b {
		if x == id {
			return true
		}
	}
	return false
}

// Slave is a remote worker daemon's state: connection details, queue accounting, and (for
// on-demand slaves) the cloud instance backing it. All mutation methods here are pure - the
// serialising distributed write-lock and persistence live in master/services/slave.
type Slave struct {
	ID    SlaveID      `json:"id" goqu:"skipupdate" db:"slave_id"`
	Name  ResourceName `json:"name" goqu:"skipupdate" db:"slave_name"`
	Host  string       `json:"host" db:"slave_host"`
	Port  int          `json:"port" db:"slave_port"`
	Token string       `json:"-" db:"slave_token"`

	OnDemand      bool          `json:"on_demand" db:"slave_on_demand"`
	InstanceType  InstanceType  `json:"instance_type,omitempty" db:"slave_instance_type"`
	InstanceConfs InstanceConfs `json:"instance_confs,omitempty" db:"slave_instance_confs"`

	QueueCount     int      `json:"queue_count" db:"slave_queue_count"`
	RunningCount   int      `json:"running_count" db:"slave_running_count"`
	EnqueuedBuilds BuildIDs `json:"enqueued_builds" db:"slave_enqueued_builds"`
	RunningRepos   RepoIDs  `json:"running_repos" db:"slave_running_repos"`

	CreatedAt Time `json:"created_at" goqu:"skipupdate" db:"slave_created_at"`
	UpdatedAt Time `json:"updated_at" db:"slave_updated_at"`
	ETag      ETag `json:"etag" db:"slave_etag" hash:"ignore"`
}

func NewSlave(name ResourceName, host string, port int, token string, onDemand bool, instanceType InstanceType, instanceConfs InstanceConfs) *Slave {
	now := NewTime(timeNow())
	h := host
	if onDemand && h == "" {
		h = DynamicHost
	}
	return &Slave{
		ID:            NewSlaveID(),
		Name:          name,
		Host:          h,
		Port:          port,
		Token:         token,
		OnDemand:      onDemand,
		InstanceType:  instanceType,
		InstanceConfs: instanceConfs,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func (m *Slave) GetKind() ResourceKind   { return SlaveResourceKind }
func (m *Slave) GetCreatedAt() Time      { return m.CreatedAt }
func (m *Slave) GetID() ResourceID       { return m.ID.ResourceID }
func (m *Slave) GetParentID() ResourceID { return ResourceID{} }
func (m *Slave) GetName() ResourceName   { return m.Name }
func (m *Slave) GetUpdatedAt() Time      { return m.UpdatedAt }
func (m *Slave) SetUpdatedAt(t Time)     { m.UpdatedAt = t }
func (m *Slave) GetETag() ETag           { return m.ETag }
func (m *Slave) SetETag(etag ETag)       { m.ETag = etag }

func (m *Slave) Validate() error {
	var result *multierror.Error
	if !m.ID.Valid() {
		result = multierror.Append(result, errors.New("error slave id must be set"))
	}
	if m.Host == "" {
		result = multierror.Append(result, errors.New("error slave host must be set"))
	}
	if m.Port <= 0 {
		result = multierror.Append(result, errors.New("error slave port must be positive"))
	}
	if m.QueueCount < 0 {
		result = multierror.Append(result, errors.New("error slave queue count must not be negative"))
	}
	if m.RunningCount < 0 {
		result = multierror.Append(result, errors.New("error slave running count must not be negative"))
	}
	return result.ErrorOrNil()
}

// EnqueueBuild appends build to the queue if it isn't already present, returning true iff it
// added a new entry.
func (m *Slave) EnqueueBuild(buildID BuildID) bool {
	if m.EnqueuedBuilds.contains(buildID) {
		return false
	}
	m.EnqueuedBuilds = append(m.EnqueuedBuilds, buildID)
	m.QueueCount++
	return true
}

// DequeueBuild removes build from the queue if present, returning true iff it removed an entry.
func (m *Slave) DequeueBuild(buildID BuildID) bool {
	for i, id := range m.EnqueuedBuilds {
		if id == buildID {
			m.EnqueuedBuilds = append(m.EnqueuedBuilds[:i], m.EnqueuedBuilds[i+1:]...)
			m.QueueCount--
			return true
		}
	}
	return false
}

// AddRunningRepo records repoID as having a build running on this slave, returning true iff it
// wasn't already recorded.
func (m *Slave) AddRunningRepo(repoID RepoID) bool {
	if m.RunningRepos.contains(repoID) {
		return false
	}
	m.RunningRepos = append(m.RunningRepos, repoID)
	m.RunningCount++
	return true
}

// RmRunningRepo removes repoID from the running set, returning true iff it was present.
func (m *Slave) RmRunningRepo(repoID RepoID) bool {
	for i, id := range m.RunningRepos {
		if id == repoID {
			m.RunningRepos = append(m.RunningRepos[:i], m.RunningRepos[i+1:]...)
			m.RunningCount--
			return true
		}
	}
	return false
}

// IsIdle returns true iff the slave has nothing enqueued or running, the precondition for
// stop_instance.
func (m *Slave) IsIdle() bool {
	return m.QueueCount == 0 && m.RunningCount == 0
}

// ToDict returns a JSON-ready projection for signal payloads.
func (m *Slave) ToDict() map[string]interface{} {
	return map[string]interface{}{
		"id":            m.ID.String(),
		"name":          m.Name.String(),
		"host":          m.Host,
		"port":          m.Port,
		"on_demand":     m.OnDemand,
		"queue_count":   m.QueueCount,
		"running_count": m.RunningCount,
	}
}
