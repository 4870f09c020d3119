package models

import (
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

const BuilderResourceKind ResourceKind = "builder"

// DefaultBuilderPosition is the position assigned to a Builder if the build config does not
// declare an explicit ordering.
const DefaultBuilderPosition = 10000

type BuilderID struct {
	ResourceID
}

func NewBuilderID() BuilderID {
	return BuilderID{ResourceID: NewResourceID(BuilderResourceKind)}
}

// Builder is a named recipe inside a repository's build configuration. Its identity is
// (RepoID, Name); get-or-create semantics apply when revisions are processed.
type Builder struct {
	ID        BuilderID `json:"id" goqu:"skipupdate" db:"builder_id"`
	RepoID    RepoID    `json:"repo_id" goqu:"skipupdate" db:"builder_repo_id"`
	Name      ResourceName `json:"name" goqu:"skipupdate" db:"builder_name"`
	Position  int       `json:"position" db:"builder_position"`
	CreatedAt Time      `json:"created_at" goqu:"skipupdate" db:"builder_created_at"`
	UpdatedAt Time      `json:"updated_at" db:"builder_updated_at"`
	ETag      ETag      `json:"etag" db:"builder_etag" hash:"ignore"`

	// TriggeredBy is resolved from the build configuration for the revision currently being
	// processed. It is never persisted against the Builder row itself - it travels with the
	// Builder value until a Build is created from it, at which point it is copied onto Build.TriggeredBy.
	TriggeredBy []BuildTrigger `json:"triggered_by,omitempty" db:"-" goqu:"skipinsert,skipupdate"`
}

func NewBuilder(repoID RepoID, name ResourceName, position int) *Builder {
	now := NewTime(timeNow())
	return &Builder{
		ID:        NewBuilderID(),
		RepoID:    repoID,
		Name:      name,
		Position:  position,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (m *Builder) GetKind() ResourceKind   { return BuilderResourceKind }
func (m *Builder) GetCreatedAt() Time      { return m.CreatedAt }
func (m *Builder) GetID() ResourceID       { return m.ID.ResourceID }
func (m *Builder) GetParentID() ResourceID { return m.RepoID.ResourceID }
func (m *Builder) GetName() ResourceName   { return m.Name }
func (m *Builder) GetUpdatedAt() Time      { return m.UpdatedAt }
func (m *Builder) SetUpdatedAt(t Time)     { m.UpdatedAt = t }
func (m *Builder) GetETag() ETag           { return m.ETag }
func (m *Builder) SetETag(etag ETag)       { m.ETag = etag }

func (m *Builder) Validate() error {
	var result *multierror.Error
	if !m.ID.Valid() {
		result = multierror.Append(result, errors.New("error builder id must be set"))
	}
	if !m.RepoID.Valid() {
		result = multierror.Append(result, errors.New("error builder repo id must be set"))
	}
	if err := m.Name.Validate(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// ToDict returns a JSON-ready projection of the builder for signal payloads.
func (m *Builder) ToDict() map[string]interface{} {
	return map[string]interface{}{
		"id":       m.ID.String(),
		"repo_id":  m.RepoID.String(),
		"name":     m.Name.String(),
		"position": m.Position,
	}
}
