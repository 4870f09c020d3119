package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ResourceID uniquely and immutably identifies a resource within this system. It is formatted
// as "<kind>:<uuid>" on the wire and in storage, e.g. "build:3fa85f64-5717-4562-b3fc-2c963f66afa6".
type ResourceID struct {
	kind ResourceKind
	id   uuid.UUID
}

// NewResourceID generates a new, random ResourceID of the given kind.
func NewResourceID(kind ResourceKind) ResourceID {
	return ResourceID{kind: kind, id: uuid.New()}
}

// ResourceIDFromUUID builds a ResourceID from an existing uuid, e.g. one received over the wire
// from a slave or poller.
func ResourceIDFromUUID(kind ResourceKind, id uuid.UUID) ResourceID {
	return ResourceID{kind: kind, id: id}
}

// ParseResourceID parses the "<kind>:<uuid>" wire format produced by String.
func ParseResourceID(s string) (ResourceID, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return ResourceID{}, errors.Errorf("error malformed resource id: %q", s)
	}
	id, err := uuid.Parse(parts[1])
	if err != nil {
		return ResourceID{}, errors.Wrapf(err, "error parsing resource id %q", s)
	}
	return ResourceID{kind: ResourceKind(parts[0]), id: id}, nil
}

func (r ResourceID) Kind() ResourceKind {
	return r.kind
}

func (r ResourceID) UUID() uuid.UUID {
	return r.id
}

func (r ResourceID) String() string {
	if r.kind == "" && r.id == uuid.Nil {
		return ""
	}
	return fmt.Sprintf("%s:%s", r.kind, r.id)
}

// Valid returns true iff this ResourceID has both a kind and a non-nil uuid set.
func (r ResourceID) Valid() bool {
	return r.kind != "" && r.id != uuid.Nil
}

func (r *ResourceID) Scan(src interface{}) error {
	if src == nil {
		return nil
	}
	str, ok := src.(string)
	if !ok {
		return fmt.Errorf("error expected string: %#v", src)
	}
	if str == "" {
		*r = ResourceID{}
		return nil
	}
	parsed, err := ParseResourceID(str)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

func (r ResourceID) Value() (driver.Value, error) {
	return r.String(), nil
}

func (r ResourceID) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

func (r *ResourceID) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	if str == "" {
		*r = ResourceID{}
		return nil
	}
	parsed, err := ParseResourceID(str)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
