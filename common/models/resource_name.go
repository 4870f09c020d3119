package models

import (
	"database/sql/driver"
	"fmt"
	"regexp"

	"github.com/pkg/errors"
)

const resourceNameMaxLength = 250
const ResourceNameRegexStr = `^[a-zA-Z0-9_./:-]{1,250}$`

var ResourceNameRegex = regexp.MustCompile(ResourceNameRegexStr)

// ResourceName is a mutable, human-specified identifier of a resource.
// ResourceName must conform to length and character set requirements (see resourceNameMaxLength and ResourceNameRegex).
// ResourceName is unique within a parent collection e.g. a repo's name must be unique within the
// legal entity it belongs to. Names should not be used as persistent references to a resource as
// they are mutable - use ResourceID instead.
type ResourceName string

func (s ResourceName) String() string {
	return string(s)
}

func (s *ResourceName) Scan(src interface{}) error {
	if src == nil {
		*s = ""
		return nil
	}
	t, ok := src.(string)
	if !ok {
		return fmt.Errorf("error expected string: %#v", src)
	}
	*s = ResourceName(t)
	return nil
}

func (s ResourceName) Value() (driver.Value, error) {
	return string(s), nil
}

func (s ResourceName) Valid() bool {
	return s.Validate() == nil
}

func (s ResourceName) Validate() error {
	if s == "" {
		return errors.New("error name must be set")
	}
	if len(s) > resourceNameMaxLength {
		return fmt.Errorf("error name must not exceed %d characters", resourceNameMaxLength)
	}
	if !ResourceNameRegex.MatchString(s.String()) {
		return fmt.Errorf("error name must only contain alphanumeric, dash, underscore, dot, slash or colon characters: '%s'", s)
	}
	return nil
}

func OptionalResourceName(name string) *ResourceName {
	n := ResourceName(name)
	return &n
}
