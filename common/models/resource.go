package models

type Resource interface {
	// GetKind returns the unique name/type of the resource e.g. "build" or "repo".
	GetKind() ResourceKind
	// GetCreatedAt returns the Time at which this resource was created.
	GetCreatedAt() Time
	// GetID returns the globally unique ResourceID of the resource.
	GetID() ResourceID
	// Validate the model by checking for required fields, lengths and types etc.
	Validate() error
}

type NamedResource interface {
	Resource
	// GetParentID returns the globally unique ResourceID of this resource's parent. Or an empty
	// ID if this resource does not have a parent.
	GetParentID() ResourceID
	// GetName returns the name of the resource which, combined with the parent resource's ResourceID,
	// uniquely identifies the resource e.g. "unit-tests" inside "repo:abcdedfg".
	GetName() ResourceName
}

type MutableResource interface {
	Resource
	GetETag() ETag
	SetETag(eTag ETag)
	GetUpdatedAt() Time
	SetUpdatedAt(t Time)
}
