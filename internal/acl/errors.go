package acl

import "errors"

var (
	// ErrNotFound indicates no Acl exists for the requested object identity.
	ErrNotFound = errors.New("acl: not found")
	// ErrAlreadyExists indicates a create for an identity that already has an Acl.
	ErrAlreadyExists = errors.New("acl: already exists")
	// ErrChildrenExist indicates a delete without cascade on an Acl other Acls inherit from.
	ErrChildrenExist = errors.New("acl: children exist")
	// ErrConflict indicates an optimistic update lost against a concurrent writer.
	ErrConflict = errors.New("acl: stale version")
	// ErrCycleDetected indicates a parent relink that would make an Acl its own ancestor.
	ErrCycleDetected = errors.New("acl: parent cycle")
	// ErrEntryRange indicates an entry insert/delete position outside the valid range.
	ErrEntryRange = errors.New("acl: entry index out of range")
	// ErrNoPrincipal indicates a mutation that requires a caller principal ran without one.
	ErrNoPrincipal = errors.New("acl: no principal in context")
	// ErrForbidden indicates the caller may not administer the Acl it tried to mutate.
	ErrForbidden = errors.New("acl: forbidden")
)
