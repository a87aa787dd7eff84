package state

import "errors"

var (
	// ErrInvalidValue is returned when a mutation tries to store the absent value.
	ErrInvalidValue = errors.New("invalid value: absent values cannot be stored")

	// ErrUnknownPath is returned when a snapshot does not belong to the node being diffed.
	ErrUnknownPath = errors.New("unknown path: snapshot lineage does not match node")

	// ErrReentrantFlush is raised (as a panic) when FlushSynchronizers is called during a flush.
	ErrReentrantFlush = errors.New("reentrant flush")

	ErrInvalidIndex   = errors.New("invalid array index")
	ErrNotFound       = errors.New("path not found")
	ErrNotContainer   = errors.New("value is not a container")
	ErrDetached       = errors.New("node is no longer attached to the tree")
	ErrInvalidPattern = errors.New("invalid path pattern")
)
