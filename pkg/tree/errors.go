package tree

import (
	"errors"
	"fmt"
)

var (
	// ErrForeignNode is returned when a node or container belongs to
	// another Root.
	ErrForeignNode = errors.New("tree: node belongs to another root")

	// ErrNotChild is returned when a node is not a child of the given parent.
	ErrNotChild = errors.New("tree: not a child of parent")

	// ErrCycle is returned when a node would be inserted under itself or
	// one of its descendants.
	ErrCycle = errors.New("tree: node cannot contain itself")

	// ErrAttached is returned when creating a component with a child that
	// already has a parent.
	ErrAttached = errors.New("tree: node already has a parent")

	// ErrUnknownNode is returned when no attached node has the given id.
	ErrUnknownNode = errors.New("tree: unknown node")

	// ErrWrongKind is returned when a node lookup finds the other kind.
	ErrWrongKind = errors.New("tree: wrong node kind")

	ErrNoReceiver = errors.New("tree: no receiver")
)

// NodeError records the operation and node that failed.
type NodeError struct {
	Op  string
	ID  string
	Err error
}

func (e *NodeError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("tree: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("tree: %s %s: %v", e.Op, e.ID, e.Err)
}

func (e *NodeError) Unwrap() error { return e.Err }
