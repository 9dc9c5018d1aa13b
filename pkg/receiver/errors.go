package receiver

import (
	"errors"
	"fmt"

	"github.com/vango-dev/remote/pkg/protocol"
)

// Validation failures. A *BatchError wraps one of these.
var (
	// ErrUnknownNode is returned when a record names an id the mirror does
	// not hold, including ids of removed nodes.
	ErrUnknownNode = errors.New("receiver: unknown node")

	// ErrDuplicateNode is returned when an inserted subtree reuses an id
	// already present in the mirror or in the subtree itself.
	ErrDuplicateNode = errors.New("receiver: duplicate node")

	// ErrIndexOutOfRange is returned when an insert index exceeds the
	// parent's child count.
	ErrIndexOutOfRange = errors.New("receiver: index out of range")

	// ErrNotChild is returned when a removed node is not a child of the
	// named parent.
	ErrNotChild = errors.New("receiver: not a child of parent")

	// ErrWrongKind is returned when a record targets the wrong node kind,
	// such as updating the text of a component.
	ErrWrongKind = errors.New("receiver: wrong node kind")

	// ErrStaleBatch is returned for a batch whose seq was already applied.
	ErrStaleBatch = errors.New("receiver: stale batch")
)

// BatchError reports a rejected batch. Index is the position of the
// failing record, or -1 when the batch as a whole was refused.
type BatchError struct {
	Seq   uint64
	Index int
	Op    protocol.RecordOp
	ID    string
	Err   error
}

func (e *BatchError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("receiver: batch %d: %v", e.Seq, e.Err)
	}
	return fmt.Sprintf("receiver: batch %d record %d (%s %s): %v", e.Seq, e.Index, e.Op, e.ID, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// ErrorCode reports rejected batches to the producer as validation errors.
func (e *BatchError) ErrorCode() protocol.ErrorCode { return protocol.ErrValidation }
