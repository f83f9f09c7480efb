package engine

import (
	"fmt"

	"github.com/samcharles93/keel/internal/errdefs"
)

// Error categories returned by the engine. Match them with errors.Is.
var (
	ErrInvalidParams  = errdefs.ErrInvalidParams
	ErrInvalidConfig  = errdefs.ErrInvalidConfig
	ErrNotReady       = errdefs.ErrNotReady
	ErrBackend        = errdefs.ErrBackend
	ErrNotImplemented = errdefs.ErrNotImplemented
)

// BatchError reports the item that stopped a batch. Items before Index
// completed and their responses were returned; items from Index on did not
// run.
type BatchError struct {
	Index int
	Err   error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch item %d: %v", e.Index, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }
