package session

import (
	"fmt"

	"github.com/samcharles93/keel/internal/errdefs"
)

// Error categories shared with the engine. Match them with errors.Is.
var (
	ErrInvalidParams  = errdefs.ErrInvalidParams
	ErrInvalidConfig  = errdefs.ErrInvalidConfig
	ErrNotReady       = errdefs.ErrNotReady
	ErrBackend        = errdefs.ErrBackend
	ErrNotImplemented = errdefs.ErrNotImplemented
)

var (
	// ErrSessionBusy is returned when a forward arrives for a session that
	// already has one running.
	ErrSessionBusy = fmt.Errorf("%w: session busy", errdefs.ErrInvalidParams)
	// ErrSessionClosed is returned for a continuation of a session that
	// ended, was killed, failed, or never started.
	ErrSessionClosed = fmt.Errorf("%w: session closed", errdefs.ErrInvalidParams)
)
