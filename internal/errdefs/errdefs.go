// Package errdefs defines the error categories shared by the engine, session
// and handle layers.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidParams  = errors.New("invalid parameters")
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrNotReady       = errors.New("engine not ready")
	ErrBackend        = errors.New("backend failure")
	ErrNotImplemented = errors.New("not implemented")
)

// Code values reported in response structs and by the CLI exit status.
const (
	CodeOK             = 0
	CodeInvalidParams  = 1
	CodeNotReady       = 2
	CodeBackend        = 3
	CodeNotImplemented = 4
	CodeUnknown        = 5
)

type categorized struct {
	kind error
	msg  string
	err  error
}

func (e *categorized) Error() string {
	if e.err != nil {
		if e.msg == "" {
			return e.kind.Error() + ": " + e.err.Error()
		}
		return e.kind.Error() + ": " + e.msg + ": " + e.err.Error()
	}
	if e.msg == "" {
		return e.kind.Error()
	}
	return e.kind.Error() + ": " + e.msg
}

func (e *categorized) Unwrap() []error {
	if e.err != nil {
		return []error{e.kind, e.err}
	}
	return []error{e.kind}
}

func newf(kind error, format string, args ...any) error {
	return &categorized{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// InvalidParams reports a bad argument detected before touching backend state.
func InvalidParams(format string, args ...any) error {
	return newf(ErrInvalidParams, format, args...)
}

// InvalidConfig reports an engine configuration that failed validation.
func InvalidConfig(format string, args ...any) error {
	return newf(ErrInvalidConfig, format, args...)
}

// NotReady reports an operation on an engine that is not (or no longer) ready.
func NotReady(format string, args ...any) error {
	return newf(ErrNotReady, format, args...)
}

// NotImplemented reports a reserved operation.
func NotImplemented(op string) error {
	return newf(ErrNotImplemented, "%s", op)
}

// Backend wraps a failure raised by the inference backend during op.
// Errors that already carry a category are returned unchanged.
func Backend(op string, err error) error {
	if err == nil {
		return nil
	}
	if Categorized(err) {
		return err
	}
	return &categorized{kind: ErrBackend, msg: op, err: err}
}

// Categorized reports whether err already belongs to one of the categories.
func Categorized(err error) bool {
	return errors.Is(err, ErrInvalidParams) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrNotReady) ||
		errors.Is(err, ErrBackend) ||
		errors.Is(err, ErrNotImplemented)
}

// Code maps err to its numeric category.
func Code(err error) int {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrInvalidParams), errors.Is(err, ErrInvalidConfig):
		return CodeInvalidParams
	case errors.Is(err, ErrNotReady):
		return CodeNotReady
	case errors.Is(err, ErrBackend):
		return CodeBackend
	case errors.Is(err, ErrNotImplemented):
		return CodeNotImplemented
	default:
		return CodeUnknown
	}
}

// Recover converts a panic raised inside a backend call into an ErrBackend
// error stored in *errp. Use it as `defer errdefs.Recover("forward", &err)`.
func Recover(op string, errp *error) {
	if rec := recover(); rec != nil {
		*errp = &categorized{kind: ErrBackend, msg: op, err: fmt.Errorf("panic: %v", rec)}
	}
}

// Category returns a short label for err's category, used in metrics and logs.
func Category(err error) string {
	switch Code(err) {
	case CodeOK:
		return "ok"
	case CodeInvalidParams:
		return "invalid"
	case CodeNotReady:
		return "not_ready"
	case CodeBackend:
		return "backend"
	case CodeNotImplemented:
		return "unimplemented"
	default:
		return "unknown"
	}
}
