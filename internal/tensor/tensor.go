// Package tensor provides the typed, shaped, located buffers and the named
// tensor collections exchanged with an inference backend.
//
// A Tensor always owns its buffer: constructors copy the caller's bytes and
// Clone produces an independent buffer. Buffers for every memory kind are
// staged in Go memory; moving data onto a real device is the backend's job.
// The buffer and the closed flag are guarded, so Close may race with readers
// on other goroutines; a reader either completes on the live buffer or sees
// ErrClosed.
package tensor

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
)

var (
	ErrInvalid      = errors.New("invalid tensor")
	ErrClosed       = errors.New("tensor closed")
	ErrSizeMismatch = errors.New("tensor size mismatch")
	ErrNotFound     = errors.New("tensor not found")
)

// ByteSize returns product(shape) * dt.Size(). A zero-rank shape, a zero
// extent, a negative extent, an invalid type or an overflowing product all
// yield 0.
func ByteSize(dt DataType, shape []int64) int64 {
	n, err := elements(shape)
	if err != nil || n == 0 || !dt.Valid() {
		return 0
	}
	w := int64(dt.Size())
	if n > math.MaxInt64/w {
		return 0
	}
	return n * w
}

func elements(shape []int64) (int64, error) {
	if len(shape) == 0 {
		return 0, nil
	}
	n := int64(1)
	for i, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("%w: dimension %d is negative (%d)", ErrInvalid, i, d)
		}
		if d == 0 {
			n = 0
			continue
		}
		if n > math.MaxInt64/d {
			return 0, fmt.Errorf("%w: shape %v overflows", ErrInvalid, shape)
		}
		n *= d
	}
	return n, nil
}

// Tensor is a buffer with a type, shape and location.
type Tensor struct {
	dtype DataType
	shape []int64
	loc   Location

	mu     sync.RWMutex
	data   []byte
	closed bool
}

func validate(dt DataType, shape []int64, loc Location) (int64, error) {
	if !dt.Valid() {
		return 0, fmt.Errorf("%w: data type %s", ErrInvalid, dt)
	}
	if len(shape) == 0 {
		return 0, fmt.Errorf("%w: shape must have at least one dimension", ErrInvalid)
	}
	if _, err := elements(shape); err != nil {
		return 0, err
	}
	if err := loc.Validate(); err != nil {
		return 0, err
	}
	return ByteSize(dt, shape), nil
}

// New allocates a zeroed tensor.
func New(dt DataType, shape []int64, loc Location) (*Tensor, error) {
	size, err := validate(dt, shape, loc)
	if err != nil {
		return nil, err
	}
	return &Tensor{
		dtype: dt,
		shape: slices.Clone(shape),
		loc:   loc,
		data:  make([]byte, size),
	}, nil
}

// FromBytes builds a tensor holding a copy of data. len(data) must equal
// ByteSize(dt, shape).
func FromBytes(dt DataType, shape []int64, loc Location, data []byte) (*Tensor, error) {
	size, err := validate(dt, shape, loc)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != size {
		return nil, fmt.Errorf("%w: %d bytes for %s%v (want %d)", ErrSizeMismatch, len(data), dt, shape, size)
	}
	return &Tensor{
		dtype: dt,
		shape: slices.Clone(shape),
		loc:   loc,
		data:  slices.Clone(data),
	}, nil
}

func (t *Tensor) DataType() DataType { return t.dtype }
func (t *Tensor) Location() Location { return t.loc }
func (t *Tensor) Rank() int          { return len(t.shape) }

// Closed reports whether Close has run. A nil Tensor counts as closed.
func (t *Tensor) Closed() bool {
	if t == nil {
		return true
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}

// read runs fn on the live buffer with the read lock held.
func (t *Tensor) read(fn func(data []byte)) error {
	if t == nil {
		return ErrClosed
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return ErrClosed
	}
	fn(t.data)
	return nil
}

// Shape returns a copy of the dimensions.
func (t *Tensor) Shape() []int64 {
	return slices.Clone(t.shape)
}

// NumElements returns product(shape).
func (t *Tensor) NumElements() int64 {
	n, _ := elements(t.shape)
	return n
}

// ByteSize is 0 once the tensor is closed.
func (t *Tensor) ByteSize() int64 {
	if t.Closed() {
		return 0
	}
	return ByteSize(t.dtype, t.shape)
}

// Bytes returns a copy of the buffer.
func (t *Tensor) Bytes() ([]byte, error) {
	var out []byte
	if err := t.read(func(data []byte) { out = slices.Clone(data) }); err != nil {
		return nil, err
	}
	return out, nil
}

// Clone returns an independent copy.
func (t *Tensor) Clone() (*Tensor, error) {
	data, err := t.Bytes()
	if err != nil {
		return nil, err
	}
	return &Tensor{
		dtype: t.dtype,
		shape: slices.Clone(t.shape),
		loc:   t.loc,
		data:  data,
	}, nil
}

// CopyFrom overwrites t's buffer with src's. Byte sizes must match; types and
// shapes may differ, the copy is raw. src is snapshotted first so two tensors
// never hold each other's locks.
func (t *Tensor) CopyFrom(src *Tensor) error {
	if t == nil {
		return ErrClosed
	}
	data, err := src.Bytes()
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if len(t.data) != len(data) {
		return fmt.Errorf("%w: dst %d bytes, src %d bytes", ErrSizeMismatch, len(t.data), len(data))
	}
	copy(t.data, data)
	return nil
}

// Close releases the buffer. Closing twice is a no-op. It waits for readers
// already holding the buffer.
func (t *Tensor) Close() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data = nil
	t.closed = true
}

func (t *Tensor) String() string {
	if t == nil {
		return "tensor(nil)"
	}
	state := ""
	if t.Closed() {
		state = ", closed"
	}
	return fmt.Sprintf("tensor(%s%v @%s%s)", t.dtype, t.shape, t.loc, state)
}
