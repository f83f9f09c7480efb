// Package handle implements opaque handles backed by an owning registry.
//
// A Handle packs a slot index and the slot's generation. Releasing a slot bumps
// its generation, so a stale handle held by a caller no longer resolves even
// after the slot is reused. The zero Handle is the null handle and never
// resolves.
package handle

import (
	"errors"
	"sync"
)

// ErrInvalid is returned for the null handle, a released handle, or a handle
// that was never issued by the registry.
var ErrInvalid = errors.New("invalid handle")

// Handle is an opaque reference to a registry entry.
type Handle uint64

// Null is the zero handle.
const Null Handle = 0

func pack(index, gen uint32) Handle {
	return Handle(uint64(gen)<<32 | uint64(index+1))
}

func (h Handle) unpack() (index, gen uint32, ok bool) {
	lo := uint32(h)
	if lo == 0 {
		return 0, 0, false
	}
	return lo - 1, uint32(h >> 32), true
}

type slot[T any] struct {
	gen  uint32
	live bool
	val  T
}

// Registry owns values of type T and hands out handles for them.
// It is safe for concurrent use.
type Registry[T any] struct {
	mu    sync.Mutex
	slots []slot[T]
	free  []uint32
	live  int
}

// Put stores v and returns a new handle for it.
func (r *Registry[T]) Put(v T) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	var idx uint32
	if n := len(r.free); n > 0 {
		idx = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		idx = uint32(len(r.slots))
		r.slots = append(r.slots, slot[T]{gen: 1})
	}
	s := &r.slots[idx]
	s.live = true
	s.val = v
	r.live++
	return pack(idx, s.gen)
}

// Get resolves h.
func (r *Registry[T]) Get(h Handle) (T, error) {
	var zero T
	idx, gen, ok := h.unpack()
	if !ok {
		return zero, ErrInvalid
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if int(idx) >= len(r.slots) {
		return zero, ErrInvalid
	}
	s := &r.slots[idx]
	if !s.live || s.gen != gen {
		return zero, ErrInvalid
	}
	return s.val, nil
}

// Release removes the entry for h and returns its value. The second result
// is false when h did not resolve, in which case nothing changes.
func (r *Registry[T]) Release(h Handle) (T, bool) {
	var zero T
	idx, gen, ok := h.unpack()
	if !ok {
		return zero, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if int(idx) >= len(r.slots) {
		return zero, false
	}
	s := &r.slots[idx]
	if !s.live || s.gen != gen {
		return zero, false
	}
	v := s.val
	s.val = zero
	s.live = false
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	r.free = append(r.free, idx)
	r.live--
	return v, true
}

// Len reports the number of live entries.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live
}
