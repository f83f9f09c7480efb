package tensor

import (
	"fmt"
	"maps"
	"slices"
	"sync"
)

// Map is a named collection of tensors used as the input and output bundle
// of a forward call.
//
// Ownership is copy-in: Set stores a clone of the given tensor, so the map
// owns every entry and the caller keeps ownership of (and may close) the
// tensor it passed. Get likewise hands back a clone that the caller owns.
// Closing the map closes every entry it holds.
type Map struct {
	mu      sync.RWMutex
	entries map[string]*Tensor
	closed  bool
}

// NewMap returns an empty map.
func NewMap() *Map {
	return &Map{entries: make(map[string]*Tensor)}
}

// Set stores a copy of t under name, replacing (and closing) any previous
// entry.
func (m *Map) Set(name string, t *Tensor) error {
	if name == "" {
		return fmt.Errorf("%w: empty tensor name", ErrInvalid)
	}
	if t == nil {
		return fmt.Errorf("%w: nil tensor for %q", ErrInvalid, name)
	}
	c, err := t.Clone()
	if err != nil {
		return fmt.Errorf("set %q: %w", name, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		c.Close()
		return fmt.Errorf("set %q: %w", name, ErrClosed)
	}
	if old, ok := m.entries[name]; ok {
		old.Close()
	}
	m.entries[name] = c
	return nil
}

// Get returns a copy of the entry stored under name.
func (m *Map) Get(name string) (*Tensor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	t, ok := m.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return t.Clone()
}

// Has reports whether name is present.
func (m *Map) Has(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[name]
	return ok && !m.closed
}

// Delete removes and closes the entry stored under name.
func (m *Map) Delete(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.entries[name]; ok {
		t.Close()
		delete(m.entries, name)
	}
}

// Names returns the entry names in sorted order.
func (m *Map) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.entries))
}

func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Clone deep-copies the map.
func (m *Map) Clone() (*Map, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := NewMap()
	for name, t := range m.entries {
		c, err := t.Clone()
		if err != nil {
			out.Close()
			return nil, err
		}
		out.entries[name] = c
	}
	return out, nil
}

// Close closes every entry. Closing twice is a no-op.
func (m *Map) Close() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	for _, t := range m.entries {
		t.Close()
	}
	clear(m.entries)
	m.closed = true
}

func (m *Map) Closed() bool {
	if m == nil {
		return true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
