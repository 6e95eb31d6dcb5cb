package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-process Store. Readers share the lock; an Update holds it
// exclusively and buffers writes until the callback succeeds.
type Memory struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) View(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrStoreClose
	}
	return fn(&memoryTx{base: m.data, readOnly: true})
}

func (m *Memory) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClose
	}
	tx := &memoryTx{base: m.data, writes: make(map[string][]byte)}
	if err := fn(tx); err != nil {
		return err
	}
	for k, v := range tx.writes {
		if v == nil {
			delete(m.data, k)
			continue
		}
		m.data[k] = v
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Len reports the number of stored keys.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Snapshot copies the committed state.
func (m *Memory) Snapshot() map[string][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]byte, len(m.data))
	for k, v := range m.data {
		out[k] = clone(v)
	}
	return out
}

// memoryTx overlays pending writes on the committed map. A nil value in
// writes is a tombstone.
type memoryTx struct {
	base     map[string][]byte
	writes   map[string][]byte
	readOnly bool
}

func (t *memoryTx) Get(key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, ErrEmptyKey
	}
	if v, ok := t.writes[key]; ok {
		if v == nil {
			return nil, false, nil
		}
		return clone(v), true, nil
	}
	v, ok := t.base[key]
	if !ok {
		return nil, false, nil
	}
	return clone(v), true, nil
}

func (t *memoryTx) Set(key string, value []byte) error {
	if t.readOnly {
		return ErrReadOnly
	}
	if key == "" {
		return ErrEmptyKey
	}
	t.writes[key] = clone(value)
	return nil
}

func (t *memoryTx) Remove(key string) error {
	if t.readOnly {
		return ErrReadOnly
	}
	if key == "" {
		return ErrEmptyKey
	}
	t.writes[key] = nil
	return nil
}

func (t *memoryTx) Keys(prefix string) ([]string, error) {
	seen := make(map[string]struct{})
	for k := range t.base {
		if strings.HasPrefix(k, prefix) {
			seen[k] = struct{}{}
		}
	}
	for k, v := range t.writes {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if v == nil {
			delete(seen, k)
			continue
		}
		seen[k] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// clone never returns nil, so an empty value is not mistaken for a tombstone.
func clone(v []byte) []byte {
	out := make([]byte, len(v))
	copy(out, v)
	return out
}
