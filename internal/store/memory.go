package store

import (
	"context"
	"slices"
	"sync"
)

// Memory is an in-process KV. Used when persistence is disabled and in tests.
type Memory struct {
	mu     sync.RWMutex
	data   map[string]map[string][]byte
	closed bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, namespace, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, false, ErrClosed
	}

	v, ok := m.data[namespace][key]
	if !ok {
		return nil, false, nil
	}

	return slices.Clone(v), true, nil
}

func (m *Memory) Put(_ context.Context, namespace, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	m.putLocked(namespace, key, value)

	return nil
}

func (m *Memory) Delete(_ context.Context, namespace, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	delete(m.data[namespace], key)

	return nil
}

func (m *Memory) ListKeys(_ context.Context, namespace string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}

	keys := make([]string, 0, len(m.data[namespace]))
	for k := range m.data[namespace] {
		keys = append(keys, k)
	}

	slices.Sort(keys)

	return keys, nil
}

func (m *Memory) Apply(_ context.Context, ops []Op) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	for i := range ops {
		switch ops[i].Kind {
		case OpPut:
			m.putLocked(ops[i].Namespace, ops[i].Key, ops[i].Value)
		case OpDelete:
			delete(m.data[ops[i].Namespace], ops[i].Key)
		}
	}

	return nil
}

func (m *Memory) Update(_ context.Context, namespace, key string, fn UpdateFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	old, ok := m.data[namespace][key]

	value, err := fn(slices.Clone(old), ok)
	if err != nil {
		return err
	}

	m.putLocked(namespace, key, value)

	return nil
}

// Compact is a no-op for the in-memory store.
func (m *Memory) Compact(context.Context) error {
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true

	return nil
}

func (m *Memory) putLocked(namespace, key string, value []byte) {
	ns, ok := m.data[namespace]
	if !ok {
		ns = make(map[string][]byte)
		m.data[namespace] = ns
	}

	ns[key] = slices.Clone(value)
}
