// Package store defines the key-value namespaces the device registry is
// persisted in, along with an in-memory implementation.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// Namespace names used by the registry.
const (
	Parameters    = "parameters"
	Registrations = "registrations"
	Statuses      = "statuses"
	Messages      = "messages"
	Patterns      = "patterns"
	Timestamps    = "timestamps"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store: closed")

// Namespace is one independent key-value table. A successful Put is
// durable.
type Namespace interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Put(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	Entries(ctx context.Context) (map[string]string, error)
}

// Store hands out namespaces backed by one storage engine.
type Store interface {
	Namespace(name string) Namespace
	Ping(ctx context.Context) error
	Close() error
}

// Memory keeps every namespace in process memory.
type Memory struct {
	mu     sync.Mutex
	spaces map[string]*memoryNamespace
	closed bool
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{spaces: make(map[string]*memoryNamespace)}
}

func (m *Memory) Namespace(name string) Namespace {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.spaces[name]
	if !ok {
		ns = &memoryNamespace{owner: m, data: make(map[string]string)}
		m.spaces[name] = ns
	}
	return ns
}

func (m *Memory) Ping(context.Context) error {
	if m.isClosed() {
		return ErrClosed
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *Memory) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

type memoryNamespace struct {
	owner *Memory
	mu    sync.RWMutex
	data  map[string]string
}

func (n *memoryNamespace) Get(_ context.Context, key string) (string, bool, error) {
	if n.owner.isClosed() {
		return "", false, ErrClosed
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	v, ok := n.data[key]
	return v, ok, nil
}

func (n *memoryNamespace) Put(_ context.Context, key, value string) error {
	if n.owner.isClosed() {
		return ErrClosed
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.data[key] = value
	return nil
}

func (n *memoryNamespace) Remove(_ context.Context, key string) error {
	if n.owner.isClosed() {
		return ErrClosed
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.data, key)
	return nil
}

func (n *memoryNamespace) Keys(_ context.Context) ([]string, error) {
	if n.owner.isClosed() {
		return nil, ErrClosed
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]string, 0, len(n.data))
	for k := range n.data {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (n *memoryNamespace) Entries(_ context.Context) (map[string]string, error) {
	if n.owner.isClosed() {
		return nil, ErrClosed
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make(map[string]string, len(n.data))
	for k, v := range n.data {
		out[k] = v
	}
	return out, nil
}
