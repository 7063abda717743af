// Package storage defines the persistence backends that hold backup data.
package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrKeyNotFound is returned by Get when a key does not exist
var ErrKeyNotFound = errors.New("key not found")

// Backend is a durable key/value location for backup metadata and payloads.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Name identifies the backend in logs, metrics and health output
	Name() string
	Put(ctx context.Context, key string, value []byte) error
	// Get returns ErrKeyNotFound when the key does not exist
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete is a no-op for missing keys
	Delete(ctx context.Context, key string) error
	ListKeys(ctx context.Context, prefix string) ([]string, error)
	// Probe verifies the backend is reachable and writable
	Probe(ctx context.Context) error
	Close() error
}

// TimeIndexed is implemented by backends that keep a timestamp index
// alongside each key.
type TimeIndexed interface {
	Backend
	PutAt(ctx context.Context, key string, value []byte, ts time.Time) error
	// ListKeysByTime returns matching keys, newest first
	ListKeysByTime(ctx context.Context, prefix string) ([]string, error)
}

// ProbeKey is the key backends write and remove when probed
const ProbeKey = "health_check"

// Memory is an in-process backend. It keeps data only for the life of the
// process and is used for tests and dry runs.
type Memory struct {
	name string

	mu     sync.RWMutex
	data   map[string][]byte
	stamps map[string]time.Time

	// FailPuts makes every Put return this error when set
	FailPuts error
	// FailProbe makes Probe return this error when set
	FailProbe error
}

// NewMemory creates an empty in-memory backend
func NewMemory(name string) *Memory {
	return &Memory{
		name:   name,
		data:   make(map[string][]byte),
		stamps: make(map[string]time.Time),
	}
}

// Name returns the backend name
func (m *Memory) Name() string { return m.name }

// Put stores a copy of value
func (m *Memory) Put(ctx context.Context, key string, value []byte) error {
	return m.PutAt(ctx, key, value, time.Now())
}

// PutAt stores a copy of value with an explicit index timestamp
func (m *Memory) PutAt(ctx context.Context, key string, value []byte, ts time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailPuts != nil {
		return m.FailPuts
	}
	buf := make([]byte, len(value))
	copy(buf, value)
	m.data[key] = buf
	m.stamps[key] = ts
	return nil
}

// Get returns a copy of the stored value
func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	buf := make([]byte, len(v))
	copy(buf, v)
	return buf, nil
}

// Delete removes key
func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	delete(m.stamps, key)
	return nil
}

// ListKeys returns keys with prefix in lexical order
func (m *Memory) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// ListKeysByTime returns keys with prefix, newest first
func (m *Memory) ListKeysByTime(ctx context.Context, prefix string) ([]string, error) {
	keys, err := m.ListKeys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	sort.SliceStable(keys, func(i, j int) bool {
		return m.stamps[keys[i]].After(m.stamps[keys[j]])
	})
	return keys, nil
}

// Probe reports FailProbe, or nil
func (m *Memory) Probe(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.FailProbe
}

// Close is a no-op
func (m *Memory) Close() error { return nil }

// SetFailPuts toggles write failures
func (m *Memory) SetFailPuts(err error) {
	m.mu.Lock()
	m.FailPuts = err
	m.mu.Unlock()
}

// SetFailProbe toggles probe failures
func (m *Memory) SetFailProbe(err error) {
	m.mu.Lock()
	m.FailProbe = err
	m.mu.Unlock()
}

// Len returns the number of stored keys
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
