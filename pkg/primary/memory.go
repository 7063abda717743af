package primary

import (
	"context"
	"fmt"
	"sync"

	"github.com/supporttools/RecoveryGuard/pkg/recovery/types"
)

// Memory is an in-process Store holding tables as row slices. Tables must be
// created with SetTable before they can be read.
type Memory struct {
	mu     sync.RWMutex
	tables map[string][]types.Row
	fail   map[string]error
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		tables: make(map[string][]types.Row),
		fail:   make(map[string]error),
	}
}

// SetTable replaces the content of table
func (m *Memory) SetTable(table string, rows []types.Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[table] = append([]types.Row(nil), rows...)
}

// Rows returns a copy of the content of table
func (m *Memory) Rows(table string) []types.Row {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]types.Row(nil), m.tables[table]...)
}

// FailTable makes every operation on table return err; nil clears it
func (m *Memory) FailTable(table string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.fail, table)
		return
	}
	m.fail[table] = err
}

func (m *Memory) check(ctx context.Context, table string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.fail[table]; err != nil {
		return err
	}
	if _, ok := m.tables[table]; !ok {
		return fmt.Errorf("relation %q does not exist", table)
	}
	return nil
}

func matches(r types.Row, f Filter) bool {
	for k, v := range f {
		if fmt.Sprint(r[k]) != fmt.Sprint(v) {
			return false
		}
	}
	return true
}

// Select returns rows matching q
func (m *Memory) Select(ctx context.Context, table string, q Query) ([]types.Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx, table); err != nil {
		return nil, err
	}
	var out []types.Row
	for _, r := range m.tables[table] {
		if !matches(r, q.Filter) {
			continue
		}
		out = append(out, r)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

// Insert appends rows
func (m *Memory) Insert(ctx context.Context, table string, rows []types.Row) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, table); err != nil {
		return 0, err
	}
	m.tables[table] = append(m.tables[table], rows...)
	return int64(len(rows)), nil
}

// Delete removes rows matching filter
func (m *Memory) Delete(ctx context.Context, table string, filter Filter) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, table); err != nil {
		return 0, err
	}
	var kept []types.Row
	var removed int64
	for _, r := range m.tables[table] {
		if matches(r, filter) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	m.tables[table] = kept
	return removed, nil
}

// Ping checks table is readable
func (m *Memory) Ping(ctx context.Context, table string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.check(ctx, table)
}

// Close is a no-op
func (m *Memory) Close() error { return nil }
