package resolve

import (
	"context"
	"sync"

	"tradereg/internal/canonical"
)

// MapIndex is an in-memory Index snapshot. Stages that fan read-and-resolve
// work across workers build one from the stage transaction up front, because
// a database/sql transaction must not be shared across goroutines. It also
// backs the resolver's unit tests.
type MapIndex struct {
	mu    sync.RWMutex
	ids   map[canonical.EntityType]map[int64]struct{}
	codes map[canonical.EntityType]map[string]int64
	names map[canonical.EntityType]map[string]int64
}

var _ Index = (*MapIndex)(nil)

// NewMapIndex returns an empty snapshot index.
func NewMapIndex() *MapIndex {
	return &MapIndex{
		ids:   make(map[canonical.EntityType]map[int64]struct{}),
		codes: make(map[canonical.EntityType]map[string]int64),
		names: make(map[canonical.EntityType]map[string]int64),
	}
}

// Add registers one canonical record. Name is normalized on the way in; code
// is stored as-is (canonical codes are already clean).
func (m *MapIndex) Add(t canonical.EntityType, id int64, code, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ids[t] == nil {
		m.ids[t] = make(map[int64]struct{})
		m.codes[t] = make(map[string]int64)
		m.names[t] = make(map[string]int64)
	}
	m.ids[t][id] = struct{}{}
	if code != "" {
		m.codes[t][code] = id
	}
	if n := NormalizeName(name); n != "" {
		m.names[t][n] = id
	}
}

func (m *MapIndex) ExistsID(_ context.Context, t canonical.EntityType, id int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.ids[t][id]
	return ok, nil
}

func (m *MapIndex) LookupCode(_ context.Context, t canonical.EntityType, code string) (int64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.codes[t][code]
	return id, ok, nil
}

func (m *MapIndex) LookupName(_ context.Context, t canonical.EntityType, name string) (int64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.names[t][NormalizeName(name)]
	return id, ok, nil
}
