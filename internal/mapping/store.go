// Package mapping holds the legacy-id to canonical-id tables shared across
// pipeline stages. The table is functional: a (entity type, legacy id) pair
// resolves to at most one canonical id, while several legacy ids may share a
// canonical id (renamed duplicates).
package mapping

import (
	"fmt"
	"sort"
	"sync"

	"tradereg/internal/canonical"
)

// ConflictError reports an attempt to remap an already-mapped legacy id to a
// different canonical id. This is always a logic error in a stage, never a
// recoverable data condition, so it fails loudly instead of overwriting.
type ConflictError struct {
	Type     canonical.EntityType
	LegacyID int64
	Existing int64
	Proposed int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("mapping conflict for %s legacy id %d: have canonical %d, refusing %d",
		e.Type, e.LegacyID, e.Existing, e.Proposed)
}

// Store is the in-process mapping table. It is safe for concurrent use;
// writers racing on the same key serialize on the store lock so the
// functional invariant holds under stage-level fan-out.
type Store struct {
	mu      sync.RWMutex
	entries map[canonical.EntityType]map[int64]int64
	dirty   map[canonical.EntityType]bool
}

// NewStore returns an empty mapping store.
func NewStore() *Store {
	return &Store{
		entries: make(map[canonical.EntityType]map[int64]int64),
		dirty:   make(map[canonical.EntityType]bool),
	}
}

// Get returns the canonical id mapped to (entityType, legacyID), if any.
func (s *Store) Get(entityType canonical.EntityType, legacyID int64) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.entries[entityType][legacyID]
	return id, ok
}

// Put records a mapping entry. Re-putting the identical triple is a no-op;
// putting a different canonical id for an existing key returns ConflictError.
func (s *Store) Put(entityType canonical.EntityType, legacyID, canonicalID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.entries[entityType]
	if !ok {
		byID = make(map[int64]int64)
		s.entries[entityType] = byID
	}
	if existing, ok := byID[legacyID]; ok {
		if existing == canonicalID {
			return nil
		}
		return &ConflictError{Type: entityType, LegacyID: legacyID, Existing: existing, Proposed: canonicalID}
	}
	byID[legacyID] = canonicalID
	s.dirty[entityType] = true
	return nil
}

// Export returns a copy of the full table for one entity type, for stages that
// pre-load a whole mapping into memory.
func (s *Store) Export(entityType canonical.EntityType) map[int64]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int64]int64, len(s.entries[entityType]))
	for k, v := range s.entries[entityType] {
		out[k] = v
	}
	return out
}

// Len returns the number of entries held for one entity type.
func (s *Store) Len(entityType canonical.EntityType) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries[entityType])
}

// Types returns the entity types with at least one entry, sorted.
func (s *Store) Types() []canonical.EntityType {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]canonical.EntityType, 0, len(s.entries))
	for t, byID := range s.entries {
		if len(byID) > 0 {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Clone returns an independent copy. Preview runs work on a clone so resolved
// mappings are discarded with the rolled-back transaction.
func (s *Store) Clone() *Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := NewStore()
	for t, byID := range s.entries {
		dst := make(map[int64]int64, len(byID))
		for k, v := range byID {
			dst[k] = v
		}
		c.entries[t] = dst
	}
	for t, d := range s.dirty {
		c.dirty[t] = d
	}
	return c
}

// dirtyTypes returns the entity types written since the last flush, sorted.
func (s *Store) dirtyTypes() []canonical.EntityType {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]canonical.EntityType, 0, len(s.dirty))
	for t, d := range s.dirty {
		if d {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Store) clearDirty(entityType canonical.EntityType) {
	s.mu.Lock()
	delete(s.dirty, entityType)
	s.mu.Unlock()
}

func (s *Store) importTable(entityType canonical.EntityType, table map[int64]int64) error {
	for legacyID, canonicalID := range table {
		if err := s.Put(entityType, legacyID, canonicalID); err != nil {
			return err
		}
	}
	s.clearDirty(entityType)
	return nil
}
