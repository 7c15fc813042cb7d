package mapping

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"

	"tradereg/internal/blob"
	"tradereg/internal/canonical"
)

// ArtifactPrefix is the key prefix under which mapping tables are exported.
const ArtifactPrefix = "mappings/"

// ArtifactKey returns the artifact key for one entity type's mapping table.
func ArtifactKey(entityType canonical.EntityType) string {
	return ArtifactPrefix + string(entityType) + ".csv"
}

// Flush exports every table written since the last flush as a CSV artifact.
// The format is a flat legacy_id,canonical_id table: human-inspectable and
// safe to hand-edit for manual corrections before a re-run.
func (s *Store) Flush(ctx context.Context, store blob.Store) error {
	for _, entityType := range s.dirtyTypes() {
		table := s.Export(entityType)
		data, err := encodeTable(table)
		if err != nil {
			return fmt.Errorf("encode %s mapping: %w", entityType, err)
		}
		if _, err := store.Put(ctx, ArtifactKey(entityType), bytes.NewReader(data)); err != nil {
			return fmt.Errorf("export %s mapping: %w", entityType, err)
		}
		s.clearDirty(entityType)
	}
	return nil
}

// Load hydrates the store from all mapping artifacts found under the prefix.
// A hand-edited artifact that violates the functional invariant fails here,
// before any stage runs against it.
func Load(ctx context.Context, store blob.Store) (*Store, error) {
	s := NewStore()
	infos, err := store.List(ctx, ArtifactPrefix)
	if err != nil {
		return nil, fmt.Errorf("list mapping artifacts: %w", err)
	}
	for _, info := range infos {
		name := strings.TrimSuffix(path.Base(info.Key), ".csv")
		entityType := canonical.EntityType(name)
		if _, err := canonical.Describe(entityType); err != nil {
			return nil, fmt.Errorf("mapping artifact %s: %w", info.Key, err)
		}
		rc, err := store.Get(ctx, info.Key)
		if err != nil {
			return nil, fmt.Errorf("read mapping artifact %s: %w", info.Key, err)
		}
		table, err := decodeTable(rc)
		_ = rc.Close()
		if err != nil {
			return nil, fmt.Errorf("decode mapping artifact %s: %w", info.Key, err)
		}
		if err := s.importTable(entityType, table); err != nil {
			return nil, fmt.Errorf("import mapping artifact %s: %w", info.Key, err)
		}
	}
	return s, nil
}

func encodeTable(table map[int64]int64) ([]byte, error) {
	legacyIDs := make([]int64, 0, len(table))
	for id := range table {
		legacyIDs = append(legacyIDs, id)
	}
	sort.Slice(legacyIDs, func(i, j int) bool { return legacyIDs[i] < legacyIDs[j] })

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"legacy_id", "canonical_id"}); err != nil {
		return nil, err
	}
	for _, legacyID := range legacyIDs {
		rec := []string{strconv.FormatInt(legacyID, 10), strconv.FormatInt(table[legacyID], 10)}
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func decodeTable(r io.Reader) (map[int64]int64, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 2
	table := make(map[int64]int64)
	first := true
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if first {
			first = false
			if rec[0] == "legacy_id" {
				continue
			}
		}
		legacyID, err := strconv.ParseInt(strings.TrimSpace(rec[0]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("legacy id %q: %w", rec[0], err)
		}
		canonicalID, err := strconv.ParseInt(strings.TrimSpace(rec[1]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("canonical id %q: %w", rec[1], err)
		}
		if existing, ok := table[legacyID]; ok && existing != canonicalID {
			return nil, fmt.Errorf("duplicate legacy id %d with conflicting canonical ids %d and %d", legacyID, existing, canonicalID)
		}
		table[legacyID] = canonicalID
	}
	return table, nil
}
