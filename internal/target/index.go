package target

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"tradereg/internal/canonical"
	"tradereg/internal/resolve"
)

// Index answers the resolver's lookups against the canonical store. Bound to
// the stage transaction so matches see rows written earlier in the same
// stage, not just prior commits.
type Index struct {
	q      Querier
	rebind func(string) string
}

var _ resolve.Index = (*Index)(nil)

// NewIndex binds an index to a transaction (or bare handle) of store.
func NewIndex(store *Store, q Querier) *Index {
	return &Index{q: q, rebind: store.Rebind}
}

// ExistsID reports whether a canonical record of type t owns the id.
func (ix *Index) ExistsID(ctx context.Context, t canonical.EntityType, id int64) (bool, error) {
	d, err := canonical.Describe(t)
	if err != nil {
		return false, err
	}
	var one int
	q := fmt.Sprintf("SELECT 1 FROM %s WHERE id = ?", d.Table)
	err = ix.q.QueryRowContext(ctx, ix.rebind(q), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("index exists %s %d: %w", d.Table, id, err)
	}
	return true, nil
}

// LookupCode finds a canonical id by exact natural key.
func (ix *Index) LookupCode(ctx context.Context, t canonical.EntityType, code string) (int64, bool, error) {
	d, err := canonical.Describe(t)
	if err != nil {
		return 0, false, err
	}
	var id int64
	q := fmt.Sprintf("SELECT id FROM %s WHERE %s = ?", d.Table, d.KeyColumn)
	err = ix.q.QueryRowContext(ctx, ix.rebind(q), code).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("index code %s %q: %w", d.Table, code, err)
	}
	return id, true, nil
}

// LookupName finds a canonical id by normalized display name. Name matching
// happens in Go rather than SQL so the collapse rules stay in one place;
// reference tables are small enough to scan.
func (ix *Index) LookupName(ctx context.Context, t canonical.EntityType, name string) (int64, bool, error) {
	d, err := canonical.Describe(t)
	if err != nil {
		return 0, false, err
	}
	if d.NameColumn == "" {
		return 0, false, nil
	}
	want := resolve.NormalizeName(name)
	q := fmt.Sprintf("SELECT id, %s FROM %s", d.NameColumn, d.Table)
	rows, err := ix.q.QueryContext(ctx, q)
	if err != nil {
		return 0, false, fmt.Errorf("index name %s: %w", d.Table, err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var id int64
		var candidate sql.NullString
		if err := rows.Scan(&id, &candidate); err != nil {
			return 0, false, fmt.Errorf("index name scan %s: %w", d.Table, err)
		}
		if candidate.Valid && resolve.NormalizeName(candidate.String) == want {
			return id, true, nil
		}
	}
	if err := rows.Err(); err != nil {
		return 0, false, fmt.Errorf("index name iterate %s: %w", d.Table, err)
	}
	return 0, false, nil
}
