package target

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"tradereg/internal/canonical"
	"tradereg/internal/mapping"
)

// Row is one create-or-update request against the canonical store.
type Row struct {
	Type canonical.EntityType
	// NaturalKey is the business key the upsert is idempotent over.
	NaturalKey string
	// PreservedID, when non-zero, is the legacy primary key to reuse as the
	// canonical id if nothing else owns it. Silently renumbering on a re-run
	// would break every cross-reference minted by an earlier pass.
	PreservedID int64
	// LegacyID, when non-zero, records a mapping entry after a successful
	// upsert so later stages can resolve this entity by its legacy id.
	LegacyID int64
	// Fields holds the mutable column values, keyed by column name. Only
	// columns declared by the entity descriptor are written.
	Fields map[string]any
}

// Result reports what one upsert did. A re-run over unchanged source data
// yields Created=false Updated=false for every row.
type Result struct {
	ID      int64
	Created bool
	Updated bool
}

// Upserter is the single idempotent write primitive of the pipeline. All
// writes funnel through the one stage transaction it is bound to, which is
// what keeps concurrent resolve fan-out from racing on natural keys.
type Upserter struct {
	q        Querier
	rebind   func(string) string
	mappings *mapping.Store
}

// NewUpserter binds an upserter to a transaction (or bare handle) of store.
func NewUpserter(store *Store, q Querier, mappings *mapping.Store) *Upserter {
	return &Upserter{q: q, rebind: store.Rebind, mappings: mappings}
}

// Upsert creates or updates the canonical record with row's natural key and
// returns its canonical id. Constraint violations are fatal to the single
// record, never to the stage: the caller accumulates them.
func (u *Upserter) Upsert(ctx context.Context, row Row) (Result, error) {
	d, err := canonical.Describe(row.Type)
	if err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(row.NaturalKey) == "" {
		return Result{}, fmt.Errorf("upsert %s: empty natural key", row.Type)
	}
	cols := make([]string, 0, len(d.Columns))
	for _, c := range d.Columns {
		if _, ok := row.Fields[c]; ok {
			cols = append(cols, c)
		}
	}

	res, err := u.apply(ctx, d, row, cols)
	if err != nil {
		return Result{}, err
	}
	if row.LegacyID != 0 {
		if err := u.mappings.Put(row.Type, row.LegacyID, res.ID); err != nil {
			return Result{}, err
		}
	}
	return res, nil
}

func (u *Upserter) apply(ctx context.Context, d canonical.Descriptor, row Row, cols []string) (Result, error) {
	// Natural key lookup first: an existing record is updated in place
	// whatever id it carries.
	var id int64
	q := fmt.Sprintf("SELECT id FROM %s WHERE %s = ?", d.Table, d.KeyColumn)
	err := u.q.QueryRowContext(ctx, u.rebind(q), row.NaturalKey).Scan(&id)
	switch {
	case err == nil:
		changed, err := u.update(ctx, d, id, row, cols)
		if err != nil {
			return Result{}, err
		}
		return Result{ID: id, Updated: changed}, nil
	case errors.Is(err, sql.ErrNoRows):
		id, err := u.insert(ctx, d, row, cols)
		if err != nil {
			return Result{}, err
		}
		return Result{ID: id, Created: true}, nil
	default:
		return Result{}, fmt.Errorf("upsert lookup %s %q: %w", d.Table, row.NaturalKey, err)
	}
}

func (u *Upserter) update(ctx context.Context, d canonical.Descriptor, id int64, row Row, cols []string) (bool, error) {
	if len(cols) == 0 {
		return false, nil
	}
	current, err := u.currentValues(ctx, d, id, cols)
	if err != nil {
		return false, err
	}
	var setCols []string
	var args []any
	for i, c := range cols {
		if sameValue(current[i], row.Fields[c]) {
			continue
		}
		setCols = append(setCols, c+" = ?")
		args = append(args, row.Fields[c])
	}
	if len(setCols) == 0 {
		return false, nil
	}
	args = append(args, id)
	q := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", d.Table, strings.Join(setCols, ", "))
	if _, err := u.q.ExecContext(ctx, u.rebind(q), args...); err != nil {
		return false, fmt.Errorf("upsert update %s %d: %w", d.Table, id, err)
	}
	return true, nil
}

func (u *Upserter) insert(ctx context.Context, d canonical.Descriptor, row Row, cols []string) (int64, error) {
	id := row.PreservedID
	if id != 0 {
		// The id-stability path: reuse the legacy primary key unless a record
		// with a different natural key already owns it.
		free, err := u.idFree(ctx, d, id)
		if err != nil {
			return 0, err
		}
		if !free {
			id = 0
		}
	}
	if id == 0 {
		var err error
		id, err = u.nextID(ctx, d)
		if err != nil {
			return 0, err
		}
	}
	names := append([]string{"id", d.KeyColumn}, cols...)
	args := make([]any, 0, len(names))
	args = append(args, id, row.NaturalKey)
	for _, c := range cols {
		args = append(args, row.Fields[c])
	}
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		d.Table, strings.Join(names, ", "), placeholders(len(names)))
	if _, err := u.q.ExecContext(ctx, u.rebind(q), args...); err != nil {
		return 0, fmt.Errorf("upsert insert %s %q: %w", d.Table, row.NaturalKey, err)
	}
	return id, nil
}

func (u *Upserter) currentValues(ctx context.Context, d canonical.Descriptor, id int64, cols []string) ([]any, error) {
	q := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", strings.Join(cols, ", "), d.Table)
	raw := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	if err := u.q.QueryRowContext(ctx, u.rebind(q), id).Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("upsert read %s %d: %w", d.Table, id, err)
	}
	return raw, nil
}

func (u *Upserter) idFree(ctx context.Context, d canonical.Descriptor, id int64) (bool, error) {
	var one int
	q := fmt.Sprintf("SELECT 1 FROM %s WHERE id = ?", d.Table)
	err := u.q.QueryRowContext(ctx, u.rebind(q), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("upsert id check %s %d: %w", d.Table, id, err)
	}
	return false, nil
}

func (u *Upserter) nextID(ctx context.Context, d canonical.Descriptor) (int64, error) {
	// Single-writer per table within the stage transaction, so max+1 is safe
	// and keeps minted ids dense alongside preserved legacy ids.
	var next int64
	q := fmt.Sprintf("SELECT COALESCE(MAX(id), 0) + 1 FROM %s", d.Table)
	if err := u.q.QueryRowContext(ctx, q).Scan(&next); err != nil {
		return 0, fmt.Errorf("upsert next id %s: %w", d.Table, err)
	}
	return next, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// sameValue compares a scanned column value against a proposed field value.
// Drivers disagree on concrete types (int vs int64, []byte vs string), so
// comparison happens on a normalized string form.
func sameValue(current, proposed any) bool {
	return normValue(current) == normValue(proposed)
}

func normValue(v any) string {
	switch t := v.(type) {
	case nil:
		return "<nil>"
	case []byte:
		return string(t)
	case float32:
		return fmt.Sprintf("%g", float64(t))
	case float64:
		return fmt.Sprintf("%g", t)
	default:
		return fmt.Sprint(t)
	}
}
