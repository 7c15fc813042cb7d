// Package stages declares the ordered bulk migration stages. Each stage reads
// fixed legacy tables, resolves references through the identity resolver and
// writes through the upsert engine; the stage runner owns the transaction.
package stages

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"tradereg/internal/canonical"
	"tradereg/internal/pipeline"
	"tradereg/internal/resolve"
	"tradereg/internal/target"
)

// All returns the bulk stages in dependency order.
func All() []pipeline.Stage {
	return []pipeline.Stage{
		&Geography{},
		&Occupations{},
		&Curriculum{},
		&Centers{},
		&Series{},
		&Staff{},
		&Candidates{},
		&Enrollments{},
		&Results{},
	}
}

// ByName finds a bulk stage by its declared name.
func ByName(name string) (pipeline.Stage, error) {
	for _, st := range All() {
		if st.Name() == name {
			return st, nil
		}
	}
	return nil, fmt.Errorf("unknown stage %q", name)
}

// branchFor translates an upsert result into the report branch it counts into.
func branchFor(res target.Result) pipeline.Branch {
	switch {
	case res.Created:
		return pipeline.BranchCreated
	case res.Updated:
		return pipeline.BranchUpdated
	default:
		return pipeline.BranchUnchanged
	}
}

// observeUpsert routes an upsert outcome (or its error) into the report.
func observeUpsert(sc *pipeline.Context, res target.Result, err error, detail string) error {
	if err != nil {
		var unres *resolve.UnresolvedError
		if errors.As(err, &unres) {
			return sc.Observe(pipeline.BranchUnresolved, unres.Error())
		}
		return sc.Observe(pipeline.BranchErrored, fmt.Sprintf("%s: %v", detail, err))
	}
	return sc.Observe(branchFor(res), detail)
}

var slugRe = regexp.MustCompile(`[^A-Z0-9]+`)

// slug derives a stable code fragment from a display name, for legacy rows
// that historically carried only names.
func slug(name string) string {
	s := slugRe.ReplaceAllString(strings.ToUpper(strings.TrimSpace(name)), "-")
	s = strings.Trim(s, "-")
	if len(s) > 32 {
		s = s[:32]
	}
	return s
}

// codeOf reads the natural key of an already-migrated canonical record.
func codeOf(ctx context.Context, sc *pipeline.Context, t canonical.EntityType, id int64) (string, error) {
	d, err := canonical.Describe(t)
	if err != nil {
		return "", err
	}
	var code string
	q := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", d.KeyColumn, d.Table)
	if err := sc.Tx.QueryRowContext(ctx, sc.Rebind(q), id).Scan(&code); err != nil {
		return "", fmt.Errorf("read %s code for id %d: %w", t, id, err)
	}
	return code, nil
}

// scopedSeriesID resolves the --series filter to a canonical series id.
// Returns ok=false when no filter is set.
func scopedSeriesID(ctx context.Context, sc *pipeline.Context) (int64, bool, error) {
	if sc.Scope.SeriesCode == "" {
		return 0, false, nil
	}
	ix := target.NewIndex(sc.Store, sc.Tx)
	id, ok, err := ix.LookupCode(ctx, canonical.EntitySeries, strings.ToUpper(strings.TrimSpace(sc.Scope.SeriesCode)))
	if err != nil {
		return 0, false, err
	}
	if !ok {
		return 0, false, fmt.Errorf("series scope %q matches no canonical series", sc.Scope.SeriesCode)
	}
	return id, true, nil
}

// scopedOccupationID resolves the --occupation filter to a canonical id.
func scopedOccupationID(ctx context.Context, sc *pipeline.Context) (int64, bool, error) {
	if sc.Scope.OccupationCode == "" {
		return 0, false, nil
	}
	ix := target.NewIndex(sc.Store, sc.Tx)
	id, ok, err := ix.LookupCode(ctx, canonical.EntityOccupation, strings.ToUpper(strings.TrimSpace(sc.Scope.OccupationCode)))
	if err != nil {
		return 0, false, err
	}
	if !ok {
		return 0, false, fmt.Errorf("occupation scope %q matches no canonical occupation", sc.Scope.OccupationCode)
	}
	return id, true, nil
}

// linkDetail inserts a detail association idempotently. Both dialects accept
// ON CONFLICT DO NOTHING on the composite primary key.
func linkDetail(ctx context.Context, sc *pipeline.Context, table, leftCol, rightCol string, leftID, rightID int64) error {
	q := fmt.Sprintf("INSERT INTO %s (%s, %s) VALUES (?, ?) ON CONFLICT DO NOTHING", table, leftCol, rightCol)
	_, err := sc.Tx.ExecContext(ctx, sc.Rebind(q), leftID, rightID)
	if err != nil {
		return fmt.Errorf("link %s %d-%d: %w", table, leftID, rightID, err)
	}
	return nil
}

// queryIDs collects the first column of a query as int64s.
func queryIDs(ctx context.Context, q target.Querier, query string, args ...any) ([]int64, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// queryID returns a single scalar, ok=false on no rows.
func queryID(ctx context.Context, q target.Querier, query string, args ...any) (int64, bool, error) {
	var id int64
	err := q.QueryRowContext(ctx, query, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}
