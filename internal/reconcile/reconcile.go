// Package reconcile holds the targeted repair jobs that run after the bulk
// stages, each fixing one defect class left by earlier, coarser migrations.
// Jobs implement the pipeline stage contract, so they get the same
// transactional boundary, preview mode and reporting as bulk stages, and each
// is independently idempotent: re-running after a successful run reports zero
// additional changes.
package reconcile

import (
	"context"
	"fmt"

	"tradereg/internal/pipeline"
	"tradereg/internal/target"
)

// All returns the reconciliation jobs in their recommended order: category
// re-encoding runs first because the multi-level restructuring job selects on
// the corrected category value.
func All() []pipeline.Stage {
	return []pipeline.Stage{
		&CategoryReencode{},
		&WrongAssociations{},
		&MissingDetailBackfill{},
		&MultiLevelRestructure{},
	}
}

// ByName finds a reconciliation job by its declared name.
func ByName(name string) (pipeline.Stage, error) {
	for _, j := range All() {
		if j.Name() == name {
			return j, nil
		}
	}
	return nil, fmt.Errorf("unknown reconciliation job %q", name)
}

// enrollmentRow is the slice of the enrollments table the jobs operate on.
type enrollmentRow struct {
	ID           int64
	CandidateID  int64
	SeriesID     int64
	LevelID      int64 // zero when NULL
	OccupationID int64
	Category     string
}

// scopedEnrollments loads enrollment aggregates honoring the run scope
// filters. where/args narrow further per job.
func scopedEnrollments(ctx context.Context, sc *pipeline.Context, where string, args ...any) ([]enrollmentRow, error) {
	q := `SELECT e.id, e.candidate_id, e.series_id, COALESCE(e.level_id, 0), c.occupation_id, e.category
		FROM enrollments e
		JOIN candidates c ON c.id = e.candidate_id
		JOIN series s ON s.id = e.series_id`
	if where != "" {
		q += " WHERE " + where
	}
	if sc.Scope.SeriesCode != "" {
		if where == "" {
			q += " WHERE"
		} else {
			q += " AND"
		}
		q += " s.code = ?"
		args = append(args, sc.Scope.SeriesCode)
	}
	if sc.Scope.OccupationCode != "" {
		if where == "" && sc.Scope.SeriesCode == "" {
			q += " WHERE"
		} else {
			q += " AND"
		}
		q += " c.occupation_id IN (SELECT id FROM occupations WHERE code = ?)"
		args = append(args, sc.Scope.OccupationCode)
	}
	q += " ORDER BY e.id"

	rows, err := sc.Tx.QueryContext(ctx, sc.Rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("load enrollments: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []enrollmentRow
	for rows.Next() {
		var e enrollmentRow
		if err := rows.Scan(&e.ID, &e.CandidateID, &e.SeriesID, &e.LevelID, &e.OccupationID, &e.Category); err != nil {
			return nil, fmt.Errorf("scan enrollment: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// queryPairs collects (a, b) int64 pairs from a query.
func queryPairs(ctx context.Context, q target.Querier, query string, args ...any) ([][2]int64, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out [][2]int64
	for rows.Next() {
		var a, b int64
		if err := rows.Scan(&a, &b); err != nil {
			return nil, err
		}
		out = append(out, [2]int64{a, b})
	}
	return out, rows.Err()
}

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

func queryID(ctx context.Context, q target.Querier, query string, args ...any) (int64, bool, error) {
	ids, err := queryIDs(ctx, q, query, args...)
	if err != nil || len(ids) == 0 {
		return 0, false, err
	}
	return ids[0], true, nil
}

// insertLink adds a detail row, ignoring an already-present pair.
func insertLink(ctx context.Context, sc *pipeline.Context, table, leftCol, rightCol string, left, right int64) error {
	q := fmt.Sprintf("INSERT INTO %s (%s, %s) VALUES (?, ?) ON CONFLICT DO NOTHING", table, leftCol, rightCol)
	if _, err := sc.Tx.ExecContext(ctx, sc.Rebind(q), left, right); err != nil {
		return fmt.Errorf("link %s: %w", table, err)
	}
	return nil
}

func countRows(ctx context.Context, sc *pipeline.Context, table, col string, id int64) (int, error) {
	var n int
	q := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = ?", table, col)
	if err := sc.Tx.QueryRowContext(ctx, sc.Rebind(q), id).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}
