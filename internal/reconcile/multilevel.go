package reconcile

import (
	"context"
	"fmt"
	"sort"

	"tradereg/internal/canonical"
	"tradereg/internal/pipeline"
	"tradereg/internal/target"
)

// MultiLevelRestructure splits flattened Worker's-PAS aggregates into one
// aggregate per level. The first migration collapsed a candidate's whole
// series participation into a single level-less enrollment; here the module
// selections are bucketed by their module's level, each bucket gets its own
// aggregate, results follow their paper's level, and the level-less row is
// dropped once empty.
type MultiLevelRestructure struct{}

func (j *MultiLevelRestructure) Name() string { return "multilevel-split" }

func (j *MultiLevelRestructure) Requires() []canonical.EntityType { return nil }

func (j *MultiLevelRestructure) Run(ctx context.Context, sc *pipeline.Context) error {
	enrolls, err := scopedEnrollments(ctx, sc, "e.category = ? AND e.level_id IS NULL", string(canonical.CategoryWorkersPAS))
	if err != nil {
		return err
	}
	for _, e := range enrolls {
		if err := j.split(ctx, sc, e); err != nil {
			return err
		}
		sc.Progress(sc.Report.Processed())
	}
	return nil
}

func (j *MultiLevelRestructure) split(ctx context.Context, sc *pipeline.Context, e enrollmentRow) error {
	modules, err := queryPairs(ctx, sc.Tx, sc.Rebind(
		`SELECT em.module_id, COALESCE(m.level_id, 0)
		FROM enrollment_modules em
		JOIN modules m ON m.id = em.module_id
		WHERE em.enrollment_id = ?
		ORDER BY em.module_id`), e.ID)
	if err != nil {
		return sc.Observe(pipeline.BranchErrored, err.Error())
	}
	if len(modules) == 0 {
		return sc.Observe(pipeline.BranchSkipped,
			fmt.Sprintf("enrollment %d: no module selections to derive levels from", e.ID))
	}

	byLevel := make(map[int64][]int64)
	for _, pair := range modules {
		moduleID, level := pair[0], pair[1]
		if level == 0 {
			return sc.Observe(pipeline.BranchUnresolved,
				fmt.Sprintf("enrollment %d: module %d has no level, cannot place it", e.ID, moduleID))
		}
		byLevel[level] = append(byLevel[level], moduleID)
	}
	levels := make([]int64, 0, len(byLevel))
	for l := range byLevel {
		levels = append(levels, l)
	}
	sort.Slice(levels, func(i, k int) bool { return levels[i] < levels[k] })

	// One aggregate per level; the natural key makes this converge with any
	// aggregate that already exists for (candidate, series, level).
	homes := make(map[int64]int64, len(levels))
	for _, level := range levels {
		res, err := sc.Upserter.Upsert(ctx, target.Row{
			Type:       canonical.EntityEnrollment,
			NaturalKey: canonical.EnrollmentKey(e.CandidateID, e.SeriesID, level),
			Fields: map[string]any{
				"candidate_id": e.CandidateID,
				"series_id":    e.SeriesID,
				"level_id":     level,
				"category":     string(canonical.CategoryWorkersPAS),
			},
		})
		if err != nil {
			return sc.Observe(pipeline.BranchErrored, err.Error())
		}
		homes[level] = res.ID
		branch := pipeline.BranchUnchanged
		if res.Created {
			branch = pipeline.BranchCreated
		} else if res.Updated {
			branch = pipeline.BranchUpdated
		}
		if err := sc.Observe(branch,
			fmt.Sprintf("enrollment %d: level %d aggregate for candidate %d series %d", res.ID, level, e.CandidateID, e.SeriesID)); err != nil {
			return err
		}
	}

	for _, level := range levels {
		for _, moduleID := range byLevel[level] {
			if _, err := sc.Tx.ExecContext(ctx,
				sc.Rebind("DELETE FROM enrollment_modules WHERE enrollment_id = ? AND module_id = ?"), e.ID, moduleID); err != nil {
				return sc.Observe(pipeline.BranchErrored, fmt.Sprintf("move module link: %v", err))
			}
			if err := insertLink(ctx, sc, "enrollment_modules", "enrollment_id", "module_id", homes[level], moduleID); err != nil {
				return sc.Observe(pipeline.BranchErrored, err.Error())
			}
		}
	}
	if err := j.movePapers(ctx, sc, e, homes, levels[0]); err != nil {
		return sc.Observe(pipeline.BranchErrored, err.Error())
	}
	if err := j.moveResults(ctx, sc, e, homes, levels[0]); err != nil {
		return sc.Observe(pipeline.BranchErrored, err.Error())
	}

	if _, err := sc.Tx.ExecContext(ctx, sc.Rebind("DELETE FROM enrollments WHERE id = ?"), e.ID); err != nil {
		return sc.Observe(pipeline.BranchErrored, fmt.Sprintf("drop flattened aggregate: %v", err))
	}
	return sc.Observe(pipeline.BranchRemoved,
		fmt.Sprintf("enrollment %d: flattened aggregate split across levels %v", e.ID, levels))
}

// movePapers re-homes paper selections by the paper's level. A paper without
// a direct level inherits its module's, and one with neither lands on the
// lowest level so nothing is silently dropped.
func (j *MultiLevelRestructure) movePapers(ctx context.Context, sc *pipeline.Context, e enrollmentRow, homes map[int64]int64, fallback int64) error {
	papers, err := queryPairs(ctx, sc.Tx, sc.Rebind(
		`SELECT ep.paper_id, COALESCE(p.level_id, m.level_id, 0)
		FROM enrollment_papers ep
		JOIN papers p ON p.id = ep.paper_id
		LEFT JOIN modules m ON m.id = p.module_id
		WHERE ep.enrollment_id = ?
		ORDER BY ep.paper_id`), e.ID)
	if err != nil {
		return err
	}
	for _, pair := range papers {
		paperID, level := pair[0], pair[1]
		home, ok := homes[level]
		if !ok {
			home = homes[fallback]
		}
		if _, err := sc.Tx.ExecContext(ctx,
			sc.Rebind("DELETE FROM enrollment_papers WHERE enrollment_id = ? AND paper_id = ?"), e.ID, paperID); err != nil {
			return fmt.Errorf("move paper link: %w", err)
		}
		if err := insertLink(ctx, sc, "enrollment_papers", "enrollment_id", "paper_id", home, paperID); err != nil {
			return err
		}
	}
	return nil
}

// moveResults re-attaches results of the flattened aggregate to the per-level
// one matching their paper, rewriting the natural key alongside.
func (j *MultiLevelRestructure) moveResults(ctx context.Context, sc *pipeline.Context, e enrollmentRow, homes map[int64]int64, fallback int64) error {
	rows, err := sc.Tx.QueryContext(ctx, sc.Rebind(
		`SELECT r.id, r.paper_id, COALESCE(p.level_id, 0)
		FROM results r
		JOIN papers p ON p.id = r.paper_id
		WHERE r.enrollment_id = ?
		ORDER BY r.id`), e.ID)
	if err != nil {
		return fmt.Errorf("load results: %w", err)
	}
	type moved struct{ id, paper, level int64 }
	var results []moved
	for rows.Next() {
		var m moved
		if err := rows.Scan(&m.id, &m.paper, &m.level); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scan result: %w", err)
		}
		results = append(results, m)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	for _, m := range results {
		home, ok := homes[m.level]
		if !ok {
			home = homes[fallback]
		}
		if _, err := sc.Tx.ExecContext(ctx,
			sc.Rebind("UPDATE results SET enrollment_id = ?, rkey = ? WHERE id = ?"),
			home, canonical.ResultKey(home, m.paper), m.id); err != nil {
			return fmt.Errorf("re-home result %d: %w", m.id, err)
		}
	}
	return nil
}
