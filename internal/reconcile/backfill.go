package reconcile

import (
	"context"
	"fmt"

	"tradereg/internal/canonical"
	"tradereg/internal/pipeline"
)

// MissingDetailBackfill populates module and paper selections for formal
// enrollments that carry none. Formal participation implies the complete
// curriculum of the enrolled level, but the first migration only created the
// aggregates and left the detail tables empty.
type MissingDetailBackfill struct{}

func (j *MissingDetailBackfill) Name() string { return "detail-backfill" }

func (j *MissingDetailBackfill) Requires() []canonical.EntityType { return nil }

func (j *MissingDetailBackfill) Run(ctx context.Context, sc *pipeline.Context) error {
	enrolls, err := scopedEnrollments(ctx, sc, "e.category = ? AND e.level_id IS NOT NULL", string(canonical.CategoryFormal))
	if err != nil {
		return err
	}
	for _, e := range enrolls {
		if err := j.backfill(ctx, sc, e); err != nil {
			return err
		}
		sc.Progress(sc.Report.Processed())
	}
	return nil
}

func (j *MissingDetailBackfill) backfill(ctx context.Context, sc *pipeline.Context, e enrollmentRow) error {
	mods, err := countRows(ctx, sc, "enrollment_modules", "enrollment_id", e.ID)
	if err != nil {
		return sc.Observe(pipeline.BranchErrored, err.Error())
	}
	paps, err := countRows(ctx, sc, "enrollment_papers", "enrollment_id", e.ID)
	if err != nil {
		return sc.Observe(pipeline.BranchErrored, err.Error())
	}
	// Any existing selection means a deliberate (or already repaired) state;
	// only the fully empty case is safe to derive from the level.
	if mods > 0 || paps > 0 {
		return sc.Observe(pipeline.BranchUnchanged, "")
	}

	modules, err := queryIDs(ctx, sc.Tx, sc.Rebind("SELECT id FROM modules WHERE level_id = ? ORDER BY id"), e.LevelID)
	if err != nil {
		return sc.Observe(pipeline.BranchErrored, err.Error())
	}
	papers, err := queryIDs(ctx, sc.Tx, sc.Rebind("SELECT id FROM papers WHERE level_id = ? ORDER BY id"), e.LevelID)
	if err != nil {
		return sc.Observe(pipeline.BranchErrored, err.Error())
	}
	if len(modules) == 0 && len(papers) == 0 {
		return sc.Observe(pipeline.BranchSkipped,
			fmt.Sprintf("enrollment %d: level %d defines no modules or papers", e.ID, e.LevelID))
	}

	for _, moduleID := range modules {
		if err := insertLink(ctx, sc, "enrollment_modules", "enrollment_id", "module_id", e.ID, moduleID); err != nil {
			return sc.Observe(pipeline.BranchErrored, err.Error())
		}
	}
	for _, paperID := range papers {
		if err := insertLink(ctx, sc, "enrollment_papers", "enrollment_id", "paper_id", e.ID, paperID); err != nil {
			return sc.Observe(pipeline.BranchErrored, err.Error())
		}
	}
	return sc.Observe(pipeline.BranchUpdated,
		fmt.Sprintf("enrollment %d: backfilled %d modules and %d papers from level %d", e.ID, len(modules), len(papers), e.LevelID))
}
