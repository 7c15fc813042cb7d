package reconcile

import (
	"context"
	"fmt"

	"tradereg/internal/canonical"
	"tradereg/internal/pipeline"
)

// WrongAssociations removes module and paper selections attached to an
// enrollment whose subject belongs to a different occupation than the
// candidate's. Earlier migrations joined selections on bare names, which
// crossed occupations whenever two occupations shared a module title.
type WrongAssociations struct{}

func (j *WrongAssociations) Name() string { return "association-cleanup" }

func (j *WrongAssociations) Requires() []canonical.EntityType { return nil }

func (j *WrongAssociations) Run(ctx context.Context, sc *pipeline.Context) error {
	enrolls, err := scopedEnrollments(ctx, sc, "")
	if err != nil {
		return err
	}
	for _, e := range enrolls {
		removed, err := j.clean(ctx, sc, e)
		if err != nil {
			if oerr := sc.Observe(pipeline.BranchErrored, err.Error()); oerr != nil {
				return oerr
			}
			continue
		}
		if removed == 0 {
			if err := sc.Observe(pipeline.BranchUnchanged, ""); err != nil {
				return err
			}
		}
		sc.Progress(sc.Report.Processed())
	}
	return nil
}

// clean drops cross-occupation selections of one enrollment, counting each
// removal. Selections matching the candidate's occupation are left alone.
func (j *WrongAssociations) clean(ctx context.Context, sc *pipeline.Context, e enrollmentRow) (int, error) {
	removed := 0

	modules, err := queryPairs(ctx, sc.Tx, sc.Rebind(
		`SELECT em.module_id, m.occupation_id
		FROM enrollment_modules em
		JOIN modules m ON m.id = em.module_id
		WHERE em.enrollment_id = ?
		ORDER BY em.module_id`), e.ID)
	if err != nil {
		return removed, err
	}
	for _, pair := range modules {
		moduleID, occ := pair[0], pair[1]
		if occ == e.OccupationID {
			continue
		}
		if _, err := sc.Tx.ExecContext(ctx,
			sc.Rebind("DELETE FROM enrollment_modules WHERE enrollment_id = ? AND module_id = ?"), e.ID, moduleID); err != nil {
			return removed, fmt.Errorf("remove module link: %w", err)
		}
		removed++
		if err := sc.Observe(pipeline.BranchRemoved,
			fmt.Sprintf("enrollment %d: module %d belongs to occupation %d, candidate is in %d", e.ID, moduleID, occ, e.OccupationID)); err != nil {
			return removed, err
		}
	}

	// Papers without a level are occupation-neutral and stay.
	papers, err := queryPairs(ctx, sc.Tx, sc.Rebind(
		`SELECT ep.paper_id, l.occupation_id
		FROM enrollment_papers ep
		JOIN papers p ON p.id = ep.paper_id
		JOIN levels l ON l.id = p.level_id
		WHERE ep.enrollment_id = ?
		ORDER BY ep.paper_id`), e.ID)
	if err != nil {
		return removed, err
	}
	for _, pair := range papers {
		paperID, occ := pair[0], pair[1]
		if occ == e.OccupationID {
			continue
		}
		if _, err := sc.Tx.ExecContext(ctx,
			sc.Rebind("DELETE FROM enrollment_papers WHERE enrollment_id = ? AND paper_id = ?"), e.ID, paperID); err != nil {
			return removed, fmt.Errorf("remove paper link: %w", err)
		}
		removed++
		if err := sc.Observe(pipeline.BranchRemoved,
			fmt.Sprintf("enrollment %d: paper %d belongs to occupation %d, candidate is in %d", e.ID, paperID, occ, e.OccupationID)); err != nil {
			return removed, err
		}
	}
	return removed, nil
}
