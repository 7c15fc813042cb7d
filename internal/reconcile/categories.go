package reconcile

import (
	"context"
	"fmt"

	"tradereg/internal/canonical"
	"tradereg/internal/pipeline"
)

// CategoryReencode rewrites enrollment category values that are not part of
// the target enumeration. The legacy system stored categories as free text
// and numeric codes interchangeably; the lookup table decides, never a guess,
// so unmapped values are reported and left untouched.
type CategoryReencode struct{}

func (j *CategoryReencode) Name() string { return "category-reencode" }

func (j *CategoryReencode) Requires() []canonical.EntityType { return nil }

func (j *CategoryReencode) Run(ctx context.Context, sc *pipeline.Context) error {
	enrolls, err := scopedEnrollments(ctx, sc, "")
	if err != nil {
		return err
	}
	for _, e := range enrolls {
		if canonical.ValidCategory(e.Category) {
			if err := sc.Observe(pipeline.BranchUnchanged, ""); err != nil {
				return err
			}
			continue
		}
		cat, ok := sc.Categories.Normalize(e.Category)
		if !ok {
			if err := sc.Observe(pipeline.BranchUnresolved,
				fmt.Sprintf("enrollment %d: category %q not in lookup table", e.ID, e.Category)); err != nil {
				return err
			}
			continue
		}
		if _, err := sc.Tx.ExecContext(ctx,
			sc.Rebind("UPDATE enrollments SET category = ? WHERE id = ?"), string(cat), e.ID); err != nil {
			if oerr := sc.Observe(pipeline.BranchErrored, fmt.Sprintf("enrollment %d: %v", e.ID, err)); oerr != nil {
				return oerr
			}
			continue
		}
		if err := sc.Observe(pipeline.BranchUpdated,
			fmt.Sprintf("enrollment %d: category %q re-encoded as %s", e.ID, e.Category, cat)); err != nil {
			return err
		}
		sc.Progress(sc.Report.Processed())
	}
	return nil
}
