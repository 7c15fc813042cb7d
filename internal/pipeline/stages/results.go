package stages

import (
	"context"
	"fmt"

	"tradereg/internal/canonical"
	"tradereg/internal/pipeline"
	"tradereg/internal/resolve"
	"tradereg/internal/target"
)

// Results migrates assessment results. A legacy result row references the
// candidate, series and paper directly; the canonical schema hangs results
// off the enrollment aggregate, so each row is re-homed by finding the
// candidate's aggregate in that series, disambiguated by the paper's level
// when a Worker's-PAS candidate holds one aggregate per level.
type Results struct{}

func (s *Results) Name() string { return "results" }

func (s *Results) Requires() []canonical.EntityType {
	return []canonical.EntityType{canonical.EntityCandidate, canonical.EntitySeries, canonical.EntityEnrollment}
}

func (s *Results) Run(ctx context.Context, sc *pipeline.Context) error {
	rows, err := sc.Reader.All(ctx, "tbl_result", "result_id")
	if err != nil {
		return err
	}
	scopedSeries, seriesScoped, err := scopedSeriesID(ctx, sc)
	if err != nil {
		return err
	}
	for _, rec := range rows {
		legacyID, _ := rec.Int64("result_id")
		candLegacy, okC := rec.Int64("candidate_id")
		seriesLegacy, okS := rec.Int64("series_id")
		paperLegacy, okP := rec.Int64("paper_id")
		if !okC || !okS || !okP {
			if err := sc.Observe(pipeline.BranchSkipped, "result missing candidate, series or paper"); err != nil {
				return err
			}
			continue
		}
		cand, ok := sc.Mappings.Get(canonical.EntityCandidate, candLegacy)
		if !ok {
			if err := sc.Observe(pipeline.BranchUnresolved, fmt.Sprintf("result candidate legacy id %d unmapped", candLegacy)); err != nil {
				return err
			}
			continue
		}
		series, ok := sc.Mappings.Get(canonical.EntitySeries, seriesLegacy)
		if !ok {
			if err := sc.Observe(pipeline.BranchUnresolved, fmt.Sprintf("result series legacy id %d unmapped", seriesLegacy)); err != nil {
				return err
			}
			continue
		}
		if seriesScoped && series != scopedSeries {
			continue
		}
		paper, err := sc.Resolver.Resolve(ctx, canonical.EntityPaper, resolve.Ref{LegacyID: paperLegacy, Table: "tbl_result"})
		if err != nil {
			if err := observeUpsert(sc, target.Result{}, err, "result"); err != nil {
				return err
			}
			continue
		}

		enrollmentID, found, err := s.findEnrollment(ctx, sc, cand, series, paper.CanonicalID)
		if err != nil {
			return err
		}
		if !found {
			if err := sc.Observe(pipeline.BranchUnresolved, fmt.Sprintf("result %d: no enrollment for candidate %d in series %d", legacyID, cand, series)); err != nil {
				return err
			}
			continue
		}

		fields := map[string]any{
			"enrollment_id": enrollmentID,
			"paper_id":      paper.CanonicalID,
			"grade":         rec.String("grade"),
		}
		if marks, ok := rec.Float64("marks"); ok {
			fields["marks"] = marks
		}
		res, err := sc.Upserter.Upsert(ctx, target.Row{
			Type:        canonical.EntityResult,
			NaturalKey:  canonical.ResultKey(enrollmentID, paper.CanonicalID),
			PreservedID: legacyID,
			LegacyID:    legacyID,
			Fields:      fields,
		})
		if err := observeUpsert(sc, res, err, fmt.Sprintf("result enrollment %d paper %d", enrollmentID, paper.CanonicalID)); err != nil {
			return err
		}
		sc.Progress(sc.Report.Processed())
	}
	return nil
}

// findEnrollment locates the aggregate a result belongs to. When the
// candidate holds several aggregates in the series (one per level), the
// paper's level picks the right one.
func (s *Results) findEnrollment(ctx context.Context, sc *pipeline.Context, cand, series, paperID int64) (int64, bool, error) {
	ids, err := queryIDs(ctx, sc.Tx,
		sc.Rebind("SELECT id FROM enrollments WHERE candidate_id = ? AND series_id = ? ORDER BY id"), cand, series)
	if err != nil {
		return 0, false, err
	}
	switch len(ids) {
	case 0:
		return 0, false, nil
	case 1:
		return ids[0], true, nil
	}
	paperLevel, hasLevel, err := queryID(ctx, sc.Tx, sc.Rebind("SELECT level_id FROM papers WHERE id = ? AND level_id IS NOT NULL"), paperID)
	if err != nil {
		return 0, false, err
	}
	if hasLevel {
		id, ok, err := queryID(ctx, sc.Tx,
			sc.Rebind("SELECT id FROM enrollments WHERE candidate_id = ? AND series_id = ? AND level_id = ?"), cand, series, paperLevel)
		if err != nil {
			return 0, false, err
		}
		if ok {
			return id, true, nil
		}
	}
	// Ambiguous without a level; take the earliest aggregate deterministically.
	return ids[0], true, nil
}
