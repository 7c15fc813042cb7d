package stages

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"tradereg/internal/canonical"
	"tradereg/internal/legacy"
	"tradereg/internal/pipeline"
	"tradereg/internal/resolve"
	"tradereg/internal/target"
)

// Enrollments migrates candidate participation, split by category. The legacy
// table records level/module/paper selections as sibling rows without an
// explicit enrollment grouping key, so rows are grouped by (candidate,
// series) here and shaped per category:
//
//   - formal: one aggregate scoped to the candidate's level; papers are
//     implied by the level (the backfill job populates them).
//   - modular: one aggregate carrying the explicitly selected modules.
//   - workers_pas: the bulk pass keeps the flattened single aggregate the
//     first migration produced; the multi-level restructuring job splits it
//     into one aggregate per level afterwards.
type Enrollments struct{}

func (s *Enrollments) Name() string { return "enrollments" }

func (s *Enrollments) Requires() []canonical.EntityType {
	return []canonical.EntityType{canonical.EntityCandidate, canonical.EntitySeries}
}

type enrollGroup struct {
	candidateLegacy int64
	seriesLegacy    int64
	rows            []legacy.Record
}

func (s *Enrollments) Run(ctx context.Context, sc *pipeline.Context) error {
	rows, err := sc.Reader.All(ctx, "tbl_enrollment", "enroll_id")
	if err != nil {
		return err
	}
	scopedSeries, seriesScoped, err := scopedSeriesID(ctx, sc)
	if err != nil {
		return err
	}

	groups := groupEnrollments(rows)
	for _, g := range groups {
		cand, ok := sc.Mappings.Get(canonical.EntityCandidate, g.candidateLegacy)
		if !ok {
			if err := sc.Observe(pipeline.BranchUnresolved, fmt.Sprintf("enrollment candidate legacy id %d unmapped", g.candidateLegacy)); err != nil {
				return err
			}
			continue
		}
		series, ok := sc.Mappings.Get(canonical.EntitySeries, g.seriesLegacy)
		if !ok {
			if err := sc.Observe(pipeline.BranchUnresolved, fmt.Sprintf("enrollment series legacy id %d unmapped", g.seriesLegacy)); err != nil {
				return err
			}
			continue
		}
		if seriesScoped && series != scopedSeries {
			continue
		}

		rawCategory := firstCategory(g.rows)
		category, ok := sc.Categories.Normalize(rawCategory)
		if !ok {
			if err := sc.Observe(pipeline.BranchUnresolved, fmt.Sprintf("enrollment category %q for candidate %d series %d not in lookup table", rawCategory, cand, series)); err != nil {
				return err
			}
			continue
		}

		var runErr error
		switch category {
		case canonical.CategoryWorkersPAS:
			runErr = s.workersPAS(ctx, sc, g, cand, series)
		case canonical.CategoryModular:
			runErr = s.modular(ctx, sc, g, cand, series)
		default:
			runErr = s.formal(ctx, sc, g, cand, series)
		}
		if runErr != nil {
			return runErr
		}
		sc.Progress(sc.Report.Processed())
	}
	return nil
}

// groupEnrollments clusters sibling rows by (candidate, series), preserving
// first-seen order so re-runs are deterministic.
func groupEnrollments(rows []legacy.Record) []enrollGroup {
	byKey := make(map[[2]int64]int)
	var groups []enrollGroup
	for _, rec := range rows {
		cand, okC := rec.Int64("candidate_id")
		series, okS := rec.Int64("series_id")
		if !okC || !okS {
			continue
		}
		key := [2]int64{cand, series}
		idx, ok := byKey[key]
		if !ok {
			idx = len(groups)
			byKey[key] = idx
			groups = append(groups, enrollGroup{candidateLegacy: cand, seriesLegacy: series})
		}
		groups[idx].rows = append(groups[idx].rows, rec)
	}
	return groups
}

func firstCategory(rows []legacy.Record) string {
	for _, rec := range rows {
		if v := rec.String("category"); v != "" {
			return v
		}
	}
	return ""
}

func (s *Enrollments) formal(ctx context.Context, sc *pipeline.Context, g enrollGroup, cand, series int64) error {
	var levelID int64
	for _, rec := range g.rows {
		legacyLevel, ok := rec.Int64("level_id")
		if !ok {
			continue
		}
		r, err := sc.Resolver.Resolve(ctx, canonical.EntityLevel, resolve.Ref{LegacyID: legacyLevel, Table: "tbl_enrollment"})
		if err != nil {
			return observeUpsert(sc, target.Result{}, err, "formal enrollment")
		}
		levelID = r.CanonicalID
		break
	}
	res, err := s.upsertAggregate(ctx, sc, cand, series, levelID, canonical.CategoryFormal)
	if oerr := observeUpsert(sc, res, err, fmt.Sprintf("formal enrollment candidate %d series %d", cand, series)); oerr != nil {
		return oerr
	}
	if err != nil {
		return nil
	}
	return s.recordRows(sc, g, res.ID)
}

func (s *Enrollments) modular(ctx context.Context, sc *pipeline.Context, g enrollGroup, cand, series int64) error {
	modules, unresolved, err := s.resolveModules(ctx, sc, g.rows)
	if err != nil {
		return err
	}
	if unresolved != nil {
		return observeUpsert(sc, target.Result{}, unresolved, "modular enrollment")
	}
	if len(modules) == 0 {
		return sc.Observe(pipeline.BranchSkipped, fmt.Sprintf("modular enrollment candidate %d series %d has no module rows", cand, series))
	}
	levelID, _, err := queryID(ctx, sc.Tx, sc.Rebind("SELECT COALESCE(level_id, 0) FROM modules WHERE id = ?"), modules[0])
	if err != nil {
		return err
	}
	res, err := s.upsertAggregate(ctx, sc, cand, series, levelID, canonical.CategoryModular)
	if err := observeUpsert(sc, res, err, fmt.Sprintf("modular enrollment candidate %d series %d", cand, series)); err != nil {
		return err
	}
	if err != nil {
		return nil
	}
	for _, moduleID := range modules {
		if err := linkDetail(ctx, sc, "enrollment_modules", "enrollment_id", "module_id", res.ID, moduleID); err != nil {
			return sc.Observe(pipeline.BranchErrored, err.Error())
		}
	}
	return s.recordRows(sc, g, res.ID)
}

func (s *Enrollments) workersPAS(ctx context.Context, sc *pipeline.Context, g enrollGroup, cand, series int64) error {
	// If the restructuring job already split this association into per-level
	// aggregates, re-creating the flattened one would undo the repair.
	split, err := queryIDs(ctx, sc.Tx,
		sc.Rebind("SELECT id FROM enrollments WHERE candidate_id = ? AND series_id = ? AND level_id IS NOT NULL AND category = ?"),
		cand, series, string(canonical.CategoryWorkersPAS))
	if err != nil {
		return err
	}
	if len(split) > 0 {
		if err := sc.Observe(pipeline.BranchUnchanged, fmt.Sprintf("workers_pas candidate %d series %d already restructured", cand, series)); err != nil {
			return err
		}
		return s.recordRows(sc, g, split[0])
	}

	modules, unresolved, err := s.resolveModules(ctx, sc, g.rows)
	if err != nil {
		return err
	}
	if unresolved != nil {
		return observeUpsert(sc, target.Result{}, unresolved, "workers_pas enrollment")
	}
	res, err := s.upsertAggregate(ctx, sc, cand, series, 0, canonical.CategoryWorkersPAS)
	if err := observeUpsert(sc, res, err, fmt.Sprintf("workers_pas enrollment candidate %d series %d", cand, series)); err != nil {
		return err
	}
	if err != nil {
		return nil
	}
	for _, moduleID := range modules {
		if err := linkDetail(ctx, sc, "enrollment_modules", "enrollment_id", "module_id", res.ID, moduleID); err != nil {
			return sc.Observe(pipeline.BranchErrored, err.Error())
		}
	}
	return s.recordRows(sc, g, res.ID)
}

// recordRows maps every legacy selection row of the group onto the aggregate
// it folded into, so later passes can trace provenance and downstream stages
// can gate on the enrollment mapping table existing.
func (s *Enrollments) recordRows(sc *pipeline.Context, g enrollGroup, aggregateID int64) error {
	for _, rec := range g.rows {
		legacyID, ok := rec.Int64("enroll_id")
		if !ok {
			continue
		}
		// A row mapped on an earlier pass keeps its entry. The restructuring
		// job may have replaced the original aggregate since then, and
		// re-pointing provenance would conflict with the durable table.
		if _, mapped := sc.Mappings.Get(canonical.EntityEnrollment, legacyID); mapped {
			continue
		}
		if err := sc.Mappings.Put(canonical.EntityEnrollment, legacyID, aggregateID); err != nil {
			return sc.Observe(pipeline.BranchErrored, err.Error())
		}
	}
	return nil
}

// resolveModules resolves every module selection row of a group, dropping
// duplicates and keeping a stable order. An unresolved module aborts the
// whole group (second return) rather than migrating a partial selection.
func (s *Enrollments) resolveModules(ctx context.Context, sc *pipeline.Context, rows []legacy.Record) ([]int64, error, error) {
	seen := make(map[int64]struct{})
	var modules []int64
	for _, rec := range rows {
		legacyModule, ok := rec.Int64("module_id")
		if !ok {
			continue
		}
		r, err := sc.Resolver.Resolve(ctx, canonical.EntityModule, resolve.Ref{LegacyID: legacyModule, Table: "tbl_enrollment"})
		if err != nil {
			if isUnresolved(err) {
				return nil, err, nil
			}
			return nil, nil, err
		}
		if _, dup := seen[r.CanonicalID]; dup {
			continue
		}
		seen[r.CanonicalID] = struct{}{}
		modules = append(modules, r.CanonicalID)
	}
	sort.Slice(modules, func(i, j int) bool { return modules[i] < modules[j] })
	return modules, nil, nil
}

// upsertAggregate writes one canonical enrollment aggregate. levelID zero
// means "no level scope" and is stored as NULL.
func (s *Enrollments) upsertAggregate(ctx context.Context, sc *pipeline.Context, cand, series, levelID int64, category canonical.Category) (target.Result, error) {
	fields := map[string]any{
		"candidate_id": cand,
		"series_id":    series,
		"category":     string(category),
	}
	if levelID != 0 {
		fields["level_id"] = levelID
	} else {
		fields["level_id"] = nil
	}
	return sc.Upserter.Upsert(ctx, target.Row{
		Type:       canonical.EntityEnrollment,
		NaturalKey: canonical.EnrollmentKey(cand, series, levelID),
		Fields:     fields,
	})
}

func isUnresolved(err error) bool {
	var unres *resolve.UnresolvedError
	return errors.As(err, &unres)
}
