package stages

import (
	"context"
	"fmt"

	"tradereg/internal/canonical"
	"tradereg/internal/pipeline"
	"tradereg/internal/resolve"
	"tradereg/internal/target"
)

// Curriculum migrates occupation levels and their modules and papers. These
// legacy tables carried only display names, no business codes, so canonical
// natural keys are synthesized from the parent occupation code plus a name
// slug; the synthesis is deterministic, which is what keeps re-runs
// idempotent. Reference resolution for these types therefore leans on the
// resolver's name tier.
type Curriculum struct{}

func (s *Curriculum) Name() string { return "curriculum" }

func (s *Curriculum) Requires() []canonical.EntityType {
	return []canonical.EntityType{canonical.EntityOccupation}
}

func (s *Curriculum) Run(ctx context.Context, sc *pipeline.Context) error {
	if err := s.levels(ctx, sc); err != nil {
		return err
	}
	if err := s.modules(ctx, sc); err != nil {
		return err
	}
	return s.papers(ctx, sc)
}

func (s *Curriculum) levels(ctx context.Context, sc *pipeline.Context) error {
	rows, err := sc.Reader.All(ctx, "tbl_level", "level_id")
	if err != nil {
		return err
	}
	for _, rec := range rows {
		legacyID, _ := rec.Int64("level_id")
		name := rec.String("level_name")
		occupationID, hasOcc := rec.Int64("occupation_id")
		if name == "" || !hasOcc {
			if err := sc.Observe(pipeline.BranchSkipped, "level missing name or occupation"); err != nil {
				return err
			}
			continue
		}
		occ, err := sc.Resolver.Resolve(ctx, canonical.EntityOccupation, resolve.Ref{LegacyID: occupationID, Table: "tbl_level"})
		if err != nil {
			if err := observeUpsert(sc, target.Result{}, err, "level "+name); err != nil {
				return err
			}
			continue
		}
		occCode, err := codeOf(ctx, sc, canonical.EntityOccupation, occ.CanonicalID)
		if err != nil {
			return err
		}
		rank, _ := rec.Int64("level_rank")
		fields := map[string]any{
			"name":          name,
			"occupation_id": occ.CanonicalID,
			"rank":          rank,
		}
		res, err := sc.Upserter.Upsert(ctx, target.Row{
			Type:        canonical.EntityLevel,
			NaturalKey:  fmt.Sprintf("%s-L%d", occCode, rank),
			PreservedID: legacyID,
			LegacyID:    legacyID,
			Fields:      fields,
		})
		if err := observeUpsert(sc, res, err, fmt.Sprintf("level %s %s", occCode, name)); err != nil {
			return err
		}
		sc.Progress(sc.Report.Processed())
	}
	return nil
}

func (s *Curriculum) modules(ctx context.Context, sc *pipeline.Context) error {
	rows, err := sc.Reader.All(ctx, "tbl_module", "module_id")
	if err != nil {
		return err
	}
	for _, rec := range rows {
		legacyID, _ := rec.Int64("module_id")
		name := rec.String("module_name")
		levelID, hasLevel := rec.Int64("level_id")
		if name == "" || !hasLevel {
			if err := sc.Observe(pipeline.BranchSkipped, "module missing name or level"); err != nil {
				return err
			}
			continue
		}
		lvl, err := sc.Resolver.Resolve(ctx, canonical.EntityLevel, resolve.Ref{LegacyID: levelID, Table: "tbl_module"})
		if err != nil {
			if err := observeUpsert(sc, target.Result{}, err, "module "+name); err != nil {
				return err
			}
			continue
		}
		levelCode, err := codeOf(ctx, sc, canonical.EntityLevel, lvl.CanonicalID)
		if err != nil {
			return err
		}
		occID, _, err := queryID(ctx, sc.Tx, sc.Rebind("SELECT occupation_id FROM levels WHERE id = ?"), lvl.CanonicalID)
		if err != nil {
			return err
		}
		res, err := sc.Upserter.Upsert(ctx, target.Row{
			Type:        canonical.EntityModule,
			NaturalKey:  levelCode + "/M/" + slug(name),
			PreservedID: legacyID,
			LegacyID:    legacyID,
			Fields: map[string]any{
				"name":          name,
				"occupation_id": occID,
				"level_id":      lvl.CanonicalID,
			},
		})
		if err := observeUpsert(sc, res, err, "module "+name); err != nil {
			return err
		}
		sc.Progress(sc.Report.Processed())
	}
	return nil
}

func (s *Curriculum) papers(ctx context.Context, sc *pipeline.Context) error {
	rows, err := sc.Reader.All(ctx, "tbl_paper", "paper_id")
	if err != nil {
		return err
	}
	for _, rec := range rows {
		legacyID, _ := rec.Int64("paper_id")
		name := rec.String("paper_name")
		if name == "" {
			if err := sc.Observe(pipeline.BranchSkipped, "paper missing name"); err != nil {
				return err
			}
			continue
		}
		fields := map[string]any{"name": name}
		var parentCode string
		if moduleID, ok := rec.Int64("module_id"); ok {
			mod, err := sc.Resolver.Resolve(ctx, canonical.EntityModule, resolve.Ref{LegacyID: moduleID, Table: "tbl_paper"})
			if err != nil {
				if err := observeUpsert(sc, target.Result{}, err, "paper "+name); err != nil {
					return err
				}
				continue
			}
			fields["module_id"] = mod.CanonicalID
			parentCode, err = codeOf(ctx, sc, canonical.EntityModule, mod.CanonicalID)
			if err != nil {
				return err
			}
			levelID, _, err := queryID(ctx, sc.Tx, sc.Rebind("SELECT level_id FROM modules WHERE id = ?"), mod.CanonicalID)
			if err != nil {
				return err
			}
			fields["level_id"] = levelID
		} else if levelID, ok := rec.Int64("level_id"); ok {
			lvl, err := sc.Resolver.Resolve(ctx, canonical.EntityLevel, resolve.Ref{LegacyID: levelID, Table: "tbl_paper"})
			if err != nil {
				if err := observeUpsert(sc, target.Result{}, err, "paper "+name); err != nil {
					return err
				}
				continue
			}
			fields["level_id"] = lvl.CanonicalID
			parentCode, err = codeOf(ctx, sc, canonical.EntityLevel, lvl.CanonicalID)
			if err != nil {
				return err
			}
		} else {
			if err := sc.Observe(pipeline.BranchSkipped, "paper "+name+" has no module or level parent"); err != nil {
				return err
			}
			continue
		}
		res, err := sc.Upserter.Upsert(ctx, target.Row{
			Type:        canonical.EntityPaper,
			NaturalKey:  parentCode + "/P/" + slug(name),
			PreservedID: legacyID,
			LegacyID:    legacyID,
			Fields:      fields,
		})
		if err := observeUpsert(sc, res, err, "paper "+name); err != nil {
			return err
		}
		sc.Progress(sc.Report.Processed())
	}
	return nil
}
