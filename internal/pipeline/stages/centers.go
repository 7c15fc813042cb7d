package stages

import (
	"context"

	"tradereg/internal/canonical"
	"tradereg/internal/pipeline"
	"tradereg/internal/resolve"
	"tradereg/internal/target"
)

// Centers migrates assessment centers and their branches.
type Centers struct{}

func (s *Centers) Name() string { return "centers" }

func (s *Centers) Requires() []canonical.EntityType {
	return []canonical.EntityType{canonical.EntityDistrict}
}

func (s *Centers) Run(ctx context.Context, sc *pipeline.Context) error {
	centers, err := sc.Reader.All(ctx, "tbl_center", "center_id")
	if err != nil {
		return err
	}
	for _, rec := range centers {
		legacyID, _ := rec.Int64("center_id")
		code := resolve.NormalizeCode(rec.String("center_code"), nil)
		name := rec.String("center_name")
		if code == "" || name == "" {
			if err := sc.Observe(pipeline.BranchSkipped, "center missing code or name"); err != nil {
				return err
			}
			continue
		}
		fields := map[string]any{"name": name}
		if districtID, ok := rec.Int64("district_id"); ok {
			r, err := sc.Resolver.Resolve(ctx, canonical.EntityDistrict, resolve.Ref{LegacyID: districtID, Table: "tbl_center"})
			if err != nil {
				if err := observeUpsert(sc, target.Result{}, err, "center "+code); err != nil {
					return err
				}
				continue
			}
			fields["district_id"] = r.CanonicalID
		}
		res, err := sc.Upserter.Upsert(ctx, target.Row{
			Type:        canonical.EntityCenter,
			NaturalKey:  code,
			PreservedID: legacyID,
			LegacyID:    legacyID,
			Fields:      fields,
		})
		if err := observeUpsert(sc, res, err, "center "+code); err != nil {
			return err
		}
		sc.Progress(sc.Report.Processed())
	}

	branches, err := sc.Reader.All(ctx, "tbl_branch", "branch_id")
	if err != nil {
		return err
	}
	for _, rec := range branches {
		legacyID, _ := rec.Int64("branch_id")
		code := resolve.NormalizeCode(rec.String("branch_code"), nil)
		name := rec.String("branch_name")
		centerID, hasCenter := rec.Int64("center_id")
		if code == "" || name == "" || !hasCenter {
			if err := sc.Observe(pipeline.BranchSkipped, "branch missing code, name or center"); err != nil {
				return err
			}
			continue
		}
		r, err := sc.Resolver.Resolve(ctx, canonical.EntityCenter, resolve.Ref{LegacyID: centerID, Table: "tbl_branch"})
		if err != nil {
			if err := observeUpsert(sc, target.Result{}, err, "branch "+code); err != nil {
				return err
			}
			continue
		}
		res, err := sc.Upserter.Upsert(ctx, target.Row{
			Type:        canonical.EntityBranch,
			NaturalKey:  code,
			PreservedID: legacyID,
			LegacyID:    legacyID,
			Fields:      map[string]any{"name": name, "center_id": r.CanonicalID},
		})
		if err := observeUpsert(sc, res, err, "branch "+code); err != nil {
			return err
		}
		sc.Progress(sc.Report.Processed())
	}
	return nil
}
