package stages

import (
	"context"

	"tradereg/internal/canonical"
	"tradereg/internal/pipeline"
	"tradereg/internal/resolve"
	"tradereg/internal/target"
)

// Geography migrates districts and their villages. No prerequisites; this is
// the first stage of every full run.
type Geography struct{}

func (s *Geography) Name() string { return "geography" }

func (s *Geography) Requires() []canonical.EntityType { return nil }

func (s *Geography) Run(ctx context.Context, sc *pipeline.Context) error {
	districts, err := sc.Reader.All(ctx, "tbl_district", "district_id")
	if err != nil {
		return err
	}
	for _, rec := range districts {
		legacyID, _ := rec.Int64("district_id")
		code := resolve.NormalizeCode(rec.String("district_code"), nil)
		name := rec.String("district_name")
		if code == "" || name == "" {
			if err := sc.Observe(pipeline.BranchSkipped, "district missing code or name"); err != nil {
				return err
			}
			continue
		}
		res, err := sc.Upserter.Upsert(ctx, target.Row{
			Type:        canonical.EntityDistrict,
			NaturalKey:  code,
			PreservedID: legacyID,
			LegacyID:    legacyID,
			Fields:      map[string]any{"name": name},
		})
		if err := observeUpsert(sc, res, err, "district "+code); err != nil {
			return err
		}
		sc.Progress(sc.Report.Processed())
	}

	villages, err := sc.Reader.All(ctx, "tbl_village", "village_id")
	if err != nil {
		return err
	}
	for _, rec := range villages {
		legacyID, _ := rec.Int64("village_id")
		code := resolve.NormalizeCode(rec.String("village_code"), nil)
		name := rec.String("village_name")
		if code == "" || name == "" {
			if err := sc.Observe(pipeline.BranchSkipped, "village missing code or name"); err != nil {
				return err
			}
			continue
		}
		fields := map[string]any{"name": name}
		if districtID, ok := rec.Int64("district_id"); ok {
			r, err := sc.Resolver.Resolve(ctx, canonical.EntityDistrict, resolve.Ref{LegacyID: districtID, Table: "tbl_village"})
			if err != nil {
				if err := observeUpsert(sc, target.Result{}, err, "village "+code); err != nil {
					return err
				}
				continue
			}
			fields["district_id"] = r.CanonicalID
		}
		res, err := sc.Upserter.Upsert(ctx, target.Row{
			Type:        canonical.EntityVillage,
			NaturalKey:  code,
			PreservedID: legacyID,
			LegacyID:    legacyID,
			Fields:      fields,
		})
		if err := observeUpsert(sc, res, err, "village "+code); err != nil {
			return err
		}
		sc.Progress(sc.Report.Processed())
	}
	return nil
}
