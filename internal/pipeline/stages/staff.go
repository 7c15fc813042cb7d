package stages

import (
	"context"
	"fmt"

	"tradereg/internal/canonical"
	"tradereg/internal/pipeline"
	"tradereg/internal/resolve"
	"tradereg/internal/target"
)

// Staff migrates center staff and assessor representatives. Legacy staff rows
// carried no business code, so the canonical natural key is synthesized from
// the legacy primary key, which is stable across re-runs.
type Staff struct{}

func (s *Staff) Name() string { return "staff" }

func (s *Staff) Requires() []canonical.EntityType {
	return []canonical.EntityType{canonical.EntityCenter}
}

func (s *Staff) Run(ctx context.Context, sc *pipeline.Context) error {
	rows, err := sc.Reader.All(ctx, "tbl_staff", "staff_id")
	if err != nil {
		return err
	}
	for _, rec := range rows {
		legacyID, hasID := rec.Int64("staff_id")
		name := rec.String("staff_name")
		if !hasID || name == "" {
			if err := sc.Observe(pipeline.BranchSkipped, "staff missing id or name"); err != nil {
				return err
			}
			continue
		}
		fields := map[string]any{
			"name": name,
			"role": rec.String("staff_role"),
		}
		if centerID, ok := rec.Int64("center_id"); ok {
			r, err := sc.Resolver.Resolve(ctx, canonical.EntityCenter, resolve.Ref{LegacyID: centerID, Table: "tbl_staff"})
			if err != nil {
				if err := observeUpsert(sc, target.Result{}, err, name); err != nil {
					return err
				}
				continue
			}
			fields["center_id"] = r.CanonicalID
		}
		res, err := sc.Upserter.Upsert(ctx, target.Row{
			Type:        canonical.EntityStaff,
			NaturalKey:  fmt.Sprintf("STF-%06d", legacyID),
			PreservedID: legacyID,
			LegacyID:    legacyID,
			Fields:      fields,
		})
		if err := observeUpsert(sc, res, err, name); err != nil {
			return err
		}
		sc.Progress(sc.Report.Processed())
	}
	return nil
}
