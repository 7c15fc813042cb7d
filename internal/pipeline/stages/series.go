package stages

import (
	"context"

	"tradereg/internal/canonical"
	"tradereg/internal/pipeline"
	"tradereg/internal/resolve"
	"tradereg/internal/target"
)

// Series migrates assessment series (one sitting window each).
type Series struct{}

func (s *Series) Name() string { return "series" }

func (s *Series) Requires() []canonical.EntityType { return nil }

func (s *Series) Run(ctx context.Context, sc *pipeline.Context) error {
	rows, err := sc.Reader.All(ctx, "tbl_series", "series_id")
	if err != nil {
		return err
	}
	for _, rec := range rows {
		legacyID, _ := rec.Int64("series_id")
		code := resolve.NormalizeCode(rec.String("series_code"), nil)
		name := rec.String("series_name")
		if code == "" {
			if err := sc.Observe(pipeline.BranchSkipped, "series missing code"); err != nil {
				return err
			}
			continue
		}
		if name == "" {
			name = code
		}
		res, err := sc.Upserter.Upsert(ctx, target.Row{
			Type:        canonical.EntitySeries,
			NaturalKey:  code,
			PreservedID: legacyID,
			LegacyID:    legacyID,
			Fields: map[string]any{
				"name":      name,
				"starts_on": rec.String("start_date"),
				"ends_on":   rec.String("end_date"),
			},
		})
		if err := observeUpsert(sc, res, err, "series "+code); err != nil {
			return err
		}
	}
	return nil
}
