package stages

import (
	"context"
	"strings"

	"tradereg/internal/canonical"
	"tradereg/internal/legacy"
	"tradereg/internal/pipeline"
	"tradereg/internal/resolve"
	"tradereg/internal/target"
)

// Occupations migrates trade sectors and occupations. Occupation codes in the
// legacy schema were never deduplicated: a renamed occupation kept its old
// row, flagged only by a suffix marker on the code. Survivors are upserted in
// a first pass; flagged duplicates are resolved against them in a second pass
// so that a duplicate whose survivor appears later in the table still maps.
type Occupations struct{}

func (s *Occupations) Name() string { return "occupations" }

func (s *Occupations) Requires() []canonical.EntityType { return nil }

func (s *Occupations) Run(ctx context.Context, sc *pipeline.Context) error {
	sectors, err := sc.Reader.All(ctx, "tbl_sector", "sector_id")
	if err != nil {
		return err
	}
	for _, rec := range sectors {
		legacyID, _ := rec.Int64("sector_id")
		code := resolve.NormalizeCode(rec.String("sector_code"), nil)
		name := rec.String("sector_name")
		if code == "" || name == "" {
			if err := sc.Observe(pipeline.BranchSkipped, "sector missing code or name"); err != nil {
				return err
			}
			continue
		}
		res, err := sc.Upserter.Upsert(ctx, target.Row{
			Type:        canonical.EntitySector,
			NaturalKey:  code,
			PreservedID: legacyID,
			LegacyID:    legacyID,
			Fields:      map[string]any{"name": name},
		})
		if err := observeUpsert(sc, res, err, "sector "+code); err != nil {
			return err
		}
	}

	occupations, err := sc.Reader.All(ctx, "tbl_occupation", "occupation_id")
	if err != nil {
		return err
	}

	var duplicates []legacy.Record
	for _, rec := range occupations {
		rawCode := strings.ToUpper(strings.TrimSpace(rec.String("occupation_code")))
		if rawCode != "" && rawCode != resolve.NormalizeCode(rawCode, sc.Resolver.DuplicateSuffixes()) {
			duplicates = append(duplicates, rec)
			continue
		}
		if err := s.upsertOccupation(ctx, sc, rec, rawCode); err != nil {
			return err
		}
		sc.Progress(sc.Report.Processed())
	}

	// Second pass: suffixed duplicates never become canonical records; they
	// map onto their survivor or surface as unresolved.
	for _, rec := range duplicates {
		legacyID, _ := rec.Int64("occupation_id")
		ref := resolve.Ref{
			LegacyID: legacyID,
			Code:     rec.String("occupation_code"),
			Name:     rec.String("occupation_name"),
			Table:    "tbl_occupation",
		}
		r, err := sc.Resolver.Resolve(ctx, canonical.EntityOccupation, ref)
		if err := observeUpsert(sc, target.Result{ID: r.CanonicalID}, err, "duplicate occupation "+ref.Code); err != nil {
			return err
		}
	}
	return nil
}

func (s *Occupations) upsertOccupation(ctx context.Context, sc *pipeline.Context, rec legacy.Record, code string) error {
	legacyID, _ := rec.Int64("occupation_id")
	name := rec.String("occupation_name")
	if code == "" || name == "" {
		return sc.Observe(pipeline.BranchSkipped, "occupation missing code or name")
	}
	fields := map[string]any{"name": name}
	if sectorID, ok := rec.Int64("sector_id"); ok {
		r, err := sc.Resolver.Resolve(ctx, canonical.EntitySector, resolve.Ref{LegacyID: sectorID, Table: "tbl_occupation"})
		if err != nil {
			return observeUpsert(sc, target.Result{}, err, "occupation "+code)
		}
		fields["sector_id"] = r.CanonicalID
	}
	res, err := sc.Upserter.Upsert(ctx, target.Row{
		Type:        canonical.EntityOccupation,
		NaturalKey:  code,
		PreservedID: legacyID,
		LegacyID:    legacyID,
		Fields:      fields,
	})
	return observeUpsert(sc, res, err, "occupation "+code)
}
