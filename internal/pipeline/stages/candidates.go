package stages

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"tradereg/internal/canonical"
	"tradereg/internal/pipeline"
	"tradereg/internal/resolve"
	"tradereg/internal/target"
)

// Candidates migrates candidate bio records. The legacy candidate table is by
// far the largest source table, so reference resolution fans out across a
// bounded worker pool over an in-memory index snapshot; all writes stay on
// the single stage transaction.
type Candidates struct{}

func (s *Candidates) Name() string { return "candidates" }

func (s *Candidates) Requires() []canonical.EntityType {
	return []canonical.EntityType{canonical.EntityOccupation}
}

// prepared is the outcome of the parallel resolve phase for one legacy row.
type prepared struct {
	row        target.Row
	skip       string // non-empty: source defect, skip and report
	unresolved error  // non-nil: resolution failure
	outOfScope bool
}

func (s *Candidates) Run(ctx context.Context, sc *pipeline.Context) error {
	rows, err := sc.Reader.All(ctx, "tbl_candidate", "candidate_id")
	if err != nil {
		return err
	}
	snapshot, err := loadIndexSnapshot(ctx, sc, canonical.EntityVillage, canonical.EntityOccupation)
	if err != nil {
		return err
	}
	scopedOcc, occScoped, err := scopedOccupationID(ctx, sc)
	if err != nil {
		return err
	}
	resolver := resolve.New(sc.Mappings, snapshot, sc.Resolver.DuplicateSuffixes())

	out := make([]prepared, len(rows))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sc.Workers)
	for i, rec := range rows {
		g.Go(func() error {
			p := &out[i]
			regno := strings.ToUpper(rec.String("reg_no"))
			name := rec.String("full_name")
			legacyID, hasID := rec.Int64("candidate_id")
			if !hasID || regno == "" || name == "" {
				p.skip = "candidate missing id, regno or name"
				return nil
			}
			fields := map[string]any{
				"name":   name,
				"gender": strings.ToUpper(rec.String("gender")),
			}
			if year, ok := rec.Int64("birth_year"); ok {
				fields["birth_year"] = year
			}
			if villageID, ok := rec.Int64("village_id"); ok {
				r, err := resolver.Resolve(gctx, canonical.EntityVillage, resolve.Ref{LegacyID: villageID, Table: "tbl_candidate"})
				if err != nil {
					p.unresolved = err
					return s.hardErr(err)
				}
				fields["village_id"] = r.CanonicalID
			}
			occupationID, hasOcc := rec.Int64("occupation_id")
			if !hasOcc {
				p.skip = fmt.Sprintf("candidate %s has no occupation", regno)
				return nil
			}
			occ, err := resolver.Resolve(gctx, canonical.EntityOccupation, resolve.Ref{LegacyID: occupationID, Table: "tbl_candidate"})
			if err != nil {
				p.unresolved = err
				return s.hardErr(err)
			}
			if occScoped && occ.CanonicalID != scopedOcc {
				p.outOfScope = true
				return nil
			}
			fields["occupation_id"] = occ.CanonicalID
			p.row = target.Row{
				Type:        canonical.EntityCandidate,
				NaturalKey:  regno,
				PreservedID: legacyID,
				LegacyID:    legacyID,
				Fields:      fields,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Single-writer phase: upserts run in row order on the stage transaction.
	for _, p := range out {
		switch {
		case p.outOfScope:
			continue
		case p.skip != "":
			if err := sc.Observe(pipeline.BranchSkipped, p.skip); err != nil {
				return err
			}
		case p.unresolved != nil:
			if err := observeUpsert(sc, target.Result{}, p.unresolved, "candidate"); err != nil {
				return err
			}
		default:
			res, err := sc.Upserter.Upsert(ctx, p.row)
			if err := observeUpsert(sc, res, err, "candidate "+p.row.NaturalKey); err != nil {
				return err
			}
		}
		sc.Progress(sc.Report.Processed())
	}
	return nil
}

// hardErr lets unresolved references flow to the report while infrastructure
// errors cancel the group.
func (s *Candidates) hardErr(err error) error {
	var unres *resolve.UnresolvedError
	if errors.As(err, &unres) {
		return nil
	}
	return err
}

// loadIndexSnapshot materializes id/code/name indexes for the given entity
// types from the stage transaction.
func loadIndexSnapshot(ctx context.Context, sc *pipeline.Context, types ...canonical.EntityType) (*resolve.MapIndex, error) {
	snapshot := resolve.NewMapIndex()
	for _, t := range types {
		d, err := canonical.Describe(t)
		if err != nil {
			return nil, err
		}
		nameCol := d.NameColumn
		if nameCol == "" {
			nameCol = d.KeyColumn
		}
		q := fmt.Sprintf("SELECT id, %s, %s FROM %s", d.KeyColumn, nameCol, d.Table)
		rows, err := sc.Tx.QueryContext(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", t, err)
		}
		for rows.Next() {
			var id int64
			var code, name sql.NullString
			if err := rows.Scan(&id, &code, &name); err != nil {
				_ = rows.Close()
				return nil, fmt.Errorf("snapshot scan %s: %w", t, err)
			}
			snapshot.Add(t, id, code.String, name.String)
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return nil, fmt.Errorf("snapshot iterate %s: %w", t, err)
		}
	}
	return snapshot, nil
}
