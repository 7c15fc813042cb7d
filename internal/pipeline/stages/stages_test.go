package stages

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"tradereg/internal/blob"
	"tradereg/internal/canonical"
	"tradereg/internal/legacy"
	"tradereg/internal/mapping"
	"tradereg/internal/pipeline"
	"tradereg/internal/reconcile"
	"tradereg/internal/target"
)

const legacyDDL = `
CREATE TABLE tbl_district (district_id INTEGER PRIMARY KEY, district_code TEXT, district_name TEXT);
CREATE TABLE tbl_village (village_id INTEGER PRIMARY KEY, village_code TEXT, village_name TEXT, district_id INTEGER);
CREATE TABLE tbl_sector (sector_id INTEGER PRIMARY KEY, sector_code TEXT, sector_name TEXT);
CREATE TABLE tbl_occupation (occupation_id INTEGER PRIMARY KEY, occupation_code TEXT, occupation_name TEXT, sector_id INTEGER);
CREATE TABLE tbl_level (level_id INTEGER PRIMARY KEY, level_name TEXT, occupation_id INTEGER, level_rank INTEGER);
CREATE TABLE tbl_module (module_id INTEGER PRIMARY KEY, module_name TEXT, level_id INTEGER, occupation_id INTEGER);
CREATE TABLE tbl_paper (paper_id INTEGER PRIMARY KEY, paper_name TEXT, module_id INTEGER, level_id INTEGER);
CREATE TABLE tbl_center (center_id INTEGER PRIMARY KEY, center_code TEXT, center_name TEXT, district_id INTEGER);
CREATE TABLE tbl_branch (branch_id INTEGER PRIMARY KEY, branch_code TEXT, branch_name TEXT, center_id INTEGER);
CREATE TABLE tbl_series (series_id INTEGER PRIMARY KEY, series_code TEXT, series_name TEXT, start_date TEXT, end_date TEXT);
CREATE TABLE tbl_staff (staff_id INTEGER PRIMARY KEY, staff_name TEXT, staff_role TEXT, center_id INTEGER);
CREATE TABLE tbl_candidate (candidate_id INTEGER PRIMARY KEY, reg_no TEXT, full_name TEXT, gender TEXT, birth_year INTEGER, village_id INTEGER, occupation_id INTEGER);
CREATE TABLE tbl_enrollment (enroll_id INTEGER PRIMARY KEY, candidate_id INTEGER, series_id INTEGER, category TEXT, level_id INTEGER, module_id INTEGER, paper_id INTEGER);
CREATE TABLE tbl_result (result_id INTEGER PRIMARY KEY, candidate_id INTEGER, series_id INTEGER, paper_id INTEGER, marks REAL, grade TEXT);
`

var legacySeed = []string{
	`INSERT INTO tbl_district VALUES (1, 'KBL', 'Kabale')`,
	`INSERT INTO tbl_village VALUES (1, 'V-01', 'Border Village', 1)`,
	`INSERT INTO tbl_sector VALUES (1, 'CON', 'Construction')`,
	// Occupation 99 is a superseded duplicate of 12, flagged by the suffix.
	`INSERT INTO tbl_occupation VALUES (12, 'DP', 'Domestic Plumbing', 1)`,
	`INSERT INTO tbl_occupation VALUES (99, 'DP-old', 'Domestic Plumbing (old)', 1)`,
	`INSERT INTO tbl_level VALUES (101, 'Level One', 12, 1)`,
	`INSERT INTO tbl_level VALUES (102, 'Level Two', 12, 2)`,
	`INSERT INTO tbl_module VALUES (201, 'Pipe Fitting', 101, 12)`,
	`INSERT INTO tbl_module VALUES (202, 'Drainage', 102, 12)`,
	`INSERT INTO tbl_paper VALUES (301, 'Pipe Fitting Theory', 201, 101)`,
	`INSERT INTO tbl_paper VALUES (302, 'Drainage Theory', 202, 102)`,
	`INSERT INTO tbl_center VALUES (1, 'CTR-A', 'Alpha Center', 1)`,
	`INSERT INTO tbl_branch VALUES (1, 'BR-A', 'Alpha Branch', 1)`,
	`INSERT INTO tbl_series VALUES (1, '2019-B', 'November 2019', '2019-11-01', '2019-11-30')`,
	`INSERT INTO tbl_staff VALUES (1, 'Jane Doe', 'assessor', 1)`,
	`INSERT INTO tbl_candidate VALUES (501, 'R-501', 'Alice Atim', 'F', 1990, 1, 12)`,
	// Bob references the duplicate occupation row and must land on 12.
	`INSERT INTO tbl_candidate VALUES (502, 'R-502', 'Bob Okello', 'M', 1991, 1, 99)`,
	// Alice sits formal at level one; Bob is Worker's-PAS with modules on two
	// levels, recorded by the legacy schema as sibling selection rows.
	`INSERT INTO tbl_enrollment VALUES (1, 501, 1, 'Formal', 101, NULL, NULL)`,
	`INSERT INTO tbl_enrollment VALUES (2, 502, 1, 'W', NULL, 201, NULL)`,
	`INSERT INTO tbl_enrollment VALUES (3, 502, 1, 'W', NULL, 202, NULL)`,
	`INSERT INTO tbl_result VALUES (1, 501, 1, 301, 78.5, 'B')`,
	`INSERT INTO tbl_result VALUES (2, 502, 1, 301, 60, 'C')`,
	`INSERT INTO tbl_result VALUES (3, 502, 1, 302, 70, 'B')`,
}

type fixture struct {
	reader    *legacy.Reader
	store     *target.Store
	mappings  *mapping.Store
	artifacts *blob.Memory
	runner    *pipeline.Runner
}

func newFixture(t *testing.T, mode pipeline.Mode) *fixture {
	t.Helper()
	dir := t.TempDir()

	legacyPath := filepath.Join(dir, "legacy.db")
	db, err := sql.Open("sqlite", legacyPath)
	if err != nil {
		t.Fatalf("open legacy fixture: %v", err)
	}
	if _, err := db.Exec(legacyDDL); err != nil {
		t.Fatalf("legacy ddl: %v", err)
	}
	for _, stmt := range legacySeed {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("seed %q: %v", stmt, err)
		}
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	reader, err := legacy.Open("sqlite", legacyPath, 30*time.Second)
	if err != nil {
		t.Fatalf("open legacy reader: %v", err)
	}
	t.Cleanup(func() { _ = reader.Close() })

	store, err := target.Open("sqlite", filepath.Join(dir, "target.db"), 30*time.Second)
	if err != nil {
		t.Fatalf("open target: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{
		reader:    reader,
		store:     store,
		mappings:  mapping.NewStore(),
		artifacts: blob.NewMemory(),
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.runner = pipeline.NewRunner(reader, store, f.mappings, f.artifacts, log, nil, pipeline.Options{Mode: mode})
	return f
}

func (f *fixture) scalar(t *testing.T, query string, args ...any) int64 {
	t.Helper()
	var v int64
	if err := f.store.DB().QueryRow(query, args...).Scan(&v); err != nil {
		t.Fatalf("query %q: %v", query, err)
	}
	return v
}

func TestFullMigration(t *testing.T) {
	f := newFixture(t, pipeline.ModeApply)
	reports, err := f.runner.RunAll(context.Background(), All())
	if err != nil {
		t.Fatalf("run all: %v", err)
	}
	for _, r := range reports {
		if !r.Clean() {
			t.Fatalf("stage %s not clean: %s", r.Stage, r.Summary())
		}
	}

	// The suffixed duplicate never became a canonical occupation.
	if n := f.scalar(t, "SELECT COUNT(*) FROM occupations"); n != 1 {
		t.Fatalf("occupations = %d, want 1", n)
	}
	if id, ok := f.mappings.Get(canonical.EntityOccupation, 99); !ok || id != 12 {
		t.Fatalf("duplicate occupation mapping: %d %v, want 12 true", id, ok)
	}

	// Legacy primary keys survive as canonical ids.
	if got := f.scalar(t, "SELECT id FROM candidates WHERE regno = 'R-501'"); got != 501 {
		t.Fatalf("alice id = %d, want 501", got)
	}
	// Bob's occupation reference was rewritten onto the survivor.
	if got := f.scalar(t, "SELECT occupation_id FROM candidates WHERE id = 502"); got != 12 {
		t.Fatalf("bob occupation = %d, want 12", got)
	}

	// Alice: one formal aggregate keyed by (candidate, series, level).
	if got := f.scalar(t, "SELECT COUNT(*) FROM enrollments WHERE ekey = ?", canonical.EnrollmentKey(501, 1, 101)); got != 1 {
		t.Fatal("alice formal aggregate missing")
	}
	// Bob: the bulk pass keeps the flattened level-less aggregate with both
	// module selections attached.
	bobEnroll := f.scalar(t, "SELECT id FROM enrollments WHERE ekey = ?", canonical.EnrollmentKey(502, 1, 0))
	if n := f.scalar(t, "SELECT COUNT(*) FROM enrollment_modules WHERE enrollment_id = ?", bobEnroll); n != 2 {
		t.Fatalf("bob module links = %d, want 2", n)
	}
	if got := f.scalar(t, "SELECT COUNT(*) FROM enrollments WHERE id = ? AND level_id IS NULL", bobEnroll); got != 1 {
		t.Fatal("bob aggregate must be level-less before restructuring")
	}

	// Results hang off the aggregates, not candidate/series pairs.
	if n := f.scalar(t, "SELECT COUNT(*) FROM results"); n != 3 {
		t.Fatalf("results = %d, want 3", n)
	}
	if n := f.scalar(t, "SELECT COUNT(*) FROM results WHERE enrollment_id = ?", bobEnroll); n != 2 {
		t.Fatalf("bob results = %d, want 2", n)
	}

	// Curriculum natural keys are synthesized deterministically.
	if n := f.scalar(t, "SELECT COUNT(*) FROM levels WHERE code = 'DP-L1'"); n != 1 {
		t.Fatal("level DP-L1 missing")
	}
	if n := f.scalar(t, "SELECT COUNT(*) FROM modules WHERE code = 'DP-L1/M/PIPE-FITTING'"); n != 1 {
		t.Fatal("module key missing")
	}
}

func TestFullMigrationIsIdempotent(t *testing.T) {
	f := newFixture(t, pipeline.ModeApply)
	ctx := context.Background()
	if _, err := f.runner.RunAll(ctx, All()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	reports, err := f.runner.RunAll(ctx, All())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	for _, r := range reports {
		if got := r.Migrated(); got != 0 {
			t.Fatalf("stage %s migrated %d rows on a re-run (%s)", r.Stage, got, r.Summary())
		}
	}
}

func TestEnrollmentsReapplyAfterRestructure(t *testing.T) {
	f := newFixture(t, pipeline.ModeApply)
	ctx := context.Background()
	if _, err := f.runner.RunAll(ctx, All()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if _, err := f.runner.RunStage(ctx, &reconcile.MultiLevelRestructure{}); err != nil {
		t.Fatalf("restructure: %v", err)
	}

	// Bob's flattened aggregate is gone and his rows already carry durable
	// provenance entries; the re-run must leave both alone.
	report, err := f.runner.RunStage(ctx, &Enrollments{})
	if err != nil {
		t.Fatalf("re-apply: %v", err)
	}
	if !report.Clean() {
		t.Fatalf("re-apply after restructuring not clean: %s", report.Summary())
	}
	if got := report.Migrated(); got != 0 {
		t.Fatalf("re-apply migrated %d rows (%s)", got, report.Summary())
	}
	if _, ok := f.mappings.Get(canonical.EntityEnrollment, 2); !ok {
		t.Fatal("provenance mapping for legacy row 2 lost")
	}
}

func TestPreviewLeavesTargetEmpty(t *testing.T) {
	f := newFixture(t, pipeline.ModePreview)
	reports, err := f.runner.RunAll(context.Background(), []pipeline.Stage{&Geography{}})
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if got := reports[0].Count(pipeline.BranchCreated); got != 2 {
		t.Fatalf("preview created = %d, want 2 (district + village)", got)
	}
	if n := f.scalar(t, "SELECT COUNT(*) FROM districts"); n != 0 {
		t.Fatalf("preview persisted %d districts", n)
	}
}

func TestStageOrderEnforced(t *testing.T) {
	f := newFixture(t, pipeline.ModeApply)
	// Curriculum before occupations: its occupation mapping prerequisite is
	// missing and the runner must refuse to run the stage body.
	_, err := f.runner.RunStage(context.Background(), &Curriculum{})
	if err == nil {
		t.Fatal("want missing prerequisite error")
	}
}

func TestSeriesScopeFiltersEnrollments(t *testing.T) {
	f := newFixture(t, pipeline.ModeApply)
	ctx := context.Background()
	if _, err := f.runner.RunAll(ctx, All()); err != nil {
		t.Fatal(err)
	}

	// A re-run scoped to the already-migrated series stays a no-op.
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	scoped := pipeline.NewRunner(f.reader, f.store, f.mappings, f.artifacts, log, nil, pipeline.Options{
		Mode:  pipeline.ModeApply,
		Scope: pipeline.Scope{SeriesCode: "2019-B"},
	})
	report, err := scoped.RunStage(ctx, &Enrollments{})
	if err != nil {
		t.Fatalf("scoped run: %v", err)
	}
	if report.Migrated() != 0 {
		t.Fatalf("scoped re-run migrated rows: %s", report.Summary())
	}
}
