package reconcile

import (
	"context"
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
	"tradereg/internal/target"
)

type fixture struct {
	store  *target.Store
	runner *pipeline.Runner
}

// newFixture opens an empty target store; jobs operate on canonical data
// only, so the legacy source stays empty.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	reader, err := legacy.Open("sqlite", filepath.Join(dir, "legacy.db"), 30*time.Second)
	if err != nil {
		t.Fatalf("open legacy: %v", err)
	}
	t.Cleanup(func() { _ = reader.Close() })
	store, err := target.Open("sqlite", filepath.Join(dir, "target.db"), 30*time.Second)
	if err != nil {
		t.Fatalf("open target: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	runner := pipeline.NewRunner(reader, store, mapping.NewStore(), blob.NewMemory(), log, nil, pipeline.Options{Mode: pipeline.ModeApply})
	return &fixture{store: store, runner: runner}
}

func (f *fixture) exec(t *testing.T, query string, args ...any) {
	t.Helper()
	if _, err := f.store.DB().Exec(query, args...); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}

func (f *fixture) scalar(t *testing.T, query string, args ...any) int64 {
	t.Helper()
	var v int64
	if err := f.store.DB().QueryRow(query, args...).Scan(&v); err != nil {
		t.Fatalf("query %q: %v", query, err)
	}
	return v
}

func (f *fixture) text(t *testing.T, query string, args ...any) string {
	t.Helper()
	var v string
	if err := f.store.DB().QueryRow(query, args...).Scan(&v); err != nil {
		t.Fatalf("query %q: %v", query, err)
	}
	return v
}

// seedBase installs the curriculum skeleton the job tests share: one
// plumbing occupation with two levels, one foreign occupation, a candidate
// and a series.
func (f *fixture) seedBase(t *testing.T) {
	t.Helper()
	f.exec(t, `INSERT INTO occupations (id, code, name) VALUES (12, 'DP', 'Domestic Plumbing'), (13, 'EL', 'Electrical')`)
	f.exec(t, `INSERT INTO levels (id, code, name, occupation_id, rank) VALUES
		(101, 'DP-L1', 'Level One', 12, 1),
		(102, 'DP-L2', 'Level Two', 12, 2)`)
	f.exec(t, `INSERT INTO modules (id, code, name, occupation_id, level_id) VALUES
		(201, 'DP-L1/M/PIPE', 'Pipe Fitting', 12, 101),
		(202, 'DP-L2/M/DRAIN', 'Drainage', 12, 102),
		(299, 'EL-L1/M/WIRE', 'Wiring', 13, NULL)`)
	f.exec(t, `INSERT INTO papers (id, code, name, module_id, level_id) VALUES
		(301, 'DP-L1/P/THEORY', 'Theory One', 201, 101),
		(302, 'DP-L2/P/THEORY', 'Theory Two', 202, 102)`)
	f.exec(t, `INSERT INTO candidates (id, regno, name, occupation_id) VALUES (501, 'R-501', 'Alice Atim', 12)`)
	f.exec(t, `INSERT INTO series (id, code, name) VALUES (1, '2019-B', 'November 2019')`)
}

func TestCategoryReencode(t *testing.T) {
	f := newFixture(t)
	f.seedBase(t)
	f.exec(t, `INSERT INTO enrollments (id, ekey, candidate_id, series_id, level_id, category) VALUES
		(1, '501:1:101', 501, 1, 101, 'Modular'),
		(2, '501:1:102', 501, 1, 102, 'X')`)

	report, err := f.runner.RunStage(context.Background(), &CategoryReencode{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := report.Count(pipeline.BranchUpdated); got != 1 {
		t.Fatalf("updated = %d, want 1", got)
	}
	if got := report.Count(pipeline.BranchUnresolved); got != 1 {
		t.Fatalf("unresolved = %d, want 1", got)
	}
	if got := f.text(t, "SELECT category FROM enrollments WHERE id = 1"); got != "modular" {
		t.Fatalf("category = %q, want modular", got)
	}
	// The unmapped value is reported, never guessed at.
	if got := f.text(t, "SELECT category FROM enrollments WHERE id = 2"); got != "X" {
		t.Fatalf("unknown category was rewritten to %q", got)
	}
}

func TestWrongAssociationCleanup(t *testing.T) {
	f := newFixture(t)
	f.seedBase(t)
	f.exec(t, `INSERT INTO enrollments (id, ekey, candidate_id, series_id, level_id, category) VALUES
		(1, '501:1:101', 501, 1, 101, 'modular')`)
	// One module of the candidate's own occupation, one that crossed over
	// from electrical via a bare name join.
	f.exec(t, `INSERT INTO enrollment_modules (enrollment_id, module_id) VALUES (1, 201), (1, 299)`)

	report, err := f.runner.RunStage(context.Background(), &WrongAssociations{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := report.Count(pipeline.BranchRemoved); got != 1 {
		t.Fatalf("removed = %d, want 1", got)
	}
	if n := f.scalar(t, "SELECT COUNT(*) FROM enrollment_modules WHERE enrollment_id = 1"); n != 1 {
		t.Fatalf("links left = %d, want 1", n)
	}
	if n := f.scalar(t, "SELECT COUNT(*) FROM enrollment_modules WHERE enrollment_id = 1 AND module_id = 201"); n != 1 {
		t.Fatal("the in-occupation module was removed")
	}

	again, err := f.runner.RunStage(context.Background(), &WrongAssociations{})
	if err != nil {
		t.Fatal(err)
	}
	if got := again.Count(pipeline.BranchRemoved); got != 0 {
		t.Fatalf("second run removed %d links", got)
	}
}

func TestMissingDetailBackfill(t *testing.T) {
	f := newFixture(t)
	f.seedBase(t)
	f.exec(t, `INSERT INTO enrollments (id, ekey, candidate_id, series_id, level_id, category) VALUES
		(1, '501:1:101', 501, 1, 101, 'formal')`)

	report, err := f.runner.RunStage(context.Background(), &MissingDetailBackfill{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := report.Count(pipeline.BranchUpdated); got != 1 {
		t.Fatalf("updated = %d, want 1: %s", got, report.Summary())
	}
	if n := f.scalar(t, "SELECT COUNT(*) FROM enrollment_modules WHERE enrollment_id = 1"); n != 1 {
		t.Fatalf("module links = %d, want the level's full set of 1", n)
	}
	if n := f.scalar(t, "SELECT COUNT(*) FROM enrollment_papers WHERE enrollment_id = 1"); n != 1 {
		t.Fatalf("paper links = %d, want 1", n)
	}

	// A populated enrollment is deliberate state; the job must not touch it.
	again, err := f.runner.RunStage(context.Background(), &MissingDetailBackfill{})
	if err != nil {
		t.Fatal(err)
	}
	if got := again.Count(pipeline.BranchUpdated); got != 0 {
		t.Fatalf("second run updated %d enrollments", got)
	}
}

func TestMultiLevelRestructure(t *testing.T) {
	f := newFixture(t)
	f.seedBase(t)
	f.exec(t, `INSERT INTO enrollments (id, ekey, candidate_id, series_id, level_id, category) VALUES
		(10, '501:1:0', 501, 1, NULL, 'workers_pas')`)
	f.exec(t, `INSERT INTO enrollment_modules (enrollment_id, module_id) VALUES (10, 201), (10, 202)`)
	f.exec(t, `INSERT INTO results (id, rkey, enrollment_id, paper_id, marks, grade) VALUES
		(1, '10:301', 10, 301, 55, 'C'),
		(2, '10:302', 10, 302, 66, 'B')`)

	report, err := f.runner.RunStage(context.Background(), &MultiLevelRestructure{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := report.Count(pipeline.BranchCreated); got != 2 {
		t.Fatalf("created = %d, want one aggregate per level: %s", got, report.Summary())
	}
	if got := report.Count(pipeline.BranchRemoved); got != 1 {
		t.Fatalf("removed = %d, want the flattened aggregate", got)
	}

	l1 := f.scalar(t, "SELECT id FROM enrollments WHERE ekey = ?", canonical.EnrollmentKey(501, 1, 101))
	l2 := f.scalar(t, "SELECT id FROM enrollments WHERE ekey = ?", canonical.EnrollmentKey(501, 1, 102))
	if n := f.scalar(t, "SELECT COUNT(*) FROM enrollments WHERE candidate_id = 501"); n != 2 {
		t.Fatalf("aggregates = %d, want exactly 2", n)
	}
	if got := f.scalar(t, "SELECT module_id FROM enrollment_modules WHERE enrollment_id = ?", l1); got != 201 {
		t.Fatalf("level one carries module %d, want 201", got)
	}
	if got := f.scalar(t, "SELECT module_id FROM enrollment_modules WHERE enrollment_id = ?", l2); got != 202 {
		t.Fatalf("level two carries module %d, want 202", got)
	}

	// Results followed their paper's level, keys rewritten.
	if got := f.scalar(t, "SELECT enrollment_id FROM results WHERE id = 1"); got != l1 {
		t.Fatalf("result 1 on enrollment %d, want %d", got, l1)
	}
	if got := f.text(t, "SELECT rkey FROM results WHERE id = 2"); got != canonical.ResultKey(l2, 302) {
		t.Fatalf("result 2 rkey = %q", got)
	}

	// No flattened rows remain, so a second run finds nothing to do.
	again, err := f.runner.RunStage(context.Background(), &MultiLevelRestructure{})
	if err != nil {
		t.Fatal(err)
	}
	if got := again.Processed(); got != 0 {
		t.Fatalf("second run processed %d rows: %s", got, again.Summary())
	}
}

func TestJobRegistry(t *testing.T) {
	for _, j := range All() {
		got, err := ByName(j.Name())
		if err != nil {
			t.Fatalf("ByName(%s): %v", j.Name(), err)
		}
		if got.Name() != j.Name() {
			t.Fatalf("ByName(%s) returned %s", j.Name(), got.Name())
		}
	}
	if _, err := ByName("nope"); err == nil {
		t.Fatal("want error for unknown job")
	}
}
