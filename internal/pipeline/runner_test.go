package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"tradereg/internal/blob"
	"tradereg/internal/canonical"
	"tradereg/internal/legacy"
	"tradereg/internal/mapping"
	"tradereg/internal/target"
)

type fakeStage struct {
	name     string
	requires []canonical.EntityType
	run      func(ctx context.Context, sc *Context) error
}

func (f *fakeStage) Name() string                     { return f.name }
func (f *fakeStage) Requires() []canonical.EntityType { return f.requires }
func (f *fakeStage) Run(ctx context.Context, sc *Context) error {
	return f.run(ctx, sc)
}

type testEnv struct {
	reader    *legacy.Reader
	store     *target.Store
	mappings  *mapping.Store
	artifacts *blob.Memory
}

func newTestEnv(t *testing.T) *testEnv {
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
	return &testEnv{
		reader:    reader,
		store:     store,
		mappings:  mapping.NewStore(),
		artifacts: blob.NewMemory(),
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (e *testEnv) runner(opts Options) *Runner {
	return NewRunner(e.reader, e.store, e.mappings, e.artifacts, discardLogger(), nil, opts)
}

func upsertDistrict(ctx context.Context, sc *Context) error {
	res, err := sc.Upserter.Upsert(ctx, target.Row{
		Type:        canonical.EntityDistrict,
		NaturalKey:  "KBL",
		PreservedID: 1,
		LegacyID:    1,
		Fields:      map[string]any{"name": "Kabale"},
	})
	if err != nil {
		return err
	}
	if res.Created {
		return sc.Observe(BranchCreated, "")
	}
	return sc.Observe(BranchUnchanged, "")
}

func TestRunStagePreviewRollsBack(t *testing.T) {
	env := newTestEnv(t)
	r := env.runner(Options{Mode: ModePreview})

	report, err := r.RunStage(context.Background(), &fakeStage{name: "districts", run: upsertDistrict})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.State != StateRolledBack {
		t.Fatalf("state = %s, want rolled_back", report.State)
	}
	if report.Count(BranchCreated) != 1 {
		t.Fatalf("created = %d, want 1 (preview runs the full code path)", report.Count(BranchCreated))
	}

	var n int
	if err := env.store.DB().QueryRow("SELECT COUNT(*) FROM districts").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("preview wrote %d rows to the target", n)
	}
	if env.mappings.Len(canonical.EntityDistrict) != 0 {
		t.Fatal("preview leaked mapping entries into the durable store")
	}
}

func TestRunStageApplyCommitsAndFlushesMappings(t *testing.T) {
	env := newTestEnv(t)
	r := env.runner(Options{Mode: ModeApply})

	report, err := r.RunStage(context.Background(), &fakeStage{name: "districts", run: upsertDistrict})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.State != StateCommitted {
		t.Fatalf("state = %s, want committed", report.State)
	}
	var n int
	if err := env.store.DB().QueryRow("SELECT COUNT(*) FROM districts").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("district count = %d, want 1", n)
	}
	if _, err := env.artifacts.Get(context.Background(), mapping.ArtifactKey(canonical.EntityDistrict)); err != nil {
		t.Fatalf("mapping artifact not flushed: %v", err)
	}
}

func TestRunStageApplyIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	r := env.runner(Options{Mode: ModeApply})
	st := &fakeStage{name: "districts", run: upsertDistrict}

	if _, err := r.RunStage(context.Background(), st); err != nil {
		t.Fatal(err)
	}
	report, err := r.RunStage(context.Background(), st)
	if err != nil {
		t.Fatal(err)
	}
	if report.Count(BranchCreated) != 0 || report.Count(BranchUnchanged) != 1 {
		t.Fatalf("second run counts: %s", report.Summary())
	}
}

func TestRunStageMissingPrerequisite(t *testing.T) {
	env := newTestEnv(t)
	r := env.runner(Options{Mode: ModeApply})
	st := &fakeStage{
		name:     "villages",
		requires: []canonical.EntityType{canonical.EntityDistrict},
		run: func(ctx context.Context, sc *Context) error {
			t.Fatal("stage body must not run")
			return nil
		},
	}

	_, err := r.RunStage(context.Background(), st)
	var missing *MissingPrerequisiteError
	if !errors.As(err, &missing) {
		t.Fatalf("want MissingPrerequisiteError, got %v", err)
	}
	if missing.Type != canonical.EntityDistrict {
		t.Fatalf("missing type = %s", missing.Type)
	}
}

func TestFailureBudgetAbortsStage(t *testing.T) {
	env := newTestEnv(t)
	r := env.runner(Options{Mode: ModeApply, FailureRateLimit: 0.05})
	st := &fakeStage{name: "noisy", run: func(ctx context.Context, sc *Context) error {
		for i := 0; i < 45; i++ {
			if err := sc.Observe(BranchCreated, ""); err != nil {
				return err
			}
		}
		for i := 0; i < 20; i++ {
			if err := sc.Observe(BranchErrored, "boom"); err != nil {
				return err
			}
		}
		return nil
	}}

	report, err := r.RunStage(context.Background(), st)
	if !errors.Is(err, ErrFailureBudget) {
		t.Fatalf("want ErrFailureBudget, got %v", err)
	}
	if report.State != StateFailed {
		t.Fatalf("state = %s, want failed", report.State)
	}
}

func TestFailureBudgetIgnoresSmallSamples(t *testing.T) {
	env := newTestEnv(t)
	r := env.runner(Options{Mode: ModeApply, FailureRateLimit: 0.05})
	st := &fakeStage{name: "tiny", run: func(ctx context.Context, sc *Context) error {
		// 100% errored, but under the minimum row count for the budget.
		for i := 0; i < 10; i++ {
			if err := sc.Observe(BranchErrored, "boom"); err != nil {
				return err
			}
		}
		return nil
	}}

	if _, err := r.RunStage(context.Background(), st); err != nil {
		t.Fatalf("small samples must not trip the budget: %v", err)
	}
}

func TestPreviewRunAllSharesMappings(t *testing.T) {
	env := newTestEnv(t)
	r := env.runner(Options{Mode: ModePreview})
	stages := []Stage{
		&fakeStage{name: "districts", run: upsertDistrict},
		// The consumer's prerequisite is satisfied only by entries the
		// producer previewed moments earlier.
		&fakeStage{
			name:     "villages",
			requires: []canonical.EntityType{canonical.EntityDistrict},
			run: func(ctx context.Context, sc *Context) error {
				return sc.Observe(BranchUnchanged, "")
			},
		},
	}

	reports, err := r.RunAll(context.Background(), stages)
	if err != nil {
		t.Fatalf("preview run all: %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("reports = %d, want 2", len(reports))
	}
	if reports[1].State != StateRolledBack {
		t.Fatalf("consumer state = %s, want rolled_back", reports[1].State)
	}
	if env.mappings.Len(canonical.EntityDistrict) != 0 {
		t.Fatal("preview leaked mapping entries into the durable store")
	}
}

func TestRunAllHaltsOnFirstFailure(t *testing.T) {
	env := newTestEnv(t)
	r := env.runner(Options{Mode: ModeApply})
	boom := errors.New("boom")
	second := false
	stages := []Stage{
		&fakeStage{name: "first", run: func(ctx context.Context, sc *Context) error { return boom }},
		&fakeStage{name: "second", run: func(ctx context.Context, sc *Context) error {
			second = true
			return nil
		}},
	}

	reports, err := r.RunAll(context.Background(), stages)
	if !errors.Is(err, boom) {
		t.Fatalf("want wrapped boom, got %v", err)
	}
	if len(reports) != 1 {
		t.Fatalf("reports = %d, want 1", len(reports))
	}
	if second {
		t.Fatal("second stage ran after a failed prerequisite stage")
	}
}
