// Package pipeline orders and executes the migration stages, wrapping each in
// a transactional boundary with a preview mode that shares the live code path
// and forces a rollback.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"tradereg/internal/blob"
	"tradereg/internal/canonical"
	"tradereg/internal/legacy"
	"tradereg/internal/mapping"
	"tradereg/internal/resolve"
	"tradereg/internal/target"
)

// MissingPrerequisiteError reports a stage invoked before the mapping
// artifact it depends on exists.
type MissingPrerequisiteError struct {
	Stage string
	Type  canonical.EntityType
}

func (e *MissingPrerequisiteError) Error() string {
	return fmt.Sprintf("stage %s: missing prerequisite mapping for %s; run its producing stage first", e.Stage, e.Type)
}

// Observer receives per-run outcomes. The metrics package implements it; a
// nil observer is valid.
type Observer interface {
	ObserveStage(stage string, mode string, duration time.Duration, counts map[string]int)
}

// Options configures a Runner.
type Options struct {
	Mode              Mode
	Scope             Scope
	Workers           int
	FailureRateLimit  float64
	SampleLimit       int
	ProgressEvery     int
	DuplicateSuffixes []string
	Categories        canonical.CategoryTable
}

// Runner executes stages strictly in declared order against one legacy
// source, one target store and one mapping store.
type Runner struct {
	reader    *legacy.Reader
	store     *target.Store
	mappings  *mapping.Store
	artifacts blob.Store
	log       *slog.Logger
	observer  Observer
	opts      Options
}

// NewRunner wires a runner. artifacts receives flushed mapping tables after
// each committed stage.
func NewRunner(reader *legacy.Reader, store *target.Store, mappings *mapping.Store, artifacts blob.Store, log *slog.Logger, observer Observer, opts Options) *Runner {
	if opts.Mode == "" {
		opts.Mode = ModePreview
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.ProgressEvery <= 0 {
		opts.ProgressEvery = 1000
	}
	if log == nil {
		log = slog.Default()
	}
	if opts.Categories == nil {
		opts.Categories = canonical.DefaultCategoryTable()
	}
	return &Runner{reader: reader, store: store, mappings: mappings, artifacts: artifacts, log: log, observer: observer, opts: opts}
}

// previewMaps returns the mapping store a run should resolve against:
// the durable store for apply, a discardable clone for preview.
func (r *Runner) previewMaps() *mapping.Store {
	if r.opts.Mode == ModePreview {
		return r.mappings.Clone()
	}
	return r.mappings
}

// RunStage executes one stage under the configured mode and returns its
// report. The returned error is nil for a completed run even when individual
// records were skipped or unresolved; the report carries those counts.
func (r *Runner) RunStage(ctx context.Context, st Stage) (*Report, error) {
	return r.runStage(ctx, st, r.previewMaps())
}

func (r *Runner) runStage(ctx context.Context, st Stage, maps *mapping.Store) (*Report, error) {
	report := NewReport(uuid.NewString(), st.Name(), r.opts.Mode, r.opts.SampleLimit)
	log := r.log.With("stage", st.Name(), "mode", string(r.opts.Mode), "run", report.RunID)

	for _, t := range st.Requires() {
		if maps.Len(t) == 0 {
			report.State = StateFailed
			return report, &MissingPrerequisiteError{Stage: st.Name(), Type: t}
		}
	}

	tx, err := r.store.Begin(ctx)
	if err != nil {
		report.State = StateFailed
		return report, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	sc := &Context{
		Reader:           r.reader,
		Store:            r.store,
		Tx:               tx,
		Upserter:         target.NewUpserter(r.store, tx, maps),
		Resolver:         resolve.New(maps, target.NewIndex(r.store, tx), r.opts.DuplicateSuffixes),
		Mappings:         maps,
		Report:           report,
		Scope:            r.opts.Scope,
		Log:              log,
		Categories:       r.opts.Categories,
		Workers:          r.opts.Workers,
		ProgressEvery:    r.opts.ProgressEvery,
		failureRateLimit: r.opts.FailureRateLimit,
	}

	report.State = StateRunning
	report.StartedAt = time.Now().UTC()
	log.Info("stage started")

	runErr := st.Run(ctx, sc)
	report.FinishedAt = time.Now().UTC()

	switch {
	case runErr != nil:
		report.State = StateFailed
		log.Error("stage failed", "error", runErr, "counts", report.Summary())
	case r.opts.Mode == ModePreview:
		report.State = StateRolledBack
		log.Info("stage previewed", "counts", report.Summary())
	default:
		if err := tx.Commit(); err != nil {
			report.State = StateFailed
			return report, fmt.Errorf("commit stage %s: %w", st.Name(), err)
		}
		committed = true
		report.State = StateCommitted
		if err := r.mappings.Flush(ctx, r.artifacts); err != nil {
			return report, fmt.Errorf("flush mappings after stage %s: %w", st.Name(), err)
		}
		log.Info("stage committed", "counts", report.Summary())
	}

	if r.observer != nil {
		counts := map[string]int{}
		for _, b := range branchOrder {
			if c := report.Count(b); c > 0 {
				counts[string(b)] = c
			}
		}
		r.observer.ObserveStage(st.Name(), string(r.opts.Mode), report.FinishedAt.Sub(report.StartedAt), counts)
	}
	return report, runErr
}

// RunAll executes stages in the given order and halts on the first stage
// whose transaction failed: later stages would run against uncertain
// prerequisites. Reports for completed stages are always returned.
//
// A preview run shares one mapping clone across all stages, so a consumer
// stage sees the entries its producers would have committed and a whole
// ordered pipeline can be previewed against an empty target. The clone is
// discarded with the run; every stage transaction still rolls back.
func (r *Runner) RunAll(ctx context.Context, stages []Stage) ([]*Report, error) {
	maps := r.previewMaps()
	var reports []*Report
	for _, st := range stages {
		report, err := r.runStage(ctx, st, maps)
		reports = append(reports, report)
		if err != nil {
			return reports, fmt.Errorf("run halted at stage %s: %w", st.Name(), err)
		}
	}
	return reports, nil
}
