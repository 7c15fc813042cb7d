package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"tradereg/internal/canonical"
	"tradereg/internal/legacy"
	"tradereg/internal/mapping"
	"tradereg/internal/resolve"
	"tradereg/internal/target"
)

// Scope narrows a stage or reconciliation job to one series and/or one
// occupation for incremental re-runs. Empty fields mean no filter.
type Scope struct {
	SeriesCode     string
	OccupationCode string
}

// Stage is one named unit of the ordered migration. Bulk stages and
// reconciliation jobs share the contract, so both get the same transactional
// boundary, preview mode and reporting.
type Stage interface {
	Name() string
	// Requires lists the entity types whose mapping tables must exist before
	// the stage may run. The runner fails fast on a missing prerequisite
	// rather than letting the stage guess.
	Requires() []canonical.EntityType
	Run(ctx context.Context, sc *Context) error
}

// ErrFailureBudget aborts a stage whose per-record error rate crossed the
// configured threshold, a signal that something systemic broke (e.g. a
// renamed legacy column) rather than ordinary source dirt.
var ErrFailureBudget = errors.New("pipeline: per-record failure rate exceeded threshold")

// failureRateMinRows avoids tripping the budget on tiny prefixes of a table.
const failureRateMinRows = 50

// Context carries everything a stage body needs. All writes go through Tx
// (via Upsert or Exec); the runner decides whether that transaction commits.
type Context struct {
	Reader   *legacy.Reader
	Store    *target.Store
	Tx       target.Querier
	Upserter *target.Upserter
	Resolver *resolve.Resolver
	Mappings *mapping.Store
	Report   *Report
	Scope    Scope
	Log      *slog.Logger

	// Categories is the externally supplied raw-to-target category table.
	Categories canonical.CategoryTable

	// Workers bounds read-and-resolve fan-out inside a stage. Writes still
	// funnel through the single stage transaction.
	Workers int
	// ProgressEvery triggers a progress log line every N processed rows.
	ProgressEvery int

	failureRateLimit float64
}

// Observe counts a row into a branch and enforces the failure budget.
// Stage bodies must propagate the returned error.
func (sc *Context) Observe(branch Branch, detail string) error {
	sc.Report.Add(branch, detail)
	if branch == BranchErrored && sc.failureRateLimit > 0 {
		if sc.Report.Processed() >= failureRateMinRows && sc.Report.failureRate() > sc.failureRateLimit {
			return fmt.Errorf("%w: %.0f%% of %d rows errored in stage %s",
				ErrFailureBudget, sc.Report.failureRate()*100, sc.Report.Processed(), sc.Report.Stage)
		}
	}
	return nil
}

// Progress logs a processed-rows line at the configured cadence so an
// operator can judge whether a stuck run should be killed.
func (sc *Context) Progress(processed int) {
	if sc.ProgressEvery > 0 && processed > 0 && processed%sc.ProgressEvery == 0 {
		sc.Log.Info("progress", "stage", sc.Report.Stage, "rows", processed)
	}
}

// Rebind exposes the store's placeholder rewriting to stage SQL.
func (sc *Context) Rebind(query string) string { return sc.Store.Rebind(query) }
