package pipeline

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// Mode selects whether a run writes or only reports.
type Mode string

const (
	// ModePreview executes the full read + resolve + would-write computation
	// and forces a rollback at the end. The code path is identical to apply;
	// only the final transaction disposition differs.
	ModePreview Mode = "preview"
	// ModeApply commits the stage transaction on success.
	ModeApply Mode = "apply"
)

// State is the lifecycle of one stage run.
type State string

const (
	StatePending    State = "pending"
	StateRunning    State = "running"
	StateCommitted  State = "committed"
	StateRolledBack State = "rolled_back"
	StateFailed     State = "failed"
)

// Branch names the decision outcomes a stage counts rows into.
type Branch string

const (
	BranchCreated    Branch = "created"
	BranchUpdated    Branch = "updated"
	BranchUnchanged  Branch = "unchanged"
	BranchSkipped    Branch = "skipped"
	BranchUnresolved Branch = "unresolved"
	BranchErrored    Branch = "errored"
	BranchRemoved    Branch = "removed" // reconciliation cleanups
)

var branchOrder = []Branch{BranchCreated, BranchUpdated, BranchUnchanged, BranchSkipped, BranchUnresolved, BranchErrored, BranchRemoved}

// Report is the operator-facing record of one stage run. It is not persisted
// beyond logs; idempotency rests on the mapping artifacts and the upsert
// engine, not on run history.
type Report struct {
	RunID string
	Stage string
	Mode  Mode
	State State

	StartedAt  time.Time
	FinishedAt time.Time

	mu          sync.Mutex
	counts      map[Branch]int
	samples     map[Branch][]string
	sampleLimit int
}

// NewReport initializes a report. sampleLimit caps retained sample rows per
// decision branch.
func NewReport(runID, stage string, mode Mode, sampleLimit int) *Report {
	if sampleLimit <= 0 {
		sampleLimit = 10
	}
	return &Report{
		RunID:       runID,
		Stage:       stage,
		Mode:        mode,
		State:       StatePending,
		counts:      make(map[Branch]int),
		samples:     make(map[Branch][]string),
		sampleLimit: sampleLimit,
	}
}

// Add counts one row into a branch, keeping the first N details as samples.
func (r *Report) Add(branch Branch, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[branch]++
	if detail != "" && len(r.samples[branch]) < r.sampleLimit {
		r.samples[branch] = append(r.samples[branch], detail)
	}
}

// Count returns the tally of one branch.
func (r *Report) Count(branch Branch) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[branch]
}

// Processed returns the total rows counted across branches.
func (r *Report) Processed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.counts {
		n += c
	}
	return n
}

// Migrated returns rows that created or changed a canonical record.
func (r *Report) Migrated() int {
	return r.Count(BranchCreated) + r.Count(BranchUpdated)
}

// Clean reports whether the run completed without unresolved references or
// per-record errors. Drives the process exit status.
func (r *Report) Clean() bool {
	return r.Count(BranchUnresolved) == 0 && r.Count(BranchErrored) == 0
}

// Samples returns the retained sample details for a branch.
func (r *Report) Samples(branch Branch) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.samples[branch]))
	copy(out, r.samples[branch])
	return out
}

// failureRate is the errored share of processed rows.
func (r *Report) failureRate() float64 {
	processed := r.Processed()
	if processed == 0 {
		return 0
	}
	return float64(r.Count(BranchErrored)) / float64(processed)
}

// Write renders the report for the operator. Counts are always printed,
// whatever the exit status.
func (r *Report) Write(w io.Writer) {
	fmt.Fprintf(w, "stage %s (%s) run %s: %s in %s\n",
		r.Stage, r.Mode, r.RunID, r.State, r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	for _, b := range branchOrder {
		if r.Count(b) == 0 {
			continue
		}
		fmt.Fprintf(w, "  %-10s %d\n", b, r.Count(b))
		for _, s := range r.Samples(b) {
			if b == BranchUnresolved || b == BranchErrored || b == BranchRemoved {
				fmt.Fprintf(w, "    - %s\n", s)
			}
		}
	}
	if r.Processed() == 0 {
		fmt.Fprintln(w, "  no rows processed")
	}
}

// Summary is a one-line rendering for logs.
func (r *Report) Summary() string {
	var parts []string
	for _, b := range branchOrder {
		if c := r.Count(b); c > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", b, c))
		}
	}
	sort.Strings(parts)
	if len(parts) == 0 {
		return "empty"
	}
	return strings.Join(parts, " ")
}
