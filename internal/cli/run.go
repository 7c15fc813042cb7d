package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"tradereg/internal/metrics"
	"tradereg/internal/pipeline"
	"tradereg/internal/pipeline/stages"
	"tradereg/internal/reconcile"
)

// errDirtyRun marks a completed run that left unresolved or errored rows, so
// scripts can distinguish "needs attention" from an aborted run.
var errDirtyRun = errors.New("run completed with unresolved or errored rows")

type runFlags struct {
	mode          string
	series        string
	occupation    string
	workers       int
	metricsListen string
}

func (f *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.mode, "mode", string(pipeline.ModePreview), "preview (roll back) or apply (commit)")
	cmd.Flags().StringVar(&f.series, "series", "", "restrict to one series code")
	cmd.Flags().StringVar(&f.occupation, "occupation", "", "restrict to one occupation code")
	cmd.Flags().IntVar(&f.workers, "workers", 0, "override configured worker count")
	cmd.Flags().StringVar(&f.metricsListen, "metrics-listen", "", "override metrics listen address")
}

func (f *runFlags) parseMode() (pipeline.Mode, error) {
	switch pipeline.Mode(f.mode) {
	case pipeline.ModePreview, pipeline.ModeApply:
		return pipeline.Mode(f.mode), nil
	}
	return "", fmt.Errorf("invalid --mode %q (want preview or apply)", f.mode)
}

func (a *app) stagesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stages",
		Short: "List bulk stages and reconciliation jobs in execution order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, st := range stages.All() {
				fmt.Fprintf(w, "stage\t%s\t%s\n", st.Name(), requiresList(st))
			}
			for _, j := range reconcile.All() {
				fmt.Fprintf(w, "job\t%s\t%s\n", j.Name(), requiresList(j))
			}
			return w.Flush()
		},
	}
}

func requiresList(st pipeline.Stage) string {
	reqs := st.Requires()
	if len(reqs) == 0 {
		return "-"
	}
	parts := make([]string, len(reqs))
	for i, t := range reqs {
		parts[i] = string(t)
	}
	return "requires " + strings.Join(parts, ",")
}

func (a *app) runCommand() *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run [stage...]",
		Short: "Run bulk migration stages (all of them when none are named)",
		RunE: func(cmd *cobra.Command, args []string) error {
			selected, err := selectStages(args)
			if err != nil {
				return err
			}
			return a.execute(cmd.Context(), flags, selected)
		},
	}
	flags.register(cmd)
	return cmd
}

func (a *app) reconcileCommand() *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "reconcile [job...]",
		Short: "Run reconciliation jobs (all of them when none are named)",
		RunE: func(cmd *cobra.Command, args []string) error {
			selected, err := selectJobs(args)
			if err != nil {
				return err
			}
			return a.execute(cmd.Context(), flags, selected)
		},
	}
	flags.register(cmd)
	return cmd
}

func selectStages(names []string) ([]pipeline.Stage, error) {
	if len(names) == 0 {
		return stages.All(), nil
	}
	out := make([]pipeline.Stage, 0, len(names))
	for _, name := range names {
		st, err := stages.ByName(name)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func selectJobs(names []string) ([]pipeline.Stage, error) {
	if len(names) == 0 {
		return reconcile.All(), nil
	}
	out := make([]pipeline.Stage, 0, len(names))
	for _, name := range names {
		j, err := reconcile.ByName(name)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

// execute runs the selected stages under one runner, prints every report and
// maps dirty outcomes onto a non-zero exit.
func (a *app) execute(ctx context.Context, flags *runFlags, selected []pipeline.Stage) error {
	mode, err := flags.parseMode()
	if err != nil {
		return err
	}
	env, cleanup, err := a.openEnv(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	recorder := metrics.NewRecorder()
	listen := a.cfg.Metrics.Listen
	if flags.metricsListen != "" {
		listen = flags.metricsListen
	}
	if listen != "" {
		serveCtx, stop := context.WithCancel(ctx)
		defer stop()
		go func() {
			if err := recorder.Serve(serveCtx, listen); err != nil {
				a.log.Error("metrics listener failed", "error", err)
			}
		}()
	}

	workers := a.cfg.Pipeline.Workers
	if flags.workers > 0 {
		workers = flags.workers
	}
	runner := pipeline.NewRunner(env.reader, env.store, env.mappings, env.artifacts, a.log, recorder, pipeline.Options{
		Mode:              mode,
		Scope:             pipeline.Scope{SeriesCode: flags.series, OccupationCode: flags.occupation},
		Workers:           workers,
		FailureRateLimit:  a.cfg.Pipeline.FailureRateLimit,
		SampleLimit:       a.cfg.Pipeline.SampleLimit,
		ProgressEvery:     a.cfg.Pipeline.ProgressEvery,
		DuplicateSuffixes: a.cfg.Pipeline.DuplicateSuffixes,
		Categories:        a.cfg.CategoryTable(),
	})

	reports, runErr := runner.RunAll(ctx, selected)
	clean := true
	for _, report := range reports {
		report.Write(os.Stdout)
		if !report.Clean() {
			clean = false
		}
	}
	if runErr != nil {
		return runErr
	}
	if !clean {
		return errDirtyRun
	}
	return nil
}
