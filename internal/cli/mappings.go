package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"tradereg/internal/mapping"
)

func (a *app) mappingsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mappings",
		Short: "Inspect durable legacy-to-canonical mapping tables",
	}
	cmd.AddCommand(a.mappingsListCommand())
	cmd.AddCommand(a.mappingsExportCommand())
	return cmd
}

func (a *app) mappingsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show mapping table sizes per entity type",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			env, cleanup, err := a.openEnv(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TYPE\tENTRIES")
			for _, t := range env.mappings.Types() {
				fmt.Fprintf(w, "%s\t%d\n", t, env.mappings.Len(t))
			}
			return w.Flush()
		},
	}
}

func (a *app) mappingsExportCommand() *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Copy mapping CSV artifacts into a local directory",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			env, cleanup, err := a.openEnv(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			infos, err := env.artifacts.List(ctx, mapping.ArtifactPrefix)
			if err != nil {
				return fmt.Errorf("list artifacts: %w", err)
			}
			if len(infos) == 0 {
				return fmt.Errorf("no mapping artifacts found; run an apply pass first")
			}
			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return err
			}
			for _, info := range infos {
				if err := copyArtifact(cmd, env, info.Key, outDir); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&outDir, "out", "mappings-export", "destination directory")
	return cmd
}

func copyArtifact(cmd *cobra.Command, env *env, key, outDir string) error {
	r, err := env.artifacts.Get(cmd.Context(), key)
	if err != nil {
		return fmt.Errorf("read artifact %s: %w", key, err)
	}
	defer func() { _ = r.Close() }()

	dest := filepath.Join(outDir, filepath.Base(key))
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", dest, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "exported %s\n", dest)
	return nil
}
