// Package cli wires the tradereg command tree.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"tradereg/internal/blob"
	"tradereg/internal/config"
	"tradereg/internal/legacy"
	"tradereg/internal/logging"
	"tradereg/internal/mapping"
	"tradereg/internal/target"
)

type app struct {
	cfgPath  string
	logLevel string
	logJSON  bool

	cfg *config.Config
	log *slog.Logger
}

// New builds the root command.
func New() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "tradereg",
		Short:         "Migrate the legacy trade-assessment registry into the canonical schema",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(a.cfgPath)
			if err != nil {
				return err
			}
			if a.logLevel != "" {
				cfg.Log.Level = a.logLevel
			}
			if cmd.Flags().Changed("log-json") {
				cfg.Log.JSON = a.logJSON
			}
			a.cfg = cfg
			a.log = logging.Setup(os.Stderr, logging.Options{Level: cfg.Log.Level, JSON: cfg.Log.JSON})
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.cfgPath, "config", "", "path to configuration file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&a.logJSON, "log-json", false, "emit JSON log lines")

	root.AddCommand(a.stagesCommand())
	root.AddCommand(a.runCommand())
	root.AddCommand(a.reconcileCommand())
	root.AddCommand(a.mappingsCommand())
	return root
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := New().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "tradereg:", err)
		return 1
	}
	return 0
}

// env groups the opened endpoints a migration command works against.
type env struct {
	reader    *legacy.Reader
	store     *target.Store
	artifacts blob.Store
	mappings  *mapping.Store
}

func (a *app) openEnv(ctx context.Context) (*env, func(), error) {
	reader, err := legacy.Open(a.cfg.Legacy.Driver, a.cfg.Legacy.DSN, a.cfg.Legacy.Timeout)
	if err != nil {
		return nil, nil, fmt.Errorf("open legacy source: %w", err)
	}
	store, err := target.Open(a.cfg.Target.Driver, a.cfg.Target.DSN, a.cfg.Target.Timeout)
	if err != nil {
		_ = reader.Close()
		return nil, nil, fmt.Errorf("open target: %w", err)
	}
	artifacts, err := blob.Open(ctx, a.cfg.BlobConfig())
	if err != nil {
		_ = reader.Close()
		_ = store.Close()
		return nil, nil, fmt.Errorf("open artifact store: %w", err)
	}
	maps, err := mapping.Load(ctx, artifacts)
	if err != nil {
		_ = reader.Close()
		_ = store.Close()
		return nil, nil, fmt.Errorf("load mapping artifacts: %w", err)
	}
	cleanup := func() {
		_ = reader.Close()
		_ = store.Close()
	}
	return &env{reader: reader, store: store, artifacts: artifacts, mappings: maps}, cleanup, nil
}
