// Command hivemind is the operator CLI for the learning substrate:
// knowledge queries, lifecycle maintenance, fraud review, workflow
// orchestration, replay, and coordination monitoring.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"hivemind/internal/blackboard"
	"hivemind/internal/config"
	"hivemind/internal/hiveerr"
	"hivemind/internal/logging"
	"hivemind/internal/paths"
	"hivemind/internal/store"
)

var (
	verbose  bool
	baseFlag string

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "hivemind",
	Short: "Learning-aware agent coordination substrate",
	Long: `hivemind manages the shared memory of an agent swarm: validated
heuristics with confidence lifecycles, a coordination blackboard, fraud
review for suspicious rules, workflow orchestration with replay, and a
context builder that assembles what an agent should know before a task.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// app bundles the resources most commands need.
type app struct {
	layout paths.Layout
	cfg    *config.Config
	store  *store.Store
}

// openApp resolves the base path, prepares the directory layout and
// file loggers, loads configuration and opens the knowledge store.
func openApp() (*app, error) {
	base, err := paths.Base(baseFlag)
	if err != nil {
		return nil, err
	}
	layout := paths.NewLayout(base)
	if err := layout.EnsureDirs(); err != nil {
		return nil, err
	}
	if err := logging.Initialize(base); err != nil {
		return nil, err
	}
	cfg, err := config.Load(base)
	if err != nil {
		return nil, err
	}
	s, err := store.New(layout.DatabasePath())
	if err != nil {
		return nil, err
	}
	return &app{layout: layout, cfg: cfg, store: s}, nil
}

func (a *app) close() {
	if a.store != nil {
		_ = a.store.Close()
	}
	logging.CloseAll()
}

func (a *app) board() (*blackboard.Board, error) {
	return blackboard.New(a.layout.Coordination)
}

func main() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().StringVar(&baseFlag, "base", "", "base path (default: repo root discovery)")

	if err := rootCmd.Execute(); err != nil {
		code := hiveerr.CodeOf(err)
		msg := err.Error()
		var he *hiveerr.Error
		if errors.As(err, &he) {
			msg = he.Msg
		}
		fmt.Fprintf(os.Stderr, "%s ERROR: %s\n", code.Kind(), msg)
		os.Exit(code.ExitCode())
	}
}
