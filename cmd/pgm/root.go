package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pthm/pgm/internal/cli"
	"github.com/pthm/pgm/pkg/migrator"
	"github.com/pthm/pgm/pkg/planner"
)

var (
	// Global state set during PersistentPreRunE
	cfg        *cli.Config
	configPath string
	logger     *slog.Logger

	// Persistent flags
	cfgFile string
	verbose int
	quiet   bool
	dbURL   string
)

var rootCmd = &cobra.Command{
	Use:   "pgm",
	Short: "PostgreSQL schema reconciler",
	Long: `pgm - PostgreSQL schema reconciler

pgm applies a directory of SQL files to PostgreSQL. Functions, triggers, views
and materialized views are re-applied whenever their file changes; migrations
run once, in order. Everything a run does commits in one transaction.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for help/completion/version commands
		if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "version" {
			return nil
		}

		var err error
		cfg, configPath, err = cli.LoadConfig(cfgFile)
		if err != nil {
			return cli.ConfigError("loading configuration", err)
		}

		logger, err = cli.NewLogger(os.Stderr, cfg.Log, verbose, quiet)
		if err != nil {
			return cli.ConfigError("logging configuration", err)
		}
		return nil
	},
	SilenceUsage:  true, // Don't show usage on errors
	SilenceErrors: true, // We handle errors ourselves
}

// Command group IDs
const (
	groupProject  = "project"
	groupDatabase = "database"
	groupUtility  = "utility"
)

func init() {
	// Persistent flags (available to all commands)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: auto-discover pgm.yaml)")
	rootCmd.PersistentFlags().CountVarP(&verbose, "verbose", "v", "increase verbosity (can be repeated)")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress non-error output")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "database URL (overrides configuration)")

	rootCmd.AddGroup(
		&cobra.Group{ID: groupProject, Title: "Project:"},
		&cobra.Group{ID: groupDatabase, Title: "Database:"},
		&cobra.Group{ID: groupUtility, Title: "Utility:"},
	)

	initCmd.GroupID = groupProject
	createCmd.GroupID = groupProject
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(createCmd)

	applyCmd.GroupID = groupDatabase
	seedCmd.GroupID = groupDatabase
	statusCmd.GroupID = groupDatabase
	doctorCmd.GroupID = groupDatabase
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(doctorCmd)

	configCmd.GroupID = groupUtility
	versionCmd.GroupID = groupUtility
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command. SIGINT and SIGTERM cancel the context, which
// aborts the statement in flight and rolls the run back.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		cli.ExitWithError(err)
	}
}

// resolveBool returns true if any of the provided values is true.
// Used for boolean flags where any true value should win.
func resolveBool(values ...bool) bool {
	for _, v := range values {
		if v {
			return true
		}
	}
	return false
}

// resolveDuration returns the first positive duration.
func resolveDuration(values ...time.Duration) time.Duration {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

// migratorOptions builds run options from configuration; commands layer
// their flags on top.
func migratorOptions(strictDrift, allowOutOfOrder bool, lockTimeout time.Duration) (migrator.Options, error) {
	policy, err := planner.ParseDriftPolicy(cfg.Apply.DriftPolicy)
	if err != nil {
		return migrator.Options{}, err
	}
	if strictDrift {
		policy = planner.DriftError
	}
	return migrator.Options{
		AllowOutOfOrder:    resolveBool(allowOutOfOrder, cfg.Apply.AllowOutOfOrder),
		DriftPolicy:        policy,
		LockTimeout:        resolveDuration(lockTimeout, cfg.Apply.LockTimeout),
		SkipBodyValidation: cfg.Apply.SkipBodyValidation,
	}, nil
}
