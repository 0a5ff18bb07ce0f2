package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pthm/pgm"
	"github.com/pthm/pgm/internal/cli"
	"github.com/pthm/pgm/pkg/migrator"
	"github.com/pthm/pgm/pkg/planner"
	"github.com/pthm/pgm/pkg/project"
)

var (
	applyPath            string
	applyDryRun          bool
	applyFake            bool
	applyLockTimeout     time.Duration
	applyStrictDrift     bool
	applyAllowOutOfOrder bool
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply the project to the database",
	Long: `Apply the project directory to the database.

Changed functions and triggers are replaced, new migrations run in sequence
order, then views and materialized views are rebuilt. The whole run is one
transaction guarded by an advisory lock on the ledger.`,
	Example: `  # Apply pending changes
  pgm apply --db postgres://localhost/mydb

  # Preview the SQL without touching the database
  pgm apply --dry-run

  # Record migrations as applied without running them
  pgm apply --fake

  # Fail instead of warning when an applied migration was edited
  pgm apply --strict-drift`,
	RunE: func(cmd *cobra.Command, args []string) error {
		root := cfg.ResolvedPath(applyPath)
		if err := project.RequireRoot(root); err != nil {
			return err
		}

		opts, err := migratorOptions(applyStrictDrift, applyAllowOutOfOrder, applyLockTimeout)
		if err != nil {
			return err
		}
		opts.Fake = applyFake
		if applyDryRun {
			opts.DryRun = os.Stdout
			opts.Color = cli.IsTerminal(os.Stdout)
		}

		return runApply(cmd, root, opts)
	},
}

func init() {
	f := applyCmd.Flags()
	f.StringVar(&applyPath, "path", "", "project directory (default from config)")
	f.BoolVar(&applyDryRun, "dry-run", false, "print the plan and SQL without applying")
	f.BoolVar(&applyFake, "fake", false, "record pending migrations without running them")
	f.DurationVar(&applyLockTimeout, "lock-timeout", 0, "how long to wait for another run's lock (default from config)")
	f.BoolVar(&applyStrictDrift, "strict-drift", false, "fail when an applied migration was modified")
	f.BoolVar(&applyAllowOutOfOrder, "allow-out-of-order", false, "run unapplied migrations numbered below the newest applied one")
}

func runApply(cmd *cobra.Command, root string, opts migrator.Options) error {
	ctx := cmd.Context()

	p, err := project.Load(root)
	if err != nil {
		return err
	}

	db, err := cli.OpenDB(ctx, cfg, dbURL)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	m := migrator.NewMigrator(db, cfg.Ledger.Table, logger)
	result, err := m.Run(ctx, p, opts)
	if err != nil {
		printApplyFailure(err)
		return err
	}

	if !result.DryRun {
		printApplySummary(result)
	}
	return nil
}

func printApplySummary(result *migrator.Result) {
	out := os.Stdout
	if len(result.Applied) == 0 {
		say(out, "%s", okStyle.Render("Database is up to date."))
		return
	}

	for _, a := range result.Applied {
		say(out, "  %s %s %s", okStyle.Render("✓"), a.Target(), dimStyle.Render("("+a.Kind.String()+")"))
	}

	counts := result.Plan.Counts()
	say(out, "\n%s %s",
		titleStyle.Render(fmt.Sprintf("Applied %d changes", len(result.Applied))),
		dimStyle.Render(fmt.Sprintf("(%d created, %d replaced, %d migrations run, %d faked) in %s, run %s",
			counts[planner.Create], counts[planner.Replace], counts[planner.RunMigration], counts[planner.MarkFake],
			result.Duration.Round(time.Millisecond), result.RunID)))

	if drift := result.Plan.DriftWarnings(); len(drift) > 0 {
		say(out, "")
		for _, w := range drift {
			say(out, "%s %s", warnStyle.Render("⚠"), w)
		}
	}
}

// printApplyFailure names the failed target before the error is reported.
func printApplyFailure(err error) {
	if quiet {
		return
	}
	var target string
	switch {
	case pgm.IsExecutionErr(err):
		target = "the run was rolled back; nothing was applied"
	case pgm.IsLockHeldErr(err):
		target = "another pgm run holds the ledger lock"
	case pgm.IsDriftErr(err):
		target = "applied migrations were modified"
	default:
		return
	}
	fmt.Fprintln(os.Stderr, errStyle.Render("✗ apply failed: ")+target)
}
