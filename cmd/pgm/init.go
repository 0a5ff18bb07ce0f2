package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pthm/pgm/internal/cli"
	"github.com/pthm/pgm/pkg/importer"
	"github.com/pthm/pgm/pkg/project"
)

var initExistingDB bool

var initCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Create a new project directory",
	Long: `Create the project layout (functions/, triggers/, views/,
materialized-views/, migrations/, seeds/).

With --existing-db the database is dumped with the configured dump command
and split into object files plus a baseline migration holding the table DDL.`,
	Example: `  # Start an empty project in ./postgres
  pgm init

  # Import an existing database
  pgm init db --existing-db --db postgres://localhost/mydb

  # Then mark the baseline as applied on that database
  pgm apply --path db --fake`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var root string
		if len(args) > 0 {
			root = args[0]
		}
		root = cfg.ResolvedPath(root)

		if initExistingDB {
			return runInitExisting(cmd, root)
		}
		if err := project.Init(root); err != nil {
			return err
		}
		say(os.Stdout, "%s %s", okStyle.Render("Created"), root)
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(&initExistingDB, "existing-db", false, "import functions, views and tables from the database")
}

func runInitExisting(cmd *cobra.Command, root string) error {
	ctx := cmd.Context()

	// Fail before dumping if the directory is taken.
	if _, err := os.Stat(root); err == nil {
		return project.Init(root)
	}

	dsn := dbURL
	if dsn == "" {
		var err error
		if dsn, err = cfg.DSN(); err != nil {
			return cli.ConfigError("database configuration", err)
		}
	}

	dumper := &importer.Dumper{Command: cfg.Init.DumpCommand, DSN: dsn, Logger: logger}
	out, err := dumper.Dump(ctx)
	if err != nil {
		return err
	}
	dump, err := importer.Scan(strings.NewReader(out))
	if err != nil {
		return err
	}

	if err := project.Init(root); err != nil {
		return err
	}
	report, err := importer.Import(dump, root)
	if err != nil {
		return err
	}

	printImportReport(root, report)
	return nil
}

func printImportReport(root string, report *importer.Report) {
	out := os.Stdout
	say(out, "%s", titleStyle.Render("Imported into "+root))
	for _, kind := range project.Kinds {
		if n := report.Objects[kind]; n > 0 {
			say(out, "  %s %d %s", okStyle.Render("✓"), n, kind.Dir())
		}
	}
	if report.BaselineStatements > 0 {
		say(out, "  %s %d statements in %s", okStyle.Render("✓"), report.BaselineStatements,
			filepath.ToSlash(filepath.Join(project.MigrationsDir, importer.BaselineName+".sql")))
	}

	if len(report.Skipped) > 0 {
		reasons := make(map[string]int)
		for _, s := range report.Skipped {
			reasons[s.Reason]++
			logger.Debug("skipped dump statement", "line", s.Line, "statement", s.Head, "reason", s.Reason)
		}
		keys := make([]string, 0, len(reasons))
		for r := range reasons {
			keys = append(keys, r)
		}
		sort.Strings(keys)
		for _, r := range keys {
			say(out, "  %s skipped %d (%s)", dimStyle.Render("-"), reasons[r], r)
		}
	}

	say(out, "\n%s", fmt.Sprintf("Next: review the files, then record them on this database with\n  pgm apply --path %s --fake", root))
}
