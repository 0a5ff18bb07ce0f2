package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/pthm/pgm/internal/cli"
	"github.com/pthm/pgm/internal/doctor"
)

var (
	doctorPath    string
	doctorVerbose bool
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run health checks",
	Long:  `Run health checks on the project directory, the ledger and the objects it records.`,
	Example: `  # Run health checks
  pgm doctor --db postgres://localhost/mydb

  # Run with verbose output
  pgm doctor --verbose`,
	RunE: func(cmd *cobra.Command, args []string) error {
		root := cfg.ResolvedPath(doctorPath)
		verboseFlag := resolveBool(doctorVerbose, cfg.Doctor.Verbose)
		opts, err := migratorOptions(false, false, 0)
		if err != nil {
			return err
		}

		db, err := cli.OpenDB(cmd.Context(), cfg, dbURL)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		say(os.Stdout, "%s", titleStyle.Render("pgm doctor - Health Check"))

		d := doctor.New(db, root, opts)
		d.Table = cfg.Ledger.Table
		report, err := d.Run(cmd.Context())
		if err != nil {
			return cli.GeneralError("running doctor", err)
		}

		report.Print(os.Stdout, verboseFlag)

		if report.HasErrors() {
			return cli.GeneralError("health checks failed", nil)
		}
		return nil
	},
}

func init() {
	f := doctorCmd.Flags()
	f.StringVar(&doctorPath, "path", "", "project directory (default from config)")
	f.BoolVar(&doctorVerbose, "verbose", false, "show detailed output")
}
