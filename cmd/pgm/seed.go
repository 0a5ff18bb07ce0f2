package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/pthm/pgm/internal/cli"
	"github.com/pthm/pgm/pkg/migrator"
	"github.com/pthm/pgm/pkg/project"
)

var seedPath string

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Run the seed scripts",
	Long: `Run every file in seeds/ in name order, in one transaction.

Seeds are not recorded in the ledger and run on every invocation, so they
should be written to be repeatable (INSERT ... ON CONFLICT DO NOTHING).`,
	Example: `  pgm seed --db postgres://localhost/mydb_dev`,
	RunE: func(cmd *cobra.Command, args []string) error {
		root := cfg.ResolvedPath(seedPath)
		p, err := project.Load(root)
		if err != nil {
			return err
		}
		if len(p.Seeds) == 0 {
			say(os.Stdout, "No seeds in %s.", root)
			return nil
		}

		db, err := cli.OpenDB(cmd.Context(), cfg, dbURL)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		if err := migrator.NewMigrator(db, cfg.Ledger.Table, logger).Seed(cmd.Context(), p.Seeds); err != nil {
			return err
		}
		say(os.Stdout, "%s %d seeds", okStyle.Render("Ran"), len(p.Seeds))
		return nil
	},
}

func init() {
	seedCmd.Flags().StringVar(&seedPath, "path", "", "project directory (default from config)")
}
