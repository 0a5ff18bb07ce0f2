package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/pthm/pgm/internal/cli"
	"github.com/pthm/pgm/pkg/fingerprint"
	"github.com/pthm/pgm/pkg/migrator"
	"github.com/pthm/pgm/pkg/project"
)

var statusPath string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show applied state and pending changes",
	Long:  `Show what the ledger records and what the next apply would do. Takes no lock and writes nothing.`,
	Example: `  # Check status
  pgm status --db postgres://localhost/mydb`,
	RunE: func(cmd *cobra.Command, args []string) error {
		root := cfg.ResolvedPath(statusPath)
		p, err := project.Load(root)
		if err != nil {
			return err
		}
		opts, err := migratorOptions(false, false, 0)
		if err != nil {
			return err
		}

		db, err := cli.OpenDB(cmd.Context(), cfg, dbURL)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		s, err := migrator.NewMigrator(db, cfg.Ledger.Table, logger).GetStatus(cmd.Context(), p, opts)
		if err != nil {
			return err
		}
		printStatus(os.Stdout, root, s)
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusPath, "path", "", "project directory (default from config)")
}

func printStatus(w io.Writer, root string, s *migrator.Status) {
	_, _ = fmt.Fprintf(w, "Project:  %s\n", root)
	if !s.LedgerExists {
		_, _ = fmt.Fprintf(w, "Ledger:   %s\n", warnStyle.Render("missing (nothing applied yet)"))
	} else {
		var migrations, fakes int
		for _, e := range s.Entries {
			if e.IsMigration() {
				migrations++
			}
			if e.Fake {
				fakes++
			}
		}
		_, _ = fmt.Fprintf(w, "Ledger:   %d objects, %d migrations (%d faked)\n",
			len(s.Entries)-migrations, migrations, fakes)
	}

	pending := s.Plan.Pending()
	if len(pending) == 0 {
		_, _ = fmt.Fprintf(w, "Pending:  %s\n", okStyle.Render("none"))
	} else {
		_, _ = fmt.Fprintf(w, "Pending:  %d\n", len(pending))
		for _, a := range pending {
			fp := ""
			switch {
			case a.Object != nil:
				fp = fingerprint.Short(a.Object.Fingerprint)
			case a.Migration != nil:
				fp = fingerprint.Short(a.Migration.Fingerprint)
			}
			_, _ = fmt.Fprintf(w, "  %-8s %s %s\n", a.Kind, a.Target(), dimStyle.Render(fp+" "+a.Reason))
		}
	}

	for _, warning := range s.Plan.Warnings {
		_, _ = fmt.Fprintf(w, "%s [%s] %s\n", warnStyle.Render("⚠"), warning.Kind, warning.Message)
	}
}
