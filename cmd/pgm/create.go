package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/pthm/pgm"
	"github.com/pthm/pgm/internal/cli"
	"github.com/pthm/pgm/pkg/project"
)

var (
	createPath  string
	createForce bool
)

var createKinds = []string{"migration", "function", "trigger", "view", "materialized-view", "seed"}

var createCmd = &cobra.Command{
	Use:   "create <kind> [name]",
	Short: "Create a new SQL file from a template",
	Long: fmt.Sprintf(`Create a new SQL file from a template.

Kinds: %s.
Migrations and seeds are numbered after the highest existing file; other
kinds are named after the object.`, strings.Join(createKinds, ", ")),
	Example: `  # New migration, e.g. migrations/00004_add_orders.sql
  pgm create migration add_orders

  # New view file views/active_users.sql
  pgm create view active_users

  # Replace an existing function file without asking
  pgm create function slugify --force`,
	Args:      cobra.RangeArgs(1, 2),
	ValidArgs: createKinds,
	RunE: func(cmd *cobra.Command, args []string) error {
		root := cfg.ResolvedPath(createPath)
		if err := project.RequireRoot(root); err != nil {
			return err
		}
		var name string
		if len(args) > 1 {
			name = args[1]
		}

		path, content, err := renderNew(root, args[0], name)
		if err != nil {
			return err
		}

		force := createForce
		if !force {
			if _, err := os.Stat(path); err == nil {
				if force, err = confirmOverwrite(path); err != nil {
					return err
				}
				if !force {
					return cli.GeneralError(path+" exists; not overwritten", nil)
				}
			}
		}

		if err := project.WriteFile(path, content, force); err != nil {
			if errors.Is(err, project.ErrFileExists) {
				return cli.GeneralError("use --force to overwrite", err)
			}
			return err
		}
		say(os.Stdout, "%s %s", okStyle.Render("Created"), path)
		return nil
	},
}

func init() {
	f := createCmd.Flags()
	f.StringVar(&createPath, "path", "", "project directory (default from config)")
	f.BoolVar(&createForce, "force", false, "overwrite an existing file")
}

func renderNew(root, kind, name string) (path, content string, err error) {
	switch kind {
	case "migration", "seed":
		if kind == "migration" {
			path, err = project.NextMigrationPath(root, name)
		} else {
			path, err = project.NextSeedPath(root, name)
		}
		if err != nil {
			return "", "", err
		}
		content, err = project.Render(kind, name)
		return path, content, err
	}

	k, err := project.ParseKind(kind)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v (want one of %s)", pgm.ErrConfig, err, strings.Join(createKinds, ", "))
	}
	return project.NewObjectFile(root, k, name)
}

// confirmOverwrite asks on an interactive terminal; elsewhere it declines.
func confirmOverwrite(path string) (bool, error) {
	if !cli.IsTerminal(os.Stdin) || !cli.IsTerminal(os.Stdout) {
		return false, nil
	}
	var ok bool
	err := huh.NewConfirm().
		Title(fmt.Sprintf("%s already exists. Overwrite it?", path)).
		Affirmative("Overwrite").
		Negative("Keep").
		Value(&ok).
		Run()
	if err != nil {
		return false, err
	}
	return ok, nil
}
