package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pthm/pgm/internal/update"
	"github.com/pthm/pgm/internal/version"
)

var versionCheck bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Example: `  pgm version

  # Also check GitHub for a newer release
  pgm version --check`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(version.Info())
		if !versionCheck {
			return nil
		}

		info, err := (&update.Checker{}).Check(cmd.Context())
		if err != nil {
			return err
		}
		if info.UpdateAvailable {
			fmt.Println(warnStyle.Render(fmt.Sprintf("pgm %s is available: %s", info.LatestVersion, info.ReleaseURL)))
		} else {
			fmt.Println(okStyle.Render("pgm is up to date."))
		}
		return nil
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionCheck, "check", false, "check for a newer release")
}
