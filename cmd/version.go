package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tonywu7/dougbot2-sub000/robot"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of the application",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf(
			"version=%s commit=%s built: %s",
			robot.Version,
			robot.CommitSHA,
			robot.BuildTime,
		)
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(versionCmd)
}
