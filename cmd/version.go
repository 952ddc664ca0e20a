package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

const (
	version = "junkdb 0.1.0"
)

func init() {
	junkdbCmd.AddCommand(
		&cobra.Command{
			Use:   "version",
			Short: "Print the version number of Junkdb",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Println(version)
			},
		})
}
