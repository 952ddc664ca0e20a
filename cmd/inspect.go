package cmd

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/gtnao/junkdb/repl"
)

func init() {
	junkdbCmd.AddCommand(
		&cobra.Command{
			Use:   "inspect",
			Short: "Recover the database and describe each of its pages",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx := context.Background()
				e, err := openEngine(ctx)
				if err != nil {
					return err
				}
				ses := repl.NewSession(ctx, e, 0, os.Stdout)
				err = ses.Execute("inspect")
				if cerr := e.Close(); err == nil {
					err = cerr
				}
				return err
			},
		})
}
