package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	junkdbCmd.AddCommand(
		&cobra.Command{
			Use:   "recover",
			Short: "Recover the database and report what recovery did",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				e, err := openEngine(context.Background())
				if err != nil {
					return err
				}
				res := e.Recovered()
				fmt.Printf("records: %d\n", res.Records)
				fmt.Printf("checkpoint lsn: %d\n", res.CheckpointLSN)
				fmt.Printf("redone: %d\n", res.Redone)
				fmt.Printf("undone: %d\n", res.Undone)
				fmt.Printf("losers: %v\n", res.Losers)
				fmt.Printf("next txn: %d\n", res.NextTxnID)
				return e.Close()
			},
		})
}
