package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/gtnao/junkdb/storage/wal"
)

func init() {
	junkdbCmd.AddCommand(
		&cobra.Command{
			Use:   "logdump",
			Short: "Print the records in the log without recovering the database",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				recs, instance, err := wal.ReadLog(dataDir)
				if err != nil {
					return err
				}
				fmt.Printf("instance %s\n", instance)

				tw := tablewriter.NewWriter(os.Stdout)
				tw.SetAutoFormatHeaders(false)
				tw.SetAutoWrapText(false)
				tw.SetHeader([]string{"lsn", "type", "txn", "prev", "payload"})
				for _, rec := range recs {
					tw.Append([]string{
						strconv.FormatUint(uint64(rec.LSN), 10),
						rec.Type.String(),
						strconv.FormatUint(uint64(rec.TxnID), 10),
						strconv.FormatUint(uint64(rec.PrevLSN), 10),
						wal.DescribePayload(rec.Type, rec.Payload),
					})
				}
				tw.Render()
				fmt.Printf("(%d records)\n", len(recs))
				return nil
			},
		})
}
