package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/gtnao/junkdb/engine"
)

var (
	stressCmd = &cobra.Command{
		Use:   "stress",
		Short: "Run concurrent transfers between accounts and check the total balance",
		Args:  cobra.NoArgs,
		RunE:  stressRun,
	}

	stressOpts engine.StressOptions
)

func init() {
	fs := stressCmd.Flags()
	fs.StringVar(&stressOpts.Table, "table", "accounts", "`table` to create and use")
	fs.IntVar(&stressOpts.Accounts, "accounts", 8, "number of accounts")
	fs.IntVar(&stressOpts.Workers, "workers", 4, "number of concurrent workers")
	fs.IntVar(&stressOpts.Transfers, "transfers", 10, "transfers per worker")
	fs.Int64Var(&stressOpts.Seed, "seed", 1, "random seed")

	junkdbCmd.AddCommand(stressCmd)
}

func stressRun(cmd *cobra.Command, args []string) error {
	iso, err := defaultIsolation()
	if err != nil {
		return err
	}
	stressOpts.Isolation = iso

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	e, err := openEngine(ctx)
	if err != nil {
		return err
	}
	res, err := engine.Stress(ctx, e, stressOpts)
	if res != nil {
		fmt.Printf("committed: %d\n", res.Committed)
		fmt.Printf("conflicts: %d\n", res.Conflicts)
		fmt.Printf("lock timeouts: %d\n", res.Timeouts)
		fmt.Printf("stopped by full pages: %d\n", res.PageFull)
		fmt.Printf("total balance: %d (expected %d)\n", res.Total, res.Expected)
	}
	if cerr := e.Close(); err == nil {
		err = cerr
	}
	return err
}
