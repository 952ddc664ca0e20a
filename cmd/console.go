package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gtnao/junkdb/repl"
)

var (
	consoleCmd = &cobra.Command{
		Use:   "console [file ...]",
		Short: "Run commands from files, or else from an interactive console",
		RunE:  consoleRun,
	}

	consoleCmds = []string{}
)

func init() {
	consoleCmd.Flags().StringArrayVarP(&consoleCmds, "cmd", "c", consoleCmds,
		"`command` to run; multiple allowed")

	junkdbCmd.AddCommand(consoleCmd)
}

func runFile(ses *repl.Session, name string) error {
	if name == "-" {
		return ses.Run(os.Stdin)
	}
	f, err := os.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()
	return ses.Run(f)
}

func consoleRun(cmd *cobra.Command, args []string) error {
	iso, err := defaultIsolation()
	if err != nil {
		return err
	}

	ctx := context.Background()
	e, err := openEngine(ctx)
	if err != nil {
		return err
	}
	ses := repl.NewSession(ctx, e, iso, os.Stdout)

	for _, line := range consoleCmds {
		err = ses.Execute(line)
		if err != nil {
			fmt.Fprintln(os.Stdout, err)
		}
	}
	for _, name := range args {
		err = runFile(ses, name)
		if err != nil {
			break
		}
	}
	if err == nil && len(consoleCmds) == 0 && len(args) == 0 {
		err = repl.Interact(ses)
	}

	if serr := ses.Close(); err == nil {
		err = serr
	}
	if eerr := e.Close(); err == nil {
		err = eerr
	}
	return err
}
