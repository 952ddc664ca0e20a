package main

import (
	"os"

	"github.com/gtnao/junkdb/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
