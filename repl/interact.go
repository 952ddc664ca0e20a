package repl

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/peterh/liner"
)

const (
	historyFile = ".junkdb_history"
)

// Interact runs commands typed at the console until end of file. The command history is kept
// in the home directory.
func Interact(ses *Session) error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	history := historyFile
	if home, err := os.UserHomeDir(); err == nil {
		history = filepath.Join(home, historyFile)
	}
	if f, err := os.Open(history); err == nil {
		line.ReadHistory(f)
		f.Close()
	}

	var err error
	for {
		var s string
		s, err = line.Prompt("junkdb> ")
		if err == io.EOF || err == liner.ErrPromptAborted {
			err = nil
			break
		} else if err != nil {
			break
		}
		line.AppendHistory(s)

		cerr := ses.Execute(s)
		if cerr != nil {
			fmt.Fprintln(ses.w, cerr)
		}
	}

	if f, ferr := os.Create(history); ferr != nil {
		fmt.Fprintf(os.Stderr, "junkdb: error writing history file, %s: %s\n", history, ferr)
	} else {
		line.WriteHistory(f)
		f.Close()
	}
	return err
}
