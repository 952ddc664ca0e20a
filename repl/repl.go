// Package repl runs console commands against an engine: one command per line, each in its
// own transaction unless a transaction was started with begin.
package repl

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"

	"github.com/gtnao/junkdb/engine"
	"github.com/gtnao/junkdb/storage/mvcc"
	"github.com/gtnao/junkdb/storage/page"
	"github.com/gtnao/junkdb/storage/tuple"
)

type command struct {
	usage string
	args  int // Minimum number of arguments.
	fn    func(ses *Session, args []string) error
}

var (
	commands map[string]command
)

func init() {
	commands = map[string]command{
		"abort":      {usage: "abort", fn: (*Session).abort},
		"begin":      {usage: "begin [rc | rr]", fn: (*Session).begin},
		"checkpoint": {usage: "checkpoint", fn: (*Session).checkpoint},
		"commit":     {usage: "commit", fn: (*Session).commit},
		"create":     {usage: "create <table> <column:type,...>", args: 2, fn: (*Session).create},
		"delete":     {usage: "delete <table> <tid>", args: 2, fn: (*Session).delete},
		"drop":       {usage: "drop <table>", args: 1, fn: (*Session).drop},
		"help":       {usage: "help", fn: (*Session).help},
		"insert":     {usage: "insert <table> <value> ...", args: 2, fn: (*Session).insert},
		"inspect":    {usage: "inspect", fn: (*Session).inspect},
		"locks":      {usage: "locks", fn: (*Session).locks},
		"read":       {usage: "read <table> <tid>", args: 2, fn: (*Session).read},
		"scan":       {usage: "scan <table>", args: 1, fn: (*Session).scan},
		"stats":      {usage: "stats", fn: (*Session).stats},
		"tables":     {usage: "tables", fn: (*Session).tables},
		"update":     {usage: "update <table> <tid> <value> ...", args: 3, fn: (*Session).update},
	}
}

type Session struct {
	ctx       context.Context
	e         *engine.Engine
	w         io.Writer
	isolation mvcc.Isolation
	tx        *mvcc.Transaction
}

// NewSession returns a session which writes its output to w. Transactions without an explicit
// isolation level use iso.
func NewSession(ctx context.Context, e *engine.Engine, iso mvcc.Isolation,
	w io.Writer) *Session {

	return &Session{
		ctx:       ctx,
		e:         e,
		w:         w,
		isolation: iso,
	}
}

// fields splits line on white space; quoted strings may contain white space and keep their
// quotes.
func fields(line string) ([]string, error) {
	var flds []string
	var fld strings.Builder
	var quote rune
	inField := false
	for _, r := range line {
		switch {
		case quote != 0:
			fld.WriteRune(r)
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			fld.WriteRune(r)
			quote = r
			inField = true
		case r == ' ' || r == '\t' || r == '\r' || r == '\n':
			if inField {
				flds = append(flds, fld.String())
				fld.Reset()
				inField = false
			}
		default:
			fld.WriteRune(r)
			inField = true
		}
	}
	if quote != 0 {
		return nil, errors.Errorf("repl: unterminated quote: %s", line)
	}
	if inField {
		flds = append(flds, fld.String())
	}
	return flds, nil
}

// Execute runs one command line. Blank lines and lines starting with # are ignored.
func (ses *Session) Execute(line string) error {
	line = strings.TrimSpace(line)
	if line == "" || line[0] == '#' {
		return nil
	}
	flds, err := fields(line)
	if err != nil {
		return err
	}
	cmd, ok := commands[strings.ToLower(flds[0])]
	if !ok {
		return errors.Errorf("repl: unknown command: %s; try help", flds[0])
	}
	if len(flds)-1 < cmd.args {
		return errors.Errorf("repl: usage: %s", cmd.usage)
	}
	return cmd.fn(ses, flds[1:])
}

// Run executes each line read from r, writing any errors to the output.
func (ses *Session) Run(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		err := ses.Execute(scanner.Text())
		if err != nil {
			fmt.Fprintln(ses.w, err)
		}
	}
	return scanner.Err()
}

// Close aborts the current transaction, if any.
func (ses *Session) Close() error {
	if ses.tx == nil {
		return nil
	}
	tx := ses.tx
	ses.tx = nil
	return tx.Abort()
}

// run calls fn in the current transaction, or else in a transaction of its own which is
// committed if fn succeeds.
func (ses *Session) run(fn func(tx *mvcc.Transaction) error) error {
	if ses.tx != nil {
		err := fn(ses.tx)
		if ses.tx.Done() {
			fmt.Fprintf(ses.w, "txn %d %s\n", ses.tx.ID(), ses.tx.State())
			ses.tx = nil
		}
		return err
	}

	tx, err := ses.e.Begin(ses.isolation)
	if err != nil {
		return err
	}
	err = fn(tx)
	if err != nil {
		if !tx.Done() {
			tx.Abort()
		}
		return err
	}
	return tx.Commit()
}

func (ses *Session) begin(args []string) error {
	if ses.tx != nil {
		return errors.Errorf("repl: txn %d already active", ses.tx.ID())
	}
	iso := ses.isolation
	if len(args) > 0 {
		var err error
		iso, err = mvcc.ParseIsolation(args[0])
		if err != nil {
			return err
		}
	}
	tx, err := ses.e.Begin(iso)
	if err != nil {
		return err
	}
	ses.tx = tx
	fmt.Fprintf(ses.w, "begin txn %d %s\n", tx.ID(), iso)
	return nil
}

func (ses *Session) commit(args []string) error {
	if ses.tx == nil {
		return errors.New("repl: no transaction")
	}
	tx := ses.tx
	ses.tx = nil
	err := tx.Commit()
	if err != nil {
		return err
	}
	fmt.Fprintf(ses.w, "committed txn %d\n", tx.ID())
	return nil
}

func (ses *Session) abort(args []string) error {
	if ses.tx == nil {
		return errors.New("repl: no transaction")
	}
	tx := ses.tx
	ses.tx = nil
	err := tx.Abort()
	if err != nil {
		return err
	}
	fmt.Fprintf(ses.w, "aborted txn %d\n", tx.ID())
	return nil
}

func (ses *Session) create(args []string) error {
	sch, err := tuple.ParseSchema(strings.Join(args[1:], ""))
	if err != nil {
		return err
	}
	err = ses.run(
		func(tx *mvcc.Transaction) error {
			_, err := ses.e.CreateTable(ses.ctx, tx, args[0], sch)
			return err
		})
	if err != nil {
		return err
	}
	fmt.Fprintf(ses.w, "created table %s\n", args[0])
	return nil
}

func (ses *Session) drop(args []string) error {
	err := ses.run(
		func(tx *mvcc.Transaction) error {
			return ses.e.DropTable(ses.ctx, tx, args[0])
		})
	if err != nil {
		return err
	}
	fmt.Fprintf(ses.w, "dropped table %s\n", args[0])
	return nil
}

func (ses *Session) render(header []string, rows [][]string) {
	tw := tablewriter.NewWriter(ses.w)
	tw.SetAutoFormatHeaders(false)
	tw.SetHeader(header)
	tw.AppendBulk(rows)
	tw.Render()
	fmt.Fprintf(ses.w, "(%d rows)\n", tw.NumLines())
}

func (ses *Session) tables(args []string) error {
	var rows [][]string
	err := ses.run(
		func(tx *mvcc.Transaction) error {
			tbls, err := ses.e.ListTables(ses.ctx, tx)
			if err != nil {
				return err
			}
			for _, tbl := range tbls {
				rows = append(rows,
					[]string{
						tbl.Name,
						strconv.FormatUint(uint64(tbl.Heap.FirstPage()), 10),
						tbl.Schema.Format(),
					})
			}
			return nil
		})
	if err != nil {
		return err
	}
	ses.render([]string{"name", "first_page", "schema"}, rows)
	return nil
}

// withTable calls fn with the table called name.
func (ses *Session) withTable(name string,
	fn func(tx *mvcc.Transaction, tbl *engine.Table) error) error {

	return ses.run(
		func(tx *mvcc.Transaction) error {
			tbl, err := ses.e.LookupTable(ses.ctx, tx, name)
			if err != nil {
				return err
			}
			return fn(tx, tbl)
		})
}

func tupleRow(tbl *engine.Table, tid page.TID, payload []byte) ([]string, error) {
	row, err := tbl.Schema.Decode(payload)
	if err != nil {
		return nil, err
	}
	return append([]string{tid.String()}, row.Strings()...), nil
}

func tupleHeader(tbl *engine.Table) []string {
	return append([]string{"tid"}, tbl.Schema.Names()...)
}

func (ses *Session) insert(args []string) error {
	var tid page.TID
	err := ses.withTable(args[0],
		func(tx *mvcc.Transaction, tbl *engine.Table) error {
			row, err := tbl.Schema.ParseRow(args[1:])
			if err != nil {
				return err
			}
			payload, err := tbl.Schema.Encode(row)
			if err != nil {
				return err
			}
			tid, err = tx.Insert(ses.ctx, tbl.Heap, payload)
			return err
		})
	if err != nil {
		return err
	}
	fmt.Fprintf(ses.w, "inserted %s\n", tid)
	return nil
}

func (ses *Session) read(args []string) error {
	tid, err := page.ParseTID(args[1])
	if err != nil {
		return err
	}
	var header []string
	var rows [][]string
	err = ses.withTable(args[0],
		func(tx *mvcc.Transaction, tbl *engine.Table) error {
			payload, err := tx.Read(ses.ctx, tbl.Heap, tid)
			if err != nil {
				return err
			}
			row, err := tupleRow(tbl, tid, payload)
			if err != nil {
				return err
			}
			header = tupleHeader(tbl)
			rows = append(rows, row)
			return nil
		})
	if err != nil {
		return err
	}
	ses.render(header, rows)
	return nil
}

func (ses *Session) update(args []string) error {
	tid, err := page.ParseTID(args[1])
	if err != nil {
		return err
	}
	err = ses.withTable(args[0],
		func(tx *mvcc.Transaction, tbl *engine.Table) error {
			row, err := tbl.Schema.ParseRow(args[2:])
			if err != nil {
				return err
			}
			payload, err := tbl.Schema.Encode(row)
			if err != nil {
				return err
			}
			return tx.Update(ses.ctx, tbl.Heap, tid, payload)
		})
	if err != nil {
		return err
	}
	fmt.Fprintf(ses.w, "updated %s\n", tid)
	return nil
}

func (ses *Session) delete(args []string) error {
	tid, err := page.ParseTID(args[1])
	if err != nil {
		return err
	}
	err = ses.withTable(args[0],
		func(tx *mvcc.Transaction, tbl *engine.Table) error {
			return tx.Delete(ses.ctx, tbl.Heap, tid)
		})
	if err != nil {
		return err
	}
	fmt.Fprintf(ses.w, "deleted %s\n", tid)
	return nil
}

func (ses *Session) scan(args []string) error {
	var header []string
	var rows [][]string
	err := ses.withTable(args[0],
		func(tx *mvcc.Transaction, tbl *engine.Table) error {
			header = tupleHeader(tbl)
			return tx.Scan(ses.ctx, tbl.Heap,
				func(tid page.TID, payload []byte) error {
					row, err := tupleRow(tbl, tid, payload)
					if err != nil {
						return err
					}
					rows = append(rows, row)
					return nil
				})
		})
	if err != nil {
		return err
	}
	ses.render(header, rows)
	return nil
}

func (ses *Session) checkpoint(args []string) error {
	lsn, err := ses.e.Checkpoint()
	if err != nil {
		return err
	}
	fmt.Fprintf(ses.w, "checkpoint at lsn %d\n", lsn)
	return nil
}

func (ses *Session) locks(args []string) error {
	var rows [][]string
	for _, lk := range ses.e.Locks() {
		state := "held"
		if lk.Place > 0 {
			state = fmt.Sprintf("waiting %d", lk.Place)
		}
		rows = append(rows,
			[]string{lk.TID.String(), strconv.FormatUint(uint64(lk.Txn), 10), state})
	}
	ses.render([]string{"tid", "txn", "state"}, rows)
	return nil
}

func (ses *Session) stats(args []string) error {
	st := ses.e.Stats()
	vals := map[string]interface{}{
		"buffer.frames":    st.Buffer.Frames,
		"buffer.resident":  st.Buffer.Resident,
		"buffer.pinned":    st.Buffer.Pinned,
		"buffer.dirty":     st.Buffer.Dirty,
		"buffer.hits":      st.Buffer.Hits,
		"buffer.misses":    st.Buffer.Misses,
		"buffer.evictions": st.Buffer.Evictions,
		"buffer.writes":    st.Buffer.Writes,
		"txn.active":       st.Txns.Active,
		"txn.committed":    st.Txns.Committed,
		"txn.aborted":      st.Txns.Aborted,
		"txn.next":         st.Txns.NextTxnID,
		"locks":            st.Locks,
		"log.next-lsn":     st.NextLSN,
		"log.flushed-lsn":  st.FlushedLSN,
		"pages":            st.NextPageID,
		"checkpoints":      st.Checkpoints,
		"checkpoint-lsn":   st.LastCheckpoint,
	}

	var names []string
	for name := range vals {
		names = append(names, name)
	}
	sort.Strings(names)
	var rows [][]string
	for _, name := range names {
		rows = append(rows, []string{name, fmt.Sprintf("%v", vals[name])})
	}
	ses.render([]string{"name", "value"}, rows)
	return nil
}

func (ses *Session) inspect(args []string) error {
	in, err := ses.e.Inspect(ses.ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(ses.w, "instance %s store %s catalog root %d\n", in.Instance, in.Store,
		in.CatalogRoot)

	var rows [][]string
	for _, pi := range in.Pages {
		row := []string{
			strconv.FormatUint(uint64(pi.ID), 10),
			pi.Type.String(),
			strconv.FormatUint(uint64(pi.LSN), 10),
			"", "", "",
		}
		if pi.Type == page.TablePageType {
			row[3] = strconv.Itoa(pi.Slots)
			row[4] = strconv.Itoa(pi.Free)
			row[5] = strconv.FormatUint(uint64(pi.Next), 10)
		}
		rows = append(rows, row)
	}
	ses.render([]string{"page", "type", "lsn", "slots", "free", "next"}, rows)
	return nil
}

func (ses *Session) help(args []string) error {
	var names []string
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintln(ses.w, commands[name].usage)
	}
	return nil
}
