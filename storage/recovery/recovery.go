// Package recovery brings the database back to a consistent state after a crash: analysis
// finds the transactions which were active and the pages which might be dirty, redo repeats
// history for those pages, and undo rolls back the transactions which did not finish.
package recovery

import (
	"context"
	"sort"
	"time"

	"github.com/google/btree"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/gtnao/junkdb/storage"
	"github.com/gtnao/junkdb/storage/heap"
	"github.com/gtnao/junkdb/storage/page"
	"github.com/gtnao/junkdb/storage/wal"
)

// Log is the log being recovered; *wal.Manager is a Log.
type Log interface {
	Records() ([]*wal.Record, error)
	Append(rec *wal.Record) (page.LSN, error)
	Flush(lsn page.LSN) error
	NextLSN() page.LSN
}

// Applier changes pages on behalf of recovery; *heap.Heap is an Applier.
type Applier interface {
	Redo(ctx context.Context, rec *wal.Record) (int, error)
	Undo(ctx context.Context, tl heap.TxnLog, rec *wal.Record) (page.LSN, error)
}

type Result struct {
	NextTxnID     page.TxnID
	Losers        []page.TxnID // Transactions rolled back.
	Redone        int          // Page changes repeated.
	Undone        int          // Changes rolled back.
	CheckpointLSN page.LSN     // Where analysis found the last checkpoint, if any.
	Records       int
}

// analysis is the state rebuilt by scanning the log.
type analysis struct {
	recs      []*wal.Record
	active    map[page.TxnID]page.LSN // Last LSN of each transaction which did not finish.
	dirty     map[page.PageID]page.LSN
	nextTxnID page.TxnID
	checkLSN  page.LSN
}

// record returns the record at lsn; LSNs are dense and start at 1.
func (an *analysis) record(lsn page.LSN) (*wal.Record, error) {
	if lsn == page.InvalidLSN || int(lsn) > len(an.recs) {
		return nil, errors.Wrapf(storage.ErrCorruptLog, "recovery: no record at lsn %d", lsn)
	}
	return an.recs[lsn-1], nil
}

func (an *analysis) sawTxn(id page.TxnID) {
	if id >= an.nextTxnID {
		an.nextTxnID = id + 1
	}
}

func analyze(recs []*wal.Record) (*analysis, error) {
	an := &analysis{
		recs:      recs,
		active:    map[page.TxnID]page.LSN{},
		dirty:     map[page.PageID]page.LSN{},
		nextTxnID: 1,
	}

	start := page.LSN(1)
	for idx := len(recs) - 1; idx >= 0; idx-- {
		rec := recs[idx]
		if rec.Type != wal.CheckpointRecord {
			continue
		}

		cp, err := wal.DecodeCheckpoint(rec.Payload)
		if err != nil {
			return nil, err
		}
		for _, at := range cp.Active {
			an.active[at.ID] = at.LastLSN
			an.sawTxn(at.ID)
		}
		for _, dp := range cp.Dirty {
			an.dirty[dp.ID] = dp.RecLSN
		}
		if cp.NextTxnID > an.nextTxnID {
			an.nextTxnID = cp.NextTxnID
		}
		an.checkLSN = rec.LSN
		if cp.BeginLSN != page.InvalidLSN {
			start = cp.BeginLSN
		}
		break
	}

	for _, rec := range recs[start-1:] {
		if rec.TxnID != page.InvalidTxnID {
			an.sawTxn(rec.TxnID)
			switch rec.Type {
			case wal.CommitRecord, wal.AbortRecord:
				delete(an.active, rec.TxnID)
			default:
				an.active[rec.TxnID] = rec.LSN
			}
		}

		if rec.Type.IsData() {
			ids, err := wal.Pages(rec.Type, rec.Payload)
			if err != nil {
				return nil, err
			}
			for _, id := range ids {
				if _, ok := an.dirty[id]; !ok {
					an.dirty[id] = rec.LSN
				}
			}
		}
	}
	return an, nil
}

// redo repeats every change which might not have reached disk, including the changes of
// transactions which will be rolled back.
func (an *analysis) redo(ctx context.Context, ap Applier) (int, error) {
	if len(an.dirty) == 0 {
		return 0, nil
	}
	start := page.LSN(len(an.recs) + 1)
	for _, recLSN := range an.dirty {
		if recLSN < start {
			start = recLSN
		}
	}
	if start < page.FirstLSN {
		start = page.FirstLSN
	}

	var redone int
	for lsn := start; int(lsn) <= len(an.recs); lsn++ {
		rec := an.recs[lsn-1]
		if !rec.Type.IsData() {
			continue
		}
		ids, err := wal.Pages(rec.Type, rec.Payload)
		if err != nil {
			return redone, err
		}
		var needed bool
		for _, id := range ids {
			if recLSN, ok := an.dirty[id]; ok && recLSN <= rec.LSN {
				needed = true
				break
			}
		}
		if !needed {
			continue
		}

		n, err := ap.Redo(ctx, rec)
		if err != nil {
			return redone, err
		}
		redone += n
	}
	return redone, nil
}

type undoItem struct {
	lsn page.LSN
	txn page.TxnID
}

func (ui undoItem) Less(item btree.Item) bool {
	return ui.lsn < item.(undoItem).lsn
}

// loserLog appends the compensation records of a transaction being rolled back.
type loserLog struct {
	id   page.TxnID
	lg   Log
	last page.LSN
}

func (ll *loserLog) ID() page.TxnID {
	return ll.id
}

func (ll *loserLog) Append(rec *wal.Record) (page.LSN, error) {
	rec.TxnID = ll.id
	rec.PrevLSN = ll.last
	lsn, err := ll.lg.Append(rec)
	if err != nil {
		return page.InvalidLSN, err
	}
	ll.last = lsn
	return lsn, nil
}

// undo rolls back the losers together, always undoing the newest remaining change first. A
// compensation record sends undo straight to the next change to roll back, so changes undone
// before a crash are not undone again.
func (an *analysis) undo(ctx context.Context, lg Log, ap Applier,
	logger *log.Logger) (int, error) {

	losers := map[page.TxnID]*loserLog{}
	tree := btree.New(8)
	for id, last := range an.active {
		losers[id] = &loserLog{id: id, lg: lg, last: last}
		tree.ReplaceOrInsert(undoItem{lsn: last, txn: id})
	}

	var undone int
	for tree.Len() > 0 {
		ui := tree.DeleteMax().(undoItem)
		rec, err := an.record(ui.lsn)
		if err != nil {
			return undone, err
		}
		if rec.TxnID != ui.txn {
			return undone, errors.Wrapf(storage.ErrCorruptLog,
				"recovery: lsn %d belongs to txn %d, not txn %d", rec.LSN, rec.TxnID, ui.txn)
		}

		var next page.LSN
		switch {
		case rec.Type == wal.CLRRecord:
			cp, err := wal.DecodeCLR(rec.Payload)
			if err != nil {
				return undone, err
			}
			next = cp.UndoNext
		case rec.Type.IsUndoable():
			_, err = ap.Undo(ctx, losers[ui.txn], rec)
			if err != nil {
				return undone, err
			}
			undone += 1
			next = rec.PrevLSN
		default:
			next = rec.PrevLSN
		}

		if next != page.InvalidLSN {
			tree.ReplaceOrInsert(undoItem{lsn: next, txn: ui.txn})
			continue
		}

		_, err = losers[ui.txn].Append(&wal.Record{Type: wal.AbortRecord})
		if err != nil {
			return undone, err
		}
		logger.WithField("txn", ui.txn).Info("rolled back transaction")
	}
	return undone, nil
}

// Run recovers the database from lg using ap, and returns the id of the first transaction
// which may be started. Running it again, even after a crash part way through, ends in the
// same state.
func Run(ctx context.Context, lg Log, ap Applier, logger *log.Logger) (*Result, error) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	started := time.Now()

	recs, err := lg.Records()
	if err != nil {
		return nil, err
	}
	an, err := analyze(recs)
	if err != nil {
		return nil, err
	}

	res := &Result{
		NextTxnID:     an.nextTxnID,
		CheckpointLSN: an.checkLSN,
		Records:       len(recs),
	}
	for id := range an.active {
		res.Losers = append(res.Losers, id)
	}
	sort.Slice(res.Losers, func(i, j int) bool {
		return res.Losers[i] < res.Losers[j]
	})
	logger.WithFields(log.Fields{
		"records":    len(recs),
		"checkpoint": an.checkLSN,
		"dirty":      len(an.dirty),
		"losers":     len(res.Losers),
	}).Info("recovery: analysis done")

	res.Redone, err = an.redo(ctx, ap)
	if err != nil {
		return nil, errors.Wrap(err, "recovery: redo")
	}
	res.Undone, err = an.undo(ctx, lg, ap, logger)
	if err != nil {
		return nil, errors.Wrap(err, "recovery: undo")
	}

	err = lg.Flush(lg.NextLSN() - 1)
	if err != nil {
		return nil, err
	}
	logger.WithFields(log.Fields{
		"redone":  res.Redone,
		"undone":  res.Undone,
		"elapsed": time.Since(started),
	}).Info("recovery: done")
	return res, nil
}
