package recovery

import (
	"sort"

	"github.com/gtnao/junkdb/storage/page"
	"github.com/gtnao/junkdb/storage/wal"
)

// Barrier runs fn while no change is between being logged and being made to its page;
// *heap.Heap is a Barrier.
type Barrier interface {
	Barrier(fn func())
}

// DirtyPageTable is implemented by *buffer.Pool.
type DirtyPageTable interface {
	DirtyPages() map[page.PageID]page.LSN
}

// TxnTable is implemented by *mvcc.Manager.
type TxnTable interface {
	Active() []wal.ActiveTxn
	NextTxnID() page.TxnID
}

// Checkpoint logs the active transaction table and the dirty page table, and flushes the
// log. Analysis of a later recovery starts from the most recent checkpoint.
func Checkpoint(lg Log, br Barrier, dpt DirtyPageTable, txns TxnTable) (page.LSN,
	*wal.Checkpoint, error) {

	cp := &wal.Checkpoint{}
	var dirty map[page.PageID]page.LSN
	br.Barrier(
		func() {
			cp.BeginLSN = lg.NextLSN()
			dirty = dpt.DirtyPages()
		})
	cp.Active = txns.Active()
	cp.NextTxnID = txns.NextTxnID()

	for id, recLSN := range dirty {
		cp.Dirty = append(cp.Dirty, wal.DirtyPage{ID: id, RecLSN: recLSN})
	}
	sort.Slice(cp.Dirty, func(i, j int) bool {
		return cp.Dirty[i].ID < cp.Dirty[j].ID
	})

	lsn, err := lg.Append(
		&wal.Record{
			Type:    wal.CheckpointRecord,
			Payload: cp.Encode(),
		})
	if err != nil {
		return page.InvalidLSN, nil, err
	}
	err = lg.Flush(lsn)
	if err != nil {
		return page.InvalidLSN, nil, err
	}
	return lsn, cp, nil
}
