package heap_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gtnao/junkdb/storage"
	"github.com/gtnao/junkdb/storage/buffer"
	"github.com/gtnao/junkdb/storage/disk"
	"github.com/gtnao/junkdb/storage/heap"
	"github.com/gtnao/junkdb/storage/page"
	"github.com/gtnao/junkdb/storage/wal"
	"github.com/gtnao/junkdb/testutil"
)

type txnLog struct {
	id   page.TxnID
	lm   *wal.Manager
	last page.LSN
}

func (tl *txnLog) ID() page.TxnID {
	return tl.id
}

func (tl *txnLog) Append(rec *wal.Record) (page.LSN, error) {
	rec.TxnID = tl.id
	rec.PrevLSN = tl.last
	lsn, err := tl.lm.Append(rec)
	if err != nil {
		return page.InvalidLSN, err
	}
	tl.last = lsn
	return lsn, nil
}

type instance struct {
	dm   *disk.Manager
	lm   *wal.Manager
	pool *buffer.Pool
	heap *heap.Heap
}

func open(t *testing.T, dataDir string, frames int) *instance {
	t.Helper()

	logger := testutil.SetupLogger("heap_test.log")
	dm, err := disk.Open("file", dataDir, logger)
	require.NoError(t, err)
	lm, err := wal.Open(dataDir, dm.InstanceID(), 0, logger)
	require.NoError(t, err)
	pool := buffer.NewPool(dm, lm, buffer.Options{Frames: frames, Logger: logger})
	return &instance{
		dm:   dm,
		lm:   lm,
		pool: pool,
		heap: heap.New(pool, lm, logger),
	}
}

func (inst *instance) close(t *testing.T) {
	t.Helper()

	require.NoError(t, inst.pool.FlushAll())
	require.NoError(t, inst.lm.Close())
	require.NoError(t, inst.dm.Close())
}

func payloads(t *testing.T, tbl *heap.Table) map[page.TID]string {
	t.Helper()

	rows := map[page.TID]string{}
	err := tbl.Scan(context.Background(),
		func(tup heap.Tuple) error {
			rows[tup.TID] = string(tup.Versions[0].Payload())
			return nil
		})
	require.NoError(t, err)
	return rows
}

func TestInsert(t *testing.T) {
	ctx := context.Background()
	dataDir := testutil.DataDir(t, "insert")
	inst := open(t, dataDir, 4)

	tbl, err := inst.heap.CreateTable(ctx)
	require.NoError(t, err)
	tl := &txnLog{id: 7, lm: inst.lm}

	want := map[page.TID]string{}
	for n := 0; n < 200; n++ {
		s := fmt.Sprintf("row %d: %0100d", n, n)
		tid, err := tbl.Insert(ctx, tl, []byte(s))
		require.NoError(t, err)
		want[tid] = s
	}
	assert.Equal(t, 200, len(want))
	assert.Greater(t, tbl.Pages(), 1)
	assert.Equal(t, want, payloads(t, tbl))

	for tid, s := range want {
		vers, err := tbl.Chain(ctx, tid)
		require.NoError(t, err)
		require.Len(t, vers, 1)
		assert.Equal(t, page.TxnID(7), vers[0].Xmin())
		assert.Equal(t, page.InvalidTxnID, vers[0].Xmax())
		assert.Equal(t, s, string(vers[0].Payload()))
	}

	_, err = tbl.Chain(ctx, page.TID{Page: tbl.FirstPage(), Slot: 999})
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = tbl.Chain(ctx, page.TID{Page: 0, Slot: 0})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = tbl.Insert(ctx, tl, make([]byte, page.Size))
	assert.ErrorIs(t, err, storage.ErrPageFull)

	first := tbl.FirstPage()
	pages := tbl.Pages()
	inst.close(t)

	inst = open(t, dataDir, 4)
	defer inst.close(t)

	tbl, err = inst.heap.OpenTable(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, pages, tbl.Pages())
	assert.Equal(t, want, payloads(t, tbl))

	tl.lm = inst.lm
	tid, err := tbl.Insert(ctx, tl, []byte("one more"))
	require.NoError(t, err)
	rows := payloads(t, tbl)
	assert.Equal(t, "one more", rows[tid])
	assert.Equal(t, 201, len(rows))
}

func TestVersionChain(t *testing.T) {
	ctx := context.Background()
	inst := open(t, testutil.DataDir(t, "chain"), 8)
	defer inst.close(t)

	tbl, err := inst.heap.CreateTable(ctx)
	require.NoError(t, err)

	tl1 := &txnLog{id: 1, lm: inst.lm}
	tid, err := tbl.Insert(ctx, tl1, []byte("a"))
	require.NoError(t, err)

	tl2 := &txnLog{id: 2, lm: inst.lm}
	require.NoError(t, tbl.Update(ctx, tl2, tid, []byte("b")))
	require.NoError(t, tbl.Update(ctx, tl2, tid, []byte("c")))

	vers, err := tbl.Chain(ctx, tid)
	require.NoError(t, err)
	require.Len(t, vers, 3)
	for idx, want := range []struct {
		xmin, xmax page.TxnID
		payload    string
	}{
		{2, 0, "c"},
		{2, 2, "b"},
		{1, 2, "a"},
	} {
		assert.Equal(t, want.xmin, vers[idx].Xmin(), "version %d", idx)
		assert.Equal(t, want.xmax, vers[idx].Xmax(), "version %d", idx)
		assert.Equal(t, want.payload, string(vers[idx].Payload()), "version %d", idx)
	}

	tl3 := &txnLog{id: 3, lm: inst.lm}
	require.NoError(t, tbl.Delete(ctx, tl3, tid))
	vers, err = tbl.Chain(ctx, tid)
	require.NoError(t, err)
	assert.Equal(t, page.TxnID(3), vers[0].Xmax())

	big := make([]byte, page.MaxRecord()-page.VersionHeaderSize-64)
	err = tbl.Update(ctx, tl3, tid, big)
	assert.ErrorIs(t, err, storage.ErrPageFull)
}

func TestUndo(t *testing.T) {
	ctx := context.Background()
	inst := open(t, testutil.DataDir(t, "undo"), 8)
	defer inst.close(t)

	tbl, err := inst.heap.CreateTable(ctx)
	require.NoError(t, err)

	tl1 := &txnLog{id: 1, lm: inst.lm}
	keep, err := tbl.Insert(ctx, tl1, []byte("keep"))
	require.NoError(t, err)
	other, err := tbl.Insert(ctx, tl1, []byte("other"))
	require.NoError(t, err)
	before := payloads(t, tbl)

	start := inst.lm.NextLSN()
	tl2 := &txnLog{id: 2, lm: inst.lm}
	tid, err := tbl.Insert(ctx, tl2, []byte("gone"))
	require.NoError(t, err)
	require.NoError(t, tbl.Update(ctx, tl2, keep, []byte("changed")))
	require.NoError(t, tbl.Update(ctx, tl2, keep, []byte("changed again")))
	require.NoError(t, tbl.Delete(ctx, tl2, other))

	recs, err := inst.lm.Records()
	require.NoError(t, err)
	var undo []*wal.Record
	for _, rec := range recs {
		if rec.LSN >= start && rec.TxnID == 2 {
			undo = append(undo, rec)
		}
	}
	require.Len(t, undo, 4)

	for idx := len(undo) - 1; idx >= 0; idx-- {
		_, err := inst.heap.Undo(ctx, tl2, undo[idx])
		require.NoError(t, err)
	}

	_, err = tbl.Chain(ctx, tid)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, before, payloads(t, tbl))

	vers, err := tbl.Chain(ctx, keep)
	require.NoError(t, err)
	require.Len(t, vers, 1)
	assert.Equal(t, page.InvalidTxnID, vers[0].Xmax())
	vers, err = tbl.Chain(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, page.InvalidTxnID, vers[0].Xmax())

	recs, err = inst.lm.Records()
	require.NoError(t, err)
	clr := recs[len(recs)-1]
	assert.Equal(t, wal.CLRRecord, clr.Type)
	cp, err := wal.DecodeCLR(clr.Payload)
	require.NoError(t, err)
	assert.Equal(t, undo[0].PrevLSN, cp.UndoNext)
	assert.Equal(t, wal.InsertRecord, cp.Type)

	_, err = inst.heap.Undo(ctx, tl2, &wal.Record{Type: wal.CommitRecord})
	assert.Error(t, err)
}

func TestRedo(t *testing.T) {
	ctx := context.Background()
	dataDir := testutil.DataDir(t, "redo")
	inst := open(t, dataDir, 8)

	tbl, err := inst.heap.CreateTable(ctx)
	require.NoError(t, err)
	tl := &txnLog{id: 5, lm: inst.lm}
	var tids []page.TID
	for n := 0; n < 100; n++ {
		tid, err := tbl.Insert(ctx, tl, []byte(fmt.Sprintf("%0200d", n)))
		require.NoError(t, err)
		tids = append(tids, tid)
	}
	require.NoError(t, tbl.Update(ctx, tl, tids[3], []byte("three")))
	require.NoError(t, tbl.Delete(ctx, tl, tids[4]))
	_, err = inst.heap.Undo(ctx, tl, &wal.Record{
		Type:    wal.DeleteRecord,
		TxnID:   5,
		Payload: (&wal.DeletePayload{Page: tids[4].Page, Slot: tids[4].Slot, NewXmax: 5}).Encode(),
	})
	require.NoError(t, err)

	want := payloads(t, tbl)
	first := tbl.FirstPage()
	require.NoError(t, inst.lm.FlushAll())
	recs, err := inst.lm.Records()
	require.NoError(t, err)

	// Crash: the pages in the buffer pool are lost.
	inst = open(t, dataDir, 8)
	defer inst.close(t)

	var n int
	for _, rec := range recs {
		if rec.Type.IsData() {
			cnt, err := inst.heap.Redo(ctx, rec)
			require.NoError(t, err)
			n += cnt
		}
	}
	assert.Greater(t, n, 100)

	for _, rec := range recs {
		if rec.Type.IsData() {
			cnt, err := inst.heap.Redo(ctx, rec)
			require.NoError(t, err)
			assert.Equal(t, 0, cnt, "redo %s twice", rec)
		}
	}

	tbl, err = inst.heap.OpenTable(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, want, payloads(t, tbl))

	vers, err := tbl.Chain(ctx, tids[4])
	require.NoError(t, err)
	assert.Equal(t, page.InvalidTxnID, vers[0].Xmax())
	vers, err = tbl.Chain(ctx, tids[3])
	require.NoError(t, err)
	assert.Len(t, vers, 2)
}
