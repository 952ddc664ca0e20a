package wal_test

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/google/uuid"

	"github.com/gtnao/junkdb/storage"
	"github.com/gtnao/junkdb/storage/page"
	"github.com/gtnao/junkdb/storage/wal"
	"github.com/gtnao/junkdb/testutil"
)

func appendRecords(t *testing.T, m *wal.Manager, txn page.TxnID, n int) []*wal.Record {
	t.Helper()

	var recs []*wal.Record
	prev := page.InvalidLSN
	rec := &wal.Record{Type: wal.BeginRecord, TxnID: txn}
	for idx := 0; idx < n; idx++ {
		if idx > 0 {
			ip := wal.InsertPayload{
				Page:    3,
				Slot:    page.SlotID(idx - 1),
				Version: page.MakeVersion(txn, 0, page.NoIndex, []byte("payload")),
			}
			rec = &wal.Record{
				Type:    wal.InsertRecord,
				TxnID:   txn,
				PrevLSN: prev,
				Payload: ip.Encode(),
			}
		}
		lsn, err := m.Append(rec)
		if err != nil {
			t.Fatalf("Append(%s) failed with %s", rec.Type, err)
		}
		if lsn != rec.LSN {
			t.Errorf("Append() got %d want %d", lsn, rec.LSN)
		}
		prev = lsn
		recs = append(recs, rec)
	}
	return recs
}

func TestAppendFlush(t *testing.T) {
	logger := testutil.SetupLogger("wal_test.log")
	dataDir := testutil.DataDir(t, "append")
	instance := uuid.New()

	m, err := wal.Open(dataDir, instance, 0, logger)
	if err != nil {
		t.Fatalf("Open() failed with %s", err)
	}
	if m.NextLSN() != 1 || m.FlushedLSN() != 0 {
		t.Errorf("Open() got next %d flushed %d want 1 and 0", m.NextLSN(), m.FlushedLSN())
	}

	recs := appendRecords(t, m, 7, 5)
	for idx, rec := range recs {
		if rec.LSN != page.LSN(idx+1) {
			t.Errorf("Append() got lsn %d want %d", rec.LSN, idx+1)
		}
	}
	if m.FlushedLSN() != 0 {
		t.Errorf("FlushedLSN() got %d want 0", m.FlushedLSN())
	}

	err = m.Flush(3)
	if err != nil {
		t.Fatalf("Flush(3) failed with %s", err)
	}
	if m.FlushedLSN() < 3 {
		t.Errorf("FlushedLSN() got %d want at least 3", m.FlushedLSN())
	}

	err = m.Close()
	if err != nil {
		t.Fatalf("Close() failed with %s", err)
	}

	m, err = wal.Open(dataDir, instance, 0, logger)
	if err != nil {
		t.Fatalf("Open() failed with %s", err)
	}
	defer m.Close()

	if m.NextLSN() != 6 || m.FlushedLSN() != 5 {
		t.Errorf("Open() got next %d flushed %d want 6 and 5", m.NextLSN(), m.FlushedLSN())
	}
	got, err := m.Records()
	if err != nil {
		t.Fatalf("Records() failed with %s", err)
	}
	if !reflect.DeepEqual(got, recs) {
		t.Errorf("Records() got %v want %v", got, recs)
	}

	got, id, err := wal.ReadLog(dataDir)
	if err != nil {
		t.Fatalf("ReadLog() failed with %s", err)
	}
	if id != instance || len(got) != len(recs) {
		t.Errorf("ReadLog() got %s and %d records want %s and %d", id, len(got), instance,
			len(recs))
	}
}

func TestBufferWrite(t *testing.T) {
	dataDir := testutil.DataDir(t, "buffer")
	m, err := wal.Open(dataDir, uuid.New(), 64, testutil.SetupLogger("wal_test.log"))
	if err != nil {
		t.Fatalf("Open() failed with %s", err)
	}
	defer m.Close()

	appendRecords(t, m, 1, 4)
	recs, err := m.Records()
	if err != nil {
		t.Fatalf("Records() failed with %s", err)
	}
	if len(recs) != 4 {
		t.Errorf("Records() got %d records want 4", len(recs))
	}
}

func TestTornTail(t *testing.T) {
	logger := testutil.SetupLogger("wal_test.log")
	dataDir := testutil.DataDir(t, "torn")
	instance := uuid.New()

	m, err := wal.Open(dataDir, instance, 0, logger)
	if err != nil {
		t.Fatalf("Open() failed with %s", err)
	}
	appendRecords(t, m, 1, 3)
	m.Close()

	name := filepath.Join(dataDir, wal.LogFile)
	fi, err := os.Stat(name)
	if err != nil {
		t.Fatalf("Stat(%s) failed with %s", name, err)
	}
	err = os.Truncate(name, fi.Size()-5)
	if err != nil {
		t.Fatalf("Truncate(%s) failed with %s", name, err)
	}

	m, err = wal.Open(dataDir, instance, 0, logger)
	if err != nil {
		t.Fatalf("Open() failed with %s", err)
	}
	if m.NextLSN() != 3 {
		t.Errorf("NextLSN() got %d want 3", m.NextLSN())
	}
	lsn, err := m.Append(&wal.Record{Type: wal.CommitRecord, TxnID: 1, PrevLSN: 2})
	if err != nil || lsn != 3 {
		t.Errorf("Append() got %d, %v want 3", lsn, err)
	}
	m.Close()

	recs, _, err := wal.ReadLog(dataDir)
	if err != nil {
		t.Fatalf("ReadLog() failed with %s", err)
	}
	if len(recs) != 3 || recs[2].Type != wal.CommitRecord {
		t.Errorf("ReadLog() got %v", recs)
	}
}

func TestCorruptLog(t *testing.T) {
	logger := testutil.SetupLogger("wal_test.log")
	dataDir := testutil.DataDir(t, "corrupt")
	instance := uuid.New()

	m, err := wal.Open(dataDir, instance, 0, logger)
	if err != nil {
		t.Fatalf("Open() failed with %s", err)
	}
	appendRecords(t, m, 1, 3)
	m.Close()

	name := filepath.Join(dataDir, wal.LogFile)
	f, err := os.OpenFile(name, os.O_RDWR, 0644)
	if err != nil {
		t.Fatalf("OpenFile(%s) failed with %s", name, err)
	}
	_, err = f.WriteAt([]byte{0xFF}, 32+5)
	if err != nil {
		t.Fatalf("WriteAt() failed with %s", err)
	}
	f.Close()

	_, err = wal.Open(dataDir, instance, 0, logger)
	if !errors.Is(err, storage.ErrCorruptLog) {
		t.Errorf("Open(corrupt log) got %v want %s", err, storage.ErrCorruptLog)
	}

	m, err = wal.Open(testutil.DataDir(t, "corrupt"), instance, 0, logger)
	if err != nil {
		t.Fatalf("Open() failed with %s", err)
	}
	m.Close()
	_, err = wal.Open(filepath.Join("testdata", "corrupt"), uuid.New(), 0, logger)
	if !errors.Is(err, storage.ErrCorruptLog) {
		t.Errorf("Open(other instance) got %v want %s", err, storage.ErrCorruptLog)
	}
}

func TestCheckpoint(t *testing.T) {
	cp := wal.Checkpoint{
		Active: []wal.ActiveTxn{
			{ID: 3, LastLSN: 17},
			{ID: 9, LastLSN: 1 << 40},
		},
		Dirty: []wal.DirtyPage{
			{ID: 1, RecLSN: 2},
		},
		NextTxnID: 12,
		BeginLSN:  40,
	}

	got, err := wal.DecodeCheckpoint(cp.Encode())
	if err != nil {
		t.Fatalf("DecodeCheckpoint() failed with %s", err)
	}
	if !reflect.DeepEqual(*got, cp) {
		t.Errorf("DecodeCheckpoint() got %v want %v", *got, cp)
	}

	_, err = wal.DecodeCheckpoint([]byte{0x0A, 0x10})
	if !errors.Is(err, storage.ErrCorruptLog) {
		t.Errorf("DecodeCheckpoint(short) got %v want %s", err, storage.ErrCorruptLog)
	}
}

func TestPages(t *testing.T) {
	up := wal.UpdatePayload{
		Page:    4,
		Slot:    2,
		Index:   7,
		OldHead: 2,
		Version: page.MakeVersion(5, 0, 2, []byte("x")),
	}
	clr := wal.CLRPayload{UndoNext: 9, Type: wal.UpdateRecord, Payload: up.Encode()}
	np := wal.NewPagePayload{Page: 8, PrevPage: 4}

	cases := []struct {
		rt      wal.RecordType
		payload []byte
		pages   []page.PageID
	}{
		{wal.UpdateRecord, up.Encode(), []page.PageID{4}},
		{wal.CLRRecord, clr.Encode(), []page.PageID{4}},
		{wal.NewPageRecord, np.Encode(), []page.PageID{8, 4}},
		{wal.CommitRecord, nil, nil},
	}

	for _, c := range cases {
		pages, err := wal.Pages(c.rt, c.payload)
		if err != nil {
			t.Errorf("Pages(%s) failed with %s", c.rt, err)
		} else if !reflect.DeepEqual(pages, c.pages) {
			t.Errorf("Pages(%s) got %v want %v", c.rt, pages, c.pages)
		}
	}

	_, err := wal.Pages(wal.DeleteRecord, []byte{1, 2, 3})
	if !errors.Is(err, storage.ErrCorruptLog) {
		t.Errorf("Pages(short delete) got %v want %s", err, storage.ErrCorruptLog)
	}
}
