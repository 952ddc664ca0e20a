package page_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/gtnao/junkdb/storage"
	"github.com/gtnao/junkdb/storage/page"
)

func TestParseTID(t *testing.T) {
	cases := []struct {
		s    string
		tid  page.TID
		fail bool
	}{
		{s: "(1,2)", tid: page.TID{Page: 1, Slot: 2}},
		{s: "17:0", tid: page.TID{Page: 17, Slot: 0}},
		{s: " ( 3, 4 ) ", tid: page.TID{Page: 3, Slot: 4}},
		{s: "3", fail: true},
		{s: "a:1", fail: true},
		{s: "1:70000", fail: true},
	}

	for _, c := range cases {
		tid, err := page.ParseTID(c.s)
		if c.fail {
			if err == nil {
				t.Errorf("ParseTID(%q) did not fail", c.s)
			}
		} else if err != nil {
			t.Errorf("ParseTID(%q) failed with %s", c.s, err)
		} else if tid != c.tid {
			t.Errorf("ParseTID(%q) got %s want %s", c.s, tid, c.tid)
		} else if s := tid.String(); s != c.tid.String() {
			t.Errorf("TID.String() got %s want %s", s, c.tid)
		}
	}
}

func TestChecksum(t *testing.T) {
	buf := make([]byte, page.Size)
	if err := page.VerifyChecksum(1, buf); err != nil {
		t.Errorf("VerifyChecksum(zero page) failed with %s", err)
	}

	page.InitTablePage(buf, 1)
	page.SetPageLSN(buf, 99)
	page.SetChecksum(buf)
	if err := page.VerifyChecksum(1, buf); err != nil {
		t.Errorf("VerifyChecksum() failed with %s", err)
	}
	if lsn := page.PageLSN(buf); lsn != 99 {
		t.Errorf("PageLSN() got %d want 99", lsn)
	}

	buf[page.Size-1] ^= 0xFF
	err := page.VerifyChecksum(1, buf)
	if !errors.Is(err, storage.ErrCorruptPage) {
		t.Errorf("VerifyChecksum(damaged page) got %v want %s", err, storage.ErrCorruptPage)
	}
}

func TestMetaPage(t *testing.T) {
	id := uuid.New()
	mp := page.InitMetaPage(make([]byte, page.Size), id)
	if err := mp.Validate(); err != nil {
		t.Fatalf("Validate() failed with %s", err)
	}
	if mp.NextPageID() != 1 {
		t.Errorf("NextPageID() got %d want 1", mp.NextPageID())
	}
	if mp.CatalogRoot() != page.InvalidPageID {
		t.Errorf("CatalogRoot() got %d want %d", mp.CatalogRoot(), page.InvalidPageID)
	}
	if mp.InstanceID() != id {
		t.Errorf("InstanceID() got %s want %s", mp.InstanceID(), id)
	}

	mp.SetNextPageID(12)
	mp.SetCatalogRoot(3)
	if mp.NextPageID() != 12 || mp.CatalogRoot() != 3 {
		t.Errorf("got next page %d and catalog root %d want 12 and 3", mp.NextPageID(),
			mp.CatalogRoot())
	}

	bad := page.MetaPage(make([]byte, page.Size))
	if bad.Validate() == nil {
		t.Errorf("Validate(zero page) did not fail")
	}
}

func TestTablePage(t *testing.T) {
	tp := page.InitTablePage(make([]byte, page.Size), 5)
	if tp.PageID() != 5 {
		t.Errorf("PageID() got %d want 5", tp.PageID())
	}
	if page.PageType(tp) != page.TablePageType {
		t.Errorf("PageType() got %s want %s", page.PageType(tp), page.TablePageType)
	}

	slot, err := tp.InsertTuple(page.MakeVersion(10, 0, page.NoIndex, []byte("one")))
	if err != nil {
		t.Fatalf("InsertTuple() failed with %s", err)
	}
	if slot != 0 {
		t.Errorf("InsertTuple() got slot %d want 0", slot)
	}
	slot2, err := tp.InsertTuple(page.MakeVersion(10, 0, page.NoIndex, []byte("two")))
	if err != nil {
		t.Fatalf("InsertTuple() failed with %s", err)
	}

	head, err := tp.Head(slot)
	if err != nil {
		t.Fatalf("Head(%d) failed with %s", slot, err)
	}
	tp.Version(head).SetXmax(11)
	idx, err := tp.AppendVersion(slot, page.MakeVersion(11, 0, head, []byte("uno")))
	if err != nil {
		t.Fatalf("AppendVersion() failed with %s", err)
	}

	vers, idxs, err := tp.Chain(slot)
	if err != nil {
		t.Fatalf("Chain(%d) failed with %s", slot, err)
	}
	if len(vers) != 2 || idxs[0] != idx || idxs[1] != head {
		t.Fatalf("Chain(%d) got %v want [%d %d]", slot, idxs, idx, head)
	}
	if !bytes.Equal(vers[0].Payload(), []byte("uno")) || vers[0].Xmin() != 11 {
		t.Errorf("Chain(%d)[0] got %q xmin %d", slot, vers[0].Payload(), vers[0].Xmin())
	}
	if !bytes.Equal(vers[1].Payload(), []byte("one")) || vers[1].Xmax() != 11 {
		t.Errorf("Chain(%d)[1] got %q xmax %d", slot, vers[1].Payload(), vers[1].Xmax())
	}
	if tp.IsTuple(int(idx)) {
		t.Errorf("IsTuple(%d) got true want false", idx)
	}

	err = tp.RestoreHead(slot, head, idx)
	if err != nil {
		t.Fatalf("RestoreHead() failed with %s", err)
	}
	vers, _, err = tp.Chain(slot)
	if err != nil || len(vers) != 1 || !tp.IsDead(int(idx)) {
		t.Errorf("Chain(%d) after RestoreHead got %d versions, %v", slot, len(vers), err)
	}

	err = tp.RemoveTuple(slot2)
	if err != nil {
		t.Fatalf("RemoveTuple() failed with %s", err)
	}
	_, err = tp.Head(slot2)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Head(removed) got %v want %s", err, storage.ErrNotFound)
	}
	_, err = tp.Head(99)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Head(99) got %v want %s", err, storage.ErrNotFound)
	}

	if err := tp.InsertTupleAt(1, page.MakeVersion(1, 0, page.NoIndex, nil)); err == nil {
		t.Errorf("InsertTupleAt(used slot) did not fail")
	}
}

func TestTablePageFull(t *testing.T) {
	tp := page.InitTablePage(make([]byte, page.Size), 1)
	payload := make([]byte, 100)

	var cnt int
	for {
		_, err := tp.InsertTuple(page.MakeVersion(1, 0, page.NoIndex, payload))
		if err != nil {
			if !errors.Is(err, storage.ErrPageFull) {
				t.Fatalf("InsertTuple() got %v want %s", err, storage.ErrPageFull)
			}
			break
		}
		cnt += 1
	}

	want := (page.Size - 32) / (100 + page.VersionHeaderSize + 8)
	if cnt != want {
		t.Errorf("InsertTuple() got %d tuples want %d", cnt, want)
	}
	if tp.Fits(tp.FreeSpace()) {
		t.Errorf("Fits(%d) got true want false", tp.FreeSpace())
	}

	if page.MaxRecord() != page.Size-40 {
		t.Errorf("MaxRecord() got %d want %d", page.MaxRecord(), page.Size-40)
	}
}
