package disk_test

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/gtnao/junkdb/storage"
	"github.com/gtnao/junkdb/storage/disk"
	"github.com/gtnao/junkdb/storage/page"
	"github.com/gtnao/junkdb/testutil"
)

func fillPage(id page.PageID, b byte) []byte {
	buf := make([]byte, page.Size)
	page.InitTablePage(buf, id)
	for idx := 64; idx < page.Size; idx++ {
		buf[idx] = b
	}
	return buf
}

func testStore(t *testing.T, store string) {
	t.Helper()

	logger := testutil.SetupLogger("disk_test.log")
	dataDir := testutil.DataDir(t, store)

	m, err := disk.Open(store, dataDir, logger)
	if err != nil {
		t.Fatalf("Open(%s) failed with %s", store, err)
	}
	if m.Store() != store {
		t.Errorf("Store() got %s want %s", m.Store(), store)
	}
	instance := m.InstanceID()

	var ids []page.PageID
	for n := 0; n < 3; n++ {
		id, err := m.AllocatePage()
		if err != nil {
			t.Fatalf("AllocatePage() failed with %s", err)
		}
		if id != page.PageID(n+1) {
			t.Errorf("AllocatePage() got %d want %d", id, n+1)
		}
		ids = append(ids, id)
	}

	buf := make([]byte, page.Size)
	err = m.ReadPage(ids[2], buf)
	if err != nil {
		t.Fatalf("ReadPage(%d) failed with %s", ids[2], err)
	}
	if !page.IsZero(buf) {
		t.Errorf("ReadPage(%d) of a new page is not zero", ids[2])
	}

	for _, id := range ids[:2] {
		err = m.WritePage(id, fillPage(id, byte(id)))
		if err != nil {
			t.Fatalf("WritePage(%d) failed with %s", id, err)
		}
	}
	err = m.SetCatalogRoot(ids[0])
	if err != nil {
		t.Fatalf("SetCatalogRoot() failed with %s", err)
	}

	err = m.ReadPage(page.MetaPageID, buf)
	if err == nil {
		t.Errorf("ReadPage(0) did not fail")
	}
	err = m.WritePage(99, buf)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("WritePage(99) got %v want %s", err, storage.ErrNotFound)
	}

	err = m.Close()
	if err != nil {
		t.Fatalf("Close() failed with %s", err)
	}

	m, err = disk.Open(store, dataDir, logger)
	if err != nil {
		t.Fatalf("Open(%s) failed with %s", store, err)
	}
	defer m.Close()

	if m.InstanceID() != instance {
		t.Errorf("InstanceID() got %s want %s", m.InstanceID(), instance)
	}
	if m.NextPageID() != 4 {
		t.Errorf("NextPageID() got %d want 4", m.NextPageID())
	}
	if m.CatalogRoot() != ids[0] {
		t.Errorf("CatalogRoot() got %d want %d", m.CatalogRoot(), ids[0])
	}
	for _, id := range ids[:2] {
		err = m.ReadPage(id, buf)
		if err != nil {
			t.Fatalf("ReadPage(%d) failed with %s", id, err)
		}
		want := fillPage(id, byte(id))
		if !bytes.Equal(buf[12:], want[12:]) {
			t.Errorf("ReadPage(%d) did not return the written page", id)
		}
	}
}

func TestFileStore(t *testing.T) {
	testStore(t, "file")
}

func TestBBoltStore(t *testing.T) {
	testStore(t, "bbolt")
}

func TestBadgerStore(t *testing.T) {
	testStore(t, "badger")
}

func TestPebbleStore(t *testing.T) {
	testStore(t, "pebble")
}

func TestBadStore(t *testing.T) {
	_, err := disk.Open("oracle", testutil.DataDir(t, "oracle"), nil)
	if err == nil {
		t.Errorf("Open(oracle) did not fail")
	}
}

func TestCorruptPage(t *testing.T) {
	dataDir := testutil.DataDir(t, "corrupt")
	m, err := disk.Open("file", dataDir, testutil.SetupLogger("disk_test.log"))
	if err != nil {
		t.Fatalf("Open(file) failed with %s", err)
	}
	id, err := m.AllocatePage()
	if err != nil {
		t.Fatalf("AllocatePage() failed with %s", err)
	}
	err = m.WritePage(id, fillPage(id, 7))
	if err != nil {
		t.Fatalf("WritePage(%d) failed with %s", id, err)
	}
	m.Close()

	name := filepath.Join(dataDir, "data.db")
	f, err := os.OpenFile(name, os.O_RDWR, 0644)
	if err != nil {
		t.Fatalf("OpenFile(%s) failed with %s", name, err)
	}
	_, err = f.WriteAt([]byte{0xFF, 0xFF}, int64(id)*page.Size+1000)
	if err != nil {
		t.Fatalf("WriteAt() failed with %s", err)
	}
	f.Close()

	m, err = disk.Open("file", dataDir, nil)
	if err != nil {
		t.Fatalf("Open(file) failed with %s", err)
	}
	defer m.Close()

	err = m.ReadPage(id, make([]byte, page.Size))
	if !errors.Is(err, storage.ErrCorruptPage) {
		t.Errorf("ReadPage(%d) got %v want %s", id, err, storage.ErrCorruptPage)
	}
}
