package buffer_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gtnao/junkdb/storage"
	"github.com/gtnao/junkdb/storage/buffer"
	"github.com/gtnao/junkdb/storage/page"
	"github.com/gtnao/junkdb/testutil"
)

type event struct {
	op  string
	id  page.PageID
	lsn page.LSN
}

type memIO struct {
	mutex   sync.Mutex
	pages   map[page.PageID][]byte
	next    page.PageID
	flushed page.LSN
	events  []event
}

func newMemIO() *memIO {
	return &memIO{
		pages: map[page.PageID][]byte{},
		next:  1,
	}
}

func (mio *memIO) ReadPage(id page.PageID, buf []byte) error {
	mio.mutex.Lock()
	defer mio.mutex.Unlock()

	if id >= mio.next {
		return storage.ErrNotFound
	}
	if data, ok := mio.pages[id]; ok {
		copy(buf, data)
	} else {
		for idx := range buf {
			buf[idx] = 0
		}
	}
	return nil
}

func (mio *memIO) WritePage(id page.PageID, buf []byte) error {
	mio.mutex.Lock()
	defer mio.mutex.Unlock()

	lsn := page.PageLSN(buf)
	if lsn > mio.flushed {
		return errors.New("page written before log")
	}
	mio.pages[id] = append([]byte(nil), buf...)
	mio.events = append(mio.events, event{"write", id, lsn})
	return nil
}

func (mio *memIO) AllocatePage() (page.PageID, error) {
	mio.mutex.Lock()
	defer mio.mutex.Unlock()

	id := mio.next
	mio.next += 1
	return id, nil
}

func (mio *memIO) Flush(lsn page.LSN) error {
	mio.mutex.Lock()
	defer mio.mutex.Unlock()

	if lsn > mio.flushed {
		mio.flushed = lsn
	}
	mio.events = append(mio.events, event{"flush", 0, lsn})
	return nil
}

func newPool(t *testing.T, frames int, wait time.Duration) (*buffer.Pool, *memIO) {
	t.Helper()

	mio := newMemIO()
	for n := 0; n < 8; n++ {
		mio.AllocatePage()
	}
	return buffer.NewPool(mio, mio,
		buffer.Options{
			Frames: frames,
			Wait:   wait,
			Logger: testutil.SetupLogger("buffer_test.log"),
		}), mio
}

func TestBufferFull(t *testing.T) {
	ctx := context.Background()
	bp, _ := newPool(t, 2, 0)

	a, err := bp.FetchPage(ctx, 1)
	if err != nil {
		t.Fatalf("FetchPage(1) failed with %s", err)
	}
	_, err = bp.FetchPage(ctx, 2)
	if err != nil {
		t.Fatalf("FetchPage(2) failed with %s", err)
	}
	_, err = bp.FetchPage(ctx, 3)
	if !errors.Is(err, storage.ErrBufferFull) {
		t.Fatalf("FetchPage(3) got %v want %s", err, storage.ErrBufferFull)
	}

	err = bp.UnpinPage(2, false)
	if err != nil {
		t.Fatalf("UnpinPage(2) failed with %s", err)
	}
	c, err := bp.FetchPage(ctx, 3)
	if err != nil {
		t.Fatalf("FetchPage(3) failed with %s", err)
	}
	if c.ID() != 3 {
		t.Errorf("FetchPage(3) got page %d", c.ID())
	}

	st := bp.Stats()
	if st.Resident != 2 || st.Pinned != 2 || st.Evictions != 1 {
		t.Errorf("Stats() got %+v", st)
	}

	a2, err := bp.FetchPage(ctx, 1)
	if err != nil {
		t.Fatalf("FetchPage(1) failed with %s", err)
	}
	if a2 != a {
		t.Errorf("FetchPage(1) did not return the resident page")
	}
	for _, id := range []page.PageID{1, 1, 3} {
		err = bp.UnpinPage(id, false)
		if err != nil {
			t.Errorf("UnpinPage(%d) failed with %s", id, err)
		}
	}
	err = bp.UnpinPage(3, false)
	if err == nil {
		t.Errorf("UnpinPage(3) of an unpinned page did not fail")
	}
	err = bp.UnpinPage(7, false)
	if err == nil {
		t.Errorf("UnpinPage(7) of a page which is not resident did not fail")
	}
}

func TestLRUOrder(t *testing.T) {
	ctx := context.Background()
	bp, _ := newPool(t, 3, 0)

	for _, id := range []page.PageID{1, 2, 3} {
		_, err := bp.FetchPage(ctx, id)
		if err != nil {
			t.Fatalf("FetchPage(%d) failed with %s", id, err)
		}
	}
	for _, id := range []page.PageID{2, 1, 3} {
		bp.UnpinPage(id, false)
	}

	// 2 is the least recently used, then 1.
	_, err := bp.FetchPage(ctx, 4)
	if err != nil {
		t.Fatalf("FetchPage(4) failed with %s", err)
	}
	_, err = bp.FetchPage(ctx, 1)
	if err != nil {
		t.Fatalf("FetchPage(1) failed with %s", err)
	}
	st := bp.Stats()
	if st.Hits != 1 || st.Misses != 4 || st.Evictions != 1 {
		t.Errorf("Stats() got %+v", st)
	}
	_, err = bp.FetchPage(ctx, 5)
	if err != nil {
		t.Fatalf("FetchPage(5) failed with %s", err)
	}
	_, err = bp.FetchPage(ctx, 2)
	if !errors.Is(err, storage.ErrBufferFull) {
		t.Errorf("FetchPage(2) got %v want %s", err, storage.ErrBufferFull)
	}
}

func TestBufferWait(t *testing.T) {
	ctx := context.Background()
	bp, _ := newPool(t, 1, 10*time.Second)

	_, err := bp.FetchPage(ctx, 1)
	if err != nil {
		t.Fatalf("FetchPage(1) failed with %s", err)
	}

	done := make(chan error)
	go func() {
		_, err := bp.FetchPage(ctx, 2)
		done <- err
	}()

	select {
	case err := <-done:
		t.Fatalf("FetchPage(2) did not wait: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	bp.UnpinPage(1, false)
	err = <-done
	if err != nil {
		t.Fatalf("FetchPage(2) failed with %s", err)
	}

	cctx, cancel := context.WithCancel(ctx)
	go func() {
		_, err := bp.FetchPage(cctx, 3)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	err = <-done
	if !errors.Is(err, context.Canceled) {
		t.Errorf("FetchPage(3) got %v want %s", err, context.Canceled)
	}
}

func TestBufferWaitTimeout(t *testing.T) {
	ctx := context.Background()
	bp, _ := newPool(t, 1, 20*time.Millisecond)

	_, err := bp.FetchPage(ctx, 1)
	if err != nil {
		t.Fatalf("FetchPage(1) failed with %s", err)
	}
	_, err = bp.FetchPage(ctx, 2)
	if !errors.Is(err, storage.ErrBufferFull) {
		t.Errorf("FetchPage(2) got %v want %s", err, storage.ErrBufferFull)
	}
}

func TestLogBeforeEvict(t *testing.T) {
	ctx := context.Background()
	bp, mio := newPool(t, 1, 0)

	pg, err := bp.NewPage(ctx)
	if err != nil {
		t.Fatalf("NewPage() failed with %s", err)
	}
	id := pg.ID()
	if id != 9 {
		t.Errorf("NewPage() got page %d want 9", id)
	}
	pg.Lock()
	page.InitTablePage(pg.Data(), id)
	pg.SetLSN(17)
	pg.Unlock()
	pg.MarkDirty(17)
	bp.UnpinPage(id, true)

	dirty := bp.DirtyPages()
	if len(dirty) != 1 || dirty[id] != 17 {
		t.Errorf("DirtyPages() got %v want map[%d:17]", dirty, id)
	}

	_, err = bp.FetchPage(ctx, 1)
	if err != nil {
		t.Fatalf("FetchPage(1) failed with %s", err)
	}
	if len(mio.events) != 2 || mio.events[0].op != "flush" || mio.events[0].lsn != 17 ||
		mio.events[1].op != "write" || mio.events[1].id != id {

		t.Errorf("eviction got %v want flush through 17 then write", mio.events)
	}
	if len(bp.DirtyPages()) != 0 {
		t.Errorf("DirtyPages() got %v want none", bp.DirtyPages())
	}
	bp.UnpinPage(1, false)

	pg, err = bp.FetchPage(ctx, id)
	if err != nil {
		t.Fatalf("FetchPage(%d) failed with %s", id, err)
	}
	if pg.LSN() != 17 {
		t.Errorf("LSN() got %d want 17", pg.LSN())
	}
	bp.UnpinPage(id, false)
}

func TestFlushAll(t *testing.T) {
	ctx := context.Background()
	bp, mio := newPool(t, 4, 0)

	for _, id := range []page.PageID{1, 2, 3} {
		pg, err := bp.FetchPage(ctx, id)
		if err != nil {
			t.Fatalf("FetchPage(%d) failed with %s", id, err)
		}
		pg.Lock()
		page.InitTablePage(pg.Data(), id)
		pg.SetLSN(page.LSN(id * 10))
		pg.Unlock()
		if id != 2 {
			pg.MarkDirty(page.LSN(id * 10))
		}
		bp.UnpinPage(id, false)
	}

	err := bp.FlushAll()
	if err != nil {
		t.Fatalf("FlushAll() failed with %s", err)
	}
	if mio.flushed != 30 {
		t.Errorf("flushed got %d want 30", mio.flushed)
	}
	if _, ok := mio.pages[2]; ok {
		t.Errorf("FlushAll() wrote clean page 2")
	}
	for _, id := range []page.PageID{1, 3} {
		if page.PageLSN(mio.pages[id]) != page.LSN(id*10) {
			t.Errorf("FlushAll() did not write page %d", id)
		}
	}
	st := bp.Stats()
	if st.Dirty != 0 || st.Writes != 2 {
		t.Errorf("Stats() got %+v", st)
	}
}

func TestUnpinDirty(t *testing.T) {
	ctx := context.Background()
	bp, _ := newPool(t, 2, 0)

	pg, err := bp.FetchPage(ctx, 3)
	if err != nil {
		t.Fatalf("FetchPage(3) failed with %s", err)
	}
	pg.Lock()
	page.InitTablePage(pg.Data(), 3)
	pg.SetLSN(40)
	pg.Unlock()
	err = bp.UnpinPage(3, true)
	if err != nil {
		t.Fatalf("UnpinPage(3) failed with %s", err)
	}

	dirty := bp.DirtyPages()
	if len(dirty) != 1 || dirty[3] != page.FirstLSN {
		t.Errorf("DirtyPages() got %v want map[3:%d]", dirty, page.FirstLSN)
	}
	err = bp.FlushAll()
	if err != nil {
		t.Fatalf("FlushAll() failed with %s", err)
	}
	if len(bp.DirtyPages()) != 0 {
		t.Errorf("DirtyPages() got %v want none", bp.DirtyPages())
	}

	if bp.UnpinPage(3, false) == nil {
		t.Errorf("UnpinPage(3) did not fail on an unpinned page")
	}
	if bp.UnpinPage(5, false) == nil {
		t.Errorf("UnpinPage(5) did not fail on a page which is not resident")
	}
}
