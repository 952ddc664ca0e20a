package buffer

import (
	"sync"

	"github.com/gtnao/junkdb/storage/page"
)

// Page is a frame of the buffer pool holding a pinned page. The latch protects the contents
// of the page; the rest of the state is protected by the pool.
type Page struct {
	latch  sync.RWMutex
	pool   *Pool
	frame  int
	id     page.PageID
	pin    int
	dirty  bool
	recLSN page.LSN
	// recLSN of a write in progress; the page stays in the dirty page table until it is done.
	writing page.LSN
	data    []byte
}

func (pg *Page) ID() page.PageID {
	return pg.id
}

// Data returns the contents of the page; the caller must hold the latch.
func (pg *Page) Data() []byte {
	return pg.data
}

func (pg *Page) LSN() page.LSN {
	return page.PageLSN(pg.data)
}

func (pg *Page) SetLSN(lsn page.LSN) {
	page.SetPageLSN(pg.data, lsn)
}

func (pg *Page) RLock() {
	pg.latch.RLock()
}

func (pg *Page) RUnlock() {
	pg.latch.RUnlock()
}

func (pg *Page) Lock() {
	pg.latch.Lock()
}

func (pg *Page) Unlock() {
	pg.latch.Unlock()
}

// MarkDirty records that the change logged at lsn was made to the page. The oldest such lsn
// since the page was last written is its recLSN.
func (pg *Page) MarkDirty(lsn page.LSN) {
	pg.pool.mutex.Lock()
	defer pg.pool.mutex.Unlock()

	pg.dirty = true
	if pg.recLSN == page.InvalidLSN || lsn < pg.recLSN {
		pg.recLSN = lsn
	}
}
