package buffer

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/gtnao/junkdb/storage"
	"github.com/gtnao/junkdb/storage/page"
)

// PageIO is where the pool reads and writes pages.
type PageIO interface {
	ReadPage(id page.PageID, buf []byte) error
	WritePage(id page.PageID, buf []byte) error
	AllocatePage() (page.PageID, error)
}

// LogFlusher is used to force the log before a dirty page is written.
type LogFlusher interface {
	Flush(lsn page.LSN) error
}

type Options struct {
	Frames int
	// Wait is how long to wait for a frame to be unpinned when every frame is pinned before
	// failing with storage.ErrBufferFull; zero means fail immediately.
	Wait   time.Duration
	Logger *log.Logger
}

type Stats struct {
	Frames    int
	Resident  int
	Pinned    int
	Dirty     int
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Writes    uint64
}

// Pool caches pages in a fixed number of frames. A page stays in its frame while it is
// pinned; unpinned frames are evicted in least recently used order. Before a dirty page is
// written, the log is flushed through the page LSN.
type Pool struct {
	mutex    sync.Mutex
	io       PageIO
	log      LogFlusher
	frames   []*Page
	pages    map[page.PageID]*Page
	free     []int
	replacer *lruReplacer
	wait     time.Duration
	unpinned chan struct{} // Closed when a frame becomes evictable.
	stats    Stats
	logger   *log.Logger
}

var errNoVictim = errors.New("buffer: no victim")

func NewPool(io PageIO, lf LogFlusher, opts Options) *Pool {
	if opts.Frames <= 0 {
		opts.Frames = 64
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}

	bp := &Pool{
		io:       io,
		log:      lf,
		frames:   make([]*Page, opts.Frames),
		pages:    map[page.PageID]*Page{},
		free:     make([]int, 0, opts.Frames),
		replacer: newLRUReplacer(),
		wait:     opts.Wait,
		unpinned: make(chan struct{}),
		logger:   opts.Logger,
	}
	for fidx := range bp.frames {
		bp.frames[fidx] = &Page{
			pool:  bp,
			frame: fidx,
			data:  make([]byte, page.Size),
		}
		bp.free = append(bp.free, opts.Frames-fidx-1)
	}
	bp.stats.Frames = opts.Frames
	return bp
}

// writeLocked writes a dirty page which nobody has pinned.
func (bp *Pool) writeLocked(pg *Page) error {
	lsn := pg.LSN()
	err := bp.log.Flush(lsn)
	if err != nil {
		return err
	}
	err = bp.io.WritePage(pg.id, pg.data)
	if err != nil {
		return err
	}
	pg.dirty = false
	pg.recLSN = page.InvalidLSN
	bp.stats.Writes += 1
	return nil
}

func (bp *Pool) victimLocked() (int, error) {
	if n := len(bp.free); n > 0 {
		fidx := bp.free[n-1]
		bp.free = bp.free[:n-1]
		return fidx, nil
	}

	fidx, ok := bp.replacer.victim()
	if !ok {
		return -1, errNoVictim
	}
	pg := bp.frames[fidx]
	if pg.dirty {
		bp.logger.WithFields(log.Fields{
			"page": pg.id,
			"lsn":  pg.LSN(),
		}).Debug("writing evicted page")
		err := bp.writeLocked(pg)
		if err != nil {
			bp.replacer.unpin(fidx)
			return -1, err
		}
	}
	delete(bp.pages, pg.id)
	pg.id = page.InvalidPageID
	bp.stats.Evictions += 1
	return fidx, nil
}

// allocFrameLocked returns an empty frame, waiting, with the mutex unlocked, for a frame to
// be unpinned if necessary.
func (bp *Pool) allocFrameLocked(ctx context.Context) (int, error) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		fidx, err := bp.victimLocked()
		if err != errNoVictim {
			return fidx, err
		}
		if bp.wait <= 0 {
			return -1, errors.Wrapf(storage.ErrBufferFull, "all %d frames pinned",
				len(bp.frames))
		}
		if timer == nil {
			timer = time.NewTimer(bp.wait)
		}

		ch := bp.unpinned
		bp.mutex.Unlock()
		select {
		case <-ch:
			bp.mutex.Lock()
		case <-timer.C:
			bp.mutex.Lock()
			return -1, errors.Wrapf(storage.ErrBufferFull, "waited %s for a frame", bp.wait)
		case <-ctx.Done():
			bp.mutex.Lock()
			return -1, ctx.Err()
		}
	}
}

func (bp *Pool) pinLocked(pg *Page) {
	if pg.pin == 0 {
		bp.replacer.pin(pg.frame)
	}
	pg.pin += 1
}

// FetchPage returns page id pinned.
func (bp *Pool) FetchPage(ctx context.Context, id page.PageID) (*Page, error) {
	bp.mutex.Lock()
	defer bp.mutex.Unlock()

	if pg, ok := bp.pages[id]; ok {
		bp.stats.Hits += 1
		bp.pinLocked(pg)
		return pg, nil
	}

	fidx, err := bp.allocFrameLocked(ctx)
	if err != nil {
		return nil, err
	}
	// The page may have been read while waiting for a frame.
	if pg, ok := bp.pages[id]; ok {
		bp.free = append(bp.free, fidx)
		bp.stats.Hits += 1
		bp.pinLocked(pg)
		return pg, nil
	}

	pg := bp.frames[fidx]
	err = bp.io.ReadPage(id, pg.data)
	if err != nil {
		bp.free = append(bp.free, fidx)
		return nil, err
	}
	bp.stats.Misses += 1
	pg.id = id
	pg.pin = 1
	pg.dirty = false
	pg.recLSN = page.InvalidLSN
	bp.pages[id] = pg
	return pg, nil
}

// NewPage allocates a page and returns it pinned and zeroed.
func (bp *Pool) NewPage(ctx context.Context) (*Page, error) {
	id, err := bp.io.AllocatePage()
	if err != nil {
		return nil, err
	}

	bp.mutex.Lock()
	defer bp.mutex.Unlock()

	fidx, err := bp.allocFrameLocked(ctx)
	if err != nil {
		return nil, err
	}

	pg := bp.frames[fidx]
	for idx := range pg.data {
		pg.data[idx] = 0
	}
	pg.id = id
	pg.pin = 1
	pg.dirty = false
	pg.recLSN = page.InvalidLSN
	bp.pages[id] = pg
	return pg, nil
}

// UnpinPage releases a pin on page id; dirty is or'ed into the dirty flag of the page. Changes
// should be recorded with MarkDirty while the latch is held: a page dirtied only by UnpinPage
// has no recLSN, and the dirty page table reports it as dirty since the start of the log.
func (bp *Pool) UnpinPage(id page.PageID, dirty bool) error {
	bp.mutex.Lock()
	defer bp.mutex.Unlock()

	pg, ok := bp.pages[id]
	if !ok {
		return errors.Errorf("buffer: unpin page %d: not resident", id)
	}
	if pg.pin <= 0 {
		return errors.Errorf("buffer: unpin page %d: not pinned", id)
	}

	if dirty {
		pg.dirty = true
	}
	pg.pin -= 1
	if pg.pin == 0 {
		bp.replacer.unpin(pg.frame)
		close(bp.unpinned)
		bp.unpinned = make(chan struct{})
	}
	return nil
}

// Release unpins pg.
func (bp *Pool) Release(pg *Page, dirty bool) error {
	return bp.UnpinPage(pg.id, dirty)
}

// FlushPage writes page id if it is dirty.
func (bp *Pool) FlushPage(id page.PageID) error {
	bp.mutex.Lock()
	pg, ok := bp.pages[id]
	if !ok || !pg.dirty {
		bp.mutex.Unlock()
		return nil
	}
	bp.pinLocked(pg)
	bp.mutex.Unlock()

	err := bp.flushPinned(pg)
	if uerr := bp.UnpinPage(id, false); err == nil {
		err = uerr
	}
	return err
}

func (bp *Pool) flushPinned(pg *Page) error {
	buf := make([]byte, page.Size)

	pg.RLock()
	bp.mutex.Lock()
	if !pg.dirty || pg.writing != page.InvalidLSN {
		bp.mutex.Unlock()
		pg.RUnlock()
		return nil
	}
	copy(buf, pg.data)
	recLSN := pg.recLSN
	if recLSN == page.InvalidLSN {
		recLSN = page.FirstLSN
	}
	pg.dirty = false
	pg.recLSN = page.InvalidLSN
	pg.writing = recLSN
	bp.mutex.Unlock()
	pg.RUnlock()

	err := bp.log.Flush(page.PageLSN(buf))
	if err == nil {
		err = bp.io.WritePage(pg.id, buf)
	}

	bp.mutex.Lock()
	defer bp.mutex.Unlock()

	pg.writing = page.InvalidLSN
	if err != nil {
		pg.dirty = true
		if pg.recLSN == page.InvalidLSN || recLSN < pg.recLSN {
			pg.recLSN = recLSN
		}
		return err
	}
	bp.stats.Writes += 1
	return nil
}

// FlushAll writes every dirty page.
func (bp *Pool) FlushAll() error {
	bp.mutex.Lock()
	var ids []page.PageID
	for id, pg := range bp.pages {
		if pg.dirty {
			ids = append(ids, id)
		}
	}
	bp.mutex.Unlock()

	for _, id := range ids {
		err := bp.FlushPage(id)
		if err != nil {
			return err
		}
	}
	bp.logger.WithField("pages", len(ids)).Debug("flushed buffer pool")
	return nil
}

// DirtyPages returns the recLSN of each dirty page.
func (bp *Pool) DirtyPages() map[page.PageID]page.LSN {
	bp.mutex.Lock()
	defer bp.mutex.Unlock()

	dirty := map[page.PageID]page.LSN{}
	for id, pg := range bp.pages {
		if pg.writing != page.InvalidLSN {
			dirty[id] = pg.writing
		} else if pg.dirty && pg.recLSN == page.InvalidLSN {
			dirty[id] = page.FirstLSN
		} else if pg.dirty {
			dirty[id] = pg.recLSN
		}
	}
	return dirty
}

func (bp *Pool) Stats() Stats {
	bp.mutex.Lock()
	defer bp.mutex.Unlock()

	st := bp.stats
	st.Resident = len(bp.pages)
	for _, pg := range bp.pages {
		if pg.pin > 0 {
			st.Pinned += 1
		}
		if pg.dirty {
			st.Dirty += 1
		}
	}
	return st
}
