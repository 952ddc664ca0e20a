// Package heap stores tables as chains of slotted pages in the buffer pool. Every change to a
// page is logged before it is made, and the page is stamped with the LSN of the record.
package heap

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/gtnao/junkdb/storage"
	"github.com/gtnao/junkdb/storage/buffer"
	"github.com/gtnao/junkdb/storage/page"
	"github.com/gtnao/junkdb/storage/wal"
)

// Logger appends records to the log; *wal.Manager is a Logger.
type Logger interface {
	Append(rec *wal.Record) (page.LSN, error)
}

// TxnLog appends the records of one transaction: it sets the transaction id of each record
// and chains it to the previous record of the same transaction.
type TxnLog interface {
	Logger
	ID() page.TxnID
}

type Heap struct {
	pool   *buffer.Pool
	log    Logger
	logger *log.Logger
	// Held shared from appending a record until its pages are marked dirty.
	barrier sync.RWMutex

	mutex  sync.Mutex
	tables map[page.PageID]*Table
}

// Table is a chain of table pages starting at its first page.
type Table struct {
	heap  *Heap
	first page.PageID

	mutex sync.Mutex
	last  page.PageID
	pages map[page.PageID]struct{}
}

func New(pool *buffer.Pool, lg Logger, logger *log.Logger) *Heap {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Heap{
		pool:   pool,
		log:    lg,
		logger: logger,
		tables: map[page.PageID]*Table{},
	}
}

// fetch returns page id pinned and latched, shared or exclusive.
func (h *Heap) fetch(ctx context.Context, id page.PageID, excl bool) (*buffer.Page, error) {
	if id == page.InvalidPageID {
		return nil, errors.Wrap(storage.ErrNotFound, "heap: page 0 is not a table page")
	}
	pg, err := h.pool.FetchPage(ctx, id)
	if err != nil {
		return nil, err
	}
	if excl {
		pg.Lock()
	} else {
		pg.RLock()
	}
	return pg, nil
}

func (h *Heap) release(pg *buffer.Page, excl bool) {
	if excl {
		pg.Unlock()
	} else {
		pg.RUnlock()
	}
	err := h.pool.UnpinPage(pg.ID(), false)
	if err != nil {
		h.logger.WithField("page", pg.ID()).Errorf("heap: %s", err)
	}
}

// stamp records that the change logged at lsn was made to pg; pg must be latched exclusive.
func stamp(pg *buffer.Page, lsn page.LSN) {
	pg.SetLSN(lsn)
	pg.MarkDirty(lsn)
}

// logChange appends rec using lg, then makes the change with apply and stamps pgs with the
// LSN of rec. The pages must be latched exclusive.
func (h *Heap) logChange(lg Logger, rec *wal.Record, apply func() error,
	pgs ...*buffer.Page) (page.LSN, error) {

	h.barrier.RLock()
	defer h.barrier.RUnlock()

	lsn, err := lg.Append(rec)
	if err != nil {
		return page.InvalidLSN, err
	}
	err = apply()
	if err != nil {
		return page.InvalidLSN, err
	}
	for _, pg := range pgs {
		if pg != nil {
			stamp(pg, lsn)
		}
	}
	return lsn, nil
}

// Barrier runs fn while every record appended by the heap has been applied to its pages and
// the pages marked dirty. Checkpoints capture the dirty page table this way.
func (h *Heap) Barrier(fn func()) {
	h.barrier.Lock()
	defer h.barrier.Unlock()

	fn()
}

func tablePage(pg *buffer.Page) (page.TablePage, error) {
	if page.PageType(pg.Data()) != page.TablePageType {
		return nil, errors.Wrapf(storage.ErrNotFound, "heap: page %d is not a table page",
			pg.ID())
	}
	return page.TablePage(pg.Data()), nil
}

// newPage allocates a table page and links it after prev, if there is one. The allocation is
// logged as a system record which is redone but never undone.
func (h *Heap) newPage(ctx context.Context, prev page.PageID) (page.PageID, error) {
	pg, err := h.pool.NewPage(ctx)
	if err != nil {
		return page.InvalidPageID, err
	}
	defer h.pool.UnpinPage(pg.ID(), false)

	var ppg *buffer.Page
	if prev != page.InvalidPageID {
		ppg, err = h.fetch(ctx, prev, true)
		if err != nil {
			return page.InvalidPageID, err
		}
		defer h.release(ppg, true)
	}

	pg.Lock()
	defer pg.Unlock()

	np := wal.NewPagePayload{Page: pg.ID(), PrevPage: prev}
	lsn, err := h.logChange(h.log,
		&wal.Record{
			Type:    wal.NewPageRecord,
			Payload: np.Encode(),
		},
		func() error {
			page.InitTablePage(pg.Data(), pg.ID())
			if ppg != nil {
				page.TablePage(ppg.Data()).SetNextPageID(pg.ID())
			}
			return nil
		}, pg, ppg)
	if err != nil {
		return page.InvalidPageID, err
	}

	h.logger.WithFields(log.Fields{
		"page": pg.ID(),
		"prev": prev,
		"lsn":  lsn,
	}).Debug("new table page")
	return pg.ID(), nil
}

// CreateTable allocates the first page of a new table.
func (h *Heap) CreateTable(ctx context.Context) (*Table, error) {
	first, err := h.newPage(ctx, page.InvalidPageID)
	if err != nil {
		return nil, err
	}

	tbl := &Table{
		heap:  h,
		first: first,
		last:  first,
		pages: map[page.PageID]struct{}{first: {}},
	}

	h.mutex.Lock()
	h.tables[first] = tbl
	h.mutex.Unlock()
	return tbl, nil
}

// OpenTable returns the table whose first page is first.
func (h *Heap) OpenTable(ctx context.Context, first page.PageID) (*Table, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if tbl, ok := h.tables[first]; ok {
		return tbl, nil
	}

	tbl := &Table{
		heap:  h,
		first: first,
		pages: map[page.PageID]struct{}{},
	}
	id := first
	for id != page.InvalidPageID {
		if _, ok := tbl.pages[id]; ok {
			return nil, errors.Wrapf(storage.ErrCorruptPage, "heap: page %d: cycle in table",
				id)
		}
		pg, err := h.fetch(ctx, id, false)
		if err != nil {
			return nil, err
		}
		tp, err := tablePage(pg)
		if err != nil {
			h.release(pg, false)
			return nil, err
		}
		tbl.pages[id] = struct{}{}
		tbl.last = id
		id = tp.NextPageID()
		h.release(pg, false)
	}

	h.tables[first] = tbl
	return tbl, nil
}

func (tbl *Table) FirstPage() page.PageID {
	return tbl.first
}

// Pages returns the number of pages in the table.
func (tbl *Table) Pages() int {
	tbl.mutex.Lock()
	defer tbl.mutex.Unlock()

	return len(tbl.pages)
}

func (tbl *Table) checkTID(tid page.TID) error {
	tbl.mutex.Lock()
	defer tbl.mutex.Unlock()

	if _, ok := tbl.pages[tid.Page]; !ok {
		return errors.Wrapf(storage.ErrNotFound, "heap: %s is not in table %d", tid, tbl.first)
	}
	return nil
}

// extend adds a page to the end of the table, unless another page was added since full was
// found to be the last page.
func (tbl *Table) extend(ctx context.Context, full page.PageID) error {
	tbl.mutex.Lock()
	defer tbl.mutex.Unlock()

	if tbl.last != full {
		return nil
	}
	id, err := tbl.heap.newPage(ctx, full)
	if err != nil {
		return err
	}
	tbl.pages[id] = struct{}{}
	tbl.last = id
	return nil
}

// Insert adds a tuple whose only version is payload, created by the transaction of tl. It
// returns the new tuple id.
func (tbl *Table) Insert(ctx context.Context, tl TxnLog, payload []byte) (page.TID, error) {
	v := page.MakeVersion(tl.ID(), page.InvalidTxnID, page.NoIndex, payload)
	if len(v) > page.MaxRecord() {
		return page.TID{}, errors.Wrapf(storage.ErrPageFull,
			"heap: row of %d bytes is too large", len(payload))
	}

	h := tbl.heap
	for {
		tbl.mutex.Lock()
		id := tbl.last
		tbl.mutex.Unlock()

		pg, err := h.fetch(ctx, id, true)
		if err != nil {
			return page.TID{}, err
		}
		tp := page.TablePage(pg.Data())
		if !tp.Fits(len(v)) {
			h.release(pg, true)
			err = tbl.extend(ctx, id)
			if err != nil {
				return page.TID{}, err
			}
			continue
		}

		tid := page.TID{Page: id, Slot: page.SlotID(tp.SlotCount())}
		ip := wal.InsertPayload{Page: tid.Page, Slot: tid.Slot, Version: v}
		_, err = h.logChange(tl,
			&wal.Record{
				Type:    wal.InsertRecord,
				Payload: ip.Encode(),
			},
			func() error {
				return tp.InsertTupleAt(tid.Slot, v)
			}, pg)
		h.release(pg, true)
		if err != nil {
			return page.TID{}, err
		}
		return tid, nil
	}
}

// Chain returns copies of the versions of tid, newest first.
func (tbl *Table) Chain(ctx context.Context, tid page.TID) ([]page.Version, error) {
	err := tbl.checkTID(tid)
	if err != nil {
		return nil, err
	}

	pg, err := tbl.heap.fetch(ctx, tid.Page, false)
	if err != nil {
		return nil, err
	}
	defer tbl.heap.release(pg, false)

	tp, err := tablePage(pg)
	if err != nil {
		return nil, err
	}
	vers, _, err := tp.Chain(tid.Slot)
	if err != nil {
		return nil, err
	}
	for idx := range vers {
		vers[idx] = vers[idx].Copy()
	}
	return vers, nil
}

// Delete marks the newest version of tid as deleted by the transaction of tl. The caller
// holds the row lock and has checked that the newest version may be deleted.
func (tbl *Table) Delete(ctx context.Context, tl TxnLog, tid page.TID) error {
	err := tbl.checkTID(tid)
	if err != nil {
		return err
	}

	h := tbl.heap
	pg, err := h.fetch(ctx, tid.Page, true)
	if err != nil {
		return err
	}
	defer h.release(pg, true)

	tp, err := tablePage(pg)
	if err != nil {
		return err
	}
	head, err := tp.Head(tid.Slot)
	if err != nil {
		return err
	}
	v := tp.Version(head)

	dp := wal.DeletePayload{Page: tid.Page, Slot: tid.Slot, OldXmax: v.Xmax(), NewXmax: tl.ID()}
	_, err = h.logChange(tl,
		&wal.Record{
			Type:    wal.DeleteRecord,
			Payload: dp.Encode(),
		},
		func() error {
			v.SetXmax(dp.NewXmax)
			return nil
		}, pg)
	return err
}

// Update makes payload the newest version of tid, linked to the previous newest version,
// which is marked as replaced; both changes are made by the transaction of tl. The new
// version must fit in the page of the tuple; otherwise, storage.ErrPageFull is returned.
func (tbl *Table) Update(ctx context.Context, tl TxnLog, tid page.TID, payload []byte) error {
	err := tbl.checkTID(tid)
	if err != nil {
		return err
	}

	h := tbl.heap
	pg, err := h.fetch(ctx, tid.Page, true)
	if err != nil {
		return err
	}
	defer h.release(pg, true)

	tp, err := tablePage(pg)
	if err != nil {
		return err
	}
	head, err := tp.Head(tid.Slot)
	if err != nil {
		return err
	}
	txn := tl.ID()
	v := page.MakeVersion(txn, page.InvalidTxnID, head, payload)
	if !tp.Fits(len(v)) {
		return errors.Wrapf(storage.ErrPageFull,
			"heap: no room in page %d for a new version of %s", tid.Page, tid)
	}

	hv := tp.Version(head)
	up := wal.UpdatePayload{
		Page:    tid.Page,
		Slot:    tid.Slot,
		Index:   uint16(tp.SlotCount()),
		OldHead: head,
		OldXmax: hv.Xmax(),
		Version: v,
	}
	_, err = h.logChange(tl,
		&wal.Record{
			Type:    wal.UpdateRecord,
			Payload: up.Encode(),
		},
		func() error {
			err := tp.AppendVersionAt(tid.Slot, up.Index, v)
			if err != nil {
				return err
			}
			hv.SetXmax(txn)
			return nil
		}, pg)
	return err
}

// Tuple is a tuple id and copies of its versions, newest first.
type Tuple struct {
	TID      page.TID
	Versions []page.Version
}

// Scan calls fn for every tuple in the table, in page and slot order. No page is latched
// while fn runs.
func (tbl *Table) Scan(ctx context.Context, fn func(tup Tuple) error) error {
	h := tbl.heap
	id := tbl.first
	for id != page.InvalidPageID {
		pg, err := h.fetch(ctx, id, false)
		if err != nil {
			return err
		}
		tp, err := tablePage(pg)
		if err != nil {
			h.release(pg, false)
			return err
		}

		var tups []Tuple
		for slot := 0; slot < tp.SlotCount(); slot++ {
			if !tp.IsTuple(slot) {
				continue
			}
			vers, _, err := tp.Chain(page.SlotID(slot))
			if errors.Is(err, storage.ErrNotFound) {
				continue
			} else if err != nil {
				h.release(pg, false)
				return err
			}
			for idx := range vers {
				vers[idx] = vers[idx].Copy()
			}
			tups = append(tups, Tuple{
				TID:      page.TID{Page: id, Slot: page.SlotID(slot)},
				Versions: vers,
			})
		}
		next := tp.NextPageID()
		h.release(pg, false)

		for _, tup := range tups {
			err = fn(tup)
			if err != nil {
				return err
			}
		}
		id = next
	}
	return nil
}
