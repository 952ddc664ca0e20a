package heap

import (
	"context"

	"github.com/pkg/errors"

	"github.com/gtnao/junkdb/storage"
	"github.com/gtnao/junkdb/storage/page"
	"github.com/gtnao/junkdb/storage/wal"
)

func replayPage(id page.PageID, buf []byte) (page.TablePage, error) {
	if page.PageType(buf) != page.TablePageType {
		return nil, errors.Wrapf(storage.ErrCorruptPage, "heap: page %d is not a table page",
			id)
	}
	return page.TablePage(buf), nil
}

func redoPage(id page.PageID, buf []byte, rt wal.RecordType, payload []byte) error {
	if rt == wal.NewPageRecord {
		np, err := wal.DecodeNewPage(payload)
		if err != nil {
			return err
		}
		if id == np.Page {
			page.InitTablePage(buf, id)
			return nil
		}
		tp, err := replayPage(id, buf)
		if err != nil {
			return err
		}
		tp.SetNextPageID(np.Page)
		return nil
	}

	tp, err := replayPage(id, buf)
	if err != nil {
		return err
	}
	switch rt {
	case wal.InsertRecord:
		ip, err := wal.DecodeInsert(payload)
		if err != nil {
			return err
		}
		return tp.InsertTupleAt(ip.Slot, ip.Version)
	case wal.DeleteRecord:
		dp, err := wal.DecodeDelete(payload)
		if err != nil {
			return err
		}
		head, err := tp.Head(dp.Slot)
		if err != nil {
			return err
		}
		tp.Version(head).SetXmax(dp.NewXmax)
	case wal.UpdateRecord:
		up, err := wal.DecodeUpdate(payload)
		if err != nil {
			return err
		}
		err = tp.AppendVersionAt(up.Slot, up.Index, up.Version)
		if err != nil {
			return err
		}
		tp.Version(up.OldHead).SetXmax(up.Version.Xmin())
	case wal.CLRRecord:
		cp, err := wal.DecodeCLR(payload)
		if err != nil {
			return err
		}
		return undoPage(tp, cp.Type, cp.Payload)
	default:
		return errors.Errorf("heap: unexpected %s record", rt)
	}
	return nil
}

// undoPage reverses the change described by a data record.
func undoPage(tp page.TablePage, rt wal.RecordType, payload []byte) error {
	switch rt {
	case wal.InsertRecord:
		ip, err := wal.DecodeInsert(payload)
		if err != nil {
			return err
		}
		return tp.RemoveTuple(ip.Slot)
	case wal.DeleteRecord:
		dp, err := wal.DecodeDelete(payload)
		if err != nil {
			return err
		}
		head, err := tp.Head(dp.Slot)
		if err != nil {
			return err
		}
		tp.Version(head).SetXmax(dp.OldXmax)
	case wal.UpdateRecord:
		up, err := wal.DecodeUpdate(payload)
		if err != nil {
			return err
		}
		err = tp.RestoreHead(up.Slot, up.OldHead, up.Index)
		if err != nil {
			return err
		}
		tp.Version(up.OldHead).SetXmax(up.OldXmax)
	default:
		return errors.Errorf("heap: %s records can not be undone", rt)
	}
	return nil
}

// Redo reapplies rec, a data record, to each page it changes which does not already reflect
// it, according to the LSN of the page. It returns the number of pages changed.
func (h *Heap) Redo(ctx context.Context, rec *wal.Record) (int, error) {
	ids, err := wal.Pages(rec.Type, rec.Payload)
	if err != nil {
		return 0, err
	}

	var n int
	for _, id := range ids {
		pg, err := h.fetch(ctx, id, true)
		if err != nil {
			return n, err
		}
		if pg.LSN() >= rec.LSN {
			h.release(pg, true)
			continue
		}

		err = redoPage(id, pg.Data(), rec.Type, rec.Payload)
		if err == nil {
			stamp(pg, rec.LSN)
			n += 1
		}
		h.release(pg, true)
		if err != nil {
			return n, errors.Wrapf(err, "heap: redo %s", rec)
		}
	}
	return n, nil
}

// Undo reverses rec, an insert, delete, or update of the transaction of tl, and logs a
// compensation record for it. The next record of the transaction to undo is the one before
// rec.
func (h *Heap) Undo(ctx context.Context, tl TxnLog, rec *wal.Record) (page.LSN, error) {
	if !rec.Type.IsUndoable() {
		return page.InvalidLSN, errors.Errorf("heap: %s records can not be undone", rec.Type)
	}
	ids, err := wal.Pages(rec.Type, rec.Payload)
	if err != nil {
		return page.InvalidLSN, err
	}

	pg, err := h.fetch(ctx, ids[0], true)
	if err != nil {
		return page.InvalidLSN, err
	}
	defer h.release(pg, true)

	tp, err := replayPage(pg.ID(), pg.Data())
	if err != nil {
		return page.InvalidLSN, err
	}
	cp := wal.CLRPayload{UndoNext: rec.PrevLSN, Type: rec.Type, Payload: rec.Payload}
	lsn, err := h.logChange(tl,
		&wal.Record{
			Type:    wal.CLRRecord,
			Payload: cp.Encode(),
		},
		func() error {
			return undoPage(tp, rec.Type, rec.Payload)
		}, pg)
	if err != nil {
		return page.InvalidLSN, errors.Wrapf(err, "heap: undo %s", rec)
	}
	return lsn, nil
}
