package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/gtnao/junkdb/storage/page"
)

type PageInfo struct {
	ID    page.PageID
	Type  page.Type
	LSN   page.LSN
	Slots int
	Free  int
	Next  page.PageID
}

type Inspection struct {
	Instance    uuid.UUID
	Store       string
	NextPageID  page.PageID
	CatalogRoot page.PageID
	Pages       []PageInfo
}

// Inspect describes every allocated page as the buffer pool currently has it.
func (e *Engine) Inspect(ctx context.Context) (*Inspection, error) {
	in := &Inspection{
		Instance:    e.disk.InstanceID(),
		Store:       e.disk.Store(),
		NextPageID:  e.disk.NextPageID(),
		CatalogRoot: e.disk.CatalogRoot(),
	}

	for id := page.MetaPageID + 1; id < in.NextPageID; id++ {
		pg, err := e.pool.FetchPage(ctx, id)
		if err != nil {
			return nil, err
		}
		pg.RLock()
		pi := PageInfo{
			ID:   id,
			Type: page.PageType(pg.Data()),
			LSN:  pg.LSN(),
		}
		if pi.Type == page.TablePageType {
			tp := page.TablePage(pg.Data())
			pi.Slots = tp.SlotCount()
			pi.Free = tp.FreeSpace()
			pi.Next = tp.NextPageID()
		}
		pg.RUnlock()

		err = e.pool.Release(pg, false)
		if err != nil {
			return nil, err
		}
		in.Pages = append(in.Pages, pi)
	}
	return in, nil
}
