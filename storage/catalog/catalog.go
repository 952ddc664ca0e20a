// Package catalog maps table names to their heaps and schemas. The catalog is itself a
// table, rooted at the catalog root recorded in page 0, and is changed by ordinary
// transactions, so creating or dropping a table commits or aborts with the transaction.
package catalog

import (
	"context"
	"encoding/binary"
	"sort"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"

	"github.com/gtnao/junkdb/storage"
	"github.com/gtnao/junkdb/storage/heap"
	"github.com/gtnao/junkdb/storage/mvcc"
	"github.com/gtnao/junkdb/storage/page"
	"github.com/gtnao/junkdb/storage/tuple"
)

var (
	ErrTableExists = errors.New("table already exists")

	catalogSchema = tuple.Schema{
		{Name: "name", Type: tuple.VarcharType},
		{Name: "first_page", Type: tuple.IntType},
		{Name: "schema", Type: tuple.VarcharType},
	}
)

// Meta holds the catalog root; *disk.Manager is a Meta.
type Meta interface {
	CatalogRoot() page.PageID
	SetCatalogRoot(id page.PageID) error
}

// Flusher is implemented by *wal.Manager.
type Flusher interface {
	FlushAll() error
}

type Table struct {
	Name   string
	Schema tuple.Schema
	Heap   *heap.Table
	tid    page.TID // Of the catalog row.
}

type Catalog struct {
	heap   *heap.Heap
	table  *heap.Table
	logger *log.Logger
}

// Open opens the catalog, creating it in a new database.
func Open(ctx context.Context, hp *heap.Heap, meta Meta, lg Flusher,
	logger *log.Logger) (*Catalog, error) {

	if logger == nil {
		logger = log.StandardLogger()
	}

	root := meta.CatalogRoot()
	if root != page.InvalidPageID {
		tbl, err := hp.OpenTable(ctx, root)
		if err != nil {
			return nil, errors.Wrapf(err, "catalog: root page %d", root)
		}
		return &Catalog{heap: hp, table: tbl, logger: logger}, nil
	}

	tbl, err := hp.CreateTable(ctx)
	if err != nil {
		return nil, err
	}
	// The new page must be recoverable before page 0 points to it.
	err = lg.FlushAll()
	if err != nil {
		return nil, err
	}
	err = meta.SetCatalogRoot(tbl.FirstPage())
	if err != nil {
		return nil, err
	}
	logger.WithField("root", tbl.FirstPage()).Info("created catalog")
	return &Catalog{heap: hp, table: tbl, logger: logger}, nil
}

func (cat *Catalog) Root() page.PageID {
	return cat.table.FirstPage()
}

// nameLock returns a tid, which never names a row, used to serialize changes to the table
// called name.
func (cat *Catalog) nameLock(name string) page.TID {
	sum := blake3.Sum256([]byte(name))
	return page.TID{
		Page: cat.table.FirstPage(),
		Slot: page.SlotID(0x8000 | binary.BigEndian.Uint16(sum[:])&0x7FFF),
	}
}

func (cat *Catalog) decode(ctx context.Context, tid page.TID, payload []byte) (*Table, error) {
	row, err := catalogSchema.Decode(payload)
	if err != nil {
		return nil, errors.Wrapf(storage.ErrCorruptPage, "catalog: %s: %s", tid, err)
	}
	name, _ := row[0].(string)
	first, _ := row[1].(int64)
	sdef, _ := row[2].(string)
	sch, err := tuple.ParseSchema(sdef)
	if err != nil {
		return nil, errors.Wrapf(storage.ErrCorruptPage, "catalog: table %s: %s", name, err)
	}
	tbl, err := cat.heap.OpenTable(ctx, page.PageID(first))
	if err != nil {
		return nil, errors.Wrapf(err, "catalog: table %s", name)
	}
	return &Table{
		Name:   name,
		Schema: sch,
		Heap:   tbl,
		tid:    tid,
	}, nil
}

// scan calls fn with the name and tid of each catalog row tx sees; if fn returns true, the
// scan stops.
func (cat *Catalog) scan(ctx context.Context, tx *mvcc.Transaction,
	fn func(name string, tid page.TID, payload []byte) bool) error {

	errStop := errors.New("stop")
	err := tx.Scan(ctx, cat.table,
		func(tid page.TID, payload []byte) error {
			row, err := catalogSchema.Decode(payload)
			if err != nil {
				return errors.Wrapf(storage.ErrCorruptPage, "catalog: %s: %s", tid, err)
			}
			name, _ := row[0].(string)
			if fn(name, tid, payload) {
				return errStop
			}
			return nil
		})
	if err == errStop {
		return nil
	}
	return err
}

func (cat *Catalog) find(ctx context.Context, tx *mvcc.Transaction, name string) (*Table,
	error) {

	var found bool
	var tid page.TID
	var payload []byte
	err := cat.scan(ctx, tx,
		func(n string, t page.TID, p []byte) bool {
			if n == name {
				found = true
				tid = t
				payload = p
			}
			return found
		})
	if err != nil {
		return nil, err
	} else if !found {
		return nil, errors.Wrapf(storage.ErrNotFound, "catalog: table %s", name)
	}
	return cat.decode(ctx, tid, payload)
}

// CreateTable creates an empty table as part of tx.
func (cat *Catalog) CreateTable(ctx context.Context, tx *mvcc.Transaction, name string,
	sch tuple.Schema) (*Table, error) {

	if name == "" {
		return nil, errors.New("catalog: missing table name")
	} else if len(sch) == 0 {
		return nil, errors.Errorf("catalog: table %s: no columns", name)
	}

	err := tx.Lock(ctx, cat.nameLock(name))
	if err != nil {
		return nil, err
	}
	_, err = cat.find(ctx, tx, name)
	if err == nil {
		return nil, errors.Wrapf(ErrTableExists, "catalog: table %s", name)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	htbl, err := cat.heap.CreateTable(ctx)
	if err != nil {
		return nil, err
	}
	payload, err := catalogSchema.Encode(
		tuple.Row{name, int64(htbl.FirstPage()), sch.Format()})
	if err != nil {
		return nil, err
	}
	tid, err := tx.Insert(ctx, cat.table, payload)
	if err != nil {
		return nil, err
	}

	cat.logger.WithFields(log.Fields{
		"txn":   tx.ID(),
		"table": name,
		"page":  htbl.FirstPage(),
	}).Debug("created table")
	return &Table{
		Name:   name,
		Schema: sch,
		Heap:   htbl,
		tid:    tid,
	}, nil
}

// LookupTable returns the table called name which tx sees.
func (cat *Catalog) LookupTable(ctx context.Context, tx *mvcc.Transaction, name string) (*Table,
	error) {

	return cat.find(ctx, tx, name)
}

// ListTables returns the tables which tx sees, ordered by name.
func (cat *Catalog) ListTables(ctx context.Context, tx *mvcc.Transaction) ([]*Table, error) {
	type entry struct {
		tid     page.TID
		payload []byte
	}
	var entries []entry
	err := cat.scan(ctx, tx,
		func(name string, tid page.TID, payload []byte) bool {
			entries = append(entries, entry{tid: tid, payload: payload})
			return false
		})
	if err != nil {
		return nil, err
	}

	var tbls []*Table
	for _, e := range entries {
		tbl, err := cat.decode(ctx, e.tid, e.payload)
		if err != nil {
			return nil, err
		}
		tbls = append(tbls, tbl)
	}
	sort.Slice(tbls, func(i, j int) bool {
		return tbls[i].Name < tbls[j].Name
	})
	return tbls, nil
}

// DropTable removes the table called name from the catalog as part of tx. The pages of the
// table are not reclaimed.
func (cat *Catalog) DropTable(ctx context.Context, tx *mvcc.Transaction, name string) error {
	err := tx.Lock(ctx, cat.nameLock(name))
	if err != nil {
		return err
	}
	tbl, err := cat.find(ctx, tx, name)
	if err != nil {
		return err
	}
	return tx.Delete(ctx, cat.table, tbl.tid)
}
