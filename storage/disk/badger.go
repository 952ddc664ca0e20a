package disk

import (
	"path/filepath"

	"github.com/dgraph-io/badger"
	log "github.com/sirupsen/logrus"

	"github.com/gtnao/junkdb/storage/page"
)

type badgerStore struct {
	db *badger.DB
}

func openBadgerStore(dataDir string, logger *log.Logger) (blockStore, error) {
	opts := badger.DefaultOptions(filepath.Join(dataDir, "badger"))
	opts = opts.WithLogger(logger)
	opts = opts.WithSyncWrites(true)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return badgerStore{
		db: db,
	}, nil
}

func (bs badgerStore) readBlock(id page.PageID, buf []byte) (bool, error) {
	var found bool
	err := bs.db.View(func(tx *badger.Txn) error {
		item, err := tx.Get(blockKey(id))
		if err == badger.ErrKeyNotFound {
			return nil
		} else if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			copy(buf, val)
			return nil
		})
	})
	return found, err
}

func (bs badgerStore) writeBlock(id page.PageID, buf []byte) error {
	return bs.db.Update(func(tx *badger.Txn) error {
		return tx.Set(blockKey(id), append(make([]byte, 0, len(buf)), buf...))
	})
}

// Writes are synced by badger; see WithSyncWrites.
func (bs badgerStore) sync() error {
	return nil
}

func (bs badgerStore) close() error {
	return bs.db.Close()
}

func (bs badgerStore) String() string {
	return "badger"
}
