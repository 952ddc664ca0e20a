package disk

import (
	"path/filepath"

	"github.com/cockroachdb/pebble"
	log "github.com/sirupsen/logrus"

	"github.com/gtnao/junkdb/storage/page"
)

type pebbleStore struct {
	db *pebble.DB
}

func openPebbleStore(dataDir string, logger *log.Logger) (blockStore, error) {
	db, err := pebble.Open(filepath.Join(dataDir, "pebble"), &pebble.Options{Logger: logger})
	if err != nil {
		return nil, err
	}
	return pebbleStore{
		db: db,
	}, nil
}

func (ps pebbleStore) readBlock(id page.PageID, buf []byte) (bool, error) {
	val, closer, err := ps.db.Get(blockKey(id))
	if err == pebble.ErrNotFound {
		return false, nil
	} else if err != nil {
		return false, err
	}
	defer closer.Close()

	copy(buf, val)
	return true, nil
}

func (ps pebbleStore) writeBlock(id page.PageID, buf []byte) error {
	return ps.db.Set(blockKey(id), buf, pebble.Sync)
}

// Every write is synced.
func (ps pebbleStore) sync() error {
	return nil
}

func (ps pebbleStore) close() error {
	return ps.db.Close()
}

func (ps pebbleStore) String() string {
	return "pebble"
}
