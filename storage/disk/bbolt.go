package disk

import (
	"encoding/binary"
	"errors"
	"path/filepath"

	"go.etcd.io/bbolt"

	"github.com/gtnao/junkdb/storage/page"
)

var (
	pagesBucket = []byte{'p', 'a', 'g', 'e', 's'}
)

type bboltStore struct {
	db *bbolt.DB
}

func openBBoltStore(dataDir string) (blockStore, error) {
	db, err := bbolt.Open(filepath.Join(dataDir, "data.bbolt"), 0644, nil)
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(pagesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return bboltStore{
		db: db,
	}, nil
}

func blockKey(id page.PageID) []byte {
	var key [4]byte
	binary.BigEndian.PutUint32(key[:], uint32(id))
	return key[:]
}

func (bs bboltStore) readBlock(id page.PageID, buf []byte) (bool, error) {
	var found bool
	err := bs.db.View(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(pagesBucket)
		if bkt == nil {
			return errors.New("bbolt: missing pages bucket")
		}
		val := bkt.Get(blockKey(id))
		if val == nil {
			return nil
		}
		found = true
		copy(buf, val)
		return nil
	})
	return found, err
}

func (bs bboltStore) writeBlock(id page.PageID, buf []byte) error {
	return bs.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(pagesBucket)
		if bkt == nil {
			return errors.New("bbolt: missing pages bucket")
		}
		return bkt.Put(blockKey(id), buf)
	})
}

func (bs bboltStore) sync() error {
	return bs.db.Sync()
}

func (bs bboltStore) close() error {
	return bs.db.Close()
}

func (bs bboltStore) String() string {
	return "bbolt"
}
