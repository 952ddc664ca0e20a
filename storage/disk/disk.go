package disk

import (
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/gtnao/junkdb/storage"
	"github.com/gtnao/junkdb/storage/page"
)

// A blockStore holds fixed size blocks keyed by page id; the Manager layers page 0
// metadata, page allocation, and checksums over it.
type blockStore interface {
	// readBlock returns false if the block has never been written.
	readBlock(id page.PageID, buf []byte) (bool, error)
	writeBlock(id page.PageID, buf []byte) error
	sync() error
	close() error
	String() string
}

// Manager reads and writes fixed size pages and allocates page ids. Page 0 holds the
// metadata (next page id, catalog root, and instance id) and is owned by the Manager;
// changes to it are written through immediately.
type Manager struct {
	mutex   sync.Mutex
	bs      blockStore
	meta    page.MetaPage
	scratch []byte
	logger  *log.Logger
}

// Stores lists the names accepted by Open.
func Stores() []string {
	return []string{"file", "bbolt", "badger", "pebble"}
}

// Open returns a Manager for the named block store in dataDir; a new database is created if
// none exists.
func Open(store, dataDir string, logger *log.Logger) (*Manager, error) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	err := os.MkdirAll(dataDir, 0755)
	if err != nil {
		return nil, storage.IOError(err, "mkdir")
	}

	var bs blockStore
	switch store {
	case "file", "":
		bs, err = openFileStore(dataDir)
	case "bbolt":
		bs, err = openBBoltStore(dataDir)
	case "badger":
		bs, err = openBadgerStore(dataDir, logger)
	case "pebble":
		bs, err = openPebbleStore(dataDir, logger)
	default:
		return nil, errors.Errorf("disk: got %s for store; want file, bbolt, badger, or pebble",
			store)
	}
	if err != nil {
		return nil, storage.IOError(err, "open "+store)
	}

	m, err := newManager(bs, logger)
	if err != nil {
		bs.close()
		return nil, err
	}
	return m, nil
}

func newManager(bs blockStore, logger *log.Logger) (*Manager, error) {
	m := &Manager{
		bs:      bs,
		meta:    make(page.MetaPage, page.Size),
		scratch: make([]byte, page.Size),
		logger:  logger,
	}

	ok, err := bs.readBlock(page.MetaPageID, m.meta)
	if err != nil {
		return nil, storage.IOError(err, "read metadata")
	}
	if !ok || page.IsZero(m.meta) {
		page.InitMetaPage(m.meta, uuid.New())
		err = m.writeMeta()
		if err != nil {
			return nil, err
		}
		logger.WithFields(log.Fields{
			"store":    bs.String(),
			"instance": m.meta.InstanceID(),
		}).Info("created database")
		return m, nil
	}

	err = page.VerifyChecksum(page.MetaPageID, m.meta)
	if err != nil {
		return nil, err
	}
	err = m.meta.Validate()
	if err != nil {
		return nil, err
	}
	logger.WithFields(log.Fields{
		"store":    bs.String(),
		"instance": m.meta.InstanceID(),
		"pages":    m.meta.NextPageID(),
	}).Info("opened database")
	return m, nil
}

func (m *Manager) writeMeta() error {
	page.SetChecksum(m.meta)
	err := m.bs.writeBlock(page.MetaPageID, m.meta)
	if err != nil {
		return storage.IOError(err, "write metadata")
	}
	return storage.IOError(m.bs.sync(), "sync metadata")
}

func (m *Manager) checkPageID(id page.PageID) error {
	if id == page.MetaPageID {
		return errors.New("disk: page 0 is reserved for metadata")
	}
	if id >= m.meta.NextPageID() {
		return errors.Wrapf(storage.ErrNotFound, "disk: page %d not allocated", id)
	}
	return nil
}

// ReadPage reads page id into buf, verifying its checksum. A page which was allocated but
// never written reads as zeros.
func (m *Manager) ReadPage(id page.PageID, buf []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	err := m.checkPageID(id)
	if err != nil {
		return err
	}
	ok, err := m.bs.readBlock(id, buf)
	if err != nil {
		return storage.IOError(err, fmt.Sprintf("read page %d", id))
	}
	if !ok {
		for idx := range buf {
			buf[idx] = 0
		}
		return nil
	}
	return page.VerifyChecksum(id, buf)
}

// WritePage writes buf as page id; buf is not modified.
func (m *Manager) WritePage(id page.PageID, buf []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	err := m.checkPageID(id)
	if err != nil {
		return err
	}
	copy(m.scratch, buf)
	page.SetChecksum(m.scratch)
	return storage.IOError(m.bs.writeBlock(id, m.scratch), fmt.Sprintf("write page %d", id))
}

// AllocatePage returns a fresh page id. The allocation is durable before it returns.
func (m *Manager) AllocatePage() (page.PageID, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	id := m.meta.NextPageID()
	for idx := range m.scratch {
		m.scratch[idx] = 0
	}
	err := m.bs.writeBlock(id, m.scratch)
	if err != nil {
		return page.InvalidPageID, storage.IOError(err, fmt.Sprintf("allocate page %d", id))
	}

	m.meta.SetNextPageID(id + 1)
	err = m.writeMeta()
	if err != nil {
		m.meta.SetNextPageID(id)
		return page.InvalidPageID, err
	}
	m.logger.WithField("page", id).Debug("allocated page")
	return id, nil
}

func (m *Manager) NextPageID() page.PageID {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.meta.NextPageID()
}

func (m *Manager) CatalogRoot() page.PageID {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.meta.CatalogRoot()
}

func (m *Manager) SetCatalogRoot(id page.PageID) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	prev := m.meta.CatalogRoot()
	m.meta.SetCatalogRoot(id)
	err := m.writeMeta()
	if err != nil {
		m.meta.SetCatalogRoot(prev)
	}
	return err
}

func (m *Manager) InstanceID() uuid.UUID {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.meta.InstanceID()
}

func (m *Manager) Store() string {
	return m.bs.String()
}

func (m *Manager) Sync() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return storage.IOError(m.bs.sync(), "sync")
}

func (m *Manager) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	err := m.bs.sync()
	if cerr := m.bs.close(); err == nil {
		err = cerr
	}
	return storage.IOError(err, "close")
}
