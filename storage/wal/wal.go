package wal

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/gtnao/junkdb/storage"
	"github.com/gtnao/junkdb/storage/page"
)

const (
	LogFile = "wal.log"

	walVersion        = 1
	walHeaderSize     = 32
	defaultBufferSize = 4096
)

var (
	walHeaderSignature = [8]byte{'j', 'u', 'n', 'k', 'w', 'a', 'l', 0}
)

type walHeader struct {
	signature  [8]byte   // 0
	walVersion byte      // 8
	unused     [7]byte   // 9
	instanceID uuid.UUID // 16
} // 32

type walFile interface {
	ReadAt(b []byte, off int64) (int, error)
	WriteAt(b []byte, off int64) (int, error)
	Truncate(size int64) error
	Stat() (os.FileInfo, error)
	Sync() error
	Close() error
}

// Manager appends records to the log, assigning each the next LSN, and forces them to stable
// storage on request. LSNs start at 1 and have no gaps.
type Manager struct {
	mutex      sync.Mutex
	f          walFile
	offset     int64 // End of the log on disk.
	buf        []byte
	bufferSize int
	nextLSN    page.LSN
	writtenLSN page.LSN // Written to the file, but maybe not synced.
	flushedLSN page.LSN
	failed     error
	logger     *log.Logger
}

func encodeHeader(instance uuid.UUID) []byte {
	buf := make([]byte, 0, walHeaderSize)
	buf = append(buf, walHeaderSignature[:]...)
	buf = append(buf, walVersion)
	buf = append(buf, 0, 0, 0, 0, 0, 0, 0)
	return append(buf, instance[:]...)
}

func decodeHeader(buf []byte) (uuid.UUID, error) {
	var instance uuid.UUID
	if len(buf) < walHeaderSize {
		return instance, errors.Wrap(storage.ErrCorruptLog, "wal: missing header")
	}
	if !bytes.Equal(buf[0:8], walHeaderSignature[:]) {
		return instance, errors.Wrapf(storage.ErrCorruptLog, "wal: bad signature: %v", buf[0:8])
	}
	if buf[8] > walVersion {
		return instance, errors.Wrapf(storage.ErrCorruptLog, "wal: bad version: %d", buf[8])
	}
	copy(instance[:], buf[16:32])
	return instance, nil
}

// scan decodes the records in buf, which follows the header. It returns the records and
// the length of the valid prefix of buf; anything after that is a torn write.
func scan(buf []byte) ([]*Record, int, error) {
	var recs []*Record
	var off int
	next := page.LSN(1)
	for off < len(buf) {
		rec, sz, status, err := decodeRecord(buf[off:])
		if err != nil {
			return nil, 0, err
		}
		if status == decodeShort {
			break
		} else if status == decodeBadChecksum {
			if off+sz == len(buf) {
				break
			}
			return nil, 0, errors.Wrapf(storage.ErrCorruptLog,
				"wal: bad checksum at offset %d", off+walHeaderSize)
		}

		if rec.LSN != next {
			return nil, 0, errors.Wrapf(storage.ErrCorruptLog, "wal: got lsn %d want %d",
				rec.LSN, next)
		}
		next += 1
		recs = append(recs, rec)
		off += sz
	}
	return recs, off, nil
}

func readFile(f walFile) ([]byte, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, storage.IOError(err, "stat log")
	}
	buf := make([]byte, fi.Size())
	if len(buf) > 0 {
		_, err = f.ReadAt(buf, 0)
		if err != nil {
			return nil, storage.IOError(err, "read log")
		}
	}
	return buf, nil
}

// Open opens the log in dataDir, creating it if necessary. The log must belong to the
// database identified by instance. A torn write at the end of the log is cut off.
func Open(dataDir string, instance uuid.UUID, bufferSize int, logger *log.Logger) (*Manager,
	error) {

	if logger == nil {
		logger = log.StandardLogger()
	}
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}

	f, err := os.OpenFile(filepath.Join(dataDir, LogFile), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, storage.IOError(err, "open log")
	}
	m := &Manager{
		f:          f,
		bufferSize: bufferSize,
		buf:        make([]byte, 0, bufferSize),
		logger:     logger,
	}
	err = m.open(instance)
	if err != nil {
		f.Close()
		return nil, err
	}
	return m, nil
}

func (m *Manager) open(instance uuid.UUID) error {
	buf, err := readFile(m.f)
	if err != nil {
		return err
	}

	if len(buf) < walHeaderSize {
		err = m.f.Truncate(0)
		if err != nil {
			return storage.IOError(err, "truncate log")
		}
		_, err = m.f.WriteAt(encodeHeader(instance), 0)
		if err != nil {
			return storage.IOError(err, "write log header")
		}
		err = m.f.Sync()
		if err != nil {
			return storage.IOError(err, "sync log")
		}
		m.offset = walHeaderSize
		m.nextLSN = 1
		m.logger.WithField("instance", instance).Info("created log")
		return nil
	}

	logInstance, err := decodeHeader(buf)
	if err != nil {
		return err
	}
	if logInstance != instance {
		return errors.Wrapf(storage.ErrCorruptLog,
			"wal: log belongs to database %s, not %s", logInstance, instance)
	}

	recs, end, err := scan(buf[walHeaderSize:])
	if err != nil {
		return err
	}
	m.offset = int64(walHeaderSize + end)
	if m.offset < int64(len(buf)) {
		m.logger.WithFields(log.Fields{
			"offset": m.offset,
			"bytes":  int64(len(buf)) - m.offset,
		}).Warn("truncating torn log tail")
		err = m.f.Truncate(m.offset)
		if err != nil {
			return storage.IOError(err, "truncate log")
		}
		err = m.f.Sync()
		if err != nil {
			return storage.IOError(err, "sync log")
		}
	}

	m.nextLSN = page.LSN(len(recs) + 1)
	m.writtenLSN = page.LSN(len(recs))
	m.flushedLSN = m.writtenLSN
	m.logger.WithFields(log.Fields{
		"records": len(recs),
		"bytes":   m.offset,
	}).Info("opened log")
	return nil
}

// Records returns every record which has been written to the log file.
func (m *Manager) Records() ([]*Record, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	err := m.writeLocked()
	if err != nil {
		return nil, err
	}
	buf, err := readFile(m.f)
	if err != nil {
		return nil, err
	}
	if len(buf) < walHeaderSize {
		return nil, errors.Wrap(storage.ErrCorruptLog, "wal: missing header")
	}
	recs, _, err := scan(buf[walHeaderSize:m.offset])
	return recs, err
}

// ReadLog returns the records in the log in dataDir without opening it for writing.
func ReadLog(dataDir string) ([]*Record, uuid.UUID, error) {
	f, err := os.Open(filepath.Join(dataDir, LogFile))
	if err != nil {
		return nil, uuid.Nil, storage.IOError(err, "open log")
	}
	defer f.Close()

	buf, err := readFile(f)
	if err != nil {
		return nil, uuid.Nil, err
	}
	instance, err := decodeHeader(buf)
	if err != nil {
		return nil, uuid.Nil, err
	}
	recs, _, err := scan(buf[walHeaderSize:])
	return recs, instance, err
}

// Append assigns the next LSN to rec and adds it to the log buffer; the buffer is written
// to the file when it fills, but it is durable only after Flush.
func (m *Manager) Append(rec *Record) (page.LSN, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.failed != nil {
		return page.InvalidLSN, m.failed
	}

	rec.LSN = m.nextLSN
	m.nextLSN += 1
	m.buf = encodeRecord(m.buf, rec)
	if len(m.buf) >= m.bufferSize {
		err := m.writeLocked()
		if err != nil {
			return page.InvalidLSN, err
		}
	}
	return rec.LSN, nil
}

func (m *Manager) writeLocked() error {
	if m.failed != nil {
		return m.failed
	}
	if len(m.buf) == 0 {
		return nil
	}

	n, err := m.f.WriteAt(m.buf, m.offset)
	if err != nil {
		m.failed = storage.IOError(err, "write log")
		return m.failed
	}
	m.offset += int64(n)
	m.buf = m.buf[:0]
	m.writtenLSN = m.nextLSN - 1
	return nil
}

// Flush returns once every record through lsn is on stable storage.
func (m *Manager) Flush(lsn page.LSN) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if lsn <= m.flushedLSN {
		return nil
	}
	if m.failed != nil {
		return m.failed
	}

	err := m.writeLocked()
	if err != nil {
		return err
	}
	err = m.f.Sync()
	if err != nil {
		m.failed = storage.IOError(err, "sync log")
		return m.failed
	}
	m.flushedLSN = m.writtenLSN
	m.logger.WithField("lsn", m.flushedLSN).Trace("flushed log")
	return nil
}

// FlushAll flushes every record appended so far.
func (m *Manager) FlushAll() error {
	return m.Flush(m.NextLSN() - 1)
}

func (m *Manager) FlushedLSN() page.LSN {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.flushedLSN
}

// NextLSN is the LSN which will be assigned to the next record.
func (m *Manager) NextLSN() page.LSN {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.nextLSN
}

// Close flushes the log and closes it.
func (m *Manager) Close() error {
	err := m.FlushAll()

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if cerr := m.f.Close(); err == nil && cerr != nil {
		err = storage.IOError(cerr, "close log")
	}
	if m.failed == nil {
		m.failed = errors.New("wal: log is closed")
	}
	return err
}
