package disk

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/gtnao/junkdb/storage/page"
)

const (
	dataFile = "data.db"
)

type pageIO interface {
	ReadAt(b []byte, off int64) (int, error)
	WriteAt(b []byte, off int64) (int, error)
	Stat() (os.FileInfo, error)
	Sync() error
	Close() error
}

// fileStore keeps page n at offset n * page.Size of a single file.
type fileStore struct {
	name string
	f    pageIO
}

func openFileStore(dataDir string) (blockStore, error) {
	name := filepath.Join(dataDir, dataFile)
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	return &fileStore{
		name: name,
		f:    f,
	}, nil
}

func (fs *fileStore) readBlock(id page.PageID, buf []byte) (bool, error) {
	fi, err := fs.f.Stat()
	if err != nil {
		return false, err
	}
	off := int64(id) * page.Size
	if fi.Size() < off+page.Size {
		return false, nil
	}

	br, err := fs.f.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		return false, err
	} else if br != page.Size {
		return false, errors.Errorf("partial read: got %d, want %d", br, page.Size)
	}
	return true, nil
}

func (fs *fileStore) writeBlock(id page.PageID, buf []byte) error {
	bw, err := fs.f.WriteAt(buf, int64(id)*page.Size)
	if err != nil {
		return err
	} else if bw != page.Size {
		return errors.Errorf("partial write: got %d, want %d", bw, page.Size)
	}
	return fs.f.Sync()
}

func (fs *fileStore) sync() error {
	return fs.f.Sync()
}

func (fs *fileStore) close() error {
	return fs.f.Close()
}

func (fs *fileStore) String() string {
	return "file"
}
