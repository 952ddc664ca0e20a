package page

import (
	"bytes"
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/gtnao/junkdb/storage"
)

const (
	FormatVersion = uint16(1)
)

var (
	Signature = [8]byte{'j', 'u', 'n', 'k', 'd', 'b', 0, 0}
)

// metaPage is always page 0.
type metaPage struct {
	header
	formatVersion uint16    // 14
	signature     [8]byte   // 16
	nextPageID    PageID    // 24
	catalogRoot   PageID    // 28
	instanceID    uuid.UUID // 32
} // 48

type MetaPage []byte

func InitMetaPage(buf []byte, id uuid.UUID) MetaPage {
	for idx := range buf {
		buf[idx] = 0
	}
	mp := MetaPage(buf)
	setPageType(buf, MetaPageType)
	binary.LittleEndian.PutUint16(mp[14:], FormatVersion)
	copy(mp[16:24], Signature[:])
	mp.SetNextPageID(MetaPageID + 1)
	mp.SetCatalogRoot(InvalidPageID)
	copy(mp[32:48], id[:])
	return mp
}

func (mp MetaPage) Validate() error {
	if PageType(mp) != MetaPageType {
		return errors.Wrapf(storage.ErrCorruptPage, "page: metadata page type: %s",
			PageType(mp))
	}
	if !bytes.Equal(mp[16:24], Signature[:]) {
		return errors.Wrapf(storage.ErrCorruptPage, "page: bad signature: %v", mp[16:24])
	}
	if mp.FormatVersion() > FormatVersion {
		return errors.Wrapf(storage.ErrCorruptPage, "page: bad format version: %d",
			mp.FormatVersion())
	}
	return nil
}

func (mp MetaPage) FormatVersion() uint16 {
	return binary.LittleEndian.Uint16(mp[14:])
}

func (mp MetaPage) NextPageID() PageID {
	return PageID(binary.LittleEndian.Uint32(mp[24:]))
}

func (mp MetaPage) SetNextPageID(id PageID) {
	binary.LittleEndian.PutUint32(mp[24:], uint32(id))
}

func (mp MetaPage) CatalogRoot() PageID {
	return PageID(binary.LittleEndian.Uint32(mp[28:]))
}

func (mp MetaPage) SetCatalogRoot(id PageID) {
	binary.LittleEndian.PutUint32(mp[28:], uint32(id))
}

func (mp MetaPage) InstanceID() uuid.UUID {
	var id uuid.UUID
	copy(id[:], mp[32:48])
	return id
}
