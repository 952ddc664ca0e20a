package page

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/zeebo/blake3"

	"github.com/gtnao/junkdb/storage"
)

const (
	Size = 4096

	MetaPageID    PageID = 0
	InvalidPageID PageID = 0

	InvalidTxnID TxnID = 0
	InvalidLSN   LSN   = 0
	FirstLSN     LSN   = 1
)

type PageID uint32
type SlotID uint16
type TxnID uint64
type LSN uint64

// TID identifies a tuple: the page holding its version chain and the slot of the chain head.
type TID struct {
	Page PageID
	Slot SlotID
}

func (tid TID) String() string {
	return fmt.Sprintf("(%d,%d)", tid.Page, tid.Slot)
}

// ParseTID accepts the form produced by TID.String as well as page:slot.
func ParseTID(s string) (TID, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(strings.TrimPrefix(s, "("), ")")
	sep := strings.IndexAny(s, ",:")
	if sep < 0 {
		return TID{}, errors.Errorf("page: bad tuple id: %s", s)
	}
	pn, err := strconv.ParseUint(strings.TrimSpace(s[:sep]), 10, 32)
	if err != nil {
		return TID{}, errors.Errorf("page: bad tuple id page: %s", s)
	}
	sn, err := strconv.ParseUint(strings.TrimSpace(s[sep+1:]), 10, 16)
	if err != nil {
		return TID{}, errors.Errorf("page: bad tuple id slot: %s", s)
	}
	return TID{Page: PageID(pn), Slot: SlotID(sn)}, nil
}

type Type uint16

const (
	FreePageType  Type = 0
	MetaPageType  Type = 1
	TablePageType Type = 2
)

func (typ Type) String() string {
	switch typ {
	case FreePageType:
		return "free"
	case MetaPageType:
		return "meta"
	case TablePageType:
		return "table"
	default:
		return fmt.Sprintf("Type(%d)", uint16(typ))
	}
}

// Every page starts with this header.
type header struct {
	lsn      LSN    // 0
	checksum uint32 // 8
	pageType Type   // 12
} // 14

func PageLSN(buf []byte) LSN {
	return LSN(binary.LittleEndian.Uint64(buf[0:]))
}

func SetPageLSN(buf []byte, lsn LSN) {
	binary.LittleEndian.PutUint64(buf[0:], uint64(lsn))
}

func PageType(buf []byte) Type {
	return Type(binary.LittleEndian.Uint16(buf[12:]))
}

func setPageType(buf []byte, typ Type) {
	binary.LittleEndian.PutUint16(buf[12:], uint16(typ))
}

// IsZero returns true for a page which has never been written.
func IsZero(buf []byte) bool {
	for _, b := range buf {
		if b != 0 {
			return false
		}
	}
	return true
}

var zeroChecksum [4]byte

func Checksum(buf []byte) uint32 {
	h := blake3.New()
	h.Write(buf[:8])
	h.Write(zeroChecksum[:])
	h.Write(buf[12:])
	return binary.LittleEndian.Uint32(h.Sum(nil))
}

func SetChecksum(buf []byte) {
	binary.LittleEndian.PutUint32(buf[8:], Checksum(buf))
}

// VerifyChecksum fails with storage.ErrCorruptPage if buf was not written by SetChecksum;
// a zero page is always valid.
func VerifyChecksum(id PageID, buf []byte) error {
	if len(buf) != Size {
		return errors.Wrapf(storage.ErrCorruptPage, "page %d: got %d bytes, want %d", id,
			len(buf), Size)
	}
	if IsZero(buf) {
		return nil
	}
	want := binary.LittleEndian.Uint32(buf[8:])
	if got := Checksum(buf); got != want {
		return errors.Wrapf(storage.ErrCorruptPage, "page %d: checksum got %x want %x", id,
			got, want)
	}
	return nil
}
