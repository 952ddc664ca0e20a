package page

import (
	"encoding/binary"
)

const (
	VersionHeaderSize = 18
)

type version struct {
	xmin TxnID  // 0
	xmax TxnID  // 8
	prev uint16 // 16
} // 18

// Version is a single version of a tuple: the transaction which created it, the transaction
// which deleted or replaced it (if any), the arena index of the previous version, and the
// payload.
type Version []byte

func MakeVersion(xmin, xmax TxnID, prev uint16, payload []byte) Version {
	v := make(Version, VersionHeaderSize+len(payload))
	binary.LittleEndian.PutUint64(v[0:], uint64(xmin))
	binary.LittleEndian.PutUint64(v[8:], uint64(xmax))
	binary.LittleEndian.PutUint16(v[16:], prev)
	copy(v[VersionHeaderSize:], payload)
	return v
}

func (v Version) Xmin() TxnID {
	return TxnID(binary.LittleEndian.Uint64(v[0:]))
}

func (v Version) Xmax() TxnID {
	return TxnID(binary.LittleEndian.Uint64(v[8:]))
}

func (v Version) SetXmax(xid TxnID) {
	binary.LittleEndian.PutUint64(v[8:], uint64(xid))
}

func (v Version) Prev() uint16 {
	return binary.LittleEndian.Uint16(v[16:])
}

func (v Version) SetPrev(idx uint16) {
	binary.LittleEndian.PutUint16(v[16:], idx)
}

func (v Version) Payload() []byte {
	return v[VersionHeaderSize:]
}

// Copy returns a version which does not alias the page.
func (v Version) Copy() Version {
	return append(Version(nil), v...)
}
