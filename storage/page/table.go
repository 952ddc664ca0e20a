package page

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"

	"github.com/gtnao/junkdb/storage"
)

const (
	tableHeaderSize = 32
	linePointerSize = 8

	// NoIndex marks a missing arena index: the end of a version chain, or the head of a
	// tuple whose insert was undone.
	NoIndex = uint16(math.MaxUint16)

	flagTuple = 1 << 0 // The entry is a tuple slot; its head names the newest version.
	flagDead  = 1 << 1 // The entry held a version whose update was undone.
)

// tablePage holds a slotted array of line pointers, growing up from the header, and the
// version records they point at, growing down from the end of the page. Each line pointer
// is an entry in the version arena of the page; entries flagged as tuples are also the
// slots of TIDs.
type tablePage struct {
	header
	slotCount  uint16 // 14
	pageID     PageID // 16
	nextPageID PageID // 20
	upper      uint16 // 24
	_          [6]byte
} // 32

type linePointer struct {
	offset uint16 // 0
	length uint16 // 2
	head   uint16 // 4
	flags  uint16 // 6
} // 8

type TablePage []byte

func InitTablePage(buf []byte, id PageID) TablePage {
	for idx := range buf {
		buf[idx] = 0
	}
	tp := TablePage(buf)
	setPageType(buf, TablePageType)
	binary.LittleEndian.PutUint32(tp[16:], uint32(id))
	tp.SetNextPageID(InvalidPageID)
	tp.setUpper(Size)
	return tp
}

func (tp TablePage) PageID() PageID {
	return PageID(binary.LittleEndian.Uint32(tp[16:]))
}

func (tp TablePage) NextPageID() PageID {
	return PageID(binary.LittleEndian.Uint32(tp[20:]))
}

func (tp TablePage) SetNextPageID(id PageID) {
	binary.LittleEndian.PutUint32(tp[20:], uint32(id))
}

// SlotCount is the number of entries in the version arena.
func (tp TablePage) SlotCount() int {
	return int(binary.LittleEndian.Uint16(tp[14:]))
}

func (tp TablePage) setSlotCount(n int) {
	binary.LittleEndian.PutUint16(tp[14:], uint16(n))
}

func (tp TablePage) upper() int {
	return int(binary.LittleEndian.Uint16(tp[24:]))
}

func (tp TablePage) setUpper(u int) {
	binary.LittleEndian.PutUint16(tp[24:], uint16(u))
}

func (tp TablePage) lower() int {
	return tableHeaderSize + tp.SlotCount()*linePointerSize
}

// FreeSpace returns the number of bytes available for a new entry, including its line
// pointer.
func (tp TablePage) FreeSpace() int {
	return tp.upper() - tp.lower()
}

// Fits returns true if a record of n bytes can be added to the page.
func (tp TablePage) Fits(n int) bool {
	return tp.FreeSpace() >= n+linePointerSize && tp.SlotCount() < int(NoIndex)
}

// MaxRecord is the largest version record that fits in an empty page.
func MaxRecord() int {
	return Size - tableHeaderSize - linePointerSize
}

func (tp TablePage) linePointer(idx int) []byte {
	off := tableHeaderSize + idx*linePointerSize
	return tp[off : off+linePointerSize]
}

func (tp TablePage) addEntry(rec []byte, flags uint16) (uint16, error) {
	if !tp.Fits(len(rec)) {
		return 0, errors.Wrapf(storage.ErrPageFull, "page %d: %d bytes free, need %d",
			tp.PageID(), tp.FreeSpace(), len(rec)+linePointerSize)
	}

	idx := tp.SlotCount()
	off := tp.upper() - len(rec)
	copy(tp[off:], rec)
	tp.setUpper(off)

	lp := tp.linePointer(idx)
	binary.LittleEndian.PutUint16(lp[0:], uint16(off))
	binary.LittleEndian.PutUint16(lp[2:], uint16(len(rec)))
	binary.LittleEndian.PutUint16(lp[4:], NoIndex)
	binary.LittleEndian.PutUint16(lp[6:], flags)
	tp.setSlotCount(idx + 1)
	return uint16(idx), nil
}

func (tp TablePage) checkIndex(idx int) error {
	if idx < 0 || idx >= tp.SlotCount() {
		return errors.Wrapf(storage.ErrNotFound, "page %d: slot %d out of range", tp.PageID(),
			idx)
	}
	return nil
}

func (tp TablePage) flags(idx int) uint16 {
	return binary.LittleEndian.Uint16(tp.linePointer(idx)[6:])
}

func (tp TablePage) setFlags(idx int, flags uint16) {
	binary.LittleEndian.PutUint16(tp.linePointer(idx)[6:], flags)
}

// IsTuple returns true if idx is the slot of a tuple.
func (tp TablePage) IsTuple(idx int) bool {
	return tp.flags(idx)&flagTuple != 0
}

func (tp TablePage) IsDead(idx int) bool {
	return tp.flags(idx)&flagDead != 0
}

// Head returns the arena index of the newest version of the tuple in slot.
func (tp TablePage) Head(slot SlotID) (uint16, error) {
	if err := tp.checkIndex(int(slot)); err != nil {
		return NoIndex, err
	}
	if !tp.IsTuple(int(slot)) {
		return NoIndex, errors.Wrapf(storage.ErrNotFound, "page %d: slot %d is not a tuple",
			tp.PageID(), slot)
	}
	head := binary.LittleEndian.Uint16(tp.linePointer(int(slot))[4:])
	if head == NoIndex {
		return NoIndex, errors.Wrapf(storage.ErrNotFound, "page %d: slot %d was removed",
			tp.PageID(), slot)
	}
	return head, nil
}

func (tp TablePage) setHead(slot SlotID, idx uint16) {
	binary.LittleEndian.PutUint16(tp.linePointer(int(slot))[4:], idx)
}

// Version returns the version record at arena index idx; it aliases the page.
func (tp TablePage) Version(idx uint16) Version {
	lp := tp.linePointer(int(idx))
	off := binary.LittleEndian.Uint16(lp[0:])
	length := binary.LittleEndian.Uint16(lp[2:])
	return Version(tp[off : off+length])
}

// Chain returns the versions of the tuple in slot, newest first, with their arena indexes.
func (tp TablePage) Chain(slot SlotID) ([]Version, []uint16, error) {
	idx, err := tp.Head(slot)
	if err != nil {
		return nil, nil, err
	}

	var vers []Version
	var idxs []uint16
	for idx != NoIndex {
		if int(idx) >= tp.SlotCount() || len(idxs) > tp.SlotCount() {
			return nil, nil, errors.Wrapf(storage.ErrCorruptPage,
				"page %d: bad version chain for slot %d", tp.PageID(), slot)
		}
		v := tp.Version(idx)
		vers = append(vers, v)
		idxs = append(idxs, idx)
		idx = v.Prev()
	}
	return vers, idxs, nil
}

// InsertTuple adds a new tuple whose only version is v.
func (tp TablePage) InsertTuple(v Version) (SlotID, error) {
	idx, err := tp.addEntry(v, flagTuple)
	if err != nil {
		return 0, err
	}
	tp.setHead(SlotID(idx), idx)
	return SlotID(idx), nil
}

// InsertTupleAt is InsertTuple for replaying a logged insert; the tuple must land in slot.
func (tp TablePage) InsertTupleAt(slot SlotID, v Version) error {
	if int(slot) != tp.SlotCount() {
		return errors.Wrapf(storage.ErrCorruptPage, "page %d: insert at slot %d, next slot %d",
			tp.PageID(), slot, tp.SlotCount())
	}
	_, err := tp.InsertTuple(v)
	return err
}

// AppendVersion makes v the newest version of the tuple in slot and returns its arena index.
// The caller links v to the previous head.
func (tp TablePage) AppendVersion(slot SlotID, v Version) (uint16, error) {
	if _, err := tp.Head(slot); err != nil {
		return 0, err
	}
	idx, err := tp.addEntry(v, 0)
	if err != nil {
		return 0, err
	}
	tp.setHead(slot, idx)
	return idx, nil
}

// AppendVersionAt is AppendVersion for replaying a logged update.
func (tp TablePage) AppendVersionAt(slot SlotID, idx uint16, v Version) error {
	if int(idx) != tp.SlotCount() {
		return errors.Wrapf(storage.ErrCorruptPage,
			"page %d: version at index %d, next index %d", tp.PageID(), idx, tp.SlotCount())
	}
	_, err := tp.AppendVersion(slot, v)
	return err
}

// RemoveTuple undoes InsertTuple; the slot is not reused.
func (tp TablePage) RemoveTuple(slot SlotID) error {
	if err := tp.checkIndex(int(slot)); err != nil {
		return err
	}
	tp.setHead(slot, NoIndex)
	return nil
}

// RestoreHead undoes AppendVersion: head becomes the chain head again and the version at
// dead is marked dead.
func (tp TablePage) RestoreHead(slot SlotID, head, dead uint16) error {
	if err := tp.checkIndex(int(slot)); err != nil {
		return err
	}
	if err := tp.checkIndex(int(head)); err != nil {
		return err
	}
	if err := tp.checkIndex(int(dead)); err != nil {
		return err
	}
	tp.setHead(slot, head)
	tp.setFlags(int(dead), tp.flags(int(dead))|flagDead)
	return nil
}
