package wal

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"

	"github.com/gtnao/junkdb/storage"
	"github.com/gtnao/junkdb/storage/page"
)

// InsertPayload adds a tuple in Slot of Page whose only version is Version.
type InsertPayload struct {
	Page    page.PageID
	Slot    page.SlotID
	Version page.Version
}

// DeletePayload changes the deleting transaction of the head version of a tuple.
type DeletePayload struct {
	Page    page.PageID
	Slot    page.SlotID
	OldXmax page.TxnID
	NewXmax page.TxnID
}

// UpdatePayload adds Version at Index as the new head of the tuple in Slot; OldHead is the
// previous head, whose xmax was OldXmax before it was replaced.
type UpdatePayload struct {
	Page    page.PageID
	Slot    page.SlotID
	Index   uint16
	OldHead uint16
	OldXmax page.TxnID
	Version page.Version
}

// CLRPayload compensates the record of type Type with payload Payload; undo of the
// transaction continues at UndoNext.
type CLRPayload struct {
	UndoNext page.LSN
	Type     RecordType
	Payload  []byte
}

// NewPagePayload initializes Page as an empty table page and links it after PrevPage, if any.
type NewPagePayload struct {
	Page     page.PageID
	PrevPage page.PageID
}

func corrupt(what string, buf []byte) error {
	return errors.Wrapf(storage.ErrCorruptLog, "wal: bad %s payload: %d bytes", what, len(buf))
}

func (ip *InsertPayload) Encode() []byte {
	buf := make([]byte, 0, 6+len(ip.Version))
	buf = binary.BigEndian.AppendUint32(buf, uint32(ip.Page))
	buf = binary.BigEndian.AppendUint16(buf, uint16(ip.Slot))
	return append(buf, ip.Version...)
}

func DecodeInsert(buf []byte) (*InsertPayload, error) {
	if len(buf) < 6+page.VersionHeaderSize {
		return nil, corrupt("insert", buf)
	}
	return &InsertPayload{
		Page:    page.PageID(binary.BigEndian.Uint32(buf[0:])),
		Slot:    page.SlotID(binary.BigEndian.Uint16(buf[4:])),
		Version: page.Version(buf[6:]).Copy(),
	}, nil
}

func (dp *DeletePayload) Encode() []byte {
	buf := make([]byte, 0, 22)
	buf = binary.BigEndian.AppendUint32(buf, uint32(dp.Page))
	buf = binary.BigEndian.AppendUint16(buf, uint16(dp.Slot))
	buf = binary.BigEndian.AppendUint64(buf, uint64(dp.OldXmax))
	return binary.BigEndian.AppendUint64(buf, uint64(dp.NewXmax))
}

func DecodeDelete(buf []byte) (*DeletePayload, error) {
	if len(buf) != 22 {
		return nil, corrupt("delete", buf)
	}
	return &DeletePayload{
		Page:    page.PageID(binary.BigEndian.Uint32(buf[0:])),
		Slot:    page.SlotID(binary.BigEndian.Uint16(buf[4:])),
		OldXmax: page.TxnID(binary.BigEndian.Uint64(buf[6:])),
		NewXmax: page.TxnID(binary.BigEndian.Uint64(buf[14:])),
	}, nil
}

func (up *UpdatePayload) Encode() []byte {
	buf := make([]byte, 0, 18+len(up.Version))
	buf = binary.BigEndian.AppendUint32(buf, uint32(up.Page))
	buf = binary.BigEndian.AppendUint16(buf, uint16(up.Slot))
	buf = binary.BigEndian.AppendUint16(buf, up.Index)
	buf = binary.BigEndian.AppendUint16(buf, up.OldHead)
	buf = binary.BigEndian.AppendUint64(buf, uint64(up.OldXmax))
	return append(buf, up.Version...)
}

func DecodeUpdate(buf []byte) (*UpdatePayload, error) {
	if len(buf) < 18+page.VersionHeaderSize {
		return nil, corrupt("update", buf)
	}
	return &UpdatePayload{
		Page:    page.PageID(binary.BigEndian.Uint32(buf[0:])),
		Slot:    page.SlotID(binary.BigEndian.Uint16(buf[4:])),
		Index:   binary.BigEndian.Uint16(buf[6:]),
		OldHead: binary.BigEndian.Uint16(buf[8:]),
		OldXmax: page.TxnID(binary.BigEndian.Uint64(buf[10:])),
		Version: page.Version(buf[18:]).Copy(),
	}, nil
}

func (cp *CLRPayload) Encode() []byte {
	buf := make([]byte, 0, 9+len(cp.Payload))
	buf = binary.BigEndian.AppendUint64(buf, uint64(cp.UndoNext))
	buf = append(buf, byte(cp.Type))
	return append(buf, cp.Payload...)
}

func DecodeCLR(buf []byte) (*CLRPayload, error) {
	if len(buf) < 9 {
		return nil, corrupt("clr", buf)
	}
	cp := &CLRPayload{
		UndoNext: page.LSN(binary.BigEndian.Uint64(buf[0:])),
		Type:     RecordType(buf[8]),
		Payload:  append([]byte(nil), buf[9:]...),
	}
	if !cp.Type.IsUndoable() {
		return nil, errors.Wrapf(storage.ErrCorruptLog, "wal: clr compensates %s", cp.Type)
	}
	return cp, nil
}

func (np *NewPagePayload) Encode() []byte {
	buf := make([]byte, 0, 8)
	buf = binary.BigEndian.AppendUint32(buf, uint32(np.Page))
	return binary.BigEndian.AppendUint32(buf, uint32(np.PrevPage))
}

func DecodeNewPage(buf []byte) (*NewPagePayload, error) {
	if len(buf) != 8 {
		return nil, corrupt("new page", buf)
	}
	return &NewPagePayload{
		Page:     page.PageID(binary.BigEndian.Uint32(buf[0:])),
		PrevPage: page.PageID(binary.BigEndian.Uint32(buf[4:])),
	}, nil
}

// Pages returns the pages changed by a data record.
func Pages(rt RecordType, payload []byte) ([]page.PageID, error) {
	switch rt {
	case InsertRecord:
		ip, err := DecodeInsert(payload)
		if err != nil {
			return nil, err
		}
		return []page.PageID{ip.Page}, nil
	case DeleteRecord:
		dp, err := DecodeDelete(payload)
		if err != nil {
			return nil, err
		}
		return []page.PageID{dp.Page}, nil
	case UpdateRecord:
		up, err := DecodeUpdate(payload)
		if err != nil {
			return nil, err
		}
		return []page.PageID{up.Page}, nil
	case CLRRecord:
		cp, err := DecodeCLR(payload)
		if err != nil {
			return nil, err
		}
		return Pages(cp.Type, cp.Payload)
	case NewPageRecord:
		np, err := DecodeNewPage(payload)
		if err != nil {
			return nil, err
		}
		if np.PrevPage == page.InvalidPageID {
			return []page.PageID{np.Page}, nil
		}
		return []page.PageID{np.Page, np.PrevPage}, nil
	}
	return nil, nil
}

// DescribePayload formats a payload for display.
func DescribePayload(rt RecordType, payload []byte) string {
	var s string
	var err error
	switch rt {
	case InsertRecord:
		var ip *InsertPayload
		ip, err = DecodeInsert(payload)
		if err == nil {
			s = fmt.Sprintf("tid=(%d,%d) xmin=%d len=%d", ip.Page, ip.Slot, ip.Version.Xmin(),
				len(ip.Version.Payload()))
		}
	case DeleteRecord:
		var dp *DeletePayload
		dp, err = DecodeDelete(payload)
		if err == nil {
			s = fmt.Sprintf("tid=(%d,%d) xmax=%d->%d", dp.Page, dp.Slot, dp.OldXmax,
				dp.NewXmax)
		}
	case UpdateRecord:
		var up *UpdatePayload
		up, err = DecodeUpdate(payload)
		if err == nil {
			s = fmt.Sprintf("tid=(%d,%d) head=%d->%d len=%d", up.Page, up.Slot, up.OldHead,
				up.Index, len(up.Version.Payload()))
		}
	case CLRRecord:
		var cp *CLRPayload
		cp, err = DecodeCLR(payload)
		if err == nil {
			s = fmt.Sprintf("undo-next=%d undo %s %s", cp.UndoNext, cp.Type,
				DescribePayload(cp.Type, cp.Payload))
		}
	case NewPageRecord:
		var np *NewPagePayload
		np, err = DecodeNewPage(payload)
		if err == nil {
			s = fmt.Sprintf("page=%d prev=%d", np.Page, np.PrevPage)
		}
	case CheckpointRecord:
		var cp *Checkpoint
		cp, err = DecodeCheckpoint(payload)
		if err == nil {
			s = fmt.Sprintf("active=%d dirty=%d next-txn=%d begin=%d", len(cp.Active),
				len(cp.Dirty), cp.NextTxnID, cp.BeginLSN)
		}
	}
	if err != nil {
		return err.Error()
	}
	return s
}
