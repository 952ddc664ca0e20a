package wal

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
	"github.com/zeebo/blake3"

	"github.com/gtnao/junkdb/storage"
	"github.com/gtnao/junkdb/storage/page"
)

type RecordType byte

const (
	BeginRecord RecordType = iota + 1
	CommitRecord
	AbortRecord
	InsertRecord
	DeleteRecord
	UpdateRecord
	CLRRecord
	NewPageRecord
	CheckpointRecord

	maxRecordType = CheckpointRecord
)

func (rt RecordType) String() string {
	switch rt {
	case BeginRecord:
		return "BEGIN"
	case CommitRecord:
		return "COMMIT"
	case AbortRecord:
		return "ABORT"
	case InsertRecord:
		return "INSERT"
	case DeleteRecord:
		return "DELETE"
	case UpdateRecord:
		return "UPDATE"
	case CLRRecord:
		return "CLR"
	case NewPageRecord:
		return "NEW_PAGE"
	case CheckpointRecord:
		return "CHECKPOINT"
	default:
		return fmt.Sprintf("RecordType(%d)", byte(rt))
	}
}

// IsData returns true for records which change a page and so are replayed by redo.
func (rt RecordType) IsData() bool {
	switch rt {
	case InsertRecord, DeleteRecord, UpdateRecord, CLRRecord, NewPageRecord:
		return true
	}
	return false
}

// IsUndoable returns true for records which are compensated when their transaction rolls
// back.
func (rt RecordType) IsUndoable() bool {
	switch rt {
	case InsertRecord, DeleteRecord, UpdateRecord:
		return true
	}
	return false
}

const (
	recordHeaderSize = 33
)

// Each record on disk is a header followed by the payload.
type recordHeader struct {
	recordType RecordType // 0
	txnID      uint64     // 1
	lsn        uint64     // 9
	prevLSN    uint64     // 17
	length     uint32     // 25
	checksum   uint32     // 29
} // 33

type Record struct {
	Type    RecordType
	TxnID   page.TxnID
	LSN     page.LSN
	PrevLSN page.LSN
	Payload []byte
}

func (rec *Record) String() string {
	return fmt.Sprintf("%d %s txn=%d prev=%d %s", rec.LSN, rec.Type, rec.TxnID, rec.PrevLSN,
		DescribePayload(rec.Type, rec.Payload))
}

func recordChecksum(buf []byte) uint32 {
	h := blake3.New()
	h.Write(buf[:29])
	h.Write(buf[recordHeaderSize:])
	return binary.BigEndian.Uint32(h.Sum(nil))
}

func encodeRecord(buf []byte, rec *Record) []byte {
	start := len(buf)
	buf = append(buf, byte(rec.Type))
	buf = binary.BigEndian.AppendUint64(buf, uint64(rec.TxnID))
	buf = binary.BigEndian.AppendUint64(buf, uint64(rec.LSN))
	buf = binary.BigEndian.AppendUint64(buf, uint64(rec.PrevLSN))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(rec.Payload)))
	buf = append(buf, 0, 0, 0, 0)
	buf = append(buf, rec.Payload...)
	binary.BigEndian.PutUint32(buf[start+29:], recordChecksum(buf[start:]))
	return buf
}

type decodeStatus int

const (
	decodeOK decodeStatus = iota
	decodeShort
	decodeBadChecksum
)

// decodeRecord decodes the record at the start of buf and returns it and its encoded size.
func decodeRecord(buf []byte) (*Record, int, decodeStatus, error) {
	if len(buf) < recordHeaderSize {
		return nil, 0, decodeShort, nil
	}
	length := int(binary.BigEndian.Uint32(buf[25:]))
	if len(buf) < recordHeaderSize+length {
		return nil, 0, decodeShort, nil
	}
	sz := recordHeaderSize + length
	if recordChecksum(buf[:sz]) != binary.BigEndian.Uint32(buf[29:]) {
		return nil, sz, decodeBadChecksum, nil
	}

	rt := RecordType(buf[0])
	if rt < BeginRecord || rt > maxRecordType {
		return nil, sz, decodeOK, errors.Wrapf(storage.ErrCorruptLog, "wal: bad record type: %d",
			buf[0])
	}
	rec := &Record{
		Type:    rt,
		TxnID:   page.TxnID(binary.BigEndian.Uint64(buf[1:])),
		LSN:     page.LSN(binary.BigEndian.Uint64(buf[9:])),
		PrevLSN: page.LSN(binary.BigEndian.Uint64(buf[17:])),
	}
	if length > 0 {
		rec.Payload = append(make([]byte, 0, length), buf[recordHeaderSize:sz]...)
	}
	return rec, sz, decodeOK, nil
}
