package wal

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/gtnao/junkdb/storage"
	"github.com/gtnao/junkdb/storage/page"
)

// ActiveTxn is an entry in the active transaction table: a transaction which has not
// committed or aborted, and the LSN of its most recent record.
type ActiveTxn struct {
	ID      page.TxnID
	LastLSN page.LSN
}

// DirtyPage is an entry in the dirty page table: a page with changes which might not be on
// disk, and the LSN of the oldest of them.
type DirtyPage struct {
	ID     page.PageID
	RecLSN page.LSN
}

// Checkpoint is the payload of a checkpoint record. It is encoded as a protocol buffer
// message:
//
//	message Checkpoint {
//	    message ActiveTxn { uint64 id = 1; uint64 last_lsn = 2; }
//	    message DirtyPage { uint32 id = 1; uint64 rec_lsn = 2; }
//	    repeated ActiveTxn active = 1;
//	    repeated DirtyPage dirty = 2;
//	    uint64 next_txn_id = 3;
//	    uint64 begin_lsn = 4;
//	}
//
// BeginLSN is the next LSN when the tables were captured; analysis starts there.
type Checkpoint struct {
	Active    []ActiveTxn
	Dirty     []DirtyPage
	NextTxnID page.TxnID
	BeginLSN  page.LSN
}

func appendPair(buf []byte, num protowire.Number, u1, u2 uint64) []byte {
	var msg []byte
	msg = protowire.AppendTag(msg, 1, protowire.VarintType)
	msg = protowire.AppendVarint(msg, u1)
	msg = protowire.AppendTag(msg, 2, protowire.VarintType)
	msg = protowire.AppendVarint(msg, u2)

	buf = protowire.AppendTag(buf, num, protowire.BytesType)
	return protowire.AppendBytes(buf, msg)
}

func (cp *Checkpoint) Encode() []byte {
	var buf []byte
	for _, at := range cp.Active {
		buf = appendPair(buf, 1, uint64(at.ID), uint64(at.LastLSN))
	}
	for _, dp := range cp.Dirty {
		buf = appendPair(buf, 2, uint64(dp.ID), uint64(dp.RecLSN))
	}
	buf = protowire.AppendTag(buf, 3, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(cp.NextTxnID))
	buf = protowire.AppendTag(buf, 4, protowire.VarintType)
	return protowire.AppendVarint(buf, uint64(cp.BeginLSN))
}

func consumePair(buf []byte) (uint64, uint64, error) {
	var u1, u2 uint64
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return 0, 0, protowire.ParseError(n)
		}
		buf = buf[n:]

		if typ != protowire.VarintType {
			n = protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return 0, 0, protowire.ParseError(n)
			}
			buf = buf[n:]
			continue
		}

		v, n := protowire.ConsumeVarint(buf)
		if n < 0 {
			return 0, 0, protowire.ParseError(n)
		}
		buf = buf[n:]
		switch num {
		case 1:
			u1 = v
		case 2:
			u2 = v
		}
	}
	return u1, u2, nil
}

func DecodeCheckpoint(buf []byte) (*Checkpoint, error) {
	var cp Checkpoint
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, errors.Wrap(storage.ErrCorruptLog, protowire.ParseError(n).Error())
		}
		buf = buf[n:]

		switch {
		case (num == 1 || num == 2) && typ == protowire.BytesType:
			msg, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, errors.Wrap(storage.ErrCorruptLog, protowire.ParseError(n).Error())
			}
			buf = buf[n:]

			u1, u2, err := consumePair(msg)
			if err != nil {
				return nil, errors.Wrap(storage.ErrCorruptLog, err.Error())
			}
			if num == 1 {
				cp.Active = append(cp.Active,
					ActiveTxn{ID: page.TxnID(u1), LastLSN: page.LSN(u2)})
			} else {
				cp.Dirty = append(cp.Dirty, DirtyPage{ID: page.PageID(u1), RecLSN: page.LSN(u2)})
			}
		case (num == 3 || num == 4) && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return nil, errors.Wrap(storage.ErrCorruptLog, protowire.ParseError(n).Error())
			}
			buf = buf[n:]
			if num == 3 {
				cp.NextTxnID = page.TxnID(v)
			} else {
				cp.BeginLSN = page.LSN(v)
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return nil, errors.Wrap(storage.ErrCorruptLog, protowire.ParseError(n).Error())
			}
			buf = buf[n:]
		}
	}
	return &cp, nil
}
