package mvcc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/gtnao/junkdb/storage"
	"github.com/gtnao/junkdb/storage/heap"
	"github.com/gtnao/junkdb/storage/lock"
	"github.com/gtnao/junkdb/storage/page"
	"github.com/gtnao/junkdb/storage/wal"
)

// snapshot decides which transactions a transaction sees: those which finished, without
// failing, before the snapshot was taken.
type snapshot struct {
	xmax   page.TxnID              // Transactions at or after xmax had not started.
	xip    map[page.TxnID]struct{} // Transactions in progress.
	failed map[page.TxnID]struct{}
}

func (snap *snapshot) sees(self, xid page.TxnID) bool {
	if xid == self {
		return true
	} else if xid == page.InvalidTxnID || xid >= snap.xmax {
		return false
	}
	if _, ok := snap.xip[xid]; ok {
		return false
	}
	if _, ok := snap.failed[xid]; ok {
		return false
	}
	return true
}

// visible returns true if self sees the transaction which created v and does not see a
// transaction which deleted or replaced it.
func (snap *snapshot) visible(self page.TxnID, v page.Version) bool {
	if !snap.sees(self, v.Xmin()) {
		return false
	}
	xmax := v.Xmax()
	return xmax == page.InvalidTxnID || !snap.sees(self, xmax)
}

const (
	undoRetries    = 10
	undoBackoff    = time.Millisecond
	maxUndoBackoff = 100 * time.Millisecond
)

type Transaction struct {
	mgr    *Manager
	id     page.TxnID
	iso    Isolation
	locker *lock.Locker
	snap   *snapshot // Taken at begin for repeatable read.

	mutex   sync.Mutex
	state   State
	lastLSN page.LSN
	undo    []*wal.Record // Changes to roll back, oldest first.
}

func (tx *Transaction) ID() page.TxnID {
	return tx.id
}

func (tx *Transaction) Isolation() Isolation {
	return tx.iso
}

func (tx *Transaction) State() State {
	tx.mutex.Lock()
	defer tx.mutex.Unlock()

	return tx.state
}

// Done returns true once the transaction has committed or finished aborting.
func (tx *Transaction) Done() bool {
	tx.mutex.Lock()
	defer tx.mutex.Unlock()

	return tx.state == Committed || tx.state == Aborted
}

func (tx *Transaction) String() string {
	return fmt.Sprintf("txn %d", tx.id)
}

// Append logs rec as the next record of the transaction, which must be active or rolling back.
func (tx *Transaction) Append(rec *wal.Record) (page.LSN, error) {
	tx.mutex.Lock()
	defer tx.mutex.Unlock()

	if tx.state != Active && tx.state != Aborting {
		return page.InvalidLSN, errors.Wrapf(storage.ErrTxnDone, "mvcc: txn %d", tx.id)
	}
	rec.TxnID = tx.id
	rec.PrevLSN = tx.lastLSN
	lsn, err := tx.mgr.log.Append(rec)
	if err != nil {
		return page.InvalidLSN, err
	}
	tx.lastLSN = lsn
	if rec.Type.IsUndoable() {
		tx.undo = append(tx.undo, rec)
	}
	return lsn, nil
}

func (tx *Transaction) checkActive() error {
	tx.mutex.Lock()
	defer tx.mutex.Unlock()

	if tx.state != Active {
		return errors.Wrapf(storage.ErrTxnDone, "mvcc: txn %d is %s", tx.id, tx.state)
	}
	return nil
}

// currentSnapshot returns the snapshot for the next read or write: a fresh one for read
// committed.
func (tx *Transaction) currentSnapshot() *snapshot {
	if tx.snap != nil {
		return tx.snap
	}
	return tx.mgr.snapshot()
}

// lockRow waits for the row lock on tid. If the wait times out, the transaction is aborted.
func (tx *Transaction) lockRow(ctx context.Context, tid page.TID) error {
	err := tx.mgr.locks.Acquire(ctx, tx.locker, tid)
	if errors.Is(err, storage.ErrLockTimeout) {
		aerr := tx.Abort()
		if aerr != nil {
			tx.mgr.logger.WithField("txn", tx.id).Errorf("mvcc: abort failed: %s", aerr)
		}
		return errors.Wrapf(err, "mvcc: txn %d aborted", tx.id)
	}
	return err
}

// Lock acquires the row lock on tid as a write would, and holds it until the transaction
// finishes. tid need not name a row.
func (tx *Transaction) Lock(ctx context.Context, tid page.TID) error {
	err := tx.checkActive()
	if err != nil {
		return err
	}
	return tx.lockRow(ctx, tid)
}

// Read returns the payload of the version of tid which the transaction sees.
func (tx *Transaction) Read(ctx context.Context, tbl *heap.Table, tid page.TID) ([]byte,
	error) {

	err := tx.checkActive()
	if err != nil {
		return nil, err
	}

	vers, err := tbl.Chain(ctx, tid)
	if err != nil {
		return nil, err
	}
	snap := tx.currentSnapshot()
	for _, v := range vers {
		if snap.visible(tx.id, v) {
			return v.Payload(), nil
		}
	}
	return nil, errors.Wrapf(storage.ErrNotFound, "mvcc: %s", tid)
}

// writable checks that the transaction may change tid: the version it sees must be the
// newest version, and not deleted. The row lock must be held.
func (tx *Transaction) writable(ctx context.Context, tbl *heap.Table, tid page.TID) error {
	vers, err := tbl.Chain(ctx, tid)
	if err != nil {
		return err
	}
	snap := tx.currentSnapshot()
	for idx, v := range vers {
		if !snap.visible(tx.id, v) {
			continue
		}
		if idx > 0 || v.Xmax() != page.InvalidTxnID {
			return errors.Wrapf(storage.ErrWriteConflict, "mvcc: txn %d: %s", tx.id, tid)
		}
		return nil
	}
	return errors.Wrapf(storage.ErrNotFound, "mvcc: %s", tid)
}

// Insert adds a row with payload to tbl, and returns its tuple id.
func (tx *Transaction) Insert(ctx context.Context, tbl *heap.Table,
	payload []byte) (page.TID, error) {

	err := tx.checkActive()
	if err != nil {
		return page.TID{}, err
	}

	tid, err := tbl.Insert(ctx, tx, payload)
	if err != nil {
		return page.TID{}, err
	}
	err = tx.lockRow(ctx, tid)
	if err != nil {
		return page.TID{}, err
	}
	return tid, nil
}

// Update replaces the row tid with payload, waiting for the row lock if necessary.
func (tx *Transaction) Update(ctx context.Context, tbl *heap.Table, tid page.TID,
	payload []byte) error {

	err := tx.checkActive()
	if err != nil {
		return err
	}
	err = tx.lockRow(ctx, tid)
	if err != nil {
		return err
	}
	err = tx.writable(ctx, tbl, tid)
	if err != nil {
		return err
	}
	return tbl.Update(ctx, tx, tid, payload)
}

// Delete deletes the row tid, waiting for the row lock if necessary.
func (tx *Transaction) Delete(ctx context.Context, tbl *heap.Table, tid page.TID) error {
	err := tx.checkActive()
	if err != nil {
		return err
	}
	err = tx.lockRow(ctx, tid)
	if err != nil {
		return err
	}
	err = tx.writable(ctx, tbl, tid)
	if err != nil {
		return err
	}
	return tbl.Delete(ctx, tx, tid)
}

// Scan calls fn with every row of tbl which the transaction sees. All of the rows are read
// using the same snapshot.
func (tx *Transaction) Scan(ctx context.Context, tbl *heap.Table,
	fn func(tid page.TID, payload []byte) error) error {

	err := tx.checkActive()
	if err != nil {
		return err
	}

	snap := tx.currentSnapshot()
	return tbl.Scan(ctx,
		func(tup heap.Tuple) error {
			for _, v := range tup.Versions {
				if snap.visible(tx.id, v) {
					return fn(tup.TID, v.Payload())
				}
			}
			return nil
		})
}

func (tx *Transaction) release() {
	err := tx.mgr.locks.ReleaseAll(tx.locker)
	if err != nil {
		tx.mgr.logger.WithField("txn", tx.id).Errorf("mvcc: %s", err)
	}
}

// Commit logs a Commit record and waits for it to be durable. If the log can not be flushed,
// the transaction is not committed and the error matches storage.ErrIO.
func (tx *Transaction) Commit() error {
	tx.mutex.Lock()
	if tx.state != Active {
		tx.mutex.Unlock()
		return errors.Wrapf(storage.ErrTxnDone, "mvcc: txn %d is %s", tx.id, tx.state)
	}

	mgr := tx.mgr
	lsn, err := mgr.log.Append(
		&wal.Record{
			Type:    wal.CommitRecord,
			TxnID:   tx.id,
			PrevLSN: tx.lastLSN,
		})
	if err == nil {
		tx.lastLSN = lsn
		err = mgr.log.Flush(lsn)
	}
	if err != nil {
		tx.state = Aborted
		tx.undo = nil
		tx.mutex.Unlock()

		mgr.finish(tx, Aborted, true)
		tx.release()
		mgr.logger.WithField("txn", tx.id).Errorf("mvcc: commit failed: %s", err)
		if !errors.Is(err, storage.ErrIO) {
			err = storage.IOError(err, "commit")
		}
		return errors.Wrapf(err, "mvcc: txn %d not committed", tx.id)
	}
	tx.state = Committed
	tx.undo = nil
	tx.mutex.Unlock()

	mgr.finish(tx, Committed, false)
	tx.release()
	mgr.logger.WithFields(log.Fields{
		"txn": tx.id,
		"lsn": lsn,
	}).Debug("committed transaction")
	return nil
}

// undoChange reverses rec. The rollback can't give up because the buffer pool is full, so
// it waits and tries again, for a while.
func (tx *Transaction) undoChange(ctx context.Context, rec *wal.Record) error {
	backoff := undoBackoff
	for try := 0; ; try++ {
		_, err := tx.mgr.heap.Undo(ctx, tx, rec)
		if err == nil || !errors.Is(err, storage.ErrBufferFull) || try == undoRetries {
			return err
		}
		tx.mgr.logger.WithFields(log.Fields{
			"txn": tx.id,
			"lsn": rec.LSN,
		}).Warn("mvcc: buffer pool full, waiting to roll back")
		time.Sleep(backoff)
		backoff *= 2
		if backoff > maxUndoBackoff {
			backoff = maxUndoBackoff
		}
	}
}

// Abort rolls back every change made by the transaction, newest first, logging a
// compensation record for each, and then logs an Abort record. If the rollback fails, the
// transaction is left aborting: it keeps its locks and stays in the active transaction
// table, so recovery will finish the rollback if Abort is not called again.
func (tx *Transaction) Abort() error {
	tx.mutex.Lock()
	if tx.state != Active && tx.state != Aborting {
		tx.mutex.Unlock()
		return errors.Wrapf(storage.ErrTxnDone, "mvcc: txn %d is %s", tx.id, tx.state)
	}
	tx.state = Aborting
	tx.mutex.Unlock()

	ctx := context.Background()
	mgr := tx.mgr
	var undone int
	for {
		tx.mutex.Lock()
		n := len(tx.undo)
		if n == 0 {
			tx.mutex.Unlock()
			break
		}
		rec := tx.undo[n-1]
		tx.mutex.Unlock()

		err := tx.undoChange(ctx, rec)
		if err != nil {
			mgr.logger.WithFields(log.Fields{
				"txn":  tx.id,
				"left": n,
			}).Errorf("mvcc: rollback stopped: %s", err)
			return errors.Wrapf(err, "mvcc: txn %d abort", tx.id)
		}

		tx.mutex.Lock()
		tx.undo = tx.undo[:n-1]
		tx.mutex.Unlock()
		undone += 1
	}

	tx.mutex.Lock()
	lsn, err := mgr.log.Append(
		&wal.Record{
			Type:    wal.AbortRecord,
			TxnID:   tx.id,
			PrevLSN: tx.lastLSN,
		})
	if err != nil {
		tx.mutex.Unlock()
		mgr.logger.WithField("txn", tx.id).Errorf("mvcc: abort failed: %s", err)
		return errors.Wrapf(err, "mvcc: txn %d abort", tx.id)
	}
	tx.lastLSN = lsn
	tx.state = Aborted
	tx.mutex.Unlock()

	mgr.finish(tx, Aborted, false)
	tx.release()
	mgr.logger.WithFields(log.Fields{
		"txn":     tx.id,
		"changes": undone,
	}).Debug("aborted transaction")
	return nil
}
