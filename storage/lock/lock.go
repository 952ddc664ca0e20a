// Package lock provides exclusive row locks held by transactions until they commit or abort.
package lock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/gtnao/junkdb/storage"
	"github.com/gtnao/junkdb/storage/page"
)

type lock struct {
	tid    page.TID
	holder *Locker

	// Waiters for a lock are maintained in a queue; when the lock is released, it is handed
	// to firstWaiter; lastWaiter is where Lockers are added to the queue; Locker.nextWaiter
	// is used to link the queue of waiters together.
	firstWaiter *Locker
	lastWaiter  *Locker
}

// Locker holds the locks of one transaction.
type Locker struct {
	txn        page.TxnID
	released   bool
	locks      map[page.TID]*lock // The set of locks this Locker currently holds.
	nextWaiter *Locker            // Used to link the queue of waiters together.
	waitCh     chan struct{}      // Notified when the lock has been handed to this Locker.
}

type Manager struct {
	mutex   sync.Mutex
	locks   map[page.TID]*lock // Every lock in the map has a holder.
	timeout time.Duration
	logger  *log.Logger
}

// NewManager returns a lock manager; waiting for a lock longer than timeout fails with
// storage.ErrLockTimeout. A zero timeout waits forever.
func NewManager(timeout time.Duration, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Manager{
		locks:   map[page.TID]*lock{},
		timeout: timeout,
		logger:  logger,
	}
}

func NewLocker(txn page.TxnID) *Locker {
	return &Locker{
		txn:    txn,
		locks:  map[page.TID]*lock{},
		waitCh: make(chan struct{}, 1),
	}
}

func (lkr *Locker) Txn() page.TxnID {
	return lkr.txn
}

func (lkr *Locker) String() string {
	return fmt.Sprintf("txn %d", lkr.txn)
}

func (lm *Manager) Timeout() time.Duration {
	return lm.timeout
}

// removeWaiter takes lkr out of the queue of waiters for lk.
func removeWaiter(lk *lock, lkr *Locker) {
	var prev *Locker
	for w := lk.firstWaiter; w != nil; w = w.nextWaiter {
		if w == lkr {
			if prev == nil {
				lk.firstWaiter = w.nextWaiter
			} else {
				prev.nextWaiter = w.nextWaiter
			}
			if lk.lastWaiter == w {
				lk.lastWaiter = prev
			}
			break
		}
		prev = w
	}
	lkr.nextWaiter = nil
}

// Acquire locks tid exclusively for lkr, waiting in first come first served order behind
// any other lockers. Locking a tid already held by lkr succeeds immediately.
func (lm *Manager) Acquire(ctx context.Context, lkr *Locker, tid page.TID) error {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	if lkr.released {
		return errors.New("lock: locker may not be reused")
	}
	if _, ok := lkr.locks[tid]; ok {
		return nil
	}

	lk, ok := lm.locks[tid]
	if !ok {
		lk = &lock{
			tid:    tid,
			holder: lkr,
		}
		lm.locks[tid] = lk
		lkr.locks[tid] = lk
		return nil
	}

	// Add the locker to the queue of waiters.
	lkr.nextWaiter = nil
	if lk.lastWaiter != nil {
		lk.lastWaiter.nextWaiter = lkr
	} else {
		lk.firstWaiter = lkr
	}
	lk.lastWaiter = lkr

	var timeout <-chan time.Time
	if lm.timeout > 0 {
		timer := time.NewTimer(lm.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	lm.logger.WithFields(log.Fields{
		"txn":    lkr.txn,
		"tid":    tid,
		"holder": lk.holder.txn,
	}).Debug("waiting for lock")

	// The mutex is locked when waiting starts, so unlock it before waiting on the channel.
	lm.mutex.Unlock()
	var err error
	select {
	case <-lkr.waitCh:
	case <-timeout:
		err = errors.Wrapf(storage.ErrLockTimeout, "txn %d waited %s for %s", lkr.txn,
			lm.timeout, tid)
	case <-ctx.Done():
		err = ctx.Err()
	}
	lm.mutex.Lock()

	if lk.holder == lkr {
		// The lock was handed over, possibly just as the wait failed.
		select {
		case <-lkr.waitCh:
		default:
		}
		return nil
	}
	removeWaiter(lk, lkr)
	return err
}

// ReleaseAll releases every lock held by lkr, handing each to its first waiter, if any. The
// locker may not be used again.
func (lm *Manager) ReleaseAll(lkr *Locker) error {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	if lkr.released {
		return errors.New("lock: locker may not be reused")
	}
	lkr.released = true

	for tid, lk := range lkr.locks {
		w := lk.firstWaiter
		if w == nil {
			delete(lm.locks, tid)
			continue
		}

		lk.firstWaiter = w.nextWaiter
		if lk.firstWaiter == nil {
			lk.lastWaiter = nil
		}
		w.nextWaiter = nil
		lk.holder = w
		w.locks[tid] = lk
		w.waitCh <- struct{}{}
	}
	lkr.locks = nil
	return nil
}

// Held returns the number of locks held by lkr.
func (lm *Manager) Held(lkr *Locker) int {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	return len(lkr.locks)
}

type Lock struct {
	TID   page.TID
	Txn   page.TxnID
	Place int // If waiting, place in the queue (one based). Otherwise, (the lock is held) zero.
}

// Locks returns all locks, ordered by tid and then place.
func (lm *Manager) Locks() []Lock {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	var locks []Lock
	for tid, lk := range lm.locks {
		locks = append(locks, Lock{
			TID: tid,
			Txn: lk.holder.txn,
		})

		w := lk.firstWaiter
		for pl := 1; w != nil; pl += 1 {
			locks = append(locks, Lock{
				TID:   tid,
				Txn:   w.txn,
				Place: pl,
			})
			w = w.nextWaiter
		}
	}

	sort.Slice(locks, func(i, j int) bool {
		if locks[i].TID.Page != locks[j].TID.Page {
			return locks[i].TID.Page < locks[j].TID.Page
		}
		if locks[i].TID.Slot != locks[j].TID.Slot {
			return locks[i].TID.Slot < locks[j].TID.Slot
		}
		return locks[i].Place < locks[j].Place
	})
	return locks
}
