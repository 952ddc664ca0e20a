// Package mvcc provides transactions with snapshot visibility over the heap: each change
// creates or marks a tuple version, and readers see only the versions their snapshot allows.
package mvcc

import (
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/gtnao/junkdb/storage/heap"
	"github.com/gtnao/junkdb/storage/lock"
	"github.com/gtnao/junkdb/storage/page"
	"github.com/gtnao/junkdb/storage/wal"
)

type Isolation int

const (
	ReadCommitted Isolation = iota + 1
	RepeatableRead
)

func (iso Isolation) String() string {
	switch iso {
	case ReadCommitted:
		return "read-committed"
	case RepeatableRead:
		return "repeatable-read"
	default:
		return "unknown"
	}
}

func ParseIsolation(s string) (Isolation, error) {
	switch strings.ToLower(s) {
	case "rc", "read-committed", "read committed":
		return ReadCommitted, nil
	case "rr", "repeatable-read", "repeatable read", "snapshot":
		return RepeatableRead, nil
	}
	return 0, errors.Errorf("mvcc: unknown isolation level: %s", s)
}

type State int

const (
	Active State = iota + 1
	Committed
	Aborted
	// Aborting transactions started to roll back but have not finished; Abort may be called
	// again to finish.
	Aborting
)

func (st State) String() string {
	switch st {
	case Active:
		return "active"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	case Aborting:
		return "aborting"
	default:
		return "unknown"
	}
}

// Log is where transactions append their records; *wal.Manager is a Log.
type Log interface {
	Append(rec *wal.Record) (page.LSN, error)
	Flush(lsn page.LSN) error
}

type Stats struct {
	Active    int
	Committed uint64
	Aborted   uint64
	NextTxnID page.TxnID
}

type Manager struct {
	log    Log
	heap   *heap.Heap
	locks  *lock.Manager
	logger *log.Logger

	mutex     sync.Mutex
	nextTxnID page.TxnID
	active    map[page.TxnID]*Transaction
	// Transactions whose commit failed; their versions may still be in the heap and must
	// never be seen.
	failed    map[page.TxnID]struct{}
	committed uint64
	aborted   uint64
}

// NewManager returns a transaction manager whose first transaction will be next. Every
// transaction before next is finished: recovery has removed the changes of those which did
// not commit.
func NewManager(lg Log, hp *heap.Heap, locks *lock.Manager, next page.TxnID,
	logger *log.Logger) *Manager {

	if next == page.InvalidTxnID {
		next = 1
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Manager{
		log:       lg,
		heap:      hp,
		locks:     locks,
		logger:    logger,
		nextTxnID: next,
		active:    map[page.TxnID]*Transaction{},
		failed:    map[page.TxnID]struct{}{},
	}
}

func (mgr *Manager) Heap() *heap.Heap {
	return mgr.heap
}

// Begin starts a transaction and logs its Begin record.
func (mgr *Manager) Begin(iso Isolation) (*Transaction, error) {
	if iso != ReadCommitted && iso != RepeatableRead {
		return nil, errors.Errorf("mvcc: bad isolation level: %d", iso)
	}

	mgr.mutex.Lock()
	defer mgr.mutex.Unlock()

	id := mgr.nextTxnID
	tx := &Transaction{
		mgr:    mgr,
		id:     id,
		iso:    iso,
		locker: lock.NewLocker(id),
		state:  Active,
	}
	if iso == RepeatableRead {
		tx.snap = mgr.snapshotLocked()
	}

	_, err := tx.Append(&wal.Record{Type: wal.BeginRecord})
	if err != nil {
		return nil, err
	}
	mgr.nextTxnID += 1
	mgr.active[id] = tx

	mgr.logger.WithFields(log.Fields{
		"txn":       id,
		"isolation": iso,
	}).Debug("begin transaction")
	return tx, nil
}

func (mgr *Manager) snapshotLocked() *snapshot {
	snap := &snapshot{
		xmax: mgr.nextTxnID,
	}
	if len(mgr.active) > 0 {
		snap.xip = make(map[page.TxnID]struct{}, len(mgr.active))
		for id := range mgr.active {
			snap.xip[id] = struct{}{}
		}
	}
	if len(mgr.failed) > 0 {
		snap.failed = make(map[page.TxnID]struct{}, len(mgr.failed))
		for id := range mgr.failed {
			snap.failed[id] = struct{}{}
		}
	}
	return snap
}

func (mgr *Manager) snapshot() *snapshot {
	mgr.mutex.Lock()
	defer mgr.mutex.Unlock()

	return mgr.snapshotLocked()
}

// finish removes tx from the active transactions; if it failed, its changes might still be
// in the heap.
func (mgr *Manager) finish(tx *Transaction, st State, failed bool) {
	mgr.mutex.Lock()
	defer mgr.mutex.Unlock()

	delete(mgr.active, tx.id)
	if failed {
		mgr.failed[tx.id] = struct{}{}
	}
	if st == Committed {
		mgr.committed += 1
	} else {
		mgr.aborted += 1
	}
}

// Active returns the active transaction table: every transaction which has not committed or
// finished aborting, and the LSN of its most recent record.
func (mgr *Manager) Active() []wal.ActiveTxn {
	mgr.mutex.Lock()
	defer mgr.mutex.Unlock()

	var att []wal.ActiveTxn
	for _, tx := range mgr.active {
		tx.mutex.Lock()
		if tx.state == Active || tx.state == Aborting {
			att = append(att, wal.ActiveTxn{ID: tx.id, LastLSN: tx.lastLSN})
		}
		tx.mutex.Unlock()
	}
	sort.Slice(att, func(i, j int) bool {
		return att[i].ID < att[j].ID
	})
	return att
}

// NextTxnID is the id which the next transaction will get.
func (mgr *Manager) NextTxnID() page.TxnID {
	mgr.mutex.Lock()
	defer mgr.mutex.Unlock()

	return mgr.nextTxnID
}

func (mgr *Manager) Stats() Stats {
	mgr.mutex.Lock()
	defer mgr.mutex.Unlock()

	return Stats{
		Active:    len(mgr.active),
		Committed: mgr.committed,
		Aborted:   mgr.aborted,
		NextTxnID: mgr.nextTxnID,
	}
}
