// Package engine wires the storage pieces together into a database instance: it opens the
// disk and the log, recovers, and then hands out transactions and tables until it is closed.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/gtnao/junkdb/storage/buffer"
	"github.com/gtnao/junkdb/storage/catalog"
	"github.com/gtnao/junkdb/storage/disk"
	"github.com/gtnao/junkdb/storage/heap"
	"github.com/gtnao/junkdb/storage/lock"
	"github.com/gtnao/junkdb/storage/mvcc"
	"github.com/gtnao/junkdb/storage/page"
	"github.com/gtnao/junkdb/storage/recovery"
	"github.com/gtnao/junkdb/storage/tuple"
	"github.com/gtnao/junkdb/storage/wal"
)

type Table = catalog.Table

type Options struct {
	DataDir     string
	Store       string
	Frames      int
	BufferWait  time.Duration
	LockTimeout time.Duration // Zero waits forever; there is no deadlock detection.
	LogBuffer   int
	// Checkpoint this often in the background; zero disables background checkpoints.
	CheckpointInterval time.Duration
	Logger             *log.Logger
}

type Engine struct {
	opts      Options
	logger    *log.Logger
	disk      *disk.Manager
	wal       *wal.Manager
	pool      *buffer.Pool
	heap      *heap.Heap
	locks     *lock.Manager
	txns      *mvcc.Manager
	catalog   *catalog.Catalog
	recovered *recovery.Result

	mutex       sync.Mutex
	checkpoints int
	lastCheck   page.LSN
	closed      bool
	stop        chan struct{}
	done        chan struct{}
}

type Stats struct {
	Buffer         buffer.Stats
	Txns           mvcc.Stats
	Locks          int
	NextLSN        page.LSN
	FlushedLSN     page.LSN
	NextPageID     page.PageID
	Checkpoints    int
	LastCheckpoint page.LSN
}

// Open opens the database in opts.DataDir, creating it if necessary, and recovers it.
func Open(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	if opts.DataDir == "" {
		return nil, errors.New("engine: missing data directory")
	}

	dm, err := disk.Open(opts.Store, opts.DataDir, opts.Logger)
	if err != nil {
		return nil, err
	}
	lm, err := wal.Open(opts.DataDir, dm.InstanceID(), opts.LogBuffer, opts.Logger)
	if err != nil {
		dm.Close()
		return nil, err
	}

	e := &Engine{
		opts:   opts,
		logger: opts.Logger,
		disk:   dm,
		wal:    lm,
	}
	err = e.start(ctx)
	if err != nil {
		lm.Close()
		dm.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) start(ctx context.Context) error {
	e.pool = buffer.NewPool(e.disk, e.wal,
		buffer.Options{
			Frames: e.opts.Frames,
			Wait:   e.opts.BufferWait,
			Logger: e.logger,
		})
	e.heap = heap.New(e.pool, e.wal, e.logger)

	res, err := recovery.Run(ctx, e.wal, e.heap, e.logger)
	if err != nil {
		return err
	}
	e.recovered = res

	e.locks = lock.NewManager(e.opts.LockTimeout, e.logger)
	e.txns = mvcc.NewManager(e.wal, e.heap, e.locks, res.NextTxnID, e.logger)

	_, err = e.Checkpoint()
	if err != nil {
		return err
	}

	e.catalog, err = catalog.Open(ctx, e.heap, e.disk, e.wal, e.logger)
	if err != nil {
		return err
	}

	if e.opts.CheckpointInterval > 0 {
		e.stop = make(chan struct{})
		e.done = make(chan struct{})
		go e.checkpointer(e.opts.CheckpointInterval)
	}

	e.logger.WithFields(log.Fields{
		"data":     e.opts.DataDir,
		"store":    e.disk.Store(),
		"instance": e.disk.InstanceID(),
		"next-txn": res.NextTxnID,
	}).Info("engine started")
	return nil
}

func (e *Engine) checkpointer(interval time.Duration) {
	defer close(e.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			_, err := e.Checkpoint()
			if err != nil {
				e.logger.Errorf("engine: checkpoint: %s", err)
			}
		}
	}
}

// Checkpoint logs a checkpoint record and returns its LSN.
func (e *Engine) Checkpoint() (page.LSN, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.closed {
		return page.InvalidLSN, errors.New("engine: closed")
	}
	lsn, cp, err := recovery.Checkpoint(e.wal, e.heap, e.pool, e.txns)
	if err != nil {
		return page.InvalidLSN, err
	}
	e.checkpoints += 1
	e.lastCheck = lsn

	e.logger.WithFields(log.Fields{
		"lsn":    lsn,
		"active": len(cp.Active),
		"dirty":  len(cp.Dirty),
	}).Debug("checkpoint")
	return lsn, nil
}

// Recovered returns what recovery did when the engine was opened.
func (e *Engine) Recovered() *recovery.Result {
	return e.recovered
}

func (e *Engine) Begin(iso mvcc.Isolation) (*mvcc.Transaction, error) {
	return e.txns.Begin(iso)
}

func (e *Engine) CreateTable(ctx context.Context, tx *mvcc.Transaction, name string,
	sch tuple.Schema) (*Table, error) {

	return e.catalog.CreateTable(ctx, tx, name, sch)
}

func (e *Engine) LookupTable(ctx context.Context, tx *mvcc.Transaction,
	name string) (*Table, error) {

	return e.catalog.LookupTable(ctx, tx, name)
}

func (e *Engine) ListTables(ctx context.Context, tx *mvcc.Transaction) ([]*Table, error) {

	return e.catalog.ListTables(ctx, tx)
}

func (e *Engine) DropTable(ctx context.Context, tx *mvcc.Transaction, name string) error {
	return e.catalog.DropTable(ctx, tx, name)
}

func (e *Engine) Locks() []lock.Lock {
	return e.locks.Locks()
}

func (e *Engine) Stats() Stats {
	e.mutex.Lock()
	checkpoints := e.checkpoints
	lastCheck := e.lastCheck
	e.mutex.Unlock()

	return Stats{
		Buffer:         e.pool.Stats(),
		Txns:           e.txns.Stats(),
		Locks:          len(e.locks.Locks()),
		NextLSN:        e.wal.NextLSN(),
		FlushedLSN:     e.wal.FlushedLSN(),
		NextPageID:     e.disk.NextPageID(),
		Checkpoints:    checkpoints,
		LastCheckpoint: lastCheck,
	}
}

// Close writes every dirty page, checkpoints, and closes the log and the disk. Transactions
// which are still active are rolled back by recovery the next time the engine is opened.
func (e *Engine) Close() error {
	if e.stop != nil {
		close(e.stop)
		<-e.done
		e.stop = nil
	}

	if st := e.txns.Stats(); st.Active > 0 {
		e.logger.WithField("active", st.Active).Warn("engine: closing with active transactions")
	}

	err := e.pool.FlushAll()
	if err == nil {
		_, err = e.Checkpoint()
	}

	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.closed {
		return errors.New("engine: closed")
	}
	e.closed = true

	if lerr := e.wal.Close(); err == nil {
		err = lerr
	}
	if derr := e.disk.Close(); err == nil {
		err = derr
	}
	e.logger.WithField("data", e.opts.DataDir).Info("engine closed")
	return err
}
