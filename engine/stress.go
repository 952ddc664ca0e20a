package engine

import (
	"context"
	"math/rand"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/gtnao/junkdb/storage"
	"github.com/gtnao/junkdb/storage/mvcc"
	"github.com/gtnao/junkdb/storage/page"
	"github.com/gtnao/junkdb/storage/tuple"
)

const (
	stressBalance = 1000
)

var (
	accountsSchema = tuple.Schema{
		{Name: "id", Type: tuple.IntType},
		{Name: "balance", Type: tuple.IntType},
	}
)

type StressOptions struct {
	Table     string
	Accounts  int
	Workers   int
	Transfers int // Per worker.
	Isolation mvcc.Isolation
	Seed      int64
}

type StressResult struct {
	Committed int
	Conflicts int
	Timeouts  int
	PageFull  int // Workers stopped because an account's page was full.
	Total     int64
	Expected  int64
}

type stress struct {
	e    *Engine
	opts StressOptions
	tbl  *Table
	tids []page.TID

	mutex sync.Mutex
	res   StressResult
}

func (opts *StressOptions) setDefaults() {
	if opts.Table == "" {
		opts.Table = "accounts"
	}
	if opts.Accounts < 2 {
		opts.Accounts = 8
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Transfers <= 0 {
		opts.Transfers = 10
	}
	if opts.Isolation == 0 {
		opts.Isolation = mvcc.ReadCommitted
	}
}

// Stress runs concurrent transfers between accounts and then checks that no money was made
// or lost. Any table called opts.Table is replaced.
func Stress(ctx context.Context, e *Engine, opts StressOptions) (*StressResult, error) {
	opts.setDefaults()
	st := &stress{
		e:    e,
		opts: opts,
	}
	st.res.Expected = int64(opts.Accounts) * stressBalance

	err := st.setup(ctx)
	if err != nil {
		return nil, err
	}

	var wg sync.WaitGroup
	errs := make([]error, opts.Workers)
	for wdx := 0; wdx < opts.Workers; wdx++ {
		wg.Add(1)
		go func(wdx int) {
			defer wg.Done()
			errs[wdx] = st.worker(ctx, wdx)
		}(wdx)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	st.res.Total, err = st.total(ctx)
	if err != nil {
		return nil, err
	}
	e.logger.WithFields(log.Fields{
		"committed": st.res.Committed,
		"conflicts": st.res.Conflicts,
		"timeouts":  st.res.Timeouts,
		"page-full": st.res.PageFull,
	}).Info("stress done")
	if st.res.Total != st.res.Expected {
		return &st.res, errors.Errorf("engine: stress: total balance %d, expected %d",
			st.res.Total, st.res.Expected)
	}
	return &st.res, nil
}

func (st *stress) setup(ctx context.Context) error {
	tx, err := st.e.Begin(mvcc.ReadCommitted)
	if err != nil {
		return err
	}

	err = st.e.DropTable(ctx, tx, st.opts.Table)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		tx.Abort()
		return err
	}
	st.tbl, err = st.e.CreateTable(ctx, tx, st.opts.Table, accountsSchema)
	if err != nil {
		tx.Abort()
		return err
	}

	for id := 0; id < st.opts.Accounts; id++ {
		payload, err := accountsSchema.Encode(tuple.Row{int64(id), int64(stressBalance)})
		if err != nil {
			tx.Abort()
			return err
		}
		tid, err := tx.Insert(ctx, st.tbl.Heap, payload)
		if err != nil {
			tx.Abort()
			return err
		}
		st.tids = append(st.tids, tid)
	}
	return tx.Commit()
}

func tidLess(t1, t2 page.TID) bool {
	if t1.Page != t2.Page {
		return t1.Page < t2.Page
	}
	return t1.Slot < t2.Slot
}

func (st *stress) balance(ctx context.Context, tx *mvcc.Transaction, tid page.TID) (int64,
	error) {

	payload, err := tx.Read(ctx, st.tbl.Heap, tid)
	if err != nil {
		return 0, err
	}
	row, err := accountsSchema.Decode(payload)
	if err != nil {
		return 0, err
	}
	bal, _ := row[1].(int64)
	return bal, nil
}

func (st *stress) setBalance(ctx context.Context, tx *mvcc.Transaction, tid page.TID,
	id int, bal int64) error {

	payload, err := accountsSchema.Encode(tuple.Row{int64(id), bal})
	if err != nil {
		return err
	}
	return tx.Update(ctx, st.tbl.Heap, tid, payload)
}

// transfer moves amt from account src to account dst. Both row locks are taken, lower tid
// first, before either balance is read.
func (st *stress) transfer(ctx context.Context, tx *mvcc.Transaction, src, dst int,
	amt int64) error {

	first, second := st.tids[src], st.tids[dst]
	if tidLess(second, first) {
		first, second = second, first
	}
	err := tx.Lock(ctx, first)
	if err != nil {
		return err
	}
	err = tx.Lock(ctx, second)
	if err != nil {
		return err
	}

	sbal, err := st.balance(ctx, tx, st.tids[src])
	if err != nil {
		return err
	}
	dbal, err := st.balance(ctx, tx, st.tids[dst])
	if err != nil {
		return err
	}

	if tidLess(st.tids[src], st.tids[dst]) {
		err = st.setBalance(ctx, tx, st.tids[src], src, sbal-amt)
		if err == nil {
			err = st.setBalance(ctx, tx, st.tids[dst], dst, dbal+amt)
		}
	} else {
		err = st.setBalance(ctx, tx, st.tids[dst], dst, dbal+amt)
		if err == nil {
			err = st.setBalance(ctx, tx, st.tids[src], src, sbal-amt)
		}
	}
	return err
}

func (st *stress) count(fn func(res *StressResult)) {
	st.mutex.Lock()
	fn(&st.res)
	st.mutex.Unlock()
}

func (st *stress) worker(ctx context.Context, wdx int) error {
	rnd := rand.New(rand.NewSource(st.opts.Seed + int64(wdx)))

	for n := 0; n < st.opts.Transfers; {
		src := rnd.Intn(st.opts.Accounts)
		dst := rnd.Intn(st.opts.Accounts - 1)
		if dst >= src {
			dst += 1
		}
		amt := int64(rnd.Intn(100) + 1)

		tx, err := st.e.Begin(st.opts.Isolation)
		if err != nil {
			return err
		}
		err = st.transfer(ctx, tx, src, dst, amt)
		if err == nil {
			err = tx.Commit()
			if err != nil {
				return err
			}
			st.count(func(res *StressResult) { res.Committed += 1 })
			n += 1
			continue
		}

		// A lock timeout has already aborted the transaction.
		if !tx.Done() {
			aerr := tx.Abort()
			if aerr != nil {
				return aerr
			}
		}

		switch {
		case errors.Is(err, storage.ErrWriteConflict):
			st.count(func(res *StressResult) { res.Conflicts += 1 })
		case errors.Is(err, storage.ErrLockTimeout):
			st.count(func(res *StressResult) { res.Timeouts += 1 })
		case errors.Is(err, storage.ErrPageFull):
			st.count(func(res *StressResult) { res.PageFull += 1 })
			return nil
		default:
			return err
		}
	}
	return nil
}

func (st *stress) total(ctx context.Context) (int64, error) {
	tx, err := st.e.Begin(mvcc.RepeatableRead)
	if err != nil {
		return 0, err
	}
	defer tx.Commit()

	var total int64
	err = tx.Scan(ctx, st.tbl.Heap,
		func(tid page.TID, payload []byte) error {
			row, err := accountsSchema.Decode(payload)
			if err != nil {
				return err
			}
			bal, _ := row[1].(int64)
			total += bal
			return nil
		})
	return total, err
}
