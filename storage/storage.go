package storage

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrBufferFull is returned when every frame in the buffer pool is pinned. It is
	// transient; the caller may retry.
	ErrBufferFull = errors.New("buffer pool is full")

	// ErrLockTimeout is returned when waiting for a row lock exceeds the configured bound;
	// the waiting transaction has been aborted.
	ErrLockTimeout = errors.New("lock wait timeout")

	// ErrNotFound means the tuple is absent or not visible. It is a normal negative result.
	ErrNotFound = errors.New("not found")

	ErrCorruptLog  = errors.New("corrupt log")
	ErrCorruptPage = errors.New("corrupt page")
	ErrIO          = errors.New("i/o error")

	// ErrWriteConflict is returned when a repeatable read transaction tries to change a row
	// that was changed by a transaction which committed after its snapshot was taken.
	ErrWriteConflict = errors.New("could not serialize access due to concurrent update")

	ErrPageFull = errors.New("page full")
	ErrTxnDone  = errors.New("transaction already committed or aborted")
)

type ioError struct {
	op  string
	err error
}

func (ie *ioError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrIO, ie.op, ie.err)
}

func (ie *ioError) Unwrap() error {
	return ie.err
}

func (ie *ioError) Is(target error) bool {
	return target == ErrIO
}

// IOError wraps err, which came from the operating system, so that it matches ErrIO.
func IOError(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrIO) {
		return err
	}
	return &ioError{op: op, err: err}
}
