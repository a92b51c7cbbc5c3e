package walredo

import (
	"os"

	"github.com/pkg/errors"
)

var (
	// ErrInvalidState is returned when the manager cannot perform WAL redo at all.
	ErrInvalidState = errors.New("cannot perform WAL redo now")

	// ErrBadPageImage is returned when a base image is present but is not exactly one page.
	ErrBadPageImage = errors.New("base image must be exactly one page")

	errExchangeAborted = errors.New("exchange aborted")
)

// IOError covers spawning the redo process and any failure or timeout
// while talking to it.
type IOError struct {
	Err error
}

func (e *IOError) Error() string {
	return "wal redo io error: " + e.Err.Error()
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// IsTimeout reports whether err is a redo exchange that ran out of time,
// as opposed to one that failed because a stream was closed.
func IsTimeout(err error) bool {
	return errors.Is(err, os.ErrDeadlineExceeded)
}
