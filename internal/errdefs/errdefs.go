// Package errdefs holds the error taxonomy shared by the engine, the store
// and the HTTP layer.
//
// Sentinels are attached with errors.Mark so callers can keep adding context
// with errors.Wrap and still test the kind with errors.Is.
package errdefs

import (
	"github.com/cockroachdb/errors"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicate         = errors.New("duplicate")
	ErrDuplicateJob      = errors.New("job already scheduled")
	ErrDuplicateSchedule = errors.New("schedule already exists")
	ErrConfiguration     = errors.New("invalid configuration")
	ErrBusy              = errors.New("too many concurrent runs")
)

func NotFound(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrNotFound)
}

func Configuration(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrConfiguration)
}

func DuplicateJob(id int64) error {
	return errors.Mark(errors.Newf("job %d already scheduled", id), ErrDuplicateJob)
}

// DuplicateSchedule is also a generic duplicate so callers that only care
// about uniqueness can test ErrDuplicate.
func DuplicateSchedule(format string, args ...any) error {
	return errors.Mark(errors.Mark(errors.Newf(format, args...), ErrDuplicateSchedule), ErrDuplicate)
}

func Duplicate(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrDuplicate)
}

func IsNotFound(err error) bool      { return errors.Is(err, ErrNotFound) }
func IsDuplicate(err error) bool     { return errors.Is(err, ErrDuplicate) || errors.Is(err, ErrDuplicateJob) }
func IsConfiguration(err error) bool { return errors.Is(err, ErrConfiguration) }
func IsBusy(err error) bool          { return errors.Is(err, ErrBusy) }

// ExecutionError is returned when user code raised or ended abnormally.
// Trace is already redacted and safe to show to the project owner.
type ExecutionError struct {
	Msg   string
	Trace string
}

func (e *ExecutionError) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	return "execution failed"
}

// AsExecution returns the ExecutionError in err's chain, if any.
func AsExecution(err error) (*ExecutionError, bool) {
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}
