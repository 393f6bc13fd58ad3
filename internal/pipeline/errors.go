package pipeline

import "errors"

// hardFailure marks a handler error that must fail the task immediately,
// bypassing the retry budget: definite launch rejections, exhausted AI poll
// ceilings, zero-output terminal stages.
type hardFailure struct {
	err error
}

func (e hardFailure) Error() string { return e.err.Error() }
func (e hardFailure) Unwrap() error { return e.err }

// Hard wraps err as a hard failure.
func Hard(err error) error {
	if err == nil {
		return nil
	}
	return hardFailure{err: err}
}

// IsHard reports whether err carries the hard-failure marker.
func IsHard(err error) bool {
	var h hardFailure
	return errors.As(err, &h)
}
