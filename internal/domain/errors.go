package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrTooManyActiveTasks  = errors.New("too many active tasks")
	ErrNotCancelable       = errors.New("task is not cancelable")
	ErrLaunchRejected      = errors.New("worker launch rejected")
	ErrLaunchTimeout       = errors.New("worker launch timed out")
	ErrProviderFailure     = errors.New("provider failure")
)
