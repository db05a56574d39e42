package news

import "errors"

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a uniqueness constraint rejects a create.
	ErrDuplicate = errors.New("duplicate")
	// ErrInvalidTransition is returned for a crisis status change that moves backwards.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrQuotaExhausted is returned when a source has used its daily budget.
	ErrQuotaExhausted = errors.New("quota exhausted")
	// ErrLeaseLost is returned when a worker settles a task it no longer holds.
	ErrLeaseLost = errors.New("task lease not held")
)
