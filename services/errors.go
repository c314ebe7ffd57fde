package services

import "errors"

var (
	// ErrNotFound: referenced business/milestone/task/achievement/level does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidDelta: zero or negative award, or a delta that would make the total negative.
	ErrInvalidDelta = errors.New("invalid point delta")
	// ErrInvalidInput: malformed batch or catalog entry.
	ErrInvalidInput = errors.New("invalid input")
	// ErrConcurrencyConflict: lock contention persisted past the retry budget.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrRequestClosed: a batch answers a regeneration request that was already fulfilled or failed.
	ErrRequestClosed = errors.New("regeneration request already closed")
)
