package escrow

import "errors"

var (
	// ErrValidation marks malformed input or a violated amount rule.
	ErrValidation = errors.New("escrow: validation failed")
	// ErrInvalidTransition marks an event not allowed from the current state.
	ErrInvalidTransition = errors.New("escrow: invalid transition")
	// ErrConcurrencyConflict marks a version mismatch on write.
	ErrConcurrencyConflict = errors.New("escrow: concurrency conflict")
	// ErrNotFound marks an unknown escrow, milestone, dispute or work item.
	ErrNotFound = errors.New("escrow: not found")
	// ErrAlreadyExists marks an insert over an existing id.
	ErrAlreadyExists = errors.New("escrow: already exists")
)
