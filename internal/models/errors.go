package models

import "errors"

// Error taxonomy shared by the store, the services, and the HTTP layer.
var (
	ErrNotFound               = errors.New("not found")
	ErrInvalidTransition      = errors.New("invalid transition")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrExecutorFailure        = errors.New("executor failure")
	ErrStoreUnavailable       = errors.New("store unavailable")
	ErrInvalidArgument        = errors.New("invalid argument")
	ErrSlotBusy               = errors.New("worker slot busy")
)
