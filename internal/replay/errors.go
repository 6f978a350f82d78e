package replay

import "errors"

// Sentinel errors for replay operations.
var (
	ErrNoPendingRequest = errors.New("no pending request with this id")
	ErrNotRunning       = errors.New("task is not running")
)
