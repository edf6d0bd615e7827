package types

import (
	"errors"
	"fmt"
)

// Shared sentinel errors surfaced across the client/server boundary.
var (
	ErrNoHandler    = errors.New("no handler registered for method")
	ErrRPCTimeout   = errors.New("rpc call timed out")
	ErrBackpressure = errors.New("outbound queue full")
	ErrAuth         = errors.New("authentication failed")
)

// UpdateRejectedError is returned when a publish fails optimistic
// concurrency. It carries the authoritative state for rebase.
type UpdateRejectedError struct {
	Reason         RejectReason
	CurrentVersion int64
	CurrentBody    []byte
}

func (e *UpdateRejectedError) Error() string {
	return fmt.Sprintf("update rejected: %s (current version %d)", e.Reason, e.CurrentVersion)
}

// IsVersionMismatch reports whether err is a version-mismatch rejection.
func IsVersionMismatch(err error) bool {
	var rej *UpdateRejectedError
	return errors.As(err, &rej) && rej.Reason == RejectVersionMismatch
}
