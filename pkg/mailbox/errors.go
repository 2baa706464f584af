package mailbox

import (
	"errors"
)

var (
	// ErrSegmentCreateFailed is returned when the OS refuses to create the
	// segment. It is not retried automatically.
	ErrSegmentCreateFailed = errors.New("mailbox: segment create failed")
	// ErrSegmentNotFound is returned by Attach before the publisher has created
	// the segment. Callers should retry with backoff.
	ErrSegmentNotFound = errors.New("mailbox: segment not found")
	// ErrSizeMismatch signals a payload or segment size disagreement.
	ErrSizeMismatch = errors.New("mailbox: size mismatch")
	// ErrCorruptFlag is returned when the flag byte holds neither EMPTY nor FULL.
	ErrCorruptFlag = errors.New("mailbox: corrupt flag")
	// ErrProtocolViolation is returned when a transition is attempted from the wrong state.
	ErrProtocolViolation = errors.New("mailbox: protocol violation")
	// ErrWrongSide is returned when a handle performs the other side's operation.
	ErrWrongSide = errors.New("mailbox: operation not allowed for this side")
	// ErrNotOwner is returned when destroying a segment this manager did not create.
	ErrNotOwner = errors.New("mailbox: segment not created by this manager")
	// ErrClosed is returned by operations on a destroyed or detached handle.
	ErrClosed = errors.New("mailbox: segment closed")
)

// IsRetryable reports whether err is worth retrying, which is only the case
// for a consumer that started before its publisher.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrSegmentNotFound)
}
