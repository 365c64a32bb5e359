package order

import "errors"

var (
	// ErrNotFound means an order reference resolved to nothing.
	ErrNotFound = errors.New("order not found")

	// ErrInvalidTransition means the order's current status does not allow
	// the requested operation. The order is unchanged.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrLockBusy means the per-order lock could not be acquired in time.
	// The caller should retry.
	ErrLockBusy = errors.New("order busy, retry")

	// ErrNotParticipant means the caller is neither creator nor assigned
	// executor of the order.
	ErrNotParticipant = errors.New("not a participant of this order")
)
