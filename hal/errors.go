package hal

import "errors"

// Driver results. A nil error is the OK result.
var (
	// ErrBusy reports that the peripheral is engaged in another operation.
	ErrBusy = errors.New("busy")

	// ErrTimeout reports that a bounded wait ran out of time.
	ErrTimeout = errors.New("timeout")

	// ErrTransfer reports a transfer error signalled by the hardware.
	ErrTransfer = errors.New("transfer error")

	// ErrInvalidConfig reports a malformed configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrUnknownController reports an instance address that matches no
	// registered controller.
	ErrUnknownController = errors.New("unknown controller")

	// ErrNotInitialized reports use of a handle before Init.
	ErrNotInitialized = errors.New("not initialized")
)
