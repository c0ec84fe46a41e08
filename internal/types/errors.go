package types

import "errors"

// Sentinel errors for telemetryd operations.
var (
	// ErrNotFound indicates a store key has never been written.
	ErrNotFound = errors.New("not found")

	// ErrStoreUnavailable indicates the persistent store could not be read or written.
	ErrStoreUnavailable = errors.New("telemetry store unavailable")

	// ErrInvalidOptIn indicates an unrecognised consent value.
	ErrInvalidOptIn = errors.New("invalid opt-in value")

	// ErrInvalidClientID indicates a client ID that is not a UUID.
	ErrInvalidClientID = errors.New("invalid client ID")

	// ErrDisposed indicates use of a client after Dispose.
	ErrDisposed = errors.New("telemetry client disposed")
)
