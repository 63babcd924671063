// Package bterr defines the error kinds shared across the library.
//
// The kinds are sentinel values so that callers (and the root package,
// which re-exports them) can classify failures with errors.Is without
// depending on error strings.
package bterr

import "errors"

var (
	// ErrInvalidState reports API misuse, such as starting discovery
	// while a session is active or operating on a closed client.
	ErrInvalidState = errors.New("invalid state")

	// ErrIO reports socket, file descriptor or system call failures,
	// including a missing expected property on a D-Bus object.
	ErrIO = errors.New("i/o error")

	// ErrBus reports a failure from the Bluetooth daemon or a
	// malformed reply. The original D-Bus error is wrapped and can be
	// recovered with errors.As.
	ErrBus = errors.New("bus error")

	// ErrCancelled reports an operation aborted by Disconnect,
	// StopDiscovery, CancelSend/CancelReceive, or a daemon-side
	// cancellation.
	ErrCancelled = errors.New("cancelled")

	// ErrInvalidArgument reports a malformed address, an out-of-range
	// discovery duration, or empty SDP record strings.
	ErrInvalidArgument = errors.New("invalid argument")
)
