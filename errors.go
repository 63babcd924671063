package pumplink

import "pumplink/internal/bterr"

// Error kinds returned by this library. Match with errors.Is; every
// error a public call returns wraps exactly one of these.
var (
	// ErrInvalidState reports API misuse: starting discovery while a
	// session is active, operating on a closed Client, sending on an
	// unconnected Device.
	ErrInvalidState = bterr.ErrInvalidState

	// ErrIO reports socket or system call failures, and daemon objects
	// missing an expected property.
	ErrIO = bterr.ErrIO

	// ErrBus reports a failure reported by the Bluetooth daemon or a
	// malformed reply; the underlying D-Bus error stays in the chain.
	ErrBus = bterr.ErrBus

	// ErrCancelled reports an operation aborted by Disconnect,
	// StopDiscovery, CancelSend/CancelReceive or a daemon-side
	// cancellation. Hosts with cooperative cancellation should map it
	// to their runtime's cancellation signal.
	ErrCancelled = bterr.ErrCancelled

	// ErrInvalidArgument reports a malformed address, an out-of-range
	// discovery duration, or empty SDP record strings.
	ErrInvalidArgument = bterr.ErrInvalidArgument
)
