// Package rfcomm implements RFCOMM stream sockets on Linux: a server
// socket whose only job is to own a channel number for the SDP record,
// and a client connection with a blocking connect/send/receive API that
// can be cancelled from any goroutine.
package rfcomm

const (
	// MaxChannel is the highest RFCOMM channel number.
	MaxChannel = 30

	// listenBacklog bounds pending incoming connections; accepted
	// connections are closed immediately, so a tiny backlog suffices.
	listenBacklog = 2
)
