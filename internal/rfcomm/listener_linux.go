package rfcomm

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"pumplink/internal/bterr"
)

var listenerLog = logrus.WithField("tag", "RfcommListener")

// Listener is an RFCOMM server socket. It exists to own a channel
// number that the SDP record can advertise; incoming connections are
// accepted and immediately closed.
type Listener struct {
	fd      int
	channel uint8

	closeOnce sync.Once
	drained   chan struct{}
}

// Listen binds an RFCOMM server socket to any local adapter on the
// requested channel and starts draining incoming connections. Channel 0
// lets the kernel pick a free channel; Channel reports the result.
func Listen(channel uint8) (*Listener, error) {
	if channel > MaxChannel {
		return nil, fmt.Errorf("%w: RFCOMM channel %d out of range", bterr.ErrInvalidArgument, channel)
	}

	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, fmt.Errorf("%w: create RFCOMM listener socket: %v", bterr.ErrIO, err)
	}
	ok := false
	defer func() {
		if !ok {
			unix.Close(fd)
		}
	}()

	// The zero Addr is BDADDR_ANY: accept from any local adapter.
	sa := &unix.SockaddrRFCOMM{Channel: channel}
	if err := unix.Bind(fd, sa); err != nil {
		return nil, fmt.Errorf("%w: bind RFCOMM listener socket: %v", bterr.ErrIO, err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		return nil, fmt.Errorf("%w: listen on RFCOMM socket: %v", bterr.ErrIO, err)
	}

	// The kernel does not commit a dynamically picked channel until the
	// socket is listening, so query it only now.
	if channel == 0 {
		name, err := unix.Getsockname(fd)
		if err != nil {
			return nil, fmt.Errorf("%w: query assigned RFCOMM channel: %v", bterr.ErrIO, err)
		}
		rc, isRfcomm := name.(*unix.SockaddrRFCOMM)
		if !isRfcomm || rc.Channel < 1 {
			return nil, fmt.Errorf("%w: kernel did not assign an RFCOMM channel", bterr.ErrIO)
		}
		channel = rc.Channel
		listenerLog.Infof("using dynamically picked RFCOMM channel %d", channel)
	} else {
		listenerLog.Infof("using specified RFCOMM channel %d", channel)
	}

	l := &Listener{fd: fd, channel: channel, drained: make(chan struct{})}
	go l.drain()
	ok = true
	return l, nil
}

// Channel returns the channel the listener is bound to; always >= 1.
func (l *Listener) Channel() uint8 {
	return l.channel
}

// drain accepts and discards incoming connections. The listener socket
// only exists so that the advertised channel stays reserved; client
// connections are not served.
func (l *Listener) drain() {
	defer close(l.drained)
	for {
		nfd, _, err := unix.Accept(l.fd)
		if err == unix.EINTR || err == unix.ECONNABORTED {
			continue
		}
		if err != nil {
			// Close shuts the socket down, which surfaces here.
			return
		}
		listenerLog.Debug("closing accepted RFCOMM connection (client connections are not served)")
		unix.Close(nfd)
	}
}

// Close stops the listener and waits for the drain goroutine to exit.
// Idempotent.
func (l *Listener) Close() {
	l.closeOnce.Do(func() {
		// Shutdown wakes the blocked accept; only then is the fd safe
		// to close.
		_ = unix.Shutdown(l.fd, unix.SHUT_RDWR)
		<-l.drained
		unix.Close(l.fd)
	})
}
