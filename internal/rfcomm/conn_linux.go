package rfcomm

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"pumplink/internal/btaddr"
	"pumplink/internal/bterr"
)

var connLog = logrus.WithField("tag", "RfcommConnection")

// Conn is an outgoing RFCOMM connection to one remote device. Connect,
// Send and Receive block the calling goroutine; Disconnect, CancelSend
// and CancelReceive may be called from any goroutine and abort those
// blocked calls. All other use must stay on a single goroutine.
type Conn struct {
	addr    btaddr.Address
	channel uint8

	// fd holds the connected socket, -1 otherwise. It is swapped out
	// atomically so Disconnect can close it without taking mu, which
	// an in-flight Connect holds for its whole duration.
	fd atomic.Int64

	// connectToken wakes the poll inside a blocked Connect.
	connectToken *cancelToken
	sendToken    *cancelToken
	recvToken    *cancelToken

	// mu serializes Connect against Disconnect. Disconnect must write
	// the connect token BEFORE taking mu; see disconnect.
	mu           sync.Mutex
	connDone     *sync.Cond
	connecting   bool
	shuttingDown bool
}

// NewConn creates an unconnected Conn bound to the given address and
// channel. It fails only if the internal pipes cannot be created.
func NewConn(addr btaddr.Address, channel uint8) (*Conn, error) {
	if channel < 1 || channel > MaxChannel {
		return nil, fmt.Errorf("%w: RFCOMM channel %d out of range", bterr.ErrInvalidArgument, channel)
	}

	var tokens [3]*cancelToken
	for i := range tokens {
		t, err := newCancelToken()
		if err != nil {
			for _, prev := range tokens[:i] {
				prev.close()
			}
			return nil, err
		}
		tokens[i] = t
	}

	c := &Conn{
		addr:         addr,
		channel:      channel,
		connectToken: tokens[0],
		sendToken:    tokens[1],
		recvToken:    tokens[2],
	}
	c.fd.Store(-1)
	c.connDone = sync.NewCond(&c.mu)
	return c, nil
}

// Address returns the remote device address this Conn is bound to.
func (c *Conn) Address() btaddr.Address { return c.addr }

// Channel returns the RFCOMM channel this Conn connects to.
func (c *Conn) Channel() uint8 { return c.channel }

// Connect establishes the RFCOMM connection. It blocks until the
// connection is up, fails, or a concurrent Disconnect aborts it (in
// which case the error is ErrCancelled). During a shutdown it returns
// nil without connecting.
func (c *Conn) Connect() error {
	// mu is held for the entire attempt. Disconnect wakes the poll
	// below by writing to the connect token before it tries to take
	// mu, then waits on connDone until the attempt has unwound.
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.shuttingDown {
		connLog.Debug("not connecting; connection is shutting down")
		return nil
	}
	if c.fd.Load() >= 0 {
		return fmt.Errorf("%w: already connected", bterr.ErrInvalidState)
	}

	// Drop cancellation bytes left over from an earlier Disconnect so
	// they cannot abort this fresh attempt.
	if err := c.connectToken.reset(); err != nil {
		return err
	}

	c.connecting = true
	defer func() {
		c.connecting = false
		c.connDone.Broadcast()
	}()

	connLog.Debugf("attempting to open RFCOMM connection to %s on channel %d", c.addr, c.channel)

	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		return fmt.Errorf("%w: create RFCOMM socket: %v", bterr.ErrIO, err)
	}
	adopted := false
	defer func() {
		if !adopted {
			unix.Close(fd)
		}
	}()

	// Non-blocking so the connect starts in the background and we can
	// wait for it and the cancellation pipe at the same time.
	if err := unix.SetNonblock(fd, true); err != nil {
		return fmt.Errorf("%w: set socket non-blocking: %v", bterr.ErrIO, err)
	}

	sa := &unix.SockaddrRFCOMM{Addr: c.addr.Reversed(), Channel: c.channel}
	if err := unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
		return fmt.Errorf("%w: connect RFCOMM socket: %v", bterr.ErrIO, err)
	}

	// Wait for the connect to finish or for Disconnect to fire the
	// token, retrying on signal interruption.
	pfds := []unix.PollFd{
		{Fd: int32(c.connectToken.r), Events: unix.POLLIN},
		{Fd: int32(fd), Events: unix.POLLOUT},
	}
	for {
		_, err := unix.Poll(pfds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: poll during connect: %v", bterr.ErrIO, err)
		}
		break
	}

	if pfds[0].Revents&(unix.POLLIN|unix.POLLERR) != 0 {
		c.connectToken.reset()
		connLog.Debug("connection attempt aborted by disconnect")
		return fmt.Errorf("connection attempt aborted: %w", bterr.ErrCancelled)
	}

	if pfds[1].Revents&(unix.POLLOUT|unix.POLLERR|unix.POLLHUP) != 0 {
		// Writability alone does not mean the connect succeeded; check
		// the pending socket error, then verify a usable peer exists.
		soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			return fmt.Errorf("%w: query socket error: %v", bterr.ErrIO, err)
		}
		if soErr != 0 {
			return fmt.Errorf("%w: connection attempt failed: %v", bterr.ErrIO, unix.Errno(soErr))
		}
		if _, err := unix.Getpeername(fd); err != nil {
			return fmt.Errorf("%w: connection attempt failed: %v", bterr.ErrIO, err)
		}
	}

	if err := unix.SetNonblock(fd, false); err != nil {
		return fmt.Errorf("%w: restore blocking mode: %v", bterr.ErrIO, err)
	}

	adopted = true
	c.fd.Store(int64(fd))
	connLog.Infof("opened RFCOMM connection to %s on channel %d", c.addr, c.channel)
	return nil
}

// Disconnect aborts an in-flight Connect, cancels blocked Send and
// Receive calls, and releases the socket. It is safe from any
// goroutine, is idempotent, and never fails, including on a Conn that
// was never connected. The Conn may be connected again afterwards.
func (c *Conn) Disconnect() {
	c.disconnect(false)
}

// Close disconnects and releases the Conn's internal pipes. The Conn
// must not be used afterwards. A Connect already in progress when Close
// runs fails with ErrCancelled; one that takes the lock after Close
// returns nil without connecting.
func (c *Conn) Close() {
	c.disconnect(true)
	c.connectToken.close()
	c.sendToken.close()
	c.recvToken.close()
}

func (c *Conn) disconnect(shutdown bool) {
	connLog.Trace("disconnecting RFCOMM connection")

	c.sendToken.cancel()
	c.recvToken.cancel()

	if fd := c.fd.Swap(-1); fd >= 0 {
		unix.Close(int(fd))
	}

	// Wake a poll inside Connect BEFORE taking mu. Connect holds mu
	// across its poll, so taking the lock first would wait on a poll
	// that only this write can wake: a deadlock.
	c.connectToken.cancel()

	c.mu.Lock()
	if shutdown {
		c.shuttingDown = true
	}
	for c.connecting {
		c.connDone.Wait()
	}
	c.mu.Unlock()

	connLog.Trace("RFCOMM connection disconnected")
}

// Send writes all of p to the connection. It returns ErrCancelled if
// CancelSend or Disconnect aborts it, ErrIO on any other failure, and
// nil only once every byte has been handed to the kernel.
func (c *Conn) Send(p []byte) error {
	fd := int(c.fd.Load())
	if fd < 0 {
		return fmt.Errorf("%w: not connected", bterr.ErrInvalidState)
	}
	if err := c.sendToken.reset(); err != nil {
		return err
	}

	total := len(p)
	for len(p) > 0 {
		if err := waitIO(fd, unix.POLLOUT, c.sendToken); err != nil {
			return err
		}
		// MSG_DONTWAIT keeps a full send buffer from blocking inside the
		// syscall, where the send token could not wake it; the socket
		// itself stays in blocking mode.
		n, err := unix.SendmsgN(fd, p, nil, nil, unix.MSG_DONTWAIT)
		switch err {
		case nil:
		case unix.EINTR, unix.EAGAIN:
			continue
		default:
			return fmt.Errorf("%w: send %d byte(s): %v", bterr.ErrIO, total, err)
		}
		p = p[n:]
		connLog.Tracef("sent %d byte(s); remaining: %d", n, len(p))
	}
	return nil
}

// Receive reads up to len(p) bytes, blocking until at least one byte
// arrives, the peer closes (n == 0), cancellation (ErrCancelled), or
// an I/O failure (ErrIO). Partial reads are normal.
func (c *Conn) Receive(p []byte) (int, error) {
	fd := int(c.fd.Load())
	if fd < 0 {
		return 0, fmt.Errorf("%w: not connected", bterr.ErrInvalidState)
	}
	if err := c.recvToken.reset(); err != nil {
		return 0, err
	}

	for {
		if err := waitIO(fd, unix.POLLIN, c.recvToken); err != nil {
			return 0, err
		}
		n, err := unix.Read(fd, p)
		switch err {
		case nil:
			connLog.Tracef("received %d byte(s); requested: max %d", n, len(p))
			return n, nil
		case unix.EINTR, unix.EAGAIN:
			continue
		default:
			return 0, fmt.Errorf("%w: receive: %v", bterr.ErrIO, err)
		}
	}
}

// CancelSend aborts a blocked Send from any goroutine.
func (c *Conn) CancelSend() {
	c.sendToken.cancel()
}

// CancelReceive aborts a blocked Receive from any goroutine.
func (c *Conn) CancelReceive() {
	c.recvToken.cancel()
}
