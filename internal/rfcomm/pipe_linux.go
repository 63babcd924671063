package rfcomm

import (
	"fmt"

	"golang.org/x/sys/unix"

	"pumplink/internal/bterr"
)

// cancelToken is a self-pipe used to wake a blocked poll from another
// goroutine. Cancel writes a byte to the pipe; a poll that includes the
// read end in its fd set then reports it readable. Reset drains any
// stale bytes so an old cancellation cannot abort a new operation.
//
// Both pipe ends are non-blocking: the read end so Reset can drain
// until EAGAIN, the write end so Cancel never blocks on a full pipe.
type cancelToken struct {
	r, w int
}

func newCancelToken() (*cancelToken, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("%w: create cancellation pipe: %v", bterr.ErrIO, err)
	}
	return &cancelToken{r: fds[0], w: fds[1]}, nil
}

// cancel requests cancellation. Safe to call from any goroutine, any
// number of times.
func (t *cancelToken) cancel() {
	// EAGAIN means the pipe already holds unread cancellation bytes,
	// which is just as good as writing another one.
	_, _ = unix.Write(t.w, []byte{1})
}

// reset drains pending cancellation bytes so the token can be reused.
func (t *cancelToken) reset() error {
	var buf [64]byte
	for {
		n, err := unix.Read(t.r, buf[:])
		if n > 0 {
			continue
		}
		switch err {
		case nil, unix.EAGAIN:
			return nil
		case unix.EINTR:
			continue
		default:
			return fmt.Errorf("%w: flush cancellation pipe: %v", bterr.ErrIO, err)
		}
	}
}

// cancelled reports whether a cancellation byte is pending, consuming
// it.
func (t *cancelToken) cancelled() bool {
	var buf [64]byte
	n, _ := unix.Read(t.r, buf[:])
	return n > 0
}

func (t *cancelToken) close() {
	unix.Close(t.r)
	unix.Close(t.w)
}

// waitIO blocks until fd is ready for events, the token is cancelled,
// or an error occurs. EINTR retries the wait.
func waitIO(fd int, events int16, token *cancelToken) error {
	pfds := []unix.PollFd{
		{Fd: int32(token.r), Events: unix.POLLIN},
		{Fd: int32(fd), Events: events},
	}
	for {
		_, err := unix.Poll(pfds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: poll: %v", bterr.ErrIO, err)
		}
		break
	}
	if pfds[0].Revents&(unix.POLLIN|unix.POLLERR) != 0 {
		token.reset()
		return fmt.Errorf("operation aborted: %w", bterr.ErrCancelled)
	}
	if pfds[1].Revents&unix.POLLNVAL != 0 {
		return fmt.Errorf("%w: socket closed during wait", bterr.ErrIO)
	}
	return nil
}
