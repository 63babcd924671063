package rfcomm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"pumplink/internal/bterr"
)

func requireRFCOMM(t *testing.T) {
	t.Helper()
	probe, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		t.Skipf("no RFCOMM socket support: %v", err)
	}
	unix.Close(probe)
}

func TestListenRejectsBadChannel(t *testing.T) {
	_, err := Listen(MaxChannel + 1)
	assert.True(t, errors.Is(err, bterr.ErrInvalidArgument))
}

func TestListenAutoChannel(t *testing.T) {
	requireRFCOMM(t)

	l, err := Listen(0)
	if err != nil {
		t.Skipf("cannot bind RFCOMM listener (missing adapter or capability): %v", err)
	}
	defer l.Close()

	assert.GreaterOrEqual(t, l.Channel(), uint8(1))
	assert.LessOrEqual(t, l.Channel(), uint8(MaxChannel))
}

func TestListenerCloseIdempotent(t *testing.T) {
	requireRFCOMM(t)

	l, err := Listen(0)
	if err != nil {
		t.Skipf("cannot bind RFCOMM listener (missing adapter or capability): %v", err)
	}
	require.NotNil(t, l)
	l.Close()
	l.Close()
}
