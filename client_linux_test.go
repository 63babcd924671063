package pumplink

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKindsAreDistinct(t *testing.T) {
	kinds := []error{ErrInvalidState, ErrIO, ErrBus, ErrCancelled, ErrInvalidArgument}
	for i, a := range kinds {
		for j, b := range kinds {
			if i == j {
				continue
			}
			assert.False(t, errors.Is(a, b), "%v must not match %v", a, b)
		}
	}
}

func TestParseAddress(t *testing.T) {
	addr, err := ParseAddress("AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", addr.String())

	_, err = ParseAddress("nope")
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

// newClient skips when the environment cannot provide a daemon and an
// RFCOMM-capable kernel (CI containers, machines without Bluetooth).
func newClient(t *testing.T) *Client {
	t.Helper()
	c, err := New()
	if err != nil {
		t.Skipf("no usable Bluetooth environment: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestClientCloseIdempotent(t *testing.T) {
	c := newClient(t)
	c.Close()
	c.Close()
}

func TestClientMethodsAfterClose(t *testing.T) {
	c := newClient(t)
	c.Close()

	_, err := c.AdapterName()
	assert.True(t, errors.Is(err, ErrInvalidState), "got %v", err)

	err = c.StopDiscovery()
	assert.True(t, errors.Is(err, ErrInvalidState), "got %v", err)

	_, err = c.Device(Address{0xAA, 0xBB, 0xCC, 0x11, 0x22, 0x33})
	assert.True(t, errors.Is(err, ErrInvalidState), "got %v", err)
}

func TestDiscoveryTimeoutFires(t *testing.T) {
	c := newClient(t)

	stopped := make(chan StopReason, 1)
	err := c.StartDiscovery(DiscoveryParams{
		ServiceName:        "pumplink-test",
		ServiceProvider:    "pumplink",
		ServiceDescription: "test session",
		PairingPIN:         "1234",
		Duration:           time.Second,
		OnStopped:          func(r StopReason) { stopped <- r },
		OnFoundPaired:      func(Address) {},
	})
	if err != nil {
		// Registering the agent and profile needs privileges most test
		// environments lack.
		t.Skipf("cannot start discovery here: %v", err)
	}

	select {
	case reason := <-stopped:
		assert.Equal(t, StopReasonTimeout, reason)
	case <-time.After(1500 * time.Millisecond):
		t.Fatal("discovery did not stop within 1.5s of a 1s session")
	}

	// A second stop is a no-op.
	require.NoError(t, c.StopDiscovery())
}

func TestDeviceHandleDoesNotConnect(t *testing.T) {
	c := newClient(t)

	addr, err := ParseAddress("AA:BB:CC:11:22:33")
	require.NoError(t, err)

	dev, err := c.Device(addr)
	require.NoError(t, err)
	assert.Equal(t, DefaultClientChannel, dev.Channel())
	assert.Equal(t, addr, dev.Address())

	// Disconnecting a handle that never connected must not fail.
	dev.Disconnect()
	dev.Close()
}
