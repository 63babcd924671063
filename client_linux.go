package pumplink

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"pumplink/internal/bluez"
	"pumplink/internal/btaddr"
	"pumplink/internal/bterr"
	"pumplink/internal/eventloop"
	"pumplink/internal/rfcomm"
)

var log = logrus.WithField("tag", "PumpLink")

// Address is a 6-byte Bluetooth device address in printed byte order.
type Address = btaddr.Address

// ParseAddress converts "AA:BB:CC:DD:EE:FF" to an Address.
func ParseAddress(s string) (Address, error) {
	return btaddr.Parse(s)
}

// Filter decides whether a device address is acceptable; nil accepts
// everything. It applies to both pairing authorization and the
// discovery feed.
type Filter = btaddr.Filter

// StopReason tells the stopped callback why a discovery session ended.
type StopReason = bluez.StopReason

// Discovery stop reasons.
const (
	StopReasonManual  = bluez.StopReasonManual
	StopReasonTimeout = bluez.StopReasonTimeout
	StopReasonError   = bluez.StopReasonError
)

// DiscoveryParams configures one discovery session.
type DiscoveryParams = bluez.DiscoveryParams

// Device is a bidirectional RFCOMM byte stream to one peripheral.
// Connect, Send and Receive block the calling goroutine; Disconnect,
// CancelSend and CancelReceive are safe from any goroutine and abort
// the corresponding blocked call.
type Device = rfcomm.Conn

// DefaultClientChannel is the RFCOMM channel used for outgoing
// connections to the targeted peripheral family. Channel 1 is the one
// that works reliably with it; use DeviceOnChannel for peripherals
// that expect a different channel.
const DefaultClientChannel uint8 = 1

// Client is the single entry point of the library. It owns the bus
// session, the worker loop and the Bluetooth control-plane components.
type Client struct {
	loop     *eventloop.Loop
	sess     *bluez.Session
	listener *rfcomm.Listener
	agent    *bluez.Agent
	sdp      *bluez.SDPService
	adapter  *bluez.Adapter
	disc     *bluez.Discovery

	mu         sync.Mutex
	closed     bool
	onUnpaired func(Address)
	stopHook   func()
}

// New establishes the bus connection, reserves an RFCOMM channel for
// the SDP record, starts the worker loop and locates the Bluetooth
// adapter. On failure, nothing is left running.
func New() (*Client, error) {
	loop := eventloop.New()
	loop.Start()

	sess, err := bluez.Connect(loop)
	if err != nil {
		loop.Stop()
		return nil, err
	}

	// The listener only exists so the SDP record has a channel number
	// to advertise; channel 0 lets the kernel pick a free one.
	listener, err := rfcomm.Listen(0)
	if err != nil {
		sess.Close()
		loop.Stop()
		return nil, err
	}

	c := &Client{
		loop:     loop,
		sess:     sess,
		listener: listener,
	}
	c.agent = bluez.NewAgent(sess)
	c.sdp = bluez.NewSDPService(sess)
	c.adapter = bluez.NewAdapter(sess)
	c.adapter.OnDeviceGone(c.dispatchUnpaired)
	c.disc = bluez.NewDiscovery(loop, c.agent, c.sdp, c.adapter, listener.Channel(),
		c.adapter.Filter, c.dispatchUnpaired)
	loop.OnStop(c.loopStopping)

	// The adapter stays up for the Client's whole lifetime (not just
	// during discovery) so unpaired devices are noticed at any time.
	if err := loop.Run(c.adapter.Setup); err != nil {
		loop.Stop()
		listener.Close()
		sess.Close()
		return nil, err
	}

	log.Trace("client set up")
	return c, nil
}

// loopStopping runs on the worker loop as it exits: the adapter is
// torn down there because its state belongs to that goroutine, then
// the host's last-chance hook runs.
func (c *Client) loopStopping() {
	c.adapter.Teardown()

	c.mu.Lock()
	hook := c.stopHook
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
}

// Close stops any discovery session, shuts the worker loop down and
// releases the listener and the bus connection. Idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	log.Trace("starting teardown")
	_ = c.loop.Run(func() error { c.disc.Stop(); return nil })
	c.loop.Stop()
	c.listener.Close()
	c.sess.Close()
	log.Trace("client torn down")
}

func (c *Client) guard() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("%w: client is closed", bterr.ErrInvalidState)
	}
	return nil
}

// OnLoopStopping installs a hook that runs on the worker loop
// goroutine just before it exits. Host language bindings use this to
// detach per-thread runtime state.
func (c *Client) OnLoopStopping(hook func()) {
	c.mu.Lock()
	c.stopHook = hook
	c.mu.Unlock()
}

// SetFilter installs the device filter for the pairing agent and the
// discovery feed. A nil filter accepts every device.
func (c *Client) SetFilter(f Filter) error {
	if err := c.guard(); err != nil {
		return err
	}
	return c.loop.Run(func() error {
		c.adapter.SetFilter(f)
		c.agent.SetFilter(f)
		return nil
	})
}

// OnDeviceUnpaired installs the callback invoked (on the worker loop)
// when a device disappears from the daemon or loses its paired status
// during discovery.
func (c *Client) OnDeviceUnpaired(fn func(Address)) error {
	if err := c.guard(); err != nil {
		return err
	}
	return c.loop.Run(func() error {
		c.mu.Lock()
		c.onUnpaired = fn
		c.mu.Unlock()
		return nil
	})
}

func (c *Client) dispatchUnpaired(addr Address) {
	c.mu.Lock()
	fn := c.onUnpaired
	c.mu.Unlock()
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("unpaired callback panicked: %v", r)
		}
	}()
	fn(addr)
}

// AdapterName returns the Bluetooth adapter's friendly name.
func (c *Client) AdapterName() (string, error) {
	if err := c.guard(); err != nil {
		return "", err
	}
	var name string
	err := c.loop.Run(func() error {
		var err error
		name, err = c.adapter.Name()
		return err
	})
	return name, err
}

// PairedAddresses returns the addresses the daemon currently reports
// as paired, in stable order.
func (c *Client) PairedAddresses() ([]Address, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	var addrs []Address
	err := c.loop.Run(func() error {
		set, err := c.adapter.PairedAddresses()
		if err != nil {
			return err
		}
		addrs = set.Sorted()
		return nil
	})
	return addrs, err
}

// StartDiscovery begins a bounded discovery session. It fails with
// ErrInvalidState while a session is active; a failure partway through
// startup rolls back cleanly and reports StopReasonError through the
// stopped callback.
func (c *Client) StartDiscovery(p DiscoveryParams) error {
	if err := c.guard(); err != nil {
		return err
	}
	return c.loop.Run(func() error { return c.disc.Start(p) })
}

// StopDiscovery ends the current discovery session, if any.
// Idempotent.
func (c *Client) StopDiscovery() error {
	if err := c.guard(); err != nil {
		return err
	}
	return c.loop.Run(func() error { c.disc.Stop(); return nil })
}

// Unpair removes the device with the given address from the daemon's
// bonding store. Unknown addresses are a silent no-op.
func (c *Client) Unpair(addr Address) error {
	if err := c.guard(); err != nil {
		return err
	}
	return c.loop.Run(func() error { return c.adapter.RemoveDevice(addr) })
}

// Device returns an unconnected RFCOMM stream handle bound to the
// given address on DefaultClientChannel. It does not connect.
func (c *Client) Device(addr Address) (*Device, error) {
	return c.DeviceOnChannel(addr, DefaultClientChannel)
}

// DeviceOnChannel is Device with an explicit RFCOMM channel, for
// peripheral families that do not use channel 1.
func (c *Client) DeviceOnChannel(addr Address, channel uint8) (*Device, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	return rfcomm.NewConn(addr, channel)
}
