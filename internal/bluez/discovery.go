package bluez

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"pumplink/internal/btaddr"
	"pumplink/internal/bterr"
	"pumplink/internal/eventloop"
)

var discoveryLog = logrus.WithField("tag", "Discovery")

// StopReason tells the stopped callback why a discovery session ended.
type StopReason int

const (
	// StopReasonManual: StopDiscovery was called.
	StopReasonManual StopReason = iota
	// StopReasonTimeout: the session's bounded duration elapsed.
	StopReasonTimeout
	// StopReasonError: starting the session failed partway and the
	// partial state was rolled back.
	StopReasonError
)

func (r StopReason) String() string {
	switch r {
	case StopReasonManual:
		return "manually stopped"
	case StopReasonTimeout:
		return "discovery timeout"
	case StopReasonError:
		return "discovery error"
	default:
		return fmt.Sprintf("stop reason %d", int(r))
	}
}

// DiscoveryParams configures one discovery session.
type DiscoveryParams struct {
	// ServiceName, ServiceProvider and ServiceDescription fill the
	// advertised SPP record; all three must be non-empty.
	ServiceName        string
	ServiceProvider    string
	ServiceDescription string

	// PairingPIN is the fixed PIN the agent answers with.
	PairingPIN string

	// Duration bounds the session; it must be between 1 and 300
	// seconds. The session stops itself when it elapses.
	Duration time.Duration

	// OnStopped is invoked (on the worker loop) when the session ends
	// for any reason.
	OnStopped func(StopReason)

	// OnFoundPaired is invoked (on the worker loop) once per newly
	// observed paired device. Required.
	OnFoundPaired func(btaddr.Address)
}

// Discovery composes the agent, the SDP record and the adapter scan
// into one bounded pairing session, deduplicating the daemon's noisy
// device feed into at-most-once found/gone notifications.
//
// All methods run on the worker loop.
type Discovery struct {
	loop    *eventloop.Loop
	agent   *Agent
	sdp     *SDPService
	adapter *Adapter

	// channel is the RFCOMM channel the listener owns; the SDP record
	// advertises it.
	channel uint8

	// filter yields the current device filter; may be nil in tests.
	filter func() btaddr.Filter

	// gone is invoked when a device observed as paired transitions to
	// unpaired during the session.
	gone func(btaddr.Address)

	active    bool
	timer     *eventloop.Timer
	observed  btaddr.Set
	onStopped func(StopReason)
	onFound   func(btaddr.Address)
}

// NewDiscovery creates the orchestrator. channel is the RFCOMM channel
// to advertise; filter yields the current device filter; gone receives
// paired-to-unpaired transitions.
func NewDiscovery(loop *eventloop.Loop, agent *Agent, sdp *SDPService, adapter *Adapter, channel uint8, filter func() btaddr.Filter, gone func(btaddr.Address)) *Discovery {
	return &Discovery{
		loop:    loop,
		agent:   agent,
		sdp:     sdp,
		adapter: adapter,
		channel: channel,
		filter:  filter,
		gone:    gone,
	}
}

// Active reports whether a session is running.
func (d *Discovery) Active() bool {
	return d.active
}

// Start begins a discovery session: agent first, then the SDP record,
// then the adapter scan, in that order. Any failure rolls the already
// completed steps back in reverse and reports StopReasonError through
// OnStopped.
func (d *Discovery) Start(p DiscoveryParams) error {
	if d.active {
		return fmt.Errorf("%w: discovery already started", bterr.ErrInvalidState)
	}
	if p.Duration < time.Second || p.Duration > 300*time.Second {
		return fmt.Errorf("%w: discovery duration %v outside [1s, 300s]", bterr.ErrInvalidArgument, p.Duration)
	}
	if p.OnFoundPaired == nil {
		return fmt.Errorf("%w: OnFoundPaired callback is required", bterr.ErrInvalidArgument)
	}

	// Undo steps accumulate as they complete and run in reverse on
	// failure, so a half-started session never leaks registrations.
	var undo []func()
	fail := func(err error) error {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		d.invokeStopped(p.OnStopped, StopReasonError)
		return err
	}

	timer := d.loop.After(p.Duration, func() {
		discoveryLog.Debug("discovery timeout reached; stopping discovery")
		d.stop(StopReasonTimeout)
	})
	undo = append(undo, timer.Stop)

	if err := d.agent.Register(p.PairingPIN); err != nil {
		return fail(err)
	}
	undo = append(undo, d.agent.Unregister)

	if err := d.sdp.Register(p.ServiceName, p.ServiceProvider, p.ServiceDescription, d.channel); err != nil {
		return fail(err)
	}
	undo = append(undo, d.sdp.Unregister)

	if err := d.adapter.StartDiscovery(d.deviceSeen); err != nil {
		return fail(err)
	}

	d.active = true
	d.timer = timer
	d.observed = make(btaddr.Set)
	d.onStopped = p.OnStopped
	d.onFound = p.OnFoundPaired

	discoveryLog.Trace("discovery session started")
	return nil
}

// Stop ends the session because the application asked for it.
// Idempotent.
func (d *Discovery) Stop() {
	d.stop(StopReasonManual)
}

func (d *Discovery) stop(reason StopReason) {
	if !d.active {
		return
	}
	d.active = false

	d.timer.Stop()
	d.timer = nil

	// Teardown reverses the startup order.
	d.adapter.StopDiscovery()
	d.sdp.Unregister()
	d.agent.Unregister()

	onStopped := d.onStopped
	d.onStopped = nil
	d.onFound = nil
	d.observed = nil

	d.invokeStopped(onStopped, reason)
	discoveryLog.Tracef("discovery session stopped (%v)", reason)
}

func (d *Discovery) invokeStopped(fn func(StopReason), reason StopReason) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			discoveryLog.Errorf("discovery-stopped callback panicked: %v", r)
		}
	}()
	fn(reason)
}

// deviceSeen is the adapter's sink during a session. It reduces the
// repeated and out-of-order daemon notifications to one found event
// per paired device, and turns a paired-to-unpaired transition into a
// gone event.
func (d *Discovery) deviceSeen(addr btaddr.Address, paired bool) {
	if !d.active {
		return
	}
	if d.filter != nil && !d.filter().Accepts(addr) {
		return
	}

	if !paired {
		if d.observed.Contains(addr) {
			d.observed.Remove(addr)
			discoveryLog.Debugf("device %s is no longer paired", addr)
			if d.gone != nil {
				d.gone(addr)
			}
		}
		return
	}

	if d.observed.Contains(addr) {
		return
	}
	d.observed.Add(addr)

	discoveryLog.Debugf("found new paired device %s", addr)
	defer func() {
		if r := recover(); r != nil {
			discoveryLog.Errorf("found-paired callback panicked: %v", r)
		}
	}()
	d.onFound(addr)
}
