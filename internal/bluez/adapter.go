package bluez

import (
	"fmt"

	dbus "github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"pumplink/internal/btaddr"
	"pumplink/internal/bterr"
)

var adapterLog = logrus.WithField("tag", "BluezAdapter")

// DeviceSeenFunc is invoked when a device shows up or its paired state
// changes. paired reflects the daemon's current view.
type DeviceSeenFunc func(addr btaddr.Address, paired bool)

// DeviceGoneFunc is invoked when a previously known device disappears
// from the daemon (its Device1 interface was removed). It may fire more
// than once for the same device across sessions; consumers must treat
// unknown addresses as a no-op.
type DeviceGoneFunc func(addr btaddr.Address)

// Adapter observes the local Bluetooth radio through the daemon: it
// tracks the address<->object-path relation for every announced device,
// starts and stops scanning, and removes (unpairs) devices.
//
// Apart from construction, every method must run on the worker loop.
type Adapter struct {
	sess *Session
	path dbus.ObjectPath

	// byAddr and byPath form a bijection over the devices the daemon
	// currently announces.
	byAddr map[btaddr.Address]dbus.ObjectPath
	byPath map[dbus.ObjectPath]btaddr.Address

	filter btaddr.Filter

	onSeen DeviceSeenFunc
	onGone DeviceGoneFunc

	subIDs      []int
	discovering bool
}

// NewAdapter creates an adapter observer; Setup must run before use.
func NewAdapter(sess *Session) *Adapter {
	return &Adapter{
		sess:   sess,
		byAddr: make(map[btaddr.Address]dbus.ObjectPath),
		byPath: make(map[dbus.ObjectPath]btaddr.Address),
	}
}

// Setup locates the first adapter object the daemon manages and
// subscribes to the device lifecycle signals.
func (a *Adapter) Setup() error {
	if a.path != "" {
		return fmt.Errorf("%w: adapter already set up", bterr.ErrInvalidState)
	}

	objs, err := a.sess.ManagedObjects()
	if err != nil {
		return err
	}
	for path, ifaces := range objs {
		if _, ok := ifaces[adapterIface]; ok {
			a.path = path
			adapterLog.Tracef("found adapter object path %s", path)
			break
		}
	}
	if a.path == "" {
		return fmt.Errorf("%w: no Bluetooth adapter found", bterr.ErrIO)
	}

	ok := false
	defer func() {
		if !ok {
			a.Teardown()
		}
	}()

	for _, sub := range []struct {
		iface, member string
		fn            func(*dbus.Signal)
	}{
		{objManagerIface, "InterfacesAdded", a.interfacesAdded},
		{objManagerIface, "InterfacesRemoved", a.interfacesRemoved},
		{propsIface, "PropertiesChanged", a.propertiesChanged},
	} {
		id, err := a.sess.Subscribe(sub.iface, sub.member, sub.fn)
		if err != nil {
			return err
		}
		a.subIDs = append(a.subIDs, id)
	}

	ok = true
	adapterLog.Trace("adapter set up")
	return nil
}

// Teardown stops discovery, drops the signal subscriptions and clears
// the device map. Idempotent.
func (a *Adapter) Teardown() {
	a.StopDiscovery()
	for _, id := range a.subIDs {
		a.sess.Unsubscribe(id)
	}
	a.subIDs = nil
	a.byAddr = make(map[btaddr.Address]dbus.ObjectPath)
	a.byPath = make(map[dbus.ObjectPath]btaddr.Address)
	a.path = ""
	adapterLog.Trace("adapter torn down")
}

// SetFilter installs the device filter consulted before the seen
// callback fires.
func (a *Adapter) SetFilter(f btaddr.Filter) {
	a.filter = f
}

// Filter returns the currently installed device filter.
func (a *Adapter) Filter() btaddr.Filter {
	return a.filter
}

// OnDeviceGone installs the callback for devices the daemon forgets.
func (a *Adapter) OnDeviceGone(fn DeviceGoneFunc) {
	a.onGone = fn
}

// StartDiscovery begins scanning and replays the devices the daemon
// already knows through the seen callback. The callback is replaced
// even if scanning is already active.
func (a *Adapter) StartDiscovery(onSeen DeviceSeenFunc) error {
	a.onSeen = onSeen

	if a.discovering {
		adapterLog.Debug("discovery already ongoing")
		return nil
	}

	if call := a.sess.Object(a.path).Call(adapterIface+".StartDiscovery", 0); call.Err != nil {
		return wrapBusError(call.Err, "start discovery")
	}

	objs, err := a.sess.ManagedObjects()
	if err != nil {
		// Scanning started but the sweep failed; stop again so the
		// radio is not left scanning for a session that never began.
		a.sendStopDiscovery()
		return err
	}
	for path, ifaces := range objs {
		a.processAdded(path, ifaces)
	}

	a.discovering = true
	adapterLog.Trace("discovery started")
	return nil
}

// StopDiscovery stops scanning. Daemon-side errors are logged, not
// returned; the scan may legitimately have ended on its own.
func (a *Adapter) StopDiscovery() {
	if !a.discovering {
		return
	}
	a.sendStopDiscovery()
	a.discovering = false
	adapterLog.Trace("discovery stopped")
}

func (a *Adapter) sendStopDiscovery() {
	if call := a.sess.Object(a.path).Call(adapterIface+".StopDiscovery", 0); call.Err != nil {
		adapterLog.Warnf("could not stop discovery: %v", call.Err)
	}
}

// RemoveDevice asks the daemon to forget the device with the given
// address, unpairing it. Unknown addresses are a silent no-op.
func (a *Adapter) RemoveDevice(addr btaddr.Address) error {
	path, known := a.byAddr[addr]
	if !known {
		adapterLog.Debugf("no device with address %s known; nothing to remove", addr)
		return nil
	}

	adapterLog.Debugf("removing device with address %s and object path %s", addr, path)
	if call := a.sess.Object(a.path).Call(adapterIface+".RemoveDevice", 0, path); call.Err != nil {
		adapterLog.Warnf("could not remove device %s: %v", addr, call.Err)
	}

	delete(a.byAddr, addr)
	delete(a.byPath, path)
	return nil
}

// Name returns the adapter's friendly name. A missing or non-string
// Name property is an ErrIO, matching the adapter being unusable.
func (a *Adapter) Name() (string, error) {
	var v dbus.Variant
	call := a.sess.Object(a.path).Call(propsIface+".Get", 0, adapterIface, "Name")
	if call.Err != nil {
		return "", fmt.Errorf("%w: adapter object has no Name property: %v", bterr.ErrIO, call.Err)
	}
	if err := call.Store(&v); err != nil {
		return "", fmt.Errorf("%w: decode adapter Name property: %v", bterr.ErrIO, err)
	}
	name, isString := v.Value().(string)
	if !isString {
		return "", fmt.Errorf("%w: adapter Name property is not a string", bterr.ErrIO)
	}
	adapterLog.Debugf("got friendly name for Bluetooth adapter: %q", name)
	return name, nil
}

// PairedAddresses enumerates the devices the daemon currently reports
// as paired.
func (a *Adapter) PairedAddresses() (btaddr.Set, error) {
	objs, err := a.sess.ManagedObjects()
	if err != nil {
		return nil, err
	}
	paired := make(btaddr.Set)
	for _, ifaces := range objs {
		props, isDevice := ifaces[deviceIface]
		if !isDevice {
			continue
		}
		addr, ok := deviceAddress(props)
		if !ok {
			continue
		}
		if p, ok := props["Paired"].Value().(bool); ok && p {
			paired.Add(addr)
		}
	}
	return paired, nil
}

func deviceAddress(props map[string]dbus.Variant) (btaddr.Address, bool) {
	v, present := props["Address"]
	if !present {
		return btaddr.Address{}, false
	}
	s, isString := v.Value().(string)
	if !isString {
		return btaddr.Address{}, false
	}
	addr, err := btaddr.Parse(s)
	if err != nil {
		adapterLog.Errorf("invalid Bluetooth address %q", s)
		return btaddr.Address{}, false
	}
	return addr, true
}

// processAdded records a device announced with the Device1 interface
// and feeds it to the seen callback. Used both for InterfacesAdded
// signals and for the initial sweep over managed objects.
func (a *Adapter) processAdded(path dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant) {
	props, isDevice := ifaces[deviceIface]
	if !isDevice {
		return
	}
	addr, ok := deviceAddress(props)
	if !ok {
		return
	}
	paired, _ := props["Paired"].Value().(bool)

	adapterLog.Debugf("found Bluetooth device: object path %s, address %s, paired %v", path, addr, paired)

	// Keep the address<->path relation a bijection: a re-announced
	// device replaces any stale entry on either side.
	if oldPath, existed := a.byAddr[addr]; existed && oldPath != path {
		delete(a.byPath, oldPath)
	}
	if oldAddr, existed := a.byPath[path]; existed && oldAddr != addr {
		delete(a.byAddr, oldAddr)
	}
	a.byAddr[addr] = path
	a.byPath[path] = addr

	a.emitSeen(addr, paired)
}

func (a *Adapter) interfacesAdded(sig *dbus.Signal) {
	if len(sig.Body) < 2 {
		return
	}
	path, _ := sig.Body[0].(dbus.ObjectPath)
	ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
	if path == "" || ifaces == nil {
		return
	}
	a.processAdded(path, ifaces)
}

func (a *Adapter) interfacesRemoved(sig *dbus.Signal) {
	if len(sig.Body) < 2 {
		return
	}
	path, _ := sig.Body[0].(dbus.ObjectPath)
	removed, _ := sig.Body[1].([]string)

	addr, known := a.byPath[path]
	if !known {
		adapterLog.Tracef("no device with object path %s known; ignoring removed interfaces", path)
		return
	}
	for _, iface := range removed {
		if iface != deviceIface {
			continue
		}
		delete(a.byPath, path)
		delete(a.byAddr, addr)
		a.emitGone(addr)
		return
	}
}

func (a *Adapter) propertiesChanged(sig *dbus.Signal) {
	if len(sig.Body) < 2 {
		return
	}
	iface, _ := sig.Body[0].(string)
	changed, _ := sig.Body[1].(map[string]dbus.Variant)
	if iface != deviceIface || changed == nil {
		return
	}

	addr, known := a.byPath[sig.Path]
	if !known {
		adapterLog.Tracef("no device with object path %s known; ignoring property changes", sig.Path)
		return
	}

	v, present := changed["Paired"]
	if !present {
		return
	}
	paired, isBool := v.Value().(bool)
	if !isBool {
		adapterLog.Tracef("Paired change for %s is not a boolean; ignoring", sig.Path)
		return
	}

	adapterLog.Tracef("paired status of device %s (object path %s) is now %v", addr, sig.Path, paired)
	a.emitSeen(addr, paired)
}

// emitSeen applies the device filter and invokes the seen callback,
// containing any panic so it cannot unwind into signal dispatch.
func (a *Adapter) emitSeen(addr btaddr.Address, paired bool) {
	if a.onSeen == nil || !a.filter.Accepts(addr) {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			adapterLog.Errorf("device-seen callback panicked: %v", r)
		}
	}()
	a.onSeen(addr, paired)
}

func (a *Adapter) emitGone(addr btaddr.Address) {
	if a.onGone == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			adapterLog.Errorf("device-gone callback panicked: %v", r)
		}
	}()
	a.onGone(addr)
}
