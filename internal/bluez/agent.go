package bluez

import (
	"sync"

	dbus "github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"pumplink/internal/btaddr"
)

var agentLog = logrus.WithField("tag", "BluezAgent")

const agentPath = dbus.ObjectPath("/io/bluetooth/comboctl/bluetoothAgent")

// agentCapability is what we announce to the daemon. The peripheral
// pairs with a fixed PIN, so no real display or keyboard is involved.
const agentCapability = "DisplayYesNo"

// Agent is the system-wide pairing authority. While registered it is
// the daemon's default agent and answers PIN requests with a fixed PIN,
// after checking the requesting device against the address filter.
//
// Register/Unregister and SetFilter run on the worker loop; the
// exported D-Bus methods run on the bus library's goroutines and only
// read the PIN and filter through credMu.
type Agent struct {
	sess *Session

	credMu sync.RWMutex
	pin    string
	filter btaddr.Filter

	exported   bool
	registered bool
}

// NewAgent creates an unregistered agent.
func NewAgent(sess *Session) *Agent {
	return &Agent{sess: sess}
}

// SetFilter installs the device filter consulted on PIN requests.
func (a *Agent) SetFilter(f btaddr.Filter) {
	a.credMu.Lock()
	a.filter = f
	a.credMu.Unlock()
}

// Register publishes the agent object and registers it with the daemon
// as the default pairing agent.
func (a *Agent) Register(pin string) error {
	if a.exported || a.registered {
		return nil
	}

	a.credMu.Lock()
	a.pin = pin
	a.credMu.Unlock()

	ok := false
	defer func() {
		if !ok {
			a.Unregister()
		}
	}()

	if err := a.sess.Export(agentObject{a}, agentPath, agentIface); err != nil {
		return err
	}
	a.exported = true

	mgr := a.sess.Object(bluezManager)
	if call := mgr.Call(agentManagerIface+".RegisterAgent", 0, agentPath, agentCapability); call.Err != nil {
		return wrapBusError(call.Err, "register agent")
	}
	a.registered = true

	if call := mgr.Call(agentManagerIface+".RequestDefaultAgent", 0, agentPath); call.Err != nil {
		return wrapBusError(call.Err, "request default agent")
	}

	ok = true
	agentLog.Trace("agent registered")
	return nil
}

// Unregister withdraws the agent from the daemon (best-effort) and
// unpublishes the object. Idempotent.
func (a *Agent) Unregister() {
	if a.registered {
		mgr := a.sess.Object(bluezManager)
		if call := mgr.Call(agentManagerIface+".UnregisterAgent", 0, agentPath); call.Err != nil {
			agentLog.Warnf("could not unregister agent: %v", call.Err)
		}
		a.registered = false
	}
	if a.exported {
		a.sess.Unexport(agentPath, agentIface)
		a.exported = false
	}
	agentLog.Trace("agent torn down")
}

// decidePin applies the PIN-request policy to a resolved device
// address string: a malformed address or a filtered-out device is
// rejected, anything else receives the PIN.
func decidePin(addressProp string, filter btaddr.Filter, pin string) (string, bool) {
	addr, err := btaddr.Parse(addressProp)
	if err != nil {
		agentLog.Debugf("rejecting device with unparseable address %q", addressProp)
		return "", false
	}
	if !filter.Accepts(addr) {
		agentLog.Debugf("rejecting device %s because it was filtered out", addr)
		return "", false
	}
	agentLog.Infof("device %s requested PIN code", addr)
	return pin, true
}

// agentObject is the org.bluez.Agent1 implementation published on the
// bus. Only RequestPinCode carries logic; the remaining methods are a
// fixed, finite set of stubs.
type agentObject struct {
	a *Agent
}

func (o agentObject) Release() *dbus.Error { return nil }

func (o agentObject) Cancel() *dbus.Error { return nil }

func (o agentObject) RequestPinCode(device dbus.ObjectPath) (string, *dbus.Error) {
	v, err := deviceProperty(o.a.sess, device, "Address")
	if err != nil {
		agentLog.Debugf("rejecting device %s: cannot resolve Address: %v", device, err)
		return "", errRejected("cannot resolve device address")
	}
	addrStr, isString := v.Value().(string)
	if !isString {
		agentLog.Debugf("rejecting device %s: Address property is not a string", device)
		return "", errRejected("device address is not a string")
	}

	o.a.credMu.RLock()
	pin, filter := o.a.pin, o.a.filter
	o.a.credMu.RUnlock()

	reply, accepted := decidePin(addrStr, filter, pin)
	if !accepted {
		return "", errRejected("device rejected")
	}
	return reply, nil
}

func (o agentObject) DisplayPinCode(device dbus.ObjectPath, pincode string) *dbus.Error {
	return nil
}

func (o agentObject) RequestPasskey(device dbus.ObjectPath) (uint32, *dbus.Error) {
	return 0, errRejected("passkey pairing not supported")
}

func (o agentObject) DisplayPasskey(device dbus.ObjectPath, passkey uint32, entered uint16) *dbus.Error {
	return nil
}

func (o agentObject) RequestConfirmation(device dbus.ObjectPath, passkey uint32) *dbus.Error {
	return errRejected("confirmation pairing not supported")
}

func (o agentObject) RequestAuthorization(device dbus.ObjectPath) *dbus.Error {
	return errRejected("authorization not supported")
}

func (o agentObject) AuthorizeService(device dbus.ObjectPath, uuid string) *dbus.Error {
	return errRejected("service authorization not supported")
}
