// Package bluez talks to the BlueZ daemon over the system D-Bus: it
// registers the pairing agent and the SPP service record, observes
// device lifecycle signals, and drives discovery sessions.
//
// All mutable state in this package is owned by the worker loop; see
// package eventloop.
package bluez

import (
	"fmt"

	dbus "github.com/godbus/dbus/v5"

	"pumplink/internal/bterr"
)

const (
	bluezService = "org.bluez"
	bluezRoot    = dbus.ObjectPath("/")
	bluezManager = dbus.ObjectPath("/org/bluez")

	adapterIface        = "org.bluez.Adapter1"
	deviceIface         = "org.bluez.Device1"
	agentIface          = "org.bluez.Agent1"
	agentManagerIface   = "org.bluez.AgentManager1"
	profileIface        = "org.bluez.Profile1"
	profileManagerIface = "org.bluez.ProfileManager1"
	objManagerIface     = "org.freedesktop.DBus.ObjectManager"
	propsIface          = "org.freedesktop.DBus.Properties"
)

// managedObjects is the shape of ObjectManager.GetManagedObjects:
// object path -> interface name -> property name -> value.
type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

func errRejected(msg string) *dbus.Error {
	return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{msg}}
}

// deviceProperty fetches one org.bluez.Device1 property of the given
// device object with a one-shot Properties.Get call.
func deviceProperty(s *Session, device dbus.ObjectPath, name string) (dbus.Variant, error) {
	var v dbus.Variant
	call := s.Object(device).Call(propsIface+".Get", 0, deviceIface, name)
	if call.Err != nil {
		return v, wrapBusError(call.Err, fmt.Sprintf("get %s of %s", name, device))
	}
	if err := call.Store(&v); err != nil {
		return v, fmt.Errorf("%w: decode %s of %s: %v", bterr.ErrBus, name, device, err)
	}
	return v, nil
}
