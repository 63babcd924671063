package bluez

import (
	"testing"

	dbus "github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pumplink/internal/btaddr"
)

type seenEvent struct {
	addr   btaddr.Address
	paired bool
}

// observerUnderTest builds an Adapter with recording sinks. The signal
// handlers and the device map need no live daemon behind them.
func observerUnderTest() (*Adapter, *[]seenEvent, *[]btaddr.Address) {
	var seen []seenEvent
	var gone []btaddr.Address
	a := NewAdapter(nil)
	a.onSeen = func(addr btaddr.Address, paired bool) {
		seen = append(seen, seenEvent{addr, paired})
	}
	a.onGone = func(addr btaddr.Address) { gone = append(gone, addr) }
	return a, &seen, &gone
}

func deviceIfaces(address string, paired bool) map[string]map[string]dbus.Variant {
	return map[string]map[string]dbus.Variant{
		deviceIface: {
			"Address": dbus.MakeVariant(address),
			"Paired":  dbus.MakeVariant(paired),
		},
	}
}

const devPath = dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_11_22_33")

func TestProcessAddedTracksDevice(t *testing.T) {
	a, seen, _ := observerUnderTest()

	a.processAdded(devPath, deviceIfaces("AA:BB:CC:11:22:33", true))

	addr := mustAddr(t, "AA:BB:CC:11:22:33")
	assert.Equal(t, []seenEvent{{addr, true}}, *seen)
	assert.Equal(t, devPath, a.byAddr[addr])
	assert.Equal(t, addr, a.byPath[devPath])
}

func TestProcessAddedIgnoresNonDevice(t *testing.T) {
	a, seen, _ := observerUnderTest()

	a.processAdded("/org/bluez/hci0", map[string]map[string]dbus.Variant{
		adapterIface: {"Name": dbus.MakeVariant("hci0")},
	})
	assert.Empty(t, *seen)
	assert.Empty(t, a.byAddr)
}

func TestProcessAddedSkipsInvalidAddress(t *testing.T) {
	a, seen, _ := observerUnderTest()

	a.processAdded(devPath, deviceIfaces("garbage", true))
	assert.Empty(t, *seen)
	assert.Empty(t, a.byAddr)
}

// The address<->path relation stays a bijection even when the daemon
// re-announces a device under a different object path.
func TestBijectionOnReannounce(t *testing.T) {
	a, _, _ := observerUnderTest()
	addr := mustAddr(t, "AA:BB:CC:11:22:33")

	a.processAdded(devPath, deviceIfaces("AA:BB:CC:11:22:33", false))
	otherPath := dbus.ObjectPath("/org/bluez/hci1/dev_AA_BB_CC_11_22_33")
	a.processAdded(otherPath, deviceIfaces("AA:BB:CC:11:22:33", false))

	require.Len(t, a.byAddr, 1)
	require.Len(t, a.byPath, 1)
	assert.Equal(t, otherPath, a.byAddr[addr])
	assert.Equal(t, addr, a.byPath[otherPath])
}

func TestInterfacesRemovedEmitsGone(t *testing.T) {
	a, _, gone := observerUnderTest()
	addr := mustAddr(t, "AA:BB:CC:11:22:33")

	a.processAdded(devPath, deviceIfaces("AA:BB:CC:11:22:33", true))
	a.interfacesRemoved(&dbus.Signal{
		Body: []interface{}{devPath, []string{deviceIface}},
	})

	assert.Equal(t, []btaddr.Address{addr}, *gone)
	assert.Empty(t, a.byAddr)
	assert.Empty(t, a.byPath)

	// Removing an unknown path again does nothing.
	a.interfacesRemoved(&dbus.Signal{
		Body: []interface{}{devPath, []string{deviceIface}},
	})
	assert.Len(t, *gone, 1)
}

func TestInterfacesRemovedOtherInterface(t *testing.T) {
	a, _, gone := observerUnderTest()

	a.processAdded(devPath, deviceIfaces("AA:BB:CC:11:22:33", true))
	a.interfacesRemoved(&dbus.Signal{
		Body: []interface{}{devPath, []string{"org.bluez.MediaControl1"}},
	})

	assert.Empty(t, *gone)
	assert.Len(t, a.byAddr, 1)
}

func TestPropertiesChangedPairedFlip(t *testing.T) {
	a, seen, _ := observerUnderTest()
	addr := mustAddr(t, "AA:BB:CC:11:22:33")

	a.processAdded(devPath, deviceIfaces("AA:BB:CC:11:22:33", false))
	a.propertiesChanged(&dbus.Signal{
		Path: devPath,
		Body: []interface{}{
			deviceIface,
			map[string]dbus.Variant{"Paired": dbus.MakeVariant(true)},
			[]string{},
		},
	})

	assert.Equal(t, []seenEvent{{addr, false}, {addr, true}}, *seen)
}

func TestPropertiesChangedIgnoredCases(t *testing.T) {
	a, seen, _ := observerUnderTest()

	a.processAdded(devPath, deviceIfaces("AA:BB:CC:11:22:33", false))
	baseline := len(*seen)

	// Unknown path.
	a.propertiesChanged(&dbus.Signal{
		Path: "/org/bluez/hci0/dev_FF_FF_FF_FF_FF_FF",
		Body: []interface{}{deviceIface, map[string]dbus.Variant{"Paired": dbus.MakeVariant(true)}, []string{}},
	})
	// Wrong interface.
	a.propertiesChanged(&dbus.Signal{
		Path: devPath,
		Body: []interface{}{adapterIface, map[string]dbus.Variant{"Paired": dbus.MakeVariant(true)}, []string{}},
	})
	// No Paired key.
	a.propertiesChanged(&dbus.Signal{
		Path: devPath,
		Body: []interface{}{deviceIface, map[string]dbus.Variant{"RSSI": dbus.MakeVariant(int16(-60))}, []string{}},
	})
	// Paired is not a boolean.
	a.propertiesChanged(&dbus.Signal{
		Path: devPath,
		Body: []interface{}{deviceIface, map[string]dbus.Variant{"Paired": dbus.MakeVariant("yes")}, []string{}},
	})

	assert.Len(t, *seen, baseline)
}

func TestFilterGatesSeenCallback(t *testing.T) {
	a, seen, _ := observerUnderTest()
	a.SetFilter(acceptPrefix(0xAA, 0xBB, 0xCC))

	a.processAdded(devPath, deviceIfaces("AA:BB:CC:11:22:33", true))
	a.processAdded("/org/bluez/hci0/dev_11_22_33_04_05_06", deviceIfaces("11:22:33:04:05:06", true))

	require.Len(t, *seen, 1)
	assert.Equal(t, mustAddr(t, "AA:BB:CC:11:22:33"), (*seen)[0].addr)

	// Filtered devices are still tracked for unpair bookkeeping.
	assert.Len(t, a.byAddr, 2)
}

func TestSeenCallbackPanicContained(t *testing.T) {
	a := NewAdapter(nil)
	a.onSeen = func(btaddr.Address, bool) { panic("host callback bug") }

	assert.NotPanics(t, func() {
		a.processAdded(devPath, deviceIfaces("AA:BB:CC:11:22:33", true))
	})
	assert.Len(t, a.byAddr, 1)
}
