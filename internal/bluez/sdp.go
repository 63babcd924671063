package bluez

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"os"

	dbus "github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"pumplink/internal/bterr"
)

var sdpLog = logrus.WithField("tag", "SdpService")

const profilePath = dbus.ObjectPath("/io/bluetooth/comboctl/sdpProfile")

// SPPUUID is the Serial Port Profile service class UUID.
const SPPUUID = "00001101-0000-1000-8000-00805f9b34fb"

// sdpRecordXML renders the SPP service record the daemon advertises on
// our behalf. The profile manager's record-building options are too
// limited, so the record is written out manually.
func sdpRecordXML(serviceName, serviceDescription, serviceProvider string, rfcommChannel uint8) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8" ?>`+
		`<record>`+
		`    <attribute id="0x0001">`+ // ServiceClassIDList
		`        <sequence>`+
		`            <uuid value="0x1101" />`+ // Serial Port Profile
		`        </sequence>`+
		`    </attribute>`+
		`    <attribute id="0x0003">`+ // ServiceID
		`        <uuid value="0x1101" />`+
		`    </attribute>`+
		`    <attribute id="0x0100">`+ // ServiceName
		`        <text value="%s" />`+
		`    </attribute>`+
		`    <attribute id="0x0101">`+ // ServiceDescription
		`        <text value="%s" />`+
		`    </attribute>`+
		`    <attribute id="0x0102">`+ // ServiceProvider
		`        <text value="%s" />`+
		`    </attribute>`+
		`    <attribute id="0x0008">`+ // ServiceAvailability
		`        <uint8 value="0xff" />`+
		`    </attribute>`+
		`    <attribute id="0x0004">`+ // ProtocolDescriptorList
		`        <sequence>`+
		`            <sequence>`+
		`                <uuid value="0x0003" />`+ // RFCOMM
		`                <uint8 value="%d" />`+
		`            </sequence>`+
		`        </sequence>`+
		`    </attribute>`+
		`    <attribute id="0x0009">`+ // BluetoothProfileDescriptorList
		`        <sequence>`+
		`            <sequence>`+
		`                <uuid value="0x1101" />`+
		`                <uint16 value="0x0100" />`+ // SPP version
		`            </sequence>`+
		`        </sequence>`+
		`    </attribute>`+
		`    <attribute id="0x0005">`+ // BrowseGroupList
		`        <sequence>`+
		`            <uuid value="0x1002" />`+ // PublicBrowseRoot
		`        </sequence>`+
		`    </attribute>`+
		`</record>`,
		xmlEscape(serviceName), xmlEscape(serviceDescription), xmlEscape(serviceProvider), rfcommChannel)
}

func xmlEscape(s string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}

// SDPService publishes the SPP service record through the daemon's
// profile manager so the peripheral can find our RFCOMM channel.
type SDPService struct {
	sess *Session

	exported   bool
	registered bool
}

// NewSDPService creates an unregistered SDP service.
func NewSDPService(sess *Session) *SDPService {
	return &SDPService{sess: sess}
}

// Register publishes the profile object and registers the SPP record
// announcing the given RFCOMM channel.
func (s *SDPService) Register(serviceName, serviceProvider, serviceDescription string, rfcommChannel uint8) error {
	if serviceName == "" || serviceProvider == "" || serviceDescription == "" {
		return fmt.Errorf("%w: SDP service name, provider and description must be non-empty", bterr.ErrInvalidArgument)
	}
	if rfcommChannel < 1 {
		return fmt.Errorf("%w: SDP record needs an RFCOMM channel >= 1", bterr.ErrInvalidArgument)
	}
	if s.exported || s.registered {
		return nil
	}

	ok := false
	defer func() {
		if !ok {
			s.Unregister()
		}
	}()

	if err := s.sess.Export(profileObject{}, profilePath, profileIface); err != nil {
		return err
	}
	s.exported = true

	record := sdpRecordXML(serviceName, serviceDescription, serviceProvider, rfcommChannel)
	opts := map[string]dbus.Variant{
		// BlueZ expects Channel as a uint16 (not byte).
		"Channel":       dbus.MakeVariant(uint16(rfcommChannel)),
		"ServiceRecord": dbus.MakeVariant(record),
		"AutoConnect":   dbus.MakeVariant(false),
	}
	mgr := s.sess.Object(bluezManager)
	if call := mgr.Call(profileManagerIface+".RegisterProfile", 0, profilePath, SPPUUID, opts); call.Err != nil {
		return wrapBusError(call.Err, "register SPP profile")
	}
	s.registered = true

	ok = true
	sdpLog.Tracef("SDP service set up on RFCOMM channel %d", rfcommChannel)
	return nil
}

// Unregister withdraws the record (best-effort) and unpublishes the
// profile object. Idempotent.
func (s *SDPService) Unregister() {
	if s.registered {
		mgr := s.sess.Object(bluezManager)
		if call := mgr.Call(profileManagerIface+".UnregisterProfile", 0, profilePath); call.Err != nil {
			sdpLog.Warnf("could not unregister SPP profile: %v", call.Err)
		}
		s.registered = false
	}
	if s.exported {
		s.sess.Unexport(profilePath, profileIface)
		s.exported = false
	}
	sdpLog.Trace("SDP service torn down")
}

// profileObject is the org.bluez.Profile1 stub behind the SDP record.
// The real listening socket lives in package rfcomm; connections the
// daemon hands over anyway are closed immediately.
type profileObject struct{}

func (profileObject) Release() *dbus.Error { return nil }

func (profileObject) NewConnection(device dbus.ObjectPath, fd dbus.UnixFD, props map[string]dbus.Variant) *dbus.Error {
	sdpLog.Debugf("closing connection handed over for %s (client connections are not served)", device)
	_ = os.NewFile(uintptr(fd), "rfcomm").Close()
	return nil
}

func (profileObject) RequestDisconnection(device dbus.ObjectPath) *dbus.Error { return nil }
