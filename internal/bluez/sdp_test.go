package bluez

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pumplink/internal/bterr"
)

func TestSDPRecordXMLAttributes(t *testing.T) {
	record := sdpRecordXML("PumpLink", "A pump link", "pumplink project", 7)

	// The record must carry every attribute the peripheral's SDP
	// browser looks at.
	for _, id := range []string{
		"0x0001", "0x0003", "0x0004", "0x0005",
		"0x0008", "0x0009", "0x0100", "0x0101", "0x0102",
	} {
		assert.Contains(t, record, fmt.Sprintf(`<attribute id="%s">`, id), "attribute %s", id)
	}

	assert.Contains(t, record, `<uuid value="0x1101" />`, "SPP class UUID")
	assert.Contains(t, record, `<uuid value="0x0003" />`, "RFCOMM protocol UUID")
	assert.Contains(t, record, `<uint8 value="7" />`, "RFCOMM channel")
	assert.Contains(t, record, `<uint16 value="0x0100" />`, "SPP version")
	assert.Contains(t, record, `<uuid value="0x1002" />`, "PublicBrowseRoot")
	assert.Contains(t, record, `<uint8 value="0xff" />`, "service availability")

	assert.Contains(t, record, `<text value="PumpLink" />`)
	assert.Contains(t, record, `<text value="A pump link" />`)
	assert.Contains(t, record, `<text value="pumplink project" />`)
}

func TestSDPRecordXMLEscapesText(t *testing.T) {
	record := sdpRecordXML(`Pump <&> "Link"`, "d", "p", 1)
	assert.NotContains(t, record, `value="Pump <&>`)
	assert.Contains(t, record, "Pump &lt;&amp;&gt;")
}

func TestSDPRegisterValidation(t *testing.T) {
	s := NewSDPService(nil)

	for _, tc := range []struct {
		name, provider, desc string
		channel              uint8
	}{
		{"", "p", "d", 1},
		{"n", "", "d", 1},
		{"n", "p", "", 1},
		{"n", "p", "d", 0},
	} {
		err := s.Register(tc.name, tc.provider, tc.desc, tc.channel)
		require.Error(t, err)
		assert.True(t, errors.Is(err, bterr.ErrInvalidArgument))
	}
}

func TestSPPUUID(t *testing.T) {
	assert.Equal(t, "00001101-0000-1000-8000-00805f9b34fb", SPPUUID)
}
