package bluez

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"pumplink/internal/btaddr"
)

func acceptPrefix(a, b, c byte) btaddr.Filter {
	return func(addr btaddr.Address) bool {
		return addr[0] == a && addr[1] == b && addr[2] == c
	}
}

func TestDecidePinNoFilter(t *testing.T) {
	pin, accepted := decidePin("AA:BB:CC:DE:AD:BE", nil, "1234")
	assert.True(t, accepted)
	assert.Equal(t, "1234", pin)
}

func TestDecidePinFilterAccepts(t *testing.T) {
	pin, accepted := decidePin("AA:BB:CC:DE:AD:BE", acceptPrefix(0xAA, 0xBB, 0xCC), "1234")
	assert.True(t, accepted)
	assert.Equal(t, "1234", pin)
}

func TestDecidePinFilterRejects(t *testing.T) {
	_, accepted := decidePin("AA:BB:CC:DE:AD:BE", acceptPrefix(0x11, 0x22, 0x33), "1234")
	assert.False(t, accepted)
}

func TestDecidePinMalformedAddress(t *testing.T) {
	_, accepted := decidePin("not-an-address", nil, "1234")
	assert.False(t, accepted)
}

func TestAgentFilterUpdate(t *testing.T) {
	a := NewAgent(nil)
	a.SetFilter(acceptPrefix(0xAA, 0xBB, 0xCC))

	a.credMu.RLock()
	filter := a.filter
	a.credMu.RUnlock()

	addr, _ := btaddr.Parse("AA:BB:CC:01:02:03")
	assert.True(t, filter.Accepts(addr))

	other, _ := btaddr.Parse("11:22:33:04:05:06")
	assert.False(t, filter.Accepts(other))
}
