// Package btaddr holds the Bluetooth device address type and the device
// filter predicate used throughout the library.
package btaddr

import (
	"fmt"
	"sort"
	"strings"

	"pumplink/internal/bterr"
)

// Address is a 6-byte Bluetooth device address.
//
// The bytes are stored in the printed order: the address
// 11:22:33:44:55:66 is stored as {0x11, 0x22, 0x33, 0x44, 0x55, 0x66}.
// The Linux kernel and BlueZ store BD_ADDR bytes in the reverse order;
// use Reversed at that boundary.
type Address [6]byte

// Parse converts the colon-separated hex form ("AA:BB:CC:DD:EE:FF",
// case-insensitive) to an Address. Anything else is rejected.
func Parse(s string) (Address, error) {
	var addr Address
	parts := strings.Split(s, ":")
	if len(parts) != len(addr) {
		return Address{}, fmt.Errorf("%w: bad Bluetooth address %q", bterr.ErrInvalidArgument, s)
	}
	for i, part := range parts {
		if len(part) != 2 {
			return Address{}, fmt.Errorf("%w: bad Bluetooth address %q", bterr.ErrInvalidArgument, s)
		}
		hi, okHi := hexNibble(part[0])
		lo, okLo := hexNibble(part[1])
		if !okHi || !okLo {
			return Address{}, fmt.Errorf("%w: bad Bluetooth address %q", bterr.ErrInvalidArgument, s)
		}
		addr[i] = hi<<4 | lo
	}
	return addr, nil
}

func hexNibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// String returns the canonical uppercase colon-separated form.
func (a Address) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", a[0], a[1], a[2], a[3], a[4], a[5])
}

// Reversed returns the address bytes in the order the kernel's RFCOMM
// socket address and BlueZ's BD_ADDR use (LSB first).
func (a Address) Reversed() [6]byte {
	var r [6]byte
	for i := range a {
		r[i] = a[len(a)-1-i]
	}
	return r
}

// Filter decides whether a device address is acceptable. A nil Filter
// accepts every address.
type Filter func(Address) bool

// Accepts reports whether f accepts addr, treating a nil filter as
// accept-all.
func (f Filter) Accepts(addr Address) bool {
	return f == nil || f(addr)
}

// Set is a set of device addresses.
type Set map[Address]struct{}

// Add inserts addr into the set.
func (s Set) Add(addr Address) { s[addr] = struct{}{} }

// Remove deletes addr from the set.
func (s Set) Remove(addr Address) { delete(s, addr) }

// Contains reports whether addr is in the set.
func (s Set) Contains(addr Address) bool {
	_, ok := s[addr]
	return ok
}

// Sorted returns the set's addresses ordered by their canonical string
// form. Useful for stable output.
func (s Set) Sorted() []Address {
	out := make([]Address, 0, len(s))
	for addr := range s {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
