// Package knxaddr implements the KNX individual and group address types,
// their textual forms, and the 6-byte device serial number.
package knxaddr

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrFormat is returned when a textual address cannot be parsed.
var ErrFormat = errors.New("knxaddr: invalid address format")

// IndividualAddress is a 16-bit device address, textual form area.line.device
// with area, line in [0,15] and device in [0,255].
type IndividualAddress uint16

// Broadcast is the reserved "unset" individual address 0.0.0, used by the
// Network Link to mean "replace with the medium's configured device address".
const Broadcast IndividualAddress = 0

// NewIndividualAddress builds an address from its three textual components.
func NewIndividualAddress(area, line, device byte) (IndividualAddress, error) {
	if area > 15 || line > 15 {
		return 0, fmt.Errorf("%w: area/line must be <= 15", ErrFormat)
	}
	return IndividualAddress(uint16(area)<<12 | uint16(line)<<8 | uint16(device)), nil
}

// Area returns the 4-bit area component.
func (a IndividualAddress) Area() byte { return byte(a >> 12 & 0xF) }

// Line returns the 4-bit line component.
func (a IndividualAddress) Line() byte { return byte(a >> 8 & 0xF) }

// Device returns the 8-bit device component.
func (a IndividualAddress) Device() byte { return byte(a) }

// IsZero reports whether this is the unset/broadcast individual address.
func (a IndividualAddress) IsZero() bool { return a == Broadcast }

func (a IndividualAddress) String() string {
	return fmt.Sprintf("%d.%d.%d", a.Area(), a.Line(), a.Device())
}

// ParseIndividualAddress parses "area.line.device".
func ParseIndividualAddress(s string) (IndividualAddress, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return 0, fmt.Errorf("%w: %q", ErrFormat, s)
	}
	area, err1 := strconv.Atoi(parts[0])
	line, err2 := strconv.Atoi(parts[1])
	device, err3 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, fmt.Errorf("%w: %q", ErrFormat, s)
	}
	if area < 0 || area > 15 || line < 0 || line > 15 || device < 0 || device > 255 {
		return 0, fmt.Errorf("%w: %q out of range", ErrFormat, s)
	}
	return NewIndividualAddress(byte(area), byte(line), byte(device))
}

// GroupAddress is a 16-bit group address. Raw 0x0000 is the broadcast group
// address. Textual form is 3-level (main/middle/sub) or 2-level (main/sub).
type GroupAddress uint16

// GroupBroadcast is the reserved broadcast group address.
const GroupBroadcast GroupAddress = 0

// IsBroadcast reports whether this is the reserved broadcast group address.
func (g GroupAddress) IsBroadcast() bool { return g == GroupBroadcast }

// NewGroupAddress3 builds a 3-level group address (main/middle/sub).
func NewGroupAddress3(main, middle, sub byte) (GroupAddress, error) {
	if main > 31 || middle > 7 {
		return 0, fmt.Errorf("%w: main must be <=31, middle <=7", ErrFormat)
	}
	return GroupAddress(uint16(main)<<11 | uint16(middle)<<8 | uint16(sub)), nil
}

// NewGroupAddress2 builds a 2-level group address (main/sub).
func NewGroupAddress2(main byte, sub uint16) (GroupAddress, error) {
	if main > 31 || sub > 2047 {
		return 0, fmt.Errorf("%w: main must be <=31, sub <=2047", ErrFormat)
	}
	return GroupAddress(uint16(main)<<11 | sub), nil
}

// Main returns the 5-bit main group component.
func (g GroupAddress) Main() byte { return byte(g >> 11 & 0x1F) }

// Middle returns the 3-bit middle group component (3-level form only).
func (g GroupAddress) Middle() byte { return byte(g >> 8 & 0x7) }

// Sub returns the 8-bit sub group component (3-level form).
func (g GroupAddress) Sub() byte { return byte(g) }

// Sub2 returns the 11-bit sub group component (2-level form).
func (g GroupAddress) Sub2() uint16 { return uint16(g) & 0x7FF }

// String renders the 3-level textual form, e.g. "1/2/3".
func (g GroupAddress) String() string {
	if g.IsBroadcast() {
		return "0/0/0"
	}
	return fmt.Sprintf("%d/%d/%d", g.Main(), g.Middle(), g.Sub())
}

// String2 renders the 2-level textual form, e.g. "1/515" (3-level "1/2/3").
func (g GroupAddress) String2() string {
	return fmt.Sprintf("%d/%d", g.Main(), g.Sub2())
}

// ParseGroupAddress parses either "main/middle/sub" or "main/sub".
func ParseGroupAddress(s string) (GroupAddress, error) {
	parts := strings.Split(s, "/")
	switch len(parts) {
	case 3:
		main, err1 := strconv.Atoi(parts[0])
		mid, err2 := strconv.Atoi(parts[1])
		sub, err3 := strconv.Atoi(parts[2])
		if err1 != nil || err2 != nil || err3 != nil || main < 0 || mid < 0 || sub < 0 || sub > 255 {
			return 0, fmt.Errorf("%w: %q", ErrFormat, s)
		}
		return NewGroupAddress3(byte(main), byte(mid), byte(sub))
	case 2:
		main, err1 := strconv.Atoi(parts[0])
		sub, err2 := strconv.Atoi(parts[1])
		if err1 != nil || err2 != nil || main < 0 || sub < 0 {
			return 0, fmt.Errorf("%w: %q", ErrFormat, s)
		}
		return NewGroupAddress2(byte(main), uint16(sub))
	default:
		return 0, fmt.Errorf("%w: %q", ErrFormat, s)
	}
}

// KNXAddress is the sum type over individual and group addresses, used
// wherever a cEMI destination field may be either (§3 Addresses).
type KNXAddress struct {
	raw     uint16
	isGroup bool
}

// Individual wraps an IndividualAddress as a KNXAddress.
func Individual(a IndividualAddress) KNXAddress {
	return KNXAddress{raw: uint16(a), isGroup: false}
}

// Group wraps a GroupAddress as a KNXAddress.
func Group(a GroupAddress) KNXAddress {
	return KNXAddress{raw: uint16(a), isGroup: true}
}

// IsGroup reports whether this address names a group (vs. an individual device).
func (k KNXAddress) IsGroup() bool { return k.isGroup }

// Raw returns the 16-bit wire value, regardless of address kind.
func (k KNXAddress) Raw() uint16 { return k.raw }

// Individual returns the address as an IndividualAddress; valid only if !IsGroup().
func (k KNXAddress) Individual() IndividualAddress { return IndividualAddress(k.raw) }

// AsGroup returns the address as a GroupAddress; valid only if IsGroup().
func (k KNXAddress) AsGroup() GroupAddress { return GroupAddress(k.raw) }

// IsBroadcast reports whether this address is the group broadcast address
// 0x0000 (used for system-broadcast secure frames, §3 SCF invariants).
func (k KNXAddress) IsBroadcast() bool { return k.isGroup && k.raw == 0 }

func (k KNXAddress) String() string {
	if k.isGroup {
		return k.AsGroup().String()
	}
	return k.Individual().String()
}

// SerialNumber is a 6-byte opaque physical-device identifier (§3).
type SerialNumber [6]byte

func (s SerialNumber) String() string {
	return fmt.Sprintf("%02X%02X%02X%02X%02X%02X", s[0], s[1], s[2], s[3], s[4], s[5])
}

// IsZero reports whether the serial number is all-zero (unset).
func (s SerialNumber) IsZero() bool {
	return s == SerialNumber{}
}
