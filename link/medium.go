package link

import "github.com/calimero-project/calimero-core-sub010/knxaddr"

// MediumKind identifies the physical KNX medium a Link runs over, driving
// whether group-destination frames need a medium-specific additional-info
// element attached (§4.1 cEMI construction).
type MediumKind int

const (
	MediumTP1 MediumKind = iota // twisted pair, no additional-info needed
	MediumPL                    // powerline, carries a domain address
	MediumRF                    // radio frequency, carries a domain address
	MediumIP                    // KNXnet/IP, no additional-info needed
)

func (k MediumKind) String() string {
	switch k {
	case MediumTP1:
		return "TP1"
	case MediumPL:
		return "PL"
	case MediumRF:
		return "RF"
	case MediumIP:
		return "IP"
	default:
		return "unknown"
	}
}

// Medium is the seam to a physical-medium driver (USB HID, TP-UART serial,
// KNXnet/IP tunneling, ...). Concrete drivers are explicitly out of scope
// (§1 Non-goals); only this interface is specified, consumed by Link.
type Medium interface {
	// Write sends a single already-framed cEMI byte sequence. It blocks at
	// most until the medium's synchronous primitive returns (§4.1 Concurrency).
	Write(frame []byte) error
	// SetListener installs the callback invoked with each inbound cEMI frame.
	// The medium may invoke it from any goroutine, at any time, after this
	// call; Link itself serializes dispatch (§4.1 Concurrency).
	SetListener(func(frame []byte))
	// DeviceAddress is the medium's configured individual address, used to
	// default an unset (0.0.0) source address (§4.1 cEMI construction).
	DeviceAddress() knxaddr.IndividualAddress
	// MaxAPDULength is the largest NSDU this medium can carry.
	MaxAPDULength() int
	// Kind reports the physical medium, used to decide whether a
	// domain-address additional-info element is required (§4.1 cEMI
	// construction).
	Kind() MediumKind
	// DomainAddress is the PL/RF domain address to attach as additional-info
	// on group-destination frames. Empty on mediums that don't carry one.
	DomainAddress() []byte
	// Close releases the medium. Idempotent.
	Close() error
}

// ObjectServerParser is a pluggable seam for the BAOS object-server protocol
// (§9 design notes "Dynamic discovery of optional modules"). Link attempts
// TryParse before falling back to cEMI decoding; a parser reports handled to
// claim the frame.
type ObjectServerParser interface {
	TryParse(raw []byte) (handled bool, err error)
}
