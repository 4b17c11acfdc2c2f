package link

import (
	"sync"

	"github.com/calimero-project/calimero-core-sub010/cemi"
	"github.com/calimero-project/calimero-core-sub010/knxaddr"
)

// LoopbackMedium is a minimal in-memory Medium standing in for the excluded
// USB/TP-UART/KNXnet-IP drivers (§1 Non-goals). Every L_Data.req written is
// echoed back as both an L_Data.con (positive) and an L_Data.ind, as a real
// medium would for a frame it accepted and then observed on the bus. Used by
// tests and the demo CLI only.
type LoopbackMedium struct {
	mu       sync.Mutex
	listener func([]byte)
	addr     knxaddr.IndividualAddress
	maxAPDU  int
	kind     MediumKind
	domain   []byte
	closed   bool

	// FailNextWrites, if set, makes the next N writes succeed without any
	// confirmation or indication being echoed, used to exercise
	// SendRequestWait's timeout path.
	FailNextWrites int
}

// NewLoopbackMedium creates a loopback medium configured with the given
// device address.
func NewLoopbackMedium(addr knxaddr.IndividualAddress) *LoopbackMedium {
	return &LoopbackMedium{addr: addr, maxAPDU: cemi.MaxNSDU}
}

func (m *LoopbackMedium) Write(frame []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.FailNextWrites > 0 {
		m.FailNextWrites--
		m.mu.Unlock()
		return nil // accepted but deliberately never confirmed/indicated
	}
	listener := m.listener
	m.mu.Unlock()
	if listener == nil {
		return nil
	}

	f, err := cemi.DecodeLData(frame)
	if err != nil {
		return err
	}

	con := f
	con.Code = cemi.LDataCon
	if raw, err := con.Encode(); err == nil {
		listener(raw)
	}

	ind := f
	ind.Code = cemi.LDataInd
	if raw, err := ind.Encode(); err == nil {
		listener(raw)
	}
	return nil
}

func (m *LoopbackMedium) SetListener(l func([]byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listener = l
}

func (m *LoopbackMedium) DeviceAddress() knxaddr.IndividualAddress {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addr
}

func (m *LoopbackMedium) SetDeviceAddress(a knxaddr.IndividualAddress) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addr = a
}

func (m *LoopbackMedium) MaxAPDULength() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxAPDU
}

func (m *LoopbackMedium) SetMaxAPDULength(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxAPDU = n
}

func (m *LoopbackMedium) Kind() MediumKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.kind
}

// SetKind configures the simulated physical medium, letting tests exercise
// PL/RF domain-address handling over an otherwise in-memory medium.
func (m *LoopbackMedium) SetKind(k MediumKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kind = k
}

func (m *LoopbackMedium) DomainAddress() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.domain
}

func (m *LoopbackMedium) SetDomainAddress(d []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.domain = append([]byte(nil), d...)
}

func (m *LoopbackMedium) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
