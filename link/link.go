// Package link implements the Network Link abstraction (§4.1): cEMI
// encode/decode, medium-specific adjustment, asynchronous dispatch of
// indications/confirmations, and the Connector reconnection wrapper (§4.2).
package link

import (
	"errors"
	"sync"
	"time"

	"github.com/calimero-project/calimero-core-sub010/cemi"
	"github.com/calimero-project/calimero-core-sub010/klog"
	"github.com/calimero-project/calimero-core-sub010/knxaddr"
)

// ErrTimeout is returned by SendRequestWait when no matching confirmation
// arrives within the medium timeout (§4.1 Operations).
var ErrTimeout = errors.New("link: timeout waiting for confirmation")

// ErrClosed is returned by any send operation on a closed link.
var ErrClosed = errors.New("link: closed")

// DefaultConfirmationTimeout is the medium timeout used by SendRequestWait
// (§4.1 Operations: "typically 1 s").
const DefaultConfirmationTimeout = 1 * time.Second

// Link is the Network Link abstraction (§4.1).
type Link interface {
	SendRequest(dst knxaddr.KNXAddress, priority cemi.Priority, nsdu []byte) error
	SendRequestWait(dst knxaddr.KNXAddress, priority cemi.Priority, nsdu []byte) (cemi.LData, error)
	Send(f cemi.LData, waitForCon bool) (cemi.LData, error)
	AddListener(l Listener)
	RemoveListener(l Listener)
	SetObjectServerParser(p ObjectServerParser)
	Close() error
	IsOpen() bool
}

type pendingWait struct {
	result chan cemi.LData
}

// netLink is the default Link implementation over a Medium (§4.1).
type netLink struct {
	medium Medium
	log    klog.Logger

	sendMu sync.Mutex // serializes writes to the medium

	mu        sync.Mutex
	listeners []Listener
	waiters   []*pendingWait // FIFO, matches confirmations in receive order
	closed    bool
	objParser ObjectServerParser

	inbox chan []byte
	done  chan struct{}
}

// New wraps medium in a Network Link, starting its dedicated dispatch worker
// (§4.1 Concurrency: "a dedicated dispatch worker (single-threaded per
// link)").
func New(medium Medium, log klog.Logger) Link {
	l := &netLink{
		medium: medium,
		log:    log,
		inbox:  make(chan []byte, 64),
		done:   make(chan struct{}),
	}
	medium.SetListener(func(frame []byte) {
		l.mu.Lock()
		closed := l.closed
		l.mu.Unlock()
		if closed {
			return
		}
		select {
		case l.inbox <- frame:
		case <-l.done:
		}
	})
	go l.dispatchLoop()
	return l
}

func (l *netLink) resolveSrc(src knxaddr.IndividualAddress) knxaddr.IndividualAddress {
	if src.IsZero() {
		return l.medium.DeviceAddress()
	}
	return src
}

// buildFrame applies the §4.1 cEMI construction rules: default source
// address, hop count, and, for a group destination over a PL/RF medium, the
// medium's domain-address additional-info element.
func (l *netLink) buildFrame(dst knxaddr.KNXAddress, priority cemi.Priority, nsdu []byte) cemi.LData {
	return cemi.LData{
		Code:     cemi.LDataReq,
		Src:      l.resolveSrc(0),
		Dst:      dst,
		Priority: priority,
		HopCount: cemi.DefaultHopCount,
		Repeat:   true,
		NSDU:     nsdu,
		AddInfo:  l.mediumAddInfo(dst),
	}
}

// mediumAddInfo builds the additional-info elements required for dst on the
// underlying medium (§4.1 cEMI construction: "attach the medium-specific
// additional-info element (domain address, etc.)").
func (l *netLink) mediumAddInfo(dst knxaddr.KNXAddress) []cemi.AdditionalInfo {
	if !dst.IsGroup() {
		return nil
	}
	switch l.medium.Kind() {
	case MediumPL, MediumRF:
		domain := l.medium.DomainAddress()
		if len(domain) == 0 {
			return nil
		}
		return []cemi.AdditionalInfo{{Type: cemi.AddInfoDomainAddr, Data: domain}}
	default:
		return nil
	}
}

func (l *netLink) SendRequest(dst knxaddr.KNXAddress, priority cemi.Priority, nsdu []byte) error {
	_, err := l.Send(l.buildFrame(dst, priority, nsdu), false)
	return err
}

func (l *netLink) SendRequestWait(dst knxaddr.KNXAddress, priority cemi.Priority, nsdu []byte) (cemi.LData, error) {
	return l.Send(l.buildFrame(dst, priority, nsdu), true)
}

func (l *netLink) Send(f cemi.LData, waitForCon bool) (cemi.LData, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return cemi.LData{}, ErrClosed
	}
	if f.Src.IsZero() {
		f.Src = l.medium.DeviceAddress()
	}
	var w *pendingWait
	if waitForCon {
		w = &pendingWait{result: make(chan cemi.LData, 1)}
		l.waiters = append(l.waiters, w)
	}
	l.mu.Unlock()

	raw, err := f.Encode()
	if err != nil {
		if waitForCon {
			l.removeWaiter(w)
		}
		return cemi.LData{}, err
	}

	l.sendMu.Lock()
	err = l.medium.Write(raw)
	l.sendMu.Unlock()
	if err != nil {
		if waitForCon {
			l.removeWaiter(w)
		}
		return cemi.LData{}, err
	}

	if !waitForCon {
		return cemi.LData{}, nil
	}

	select {
	case con := <-w.result:
		return con, nil
	case <-time.After(DefaultConfirmationTimeout):
		l.removeWaiter(w)
		return cemi.LData{}, ErrTimeout
	case <-l.done:
		return cemi.LData{}, ErrClosed
	}
}

func (l *netLink) removeWaiter(w *pendingWait) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, cand := range l.waiters {
		if cand == w {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			return
		}
	}
}

func (l *netLink) popWaiter() *pendingWait {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.waiters) == 0 {
		return nil
	}
	w := l.waiters[0]
	l.waiters = l.waiters[1:]
	return w
}

func (l *netLink) AddListener(listener Listener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, listener)
}

func (l *netLink) RemoveListener(listener Listener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, cand := range l.listeners {
		if cand == listener {
			l.listeners = append(l.listeners[:i], l.listeners[i+1:]...)
			return
		}
	}
}

func (l *netLink) SetObjectServerParser(p ObjectServerParser) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.objParser = p
}

// deviceAddressSetter is implemented by mediums that allow their configured
// device address to be changed after construction (e.g. LoopbackMedium).
type deviceAddressSetter interface {
	SetDeviceAddress(knxaddr.IndividualAddress)
}

// domainAddressSetter is implemented by mediums that allow their PL/RF
// domain address to be changed after construction (e.g. LoopbackMedium).
type domainAddressSetter interface {
	SetDomainAddress([]byte)
}

// maxAPDULengthSetter is implemented by mediums that allow their configured
// APDU limit to be changed after construction (e.g. LoopbackMedium).
type maxAPDULengthSetter interface {
	SetMaxAPDULength(int)
}

// kindSetter is implemented by mediums that allow their MediumKind to be
// changed after construction (e.g. LoopbackMedium).
type kindSetter interface {
	SetKind(MediumKind)
}

// ApplyMediumSettings implements MediumConfigurer, letting a Connector
// replay medium settings (device address, max APDU length, medium kind,
// PL/RF domain address) onto a freshly (re)connected Link (§4.2 Reconnect
// procedure).
func (l *netLink) ApplyMediumSettings(s MediumSettings) {
	if setter, ok := l.medium.(deviceAddressSetter); ok && !s.DeviceAddress.IsZero() {
		setter.SetDeviceAddress(s.DeviceAddress)
	}
	if setter, ok := l.medium.(domainAddressSetter); ok && len(s.DomainAddress) > 0 {
		setter.SetDomainAddress(s.DomainAddress)
	}
	if setter, ok := l.medium.(maxAPDULengthSetter); ok && s.MaxAPDULength > 0 {
		setter.SetMaxAPDULength(s.MaxAPDULength)
	}
	if setter, ok := l.medium.(kindSetter); ok && s.KindSet {
		setter.SetKind(s.Kind)
	}
}

func (l *netLink) IsOpen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.closed
}

func (l *netLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	listeners := append([]Listener(nil), l.listeners...)
	l.listeners = nil
	l.mu.Unlock()

	close(l.done)
	err := l.medium.Close()

	for _, lst := range listeners {
		l.safeInvoke(func() { lst.Closed(ClosedEvent{Initiator: InitiatorUser, Reason: "closed by caller"}) })
	}
	return err
}

// safeInvoke isolates a listener callback: a panic is logged and the faulty
// listener removed, but dispatch continues (§4.1 Dispatch, §7).
func (l *netLink) safeInvoke(fn func()) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			l.log.Error("link: listener panicked: %v", r)
		}
	}()
	fn()
	return false
}

func (l *netLink) dispatchLoop() {
	for {
		select {
		case raw := <-l.inbox:
			l.dispatchFrame(raw)
		case <-l.done:
			return
		}
	}
}

func (l *netLink) dispatchFrame(raw []byte) {
	l.mu.Lock()
	parser := l.objParser
	l.mu.Unlock()
	if parser != nil {
		if handled, err := parser.TryParse(raw); err != nil {
			l.log.Warn("link: object server parser error: %v", err)
		} else if handled {
			return
		}
	}

	if len(raw) < 1 {
		return
	}
	code := cemi.MessageCode(raw[0])
	switch cemi.ClassifyMessageCode(code) {
	case cemi.ClassIndication:
		f, err := cemi.DecodeLData(raw)
		if err != nil {
			l.log.Debug("link: drop malformed indication: %v", err)
			return
		}
		l.fireIndication(f)
	case cemi.ClassConfirmation:
		f, err := cemi.DecodeLData(raw)
		if err != nil {
			l.log.Debug("link: drop malformed confirmation: %v", err)
			return
		}
		if w := l.popWaiter(); w != nil {
			w.result <- f
		}
		l.fireConfirmation(f)
	case cemi.ClassDeviceMgmt:
		f, err := cemi.DecodeDeviceMgmt(raw)
		if err != nil {
			l.log.Debug("link: drop malformed device-mgmt frame: %v", err)
			return
		}
		l.fireDeviceMgmt(f)
	case cemi.ClassBusmonitor:
		f, err := cemi.DecodeBusmonitor(raw)
		if err != nil {
			l.log.Debug("link: drop malformed busmonitor frame: %v", err)
			return
		}
		l.fireMonitor(f)
	default:
		l.log.Debug("link: unhandled message code %v", code)
	}
}

func (l *netLink) fireIndication(f cemi.LData) {
	l.forEachListener(func(lst Listener) { lst.Indication(f) })
}

func (l *netLink) fireConfirmation(f cemi.LData) {
	l.forEachListener(func(lst Listener) { lst.Confirmation(f) })
}

func (l *netLink) fireDeviceMgmt(f cemi.DeviceMgmt) {
	l.forEachListener(func(lst Listener) { lst.DeviceMgmt(f) })
}

func (l *netLink) fireMonitor(f cemi.Busmonitor) {
	l.forEachListener(func(lst Listener) { lst.Monitor(f) })
}

func (l *netLink) forEachListener(call func(Listener)) {
	l.mu.Lock()
	snapshot := append([]Listener(nil), l.listeners...)
	l.mu.Unlock()

	var faulty []Listener
	for _, lst := range snapshot {
		lst := lst
		if l.safeInvoke(func() { call(lst) }) {
			faulty = append(faulty, lst)
		}
	}
	if len(faulty) > 0 {
		l.mu.Lock()
		for _, f := range faulty {
			for i, cand := range l.listeners {
				if cand == f {
					l.listeners = append(l.listeners[:i], l.listeners[i+1:]...)
					break
				}
			}
		}
		l.mu.Unlock()
	}
}
