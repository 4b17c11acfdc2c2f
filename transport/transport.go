// Package transport implements the Transport Layer (TL4, §4.3): group and
// broadcast sends, connectionless individual-address sends, and the
// connection-oriented per-destination state machine with numbered
// acknowledgment and retransmission.
package transport

import (
	"errors"
	"sync"

	"github.com/calimero-project/calimero-core-sub010/cemi"
	"github.com/calimero-project/calimero-core-sub010/klog"
	"github.com/calimero-project/calimero-core-sub010/knxaddr"
	"github.com/calimero-project/calimero-core-sub010/link"
)

// ErrNotOwned is returned when a Destination created by a different
// TransportLayer is passed to Connect/SendData/Destroy (§4.3 Ownership).
var ErrNotOwned = ErrForeignOwner

// TransportLayer aggregates all Destinations multiplexed over one Link
// (§4.3 Responsibility).
type TransportLayer struct {
	link link.Link
	log  klog.Logger

	mu           sync.Mutex
	destinations map[knxaddr.IndividualAddress]*Destination
	listeners    []Listener
}

// NewTransportLayer wraps l, registering the TransportLayer as one of its
// frame listeners.
func NewTransportLayer(l link.Link, log klog.Logger) *TransportLayer {
	tl := &TransportLayer{
		link:         l,
		log:          log,
		destinations: make(map[knxaddr.IndividualAddress]*Destination),
	}
	l.AddListener(tl)
	return tl
}

// NewDestination creates a Destination owned by tl (§3 Destination lifecycle).
func (tl *TransportLayer) NewDestination(remote knxaddr.IndividualAddress, mode Mode, keepAlive, verifyMode bool) (*Destination, error) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	if _, exists := tl.destinations[remote]; exists {
		return nil, errors.New("transport: destination already exists for this remote address")
	}
	d := newDestination(tl, remote, mode, keepAlive, verifyMode)
	tl.destinations[remote] = d
	return d, nil
}

// Connect drives d into the connection-oriented handshake (§4.3 state table).
func (tl *TransportLayer) Connect(d *Destination) error {
	if err := d.checkOwner(tl); err != nil {
		return err
	}
	return d.connect()
}

// SendData sends tsdu over a connection-oriented Destination, or
// connectionless if d.Mode() == Connectionless (§4.3 Contracts).
func (tl *TransportLayer) SendData(d *Destination, priority cemi.Priority, tsdu []byte) error {
	if err := d.checkOwner(tl); err != nil {
		return err
	}
	if d.Mode() == Connectionless {
		return tl.link.SendRequest(knxaddr.Individual(d.Remote()), priority, prependTPCI(buildUDT(), tsdu))
	}
	return d.sendData(priority, tsdu)
}

// SendDataIndividual is the connectionless individual-address send,
// returning after link confirmation (§4.3 Contracts).
func (tl *TransportLayer) SendDataIndividual(dst knxaddr.IndividualAddress, priority cemi.Priority, tsdu []byte) error {
	_, err := tl.link.SendRequestWait(knxaddr.Individual(dst), priority, prependTPCI(buildUDT(), tsdu))
	return err
}

// Broadcast performs a direct group-broadcast send; no ack is expected
// (§4.3 Contracts). The frame always goes to group address 0/0/0;
// systemBcast is not used, so system and ordinary broadcasts produce the
// same frame.
func (tl *TransportLayer) Broadcast(systemBcast bool, priority cemi.Priority, tsdu []byte) error {
	return tl.link.SendRequest(knxaddr.Group(knxaddr.GroupBroadcast), priority, prependTPCI(buildUDT(), tsdu))
}

// SendGroup sends a stateless group (multicast) telegram (§4.3 service 1).
func (tl *TransportLayer) SendGroup(dst knxaddr.GroupAddress, priority cemi.Priority, tsdu []byte) error {
	return tl.link.SendRequest(knxaddr.Group(dst), priority, prependTPCI(buildUDT(), tsdu))
}

// Destroy tears d down permanently and unregisters it from tl (§4.3 Ownership).
func (tl *TransportLayer) Destroy(d *Destination) error {
	if err := d.checkOwner(tl); err != nil {
		return err
	}
	d.destroy()
	return nil
}

// AddListener registers a Destination lifecycle listener.
func (tl *TransportLayer) AddListener(l Listener) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.listeners = append(tl.listeners, l)
}

// RemoveListener unregisters a previously added listener.
func (tl *TransportLayer) RemoveListener(l Listener) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	for i, cand := range tl.listeners {
		if cand == l {
			tl.listeners = append(tl.listeners[:i], tl.listeners[i+1:]...)
			return
		}
	}
}

func (tl *TransportLayer) unregister(d *Destination) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	if tl.destinations[d.Remote()] == d {
		delete(tl.destinations, d.Remote())
	}
}

func (tl *TransportLayer) notifyDisconnected(d *Destination) {
	tl.mu.Lock()
	snapshot := append([]Listener(nil), tl.listeners...)
	tl.mu.Unlock()
	for _, l := range snapshot {
		l.Disconnected(d)
	}
}

func (tl *TransportLayer) lookup(remote knxaddr.IndividualAddress) *Destination {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.destinations[remote]
}

func prependTPCI(tpci byte, tsdu []byte) []byte {
	out := make([]byte, 1+len(tsdu))
	out[0] = tpci
	copy(out[1:], tsdu)
	return out
}

func (tl *TransportLayer) transmitControl(remote knxaddr.IndividualAddress, tpci byte) error {
	return tl.link.SendRequest(knxaddr.Individual(remote), cemi.PrioritySystem, []byte{tpci})
}

func (tl *TransportLayer) transmitData(remote knxaddr.IndividualAddress, priority cemi.Priority, tpci byte, tsdu []byte) error {
	return tl.link.SendRequest(knxaddr.Individual(remote), priority, prependTPCI(tpci, tsdu))
}

func (tl *TransportLayer) onConnectTimeout(d *Destination) { d.onConnectTimeout() }
func (tl *TransportLayer) onIdleTimeout(d *Destination)    { d.onIdleTimeout() }
func (tl *TransportLayer) onAckTimeout(d *Destination, seq byte) { d.onAckTimeout(seq) }

// Indication implements link.Listener: every inbound L_Data.ind is decoded
// for its TPCI byte and routed to the owning Destination (§4.3 Dispatch).
func (tl *TransportLayer) Indication(f cemi.LData) {
	if f.Dst.IsGroup() {
		return // group/broadcast traffic carries no TL4 connection state
	}
	remote := f.Src
	tpci := f.TPCI
	tsdu := f.NSDU

	d := tl.lookup(remote)
	if d == nil {
		return // no destination tracking this peer: ignore (server role out of scope)
	}

	switch classify(tpci) {
	case pkDisconnect:
		d.onPeerDisconnect()
	case pkAck:
		seq := tpciSeq(tpci)
		if d.State() == Connecting {
			d.onConnectAck()
		} else {
			d.onAck(seq)
		}
	case pkNak:
		d.onNak(tpciSeq(tpci))
	case pkNDT:
		seq := tpciSeq(tpci)
		if d.onIncomingData(seq) {
			_ = tl.transmitControl(remote, buildNCDAck(seq))
		} else {
			_ = tl.transmitControl(remote, buildNCDNak(seq))
		}
	case pkUDT, pkConnect:
		_ = tsdu // connectionless payload or peer-initiated connect: no client-side action
	}
}

// Confirmation implements link.Listener; TL4 has no confirmation-side state
// of its own (acks/naks arrive as indications).
func (tl *TransportLayer) Confirmation(cemi.LData) {}

// DeviceMgmt implements link.Listener; device-mgmt traffic carries no TL4
// connection state.
func (tl *TransportLayer) DeviceMgmt(cemi.DeviceMgmt) {}

// Monitor implements link.Listener; busmonitor traffic carries no TL4
// connection state.
func (tl *TransportLayer) Monitor(cemi.Busmonitor) {}

// Closed implements link.Listener: the underlying link closing tears down
// every open connection-oriented destination (§4.3, §8 scenario 5 variant).
func (tl *TransportLayer) Closed(link.ClosedEvent) {
	tl.mu.Lock()
	snapshot := make([]*Destination, 0, len(tl.destinations))
	for _, d := range tl.destinations {
		snapshot = append(snapshot, d)
	}
	tl.mu.Unlock()
	for _, d := range snapshot {
		d.teardown(ErrDisconnected)
	}
}
