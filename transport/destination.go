package transport

import (
	"errors"
	"sync"
	"time"

	"github.com/calimero-project/calimero-core-sub010/cemi"
	"github.com/calimero-project/calimero-core-sub010/knxaddr"
)

// Mode selects whether a Destination runs the connection-oriented state
// machine or sends connectionless (§3 Destination).
type Mode int

const (
	ConnectionOriented Mode = iota
	Connectionless
)

// State is a Destination's position in the §4.3 state table.
type State int

const (
	Disconnected State = iota
	Connecting
	OpenIdle
	OpenWait
	Destroyed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case OpenIdle:
		return "openidle"
	case OpenWait:
		return "openwait"
	case Destroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// ErrForeignOwner is returned when a Destination is used through a
// TransportLayer other than the one that created it (§4.3 Ownership).
var ErrForeignOwner = errors.New("transport: destination belongs to a different transport layer")

// ErrDestroyed is returned by any operation on a Destroyed destination.
var ErrDestroyed = errors.New("transport: destination destroyed")

// ErrDisconnected is returned by sendData when the destination transitions
// to Disconnected mid-send (§4.3 Contracts).
var ErrDisconnected = errors.New("transport: destination disconnected")

// ErrSendTimeout is returned by sendData when all retransmissions are
// exhausted but the link stayed open (§4.3 Contracts).
var ErrSendTimeout = errors.New("transport: ack timeout, retries exhausted")

const (
	connectionTimeout  = 6 * time.Second
	ackTimeout         = 3 * time.Second
	maxRetransmissions = 3
)

// Listener receives Destination lifecycle events (§4.3, §8 scenario 5).
type Listener interface {
	Disconnected(d *Destination)
}

// Destination is one end of a TL4 connection-oriented or connectionless
// exchange (§3 Destination, §4.3).
type Destination struct {
	owner  *TransportLayer
	remote knxaddr.IndividualAddress
	mode   Mode

	keepAlive  bool
	verifyMode bool

	mu       sync.Mutex
	state    State
	sendSeq  byte // 0..15
	recvSeq  byte // 0..15
	retries  int

	ackTimer        *time.Timer
	inactivityTimer *time.Timer

	ackWait chan error // signalled by the owner's dispatch goroutine on T_ACK/T_NAK
}

func newDestination(owner *TransportLayer, remote knxaddr.IndividualAddress, mode Mode, keepAlive, verifyMode bool) *Destination {
	return &Destination{
		owner:      owner,
		remote:     remote,
		mode:       mode,
		keepAlive:  keepAlive,
		verifyMode: verifyMode,
		state:      Disconnected,
	}
}

// Remote returns the peer individual address.
func (d *Destination) Remote() knxaddr.IndividualAddress { return d.remote }

// Mode returns the destination's connection mode.
func (d *Destination) Mode() Mode { return d.mode }

// State returns the destination's current state machine position.
func (d *Destination) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Destination) checkOwner(tl *TransportLayer) error {
	if d.owner != tl {
		return ErrForeignOwner
	}
	return nil
}

func (d *Destination) stopTimersLocked() {
	if d.ackTimer != nil {
		d.ackTimer.Stop()
		d.ackTimer = nil
	}
	if d.inactivityTimer != nil {
		d.inactivityTimer.Stop()
		d.inactivityTimer = nil
	}
}

// connect drives Disconnected -> Connecting: send T_CONNECT and arm the
// 3 s ack timer. An unanswered T_CONNECT is retransmitted up to
// maxRetransmissions times (3 retries of 3 s each, §8 scenario 5) before the
// destination falls back to Disconnected.
func (d *Destination) connect() error {
	d.mu.Lock()
	if d.state == Destroyed {
		d.mu.Unlock()
		return ErrDestroyed
	}
	if d.state != Disconnected {
		d.mu.Unlock()
		return nil // already connecting/connected
	}
	d.state = Connecting
	d.sendSeq, d.recvSeq, d.retries = 0, 0, 0
	d.armConnectTimerLocked()
	d.mu.Unlock()

	return d.owner.transmitControl(d.remote, buildUCDConnect())
}

func (d *Destination) armConnectTimerLocked() {
	if d.ackTimer != nil {
		d.ackTimer.Stop()
	}
	d.ackTimer = time.AfterFunc(ackTimeout, func() { d.owner.onConnectTimeout(d) })
}

// onConnectAck drives Connecting -> OpenIdle (§4.3 state table row 2).
func (d *Destination) onConnectAck() {
	d.mu.Lock()
	if d.state != Connecting {
		d.mu.Unlock()
		return
	}
	d.stopTimersLocked()
	d.state = OpenIdle
	d.armInactivityLocked()
	d.mu.Unlock()
}

func (d *Destination) armInactivityLocked() {
	if d.inactivityTimer != nil {
		d.inactivityTimer.Stop()
	}
	d.inactivityTimer = time.AfterFunc(connectionTimeout, func() { d.owner.onIdleTimeout(d) })
}

// sendData drives OpenIdle -> OpenWait: send T_DATA(sendSeq), arm the 3 s ack
// timer, and block until T_ACK/T_NAK/timeout/disconnect resolve it (§4.3
// state table rows 3-6, Contracts).
func (d *Destination) sendData(priority cemi.Priority, tsdu []byte) error {
	d.mu.Lock()
	switch d.state {
	case Destroyed:
		d.mu.Unlock()
		return ErrDestroyed
	case Disconnected:
		d.mu.Unlock()
		return ErrDisconnected
	case OpenWait:
		d.mu.Unlock()
		return errors.New("transport: send already in flight on this destination")
	}
	seq := d.sendSeq
	d.state = OpenWait
	d.retries = 0
	wait := make(chan error, 1)
	d.ackWait = wait
	d.mu.Unlock()

	for {
		if err := d.owner.transmitData(d.remote, priority, buildNDT(seq), tsdu); err != nil {
			d.mu.Lock()
			d.ackWait = nil
			d.mu.Unlock()
			return err
		}

		d.mu.Lock()
		if d.ackTimer != nil {
			d.ackTimer.Stop()
		}
		d.ackTimer = time.AfterFunc(ackTimeout, func() { d.owner.onAckTimeout(d, seq) })
		d.mu.Unlock()

		err, ok := <-wait
		if !ok {
			// channel closed without a value: destination torn down
			return ErrDisconnected
		}
		if err == nil {
			return nil
		}
		if !errors.Is(err, errRetry) {
			return err
		}

		d.mu.Lock()
		if d.state != OpenWait {
			d.mu.Unlock()
			return ErrDisconnected
		}
		wait = make(chan error, 1)
		d.ackWait = wait
		d.mu.Unlock()
	}
}

// errRetry signals sendData's loop to retransmit without returning to the
// caller.
var errRetry = errors.New("transport: retry")

// onAck drives OpenWait -> OpenIdle on a matching T_ACK, or silently
// discards a duplicate T_ACK(N-1) (§4.3: "Duplicate T_ACK(N-1) is silently
// discarded").
func (d *Destination) onAck(seq byte) {
	d.mu.Lock()
	if d.state != OpenWait {
		d.mu.Unlock()
		return
	}
	if seq != d.sendSeq {
		// duplicate ack for the previous sequence: ignore.
		d.mu.Unlock()
		return
	}
	d.stopTimersLocked()
	d.sendSeq = (d.sendSeq + 1) & 0xF
	d.state = OpenIdle
	d.armInactivityLocked()
	wait := d.ackWait
	d.ackWait = nil
	d.mu.Unlock()

	if wait != nil {
		wait <- nil
	}
}

// onNak retransmits immediately without waiting out the ack timer.
func (d *Destination) onNak(seq byte) {
	d.mu.Lock()
	if d.state != OpenWait || seq != d.sendSeq {
		d.mu.Unlock()
		return
	}
	wait := d.ackWait
	d.mu.Unlock()
	if wait != nil {
		wait <- errRetry
	}
}

// onAckTimeout retransmits up to maxRetransmissions, then tears the
// destination down (§4.3 state table row 5).
func (d *Destination) onAckTimeout(seq byte) {
	d.mu.Lock()
	if d.state != OpenWait || seq != d.sendSeq {
		d.mu.Unlock()
		return
	}
	d.retries++
	if d.retries > maxRetransmissions {
		d.mu.Unlock()
		d.teardown(ErrSendTimeout)
		return
	}
	wait := d.ackWait
	d.mu.Unlock()
	if wait != nil {
		wait <- errRetry
	}
}

// onIncomingData validates an inbound T_DATA(N) and reports whether to ack
// (true) or nak (false) it (§4.3: "accepted only if N == expectedRecv").
func (d *Destination) onIncomingData(seq byte) (ack bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != OpenIdle && d.state != OpenWait {
		return false
	}
	d.armInactivityLocked()
	if seq != d.recvSeq {
		return false
	}
	d.recvSeq = (d.recvSeq + 1) & 0xF
	return true
}

// onPeerDisconnect drives OpenIdle/OpenWait/Connecting -> Disconnected on a
// peer T_DISCONNECT (§4.3 state table row 7).
func (d *Destination) onPeerDisconnect() {
	d.teardown(ErrDisconnected)
}

// onIdleTimeout drives OpenIdle -> Disconnected after 6 s with no keepalive
// traffic, sending T_DISCONNECT first (§4.3 state table row 8).
func (d *Destination) onIdleTimeout() {
	d.mu.Lock()
	if d.state != OpenIdle {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()
	_ = d.owner.transmitControl(d.remote, buildUCDDisconnect())
	d.teardown(ErrDisconnected)
}

// onConnectTimeout retransmits T_CONNECT up to maxRetransmissions times,
// then tears the destination down (§8 scenario 5: "after 3 retries of 3 s
// each, destination transitions Disconnected, listener receives
// disconnected(d) once").
func (d *Destination) onConnectTimeout() {
	d.mu.Lock()
	if d.state != Connecting {
		d.mu.Unlock()
		return
	}
	d.retries++
	if d.retries > maxRetransmissions {
		d.mu.Unlock()
		d.teardown(ErrSendTimeout)
		return
	}
	d.armConnectTimerLocked()
	d.mu.Unlock()

	_ = d.owner.transmitControl(d.remote, buildUCDConnect())
}

func (d *Destination) teardown(sendErr error) {
	d.mu.Lock()
	if d.state == Disconnected || d.state == Destroyed {
		d.mu.Unlock()
		return
	}
	d.stopTimersLocked()
	d.state = Disconnected
	wait := d.ackWait
	d.ackWait = nil
	d.mu.Unlock()

	if wait != nil {
		wait <- sendErr
	}
	d.owner.notifyDisconnected(d)
}

// destroy drives any state -> Destroyed, terminal (§3 Destination lifecycle).
func (d *Destination) destroy() {
	d.mu.Lock()
	if d.state == Destroyed {
		d.mu.Unlock()
		return
	}
	d.stopTimersLocked()
	d.state = Destroyed
	wait := d.ackWait
	d.ackWait = nil
	d.mu.Unlock()

	if wait != nil {
		wait <- ErrDestroyed
	}
	d.owner.unregister(d)
}
