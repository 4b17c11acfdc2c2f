package link

import "github.com/calimero-project/calimero-core-sub010/cemi"

// Initiator identifies who caused a link closure (§4.1 Failure semantics).
type Initiator int

const (
	InitiatorUser Initiator = iota
	InitiatorServer
	InitiatorClient
	InitiatorInternal
)

func (i Initiator) String() string {
	switch i {
	case InitiatorUser:
		return "user"
	case InitiatorServer:
		return "server"
	case InitiatorClient:
		return "client"
	case InitiatorInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// ClosedEvent is fired exactly once when a Link transitions to closed (§4.1).
type ClosedEvent struct {
	Initiator Initiator
	Reason    string
}

// Listener receives dispatched frame events from a Link. A Listener whose
// method panics is removed from the link's listener set with a diagnostic
// (§4.1 Dispatch, §7 Propagation policy) rather than taking down the
// dispatch worker or blocking sibling listeners.
type Listener interface {
	Indication(f cemi.LData)
	Confirmation(f cemi.LData)
	DeviceMgmt(f cemi.DeviceMgmt)
	Monitor(f cemi.Busmonitor)
	Closed(ev ClosedEvent)
}

// ListenerFuncs adapts plain functions to the Listener interface; any nil
// field is a no-op, matching how most callers only care about one event kind.
type ListenerFuncs struct {
	OnIndication  func(cemi.LData)
	OnConfirmation func(cemi.LData)
	OnDeviceMgmt  func(cemi.DeviceMgmt)
	OnMonitor     func(cemi.Busmonitor)
	OnClosed      func(ClosedEvent)
}

func (l ListenerFuncs) Indication(f cemi.LData) {
	if l.OnIndication != nil {
		l.OnIndication(f)
	}
}

func (l ListenerFuncs) Confirmation(f cemi.LData) {
	if l.OnConfirmation != nil {
		l.OnConfirmation(f)
	}
}

func (l ListenerFuncs) DeviceMgmt(f cemi.DeviceMgmt) {
	if l.OnDeviceMgmt != nil {
		l.OnDeviceMgmt(f)
	}
}

func (l ListenerFuncs) Monitor(f cemi.Busmonitor) {
	if l.OnMonitor != nil {
		l.OnMonitor(f)
	}
}

func (l ListenerFuncs) Closed(ev ClosedEvent) {
	if l.OnClosed != nil {
		l.OnClosed(ev)
	}
}
