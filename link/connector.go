package link

import (
	"sync"
	"time"

	"github.com/calimero-project/calimero-core-sub010/cemi"
	"github.com/calimero-project/calimero-core-sub010/klog"
	"github.com/calimero-project/calimero-core-sub010/knxaddr"
)

// Unbounded marks ConnectorConfig.MaxAttempts as having no retry limit (§4.2
// Configuration: "maxAttempts — integer or \"unbounded\"").
const Unbounded = -1

// ConnectorConfig configures the Connector reconnection policy (§4.2).
type ConnectorConfig struct {
	MaxAttempts     int // Unbounded for no limit
	ReconnectDelay  time.Duration
	OnInitialError  bool
	OnServerDisconn bool
	OnInternalDisc  bool
	ConnectOnSend   bool
	StatusNotifier  func(connected bool)
}

// MediumSettings is the subset of medium configuration replayed onto a newly
// (re)connected Link so transient state survives reconnection (§4.2 Reconnect
// procedure, §9 "Connector reconstructing listeners on reconnect").
type MediumSettings struct {
	DeviceAddress knxaddr.IndividualAddress
	MaxAPDULength int
	Kind          MediumKind
	KindSet       bool   // Kind is only replayed when true, since MediumTP1 is also the zero value
	DomainAddress []byte // PL/RF domain address; nil if not applicable
}

// Factory creates a fresh Link (and its underlying Medium) on each
// (re)connection attempt.
type Factory func() (Link, error)

// MediumConfigurer is implemented by Links whose underlying medium settings
// (device address, APDU limit, domain address) can be replayed after a
// reconnect (§4.2 Reconnect procedure, §9 design notes).
type MediumConfigurer interface {
	ApplyMediumSettings(MediumSettings)
}

// Connector wraps a Link with a reconnection policy, preserving the Link
// interface so it is transparent to callers (§4.2).
type Connector struct {
	factory Factory
	cfg     ConnectorConfig
	log     klog.Logger

	mu               sync.Mutex
	cond             *sync.Cond
	impl             Link
	attemptsRemaining int
	connecting       bool
	closed           bool
	listeners        []Listener
	settings         MediumSettings
}

// NewConnector creates a Connector. The first connection is established
// synchronously via factory.
func NewConnector(factory Factory, cfg ConnectorConfig, log klog.Logger) (*Connector, error) {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = Unbounded
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	c := &Connector{factory: factory, cfg: cfg, log: log, attemptsRemaining: cfg.MaxAttempts}
	c.cond = sync.NewCond(&c.mu)

	impl, err := factory()
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.impl = impl
	c.mu.Unlock()
	impl.AddListener(c)
	return c, nil
}

// current returns the active Link, blocking while a reconnect is in flight.
func (c *Connector) current() (Link, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.connecting {
		c.cond.Wait()
	}
	if c.closed {
		return nil, ErrClosed
	}
	if c.impl == nil {
		return nil, ErrClosed
	}
	return c.impl, nil
}

func (c *Connector) SendRequest(dst knxaddr.KNXAddress, priority cemi.Priority, nsdu []byte) error {
	impl, err := c.connectIfNeeded()
	if err != nil {
		return err
	}
	return impl.SendRequest(dst, priority, nsdu)
}

func (c *Connector) SendRequestWait(dst knxaddr.KNXAddress, priority cemi.Priority, nsdu []byte) (cemi.LData, error) {
	impl, err := c.connectIfNeeded()
	if err != nil {
		return cemi.LData{}, err
	}
	return impl.SendRequestWait(dst, priority, nsdu)
}

func (c *Connector) Send(f cemi.LData, waitForCon bool) (cemi.LData, error) {
	impl, err := c.connectIfNeeded()
	if err != nil {
		return cemi.LData{}, err
	}
	return impl.Send(f, waitForCon)
}

func (c *Connector) connectIfNeeded() (Link, error) {
	impl, err := c.current()
	if err == nil && impl.IsOpen() {
		return impl, nil
	}
	if c.cfg.ConnectOnSend {
		c.reconnectNow()
		return c.current()
	}
	if err != nil {
		return nil, err
	}
	return impl, nil
}

func (c *Connector) AddListener(l Listener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()
}

func (c *Connector) RemoveListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, cand := range c.listeners {
		if cand == l {
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			return
		}
	}
}

func (c *Connector) SetObjectServerParser(p ObjectServerParser) {
	if impl, err := c.current(); err == nil {
		impl.SetObjectServerParser(p)
	}
}

func (c *Connector) IsOpen() bool {
	impl, err := c.current()
	return err == nil && impl.IsOpen()
}

func (c *Connector) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	impl := c.impl
	c.mu.Unlock()
	if impl != nil {
		return impl.Close()
	}
	return nil
}

// SetMediumSettings records the medium settings to replay onto the link
// created by each future reconnect (device address, APDU limit, domain
// address — §4.2 Reconnect procedure).
func (c *Connector) SetMediumSettings(s MediumSettings) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings = s
}

// Indication forwards to cached listeners (Connector acts as a transparent
// passthrough for frame events, §4.2 "transparent to callers").
func (c *Connector) Indication(f cemi.LData) {
	for _, l := range c.snapshotListeners() {
		l.Indication(f)
	}
}

// Confirmation forwards to cached listeners.
func (c *Connector) Confirmation(f cemi.LData) {
	for _, l := range c.snapshotListeners() {
		l.Confirmation(f)
	}
}

// Closed implements Listener: it is invoked when the wrapped Link closes,
// triggering the reconnect policy (§4.2 Reconnect procedure).
func (c *Connector) Closed(ev ClosedEvent) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	if !c.policyAllows(ev) {
		for _, l := range c.snapshotListeners() {
			l.Closed(ev)
		}
		return
	}

	c.mu.Lock()
	if c.attemptsRemaining == 0 {
		c.mu.Unlock()
		c.notifyExhausted()
		return
	}
	c.mu.Unlock()

	if c.cfg.StatusNotifier != nil {
		c.cfg.StatusNotifier(false)
	}
	go c.reconnectAfterDelay()
}

func (c *Connector) policyAllows(ev ClosedEvent) bool {
	switch ev.Initiator {
	case InitiatorServer:
		return c.cfg.OnServerDisconn
	case InitiatorInternal:
		return c.cfg.OnInternalDisc
	case InitiatorUser:
		return false
	default:
		return c.cfg.OnInitialError
	}
}

func (c *Connector) reconnectAfterDelay() {
	time.Sleep(c.cfg.ReconnectDelay)
	c.reconnectNow()
}

func (c *Connector) reconnectNow() {
	c.mu.Lock()
	if c.closed || c.connecting {
		c.mu.Unlock()
		return
	}
	c.connecting = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.connecting = false
		c.cond.Broadcast()
		c.mu.Unlock()
	}()

	impl, err := c.factory()
	if err != nil {
		c.mu.Lock()
		if c.attemptsRemaining > 0 {
			c.attemptsRemaining--
		}
		remaining := c.attemptsRemaining
		c.mu.Unlock()
		c.log.Warn("link: reconnect attempt failed: %v", err)
		if remaining == 0 {
			c.notifyExhausted()
			return
		}
		go c.reconnectAfterDelay()
		return
	}

	impl.AddListener(c)
	for _, l := range c.snapshotListeners() {
		impl.AddListener(l)
	}

	c.mu.Lock()
	settings := c.settings
	c.mu.Unlock()
	if mc, ok := impl.(MediumConfigurer); ok {
		mc.ApplyMediumSettings(settings)
	}

	c.mu.Lock()
	c.impl = impl
	c.attemptsRemaining = c.cfg.MaxAttempts
	c.mu.Unlock()

	if c.cfg.StatusNotifier != nil {
		c.cfg.StatusNotifier(true)
	}
}

// notifyExhausted emits the §4.2 "On exhaustion" linkClosed event. The
// transition to disconnected was already reported via a single
// StatusNotifier(false) call when the retry loop started (§8 scenario 6).
func (c *Connector) notifyExhausted() {
	for _, l := range c.snapshotListeners() {
		l.Closed(ClosedEvent{Initiator: InitiatorInternal, Reason: "max attempts reached"})
	}
}

func (c *Connector) snapshotListeners() []Listener {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Listener(nil), c.listeners...)
}
