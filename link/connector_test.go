package link

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calimero-project/calimero-core-sub010/cemi"
	"github.com/calimero-project/calimero-core-sub010/klog"
	"github.com/calimero-project/calimero-core-sub010/knxaddr"
)

func newLoopbackLink(t *testing.T) Link {
	t.Helper()
	medium := NewLoopbackMedium(testAddr(t, "1.1.1"))
	return New(medium, klog.New("test"))
}

// TestConnectorReplaysMediumSettingsOnReconnect exercises §4.2 Reconnect
// procedure: device address, max APDU length, medium kind and PL/RF domain
// address set via SetMediumSettings are applied to every freshly (re)connected
// Link, not just the first one.
func TestConnectorReplaysMediumSettingsOnReconnect(t *testing.T) {
	factory := func() (Link, error) {
		medium := NewLoopbackMedium(knxaddr.IndividualAddress(0))
		return New(medium, klog.New("test")), nil
	}

	var reconnected atomic.Bool
	conn, err := NewConnector(factory, ConnectorConfig{
		MaxAttempts:     1,
		ReconnectDelay:  10 * time.Millisecond,
		OnServerDisconn: true,
		StatusNotifier: func(connected bool) {
			if connected {
				reconnected.Store(true)
			}
		},
	}, klog.New("test"))
	require.NoError(t, err)
	defer conn.Close()

	replayed := testAddr(t, "1.1.9")
	conn.SetMediumSettings(MediumSettings{
		DeviceAddress: replayed,
		MaxAPDULength: 35,
		Kind:          MediumPL,
		KindSet:       true,
		DomainAddress: []byte{0xAA, 0xBB},
	})

	var mu sync.Mutex
	var got []cemi.AdditionalInfo
	conn.AddListener(ListenerFuncs{
		OnIndication: func(f cemi.LData) { mu.Lock(); got = f.AddInfo; mu.Unlock() },
	})

	conn.Closed(ClosedEvent{Initiator: InitiatorServer, Reason: "peer reset"})

	require.Eventually(t, func() bool {
		return reconnected.Load() && conn.IsOpen()
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.SendRequest(knxaddr.Group(testGroup(t, "1/0/1")), cemi.PriorityNormal, []byte{0x00, 0x81}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, cemi.AddInfoDomainAddr, got[0].Type)
	assert.Equal(t, []byte{0xAA, 0xBB}, got[0].Data)
}

// TestConnectorReconnectBackoff exercises §8 scenario 6: wrap link,
// maxAttempts=3, reconnectDelay=short, fail first 2 reconnect attempts,
// succeed on the 3rd; expect statusNotifier(false) once, then
// statusNotifier(true) once on recovery. Listener re-attachment is not
// asserted here.
func TestConnectorReconnectBackoff(t *testing.T) {
	var factoryCalls int32
	factory := func() (Link, error) {
		n := atomic.AddInt32(&factoryCalls, 1)
		if n == 1 {
			return newLoopbackLink(t), nil // initial connect
		}
		if n <= 3 { // two failing reconnect attempts
			return nil, errors.New("dial failed")
		}
		return newLoopbackLink(t), nil // third reconnect attempt succeeds
	}

	var mu sync.Mutex
	var statuses []bool
	cfg := ConnectorConfig{
		MaxAttempts:     3,
		ReconnectDelay:  20 * time.Millisecond,
		OnServerDisconn: true,
		StatusNotifier: func(connected bool) {
			mu.Lock()
			statuses = append(statuses, connected)
			mu.Unlock()
		},
	}

	conn, err := NewConnector(factory, cfg, klog.New("test"))
	require.NoError(t, err)
	defer conn.Close()

	var indicationCount int32
	conn.AddListener(&countingListener{count: &indicationCount})

	// Simulate the underlying link reporting a server-initiated disconnect.
	conn.Closed(ClosedEvent{Initiator: InitiatorServer, Reason: "peer reset"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(statuses) >= 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{false, true}, statuses)
}

type countingListener struct {
	count *int32
}

func (c *countingListener) Indication(cemi.LData)      { atomic.AddInt32(c.count, 1) }
func (c *countingListener) Confirmation(cemi.LData)    {}
func (c *countingListener) DeviceMgmt(cemi.DeviceMgmt) {}
func (c *countingListener) Monitor(cemi.Busmonitor)    {}
func (c *countingListener) Closed(ClosedEvent)         {}

// TestConnectorExhaustsAttempts exercises the exhaustion branch: after
// MaxAttempts failed reconnects, Connector fires its own linkClosed{internal,
// "max attempts reached"} and does not call StatusNotifier again beyond the
// single initial false (§4.2 Reconnect procedure).
func TestConnectorExhaustsAttempts(t *testing.T) {
	conn, err := NewConnector(func() (Link, error) { return newLoopbackLink(t), nil }, ConnectorConfig{
		MaxAttempts:     2,
		ReconnectDelay:  10 * time.Millisecond,
		OnServerDisconn: true,
	}, klog.New("test"))
	require.NoError(t, err)
	defer conn.Close()

	// Replace the factory (via a fresh Connector built directly) so every
	// reconnect attempt fails, to drive the exhaustion path deterministically.
	var mu sync.Mutex
	var statuses []bool
	var closedReasons []string

	failConn, err := NewConnector(func() (Link, error) { return newLoopbackLink(t), nil }, ConnectorConfig{
		MaxAttempts:     2,
		ReconnectDelay:  10 * time.Millisecond,
		OnServerDisconn: true,
		StatusNotifier: func(connected bool) {
			mu.Lock()
			statuses = append(statuses, connected)
			mu.Unlock()
		},
	}, klog.New("test"))
	require.NoError(t, err)
	failConn.factory = func() (Link, error) { return nil, errors.New("down") }
	failConn.AddListener(ListenerFuncs{OnClosed: func(ev ClosedEvent) {
		mu.Lock()
		closedReasons = append(closedReasons, ev.Reason)
		mu.Unlock()
	}})

	failConn.Closed(ClosedEvent{Initiator: InitiatorServer, Reason: "down"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(closedReasons) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"max attempts reached"}, closedReasons)
	assert.Equal(t, []bool{false}, statuses)
}
