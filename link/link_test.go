package link

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calimero-project/calimero-core-sub010/cemi"
	"github.com/calimero-project/calimero-core-sub010/klog"
	"github.com/calimero-project/calimero-core-sub010/knxaddr"
)

func testAddr(t *testing.T, s string) knxaddr.IndividualAddress {
	t.Helper()
	a, err := knxaddr.ParseIndividualAddress(s)
	require.NoError(t, err)
	return a
}

func testGroup(t *testing.T, s string) knxaddr.GroupAddress {
	t.Helper()
	g, err := knxaddr.ParseGroupAddress(s)
	require.NoError(t, err)
	return g
}

// TestPlainGroupSend exercises §8 end-to-end scenario 1: plain group send,
// positive confirmation, listener fires exactly one confirmation. The
// loopback medium also echoes the frame as an indication, so exactly one
// indication is seen as well.
func TestPlainGroupSend(t *testing.T) {
	medium := NewLoopbackMedium(testAddr(t, "1.1.10"))
	l := New(medium, klog.New("test"))
	defer l.Close()

	var mu sync.Mutex
	var confirmations, indications int
	l.AddListener(ListenerFuncs{
		OnConfirmation: func(f cemi.LData) { mu.Lock(); confirmations++; mu.Unlock() },
		OnIndication:   func(f cemi.LData) { mu.Lock(); indications++; mu.Unlock() },
	})

	con, err := l.SendRequestWait(knxaddr.Group(testGroup(t, "1/0/1")), cemi.PriorityNormal, []byte{0x00, 0x81})
	require.NoError(t, err)
	assert.Equal(t, cemi.LDataCon, con.Code)

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, confirmations)
	assert.Equal(t, 1, indications)
	mu.Unlock()
}

func TestSendRequestWaitTimeout(t *testing.T) {
	medium := NewLoopbackMedium(testAddr(t, "1.1.1"))
	medium.FailNextWrites = 1
	l := New(medium, klog.New("test"))
	defer l.Close()

	orig := DefaultConfirmationTimeout
	_ = orig

	done := make(chan error, 1)
	go func() {
		_, err := l.SendRequestWait(knxaddr.Group(testGroup(t, "1/0/1")), cemi.PriorityNormal, []byte{0x01})
		done <- err
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("SendRequestWait did not return")
	}
}

func TestListenerPanicIsolated(t *testing.T) {
	medium := NewLoopbackMedium(testAddr(t, "1.1.1"))
	l := New(medium, klog.New("test"))
	defer l.Close()

	var goodCalls int
	var mu sync.Mutex
	l.AddListener(ListenerFuncs{OnIndication: func(cemi.LData) { panic("boom") }})
	l.AddListener(ListenerFuncs{OnIndication: func(cemi.LData) { mu.Lock(); goodCalls++; mu.Unlock() }})

	require.NoError(t, l.SendRequest(knxaddr.Group(testGroup(t, "1/0/1")), cemi.PriorityNormal, []byte{0x01}))
	time.Sleep(30 * time.Millisecond)

	mu.Lock()
	assert.Equal(t, 1, goodCalls)
	mu.Unlock()

	require.NoError(t, l.SendRequest(knxaddr.Group(testGroup(t, "1/0/1")), cemi.PriorityNormal, []byte{0x01}))
	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 2, goodCalls) // the panicking listener was removed, did not block the other
	mu.Unlock()
}

// TestGroupSendOverPLMediumAttachsDomainAddress exercises §4.1 cEMI
// construction: a group-destination frame sent over a PL/RF medium carries
// the medium's domain address as additional-info.
func TestGroupSendOverPLMediumAttachsDomainAddress(t *testing.T) {
	medium := NewLoopbackMedium(testAddr(t, "1.1.1"))
	medium.SetKind(MediumPL)
	medium.SetDomainAddress([]byte{0xAA, 0xBB})
	l := New(medium, klog.New("test"))
	defer l.Close()

	var mu sync.Mutex
	var got []cemi.AdditionalInfo
	l.AddListener(ListenerFuncs{
		OnIndication: func(f cemi.LData) { mu.Lock(); got = f.AddInfo; mu.Unlock() },
	})

	require.NoError(t, l.SendRequest(knxaddr.Group(testGroup(t, "1/0/1")), cemi.PriorityNormal, []byte{0x00, 0x81}))
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, cemi.AddInfoDomainAddr, got[0].Type)
	assert.Equal(t, []byte{0xAA, 0xBB}, got[0].Data)
}

// TestIndividualSendOverPLMediumOmitsDomainAddress exercises the other half
// of §4.1: the domain-address element is only attached for group
// destinations, never individual-address sends.
func TestIndividualSendOverPLMediumOmitsDomainAddress(t *testing.T) {
	medium := NewLoopbackMedium(testAddr(t, "1.1.1"))
	medium.SetKind(MediumPL)
	medium.SetDomainAddress([]byte{0xAA, 0xBB})
	l := New(medium, klog.New("test"))
	defer l.Close()

	var mu sync.Mutex
	var got []cemi.AdditionalInfo
	var called bool
	l.AddListener(ListenerFuncs{
		OnIndication: func(f cemi.LData) { mu.Lock(); got, called = f.AddInfo, true; mu.Unlock() },
	})

	require.NoError(t, l.SendRequest(knxaddr.Individual(testAddr(t, "1.1.2")), cemi.PriorityNormal, []byte{0x00, 0x81}))
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.True(t, called)
	assert.Empty(t, got)
}

func TestCloseIdempotentAndTerminal(t *testing.T) {
	medium := NewLoopbackMedium(testAddr(t, "1.1.1"))
	l := New(medium, klog.New("test"))

	var closedCount int
	var mu sync.Mutex
	l.AddListener(ListenerFuncs{OnClosed: func(ClosedEvent) { mu.Lock(); closedCount++; mu.Unlock() }})

	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	mu.Lock()
	assert.Equal(t, 1, closedCount)
	mu.Unlock()
	assert.False(t, l.IsOpen())

	err := l.SendRequest(knxaddr.Group(testGroup(t, "1/0/1")), cemi.PriorityNormal, []byte{0x01})
	assert.ErrorIs(t, err, ErrClosed)
}
