package transport

import (
	"sync"

	"github.com/calimero-project/calimero-core-sub010/cemi"
	"github.com/calimero-project/calimero-core-sub010/knxaddr"
	"github.com/calimero-project/calimero-core-sub010/link"
)

// fakeLink is a minimal link.Link double that records every sent frame and
// lets tests inject inbound indications directly, without a real Medium
// round-trip (two-node network simulation is outside this repo's scope).
type fakeLink struct {
	mu        sync.Mutex
	sent      []sentFrame
	listeners []link.Listener
	open      bool
}

type sentFrame struct {
	dst      knxaddr.KNXAddress
	priority cemi.Priority
	nsdu     []byte
}

func newFakeLink() *fakeLink { return &fakeLink{open: true} }

func (f *fakeLink) SendRequest(dst knxaddr.KNXAddress, priority cemi.Priority, nsdu []byte) error {
	f.mu.Lock()
	f.sent = append(f.sent, sentFrame{dst, priority, append([]byte(nil), nsdu...)})
	f.mu.Unlock()
	return nil
}

func (f *fakeLink) SendRequestWait(dst knxaddr.KNXAddress, priority cemi.Priority, nsdu []byte) (cemi.LData, error) {
	_ = f.SendRequest(dst, priority, nsdu)
	return cemi.LData{Code: cemi.LDataCon}, nil
}

func (f *fakeLink) Send(frame cemi.LData, waitForCon bool) (cemi.LData, error) {
	_ = f.SendRequest(frame.Dst, frame.Priority, frame.NSDU)
	return cemi.LData{Code: cemi.LDataCon}, nil
}

func (f *fakeLink) AddListener(l link.Listener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, l)
}

func (f *fakeLink) RemoveListener(l link.Listener) {}

func (f *fakeLink) SetObjectServerParser(link.ObjectServerParser) {}

func (f *fakeLink) Close() error {
	f.mu.Lock()
	f.open = false
	f.mu.Unlock()
	return nil
}

func (f *fakeLink) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeLink) lastSent() (sentFrame, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return sentFrame{}, false
	}
	return f.sent[len(f.sent)-1], true
}

func (f *fakeLink) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}
