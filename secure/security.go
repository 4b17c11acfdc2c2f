package secure

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/calimero-project/calimero-core-sub010/knxaddr"
)

// syncThrottle bounds how often this device answers a directed syncReq
// (§4.4 Sync protocol: "at-most-one-per-second throttling").
const syncThrottle = time.Second

// syncTimeout bounds how long SyncWith/BroadcastSyncRequest wait for a
// matching syncRes (§3 Pending sync request).
const syncTimeout = 6 * time.Second

// AccessChecker is consulted on every successfully verified inbound frame
// (§4.4 Inbound step 9). A nil AccessChecker on Security allows everything.
type AccessChecker interface {
	CheckAccess(dst knxaddr.KNXAddress, service Service, scf SCF) bool
}

// FailureCounters are saturating 16-bit diagnostic counters, one per
// rejection kind (§4.4 Failure counters).
type FailureCounters struct {
	InvalidScf         uint32
	SeqNoError         uint32
	CryptoError        uint32
	AccessAndRoleError uint32
}

func bumpSaturating(counter *uint32) {
	for {
		old := atomic.LoadUint32(counter)
		if old >= 0xFFFF {
			return
		}
		if atomic.CompareAndSwapUint32(counter, old, old+1) {
			return
		}
	}
}

// Snapshot returns the current counter values.
func (c *FailureCounters) Snapshot() FailureCounters {
	return FailureCounters{
		InvalidScf:         atomic.LoadUint32(&c.InvalidScf),
		SeqNoError:         atomic.LoadUint32(&c.SeqNoError),
		CryptoError:        atomic.LoadUint32(&c.CryptoError),
		AccessAndRoleError: atomic.LoadUint32(&c.AccessAndRoleError),
	}
}

type pendingSync struct {
	challenge [6]byte
	key       [KeyLen]byte
	result    chan syncOutcome
	created   time.Time
}

type syncOutcome struct {
	ourNextSeq   uint64
	theirNextSeq uint64
	err          error
}

// Sender transmits an already-built secure APDU to a peer and is supplied
// by the caller that owns the Transport Layer connection (Security has no
// dependency on Transport or Link, §4.4).
type Sender func(apdu []byte) error

// Security owns all KNX Data Secure key material for one local device and
// implements the outbound/inbound wire algorithms and sequence-number
// policy of §4.4.
type Security struct {
	local knxaddr.IndividualAddress

	mu               sync.RWMutex
	toolKey          map[knxaddr.IndividualAddress][KeyLen]byte
	groupKey         map[knxaddr.GroupAddress][KeyLen]byte
	groupSenders     map[knxaddr.GroupAddress]map[knxaddr.IndividualAddress]struct{}
	broadcastToolKey map[knxaddr.SerialNumber][KeyLen]byte

	seqPlain atomic.Uint64
	seqTool  atomic.Uint64

	lastMu       sync.Mutex
	lastValidSeq map[knxaddr.IndividualAddress]uint64

	pendingMu        sync.Mutex
	pendingDirected  map[knxaddr.IndividualAddress]*pendingSync
	pendingBroadcast map[knxaddr.SerialNumber]*pendingSync

	throttleMu   sync.Mutex
	lastSyncResp time.Time

	Access   AccessChecker
	Counters FailureCounters

	metricsOnce sync.Once
	metrics     *failureMetrics
}

// NewSecurity constructs an empty key store for the given local device
// address (§3 Keys, ownership: "a Security entity exclusively owns all key
// tables").
func NewSecurity(local knxaddr.IndividualAddress) *Security {
	return &Security{
		local:            local,
		toolKey:          make(map[knxaddr.IndividualAddress][KeyLen]byte),
		groupKey:         make(map[knxaddr.GroupAddress][KeyLen]byte),
		groupSenders:     make(map[knxaddr.GroupAddress]map[knxaddr.IndividualAddress]struct{}),
		broadcastToolKey: make(map[knxaddr.SerialNumber][KeyLen]byte),
		lastValidSeq:     make(map[knxaddr.IndividualAddress]uint64),
		pendingDirected:  make(map[knxaddr.IndividualAddress]*pendingSync),
		pendingBroadcast: make(map[knxaddr.SerialNumber]*pendingSync),
	}
}

// SetToolKey installs the per-remote-device tool key (§3 Keys).
func (s *Security) SetToolKey(remote knxaddr.IndividualAddress, key [KeyLen]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolKey[remote] = key
}

// SetGroupKey installs the per-group key and optional sender whitelist.
// An empty or nil senders set means "any sender is accepted" (§4.4 Inbound
// step 4: "or the set is empty").
func (s *Security) SetGroupKey(group knxaddr.GroupAddress, key [KeyLen]byte, senders []knxaddr.IndividualAddress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groupKey[group] = key
	if len(senders) == 0 {
		delete(s.groupSenders, group)
		return
	}
	set := make(map[knxaddr.IndividualAddress]struct{}, len(senders))
	for _, a := range senders {
		set[a] = struct{}{}
	}
	s.groupSenders[group] = set
}

// SetBroadcastToolKey installs a transient per-serial tool key established
// via broadcast sync (§3 Keys).
func (s *Security) SetBroadcastToolKey(serial knxaddr.SerialNumber, key [KeyLen]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcastToolKey[serial] = key
}

// ClearBroadcastToolKey drops and zeroizes a transient broadcast key (§3
// Keys: "cleared (zeroized) when a transient broadcast key is dropped").
func (s *Security) ClearBroadcastToolKey(serial knxaddr.SerialNumber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key, ok := s.broadcastToolKey[serial]; ok {
		for i := range key {
			key[i] = 0
		}
		delete(s.broadcastToolKey, serial)
	}
}

func (s *Security) lookupKey(dst knxaddr.KNXAddress, toolAccess bool) ([KeyLen]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if dst.IsGroup() {
		if toolAccess {
			return [KeyLen]byte{}, false
		}
		k, ok := s.groupKey[dst.AsGroup()]
		return k, ok
	}
	k, ok := s.toolKey[dst.Individual()]
	return k, ok
}

func encode48(v uint64) [6]byte {
	var full [8]byte
	binary.BigEndian.PutUint64(full[:], v)
	var b [6]byte
	copy(b[:], full[2:8])
	return b
}

func decode48(b [6]byte) uint64 {
	var full [8]byte
	copy(full[2:8], b[:])
	return binary.BigEndian.Uint64(full[:])
}

func (s *Security) peerLastValidSeq(peer knxaddr.IndividualAddress) uint64 {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	return s.lastValidSeq[peer]
}

func (s *Security) setPeerLastValidSeq(peer knxaddr.IndividualAddress, seq uint64) {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	if seq > s.lastValidSeq[peer] {
		s.lastValidSeq[peer] = seq
	}
}

// SecureData builds a secure wire frame for a plaintext APDU (§4.4
// Outbound). toolAccess selects the tool sequence counter; otherwise the
// plain sequence counter is used. The key is the group key for a group
// destination and the destination's tool key for an individual one.
func (s *Security) SecureData(tpci byte, dst knxaddr.KNXAddress, apdu []byte, toolAccess, authConf bool, extendedFrameFormat byte) ([]byte, error) {
	if toolAccess && dst.IsGroup() && !dst.IsBroadcast() {
		return nil, fmt.Errorf("%w: tool access to a group requires the broadcast address", ErrAccessAndRoleError)
	}

	key, ok := s.lookupKey(dst, toolAccess)
	if !ok {
		return nil, ErrNoKey
	}

	alg := AlgCCMAuth
	if authConf {
		alg = AlgCCMAuthConf
	}
	scf := SCF{ToolAccess: toolAccess, Algorithm: alg, Service: ServiceData, SystemBroadcast: toolAccess && dst.IsBroadcast()}
	if err := scf.Validate(); err != nil {
		return nil, err
	}

	var seq uint64
	if toolAccess {
		if s.seqTool.Load() == 0 {
			return nil, ErrSecureSync
		}
		seq = s.seqTool.Add(1)
	} else {
		seq = s.seqPlain.Add(1)
	}

	frame, err := Secure(SecureParams{
		TPCI:                tpci,
		Src:                 s.local,
		Dst:                 dst,
		ExtendedFrameFormat: extendedFrameFormat,
		APDU:                apdu,
		SCF:                 scf,
		Key:                 key,
		SeqOrRand:           encode48(seq),
	})
	if err != nil {
		// Secure fails only on SCF validation (or cipher setup, which cannot
		// fail for a KeyLen key); the SCF was validated above, before the
		// sequence counter advanced.
		return nil, err
	}
	return frame, nil
}

// SyncWith runs the directed sync handshake against remote (§4.4 Sync
// protocol, §3 Pending sync request): build and transmit a syncReq, then
// block up to 6 s for the matching syncRes delivered through HandleInbound.
func (s *Security) SyncWith(tpci byte, remote knxaddr.IndividualAddress, send Sender) error {
	key, ok := func() ([KeyLen]byte, bool) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		k, ok := s.toolKey[remote]
		return k, ok
	}()
	if !ok {
		return ErrNoKey
	}

	challenge := encode48(s.seqTool.Load() + 1)
	payload := encode48(s.peerLastValidSeq(remote) + 1)

	pending := &pendingSync{challenge: challenge, key: key, result: make(chan syncOutcome, 1), created: time.Now()}
	s.pendingMu.Lock()
	s.pendingDirected[remote] = pending
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pendingDirected, remote)
		s.pendingMu.Unlock()
	}()

	frame, err := Secure(SecureParams{
		TPCI:      tpci,
		Src:       s.local,
		Dst:       knxaddr.Individual(remote),
		APDU:      payload[:],
		SCF:       SCF{ToolAccess: true, Algorithm: AlgCCMAuthConf, Service: ServiceSyncReq},
		Key:       key,
		SeqOrRand: challenge,
	})
	if err != nil {
		return err
	}
	if err := send(frame); err != nil {
		return err
	}

	select {
	case out := <-pending.result:
		if out.err != nil {
			return out.err
		}
		if out.ourNextSeq > s.seqTool.Load() {
			s.seqTool.Store(out.ourNextSeq)
		}
		s.setPeerLastValidSeq(remote, out.theirNextSeq-1)
		return nil
	case <-time.After(syncTimeout):
		return ErrSecureSync
	}
}

// BroadcastSyncRequest runs the system-broadcast sync handshake for serial
// (§4.4 Sync protocol, §3 Pending sync request), using the transient key
// installed by SetBroadcastToolKey.
func (s *Security) BroadcastSyncRequest(tpci byte, serial knxaddr.SerialNumber, send Sender) error {
	key, ok := func() ([KeyLen]byte, bool) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		k, ok := s.broadcastToolKey[serial]
		return k, ok
	}()
	if !ok {
		return ErrNoKey
	}

	challenge := encode48(s.seqTool.Load() + 1)
	payload := encode48(1)

	pending := &pendingSync{challenge: challenge, key: key, result: make(chan syncOutcome, 1), created: time.Now()}
	s.pendingMu.Lock()
	s.pendingBroadcast[serial] = pending
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pendingBroadcast, serial)
		s.pendingMu.Unlock()
	}()

	frame, err := Secure(SecureParams{
		TPCI:              tpci,
		Src:               s.local,
		Dst:               knxaddr.Group(knxaddr.GroupBroadcast),
		APDU:              payload[:],
		SCF:               SCF{ToolAccess: true, Algorithm: AlgCCMAuthConf, Service: ServiceSyncReq, SystemBroadcast: true},
		Key:               key,
		SeqOrRand:         challenge,
		DestinationSerial: serial,
	})
	if err != nil {
		return err
	}
	if err := send(frame); err != nil {
		return err
	}

	select {
	case out := <-pending.result:
		if out.err != nil {
			return out.err
		}
		if out.ourNextSeq > s.seqTool.Load() {
			s.seqTool.Store(out.ourNextSeq)
		}
		return nil
	case <-time.After(syncTimeout):
		return ErrSecureSync
	}
}

// HandleInbound decodes and verifies an inbound secure wire frame, applying
// key selection, sequence-number policy, and the access hook (§4.4 Inbound).
// For a syncReq directed at this device, HandleInbound itself transmits the
// syncRes via send. For a syncRes matching a pending SyncWith/
// BroadcastSyncRequest call, it resolves that call and returns the syncRes's
// plain payload like any other frame.
func (s *Security) HandleInbound(tpci byte, src knxaddr.IndividualAddress, dst knxaddr.KNXAddress, raw []byte, extendedFrameFormat byte, send Sender) (Service, []byte, error) {
	f, err := DecodeFrame(raw)
	if err != nil {
		if errors.Is(err, ErrNotSecure) {
			return 0, nil, err
		}
		if errors.Is(err, ErrCryptoError) {
			bumpSaturating(&s.Counters.CryptoError)
		} else {
			bumpSaturating(&s.Counters.InvalidScf)
		}
		return 0, nil, err
	}

	switch f.SCF.Service {
	case ServiceSyncRes:
		return s.handleSyncRes(src, dst, f, extendedFrameFormat)
	case ServiceSyncReq:
		return s.handleSyncReq(tpci, src, dst, f, extendedFrameFormat, send)
	default:
		return s.handleData(src, dst, f, extendedFrameFormat)
	}
}

func (s *Security) handleData(src knxaddr.IndividualAddress, dst knxaddr.KNXAddress, f Frame, eff byte) (Service, []byte, error) {
	var key [KeyLen]byte
	var ok bool
	if dst.IsGroup() {
		s.mu.RLock()
		key, ok = s.groupKey[dst.AsGroup()]
		senders, hasSenders := s.groupSenders[dst.AsGroup()]
		s.mu.RUnlock()
		if ok && hasSenders {
			if _, allowed := senders[src]; !allowed {
				bumpSaturating(&s.Counters.AccessAndRoleError)
				return 0, nil, ErrAccessAndRoleError
			}
		}
		if f.SCF.ToolAccess {
			bumpSaturating(&s.Counters.AccessAndRoleError)
			return 0, nil, ErrAccessAndRoleError
		}
	} else {
		s.mu.RLock()
		key, ok = s.toolKey[src]
		s.mu.RUnlock()
	}
	if !ok {
		bumpSaturating(&s.Counters.CryptoError)
		return 0, nil, ErrNoKey
	}

	seq := decode48(f.SeqOrRand)
	if seq < s.peerLastValidSeq(src)+1 {
		bumpSaturating(&s.Counters.SeqNoError)
		return 0, nil, ErrSeqNoError
	}

	apdu, err := verifyAndDecrypt(f, src, dst, eff, key)
	if err != nil {
		bumpSaturating(&s.Counters.CryptoError)
		return 0, nil, err
	}
	s.setPeerLastValidSeq(src, seq)

	if s.Access != nil && !s.Access.CheckAccess(dst, f.SCF.Service, f.SCF) {
		bumpSaturating(&s.Counters.AccessAndRoleError)
		return 0, nil, ErrAccessAndRoleError
	}
	return f.SCF.Service, apdu, nil
}

func (s *Security) handleSyncReq(tpci byte, src knxaddr.IndividualAddress, dst knxaddr.KNXAddress, f Frame, eff byte, send Sender) (Service, []byte, error) {
	var key [KeyLen]byte
	var ok bool
	if !f.DestinationSerial.IsZero() {
		s.mu.RLock()
		key, ok = s.broadcastToolKey[f.DestinationSerial]
		s.mu.RUnlock()
	} else {
		s.mu.RLock()
		key, ok = s.toolKey[src]
		s.mu.RUnlock()
	}
	if !ok {
		bumpSaturating(&s.Counters.CryptoError)
		return 0, nil, ErrNoKey
	}

	apdu, err := verifyAndDecrypt(f, src, dst, eff, key)
	if err != nil {
		bumpSaturating(&s.Counters.CryptoError)
		return 0, nil, err
	}

	s.throttleMu.Lock()
	if time.Since(s.lastSyncResp) < syncThrottle {
		s.throttleMu.Unlock()
		return ServiceSyncReq, apdu, nil // throttled: silently drop the response
	}
	s.lastSyncResp = time.Now()
	s.throttleMu.Unlock()

	theirNextSeq := s.peerLastValidSeq(src) + 1
	if len(apdu) >= 6 {
		if reported := decode48([6]byte(apdu[:6])); reported > theirNextSeq {
			theirNextSeq = reported
		}
	}
	ourNextSeq := s.seqTool.Load() + 1

	ourBytes := encode48(ourNextSeq)
	theirBytes := encode48(theirNextSeq)
	var respPayload [12]byte
	copy(respPayload[0:6], ourBytes[:])
	copy(respPayload[6:12], theirBytes[:])

	var fresh [6]byte
	if _, err := rand.Read(fresh[:]); err != nil {
		return 0, nil, err
	}

	// The CCM blocks are computed over the fresh random value; only the
	// wire SeqOrRand field is XORed with the requester's challenge, so the
	// requester can recover `fresh` by XORing it back before verifying
	// (§4.4 SeqOrRand, Inbound step 5).
	resp, err := Secure(SecureParams{
		TPCI:              tpci,
		Src:               s.local,
		Dst:               knxaddr.Individual(src),
		APDU:              respPayload[:],
		SCF:               SCF{ToolAccess: true, Algorithm: AlgCCMAuthConf, Service: ServiceSyncRes},
		Key:               key,
		SeqOrRand:         fresh,
		DestinationSerial: f.DestinationSerial,
	})
	if err != nil {
		return 0, nil, err
	}
	for i := 0; i < 6; i++ {
		resp[3+i] ^= f.SeqOrRand[i]
	}
	if send != nil {
		if err := send(resp); err != nil {
			return 0, nil, err
		}
	}
	return ServiceSyncReq, apdu, nil
}

// handleSyncRes matches an inbound syncRes against a pending request. A
// directed sync is matched by the responder's address; a broadcast sync's
// syncRes carries no serial number on the wire (§6.1: only syncReq does),
// so it is matched by trial MAC verification against each outstanding
// broadcast request, since the responding device's address isn't known in
// advance.
func (s *Security) handleSyncRes(src knxaddr.IndividualAddress, dst knxaddr.KNXAddress, f Frame, eff byte) (Service, []byte, error) {
	s.pendingMu.Lock()
	pending, ok := s.pendingDirected[src]
	var candidates []*pendingSync
	if !ok {
		for _, p := range s.pendingBroadcast {
			candidates = append(candidates, p)
		}
	}
	s.pendingMu.Unlock()

	if ok {
		service, apdu, err := s.resolveSyncRes(pending, src, dst, f, eff)
		if err != nil {
			bumpSaturating(&s.Counters.CryptoError)
			pending.result <- syncOutcome{err: err}
		}
		return service, apdu, err
	}
	for _, p := range candidates {
		if service, apdu, err := s.resolveSyncRes(p, src, dst, f, eff); err == nil {
			return service, apdu, nil
		}
	}
	return ServiceSyncRes, nil, nil // no matching request: silently drop (§4.4 Inbound step 4)
}

func (s *Security) resolveSyncRes(pending *pendingSync, src knxaddr.IndividualAddress, dst knxaddr.KNXAddress, f Frame, eff byte) (Service, []byte, error) {
	var random [6]byte
	for i := range random {
		random[i] = f.SeqOrRand[i] ^ pending.challenge[i]
	}
	recovered := f
	recovered.SeqOrRand = random

	apdu, err := verifyAndDecrypt(recovered, src, dst, eff, pending.key)
	if err != nil {
		return 0, nil, err
	}
	if len(apdu) < 12 {
		return 0, nil, ErrCryptoError
	}

	out := syncOutcome{
		ourNextSeq:   decode48([6]byte(apdu[0:6])),
		theirNextSeq: decode48([6]byte(apdu[6:12])),
	}
	pending.result <- out
	return ServiceSyncRes, apdu, nil
}
