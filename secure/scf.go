package secure

import (
	"errors"
	"fmt"
)

// AlgorithmID selects the CCM variant used by a secure frame (§3 SCF).
type AlgorithmID byte

const (
	AlgCCMAuth     AlgorithmID = 0 // authentication only
	AlgCCMAuthConf AlgorithmID = 1 // authentication + confidentiality
)

// Service identifies the secure service carried by a frame (§3 SCF).
type Service byte

const (
	ServiceData    Service = 0
	ServiceSyncReq Service = 2
	ServiceSyncRes Service = 3
)

func (s Service) String() string {
	switch s {
	case ServiceData:
		return "data"
	case ServiceSyncReq:
		return "syncReq"
	case ServiceSyncRes:
		return "syncRes"
	default:
		return "invalid"
	}
}

// apciSecureService is the fixed APCI value carried by every secure frame
// (§6.1 Wire format).
const apciSecureService uint16 = 0x3F1

// ErrInvalidScf is returned when an SCF octet violates the invariants in
// §3 (algorithm/service range, systemBroadcast implies toolAccess).
var ErrInvalidScf = errors.New("secure: invalid SCF")

// SCF is the decoded Secure Control Field (§3).
type SCF struct {
	ToolAccess      bool
	Algorithm       AlgorithmID
	SystemBroadcast bool
	Service         Service
}

// Validate checks the SCF invariants from §3: algorithmId ∈ {0,1}; service ∈
// {0,2,3}; systemBroadcast ⇒ toolAccess.
func (s SCF) Validate() error {
	if s.Algorithm != AlgCCMAuth && s.Algorithm != AlgCCMAuthConf {
		return fmt.Errorf("%w: algorithmId %d", ErrInvalidScf, s.Algorithm)
	}
	switch s.Service {
	case ServiceData, ServiceSyncReq, ServiceSyncRes:
	default:
		return fmt.Errorf("%w: service %d", ErrInvalidScf, s.Service)
	}
	if s.SystemBroadcast && !s.ToolAccess {
		return fmt.Errorf("%w: systemBroadcast without toolAccess", ErrInvalidScf)
	}
	return nil
}

// Encode packs the SCF into its wire octet (§3).
func (s SCF) Encode() byte {
	var b byte
	if s.ToolAccess {
		b |= 0x80
	}
	b |= byte(s.Algorithm&0x7) << 4
	if s.SystemBroadcast {
		b |= 0x08
	}
	b |= byte(s.Service) & 0x07
	return b
}

// DecodeSCF unpacks and validates a wire SCF octet (§3, §4.4 inbound step 3).
func DecodeSCF(b byte) (SCF, error) {
	s := SCF{
		ToolAccess:      b&0x80 != 0,
		Algorithm:       AlgorithmID((b >> 4) & 0x7),
		SystemBroadcast: b&0x08 != 0,
		Service:         Service(b & 0x07),
	}
	if err := s.Validate(); err != nil {
		return SCF{}, err
	}
	return s, nil
}

// secureHeader packs TPCI's upper 6 bits with the 10-bit secure-service APCI
// into the two leading wire bytes (§6.1).
func secureHeader(tpciUpper byte) [2]byte {
	return [2]byte{
		(tpciUpper & 0xFC) | byte(apciSecureService>>8&0x03),
		byte(apciSecureService & 0xFF),
	}
}

// parseSecureHeader recovers the TPCI upper bits and the carried APCI,
// reporting whether the APCI identifies the secure service.
func parseSecureHeader(b [2]byte) (tpciUpper byte, isSecure bool) {
	apci := uint16(b[0]&0x03)<<8 | uint16(b[1])
	return b[0] & 0xFC, apci == apciSecureService
}
