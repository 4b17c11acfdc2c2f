package secure

import (
	"fmt"

	"github.com/calimero-project/calimero-core-sub010/knxaddr"
)

// Frame is the decoded wire layout of a secure APDU (§6.1 Wire format):
// TPCI/APCI-hi | APCI-lo | SCF | SeqOrRand(6) | [serial(6), syncReq only] |
// body(N) | MAC(4).
type Frame struct {
	TPCIUpper         byte
	SCF               SCF
	SeqOrRand         [6]byte
	DestinationSerial knxaddr.SerialNumber // valid only if SCF.Service == ServiceSyncReq
	Body              []byte               // ciphertext (auth+conf) or plaintext (auth only)
	MAC               [4]byte
}

// Encode renders the frame to its wire bytes (§6.1).
func (f Frame) Encode() []byte {
	header := secureHeader(f.TPCIUpper)
	out := make([]byte, 0, 2+1+6+6+len(f.Body)+4)
	out = append(out, header[0], header[1])
	out = append(out, f.SCF.Encode())
	out = append(out, f.SeqOrRand[:]...)
	if f.SCF.Service == ServiceSyncReq {
		out = append(out, f.DestinationSerial[:]...)
	}
	out = append(out, f.Body...)
	out = append(out, f.MAC[:]...)
	return out
}

// DecodeFrame parses wire bytes into a Frame (§6.1). It reports ErrNotSecure
// if the APCI is not the secure service, and ErrCryptoError for a frame too
// short to hold a complete secure header, sequence, and MAC.
func DecodeFrame(raw []byte) (Frame, error) {
	if len(raw) < 2+1+6+4 {
		return Frame{}, fmt.Errorf("%w: short secure frame", ErrCryptoError)
	}
	var header [2]byte
	copy(header[:], raw[0:2])
	tpciUpper, isSecure := parseSecureHeader(header)
	if !isSecure {
		return Frame{}, ErrNotSecure
	}

	scf, err := DecodeSCF(raw[2])
	if err != nil {
		return Frame{}, err
	}

	var seq [6]byte
	copy(seq[:], raw[3:9])
	rest := raw[9:]

	var serial knxaddr.SerialNumber
	if scf.Service == ServiceSyncReq {
		if len(rest) < 6+4 {
			return Frame{}, fmt.Errorf("%w: short syncReq frame", ErrCryptoError)
		}
		copy(serial[:], rest[:6])
		rest = rest[6:]
	}
	if len(rest) < 4 {
		return Frame{}, fmt.Errorf("%w: missing MAC", ErrCryptoError)
	}

	body := rest[:len(rest)-4]
	var mac [4]byte
	copy(mac[:], rest[len(rest)-4:])
	return Frame{
		TPCIUpper:         tpciUpper,
		SCF:               scf,
		SeqOrRand:         seq,
		DestinationSerial: serial,
		Body:              body,
		MAC:               mac,
	}, nil
}

// addressType packs the AT byte: bit 7 set for a group destination, low
// nibble carries the extended frame format (§4.4 CCM instantiation).
func addressType(dst knxaddr.KNXAddress, extendedFrameFormat byte) byte {
	var at byte
	if dst.IsGroup() {
		at |= 0x80
	}
	at |= extendedFrameFormat & 0x0F
	return at
}

// associatedData is the CCM associated data: the SCF octet, plus the
// destination serial number when the service is syncReq (§4.4, §6.1).
func associatedData(scf SCF, serial knxaddr.SerialNumber) []byte {
	out := []byte{scf.Encode()}
	if scf.Service == ServiceSyncReq {
		out = append(out, serial[:]...)
	}
	return out
}

// SecureParams carries everything Secure needs to build one wire frame. The
// caller (Security) is responsible for key selection and sequence number
// bookkeeping; this function only implements the CCM wire algorithm (§4.4
// Outbound, §6.1, §6.4).
type SecureParams struct {
	TPCI                byte
	Src                 knxaddr.IndividualAddress
	Dst                 knxaddr.KNXAddress
	ExtendedFrameFormat byte
	APDU                []byte
	SCF                 SCF
	Key                 [KeyLen]byte
	SeqOrRand           [6]byte
	DestinationSerial   knxaddr.SerialNumber
}

// Secure builds a secure wire frame from a plaintext APDU (§4.4 Outbound):
// compute Block0/CBC-MAC over the associated data and APDU, truncate to 4
// bytes, then encrypt the MAC (and, for auth+conf, the APDU) with the CTR
// keystream derived from Ctr0.
func Secure(p SecureParams) ([]byte, error) {
	if err := p.SCF.Validate(); err != nil {
		return nil, err
	}

	associated := associatedData(p.SCF, p.DestinationSerial)
	at := addressType(p.Dst, p.ExtendedFrameFormat)
	header := secureHeader(p.TPCI)

	b0 := block0(p.SeqOrRand, uint16(p.Src), p.Dst.Raw(), at, header, byte(len(p.APDU)))
	macBlock, err := cbcMAC(p.Key, b0, associated, p.APDU)
	if err != nil {
		return nil, err
	}
	var macTrunc [4]byte
	copy(macTrunc[:], macBlock[12:16])

	iv := ctr0(p.SeqOrRand, uint16(p.Src), p.Dst.Raw())
	ks, err := ctrCrypt(p.Key, iv, make([]byte, macLen+len(p.APDU)))
	if err != nil {
		return nil, err
	}

	var transmittedMAC [4]byte
	for i := range transmittedMAC {
		transmittedMAC[i] = macTrunc[i] ^ ks[i]
	}

	body := p.APDU
	if p.SCF.Algorithm == AlgCCMAuthConf {
		body = make([]byte, len(p.APDU))
		for i := range body {
			body[i] = p.APDU[i] ^ ks[macLen+i]
		}
	}

	f := Frame{
		TPCIUpper:         p.TPCI,
		SCF:               p.SCF,
		SeqOrRand:         p.SeqOrRand,
		DestinationSerial: p.DestinationSerial,
		Body:              body,
		MAC:               transmittedMAC,
	}
	return f.Encode(), nil
}

// ExtractResult is a successfully verified and decoded secure frame (§4.4
// Inbound).
type ExtractResult struct {
	SCF               SCF
	APDU              []byte
	SeqOrRand         [6]byte
	DestinationSerial knxaddr.SerialNumber
}

// Extract parses and verifies a secure wire frame (§4.4 Inbound steps 1-3
// and 7): decode the header, recover the MAC and (for auth+conf) the
// plaintext APDU via the CTR keystream, recompute the CBC-MAC, and compare.
// Sequence number policy and key selection are the caller's (Security's)
// responsibility; Extract only verifies cryptographic integrity.
func Extract(raw []byte, src knxaddr.IndividualAddress, dst knxaddr.KNXAddress, extendedFrameFormat byte, key [KeyLen]byte) (ExtractResult, error) {
	f, err := DecodeFrame(raw)
	if err != nil {
		return ExtractResult{}, err
	}

	apdu, err := verifyAndDecrypt(f, src, dst, extendedFrameFormat, key)
	if err != nil {
		return ExtractResult{}, err
	}

	return ExtractResult{
		SCF:               f.SCF,
		APDU:              apdu,
		SeqOrRand:         f.SeqOrRand,
		DestinationSerial: f.DestinationSerial,
	}, nil
}

// verifyAndDecrypt recovers the plaintext APDU from an already-decoded
// Frame and verifies its MAC (§4.4 Inbound step 7). Key and sequence
// number policy are applied by the caller before this is reached; this
// function only performs the CCM cryptographic check.
func verifyAndDecrypt(f Frame, src knxaddr.IndividualAddress, dst knxaddr.KNXAddress, extendedFrameFormat byte, key [KeyLen]byte) ([]byte, error) {
	iv := ctr0(f.SeqOrRand, uint16(src), dst.Raw())
	ks, err := ctrCrypt(key, iv, make([]byte, macLen+len(f.Body)))
	if err != nil {
		return nil, err
	}

	var macTrunc [4]byte
	for i := range macTrunc {
		macTrunc[i] = f.MAC[i] ^ ks[i]
	}

	apdu := make([]byte, len(f.Body))
	if f.SCF.Algorithm == AlgCCMAuthConf {
		for i := range apdu {
			apdu[i] = f.Body[i] ^ ks[macLen+i]
		}
	} else {
		copy(apdu, f.Body)
	}

	associated := associatedData(f.SCF, f.DestinationSerial)
	at := addressType(dst, extendedFrameFormat)
	header := secureHeader(f.TPCIUpper)
	b0 := block0(f.SeqOrRand, uint16(src), dst.Raw(), at, header, byte(len(apdu)))
	macBlock, err := cbcMAC(key, b0, associated, apdu)
	if err != nil {
		return nil, err
	}

	if !macEqual(macBlock[12:16], macTrunc[:]) {
		return nil, ErrCryptoError
	}
	return apdu, nil
}
