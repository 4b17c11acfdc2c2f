package secure

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
)

// KeyLen is the fixed AES-128 key size used by every KNX Data Secure key
// domain (§3 Keys).
const KeyLen = 16

// macLen is the transmitted MAC length after truncation (§4.4, §6.4).
const macLen = 4

// block0 builds the CCM authentication block (§4.4 CCM instantiation):
// SeqOrRand(6) | src(2) | dst(2) | 0 | AT(1) | TPCI | APCI | 0 | payloadLen.
// header is the two wire bytes carrying TPCI's upper 6 bits and the secure
// service APCI (§6.1); payloadLen is the APDU body length, which must fit a
// single byte (bounded by cEMI's 253-byte NSDU ceiling, §3 Frame types).
func block0(seqOrRand [6]byte, src, dst uint16, at byte, header [2]byte, payloadLen byte) [16]byte {
	var b [16]byte
	copy(b[0:6], seqOrRand[:])
	binary.BigEndian.PutUint16(b[6:8], src)
	binary.BigEndian.PutUint16(b[8:10], dst)
	b[10] = 0
	b[11] = at
	b[12] = header[0]
	b[13] = header[1]
	b[14] = 0
	b[15] = payloadLen
	return b
}

// ctr0 builds the CCM counter-mode IV (§4.4 CCM instantiation):
// SeqOrRand(6) | src(2) | dst(2) | 0x00 0x00 0x00 0x00 0x01.
func ctr0(seqOrRand [6]byte, src, dst uint16) [16]byte {
	var b [16]byte
	copy(b[0:6], seqOrRand[:])
	binary.BigEndian.PutUint16(b[6:8], src)
	binary.BigEndian.PutUint16(b[8:10], dst)
	b[15] = 1
	return b
}

// cbcMAC computes AES-CBC-MAC with a zero IV over a length-prefixed buffer
// of associatedData||apdu, zero-padded to a 16-byte boundary, and returns
// the final ciphertext block (§4.4, §6.4).
func cbcMAC(key [KeyLen]byte, block0Buf [16]byte, associatedData, apdu []byte) ([16]byte, error) {
	blk, err := aes.NewCipher(key[:])
	if err != nil {
		return [16]byte{}, err
	}

	plain := make([]byte, 0, 16+2+len(associatedData)+len(apdu)+15)
	plain = append(plain, block0Buf[:]...)

	var lenPrefix [2]byte
	binary.BigEndian.PutUint16(lenPrefix[:], uint16(len(associatedData)+len(apdu)))
	plain = append(plain, lenPrefix[:]...)
	plain = append(plain, associatedData...)
	plain = append(plain, apdu...)
	if pad := (16 - len(plain)%16) % 16; pad != 0 {
		plain = append(plain, make([]byte, pad)...)
	}

	iv := make([]byte, 16)
	mode := cipher.NewCBCEncrypter(blk, iv)
	out := make([]byte, len(plain))
	mode.CryptBlocks(out, plain)

	var last [16]byte
	copy(last[:], out[len(out)-16:])
	return last, nil
}

// ctrCrypt XORs data against the AES-CTR keystream derived from iv (used
// both to encrypt the MAC with Ctr0 and to en/decrypt MAC||apdu, §4.4).
func ctrCrypt(key [KeyLen]byte, iv [16]byte, data []byte) ([]byte, error) {
	blk, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	stream := cipher.NewCTR(blk, iv[:])
	out := make([]byte, len(data))
	stream.XORKeyStream(out, data)
	return out, nil
}

// macEqual compares two MACs in constant time.
func macEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
