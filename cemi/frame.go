// Package cemi implements the common External Message Interface framing used
// between the Network Link and medium drivers: L-Data (standard/extended),
// Device Management and Busmonitor frames (§3 Frame types, §6.2 wire format).
package cemi

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/calimero-project/calimero-core-sub010/knxaddr"
)

// MessageCode identifies the cEMI service (§3 Frame types).
type MessageCode byte

const (
	LDataReq MessageCode = 0x11 // L_Data.req
	LDataCon MessageCode = 0x2E // L_Data.con
	LDataInd MessageCode = 0x29 // L_Data.ind

	PropReadReq  MessageCode = 0xFC // M_PropRead.req
	PropReadCon  MessageCode = 0xFB // M_PropRead.con
	PropWriteReq MessageCode = 0xF6 // M_PropWrite.req
	PropWriteCon MessageCode = 0xF5 // M_PropWrite.con

	BusmonInd MessageCode = 0x2B // L_Busmon.ind
)

// Priority is the KNX bus access priority (§3 Frame types).
type Priority byte

const (
	PrioritySystem Priority = 0
	PriorityNormal Priority = 1
	PriorityUrgent Priority = 2
	PriorityLow    Priority = 3
)

func (p Priority) String() string {
	switch p {
	case PrioritySystem:
		return "system"
	case PriorityNormal:
		return "normal"
	case PriorityUrgent:
		return "urgent"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", byte(p))
	}
}

// DefaultHopCount is the hop count (TTL) assigned when none is specified.
const DefaultHopCount = 6

// MaxHopCount is the largest legal hop count; 7 means "infinite" and is not
// decremented in transit (§4.1 cEMI construction, GLOSSARY Hop count).
const MaxHopCount = 7

// StandardMaxNSDU is the largest NSDU a standard-length L-Data frame can
// carry on TP1; larger payloads require the extended frame form (§4.1).
const StandardMaxNSDU = 16

// MaxNSDU is the largest NSDU any L-Data frame (standard or extended) may carry (§3).
const MaxNSDU = 253

var (
	ErrHopCount  = errors.New("cemi: hop count out of range [0,7]")
	ErrNSDU      = errors.New("cemi: nsdu length out of range [0,253]")
	ErrShort     = errors.New("cemi: frame too short")
	ErrBadCode   = errors.New("cemi: unexpected message code")
	ErrBadLength = errors.New("cemi: declared length does not match payload")
)

// AdditionalInfo is a single typed additional-info TLV element attached to an
// L-Data frame, standard or extended (domain address, RF info, timestamp, ...). Only the
// type byte and raw payload are modeled generically; the Link layer
// interprets the ones it understands (domain address) and passes the rest
// through unmodified (§3 Frame types, §4.1 cEMI construction).
type AdditionalInfo struct {
	Type byte
	Data []byte
}

// Well-known additional-info element types (KNX standard 03_06_03 Table 1).
const (
	AddInfoPLMedium    byte = 0x01
	AddInfoRFMedium    byte = 0x02
	AddInfoBusmonInfo  byte = 0x03
	AddInfoTimestamp   byte = 0x04
	AddInfoDomainAddr  byte = 0x05
	AddInfoRFMultiInfo byte = 0x06
)

func encodeAdditionalInfo(infos []AdditionalInfo) ([]byte, error) {
	var b []byte
	for _, info := range infos {
		if len(info.Data) > 255 {
			return nil, fmt.Errorf("cemi: additional info element too long")
		}
		b = append(b, info.Type, byte(len(info.Data)))
		b = append(b, info.Data...)
	}
	return b, nil
}

func decodeAdditionalInfo(b []byte) ([]AdditionalInfo, []byte, error) {
	if len(b) == 0 {
		return nil, b, nil
	}
	total := int(b[0])
	b = b[1:]
	if len(b) < total {
		return nil, nil, ErrShort
	}
	block, rest := b[:total], b[total:]

	var infos []AdditionalInfo
	for len(block) > 0 {
		if len(block) < 2 {
			return nil, nil, ErrShort
		}
		typ, ln := block[0], int(block[1])
		block = block[2:]
		if len(block) < ln {
			return nil, nil, ErrShort
		}
		infos = append(infos, AdditionalInfo{Type: typ, Data: append([]byte(nil), block[:ln]...)})
		block = block[ln:]
	}
	return infos, rest, nil
}

// LData is a cEMI L-Data frame (standard or extended), §3/§6.2.
type LData struct {
	Code       MessageCode
	Src        knxaddr.IndividualAddress
	Dst        knxaddr.KNXAddress
	Priority   Priority
	HopCount   byte
	Repeat     bool // true: do not repeat on medium error (control1 bit5, written as-is)
	Confirm    bool // L_Data.con only: true = negative confirmation
	AckRequest bool
	ExtFormat  byte // extended frame format, low nibble of control2 (§4.4 CCM AT byte)
	TPCI       byte
	NSDU       []byte
	AddInfo    []AdditionalInfo
}

// IsExtended reports whether this frame must use the extended cEMI layout,
// i.e. its NSDU exceeds what TP1's standard frame can carry (§4.1).
func (f LData) IsExtended() bool {
	return len(f.NSDU) > StandardMaxNSDU
}

// Validate checks the invariants from §3/§4.1/§8 boundary cases.
func (f LData) Validate() error {
	if f.HopCount > MaxHopCount {
		return ErrHopCount
	}
	if len(f.NSDU) > MaxNSDU {
		return ErrNSDU
	}
	return nil
}

// Encode serializes the frame per §6.2 (mc|ctrl1|ctrl2|src|dst|len|tpci|apdu),
// with the additional-info length octet and elements inserted between the
// message code and control1 for both standard and extended frames (the
// length octet is 0 when there are no elements).
func (f LData) Encode() ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	ctrl1 := byte(0)
	if !f.IsExtended() {
		ctrl1 |= 1 << 7 // frame type: 1 = standard
	}
	ctrl1 |= 1 << 6 // reserved, always 1
	if f.Repeat {
		ctrl1 |= 1 << 5
	}
	ctrl1 |= byte(f.Priority) << 2
	if f.AckRequest {
		ctrl1 |= 1 << 1
	}
	if f.Confirm {
		ctrl1 |= 1
	}

	ctrl2 := f.ExtFormat & 0x0F
	if f.Dst.IsGroup() {
		ctrl2 |= 1 << 7
	}
	ctrl2 |= (f.HopCount & 0x7) << 4

	addInfo, err := encodeAdditionalInfo(f.AddInfo)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, 8+len(addInfo)+len(f.NSDU))
	out = append(out, byte(f.Code))
	out = append(out, byte(len(addInfo)))
	out = append(out, addInfo...)
	out = append(out, ctrl1, ctrl2)
	out = binary.BigEndian.AppendUint16(out, uint16(f.Src))
	out = binary.BigEndian.AppendUint16(out, f.Dst.Raw())
	out = append(out, byte(len(f.NSDU)))
	out = append(out, f.TPCI)
	out = append(out, f.NSDU...)
	return out, nil
}

// DecodeLData parses a cEMI L-Data frame. The message code must already be
// known to be one of LDataReq/LDataInd/LDataCon by the caller (§4.1 Dispatch
// classifies on message code before calling in).
func DecodeLData(b []byte) (LData, error) {
	if len(b) < 2 {
		return LData{}, ErrShort
	}
	code := MessageCode(b[0])
	switch code {
	case LDataReq, LDataInd, LDataCon:
	default:
		return LData{}, ErrBadCode
	}

	infos, rest, err := decodeAdditionalInfo(b[1:])
	if err != nil {
		return LData{}, err
	}
	if len(rest) < 7 {
		return LData{}, ErrShort
	}

	ctrl1, ctrl2 := rest[0], rest[1]
	src := binary.BigEndian.Uint16(rest[2:4])
	dstRaw := binary.BigEndian.Uint16(rest[4:6])
	isGroup := ctrl2&0x80 != 0

	var dst knxaddr.KNXAddress
	if isGroup {
		dst = knxaddr.Group(knxaddr.GroupAddress(dstRaw))
	} else {
		dst = knxaddr.Individual(knxaddr.IndividualAddress(dstRaw))
	}

	l := int(rest[6])
	body := rest[7:]
	if len(body) < 1 {
		return LData{}, ErrShort
	}
	tpci := body[0]
	body = body[1:]
	if len(body) < l {
		return LData{}, ErrBadLength
	}

	f := LData{
		Code:       code,
		Src:        knxaddr.IndividualAddress(src),
		Dst:        dst,
		Priority:   Priority(ctrl1 >> 2 & 0x3),
		HopCount:   ctrl2 >> 4 & 0x7,
		Repeat:     ctrl1&(1<<5) != 0,
		Confirm:    ctrl1&1 != 0,
		AckRequest: ctrl1&(1<<1) != 0,
		ExtFormat:  ctrl2 & 0x0F,
		TPCI:       tpci,
		NSDU:       append([]byte(nil), body[:l]...),
		AddInfo:    infos,
	}
	if err := f.Validate(); err != nil {
		return LData{}, err
	}
	return f, nil
}

// DeviceMgmt is a local device-management property frame (§3 Frame types).
type DeviceMgmt struct {
	Code         MessageCode
	ObjectType   uint16
	ObjInstance  uint16 // 12 bits
	PID          byte
	StartIndex   uint16
	ElementCount byte
	Data         []byte
}

// Encode serializes a device-management frame: mc | objType(2) | objInst(2) | PID(1) | count(1) | start(2) | data.
// objInstance occupies its own two bytes (only its low 12 bits are kept) and
// PID its own byte, so every field round-trips unambiguously.
func (f DeviceMgmt) Encode() []byte {
	out := make([]byte, 0, 8+len(f.Data))
	out = append(out, byte(f.Code))
	out = binary.BigEndian.AppendUint16(out, f.ObjectType)
	out = binary.BigEndian.AppendUint16(out, f.ObjInstance&0x0FFF)
	out = append(out, f.PID)
	out = append(out, f.ElementCount)
	out = binary.BigEndian.AppendUint16(out, f.StartIndex)
	out = append(out, f.Data...)
	return out
}

// DecodeDeviceMgmt parses a device-management frame produced by Encode.
func DecodeDeviceMgmt(b []byte) (DeviceMgmt, error) {
	if len(b) < 9 {
		return DeviceMgmt{}, ErrShort
	}
	code := MessageCode(b[0])
	switch code {
	case PropReadReq, PropReadCon, PropWriteReq, PropWriteCon:
	default:
		return DeviceMgmt{}, ErrBadCode
	}
	return DeviceMgmt{
		Code:         code,
		ObjectType:   binary.BigEndian.Uint16(b[1:3]),
		ObjInstance:  binary.BigEndian.Uint16(b[3:5]) & 0x0FFF,
		PID:          b[5],
		ElementCount: b[6],
		StartIndex:   binary.BigEndian.Uint16(b[7:9]),
		Data:         append([]byte(nil), b[9:]...),
	}, nil
}

// Busmonitor is a raw bus frame captured in monitor mode (§3 Frame types).
type Busmonitor struct {
	TimestampUs uint32 // 32-bit microsecond timestamp
	SeqNo       byte   // sequence number modulo 8
	Raw         []byte
}

// Encode serializes a busmonitor frame: mc | timestamp(4) | seq(1) | raw.
func (f Busmonitor) Encode() []byte {
	out := make([]byte, 0, 6+len(f.Raw))
	out = append(out, byte(BusmonInd))
	out = binary.BigEndian.AppendUint32(out, f.TimestampUs)
	out = append(out, f.SeqNo&0x7)
	out = append(out, f.Raw...)
	return out
}

// DecodeBusmonitor parses a busmonitor frame produced by Encode.
func DecodeBusmonitor(b []byte) (Busmonitor, error) {
	if len(b) < 6 {
		return Busmonitor{}, ErrShort
	}
	if MessageCode(b[0]) != BusmonInd {
		return Busmonitor{}, ErrBadCode
	}
	return Busmonitor{
		TimestampUs: binary.BigEndian.Uint32(b[1:5]),
		SeqNo:       b[5] & 0x7,
		Raw:         append([]byte(nil), b[6:]...),
	}, nil
}

// Classify reports the broad dispatch category of an inbound cEMI frame by
// its message code (§4.1 Dispatch).
type Classify int

const (
	ClassUnknown Classify = iota
	ClassIndication
	ClassConfirmation
	ClassDeviceMgmt
	ClassBusmonitor
)

// ClassifyMessageCode implements the §4.1 Dispatch classification rule.
func ClassifyMessageCode(code MessageCode) Classify {
	switch code {
	case LDataInd:
		return ClassIndication
	case LDataCon:
		return ClassConfirmation
	case PropReadCon, PropWriteCon:
		return ClassDeviceMgmt
	case BusmonInd:
		return ClassBusmonitor
	default:
		return ClassUnknown
	}
}
