package cemi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calimero-project/calimero-core-sub010/knxaddr"
)

func mustAddr(t *testing.T, s string) knxaddr.IndividualAddress {
	t.Helper()
	a, err := knxaddr.ParseIndividualAddress(s)
	require.NoError(t, err)
	return a
}

func mustGroup(t *testing.T, s string) knxaddr.GroupAddress {
	t.Helper()
	g, err := knxaddr.ParseGroupAddress(s)
	require.NoError(t, err)
	return g
}

func TestLDataStandardRoundTrip(t *testing.T) {
	f := LData{
		Code:     LDataReq,
		Src:      mustAddr(t, "1.1.10"),
		Dst:      knxaddr.Group(mustGroup(t, "1/0/1")),
		Priority: PriorityNormal,
		HopCount: DefaultHopCount,
		Repeat:   true,
		TPCI:     0x00,
		NSDU:     []byte{0x00, 0x81},
	}
	raw, err := f.Encode()
	require.NoError(t, err)
	assert.False(t, f.IsExtended())

	got, err := DecodeLData(raw)
	require.NoError(t, err)
	assert.Equal(t, f.Src, got.Src)
	assert.Equal(t, f.Dst, got.Dst)
	assert.Equal(t, f.Priority, got.Priority)
	assert.Equal(t, f.HopCount, got.HopCount)
	assert.Equal(t, f.NSDU, got.NSDU)
	assert.True(t, got.Dst.IsGroup())
}

func TestLDataExtendedSelection(t *testing.T) {
	for _, tc := range []struct {
		n        int
		extended bool
	}{
		{0, false}, {15, false}, {16, false}, {17, true}, {254, true},
	} {
		nsdu := make([]byte, tc.n)
		f := LData{Code: LDataReq, Src: mustAddr(t, "1.1.1"), Dst: knxaddr.Group(mustGroup(t, "1/1/1")), NSDU: nsdu}
		if tc.n > MaxNSDU {
			err := f.Validate()
			assert.ErrorIs(t, err, ErrNSDU)
			continue
		}
		assert.Equalf(t, tc.extended, f.IsExtended(), "n=%d", tc.n)
	}
}

func TestLDataNSDUTooLarge(t *testing.T) {
	f := LData{Code: LDataReq, Src: mustAddr(t, "1.1.1"), Dst: knxaddr.Group(mustGroup(t, "1/1/1")), NSDU: make([]byte, 254)}
	_, err := f.Encode()
	assert.ErrorIs(t, err, ErrNSDU)
}

func TestLDataHopCountRange(t *testing.T) {
	f := LData{Code: LDataReq, Src: mustAddr(t, "1.1.1"), Dst: knxaddr.Group(mustGroup(t, "1/1/1")), HopCount: 8}
	_, err := f.Encode()
	assert.ErrorIs(t, err, ErrHopCount)
}

func TestLDataWithAdditionalInfo(t *testing.T) {
	f := LData{
		Code:     LDataReq,
		Src:      mustAddr(t, "1.1.10"),
		Dst:      knxaddr.Group(mustGroup(t, "4/1/1")),
		HopCount: DefaultHopCount,
		NSDU:     make([]byte, 20), // forces extended
		AddInfo:  []AdditionalInfo{{Type: AddInfoDomainAddr, Data: []byte{0xAA, 0xBB}}},
	}
	raw, err := f.Encode()
	require.NoError(t, err)
	got, err := DecodeLData(raw)
	require.NoError(t, err)
	require.Len(t, got.AddInfo, 1)
	assert.Equal(t, AddInfoDomainAddr, got.AddInfo[0].Type)
	assert.Equal(t, []byte{0xAA, 0xBB}, got.AddInfo[0].Data)
}

func TestDeviceMgmtRoundTrip(t *testing.T) {
	f := DeviceMgmt{
		Code:         PropReadReq,
		ObjectType:   1,
		ObjInstance:  1,
		PID:          0x0B,
		StartIndex:   1,
		ElementCount: 1,
		Data:         []byte{0x01},
	}
	got, err := DecodeDeviceMgmt(f.Encode())
	require.NoError(t, err)
	assert.Equal(t, f, got)
}

func TestBusmonitorRoundTrip(t *testing.T) {
	f := Busmonitor{TimestampUs: 123456, SeqNo: 9, Raw: []byte{0x01, 0x02, 0x03}}
	got, err := DecodeBusmonitor(f.Encode())
	require.NoError(t, err)
	assert.Equal(t, uint32(123456), got.TimestampUs)
	assert.Equal(t, byte(1), got.SeqNo) // 9 mod 8
	assert.Equal(t, f.Raw, got.Raw)
}

func TestClassifyMessageCode(t *testing.T) {
	assert.Equal(t, ClassIndication, ClassifyMessageCode(LDataInd))
	assert.Equal(t, ClassConfirmation, ClassifyMessageCode(LDataCon))
	assert.Equal(t, ClassDeviceMgmt, ClassifyMessageCode(PropReadCon))
	assert.Equal(t, ClassBusmonitor, ClassifyMessageCode(BusmonInd))
	assert.Equal(t, ClassUnknown, ClassifyMessageCode(LDataReq))
}
