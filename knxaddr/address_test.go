package knxaddr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndividualAddressRoundTrip(t *testing.T) {
	a, err := ParseIndividualAddress("1.1.10")
	require.NoError(t, err)
	assert.Equal(t, byte(1), a.Area())
	assert.Equal(t, byte(1), a.Line())
	assert.Equal(t, byte(10), a.Device())
	assert.Equal(t, "1.1.10", a.String())
}

func TestIndividualAddressInvalid(t *testing.T) {
	_, err := ParseIndividualAddress("16.1.10")
	assert.ErrorIs(t, err, ErrFormat)

	_, err = ParseIndividualAddress("garbage")
	assert.ErrorIs(t, err, ErrFormat)
}

func TestGroupAddress3LevelRoundTrip(t *testing.T) {
	g, err := ParseGroupAddress("1/0/1")
	require.NoError(t, err)
	assert.Equal(t, "1/0/1", g.String())
	assert.False(t, g.IsBroadcast())
}

func TestGroupAddressBroadcast(t *testing.T) {
	assert.True(t, GroupBroadcast.IsBroadcast())
	g, err := ParseGroupAddress("0/0/0")
	require.NoError(t, err)
	assert.True(t, g.IsBroadcast())
}

func TestGroupAddress2Level(t *testing.T) {
	g, err := ParseGroupAddress("4/2047")
	require.NoError(t, err)
	assert.Equal(t, byte(4), g.Main())
	assert.Equal(t, uint16(2047), g.Sub2())
}

func TestKNXAddressSumType(t *testing.T) {
	ia, _ := ParseIndividualAddress("1.1.10")
	k := Individual(ia)
	assert.False(t, k.IsGroup())
	assert.Equal(t, ia, k.Individual())

	ga, _ := ParseGroupAddress("1/0/1")
	kg := Group(ga)
	assert.True(t, kg.IsGroup())
	assert.Equal(t, ga, kg.AsGroup())
}

func TestSerialNumberString(t *testing.T) {
	sn := SerialNumber{0x00, 0xFA, 0x12, 0x34, 0x56, 0x78}
	assert.Equal(t, "00FA12345678", sn.String())
	assert.False(t, sn.IsZero())
	assert.True(t, (SerialNumber{}).IsZero())
}
