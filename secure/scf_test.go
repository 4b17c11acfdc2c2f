package secure

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSCFEncodeDecodeRoundTrip(t *testing.T) {
	cases := []SCF{
		{ToolAccess: false, Algorithm: AlgCCMAuth, Service: ServiceData},
		{ToolAccess: true, Algorithm: AlgCCMAuthConf, Service: ServiceData},
		{ToolAccess: true, Algorithm: AlgCCMAuthConf, SystemBroadcast: true, Service: ServiceSyncReq},
		{ToolAccess: false, Algorithm: AlgCCMAuth, Service: ServiceSyncRes},
	}
	for _, c := range cases {
		got, err := DecodeSCF(c.Encode())
		assert.NoError(t, err)
		assert.Equal(t, c, got)
	}
}

func TestSCFValidateRejectsInvalidAlgorithm(t *testing.T) {
	s := SCF{Algorithm: 2, Service: ServiceData}
	assert.ErrorIs(t, s.Validate(), ErrInvalidScf)
}

func TestDecodeSCFRejectsCorruptedAlgorithmBits(t *testing.T) {
	// ToolAccess set, algorithmId 0, service 0: 0x80. Flipping bit 5 alone
	// (0x80 -> 0xA0) must surface as an invalid algorithm, not decode
	// silently to the same SCF{Algorithm: 0} as the untampered byte.
	_, err := DecodeSCF(0x80)
	require.NoError(t, err)

	_, err = DecodeSCF(0xA0)
	assert.ErrorIs(t, err, ErrInvalidScf)
}

func TestSCFEncodeRoundTripsFullAlgorithmField(t *testing.T) {
	s := SCF{ToolAccess: true, Algorithm: AlgCCMAuthConf, Service: ServiceData}
	b := s.Encode()
	got, err := DecodeSCF(b)
	require.NoError(t, err)
	assert.Equal(t, s, got)

	// every bit outside the encoded fields must be zero.
	assert.Equal(t, byte(0x90), b)
}

func TestSCFValidateRejectsInvalidService(t *testing.T) {
	s := SCF{Algorithm: AlgCCMAuth, Service: 1}
	assert.ErrorIs(t, s.Validate(), ErrInvalidScf)

	s2 := SCF{Algorithm: AlgCCMAuth, Service: 7}
	assert.ErrorIs(t, s2.Validate(), ErrInvalidScf)
}

func TestSCFValidateRejectsSystemBroadcastWithoutToolAccess(t *testing.T) {
	s := SCF{Algorithm: AlgCCMAuth, Service: ServiceData, SystemBroadcast: true, ToolAccess: false}
	assert.ErrorIs(t, s.Validate(), ErrInvalidScf)
}

func TestSecureHeaderRoundTrip(t *testing.T) {
	h := secureHeader(0x84)
	tpciUpper, isSecure := parseSecureHeader(h)
	assert.True(t, isSecure)
	assert.Equal(t, byte(0x84), tpciUpper)
}

func TestParseSecureHeaderRejectsOtherApci(t *testing.T) {
	_, isSecure := parseSecureHeader([2]byte{0x00, 0x80})
	assert.False(t, isSecure)
}
