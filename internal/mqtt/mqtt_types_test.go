package mqtt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateFlags(t *testing.T) {
	tests := []struct {
		pt     PacketType
		flags  byte
		expect bool
	}{
		{CONNECT, 0x00, true},
		{CONNECT, 0x01, false},
		{PUBREL, 0x02, true},
		{PUBREL, 0x00, false},
		{PUBREL, 0x03, false},
		{SUBSCRIBE, 0x02, true},
		{UNSUBSCRIBE, 0x00, false},
		{PUBLISH, 0x0F, true},
		{PacketType(0), 0x00, false},
		{PacketType(15), 0x00, false},
	}

	for _, tt := range tests {
		result := ValidateFlags(tt.pt, tt.flags)
		if result != tt.expect {
			t.Errorf("type=%X flags=%04b expect=%v actual=%v",
				tt.pt, tt.flags, tt.expect, result)
		}
	}
}

func TestPacketTypeString(t *testing.T) {
	require.Equal(t, "PUBREL", PUBREL.String())
	require.Equal(t, "UNKNOWN(15)", PacketType(15).String())
	require.True(t, DISCONNECT.Valid())
	require.False(t, PacketType(0).Valid())
}

func TestFixedHeaderEncode(t *testing.T) {
	data, err := FixedHeader{Type: PUBREL, Flags: 0x02, RemainingLength: 2}.Encode()
	require.NoError(t, err)
	require.Equal(t, []byte{0x62, 0x02}, data)

	_, err = FixedHeader{Type: PUBLISH, RemainingLength: MaxRemainingLength + 1}.Encode()
	require.Error(t, err)
}
