package packet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildUnreachableIPv4(t *testing.T) {
	raw := makeIPv4TCPSyn()
	parsed, err := ParsePacket(raw)
	require.NoError(t, err)

	reply, err := BuildUnreachable(raw, parsed.IP)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(reply), 20)

	assert.Equal(t, byte(0x45), reply[0])
	assert.Equal(t, byte(ProtoICMP), reply[9])
	// reply direction: src/dst swapped relative to the original datagram.
	assert.Equal(t, []byte{8, 8, 8, 8}, reply[12:16])
	assert.Equal(t, []byte{192, 168, 1, 1}, reply[16:20])
}

func TestBuildUnreachableTruncatesLongOriginal(t *testing.T) {
	raw := make([]byte, 2000)
	parsed, err := ParsePacket(makeIPv4TCPSyn())
	require.NoError(t, err)
	copy(raw, makeIPv4TCPSyn())

	reply, err := BuildUnreachable(raw, parsed.IP)
	require.NoError(t, err)
	assert.Less(t, len(reply), 700)
}

func TestBuildUnreachableIPv6ComputesChecksum(t *testing.T) {
	raw := make([]byte, 48) // 40-byte IPv6 header + 8-byte UDP payload
	raw[0] = 0x60
	raw[5] = 0x08
	raw[6] = 0x11 // next-header UDP
	raw[8], raw[9] = 0x20, 0x01
	raw[24], raw[25] = 0x20, 0x02
	raw[40], raw[41] = 0x1F, 0x40 // src port 8000
	raw[42], raw[43] = 0x00, 0x35 // dst port 53
	raw[44], raw[45] = 0x00, 0x08 // length 8

	parsed, err := ParsePacket(raw)
	require.NoError(t, err)

	reply, err := BuildUnreachable(raw, parsed.IP)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(reply), 48)

	assert.Equal(t, byte(0x60), reply[0])
	assert.Equal(t, byte(ProtoICMP6), reply[6])
	// reply direction: src/dst swapped relative to the original datagram.
	assert.Equal(t, raw[24:40], reply[8:24])
	assert.Equal(t, raw[8:24], reply[24:40])

	// ICMPv6 folds the pseudo-header into its checksum; a zero checksum
	// would mean BuildUnreachable skipped it. The checksum sits at bytes
	// 2-3 of the ICMP message, right after the 40-byte IPv6 header.
	checksum := reply[42:44]
	assert.False(t, checksum[0] == 0 && checksum[1] == 0)
}
