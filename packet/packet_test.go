package packet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makeIPv4TCPSyn reproduces the literal byte layout from SPEC_FULL.md §8
// scenario 1 / original_source's make_ipv4_tcp_syn.
func makeIPv4TCPSyn() []byte {
	p := make([]byte, 40) // 20 byte IP + 20 byte TCP
	p[0] = 0x45           // version 4, ihl 5
	p[2] = 0x00
	p[3] = 0x28 // total length 40
	p[9] = 0x06 // TCP

	p[12], p[13], p[14], p[15] = 192, 168, 1, 1 // src 192.168.1.1
	p[16], p[17], p[18], p[19] = 8, 8, 8, 8     // dst 8.8.8.8

	p[20] = 0x30 // src port 12345 >> 8
	p[21] = 0x39 // src port 12345 & 0xff
	p[22] = 0x01 // dst port 443 >> 8
	p[23] = 0xBB // dst port 443 & 0xff
	p[32] = 0x50 // data offset 5 (20 bytes)
	p[33] = 0x02 // SYN flag

	return p
}

// makeIPv4UDP reproduces §8 scenario 2.
func makeIPv4UDP() []byte {
	p := make([]byte, 28) // 20 byte IP + 8 byte UDP
	p[0] = 0x45
	p[2] = 0x00
	p[3] = 0x1C // total length 28
	p[9] = 0x11 // UDP

	p[12], p[13], p[14], p[15] = 10, 0, 0, 1
	p[16], p[17], p[18], p[19] = 8, 8, 8, 8

	p[20] = 0x1F // src port 8000 >> 8
	p[21] = 0x40 // src port 8000 & 0xff
	p[22] = 0x00 // dst port 53 >> 8
	p[23] = 0x35 // dst port 53 & 0xff
	p[24] = 0x00
	p[25] = 0x08 // length 8 (header only)

	return p
}

func TestParseIPv4TCPSyn(t *testing.T) {
	parsed, err := ParsePacket(makeIPv4TCPSyn())
	require.NoError(t, err)

	assert.Equal(t, V4, parsed.IP.Version)
	assert.Equal(t, "192.168.1.1", parsed.IP.Src.String())
	assert.Equal(t, "8.8.8.8", parsed.IP.Dst.String())
	assert.Equal(t, ProtoTransportTCP, parsed.IP.Protocol)

	require.NotNil(t, parsed.TCP)
	assert.EqualValues(t, 12345, parsed.TCP.SrcPort)
	assert.EqualValues(t, 443, parsed.TCP.DstPort)
	assert.True(t, parsed.TCP.Flags.IsSyn())
	assert.True(t, parsed.IsTCPSyn())
	assert.Nil(t, parsed.UDP)
}

func TestParseIPv4UDP(t *testing.T) {
	parsed, err := ParsePacket(makeIPv4UDP())
	require.NoError(t, err)

	assert.Equal(t, V4, parsed.IP.Version)
	assert.Equal(t, ProtoTransportUDP, parsed.IP.Protocol)
	require.NotNil(t, parsed.UDP)
	assert.EqualValues(t, 8000, parsed.UDP.SrcPort)
	assert.EqualValues(t, 53, parsed.UDP.DstPort)
	assert.Nil(t, parsed.TCP)
}

func TestTCPFlagsRoundTripAllBytes(t *testing.T) {
	for f := 0; f <= 0xFF; f++ {
		b := byte(f)
		assert.Equal(t, b, FlagsFromByte(b).ToByte())
	}
}

func TestTCPFlagPredicates(t *testing.T) {
	assert.True(t, FlagsFromByte(0x02).IsSyn())
	assert.False(t, FlagsFromByte(0x02).IsSynAck())
	assert.True(t, FlagsFromByte(0x12).IsSynAck())
	assert.True(t, FlagsFromByte(0x11).IsFin())
	assert.True(t, FlagsFromByte(0x04).IsRst())
}

func TestFlowKeyFromTCPSyn(t *testing.T) {
	parsed, err := ParsePacket(makeIPv4TCPSyn())
	require.NoError(t, err)

	key, ok := parsed.FlowKey()
	require.True(t, ok)
	assert.True(t, key.IsTCP())
	assert.EqualValues(t, 12345, key.SrcPort)
	assert.EqualValues(t, 443, key.DstPort)
}

func TestParseEmptyPacketFails(t *testing.T) {
	_, err := ParsePacket(nil)
	assert.Error(t, err)
}

func TestParseTooShortPacketFails(t *testing.T) {
	_, err := ParsePacket([]byte{0x45, 0x00})
	assert.Error(t, err)
}

func TestParseIPv6(t *testing.T) {
	p := make([]byte, 48) // 40 byte IPv6 header + 8 byte UDP payload
	p[0] = 0x60            // version 6
	p[4] = 0x00
	p[5] = 0x08 // payload length 8
	p[6] = 0x11 // next-header UDP
	p[8] = 0x20
	p[9] = 0x01 // start of src addr (2001:...)
	p[24] = 0x20
	p[25] = 0x01 // start of dst addr

	p[40], p[41] = 0x1F, 0x40 // src port 8000
	p[42], p[43] = 0x00, 0x35 // dst port 53
	p[44], p[45] = 0x00, 0x08 // length 8

	parsed, err := ParsePacket(p)
	require.NoError(t, err)
	assert.Equal(t, V6, parsed.IP.Version)
	require.NotNil(t, parsed.UDP)
	assert.EqualValues(t, 8000, parsed.UDP.SrcPort)
}
