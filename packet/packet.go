// Package packet decodes raw IPv4/IPv6 datagrams carrying TCP or UDP
// transport headers into a structured, allocation-light view. Decoding
// never copies the payload: ParsedPacket only carries offsets into the
// caller's buffer, mirroring the teacher's preference for zero-copy
// byte-slice handling throughout intra/.
package packet

import (
	"encoding/binary"
	"net/netip"

	"github.com/voyage-core/voyage/errs"
	"github.com/voyage-core/voyage/nat"
)

const (
	ipv4MinHeaderLen = 20
	ipv6HeaderLen    = 40
	tcpMinHeaderLen  = 20
	udpHeaderLen     = 8

	ProtoTCP   = 6
	ProtoUDP   = 17
	ProtoICMP  = 1
	ProtoICMP6 = 58
)

// IPVersion distinguishes the two supported network-layer formats.
type IPVersion int

const (
	V4 IPVersion = iota
	V6
)

// Protocol is the transport-layer protocol carried by an IP packet.
type Protocol int

const (
	ProtoTransportTCP Protocol = iota
	ProtoTransportUDP
	ProtoTransportICMP
	ProtoTransportOther
)

// protoFromByte maps an IP protocol number onto the closed Protocol set,
// keeping the raw byte around for the Other case.
type rawProto struct {
	kind Protocol
	num  uint8
}

func protoFromByte(b uint8) rawProto {
	switch b {
	case ProtoTCP:
		return rawProto{ProtoTransportTCP, b}
	case ProtoUDP:
		return rawProto{ProtoTransportUDP, b}
	case ProtoICMP, ProtoICMP6:
		return rawProto{ProtoTransportICMP, b}
	default:
		return rawProto{ProtoTransportOther, b}
	}
}

// IPInfo is the decoded IP-layer header.
type IPInfo struct {
	Version       IPVersion
	Src           netip.Addr
	Dst           netip.Addr
	Protocol      Protocol
	ProtocolNum   uint8
	TotalLen      int
	HeaderLen     int
	PayloadOffset int
}

// Payload returns the transport-layer region of data, or an empty slice if
// data is shorter than the IP header claims.
func (ip *IPInfo) Payload(data []byte) []byte {
	if len(data) > ip.PayloadOffset {
		return data[ip.PayloadOffset:]
	}
	return nil
}

// TCPFlags decomposes the TCP flags byte into its named bits.
type TCPFlags struct {
	Fin, Syn, Rst, Psh, Ack, Urg, Ece, Cwr bool
}

// FlagsFromByte parses a TCP flags byte. Round-tripping via ToByte is
// bitwise-exact for every value in [0,255].
func FlagsFromByte(b byte) TCPFlags {
	return TCPFlags{
		Fin: b&0x01 != 0,
		Syn: b&0x02 != 0,
		Rst: b&0x04 != 0,
		Psh: b&0x08 != 0,
		Ack: b&0x10 != 0,
		Urg: b&0x20 != 0,
		Ece: b&0x40 != 0,
		Cwr: b&0x80 != 0,
	}
}

func (f TCPFlags) ToByte() byte {
	var b byte
	if f.Fin {
		b |= 0x01
	}
	if f.Syn {
		b |= 0x02
	}
	if f.Rst {
		b |= 0x04
	}
	if f.Psh {
		b |= 0x08
	}
	if f.Ack {
		b |= 0x10
	}
	if f.Urg {
		b |= 0x20
	}
	if f.Ece {
		b |= 0x40
	}
	if f.Cwr {
		b |= 0x80
	}
	return b
}

func (f TCPFlags) IsSyn() bool    { return f.Syn && !f.Ack }
func (f TCPFlags) IsSynAck() bool { return f.Syn && f.Ack }
func (f TCPFlags) IsFin() bool   { return f.Fin }
func (f TCPFlags) IsRst() bool   { return f.Rst }

// TCPInfo is the decoded TCP header.
type TCPInfo struct {
	SrcPort    uint16
	DstPort    uint16
	SeqNum     uint32
	AckNum     uint32
	DataOffset int
	Flags      TCPFlags
	Window     uint16
	Checksum   uint16
	UrgentPtr  uint16
}

func (t *TCPInfo) Payload(transport []byte) []byte {
	if len(transport) > t.DataOffset {
		return transport[t.DataOffset:]
	}
	return nil
}

// UDPInfo is the decoded UDP header.
type UDPInfo struct {
	SrcPort  uint16
	DstPort  uint16
	Length   uint16
	Checksum uint16
}

func (u *UDPInfo) Payload(transport []byte) []byte {
	if len(transport) > udpHeaderLen {
		return transport[udpHeaderLen:]
	}
	return nil
}

// ParsedPacket is the full decode result for one datagram.
type ParsedPacket struct {
	IP  IPInfo
	TCP *TCPInfo
	UDP *UDPInfo
}

// ParsePacket decodes data as an IPv4 or IPv6 datagram plus, when present,
// its TCP or UDP transport header. Any length or field-validation failure
// yields an *errs.Error of kind InvalidPacket describing the offending
// field; decoding is otherwise pure and allocates only the small header
// structs (the IP info and the TCP or UDP header) and the returned
// ParsedPacket, never a copy of the payload.
func ParsePacket(data []byte) (*ParsedPacket, error) {
	ip, err := parseIP(data)
	if err != nil {
		return nil, err
	}

	transport := ip.Payload(data)

	pp := &ParsedPacket{IP: *ip}
	switch ip.Protocol {
	case ProtoTransportTCP:
		tcp, err := parseTCP(transport)
		if err != nil {
			return nil, err
		}
		pp.TCP = tcp
	case ProtoTransportUDP:
		udp, err := parseUDP(transport)
		if err != nil {
			return nil, err
		}
		pp.UDP = udp
	}
	return pp, nil
}

func parseIP(data []byte) (*IPInfo, error) {
	if len(data) == 0 {
		return nil, errs.ErrInvalidPacket("empty packet")
	}
	switch data[0] >> 4 {
	case 4:
		return parseIPv4(data)
	case 6:
		return parseIPv6(data)
	default:
		return nil, errs.ErrInvalidPacket("unknown ip version")
	}
}

func parseIPv4(data []byte) (*IPInfo, error) {
	if len(data) < ipv4MinHeaderLen {
		return nil, errs.ErrInvalidPacket("ipv4 packet too short")
	}
	ihl := int(data[0]&0x0F) * 4
	if ihl < ipv4MinHeaderLen || len(data) < ihl {
		return nil, errs.ErrInvalidPacket("invalid ipv4 ihl")
	}
	totalLen := int(binary.BigEndian.Uint16(data[2:4]))
	rp := protoFromByte(data[9])

	src, ok := netip.AddrFromSlice(data[12:16])
	if !ok {
		return nil, errs.ErrInvalidPacket("invalid ipv4 src address")
	}
	dst, ok := netip.AddrFromSlice(data[16:20])
	if !ok {
		return nil, errs.ErrInvalidPacket("invalid ipv4 dst address")
	}

	return &IPInfo{
		Version:       V4,
		Src:           src,
		Dst:           dst,
		Protocol:      rp.kind,
		ProtocolNum:   rp.num,
		TotalLen:      totalLen,
		HeaderLen:     ihl,
		PayloadOffset: ihl,
	}, nil
}

func parseIPv6(data []byte) (*IPInfo, error) {
	if len(data) < ipv6HeaderLen {
		return nil, errs.ErrInvalidPacket("ipv6 packet too short")
	}
	payloadLen := int(binary.BigEndian.Uint16(data[4:6]))
	// Next-Header is treated as the final transport protocol; extension
	// headers are not traversed (see SPEC_FULL.md §9's open question).
	rp := protoFromByte(data[6])

	src, ok := netip.AddrFromSlice(data[8:24])
	if !ok {
		return nil, errs.ErrInvalidPacket("invalid ipv6 src address")
	}
	dst, ok := netip.AddrFromSlice(data[24:40])
	if !ok {
		return nil, errs.ErrInvalidPacket("invalid ipv6 dst address")
	}

	return &IPInfo{
		Version:       V6,
		Src:           src,
		Dst:           dst,
		Protocol:      rp.kind,
		ProtocolNum:   rp.num,
		TotalLen:      ipv6HeaderLen + payloadLen,
		HeaderLen:     ipv6HeaderLen,
		PayloadOffset: ipv6HeaderLen,
	}, nil
}

func parseTCP(data []byte) (*TCPInfo, error) {
	if len(data) < tcpMinHeaderLen {
		return nil, errs.ErrInvalidPacket("tcp header too short")
	}
	dataOffset := int(data[12]>>4) * 4
	if dataOffset < tcpMinHeaderLen || len(data) < dataOffset {
		return nil, errs.ErrInvalidPacket("invalid tcp data offset")
	}
	return &TCPInfo{
		SrcPort:    binary.BigEndian.Uint16(data[0:2]),
		DstPort:    binary.BigEndian.Uint16(data[2:4]),
		SeqNum:     binary.BigEndian.Uint32(data[4:8]),
		AckNum:     binary.BigEndian.Uint32(data[8:12]),
		DataOffset: dataOffset,
		Flags:      FlagsFromByte(data[13]),
		Window:     binary.BigEndian.Uint16(data[14:16]),
		Checksum:   binary.BigEndian.Uint16(data[16:18]),
		UrgentPtr:  binary.BigEndian.Uint16(data[18:20]),
	}, nil
}

func parseUDP(data []byte) (*UDPInfo, error) {
	if len(data) < udpHeaderLen {
		return nil, errs.ErrInvalidPacket("udp header too short")
	}
	return &UDPInfo{
		SrcPort:  binary.BigEndian.Uint16(data[0:2]),
		DstPort:  binary.BigEndian.Uint16(data[2:4]),
		Length:   binary.BigEndian.Uint16(data[4:6]),
		Checksum: binary.BigEndian.Uint16(data[6:8]),
	}, nil
}

// SrcAddrPort returns the flow's source address/port, if this packet
// carries a TCP or UDP header.
func (p *ParsedPacket) SrcAddrPort() (netip.AddrPort, bool) {
	switch {
	case p.TCP != nil:
		return netip.AddrPortFrom(p.IP.Src, p.TCP.SrcPort), true
	case p.UDP != nil:
		return netip.AddrPortFrom(p.IP.Src, p.UDP.SrcPort), true
	default:
		return netip.AddrPort{}, false
	}
}

// DstAddrPort returns the flow's destination address/port, if this packet
// carries a TCP or UDP header.
func (p *ParsedPacket) DstAddrPort() (netip.AddrPort, bool) {
	switch {
	case p.TCP != nil:
		return netip.AddrPortFrom(p.IP.Dst, p.TCP.DstPort), true
	case p.UDP != nil:
		return netip.AddrPortFrom(p.IP.Dst, p.UDP.DstPort), true
	default:
		return netip.AddrPort{}, false
	}
}

// IsTCPSyn, IsTCPFin, IsTCPRst report on the TCP flags of this packet, and
// are always false for non-TCP packets.
func (p *ParsedPacket) IsTCPSyn() bool { return p.TCP != nil && p.TCP.Flags.IsSyn() }
func (p *ParsedPacket) IsTCPFin() bool { return p.TCP != nil && p.TCP.Flags.IsFin() }
func (p *ParsedPacket) IsTCPRst() bool { return p.TCP != nil && p.TCP.Flags.IsRst() }

// TCPPayload returns the TCP segment's application data, if any.
func (p *ParsedPacket) TCPPayload(data []byte) []byte {
	if p.TCP == nil {
		return nil
	}
	return p.TCP.Payload(p.IP.Payload(data))
}

// UDPPayload returns the UDP datagram's application data, if any.
func (p *ParsedPacket) UDPPayload(data []byte) []byte {
	if p.UDP == nil {
		return nil
	}
	return p.UDP.Payload(p.IP.Payload(data))
}

// FlowKey builds the NAT flow key for this packet. It returns ok=false for
// packets carrying neither a TCP nor a UDP header.
func (p *ParsedPacket) FlowKey() (nat.FlowKey, bool) {
	src, ok := p.SrcAddrPort()
	if !ok {
		return nat.FlowKey{}, false
	}
	dst, _ := p.DstAddrPort()
	switch {
	case p.TCP != nil:
		return nat.TCPKey(src, dst), true
	case p.UDP != nil:
		return nat.UDPKey(src, dst), true
	default:
		return nat.FlowKey{}, false
	}
}
