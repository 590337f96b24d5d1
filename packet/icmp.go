package packet

import (
	neticmp "golang.org/x/net/icmp"
	netipv4 "golang.org/x/net/ipv4"
	netipv6 "golang.org/x/net/ipv6"
)

// BuildUnreachable constructs an ICMP "destination unreachable,
// administratively prohibited" reply carrying as much of the original
// datagram as fits, for a flow the rule engine has rejected. The caller is
// responsible for injecting the returned bytes back out the TUN device;
// this function only builds the ICMP message body plus its own IP header,
// mirroring the teacher's intra/netstack/icmpv2.go concern (synthesizing
// ICMP replies for a blocked flow) without pulling in a gvisor userspace
// network stack the rest of this package has no use for.
func BuildUnreachable(original []byte, ip IPInfo) ([]byte, error) {
	const maxEchoed = 576 // conservative minimum MTU; plenty for a header + a few payload bytes

	echoed := original
	if len(echoed) > maxEchoed {
		echoed = echoed[:maxEchoed]
	}

	if ip.Version == V6 {
		return buildUnreachable6(echoed, ip)
	}
	return buildUnreachable4(echoed, ip)
}

func buildUnreachable4(echoed []byte, ip IPInfo) ([]byte, error) {
	msg := &neticmp.Message{
		Type: netipv4.ICMPTypeDestinationUnreachable,
		Code: 13, // communication administratively prohibited
		Body: &neticmp.DstUnreach{Data: echoed},
	}
	body, err := msg.Marshal(nil)
	if err != nil {
		return nil, err
	}
	return wrapIPv4(body, ip)
}

func buildUnreachable6(echoed []byte, ip IPInfo) ([]byte, error) {
	msg := &neticmp.Message{
		Type: netipv6.ICMPTypeDestinationUnreachable,
		Code: 1, // communication administratively prohibited
		Body: &neticmp.DstUnreach{Data: echoed},
	}
	// ICMPv6, unlike ICMPv4, folds the IP pseudo-header into its checksum;
	// Marshal only computes one when given the pseudo-header bytes for the
	// reply direction (reply source is the original destination, and
	// vice versa).
	psh := neticmp.IPv6PseudoHeader(ip.Dst.AsSlice(), ip.Src.AsSlice())
	body, err := msg.Marshal(psh)
	if err != nil {
		return nil, err
	}
	return wrapIPv6(body, ip)
}

// wrapIPv4 prepends a minimal 20-byte IPv4 header to an ICMP message,
// addressed from the original destination back to the original source (the
// reply direction), with checksum left to the caller's egress path the way
// every other packet this core re-injects is left unmodified.
func wrapIPv4(icmpBody []byte, ip IPInfo) ([]byte, error) {
	h := make([]byte, 20)
	h[0] = 0x45 // version 4, IHL 5
	totalLen := 20 + len(icmpBody)
	h[2] = byte(totalLen >> 8)
	h[3] = byte(totalLen)
	h[8] = 64 // TTL
	h[9] = ProtoICMP
	copy(h[12:16], ip.Dst.AsSlice())
	copy(h[16:20], ip.Src.AsSlice())
	return append(h, icmpBody...), nil
}

// wrapIPv6 prepends a minimal 40-byte IPv6 header, same reply-direction
// addressing as wrapIPv4.
func wrapIPv6(icmpBody []byte, ip IPInfo) ([]byte, error) {
	h := make([]byte, 40)
	h[0] = 0x60 // version 6
	plen := len(icmpBody)
	h[4] = byte(plen >> 8)
	h[5] = byte(plen)
	h[6] = ProtoICMP6
	h[7] = 64 // hop limit
	copy(h[8:24], ip.Dst.AsSlice())
	copy(h[24:40], ip.Src.AsSlice())
	return append(h, icmpBody...), nil
}
