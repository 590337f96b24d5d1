package socks5

import (
	"net"
	"net/netip"
	"syscall"
)

// BindSource returns a net.Dialer that binds its local address to src
// before connecting to the upstream proxy, the way intra/protect/protect.go's
// ipBinder binds an outbound socket to a particular interface IP. This lets
// a multi-homed host pin proxy dials to a specific egress address instead
// of letting the kernel pick one, independent of SOCKS5 framing.
func BindSource(src netip.Addr) *net.Dialer {
	if !src.IsValid() {
		return &net.Dialer{}
	}
	return &net.Dialer{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				bind(int(fd), network, src)
			})
		},
	}
}

func bind(fd int, network string, src netip.Addr) {
	if src.Is4() {
		_ = syscall.Bind(fd, &syscall.SockaddrInet4{Addr: src.As4()})
		return
	}
	if src.Is6() {
		_ = syscall.Bind(fd, &syscall.SockaddrInet6{Addr: src.As16()})
	}
}
