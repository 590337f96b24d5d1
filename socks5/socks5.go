// Package socks5 implements a minimal SOCKS5 client (RFC 1928, RFC 1929):
// greeting, optional username/password auth, and CONNECT. It mirrors the
// teacher's h1.HttpTunnel shape (an opt-configured dialer with a Dial
// method) but speaks the SOCKS5 wire protocol instead of HTTP CONNECT.
package socks5

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/voyage-core/voyage/errs"
)

const version5 = 0x05

// AuthMethod is a SOCKS5 method-selection byte.
type AuthMethod byte

const (
	AuthNone             AuthMethod = 0x00
	AuthUsernamePassword AuthMethod = 0x02
	AuthNoAcceptable     AuthMethod = 0xFF
)

// Command is a SOCKS5 request command byte.
type Command byte

const (
	CmdConnect      Command = 0x01
	CmdBind         Command = 0x02
	CmdUDPAssociate Command = 0x03
)

// AddrType is a SOCKS5 address-type byte.
type AddrType byte

const (
	AddrIPv4   AddrType = 0x01
	AddrDomain AddrType = 0x03
	AddrIPv6   AddrType = 0x04
)

// ReplyCode is a SOCKS5 reply status byte.
type ReplyCode byte

const (
	ReplySucceeded             ReplyCode = 0x00
	ReplyGeneralFailure        ReplyCode = 0x01
	ReplyConnectionNotAllowed  ReplyCode = 0x02
	ReplyNetworkUnreachable    ReplyCode = 0x03
	ReplyHostUnreachable       ReplyCode = 0x04
	ReplyConnectionRefused     ReplyCode = 0x05
	ReplyTTLExpired            ReplyCode = 0x06
	ReplyCommandNotSupported   ReplyCode = 0x07
	ReplyAddrTypeNotSupported  ReplyCode = 0x08
)

func (r ReplyCode) String() string {
	switch r {
	case ReplySucceeded:
		return "succeeded"
	case ReplyGeneralFailure:
		return "general SOCKS server failure"
	case ReplyConnectionNotAllowed:
		return "connection not allowed by ruleset"
	case ReplyNetworkUnreachable:
		return "network unreachable"
	case ReplyHostUnreachable:
		return "host unreachable"
	case ReplyConnectionRefused:
		return "connection refused"
	case ReplyTTLExpired:
		return "TTL expired"
	case ReplyCommandNotSupported:
		return "command not supported"
	case ReplyAddrTypeNotSupported:
		return "address type not supported"
	default:
		return "unknown reply code"
	}
}

// TargetAddr is a CONNECT destination: either a literal address or a
// domain name plus port, the latter letting the proxy perform its own
// resolution.
type TargetAddr struct {
	IP     netip.Addr
	Domain string
	Port   uint16
}

func FromAddrPort(ap netip.AddrPort) TargetAddr {
	return TargetAddr{IP: ap.Addr(), Port: ap.Port()}
}

func FromDomain(domain string, port uint16) TargetAddr {
	return TargetAddr{Domain: domain, Port: port}
}

// Encode renders the address in SOCKS5 wire format: a type byte followed
// by the type-specific address bytes and a big-endian port.
func (t TargetAddr) Encode() ([]byte, error) {
	if t.Domain != "" {
		if len(t.Domain) > 255 {
			return nil, errs.ErrSocks5("domain name too long for SOCKS5 encoding")
		}
		buf := make([]byte, 0, 4+len(t.Domain))
		buf = append(buf, byte(AddrDomain), byte(len(t.Domain)))
		buf = append(buf, t.Domain...)
		buf = binary.BigEndian.AppendUint16(buf, t.Port)
		return buf, nil
	}

	if !t.IP.IsValid() {
		return nil, errs.ErrSocks5("target address has neither domain nor IP set")
	}

	if t.IP.Is4() {
		buf := make([]byte, 0, 7)
		buf = append(buf, byte(AddrIPv4))
		octets := t.IP.As4()
		buf = append(buf, octets[:]...)
		buf = binary.BigEndian.AppendUint16(buf, t.Port)
		return buf, nil
	}

	buf := make([]byte, 0, 19)
	buf = append(buf, byte(AddrIPv6))
	octets := t.IP.As16()
	buf = append(buf, octets[:]...)
	buf = binary.BigEndian.AppendUint16(buf, t.Port)
	return buf, nil
}

// Client is a configured SOCKS5 dialer, analogous in shape to the
// teacher's h1.HttpTunnel: build once with New/WithAuth, then Dial
// repeatedly.
type Client struct {
	proxyAddr string
	username  string
	password  string
	hasAuth   bool

	dialer *net.Dialer
}

type Option func(*Client)

func New(proxyAddr string, opts ...Option) *Client {
	c := &Client{proxyAddr: proxyAddr, dialer: &net.Dialer{}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithAuth configures username/password authentication (RFC 1929).
func WithAuth(username, password string) Option {
	return func(c *Client) {
		c.username = username
		c.password = password
		c.hasAuth = true
	}
}

// WithDialer overrides the net.Dialer used to reach the proxy itself.
func WithDialer(d *net.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// Dial connects to the proxy and issues a CONNECT request for target,
// returning the established connection once the proxy replies with
// success. The returned net.Conn's remaining bytes are the proxied
// session; no further SOCKS5 framing participates in it. Cancelling ctx
// aborts the dial at whichever step it has reached and closes the
// connection.
func (c *Client) Dial(ctx context.Context, target TargetAddr) (net.Conn, error) {
	conn, err := c.dialer.DialContext(ctx, "tcp", c.proxyAddr)
	if err != nil {
		return nil, errs.Wrap(errs.IoError, "dial socks5 proxy", err)
	}

	// Expiring the deadline on cancellation interrupts any pending
	// handshake read or write.
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })

	if err := c.handshake(conn); err != nil {
		stop()
		conn.Close()
		return nil, err
	}
	if err := c.connect(conn, target); err != nil {
		stop()
		conn.Close()
		return nil, err
	}
	if !stop() {
		conn.Close()
		return nil, errs.Wrap(errs.IoError, "socks5 dial cancelled", ctx.Err())
	}
	return conn, nil
}

func (c *Client) handshake(conn net.Conn) error {
	greeting := []byte{version5}
	if c.hasAuth {
		greeting = append(greeting, 2, byte(AuthNone), byte(AuthUsernamePassword))
	} else {
		greeting = append(greeting, 1, byte(AuthNone))
	}

	if _, err := conn.Write(greeting); err != nil {
		return errs.Wrap(errs.IoError, "write socks5 greeting", err)
	}

	resp := make([]byte, 2)
	if _, err := readFull(conn, resp); err != nil {
		return errs.Wrap(errs.IoError, "read socks5 method selection", err)
	}
	if resp[0] != version5 {
		return errs.ErrSocks5("invalid SOCKS version in method selection reply")
	}

	switch AuthMethod(resp[1]) {
	case AuthNone:
		return nil
	case AuthUsernamePassword:
		return c.authenticate(conn)
	default:
		return errs.ErrSocks5("no acceptable SOCKS5 authentication method")
	}
}

func (c *Client) authenticate(conn net.Conn) error {
	if !c.hasAuth {
		return errs.ErrSocks5("proxy requires authentication but none was configured")
	}
	req := make([]byte, 0, 3+len(c.username)+len(c.password))
	req = append(req, 0x01, byte(len(c.username)))
	req = append(req, c.username...)
	req = append(req, byte(len(c.password)))
	req = append(req, c.password...)

	if _, err := conn.Write(req); err != nil {
		return errs.Wrap(errs.IoError, "write socks5 auth request", err)
	}

	resp := make([]byte, 2)
	if _, err := readFull(conn, resp); err != nil {
		return errs.Wrap(errs.IoError, "read socks5 auth reply", err)
	}
	if resp[1] != 0x00 {
		return errs.ErrSocks5("socks5 authentication failed")
	}
	return nil
}

func (c *Client) connect(conn net.Conn, target TargetAddr) error {
	encoded, err := target.Encode()
	if err != nil {
		return err
	}

	req := make([]byte, 0, 3+len(encoded))
	req = append(req, version5, byte(CmdConnect), 0x00)
	req = append(req, encoded...)

	if _, err := conn.Write(req); err != nil {
		return errs.Wrap(errs.IoError, "write socks5 connect request", err)
	}

	header := make([]byte, 4)
	if _, err := readFull(conn, header); err != nil {
		return errs.Wrap(errs.IoError, "read socks5 connect reply header", err)
	}
	if header[0] != version5 {
		return errs.ErrSocks5("invalid SOCKS version in connect reply")
	}

	reply := ReplyCode(header[1])
	if reply > ReplyAddrTypeNotSupported {
		reply = ReplyGeneralFailure
	}
	if reply != ReplySucceeded {
		return errs.ErrSocks5(fmt.Sprintf("socks5 connect failed: %s", reply))
	}

	// Discard the bound address the proxy reports; the caller only cares
	// about the data stream from here on.
	var discard []byte
	switch AddrType(header[3]) {
	case AddrIPv4:
		discard = make([]byte, 4+2)
	case AddrDomain:
		lenBuf := make([]byte, 1)
		if _, err := readFull(conn, lenBuf); err != nil {
			return errs.Wrap(errs.IoError, "read socks5 bound domain length", err)
		}
		discard = make([]byte, int(lenBuf[0])+2)
	case AddrIPv6:
		discard = make([]byte, 16+2)
	default:
		return errs.ErrSocks5("unknown address type in connect reply")
	}
	if _, err := readFull(conn, discard); err != nil {
		return errs.Wrap(errs.IoError, "read socks5 bound address", err)
	}

	return nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := conn.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
