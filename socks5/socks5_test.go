package socks5

import (
	"bytes"
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Scenario 6 from SPEC_FULL.md §8: domain target encoding is byte-exact.
func TestTargetAddrEncodeDomain(t *testing.T) {
	target := FromDomain("example.com", 443)
	encoded, err := target.Encode()
	require.NoError(t, err)

	want := append([]byte{0x03, 0x0B}, []byte("example.com")...)
	want = append(want, 0x01, 0xBB)
	assert.Equal(t, want, encoded)
}

func TestTargetAddrEncodeIPv4(t *testing.T) {
	target := FromAddrPort(netip.MustParseAddrPort("192.168.1.1:8080"))
	encoded, err := target.Encode()
	require.NoError(t, err)

	want := []byte{0x01, 192, 168, 1, 1, 0x1F, 0x90}
	assert.Equal(t, want, encoded)
}

func TestTargetAddrEncodeIPv6(t *testing.T) {
	target := FromAddrPort(netip.MustParseAddrPort("[::1]:53"))
	encoded, err := target.Encode()
	require.NoError(t, err)

	assert.Equal(t, byte(AddrIPv6), encoded[0])
	assert.Len(t, encoded, 1+16+2)
	assert.Equal(t, byte(0x00), encoded[len(encoded)-2])
	assert.Equal(t, byte(0x35), encoded[len(encoded)-1])
}

func TestTargetAddrEncodeRejectsEmpty(t *testing.T) {
	_, err := TargetAddr{}.Encode()
	assert.Error(t, err)
}

// fakeSocks5Server is a minimal in-process SOCKS5 server used to drive the
// client's handshake/connect state machine end to end without a real
// network dependency.
func fakeSocks5Server(t *testing.T, requireAuth bool) (addr string, done <-chan struct{}) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	finished := make(chan struct{})

	go func() {
		defer close(finished)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		defer ln.Close()

		greeting := make([]byte, 2)
		if _, err := readFull(conn, greeting); err != nil {
			return
		}
		nMethods := int(greeting[1])
		methods := make([]byte, nMethods)
		if _, err := readFull(conn, methods); err != nil {
			return
		}

		if requireAuth {
			conn.Write([]byte{version5, byte(AuthUsernamePassword)})
			authHdr := make([]byte, 2)
			if _, err := readFull(conn, authHdr); err != nil {
				return
			}
			uLen := int(authHdr[1])
			user := make([]byte, uLen)
			readFull(conn, user)
			pLen := make([]byte, 1)
			readFull(conn, pLen)
			pass := make([]byte, int(pLen[0]))
			readFull(conn, pass)
			conn.Write([]byte{0x01, 0x00})
		} else {
			conn.Write([]byte{version5, byte(AuthNone)})
		}

		reqHdr := make([]byte, 3)
		if _, err := readFull(conn, reqHdr); err != nil {
			return
		}
		addrType := make([]byte, 1)
		readFull(conn, addrType)
		switch AddrType(addrType[0]) {
		case AddrIPv4:
			rest := make([]byte, 4+2)
			readFull(conn, rest)
		case AddrDomain:
			lenBuf := make([]byte, 1)
			readFull(conn, lenBuf)
			rest := make([]byte, int(lenBuf[0])+2)
			readFull(conn, rest)
		case AddrIPv6:
			rest := make([]byte, 16+2)
			readFull(conn, rest)
		}

		reply := []byte{version5, byte(ReplySucceeded), 0x00, byte(AddrIPv4), 0, 0, 0, 0, 0, 0}
		conn.Write(reply)

		// Keep the connection open briefly so the client can observe a
		// live net.Conn before the test tears down.
		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		buf := make([]byte, 1)
		conn.Read(buf)
	}()

	return ln.Addr().String(), finished
}

func TestClientDialNoAuth(t *testing.T) {
	addr, done := fakeSocks5Server(t, false)
	c := New(addr)

	conn, err := c.Dial(context.Background(), FromDomain("example.com", 443))
	require.NoError(t, err)
	defer conn.Close()

	<-done
}

func TestClientDialWithAuth(t *testing.T) {
	addr, done := fakeSocks5Server(t, true)
	c := New(addr, WithAuth("user", "pass"))

	conn, err := c.Dial(context.Background(), FromAddrPort(netip.MustParseAddrPort("93.184.216.34:80")))
	require.NoError(t, err)
	defer conn.Close()

	<-done
}

func TestClientDialFailsOnUnreachableProxy(t *testing.T) {
	c := New("127.0.0.1:1")
	_, err := c.Dial(context.Background(), FromDomain("example.com", 443))
	assert.Error(t, err)
}

func TestReplyCodeStrings(t *testing.T) {
	assert.Equal(t, "host unreachable", ReplyHostUnreachable.String())
	assert.Equal(t, "connection refused", ReplyConnectionRefused.String())
	assert.NotEqual(t, "", ReplyCode(0x99).String())
}

func TestReadFullReturnsErrorOnShortConn(t *testing.T) {
	r, w := net.Pipe()
	go func() {
		w.Write([]byte{1, 2})
		w.Close()
	}()
	buf := make([]byte, 4)
	_, err := readFull(r, buf)
	assert.Error(t, err)
}

func TestEncodeShortDomainMatchesBytesLayout(t *testing.T) {
	encoded, err := FromDomain("a", 1).Encode()
	require.NoError(t, err)
	assert.True(t, bytes.Equal(encoded, []byte{0x03, 0x01, 'a', 0x00, 0x01}))
}
