package socks5

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBindSourceWithInvalidAddrReturnsPlainDialer(t *testing.T) {
	d := BindSource(netip.Addr{})
	assert.Nil(t, d.Control)
}

func TestBindSourceWithValidAddrSetsControl(t *testing.T) {
	d := BindSource(netip.MustParseAddr("127.0.0.1"))
	assert.NotNil(t, d.Control)
}
