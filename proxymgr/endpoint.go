package proxymgr

import (
	"context"
	"net"
	"net/netip"
	"strings"
	"sync"

	"github.com/voyage-core/voyage/vlog"
)

// Endpoint resolves and tracks every address a configured upstream proxy can
// be reached at, producing the ordered failover list a dialer should try in
// turn. Adapted from intra/ipn/multihost/multihost.go's MH, generalized from
// a DNS-prefetched multi-transport endpoint into the core's single upstream
// SOCKS5 proxy: one primary host plus any operator-configured fallback
// hosts, each resolved to zero or more addresses.
type Endpoint struct {
	mu    sync.RWMutex
	id    string
	hosts []string
	addrs []netip.Addr
}

// NewEndpoint returns an empty endpoint identified by id (used only in
// logging/diagnostics).
func NewEndpoint(id string) *Endpoint {
	return &Endpoint{id: id}
}

func (e *Endpoint) String() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.id + ":" + strings.Join(e.strAddrsLocked(), ",")
}

func (e *Endpoint) strAddrsLocked() []string {
	out := make([]string, 0, len(e.addrs))
	for _, a := range e.addrs {
		if a.IsValid() && !a.IsUnspecified() {
			out = append(out, a.String())
		}
	}
	return out
}

// Set replaces the endpoint's candidate host list (hostnames and/or literal
// IPs, in preference order) and resolves any hostnames via the default
// resolver. Returns the number of addresses now known.
func (e *Endpoint) Set(ctx context.Context, hostsOrIPs []string) int {
	var hosts []string
	var addrs []netip.Addr

	for _, h := range hostsOrIPs {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		if ip, err := netip.ParseAddr(h); err == nil {
			addrs = append(addrs, ip)
			continue
		}
		hosts = append(hosts, h)
		resolved, err := net.DefaultResolver.LookupNetIP(ctx, "ip", h)
		if err != nil || len(resolved) == 0 {
			vlog.W("proxymgr: endpoint %s: no addresses for %q: %v", e.id, h, err)
			continue
		}
		addrs = append(addrs, resolved...)
	}

	e.mu.Lock()
	e.hosts = hosts
	e.addrs = addrs
	n := len(e.addrs)
	e.mu.Unlock()

	vlog.D("proxymgr: endpoint %s resolved %d address(es) from %v", e.id, n, hostsOrIPs)
	return n
}

// Addrs returns the resolved address list in preference order: callers
// should dial the first entry first, falling back to the rest in order on
// failure.
func (e *Endpoint) Addrs() []netip.Addr {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]netip.Addr, len(e.addrs))
	copy(out, e.addrs)
	return out
}

// Len reports how many addresses are currently resolved.
func (e *Endpoint) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.addrs)
}
