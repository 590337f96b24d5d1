// Package proxymgr coordinates routing decisions on top of a rules.Engine:
// it tracks whether proxying is enabled, holds the upstream proxy's
// connection details, aggregates decision/byte statistics, and optionally
// memoizes recent decisions in a go-cache instance the way ipn/proxies.go's
// proxifier holds shared, swappable proxy state behind one lock.
package proxymgr

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/voyage-core/voyage/errs"
	"github.com/voyage-core/voyage/rules"
)

// Config describes how to reach the upstream SOCKS5 proxy. FallbackHosts
// are additional hostnames or literal IPs for the same upstream (e.g. a
// secondary data-center address), tried in order after ServerHost fails
// once ResolveEndpoint has resolved them; before that, ProxyAddrCandidates
// offers ServerHost alone.
type Config struct {
	ServerHost    string
	ServerPort    uint16
	Username      string
	Password      string
	FallbackHosts []string

	// BindAddr, if valid, pins outbound dials to the upstream proxy to this
	// local address instead of letting the kernel pick one.
	BindAddr netip.Addr
}

func (c Config) hasCredentials() bool {
	return c.Username != "" && c.Password != ""
}

// Decision is a routing decision with the context it was computed from.
type Decision struct {
	Action      rules.Action
	Domain      string
	DstIP       netip.Addr
	DstPort     uint16
	MatchedRule string
}

func Direct(dstPort uint16) Decision  { return Decision{Action: rules.Direct, DstPort: dstPort} }
func ProxyDecision(dstPort uint16) Decision {
	return Decision{Action: rules.Proxy, DstPort: dstPort}
}
func Reject(dstPort uint16) Decision { return Decision{Action: rules.Reject, DstPort: dstPort} }

func (d Decision) WithDomain(domain string) Decision  { d.Domain = domain; return d }
func (d Decision) WithDstIP(ip netip.Addr) Decision    { d.DstIP = ip; return d }
func (d Decision) WithRule(name string) Decision       { d.MatchedRule = name; return d }

// Stats aggregates routing and byte counters across the proxy manager's
// lifetime, reset only by ResetStats.
type Stats struct {
	DirectConnections   uint64
	ProxiedConnections  uint64
	RejectedConnections uint64
	ProxyBytesSent      uint64
	ProxyBytesReceived  uint64
}

// Manager coordinates a rules.Engine with enable/disable state and an
// optional upstream proxy configuration. Disabling never discards loaded
// rules or accumulated stats (only EvaluateRoute's outcome changes),
// matching the original's is_enabled/enable/disable semantics.
type Manager struct {
	config  *Config
	engine  *rules.Engine
	stats   Stats
	enabled bool

	// decisionCache memoizes recent EvaluateRoute outcomes keyed by the
	// (domain, dst ip, dst port, src port) tuple, trading a short staleness
	// window for skipping repeated O(N) rule walks on hot flows. Nil unless
	// WithDecisionCache enables it.
	decisionCache *cache.Cache

	// endpoint holds the upstream proxy's resolved failover address list,
	// refreshed on demand by ResolveEndpoint.
	endpoint *Endpoint
}

func New() *Manager {
	return &Manager{engine: rules.New(), enabled: false}
}

func NewWithConfig(cfg Config) *Manager {
	return &Manager{config: &cfg, engine: rules.New(), enabled: true}
}

// WithDecisionCache enables the optional decision memoization cache with
// the given TTL and cleanup interval.
func (m *Manager) WithDecisionCache(ttl, cleanupInterval time.Duration) {
	m.decisionCache = cache.New(ttl, cleanupInterval)
}

func (m *Manager) SetConfig(cfg Config) {
	m.config = &cfg
}

func (m *Manager) GetConfig() (Config, bool) {
	if m.config == nil {
		return Config{}, false
	}
	return *m.config, true
}

func (m *Manager) Enable()  { m.enabled = true }
func (m *Manager) Disable() { m.enabled = false }

// IsEnabled reports whether routing decisions actually consult the rule
// engine: both an explicit Enable and a configured upstream proxy are
// required, matching the original's enabled && config.is_some().
func (m *Manager) IsEnabled() bool {
	return m.enabled && m.config != nil
}

// LoadRules parses a Surge-style rule file and appends its rules,
// returning the number of rules parsed.
func (m *Manager) LoadRules(config string) (int, error) {
	before := m.engine.Len()
	if err := m.engine.LoadFromConfig(strings.NewReader(config)); err != nil {
		return 0, err
	}
	m.invalidateCache()
	return m.engine.Len() - before, nil
}

func (m *Manager) ClearRules() {
	m.engine.Clear()
	m.invalidateCache()
}

func (m *Manager) RuleCount() int { return m.engine.Len() }

func (m *Manager) invalidateCache() {
	if m.decisionCache != nil {
		m.decisionCache.Flush()
	}
}

func cacheKey(domain string, dstIP netip.Addr, dstPort, srcPort uint16) string {
	return fmt.Sprintf("%s|%s|%d|%d", domain, dstIP, dstPort, srcPort)
}

// EvaluateRoute computes (and counts) a routing decision for a candidate
// flow. When the manager is disabled the result is always Direct, without
// consulting the rule engine or the cache.
func (m *Manager) EvaluateRoute(domain string, dstIP netip.Addr, dstPort, srcPort uint16) Decision {
	var action rules.Action
	if m.IsEnabled() {
		if m.decisionCache != nil {
			key := cacheKey(domain, dstIP, dstPort, srcPort)
			if cached, ok := m.decisionCache.Get(key); ok {
				action = cached.(rules.Action)
			} else {
				action = m.engine.Evaluate(domain, dstIP, dstPort, srcPort)
				m.decisionCache.SetDefault(key, action)
			}
		} else {
			action = m.engine.Evaluate(domain, dstIP, dstPort, srcPort)
		}
	} else {
		action = rules.Direct
	}

	switch action {
	case rules.Direct:
		m.stats.DirectConnections++
	case rules.Proxy:
		m.stats.ProxiedConnections++
	case rules.Reject:
		m.stats.RejectedConnections++
	}

	return Decision{Action: action, Domain: domain, DstIP: dstIP, DstPort: dstPort}
}

func (m *Manager) AddProxyBytesSent(n uint64)     { m.stats.ProxyBytesSent += n }
func (m *Manager) AddProxyBytesReceived(n uint64) { m.stats.ProxyBytesReceived += n }

func (m *Manager) Stats() Stats { return m.stats }

func (m *Manager) ResetStats() { m.stats = Stats{} }

// ProxyAddr returns the upstream proxy's "host:port" string form, if
// configured.
func (m *Manager) ProxyAddr() (string, bool) {
	if m.config == nil {
		return "", false
	}
	return fmt.Sprintf("%s:%d", m.config.ServerHost, m.config.ServerPort), true
}

// ResolveEndpoint resolves the configured ServerHost and any FallbackHosts
// into an ordered address list, for callers that want to try more than one
// address on connect failure. Returns the number of addresses resolved.
func (m *Manager) ResolveEndpoint(ctx context.Context) (int, error) {
	if m.config == nil {
		return 0, errNoConfig
	}
	if m.endpoint == nil {
		m.endpoint = NewEndpoint("upstream-proxy")
	}
	hosts := append([]string{m.config.ServerHost}, m.config.FallbackHosts...)
	return m.endpoint.Set(ctx, hosts), nil
}

// ProxyAddrCandidates returns "ip:port" dial targets in failover order: the
// resolved endpoint's addresses if ResolveEndpoint has been called and
// found any, otherwise the bare configured ServerHost as a single
// candidate (left for the caller's own dialer to resolve).
func (m *Manager) ProxyAddrCandidates() ([]string, error) {
	if m.config == nil {
		return nil, errNoConfig
	}
	if m.endpoint != nil {
		if addrs := m.endpoint.Addrs(); len(addrs) > 0 {
			out := make([]string, len(addrs))
			for i, a := range addrs {
				out[i] = netip.AddrPortFrom(a, m.config.ServerPort).String()
			}
			return out, nil
		}
	}
	return []string{fmt.Sprintf("%s:%d", m.config.ServerHost, m.config.ServerPort)}, nil
}

// Credentials returns the configured upstream proxy's username/password,
// if both are set.
func (m *Manager) Credentials() (username, password string, ok bool) {
	if m.config == nil || !m.config.hasCredentials() {
		return "", "", false
	}
	return m.config.Username, m.config.Password, true
}

// BindAddr returns the configured local bind address for upstream dials,
// if any.
func (m *Manager) BindAddr() netip.Addr {
	if m.config == nil {
		return netip.Addr{}
	}
	return m.config.BindAddr
}

var errNoConfig = errs.New(errs.ConfigError, "proxy manager has no configured upstream")

// RequireProxyAddr is a convenience for callers (e.g. engine.Engine) that
// must fail loudly rather than silently falling back to Direct when no
// upstream is configured.
func (m *Manager) RequireProxyAddr() (string, error) {
	addr, ok := m.ProxyAddr()
	if !ok {
		return "", errNoConfig
	}
	return addr, nil
}
