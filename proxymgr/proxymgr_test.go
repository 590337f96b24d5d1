package proxymgr

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voyage-core/voyage/rules"
)

func TestNewManagerIsDisabled(t *testing.T) {
	m := New()
	assert.False(t, m.IsEnabled())
	_, ok := m.GetConfig()
	assert.False(t, ok)
	assert.Equal(t, 0, m.RuleCount())
}

func TestNewWithConfigIsEnabled(t *testing.T) {
	m := NewWithConfig(Config{ServerHost: "proxy.example.com", ServerPort: 1080, Username: "user", Password: "pass"})
	assert.True(t, m.IsEnabled())
	cfg, ok := m.GetConfig()
	require.True(t, ok)
	assert.Equal(t, "proxy.example.com", cfg.ServerHost)
}

func TestEnableDisable(t *testing.T) {
	m := New()
	m.SetConfig(Config{ServerHost: "proxy.example.com", ServerPort: 1080})

	m.Enable()
	assert.True(t, m.IsEnabled())

	m.Disable()
	assert.False(t, m.IsEnabled())
}

func TestLoadRules(t *testing.T) {
	m := New()
	n, err := m.LoadRules("DOMAIN-SUFFIX, .google.com, PROXY\nFINAL, DIRECT\n")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, m.RuleCount())
}

func TestEvaluateRouteDisabledAlwaysDirect(t *testing.T) {
	m := New()
	d := m.EvaluateRoute("www.google.com", netipAddr(), 443, 0)
	assert.Equal(t, rules.Direct, d.Action)
}

func TestEvaluateRouteWithRules(t *testing.T) {
	m := NewWithConfig(Config{ServerHost: "proxy.example.com", ServerPort: 1080})
	_, err := m.LoadRules("DOMAIN-SUFFIX, .google.com, PROXY\nDOMAIN, blocked.com, REJECT\nFINAL, DIRECT\n")
	require.NoError(t, err)

	assert.Equal(t, rules.Proxy, m.EvaluateRoute("www.google.com", netipAddr(), 443, 0).Action)
	assert.Equal(t, rules.Reject, m.EvaluateRoute("blocked.com", netipAddr(), 443, 0).Action)
	assert.Equal(t, rules.Direct, m.EvaluateRoute("example.com", netipAddr(), 443, 0).Action)
}

func TestStatsTracking(t *testing.T) {
	m := NewWithConfig(Config{ServerHost: "proxy.example.com", ServerPort: 1080})
	_, err := m.LoadRules("DOMAIN, proxy.com, PROXY\nDOMAIN, reject.com, REJECT\nFINAL, DIRECT\n")
	require.NoError(t, err)

	m.EvaluateRoute("proxy.com", netipAddr(), 443, 0)
	m.EvaluateRoute("reject.com", netipAddr(), 443, 0)
	m.EvaluateRoute("other.com", netipAddr(), 443, 0)
	m.EvaluateRoute("another.com", netipAddr(), 443, 0)

	stats := m.Stats()
	assert.EqualValues(t, 1, stats.ProxiedConnections)
	assert.EqualValues(t, 1, stats.RejectedConnections)
	assert.EqualValues(t, 2, stats.DirectConnections)
}

func TestProxyBytesTracking(t *testing.T) {
	m := New()
	m.AddProxyBytesSent(100)
	m.AddProxyBytesReceived(200)

	stats := m.Stats()
	assert.EqualValues(t, 100, stats.ProxyBytesSent)
	assert.EqualValues(t, 200, stats.ProxyBytesReceived)
}

func TestResetStats(t *testing.T) {
	m := New()
	m.AddProxyBytesSent(100)
	m.ResetStats()
	assert.EqualValues(t, 0, m.Stats().ProxyBytesSent)
}

func TestProxyAddr(t *testing.T) {
	m := NewWithConfig(Config{ServerHost: "proxy.example.com", ServerPort: 1080})
	addr, ok := m.ProxyAddr()
	require.True(t, ok)
	assert.Equal(t, "proxy.example.com:1080", addr)
}

func TestCredentials(t *testing.T) {
	m := NewWithConfig(Config{ServerHost: "proxy.example.com", ServerPort: 1080, Username: "user", Password: "pass"})
	user, pass, ok := m.Credentials()
	require.True(t, ok)
	assert.Equal(t, "user", user)
	assert.Equal(t, "pass", pass)

	m2 := NewWithConfig(Config{ServerHost: "proxy.example.com", ServerPort: 1080})
	_, _, ok = m2.Credentials()
	assert.False(t, ok)
}

func TestClearRules(t *testing.T) {
	m := New()
	_, err := m.LoadRules("FINAL, DIRECT")
	require.NoError(t, err)
	assert.Equal(t, 1, m.RuleCount())

	m.ClearRules()
	assert.Equal(t, 0, m.RuleCount())
}

func TestDecisionCacheMemoizesAndInvalidatesOnRuleChange(t *testing.T) {
	m := NewWithConfig(Config{ServerHost: "proxy.example.com", ServerPort: 1080})
	m.WithDecisionCache(time.Minute, time.Minute)
	_, err := m.LoadRules("DOMAIN, cached.com, PROXY\nFINAL, DIRECT\n")
	require.NoError(t, err)

	d1 := m.EvaluateRoute("cached.com", netipAddr(), 443, 0)
	assert.Equal(t, rules.Proxy, d1.Action)

	d2 := m.EvaluateRoute("cached.com", netipAddr(), 443, 0)
	assert.Equal(t, rules.Proxy, d2.Action)

	m.ClearRules()
	d3 := m.EvaluateRoute("cached.com", netipAddr(), 443, 0)
	assert.Equal(t, rules.Direct, d3.Action)
}

func TestRequireProxyAddrFailsWithoutConfig(t *testing.T) {
	m := New()
	_, err := m.RequireProxyAddr()
	assert.Error(t, err)
}

func TestProxyAddrCandidatesFallsBackToServerHostBeforeResolve(t *testing.T) {
	m := NewWithConfig(Config{ServerHost: "proxy.example.com", ServerPort: 1080})
	candidates, err := m.ProxyAddrCandidates()
	require.NoError(t, err)
	assert.Equal(t, []string{"proxy.example.com:1080"}, candidates)
}

func TestProxyAddrCandidatesUsesResolvedEndpoint(t *testing.T) {
	m := NewWithConfig(Config{ServerHost: "literal-ip-host", ServerPort: 1080, FallbackHosts: []string{"10.0.0.2"}})
	m.config.ServerHost = "10.0.0.1" // avoid a real DNS lookup in the test

	n, err := m.ResolveEndpoint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	candidates, err := m.ProxyAddrCandidates()
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1:1080", "10.0.0.2:1080"}, candidates)
}

func TestResolveEndpointFailsWithoutConfig(t *testing.T) {
	m := New()
	_, err := m.ResolveEndpoint(context.Background())
	assert.Error(t, err)
}

func netipAddr() netip.Addr { return netip.Addr{} }
