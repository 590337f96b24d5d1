// Package engine wires packet, nat, rules, proxymgr, connmgr, socks5, and
// device into the single embeddable core: the same "one struct behind one
// mutex, with package-level lifecycle helpers for process-wide embedding"
// shape as the teacher's tunnel.gtunnel, generalized from a TUN-to-netstack
// bridge into a TUN-to-SOCKS5 transparent proxy core.
package engine

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/voyage-core/voyage/connmgr"
	"github.com/voyage-core/voyage/device"
	"github.com/voyage-core/voyage/errs"
	"github.com/voyage-core/voyage/nat"
	"github.com/voyage-core/voyage/packet"
	"github.com/voyage-core/voyage/proxymgr"
	"github.com/voyage-core/voyage/rules"
	"github.com/voyage-core/voyage/socks5"
	"github.com/voyage-core/voyage/vlog"
)

// Stats is the externally reported snapshot of core activity, grounded on
// ffi.rs's CoreStats.
type Stats struct {
	BytesSent         uint64
	BytesReceived     uint64
	ActiveConnections uint64
	TotalConnections  uint64
}

// Engine is the embeddable core. All exported methods are safe for
// concurrent use; callers on mobile/desktop embedders are expected to hold
// a single long-lived *Engine and drive it from multiple goroutines.
type Engine struct {
	mu sync.Mutex

	conns  *connmgr.Manager
	proxy  *proxymgr.Manager
	device *device.Device

	closed atomic.Bool
}

// New constructs a standalone engine bound to the given upstream proxy
// configuration. Unlike the process-wide singleton helpers below, this is
// the preferred entry point for Go callers: it avoids any shared global
// state and can be constructed more than once per process (e.g. in
// tests).
func New(cfg proxymgr.Config) *Engine {
	return &Engine{
		conns:  connmgr.New(),
		proxy:  proxymgr.NewWithConfig(cfg),
		device: device.New(device.DefaultConfig()),
	}
}

func (e *Engine) checkOpen() error {
	if e.closed.Load() {
		return errs.New(errs.NotInitialized, "engine has been shut down")
	}
	return nil
}

// ProcessInboundPacket parses a packet arriving from the TUN device,
// updates connection tracking for it, and returns it unmodified — mirroring
// ffi.rs's process_inbound_packet, which likewise defers actual
// routing/forwarding to a later stage. The one routing step taken here: a
// TCP SYN whose route evaluates to Reject gets an ICMP unreachable reply
// queued on the device's outbound path.
func (e *Engine) ProcessInboundPacket(raw []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkOpen(); err != nil {
		return nil, err
	}

	parsed, err := packet.ParsePacket(raw)
	if err != nil {
		return nil, err
	}
	if _, err := e.conns.ProcessPacket(parsed); err != nil {
		return nil, err
	}

	if parsed.IsTCPSyn() {
		dst, ok := parsed.DstAddrPort()
		if ok && e.proxy.EvaluateRoute("", dst.Addr(), dst.Port(), parsed.TCP.SrcPort).Action == rules.Reject {
			e.respondUnreachableLocked(raw, parsed)
		}
	}

	return raw, nil
}

// respondUnreachableLocked synthesizes an ICMP destination-unreachable
// reply for a SYN the rule engine rejected and queues it on the device's
// outbound path, so the peer's connection attempt fails fast instead of
// timing out. Errors building the reply are logged and otherwise ignored:
// failing to notify the peer is not itself a processing error.
func (e *Engine) respondUnreachableLocked(raw []byte, parsed *packet.ParsedPacket) {
	reply, err := packet.BuildUnreachable(raw, parsed.IP)
	if err != nil {
		vlog.W("engine: build icmp unreachable failed: %v", err)
		return
	}
	if err := e.device.EnqueueOutbound(reply); err != nil {
		vlog.W("engine: enqueue icmp unreachable failed: %v", err)
	}
}

// ProcessOutboundPacket is the symmetric outbound hook; today it is a
// pass-through, matching the original's equally unimplemented
// process_outbound_packet.
func (e *Engine) ProcessOutboundPacket(raw []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	return raw, nil
}

// LoadRules parses and appends Surge-style rules from config, returning
// the number of rules loaded.
func (e *Engine) LoadRules(config string) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	n, err := e.proxy.LoadRules(config)
	if err != nil {
		vlog.W("engine: load rules failed: %v", err)
		return 0, err
	}
	vlog.I("engine: loaded %d rules", n)
	return n, nil
}

func (e *Engine) ClearRules() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkOpen(); err != nil {
		return err
	}
	e.proxy.ClearRules()
	vlog.I("engine: cleared all rules")
	return nil
}

func (e *Engine) RuleCount() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	return e.proxy.RuleCount(), nil
}

// EvaluateRoute resolves a routing decision for a candidate flow. dstIP
// may be the invalid (zero) netip.Addr if unresolved.
func (e *Engine) EvaluateRoute(domain string, dstIP netip.Addr, dstPort, srcPort uint16) (rules.Action, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	return e.proxy.EvaluateRoute(domain, dstIP, dstPort, srcPort).Action, nil
}

// Stats reports current byte and connection counters.
func (e *Engine) Stats() (Stats, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkOpen(); err != nil {
		return Stats{}, err
	}
	return Stats{
		BytesSent:         e.conns.TotalBytesSent(),
		BytesReceived:     e.conns.TotalBytesReceived(),
		ActiveConnections: uint64(e.conns.ActiveConnections()),
		TotalConnections:  e.conns.TotalConnections(),
	}, nil
}

func (e *Engine) AddBytesSent(n uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkOpen(); err != nil {
		return err
	}
	e.proxy.AddProxyBytesSent(n)
	return nil
}

func (e *Engine) AddBytesReceived(n uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkOpen(); err != nil {
		return err
	}
	e.proxy.AddProxyBytesReceived(n)
	return nil
}

func (e *Engine) EnableProxy() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkOpen(); err != nil {
		return err
	}
	e.proxy.Enable()
	vlog.I("engine: proxy enabled")
	return nil
}

func (e *Engine) DisableProxy() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkOpen(); err != nil {
		return err
	}
	e.proxy.Disable()
	vlog.I("engine: proxy disabled")
	return nil
}

func (e *Engine) IsProxyEnabled() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkOpen(); err != nil {
		return false, err
	}
	return e.proxy.IsEnabled(), nil
}

// DialProxy opens a SOCKS5 CONNECT tunnel to target through the engine's
// configured upstream proxy. Returns a ConfigError if no upstream is
// configured (distinct from "proxy disabled", which routing decisions
// already steer around before this is ever called). If ResolveEndpoint has
// found more than one address for the upstream, each is tried in order
// until one succeeds.
func (e *Engine) DialProxy(ctx context.Context, target socks5.TargetAddr) (socks5Conn, error) {
	e.mu.Lock()
	candidates, err := e.proxy.ProxyAddrCandidates()
	username, password, hasCreds := e.proxy.Credentials()
	bindAddr := e.proxy.BindAddr()
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var opts []socks5.Option
	if hasCreds {
		opts = append(opts, socks5.WithAuth(username, password))
	}
	if bindAddr.IsValid() {
		opts = append(opts, socks5.WithDialer(socks5.BindSource(bindAddr)))
	}

	var lastErr error
	for _, addr := range candidates {
		client := socks5.New(addr, opts...)
		conn, err := client.Dial(ctx, target)
		if err == nil {
			return conn, nil
		}
		vlog.W("engine: dial upstream proxy %s failed: %v", addr, err)
		lastErr = err
	}
	return nil, lastErr
}

// RefreshProxyEndpoint re-resolves the configured upstream proxy host (and
// any fallback hosts) into the failover address list DialProxy tries in
// order.
func (e *Engine) RefreshProxyEndpoint(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	return e.proxy.ResolveEndpoint(ctx)
}

// socks5Conn is the Read/Write/Close subset of net.Conn that DialProxy
// returns, declared locally to avoid importing net into this file's
// signature just for a type name.
type socks5Conn = interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	Close() error
}

// Device exposes the engine's packet queue for TUN fd plumbing.
func (e *Engine) Device() *device.Device { return e.device }

// ConnManager exposes the engine's connection manager for callers that
// need direct access (e.g. a transport implementation syncing socket
// states).
func (e *Engine) ConnManager() *connmgr.Manager { return e.conns }

// ResetNatTable constructs the NAT table this engine's connection manager uses
// with a custom configuration; must be called before any packets are
// processed.
func (e *Engine) ResetNatTable(cfg nat.Config) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conns = connmgr.NewWithTable(nat.New(cfg))
}

// Shutdown marks the engine closed. It is advisory only: in-flight calls
// already past checkOpen may complete, mirroring the original's
// shutdown_core, which (being backed by an unresettable OnceLock) could
// only log a request rather than actually tear anything down.
func (e *Engine) Shutdown() {
	e.closed.Store(true)
	vlog.I("engine: shutdown requested")
}

// IsShutdown reports whether Shutdown has been called.
func (e *Engine) IsShutdown() bool { return e.closed.Load() }

// --- process-wide singleton, for embedders that need a single global
// instance (mobile bindings, cgo-style FFI) rather than holding a Go
// *Engine handle directly. Go has no OnceLock equivalent that reports
// "already set" as a distinguishable error the way the original's
// OnceLock::set does, so this is realized with a plain mutex-guarded
// pointer: the first Init wins, and subsequent Inits fail explicitly.

var (
	globalMu       sync.Mutex
	globalInstance *Engine
)

// Init installs the process-wide singleton instance. Returns
// AlreadyInitialized if one already exists.
func Init(cfg proxymgr.Config) error {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalInstance != nil {
		return errs.ErrAlreadyInitialized()
	}
	globalInstance = New(cfg)
	vlog.I("engine: initialized")
	return nil
}

// Instance returns the process-wide singleton, or NotInitialized if Init
// has not been called.
func Instance() (*Engine, error) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalInstance == nil {
		return nil, errs.ErrNotInitialized()
	}
	return globalInstance, nil
}

// IsInitialized reports whether the process-wide singleton exists.
func IsInitialized() bool {
	globalMu.Lock()
	defer globalMu.Unlock()
	return globalInstance != nil
}

// Shutdown marks the process-wide singleton closed, advisory-only exactly
// like (*Engine).Shutdown.
func Shutdown() {
	globalMu.Lock()
	inst := globalInstance
	globalMu.Unlock()
	if inst != nil {
		inst.Shutdown()
	}
}

// resetGlobalForTest clears the process-wide singleton. Only exported
// within the package's own tests via the _test.go file in this package;
// never called from production code.
func resetGlobalForTest() {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalInstance = nil
}
