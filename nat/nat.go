// Package nat implements the core's NAT/connection-tracking table: a
// bidirectional map from flow five-tuples to locally allocated ephemeral
// ports, with per-flow lifecycle state and byte counters. The table embeds
// its mutex directly the way intra/core/expiringmap.go's ExpMap does,
// serializing every operation over one lock.
package nat

import (
	"net/netip"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/voyage-core/voyage/errs"
)

// Protocol is the transport protocol of a tracked flow.
type Protocol uint8

const (
	TCP Protocol = 6
	UDP Protocol = 17
)

// FlowKey is the five-tuple identifying a transport flow. It is a plain
// comparable struct so it can be used directly as a map key, the same way
// the teacher leans on net/netip's comparable AddrPort throughout intra/.
type FlowKey struct {
	SrcIP    netip.Addr
	SrcPort  uint16
	DstIP    netip.Addr
	DstPort  uint16
	Protocol Protocol
}

func TCPKey(src, dst netip.AddrPort) FlowKey {
	return FlowKey{SrcIP: src.Addr(), SrcPort: src.Port(), DstIP: dst.Addr(), DstPort: dst.Port(), Protocol: TCP}
}

func UDPKey(src, dst netip.AddrPort) FlowKey {
	return FlowKey{SrcIP: src.Addr(), SrcPort: src.Port(), DstIP: dst.Addr(), DstPort: dst.Port(), Protocol: UDP}
}

func (k FlowKey) SrcAddrPort() netip.AddrPort { return netip.AddrPortFrom(k.SrcIP, k.SrcPort) }
func (k FlowKey) DstAddrPort() netip.AddrPort { return netip.AddrPortFrom(k.DstIP, k.DstPort) }
func (k FlowKey) IsTCP() bool                 { return k.Protocol == TCP }
func (k FlowKey) IsUDP() bool                 { return k.Protocol == UDP }

// State is a NAT entry's lifecycle state.
type State int

const (
	SynSent State = iota
	Established
	FinWait
	Closing
	Closed
)

// Entry is a single live (or recently live) flow tracked by the table.
type Entry struct {
	Key            FlowKey
	LocalPort      uint16
	State          State
	LastSeen       time.Time
	BytesSent      uint64
	BytesReceived  uint64
}

func newEntry(key FlowKey, port uint16, now time.Time) *Entry {
	return &Entry{Key: key, LocalPort: port, State: SynSent, LastSeen: now}
}

func (e *Entry) touch(now time.Time) {
	if now.After(e.LastSeen) {
		e.LastSeen = now
	}
}

func (e *Entry) isExpired(now time.Time, timeout time.Duration) bool {
	return now.Sub(e.LastSeen) > timeout
}

// expiryLess orders entries by (last_seen, local_port) for the auxiliary
// btree index, so the oldest entries sort first regardless of insertion
// order.
func expiryLess(a, b *Entry) bool {
	if !a.LastSeen.Equal(b.LastSeen) {
		return a.LastSeen.Before(b.LastSeen)
	}
	return a.LocalPort < b.LocalPort
}

// Config configures a Table's port range, capacity, and per-protocol
// eviction timeouts. The zero value is not usable; use DefaultConfig.
type Config struct {
	MinPort    uint16
	MaxPort    uint16
	MaxEntries int
	TCPTimeout time.Duration
	UDPTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MinPort:    10000,
		MaxPort:    60000,
		MaxEntries: 65535,
		TCPTimeout: 300 * time.Second,
		UDPTimeout: 60 * time.Second,
	}
}

// Table is the NAT table. All exported methods are safe for concurrent use.
type Table struct {
	mu sync.Mutex

	cfg Config

	entries   map[FlowKey]*Entry
	portToKey map[uint16]FlowKey
	byExpiry  *btree.BTreeG[*Entry]
	closed    map[FlowKey]*Entry // entries in the terminal Closed state, pending removal

	nextPort uint16

	now func() time.Time // overridable for deterministic tests
}

func New(cfg Config) *Table {
	return &Table{
		cfg:       cfg,
		entries:   make(map[FlowKey]*Entry),
		portToKey: make(map[uint16]FlowKey),
		byExpiry:  btree.NewG(32, expiryLess),
		closed:    make(map[FlowKey]*Entry),
		nextPort:  cfg.MinPort,
		now:       time.Now,
	}
}

func (t *Table) timeout(p Protocol) time.Duration {
	if p == TCP {
		return t.cfg.TCPTimeout
	}
	return t.cfg.UDPTimeout
}

// allocatePort probes from nextPort upward, wrapping at MaxPort back to
// MinPort, for the first port absent from the reverse index. Must be
// called with mu held.
func (t *Table) allocatePort() (uint16, error) {
	start := t.nextPort
	for {
		port := t.nextPort
		if t.nextPort >= t.cfg.MaxPort {
			t.nextPort = t.cfg.MinPort
		} else {
			t.nextPort++
		}

		if _, taken := t.portToKey[port]; !taken {
			return port, nil
		}

		if t.nextPort == start {
			return 0, errs.ErrNatTableFull()
		}
	}
}

// GetOrCreate returns the existing entry for key, or allocates a local port
// and creates a new SynSent entry. Both indices are installed atomically
// under the table's single lock so no reader ever observes one without the
// other (I1/I2).
func (t *Table) GetOrCreate(key FlowKey) (*Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[key]; ok {
		return e, nil
	}

	if len(t.entries) >= t.cfg.MaxEntries {
		t.cleanupExpiredLocked()
		if len(t.entries) >= t.cfg.MaxEntries {
			return nil, errs.ErrNatTableFull()
		}
	}

	port, err := t.allocatePort()
	if err != nil {
		return nil, err
	}

	e := newEntry(key, port, t.now())
	t.entries[key] = e
	t.portToKey[port] = key
	t.byExpiry.ReplaceOrInsert(e)
	return e, nil
}

// Get returns the entry for key, if tracked.
func (t *Table) Get(key FlowKey) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	return e, ok
}

// GetByPort returns the entry currently holding local port p, if any.
func (t *Table) GetByPort(p uint16) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key, ok := t.portToKey[p]
	if !ok {
		return nil, false
	}
	e, ok := t.entries[key]
	return e, ok
}

// transition re-homes e in the expiry btree after mutating LastSeen/State,
// since both fields participate in btree ordering. Must be called with mu
// held and e already the current map value for its key. Closed is terminal
// (I5), so an entry landing in Closed here is also indexed in t.closed for
// cleanupExpiredLocked to find it without a time-bounded scan.
func (t *Table) transition(e *Entry, mutate func(*Entry)) {
	t.byExpiry.Delete(e)
	mutate(e)
	t.byExpiry.ReplaceOrInsert(e)
	if e.State == Closed {
		t.closed[e.Key] = e
	}
}

// Establish, StartClose, Close transition a tracked entry's state. Unknown
// keys are silent no-ops, keeping callers stateless per spec. Establish and
// StartClose leave a Closed entry unchanged (I5).
func (t *Table) Establish(key FlowKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[key]; ok && e.State != Closed {
		now := t.now()
		t.transition(e, func(e *Entry) {
			e.State = Established
			e.touch(now)
		})
	}
}

func (t *Table) StartClose(key FlowKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[key]; ok && e.State != Closed {
		now := t.now()
		t.transition(e, func(e *Entry) {
			e.State = FinWait
			e.touch(now)
		})
	}
}

// Close transitions an entry to Closed, its terminal state (I5): once
// Closed, only removal via CleanupExpired is permitted.
func (t *Table) Close(key FlowKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[key]; ok {
		now := t.now()
		t.transition(e, func(e *Entry) {
			e.State = Closed
			e.touch(now)
		})
	}
}

func (t *Table) AddBytesSent(key FlowKey, n uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[key]; ok {
		now := t.now()
		t.transition(e, func(e *Entry) {
			e.BytesSent += n
			e.touch(now)
		})
	}
}

func (t *Table) AddBytesReceived(key FlowKey, n uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[key]; ok {
		now := t.now()
		t.transition(e, func(e *Entry) {
			e.BytesReceived += n
			e.touch(now)
		})
	}
}

func (t *Table) remove(key FlowKey) {
	if e, ok := t.entries[key]; ok {
		delete(t.entries, key)
		delete(t.portToKey, e.LocalPort)
		delete(t.closed, key)
		t.byExpiry.Delete(e)
	}
}

// CleanupExpired removes every entry that is Closed or has been idle past
// its protocol's timeout. Closed entries are found via t.closed, bounded by
// however many entries are pending close rather than the table size.
// Timed-out entries are found by ascending the expiry btree oldest-first and
// stopping at the first entry younger than the shorter of the two protocol
// timeouts — everything after that point is provably too young to be
// expired under either timeout, so the sweep need not visit it.
func (t *Table) CleanupExpired() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cleanupExpiredLocked()
}

func (t *Table) cleanupExpiredLocked() {
	now := t.now()
	minTimeout := t.cfg.TCPTimeout
	if t.cfg.UDPTimeout < minTimeout {
		minTimeout = t.cfg.UDPTimeout
	}

	dead := make(map[FlowKey]struct{}, len(t.closed))
	for key := range t.closed {
		dead[key] = struct{}{}
	}

	t.byExpiry.Ascend(func(e *Entry) bool {
		if now.Sub(e.LastSeen) < minTimeout {
			return false
		}
		if e.isExpired(now, t.timeout(e.Key.Protocol)) {
			dead[e.Key] = struct{}{}
		}
		return true
	})

	for key := range dead {
		t.remove(key)
	}
}

// Len, TotalBytesSent, TotalBytesReceived report over currently live
// entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Table) TotalBytesSent() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var sum uint64
	for _, e := range t.entries {
		sum += e.BytesSent
	}
	return sum
}

func (t *Table) TotalBytesReceived() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var sum uint64
	for _, e := range t.entries {
		sum += e.BytesReceived
	}
	return sum
}

// Snapshot returns a copy of every currently tracked entry, keyed by flow.
func (t *Table) Snapshot() map[FlowKey]Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[FlowKey]Entry, len(t.entries))
	for k, e := range t.entries {
		out[k] = *e
	}
	return out
}
