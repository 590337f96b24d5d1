// Package connmgr integrates the nat and packet packages into a
// connection-oriented view: it hands callers a ConnectionInfo per flow and
// keeps a bimap between flow keys and opaque socket handles, the way the
// teacher's intra/core/expiringmap.go pairs a forward and reverse index
// under one lock.
package connmgr

import (
	"time"

	"github.com/voyage-core/voyage/errs"
	"github.com/voyage-core/voyage/nat"
	"github.com/voyage-core/voyage/packet"
)

// SocketHandle is an opaque identifier for whatever transport-layer socket
// (netstack endpoint, raw fd, etc.) backs a tracked flow. The core itself
// never interprets the value.
type SocketHandle uint64

// State is a connection's externally visible lifecycle state, derived from
// the underlying NAT state.
type State int

const (
	Connecting State = iota
	Established
	Closing
	Closed
)

func stateFromNat(s nat.State) State {
	switch s {
	case nat.SynSent:
		return Connecting
	case nat.Established:
		return Established
	case nat.FinWait, nat.Closing:
		return Closing
	case nat.Closed:
		return Closed
	default:
		return Closing
	}
}

// TCPSocketState is the subset of TCP socket states a transport
// implementation reports back through SyncSocketStates.
type TCPSocketState int

const (
	TCPEstablished TCPSocketState = iota
	TCPFinWait1
	TCPFinWait2
	TCPClosing
	TCPTimeWait
	TCPClosed
	TCPCloseWait
	TCPLastAck
	TCPOther
)

// Info is a point-in-time snapshot of one tracked connection.
type Info struct {
	Key           nat.FlowKey
	LocalPort     uint16
	SocketHandle  SocketHandle
	HasHandle     bool
	State         State
	BytesSent     uint64
	BytesReceived uint64
	CreatedAt     time.Time
}

// Manager binds a NAT table to an application-visible socket-handle bimap
// and aggregate counters.
type Manager struct {
	nat *nat.Table

	socketHandles map[nat.FlowKey]SocketHandle
	handleToKey   map[SocketHandle]nat.FlowKey

	totalBytesSent     uint64
	totalBytesReceived uint64
	totalConnections   uint64
}

func New() *Manager {
	return NewWithTable(nat.New(nat.DefaultConfig()))
}

func NewWithTable(table *nat.Table) *Manager {
	return &Manager{
		nat:           table,
		socketHandles: make(map[nat.FlowKey]SocketHandle),
		handleToKey:   make(map[SocketHandle]nat.FlowKey),
	}
}

// ProcessPacket gets or creates the NAT entry for a parsed packet's flow
// and returns its current connection info. A brand new SynSent entry
// created in response to a TCP SYN increments the total-connections
// counter.
func (m *Manager) ProcessPacket(p *packet.ParsedPacket) (Info, error) {
	key, ok := p.FlowKey()
	if !ok {
		return Info{}, errs.New(errs.InvalidPacket, "cannot derive a flow key from packet")
	}

	preexisting, _ := m.nat.Get(key)
	entry, err := m.nat.GetOrCreate(key)
	if err != nil {
		return Info{}, err
	}

	if preexisting == nil && entry.State == nat.SynSent && p.IsTCPSyn() {
		m.totalConnections++
	}

	return m.infoFromEntry(key, entry), nil
}

func (m *Manager) infoFromEntry(key nat.FlowKey, e *nat.Entry) Info {
	handle, hasHandle := m.socketHandles[key]
	return Info{
		Key:           key,
		LocalPort:     e.LocalPort,
		SocketHandle:  handle,
		HasHandle:     hasHandle,
		State:         stateFromNat(e.State),
		BytesSent:     e.BytesSent,
		BytesReceived: e.BytesReceived,
		CreatedAt:     e.LastSeen,
	}
}

// RegisterSocket associates a transport-layer socket handle with a flow.
func (m *Manager) RegisterSocket(key nat.FlowKey, handle SocketHandle) {
	m.socketHandles[key] = handle
	m.handleToKey[handle] = key
}

func (m *Manager) GetSocketHandle(key nat.FlowKey) (SocketHandle, bool) {
	h, ok := m.socketHandles[key]
	return h, ok
}

func (m *Manager) GetKeyForHandle(handle SocketHandle) (nat.FlowKey, bool) {
	k, ok := m.handleToKey[handle]
	return k, ok
}

// GetByPort looks up a connection by its locally allocated port.
func (m *Manager) GetByPort(port uint16) (Info, bool) {
	e, ok := m.nat.GetByPort(port)
	if !ok {
		return Info{}, false
	}
	return m.infoFromEntry(e.Key, e), true
}

func (m *Manager) Establish(key nat.FlowKey) { m.nat.Establish(key) }

func (m *Manager) AddBytesSent(key nat.FlowKey, n uint64) {
	m.nat.AddBytesSent(key, n)
	m.totalBytesSent += n
}

func (m *Manager) AddBytesReceived(key nat.FlowKey, n uint64) {
	m.nat.AddBytesReceived(key, n)
	m.totalBytesReceived += n
}

func (m *Manager) CloseConnection(key nat.FlowKey) {
	m.nat.Close(key)
}

// RemoveConnection evicts a flow's NAT entry and socket-handle bimap
// entries entirely, returning its last known info if one existed.
func (m *Manager) RemoveConnection(key nat.FlowKey) (Info, bool) {
	e, ok := m.nat.Get(key)
	if !ok {
		return Info{}, false
	}
	info := m.infoFromEntry(key, e)

	if handle, hasHandle := m.socketHandles[key]; hasHandle {
		delete(m.socketHandles, key)
		delete(m.handleToKey, handle)
	}
	info.SocketHandle = 0
	info.HasHandle = false

	m.nat.Close(key)
	m.nat.CleanupExpired()
	return info, true
}

// Cleanup removes every Closed connection's bimap entries and then sweeps
// the NAT table for closed/expired entries.
func (m *Manager) Cleanup() {
	for key, e := range m.nat.Snapshot() {
		if e.State == nat.Closed {
			if handle, hasHandle := m.socketHandles[key]; hasHandle {
				delete(m.socketHandles, key)
				delete(m.handleToKey, handle)
			}
		}
	}
	m.nat.CleanupExpired()
}

func (m *Manager) ActiveConnections() int        { return m.nat.Len() }
func (m *Manager) TotalBytesSent() uint64         { return m.totalBytesSent }
func (m *Manager) TotalBytesReceived() uint64     { return m.totalBytesReceived }
func (m *Manager) TotalConnections() uint64       { return m.totalConnections }

// GetAllConnections returns a snapshot Info for every currently tracked
// flow.
func (m *Manager) GetAllConnections() []Info {
	snap := m.nat.Snapshot()
	out := make([]Info, 0, len(snap))
	for key, e := range snap {
		out = append(out, m.infoFromEntry(key, &e))
	}
	return out
}

// SyncSocketStates reconciles NAT entry state with externally observed TCP
// socket states, using the same three-way collapse the teacher's
// smoltcp-backed original applies: Established maps directly, the four
// "winding down" states collapse to FinWait, and the three "gone" states
// collapse to Closed. Unrecognized states are ignored.
func (m *Manager) SyncSocketStates(states map[nat.FlowKey]TCPSocketState) {
	for key, tcpState := range states {
		var target nat.State
		switch tcpState {
		case TCPEstablished:
			target = nat.Established
		case TCPFinWait1, TCPFinWait2, TCPClosing, TCPTimeWait:
			target = nat.FinWait
		case TCPClosed, TCPCloseWait, TCPLastAck:
			target = nat.Closed
		default:
			continue
		}

		entry, ok := m.nat.Get(key)
		if !ok || entry.State == target {
			continue
		}

		switch target {
		case nat.Established:
			m.nat.Establish(key)
		case nat.FinWait:
			m.nat.StartClose(key)
		case nat.Closed:
			m.nat.Close(key)
		}
	}
}
