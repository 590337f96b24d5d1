// Package device is the core's virtual TUN endpoint: a bounded, concurrent
// packet queue pair (inbound from the OS, outbound back to it) that stands
// in for smoltcp's Device trait from the original. Go has no equivalent
// polling device interface, so the queues are realized as buffered
// channels, the same concurrency primitive the teacher's intra/common.go
// pumps use for upload/download.
package device

import (
	"github.com/voyage-core/voyage/errs"
)

// MTU is the default maximum transmission unit for packets moving through
// the device.
const MTU = 1500

// Config configures a Device's queue depth and MTU.
type Config struct {
	MTU       int
	QueueSize int
}

func DefaultConfig() Config {
	return Config{MTU: MTU, QueueSize: 256}
}

// Device is a bounded bidirectional packet queue: Inject enqueues packets
// arriving from the OS/TUN fd for the core to process, and Enqueue (the
// core's output) queues packets the core wants written back to the OS.
// Both directions are backed by buffered channels rather than a mutex +
// slice. Producers never block: a full queue makes InjectPacket or
// EnqueueOutbound return an error. Close unblocks every receiver waiting in
// ReceivePacket or ReceiveOutbound at once.
type Device struct {
	mtu int

	rx     chan []byte // packets inbound to the core (from the OS)
	tx     chan []byte // packets outbound from the core (to the OS)
	closed chan struct{}
}

func New(cfg Config) *Device {
	return &Device{
		mtu:    cfg.MTU,
		rx:     make(chan []byte, cfg.QueueSize),
		tx:     make(chan []byte, cfg.QueueSize),
		closed: make(chan struct{}),
	}
}

func (d *Device) MTU() int { return d.mtu }

// InjectPacket enqueues a packet received from the OS for the core to
// consume via ReceivePacket. It returns an error if the rx queue is full
// or the device is closed, rather than blocking the caller (typically a
// tight read loop on the TUN fd) indefinitely.
func (d *Device) InjectPacket(packet []byte) error {
	select {
	case <-d.closed:
		return errs.New(errs.IoError, "device is closed")
	default:
	}
	select {
	case d.rx <- packet:
		return nil
	case <-d.closed:
		return errs.New(errs.IoError, "device is closed")
	default:
		return errs.New(errs.IoError, "device rx queue full")
	}
}

// ReceivePacket blocks until a packet injected by InjectPacket is
// available, or the device is closed.
func (d *Device) ReceivePacket() ([]byte, bool) {
	select {
	case p := <-d.rx:
		return p, true
	case <-d.closed:
		return nil, false
	}
}

// EnqueueOutbound queues a packet the core produced for delivery back to
// the OS, consumed by TakeOutbound. Like InjectPacket, this never blocks:
// callers on the hot path should treat a full queue as backpressure to
// shed, not a reason to stall packet processing.
func (d *Device) EnqueueOutbound(packet []byte) error {
	select {
	case <-d.closed:
		return errs.New(errs.IoError, "device is closed")
	default:
	}
	select {
	case d.tx <- packet:
		return nil
	case <-d.closed:
		return errs.New(errs.IoError, "device is closed")
	default:
		return errs.New(errs.IoError, "device tx queue full")
	}
}

// ReceiveOutbound blocks until a packet queued by EnqueueOutbound is
// available, or the device is closed. This is the blocking, one-at-a-time
// counterpart to TakeOutbound, for a pump goroutine writing packets back
// out a TUN file descriptor one at a time rather than batch-draining.
func (d *Device) ReceiveOutbound() ([]byte, bool) {
	select {
	case p := <-d.tx:
		return p, true
	case <-d.closed:
		return nil, false
	}
}

// TakeOutbound drains every packet currently queued for delivery to the
// OS, without blocking.
func (d *Device) TakeOutbound() [][]byte {
	var out [][]byte
	for {
		select {
		case p := <-d.tx:
			out = append(out, p)
		default:
			return out
		}
	}
}

func (d *Device) HasRxPackets() bool  { return len(d.rx) > 0 }
func (d *Device) PendingTxCount() int { return len(d.tx) }

// Close unblocks any goroutine waiting in ReceivePacket and makes future
// Inject/Enqueue calls fail. It is not idempotent: it must be called at most
// once, and a second call panics on the closed channel, matching Go's standard close
// semantics rather than adding a guard the teacher doesn't use elsewhere
// for plain channels.
func (d *Device) Close() {
	close(d.closed)
}
