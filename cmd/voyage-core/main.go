// Command voyage-core is a standalone daemon wrapping the engine package:
// load configuration and rules from the environment/disk, bring up the
// engine, and pump packets between a TUN file descriptor and the engine's
// device queues. This is the library's non-embedded, non-mobile run mode.
package main

import (
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/voyage-core/voyage/config"
	"github.com/voyage-core/voyage/device"
	"github.com/voyage-core/voyage/engine"
	"github.com/voyage-core/voyage/vlog"
)

func init() {
	// Matches the teacher's intra/tun2socks.go init(): this process moves a
	// high volume of short-lived packet byte slices, so a more aggressive
	// GC cadence trades CPU for lower peak memory.
	debug.SetGCPercent(10)
	debug.SetMemoryLimit(1024 * 1024 * 1024 * 2) // 2GB
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		vlog.E("voyage-core: failed to load configuration: %v", err)
		os.Exit(1)
	}
	cfg.ApplyLogLevel()

	e := engine.New(cfg.ProxyConfig())

	if cfg.RulesPath != "" {
		data, err := os.ReadFile(cfg.RulesPath)
		if err != nil {
			vlog.E("voyage-core: failed to read rules file %s: %v", cfg.RulesPath, err)
			os.Exit(1)
		}
		n, err := e.LoadRules(string(data))
		if err != nil {
			vlog.E("voyage-core: failed to load rules: %v", err)
			os.Exit(1)
		}
		vlog.I("voyage-core: loaded %d rules from %s", n, cfg.RulesPath)
	}

	if err := e.EnableProxy(); err != nil {
		vlog.E("voyage-core: failed to enable proxy: %v", err)
		os.Exit(1)
	}

	if cfg.TunFd >= 0 {
		tun, err := device.AdoptFd(cfg.TunFd)
		if err != nil {
			vlog.E("voyage-core: failed to adopt tun fd %d: %v", cfg.TunFd, err)
			os.Exit(1)
		}
		defer tun.Close()
		go pumpTunToDevice(tun, e)
		go pumpDeviceToEngine(e)
		go pumpDeviceToTun(tun, e)
	}

	vlog.I("voyage-core: engine started, proxying through %s", cfg.ProxyHost)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	vlog.I("voyage-core: shutting down")
	e.Shutdown()
}

// pumpTunToDevice reads raw packets off the adopted TUN file and hands them
// to the engine's device queue for processing.
func pumpTunToDevice(tun *os.File, e *engine.Engine) {
	buf := make([]byte, e.Device().MTU()+64)
	for {
		n, err := tun.Read(buf)
		if err != nil {
			vlog.W("voyage-core: tun read failed: %v", err)
			return
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		if err := e.Device().InjectPacket(pkt); err != nil {
			vlog.W("voyage-core: inject tun packet failed: %v", err)
		}
	}
}

// pumpDeviceToEngine drains packets injected by pumpTunToDevice and runs
// each through the engine's inbound processing path.
func pumpDeviceToEngine(e *engine.Engine) {
	for {
		pkt, ok := e.Device().ReceivePacket()
		if !ok {
			return
		}
		if _, err := e.ProcessInboundPacket(pkt); err != nil {
			vlog.W("voyage-core: process inbound packet failed: %v", err)
		}
	}
}

// pumpDeviceToTun drains packets the engine queued for the OS (e.g.
// synthesized ICMP unreachable replies) and writes them back out the TUN
// file.
func pumpDeviceToTun(tun *os.File, e *engine.Engine) {
	for {
		pkt, ok := e.Device().ReceiveOutbound()
		if !ok {
			return
		}
		if _, err := tun.Write(pkt); err != nil {
			vlog.W("voyage-core: tun write failed: %v", err)
		}
	}
}
