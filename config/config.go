// Package config loads the standalone cmd/voyage-core daemon's
// configuration from the process environment, the way a long-running
// service (rather than an embedded library, which is what the teacher's
// intra/ package itself is) conventionally bootstraps: struct tags plus
// envconfig.Process, not a hand-rolled os.Getenv walk.
package config

import (
	"net/netip"
	"strings"

	"github.com/kelseyhightower/envconfig"

	"github.com/voyage-core/voyage/errs"
	"github.com/voyage-core/voyage/proxymgr"
	"github.com/voyage-core/voyage/vlog"
)

// Config is the daemon's full environment-driven configuration, prefixed
// VOYAGE_ (e.g. VOYAGE_PROXY_HOST, VOYAGE_LOG_LEVEL).
type Config struct {
	ProxyHost     string `envconfig:"PROXY_HOST" default:"127.0.0.1"`
	ProxyPort     uint16 `envconfig:"PROXY_PORT" default:"1080"`
	ProxyUsername string `envconfig:"PROXY_USERNAME"`
	ProxyPassword string `envconfig:"PROXY_PASSWORD"`

	// ProxyFallbackHosts is a comma-separated list of alternate proxy
	// hostnames/IPs tried, in order, after ProxyHost fails to dial. They are
	// only dialled after Engine.RefreshProxyEndpoint has resolved them.
	ProxyFallbackHosts string `envconfig:"PROXY_FALLBACK_HOSTS"`

	// ProxyBindAddr pins outbound proxy dials to a specific local address,
	// for a multi-homed host. Left unset, the OS picks the source address.
	ProxyBindAddr string `envconfig:"PROXY_BIND_ADDR"`

	RulesPath string `envconfig:"RULES_PATH"`

	TunFd  int `envconfig:"TUN_FD" default:"-1"`
	TunMTU int `envconfig:"TUN_MTU" default:"1500"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// Load reads Config from the process environment under the VOYAGE_ prefix.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("voyage", &cfg); err != nil {
		return Config{}, errs.Wrap(errs.ConfigError, "load environment configuration", err)
	}
	return cfg, nil
}

// ProxyConfig adapts the daemon config into the proxymgr.Config the engine
// expects.
func (c Config) ProxyConfig() proxymgr.Config {
	var bindAddr netip.Addr
	if c.ProxyBindAddr != "" {
		addr, err := netip.ParseAddr(c.ProxyBindAddr)
		if err != nil {
			vlog.W("config: ignoring invalid VOYAGE_PROXY_BIND_ADDR %q: %v", c.ProxyBindAddr, err)
		} else {
			bindAddr = addr
		}
	}

	return proxymgr.Config{
		ServerHost:    c.ProxyHost,
		ServerPort:    c.ProxyPort,
		Username:      c.ProxyUsername,
		Password:      c.ProxyPassword,
		FallbackHosts: splitHosts(c.ProxyFallbackHosts),
		BindAddr:      bindAddr,
	}
}

// splitHosts parses a comma-separated host list, trimming whitespace and
// dropping empty entries (so a trailing comma or blank env var yields nil,
// not a list with an empty string in it).
func splitHosts(s string) []string {
	if s == "" {
		return nil
	}
	var hosts []string
	for _, h := range strings.Split(s, ",") {
		h = strings.TrimSpace(h)
		if h != "" {
			hosts = append(hosts, h)
		}
	}
	return hosts
}

// ApplyLogLevel sets vlog's package-level level from the configured
// string, defaulting to INFO on an unrecognized value.
func (c Config) ApplyLogLevel() {
	switch c.LogLevel {
	case "verbose", "v":
		vlog.SetLevel(vlog.VERBOSE)
	case "debug", "d":
		vlog.SetLevel(vlog.DEBUG)
	case "warn", "w":
		vlog.SetLevel(vlog.WARN)
	case "error", "e":
		vlog.SetLevel(vlog.ERROR)
	default:
		vlog.SetLevel(vlog.INFO)
	}
}
