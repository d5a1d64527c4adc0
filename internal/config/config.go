// Package config loads the YAML configuration contract from spec.md §6:
// tunnel name/MTU/addresses, optional up/down scripts, the session cap, and
// the mapped-DNS section. Grounded on the teacher's zero-value-default
// loading pattern (internal/config.go): unmarshal, then fill every unset
// field with its documented default.
package config

import (
	"fmt"
	"net/netip"
	"os"

	"gopkg.in/yaml.v3"
)

// MappedDNS is the mapped-DNS section of the configuration contract. With the
// section absent the service is left unconfigured; when it is present,
// anycast_address and network are required, anycast_port defaults to 53 and
// cache_size to 1024.
type MappedDNS struct {
	AnycastAddress string `yaml:"anycast_address"`
	AnycastPort    uint16 `yaml:"anycast_port"`
	Network        string `yaml:"network"`
	CacheSize      int    `yaml:"cache_size"`
}

// Config is the tunnel's configuration contract, read once at init.
type Config struct {
	TunnelName      string     `yaml:"tunnel_name"`
	TunnelMTU       int        `yaml:"tunnel_mtu"`
	TunnelIPv4Addr  string     `yaml:"tunnel_ipv4_address"`
	TunnelIPv6Addr  string     `yaml:"tunnel_ipv6_address"`
	PostUpScript    string     `yaml:"post_up_script"`
	PreDownScript   string     `yaml:"pre_down_script"`
	MaxSessionCount int        `yaml:"max_session_count"`
	MappedDNS       *MappedDNS `yaml:"mapped_dns"`

	// UpstreamServer/UpstreamPort address the SOCKS5 server every session is
	// proxied through; the Connection Pool dials this fixed endpoint, never
	// the flow's own destination (spec.md §4.8: "ready for SOCKS5
	// negotiation by the session body").
	UpstreamServer string `yaml:"upstream_server"`
	UpstreamPort   uint16 `yaml:"upstream_port"`

	NumWorkers  int  `yaml:"num_workers"`  // fixed pool: 0 = clamp(2*cores, 2, 64); adaptive pool: minimum (and maximum) thread count, 0 = 2
	AdaptivePool bool `yaml:"adaptive_pool"`

	MetricsListen string `yaml:"metrics_listen"` // "" = metrics server disabled
	AdminListen   string `yaml:"admin_listen"`    // "" = admin API disabled

	FirewallMark uint32 `yaml:"firewall_mark"` // 0 = unset; SO_MARK applied to outbound sockets otherwise
}

// Load reads and validates a configuration file, applying the defaults the
// contract allows to be omitted.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if c.TunnelName == "" {
		c.TunnelName = "tun0"
	}
	if c.TunnelMTU == 0 {
		c.TunnelMTU = 1500
	}
	if c.MaxSessionCount < 0 {
		return nil, fmt.Errorf("config: max_session_count must be >= 0, got %d", c.MaxSessionCount)
	}
	if c.UpstreamServer == "" {
		return nil, fmt.Errorf("config: upstream_server is required")
	}
	if c.UpstreamPort == 0 {
		return nil, fmt.Errorf("config: upstream_port is required")
	}

	if err := c.validateAddresses(); err != nil {
		return nil, err
	}

	return &c, nil
}

func (c *Config) validateAddresses() error {
	if c.TunnelIPv4Addr != "" {
		if _, err := netip.ParsePrefix(c.TunnelIPv4Addr); err != nil {
			if _, err2 := netip.ParseAddr(c.TunnelIPv4Addr); err2 != nil {
				return fmt.Errorf("config: invalid tunnel_ipv4_address %q: %w", c.TunnelIPv4Addr, err)
			}
		}
	}
	if c.TunnelIPv6Addr != "" {
		if _, err := netip.ParsePrefix(c.TunnelIPv6Addr); err != nil {
			if _, err2 := netip.ParseAddr(c.TunnelIPv6Addr); err2 != nil {
				return fmt.Errorf("config: invalid tunnel_ipv6_address %q: %w", c.TunnelIPv6Addr, err)
			}
		}
	}
	if c.MappedDNS != nil {
		if _, err := netip.ParseAddr(c.MappedDNS.AnycastAddress); err != nil {
			return fmt.Errorf("config: invalid mapped_dns.anycast_address %q: %w", c.MappedDNS.AnycastAddress, err)
		}
		if _, err := netip.ParsePrefix(c.MappedDNS.Network); err != nil {
			return fmt.Errorf("config: invalid mapped_dns.network %q: %w", c.MappedDNS.Network, err)
		}
		if c.MappedDNS.AnycastPort == 0 {
			c.MappedDNS.AnycastPort = 53
		}
		if c.MappedDNS.CacheSize <= 0 {
			c.MappedDNS.CacheSize = 1024
		}
	}
	return nil
}
