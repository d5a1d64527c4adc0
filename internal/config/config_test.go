package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const upstreamStanza = `
upstream_server: "192.0.2.1"
upstream_port: 1080
`

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
tunnel_ipv4_address: "10.0.0.2/24"
`+upstreamStanza)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TunnelName != "tun0" {
		t.Fatalf("expected default tunnel_name, got %q", cfg.TunnelName)
	}
	if cfg.TunnelMTU != 1500 {
		t.Fatalf("expected default tunnel_mtu 1500, got %d", cfg.TunnelMTU)
	}
}

func TestLoad_RejectsNegativeSessionCount(t *testing.T) {
	path := writeConfig(t, `
max_session_count: -1
`+upstreamStanza)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for negative max_session_count")
	}
}

func TestLoad_RejectsMissingUpstreamServer(t *testing.T) {
	path := writeConfig(t, `
upstream_port: 1080
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for missing upstream_server")
	}
}

func TestLoad_RejectsMissingUpstreamPort(t *testing.T) {
	path := writeConfig(t, `
upstream_server: "192.0.2.1"
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for missing upstream_port")
	}
}

func TestLoad_MappedDNSDefaultsPortAndCacheSize(t *testing.T) {
	path := writeConfig(t, `
mapped_dns:
  anycast_address: "198.18.0.1"
  network: "198.18.0.0/16"
`+upstreamStanza)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MappedDNS.AnycastPort != 53 {
		t.Fatalf("expected default port 53, got %d", cfg.MappedDNS.AnycastPort)
	}
	if cfg.MappedDNS.CacheSize != 1024 {
		t.Fatalf("expected default cache size 1024, got %d", cfg.MappedDNS.CacheSize)
	}
}

func TestLoad_FirewallMarkDefaultsToZero(t *testing.T) {
	path := writeConfig(t, `
tunnel_ipv4_address: "10.0.0.2/24"
`+upstreamStanza)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.FirewallMark != 0 {
		t.Fatalf("expected default firewall_mark 0, got %d", cfg.FirewallMark)
	}
}

func TestLoad_FirewallMarkParsed(t *testing.T) {
	path := writeConfig(t, `
firewall_mark: 100
`+upstreamStanza)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.FirewallMark != 100 {
		t.Fatalf("expected firewall_mark 100, got %d", cfg.FirewallMark)
	}
}

func TestLoad_RejectsInvalidMappedDNSNetwork(t *testing.T) {
	path := writeConfig(t, `
mapped_dns:
  anycast_address: "198.18.0.1"
  network: "not-a-cidr"
`+upstreamStanza)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for invalid network")
	}
}
