// Package tun2socks5 is the small public surface for reusing this repository
// as a library: load a configuration, construct an orchestrator, run it, and
// read back its stats. The implementation lives in internal/ and may change
// without notice. Grounded on the teacher's pkg/outlinews/outlinews.go
// type-alias-plus-thin-wrapper shape.
package tun2socks5

import (
	"go.uber.org/zap"

	"tun2socks5/internal/config"
	"tun2socks5/internal/orchestrator"
)

// --- Config ---

type Config = config.Config

type MappedDNSConfig = config.MappedDNS

// LoadConfig loads and validates the YAML configuration contract.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// --- Orchestrator ---

type Tunnel = orchestrator.Orchestrator

type Stats = orchestrator.Stats

// New constructs a tunnel orchestrator from cfg. log may be nil, in which
// case logging is discarded.
func New(cfg *Config, log *zap.Logger) *Tunnel {
	return orchestrator.New(cfg, log)
}
