// Package config holds the node's immutable runtime configuration,
// loaded once at process start from an INI file and environment
// variables via go-flags, then passed down by read-only reference.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"
)

// PeerEntry is one bootstrap cluster member.
type PeerEntry struct {
	NodeID       uint32 `long:"node-id" description:"peer NodeID"`
	Address      string `long:"address" description:"host:port"`
	PublicKeyHex string `long:"public-key-hex" description:"peer's ed25519 transport public key, hex"`
}

// Config is the full set of knobs a node reads at startup. Every field
// here is set once and never mutated; concurrent readers never need a
// lock.
type Config struct {
	SelfNodeID uint32      `long:"self-node-id" env:"MPC_SELF_NODE_ID" description:"this node's NodeID"`
	ListenAddr string      `long:"listen-addr" env:"MPC_LISTEN_ADDR" default:"0.0.0.0:7443" description:"transport listen address"`
	DataDir    string      `long:"data-dir" env:"MPC_DATA_DIR" default:"./data" description:"local secret cache directory"`
	Peers      []PeerEntry `group:"peers"`

	Threshold int `long:"threshold" env:"MPC_THRESHOLD" default:"4" description:"signing threshold t"`

	PostgresDSN   string        `long:"postgres-dsn" env:"MPC_POSTGRES_DSN" description:"relational store DSN"`
	EtcdEndpoints []string      `long:"etcd-endpoint" env:"MPC_ETCD_ENDPOINTS" env-delim:"," description:"replicated KV endpoints"`
	EtcdDialTimeout time.Duration `long:"etcd-dial-timeout" default:"5s"`

	PresigPoolMin    int           `long:"presig-pool-min" default:"5"`
	PresigPoolTarget int           `long:"presig-pool-target" default:"20"`
	PresigRefillTick time.Duration `long:"presig-refill-tick" default:"10s"`

	LogPath     string `long:"log-path" env:"MPC_LOG_PATH" default:"./mpcnode.log" description:"log file, rotated"`
	LogMaxSizeMB int   `long:"log-max-size-mb" default:"64"`

	CertPath string `long:"cert-path" env:"MPC_CERT_PATH" description:"this node's TLS certificate"`
	KeyPath  string `long:"key-path" env:"MPC_KEY_PATH" description:"this node's TLS private key"`

	IdentityKeyPath string `long:"identity-key-path" env:"MPC_IDENTITY_KEY_PATH" description:"this node's raw ed25519 transport signing key (64 bytes)"`

	SecretCacheKEKHex string `long:"secret-cache-kek-hex" env:"MPC_SECRET_CACHE_KEK_HEX" description:"32-byte AES key (hex) wrapping presignature shares and the DKG key share at rest"`
}

// DefaultConfig returns a Config with every default applied but no
// cluster-specific fields set; callers still must supply SelfNodeID,
// Peers, PostgresDSN, EtcdEndpoints, and the TLS material.
func DefaultConfig() Config {
	return Config{
		ListenAddr:       "0.0.0.0:7443",
		DataDir:          "./data",
		Threshold:        4,
		EtcdDialTimeout:  5 * time.Second,
		PresigPoolMin:    5,
		PresigPoolTarget: 20,
		PresigRefillTick: 10 * time.Second,
		LogPath:          "./mpcnode.log",
		LogMaxSizeMB:     64,
	}
}

// Load parses an INI config file (if path is non-empty) and environment
// variables into cfg, starting from DefaultConfig.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	parser := flags.NewParser(&cfg, flags.Default|flags.IgnoreUnknown)
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			iniParser := flags.NewIniParser(parser)
			if err := iniParser.ParseFile(path); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}
	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		return nil, fmt.Errorf("config: parse flags/env: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks internal consistency beyond what go-flags enforces.
func Validate(cfg *Config) error {
	if cfg.SelfNodeID == 0 {
		return fmt.Errorf("config: self-node-id is required and must be nonzero")
	}
	if err := validateAddr(cfg.ListenAddr); err != nil {
		return fmt.Errorf("config: listen-addr: %w", err)
	}
	if cfg.Threshold < 1 {
		return fmt.Errorf("config: threshold must be >= 1")
	}
	if len(cfg.Peers) < cfg.Threshold {
		return fmt.Errorf("config: fewer peers (%d) than threshold (%d)", len(cfg.Peers), cfg.Threshold)
	}
	for _, p := range cfg.Peers {
		if err := validateAddr(p.Address); err != nil {
			return fmt.Errorf("config: peer %d address: %w", p.NodeID, err)
		}
	}
	if cfg.PostgresDSN == "" {
		return fmt.Errorf("config: postgres-dsn is required")
	}
	if len(cfg.EtcdEndpoints) == 0 {
		return fmt.Errorf("config: at least one etcd-endpoint is required")
	}
	if cfg.CertPath == "" || cfg.KeyPath == "" {
		return fmt.Errorf("config: cert-path and key-path are required")
	}
	if cfg.IdentityKeyPath == "" {
		return fmt.Errorf("config: identity-key-path is required")
	}
	for _, p := range cfg.Peers {
		if p.PublicKeyHex == "" {
			return fmt.Errorf("config: peer %d missing public-key-hex", p.NodeID)
		}
	}
	if cfg.PresigPoolTarget < cfg.PresigPoolMin {
		return fmt.Errorf("config: presig-pool-target must be >= presig-pool-min")
	}
	if len(cfg.SecretCacheKEKHex) != 64 {
		return fmt.Errorf("config: secret-cache-kek-hex must be 32 bytes (64 hex chars)")
	}
	return nil
}

func validateAddr(addr string) error {
	if addr == "" {
		return fmt.Errorf("address must not be empty")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("malformed host:port %q: %w", addr, err)
	}
	if port == "" {
		return fmt.Errorf("missing port in %q", addr)
	}
	_ = host
	return nil
}

// NormalizePeers deduplicates and trims whitespace from peer addresses,
// the same light hygiene pass the teacher's config layer applies before
// a cluster's bootstrap list is trusted.
func NormalizePeers(peers []PeerEntry) []PeerEntry {
	seen := make(map[uint32]bool, len(peers))
	out := make([]PeerEntry, 0, len(peers))
	for _, p := range peers {
		p.Address = strings.TrimSpace(p.Address)
		if seen[p.NodeID] {
			continue
		}
		seen[p.NodeID] = true
		out = append(out, p)
	}
	return out
}
