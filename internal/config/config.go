// Package config loads DWS node configuration from the environment,
// following the typed-defaults convention used across the retrieval
// pack (caarlos0/env-based struct tags).
package config

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Network identifies which chain/network a node participates in. On
// mainnet, HARDWARE_ID_SALT is mandatory (base spec §6, §7 "Fatal
// initialization errors").
type Network string

const (
	NetworkLocalnet Network = "localnet"
	NetworkTestnet  Network = "testnet"
	NetworkMainnet  Network = "mainnet"
)

// Config holds every environment-sourced setting consumed by the core.
type Config struct {
	Network Network `env:"JEJU_NETWORK" envDefault:"localnet"`

	// HardwareIDSaltHex is the hex-encoded 32-byte salt folded into
	// hardware-id hashing for the PoC verifier. Required on mainnet.
	HardwareIDSaltHex string `env:"HARDWARE_ID_SALT"`

	// Mesh CA overrides. If both are set, the Service Mesh adopts them
	// instead of self-generating a process-local CA.
	MeshCACertPEM string `env:"DWS_MESH_CA_CERT"`
	MeshCAKeyPEM  string `env:"DWS_MESH_CA_KEY"`

	// HTTP control-plane surface.
	ListenAddr string `env:"DWS_LISTEN_ADDR" envDefault:"0.0.0.0:7946"`

	// Peer store.
	PeerStorePath    string        `env:"DWS_PEERSTORE_PATH" envDefault:"./data/peerstore.json"`
	PeerStoreSaveInt time.Duration `env:"DWS_PEERSTORE_SAVE_INTERVAL" envDefault:"60s"`
	MaxPeers         int           `env:"DWS_MAX_PEERS" envDefault:"10000"`

	// Bootstrap.
	BootstrapSeeds          []string      `env:"DWS_BOOTSTRAP_SEEDS" envSeparator:","`
	BootstrapDNSSeeds       []string      `env:"DWS_BOOTSTRAP_DNS_SEEDS" envSeparator:","`
	BootstrapDoHEndpoint    string        `env:"DWS_BOOTSTRAP_DOH_ENDPOINT" envDefault:"https://cloudflare-dns.com/dns-query"`
	BootstrapRefreshInt     time.Duration `env:"DWS_BOOTSTRAP_REFRESH_INTERVAL" envDefault:"5m"`
	BootstrapMaxPeers       int           `env:"DWS_BOOTSTRAP_MAX_PEERS" envDefault:"50"`
	BootstrapRetryInterval  time.Duration `env:"DWS_BOOTSTRAP_RETRY_INTERVAL" envDefault:"10s"`

	// Discovery.
	MaxConnections  int           `env:"DWS_MAX_CONNECTIONS" envDefault:"100"`
	RefreshInterval time.Duration `env:"DWS_DISCOVERY_REFRESH_INTERVAL" envDefault:"30s"`
	PingInterval    time.Duration `env:"DWS_DISCOVERY_PING_INTERVAL" envDefault:"15s"`

	// Gossip.
	GossipHeartbeat   time.Duration `env:"DWS_GOSSIP_HEARTBEAT" envDefault:"1s"`
	GossipSeenTTL     time.Duration `env:"DWS_GOSSIP_SEEN_TTL" envDefault:"120s"`
	GossipMaxMsgBytes int           `env:"DWS_GOSSIP_MAX_MESSAGE_SIZE" envDefault:"1048576"`

	// Autoscaler.
	AutoscalerInterval time.Duration `env:"DWS_AUTOSCALER_INTERVAL" envDefault:"15s"`

	// PoC verifier.
	PoCCacheTTL    time.Duration `env:"DWS_POC_CACHE_TTL" envDefault:"5m"`
	PoCRegistryURL string        `env:"DWS_POC_REGISTRY_URL" envDefault:"https://registry.dws.network"`

	// Ingress rate limiting.
	RedisURL string `env:"DWS_REDIS_URL" envDefault:"redis://localhost:6379/0"`

	// Self node identity.
	NodeID   string   `env:"DWS_NODE_ID" envDefault:""`
	Endpoint string   `env:"DWS_ENDPOINT" envDefault:"http://localhost:7946"`
	Services []string `env:"DWS_SERVICES" envSeparator:","`
	Region   string   `env:"DWS_REGION" envDefault:""`

	LogLevel  string `env:"DWS_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"DWS_LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from the environment and validates
// network-dependent invariants.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the fatal-initialization-error rules of base spec §7:
// a missing mandatory salt on mainnet must abort init, not silently
// default to an all-zero salt.
func (c *Config) Validate() error {
	if c.Network == NetworkMainnet {
		if c.HardwareIDSaltHex == "" {
			return fmt.Errorf("config: HARDWARE_ID_SALT is required when JEJU_NETWORK=mainnet")
		}
		salt, err := hex.DecodeString(c.HardwareIDSaltHex)
		if err != nil {
			return fmt.Errorf("config: HARDWARE_ID_SALT is not valid hex: %w", err)
		}
		if len(salt) != 32 {
			return fmt.Errorf("config: HARDWARE_ID_SALT must decode to 32 bytes, got %d", len(salt))
		}
	}
	return nil
}

// HardwareIDSalt returns the decoded salt bytes, or nil if unset.
func (c *Config) HardwareIDSalt() []byte {
	if c.HardwareIDSaltHex == "" {
		return nil
	}
	salt, err := hex.DecodeString(c.HardwareIDSaltHex)
	if err != nil {
		return nil
	}
	return salt
}

// HasMeshCA reports whether an operator-supplied mesh CA was configured.
func (c *Config) HasMeshCA() bool {
	return c.MeshCACertPEM != "" && c.MeshCAKeyPEM != ""
}
