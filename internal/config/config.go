// Package config provides centralized configuration for the crosshub node.
// All tunable parameters (currencies, dust thresholds, fees, timeouts) are
// defined here; no hardcoded values should exist elsewhere in the codebase.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// CurrencyConfig describes one tradable currency.
type CurrencyConfig struct {
	// Symbol is the 8-byte-max currency code used on the wire.
	Symbol string `yaml:"symbol"`
	// RPCURL points at the currency's wallet daemon. A currency without
	// an endpoint is listed but gets no connector.
	RPCURL      string `yaml:"rpc_url,omitempty"`
	RPCUser     string `yaml:"rpc_user,omitempty"`
	RPCPassword string `yaml:"rpc_password,omitempty"`
	// Network selects chain parameters: mainnet, testnet or regtest.
	Network string `yaml:"network,omitempty"`
	// DustThreshold is the minimum order amount in smallest units.
	DustThreshold uint64 `yaml:"dust_threshold"`
	// FeePerByte is the default fee rate used by fee estimation.
	FeePerByte uint64 `yaml:"fee_per_byte"`
	// MakerLockTime and TakerLockTime are refund lock offsets in seconds.
	// The maker window must be strictly longer than the taker's.
	MakerLockTime uint32 `yaml:"maker_lock_time"`
	TakerLockTime uint32 `yaml:"taker_lock_time"`
}

// NodeConfig holds identity and runtime settings.
type NodeConfig struct {
	DataDir  string `yaml:"data_dir"`
	LogLevel string `yaml:"log_level"`
	// Mnemonic seeds the node identity key. Generated on first start when
	// empty. This is the packet-signing identity, not a funds wallet.
	Mnemonic string `yaml:"mnemonic,omitempty"`
}

// HubConfig enables the hub-side exchange service.
type HubConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TransportConfig holds p2p settings.
type TransportConfig struct {
	ListenAddrs []string `yaml:"listen_addrs"`
	// Peers are statically configured; the node does no discovery.
	Peers []string `yaml:"peers"`
}

// RPCConfig holds the local status API settings.
type RPCConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// MaintenanceConfig tunes the periodic housekeeping loop.
type MaintenanceConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
	Workers      int           `yaml:"workers"`
}

// Config is the root configuration.
type Config struct {
	Node        NodeConfig                `yaml:"node"`
	Hub         HubConfig                 `yaml:"hub"`
	Currencies  map[string]CurrencyConfig `yaml:"currencies"`
	Transport   TransportConfig           `yaml:"transport"`
	RPC         RPCConfig                 `yaml:"rpc"`
	Maintenance MaintenanceConfig         `yaml:"maintenance"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			DataDir:  "~/.crosshub",
			LogLevel: "info",
		},
		Hub: HubConfig{Enabled: false},
		Currencies: map[string]CurrencyConfig{
			"BTC": {
				Symbol:        "BTC",
				DustThreshold: 546,
				FeePerByte:    20,
				MakerLockTime: 7200,
				TakerLockTime: 3600,
			},
			"LTC": {
				Symbol:        "LTC",
				DustThreshold: 5460,
				FeePerByte:    10,
				MakerLockTime: 7200,
				TakerLockTime: 3600,
			},
		},
		Transport: TransportConfig{
			ListenAddrs: []string{"/ip4/0.0.0.0/tcp/41412"},
		},
		RPC: RPCConfig{
			Enabled:    true,
			ListenAddr: "127.0.0.1:41419",
		},
		Maintenance: MaintenanceConfig{
			TickInterval: 60 * time.Second,
			Workers:      4,
		},
	}
}

// Load reads configuration from path, applying defaults for missing fields.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to path.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// Validate checks invariants that would otherwise surface as protocol
// failures at runtime.
func (c *Config) Validate() error {
	for symbol, cur := range c.Currencies {
		if len(cur.Symbol) == 0 || len(cur.Symbol) > 8 {
			return fmt.Errorf("currency %s: symbol must be 1-8 bytes", symbol)
		}
		if cur.MakerLockTime != 0 && cur.MakerLockTime <= cur.TakerLockTime {
			return fmt.Errorf("currency %s: maker lock time must exceed taker lock time", symbol)
		}
	}
	if c.Maintenance.Workers < 1 {
		return fmt.Errorf("maintenance workers must be at least 1")
	}
	if c.Maintenance.TickInterval <= 0 {
		return fmt.Errorf("maintenance tick interval must be positive")
	}
	return nil
}

// Currency returns the config for a currency code, if configured.
func (c *Config) Currency(symbol string) (CurrencyConfig, bool) {
	cur, ok := c.Currencies[symbol]
	return cur, ok
}

// ExpandPath expands a leading ~ to the user home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
