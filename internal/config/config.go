// Package config loads mediator daemon settings from YAML with
// WALLET_BRIDGE_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"walletbridge/go-backend/internal/bridge/protocol"
	"walletbridge/go-backend/internal/trust"
	"walletbridge/go-backend/internal/wallet"

	"github.com/caarlos0/env/v11"
	ma "github.com/multiformats/go-multiaddr"
	"gopkg.in/yaml.v3"
)

const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"

	DefaultListenAddr = "/ip4/127.0.0.1/tcp/8790"
	DefaultTimeoutMs  = 30000
)

type Config struct {
	Bridge    BridgeConfig        `yaml:"bridge"`
	Mediator  MediatorConfig      `yaml:"mediator"`
	Storage   StorageConfig       `yaml:"storage"`
	RateLimit RateLimitConfig     `yaml:"rateLimit"`
	Wallet    WalletConfig        `yaml:"wallet"`
	Grants    map[string][]string `yaml:"grants"`
	Shell     ShellConfig         `yaml:"shell"`
}

type BridgeConfig struct {
	TimeoutMs           int            `yaml:"timeoutMs"`
	MethodTimeoutsMs    map[string]int `yaml:"methodTimeoutsMs"`
	AutoApprovedMethods []string       `yaml:"autoApprovedMethods"`
}

type MediatorConfig struct {
	ListenAddr string `yaml:"listenAddr"`
	// MetricsAddr is a host:port for /metrics; empty disables it.
	MetricsAddr string `yaml:"metricsAddr"`
	// RequireToken refuses to start without WALLET_BRIDGE_RPC_TOKEN. Turn
	// it off only for local development.
	RequireToken bool `yaml:"requireToken"`
	// MaxInFlight and MaxInFlightPerConn bound concurrent socket requests;
	// zero keeps the transport defaults.
	MaxInFlight        int `yaml:"maxInFlight"`
	MaxInFlightPerConn int `yaml:"maxInFlightPerConn"`
}

type StorageConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled"`
	RPS     float64 `yaml:"rps"`
	Burst   int     `yaml:"burst"`
}

type WalletConfig struct {
	Accounts     int            `yaml:"accounts"`
	Chains       []wallet.Chain `yaml:"chains"`
	DefaultChain string         `yaml:"defaultChain"`
}

type ShellConfig struct {
	Generation string   `yaml:"generation"`
	URLs       []string `yaml:"urls"`
}

// envOverrides is parsed after the file; unset variables leave the file
// value alone.
type envOverrides struct {
	TimeoutMs        *int     `env:"WALLET_BRIDGE_TIMEOUT_MS"`
	AutoApproved     []string `env:"WALLET_BRIDGE_AUTO_APPROVED_METHODS" envSeparator:","`
	ListenAddr       string   `env:"WALLET_BRIDGE_LISTEN_ADDR"`
	MetricsAddr      string   `env:"WALLET_BRIDGE_METRICS_ADDR"`
	RequireToken     *bool    `env:"WALLET_BRIDGE_REQUIRE_RPC_TOKEN"`
	StorageDriver    string   `env:"WALLET_BRIDGE_STORAGE_DRIVER"`
	StoragePath      string   `env:"WALLET_BRIDGE_STORAGE_PATH"`
	RateLimitEnabled *bool    `env:"WALLET_BRIDGE_RATE_LIMIT_ENABLED"`
	RateLimitRPS     *float64 `env:"WALLET_BRIDGE_RATE_LIMIT_RPS"`
	RateLimitBurst   *int     `env:"WALLET_BRIDGE_RATE_LIMIT_BURST"`
}

// Secrets never come from the config file.
type Secrets struct {
	Passphrase string `env:"WALLET_BRIDGE_PASSPHRASE"`
	Mnemonic   string `env:"WALLET_BRIDGE_MNEMONIC"`
	// RPCToken authenticates bridge socket clients. "auto" generates one
	// per start and writes it to RPCTokenFile, or rpc-token in the data dir.
	RPCToken     string `env:"WALLET_BRIDGE_RPC_TOKEN"`
	RPCTokenFile string `env:"WALLET_BRIDGE_RPC_TOKEN_FILE"`
}

func Default() Config {
	return Config{
		Bridge: BridgeConfig{
			TimeoutMs:           DefaultTimeoutMs,
			AutoApprovedMethods: append([]string(nil), protocol.ReadOnlyMethods...),
		},
		Mediator: MediatorConfig{ListenAddr: DefaultListenAddr, RequireToken: true},
		Storage:  StorageConfig{Driver: DriverMemory},
		RateLimit: RateLimitConfig{
			RPS:   20,
			Burst: 40,
		},
		Wallet: WalletConfig{
			Accounts: 1,
			Chains:   append([]wallet.Chain(nil), wallet.DefaultChains...),
		},
		Shell: ShellConfig{Generation: "shell-v1"},
	}
}

// LoadFromPath reads configPath, or the first default candidate that
// exists, then applies environment overrides. A missing default file is
// not an error; an unreadable or invalid explicit file is.
func LoadFromPath(configPath string) (Config, error) {
	cfg := Default()

	candidates := []string{configPath}
	if configPath == "" {
		candidates = []string{"configs/mediator.yaml", "go-backend/configs/mediator.yaml"}
	}
	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			if configPath != "" {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
			continue
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
		break
	}
	if err := ApplyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func ApplyEnvOverrides(cfg *Config) error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if o.TimeoutMs != nil {
		cfg.Bridge.TimeoutMs = *o.TimeoutMs
	}
	if o.AutoApproved != nil {
		cfg.Bridge.AutoApprovedMethods = trimAll(o.AutoApproved)
	}
	if o.ListenAddr != "" {
		cfg.Mediator.ListenAddr = o.ListenAddr
	}
	if o.MetricsAddr != "" {
		cfg.Mediator.MetricsAddr = o.MetricsAddr
	}
	if o.RequireToken != nil {
		cfg.Mediator.RequireToken = *o.RequireToken
	}
	if o.StorageDriver != "" {
		cfg.Storage.Driver = o.StorageDriver
	}
	if o.StoragePath != "" {
		cfg.Storage.Path = o.StoragePath
	}
	if o.RateLimitEnabled != nil {
		cfg.RateLimit.Enabled = *o.RateLimitEnabled
	}
	if o.RateLimitRPS != nil {
		cfg.RateLimit.RPS = *o.RateLimitRPS
	}
	if o.RateLimitBurst != nil {
		cfg.RateLimit.Burst = *o.RateLimitBurst
	}
	return nil
}

func LoadSecrets() (Secrets, error) {
	var s Secrets
	if err := env.Parse(&s); err != nil {
		return Secrets{}, fmt.Errorf("parse env: %w", err)
	}
	return s, nil
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	if c.Bridge.TimeoutMs <= 0 {
		errs = append(errs, errors.New("bridge.timeoutMs must be positive"))
	}
	for method, ms := range c.Bridge.MethodTimeoutsMs {
		if ms <= 0 {
			errs = append(errs, fmt.Errorf("bridge.methodTimeoutsMs.%s must be positive", method))
		}
	}
	for _, method := range c.Bridge.AutoApprovedMethods {
		if !protocol.IsReadOnly(method) {
			errs = append(errs, fmt.Errorf("bridge.autoApprovedMethods: %q is not a read-only method", method))
		}
	}
	if _, err := ma.NewMultiaddr(c.Mediator.ListenAddr); err != nil {
		errs = append(errs, fmt.Errorf("mediator.listenAddr: %w", err))
	}
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverSQLite:
		if strings.TrimSpace(c.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	if c.Mediator.MaxInFlight < 0 || c.Mediator.MaxInFlightPerConn < 0 {
		errs = append(errs, errors.New("mediator: maxInFlight limits must not be negative"))
	}
	if c.RateLimit.Enabled && (c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0) {
		errs = append(errs, errors.New("rateLimit: rps and burst must be positive when enabled"))
	}
	if c.Wallet.Accounts <= 0 {
		errs = append(errs, errors.New("wallet.accounts must be positive"))
	}
	errs = append(errs, c.validateChains()...)
	for origin := range c.Grants {
		if _, err := trust.NormalizeOrigin(origin); err != nil {
			errs = append(errs, fmt.Errorf("grants: %q: %w", origin, err))
		}
	}
	return errors.Join(errs...)
}

func (c Config) validateChains() []error {
	var errs []error
	if len(c.Wallet.Chains) == 0 {
		return []error{errors.New("wallet.chains must not be empty")}
	}
	seen := make(map[string]bool, len(c.Wallet.Chains))
	for _, ch := range c.Wallet.Chains {
		id := strings.ToLower(strings.TrimSpace(ch.ID))
		if id == "" {
			errs = append(errs, errors.New("wallet.chains: id is required"))
			continue
		}
		if seen[id] {
			errs = append(errs, fmt.Errorf("wallet.chains: duplicate id %q", ch.ID))
		}
		seen[id] = true
	}
	if def := strings.ToLower(strings.TrimSpace(c.Wallet.DefaultChain)); def != "" && !seen[def] {
		errs = append(errs, fmt.Errorf("wallet.defaultChain %q is not in wallet.chains", c.Wallet.DefaultChain))
	}
	return errs
}

func (c Config) Timeout() time.Duration {
	return time.Duration(c.Bridge.TimeoutMs) * time.Millisecond
}

func (c Config) MethodTimeouts() map[string]time.Duration {
	out := make(map[string]time.Duration, len(c.Bridge.MethodTimeoutsMs))
	for method, ms := range c.Bridge.MethodTimeoutsMs {
		out[method] = time.Duration(ms) * time.Millisecond
	}
	return out
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
