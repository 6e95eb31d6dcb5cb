package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mediator.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
	if cfg.Timeout() != 30*time.Second {
		t.Fatalf("unexpected default timeout: %s", cfg.Timeout())
	}
}

func TestLoadFromPathMergesFile(t *testing.T) {
	path := writeConfig(t, `
bridge:
  timeoutMs: 5000
  methodTimeoutsMs:
    signTransaction: 120000
  autoApprovedMethods: [getChainInfo]
storage:
  driver: sqlite
  path: /tmp/wallet.db
wallet:
  accounts: 3
  chains:
    - id: "0x1"
      name: Mainnet
    - id: "0x5"
      name: Testnet
  defaultChain: "0x5"
grants:
  https://dapp.example: [sign]
`)
	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Timeout() != 5*time.Second || cfg.MethodTimeouts()["signTransaction"] != 2*time.Minute {
		t.Fatalf("unexpected timeouts: %s %v", cfg.Timeout(), cfg.MethodTimeouts())
	}
	if len(cfg.Bridge.AutoApprovedMethods) != 1 || cfg.Bridge.AutoApprovedMethods[0] != "getChainInfo" {
		t.Fatalf("unexpected auto-approved: %v", cfg.Bridge.AutoApprovedMethods)
	}
	if cfg.Mediator.ListenAddr != DefaultListenAddr {
		t.Fatalf("unset fields must keep defaults, got %q", cfg.Mediator.ListenAddr)
	}
	if cfg.Wallet.Accounts != 3 || len(cfg.Wallet.Chains) != 2 || cfg.Grants["https://dapp.example"][0] != "sign" {
		t.Fatalf("unexpected wallet/grants: %+v %v", cfg.Wallet, cfg.Grants)
	}
}

func TestLoadFromPathErrors(t *testing.T) {
	if _, err := LoadFromPath(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing explicit file")
	}
	if _, err := LoadFromPath(writeConfig(t, "bridge: [")); err == nil {
		t.Fatal("expected error for invalid yaml")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("WALLET_BRIDGE_TIMEOUT_MS", "1500")
	t.Setenv("WALLET_BRIDGE_AUTO_APPROVED_METHODS", "getAccounts, getChainInfo")
	t.Setenv("WALLET_BRIDGE_RATE_LIMIT_ENABLED", "true")
	t.Setenv("WALLET_BRIDGE_RATE_LIMIT_BURST", "5")
	t.Setenv("WALLET_BRIDGE_LISTEN_ADDR", "/unix/tmp/wallet.sock")

	cfg := Default()
	if err := ApplyEnvOverrides(&cfg); err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if cfg.Bridge.TimeoutMs != 1500 || !cfg.RateLimit.Enabled || cfg.RateLimit.Burst != 5 || cfg.RateLimit.RPS != 20 {
		t.Fatalf("unexpected overrides: %+v %+v", cfg.Bridge, cfg.RateLimit)
	}
	if strings.Join(cfg.Bridge.AutoApprovedMethods, ",") != "getAccounts,getChainInfo" {
		t.Fatalf("unexpected auto-approved: %v", cfg.Bridge.AutoApprovedMethods)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestEnvOverrideParseError(t *testing.T) {
	t.Setenv("WALLET_BRIDGE_TIMEOUT_MS", "soon")
	cfg := Default()
	err := ApplyEnvOverrides(&cfg)
	if err == nil || !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env error, got %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"bridge.autoApprovedMethods": func(c *Config) { c.Bridge.AutoApprovedMethods = []string{"signTransaction"} },
		"bridge.timeoutMs":           func(c *Config) { c.Bridge.TimeoutMs = 0 },
		"mediator.listenAddr":        func(c *Config) { c.Mediator.ListenAddr = "127.0.0.1:8790" },
		"storage.path":               func(c *Config) { c.Storage.Driver = DriverSQLite },
		"storage.driver":             func(c *Config) { c.Storage.Driver = "redis" },
		"rateLimit":                  func(c *Config) { c.RateLimit = RateLimitConfig{Enabled: true} },
		"wallet.defaultChain":        func(c *Config) { c.Wallet.DefaultChain = "0x999" },
		"duplicate id":               func(c *Config) { c.Wallet.Chains = append(c.Wallet.Chains, c.Wallet.Chains[0]) },
		"grants":                     func(c *Config) { c.Grants = map[string][]string{"null": {"sign"}} },
		"maxInFlight":                func(c *Config) { c.Mediator.MaxInFlightPerConn = -1 },
	}
	for want, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), want) {
			t.Fatalf("expected error mentioning %q, got %v", want, err)
		}
	}
}

func TestLoadSecrets(t *testing.T) {
	t.Setenv("WALLET_BRIDGE_PASSPHRASE", "hunter2")
	s, err := LoadSecrets()
	if err != nil || s.Passphrase != "hunter2" || s.Mnemonic != "" {
		t.Fatalf("unexpected secrets: %+v %v", s, err)
	}
}

func TestTokenRequiredByDefault(t *testing.T) {
	if !Default().Mediator.RequireToken {
		t.Fatal("socket token must be required by default")
	}
	t.Setenv("WALLET_BRIDGE_REQUIRE_RPC_TOKEN", "false")
	t.Setenv("WALLET_BRIDGE_RPC_TOKEN", "auto")
	t.Setenv("WALLET_BRIDGE_RPC_TOKEN_FILE", "/run/wallet/token")
	cfg := Default()
	if err := ApplyEnvOverrides(&cfg); err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if cfg.Mediator.RequireToken {
		t.Fatal("env override must be able to disable the token for development")
	}
	s, err := LoadSecrets()
	if err != nil || s.RPCToken != "auto" || s.RPCTokenFile != "/run/wallet/token" {
		t.Fatalf("unexpected secrets: %+v %v", s, err)
	}
}
