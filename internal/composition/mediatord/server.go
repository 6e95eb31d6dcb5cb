// Package mediatord wires the mediator daemon: config, storage, wallet,
// trust policy, router, bridge socket and metrics endpoint.
package mediatord

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"walletbridge/go-backend/internal/bridge/channel"
	"walletbridge/go-backend/internal/bridge/mediator"
	"walletbridge/go-backend/internal/bridge/protocol"
	"walletbridge/go-backend/internal/bridge/provider"
	"walletbridge/go-backend/internal/config"
	"walletbridge/go-backend/internal/platform/privacylog"
	"walletbridge/go-backend/internal/shellcache"
	"walletbridge/go-backend/internal/storage"
	"walletbridge/go-backend/internal/storage/sqlite"
	"walletbridge/go-backend/internal/trust"
	"walletbridge/go-backend/internal/wallet"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	shutdownTimeout = 5 * time.Second
	recoveryFile    = "recovery-phrase.txt"
	tokenFile       = "rpc-token"
)

type Options struct {
	ConfigPath string
	DataDir    string
	// ListenAddr overrides mediator.listenAddr when set.
	ListenAddr string
	Logger     *slog.Logger
}

type Server struct {
	cfg      config.Config
	dataDir  string
	token    string
	logger   *slog.Logger
	store    storage.Store
	vault    *wallet.Vault
	policy   *trust.Policy
	router   *mediator.Router
	registry *prometheus.Registry
	bridge   *channel.Server
	shell    *shellcache.Worker

	ready       chan struct{}
	mu          sync.Mutex
	addr        string
	metricsAddr string
}

func NewServer(opts Options) (*Server, error) {
	cfg, err := config.LoadFromPath(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.ListenAddr != "" {
		cfg.Mediator.ListenAddr = opts.ListenAddr
	}
	if cfg.Storage.Driver == config.DriverSQLite && strings.TrimSpace(cfg.Storage.Path) == "" && opts.DataDir != "" {
		cfg.Storage.Path = filepath.Join(opts.DataDir, "wallet.db")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	secrets, err := config.LoadSecrets()
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	logger = slog.New(privacylog.WrapHandler(logger.Handler()))

	token, err := resolveToken(secrets, opts.DataDir)
	if err != nil {
		return nil, err
	}
	if token == "" {
		if cfg.Mediator.RequireToken {
			return nil, errors.New("WALLET_BRIDGE_RPC_TOKEN is required unless mediator.requireToken is false")
		}
		logger.Warn("bridge socket accepts unauthenticated clients", "operation", "mediatord.new")
	}

	store, err := openStore(cfg.Storage)
	if err != nil {
		return nil, err
	}
	s := &Server{cfg: cfg, dataDir: opts.DataDir, token: token, logger: logger, store: store, ready: make(chan struct{})}
	if err := s.build(secrets); err != nil {
		_ = store.Close()
		return nil, err
	}
	return s, nil
}

func openStore(cfg config.StorageConfig) (storage.Store, error) {
	if cfg.Driver == config.DriverSQLite {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
		return sqlite.Open(cfg.Path)
	}
	return storage.NewMemory(), nil
}

func (s *Server) build(secrets config.Secrets) error {
	ctx := context.Background()
	vault, err := wallet.NewVault(s.store, wallet.Options{
		Accounts:     s.cfg.Wallet.Accounts,
		Chains:       s.cfg.Wallet.Chains,
		DefaultChain: s.cfg.Wallet.DefaultChain,
	})
	if err != nil {
		return err
	}
	s.vault = vault
	if err := s.openWallet(ctx, secrets); err != nil {
		return err
	}

	s.policy = trust.NewPolicy(s.store)
	if err := s.applyGrants(ctx); err != nil {
		return err
	}

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	var rl *mediator.RateLimit
	if s.cfg.RateLimit.Enabled {
		rl = &mediator.RateLimit{RPS: s.cfg.RateLimit.RPS, Burst: s.cfg.RateLimit.Burst}
	}
	s.router, err = mediator.New(mediator.Deps{
		Store:      s.store,
		Wallet:     s.vault,
		Policy:     s.policy,
		Logger:     s.logger,
		Registerer: s.registry,
	}, mediator.Config{
		AutoApprovedMethods: s.cfg.Bridge.AutoApprovedMethods,
		RateLimit:           rl,
	})
	if err != nil {
		return err
	}
	serverOpts := []channel.ServerOption{
		channel.WithConcurrency(s.cfg.Mediator.MaxInFlight, s.cfg.Mediator.MaxInFlightPerConn),
	}
	if s.token != "" {
		serverOpts = append(serverOpts, channel.RequireToken(s.token))
	}
	s.bridge = channel.NewServer(s.router, s.logger, serverOpts...)

	if len(s.cfg.Shell.URLs) > 0 {
		s.shell, err = shellcache.New(shellcache.Options{
			Generation: s.cfg.Shell.Generation,
			ShellURLs:  s.cfg.Shell.URLs,
			Logger:     s.logger,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// openWallet creates or imports the wallet on first start and unlocks it
// on later starts. Without a passphrase an existing wallet stays locked
// and only read-only methods succeed.
func (s *Server) openWallet(ctx context.Context, secrets config.Secrets) error {
	initialized, err := s.vault.Initialized(ctx)
	if err != nil {
		return err
	}
	if initialized {
		if secrets.Passphrase == "" {
			s.logger.Warn("wallet passphrase not set; wallet stays locked", "operation", "mediatord.open_wallet")
			return nil
		}
		return s.vault.Unlock(ctx, secrets.Passphrase)
	}
	if secrets.Passphrase == "" {
		return errors.New("WALLET_BRIDGE_PASSPHRASE is required to initialize the wallet")
	}
	if secrets.Mnemonic != "" {
		if err := s.vault.Import(ctx, secrets.Mnemonic, secrets.Passphrase); err != nil {
			return fmt.Errorf("import wallet: %w", err)
		}
		s.logger.Info("wallet imported", "operation", "mediatord.open_wallet")
		return nil
	}
	mnemonic, err := s.vault.Create(ctx, secrets.Passphrase)
	if err != nil {
		return fmt.Errorf("create wallet: %w", err)
	}
	return s.writeRecoveryPhrase(mnemonic)
}

// writeRecoveryPhrase hands a freshly created mnemonic to the operator
// once. It never goes through the logger.
func (s *Server) writeRecoveryPhrase(mnemonic string) error {
	if s.dataDir == "" {
		_, err := fmt.Fprintf(os.Stderr, "new wallet recovery phrase (store it offline):\n%s\n", mnemonic)
		return err
	}
	path := filepath.Join(s.dataDir, recoveryFile)
	if err := os.MkdirAll(s.dataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(mnemonic+"\n"), 0o600); err != nil {
		return fmt.Errorf("write recovery phrase: %w", err)
	}
	s.logger.Info("wallet created", "operation", "mediatord.open_wallet", "recovery_file", path)
	return nil
}

// resolveToken returns the bridge socket token. "auto" generates a fresh
// one and writes it where the relay host can read it.
func resolveToken(secrets config.Secrets, dataDir string) (string, error) {
	token := strings.TrimSpace(secrets.RPCToken)
	if !strings.EqualFold(token, "auto") {
		return token, nil
	}
	path := strings.TrimSpace(secrets.RPCTokenFile)
	if path == "" && dataDir != "" {
		path = filepath.Join(dataDir, tokenFile)
	}
	if path == "" {
		return "", errors.New("WALLET_BRIDGE_RPC_TOKEN=auto needs WALLET_BRIDGE_RPC_TOKEN_FILE or a data dir")
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate rpc token: %w", err)
	}
	token = "rpc_" + hex.EncodeToString(buf)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("create token dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(token), 0o600); err != nil {
		return "", fmt.Errorf("write rpc token: %w", err)
	}
	return token, nil
}

// applyGrants makes the stored grants match config: listed origins get
// exactly their listed capabilities, unlisted origins lose theirs.
// Capabilities must be ones the router checks.
func (s *Server) applyGrants(ctx context.Context) error {
	known := make(map[string]bool)
	for _, m := range mediator.Methods() {
		c, _ := mediator.Capability(m)
		known[c] = true
	}
	want := make(map[string][]string, len(s.cfg.Grants))
	for origin, caps := range s.cfg.Grants {
		for _, c := range caps {
			if !known[c] {
				return fmt.Errorf("grants: %s: unknown capability %q", origin, c)
			}
		}
		norm, err := trust.NormalizeOrigin(origin)
		if err != nil {
			return fmt.Errorf("grants: %s: %w", origin, err)
		}
		want[norm] = append(want[norm], caps...)
	}

	stored, err := s.policy.List(ctx)
	if err != nil {
		return fmt.Errorf("grants: %w", err)
	}
	for _, g := range stored {
		caps, listed := want[g.Origin]
		if !listed {
			if err := s.policy.Revoke(ctx, g.Origin); err != nil {
				return fmt.Errorf("grants: revoke %s: %w", g.Origin, err)
			}
			s.logger.Info("grant revoked", "operation", "mediatord.grants", "origin", g.Origin)
			continue
		}
		var stale []string
		for _, c := range g.Capabilities {
			if !slices.Contains(caps, c) {
				stale = append(stale, c)
			}
		}
		if len(stale) > 0 {
			if err := s.policy.Revoke(ctx, g.Origin, stale...); err != nil {
				return fmt.Errorf("grants: revoke %s: %w", g.Origin, err)
			}
		}
	}
	for origin, caps := range want {
		if err := s.policy.Grant(ctx, origin, caps...); err != nil {
			return fmt.Errorf("grants: %s: %w", origin, err)
		}
	}
	return nil
}

// Run serves the bridge socket and, when configured, the metrics endpoint
// until ctx ends. Storage is closed on return.
func (s *Server) Run(ctx context.Context) error {
	defer func() {
		s.vault.Lock()
		_ = s.store.Close()
	}()

	l, err := channel.Listen(s.cfg.Mediator.ListenAddr)
	if err != nil {
		return err
	}

	var metricsSrv *http.Server
	metricsErr := make(chan error, 1)
	if s.cfg.Mediator.MetricsAddr != "" {
		ml, err := net.Listen("tcp", s.cfg.Mediator.MetricsAddr)
		if err != nil {
			_ = l.Close()
			return fmt.Errorf("listen metrics: %w", err)
		}
		metricsSrv = &http.Server{Handler: s.httpHandler(), ReadHeaderTimeout: 5 * time.Second}
		s.mu.Lock()
		s.metricsAddr = ml.Addr().String()
		s.mu.Unlock()
		go func() {
			err := metricsSrv.Serve(ml)
			if errors.Is(err, http.ErrServerClosed) {
				err = nil
			}
			metricsErr <- err
		}()
	}

	s.mu.Lock()
	s.addr = l.Multiaddr().String()
	s.mu.Unlock()
	close(s.ready)
	s.logger.Info("mediator listening", "operation", "mediatord.run", "addr", s.addr, "api_version", protocol.APIVersion)

	if s.shell != nil {
		go s.installShell(ctx)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- s.bridge.Serve(ctx, l) }()

	var runErr error
	select {
	case <-ctx.Done():
		runErr = <-serveErr
	case runErr = <-serveErr:
	case runErr = <-metricsErr:
		_ = l.Close()
		<-serveErr
	}
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil && runErr == nil {
			runErr = err
		}
		cancel()
	}
	s.logger.Info("mediator stopped", "operation", "mediatord.run")
	return runErr
}

func (s *Server) installShell(ctx context.Context) {
	if err := s.shell.Install(ctx); err != nil {
		s.logger.Warn("shell precache failed", "operation", "mediatord.shell", "error", err.Error())
		return
	}
	s.shell.Activate()
}

func (s *Server) httpHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", s.serveHealth)
	if s.shell != nil {
		mux.HandleFunc("/shell", s.serveShell)
	}
	return mux
}

type health struct {
	Status string `json:"status"`
	Wallet string `json:"wallet"`
}

func (s *Server) serveHealth(w http.ResponseWriter, _ *http.Request) {
	h := health{Status: "ok", Wallet: "locked"}
	if s.vault.Unlocked() {
		h.Wallet = "unlocked"
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h)
}

// serveShell fetches one configured shell URL through the offline cache:
// network first, the cached copy when the network fails.
func (s *Server) serveShell(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	target := r.URL.Query().Get("url")
	if !slices.Contains(s.cfg.Shell.URLs, target) {
		http.Error(w, "unknown shell url", http.StatusNotFound)
		return
	}
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target, nil)
	if err != nil {
		http.Error(w, "bad shell url", http.StatusInternalServerError)
		return
	}
	resp, err := s.shell.RoundTrip(req)
	if err != nil {
		s.logger.Warn("shell fetch failed", "operation", "mediatord.shell", "url", target, "error", err.Error())
		http.Error(w, "shell unavailable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// Ready is closed once the bridge socket is listening.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr is the bridge multiaddr; empty before Ready.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// MetricsAddr is the host:port of the metrics endpoint; empty when
// disabled or before Ready.
func (s *Server) MetricsAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metricsAddr
}

func (s *Server) Router() *mediator.Router { return s.router }

// Dial returns a client for the bridge socket carrying this daemon's
// token, for a relay host running in the same process.
func (s *Server) Dial() (*channel.Client, error) {
	return channel.NewClient(s.Addr(), channel.WithToken(s.token))
}

// ProviderConfig is the page-side configuration matching this daemon.
func (s *Server) ProviderConfig() provider.Config {
	return provider.Config{
		Timeout:        s.cfg.Timeout(),
		MethodTimeouts: s.cfg.MethodTimeouts(),
		Logger:         s.logger,
	}
}
