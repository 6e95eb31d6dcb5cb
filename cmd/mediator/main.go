package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"walletbridge/go-backend/internal/composition/mediatord"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to mediator.yaml (optional)")
	dataDir := flag.String("data-dir", "", "Directory for wallet storage and the recovery phrase (optional)")
	listenAddr := flag.String("listen", "", "Bridge multiaddr override, e.g. /ip4/127.0.0.1/tcp/8790 or /unix/run/bridge.sock")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()
	if *showVersion {
		fmt.Printf("wallet-mediator version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	srv, err := mediatord.NewServer(mediatord.Options{
		ConfigPath: *configPath,
		DataDir:    *dataDir,
		ListenAddr: *listenAddr,
		Logger:     logger,
	})
	if err != nil {
		log.Fatalf("wallet-mediator failed to initialize: %v", err)
	}

	log.Println("wallet-mediator starting")
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("wallet-mediator failed: %v", err)
	}
	log.Println("wallet-mediator stopped")
}
