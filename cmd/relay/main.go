package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/tjw2665/Concord/internal/logging"
	"github.com/tjw2665/Concord/internal/relayconfig"
	"github.com/tjw2665/Concord/internal/relayserver"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML/JSON config file (optional)")
	flag.Parse()

	cfg, err := relayconfig.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // best-effort flush

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := relayserver.New(cfg, logger)
	if err := srv.Start(ctx); err != nil {
		logger.Fatal("relay server exited with error", zap.Error(err))
		os.Exit(1)
	}
}
