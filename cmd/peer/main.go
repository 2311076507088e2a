package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/tjw2665/Concord/internal/adminhttp"
	"github.com/tjw2665/Concord/internal/bootstrap"
	"github.com/tjw2665/Concord/internal/events"
	"github.com/tjw2665/Concord/internal/eventloop"
	"github.com/tjw2665/Concord/internal/knownpeers"
	"github.com/tjw2665/Concord/internal/logging"
	"github.com/tjw2665/Concord/internal/peerconfig"
	"github.com/tjw2665/Concord/internal/peermetrics"
	"github.com/tjw2665/Concord/internal/router"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML/JSON config file (optional)")
	flag.Parse()

	cfg, err := peerconfig.Load(*configPath)
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

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	metrics := peermetrics.New(reg)

	sink := events.NewWriter(os.Stdout)

	admin := adminhttp.New(logger, cfg.Admin.Address, cfg.Admin.ReadHeaderTimeout, reg, nil)
	admin.Start()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
		defer cancel()
		admin.Shutdown(shutdownCtx)
	}()

	node, err := bootstrap.Run(ctx, logger, cfg.DataDir, cfg.RelayURL, sink, metrics)
	if err != nil {
		logger.Fatal("bootstrap failed", zap.Error(err))
		os.Exit(1)
	}
	defer node.Host.Close()

	r := router.New(node.Host, cfg.RelayURL, node.Identity.PeerID.String(), node.RelayPeerID, metrics, logger)
	known := knownpeers.New(logger, cfg.DataDir)
	loop := eventloop.New(ctx, logger, sink, node.Host, r, node.RelayClient, known, metrics, node.Identity.PeerID.String(), node.RelayPeerID, node.Port)

	node.Host.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, c network.Conn) {
			metrics.SetConnections(len(node.Host.Network().Peers()))
			loop.OnPeerConnect(c.RemotePeer().String())
		},
		DisconnectedF: func(_ network.Network, c network.Conn) {
			metrics.SetConnections(len(node.Host.Network().Peers()))
			loop.OnPeerDisconnect(c.RemotePeer().String())
		},
	})

	known.DialAllOnce(ctx, func(dialCtx context.Context, address string) error {
		return dialKnownPeer(dialCtx, node, address)
	})

	stdinDone := make(chan struct{})
	go func() {
		loop.Run(ctx, os.Stdin)
		close(stdinDone)
	}()

	select {
	case <-ctx.Done():
	case <-stdinDone:
		stop()
	}
}

func dialKnownPeer(ctx context.Context, node *bootstrap.Node, address string) error {
	maddr, err := multiaddr.NewMultiaddr(address)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return err
	}
	ctx = network.WithUseTransient(ctx, "known-peer-redial")
	return node.Host.Connect(ctx, *info)
}
