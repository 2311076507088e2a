// Package relayserver wires together the Rendezvous Relay's overlay host,
// HTTP API, circuit-relay service, and background sweepers, mirroring the
// reference node server's Start/Shutdown shape.
package relayserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/p2p/muxer/yamux"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	"github.com/libp2p/go-libp2p/p2p/transport/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/tjw2665/Concord/internal/adminhttp"
	"github.com/tjw2665/Concord/internal/identity"
	"github.com/tjw2665/Concord/internal/invitecode"
	"github.com/tjw2665/Concord/internal/msgqueue"
	"github.com/tjw2665/Concord/internal/relaycircuit"
	"github.com/tjw2665/Concord/internal/relayconfig"
	"github.com/tjw2665/Concord/internal/relayhttp"
	"github.com/tjw2665/Concord/internal/relaymetrics"
)

// Server hosts the relay's overlay node and HTTP API and owns their
// lifecycles.
type Server struct {
	cfg     relayconfig.Config
	log     *zap.Logger
	metrics *relaymetrics.Metrics
	admin   *adminhttp.Server
	httpSrv *http.Server
	ready   atomic.Bool

	registry *invitecode.Registry
	queue    *msgqueue.Queue
}

// New constructs a relay server. Call Start to run it.
func New(cfg relayconfig.Config, log *zap.Logger) *Server {
	return &Server{
		cfg:      cfg,
		log:      log,
		registry: invitecode.New(log),
		queue:    msgqueue.New(log),
	}
}

// Start loads identity, creates the overlay host and circuit relay
// service, starts the HTTP API and background sweeps, and blocks until ctx
// is canceled.
func (s *Server) Start(ctx context.Context) error {
	id, err := identity.LoadOrCreate(s.log, s.cfg.DataDir, false)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	s.metrics = relaymetrics.New(reg)

	s.admin = adminhttp.New(s.log, s.cfg.Admin.Address, s.cfg.Admin.ReadHeaderTimeout, reg, &s.ready)
	s.admin.Start()

	h, err := libp2p.New(
		libp2p.Identity(id.PrivateKey),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d/ws", s.cfg.WSPort)),
		libp2p.Transport(websocket.New),
		libp2p.Security(noise.ID, noise.New),
		libp2p.Muxer(yamux.ID, yamux.DefaultTransport),
	)
	if err != nil {
		return fmt.Errorf("create overlay: %w", err)
	}
	defer h.Close()

	if _, err := relaycircuit.Start(h); err != nil {
		return fmt.Errorf("start circuit relay service: %w", err)
	}

	relayAddrs := make([]string, 0, len(h.Addrs()))
	for _, a := range h.Addrs() {
		relayAddrs = append(relayAddrs, a.String())
	}
	externalAddr := s.cfg.ExternalRelayAddr(h.ID().String())

	startedAt := time.Now()
	mux := relayhttp.NewHandler(relayhttp.Deps{
		Log:          s.log,
		Registry:     s.registry,
		Queue:        s.queue,
		Metrics:      s.metrics,
		RelayPeerID:  h.ID(),
		RelayAddrs:   relayAddrs,
		ExternalAddr: externalAddr,
		StartedAt:    startedAt,
		ConnectedPeers: func() int { return len(h.Network().Peers()) },
	})

	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.HTTPPort),
		Handler: mux,
	}

	sweepCtx, cancelSweep := context.WithCancel(ctx)
	defer cancelSweep()
	go s.registry.RunSweeper(sweepCtx)
	go s.queue.RunSweeper(sweepCtx)
	go s.reportGauges(sweepCtx)

	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGracePeriod)
		defer cancel()
		s.Shutdown(stopCtx)
	}()

	s.log.Info("relay HTTP API listening", zap.String("address", s.httpSrv.Addr))
	s.log.Info("overlay node listening",
		zap.String("peer_id", h.ID().String()),
		zap.String("external_addr", externalAddr))
	s.ready.Store(true)

	err = s.httpSrv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve HTTP: %w", err)
	}
	return nil
}

// reportGauges refreshes the invite-code gauge every 5 s. The queued-message
// gauge and the two sweep counters in relaymetrics are not updated anywhere
// and stay at zero.
func (s *Server) reportGauges(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.metrics.SetInviteCodesActive(s.registry.Size())
		}
	}
}

// Shutdown stops the HTTP API and admin server.
func (s *Server) Shutdown(ctx context.Context) {
	s.ready.Store(false)

	if s.admin != nil {
		s.admin.Shutdown(ctx)
	}
	if s.httpSrv == nil {
		return
	}
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("relay HTTP API shutdown", zap.Error(err))
	}
}
