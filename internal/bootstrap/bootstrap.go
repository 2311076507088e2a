// Package bootstrap drives the peer's startup state machine (spec 4.10):
// Starting -> FetchingRelayInfo -> CreatingOverlay -> Reserving ->
// Registering -> Ready.
package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/muxer/yamux"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	"github.com/libp2p/go-libp2p/p2p/transport/websocket"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/tjw2665/Concord/internal/chatproto"
	"github.com/tjw2665/Concord/internal/events"
	"github.com/tjw2665/Concord/internal/identity"
	"github.com/tjw2665/Concord/internal/peermetrics"
	"github.com/tjw2665/Concord/internal/relayclient"
)

// State names the bootstrap state machine's stages, emitted as log events.
type State string

const (
	StateStarting           State = "starting"
	StateFetchingRelayInfo  State = "fetching_relay_info"
	StateCreatingOverlay    State = "creating_overlay"
	StateReserving          State = "reserving"
	StateRegistering        State = "registering"
	StateReady              State = "ready"
)

const portFileName = "port-config.json"

// Node is the fully bootstrapped peer: its overlay host, identity, and the
// background relay client driving registration and polling.
type Node struct {
	Host        host.Host
	Identity    identity.Identity
	RelayClient *relayclient.Client
	RelayPeerID string
	Port        int
	IsEphemeral bool
}

type portFile struct {
	Port int `json:"port"`
}

// Run executes the bootstrap state machine and returns the running node.
// The caller is responsible for calling Node.Host.Close() on shutdown.
func Run(ctx context.Context, log *zap.Logger, dataDir, relayURL string, sink events.Sink, metrics *peermetrics.Metrics) (*Node, error) {
	if sink == nil {
		sink = events.Discard{}
	}
	logState(log, sink, StateStarting)

	port, portConflict, err := resolvePort(dataDir)
	if err != nil {
		return nil, fmt.Errorf("resolve port: %w", err)
	}

	id, err := identity.LoadOrCreate(log, dataDir, portConflict)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}

	logState(log, sink, StateFetchingRelayInfo)
	rc := relayclient.New(log, sink, metrics, relayURL, id.PeerID.String(), nil)
	relayInfo, relayErr := rc.FetchInfo(ctx)
	if relayErr != nil {
		log.Warn("relay info unavailable at bootstrap, continuing without circuit listen address", zap.Error(relayErr))
	}

	logState(log, sink, StateCreatingOverlay)
	h, usedPort, err := createOverlayWithRetry(id, dataDir, port, relayInfo)
	if err != nil {
		return nil, fmt.Errorf("create overlay: %w", err)
	}
	port = usedPort

	rc.SetDialFunc(newRelayDialFunc(h))

	chatHandler := chatproto.New(log, sink, metrics)
	chatHandler.Register(h)

	mdnsService := mdns.NewMdnsService(h, "concord-lan", &mdnsNotifee{host: h, log: log})
	if err := mdnsService.Start(); err != nil {
		log.Warn("mdns discovery failed to start", zap.Error(err))
	}

	logState(log, sink, StateReserving)
	// The circuit transport's reservation with the relay is automatic once
	// the relay's /p2p-circuit listen address is present on the host; there
	// is nothing further to do here beyond having listed it in createOverlay.

	node := &Node{
		Host:        h,
		Identity:    id,
		RelayClient: rc,
		RelayPeerID: relayInfo.RelayPeerID,
		Port:        port,
		IsEphemeral: id.Ephemeral,
	}

	sink.Emit(events.KindReady, map[string]any{
		"peerId":      id.PeerID.String(),
		"address":     fmt.Sprintf("/ip4/127.0.0.1/tcp/%d/ws/p2p/%s", port, id.PeerID.String()),
		"lanAddress":  fmt.Sprintf("/ip4/0.0.0.0/tcp/%d/ws/p2p/%s", port, id.PeerID.String()),
		"port":        port,
		"isEphemeral": id.Ephemeral,
		"inviteCode":  nil,
	})

	logState(log, sink, StateRegistering)
	go rc.RegisterLoop(ctx)
	go rc.PollLoop(ctx)

	logState(log, sink, StateReady)
	return node, nil
}

func logState(log *zap.Logger, sink events.Sink, s State) {
	log.Info("bootstrap state", zap.String("state", string(s)))
	sink.Emit(events.KindLog, map[string]any{"state": string(s)})
}

func resolvePort(dataDir string) (port int, conflict bool, err error) {
	path := filepath.Join(dataDir, portFileName)

	data, readErr := os.ReadFile(path)
	if readErr == nil {
		var pf portFile
		if json.Unmarshal(data, &pf) == nil && pf.Port > 0 {
			if isPortFree(pf.Port) {
				return pf.Port, false, nil
			}
			conflict = true
		}
	}

	freePort, err := pickFreePort()
	if err != nil {
		return 0, false, err
	}
	if err := persistPort(path, freePort); err != nil {
		return 0, false, err
	}
	return freePort, conflict, nil
}

func isPortFree(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

func pickFreePort() (int, error) {
	ln, err := net.Listen("tcp", "0.0.0.0:0")
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

func persistPort(path string, port int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.Marshal(portFile{Port: port})
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func createOverlayWithRetry(id identity.Identity, dataDir string, port int, relayInfo relayclient.RelayInfo) (host.Host, int, error) {
	h, err := createOverlay(id, port, relayInfo)
	if err == nil {
		return h, port, nil
	}
	if !isAddrInUse(err) {
		return nil, 0, err
	}

	_ = os.Remove(filepath.Join(dataDir, portFileName))
	newPort, pickErr := pickFreePort()
	if pickErr != nil {
		return nil, 0, pickErr
	}
	if persistErr := persistPort(filepath.Join(dataDir, portFileName), newPort); persistErr != nil {
		return nil, 0, persistErr
	}

	h, err = createOverlay(id, newPort, relayInfo)
	if err != nil {
		return nil, 0, err
	}
	return h, newPort, nil
}

func createOverlay(id identity.Identity, port int, relayInfo relayclient.RelayInfo) (host.Host, error) {
	listenAddrs := []string{fmt.Sprintf("/ip4/0.0.0.0/tcp/%d/ws", port)}
	if relayInfo.ExternalRelayAddr != "" {
		listenAddrs = append(listenAddrs, relayInfo.ExternalRelayAddr+"/p2p-circuit")
	}

	return libp2p.New(
		libp2p.Identity(id.PrivateKey),
		libp2p.ListenAddrStrings(listenAddrs...),
		libp2p.Transport(websocket.New),
		libp2p.Security(noise.ID, noise.New),
		libp2p.Muxer(yamux.ID, yamux.DefaultTransport),
		libp2p.EnableRelay(),
	)
}

// newRelayDialFunc builds the DialFunc relayclient uses to reconnect to the
// relay after a disconnect: resolve its advertised addresses, then connect.
func newRelayDialFunc(h host.Host) relayclient.DialFunc {
	return func(ctx context.Context, info relayclient.RelayInfo) error {
		pid, err := peer.Decode(info.RelayPeerID)
		if err != nil {
			return fmt.Errorf("decode relay peer id: %w", err)
		}

		addrs := make([]multiaddr.Multiaddr, 0, len(info.RelayAddrs))
		for _, a := range info.RelayAddrs {
			ma, err := multiaddr.NewMultiaddr(a)
			if err != nil {
				continue
			}
			addrs = append(addrs, ma)
		}
		if len(addrs) == 0 {
			return fmt.Errorf("relay advertised no dialable addresses")
		}

		ctx = network.WithUseTransient(ctx, "relay-reconnect")
		return h.Connect(ctx, peer.AddrInfo{ID: pid, Addrs: addrs})
	}
}

func isAddrInUse(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "address already in use")
}

type mdnsNotifee struct {
	host host.Host
	log  *zap.Logger
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.host.ID() {
		return
	}
	ctx := network.WithUseTransient(context.Background(), "mdns")
	if err := n.host.Connect(ctx, pi); err != nil {
		n.log.Debug("mdns peer connect failed", zap.String("peer_id", pi.ID.String()), zap.Error(err))
	}
}
