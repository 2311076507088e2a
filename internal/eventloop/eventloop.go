// Package eventloop implements the peer's stdin/stdout command and event
// loop (spec 4.9): newline-delimited JSON commands in, newline-delimited
// JSON events out.
package eventloop

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/tjw2665/Concord/internal/events"
	"github.com/tjw2665/Concord/internal/knownpeers"
	"github.com/tjw2665/Concord/internal/peermetrics"
	"github.com/tjw2665/Concord/internal/relayclient"
	"github.com/tjw2665/Concord/internal/router"
)

// NetStatsInterval is how often a net_stats event is emitted.
const NetStatsInterval = 5 * time.Second

var inviteCodeShape = regexp.MustCompile(`^[A-Za-z0-9]{4}-[A-Za-z0-9]{4}$`)

// Command is one line of stdin input (spec 4.9).
type Command struct {
	Cmd          string `json:"cmd"`
	ChannelID    string `json:"channelId,omitempty"`
	Data         string `json:"data,omitempty"`
	TargetPeerID string `json:"targetPeerId,omitempty"`
	Address      string `json:"address,omitempty"`
}

// Loop owns the peer's stdin/stdout protocol and the mutable knownChatPeers
// set it feeds into broadcast and net-stats reporting.
type Loop struct {
	log         *zap.Logger
	sink        events.Sink
	host        host.Host
	router      *router.Router
	relayClient *relayclient.Client
	known       *knownpeers.Store
	metrics     *peermetrics.Metrics
	myPeerID    string
	relayPeerID string
	port        int

	mu             sync.Mutex
	knownChatPeers map[string]struct{}
	runCtx         context.Context
}

// New builds the event loop. ctx governs the background reconnect flow
// OnPeerDisconnect spawns; it should be the same ctx the caller passes to Run.
func New(ctx context.Context, log *zap.Logger, sink events.Sink, h host.Host, r *router.Router, rc *relayclient.Client, known *knownpeers.Store, metrics *peermetrics.Metrics, myPeerID, relayPeerID string, port int) *Loop {
	if sink == nil {
		sink = events.Discard{}
	}
	return &Loop{
		log:            log,
		sink:           sink,
		host:           h,
		router:         r,
		relayClient:    rc,
		known:          known,
		metrics:        metrics,
		myPeerID:       myPeerID,
		relayPeerID:    relayPeerID,
		port:           port,
		knownChatPeers: map[string]struct{}{},
		runCtx:         ctx,
	}
}

// Run reads commands from stdin until it hits EOF, and runs the net-stats
// ticker in the background until ctx is canceled or Run returns. Canceling
// ctx does not interrupt a blocked stdin read. It returns when stdin
// closes, signaling the caller to begin graceful shutdown.
func (l *Loop) Run(ctx context.Context, stdin io.Reader) {
	statsCtx, cancelStats := context.WithCancel(ctx)
	defer cancelStats()
	go l.netStatsLoop(statsCtx)

	scanner := bufio.NewScanner(stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var cmd Command
		if err := json.Unmarshal([]byte(line), &cmd); err != nil {
			l.sink.Emit(events.KindLog, map[string]any{"message": "malformed command line", "raw": line})
			continue
		}
		l.handleCommand(ctx, cmd)
	}
}

func (l *Loop) handleCommand(ctx context.Context, cmd Command) {
	switch cmd.Cmd {
	case "send":
		l.handleSend(ctx, cmd)
	case "dial":
		l.handleDial(ctx, cmd)
	case "status":
		l.handleStatus()
	default:
		l.sink.Emit(events.KindLog, map[string]any{"message": "unknown command", "cmd": cmd.Cmd})
	}
}

func (l *Loop) handleSend(ctx context.Context, cmd Command) {
	if cmd.TargetPeerID != "" {
		if err := l.router.SendTo(ctx, cmd.TargetPeerID, cmd.ChannelID, cmd.Data); err != nil {
			l.sink.Emit(events.KindError, map[string]any{"error": err.Error()})
		}
		return
	}

	l.mu.Lock()
	peers := make([]string, 0, len(l.knownChatPeers))
	for p := range l.knownChatPeers {
		peers = append(peers, p)
	}
	l.mu.Unlock()

	l.router.Broadcast(ctx, cmd.ChannelID, cmd.Data, peers)
}

func (l *Loop) handleDial(ctx context.Context, cmd Command) {
	address := strings.TrimSpace(cmd.Address)

	switch {
	case inviteCodeShape.MatchString(address):
		entry, err := l.relayClient.Lookup(ctx, address)
		if err != nil {
			l.sink.Emit(events.KindDialResult, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		l.addKnownChatPeer(entry.PeerID)
		l.dialCircuit(ctx, entry)
		l.sink.Emit(events.KindDialResult, map[string]any{"ok": true, "peerId": entry.PeerID})

	case strings.HasPrefix(address, "/"):
		if err := l.dialAddress(ctx, address); err != nil {
			l.sink.Emit(events.KindDialResult, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		l.known.Add(address)
		l.sink.Emit(events.KindDialResult, map[string]any{"ok": true})

	default:
		l.sink.Emit(events.KindDialResult, map[string]any{"ok": false, "error": "Invalid address"})
	}
}

// dialCircuit attempts to open a circuit connection to a looked-up peer.
// Failure is non-fatal: relay-queue forwarding still works without it.
func (l *Loop) dialCircuit(ctx context.Context, entry relayclient.LookupEntry) {
	if entry.CircuitAddr == "" {
		return
	}
	if err := l.dialAddress(ctx, entry.CircuitAddr); err != nil {
		l.log.Debug("circuit dial failed, relay queue still available", zap.String("peer_id", entry.PeerID), zap.Error(err))
		return
	}
	l.known.Add(entry.CircuitAddr)
}

func (l *Loop) dialAddress(ctx context.Context, address string) error {
	maddr, err := multiaddr.NewMultiaddr(address)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return err
	}
	ctx = network.WithUseTransient(ctx, "dial")
	return l.host.Connect(ctx, *info)
}

func (l *Loop) handleStatus() {
	addrs := make([]string, 0)
	for _, a := range l.host.Addrs() {
		addrs = append(addrs, a.String())
	}
	l.sink.Emit(events.KindStatus, map[string]any{
		"peerId":    l.myPeerID,
		"addresses": addrs,
		"peers":     l.connectedPeerIDs(),
	})
}

func (l *Loop) connectedPeerIDs() []string {
	out := make([]string, 0)
	for _, p := range l.host.Network().Peers() {
		out = append(out, p.String())
	}
	return out
}

// OnPeerConnect records the connect event and, for non-relay peers, adds
// them to knownChatPeers.
func (l *Loop) OnPeerConnect(peerID string) {
	l.sink.Emit(events.KindPeerConnect, map[string]any{"peerId": peerID})
	if peerID != l.relayPeerID {
		l.addKnownChatPeer(peerID)
	}
}

// OnPeerDisconnect records the disconnect event. knownChatPeers is NOT
// pruned: NAT'd peers remain reachable via the relay queue. The reconnect
// flow runs in its own goroutine so it never blocks the notifee callback
// that invoked this method.
func (l *Loop) OnPeerDisconnect(peerID string) {
	l.sink.Emit(events.KindPeerDisconnect, map[string]any{"peerId": peerID})
	go l.relayClient.HandleDisconnect(l.runCtx, peerID, l.relayPeerID)
}

func (l *Loop) addKnownChatPeer(peerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.knownChatPeers[peerID] = struct{}{}
}

func (l *Loop) netStatsLoop(ctx context.Context) {
	ticker := time.NewTicker(NetStatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.emitNetStats()
		}
	}
}

func (l *Loop) emitNetStats() {
	addrs := make([]string, 0)
	for _, a := range l.host.Addrs() {
		addrs = append(addrs, a.String())
	}

	l.mu.Lock()
	known := make([]string, 0, len(l.knownChatPeers))
	for p := range l.knownChatPeers {
		known = append(known, p)
	}
	l.mu.Unlock()

	connections := make([]map[string]any, 0)
	for _, p := range l.host.Network().Peers() {
		for _, c := range l.host.Network().ConnsToPeer(p) {
			direction := "inbound"
			if c.Stat().Direction == network.DirOutbound {
				direction = "outbound"
			}
			connections = append(connections, map[string]any{
				"remotePeerId": p.String(),
				"remoteAddr":   c.RemoteMultiaddr().String(),
				"direction":    direction,
				"streams":      len(c.GetStreams()),
			})
		}
	}

	l.sink.Emit(events.KindNetStats, map[string]any{
		"listenPort":      l.port,
		"listenAddresses": addrs,
		"connections":     connections,
		"knownChatPeers":  known,
		"stats":           l.metrics.Snapshot(),
		"inviteCode":      l.relayClient.InviteCode(),
	})
}
