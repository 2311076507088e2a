// Package router implements the peer's outbound message router (spec 4.7):
// a tiered direct-stream-then-relay-queue send, and a broadcast fan-out
// over directly connected and known chat peers.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/tjw2665/Concord/internal/chatproto"
	"github.com/tjw2665/Concord/internal/peermetrics"
)

// HTTPTimeout bounds every call made to the relay's /send endpoint.
const HTTPTimeout = 10 * time.Second

// Router sends chat messages directly over the overlay when possible and
// falls back to the relay's store-and-forward queue otherwise.
type Router struct {
	host       host.Host
	httpClient *http.Client
	relayURL   string
	myPeerID   string
	relayPeer  string
	metrics    *peermetrics.Metrics
	log        *zap.Logger
}

// New builds a Router. relayURL is the relay's base HTTP URL
// (e.g. "http://localhost:8080"); relayPeerID is excluded from broadcasts.
func New(h host.Host, relayURL, myPeerID, relayPeerID string, metrics *peermetrics.Metrics, log *zap.Logger) *Router {
	return &Router{
		host:       h,
		httpClient: &http.Client{Timeout: HTTPTimeout},
		relayURL:   relayURL,
		myPeerID:   myPeerID,
		relayPeer:  relayPeerID,
		metrics:    metrics,
		log:        log,
	}
}

// SendTo delivers one chat message to peerID, trying a direct overlay
// stream first and falling back to the relay's HTTP queue.
func (r *Router) SendTo(ctx context.Context, peerID, channelID, data string) error {
	if r.isDirectlyConnected(peerID) {
		if err := r.sendDirect(ctx, peerID, channelID, data); err == nil {
			r.metrics.IncSent()
			return nil
		} else {
			r.log.Debug("direct send failed, falling back to relay queue",
				zap.String("peer_id", peerID), zap.Error(err))
		}
	}

	if err := r.sendViaRelay(ctx, peerID, channelID, data); err != nil {
		r.metrics.IncSendFail()
		return fmt.Errorf("send to %s: %w", peerID, err)
	}
	r.metrics.IncSent()
	return nil
}

// BroadcastResult is the per-target outcome of a Broadcast call.
type BroadcastResult struct {
	PeerID string
	Err    error
}

// Broadcast sends payload to every target in
// (directly connected peers ∪ knownChatPeers) \ {relayPeerId, myPeerId},
// running each send concurrently and waiting for all outcomes.
func (r *Router) Broadcast(ctx context.Context, channelID, data string, knownChatPeers []string) []BroadcastResult {
	targets := map[string]struct{}{}
	for _, p := range r.host.Network().Peers() {
		targets[p.String()] = struct{}{}
	}
	for _, p := range knownChatPeers {
		targets[p] = struct{}{}
	}
	delete(targets, r.relayPeer)
	delete(targets, r.myPeerID)

	results := make([]BroadcastResult, len(targets))
	var wg sync.WaitGroup
	i := 0
	for target := range targets {
		wg.Add(1)
		idx := i
		i++
		go func(peerID string) {
			defer wg.Done()
			err := r.SendTo(ctx, peerID, channelID, data)
			results[idx] = BroadcastResult{PeerID: peerID, Err: err}
			if err != nil {
				r.log.Warn("broadcast send failed", zap.String("peer_id", peerID), zap.Error(err))
			} else {
				r.log.Debug("broadcast send ok", zap.String("peer_id", peerID))
			}
		}(target)
	}
	wg.Wait()
	return results
}

func (r *Router) isDirectlyConnected(peerID string) bool {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return false
	}
	return r.host.Network().Connectedness(pid) == network.Connected
}

func (r *Router) sendDirect(ctx context.Context, peerID, channelID, data string) error {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return err
	}

	ctx = network.WithUseTransient(ctx, "chat")
	s, err := r.host.NewStream(ctx, pid, chatproto.ProtocolID)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(chatproto.Envelope{ChannelID: channelID, Data: data})
	if err != nil {
		_ = s.Reset()
		return err
	}
	payload = append(payload, '\n')

	if _, err := s.Write(payload); err != nil {
		_ = s.Reset()
		return err
	}
	return s.Close()
}

type sendRequest struct {
	To        string `json:"to"`
	From      string `json:"from"`
	ChannelID string `json:"channelId"`
	Data      string `json:"data"`
}

func (r *Router) sendViaRelay(ctx context.Context, peerID, channelID, data string) error {
	body, err := json.Marshal(sendRequest{To: peerID, From: r.myPeerID, ChannelID: channelID, Data: data})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.relayURL+"/send", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("relay /send returned %d", resp.StatusCode)
	}
	return nil
}
