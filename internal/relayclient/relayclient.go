// Package relayclient implements the peer's three relay-facing background
// behaviors (spec 4.8): invite-code registration, the message poll loop,
// and relay-disconnect reconnection.
package relayclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tjw2665/Concord/internal/events"
	"github.com/tjw2665/Concord/internal/peermetrics"
)

const (
	// RegisterInitialDelay lets the circuit reservation settle before the
	// first registration attempt.
	RegisterInitialDelay = 3 * time.Second
	RegisterRetryInterval = 10 * time.Second

	PollInterval = 1500 * time.Millisecond

	ReconnectInitialBackoff = 5 * time.Second
	ReconnectSteadyBackoff  = 15 * time.Second

	HTTPTimeout = 10 * time.Second

	// maxConsecutiveLoggedErrors caps how many consecutive poll failures
	// get logged before going quiet, to avoid log spam on a dead relay.
	maxConsecutiveLoggedErrors = 3
)

// RelayInfo mirrors the relay's /info response.
type RelayInfo struct {
	RelayPeerID       string   `json:"relayPeerId"`
	RelayAddrs        []string `json:"relayAddrs"`
	ExternalRelayAddr string   `json:"externalRelayAddr"`
}

// Message mirrors one entry in the relay's /poll response.
type Message struct {
	From      string `json:"from"`
	ChannelID string `json:"channelId"`
	Data      string `json:"data"`
	Ts        int64  `json:"ts"`
}

// DialFunc dials the relay given its advertised info; used for reconnection
// after a disconnect (the initial connect comes from the circuit listen
// address configured at bootstrap).
type DialFunc func(ctx context.Context, info RelayInfo) error

// Client drives the peer's relay-facing background loops.
type Client struct {
	log        *zap.Logger
	sink       events.Sink
	metrics    *peermetrics.Metrics
	httpClient *http.Client
	relayURL   string
	myPeerID   string
	dial       DialFunc

	inviteCode atomic.Value // string

	consecutivePollErrors int
}

// New builds a relay client. relayURL is the relay's base HTTP URL.
func New(log *zap.Logger, sink events.Sink, metrics *peermetrics.Metrics, relayURL, myPeerID string, dial DialFunc) *Client {
	if sink == nil {
		sink = events.Discard{}
	}
	c := &Client{
		log:        log,
		sink:       sink,
		metrics:    metrics,
		httpClient: &http.Client{Timeout: HTTPTimeout},
		relayURL:   relayURL,
		myPeerID:   myPeerID,
		dial:       dial,
	}
	c.inviteCode.Store("")
	return c
}

// SetDialFunc installs the dial function used by HandleDisconnect to
// reconnect to the relay. Must be called before the overlay's connection
// notifications can fire; the caller typically sets it once, right after
// the overlay host is constructed, before wiring notifications to it.
func (c *Client) SetDialFunc(dial DialFunc) {
	c.dial = dial
}

// InviteCode returns the currently registered invite code, or "" if none.
func (c *Client) InviteCode() string {
	return c.inviteCode.Load().(string)
}

// FetchInfo calls the relay's /info endpoint.
func (c *Client) FetchInfo(ctx context.Context) (RelayInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.relayURL+"/info", nil)
	if err != nil {
		return RelayInfo{}, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return RelayInfo{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return RelayInfo{}, fmt.Errorf("relay /info returned %d", resp.StatusCode)
	}

	var info RelayInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return RelayInfo{}, err
	}
	return info, nil
}

// LookupEntry mirrors the relay's /lookup response.
type LookupEntry struct {
	PeerID      string `json:"peerId"`
	RelayAddr   string `json:"relayAddr"`
	CircuitAddr string `json:"circuitAddr"`
}

// Lookup resolves an invite code to a peer via the relay's /lookup endpoint.
func (c *Client) Lookup(ctx context.Context, code string) (LookupEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.relayURL+"/lookup?code="+code, nil)
	if err != nil {
		return LookupEntry{}, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return LookupEntry{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return LookupEntry{}, fmt.Errorf("relay /lookup returned %d", resp.StatusCode)
	}

	var entry LookupEntry
	if err := json.NewDecoder(resp.Body).Decode(&entry); err != nil {
		return LookupEntry{}, err
	}
	return entry, nil
}

// RegisterLoop waits RegisterInitialDelay, then registers this peer's
// invite code, retrying every RegisterRetryInterval until it succeeds or
// ctx is done.
func (c *Client) RegisterLoop(ctx context.Context) {
	timer := time.NewTimer(RegisterInitialDelay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	for {
		code, err := c.register(ctx)
		if err == nil {
			c.inviteCode.Store(code)
			c.sink.Emit(events.KindInviteCode, map[string]any{"inviteCode": code})
			c.log.Info("registered invite code", zap.String("code", code))
			return
		}

		c.log.Warn("invite code registration failed, retrying", zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(RegisterRetryInterval):
		}
	}
}

func (c *Client) register(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.relayURL+"/register?peerId="+c.myPeerID, nil)
	if err != nil {
		return "", err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("relay /register returned %d", resp.StatusCode)
	}

	var body struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	return body.Code, nil
}

// PollLoop polls the relay for queued messages every PollInterval until ctx
// is done, emitting a message event per delivered message.
func (c *Client) PollLoop(ctx context.Context) {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.pollOnce(ctx)
		}
	}
}

func (c *Client) pollOnce(ctx context.Context) {
	msgs, err := c.poll(ctx)
	if err != nil {
		c.consecutivePollErrors++
		if c.consecutivePollErrors <= maxConsecutiveLoggedErrors {
			c.log.Warn("poll failed", zap.Error(err), zap.Int("consecutive_errors", c.consecutivePollErrors))
		}
		return
	}
	c.consecutivePollErrors = 0

	for _, m := range msgs {
		channelID, data := unwrapPayload(m.ChannelID, m.Data)
		c.metrics.IncRecv()
		c.sink.Emit(events.KindMessage, map[string]any{
			"channelId": channelID,
			"data":      data,
			"from":      m.From,
		})
	}
}

// unwrapPayload handles the double-encoded case: if data itself parses as
// {channelId, data}, the inner values win; otherwise the outer fields pass
// through unchanged.
func unwrapPayload(outerChannelID, data string) (channelID, payload string) {
	var inner struct {
		ChannelID string `json:"channelId"`
		Data      string `json:"data"`
	}
	if err := json.Unmarshal([]byte(data), &inner); err == nil && inner.ChannelID != "" {
		return inner.ChannelID, inner.Data
	}
	return outerChannelID, data
}

func (c *Client) poll(ctx context.Context) ([]Message, error) {
	url := c.relayURL + "/poll?peerId=" + c.myPeerID + "&since=" + strconv.FormatInt(0, 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("relay /poll returned %d", resp.StatusCode)
	}

	var body struct {
		Messages []Message `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return body.Messages, nil
}

// HandleDisconnect runs the reconnection flow when relayPeerID disconnects:
// wait, re-fetch relay info, dial, re-register on success, backing off from
// ReconnectInitialBackoff to ReconnectSteadyBackoff.
func (c *Client) HandleDisconnect(ctx context.Context, disconnectedPeerID, relayPeerID string) {
	if disconnectedPeerID != relayPeerID {
		return
	}
	if c.dial == nil {
		c.log.Warn("relay reconnect: no dial function configured, skipping")
		return
	}

	backoff := ReconnectInitialBackoff
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		info, err := c.FetchInfo(ctx)
		if err != nil {
			c.log.Warn("relay reconnect: fetch info failed", zap.Error(err))
			backoff = ReconnectSteadyBackoff
			continue
		}

		if err := c.dial(ctx, info); err != nil {
			c.log.Warn("relay reconnect: dial failed", zap.Error(err))
			backoff = ReconnectSteadyBackoff
			continue
		}

		c.log.Info("reconnected to relay")
		go c.RegisterLoop(ctx)
		return
	}
}
