// Package chatproto implements the peer chat protocol handler (spec 4.6):
// inbound "/concord/chat/1.0.0" streams carrying newline-delimited JSON
// chat envelopes.
package chatproto

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/protocol"
	"go.uber.org/zap"

	"github.com/tjw2665/Concord/internal/events"
	"github.com/tjw2665/Concord/internal/peermetrics"
)

// ProtocolID is the overlay protocol identifier chat streams are opened on.
const ProtocolID = protocol.ID("/concord/chat/1.0.0")

// Envelope is the wire shape of one chat message (spec 6).
type Envelope struct {
	ChannelID string `json:"channelId"`
	Data      string `json:"data"`
}

// Handler registers and serves the chat protocol.
type Handler struct {
	log     *zap.Logger
	sink    events.Sink
	metrics *peermetrics.Metrics
}

// New builds a chat protocol handler.
func New(log *zap.Logger, sink events.Sink, metrics *peermetrics.Metrics) *Handler {
	if sink == nil {
		sink = events.Discard{}
	}
	return &Handler{log: log, sink: sink, metrics: metrics}
}

// Register installs the handler on h. go-libp2p accepts inbound streams on
// limited (circuit-relay) connections by default; only the dialer needs the
// allow-limited-conn option, set where streams are opened (internal/router).
func (h *Handler) Register(host host.Host) {
	host.SetStreamHandler(ProtocolID, h.handleStream)
}

func (h *Handler) handleStream(s network.Stream) {
	remote := s.Conn().RemotePeer().String()
	reader := bufio.NewReader(s)

	var streamErr error
	for {
		line, err := reader.ReadString('\n')
		if trimmed := strings.TrimRight(line, "\n"); strings.TrimSpace(trimmed) != "" {
			h.processLine(trimmed, remote)
		}
		if err != nil {
			streamErr = err
			break
		}
	}

	if streamErr != nil && streamErr != io.EOF && !isExpectedTermination(streamErr) {
		h.log.Warn("chat stream error", zap.Error(streamErr), zap.String("remote", remote))
	}

	if streamErr != nil && streamErr != io.EOF {
		_ = s.Reset()
		return
	}
	_ = s.Close()
}

func (h *Handler) processLine(line, remote string) {
	var env Envelope
	if err := json.Unmarshal([]byte(line), &env); err != nil {
		h.metrics.IncRecvFail()
		h.log.Warn("malformed chat envelope", zap.String("remote", remote), zap.Error(err))
		return
	}

	h.metrics.IncRecv()
	h.sink.Emit(events.KindMessage, map[string]any{
		"channelId": env.ChannelID,
		"data":      env.Data,
		"from":      remote,
	})
}

// isExpectedTermination reports whether err is the normal "abort" or
// "reset" shutdown of a stream, which must never be logged as a failure.
func isExpectedTermination(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "reset") || strings.Contains(msg, "abort")
}
