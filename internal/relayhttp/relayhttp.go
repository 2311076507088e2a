// Package relayhttp implements the Rendezvous Relay's HTTP API (spec 4.4):
// /info, /register, /lookup, /send, /poll, /health.
package relayhttp

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/tjw2665/Concord/internal/invitecode"
	"github.com/tjw2665/Concord/internal/msgqueue"
	"github.com/tjw2665/Concord/internal/relaymetrics"
)

// Deps are the dependencies the HTTP API is built over; it owns no state of
// its own beyond these references.
type Deps struct {
	Log             *zap.Logger
	Registry        *invitecode.Registry
	Queue           *msgqueue.Queue
	Metrics         *relaymetrics.Metrics
	RelayPeerID     peer.ID
	RelayAddrs      []string
	ExternalAddr    string
	StartedAt       time.Time
	ConnectedPeers  func() int
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// NewHandler builds the relay's HTTP mux.
func NewHandler(d Deps) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/info", d.wrap("info", d.handleInfo))
	mux.HandleFunc("/register", d.wrap("register", d.handleRegister))
	mux.HandleFunc("/lookup", d.wrap("lookup", d.handleLookup))
	mux.HandleFunc("/send", d.wrap("send", d.handleSend))
	mux.HandleFunc("/poll", d.wrap("poll", d.handlePoll))
	mux.HandleFunc("/health", d.wrap("health", d.handleHealth))
	return mux
}

func (d *Deps) wrap(route string, h func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Content-Type", "application/json")

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)

		errCode := ""
		if rec.status >= 400 {
			errCode = strconv.Itoa(rec.status)
		}
		d.Metrics.ObserveRequest(route, start, errCode)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.(interface{ WriteHeader(int) }).WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}

func (d *Deps) handleInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"relayPeerId":       d.RelayPeerID.String(),
		"relayAddrs":        d.RelayAddrs,
		"externalRelayAddr": d.ExternalAddr,
	})
}

func (d *Deps) handleRegister(w http.ResponseWriter, r *http.Request) {
	peerID := r.URL.Query().Get("peerId")
	if peerID == "" {
		writeError(w, http.StatusBadRequest, "MISSING_FIELD", "peerId is required")
		return
	}

	code, err := d.Registry.RegisterPeer(peerID)
	if err != nil {
		d.Log.Warn("register peer failed", zap.Error(err), zap.String("peer_id", peerID))
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to register peer")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"code":        code,
		"relayPeerId": d.RelayPeerID.String(),
		"relayAddr":   d.ExternalAddr,
		"circuitAddr": d.ExternalAddr + "/p2p-circuit/p2p/" + peerID,
	})
}

func (d *Deps) handleLookup(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		writeError(w, http.StatusBadRequest, "MISSING_FIELD", "code is required")
		return
	}

	entry, ok := d.Registry.LookupCode(code)
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "invite code not found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"peerId":      entry.PeerID,
		"relayAddr":   d.ExternalAddr,
		"circuitAddr": d.ExternalAddr + "/p2p-circuit/p2p/" + entry.PeerID,
	})
}

type sendRequest struct {
	To        string `json:"to"`
	From      string `json:"from"`
	ChannelID string `json:"channelId"`
	Data      string `json:"data"`
}

func (d *Deps) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusBadRequest, "BAD_METHOD", "POST required")
		return
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_JSON", "invalid JSON body")
		return
	}
	if req.To == "" || req.From == "" || req.ChannelID == "" {
		writeError(w, http.StatusBadRequest, "MISSING_FIELD", "to, from and channelId are required")
		return
	}

	d.Queue.Enqueue(req.To, req.From, req.ChannelID, req.Data)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (d *Deps) handlePoll(w http.ResponseWriter, r *http.Request) {
	peerID := r.URL.Query().Get("peerId")
	if peerID == "" {
		writeError(w, http.StatusBadRequest, "MISSING_FIELD", "peerId is required")
		return
	}

	since := int64(0)
	if s := r.URL.Query().Get("since"); s != "" {
		if parsed, err := strconv.ParseInt(s, 10, 64); err == nil {
			since = parsed
		}
	}

	msgs := d.Queue.Drain(peerID, since)
	out := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, map[string]any{
			"from":      m.From,
			"channelId": m.ChannelID,
			"data":      m.Data,
			"ts":        m.TsMs,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

func (d *Deps) handleHealth(w http.ResponseWriter, _ *http.Request) {
	peers := 0
	if d.ConnectedPeers != nil {
		peers = d.ConnectedPeers()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"relayPeerId": d.RelayPeerID.String(),
		"peers":       peers,
		"codes":       d.Registry.Size(),
		"uptime":      time.Since(d.StartedAt).Seconds(),
	})
}
