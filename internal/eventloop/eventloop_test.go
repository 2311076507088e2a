package eventloop

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/tjw2665/Concord/internal/events"
	"github.com/tjw2665/Concord/internal/knownpeers"
	"github.com/tjw2665/Concord/internal/peermetrics"
	"github.com/tjw2665/Concord/internal/relayclient"
	"github.com/tjw2665/Concord/internal/router"
)

type capturingSink struct {
	events []struct {
		kind   string
		fields map[string]any
	}
}

func (c *capturingSink) Emit(kind string, fields map[string]any) {
	c.events = append(c.events, struct {
		kind   string
		fields map[string]any
	}{kind, fields})
}

func (c *capturingSink) last() (string, map[string]any) {
	if len(c.events) == 0 {
		return "", nil
	}
	e := c.events[len(c.events)-1]
	return e.kind, e.fields
}

func newTestLoop(t *testing.T, relayURL string) (*Loop, *capturingSink) {
	t.Helper()
	log := zap.NewNop()
	sink := &capturingSink{}
	metrics := peermetrics.New(nil)
	r := router.New(nil, relayURL, "myPeer", "relayPeer", metrics, log)
	rc := relayclient.New(log, sink, metrics, relayURL, "myPeer", nil)
	known := knownpeers.New(log, t.TempDir())
	l := New(context.Background(), log, sink, nil, r, rc, known, metrics, "myPeer", "relayPeer", 0)
	return l, sink
}

func TestHandleSendWithTargetRoutesToThatPeerViaRelay(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	l, _ := newTestLoop(t, srv.URL)
	l.handleCommand(context.Background(), Command{Cmd: "send", TargetPeerID: "not-a-valid-peer", ChannelID: "general", Data: "hi"})

	if received["to"] != "not-a-valid-peer" || received["data"] != "hi" {
		t.Fatalf("unexpected relay payload: %+v", received)
	}
}

func TestHandleDialWithInvalidAddressEmitsFailure(t *testing.T) {
	l, sink := newTestLoop(t, "http://unused")
	l.handleCommand(context.Background(), Command{Cmd: "dial", Address: "not-an-address"})

	kind, fields := sink.last()
	if kind != events.KindDialResult {
		t.Fatalf("expected dial_result event, got %q", kind)
	}
	if fields["ok"] != false || fields["error"] != "Invalid address" {
		t.Fatalf("unexpected fields: %+v", fields)
	}
}

func TestHandleDialWithInviteCodeLooksUpAndTracksPeer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"peerId":"QmResolved","relayAddr":"/dns4/relay/tcp/9090/ws","circuitAddr":""}`))
	}))
	defer srv.Close()

	l, sink := newTestLoop(t, srv.URL)
	l.handleCommand(context.Background(), Command{Cmd: "dial", Address: "abcd-efgh"})

	kind, fields := sink.last()
	if kind != events.KindDialResult {
		t.Fatalf("expected dial_result event, got %q", kind)
	}
	if fields["ok"] != true || fields["peerId"] != "QmResolved" {
		t.Fatalf("unexpected fields: %+v", fields)
	}

	l.mu.Lock()
	_, tracked := l.knownChatPeers["QmResolved"]
	l.mu.Unlock()
	if !tracked {
		t.Fatal("expected resolved peer to be added to knownChatPeers")
	}
}

func TestHandleUnknownCommandLogsAndDoesNotPanic(t *testing.T) {
	l, sink := newTestLoop(t, "http://unused")
	l.handleCommand(context.Background(), Command{Cmd: "frobnicate"})

	kind, fields := sink.last()
	if kind != events.KindLog {
		t.Fatalf("expected log event, got %q", kind)
	}
	if fields["cmd"] != "frobnicate" {
		t.Fatalf("unexpected fields: %+v", fields)
	}
}

func TestOnPeerConnectTracksNonRelayPeer(t *testing.T) {
	l, sink := newTestLoop(t, "http://unused")
	l.OnPeerConnect("QmSomePeer")

	kind, _ := sink.last()
	if kind != events.KindPeerConnect {
		t.Fatalf("expected peer:connect event, got %q", kind)
	}

	l.mu.Lock()
	_, tracked := l.knownChatPeers["QmSomePeer"]
	l.mu.Unlock()
	if !tracked {
		t.Fatal("expected non-relay peer to be tracked")
	}
}

func TestOnPeerConnectDoesNotTrackRelayPeer(t *testing.T) {
	l, _ := newTestLoop(t, "http://unused")
	l.OnPeerConnect("relayPeer")

	l.mu.Lock()
	_, tracked := l.knownChatPeers["relayPeer"]
	l.mu.Unlock()
	if tracked {
		t.Fatal("expected relay peer not to be tracked as a chat peer")
	}
}

func TestOnPeerDisconnectDoesNotPruneKnownChatPeers(t *testing.T) {
	l, _ := newTestLoop(t, "http://unused")
	l.addKnownChatPeer("QmSomePeer")
	l.OnPeerDisconnect("QmSomePeer")

	l.mu.Lock()
	_, tracked := l.knownChatPeers["QmSomePeer"]
	l.mu.Unlock()
	if !tracked {
		t.Fatal("expected knownChatPeers to retain peer across disconnect")
	}
}

func TestInviteCodeShapeMatchesGeneratedForm(t *testing.T) {
	if !inviteCodeShape.MatchString("ABCD-EFGH") {
		t.Fatal("expected canonical invite code to match")
	}
	if !inviteCodeShape.MatchString("abcd-efgh") {
		t.Fatal("expected lowercase invite code to match")
	}
	if inviteCodeShape.MatchString("not-an-invite-code") {
		t.Fatal("expected non-invite-code string not to match")
	}
}
