package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/tjw2665/Concord/internal/peermetrics"
)

func TestSendToFallsBackToRelayWhenNotDirectlyConnected(t *testing.T) {
	var received sendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	r := New(nil, srv.URL, "myPeer", "relayPeer", peermetrics.New(nil), zap.NewNop())

	if err := r.SendTo(context.Background(), "not-a-valid-peer-id", "general", "hello"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if received.To != "not-a-valid-peer-id" || received.From != "myPeer" || received.Data != "hello" {
		t.Fatalf("unexpected relay payload: %+v", received)
	}
}

func TestSendToReturnsErrorOnRelayFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := New(nil, srv.URL, "myPeer", "relayPeer", peermetrics.New(nil), zap.NewNop())

	if err := r.SendTo(context.Background(), "peerB", "general", "hello"); err == nil {
		t.Fatal("expected error on relay failure")
	}
}

func TestIsDirectlyConnectedFalseOnUndecodablePeerID(t *testing.T) {
	r := New(nil, "http://unused", "myPeer", "relayPeer", peermetrics.New(nil), zap.NewNop())
	if r.isDirectlyConnected("not-a-valid-peer-id") {
		t.Fatal("expected false for undecodable peer id")
	}
}
