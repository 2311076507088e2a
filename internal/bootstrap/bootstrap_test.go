package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/tjw2665/Concord/internal/relayclient"
)

func TestResolvePortPersistsFreshPortWhenNoneSaved(t *testing.T) {
	dir := t.TempDir()

	port, conflict, err := resolvePort(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conflict {
		t.Fatal("expected no conflict when no port file exists")
	}
	if port <= 0 {
		t.Fatalf("expected a positive port, got %d", port)
	}

	data, err := os.ReadFile(filepath.Join(dir, portFileName))
	if err != nil {
		t.Fatalf("expected port file to be persisted: %v", err)
	}
	var pf portFile
	if err := json.Unmarshal(data, &pf); err != nil {
		t.Fatalf("decode port file: %v", err)
	}
	if pf.Port != port {
		t.Fatalf("expected persisted port %d, got %d", port, pf.Port)
	}
}

func TestResolvePortReusesPersistedFreePort(t *testing.T) {
	dir := t.TempDir()
	if err := persistPort(filepath.Join(dir, portFileName), 54321); err != nil {
		t.Fatalf("persist: %v", err)
	}

	port, _, err := resolvePort(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if port != 54321 {
		t.Fatalf("expected reused port 54321, got %d", port)
	}
}

func TestResolvePortReportsConflictWhenPersistedPortIsTaken(t *testing.T) {
	dir := t.TempDir()

	ln, err := net.Listen("tcp", "0.0.0.0:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	takenPort := ln.Addr().(*net.TCPAddr).Port

	if err := persistPort(filepath.Join(dir, portFileName), takenPort); err != nil {
		t.Fatalf("persist: %v", err)
	}

	port, conflict, err := resolvePort(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !conflict {
		t.Fatal("expected conflict=true when the persisted port is already bound")
	}
	if port == takenPort {
		t.Fatalf("expected a new port distinct from the taken one, got %d", port)
	}
}

func TestNewRelayDialFuncRejectsUndecodablePeerID(t *testing.T) {
	dial := newRelayDialFunc(nil)
	err := dial(context.Background(), relayclient.RelayInfo{RelayPeerID: "not-a-peer-id"})
	if err == nil {
		t.Fatal("expected an error for an undecodable relay peer id")
	}
}

func TestNewRelayDialFuncRejectsNoDialableAddresses(t *testing.T) {
	_, pub, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pid, err := peer.IDFromPublicKey(pub)
	if err != nil {
		t.Fatalf("peer id: %v", err)
	}

	dial := newRelayDialFunc(nil)
	dialErr := dial(context.Background(), relayclient.RelayInfo{
		RelayPeerID: pid.String(),
		RelayAddrs:  []string{"not a multiaddr"},
	})
	if dialErr == nil {
		t.Fatal("expected an error when no relay address parses")
	}
}

func TestIsAddrInUseDetectsBindFailureMessage(t *testing.T) {
	err := errors.New("listen tcp 0.0.0.0:9090: bind: address already in use")
	if !isAddrInUse(err) {
		t.Fatal("expected address-in-use error to be detected")
	}
	if isAddrInUse(errors.New("some other failure")) {
		t.Fatal("expected unrelated error not to be detected as address-in-use")
	}
}
