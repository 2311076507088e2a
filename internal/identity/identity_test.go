package identity

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func TestLoadOrCreatePersistsAndReloadsSamePeerID(t *testing.T) {
	dir := t.TempDir()
	log := zap.NewNop()

	first, err := LoadOrCreate(log, dir, false)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if first.Ephemeral {
		t.Fatalf("expected non-ephemeral identity on first run")
	}

	second, err := LoadOrCreate(log, dir, false)
	if err != nil {
		t.Fatalf("LoadOrCreate second run: %v", err)
	}
	if second.Ephemeral {
		t.Fatalf("expected non-ephemeral identity on reload")
	}
	if first.PeerID != second.PeerID {
		t.Fatalf("peer id changed across reload: %s != %s", first.PeerID, second.PeerID)
	}
}

func TestLoadOrCreatePortConflictIsEphemeralAndUntouchesDisk(t *testing.T) {
	dir := t.TempDir()
	log := zap.NewNop()

	persisted, err := LoadOrCreate(log, dir, false)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}

	ephemeral, err := LoadOrCreate(log, dir, true)
	if err != nil {
		t.Fatalf("LoadOrCreate conflict: %v", err)
	}
	if !ephemeral.Ephemeral {
		t.Fatalf("expected ephemeral identity on port conflict")
	}
	if ephemeral.PeerID == persisted.PeerID {
		t.Fatalf("ephemeral identity unexpectedly matches persisted identity")
	}

	reloaded, err := LoadOrCreate(log, dir, false)
	if err != nil {
		t.Fatalf("LoadOrCreate reload: %v", err)
	}
	if reloaded.PeerID != persisted.PeerID {
		t.Fatalf("port-conflict path mutated persisted identity on disk")
	}
}

func TestLoadOrCreateGeneratesFreshIdentityOnCorruptFile(t *testing.T) {
	dir := t.TempDir()
	log := zap.NewNop()

	path := filepath.Join(dir, fileName)
	if err := os.WriteFile(path, []byte("not json"), 0o600); err != nil {
		t.Fatalf("write corrupt identity file: %v", err)
	}

	id, err := LoadOrCreate(log, dir, false)
	if err != nil {
		t.Fatalf("LoadOrCreate over corrupt file: %v", err)
	}
	if id.Ephemeral {
		t.Fatalf("expected a freshly generated, persisted identity")
	}
}
