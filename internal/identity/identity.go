// Package identity persists and loads the peer's long-term signing keypair.
package identity

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"
)

// Identity is a loaded or generated signing keypair and its derived peer-id.
type Identity struct {
	PrivateKey libp2pcrypto.PrivKey
	PeerID     peer.ID
	Ephemeral  bool
}

type fileFormat struct {
	PrivateKey string `json:"privateKey"`
	CreatedAt  string `json:"createdAt"`
}

const fileName = "node-identity.json"

// LoadOrCreate implements the identity store's single operation (spec 4.1).
//
// If portConflict is true an ephemeral, never-persisted keypair is returned
// immediately. Otherwise an existing keypair is loaded from dataDir; on any
// decode failure or absence, a fresh one is generated and persisted.
// Persist failures are logged but never fatal.
func LoadOrCreate(log *zap.Logger, dataDir string, portConflict bool) (Identity, error) {
	if portConflict {
		id, err := generate()
		if err != nil {
			return Identity{}, err
		}
		id.Ephemeral = true
		return id, nil
	}

	path := filepath.Join(dataDir, fileName)
	if id, err := load(path); err == nil {
		return id, nil
	} else {
		log.Debug("no usable persisted identity, generating a new one", zap.Error(err))
	}

	id, err := generate()
	if err != nil {
		return Identity{}, err
	}
	if err := persist(path, id); err != nil {
		log.Warn("failed to persist new identity", zap.Error(err))
	}
	return id, nil
}

func generate() (Identity, error) {
	priv, pub, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return Identity{}, fmt.Errorf("generate ed25519 key: %w", err)
	}
	pid, err := peer.IDFromPublicKey(pub)
	if err != nil {
		return Identity{}, fmt.Errorf("derive peer id: %w", err)
	}
	return Identity{PrivateKey: priv, PeerID: pid}, nil
}

func load(path string) (Identity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Identity{}, fmt.Errorf("read identity file: %w", err)
	}

	var ff fileFormat
	if err := json.Unmarshal(raw, &ff); err != nil {
		return Identity{}, fmt.Errorf("decode identity file: %w", err)
	}

	pbBytes, err := base64.StdEncoding.DecodeString(ff.PrivateKey)
	if err != nil {
		return Identity{}, fmt.Errorf("decode base64 private key: %w", err)
	}

	priv, err := libp2pcrypto.UnmarshalPrivateKey(pbBytes)
	if err != nil {
		return Identity{}, fmt.Errorf("unmarshal protobuf private key: %w", err)
	}

	pid, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return Identity{}, fmt.Errorf("derive peer id: %w", err)
	}

	return Identity{PrivateKey: priv, PeerID: pid}, nil
}

func persist(path string, id Identity) error {
	pbBytes, err := libp2pcrypto.MarshalPrivateKey(id.PrivateKey)
	if err != nil {
		return fmt.Errorf("marshal protobuf private key: %w", err)
	}
	defer zeroBytes(pbBytes)

	ff := fileFormat{
		PrivateKey: base64.StdEncoding.EncodeToString(pbBytes),
		CreatedAt:  time.Now().UTC().Format(time.RFC3339),
	}
	encoded, err := json.MarshalIndent(ff, "", "  ")
	if err != nil {
		return fmt.Errorf("encode identity file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o600); err != nil {
		return fmt.Errorf("write temp identity file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename temp identity file: %w", err)
	}
	return nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
