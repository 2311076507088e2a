// Package knownpeers persists the peer node's known-peer address book
// (spec 4.11): addresses survive restarts so the peer can auto-redial them.
package knownpeers

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MaxPeers bounds the persisted address book.
const MaxPeers = 50

const fileName = "known-peers.json"

// Peer is one persisted address-book entry.
type Peer struct {
	Address    string `json:"address"`
	LastSeenMs int64  `json:"lastSeenMs"`
}

// Store is the in-memory, disk-backed known-peer address book.
type Store struct {
	mu    sync.Mutex
	peers []Peer
	path  string
	nowFn func() time.Time
	log   *zap.Logger
}

// New loads (or initializes) the address book at <dataDir>/known-peers.json.
func New(log *zap.Logger, dataDir string) *Store {
	s := &Store{
		path:  filepath.Join(dataDir, fileName),
		nowFn: time.Now,
		log:   log,
	}
	if peers, err := load(s.path); err == nil {
		s.peers = peers
	} else if !os.IsNotExist(err) {
		log.Warn("failed to load known peers, starting empty", zap.Error(err))
	}
	return s
}

func load(path string) ([]Peer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var peers []Peer
	if err := json.Unmarshal(data, &peers); err != nil {
		return nil, err
	}
	return peers, nil
}

// Add normalizes address, updates its lastSeen (or inserts it), re-sorts
// by lastSeen descending, truncates to MaxPeers, and persists.
func (s *Store) Add(address string) {
	normalized := normalize(address)
	if normalized == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFn().UnixMilli()
	found := false
	for i := range s.peers {
		if s.peers[i].Address == normalized {
			s.peers[i].LastSeenMs = now
			found = true
			break
		}
	}
	if !found {
		s.peers = append(s.peers, Peer{Address: normalized, LastSeenMs: now})
	}

	sort.Slice(s.peers, func(i, j int) bool { return s.peers[i].LastSeenMs > s.peers[j].LastSeenMs })
	if len(s.peers) > MaxPeers {
		s.peers = s.peers[:MaxPeers]
	}

	if err := s.persist(); err != nil {
		s.log.Warn("failed to persist known peers", zap.Error(err))
	}
}

// All returns every known-good address, filtering out entries whose
// address does not begin with "/" (stale corrupted state from earlier
// versions of the address book).
func (s *Store) All() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.peers))
	for _, p := range s.peers {
		if strings.HasPrefix(p.Address, "/") {
			out = append(out, p.Address)
		}
	}
	return out
}

func (s *Store) persist() error {
	data, err := json.Marshal(s.peers)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func normalize(address string) string {
	address = strings.TrimSpace(address)
	for strings.HasSuffix(address, "/") {
		address = strings.TrimSuffix(address, "/")
	}
	return address
}

// DialFunc dials one peer address; a failure is non-fatal.
type DialFunc func(ctx context.Context, address string) error

// DialAllOnce attempts to dial every known address, silently ignoring
// failures. Intended to be called exactly once, on the first "ready" event
// of a session.
func (s *Store) DialAllOnce(ctx context.Context, dial DialFunc) {
	for _, address := range s.All() {
		if err := dial(ctx, address); err != nil {
			s.log.Debug("auto-dial known peer failed", zap.String("address", address), zap.Error(err))
		}
	}
}
