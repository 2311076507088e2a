// Package invitecode implements the relay's invite-code registry: a short
// human-shareable code resolving to a peer-id, with a bijective mapping
// maintained between codes and peer-ids and a TTL-based sweep.
package invitecode

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CodeTTL is how long a registration survives without a touching /register
// or /lookup call.
const CodeTTL = 24 * time.Hour

// CleanupInterval is how often the background sweep runs.
const CleanupInterval = 1 * time.Hour

// unambiguousAlphabet excludes O, 0, I, 1.
const unambiguousAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// ErrNotFound is a typed not-found error for callers that want one; no
// function in this package returns it, and LookupCode reports a miss with a
// plain ok bool.
var ErrNotFound = errors.New("invite code not found")

// Entry mirrors InviteRegistryEntry: peer-id plus last-touch time.
type Entry struct {
	PeerID     string
	LastSeenMs int64
}

// Registry is the codeToEntry / peerToCode bijection described in spec 4.2.
type Registry struct {
	mu         sync.Mutex
	codeToEntry map[string]Entry
	peerToCode  map[string]string
	nowFn       func() time.Time
	log         *zap.Logger
}

// New constructs an empty registry.
func New(log *zap.Logger) *Registry {
	return &Registry{
		codeToEntry: make(map[string]Entry),
		peerToCode:  make(map[string]string),
		nowFn:       time.Now,
		log:         log,
	}
}

// RegisterPeer implements registerPeer(peerId) -> code. Re-registering
// within the TTL of the same peer-id returns the same code, refreshed.
func (r *Registry) RegisterPeer(peerID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.nowFn().UnixMilli()

	if code, ok := r.peerToCode[peerID]; ok {
		if _, exists := r.codeToEntry[code]; exists {
			r.codeToEntry[code] = Entry{PeerID: peerID, LastSeenMs: now}
			return code, nil
		}
		// Bijection went stale (entry expired out from under the reverse
		// map); fall through and mint a fresh code.
		delete(r.peerToCode, peerID)
	}

	code, err := r.mintCode()
	if err != nil {
		return "", err
	}
	r.codeToEntry[code] = Entry{PeerID: peerID, LastSeenMs: now}
	r.peerToCode[peerID] = code
	return code, nil
}

func (r *Registry) mintCode() (string, error) {
	for {
		code, err := randomCode()
		if err != nil {
			return "", err
		}
		if _, exists := r.codeToEntry[code]; !exists {
			return code, nil
		}
	}
}

// LookupCode implements lookupCode(code) -> entry|null. Lookup is
// case-insensitive; a hit refreshes lastSeenMs, per spec 4.2.
func (r *Registry) LookupCode(code string) (Entry, bool) {
	normalized := strings.ToUpper(code)

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.codeToEntry[normalized]
	if !ok {
		return Entry{}, false
	}
	entry.LastSeenMs = r.nowFn().UnixMilli()
	r.codeToEntry[normalized] = entry
	return entry, true
}

// Sweep deletes every entry whose lastSeenMs is older than CodeTTL, keeping
// the codeToEntry/peerToCode bijection consistent.
func (r *Registry) Sweep() int {
	cutoff := r.nowFn().Add(-CodeTTL).UnixMilli()

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for code, entry := range r.codeToEntry {
		if entry.LastSeenMs < cutoff {
			delete(r.codeToEntry, code)
			if r.peerToCode[entry.PeerID] == code {
				delete(r.peerToCode, entry.PeerID)
			}
			removed++
		}
	}
	return removed
}

// Size reports the number of live codes, for the relay's /health response.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.codeToEntry)
}

// RunSweeper starts the periodic sweep timer; it returns when ctx is done.
func (r *Registry) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := r.Sweep()
			if n > 0 {
				r.log.Debug("invite code sweep removed expired entries", zap.Int("removed", n))
			}
		}
	}
}

func randomCode() (string, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}

	chars := make([]byte, 8)
	for i, b := range buf {
		chars[i] = unambiguousAlphabet[int(b)%len(unambiguousAlphabet)]
	}
	return fmt.Sprintf("%s-%s", chars[:4], chars[4:]), nil
}
