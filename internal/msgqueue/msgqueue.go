// Package msgqueue implements the relay's store-and-forward message queue:
// a per-recipient bounded FIFO with TTL-based expiry and drain-on-poll
// semantics.
package msgqueue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MaxPerPeer bounds each recipient's queue; the oldest message is evicted
// on overflow.
const MaxPerPeer = 200

// TTL is how long a message survives independent of poll activity.
const TTL = 5 * time.Minute

// SweepInterval is how often the background TTL sweep runs.
const SweepInterval = 60 * time.Second

// Message mirrors QueuedMessage.
type Message struct {
	From      string
	ChannelID string
	Data      string
	TsMs      int64
}

// Queue holds one ordered, bounded sequence of messages per recipient.
type Queue struct {
	mu    sync.Mutex
	byRecipient map[string][]Message
	nowFn func() time.Time
	log   *zap.Logger
}

// New constructs an empty queue.
func New(log *zap.Logger) *Queue {
	return &Queue{
		byRecipient: make(map[string][]Message),
		nowFn:       time.Now,
		log:         log,
	}
}

// Enqueue appends a message to the recipient's sequence, dropping from the
// front once the sequence exceeds MaxPerPeer.
func (q *Queue) Enqueue(to, from, channelID, data string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	msgs := append(q.byRecipient[to], Message{
		From:      from,
		ChannelID: channelID,
		Data:      data,
		TsMs:      q.nowFn().UnixMilli(),
	})
	if len(msgs) > MaxPerPeer {
		msgs = msgs[len(msgs)-MaxPerPeer:]
	}
	q.byRecipient[to] = msgs
}

// Drain returns every message newer than since and younger than TTL, then
// clears the recipient's sequence (destructive read).
func (q *Queue) Drain(peerID string, since int64) []Message {
	now := q.nowFn().UnixMilli()

	q.mu.Lock()
	defer q.mu.Unlock()

	msgs := q.byRecipient[peerID]
	if len(msgs) == 0 {
		return nil
	}
	delete(q.byRecipient, peerID)

	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.TsMs > since && now-m.TsMs < TTL.Milliseconds() {
			out = append(out, m)
		}
	}
	return out
}

// Sweep removes messages older than TTL from every recipient and drops
// recipients whose sequence becomes empty. Returns the number of messages
// removed.
func (q *Queue) Sweep() int {
	now := q.nowFn().UnixMilli()

	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for peerID, msgs := range q.byRecipient {
		kept := msgs[:0:0]
		for _, m := range msgs {
			if now-m.TsMs < TTL.Milliseconds() {
				kept = append(kept, m)
			} else {
				removed++
			}
		}
		if len(kept) == 0 {
			delete(q.byRecipient, peerID)
		} else {
			q.byRecipient[peerID] = kept
		}
	}
	return removed
}

// RunSweeper starts the periodic TTL sweep; it returns when ctx is done.
func (q *Queue) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := q.Sweep(); n > 0 {
				q.log.Debug("message queue sweep removed expired messages", zap.Int("removed", n))
			}
		}
	}
}
