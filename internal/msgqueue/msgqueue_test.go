package msgqueue

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestEnqueueThenDrainReturnsExactMessage(t *testing.T) {
	q := New(zap.NewNop())
	q.Enqueue("peerB", "peerA", "general", "hi")

	msgs := q.Drain("peerB", 0)
	if len(msgs) != 1 {
		t.Fatalf("len(msgs) = %d, want 1", len(msgs))
	}
	if msgs[0].From != "peerA" || msgs[0].ChannelID != "general" || msgs[0].Data != "hi" {
		t.Fatalf("unexpected message: %+v", msgs[0])
	}
}

func TestDrainIsDestructive(t *testing.T) {
	q := New(zap.NewNop())
	q.Enqueue("peerB", "peerA", "general", "hi")

	first := q.Drain("peerB", 0)
	if len(first) != 1 {
		t.Fatalf("first drain len = %d, want 1", len(first))
	}

	second := q.Drain("peerB", 0)
	if len(second) != 0 {
		t.Fatalf("second drain len = %d, want 0", len(second))
	}
}

func TestTTLExpiryExcludesOldMessages(t *testing.T) {
	q := New(zap.NewNop())
	fakeNow := time.Now()
	q.nowFn = func() time.Time { return fakeNow }

	q.Enqueue("peerB", "peerA", "general", "hi")

	fakeNow = fakeNow.Add(TTL + time.Second)
	msgs := q.Drain("peerB", 0)
	if len(msgs) != 0 {
		t.Fatalf("len(msgs) = %d, want 0 after TTL expiry", len(msgs))
	}
}

func TestOverflowKeepsOnlyMostRecentMaxPerPeer(t *testing.T) {
	q := New(zap.NewNop())
	fakeNow := time.Now()
	q.nowFn = func() time.Time { return fakeNow }

	for i := 0; i < 205; i++ {
		q.Enqueue("peerB", "peerA", "general", itoa(i+1))
		fakeNow = fakeNow.Add(time.Millisecond)
	}

	msgs := q.Drain("peerB", 0)
	if len(msgs) != MaxPerPeer {
		t.Fatalf("len(msgs) = %d, want %d", len(msgs), MaxPerPeer)
	}
	if msgs[0].Data != "6" {
		t.Fatalf("first surviving message = %q, want %q", msgs[0].Data, "6")
	}
	if msgs[len(msgs)-1].Data != "205" {
		t.Fatalf("last surviving message = %q, want %q", msgs[len(msgs)-1].Data, "205")
	}
}

func TestSweepDropsExpiredAndEmptiesRecipient(t *testing.T) {
	q := New(zap.NewNop())
	fakeNow := time.Now()
	q.nowFn = func() time.Time { return fakeNow }

	q.Enqueue("peerB", "peerA", "general", "hi")
	fakeNow = fakeNow.Add(TTL + time.Second)

	removed := q.Sweep()
	if removed != 1 {
		t.Fatalf("Sweep removed = %d, want 1", removed)
	}
	if _, ok := q.byRecipient["peerB"]; ok {
		t.Fatalf("expected empty recipient entry to be removed entirely")
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
