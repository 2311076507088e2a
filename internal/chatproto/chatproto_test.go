package chatproto

import (
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/tjw2665/Concord/internal/events"
	"github.com/tjw2665/Concord/internal/peermetrics"
)

type capturingSink struct {
	kind   string
	fields map[string]any
}

func (c *capturingSink) Emit(kind string, fields map[string]any) {
	c.kind = kind
	c.fields = fields
}

func TestProcessLineEmitsMessageOnValidEnvelope(t *testing.T) {
	sink := &capturingSink{}
	h := New(zap.NewNop(), sink, peermetrics.New(nil))

	h.processLine(`{"channelId":"general","data":"hello"}`, "QmRemote")

	if sink.kind != events.KindMessage {
		t.Fatalf("expected message event, got %q", sink.kind)
	}
	if sink.fields["channelId"] != "general" || sink.fields["data"] != "hello" || sink.fields["from"] != "QmRemote" {
		t.Fatalf("unexpected fields: %+v", sink.fields)
	}
}

func TestProcessLineIgnoresMalformedJSON(t *testing.T) {
	sink := &capturingSink{}
	h := New(zap.NewNop(), sink, peermetrics.New(nil))

	h.processLine(`not json`, "QmRemote")

	if sink.kind != "" {
		t.Fatalf("expected no event emitted, got %q", sink.kind)
	}
}

func TestIsExpectedTerminationSuppressesResetAndAbort(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{errors.New("stream reset"), true},
		{errors.New("operation aborted"), true},
		{errors.New("connection refused"), false},
	}
	for _, c := range cases {
		if got := isExpectedTermination(c.err); got != c.want {
			t.Errorf("isExpectedTermination(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}
