package notifier

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/regulata/regwatch/internal/store"
	"github.com/regulata/regwatch/internal/streams"
)

type capturingPublisher struct {
	stream string
	env    streams.Envelope
	opts   []streams.PublishOption
	calls  int
}

func (c *capturingPublisher) Publish(_ context.Context, stream string, env streams.Envelope, opts ...streams.PublishOption) (string, error) {
	c.calls++
	c.stream = stream
	c.env = env
	c.opts = opts
	return "1-0", nil
}

func TestStreamConsumerMirrorsChange(t *testing.T) {
	t.Parallel()
	pub := &capturingPublisher{}
	sc := NewStreamConsumer(pub, "regwatch.changes", 0)

	emitted := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	ev := store.ChangeEvent{
		ID:          "ev-42",
		Identity:    "pupr-standards/sni-2847",
		OldSeq:      1,
		NewSeq:      2,
		DiffSummary: "+1/-1 lines; tarif",
		Labels:      []string{"category:construction", "impact:substantive"},
		EmittedAt:   emitted,
	}
	if err := sc.ApplyChange(context.Background(), ev); err != nil {
		t.Fatalf("ApplyChange: %v", err)
	}
	if pub.calls != 1 || pub.stream != "regwatch.changes" {
		t.Fatalf("unexpected publish: calls=%d stream=%q", pub.calls, pub.stream)
	}
	// The outbox event id must survive as the envelope id so downstream
	// readers can deduplicate redeliveries.
	if pub.env.EventID != "ev-42" || pub.env.EventType != EventTypeRegulationChanged {
		t.Fatalf("unexpected envelope: %+v", pub.env)
	}
	if !pub.env.OccurredAt.Equal(emitted) {
		t.Fatalf("occurred_at = %v, want %v", pub.env.OccurredAt, emitted)
	}
	var payload ChangePayload
	if err := json.Unmarshal(pub.env.Data, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Identity != ev.Identity || payload.NewSeq != 2 || len(payload.Labels) != 2 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if len(pub.opts) != 0 {
		t.Fatalf("uncapped consumer must pass no publish options, got %d", len(pub.opts))
	}
}

func TestStreamConsumerCapsStreamLength(t *testing.T) {
	t.Parallel()
	pub := &capturingPublisher{}
	sc := NewStreamConsumer(pub, "regwatch.changes", 10000)

	ev := store.ChangeEvent{ID: "ev-1", Identity: "djp-tax/per-01-pj-2026", OldSeq: 1, NewSeq: 2, EmittedAt: time.Now().UTC()}
	if err := sc.ApplyChange(context.Background(), ev); err != nil {
		t.Fatalf("ApplyChange: %v", err)
	}
	if len(pub.opts) != 1 {
		t.Fatalf("expected one publish option, got %d", len(pub.opts))
	}
	args := &redis.XAddArgs{}
	pub.opts[0](args)
	if args.MaxLen != 10000 || !args.Approx {
		t.Fatalf("max len not applied to XADD args: %+v", args)
	}
}
