package notifier

import (
	"context"
	"encoding/json"
	"time"

	"github.com/regulata/regwatch/internal/store"
	"github.com/regulata/regwatch/internal/streams"
)

// EventTypeRegulationChanged is the envelope event type mirrored onto redis.
const EventTypeRegulationChanged = "regulation.changed"

// ChangePayload is the JSON payload published for each delivered change.
type ChangePayload struct {
	Identity    string    `json:"identity"`
	OldSeq      int       `json:"old_seq"`
	NewSeq      int       `json:"new_seq"`
	DiffSummary string    `json:"diff_summary"`
	Labels      []string  `json:"labels"`
	EmittedAt   time.Time `json:"emitted_at"`
}

// streamPublisher is the slice of streams.Publisher the consumer needs.
type streamPublisher interface {
	Publish(ctx context.Context, stream string, envelope streams.Envelope, opts ...streams.PublishOption) (string, error)
}

// StreamConsumer mirrors change events onto a redis stream so external
// loaders can subscribe with consumer groups. XADD with the outbox event id
// as the envelope id keeps redelivery idempotent for downstream readers that
// deduplicate on event_id.
type StreamConsumer struct {
	pub    streamPublisher
	stream string
	opts   []streams.PublishOption
}

// NewStreamConsumer builds the redis mirror. maxLen > 0 caps the stream at an
// approximate length so a slow external reader cannot grow redis unbounded.
func NewStreamConsumer(pub streamPublisher, stream string, maxLen int64) *StreamConsumer {
	sc := &StreamConsumer{pub: pub, stream: stream}
	if maxLen > 0 {
		sc.opts = append(sc.opts, streams.WithMaxLenApprox(maxLen))
	}
	return sc
}

func (s *StreamConsumer) Name() string { return "redis-stream" }

func (s *StreamConsumer) ApplyChange(ctx context.Context, ev store.ChangeEvent) error {
	env := streams.Envelope{
		EventID:        ev.ID,
		EventType:      EventTypeRegulationChanged,
		PayloadVersion: "v1",
		OccurredAt:     ev.EmittedAt,
	}
	payload := ChangePayload{
		Identity:    ev.Identity,
		OldSeq:      ev.OldSeq,
		NewSeq:      ev.NewSeq,
		DiffSummary: ev.DiffSummary,
		Labels:      ev.Labels,
		EmittedAt:   ev.EmittedAt,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	env.Data = data
	_, err = s.pub.Publish(ctx, s.stream, env, s.opts...)
	return err
}
