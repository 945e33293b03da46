package notifier

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/regulata/regwatch/internal/store"
)

// Consumer applies one ChangeEvent. Delivery is at-least-once: the same
// event may arrive again after a failed sweep, so processing must be
// idempotent keyed by identity + new sequence number.
type Consumer interface {
	Name() string
	ApplyChange(ctx context.Context, ev store.ChangeEvent) error
}

// NotifyError reports a consumer that failed to acknowledge an event. The
// event stays pending and is redelivered on the next sweep.
type NotifyError struct {
	Consumer string
	Err      error
}

func (e *NotifyError) Error() string {
	return fmt.Sprintf("notify %s: %v", e.Consumer, e.Err)
}

func (e *NotifyError) Unwrap() error { return e.Err }

// OutboxAPI captures the store methods the notifier needs. Satisfied by
// *store.Store; tests substitute a fake.
type OutboxAPI interface {
	PendingChanges(ctx context.Context, limit int) ([]store.ChangeEvent, error)
	MarkChangeDelivered(ctx context.Context, id string) error
	MarkChangeAttempt(ctx context.Context, id string, deliveryErr string) error
}

// Notifier sweeps the change outbox and delivers pending events to every
// registered consumer, independently of the fetch cycles that produced
// them. An event is marked delivered only when all consumers acked it;
// otherwise it stays pending and the whole set is redelivered.
type Notifier struct {
	store     OutboxAPI
	consumers []Consumer
	interval  time.Duration
	batch     int
	logger    *log.Logger
}

func New(st OutboxAPI, interval time.Duration, batch int, logger *log.Logger) *Notifier {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batch <= 0 {
		batch = 64
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[NOTIFIER] ", log.LstdFlags)
	}
	return &Notifier{store: st, interval: interval, batch: batch, logger: logger}
}

// Register adds a consumer. Not safe to call after Run has started.
func (n *Notifier) Register(c Consumer) {
	n.consumers = append(n.consumers, c)
}

// Run blocks, sweeping pending events until ctx is cancelled. The first
// sweep happens immediately so events left pending by a previous process
// are redelivered right after restart.
func (n *Notifier) Run(ctx context.Context) error {
	n.logger.Printf("notifier starting; %d consumer(s), sweep every %s", len(n.consumers), n.interval)
	if _, err := n.Sweep(ctx); err != nil {
		n.logger.Printf("warn: initial sweep: %v", err)
	}

	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			n.logger.Printf("notifier stopping: %v", ctx.Err())
			return nil
		case <-ticker.C:
			if _, err := n.Sweep(ctx); err != nil {
				n.logger.Printf("warn: sweep: %v", err)
			}
		}
	}
}

// Sweep delivers one batch of pending events in emission order. Returns how
// many events were fully delivered. A failed event is recorded and left
// pending; it never blocks later events, and it is never dropped.
func (n *Notifier) Sweep(ctx context.Context) (int, error) {
	events, err := n.store.PendingChanges(ctx, n.batch)
	if err != nil {
		return 0, fmt.Errorf("list pending changes: %w", err)
	}

	delivered := 0
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		if err := n.deliver(ctx, ev); err != nil {
			n.logger.Printf("event %s (%s %d->%d) stays pending: %v", ev.ID, ev.Identity, ev.OldSeq, ev.NewSeq, err)
			if merr := n.store.MarkChangeAttempt(ctx, ev.ID, err.Error()); merr != nil {
				n.logger.Printf("warn: mark attempt for %s: %v", ev.ID, merr)
			}
			continue
		}
		if err := n.store.MarkChangeDelivered(ctx, ev.ID); err != nil {
			// The consumers acked but the mark failed; the event will be
			// redelivered, which idempotent consumers absorb.
			n.logger.Printf("warn: mark delivered for %s: %v", ev.ID, err)
			continue
		}
		delivered++
	}
	return delivered, nil
}

func (n *Notifier) deliver(ctx context.Context, ev store.ChangeEvent) error {
	for _, c := range n.consumers {
		if err := c.ApplyChange(ctx, ev); err != nil {
			return &NotifyError{Consumer: c.Name(), Err: err}
		}
	}
	return nil
}
