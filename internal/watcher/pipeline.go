package watcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/regulata/regwatch/internal/store"
)

// Failure journal kinds.
const (
	FailureKindFetch      = "fetch"
	FailureKindExtraction = "extraction"
)

// VersionStore captures the store methods the pipeline needs. Satisfied by
// *store.Store; tests substitute an in-memory fake.
type VersionStore interface {
	Latest(ctx context.Context, identity string) (store.VersionEntry, bool, error)
	Append(ctx context.Context, req store.AppendRequest) (store.VersionEntry, error)
	RecordFailure(ctx context.Context, rec store.FailureRecord) error
}

// CycleResult summarises one source cycle.
type CycleResult struct {
	Fetched   int
	Stored    int
	Unchanged int
	Failed    int
}

// Pipeline runs fetch → normalize → diff → classify → store for one source,
// sequentially within a cycle. Every stage except the store is a pure
// function over its inputs; the store serializes appends per identity.
type Pipeline struct {
	fetcher    Fetcher
	normalizer *Normalizer
	diff       DiffEngine
	classifier Classifier
	store      VersionStore
	logger     *log.Logger
}

func NewPipeline(fetcher Fetcher, normalizer *Normalizer, classifier Classifier, st VersionStore, logger *log.Logger) *Pipeline {
	if logger == nil {
		logger = log.New(log.Writer(), "[PIPELINE] ", log.LstdFlags)
	}
	return &Pipeline{
		fetcher:    fetcher,
		normalizer: normalizer,
		classifier: classifier,
		store:      st,
		logger:     logger,
	}
}

// RunCycle executes one full cycle for src. Per-document failures are
// journaled and skipped; only a whole-listing failure or cancellation fails
// the cycle. Documents are processed in fetch order.
func (p *Pipeline) RunCycle(ctx context.Context, src Source) (CycleResult, error) {
	started := time.Now()
	var res CycleResult

	// Versions accepted earlier in this cycle, so a document scraped twice
	// is evaluated against the in-cycle result instead of forking history.
	accepted := make(map[string]store.VersionEntry)

	failures, err := p.fetcher.Fetch(ctx, src, func(ctx context.Context, payload RawPayload) error {
		res.Fetched++
		if perr := p.process(ctx, src, payload, accepted, &res); perr != nil {
			return perr
		}
		return ctx.Err()
	})

	for _, f := range failures {
		res.Failed++
		documentFailures.WithLabelValues(src.ID, FailureKindFetch).Inc()
		p.logger.Printf("source %s: document %s failed: %v", src.ID, f.Ref, f.Err)
		if jerr := p.store.RecordFailure(ctx, store.FailureRecord{
			SourceID:    src.ID,
			DocumentRef: f.Ref,
			Kind:        FailureKindFetch,
			Detail:      f.Err.Error(),
		}); jerr != nil {
			p.logger.Printf("warn: journal fetch failure for %s: %v", f.Ref, jerr)
		}
	}

	cycleDuration.WithLabelValues(src.ID).Observe(time.Since(started).Seconds())
	if err != nil {
		cyclesTotal.WithLabelValues(src.ID, "failed").Inc()
		return res, fmt.Errorf("cycle for source %s: %w", src.ID, err)
	}
	cyclesTotal.WithLabelValues(src.ID, "ok").Inc()
	return res, nil
}

// process runs one payload through normalize → diff → classify → store.
// Returns an error only when the cycle itself must stop (cancellation or a
// store outage); document-level problems are journaled and absorbed.
func (p *Pipeline) process(ctx context.Context, src Source, payload RawPayload, accepted map[string]store.VersionEntry, res *CycleResult) error {
	rec, err := p.normalizer.Normalize(src, payload)
	if err != nil {
		var exErr *ExtractionError
		if errors.As(err, &exErr) {
			res.Failed++
			documentFailures.WithLabelValues(src.ID, FailureKindExtraction).Inc()
			p.logger.Printf("source %s: %v", src.ID, err)
			if jerr := p.store.RecordFailure(ctx, store.FailureRecord{
				SourceID:    src.ID,
				DocumentRef: payload.Ref,
				Kind:        FailureKindExtraction,
				Detail:      exErr.Reason,
			}); jerr != nil {
				p.logger.Printf("warn: journal extraction failure for %s: %v", payload.Ref, jerr)
			}
			return nil
		}
		return err
	}

	decision, err := p.evaluate(ctx, rec, accepted)
	if err != nil {
		return err
	}
	decisionsTotal.WithLabelValues(src.ID, decision.Kind.String()).Inc()
	if decision.Kind == Unchanged {
		res.Unchanged++
		return nil
	}

	labels := p.classify(rec)

	// A concurrent writer may append between our read and our append; the
	// loser re-reads latest and re-evaluates, because the stored state may
	// have changed under it.
	for {
		entry, err := p.store.Append(ctx, store.AppendRequest{
			Identity:    rec.Identity,
			SourceID:    rec.SourceID,
			Title:       rec.Title,
			Body:        rec.Body,
			Fingerprint: rec.Fingerprint,
			RawRef:      rec.RawRef,
			PublishedAt: rec.PublishedAt,
			ObservedAt:  rec.ObservedAt,
			Labels:      labels,
			PrevSeq:     decision.PrevSeq,
			DiffSummary: decision.DiffSummary,
		})
		if errors.Is(err, store.ErrConflict) {
			decision, err = p.evaluate(ctx, rec, nil)
			if err != nil {
				return err
			}
			if decision.Kind == Unchanged {
				res.Unchanged++
				decisionsTotal.WithLabelValues(src.ID, decision.Kind.String()).Inc()
				return nil
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("append %s: %w", rec.Identity, err)
		}
		accepted[rec.Identity] = entry
		res.Stored++
		p.logger.Printf("source %s: stored %s seq=%d (%s)", src.ID, entry.Identity, entry.Seq, decision.Kind)
		return nil
	}
}

// evaluate diffs rec against the in-cycle result when one exists, otherwise
// against the store's latest version.
func (p *Pipeline) evaluate(ctx context.Context, rec DocumentRecord, accepted map[string]store.VersionEntry) (Decision, error) {
	if accepted != nil {
		if prev, ok := accepted[rec.Identity]; ok {
			return p.diff.Evaluate(rec, &prev), nil
		}
	}
	latest, found, err := p.store.Latest(ctx, rec.Identity)
	if err != nil {
		return Decision{}, fmt.Errorf("read latest %s: %w", rec.Identity, err)
	}
	if !found {
		return p.diff.Evaluate(rec, nil), nil
	}
	return p.diff.Evaluate(rec, &latest), nil
}

func (p *Pipeline) classify(rec DocumentRecord) []string {
	labels, err := p.classifier.Classify(rec)
	if err != nil || len(labels) == 0 {
		p.logger.Printf("warn: %v; using fallback labels for %s", &ClassificationError{Err: err}, rec.Identity)
		return FallbackLabels()
	}
	return labels
}
