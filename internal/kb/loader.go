package kb

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve"

	"github.com/regulata/regwatch/internal/store"
)

// VersionReader captures the store reads the loader needs.
type VersionReader interface {
	GetVersion(ctx context.Context, identity string, seq int) (store.VersionEntry, bool, error)
	LatestVersions(ctx context.Context, limit int) ([]store.VersionEntry, error)
}

// Document is what gets indexed per identity: always the newest accepted
// version, BM25-searchable by the assistant's retrieval layer.
type Document struct {
	Identity   string    `json:"identity"`
	Title      string    `json:"title"`
	Body       string    `json:"body"`
	Category   string    `json:"category"`
	Impact     string    `json:"impact"`
	SourceID   string    `json:"source_id"`
	Seq        int       `json:"seq"`
	ObservedAt time.Time `json:"observed_at"`
}

// Hit is one search result.
type Hit struct {
	Identity string  `json:"identity"`
	Title    string  `json:"title"`
	Category string  `json:"category"`
	Seq      int     `json:"seq"`
	Score    float64 `json:"score"`
}

// Loader is the reference change consumer: it keeps a bleve index holding
// the latest version of every document. ApplyChange is idempotent: an
// identity is indexed at most once per sequence number, and re-indexing the
// same version overwrites with identical content.
type Loader struct {
	index  bleve.Index
	store  VersionReader
	logger *log.Logger

	mu      sync.Mutex
	seqSeen map[string]int
}

// NewLoader opens (or creates) the index at path; empty path means an
// in-memory index.
func NewLoader(path string, st VersionReader, logger *log.Logger) (*Loader, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[KB] ", log.LstdFlags)
	}
	var index bleve.Index
	var err error
	if path == "" {
		index, err = bleve.NewMemOnly(bleve.NewIndexMapping())
	} else if _, serr := os.Stat(path); serr == nil {
		index, err = bleve.Open(path)
	} else {
		index, err = bleve.New(path, bleve.NewIndexMapping())
	}
	if err != nil {
		return nil, fmt.Errorf("open knowledge index: %w", err)
	}
	return &Loader{index: index, store: st, logger: logger, seqSeen: make(map[string]int)}, nil
}

func (l *Loader) Name() string { return "knowledge-base" }

// Bootstrap indexes the newest stored version of every identity. Change
// events only cover transitions, so first versions reach the index here and
// restarts rebuild the in-memory variant.
func (l *Loader) Bootstrap(ctx context.Context) error {
	entries, err := l.store.LatestVersions(ctx, 0)
	if err != nil {
		return fmt.Errorf("load latest versions: %w", err)
	}
	for _, v := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.IndexVersion(v); err != nil {
			return err
		}
	}
	l.logger.Printf("bootstrapped %d documents", len(entries))
	return nil
}

// ApplyChange indexes the version a change event points at. Safe under
// at-least-once delivery: stale or duplicate events are skipped.
func (l *Loader) ApplyChange(ctx context.Context, ev store.ChangeEvent) error {
	l.mu.Lock()
	seen := l.seqSeen[ev.Identity]
	l.mu.Unlock()
	if seen >= ev.NewSeq {
		return nil
	}

	v, ok, err := l.store.GetVersion(ctx, ev.Identity, ev.NewSeq)
	if err != nil {
		return fmt.Errorf("read version %s seq=%d: %w", ev.Identity, ev.NewSeq, err)
	}
	if !ok {
		return fmt.Errorf("version %s seq=%d not found", ev.Identity, ev.NewSeq)
	}
	return l.IndexVersion(v)
}

// IndexVersion (re)indexes one stored version under its identity, replacing
// any older version of the same document.
func (l *Loader) IndexVersion(v store.VersionEntry) error {
	doc := Document{
		Identity:   v.Identity,
		Title:      v.Title,
		Body:       v.Body,
		Category:   labelValue(v.Labels, "category:"),
		Impact:     labelValue(v.Labels, "impact:"),
		SourceID:   v.SourceID,
		Seq:        v.Seq,
		ObservedAt: v.ObservedAt,
	}
	if err := l.index.Index(v.Identity, doc); err != nil {
		return fmt.Errorf("index %s: %w", v.Identity, err)
	}
	l.mu.Lock()
	if l.seqSeen[v.Identity] < v.Seq {
		l.seqSeen[v.Identity] = v.Seq
	}
	l.mu.Unlock()
	return nil
}

// Search runs a BM25 query over the index, optionally filtered by category.
func (l *Loader) Search(_ context.Context, query, category string, k int) ([]Hit, error) {
	if k <= 0 {
		k = 10
	}
	q := bleve.NewQueryStringQuery(query)
	var searchQuery = bleve.NewConjunctionQuery(q)
	if category != "" {
		cq := bleve.NewMatchQuery(category)
		cq.SetField("category")
		searchQuery.AddQuery(cq)
	}
	req := bleve.NewSearchRequestOptions(searchQuery, k, 0, false)
	req.Fields = []string{"identity", "title", "category", "seq"}

	result, err := l.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	hits := make([]Hit, 0, len(result.Hits))
	for _, h := range result.Hits {
		hit := Hit{Identity: h.ID, Score: h.Score}
		if v, ok := h.Fields["title"].(string); ok {
			hit.Title = v
		}
		if v, ok := h.Fields["category"].(string); ok {
			hit.Category = v
		}
		if v, ok := h.Fields["seq"].(float64); ok {
			hit.Seq = int(v)
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// Close releases the underlying index.
func (l *Loader) Close() error { return l.index.Close() }

func labelValue(labels []string, prefix string) string {
	for _, l := range labels {
		if strings.HasPrefix(l, prefix) {
			return strings.TrimPrefix(l, prefix)
		}
	}
	return ""
}
