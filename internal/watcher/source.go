package watcher

import (
	"fmt"
	"regexp"
	"time"

	"github.com/gorhill/cronexpr"

	"github.com/regulata/regwatch/config"
)

// SourceKind selects the fetch strategy for a source.
type SourceKind string

const (
	// KindListing fetches a listing page and expands it into document fetches.
	KindListing SourceKind = "listing"
	// KindDocument fetches a single document page directly.
	KindDocument SourceKind = "document"
)

// FetchMode selects how pages are retrieved.
type FetchMode string

const (
	FetchHTTP   FetchMode = "http"
	FetchRender FetchMode = "render"
)

// Source is one configured regulation feed. Built from configuration at
// startup and immutable during a run.
type Source struct {
	ID           string
	Name         string
	URL          string
	Kind         SourceKind
	Fetch        FetchMode
	ItemSelector string
	CodeRe       *regexp.Regexp
	PollInterval time.Duration
	Cron         *cronexpr.Expression
	MaxRetries   int
	BackoffCap   time.Duration
	MaxDocuments int
}

// BuildSource compiles one source definition.
func BuildSource(c config.SourceConfig) (Source, error) {
	src := Source{
		ID:           c.ID,
		Name:         c.Name,
		URL:          c.URL,
		Kind:         SourceKind(c.Kind),
		Fetch:        FetchMode(c.Fetch),
		ItemSelector: c.ItemSelector,
		PollInterval: c.PollInterval,
		MaxRetries:   c.MaxRetries,
		BackoffCap:   c.BackoffCap,
		MaxDocuments: c.MaxDocuments,
	}
	if src.Kind == "" {
		src.Kind = KindListing
	}
	if src.Fetch == "" {
		src.Fetch = FetchHTTP
	}
	if src.MaxRetries <= 0 {
		src.MaxRetries = 2
	}
	if src.BackoffCap <= 0 {
		src.BackoffCap = 30 * time.Minute
	}
	if src.MaxDocuments <= 0 {
		src.MaxDocuments = 50
	}
	if c.CodePattern != "" {
		re, err := regexp.Compile(c.CodePattern)
		if err != nil {
			return Source{}, fmt.Errorf("source %s: code_pattern: %w", c.ID, err)
		}
		src.CodeRe = re
	}
	if c.ScheduleCron != "" {
		expr, err := cronexpr.Parse(c.ScheduleCron)
		if err != nil {
			return Source{}, fmt.Errorf("source %s: schedule_cron: %w", c.ID, err)
		}
		src.Cron = expr
	}
	return src, nil
}

// Registry holds the immutable set of configured sources.
type Registry struct {
	sources []Source
	byID    map[string]Source
}

func NewRegistry(cfgs []config.SourceConfig) (*Registry, error) {
	reg := &Registry{byID: make(map[string]Source, len(cfgs))}
	for _, c := range cfgs {
		src, err := BuildSource(c)
		if err != nil {
			return nil, err
		}
		if _, dup := reg.byID[src.ID]; dup {
			return nil, fmt.Errorf("duplicate source id %q", src.ID)
		}
		reg.sources = append(reg.sources, src)
		reg.byID[src.ID] = src
	}
	return reg, nil
}

// ListSources returns every configured source in configuration order.
func (r *Registry) ListSources() []Source {
	out := make([]Source, len(r.sources))
	copy(out, r.sources)
	return out
}

// Get returns the source with the given id.
func (r *Registry) Get(id string) (Source, bool) {
	src, ok := r.byID[id]
	return src, ok
}
