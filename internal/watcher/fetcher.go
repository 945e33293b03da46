package watcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// RawPayload is one raw document retrieved from a source during a cycle.
type RawPayload struct {
	SourceID  string
	Ref       string
	Body      []byte
	FetchedAt time.Time
}

// FetchFailure records one unreachable or unusable document in an otherwise
// successful cycle.
type FetchFailure struct {
	Ref string
	Err error
}

// Fetcher retrieves the raw documents for one source cycle. The handle
// callback receives payloads one at a time, in fetch order; returning an
// error aborts the remainder of the cycle. Per-document failures are
// collected and do not fail the cycle.
type Fetcher interface {
	Fetch(ctx context.Context, src Source, handle func(context.Context, RawPayload) error) ([]FetchFailure, error)
}

// RenderFunc retrieves a page through a headless browser for JS-built sites.
type RenderFunc func(ctx context.Context, url string) ([]byte, error)

// HTTPFetcher fetches listing and document pages over plain HTTP with
// bounded per-call timeouts and retry with exponential backoff and jitter.
type HTTPFetcher struct {
	client    *http.Client
	timeout   time.Duration
	userAgent string
	backoff   time.Duration
	render    RenderFunc
	logger    *log.Logger
}

func NewHTTPFetcher(timeout time.Duration, userAgent string, logger *log.Logger) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[FETCHER] ", log.LstdFlags)
	}
	return &HTTPFetcher{
		// The per-call deadline comes from the request context so cancellation
		// is honored mid-transfer; the client itself carries no timeout.
		client:    &http.Client{},
		timeout:   timeout,
		userAgent: userAgent,
		backoff:   500 * time.Millisecond,
		logger:    logger,
	}
}

// WithRenderer enables the headless-browser fetch mode for sources
// configured with fetch=render.
func (f *HTTPFetcher) WithRenderer(render RenderFunc) *HTTPFetcher {
	f.render = render
	return f
}

func (f *HTTPFetcher) Fetch(ctx context.Context, src Source, handle func(context.Context, RawPayload) error) ([]FetchFailure, error) {
	if src.Kind == KindDocument {
		body, err := f.get(ctx, src, src.URL)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// Returned both ways: the failure is journaled and the cycle fails.
			return []FetchFailure{{Ref: src.URL, Err: err}}, err
		}
		return nil, handle(ctx, RawPayload{SourceID: src.ID, Ref: src.URL, Body: body, FetchedAt: time.Now().UTC()})
	}

	listing, err := f.get(ctx, src, src.URL)
	if err != nil {
		return nil, err
	}
	refs, err := extractListingLinks(listing, src.URL, src.ItemSelector)
	if err != nil {
		return nil, &FetchError{Ref: src.URL, Transient: false, Err: err}
	}
	if len(refs) == 0 {
		return nil, &FetchError{Ref: src.URL, Transient: false, Err: fmt.Errorf("listing yielded no document links for selector %q", src.ItemSelector)}
	}
	if len(refs) > src.MaxDocuments {
		refs = refs[:src.MaxDocuments]
	}

	var failures []FetchFailure
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return failures, err
		}
		body, err := f.get(ctx, src, ref)
		if err != nil {
			// One unreachable document must not fail the rest of the listing.
			failures = append(failures, FetchFailure{Ref: ref, Err: err})
			continue
		}
		if err := handle(ctx, RawPayload{SourceID: src.ID, Ref: ref, Body: body, FetchedAt: time.Now().UTC()}); err != nil {
			return failures, err
		}
	}
	return failures, nil
}

// get retrieves one URL, retrying transient failures up to src.MaxRetries
// times with exponential backoff and jitter.
func (f *HTTPFetcher) get(ctx context.Context, src Source, ref string) ([]byte, error) {
	var lastErr error
	tries := src.MaxRetries + 1
	for attempt := 0; attempt < tries; attempt++ {
		body, err := f.getOnce(ctx, src, ref)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if fe, ok := err.(*FetchError); ok && !fe.Transient {
			return nil, err
		}
		if attempt < tries-1 {
			delay := f.backoff * time.Duration(1<<attempt)
			if src.BackoffCap > 0 && delay > src.BackoffCap {
				delay = src.BackoffCap
			}
			delay += time.Duration(rand.Int63n(int64(delay)/4 + 1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, lastErr
}

func (f *HTTPFetcher) getOnce(ctx context.Context, src Source, ref string) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	if src.Fetch == FetchRender {
		if f.render == nil {
			return nil, &FetchError{Ref: ref, Transient: false, Err: fmt.Errorf("source requires render fetch but no renderer configured")}
		}
		body, err := f.render(callCtx, ref)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &FetchError{Ref: ref, Transient: true, Err: err}
		}
		return body, nil
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, &FetchError{Ref: ref, Transient: false, Err: err}
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Timeouts, connection resets and DNS hiccups all land here.
		return nil, &FetchError{Ref: ref, Transient: true, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, &FetchError{Ref: ref, Transient: true, Err: err}
		}
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &FetchError{Ref: ref, Transient: true, Err: fmt.Errorf("status %s", resp.Status)}
	default:
		return nil, &FetchError{Ref: ref, Transient: false, Err: fmt.Errorf("status %s", resp.Status)}
	}
}

// extractListingLinks resolves the document links matched by the source's
// CSS selector against the listing URL, deduplicated in page order.
func extractListingLinks(listing []byte, listingURL, selector string) ([]string, error) {
	base, err := url.Parse(listingURL)
	if err != nil {
		return nil, fmt.Errorf("parse listing url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(listing))
	if err != nil {
		return nil, fmt.Errorf("parse listing html: %w", err)
	}

	var refs []string
	seen := make(map[string]struct{})
	doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok {
			href, ok = sel.Find("a").First().Attr("href")
		}
		href = strings.TrimSpace(href)
		if !ok || href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
			return
		}
		u, err := url.Parse(href)
		if err != nil {
			return
		}
		abs := base.ResolveReference(u)
		abs.Fragment = ""
		ref := abs.String()
		if _, dup := seen[ref]; dup {
			return
		}
		seen[ref] = struct{}{}
		refs = append(refs, ref)
	})
	return refs, nil
}
