package watcher

import "fmt"

// FetchError reports a failed retrieval for one document or listing.
// Transient failures (timeouts, 5xx, connection resets) are retried with
// backoff before surfacing; permanent ones (4xx, malformed listing) are not.
type FetchError struct {
	Ref       string
	Transient bool
	Err       error
}

func (e *FetchError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("fetch %s: %s failure: %v", e.Ref, kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ExtractionError reports a payload that could not be normalized into the
// minimum required fields (identity, body). Retrying an unparsable payload
// rarely helps, so the document is skipped for the cycle and journaled.
type ExtractionError struct {
	Ref    string
	Reason string
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s: %s", e.Ref, e.Reason)
}

// ClassificationError is advisory; the pipeline degrades to the unknown
// impact label and stores the version anyway.
type ClassificationError struct {
	Err error
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("classify: %v", e.Err)
}

func (e *ClassificationError) Unwrap() error { return e.Err }
