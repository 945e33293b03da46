package watcher

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/hexops/gotextdiff/span"

	"github.com/regulata/regwatch/internal/store"
)

// DecisionKind classifies the outcome of evaluating a fetched record against
// the stored history of its identity.
type DecisionKind int

const (
	// FirstVersion: no prior version exists; accepted, no change event.
	FirstVersion DecisionKind = iota
	// Unchanged: fingerprint matches the latest version; discarded.
	Unchanged
	// Changed: fingerprint differs; classified, stored, change event emitted.
	Changed
)

func (k DecisionKind) String() string {
	switch k {
	case FirstVersion:
		return "first_version"
	case Unchanged:
		return "unchanged"
	case Changed:
		return "changed"
	default:
		return "unknown"
	}
}

// Decision is the Diff Engine's verdict for one DocumentRecord.
type Decision struct {
	Kind DecisionKind
	// PrevSeq is the sequence number the record was evaluated against;
	// 0 for FirstVersion. Passed to the store so a concurrent append is
	// detected as a conflict.
	PrevSeq int
	// DiffSummary is a human-readable sketch of the transition, set only
	// for Changed decisions.
	DiffSummary string
}

// DiffEngine decides whether a fetched record is new content. Comparison is
// exact fingerprint match only; no fuzzy similarity, so the detector stays
// deterministic and auditable.
type DiffEngine struct{}

// Evaluate compares a normalized record against the latest stored version of
// the same identity (nil when none exists).
func (DiffEngine) Evaluate(rec DocumentRecord, latest *store.VersionEntry) Decision {
	if latest == nil {
		return Decision{Kind: FirstVersion}
	}
	if latest.Fingerprint == rec.Fingerprint {
		return Decision{Kind: Unchanged, PrevSeq: latest.Seq}
	}
	return Decision{
		Kind:        Changed,
		PrevSeq:     latest.Seq,
		DiffSummary: summarizeDiff(latest.Body, rec.Body),
	}
}

const maxExcerptLen = 160

// summarizeDiff renders a compact line-level summary of the body transition:
// added/removed line counts plus the first changed line as an excerpt.
func summarizeDiff(before, after string) string {
	if !strings.HasSuffix(before, "\n") {
		before += "\n"
	}
	if !strings.HasSuffix(after, "\n") {
		after += "\n"
	}
	edits := myers.ComputeEdits(span.URIFromPath("body"), before, after)
	unified := fmt.Sprint(gotextdiff.ToUnified("prev", "curr", before, edits))

	var added, removed int
	var excerpt string
	for _, line := range strings.Split(unified, "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
		case strings.HasPrefix(line, "+"):
			added++
			if excerpt == "" {
				excerpt = strings.TrimSpace(line[1:])
			}
		case strings.HasPrefix(line, "-"):
			removed++
			if excerpt == "" {
				excerpt = strings.TrimSpace(line[1:])
			}
		}
	}
	if len(excerpt) > maxExcerptLen {
		// Back up to a rune boundary so the cut never leaves invalid UTF-8.
		cut := maxExcerptLen
		for cut > 0 && !utf8.RuneStart(excerpt[cut]) {
			cut--
		}
		excerpt = excerpt[:cut] + "…"
	}
	if excerpt == "" {
		return fmt.Sprintf("+%d/-%d lines", added, removed)
	}
	return fmt.Sprintf("+%d/-%d lines; %s", added, removed, excerpt)
}
