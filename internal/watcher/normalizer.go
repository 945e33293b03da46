package watcher

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"log"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/araddon/dateparse"
	readability "github.com/go-shiori/go-readability"
	"github.com/microcosm-cc/bluemonday"
)

// DocumentRecord is the canonical representation of one regulatory document
// at a point in observation. Identity is derived from the source and the
// document code (or title slug), never from content, so content edits do not
// fork version histories.
type DocumentRecord struct {
	Identity    string
	SourceID    string
	Title       string
	Body        string
	Fingerprint string
	// PublishedAt is whatever the source declared. Untrusted: may be absent
	// or wrong, never used for change detection.
	PublishedAt *time.Time
	ObservedAt  time.Time
	RawRef      string
}

var (
	pageFurnitureRe = regexp.MustCompile(`(?i)^\s*(page|halaman|hal\.?)\s*\d+(\s*(of|dari|/)\s*\d+)?\s*$|^\s*-?\s*\d{1,4}\s*-?\s*$`)
	spacesRe        = regexp.MustCompile(`\s+`)
	slugStripRe     = regexp.MustCompile(`[^a-z0-9]+`)
)

// Normalizer converts raw payloads into canonical DocumentRecords.
// Normalization is deterministic: the same raw bytes always yield the same
// fingerprint.
type Normalizer struct {
	strip  *bluemonday.Policy
	logger *log.Logger
}

func NewNormalizer(logger *log.Logger) *Normalizer {
	if logger == nil {
		logger = log.New(log.Writer(), "[NORMALIZER] ", log.LstdFlags)
	}
	return &Normalizer{strip: bluemonday.StrictPolicy(), logger: logger}
}

// Normalize extracts title and body text from the payload, strips immaterial
// formatting (markup, whitespace runs, page headers/footers) before
// fingerprinting, and derives the document identity.
func (n *Normalizer) Normalize(src Source, p RawPayload) (DocumentRecord, error) {
	title, text := n.extract(p)
	body := normalizeText(text)
	if body == "" {
		return DocumentRecord{}, &ExtractionError{Ref: p.Ref, Reason: "no body text extracted"}
	}

	code := ""
	if src.CodeRe != nil {
		code = firstCaptured(src.CodeRe, title+"\n"+body)
	}
	slugBase := code
	if slugBase == "" {
		slugBase = title
	}
	if slugBase == "" {
		return DocumentRecord{}, &ExtractionError{Ref: p.Ref, Reason: "no document code or title to derive identity"}
	}

	observed := p.FetchedAt
	if observed.IsZero() {
		observed = time.Now().UTC()
	}

	return DocumentRecord{
		Identity:    src.ID + "/" + slugify(slugBase),
		SourceID:    src.ID,
		Title:       title,
		Body:        body,
		Fingerprint: Fingerprint(body),
		PublishedAt: declaredDate(p.Body),
		ObservedAt:  observed,
		RawRef:      p.Ref,
	}, nil
}

// extract pulls the title and main text out of an HTML payload, falling back
// to a strict tag strip when readability finds no article. Non-HTML payloads
// pass through as plain text.
func (n *Normalizer) extract(p RawPayload) (title, text string) {
	raw := string(p.Body)
	if !strings.Contains(raw, "<") {
		return "", raw
	}

	pageURL, _ := url.Parse(p.Ref)
	article, err := readability.FromReader(bytes.NewReader(p.Body), pageURL)
	if err == nil && strings.TrimSpace(article.TextContent) != "" {
		return strings.TrimSpace(article.Title), article.TextContent
	}

	// Boilerplate-heavy or minimal pages defeat readability; strip tags instead.
	stripped := n.strip.Sanitize(raw)
	if doc, derr := goquery.NewDocumentFromReader(bytes.NewReader(p.Body)); derr == nil {
		title = strings.TrimSpace(doc.Find("title").First().Text())
		if h1 := strings.TrimSpace(doc.Find("h1").First().Text()); h1 != "" {
			title = h1
		}
	}
	return title, stripped
}

// normalizeText collapses whitespace and drops page furniture so immaterial
// formatting differences do not register as content changes.
func normalizeText(s string) string {
	lines := strings.Split(s, "\n")
	counts := make(map[string]int, len(lines))
	cleaned := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(spacesRe.ReplaceAllString(line, " "))
		if line == "" || pageFurnitureRe.MatchString(line) {
			continue
		}
		counts[line]++
		cleaned = append(cleaned, line)
	}
	// A short line repeated across pages is a running header or footer.
	out := make([]string, 0, len(cleaned))
	for _, line := range cleaned {
		if len(line) < 80 && counts[line] >= 3 {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// Fingerprint computes the deterministic content hash used for change
// detection: sha256 over the lowercased, whitespace-collapsed body.
func Fingerprint(body string) string {
	norm := strings.ToLower(strings.Join(strings.Fields(body), " "))
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:])
}

// declaredDate best-effort parses the publication date the source declares
// in its markup. Failures yield nil; the date is advisory metadata only.
func declaredDate(payload []byte) *time.Time {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(payload))
	if err != nil {
		return nil
	}
	candidates := []string{
		doc.Find(`meta[property="article:published_time"]`).AttrOr("content", ""),
		doc.Find(`meta[name="date"]`).AttrOr("content", ""),
		doc.Find(`meta[itemprop="datePublished"]`).AttrOr("content", ""),
		doc.Find("time[datetime]").AttrOr("datetime", ""),
		strings.TrimSpace(doc.Find("time").First().Text()),
	}
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if t, err := dateparse.ParseAny(c); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func firstCaptured(re *regexp.Regexp, s string) string {
	m := re.FindStringSubmatch(s)
	if len(m) >= 2 {
		return strings.TrimSpace(m[1])
	}
	if len(m) == 1 {
		return strings.TrimSpace(m[0])
	}
	return ""
}

func slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = slugStripRe.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > 80 {
		s = strings.Trim(s[:80], "-")
	}
	return s
}
