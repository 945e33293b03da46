package kb

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/regulata/regwatch/internal/store"
)

// memVersions is an in-memory VersionReader.
type memVersions struct {
	versions map[string][]store.VersionEntry
	reads    int
}

func newMemVersions() *memVersions {
	return &memVersions{versions: make(map[string][]store.VersionEntry)}
}

func (m *memVersions) put(identity, title, body string, labels []string) store.VersionEntry {
	v := store.VersionEntry{
		Identity:   identity,
		Seq:        len(m.versions[identity]) + 1,
		Title:      title,
		Body:       body,
		Labels:     labels,
		SourceID:   "src",
		ObservedAt: time.Now().UTC(),
	}
	m.versions[identity] = append(m.versions[identity], v)
	return v
}

func (m *memVersions) GetVersion(_ context.Context, identity string, seq int) (store.VersionEntry, bool, error) {
	m.reads++
	hist := m.versions[identity]
	if seq < 1 || seq > len(hist) {
		return store.VersionEntry{}, false, nil
	}
	return hist[seq-1], true, nil
}

func (m *memVersions) LatestVersions(_ context.Context, _ int) ([]store.VersionEntry, error) {
	var out []store.VersionEntry
	for _, hist := range m.versions {
		out = append(out, hist[len(hist)-1])
	}
	return out, nil
}

func newTestLoader(t *testing.T, vs *memVersions) *Loader {
	t.Helper()
	l, err := NewLoader("", vs, nil)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func changeFor(v store.VersionEntry) store.ChangeEvent {
	return store.ChangeEvent{
		ID:       fmt.Sprintf("ev-%s-%d", v.Identity, v.Seq),
		Identity: v.Identity,
		OldSeq:   v.Seq - 1,
		NewSeq:   v.Seq,
		Labels:   v.Labels,
	}
}

func TestApplyChangeIndexesLatest(t *testing.T) {
	t.Parallel()
	vs := newMemVersions()
	vs.put("src/per-1", "Tarif lama", "Tarif pajak lima persen.", []string{"category:tax", "impact:substantive"})
	v2 := vs.put("src/per-1", "Tarif baru", "Tarif pajak sebelas persen.", []string{"category:tax", "impact:substantive"})

	l := newTestLoader(t, vs)
	if err := l.ApplyChange(context.Background(), changeFor(v2)); err != nil {
		t.Fatalf("ApplyChange: %v", err)
	}

	hits, err := l.Search(context.Background(), "sebelas", "", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].Identity != "src/per-1" || hits[0].Seq != 2 {
		t.Fatalf("unexpected hits: %+v", hits)
	}
}

func TestApplyChangeIdempotent(t *testing.T) {
	t.Parallel()
	vs := newMemVersions()
	vs.put("src/per-1", "a", "Isi pertama pajak.", []string{"category:tax", "impact:unknown"})
	v2 := vs.put("src/per-1", "b", "Isi kedua pajak.", []string{"category:tax", "impact:unknown"})

	l := newTestLoader(t, vs)
	ev := changeFor(v2)
	if err := l.ApplyChange(context.Background(), ev); err != nil {
		t.Fatalf("ApplyChange 1: %v", err)
	}
	readsAfterFirst := vs.reads

	// At-least-once delivery: the same event again is absorbed without a read.
	if err := l.ApplyChange(context.Background(), ev); err != nil {
		t.Fatalf("ApplyChange 2: %v", err)
	}
	if vs.reads != readsAfterFirst {
		t.Fatalf("duplicate event re-read the store")
	}

	hits, err := l.Search(context.Background(), "pajak", "", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("duplicate delivery duplicated the document: %+v", hits)
	}
}

func TestApplyChangeStaleEventSkipped(t *testing.T) {
	t.Parallel()
	vs := newMemVersions()
	v1 := vs.put("src/per-1", "a", "Versi satu.", nil)
	v2 := vs.put("src/per-1", "b", "Versi dua.", nil)

	l := newTestLoader(t, vs)
	if err := l.ApplyChange(context.Background(), changeFor(v2)); err != nil {
		t.Fatalf("ApplyChange v2: %v", err)
	}
	if err := l.ApplyChange(context.Background(), changeFor(v1)); err != nil {
		t.Fatalf("stale event must be absorbed: %v", err)
	}

	hits, err := l.Search(context.Background(), "dua", "", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].Seq != 2 {
		t.Fatalf("stale event overwrote newer version: %+v", hits)
	}
}

func TestApplyChangeMissingVersionFails(t *testing.T) {
	t.Parallel()
	l := newTestLoader(t, newMemVersions())
	ev := store.ChangeEvent{ID: "ev-x", Identity: "src/missing", OldSeq: 1, NewSeq: 2}
	if err := l.ApplyChange(context.Background(), ev); err == nil {
		t.Fatal("expected error for missing version")
	}
}

func TestBootstrapIndexesAllIdentities(t *testing.T) {
	t.Parallel()
	vs := newMemVersions()
	vs.put("src/per-1", "Pajak", "Ketentuan pajak penghasilan.", []string{"category:tax", "impact:unknown"})
	vs.put("src/sni-1", "Beton", "Standar mutu beton struktural.", []string{"category:construction-standard", "impact:unknown"})

	l := newTestLoader(t, vs)
	if err := l.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	hits, err := l.Search(context.Background(), "beton", "", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].Identity != "src/sni-1" {
		t.Fatalf("unexpected hits: %+v", hits)
	}
}

func TestSearchCategoryFilter(t *testing.T) {
	t.Parallel()
	vs := newMemVersions()
	vs.put("src/per-1", "Peraturan pajak", "Ketentuan mengenai dokumen resmi.", []string{"category:tax", "impact:unknown"})
	vs.put("src/sni-1", "Standar beton", "Ketentuan mengenai dokumen resmi.", []string{"category:construction-standard", "impact:unknown"})

	l := newTestLoader(t, vs)
	if err := l.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	hits, err := l.Search(context.Background(), "dokumen", "tax", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].Identity != "src/per-1" {
		t.Fatalf("category filter failed: %+v", hits)
	}
}
