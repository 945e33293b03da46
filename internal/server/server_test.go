package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/regulata/regwatch/config"
	"github.com/regulata/regwatch/internal/store"
	"github.com/regulata/regwatch/internal/watcher"
)

func setupServer(t *testing.T) (*Server, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	registry, err := watcher.NewRegistry([]config.SourceConfig{{
		ID:           "pupr-standards",
		Name:         "Public works standards",
		URL:          "https://example.gov/standards",
		Kind:         "listing",
		ItemSelector: "a.doc",
		PollInterval: time.Hour,
	}})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return New(store.New(db), registry, nil, nil), mock
}

func doRequest(t *testing.T, s *Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	s, _ := setupServer(t)
	rec := doRequest(t, s, http.MethodGet, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
}

func TestListSources(t *testing.T) {
	t.Parallel()
	s, _ := setupServer(t)
	rec := doRequest(t, s, http.MethodGet, "/api/sources")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var out []sourceView
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 1 || out[0].ID != "pupr-standards" || out[0].Kind != "listing" {
		t.Fatalf("unexpected sources: %+v", out)
	}
}

func TestLatestVersionFound(t *testing.T) {
	t.Parallel()
	s, mock := setupServer(t)

	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "identity", "seq", "fingerprint", "title", "body", "labels", "source_id", "raw_ref", "published_at", "observed_at", "supersedes", "created_at"}).
		AddRow(int64(3), "pupr-standards/sni-2847", 2, "fp2", "SNI 2847", "isi", pq.StringArray{"category:construction-standard"}, "pupr-standards", "ref", nil, now, 1, now)
	mock.ExpectQuery(`SELECT (.+) FROM document_versions`).
		WithArgs("pupr-standards/sni-2847").
		WillReturnRows(rows)

	rec := doRequest(t, s, http.MethodGet, "/api/documents/pupr-standards/sni-2847/latest")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var v store.VersionEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v.Identity != "pupr-standards/sni-2847" || v.Seq != 2 {
		t.Fatalf("unexpected version: %+v", v)
	}
}

func TestLatestVersionNotFound(t *testing.T) {
	t.Parallel()
	s, mock := setupServer(t)
	mock.ExpectQuery(`SELECT (.+) FROM document_versions`).
		WithArgs("pupr-standards/none").
		WillReturnRows(sqlmock.NewRows([]string{"id", "identity", "seq", "fingerprint", "title", "body", "labels", "source_id", "raw_ref", "published_at", "observed_at", "supersedes", "created_at"}))

	rec := doRequest(t, s, http.MethodGet, "/api/documents/pupr-standards/none/latest")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestGetVersionBadSeq(t *testing.T) {
	t.Parallel()
	s, _ := setupServer(t)
	rec := doRequest(t, s, http.MethodGet, "/api/documents/pupr-standards/sni-2847/versions/zero")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRunSourceUnknown(t *testing.T) {
	t.Parallel()
	s, _ := setupServer(t)
	rec := doRequest(t, s, http.MethodPost, "/api/sources/missing/run")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestSearchDisabled(t *testing.T) {
	t.Parallel()
	s, _ := setupServer(t)
	rec := doRequest(t, s, http.MethodGet, "/api/search?q=beton")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}
