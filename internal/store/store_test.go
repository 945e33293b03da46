package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
)

func setupStore(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	cleanup := func() { db.Close() }
	return &Store{DB: db}, mock, cleanup
}

const (
	lockQuery    = `SELECT seq FROM document_versions WHERE identity=$1 ORDER BY seq DESC LIMIT 1 FOR UPDATE`
	insertQuery  = `INSERT INTO document_versions`
	outboxInsert = `INSERT INTO change_outbox`
)

func versionRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "identity", "seq", "fingerprint", "title", "body", "labels", "source_id", "raw_ref", "published_at", "observed_at", "supersedes", "created_at"})
}

func TestAppendFirstVersion(t *testing.T) {
	st, mock, cleanup := setupStore(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(lockQuery)).
		WithArgs("pupr/std-1").
		WillReturnRows(sqlmock.NewRows([]string{"seq"}))
	mock.ExpectQuery(insertQuery).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(1), time.Now()))
	mock.ExpectCommit()

	entry, err := st.Append(context.Background(), AppendRequest{
		Identity:    "pupr/std-1",
		SourceID:    "pupr",
		Fingerprint: "fp1",
		Body:        "isi",
		Labels:      []string{"category:construction-standard", "impact:unknown"},
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if entry.Seq != 1 || entry.Supersedes != 0 {
		t.Fatalf("first version seq=%d supersedes=%d", entry.Seq, entry.Supersedes)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestAppendSecondVersionWritesOutbox(t *testing.T) {
	st, mock, cleanup := setupStore(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(lockQuery)).
		WithArgs("pupr/std-1").
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(1))
	mock.ExpectQuery(insertQuery).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(2), time.Now()))
	mock.ExpectExec(outboxInsert).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	entry, err := st.Append(context.Background(), AppendRequest{
		Identity:    "pupr/std-1",
		SourceID:    "pupr",
		Fingerprint: "fp2",
		Body:        "isi baru",
		PrevSeq:     1,
		DiffSummary: "+1/-1 lines; isi baru",
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if entry.Seq != 2 || entry.Supersedes != 1 {
		t.Fatalf("second version seq=%d supersedes=%d", entry.Seq, entry.Supersedes)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestAppendStaleConflict(t *testing.T) {
	st, mock, cleanup := setupStore(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(lockQuery)).
		WithArgs("pupr/std-1").
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(2))
	mock.ExpectRollback()

	_, err := st.Append(context.Background(), AppendRequest{
		Identity:    "pupr/std-1",
		Fingerprint: "fp2",
		PrevSeq:     1,
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestAppendUniqueViolationIsConflict(t *testing.T) {
	st, mock, cleanup := setupStore(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(lockQuery)).
		WithArgs("pupr/std-1").
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(1))
	mock.ExpectQuery(insertQuery).
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	_, err := st.Append(context.Background(), AppendRequest{
		Identity:    "pupr/std-1",
		Fingerprint: "fp2",
		PrevSeq:     1,
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestAppendRejectsEmptyIdentity(t *testing.T) {
	st, _, cleanup := setupStore(t)
	defer cleanup()

	if _, err := st.Append(context.Background(), AppendRequest{Fingerprint: "fp"}); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLatestNotFound(t *testing.T) {
	st, mock, cleanup := setupStore(t)
	defer cleanup()

	mock.ExpectQuery(`SELECT (.+) FROM document_versions`).
		WithArgs("pupr/none").
		WillReturnRows(versionRows())

	_, found, err := st.Latest(context.Background(), "pupr/none")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if found {
		t.Fatal("expected not found")
	}
}

func TestHistoryAscending(t *testing.T) {
	st, mock, cleanup := setupStore(t)
	defer cleanup()

	now := time.Now()
	rows := versionRows().
		AddRow(int64(1), "pupr/std-1", 1, "fp1", "t", "b1", pq.StringArray{"category:other"}, "pupr", "r", nil, now, 0, now).
		AddRow(int64(2), "pupr/std-1", 2, "fp2", "t", "b2", pq.StringArray{"category:other"}, "pupr", "r", nil, now, 1, now)
	mock.ExpectQuery(`SELECT (.+) FROM document_versions`).
		WithArgs("pupr/std-1").
		WillReturnRows(rows)

	hist, err := st.History(context.Background(), "pupr/std-1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 2 || hist[0].Seq != 1 || hist[1].Seq != 2 {
		t.Fatalf("unexpected history: %+v", hist)
	}
	if hist[1].Supersedes != 1 {
		t.Fatalf("supersedes = %d", hist[1].Supersedes)
	}
}

func TestPendingChangesScan(t *testing.T) {
	st, mock, cleanup := setupStore(t)
	defer cleanup()

	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "identity", "old_seq", "new_seq", "diff_summary", "labels", "status", "attempts", "coalesce", "created_at", "delivered_at"}).
		AddRow("ev-1", "pupr/std-1", 1, 2, "+1/-1 lines", pq.StringArray{"category:tax"}, ChangeStatusPending, 0, "", now, nil)
	mock.ExpectQuery(`SELECT (.+) FROM change_outbox`).
		WithArgs(ChangeStatusPending, 10).
		WillReturnRows(rows)

	events, err := st.PendingChanges(context.Background(), 10)
	if err != nil {
		t.Fatalf("PendingChanges: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.ID != "ev-1" || ev.OldSeq != 1 || ev.NewSeq != 2 || ev.Status != ChangeStatusPending {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestMarkChangeDelivered(t *testing.T) {
	st, mock, cleanup := setupStore(t)
	defer cleanup()

	mock.ExpectExec(`UPDATE change_outbox SET status=`).
		WithArgs(ChangeStatusDelivered, "ev-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.MarkChangeDelivered(context.Background(), "ev-1"); err != nil {
		t.Fatalf("MarkChangeDelivered: %v", err)
	}
}

func TestMarkChangeAttempt(t *testing.T) {
	st, mock, cleanup := setupStore(t)
	defer cleanup()

	mock.ExpectExec(`UPDATE change_outbox SET attempts=attempts\+1`).
		WithArgs("boom", "ev-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.MarkChangeAttempt(context.Background(), "ev-1", "boom"); err != nil {
		t.Fatalf("MarkChangeAttempt: %v", err)
	}
}

func TestRecordFailureValidates(t *testing.T) {
	st, _, cleanup := setupStore(t)
	defer cleanup()

	if err := st.RecordFailure(context.Background(), FailureRecord{DocumentRef: "x"}); err == nil {
		t.Fatal("expected validation error")
	}
}
