package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Store persists document version history, the change outbox and the
// failure journal in Postgres.
type Store struct {
	DB *sql.DB
}

// ErrConflict is returned when an append raced a concurrent writer for the
// same identity. The caller re-reads Latest and re-evaluates before retrying.
var ErrConflict = errors.New("concurrent append for identity")

// Outbox statuses.
const (
	ChangeStatusPending   = "pending"
	ChangeStatusDelivered = "delivered"
)

// VersionEntry is an immutable stored snapshot of one document at one point
// in its history. Sequence numbers are monotonic per identity, starting at 1,
// with no gaps; entries are never mutated or deleted.
type VersionEntry struct {
	ID          int64
	Identity    string
	Seq         int
	Fingerprint string
	Title       string
	Body        string
	Labels      []string
	SourceID    string
	RawRef      string
	PublishedAt *time.Time
	ObservedAt  time.Time
	// Supersedes is the previous sequence number, 0 for the first version.
	Supersedes int
	CreatedAt  time.Time
}

// ChangeEvent is an outbox row pairing a stored version transition with its
// pending notification. It stays pending until every consumer acked it.
type ChangeEvent struct {
	ID          string
	Identity    string
	OldSeq      int
	NewSeq      int
	DiffSummary string
	Labels      []string
	Status      string
	Attempts    int
	LastError   string
	EmittedAt   time.Time
	DeliveredAt *time.Time
}

// FailureRecord journals a per-document fetch or extraction failure for
// later review. It never aborts the cycle that recorded it.
type FailureRecord struct {
	ID          int64
	SourceID    string
	DocumentRef string
	Kind        string
	Detail      string
	OccurredAt  time.Time
}

// AppendRequest carries everything needed to append the next version of a
// document identity.
type AppendRequest struct {
	Identity    string
	SourceID    string
	Title       string
	Body        string
	Fingerprint string
	RawRef      string
	PublishedAt *time.Time
	ObservedAt  time.Time
	Labels      []string
	// PrevSeq is the latest sequence the caller evaluated the diff against;
	// 0 when the caller saw no prior version. A mismatch with the stored
	// state yields ErrConflict.
	PrevSeq int
	// DiffSummary describes the transition; recorded on the outbox row when
	// PrevSeq > 0.
	DiffSummary string
}

func New(db *sql.DB) *Store { return &Store{DB: db} }

// NewWithDSN opens a Postgres connection and verifies it.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// Append stores the next version for req.Identity and, when a prior version
// exists, records the matching change event in the same transaction. Appends
// for one identity are serialized by locking the latest row; different
// identities append concurrently.
func (s *Store) Append(ctx context.Context, req AppendRequest) (VersionEntry, error) {
	if req.Identity == "" || req.Fingerprint == "" {
		return VersionEntry{}, fmt.Errorf("identity and fingerprint must be provided")
	}
	observed := req.ObservedAt
	if observed.IsZero() {
		observed = time.Now().UTC()
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return VersionEntry{}, fmt.Errorf("begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var lastSeq int
	err = tx.QueryRowContext(ctx,
		`SELECT seq FROM document_versions WHERE identity=$1 ORDER BY seq DESC LIMIT 1 FOR UPDATE`,
		req.Identity).Scan(&lastSeq)
	if err != nil && err != sql.ErrNoRows {
		return VersionEntry{}, fmt.Errorf("lock latest version: %w", err)
	}
	if lastSeq != req.PrevSeq {
		// Stored state moved under the caller; it must re-read and re-evaluate.
		return VersionEntry{}, ErrConflict
	}

	entry := VersionEntry{
		Identity:    req.Identity,
		Seq:         lastSeq + 1,
		Fingerprint: req.Fingerprint,
		Title:       req.Title,
		Body:        req.Body,
		Labels:      req.Labels,
		SourceID:    req.SourceID,
		RawRef:      req.RawRef,
		PublishedAt: req.PublishedAt,
		ObservedAt:  observed,
		Supersedes:  lastSeq,
	}

	err = tx.QueryRowContext(ctx, `
INSERT INTO document_versions (identity, seq, fingerprint, title, body, labels, source_id, raw_ref, published_at, observed_at, supersedes)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
RETURNING id, created_at`,
		entry.Identity, entry.Seq, entry.Fingerprint, entry.Title, entry.Body, pq.Array(entry.Labels),
		entry.SourceID, entry.RawRef, entry.PublishedAt, entry.ObservedAt, entry.Supersedes,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return VersionEntry{}, ErrConflict
		}
		return VersionEntry{}, fmt.Errorf("insert version: %w", err)
	}

	if entry.Seq > 1 {
		_, err = tx.ExecContext(ctx, `
INSERT INTO change_outbox (id, identity, old_seq, new_seq, diff_summary, labels, status)
VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			uuid.NewString(), entry.Identity, lastSeq, entry.Seq, req.DiffSummary, pq.Array(entry.Labels), ChangeStatusPending)
		if err != nil {
			return VersionEntry{}, fmt.Errorf("insert outbox event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return VersionEntry{}, fmt.Errorf("commit append: %w", err)
	}
	return entry, nil
}

const versionColumns = `id, identity, seq, fingerprint, title, body, labels, source_id, raw_ref, published_at, observed_at, supersedes, created_at`

func scanVersion(row interface{ Scan(...interface{}) error }) (VersionEntry, error) {
	var v VersionEntry
	var labels pq.StringArray
	err := row.Scan(&v.ID, &v.Identity, &v.Seq, &v.Fingerprint, &v.Title, &v.Body, &labels,
		&v.SourceID, &v.RawRef, &v.PublishedAt, &v.ObservedAt, &v.Supersedes, &v.CreatedAt)
	if err != nil {
		return VersionEntry{}, err
	}
	v.Labels = labels
	return v, nil
}

// Latest returns the newest stored version for identity, if any.
func (s *Store) Latest(ctx context.Context, identity string) (VersionEntry, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT `+versionColumns+`
FROM document_versions
WHERE identity=$1
ORDER BY seq DESC
LIMIT 1`, identity)
	v, err := scanVersion(row)
	if err == sql.ErrNoRows {
		return VersionEntry{}, false, nil
	}
	if err != nil {
		return VersionEntry{}, false, err
	}
	return v, true, nil
}

// GetVersion returns one specific stored version.
func (s *Store) GetVersion(ctx context.Context, identity string, seq int) (VersionEntry, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT `+versionColumns+`
FROM document_versions
WHERE identity=$1 AND seq=$2`, identity, seq)
	v, err := scanVersion(row)
	if err == sql.ErrNoRows {
		return VersionEntry{}, false, nil
	}
	if err != nil {
		return VersionEntry{}, false, err
	}
	return v, true, nil
}

// History returns all stored versions for identity in ascending sequence order.
func (s *Store) History(ctx context.Context, identity string) ([]VersionEntry, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT `+versionColumns+`
FROM document_versions
WHERE identity=$1
ORDER BY seq ASC`, identity)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []VersionEntry
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// LatestVersions returns the newest stored version of every identity, used
// to rebuild downstream indexes after restart.
func (s *Store) LatestVersions(ctx context.Context, limit int) ([]VersionEntry, error) {
	if limit <= 0 {
		limit = 10000
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT DISTINCT ON (identity) `+versionColumns+`
FROM document_versions
ORDER BY identity, seq DESC
LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []VersionEntry
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ListIdentities returns the identities observed for a source, newest first.
func (s *Store) ListIdentities(ctx context.Context, sourceID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT identity
FROM document_versions
WHERE source_id=$1
GROUP BY identity
ORDER BY MAX(created_at) DESC
LIMIT $2`, sourceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

const changeColumns = `id, identity, old_seq, new_seq, diff_summary, labels, status, attempts, COALESCE(last_error,''), created_at, delivered_at`

func scanChange(row interface{ Scan(...interface{}) error }) (ChangeEvent, error) {
	var ev ChangeEvent
	var labels pq.StringArray
	err := row.Scan(&ev.ID, &ev.Identity, &ev.OldSeq, &ev.NewSeq, &ev.DiffSummary, &labels,
		&ev.Status, &ev.Attempts, &ev.LastError, &ev.EmittedAt, &ev.DeliveredAt)
	if err != nil {
		return ChangeEvent{}, err
	}
	ev.Labels = labels
	return ev, nil
}

// PendingChanges returns undelivered outbox events, oldest first, so the
// sweeper redelivers in emission order.
func (s *Store) PendingChanges(ctx context.Context, limit int) ([]ChangeEvent, error) {
	if limit <= 0 {
		limit = 64
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT `+changeColumns+`
FROM change_outbox
WHERE status=$1
ORDER BY created_at ASC
LIMIT $2`, ChangeStatusPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ChangeEvent
	for rows.Next() {
		ev, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// MarkChangeDelivered flags an outbox event as delivered to every consumer.
// Restart never re-emits a delivered event.
func (s *Store) MarkChangeDelivered(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE change_outbox SET status=$1, delivered_at=NOW() WHERE id=$2`,
		ChangeStatusDelivered, id)
	return err
}

// MarkChangeAttempt bumps the attempt counter after a failed delivery; the
// event stays pending for the next sweep.
func (s *Store) MarkChangeAttempt(ctx context.Context, id string, deliveryErr string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE change_outbox SET attempts=attempts+1, last_error=$1 WHERE id=$2`,
		deliveryErr, id)
	return err
}

// RecordFailure journals a per-document failure for later review.
func (s *Store) RecordFailure(ctx context.Context, rec FailureRecord) error {
	if rec.SourceID == "" || rec.Kind == "" {
		return fmt.Errorf("source_id and kind must be provided")
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO watch_failures (source_id, document_ref, kind, detail)
VALUES ($1,$2,$3,$4)`, rec.SourceID, rec.DocumentRef, rec.Kind, rec.Detail)
	return err
}

// ListFailures returns recent journal entries, newest first. sourceID filters
// when non-empty.
func (s *Store) ListFailures(ctx context.Context, sourceID string, limit int) ([]FailureRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, source_id, document_ref, kind, detail, occurred_at
FROM watch_failures
WHERE ($1 = '' OR source_id = $1)
ORDER BY occurred_at DESC
LIMIT $2`, sourceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FailureRecord
	for rows.Next() {
		var rec FailureRecord
		if err := rows.Scan(&rec.ID, &rec.SourceID, &rec.DocumentRef, &rec.Kind, &rec.Detail, &rec.OccurredAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
