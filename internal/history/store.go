// Package history keeps a SQLite record of every install job the process ran.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/installman/internal/pipeline"
	"github.com/mattjoyce/installman/internal/report"
	"github.com/mattjoyce/installman/internal/storage"
)

// ErrNotFound is returned by Get for unknown job IDs.
var ErrNotFound = errors.New("job not found")

// ErrAmbiguous is returned by Find when an ID prefix matches several jobs.
var ErrAmbiguous = errors.New("job id prefix is ambiguous")

// Fixed-width so that lexical order in SQL matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Record is one row of install_job.
type Record struct {
	ID         string         `json:"job_id"`
	Archive    string         `json:"archive"`
	Digest     string         `json:"blake3,omitempty"`
	Prefix     string         `json:"prefix"`
	State      pipeline.State `json:"state"`
	Outcome    report.Outcome `json:"outcome,omitempty"`
	WorkDir    string         `json:"work_dir,omitempty"`
	SourceDir  string         `json:"source_dir,omitempty"`
	Cancelled  bool           `json:"cancel_requested"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Duration is zero while the job is still running.
func (r Record) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Store implements pipeline.HistoryStore over install_job.
type Store struct {
	db *sql.DB
}

var _ pipeline.HistoryStore = (*Store)(nil)

// Open opens the database at path (":memory:" for a throwaway one).
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := storage.OpenSQLite(ctx, path)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// New wraps an already bootstrapped database.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) RecordStart(ctx context.Context, snap pipeline.Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO install_job (id, archive, blake3, prefix, state, cancelled, started_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.ArchivePath, nullString(snap.Digest), snap.Prefix, string(snap.State),
		boolInt(snap.Cancelled), snap.StartedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", snap.ID, err)
	}
	return nil
}

func (s *Store) RecordFinish(ctx context.Context, snap pipeline.Snapshot) error {
	var finished any
	if snap.FinishedAt != nil {
		finished = snap.FinishedAt.UTC().Format(timeLayout)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE install_job
SET blake3 = COALESCE(?, blake3), state = ?, outcome = ?, work_dir = ?, source_dir = ?,
    cancelled = ?, finished_at = ?, last_error = ?
WHERE id = ?`,
		nullString(snap.Digest), string(snap.State), nullString(string(snap.Outcome)),
		nullString(snap.WorkDir), nullString(snap.SourceDir), boolInt(snap.Cancelled),
		finished, nullString(snap.Error), snap.ID,
	)
	if err != nil {
		return fmt.Errorf("update job %s: %w", snap.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update job %s: %w", snap.ID, ErrNotFound)
	}
	return nil
}

const selectColumns = `id, archive, blake3, prefix, state, outcome, work_dir, source_dir, cancelled, started_at, finished_at, last_error`

// List returns up to limit records, newest first. limit <= 0 means 50.
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM install_job ORDER BY started_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

// Get returns a single record.
func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM install_job WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return rec, err
}

// Find resolves a full job ID or a unique prefix of one, as printed by
// `history list`.
func (s *Store) Find(ctx context.Context, idOrPrefix string) (Record, error) {
	rec, err := s.Get(ctx, idOrPrefix)
	if !errors.Is(err, ErrNotFound) {
		return rec, err
	}
	if idOrPrefix == "" || strings.ContainsAny(idOrPrefix, "%_") {
		return Record{}, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM install_job WHERE id LIKE ? ORDER BY started_at DESC LIMIT 2`, idOrPrefix+"%")
	if err != nil {
		return Record{}, fmt.Errorf("find job: %w", err)
	}
	defer rows.Close()

	var matches []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return Record{}, err
		}
		matches = append(matches, rec)
	}
	if err := rows.Err(); err != nil {
		return Record{}, fmt.Errorf("find job: %w", err)
	}

	switch len(matches) {
	case 0:
		return Record{}, fmt.Errorf("%s: %w", idOrPrefix, ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		return Record{}, fmt.Errorf("%s: %w", idOrPrefix, ErrAmbiguous)
	}
}

// Prune deletes finished records older than olderThan and returns how many went.
func (s *Store) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM install_job WHERE finished_at IS NOT NULL AND finished_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (Record, error) {
	var (
		rec                                          Record
		digest, outcome, workDir, sourceDir, lastErr sql.NullString
		finished                                     sql.NullString
		state, started                               string
		cancelled                                    int
	)
	if err := sc.Scan(&rec.ID, &rec.Archive, &digest, &rec.Prefix, &state, &outcome,
		&workDir, &sourceDir, &cancelled, &started, &finished, &lastErr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("scan job: %w", err)
	}
	rec.Digest = digest.String
	rec.State = pipeline.State(state)
	rec.Outcome = report.Outcome(outcome.String)
	rec.WorkDir = workDir.String
	rec.SourceDir = sourceDir.String
	rec.Cancelled = cancelled != 0
	rec.Error = lastErr.String

	t, err := time.Parse(timeLayout, started)
	if err != nil {
		return Record{}, fmt.Errorf("parse started_at %q: %w", started, err)
	}
	rec.StartedAt = t
	if finished.Valid {
		ft, err := time.Parse(timeLayout, finished.String)
		if err != nil {
			return Record{}, fmt.Errorf("parse finished_at %q: %w", finished.String, err)
		}
		rec.FinishedAt = &ft
	}
	return rec, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
