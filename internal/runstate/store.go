package runstate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// FileName is the database file created under the state directory.
const FileName = "state.db"

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

const subjectColumns = "label, status, fields, workspace_path, destination, error_kind, error_message, run_id, created_at, updated_at, finished_at"

const runColumns = "id, source_path, started_at, finished_at, subjects, finalized, skipped, failed, error_message"

// Store manages run state persistence backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the state database in dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	dbPath := filepath.Join(dir, FileName)
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: dbPath}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// BeginRun records the start of a run.
func (s *Store) BeginRun(ctx context.Context, id, sourcePath string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return s.execWithoutResultRetry(ctx,
		`INSERT INTO runs (id, source_path, started_at) VALUES (?, ?, ?)`,
		id, sourcePath, now,
	)
}

// FinishRun stores the final counters of a run.
func (s *Store) FinishRun(ctx context.Context, id string, out Outcome) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	var msg string
	if out.Err != nil {
		msg = out.Err.Error()
	}
	return s.execWithoutResultRetry(ctx,
		`UPDATE runs SET finished_at = ?, subjects = ?, finalized = ?, skipped = ?, failed = ?, error_message = ?
         WHERE id = ?`,
		now, out.Subjects, out.Finalized, out.Skipped, out.Failed, nullableString(msg), id,
	)
}

// Runs returns the most recent runs first. A non-positive limit returns all.
func (s *Store) Runs(ctx context.Context, limit int) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			run       Run
			started   string
			finished  sql.NullString
			errString sql.NullString
		)
		if err := rows.Scan(&run.ID, &run.SourcePath, &started, &finished,
			&run.Subjects, &run.Finalized, &run.Skipped, &run.Failed, &errString); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if t, err := parseTimeString(started); err == nil {
			run.StartedAt = t
		}
		if finished.Valid {
			if t, err := parseTimeString(finished.String); err == nil {
				run.FinishedAt = &t
			}
		}
		run.ErrorMessage = errString.String
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// SaveSubject inserts or updates the record for subject.Label.
func (s *Store) SaveSubject(ctx context.Context, subject *Subject) error {
	if subject == nil {
		return errors.New("subject is nil")
	}
	if strings.TrimSpace(subject.Label) == "" {
		return errors.New("subject label required")
	}
	now := time.Now().UTC()
	subject.UpdatedAt = now
	if subject.CreatedAt.IsZero() {
		subject.CreatedAt = now
	}
	return s.execWithoutResultRetry(ctx,
		`INSERT INTO subjects (`+subjectColumns+`)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(label) DO UPDATE SET
             status = excluded.status,
             fields = excluded.fields,
             workspace_path = excluded.workspace_path,
             destination = excluded.destination,
             error_kind = excluded.error_kind,
             error_message = excluded.error_message,
             run_id = excluded.run_id,
             updated_at = excluded.updated_at,
             finished_at = excluded.finished_at`,
		subject.Label,
		subject.Status,
		nullableString(joinFields(subject.Fields)),
		nullableString(subject.WorkspacePath),
		nullableString(subject.Destination),
		nullableString(subject.ErrorKind),
		nullableString(subject.ErrorMessage),
		nullableString(subject.RunID),
		subject.CreatedAt.Format(time.RFC3339Nano),
		subject.UpdatedAt.Format(time.RFC3339Nano),
		nullableTime(subject.FinishedAt),
	)
}

// Subject fetches a record by label. It returns nil when none exists.
func (s *Store) Subject(ctx context.Context, label string) (*Subject, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+subjectColumns+` FROM subjects WHERE label = ?`, label)
	subject, err := scanSubject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subject: %w", err)
	}
	return subject, nil
}

// Subjects lists records, optionally restricted to the given statuses.
func (s *Store) Subjects(ctx context.Context, statuses ...string) ([]*Subject, error) {
	query := `SELECT ` + subjectColumns + ` FROM subjects`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + makePlaceholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	query += ` ORDER BY label`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list subjects: %w", err)
	}
	defer rows.Close()

	var out []*Subject
	for rows.Next() {
		subject, err := scanSubject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subject: %w", err)
		}
		out = append(out, subject)
	}
	return out, rows.Err()
}

// Stats returns a count of subjects grouped by status.
func (s *Store) Stats(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM subjects GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("subject stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

func scanSubject(scanner interface{ Scan(dest ...any) error }) (*Subject, error) {
	var (
		label        string
		status       string
		fields       sql.NullString
		workspace    sql.NullString
		destination  sql.NullString
		errorKind    sql.NullString
		errorMessage sql.NullString
		runID        sql.NullString
		createdRaw   string
		updatedRaw   string
		finishedRaw  sql.NullString
	)
	if err := scanner.Scan(&label, &status, &fields, &workspace, &destination,
		&errorKind, &errorMessage, &runID, &createdRaw, &updatedRaw, &finishedRaw); err != nil {
		return nil, err
	}
	subject := &Subject{
		Label:         label,
		Status:        status,
		Fields:        splitFields(fields.String),
		WorkspacePath: workspace.String,
		Destination:   destination.String,
		ErrorKind:     errorKind.String,
		ErrorMessage:  errorMessage.String,
		RunID:         runID.String,
	}
	if t, err := parseTimeString(createdRaw); err == nil {
		subject.CreatedAt = t
	}
	if t, err := parseTimeString(updatedRaw); err == nil {
		subject.UpdatedAt = t
	}
	if finishedRaw.Valid {
		if t, err := parseTimeString(finishedRaw.String); err == nil {
			subject.FinishedAt = &t
		}
	}
	return subject, nil
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// retryOnBusy absorbs lock contention between subject goroutines writing at
// the same time.
func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func (s *Store) execWithoutResultRetry(ctx context.Context, query string, args ...any) error {
	ctx = ensureContext(ctx)
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC().Format(time.RFC3339Nano)
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
