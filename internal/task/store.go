package task

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id                TEXT PRIMARY KEY,
	status            TEXT NOT NULL,
	progress          INTEGER NOT NULL DEFAULT 0,
	source_audio      TEXT NOT NULL DEFAULT '',
	original_filename TEXT NOT NULL DEFAULT '',
	callback_url      TEXT NOT NULL DEFAULT '',
	error_kind        TEXT NOT NULL DEFAULT '',
	error_message     TEXT NOT NULL DEFAULT '',
	metadata          TEXT NOT NULL DEFAULT '',
	submitted_at      DATETIME NOT NULL,
	updated_at        DATETIME NOT NULL,
	started_at        DATETIME,
	finished_at       DATETIME
);
`

// allowedFrom encodes the status DAG: the key is the requested status, the
// value lists the statuses a record may currently hold for the transition to
// be accepted. Anything else is a Conflict.
var allowedFrom = map[Status][]Status{
	StatusProcessing: {StatusPending},
	StatusCompleted:  {StatusProcessing},
	StatusFailed:     {StatusPending, StatusProcessing},
	StatusCancelled:  {StatusPending, StatusProcessing},
	StatusExpired:    {StatusCompleted, StatusFailed, StatusCancelled},
}

// Store is the durable task ledger and the single source of truth for status
// queries. Every successful update is committed before the call returns.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the SQLite database at dbPath and ensures the
// tasks table exists. The caller is responsible for calling Close.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// Create persists a new pending task. The id must be unique and is never
// reused.
func (s *Store) Create(t *Task) error {
	now := time.Now().UTC()
	if t.SubmittedAt.IsZero() {
		t.SubmittedAt = now
	}
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = StatusPending
	}
	_, err := s.db.Exec(`
		INSERT INTO tasks
			(id, status, progress, source_audio, original_filename, callback_url,
			 error_kind, error_message, metadata, submitted_at, updated_at, started_at, finished_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, string(t.Status), t.Progress, t.SourceAudio, t.OriginalFilename, t.CallbackURL,
		string(t.ErrorKind), t.ErrorMessage, marshalMetadata(t.Metadata),
		t.SubmittedAt, t.UpdatedAt, nullTime(t.StartedAt), nullTime(t.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// Get retrieves a task by id.
func (s *Store) Get(id string) (*Task, error) {
	row := s.db.QueryRow(`SELECT id, status, progress, source_audio, original_filename,
		callback_url, error_kind, error_message, metadata, submitted_at, updated_at,
		started_at, finished_at FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrTaskNotFound
	}
	return t, err
}

// Fields carries the record changes applied together with a status
// transition.
type Fields struct {
	Progress     *int
	StartedAt    *time.Time
	FinishedAt   *time.Time
	ErrorKind    ErrorKind
	ErrorMessage string
	Metadata     *Metadata
}

// UpdateStatus atomically transitions a task to newStatus. The WHERE clause
// encodes the permitted-transition DAG, so a stale or duplicate signal finds
// zero matching rows and gets ErrConflict instead of overwriting a terminal
// record. The write is durable when the call returns.
func (s *Store) UpdateStatus(id string, newStatus Status, fields Fields) error {
	from, ok := allowedFrom[newStatus]
	if !ok {
		return fmt.Errorf("no permitted transition into status %q: %w", newStatus, ErrConflict)
	}

	set := []string{"status = ?", "updated_at = ?"}
	args := []any{string(newStatus), time.Now().UTC()}
	if fields.Progress != nil {
		set = append(set, "progress = ?")
		args = append(args, *fields.Progress)
	}
	if fields.StartedAt != nil {
		set = append(set, "started_at = ?")
		args = append(args, *fields.StartedAt)
	}
	if fields.FinishedAt != nil {
		set = append(set, "finished_at = ?")
		args = append(args, *fields.FinishedAt)
	}
	if fields.ErrorKind != "" {
		set = append(set, "error_kind = ?", "error_message = ?")
		args = append(args, string(fields.ErrorKind), fields.ErrorMessage)
	}
	if fields.Metadata != nil {
		set = append(set, "metadata = ?")
		args = append(args, marshalMetadata(fields.Metadata))
	}

	placeholders := make([]string, len(from))
	for i, st := range from {
		placeholders[i] = "?"
		args = append(args, string(st))
	}
	query := fmt.Sprintf("UPDATE tasks SET %s WHERE status IN (%s) AND id = ?",
		strings.Join(set, ", "), strings.Join(placeholders, ","))
	args = append(args, id)

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		if _, err := s.Get(id); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

// SetProgress records an advisory progress value for a running task. The
// value never decreases and the write is skipped for any non-processing
// status; neither case is an error.
func (s *Store) SetProgress(id string, progress int) error {
	_, err := s.db.Exec(`UPDATE tasks SET progress = MAX(progress, ?), updated_at = ?
		WHERE id = ? AND status = ?`,
		progress, time.Now().UTC(), id, string(StatusProcessing))
	if err != nil {
		return fmt.Errorf("set progress: %w", err)
	}
	return nil
}

// Filter narrows List results. Zero values mean "any".
type Filter struct {
	Statuses       []Status
	FinishedBefore time.Time
	UpdatedBefore  time.Time
	Limit          int
}

// List returns tasks matching the filter, oldest submissions first.
func (s *Store) List(filter Filter) ([]*Task, error) {
	q := strings.Builder{}
	q.WriteString(`SELECT id, status, progress, source_audio, original_filename,
		callback_url, error_kind, error_message, metadata, submitted_at, updated_at,
		started_at, finished_at FROM tasks WHERE 1=1`)
	args := []any{}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		q.WriteString(" AND status IN (" + strings.Join(placeholders, ",") + ")")
	}
	if !filter.FinishedBefore.IsZero() {
		q.WriteString(" AND finished_at IS NOT NULL AND finished_at <= ?")
		args = append(args, filter.FinishedBefore.UTC())
	}
	if !filter.UpdatedBefore.IsZero() {
		q.WriteString(" AND updated_at <= ?")
		args = append(args, filter.UpdatedBefore.UTC())
	}
	q.WriteString(" ORDER BY submitted_at ASC")
	if filter.Limit > 0 {
		q.WriteString(" LIMIT ?")
		args = append(args, filter.Limit)
	}

	rows, err := s.db.Query(q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Delete removes a task record entirely. Normal expiry keeps the record in
// StatusExpired; hard deletion exists for operational cleanup.
func (s *Store) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		t          Task
		status     string
		kind       string
		metadata   string
		startedAt  sql.NullTime
		finishedAt sql.NullTime
	)
	err := row.Scan(&t.ID, &status, &t.Progress, &t.SourceAudio, &t.OriginalFilename,
		&t.CallbackURL, &kind, &t.ErrorMessage, &metadata, &t.SubmittedAt, &t.UpdatedAt,
		&startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	t.Status = Status(status)
	t.ErrorKind = ErrorKind(kind)
	if metadata != "" {
		var md Metadata
		if err := json.Unmarshal([]byte(metadata), &md); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", t.ID, err)
		}
		t.Metadata = &md
	}
	if startedAt.Valid {
		ts := startedAt.Time
		t.StartedAt = &ts
	}
	if finishedAt.Valid {
		ts := finishedAt.Time
		t.FinishedAt = &ts
	}
	return &t, nil
}

func marshalMetadata(md *Metadata) string {
	if md == nil {
		return ""
	}
	b, _ := json.Marshal(md)
	return string(b)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
