package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/mysleekdesigns/fixpool/pkg/models"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS fix_records (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	category TEXT NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('PENDING','IN_PROGRESS','COMPLETED','FAILED')),
	findings TEXT NOT NULL DEFAULT '[]',
	started_at TEXT,
	completed_at TEXT,
	summary TEXT NOT NULL DEFAULT '',
	patch TEXT NOT NULL DEFAULT '',
	research_notes TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	UNIQUE (task_id, category)
)`

const recordColumns = `id, task_id, category, status, findings, started_at, completed_at,
	summary, patch, research_notes, created_at, updated_at`

// SQLiteStore implements Store on a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path. ":memory:" is
// accepted for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer; this also keeps ":memory:" on a
	// single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Upsert creates or resets the record for rec's (task, category).
func (s *SQLiteStore) Upsert(rec *models.FixRecord) (*models.FixRecord, error) {
	if rec.TaskID == "" || rec.Category == "" {
		return nil, fmt.Errorf("upsert: task id and category are required")
	}

	findings, err := json.Marshal(nonNilFindings(rec.Findings))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal findings: %w", err)
	}

	id := rec.ID
	if id == "" {
		id = uuid.New().String()
	}
	status := rec.Status
	if status == "" {
		status = models.FixStatusPending
	}
	now := time.Now()

	_, err = s.db.Exec(`INSERT INTO fix_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (task_id, category) DO UPDATE SET
			status = excluded.status,
			findings = excluded.findings,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			summary = excluded.summary,
			patch = excluded.patch,
			research_notes = excluded.research_notes,
			updated_at = excluded.updated_at`,
		id, rec.TaskID, string(rec.Category), string(status), string(findings),
		formatTimePtr(rec.StartedAt), formatTimePtr(rec.CompletedAt),
		rec.Summary, rec.Patch, rec.ResearchNotes,
		formatTime(now), formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert fix record: %w", err)
	}

	return s.Get(rec.TaskID, rec.Category)
}

// MarkInProgress moves an existing record to IN_PROGRESS.
func (s *SQLiteStore) MarkInProgress(taskID string, category models.FixCategory, startedAt time.Time) error {
	res, err := s.db.Exec(`UPDATE fix_records
		SET status = ?, started_at = ?, completed_at = NULL, updated_at = ?
		WHERE task_id = ? AND category = ?`,
		string(models.FixStatusInProgress), formatTime(startedAt), formatTime(time.Now()),
		taskID, string(category),
	)
	if err != nil {
		return fmt.Errorf("failed to mark fix record in progress: %w", err)
	}
	return expectRow(res, taskID, category)
}

// Finish records the terminal outcome of a fix.
func (s *SQLiteStore) Finish(taskID string, category models.FixCategory, result models.FixResult) error {
	res, err := s.db.Exec(`UPDATE fix_records
		SET status = ?, summary = ?, patch = ?, research_notes = ?, completed_at = ?, updated_at = ?
		WHERE task_id = ? AND category = ?`,
		string(result.Status), result.Summary, result.Patch, result.ResearchNotes,
		formatTime(result.CompletedAt), formatTime(time.Now()),
		taskID, string(category),
	)
	if err != nil {
		return fmt.Errorf("failed to finish fix record: %w", err)
	}
	return expectRow(res, taskID, category)
}

// Get retrieves a record by task and category.
func (s *SQLiteStore) Get(taskID string, category models.FixCategory) (*models.FixRecord, error) {
	row := s.db.QueryRow(`SELECT `+recordColumns+` FROM fix_records WHERE task_id = ? AND category = ?`,
		taskID, string(category))
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, taskID, category)
	}
	return rec, err
}

// ListByTask returns every record of a task ordered by category.
func (s *SQLiteStore) ListByTask(taskID string) ([]*models.FixRecord, error) {
	rows, err := s.db.Query(`SELECT `+recordColumns+` FROM fix_records WHERE task_id = ? ORDER BY category`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list fix records: %w", err)
	}
	defer rows.Close()

	result := []*models.FixRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate fix records: %w", err)
	}
	return result, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.FixRecord, error) {
	var (
		rec                    models.FixRecord
		category, status       string
		findings               string
		startedAt, completedAt sql.NullString
		createdAt, updatedAt   string
	)
	err := row.Scan(&rec.ID, &rec.TaskID, &category, &status, &findings, &startedAt, &completedAt,
		&rec.Summary, &rec.Patch, &rec.ResearchNotes, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan fix record: %w", err)
	}

	rec.Category = models.FixCategory(category)
	rec.Status = models.FixStatus(status)
	if err := json.Unmarshal([]byte(findings), &rec.Findings); err != nil {
		return nil, fmt.Errorf("failed to decode findings: %w", err)
	}
	rec.StartedAt = parseTimePtr(startedAt)
	rec.CompletedAt = parseTimePtr(completedAt)
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &rec, nil
}

func expectRow(res sql.Result, taskID string, category models.FixCategory) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, taskID, category)
	}
	return nil
}

func nonNilFindings(f []models.Finding) []models.Finding {
	if f == nil {
		return []models.Finding{}
	}
	return f
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}
