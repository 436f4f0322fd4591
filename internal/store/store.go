// Package store provides fix record persistence and retrieval.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mysleekdesigns/fixpool/pkg/models"
)

// ErrNotFound is returned when no record exists for a (task, category) pair.
var ErrNotFound = errors.New("fix record not found")

// Store defines the interface for fix record storage. Records are keyed by
// task id and category.
type Store interface {
	// Upsert creates the record or resets an existing one to rec's status
	// and findings. The stored record is returned.
	Upsert(rec *models.FixRecord) (*models.FixRecord, error)
	MarkInProgress(taskID string, category models.FixCategory, startedAt time.Time) error
	Finish(taskID string, category models.FixCategory, result models.FixResult) error
	Get(taskID string, category models.FixCategory) (*models.FixRecord, error)
	ListByTask(taskID string) ([]*models.FixRecord, error)
	Close() error
}

// Open returns the store for driver ("file" or "sqlite") at path.
func Open(driver, path string) (Store, error) {
	switch driver {
	case "", "file":
		return NewFileStore(path)
	case "sqlite":
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unknown store driver: %q", driver)
	}
}

func recordKey(taskID string, category models.FixCategory) string {
	return taskID + "/" + string(category)
}

func cloneRecord(rec *models.FixRecord) *models.FixRecord {
	c := *rec
	c.Findings = append([]models.Finding(nil), rec.Findings...)
	if rec.StartedAt != nil {
		t := *rec.StartedAt
		c.StartedAt = &t
	}
	if rec.CompletedAt != nil {
		t := *rec.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// FileStore implements Store using a JSON file for persistence.
type FileStore struct {
	path    string
	records map[string]*models.FixRecord
	mu      sync.RWMutex
	dirty   bool
	closeCh chan struct{}
	closed  sync.Once
	done    chan error
}

// NewFileStore creates a new file-based store.
func NewFileStore(path string) (*FileStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	fs := &FileStore{
		path:    path,
		records: make(map[string]*models.FixRecord),
		closeCh: make(chan struct{}),
		done:    make(chan error, 1),
	}

	if err := fs.load(); err != nil {
		return nil, err
	}

	// Start background saver
	go fs.backgroundSaver()

	return fs, nil
}

func (fs *FileStore) load() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	data, err := os.ReadFile(fs.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read store file: %w", err)
	}

	if len(data) == 0 {
		return nil
	}

	var records map[string]*models.FixRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("failed to parse store file: %w", err)
	}
	if records == nil {
		records = make(map[string]*models.FixRecord)
	}

	fs.records = records
	return nil
}

func (fs *FileStore) save() error {
	fs.mu.RLock()
	data, err := json.MarshalIndent(fs.records, "", "  ")
	fs.mu.RUnlock()

	if err != nil {
		return fmt.Errorf("failed to marshal records: %w", err)
	}

	tmpPath := fs.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tmpPath, fs.path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

func (fs *FileStore) backgroundSaver() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fs.mu.RLock()
			dirty := fs.dirty
			fs.mu.RUnlock()

			if dirty {
				if err := fs.flush(); err != nil {
					log.Printf("Warning: failed to save fix records: %v", err)
				}
			}
		case <-fs.closeCh:
			fs.done <- fs.flush()
			close(fs.done)
			return
		}
	}
}

// flush writes every record and clears the dirty flag. A failed write
// leaves the store dirty so the next tick retries.
func (fs *FileStore) flush() error {
	fs.mu.Lock()
	fs.dirty = false
	fs.mu.Unlock()

	if err := fs.save(); err != nil {
		fs.mu.Lock()
		fs.dirty = true
		fs.mu.Unlock()
		return err
	}
	return nil
}

// Upsert creates or resets the record for rec's (task, category).
func (fs *FileStore) Upsert(rec *models.FixRecord) (*models.FixRecord, error) {
	if rec.TaskID == "" || rec.Category == "" {
		return nil, fmt.Errorf("upsert: task id and category are required")
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	now := time.Now()
	key := recordKey(rec.TaskID, rec.Category)
	stored := cloneRecord(rec)
	if existing, ok := fs.records[key]; ok {
		stored.ID = existing.ID
		stored.CreatedAt = existing.CreatedAt
	}
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.Status == "" {
		stored.Status = models.FixStatusPending
	}
	stored.UpdatedAt = now

	fs.records[key] = stored
	fs.dirty = true

	return cloneRecord(stored), nil
}

// MarkInProgress moves an existing record to IN_PROGRESS.
func (fs *FileStore) MarkInProgress(taskID string, category models.FixCategory, startedAt time.Time) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	rec, exists := fs.records[recordKey(taskID, category)]
	if !exists {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, taskID, category)
	}

	rec.Status = models.FixStatusInProgress
	rec.StartedAt = &startedAt
	rec.CompletedAt = nil
	rec.UpdatedAt = time.Now()
	fs.dirty = true

	return nil
}

// Finish records the terminal outcome of a fix.
func (fs *FileStore) Finish(taskID string, category models.FixCategory, result models.FixResult) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	rec, exists := fs.records[recordKey(taskID, category)]
	if !exists {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, taskID, category)
	}

	completedAt := result.CompletedAt
	rec.Status = result.Status
	rec.Summary = result.Summary
	rec.Patch = result.Patch
	rec.ResearchNotes = result.ResearchNotes
	rec.CompletedAt = &completedAt
	rec.UpdatedAt = time.Now()
	fs.dirty = true

	return nil
}

// Get retrieves a record by task and category.
func (fs *FileStore) Get(taskID string, category models.FixCategory) (*models.FixRecord, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	rec, exists := fs.records[recordKey(taskID, category)]
	if !exists {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, taskID, category)
	}

	return cloneRecord(rec), nil
}

// ListByTask returns every record of a task ordered by category.
func (fs *FileStore) ListByTask(taskID string) ([]*models.FixRecord, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	result := []*models.FixRecord{}
	for _, rec := range fs.records {
		if rec.TaskID == taskID {
			result = append(result, cloneRecord(rec))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Category < result[j].Category
	})

	return result, nil
}

// Close stops the background saver and performs the final save. The
// final save error is returned on the first call only.
func (fs *FileStore) Close() error {
	fs.closed.Do(func() { close(fs.closeCh) })
	return <-fs.done
}
