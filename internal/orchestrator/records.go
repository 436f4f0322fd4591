package orchestrator

import (
	"sync"

	"github.com/mysleekdesigns/fixpool/pkg/models"
)

type recordKey struct {
	taskID   string
	category models.FixCategory
}

// recordWriter serializes writes to each fix record. Every start claims a
// new generation for its record; writes carrying an older generation are
// dropped, so a superseded agent cannot overwrite its successor's record.
type recordWriter struct {
	mu    sync.Mutex
	slots map[recordKey]*recordSlot
}

type recordSlot struct {
	mu  sync.Mutex
	gen uint64
}

func newRecordWriter() *recordWriter {
	return &recordWriter{slots: make(map[recordKey]*recordSlot)}
}

func (w *recordWriter) slot(key recordKey) *recordSlot {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.slots[key]
	if !ok {
		s = &recordSlot{}
		w.slots[key] = s
	}
	return s
}

// claim starts a new generation for key and runs fn while holding the
// record. fn sees no concurrent write to the same record.
func (w *recordWriter) claim(key recordKey, fn func() error) (uint64, error) {
	s := w.slot(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	return s.gen, fn()
}

// write runs fn if gen is still the current generation of key. It reports
// whether fn ran.
func (w *recordWriter) write(key recordKey, gen uint64, fn func() error) (bool, error) {
	s := w.slot(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return false, nil
	}
	return true, fn()
}

// reset runs fn while holding the record without changing its generation.
func (w *recordWriter) reset(key recordKey, fn func() error) error {
	s := w.slot(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn()
}
