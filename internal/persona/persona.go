// Package persona loads per-category guidance that is prepended to fix
// agent prompts. A directory holds one markdown file per fix category,
// e.g. security.md and quality.md.
package persona

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/mysleekdesigns/fixpool/pkg/models"
)

// Manager holds the loaded guidance, keyed by category.
type Manager struct {
	dir      string
	personas map[models.FixCategory]string
	mu       sync.RWMutex
}

// NewManager loads guidance from dir. An empty dir or a missing directory
// yields an empty manager.
func NewManager(dir string) (*Manager, error) {
	m := &Manager{
		dir:      dir,
		personas: make(map[models.FixCategory]string),
	}

	if dir != "" {
		if err := m.Reload(); err != nil {
			return nil, fmt.Errorf("failed to load personas: %w", err)
		}
	}

	return m, nil
}

// Reload rereads the directory. Files whose name is not a known category
// are ignored.
func (m *Manager) Reload() error {
	info, err := os.Stat(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("persona_dir is not a directory: %s", m.dir)
	}

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return err
	}

	loaded := make(map[models.FixCategory]string)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(name), ".md") {
			continue
		}

		category := models.FixCategory(strings.ToLower(strings.TrimSuffix(name, filepath.Ext(name))))
		if !models.ValidCategory(category) {
			continue
		}

		content, err := os.ReadFile(filepath.Join(m.dir, name))
		if err != nil {
			return fmt.Errorf("failed to read persona file %s: %w", name, err)
		}
		if text := strings.TrimSpace(string(content)); text != "" {
			loaded[category] = text
		}
	}

	m.mu.Lock()
	m.personas = loaded
	m.mu.Unlock()
	return nil
}

// For returns the guidance for a category, or "".
func (m *Manager) For(category models.FixCategory) string {
	if m == nil {
		return ""
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.personas[category]
}

// Categories lists the categories that have guidance, sorted.
func (m *Manager) Categories() []models.FixCategory {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.FixCategory, 0, len(m.personas))
	for c := range m.personas {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Apply prepends the category guidance to prompt. A nil manager or a
// category without guidance returns prompt unchanged.
func (m *Manager) Apply(category models.FixCategory, prompt string) string {
	content := m.For(category)
	if content == "" {
		return prompt
	}
	return content + "\n\n" + prompt
}
