// Package recordings persists recorded step histories as JSON files.
package recordings

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgnsrekt/stepdeck/internal/types"
)

const FormatVersion = "1.0"

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

var ErrNotFound = errors.New("recording not found")

// Recording is the on-disk document.
type Recording struct {
	Version   string                  `json:"version"`
	Title     string                  `json:"title,omitempty"`
	CreatedAt time.Time               `json:"created_at"`
	Tabs      map[string][]types.Step `json:"tabs"`
	TabOrder  []string                `json:"tab_order"`
}

// Store manages recording files in one directory.
type Store struct {
	dir string
	mu  sync.RWMutex
	now func() time.Time
}

// NewStore creates a Store and ensures the directory exists.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("recordings store: mkdir %s: %w", dir, err)
	}
	return &Store{dir: dir, now: time.Now}, nil
}

// Sanitize maps a user supplied name to a safe file stem.
func Sanitize(name string) string {
	name = strings.TrimSuffix(strings.TrimSpace(name), ".json")
	name = unsafeChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, ".")
	if name == "" {
		return "recording"
	}
	return name
}

func (s *Store) path(stem string) string {
	return filepath.Join(s.dir, stem+".json")
}

// Save writes rec under name. When a file of that name exists and
// overwrite is false, a timestamp suffix is added. It returns the stored
// name.
func (s *Store) Save(name string, rec Recording, overwrite bool) (string, error) {
	stem := Sanitize(name)

	s.mu.Lock()
	defer s.mu.Unlock()

	if !overwrite {
		if _, err := os.Stat(s.path(stem)); err == nil {
			stem = stem + "-" + s.now().Format("20060102-150405")
		}
	}
	rec.Version = FormatVersion
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	if rec.Title == "" {
		rec.Title = stem
	}
	if rec.Tabs == nil {
		rec.Tabs = map[string][]types.Step{}
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("recordings store: marshal: %w", err)
	}
	tmp := s.path(stem) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("recordings store: write: %w", err)
	}
	if err := os.Rename(tmp, s.path(stem)); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("recordings store: rename: %w", err)
	}
	return stem, nil
}

// Load reads the recording called name.
func (s *Store) Load(name string) (Recording, error) {
	stem := Sanitize(name)

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path(stem))
	if err != nil {
		if os.IsNotExist(err) {
			return Recording{}, fmt.Errorf("%w: %s", ErrNotFound, stem)
		}
		return Recording{}, fmt.Errorf("recordings store: read: %w", err)
	}
	var rec Recording
	if err := json.Unmarshal(data, &rec); err != nil {
		return Recording{}, fmt.Errorf("recordings store: unmarshal %s: %w", stem, err)
	}
	if len(rec.TabOrder) == 0 {
		for id := range rec.Tabs {
			rec.TabOrder = append(rec.TabOrder, id)
		}
		sort.Strings(rec.TabOrder)
	}
	return rec, nil
}

// List returns the stored recording names sorted.
func (s *Store) List() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("recordings store: glob: %w", err)
	}
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, strings.TrimSuffix(filepath.Base(m), ".json"))
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes the recording called name.
func (s *Store) Delete(name string) error {
	stem := Sanitize(name)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(stem)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, stem)
		}
		return fmt.Errorf("recordings store: delete: %w", err)
	}
	return nil
}
