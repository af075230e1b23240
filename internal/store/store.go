package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Sentinel errors surfaced by marker operations.
var (
	// ErrNotFound indicates no marker exists for the requested key.
	ErrNotFound = errors.New("store: marker not found")
	// ErrExists indicates a marker already exists for the key at some stage.
	ErrExists = errors.New("store: marker already exists")
)

// Store manages stage markers in a single flat directory. Each marker is
// one JSON payload named <key>.<stage>; renaming the file is the stage
// transition. The directory is the only shared mutable resource in the
// pipeline and is guarded by the process-level instance lock, not by
// per-item locking.
type Store struct {
	dir string
}

// Marker identifies one on-disk stage marker.
type Marker struct {
	Key   string
	Stage Stage
	Path  string
}

// Open ensures the marker directory exists and returns a store over it.
func Open(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("store: directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create marker directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the marker directory.
func (s *Store) Dir() string {
	return s.dir
}

// Put creates a marker for a new item at the given stage. It fails with
// ErrExists when the item's key is already present anywhere in the state
// space, preserving single residency.
func (s *Store) Put(item Item, stage Stage) (Marker, error) {
	key := item.Key()
	if key == "" {
		return Marker{}, errors.New("store: item has no source path")
	}
	if existing, err := s.Find(key); err != nil {
		return Marker{}, err
	} else if existing != nil {
		return Marker{}, fmt.Errorf("%w: %s at %s", ErrExists, key, existing.Stage)
	}
	marker := Marker{Key: key, Stage: stage, Path: s.markerPath(key, stage)}
	if err := writeJSON(marker.Path, item); err != nil {
		return Marker{}, err
	}
	return marker, nil
}

// List returns all markers at the given stage, sorted by key.
func (s *Store) List(stage Stage) ([]Marker, error) {
	return s.list(func(m Marker) bool { return m.Stage == stage })
}

// All returns every marker across all stages, sorted by key then stage.
func (s *Store) All() ([]Marker, error) {
	return s.list(func(Marker) bool { return true })
}

// Load reads a marker's payload. The marker file is not modified.
func (s *Store) Load(m Marker) (Item, error) {
	data, err := os.ReadFile(m.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Item{}, fmt.Errorf("%w: %s", ErrNotFound, m.Key)
		}
		return Item{}, fmt.Errorf("read marker %s: %w", m.Key, err)
	}
	var item Item
	if err := json.Unmarshal(data, &item); err != nil {
		return Item{}, fmt.Errorf("decode marker %s: %w", m.Key, err)
	}
	return item, nil
}

// Move transitions a marker to another stage by renaming it in place.
// The payload is untouched, so the transition is atomic on POSIX.
func (s *Store) Move(m Marker, to Stage) (Marker, error) {
	next := Marker{Key: m.Key, Stage: to, Path: s.markerPath(m.Key, to)}
	if err := os.Rename(m.Path, next.Path); err != nil {
		return Marker{}, fmt.Errorf("move %s to %s: %w", m.Key, to, err)
	}
	return next, nil
}

// Replace transitions a marker to another stage with an updated payload.
// The payload is rewritten at the current stage first and the transition
// is the same atomic rename Move uses, so the key occupies exactly one
// stage at every instant; a crash between the two steps resumes at the
// current stage with the updated payload.
func (s *Store) Replace(m Marker, to Stage, item Item) (Marker, error) {
	if err := writeJSON(m.Path, item); err != nil {
		return Marker{}, err
	}
	next := Marker{Key: m.Key, Stage: to, Path: s.markerPath(m.Key, to)}
	if next.Path == m.Path {
		return next, nil
	}
	if err := os.Rename(m.Path, next.Path); err != nil {
		return Marker{}, fmt.Errorf("move %s to %s: %w", m.Key, to, err)
	}
	return next, nil
}

// Remove deletes a marker, completing the pipeline for its item.
func (s *Store) Remove(m Marker) error {
	if err := os.Remove(m.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove marker %s: %w", m.Key, err)
	}
	return nil
}

// Find returns the marker whose key matches substring (or equals it),
// or nil when nothing matches. Used to avoid re-queuing in-flight items.
func (s *Store) Find(keySubstring string) (*Marker, error) {
	markers, err := s.All()
	if err != nil {
		return nil, err
	}
	for i := range markers {
		if strings.Contains(markers[i].Key, keySubstring) || strings.Contains(keySubstring, markers[i].Key) {
			return &markers[i], nil
		}
	}
	return nil, nil
}

// Has reports whether any stage holds a marker matching the key.
func (s *Store) Has(keySubstring string) (bool, error) {
	marker, err := s.Find(keySubstring)
	if err != nil {
		return false, err
	}
	return marker != nil, nil
}

func (s *Store) markerPath(key string, stage Stage) string {
	return filepath.Join(s.dir, key+stage.Ext())
}

func (s *Store) list(keep func(Marker) bool) ([]Marker, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list markers: %w", err)
	}
	var markers []Marker
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := filepath.Ext(name)
		if ext == "" {
			continue
		}
		// Raw media, ledgers, and other sidecars share the directory;
		// only stage extensions are markers.
		stage, ok := ParseStage(strings.TrimPrefix(ext, "."))
		if !ok {
			continue
		}
		marker := Marker{
			Key:   strings.TrimSuffix(name, ext),
			Stage: stage,
			Path:  filepath.Join(s.dir, name),
		}
		if keep(marker) {
			markers = append(markers, marker)
		}
	}
	sort.Slice(markers, func(i, j int) bool {
		if markers[i].Key != markers[j].Key {
			return markers[i].Key < markers[j].Key
		}
		return markers[i].Stage < markers[j].Stage
	})
	return markers, nil
}

func writeJSON(path string, item Item) error {
	data, err := json.MarshalIndent(item, "", "  ")
	if err != nil {
		return fmt.Errorf("encode marker: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write marker: %w", err)
	}
	return nil
}
