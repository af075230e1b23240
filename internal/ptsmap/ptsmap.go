// Package ptsmap loads the interval index sidecar produced by the silence
// analysis stage: a mapping from presentation timestamps to byte offsets in
// the source transport stream. The index is read-only after load; a missing
// key means the marker data and the index no longer agree, which is fatal
// for the owning job.
package ptsmap

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"

	"tstriage/internal/clips"
)

// Extension is the sidecar file extension for persisted interval indexes.
const Extension = ".ptsmap"

// ErrKeyNotFound reports a timestamp that was never registered by the
// analysis stage.
var ErrKeyNotFound = errors.New("timestamp not in index")

// Positions holds the byte offsets recorded for one timestamp: the first
// byte of the packet group starting at or after it, and the end of the
// packet group preceding it.
type Positions struct {
	NextStartPos int64 `json:"next_start_pos"`
	PrevEndPos   int64 `json:"prev_end_pos"`
}

// Map is an immutable timestamp-to-offset index.
type Map struct {
	entries    map[float64]Positions
	timestamps []float64
}

// FromEntries builds an index from already-parsed entries.
func FromEntries(entries map[float64]Positions) *Map {
	m := &Map{entries: make(map[float64]Positions, len(entries))}
	for ts, pos := range entries {
		m.entries[ts] = pos
		m.timestamps = append(m.timestamps, ts)
	}
	sort.Float64s(m.timestamps)
	return m
}

// Load reads and parses a .ptsmap sidecar.
func Load(path string) (*Map, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read index %s: %w", path, err)
	}
	var raw map[string]Positions
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse index %s: %w", path, err)
	}
	entries := make(map[float64]Positions, len(raw))
	for key, pos := range raw {
		ts, err := strconv.ParseFloat(key, 64)
		if err != nil {
			return nil, fmt.Errorf("parse index %s: bad timestamp %q: %w", path, key, err)
		}
		entries[ts] = pos
	}
	return FromEntries(entries), nil
}

// WriteFile persists the index as a JSON sidecar. Used by the analysis
// collaborator boundary and by test fixtures.
func (m *Map) WriteFile(path string) error {
	raw := make(map[string]Positions, len(m.entries))
	for ts, pos := range m.entries {
		raw[strconv.FormatFloat(ts, 'f', -1, 64)] = pos
	}
	data, err := json.MarshalIndent(raw, "", " ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Len returns the number of indexed timestamps.
func (m *Map) Len() int {
	return len(m.timestamps)
}

// Timestamps returns the indexed timestamps in ascending order.
func (m *Map) Timestamps() []float64 {
	cp := make([]float64, len(m.timestamps))
	copy(cp, m.timestamps)
	return cp
}

// Lookup resolves a timestamp to its byte offsets. Unknown timestamps fail
// with ErrKeyNotFound.
func (m *Map) Lookup(ts float64) (Positions, error) {
	pos, ok := m.entries[ts]
	if !ok {
		return Positions{}, fmt.Errorf("%w: %v", ErrKeyNotFound, ts)
	}
	return pos, nil
}

// ClipRange translates a clip into the half-open byte range
// [next_start_pos(start), prev_end_pos(end)). Both bounds must be indexed
// and the range must not be inverted.
func (m *Map) ClipRange(c clips.Clip) (start, end int64, err error) {
	startPos, err := m.Lookup(c.Start)
	if err != nil {
		return 0, 0, err
	}
	endPos, err := m.Lookup(c.End)
	if err != nil {
		return 0, 0, err
	}
	if startPos.NextStartPos > endPos.PrevEndPos {
		return 0, 0, fmt.Errorf("inverted byte range for clip %v: %d > %d", c, startPos.NextStartPos, endPos.PrevEndPos)
	}
	return startPos.NextStartPos, endPos.PrevEndPos, nil
}
