// Package markermap manages the per-clip confidence score sidecar. Each
// detection method appends one named score column for every clip; reserved
// method names carry priority semantics when selecting the program portion
// of a recording.
package markermap

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"tstriage/internal/clips"
)

// Extension is the sidecar file extension for persisted marker maps.
const Extension = ".markermap"

// Reserved method names, in selection priority order. Ground truth is
// human-confirmed and always wins; the ensemble combiner is trained on prior
// ground truth; subtitle presence is a strong cheap heuristic unless the
// channel has no usable subtitling; logo-area stability is the fallback.
const (
	MethodGroundTruth = "_groundtruth"
	MethodEnsemble    = "_ensemble"
	MethodSubtitles   = "subtitles"
	MethodLogo        = "logo"
)

// AmbiguousScore is the sentinel a method records when it cannot decide.
const AmbiguousScore = 0.5

// ErrMissingScore reports a clip or method absent from the map.
var ErrMissingScore = errors.New("score not present")

// Map holds the mutable score table for one job. Clips are kept in their
// natural temporal order from the interval index.
type Map struct {
	path   string
	scores map[clips.Clip]map[string]float64
	order  []clips.Clip
}

// New creates an empty marker map that will persist to path.
func New(path string) *Map {
	return &Map{path: path, scores: make(map[clips.Clip]map[string]float64)}
}

// Load reads and parses a .markermap sidecar.
func Load(path string) (*Map, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read marker map %s: %w", path, err)
	}
	var raw map[string]map[string]float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse marker map %s: %w", path, err)
	}
	m := New(path)
	for key, columns := range raw {
		clip, err := ParseClipKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse marker map %s: %w", path, err)
		}
		cols := make(map[string]float64, len(columns))
		for method, score := range columns {
			cols[method] = score
		}
		m.scores[clip] = cols
		m.order = append(m.order, clip)
	}
	m.sortOrder()
	return m, nil
}

// Save persists the map back to its sidecar path.
func (m *Map) Save() error {
	raw := make(map[string]map[string]float64, len(m.scores))
	for clip, columns := range m.scores {
		raw[FormatClipKey(clip)] = columns
	}
	data, err := json.MarshalIndent(raw, "", " ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.path, data, 0o644)
}

// Path returns the sidecar location backing the map.
func (m *Map) Path() string {
	return m.path
}

// Clips returns all clip keys in ascending start order.
func (m *Map) Clips() []clips.Clip {
	cp := make([]clips.Clip, len(m.order))
	copy(cp, m.order)
	return cp
}

// Properties returns the method names present across the map, sorted.
func (m *Map) Properties() []string {
	seen := make(map[string]struct{})
	for _, columns := range m.scores {
		for method := range columns {
			seen[method] = struct{}{}
		}
	}
	props := make([]string, 0, len(seen))
	for method := range seen {
		props = append(props, method)
	}
	sort.Strings(props)
	return props
}

// HasProperty reports whether any clip carries a score from method.
func (m *Map) HasProperty(method string) bool {
	for _, columns := range m.scores {
		if _, ok := columns[method]; ok {
			return true
		}
	}
	return false
}

// Value returns the score a method recorded for a clip. Fails with
// ErrMissingScore when either is absent.
func (m *Map) Value(clip clips.Clip, method string) (float64, error) {
	columns, ok := m.scores[clip]
	if !ok {
		return 0, fmt.Errorf("%w: clip %v", ErrMissingScore, clip)
	}
	score, ok := columns[method]
	if !ok {
		return 0, fmt.Errorf("%w: clip %v method %q", ErrMissingScore, clip, method)
	}
	return score, nil
}

// SetValue records a method's score for a clip, registering the clip on
// first use. Scores live in [0,1]; AmbiguousScore marks an undecided clip.
func (m *Map) SetValue(clip clips.Clip, method string, score float64) {
	columns, ok := m.scores[clip]
	if !ok {
		columns = make(map[string]float64)
		m.scores[clip] = columns
		m.order = append(m.order, clip)
		m.sortOrder()
	}
	columns[method] = score
}

// GetProgramClips selects the clips judged to be program content, trying
// methods in strict priority order and returning on the first applicable
// one. The returned method name identifies which signal decided.
func (m *Map) GetProgramClips() ([]clips.Clip, string, error) {
	switch {
	case m.HasProperty(MethodGroundTruth):
		selected, err := m.clipsWhere(MethodGroundTruth, func(v float64) bool { return v == 1.0 })
		return selected, MethodGroundTruth, err
	case m.HasProperty(MethodEnsemble):
		selected, err := m.clipsWhere(MethodEnsemble, func(v float64) bool { return v == 1.0 })
		return selected, MethodEnsemble, err
	case m.HasProperty(MethodSubtitles) && !m.uniformlyAmbiguous(MethodSubtitles):
		selected, err := m.clipsWhere(MethodSubtitles, func(v float64) bool { return v == 1.0 })
		return selected, MethodSubtitles, err
	default:
		if !m.HasProperty(MethodLogo) {
			return nil, "", fmt.Errorf("%w: no usable selection method", ErrMissingScore)
		}
		selected, err := m.clipsWhere(MethodLogo, func(v float64) bool { return v > 0.5 })
		return selected, MethodLogo, err
	}
}

func (m *Map) clipsWhere(method string, keep func(float64) bool) ([]clips.Clip, error) {
	var selected []clips.Clip
	for _, clip := range m.order {
		score, err := m.Value(clip, method)
		if err != nil {
			return nil, err
		}
		if keep(score) {
			selected = append(selected, clip)
		}
	}
	return selected, nil
}

func (m *Map) uniformlyAmbiguous(method string) bool {
	for _, columns := range m.scores {
		score, ok := columns[method]
		if !ok {
			continue
		}
		if score != AmbiguousScore {
			return false
		}
	}
	return true
}

func (m *Map) sortOrder() {
	sort.Slice(m.order, func(i, j int) bool { return m.order[i].Less(m.order[j]) })
}

// ParseClipKey decodes the sidecar key form "(start, end)".
func ParseClipKey(key string) (clips.Clip, error) {
	trimmed := strings.TrimSpace(key)
	if !strings.HasPrefix(trimmed, "(") || !strings.HasSuffix(trimmed, ")") {
		return clips.Clip{}, fmt.Errorf("bad clip key %q", key)
	}
	parts := strings.Split(trimmed[1:len(trimmed)-1], ",")
	if len(parts) != 2 {
		return clips.Clip{}, fmt.Errorf("bad clip key %q", key)
	}
	start, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return clips.Clip{}, fmt.Errorf("bad clip key %q: %w", key, err)
	}
	end, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return clips.Clip{}, fmt.Errorf("bad clip key %q: %w", key, err)
	}
	if start >= end {
		return clips.Clip{}, fmt.Errorf("bad clip key %q: bounds out of order", key)
	}
	return clips.Clip{Start: start, End: end}, nil
}

// FormatClipKey encodes a clip in the sidecar key form. Timestamps keep a
// decimal point so keys stay byte-compatible with the historical format.
func FormatClipKey(c clips.Clip) string {
	return "(" + formatTimestamp(c.Start) + ", " + formatTimestamp(c.End) + ")"
}

func formatTimestamp(ts float64) string {
	s := strconv.FormatFloat(ts, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}
