package store

import (
	"path/filepath"
	"strings"
)

// Stage represents the lifecycle of a pipeline item. The on-disk marker's
// file extension is the stage, so a crash leaves every item parked at
// exactly one well-defined stage to resume from.
type Stage string

const (
	StageCategorized Stage = "categorized"
	StageToAnalyze   Stage = "toanalyze"
	StageToMark      Stage = "tomark"
	StageToCut       Stage = "tocut"
	StageToEncode    Stage = "toencode"
	StageToConfirm   Stage = "toconfirm"
	StageToCleanup   Stage = "tocleanup"
	StageError       Stage = "error"
)

var allStages = []Stage{
	StageCategorized,
	StageToAnalyze,
	StageToMark,
	StageToCut,
	StageToEncode,
	StageToConfirm,
	StageToCleanup,
	StageError,
}

var stageSet = func() map[Stage]struct{} {
	set := make(map[Stage]struct{}, len(allStages))
	for _, stage := range allStages {
		set[stage] = struct{}{}
	}
	return set
}()

// AllStages returns the ordered list of known stages.
func AllStages() []Stage {
	cp := make([]Stage, len(allStages))
	copy(cp, allStages)
	return cp
}

// ParseStage converts a string into a known Stage.
func ParseStage(value string) (Stage, bool) {
	normalized := Stage(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := stageSet[normalized]
	return normalized, ok
}

// Ext returns the marker file extension for the stage.
func (s Stage) Ext() string {
	return "." + string(s)
}

// Terminal reports whether the stage has no automatic outbound transition.
func (s Stage) Terminal() bool {
	return s == StageError
}

// Options is a free-form per-stage option bag carried through the
// pipeline. Keys come from triage settings files discovered next to the
// destination folder.
type Options map[string]any

// String returns opts[key] when it holds a string, or fallback.
func (o Options) String(key, fallback string) string {
	if v, ok := o[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return fallback
}

// Bool returns opts[key] when it holds a bool, or fallback.
func (o Options) Bool(key string, fallback bool) bool {
	if v, ok := o[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return fallback
}

// Float returns opts[key] when it holds a number, or fallback. JSON
// decoding yields float64 for every numeric literal.
func (o Options) Float(key string, fallback float64) float64 {
	if v, ok := o[key]; ok {
		if f, ok := v.(float64); ok {
			return f
		}
	}
	return fallback
}

// Item is the persisted payload of one unit of work.
type Item struct {
	// Path is the recorded source file.
	Path string `json:"path"`
	// Destination is the library folder the final artifact belongs in.
	// Empty until categorization resolves it.
	Destination string `json:"destination,omitempty"`
	// Cache is the local working directory hint.
	Cache string `json:"cache,omitempty"`
	// Per-stage option bags from the destination's triage settings.
	Cutter  Options `json:"cutter,omitempty"`
	Marker  Options `json:"marker,omitempty"`
	Encoder Options `json:"encoder,omitempty"`
}

// Key returns the stable job key: the source filename stem. The key is
// unique across all stages at once, which is the single-residency
// invariant the whole pipeline leans on.
func (i Item) Key() string {
	return KeyForPath(i.Path)
}

// KeyForPath derives a job key from any path referring to the source file.
func KeyForPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
