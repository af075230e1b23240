package encoder

import (
	"fmt"
	"sort"
	"strings"
)

// Preset bundles the ffmpeg parameters for one output profile.
type Preset struct {
	VideoFilter string
	Bitrate     string
	MaxRate     string
	CRF         string
}

var presets = map[string]Preset{
	"drama": {
		VideoFilter: "bwdif=0",
		Bitrate:     "2500k",
		MaxRate:     "5000k",
		CRF:         "19",
	},
	"drama720p": {
		VideoFilter: "bwdif=0,scale=1280:720",
		Bitrate:     "1500k",
		MaxRate:     "3000k",
		CRF:         "19",
	},
	"anime": {
		VideoFilter: "pullup,fps=24000/1001",
		Bitrate:     "2500k",
		MaxRate:     "5000k",
		CRF:         "19",
	},
	"anime720p": {
		VideoFilter: "pullup,fps=24000/1001,scale=1280:720",
		Bitrate:     "1500k",
		MaxRate:     "3000k",
		CRF:         "19",
	},
	"anime480p": {
		VideoFilter: "pullup,fps=24000/1001,scale=852:480",
		Bitrate:     "750k",
		MaxRate:     "1500k",
		CRF:         "19",
	},
	"bluedvd": {
		VideoFilter: "",
		Bitrate:     "2500k",
		MaxRate:     "5000k",
		CRF:         "19",
	},
}

// LookupPreset resolves a preset name.
func LookupPreset(name string) (Preset, error) {
	preset, ok := presets[strings.TrimSpace(name)]
	if !ok {
		return Preset{}, fmt.Errorf("unknown encoder preset %q (known: %s)", name, strings.Join(PresetNames(), ", "))
	}
	return preset, nil
}

// PresetNames returns the known preset names in lexical order.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AudioLanguagesForName guesses per-track audio languages from broadcast
// markers embedded in the recorded filename. The second track of a
// bilingual broadcast carries English.
func AudioLanguagesForName(name string) []string {
	if strings.Contains(name, "[二]") {
		return []string{"jpn", "eng"}
	}
	return []string{"jpn", "jpn"}
}
