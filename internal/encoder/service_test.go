package encoder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"tstriage/internal/clips"
	"tstriage/internal/markermap"
	"tstriage/internal/media/ffprobe"
	"tstriage/internal/ptsmap"
	"tstriage/internal/services"
)

func TestLookupPresetUnknown(t *testing.T) {
	if _, err := LookupPreset("dogma"); err == nil {
		t.Fatal("expected error for unknown preset")
	}
	preset, err := LookupPreset("anime720p")
	if err != nil {
		t.Fatalf("LookupPreset: %v", err)
	}
	if !strings.Contains(preset.VideoFilter, "scale=1280:720") {
		t.Fatalf("preset filter = %q", preset.VideoFilter)
	}
}

func TestAudioLanguagesForName(t *testing.T) {
	if langs := AudioLanguagesForName("movie[二]20260901.ts"); langs[1] != "eng" {
		t.Fatalf("bilingual name: %v", langs)
	}
	if langs := AudioLanguagesForName("plain.ts"); langs[0] != "jpn" || langs[1] != "jpn" {
		t.Fatalf("plain name: %v", langs)
	}
}

func TestStripArgs(t *testing.T) {
	args := StripArgs("ffmpeg", "-", "-", []string{"jpn", "eng"}, false)
	joined := strings.Join(args, " ")
	for _, want := range []string{"-c:v copy", "-c:a copy", "-metadata:s:a:0 language=jpn", "-metadata:s:a:1 language=eng", "-f mpegts"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("strip args missing %q: %s", want, joined)
		}
	}

	fixed := strings.Join(StripArgs("ffmpeg", "-", "-", []string{"jpn"}, true), " ")
	if !strings.Contains(fixed, "aresample=async=1") || !strings.Contains(fixed, "-c:a aac") {
		t.Fatalf("fixAudio args: %s", fixed)
	}
}

func TestEncodeArgsCodecFamilies(t *testing.T) {
	preset, _ := LookupPreset("drama")

	nvenc := strings.Join(EncodeArgs("ffmpeg", "-", "out.mp4", preset, "hevc_nvenc"), " ")
	if !strings.Contains(nvenc, "-rc:v vbr_hq") || !strings.Contains(nvenc, "-cq:v 19") {
		t.Fatalf("nvenc args: %s", nvenc)
	}

	vt := strings.Join(EncodeArgs("ffmpeg", "-", "out.mp4", preset, "h264_videotoolbox"), " ")
	if strings.Contains(vt, "-crf") || !strings.Contains(vt, "-b:v 2500k") {
		t.Fatalf("videotoolbox args: %s", vt)
	}

	sw := strings.Join(EncodeArgs("ffmpeg", "-", "out.mp4", preset, "libx264"), " ")
	if !strings.Contains(sw, "-crf 19") {
		t.Fatalf("software args: %s", sw)
	}

	blue, _ := LookupPreset("bluedvd")
	if strings.Contains(strings.Join(EncodeArgs("ffmpeg", "-", "out.mp4", blue, "libx264"), " "), "-vf") {
		t.Fatal("empty video filter should not emit -vf")
	}
}

// stubCommands reroutes the strip stage to cat and the encode stage to a
// shell redirect, so the pipeline runs without ffmpeg installed.
func stubCommands(t *testing.T, durations map[string]float64) {
	t.Helper()
	origCommand := commandContext
	origInspect := inspect
	t.Cleanup(func() {
		commandContext = origCommand
		inspect = origInspect
	})
	commandContext = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		joined := strings.Join(args, " ")
		if strings.Contains(joined, "-f mpegts") {
			return exec.CommandContext(ctx, "cat")
		}
		outFile := args[len(args)-1]
		return exec.CommandContext(ctx, "sh", "-c", fmt.Sprintf("cat > %q", outFile))
	}
	inspect = func(ctx context.Context, binary, path string) (ffprobe.Result, error) {
		duration, ok := durations[filepath.Base(path)]
		if !ok {
			return ffprobe.Result{}, fmt.Errorf("unexpected probe of %s", path)
		}
		return ffprobe.Result{Format: ffprobe.Format{Duration: fmt.Sprintf("%v", duration)}}, nil
	}
}

func pipelineFixture(t *testing.T) (string, *ptsmap.Map, *markermap.Map) {
	t.Helper()
	dir := t.TempDir()
	data := make([]byte, 1000)
	for i := range data {
		data[i] = byte(i % 251)
	}
	source := filepath.Join(dir, "show.ts")
	if err := os.WriteFile(source, data, 0o644); err != nil {
		t.Fatal(err)
	}
	index := ptsmap.FromEntries(map[float64]ptsmap.Positions{
		0:  {NextStartPos: 100, PrevEndPos: 0},
		10: {NextStartPos: 500, PrevEndPos: 200},
		20: {NextStartPos: 900, PrevEndPos: 800},
	})
	markers := markermap.New(filepath.Join(dir, "show.markermap"))
	markers.SetValue(clips.New(0, 10), markermap.MethodGroundTruth, 1.0)
	markers.SetValue(clips.New(10, 20), markermap.MethodGroundTruth, 1.0)
	return source, index, markers
}

func TestEncodeProducesArtifact(t *testing.T) {
	source, index, markers := pipelineFixture(t)
	outFile := filepath.Join(filepath.Dir(source), "show.mp4")
	stubCommands(t, map[string]float64{"show.mp4": 20})

	svc := NewService(Config{Codec: "libx264", DurationTolerance: 0.05}, nil)
	outputs, err := svc.Encode(context.Background(), Request{
		Source:  source,
		OutFile: outFile,
		Index:   index,
		Markers: markers,
		Preset:  "drama",
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(outputs) != 1 || outputs[0] != outFile {
		t.Fatalf("outputs = %v", outputs)
	}

	got, err := os.ReadFile(outFile)
	if err != nil {
		t.Fatal(err)
	}
	src, _ := os.ReadFile(source)
	want := append(append([]byte(nil), src[100:200]...), src[500:800]...)
	if !bytes.Equal(got, want) {
		t.Fatalf("artifact bytes: got %d, want %d", len(got), len(want))
	}
}

func TestEncodeSplitsIntoParts(t *testing.T) {
	source, index, markers := pipelineFixture(t)
	outFile := filepath.Join(filepath.Dir(source), "show.mp4")
	stubCommands(t, map[string]float64{"show_0.mp4": 10, "show_1.mp4": 10})

	svc := NewService(Config{Codec: "libx264", DurationTolerance: 0.05}, nil)
	outputs, err := svc.Encode(context.Background(), Request{
		Source:   source,
		OutFile:  outFile,
		Index:    index,
		Markers:  markers,
		Preset:   "drama",
		SplitNum: 2,
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(outputs) != 2 {
		t.Fatalf("outputs = %v", outputs)
	}
	for _, out := range outputs {
		if _, err := os.Stat(out); err != nil {
			t.Fatalf("missing artifact %s: %v", out, err)
		}
	}
}

func TestEncodeDurationMismatchIsEncodingError(t *testing.T) {
	source, index, markers := pipelineFixture(t)
	outFile := filepath.Join(filepath.Dir(source), "show.mp4")
	// Planned program duration is 20s; the probe reports half of it.
	stubCommands(t, map[string]float64{"show.mp4": 10})

	svc := NewService(Config{Codec: "libx264", DurationTolerance: 0.05}, nil)
	_, err := svc.Encode(context.Background(), Request{
		Source:  source,
		OutFile: outFile,
		Index:   index,
		Markers: markers,
		Preset:  "drama",
	})
	if !errors.Is(err, services.ErrEncoding) {
		t.Fatalf("expected ErrEncoding, got %v", err)
	}
}

func TestEncodeUnknownPresetFailsValidation(t *testing.T) {
	source, index, markers := pipelineFixture(t)
	svc := NewService(Config{}, nil)
	_, err := svc.Encode(context.Background(), Request{
		Source:  source,
		OutFile: filepath.Join(filepath.Dir(source), "show.mp4"),
		Index:   index,
		Markers: markers,
		Preset:  "mystery",
	})
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}
