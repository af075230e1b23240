// Package encoder turns an analyzed recording into final artifacts. It
// selects program clips from the marker map, extracts their byte ranges,
// and pumps them through a strip/transcode ffmpeg chain, optionally
// teeing into a subtitle extractor whose pipe may close early.
package encoder

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"tstriage/internal/clips"
	"tstriage/internal/extract"
	"tstriage/internal/logging"
	"tstriage/internal/markermap"
	"tstriage/internal/media/ffprobe"
	"tstriage/internal/ptsmap"
	"tstriage/internal/services"
)

// commandContext is swapped in tests so the pipeline runs without ffmpeg.
var commandContext = exec.CommandContext

// inspect is swapped in tests to fake the output duration check.
var inspect = ffprobe.Inspect

// Service runs the transcode step for one item at a time.
type Service struct {
	ffmpeg            string
	ffprobe           string
	codec             string
	durationTolerance float64
	subtitleCommand   string
	logger            *slog.Logger
}

// Config carries the encoder settings the service needs.
type Config struct {
	FFmpegBinary      string
	FFprobeBinary     string
	Codec             string
	DurationTolerance float64
	SubtitleCommand   string
}

// NewService builds an encoding service.
func NewService(cfg Config, logger *slog.Logger) *Service {
	svc := &Service{
		ffmpeg:            strings.TrimSpace(cfg.FFmpegBinary),
		ffprobe:           strings.TrimSpace(cfg.FFprobeBinary),
		codec:             strings.TrimSpace(cfg.Codec),
		durationTolerance: cfg.DurationTolerance,
		subtitleCommand:   strings.TrimSpace(cfg.SubtitleCommand),
		logger:            logging.NewComponentLogger(logger, "encoder"),
	}
	if svc.ffmpeg == "" {
		svc.ffmpeg = "ffmpeg"
	}
	if svc.ffprobe == "" {
		svc.ffprobe = "ffprobe"
	}
	if svc.codec == "" {
		svc.codec = "libx264"
	}
	if svc.durationTolerance <= 0 {
		svc.durationTolerance = 0.05
	}
	return svc
}

// Request describes one encode job.
type Request struct {
	// Source is the local working copy of the recording.
	Source string
	// OutFile is the target artifact path; multi-part encodes append _N
	// before the extension.
	OutFile string
	Index   *ptsmap.Map
	Markers *markermap.Map
	Preset  string
	// ByGroup encodes each merged program block into its own file.
	ByGroup bool
	// SplitNum > 1 partitions the program into that many balanced parts.
	SplitNum int
	FixAudio bool
	// AudioLanguages overrides the per-track language tags; when empty they
	// are guessed from the source filename.
	AudioLanguages []string
}

// Encode runs the full pipeline and returns the produced artifact paths.
func (s *Service) Encode(ctx context.Context, req Request) ([]string, error) {
	preset, err := LookupPreset(req.Preset)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "encode", "preset", err.Error(), nil)
	}
	program, method, err := req.Markers.GetProgramClips()
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "encode", "select clips", "no usable marker method", err)
	}

	var groups [][]clips.Clip
	switch {
	case req.SplitNum > 1:
		for _, part := range clips.Split(program, req.SplitNum) {
			groups = append(groups, clips.MergeNeighbors(part))
		}
	case req.ByGroup:
		for _, clip := range clips.MergeNeighbors(program) {
			groups = append(groups, []clips.Clip{clip})
		}
	default:
		groups = [][]clips.Clip{clips.MergeNeighbors(program)}
	}

	s.logger.InfoContext(ctx, "starting encode",
		logging.String("source", filepath.Base(req.Source)),
		logging.String("method", method),
		logging.Int("parts", len(groups)),
		logging.Float64("program_seconds", clips.Duration(program)))

	languages := req.AudioLanguages
	if len(languages) == 0 {
		languages = AudioLanguagesForName(filepath.Base(req.Source))
	}

	outputs := make([]string, 0, len(groups))
	for i, group := range groups {
		outFile := req.OutFile
		if len(groups) > 1 {
			ext := filepath.Ext(outFile)
			outFile = strings.TrimSuffix(outFile, ext) + fmt.Sprintf("_%d", i) + ext
		}
		if err := s.encodeGroup(ctx, req, preset, group, languages, outFile); err != nil {
			return outputs, err
		}
		outputs = append(outputs, outFile)
	}
	return outputs, nil
}

func (s *Service) encodeGroup(ctx context.Context, req Request, preset Preset, group []clips.Clip, languages []string, outFile string) error {
	if len(group) == 0 {
		return services.Wrap(services.ErrValidation, "encode", "plan", "empty clip group", nil)
	}
	_ = os.Remove(outFile)

	encodeLog := stageLog(outFile, "encode")
	defer encodeLog.Close()
	stripLog := stageLog(outFile, "strip")
	defer stripLog.Close()

	encodeCmd := commandContext(ctx, s.ffmpeg, EncodeArgs(s.ffmpeg, "-", outFile, preset, s.codec)[1:]...)
	encodeCmd.Stderr = encodeLog
	encodeIn, err := encodeCmd.StdinPipe()
	if err != nil {
		return services.Wrap(services.ErrExternalTool, "encode", "transcode", "open stdin", err)
	}
	if err := encodeCmd.Start(); err != nil {
		return services.Wrap(services.ErrExternalTool, "encode", "transcode", "start ffmpeg", err)
	}

	stripCmd := commandContext(ctx, s.ffmpeg, StripArgs(s.ffmpeg, "-", "-", languages, req.FixAudio)[1:]...)
	stripCmd.Stdout = encodeIn
	stripCmd.Stderr = stripLog
	stripIn, err := stripCmd.StdinPipe()
	if err != nil {
		_ = encodeIn.Close()
		_ = encodeCmd.Wait()
		return services.Wrap(services.ErrExternalTool, "encode", "strip", "open stdin", err)
	}
	if err := stripCmd.Start(); err != nil {
		_ = encodeIn.Close()
		_ = encodeCmd.Wait()
		return services.Wrap(services.ErrExternalTool, "encode", "strip", "start ffmpeg", err)
	}

	sinks := []extract.Sink{{Writer: stripIn, Name: "strip"}}
	var subtitleCmd *exec.Cmd
	var subtitleIn io.WriteCloser
	if s.subtitleCommand != "" {
		parts := strings.Fields(s.subtitleCommand)
		args := append(parts[1:], strings.TrimSuffix(outFile, filepath.Ext(outFile)))
		subtitleCmd = commandContext(ctx, parts[0], args...)
		subtitleIn, err = subtitleCmd.StdinPipe()
		if err == nil {
			err = subtitleCmd.Start()
		}
		if err != nil {
			s.logger.WarnContext(ctx, "subtitle extractor unavailable", logging.Error(err))
			subtitleCmd = nil
		} else {
			sinks = append(sinks, extract.Sink{Writer: subtitleIn, Name: "subtitles", TolerateClose: true})
		}
	}

	extractErr := extract.Clips(ctx, req.Source, group, req.Index, sinks, nil)

	_ = stripIn.Close()
	stripErr := stripCmd.Wait()
	_ = encodeIn.Close()
	encodeErr := encodeCmd.Wait()
	if subtitleCmd != nil {
		_ = subtitleIn.Close()
		_ = subtitleCmd.Wait()
	}

	if extractErr != nil {
		if services.IsAbort(extractErr) {
			return extractErr
		}
		return services.Wrap(services.ErrExternalTool, "encode", "extract", "stream clips", extractErr)
	}
	if stripErr != nil {
		return services.Wrap(services.ErrExternalTool, "encode", "strip", "ffmpeg failed", stripErr)
	}
	if encodeErr != nil {
		return services.Wrap(services.ErrExternalTool, "encode", "transcode", "ffmpeg failed", encodeErr)
	}

	return s.checkDuration(ctx, group, outFile)
}

// checkDuration compares the artifact duration against the planned clip
// duration; disagreement beyond tolerance is an encoding error.
func (s *Service) checkDuration(ctx context.Context, group []clips.Clip, outFile string) error {
	planned := clips.Duration(group)
	if planned <= 0 {
		return nil
	}
	result, err := inspect(ctx, s.ffprobe, outFile)
	if err != nil {
		return services.Wrap(services.ErrExternalTool, "encode", "verify", "probe output", err)
	}
	actual := result.DurationSeconds()
	ratio := actual / planned
	if ratio < 1-s.durationTolerance || ratio > 1+s.durationTolerance {
		return services.Wrap(services.ErrEncoding, "encode", "verify",
			fmt.Sprintf("output duration %.2fs disagrees with planned %.2fs", actual, planned), nil)
	}
	s.logger.DebugContext(ctx, "duration verified",
		logging.String("output", filepath.Base(outFile)),
		logging.Float64("planned_seconds", planned),
		logging.Float64("actual_seconds", actual))
	return nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// stageLog opens the ffmpeg stderr transcript next to the artifact.
func stageLog(outFile, stage string) io.WriteCloser {
	dir := filepath.Dir(outFile)
	name := strings.TrimSuffix(filepath.Base(outFile), filepath.Ext(outFile))
	f, err := os.Create(filepath.Join(dir, name+"_"+stage+".log"))
	if err != nil {
		return nopWriteCloser{io.Discard}
	}
	return f
}
