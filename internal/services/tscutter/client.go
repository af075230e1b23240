// Package tscutter wraps the external silence-cut analysis tool that
// produces the timestamp-to-byte-offset index for a recording.
package tscutter

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"tstriage/internal/logging"
	"tstriage/internal/services"
)

// commandContext is swapped in tests to avoid invoking the real tool.
var commandContext = exec.CommandContext

// Defaults for the silence detector, tuned for Japanese terrestrial
// broadcasts.
const (
	DefaultMinSilenceLen = 800
	DefaultSilenceThresh = -80
	DefaultSplitPosShift = 1
)

// Client invokes the analysis binary.
type Client struct {
	binary string
	logger *slog.Logger
}

// New creates a client for the given binary; empty means "tscutter" on PATH.
func New(binary string, logger *slog.Logger) *Client {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = "tscutter"
	}
	return &Client{
		binary: binary,
		logger: logging.NewComponentLogger(logger, "tscutter"),
	}
}

// Request describes one analysis run.
type Request struct {
	// Video is the local working copy to analyze.
	Video string
	// IndexPath is where the tool writes the interval index sidecar.
	IndexPath string
	// Detector tuning; zero values take the defaults above.
	MinSilenceLen int
	SilenceThresh int
	SplitPosShift int
}

// Analyze runs the silence-cut analysis and verifies the index sidecar
// was produced.
func (c *Client) Analyze(ctx context.Context, req Request) error {
	if strings.TrimSpace(req.Video) == "" {
		return services.Wrap(services.ErrValidation, "analyze", "tscutter", "video path is required", nil)
	}
	if strings.TrimSpace(req.IndexPath) == "" {
		return services.Wrap(services.ErrValidation, "analyze", "tscutter", "index path is required", nil)
	}
	minSilence := req.MinSilenceLen
	if minSilence <= 0 {
		minSilence = DefaultMinSilenceLen
	}
	thresh := req.SilenceThresh
	if thresh == 0 {
		thresh = DefaultSilenceThresh
	}
	shift := req.SplitPosShift
	if shift == 0 {
		shift = DefaultSplitPosShift
	}

	args := []string{
		"--input", req.Video,
		"--output", req.IndexPath,
		"--min-silence-len", strconv.Itoa(minSilence),
		"--silence-thresh", strconv.Itoa(thresh),
		"--split-pos-shift", strconv.Itoa(shift),
	}
	c.logger.InfoContext(ctx, "analyzing", logging.String("video", req.Video))
	cmd := commandContext(ctx, c.binary, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if services.IsAbort(ctx.Err()) {
			return ctx.Err()
		}
		return services.Wrap(services.ErrExternalTool, "analyze", "tscutter",
			fmt.Sprintf("analysis failed: %s", strings.TrimSpace(string(output))), err)
	}
	if _, err := os.Stat(req.IndexPath); err != nil {
		return services.Wrap(services.ErrExternalTool, "analyze", "tscutter", "index sidecar was not produced", err)
	}
	return nil
}
