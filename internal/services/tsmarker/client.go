// Package tsmarker wraps the external scoring tool. Each invocation
// appends one method's score column to the marker map; the ground-truth
// subcommand harvests the operator's review of the cut clips and reports
// whether a re-encode is needed.
package tsmarker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"tstriage/internal/logging"
	"tstriage/internal/services"
)

// commandContext is swapped in tests to avoid invoking the real tool.
var commandContext = exec.CommandContext

// Scoring methods the tool provides, in the order marking runs them.
const (
	MethodSubtitles = "subtitles"
	MethodClipInfo  = "clipinfo"
	MethodLogo      = "logo"
	MethodEnsemble  = "ensemble"
)

// Client invokes the scoring binary.
type Client struct {
	binary string
	logger *slog.Logger
}

// New creates a client for the given binary; empty means "tsmarker" on PATH.
func New(binary string, logger *slog.Logger) *Client {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = "tsmarker"
	}
	return &Client{
		binary: binary,
		logger: logging.NewComponentLogger(logger, "tsmarker"),
	}
}

// MarkRequest describes one scoring run over a recording.
type MarkRequest struct {
	Video      string
	IndexPath  string
	MarkerPath string
	// LogoPath is the channel logo baseline required by the logo method.
	LogoPath string
	// MetadataDir is the folder of historical marker maps the ensemble
	// method trains on.
	MetadataDir string
	// NoEnsemble skips the trained combiner, leaving only raw signals.
	NoEnsemble bool
}

// Mark appends the score columns for every configured method.
func (c *Client) Mark(ctx context.Context, req MarkRequest) error {
	if strings.TrimSpace(req.Video) == "" || strings.TrimSpace(req.MarkerPath) == "" {
		return services.Wrap(services.ErrValidation, "mark", "tsmarker", "video and marker paths are required", nil)
	}
	methods := []string{MethodSubtitles, MethodClipInfo, MethodLogo}
	if !req.NoEnsemble {
		methods = append(methods, MethodEnsemble)
	}
	for _, method := range methods {
		if err := c.runMethod(ctx, method, req); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) runMethod(ctx context.Context, method string, req MarkRequest) error {
	args := []string{
		method,
		"--input", req.Video,
		"--index", req.IndexPath,
		"--marker", req.MarkerPath,
	}
	switch method {
	case MethodLogo:
		if req.LogoPath != "" {
			args = append(args, "--logo", req.LogoPath)
		}
	case MethodEnsemble:
		if req.MetadataDir != "" {
			args = append(args, "--metadata", req.MetadataDir)
		}
	}
	c.logger.InfoContext(ctx, "scoring", logging.String("method", method), logging.String("video", req.Video))
	cmd := commandContext(ctx, c.binary, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if services.IsAbort(ctx.Err()) {
			return ctx.Err()
		}
		return services.Wrap(services.ErrExternalTool, "mark", method,
			fmt.Sprintf("scoring failed: %s", strings.TrimSpace(string(output))), err)
	}
	return nil
}

// ConfirmRequest describes one ground-truth harvest.
type ConfirmRequest struct {
	IndexPath  string
	MarkerPath string
	// ClipsDir is the review folder the operator curated; deleted clips
	// signal misclassification.
	ClipsDir string
}

type confirmReport struct {
	ReEncodeNeeded bool `json:"re_encode_needed"`
}

// Confirm records the operator's verdict as the ground-truth column and
// reports whether the item must be encoded again.
func (c *Client) Confirm(ctx context.Context, req ConfirmRequest) (bool, error) {
	if strings.TrimSpace(req.MarkerPath) == "" {
		return false, services.Wrap(services.ErrValidation, "confirm", "tsmarker", "marker path is required", nil)
	}
	args := []string{
		"groundtruth",
		"--index", req.IndexPath,
		"--marker", req.MarkerPath,
		"--clips", req.ClipsDir,
	}
	cmd := commandContext(ctx, c.binary, args...)
	output, err := cmd.Output()
	if err != nil {
		if services.IsAbort(ctx.Err()) {
			return false, ctx.Err()
		}
		return false, services.Wrap(services.ErrExternalTool, "confirm", "groundtruth", "harvest failed", err)
	}
	var report confirmReport
	if err := json.Unmarshal(output, &report); err != nil {
		return false, services.Wrap(services.ErrExternalTool, "confirm", "groundtruth", "malformed report", err)
	}
	return report.ReEncodeNeeded, nil
}

// ExtractLogo renders the channel logo baseline the logo method compares
// against. The output is shared across recordings of the same channel and
// resolution, so callers should skip the call when outPath already exists.
func (c *Client) ExtractLogo(ctx context.Context, video, indexPath, outPath string) error {
	if strings.TrimSpace(video) == "" || strings.TrimSpace(outPath) == "" {
		return services.Wrap(services.ErrValidation, "analyze", "extractlogo", "video and output paths are required", nil)
	}
	args := []string{
		"extractlogo",
		"--input", video,
		"--index", indexPath,
		"--output", outPath,
	}
	c.logger.InfoContext(ctx, "extracting logo baseline", logging.String("output", outPath))
	cmd := commandContext(ctx, c.binary, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if services.IsAbort(ctx.Err()) {
			return ctx.Err()
		}
		return services.Wrap(services.ErrExternalTool, "analyze", "extractlogo",
			fmt.Sprintf("logo extraction failed: %s", strings.TrimSpace(string(output))), err)
	}
	return nil
}
