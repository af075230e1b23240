package preflight

import (
	"fmt"
	"os/exec"
	"strings"

	"tstriage/internal/config"
)

// Tool describes one external binary a pipeline stage shells out to.
type Tool struct {
	Name        string
	Command     string
	Description string
}

// ToolStatus reports whether a tool can actually be invoked.
type ToolStatus struct {
	Tool
	Available bool
	Detail    string
}

// CheckToolchain resolves every configured pipeline binary on PATH. All
// four tools are required: a pass cannot get past analyze without the
// cutter, past mark without the scorer, or past encode without ffmpeg.
func CheckToolchain(cfg *config.Config) []ToolStatus {
	return checkTools([]Tool{
		{Name: "FFmpeg", Command: cfg.Encoder.Binary, Description: "Required for stripping and transcoding"},
		{Name: "FFprobe", Command: cfg.Encoder.FFprobeBinary, Description: "Required for output duration verification"},
		{Name: "tscutter", Command: cfg.Tools.TSCutterBinary, Description: "Required for silence-cut analysis"},
		{Name: "tsmarker", Command: cfg.Tools.TSMarkerBinary, Description: "Required for clip scoring"},
	})
}

func checkTools(tools []Tool) []ToolStatus {
	results := make([]ToolStatus, 0, len(tools))
	for _, tool := range tools {
		tool.Command = strings.TrimSpace(tool.Command)
		status := ToolStatus{Tool: tool}
		switch {
		case tool.Command == "":
			status.Detail = "command not configured"
		default:
			if _, err := exec.LookPath(tool.Command); err != nil {
				status.Detail = fmt.Sprintf("binary %q not found", tool.Command)
			} else {
				status.Available = true
			}
		}
		results = append(results, status)
	}
	return results
}
