package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	// RecordedDir is where the recorder drops raw transport streams; the
	// job-store directory lives underneath it.
	RecordedDir string `toml:"recorded_dir"`
	// DestinationDir is the library root encoded programs are uploaded to.
	DestinationDir string `toml:"destination_dir"`
	// CacheDir is the local working directory for in-flight copies.
	CacheDir string `toml:"cache_dir"`
	LogDir   string `toml:"log_dir"`
}

// EPGStation contains configuration for the recorder scheduling API.
type EPGStation struct {
	URL              string `toml:"url"`
	ReservesTTLHours int    `toml:"reserves_ttl_hours"`
	BusyGranularity  int    `toml:"busy_granularity_seconds"`
}

// Encoder contains configuration for the external transcode step.
type Encoder struct {
	Binary        string `toml:"binary"`
	FFprobeBinary string `toml:"ffprobe_binary"`
	// Codec is the ffmpeg video encoder name, e.g. libx264, hevc_nvenc,
	// or h264_videotoolbox.
	Codec             string   `toml:"codec"`
	DefaultPreset     string   `toml:"default_preset"`
	DurationTolerance float64  `toml:"duration_tolerance"`
	AudioLanguages    []string `toml:"audio_languages"`
	// SubtitleCommand, when set, receives the extracted byte stream on stdin
	// alongside the encoder. Its pipe is allowed to close early.
	SubtitleCommand string `toml:"subtitle_command"`
}

// Tools points at the external analysis and scoring binaries.
type Tools struct {
	TSCutterBinary string `toml:"tscutter_binary"`
	TSMarkerBinary string `toml:"tsmarker_binary"`
}

// Workflow contains daemon timing, retry, and task selection settings.
type Workflow struct {
	DaemonInterval int      `toml:"daemon_interval_seconds"`
	QuiesceWindow  int      `toml:"quiesce_window_seconds"`
	CopyRetries    int      `toml:"copy_retries"`
	CopyRetryDelay int      `toml:"copy_retry_delay_seconds"`
	DaemonTasks    []string `toml:"daemon_tasks"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for tstriage.
type Config struct {
	Paths      Paths      `toml:"paths"`
	EPGStation EPGStation `toml:"epgstation"`
	Encoder    Encoder    `toml:"encoder"`
	Tools      Tools      `toml:"tools"`
	Workflow   Workflow   `toml:"workflow"`
	Logging    Logging    `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration
// file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/tstriage/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("tstriage.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// StoreDir returns the job-store directory under the recorded folder.
func (c *Config) StoreDir() string {
	return filepath.Join(c.Paths.RecordedDir, "_tstriage")
}

// MetadataDir returns the sidecar directory under the destination root.
func (c *Config) MetadataDir() string {
	return filepath.Join(c.Paths.DestinationDir, "_metadata")
}

// EnsureDirectories creates required directories for operation.
// DestinationDir is created on a best-effort basis so runs can start while
// the library share is temporarily offline.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.StoreDir(), c.Paths.CacheDir, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	if strings.TrimSpace(c.Paths.DestinationDir) != "" {
		_ = os.MkdirAll(c.Paths.DestinationDir, 0o755)
	}
	return nil
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
