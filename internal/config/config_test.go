package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"tstriage/internal/config"
)

func TestLoadDefaultsAndExpandsPaths(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}
	if cfg.Paths.RecordedDir != filepath.Join(tempHome, "recorded") {
		t.Fatalf("unexpected recorded dir: %q", cfg.Paths.RecordedDir)
	}
	if cfg.Paths.CacheDir != filepath.Join(tempHome, ".cache", "tstriage") {
		t.Fatalf("unexpected cache dir: %q", cfg.Paths.CacheDir)
	}
	if cfg.Encoder.Binary != "ffmpeg" || cfg.Encoder.DefaultPreset != "drama" {
		t.Fatalf("unexpected encoder defaults: %+v", cfg.Encoder)
	}
	if cfg.Workflow.DaemonInterval != 300 {
		t.Fatalf("unexpected daemon interval: %d", cfg.Workflow.DaemonInterval)
	}
	if len(cfg.Workflow.DaemonTasks) != 8 || cfg.Workflow.DaemonTasks[0] != "categorize" {
		t.Fatalf("unexpected daemon tasks: %v", cfg.Workflow.DaemonTasks)
	}
}

func TestLoadParsesFileAndNormalizes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
[paths]
recorded_dir = "` + filepath.Join(dir, "rec") + `"
destination_dir = "` + filepath.Join(dir, "lib") + `"
cache_dir = "` + filepath.Join(dir, "cache") + `"
log_dir = "` + filepath.Join(dir, "logs") + `"

[epgstation]
url = "http://epgstation:8888/"

[logging]
format = "JSON"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, _, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !exists {
		t.Fatal("expected config file to exist")
	}
	if cfg.EPGStation.URL != "http://epgstation:8888" {
		t.Fatalf("trailing slash not trimmed: %q", cfg.EPGStation.URL)
	}
	if cfg.Logging.Format != "json" {
		t.Fatalf("format not lowered: %q", cfg.Logging.Format)
	}
	if cfg.StoreDir() != filepath.Join(dir, "rec", "_tstriage") {
		t.Fatalf("unexpected store dir: %q", cfg.StoreDir())
	}
	if cfg.MetadataDir() != filepath.Join(dir, "lib", "_metadata") {
		t.Fatalf("unexpected metadata dir: %q", cfg.MetadataDir())
	}
}

func TestValidateRejectsUnknownTask(t *testing.T) {
	cfg := config.Default()
	cfg.Workflow.DaemonTasks = []string{"categorize", "transmogrify"}
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "transmogrify") {
		t.Fatalf("expected unknown task error, got %v", err)
	}
}

func TestValidateRejectsBadLogFormat(t *testing.T) {
	cfg := config.Default()
	cfg.Logging.Format = "xml"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unsupported log format")
	}
}

func TestCreateSampleWritesParsableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample: %v", err)
	}
	if _, _, exists, err := config.Load(path); err != nil || !exists {
		t.Fatalf("sample config did not load: exists=%v err=%v", exists, err)
	}
}
