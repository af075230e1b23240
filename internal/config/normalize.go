package config

import (
	"fmt"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeEPGStation()
	c.normalizeEncoder()
	c.normalizeWorkflow()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.RecordedDir, err = expandPath(c.Paths.RecordedDir); err != nil {
		return fmt.Errorf("paths.recorded_dir: %w", err)
	}
	if c.Paths.DestinationDir, err = expandPath(c.Paths.DestinationDir); err != nil {
		return fmt.Errorf("paths.destination_dir: %w", err)
	}
	if c.Paths.CacheDir, err = expandPath(c.Paths.CacheDir); err != nil {
		return fmt.Errorf("paths.cache_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeEPGStation() {
	c.EPGStation.URL = strings.TrimRight(strings.TrimSpace(c.EPGStation.URL), "/")
	if c.EPGStation.ReservesTTLHours <= 0 {
		c.EPGStation.ReservesTTLHours = defaultReservesTTLHours
	}
	if c.EPGStation.BusyGranularity <= 0 {
		c.EPGStation.BusyGranularity = defaultBusyGranularity
	}
}

func (c *Config) normalizeEncoder() {
	if strings.TrimSpace(c.Encoder.Binary) == "" {
		c.Encoder.Binary = defaultEncoderBinary
	}
	if strings.TrimSpace(c.Encoder.FFprobeBinary) == "" {
		c.Encoder.FFprobeBinary = defaultFFprobeBinary
	}
	if strings.TrimSpace(c.Encoder.Codec) == "" {
		c.Encoder.Codec = defaultCodec
	}
	if strings.TrimSpace(c.Encoder.DefaultPreset) == "" {
		c.Encoder.DefaultPreset = defaultPreset
	}
	if c.Encoder.DurationTolerance <= 0 {
		c.Encoder.DurationTolerance = defaultDurationTolerance
	}
	if len(c.Encoder.AudioLanguages) == 0 {
		c.Encoder.AudioLanguages = defaultAudioLanguages()
	}
	if strings.TrimSpace(c.Tools.TSCutterBinary) == "" {
		c.Tools.TSCutterBinary = defaultTSCutterBinary
	}
	if strings.TrimSpace(c.Tools.TSMarkerBinary) == "" {
		c.Tools.TSMarkerBinary = defaultTSMarkerBinary
	}
}

func (c *Config) normalizeWorkflow() {
	if c.Workflow.DaemonInterval <= 0 {
		c.Workflow.DaemonInterval = defaultDaemonInterval
	}
	if c.Workflow.QuiesceWindow <= 0 {
		c.Workflow.QuiesceWindow = defaultQuiesceWindow
	}
	if c.Workflow.CopyRetries < 0 {
		c.Workflow.CopyRetries = defaultCopyRetries
	}
	if c.Workflow.CopyRetryDelay <= 0 {
		c.Workflow.CopyRetryDelay = defaultCopyRetryDelay
	}
	if len(c.Workflow.DaemonTasks) == 0 {
		c.Workflow.DaemonTasks = defaultDaemonTasks()
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
