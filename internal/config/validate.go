package config

import (
	"errors"
	"fmt"
)

var knownTasks = map[string]struct{}{
	"categorize": {},
	"list":       {},
	"analyze":    {},
	"mark":       {},
	"cut":        {},
	"encode":     {},
	"confirm":    {},
	"cleanup":    {},
}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateEncoder(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validatePaths() error {
	if c.Paths.RecordedDir == "" {
		return errors.New("paths.recorded_dir must be set")
	}
	if c.Paths.DestinationDir == "" {
		return errors.New("paths.destination_dir must be set")
	}
	if c.Paths.CacheDir == "" {
		return errors.New("paths.cache_dir must be set")
	}
	return nil
}

func (c *Config) validateEncoder() error {
	if c.Encoder.DurationTolerance >= 1 {
		return errors.New("encoder.duration_tolerance must be below 1")
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	for _, task := range c.Workflow.DaemonTasks {
		if _, ok := knownTasks[task]; !ok {
			return fmt.Errorf("workflow.daemon_tasks: unknown task %q", task)
		}
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	return nil
}
