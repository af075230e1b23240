// Package logging provides slog construction with console and JSON
// handlers, standardized attribute keys, and small helpers shared across
// the pipeline.
package logging
