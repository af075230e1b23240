// Package services defines shared utilities consumed by the pipeline tasks
// and external tool integrations.
//
// Key responsibilities:
//   - Context helpers that stamp action item keys, stage names, and
//     correlation identifiers for logging.
//   - Structured error markers plus the Wrap helper that keep failure
//     classification uniform: transient I/O, data/format errors, external
//     tool failures, and the distinguished encoding error.
//   - Subpackages wrapping the external analysis and scoring commands so the
//     runner never shells out directly.
package services
