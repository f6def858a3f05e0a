// Package services defines shared utilities consumed by the subject pipeline
// stages and the external tool integrations.
//
// Key responsibilities:
//   - Context helpers that stamp subject labels, stage names, and run
//     identifiers for logging.
//   - Structured error markers plus the Wrap helper so callers can classify a
//     failure with errors.Is regardless of how deeply it was wrapped.
//
// Use these helpers when wiring new stage logic so error classification and
// observability stay uniform across the pipeline.
package services
