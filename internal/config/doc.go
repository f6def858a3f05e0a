// Package config loads, normalizes, and validates std2bids configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours the UKBFETCH_BINARY environment
// fallback. The Config type centralizes every knob the run coordinator and CLI
// need, so fetch limits, reorganizer mappings, and worklist columns are
// discovered in one pass.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
