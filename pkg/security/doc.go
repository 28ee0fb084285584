// Package security provides validation, sanitization, and limits for the
// backfill engine: target key validation, error message sanitization, and
// the bounds applied to retained per-item errors and retry counts.
package security
