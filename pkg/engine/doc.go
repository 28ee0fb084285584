// Package engine provides the Engine: the admission controller, cancellation
// entry points, and query service of the backfill system, plus the processor
// registry, hooks, and event stream the runner drives.
//
// Most users should import the root package github.com/edulytics/backfill
// which re-exports these types.
package engine
