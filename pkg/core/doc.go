// Package core provides the fundamental types and interfaces for the backfill engine.
//
// This package contains:
//   - BackfillJob and Checkpoint data models with GORM annotations
//   - The status state machine and its allowed-transition table
//   - Storage interface defining the persistence contract
//   - Processor interface implemented by item processors
//   - Event types for engine monitoring
//
// Most users should import the root package github.com/edulytics/backfill
// instead of this package directly.
package core
