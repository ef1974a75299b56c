// Package eventlog provides the record model, cursors, filters, and storage
// interfaces for Logeion's append-only run history store.
package eventlog

import (
	"encoding/json"
	"time"
)

// EventType classifies entries in the run execution lifecycle.
type EventType string

const (
	// Run lifecycle events
	EventRunEnqueued EventType = "run.enqueued"
	EventRunStarting EventType = "run.starting"
	EventRunStarted  EventType = "run.started"
	EventRunSuccess  EventType = "run.success"
	EventRunFailure  EventType = "run.failure"
	EventRunCanceled EventType = "run.canceled"

	// Step lifecycle events
	EventStepStarted    EventType = "step.started"
	EventStepSuccess    EventType = "step.success"
	EventStepFailure    EventType = "step.failure"
	EventStepSkipped    EventType = "step.skipped"
	EventStepRestarted  EventType = "step.restarted"
	EventStepUpForRetry EventType = "step.up_for_retry"

	// Expectation events
	EventStepExpectationResult EventType = "step.expectation_result"

	// Asset events
	EventAssetMaterialized EventType = "asset.materialized"
	EventAssetObserved     EventType = "asset.observed"
)

// Entry is a single record in a run's event history. Entries are the source
// of truth for run execution; everything else the store serves (asset index,
// stats, subscriptions) is derived from them.
type Entry struct {
	// RunID identifies the run this entry belongs to.
	RunID string `json:"run_id"`

	// Type classifies the entry (e.g., "asset.materialized").
	Type EventType `json:"type"`

	// StepKey identifies the step that emitted the entry.
	// Empty for run-level events.
	StepKey string `json:"step_key,omitempty"`

	// Timestamp records when the producer emitted the entry.
	Timestamp time.Time `json:"timestamp"`

	// Message holds an optional human-readable description.
	Message string `json:"message,omitempty"`

	// Data contains the type-specific payload.
	Data json.RawMessage `json:"data,omitempty"`
}

// StorageRecord pairs an Entry with the storage id the backend assigned on
// append. Ids are unique and strictly increasing within a shard: the whole
// store for globally ordered backends, a single run for run-sharded ones.
type StorageRecord struct {
	StorageID int64 `json:"storage_id"`
	Entry     Entry `json:"entry"`
}

// Connection is one page of a run's records.
type Connection struct {
	// Records holds the page, ordered by storage id ascending.
	Records []StorageRecord

	// Cursor resumes reading after the last record of this page. For an
	// empty page it echoes the request cursor, or a before-all-records
	// sentinel when the request carried none.
	Cursor string

	// HasMore reports whether strictly more matching records existed
	// beyond this page at query time.
	HasMore bool
}
