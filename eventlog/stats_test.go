package eventlog

import (
	"encoding/json"
	"testing"
	"time"
)

// runHistory builds a run's entries with one-minute spacing so lifecycle
// timestamps are distinguishable.
func runHistory(runID string, types ...EventType) []Entry {
	base := time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC)
	entries := make([]Entry, len(types))
	for i, typ := range types {
		entries[i] = Entry{RunID: runID, Type: typ, Timestamp: base.Add(time.Duration(i) * time.Minute)}
	}
	return entries
}

func TestBuildRunStats(t *testing.T) {
	entries := runHistory("run-1",
		EventRunEnqueued,
		EventRunStarting,
		EventRunStarted,
		EventStepSuccess,
		EventStepSuccess,
		EventStepFailure,
		EventAssetMaterialized,
		EventStepExpectationResult,
		EventRunFailure,
	)

	stats := BuildRunStats("run-1", entries)

	if stats.RunID != "run-1" {
		t.Errorf("RunID = %q, want %q", stats.RunID, "run-1")
	}
	if stats.StepsSucceeded != 2 {
		t.Errorf("StepsSucceeded = %d, want 2", stats.StepsSucceeded)
	}
	if stats.StepsFailed != 1 {
		t.Errorf("StepsFailed = %d, want 1", stats.StepsFailed)
	}
	if stats.Materializations != 1 {
		t.Errorf("Materializations = %d, want 1", stats.Materializations)
	}
	if stats.Expectations != 1 {
		t.Errorf("Expectations = %d, want 1", stats.Expectations)
	}
	if stats.EnqueuedAt == nil || !stats.EnqueuedAt.Equal(entries[0].Timestamp) {
		t.Errorf("EnqueuedAt = %v, want %v", stats.EnqueuedAt, entries[0].Timestamp)
	}
	if stats.LaunchedAt == nil || !stats.LaunchedAt.Equal(entries[1].Timestamp) {
		t.Errorf("LaunchedAt = %v, want %v", stats.LaunchedAt, entries[1].Timestamp)
	}
	if stats.StartedAt == nil || !stats.StartedAt.Equal(entries[2].Timestamp) {
		t.Errorf("StartedAt = %v, want %v", stats.StartedAt, entries[2].Timestamp)
	}
	if stats.EndedAt == nil || !stats.EndedAt.Equal(entries[8].Timestamp) {
		t.Errorf("EndedAt = %v, want %v", stats.EndedAt, entries[8].Timestamp)
	}
}

func TestBuildRunStats_InFlightRun(t *testing.T) {
	entries := runHistory("run-2", EventRunEnqueued, EventRunStarting, EventRunStarted, EventStepStarted)

	stats := BuildRunStats("run-2", entries)

	if stats.EndedAt != nil {
		t.Errorf("EndedAt = %v, want nil for a run still in flight", stats.EndedAt)
	}
	if stats.StepsSucceeded != 0 || stats.StepsFailed != 0 {
		t.Errorf("Step counts = %d/%d, want 0/0", stats.StepsSucceeded, stats.StepsFailed)
	}
}

func TestBuildRunStats_CanceledRun(t *testing.T) {
	entries := runHistory("run-3", EventRunStarted, EventRunCanceled)

	stats := BuildRunStats("run-3", entries)

	if stats.EndedAt == nil || !stats.EndedAt.Equal(entries[1].Timestamp) {
		t.Errorf("EndedAt = %v, want %v", stats.EndedAt, entries[1].Timestamp)
	}
}

func TestBuildStepStats(t *testing.T) {
	base := time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC)
	at := func(minute int) time.Time { return base.Add(time.Duration(minute) * time.Minute) }
	step := func(minute int, typ EventType, key string) Entry {
		return Entry{RunID: "run-1", Type: typ, StepKey: key, Timestamp: at(minute)}
	}
	matData := json.RawMessage(`{"asset_key":"warehouse/users"}`)

	entries := []Entry{
		step(0, EventStepStarted, "extract"),
		step(1, EventStepStarted, "transform"),
		{RunID: "run-1", Type: EventAssetMaterialized, StepKey: "extract", Timestamp: at(2), Data: matData},
		step(3, EventStepExpectationResult, "extract"),
		step(4, EventStepSuccess, "extract"),
		step(5, EventStepFailure, "transform"),
		step(6, EventStepUpForRetry, "transform"),
		step(7, EventStepRestarted, "transform"),
		step(8, EventStepSuccess, "transform"),
		step(9, EventStepSkipped, "load"),
	}

	stats := BuildStepStats("run-1", entries, nil)

	if len(stats) != 3 {
		t.Fatalf("BuildStepStats() returned %d steps, want 3", len(stats))
	}
	// Steps come back in order of first appearance.
	for i, key := range []string{"extract", "transform", "load"} {
		if stats[i].StepKey != key {
			t.Errorf("stats[%d].StepKey = %q, want %q", i, stats[i].StepKey, key)
		}
	}

	extract := stats[0]
	if extract.Status != StepStatusSuccess {
		t.Errorf("extract status = %q, want %q", extract.Status, StepStatusSuccess)
	}
	if extract.Attempts != 1 {
		t.Errorf("extract attempts = %d, want 1", extract.Attempts)
	}
	if extract.StartedAt == nil || !extract.StartedAt.Equal(at(0)) {
		t.Errorf("extract StartedAt = %v, want %v", extract.StartedAt, at(0))
	}
	if extract.EndedAt == nil || !extract.EndedAt.Equal(at(4)) {
		t.Errorf("extract EndedAt = %v, want %v", extract.EndedAt, at(4))
	}
	if len(extract.Materializations) != 1 {
		t.Errorf("extract materializations = %d, want 1", len(extract.Materializations))
	}
	if len(extract.ExpectationResults) != 1 {
		t.Errorf("extract expectation results = %d, want 1", len(extract.ExpectationResults))
	}

	transform := stats[1]
	if transform.Status != StepStatusSuccess {
		t.Errorf("transform status = %q, want %q", transform.Status, StepStatusSuccess)
	}
	if transform.Attempts != 2 {
		t.Errorf("transform attempts = %d, want 2", transform.Attempts)
	}
	if transform.EndedAt == nil || !transform.EndedAt.Equal(at(8)) {
		t.Errorf("transform EndedAt = %v, want %v", transform.EndedAt, at(8))
	}

	load := stats[2]
	if load.Status != StepStatusSkipped {
		t.Errorf("load status = %q, want %q", load.Status, StepStatusSkipped)
	}
}

func TestBuildStepStats_RestartClearsEnd(t *testing.T) {
	base := time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC)
	entries := []Entry{
		{RunID: "run-1", Type: EventStepStarted, StepKey: "load", Timestamp: base},
		{RunID: "run-1", Type: EventStepFailure, StepKey: "load", Timestamp: base.Add(time.Minute)},
		{RunID: "run-1", Type: EventStepRestarted, StepKey: "load", Timestamp: base.Add(2 * time.Minute)},
	}

	stats := BuildStepStats("run-1", entries, nil)

	if len(stats) != 1 {
		t.Fatalf("BuildStepStats() returned %d steps, want 1", len(stats))
	}
	if stats[0].Status != StepStatusInProgress {
		t.Errorf("status after restart = %q, want %q", stats[0].Status, StepStatusInProgress)
	}
	if stats[0].EndedAt != nil {
		t.Errorf("EndedAt after restart = %v, want nil", stats[0].EndedAt)
	}
	if stats[0].Attempts != 2 {
		t.Errorf("attempts after restart = %d, want 2", stats[0].Attempts)
	}
}

func TestBuildStepStats_KeyFilter(t *testing.T) {
	base := time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC)
	entries := []Entry{
		{RunID: "run-1", Type: EventStepStarted, StepKey: "extract", Timestamp: base},
		{RunID: "run-1", Type: EventStepStarted, StepKey: "transform", Timestamp: base.Add(time.Minute)},
		{RunID: "run-1", Type: EventStepSuccess, StepKey: "extract", Timestamp: base.Add(2 * time.Minute)},
	}

	stats := BuildStepStats("run-1", entries, []string{"transform"})

	if len(stats) != 1 {
		t.Fatalf("BuildStepStats() returned %d steps, want 1", len(stats))
	}
	if stats[0].StepKey != "transform" {
		t.Errorf("StepKey = %q, want %q", stats[0].StepKey, "transform")
	}
	if stats[0].Status != StepStatusInProgress {
		t.Errorf("Status = %q, want %q", stats[0].Status, StepStatusInProgress)
	}
}
