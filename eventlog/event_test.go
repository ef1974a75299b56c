package eventlog

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEventType_Values(t *testing.T) {
	tests := []struct {
		name     string
		et       EventType
		expected string
	}{
		// Run events
		{"run.enqueued", EventRunEnqueued, "run.enqueued"},
		{"run.starting", EventRunStarting, "run.starting"},
		{"run.started", EventRunStarted, "run.started"},
		{"run.success", EventRunSuccess, "run.success"},
		{"run.failure", EventRunFailure, "run.failure"},
		{"run.canceled", EventRunCanceled, "run.canceled"},
		// Step events
		{"step.started", EventStepStarted, "step.started"},
		{"step.success", EventStepSuccess, "step.success"},
		{"step.failure", EventStepFailure, "step.failure"},
		{"step.skipped", EventStepSkipped, "step.skipped"},
		{"step.restarted", EventStepRestarted, "step.restarted"},
		{"step.up_for_retry", EventStepUpForRetry, "step.up_for_retry"},
		{"step.expectation_result", EventStepExpectationResult, "step.expectation_result"},
		// Asset events
		{"asset.materialized", EventAssetMaterialized, "asset.materialized"},
		{"asset.observed", EventAssetObserved, "asset.observed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if string(tt.et) != tt.expected {
				t.Errorf("EventType = %q, expected %q", tt.et, tt.expected)
			}
		})
	}
}

func TestEntry_JSONRoundtrip(t *testing.T) {
	entry := Entry{
		RunID:     "run-123",
		Type:      EventAssetMaterialized,
		StepKey:   "build_users",
		Timestamp: time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC),
		Message:   "materialized warehouse/users",
		Data:      json.RawMessage(`{"asset_key":"warehouse/users","partition":"2025-01-15"}`),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		t.Fatalf("Failed to marshal entry: %v", err)
	}
	var decoded Entry
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Failed to unmarshal entry: %v", err)
	}

	if decoded.RunID != entry.RunID {
		t.Errorf("RunID mismatch: got %q, want %q", decoded.RunID, entry.RunID)
	}
	if decoded.Type != entry.Type {
		t.Errorf("Type mismatch: got %q, want %q", decoded.Type, entry.Type)
	}
	if decoded.StepKey != entry.StepKey {
		t.Errorf("StepKey mismatch: got %q, want %q", decoded.StepKey, entry.StepKey)
	}
	if !decoded.Timestamp.Equal(entry.Timestamp) {
		t.Errorf("Timestamp mismatch: got %v, want %v", decoded.Timestamp, entry.Timestamp)
	}
	if decoded.Message != entry.Message {
		t.Errorf("Message mismatch: got %q, want %q", decoded.Message, entry.Message)
	}
	if string(decoded.Data) != string(entry.Data) {
		t.Errorf("Data mismatch: got %q, want %q", decoded.Data, entry.Data)
	}
}

func TestEntry_JSONFieldNames(t *testing.T) {
	entry := Entry{
		RunID:     "run-123",
		Type:      EventStepStarted,
		StepKey:   "validate",
		Timestamp: time.Now(),
		Message:   "step started",
		Data:      json.RawMessage(`{}`),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		t.Fatalf("Failed to marshal entry: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("Failed to unmarshal to map: %v", err)
	}

	for _, field := range []string{"run_id", "type", "step_key", "timestamp", "message", "data"} {
		if _, ok := fields[field]; !ok {
			t.Errorf("Expected JSON field %q not found", field)
		}
	}

	// Optional fields are omitted when empty.
	data, err = json.Marshal(Entry{RunID: "run-123", Type: EventRunStarted, Timestamp: time.Now()})
	if err != nil {
		t.Fatalf("Failed to marshal entry: %v", err)
	}
	fields = nil
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("Failed to unmarshal to map: %v", err)
	}
	for _, field := range []string{"step_key", "message", "data"} {
		if _, ok := fields[field]; ok {
			t.Errorf("Expected JSON field %q to be omitted when empty", field)
		}
	}
}
