package eventlog

import "time"

// RunStats summarizes a run's event history: counts by outcome and the
// lifecycle timestamps observed so far. Pointer timestamps are nil until
// the run reaches that state.
type RunStats struct {
	RunID            string     `json:"run_id"`
	StepsSucceeded   int        `json:"steps_succeeded"`
	StepsFailed      int        `json:"steps_failed"`
	Materializations int        `json:"materializations"`
	Expectations     int        `json:"expectations"`
	EnqueuedAt       *time.Time `json:"enqueued_at,omitempty"`
	LaunchedAt       *time.Time `json:"launched_at,omitempty"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
}

// BuildRunStats folds a run's entries into summary statistics. It is pure:
// backends fetch the run's history and delegate here.
func BuildRunStats(runID string, entries []Entry) RunStats {
	stats := RunStats{RunID: runID}
	for _, e := range entries {
		switch e.Type {
		case EventStepSuccess:
			stats.StepsSucceeded++
		case EventStepFailure:
			stats.StepsFailed++
		case EventAssetMaterialized:
			stats.Materializations++
		case EventStepExpectationResult:
			stats.Expectations++
		case EventRunEnqueued:
			ts := e.Timestamp
			stats.EnqueuedAt = &ts
		case EventRunStarting:
			ts := e.Timestamp
			stats.LaunchedAt = &ts
		case EventRunStarted:
			ts := e.Timestamp
			stats.StartedAt = &ts
		case EventRunSuccess, EventRunFailure, EventRunCanceled:
			ts := e.Timestamp
			stats.EndedAt = &ts
		}
	}
	return stats
}

// StepStatus is the projected state of one step within a run.
type StepStatus string

const (
	StepStatusInProgress StepStatus = "in_progress"
	StepStatusSuccess    StepStatus = "success"
	StepStatusFailure    StepStatus = "failure"
	StepStatusSkipped    StepStatus = "skipped"
)

// StepStats summarizes one step's history within a run.
type StepStats struct {
	RunID              string     `json:"run_id"`
	StepKey            string     `json:"step_key"`
	Status             StepStatus `json:"status"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	EndedAt            *time.Time `json:"ended_at,omitempty"`
	Materializations   []Entry    `json:"materializations,omitempty"`
	ExpectationResults []Entry    `json:"expectation_results,omitempty"`
	Attempts           int        `json:"attempts"`
}

// BuildStepStats folds a run's entries into per-step statistics. stepKeys
// restricts the result when non-empty. Steps appear in order of their first
// event.
func BuildStepStats(runID string, entries []Entry, stepKeys []string) []StepStats {
	var wanted map[string]bool
	if len(stepKeys) > 0 {
		wanted = make(map[string]bool, len(stepKeys))
		for _, key := range stepKeys {
			wanted[key] = true
		}
	}

	byKey := make(map[string]*StepStats)
	var order []string
	stepFor := func(key string) *StepStats {
		st, ok := byKey[key]
		if !ok {
			st = &StepStats{RunID: runID, StepKey: key, Status: StepStatusInProgress}
			byKey[key] = st
			order = append(order, key)
		}
		return st
	}

	for _, e := range entries {
		if e.StepKey == "" {
			continue
		}
		if wanted != nil && !wanted[e.StepKey] {
			continue
		}
		switch e.Type {
		case EventStepStarted:
			st := stepFor(e.StepKey)
			ts := e.Timestamp
			st.StartedAt = &ts
			if st.Attempts == 0 {
				st.Attempts = 1
			}
		case EventStepRestarted:
			st := stepFor(e.StepKey)
			st.Attempts++
			st.Status = StepStatusInProgress
			st.EndedAt = nil
		case EventStepUpForRetry:
			stepFor(e.StepKey).Status = StepStatusInProgress
		case EventStepSuccess:
			st := stepFor(e.StepKey)
			ts := e.Timestamp
			st.Status = StepStatusSuccess
			st.EndedAt = &ts
		case EventStepFailure:
			st := stepFor(e.StepKey)
			ts := e.Timestamp
			st.Status = StepStatusFailure
			st.EndedAt = &ts
		case EventStepSkipped:
			st := stepFor(e.StepKey)
			ts := e.Timestamp
			st.Status = StepStatusSkipped
			st.EndedAt = &ts
		case EventAssetMaterialized:
			st := stepFor(e.StepKey)
			st.Materializations = append(st.Materializations, e)
		case EventStepExpectationResult:
			st := stepFor(e.StepKey)
			st.ExpectationResults = append(st.ExpectationResults, e)
		}
	}

	out := make([]StepStats, 0, len(order))
	for _, key := range order {
		out = append(out, *byKey[key])
	}
	return out
}
