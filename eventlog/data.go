package eventlog

import "encoding/json"

// MaterializationData is the payload for asset.materialized entries.
type MaterializationData struct {
	AssetKey    AssetKey          `json:"asset_key"`
	Partition   string            `json:"partition,omitempty"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ObservationData is the payload for asset.observed entries.
type ObservationData struct {
	AssetKey  AssetKey          `json:"asset_key"`
	Partition string            `json:"partition,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// StepFailureData is the payload for step.failure entries.
type StepFailureData struct {
	Error string `json:"error"`
}

// ExpectationResultData is the payload for step.expectation_result entries.
type ExpectationResultData struct {
	Label       string `json:"label"`
	Success     bool   `json:"success"`
	Description string `json:"description,omitempty"`
}

// Materialization decodes the entry payload as MaterializationData.
// The second return is false when the entry is not an asset.materialized
// event or its payload does not decode.
func (e Entry) Materialization() (MaterializationData, bool) {
	if e.Type != EventAssetMaterialized || len(e.Data) == 0 {
		return MaterializationData{}, false
	}
	var data MaterializationData
	if err := json.Unmarshal(e.Data, &data); err != nil || data.AssetKey == "" {
		return MaterializationData{}, false
	}
	return data, true
}

// Observation decodes the entry payload as ObservationData.
func (e Entry) Observation() (ObservationData, bool) {
	if e.Type != EventAssetObserved || len(e.Data) == 0 {
		return ObservationData{}, false
	}
	var data ObservationData
	if err := json.Unmarshal(e.Data, &data); err != nil || data.AssetKey == "" {
		return ObservationData{}, false
	}
	return data, true
}

// AssetKeyed extracts the asset key and partition named by the entry
// payload. Only asset.materialized and asset.observed entries carry one.
func (e Entry) AssetKeyed() (AssetKey, string, bool) {
	if data, ok := e.Materialization(); ok {
		return data.AssetKey, data.Partition, true
	}
	if data, ok := e.Observation(); ok {
		return data.AssetKey, data.Partition, true
	}
	return "", "", false
}
