package pebblestore

import (
	"encoding/json"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/lirancohen/logeion/eventlog"
)

// assetRow is the stored a/{asset_key} value, JSON inside the checksummed
// frame. The row id is stable for the life of the key, across wipes and
// reindexes.
type assetRow struct {
	ID         int64             `json:"id"`
	Key        eventlog.AssetKey `json:"key"`
	Entry      *eventlog.Entry   `json:"entry,omitempty"`
	EntryID    int64             `json:"entry_id,omitempty"`
	LastRunID  string            `json:"last_run_id,omitempty"`
	RunIDs     []string          `json:"run_ids,omitempty"`
	Partitions map[string]int64  `json:"partitions,omitempty"`
	WipedAt    *time.Time        `json:"wiped_at,omitempty"`
}

// visible reports whether the asset appears in reads. A wiped row stays
// stored for its id and tombstone but reads skip it until the asset is
// materialized again.
func (row *assetRow) visible() bool {
	return row.Entry != nil
}

// apply folds one materialization into the row. Wiped history stays
// hidden: a materialization stamped at or before the tombstone does not
// change the row.
func (row *assetRow) apply(rec eventlog.StorageRecord, data eventlog.MaterializationData) {
	if row.WipedAt != nil && !rec.Entry.Timestamp.After(*row.WipedAt) {
		return
	}
	entry := rec.Entry
	row.Entry = &entry
	row.EntryID = rec.StorageID
	row.LastRunID = rec.Entry.RunID
	row.RunIDs = prependRunID(row.RunIDs, rec.Entry.RunID)
	if data.Partition != "" {
		if row.Partitions == nil {
			row.Partitions = make(map[string]int64)
		}
		row.Partitions[data.Partition]++
	}
}

func prependRunID(ids []string, runID string) []string {
	out := make([]string, 0, len(ids)+1)
	out = append(out, runID)
	for _, id := range ids {
		if id != runID {
			out = append(out, id)
		}
	}
	return out
}

func (row *assetRow) assetEntry() eventlog.AssetEntry {
	entry := eventlog.AssetEntry{
		Key:       row.Key,
		LastRunID: row.LastRunID,
		WipedAt:   row.WipedAt,
	}
	if row.Entry != nil {
		e := *row.Entry
		entry.LastMaterialization = &e
		entry.LastMaterializationID = row.EntryID
	}
	return entry
}

// loadAssetRow reads one asset row, nil when absent. Corrupt rows are
// logged and treated as absent.
func (s *Store) loadAssetRow(key eventlog.AssetKey) (*assetRow, error) {
	rowKey := assetRowKey(key)
	raw, ok, err := s.get(rowKey)
	if err != nil || !ok {
		return nil, err
	}
	row, ok := s.decodeAssetRow(rowKey, raw)
	if !ok {
		return nil, nil
	}
	return row, nil
}

func (s *Store) decodeAssetRow(key, raw []byte) (*assetRow, bool) {
	payload, ok := decodeValue(raw)
	if !ok {
		s.logger.Warn("skipping corrupt asset row", "key", string(key))
		return nil, false
	}
	var row assetRow
	if err := json.Unmarshal(payload, &row); err != nil {
		s.logger.Warn("skipping undecodable asset row", "key", string(key), "error", err)
		return nil, false
	}
	return &row, true
}

func (s *Store) putAssetRow(b *pebble.Batch, row *assetRow) error {
	payload, err := json.Marshal(row)
	if err != nil {
		return &eventlog.BackendError{Op: "encode asset row", Err: err}
	}
	if err := b.Set(assetRowKey(row.Key), encodeValue(payload), nil); err != nil {
		return &eventlog.BackendError{Op: "pebble set", Err: err}
	}
	return nil
}

// listAssetRowsLocked scans every stored asset row, wiped ones included,
// in key order. Caller must hold s.mu.
func (s *Store) listAssetRowsLocked() ([]*assetRow, error) {
	iter, err := s.newIter(assetPrefix, prefixUpperBound(assetPrefix))
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*assetRow
	for iter.First(); iter.Valid(); iter.Next() {
		row, ok := s.decodeAssetRow(iter.Key(), iter.Value())
		if !ok {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

// visibleAssetRowsLocked scans the asset rows visible to reads, in key
// order. Caller must hold s.mu.
func (s *Store) visibleAssetRowsLocked() ([]*assetRow, error) {
	rows, err := s.listAssetRowsLocked()
	if err != nil {
		return nil, err
	}
	out := rows[:0]
	for _, row := range rows {
		if row.visible() {
			out = append(out, row)
		}
	}
	return out, nil
}
