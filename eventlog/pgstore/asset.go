package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/lirancohen/logeion/eventlog"
)

const assetColumns = `id, asset_key, last_materialization, last_materialization_id, last_run_id, run_ids, partition_counts, wiped_at`

// assetRow is the decoded logeion_assets row. A row whose Entry is nil is a
// wipe tombstone: it keeps its id and wipe time but is invisible to reads.
type assetRow struct {
	ID         int64
	Key        eventlog.AssetKey
	Entry      *eventlog.Entry
	EntryID    int64
	LastRunID  string
	RunIDs     []string
	Partitions map[string]int64
	WipedAt    *time.Time
}

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

// scanAssetRow decodes one logeion_assets row, nil when absent.
func scanAssetRow(row pgx.Row) (*assetRow, error) {
	var (
		r              assetRow
		key            string
		entryJSON      []byte
		entryID        *int64
		lastRunID      *string
		runIDsJSON     []byte
		partitionsJSON []byte
	)
	err := row.Scan(&r.ID, &key, &entryJSON, &entryID, &lastRunID, &runIDsJSON, &partitionsJSON, &r.WipedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &eventlog.BackendError{Op: "scan asset row", Err: err}
	}
	r.Key = eventlog.AssetKey(key)
	if len(entryJSON) > 0 {
		var entry eventlog.Entry
		if err := json.Unmarshal(entryJSON, &entry); err != nil {
			return nil, &eventlog.BackendError{Op: "decode asset row", Err: err}
		}
		r.Entry = &entry
	}
	if entryID != nil {
		r.EntryID = *entryID
	}
	if lastRunID != nil {
		r.LastRunID = *lastRunID
	}
	if len(runIDsJSON) > 0 {
		if err := json.Unmarshal(runIDsJSON, &r.RunIDs); err != nil {
			return nil, &eventlog.BackendError{Op: "decode asset row", Err: err}
		}
	}
	if len(partitionsJSON) > 0 {
		if err := json.Unmarshal(partitionsJSON, &r.Partitions); err != nil {
			return nil, &eventlog.BackendError{Op: "decode asset row", Err: err}
		}
	}
	if r.Partitions == nil {
		r.Partitions = make(map[string]int64)
	}
	return &r, nil
}

// assetRowArgs encodes the row's JSONB columns for insert or upsert.
func assetRowArgs(row *assetRow) (entryJSON, runIDsJSON, partitionsJSON []byte, entryID *int64, lastRunID *string, err error) {
	if row.Entry != nil {
		entryJSON, err = json.Marshal(row.Entry)
		if err != nil {
			return nil, nil, nil, nil, nil, &eventlog.BackendError{Op: "encode asset row", Err: err}
		}
	}
	runIDs := row.RunIDs
	if runIDs == nil {
		runIDs = []string{}
	}
	runIDsJSON, _ = json.Marshal(runIDs)
	partitions := row.Partitions
	if partitions == nil {
		partitions = map[string]int64{}
	}
	partitionsJSON, _ = json.Marshal(partitions)
	if row.EntryID != 0 {
		entryID = &row.EntryID
	}
	if row.LastRunID != "" {
		lastRunID = &row.LastRunID
	}
	return entryJSON, runIDsJSON, partitionsJSON, entryID, lastRunID, nil
}

// upsertAssetRow writes the row, letting the id sequence assign on first
// insert and leaving it untouched on update.
func upsertAssetRow(ctx context.Context, tx pgx.Tx, row *assetRow) error {
	entryJSON, runIDsJSON, partitionsJSON, entryID, lastRunID, err := assetRowArgs(row)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO logeion_assets (asset_key, last_materialization, last_materialization_id, last_run_id, run_ids, partition_counts, wiped_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (asset_key) DO UPDATE SET
			last_materialization = EXCLUDED.last_materialization,
			last_materialization_id = EXCLUDED.last_materialization_id,
			last_run_id = EXCLUDED.last_run_id,
			run_ids = EXCLUDED.run_ids,
			partition_counts = EXCLUDED.partition_counts,
			wiped_at = EXCLUDED.wiped_at
	`, string(row.Key), entryJSON, entryID, lastRunID, runIDsJSON, partitionsJSON, row.WipedAt)
	if err != nil {
		return &eventlog.BackendError{Op: "upsert asset row", Err: err}
	}
	return nil
}
