package eventlog

import (
	"context"
	"fmt"
)

// Store is the capability interface for run history storage. Implementations
// must be safe for concurrent use; reads observe a consistent snapshot and
// see every append that completed before the read began.
type Store interface {
	// Append assigns the next storage id for the entry's shard, persists
	// the entry together with any asset index update it implies, then
	// notifies watchers of the entry's run. A zero Timestamp is stamped
	// with the store's clock. An empty RunID fails with
	// ErrInvariantViolation.
	Append(ctx context.Context, entry Entry) (StorageRecord, error)

	// GetLogsForRun is the legacy run read: cursor is the zero-based
	// index of the last entry already seen, or -1 for the whole run.
	// Anything below -1 fails with ErrInvariantViolation. ofTypes
	// restricts the result when non-empty; limit 0 means unlimited.
	GetLogsForRun(ctx context.Context, runID string, cursor int, ofTypes []EventType, limit int) ([]Entry, error)

	// GetRecordsForRun pages a run's records in storage id order. cursor
	// is "" for the beginning, or an offset / storage-id token from a
	// previous Connection. Run-sharded tokens are not run-scoped cursors
	// and fail with ErrMalformedCursor.
	GetRecordsForRun(ctx context.Context, runID, cursor string, ofTypes []EventType, limit int) (Connection, error)

	// GetEventRecords reads records across runs. Default order is
	// descending (most recent first); ascending on request. limit 0
	// means unlimited.
	GetEventRecords(ctx context.Context, filter RecordsFilter, limit int, ascending bool) ([]StorageRecord, error)

	// GetStatsForRun aggregates a run's entries into summary counts and
	// lifecycle timestamps.
	GetStatsForRun(ctx context.Context, runID string) (RunStats, error)

	// GetStepStatsForRun aggregates per-step statistics for a run.
	// stepKeys restricts the result when non-empty.
	GetStepStatsForRun(ctx context.Context, runID string, stepKeys []string) ([]StepStats, error)

	// DeleteEvents removes a run's events and watch bookkeeping. Asset
	// index entries produced by the run are left in place.
	DeleteEvents(ctx context.Context, runID string) error

	// Wipe removes all events, the entire asset index, and all watch
	// state, and resets id assignment.
	Wipe(ctx context.Context) error

	// WipeAsset hides an asset from every asset read and records a wipe
	// tombstone. The asset's events are not deleted; a materialization
	// appended after the wipe makes the asset visible again.
	WipeAsset(ctx context.Context, key AssetKey) error

	// ReindexEvents rebuilds event-side structural state (denormalized
	// columns, shard metadata, id watermarks). Without force it is a
	// no-op once the rebuild marker is recorded. Safe to run while
	// reads and appends continue; concurrent reindex calls serialize.
	ReindexEvents(ctx context.Context, force bool) error

	// ReindexAssets rebuilds the asset index from the log, honoring wipe
	// tombstones. Same force and serialization semantics as
	// ReindexEvents.
	ReindexAssets(ctx context.Context, force bool) error

	// HasAssetKey reports whether the asset is visible in the index.
	HasAssetKey(ctx context.Context, key AssetKey) (bool, error)

	// AllAssetKeys lists every visible asset key in lexicographic order.
	AllAssetKeys(ctx context.Context) ([]AssetKey, error)

	// GetAssetKeys lists visible asset keys with prefix, cursor, and
	// limit semantics as in FilterAssetKeys.
	GetAssetKeys(ctx context.Context, prefix AssetKey, limit int, cursor AssetKey) ([]AssetKey, error)

	// GetAssetRecords returns index rows for the given assets, or for
	// every visible asset when keys is empty, ordered by key.
	GetAssetRecords(ctx context.Context, keys []AssetKey) ([]AssetRecord, error)

	// GetLatestMaterializationEvents returns the latest materialization
	// entry per requested asset. Assets with no visible materialization
	// are absent from the result.
	GetLatestMaterializationEvents(ctx context.Context, keys []AssetKey) (map[AssetKey]*Entry, error)

	// GetMaterializationCountByPartition counts materializations per
	// partition for each requested asset. Every requested key appears
	// in the result, mapped to a possibly empty count map.
	GetMaterializationCountByPartition(ctx context.Context, keys []AssetKey) (map[AssetKey]map[string]int64, error)

	// GetAssetRunIDs lists the runs that materialized the asset, most
	// recent first.
	GetAssetRunIDs(ctx context.Context, key AssetKey) ([]string, error)

	// Watch subscribes fn to a run's records from the given cursor
	// forward. Delivery is asynchronous, in append order, at least once.
	Watch(runID, cursor string, fn HandlerFunc) (*Subscription, error)

	// EndWatch stops a subscription. Unknown subscriptions are a no-op.
	EndWatch(runID string, sub *Subscription)

	// IsPersistent reports whether appended events survive process
	// restart.
	IsPersistent() bool

	// MigrationVersion returns the backend's current schema version
	// identifier, or "" when the backend tracks none (or has not been
	// upgraded yet).
	MigrationVersion(ctx context.Context) (string, error)

	// Upgrade brings the backend schema to the current version. Running
	// it on an up-to-date store is a no-op.
	Upgrade(ctx context.Context) error

	// Close releases the backend's resources and terminates every
	// subscription. Closing twice is a no-op; every other operation
	// fails with ErrStorageClosed afterwards.
	Close() error
}

// RunReader pages a single run's records. It is the narrow read capability
// needed by the watcher and the shared aggregation helpers.
type RunReader interface {
	GetRecordsForRun(ctx context.Context, runID, cursor string, ofTypes []EventType, limit int) (Connection, error)
}

// LogsForRun implements the legacy run read on top of GetRecordsForRun.
// The integer cursor is the zero-based index of the last entry already
// seen; it shifts by one into an offset cursor so that -1 reads the whole
// run.
func LogsForRun(ctx context.Context, r RunReader, runID string, cursor int, ofTypes []EventType, limit int) ([]Entry, error) {
	if cursor < -1 {
		return nil, &InvariantError{Msg: fmt.Sprintf("run log cursor %d below -1", cursor)}
	}
	conn, err := r.GetRecordsForRun(ctx, runID, FromOffset(int64(cursor)+1).String(), ofTypes, limit)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, len(conn.Records))
	for i, rec := range conn.Records {
		entries[i] = rec.Entry
	}
	return entries, nil
}

// RunStatsFromReader computes run statistics by reading all of a run's
// records through r.
func RunStatsFromReader(ctx context.Context, r RunReader, runID string) (RunStats, error) {
	conn, err := r.GetRecordsForRun(ctx, runID, "", nil, 0)
	if err != nil {
		return RunStats{}, err
	}
	return BuildRunStats(runID, connEntries(conn)), nil
}

// StepStatsFromReader computes per-step statistics by reading all of a
// run's records through r.
func StepStatsFromReader(ctx context.Context, r RunReader, runID string, stepKeys []string) ([]StepStats, error) {
	conn, err := r.GetRecordsForRun(ctx, runID, "", nil, 0)
	if err != nil {
		return nil, err
	}
	return BuildStepStats(runID, connEntries(conn), stepKeys), nil
}

func connEntries(conn Connection) []Entry {
	entries := make([]Entry, len(conn.Records))
	for i, rec := range conn.Records {
		entries[i] = rec.Entry
	}
	return entries
}
