// Package memory provides an in-memory implementation of eventlog.Store.
// Appended events do not survive process restart, so this implementation
// is suitable for testing, development, and ephemeral runs.
package memory

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/lirancohen/logeion/eventlog"
)

const (
	markerAssetIndex = "asset_index_rebuild"
	markerEventMeta  = "event_meta_rebuild"
)

// Store is a thread-safe in-memory implementation of eventlog.Store.
type Store struct {
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	records  map[string][]eventlog.StorageRecord // runID -> records (id order)
	nextID   int64
	assets   map[eventlog.AssetKey]*assetState
	assetSeq int64
	markers  map[string]time.Time
	closed   bool

	watcher *eventlog.Watcher
}

// assetState is one asset's derived index entry.
type assetState struct {
	id         int64
	entry      *eventlog.Entry // latest materialization, nil when wiped
	entryID    int64
	lastRunID  string
	runIDs     []string // most recent first, deduplicated
	partitions map[string]int64
	wipedAt    *time.Time
}

// visible reports whether the asset appears in asset reads.
func (st *assetState) visible() bool {
	return st.entry != nil
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for warnings and watch delivery errors.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithNow sets the clock used for wipe tombstones and entry stamping.
func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty in-memory event log store.
func New(opts ...Option) *Store {
	s := &Store{
		logger:  slog.Default(),
		now:     time.Now,
		records: make(map[string][]eventlog.StorageRecord),
		assets:  make(map[eventlog.AssetKey]*assetState),
		markers: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.watcher = eventlog.NewWatcher(s, s.logger)
	return s
}

// Append assigns the next storage id, stores the entry, updates the asset
// index in the same critical section, and notifies watchers.
func (s *Store) Append(ctx context.Context, entry eventlog.Entry) (eventlog.StorageRecord, error) {
	if entry.RunID == "" {
		return eventlog.StorageRecord{}, &eventlog.InvariantError{Msg: "append requires a run id"}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return eventlog.StorageRecord{}, eventlog.ErrStorageClosed
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}
	s.nextID++
	rec := eventlog.StorageRecord{StorageID: s.nextID, Entry: entry}
	s.records[entry.RunID] = append(s.records[entry.RunID], rec)
	if data, ok := entry.Materialization(); ok {
		s.applyMaterializationLocked(rec, data)
	}
	s.mu.Unlock()

	s.watcher.NotifyRun(entry.RunID)
	return rec, nil
}

// applyMaterializationLocked folds one materialization into the asset
// index. Caller must hold s.mu.
func (s *Store) applyMaterializationLocked(rec eventlog.StorageRecord, data eventlog.MaterializationData) {
	st, ok := s.assets[data.AssetKey]
	if !ok {
		s.assetSeq++
		st = &assetState{id: s.assetSeq, partitions: make(map[string]int64)}
		s.assets[data.AssetKey] = st
	}
	if st.wipedAt != nil && !rec.Entry.Timestamp.After(*st.wipedAt) {
		return
	}
	entry := rec.Entry
	st.entry = &entry
	st.entryID = rec.StorageID
	st.lastRunID = rec.Entry.RunID
	st.runIDs = prependRunID(st.runIDs, rec.Entry.RunID)
	if data.Partition != "" {
		st.partitions[data.Partition]++
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

// GetLogsForRun implements the legacy integer-cursor run read.
func (s *Store) GetLogsForRun(ctx context.Context, runID string, cursor int, ofTypes []eventlog.EventType, limit int) ([]eventlog.Entry, error) {
	return eventlog.LogsForRun(ctx, s, runID, cursor, ofTypes, limit)
}

// GetRecordsForRun pages a run's records in storage id order.
func (s *Store) GetRecordsForRun(ctx context.Context, runID, cursor string, ofTypes []eventlog.EventType, limit int) (eventlog.Connection, error) {
	skip := int64(-1)
	afterID := int64(-1)
	haveOffset := false
	if cursor != "" {
		c, err := eventlog.ParseCursor(cursor)
		if err != nil {
			return eventlog.Connection{}, err
		}
		switch c.Type() {
		case eventlog.CursorOffset:
			skip, _ = c.Offset()
			haveOffset = true
		case eventlog.CursorStorageID:
			afterID, _ = c.StorageID()
		default:
			return eventlog.Connection{}, &eventlog.MalformedCursorError{
				Token: cursor,
				Err:   &eventlog.InvariantError{Msg: "run-sharded cursor is not valid for run-scoped reads"},
			}
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return eventlog.Connection{}, eventlog.ErrStorageClosed
	}

	typeSet := makeTypeSet(ofTypes)
	var out []eventlog.StorageRecord
	matched := int64(0)
	hasMore := false
	for _, rec := range s.records[runID] {
		if typeSet != nil && !typeSet[rec.Entry.Type] {
			continue
		}
		matched++
		if haveOffset && matched <= skip {
			continue
		}
		if !haveOffset && rec.StorageID <= afterID {
			continue
		}
		if limit > 0 && len(out) == limit {
			hasMore = true
			break
		}
		out = append(out, rec)
	}

	next := cursor
	if len(out) > 0 {
		next = eventlog.FromStorageID(out[len(out)-1].StorageID).String()
	} else if cursor == "" {
		next = eventlog.FromStorageID(-1).String()
	}
	return eventlog.Connection{Records: out, Cursor: next, HasMore: hasMore}, nil
}

func makeTypeSet(ofTypes []eventlog.EventType) map[eventlog.EventType]bool {
	if len(ofTypes) == 0 {
		return nil
	}
	set := make(map[eventlog.EventType]bool, len(ofTypes))
	for _, t := range ofTypes {
		set[t] = true
	}
	return set
}

// GetEventRecords reads records across runs, most recent first by default.
func (s *Store) GetEventRecords(ctx context.Context, filter eventlog.RecordsFilter, limit int, ascending bool) ([]eventlog.StorageRecord, error) {
	if err := eventlog.ValidateFilter(filter, s.logger); err != nil {
		return nil, err
	}
	afterID, haveAfter := filter.AfterID()
	beforeID, haveBefore := filter.BeforeID()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, eventlog.ErrStorageClosed
	}

	var out []eventlog.StorageRecord
	for _, recs := range s.records {
		for _, rec := range recs {
			if haveAfter && rec.StorageID <= afterID {
				continue
			}
			if haveBefore && rec.StorageID >= beforeID {
				continue
			}
			if !filter.MatchesEntry(rec.Entry) {
				continue
			}
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if ascending {
			return out[i].StorageID < out[j].StorageID
		}
		return out[i].StorageID > out[j].StorageID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetStatsForRun aggregates a run's entries into summary statistics.
func (s *Store) GetStatsForRun(ctx context.Context, runID string) (eventlog.RunStats, error) {
	return eventlog.RunStatsFromReader(ctx, s, runID)
}

// GetStepStatsForRun aggregates per-step statistics for a run.
func (s *Store) GetStepStatsForRun(ctx context.Context, runID string, stepKeys []string) ([]eventlog.StepStats, error) {
	return eventlog.StepStatsFromReader(ctx, s, runID, stepKeys)
}

// DeleteEvents removes a run's events and stops its subscriptions. Asset
// index entries produced by the run stay in place.
func (s *Store) DeleteEvents(ctx context.Context, runID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return eventlog.ErrStorageClosed
	}
	delete(s.records, runID)
	s.mu.Unlock()

	s.watcher.EndRun(runID)
	return nil
}

// Wipe removes all events, the asset index, and watch state, and resets id
// assignment.
func (s *Store) Wipe(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return eventlog.ErrStorageClosed
	}
	s.records = make(map[string][]eventlog.StorageRecord)
	s.assets = make(map[eventlog.AssetKey]*assetState)
	s.markers = make(map[string]time.Time)
	s.nextID = 0
	s.assetSeq = 0
	s.mu.Unlock()

	s.watcher.Reset()
	return nil
}

// WipeAsset hides the asset from reads and records a wipe tombstone. The
// asset's events are untouched.
func (s *Store) WipeAsset(ctx context.Context, key eventlog.AssetKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return eventlog.ErrStorageClosed
	}
	st, ok := s.assets[key]
	if !ok {
		return nil
	}
	ts := s.now()
	st.entry = nil
	st.entryID = 0
	st.lastRunID = ""
	st.runIDs = nil
	st.partitions = make(map[string]int64)
	st.wipedAt = &ts
	return nil
}

// ReindexEvents recomputes the storage id watermark from stored records.
func (s *Store) ReindexEvents(ctx context.Context, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return eventlog.ErrStorageClosed
	}
	if _, done := s.markers[markerEventMeta]; done && !force {
		return nil
	}
	var maxID int64
	for _, recs := range s.records {
		for _, rec := range recs {
			if rec.StorageID > maxID {
				maxID = rec.StorageID
			}
		}
	}
	if maxID > s.nextID {
		s.nextID = maxID
	}
	s.markers[markerEventMeta] = s.now()
	s.logger.Debug("event metadata rebuilt", "max_id", maxID)
	return nil
}

// ReindexAssets rebuilds the asset index by replaying every stored
// materialization in id order, honoring wipe tombstones.
func (s *Store) ReindexAssets(ctx context.Context, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return eventlog.ErrStorageClosed
	}
	if _, done := s.markers[markerAssetIndex]; done && !force {
		return nil
	}

	// Carry ids and tombstones over so the rebuild is stable and wiped
	// history stays hidden.
	prev := s.assets
	s.assets = make(map[eventlog.AssetKey]*assetState, len(prev))
	for key, old := range prev {
		s.assets[key] = &assetState{id: old.id, partitions: make(map[string]int64), wipedAt: old.wipedAt}
	}

	var all []eventlog.StorageRecord
	for _, recs := range s.records {
		all = append(all, recs...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].StorageID < all[j].StorageID })
	replayed := 0
	for _, rec := range all {
		if data, ok := rec.Entry.Materialization(); ok {
			s.applyMaterializationLocked(rec, data)
			replayed++
		}
	}

	s.markers[markerAssetIndex] = s.now()
	s.logger.Debug("asset index rebuilt", "materializations", replayed, "assets", len(s.assets))
	return nil
}

// HasAssetKey reports whether the asset is visible in the index.
func (s *Store) HasAssetKey(ctx context.Context, key eventlog.AssetKey) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, eventlog.ErrStorageClosed
	}
	st, ok := s.assets[key]
	return ok && st.visible(), nil
}

// AllAssetKeys lists every visible asset key in lexicographic order.
func (s *Store) AllAssetKeys(ctx context.Context) ([]eventlog.AssetKey, error) {
	return s.GetAssetKeys(ctx, "", 0, "")
}

// GetAssetKeys lists visible asset keys with prefix, cursor, and limit
// semantics.
func (s *Store) GetAssetKeys(ctx context.Context, prefix eventlog.AssetKey, limit int, cursor eventlog.AssetKey) ([]eventlog.AssetKey, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, eventlog.ErrStorageClosed
	}
	keys := make([]eventlog.AssetKey, 0, len(s.assets))
	for key, st := range s.assets {
		if st.visible() {
			keys = append(keys, key)
		}
	}
	s.mu.RUnlock()

	return eventlog.FilterAssetKeys(keys, prefix, limit, cursor), nil
}

// GetAssetRecords returns index rows for the given assets, or for every
// visible asset when keys is empty, ordered by key.
func (s *Store) GetAssetRecords(ctx context.Context, keys []eventlog.AssetKey) ([]eventlog.AssetRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, eventlog.ErrStorageClosed
	}

	wanted := make(map[eventlog.AssetKey]bool, len(keys))
	for _, key := range keys {
		wanted[key] = true
	}
	var out []eventlog.AssetRecord
	for key, st := range s.assets {
		if !st.visible() {
			continue
		}
		if len(keys) > 0 && !wanted[key] {
			continue
		}
		out = append(out, eventlog.AssetRecord{StorageID: st.id, Entry: s.assetEntryLocked(key, st)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Entry.Key < out[j].Entry.Key })
	return out, nil
}

// assetEntryLocked snapshots one asset's index entry. Caller must hold s.mu.
func (s *Store) assetEntryLocked(key eventlog.AssetKey, st *assetState) eventlog.AssetEntry {
	entry := eventlog.AssetEntry{
		Key:                   key,
		LastMaterializationID: st.entryID,
		LastRunID:             st.lastRunID,
	}
	if st.entry != nil {
		e := *st.entry
		entry.LastMaterialization = &e
	}
	if st.wipedAt != nil {
		ts := *st.wipedAt
		entry.WipedAt = &ts
	}
	return entry
}

// GetLatestMaterializationEvents returns the latest materialization per
// requested asset. Keys with no visible materialization are absent.
func (s *Store) GetLatestMaterializationEvents(ctx context.Context, keys []eventlog.AssetKey) (map[eventlog.AssetKey]*eventlog.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, eventlog.ErrStorageClosed
	}
	out := make(map[eventlog.AssetKey]*eventlog.Entry, len(keys))
	for _, key := range keys {
		st, ok := s.assets[key]
		if !ok || !st.visible() {
			continue
		}
		e := *st.entry
		out[key] = &e
	}
	return out, nil
}

// GetMaterializationCountByPartition counts materializations per partition
// for each requested asset.
func (s *Store) GetMaterializationCountByPartition(ctx context.Context, keys []eventlog.AssetKey) (map[eventlog.AssetKey]map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, eventlog.ErrStorageClosed
	}
	out := make(map[eventlog.AssetKey]map[string]int64, len(keys))
	for _, key := range keys {
		counts := make(map[string]int64)
		if st, ok := s.assets[key]; ok && st.visible() {
			for partition, n := range st.partitions {
				counts[partition] = n
			}
		}
		out[key] = counts
	}
	return out, nil
}

// GetAssetRunIDs lists the runs that materialized the asset, most recent
// first.
func (s *Store) GetAssetRunIDs(ctx context.Context, key eventlog.AssetKey) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, eventlog.ErrStorageClosed
	}
	st, ok := s.assets[key]
	if !ok || !st.visible() {
		return nil, nil
	}
	out := make([]string, len(st.runIDs))
	copy(out, st.runIDs)
	return out, nil
}

// Watch subscribes fn to a run's records from cursor forward.
func (s *Store) Watch(runID, cursor string, fn eventlog.HandlerFunc) (*eventlog.Subscription, error) {
	return s.watcher.Watch(runID, cursor, fn)
}

// EndWatch stops a subscription.
func (s *Store) EndWatch(runID string, sub *eventlog.Subscription) {
	s.watcher.EndWatch(runID, sub)
}

// IsPersistent reports false: appended events live only in process memory.
func (s *Store) IsPersistent() bool {
	return false
}

// MigrationVersion returns "": the in-memory backend tracks no schema.
func (s *Store) MigrationVersion(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", eventlog.ErrStorageClosed
	}
	return "", nil
}

// Upgrade is a no-op for the in-memory backend.
func (s *Store) Upgrade(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return eventlog.ErrStorageClosed
	}
	return nil
}

// Close terminates subscriptions and rejects further operations.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.watcher.Close()
	return nil
}
