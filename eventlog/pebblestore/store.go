// Package pebblestore provides an eventlog.Store backed by an embedded
// Pebble database. Events are sharded by run: storage ids are sequences
// assigned within each run and are not ordered across runs, so cross-run
// reads order by timestamp and honor run-sharded cursor bounds.
package pebblestore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/lirancohen/logeion/eventlog"
)

const schemaVersion = "1"

const (
	markerAssetIndex = "asset_index_rebuild"
	markerEventMeta  = "event_meta_rebuild"
)

// FsyncMode defines durability behavior for committed appends.
type FsyncMode int

const (
	FsyncModeUnspecified FsyncMode = iota
	// FsyncModeAlways requests a WAL fsync on each committed batch.
	FsyncModeAlways
	// FsyncModeInterval enables group-commit by allowing Pebble to coalesce
	// WAL syncs for operations within the configured interval.
	FsyncModeInterval
	// FsyncModeNever avoids forcing WAL syncs from the application. Pebble
	// may still sync based on its own policies.
	FsyncModeNever
)

// Options configures a Store.
type Options struct {
	// DataDir is the path to the Pebble database directory.
	DataDir string
	// Fsync determines when to sync the WAL.
	Fsync FsyncMode
	// FsyncInterval controls group-commit when Fsync=FsyncModeInterval.
	FsyncInterval time.Duration
	// PebbleOptions allows advanced tuning. If nil, defaults are used.
	PebbleOptions *pebble.Options
	// Logger receives warnings and watch delivery errors.
	Logger *slog.Logger
	// Now is the clock used for stamping; defaults to time.Now.
	Now func() time.Time
}

// Store is a run-sharded, single-process implementation of eventlog.Store.
type Store struct {
	logger *slog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	db        *pebble.DB
	writeSync bool
	runs      map[string]runMeta // write-through cache of r/ rows
	assetSeq  int64
	closed    bool

	watcher *eventlog.Watcher
}

// Open creates or opens a Pebble-backed event log store at opts.DataDir.
func Open(opts Options) (*Store, error) {
	if opts.DataDir == "" {
		return nil, errors.New("pebblestore: Options.DataDir is required")
	}

	po := opts.PebbleOptions
	if po == nil {
		po = &pebble.Options{}
	}
	switch opts.Fsync {
	case FsyncModeAlways:
		// Sync on each commit; WALMinSyncInterval left at default.
	case FsyncModeInterval:
		interval := opts.FsyncInterval
		if interval <= 0 {
			interval = 5 * time.Millisecond
		}
		po.WALMinSyncInterval = func() time.Duration { return interval }
	case FsyncModeNever:
	default:
		po.WALMinSyncInterval = func() time.Duration { return 5 * time.Millisecond }
	}

	db, err := pebble.Open(opts.DataDir, po)
	if err != nil {
		return nil, &eventlog.BackendError{Op: "pebble open", Err: err}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	s := &Store{
		logger:    logger,
		now:       now,
		db:        db,
		writeSync: opts.Fsync == FsyncModeAlways,
		runs:      make(map[string]runMeta),
	}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	s.watcher = eventlog.NewWatcher(s, logger)
	return s, nil
}

// init stamps the schema version on first open and loads counters.
func (s *Store) init() error {
	if _, ok, err := s.get(schemaKey); err != nil {
		return err
	} else if !ok {
		if err := s.set(schemaKey, []byte(schemaVersion)); err != nil {
			return err
		}
	}

	raw, ok, err := s.get(assetSeqKey)
	if err != nil {
		return err
	}
	if ok && len(raw) == 8 {
		s.assetSeq = int64(binary.BigEndian.Uint64(raw))
	}
	return nil
}

func (s *Store) get(key []byte) ([]byte, bool, error) {
	val, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, &eventlog.BackendError{Op: "pebble get", Err: err}
	}
	defer closer.Close()
	return append([]byte(nil), val...), true, nil
}

func (s *Store) set(key, val []byte) error {
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(key, val, nil); err != nil {
		return &eventlog.BackendError{Op: "pebble set", Err: err}
	}
	return s.commit(b)
}

// commit applies the batch with the configured fsync policy.
func (s *Store) commit(b *pebble.Batch) error {
	mode := pebble.NoSync
	if s.writeSync {
		mode = pebble.Sync
	}
	if err := b.Commit(mode); err != nil {
		return &eventlog.BackendError{Op: "pebble commit", Err: err}
	}
	return nil
}

func (s *Store) newIter(low, hi []byte) (*pebble.Iterator, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: hi})
	if err != nil {
		return nil, &eventlog.BackendError{Op: "pebble iter", Err: err}
	}
	return iter, nil
}

// runMetaLocked returns the run's meta row, consulting the cache first.
// Caller must hold s.mu.
func (s *Store) runMetaLocked(runID string) (runMeta, error) {
	if meta, ok := s.runs[runID]; ok {
		return meta, nil
	}
	raw, ok, err := s.get(runKey(runID))
	if err != nil || !ok {
		return runMeta{}, err
	}
	meta, valid := decodeRunMeta(raw)
	if !valid {
		s.logger.Warn("skipping corrupt run meta", "run_id", runID)
		return runMeta{}, nil
	}
	s.runs[runID] = meta
	return meta, nil
}

// decodeEntry unframes and decodes one stored event value. Corrupt values
// are logged and skipped.
func (s *Store) decodeEntry(key, val []byte) (eventlog.Entry, bool) {
	payload, ok := decodeValue(val)
	if !ok {
		s.logger.Warn("skipping corrupt event record",
			"run_id", entryRunID(key), "seq", entrySeq(key))
		return eventlog.Entry{}, false
	}
	var entry eventlog.Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		s.logger.Warn("skipping undecodable event record",
			"run_id", entryRunID(key), "seq", entrySeq(key), "error", err)
		return eventlog.Entry{}, false
	}
	return entry, true
}

// Append assigns the run's next sequence, persists the entry and any asset
// index update in one batch, and notifies watchers.
func (s *Store) Append(ctx context.Context, entry eventlog.Entry) (eventlog.StorageRecord, error) {
	if entry.RunID == "" {
		return eventlog.StorageRecord{}, &eventlog.InvariantError{Msg: "append requires a run id"}
	}
	if strings.IndexByte(entry.RunID, runSep) >= 0 {
		return eventlog.StorageRecord{}, &eventlog.InvariantError{Msg: "run id contains the key separator byte"}
	}

	s.mu.Lock()
	rec, err := s.appendLocked(entry)
	s.mu.Unlock()
	if err != nil {
		return eventlog.StorageRecord{}, err
	}

	s.watcher.NotifyRun(entry.RunID)
	return rec, nil
}

func (s *Store) appendLocked(entry eventlog.Entry) (eventlog.StorageRecord, error) {
	if s.closed {
		return eventlog.StorageRecord{}, eventlog.ErrStorageClosed
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}

	meta, err := s.runMetaLocked(entry.RunID)
	if err != nil {
		return eventlog.StorageRecord{}, err
	}
	seq := meta.lastSeq + 1
	rec := eventlog.StorageRecord{StorageID: int64(seq), Entry: entry}

	payload, err := json.Marshal(entry)
	if err != nil {
		return eventlog.StorageRecord{}, &eventlog.InvariantError{Msg: "entry does not encode: " + err.Error()}
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(entryKey(entry.RunID, seq), encodeValue(payload), nil); err != nil {
		return eventlog.StorageRecord{}, &eventlog.BackendError{Op: "pebble set", Err: err}
	}
	newMeta := runMeta{lastSeq: seq, updatedAt: s.now().UnixMicro()}
	if err := b.Set(runKey(entry.RunID), encodeRunMeta(newMeta), nil); err != nil {
		return eventlog.StorageRecord{}, &eventlog.BackendError{Op: "pebble set", Err: err}
	}
	if data, ok := entry.Materialization(); ok {
		if err := s.applyMaterializationLocked(b, rec, data); err != nil {
			return eventlog.StorageRecord{}, err
		}
	}
	if err := s.commit(b); err != nil {
		return eventlog.StorageRecord{}, err
	}
	s.runs[entry.RunID] = newMeta
	return rec, nil
}

// applyMaterializationLocked folds one materialization into the asset index
// as part of the append batch. Caller must hold s.mu.
func (s *Store) applyMaterializationLocked(b *pebble.Batch, rec eventlog.StorageRecord, data eventlog.MaterializationData) error {
	row, err := s.loadAssetRow(data.AssetKey)
	if err != nil {
		return err
	}
	if row == nil {
		s.assetSeq++
		row = &assetRow{ID: s.assetSeq, Key: data.AssetKey, Partitions: make(map[string]int64)}
		if err := b.Set(assetSeqKey, appendBE8(nil, uint64(s.assetSeq)), nil); err != nil {
			return &eventlog.BackendError{Op: "pebble set", Err: err}
		}
	}
	row.apply(rec, data)
	return s.putAssetRow(b, row)
}

// GetLogsForRun implements the legacy integer-cursor run read.
func (s *Store) GetLogsForRun(ctx context.Context, runID string, cursor int, ofTypes []eventlog.EventType, limit int) ([]eventlog.Entry, error) {
	return eventlog.LogsForRun(ctx, s, runID, cursor, ofTypes, limit)
}

// GetRecordsForRun pages a run's records in sequence order.
func (s *Store) GetRecordsForRun(ctx context.Context, runID, cursor string, ofTypes []eventlog.EventType, limit int) (eventlog.Connection, error) {
	skip := int64(0)
	afterSeq := int64(-1)
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
			afterSeq, _ = c.StorageID()
		default:
			return eventlog.Connection{}, &eventlog.MalformedCursorError{
				Token: cursor,
				Err:   errors.New("run-sharded cursor is not valid for run-scoped reads"),
			}
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return eventlog.Connection{}, eventlog.ErrStorageClosed
	}

	low, hi := entryBounds(runID)
	if !haveOffset && afterSeq >= 0 {
		low = entryKey(runID, uint64(afterSeq)+1)
	}
	iter, err := s.newIter(low, hi)
	if err != nil {
		return eventlog.Connection{}, err
	}
	defer iter.Close()

	var typeSet map[eventlog.EventType]bool
	if len(ofTypes) > 0 {
		typeSet = make(map[eventlog.EventType]bool, len(ofTypes))
		for _, typ := range ofTypes {
			typeSet[typ] = true
		}
	}

	var out []eventlog.StorageRecord
	matched := int64(0)
	hasMore := false
	for iter.First(); iter.Valid(); iter.Next() {
		entry, ok := s.decodeEntry(iter.Key(), iter.Value())
		if !ok {
			continue
		}
		if typeSet != nil && !typeSet[entry.Type] {
			continue
		}
		matched++
		if haveOffset && matched <= skip {
			continue
		}
		if limit > 0 && len(out) == limit {
			hasMore = true
			break
		}
		out = append(out, eventlog.StorageRecord{StorageID: int64(entrySeq(iter.Key())), Entry: entry})
	}

	next := cursor
	if len(out) > 0 {
		next = eventlog.FromStorageID(out[len(out)-1].StorageID).String()
	} else if cursor == "" {
		next = eventlog.FromStorageID(-1).String()
	}
	return eventlog.Connection{Records: out, Cursor: next, HasMore: hasMore}, nil
}

// runInfo pairs a run id with its meta row.
type runInfo struct {
	id   string
	meta runMeta
}

// listRunsLocked scans the run meta rows. Caller must hold s.mu.
func (s *Store) listRunsLocked() ([]runInfo, error) {
	iter, err := s.newIter(runPrefix, prefixUpperBound(runPrefix))
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []runInfo
	for iter.First(); iter.Valid(); iter.Next() {
		meta, ok := decodeRunMeta(iter.Value())
		if !ok {
			s.logger.Warn("skipping corrupt run meta", "run_id", runKeyID(iter.Key()))
			continue
		}
		out = append(out, runInfo{id: runKeyID(iter.Key()), meta: meta})
	}
	return out, nil
}

// GetEventRecords reads records across runs. Storage ids order only within
// a run, so results order by (timestamp, run id, sequence); run-sharded
// cursor bounds narrow candidate runs by their update time and ignore the
// embedded id, while plain storage-id bounds apply per shard.
func (s *Store) GetEventRecords(ctx context.Context, filter eventlog.RecordsFilter, limit int, ascending bool) ([]eventlog.StorageRecord, error) {
	if err := eventlog.ValidateFilter(filter, s.logger); err != nil {
		return nil, err
	}

	var afterSeq, beforeSeq, runsAfter, runsBefore *int64
	if c := filter.AfterCursor; c != nil {
		switch c.Type() {
		case eventlog.CursorStorageID:
			id, _ := c.StorageID()
			afterSeq = &id
		case eventlog.CursorRunSharded:
			_, ts, _ := c.RunSharded()
			us := ts.UnixMicro()
			runsAfter = &us
		}
	}
	if c := filter.BeforeCursor; c != nil {
		switch c.Type() {
		case eventlog.CursorStorageID:
			id, _ := c.StorageID()
			beforeSeq = &id
		case eventlog.CursorRunSharded:
			_, ts, _ := c.RunSharded()
			us := ts.UnixMicro()
			runsBefore = &us
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, eventlog.ErrStorageClosed
	}

	runs, err := s.listRunsLocked()
	if err != nil {
		return nil, err
	}

	var out []eventlog.StorageRecord
	for _, run := range runs {
		if runsAfter != nil && run.meta.updatedAt <= *runsAfter {
			continue
		}
		if runsBefore != nil && run.meta.updatedAt >= *runsBefore {
			continue
		}
		low, hi := entryBounds(run.id)
		iter, err := s.newIter(low, hi)
		if err != nil {
			return nil, err
		}
		for iter.First(); iter.Valid(); iter.Next() {
			seq := int64(entrySeq(iter.Key()))
			if afterSeq != nil && seq <= *afterSeq {
				continue
			}
			if beforeSeq != nil && seq >= *beforeSeq {
				continue
			}
			entry, ok := s.decodeEntry(iter.Key(), iter.Value())
			if !ok || !filter.MatchesEntry(entry) {
				continue
			}
			out = append(out, eventlog.StorageRecord{StorageID: seq, Entry: entry})
		}
		if err := iter.Close(); err != nil {
			return nil, &eventlog.BackendError{Op: "pebble iter", Err: err}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		less := recordLess(out[i], out[j])
		if ascending {
			return less
		}
		return recordLess(out[j], out[i])
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func recordLess(a, b eventlog.StorageRecord) bool {
	if !a.Entry.Timestamp.Equal(b.Entry.Timestamp) {
		return a.Entry.Timestamp.Before(b.Entry.Timestamp)
	}
	if a.Entry.RunID != b.Entry.RunID {
		return a.Entry.RunID < b.Entry.RunID
	}
	return a.StorageID < b.StorageID
}

// GetStatsForRun aggregates a run's entries into summary statistics.
func (s *Store) GetStatsForRun(ctx context.Context, runID string) (eventlog.RunStats, error) {
	return eventlog.RunStatsFromReader(ctx, s, runID)
}

// GetStepStatsForRun aggregates per-step statistics for a run.
func (s *Store) GetStepStatsForRun(ctx context.Context, runID string, stepKeys []string) ([]eventlog.StepStats, error) {
	return eventlog.StepStatsFromReader(ctx, s, runID, stepKeys)
}

// DeleteEvents removes one run's shard and stops its subscriptions.
func (s *Store) DeleteEvents(ctx context.Context, runID string) error {
	s.mu.Lock()
	err := s.deleteEventsLocked(runID)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.watcher.EndRun(runID)
	return nil
}

func (s *Store) deleteEventsLocked(runID string) error {
	if s.closed {
		return eventlog.ErrStorageClosed
	}
	b := s.db.NewBatch()
	defer b.Close()
	low, hi := entryBounds(runID)
	if err := b.DeleteRange(low, hi, nil); err != nil {
		return &eventlog.BackendError{Op: "pebble delete range", Err: err}
	}
	if err := b.Delete(runKey(runID), nil); err != nil {
		return &eventlog.BackendError{Op: "pebble delete", Err: err}
	}
	if err := s.commit(b); err != nil {
		return err
	}
	delete(s.runs, runID)
	return nil
}

// Wipe removes all events, run metadata, the asset index, reindex markers,
// and watch state. The schema version survives.
func (s *Store) Wipe(ctx context.Context) error {
	s.mu.Lock()
	err := s.wipeLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.watcher.Reset()
	return nil
}

func (s *Store) wipeLocked() error {
	if s.closed {
		return eventlog.ErrStorageClosed
	}
	b := s.db.NewBatch()
	defer b.Close()
	for _, prefix := range [][]byte{entryPrefix, runPrefix, assetPrefix, markerPrefix} {
		if err := b.DeleteRange(prefix, prefixUpperBound(prefix), nil); err != nil {
			return &eventlog.BackendError{Op: "pebble delete range", Err: err}
		}
	}
	if err := b.Delete(assetSeqKey, nil); err != nil {
		return &eventlog.BackendError{Op: "pebble delete", Err: err}
	}
	if err := s.commit(b); err != nil {
		return err
	}
	s.runs = make(map[string]runMeta)
	s.assetSeq = 0
	return nil
}

// WipeAsset hides the asset from reads and records a wipe tombstone.
func (s *Store) WipeAsset(ctx context.Context, key eventlog.AssetKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return eventlog.ErrStorageClosed
	}

	row, err := s.loadAssetRow(key)
	if err != nil || row == nil {
		return err
	}
	ts := s.now()
	row.Entry = nil
	row.EntryID = 0
	row.LastRunID = ""
	row.RunIDs = nil
	row.Partitions = make(map[string]int64)
	row.WipedAt = &ts

	b := s.db.NewBatch()
	defer b.Close()
	if err := s.putAssetRow(b, row); err != nil {
		return err
	}
	return s.commit(b)
}

// ReindexEvents rebuilds run metadata (sequence watermarks and update
// times) from the stored entries.
func (s *Store) ReindexEvents(ctx context.Context, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return eventlog.ErrStorageClosed
	}
	if done, err := s.markerDone(markerEventMeta); err != nil {
		return err
	} else if done && !force {
		return nil
	}

	metas := make(map[string]runMeta)
	iter, err := s.newIter(entryPrefix, prefixUpperBound(entryPrefix))
	if err != nil {
		return err
	}
	for iter.First(); iter.Valid(); iter.Next() {
		runID := entryRunID(iter.Key())
		seq := entrySeq(iter.Key())
		entry, ok := s.decodeEntry(iter.Key(), iter.Value())
		if !ok {
			continue
		}
		meta := metas[runID]
		if seq > meta.lastSeq {
			meta.lastSeq = seq
		}
		if us := entry.Timestamp.UnixMicro(); us > meta.updatedAt {
			meta.updatedAt = us
		}
		metas[runID] = meta
	}
	if err := iter.Close(); err != nil {
		return &eventlog.BackendError{Op: "pebble iter", Err: err}
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.DeleteRange(runPrefix, prefixUpperBound(runPrefix), nil); err != nil {
		return &eventlog.BackendError{Op: "pebble delete range", Err: err}
	}
	for runID, meta := range metas {
		if err := b.Set(runKey(runID), encodeRunMeta(meta), nil); err != nil {
			return &eventlog.BackendError{Op: "pebble set", Err: err}
		}
	}
	if err := s.stampMarker(b, markerEventMeta); err != nil {
		return err
	}
	if err := s.commit(b); err != nil {
		return err
	}
	s.runs = metas
	s.logger.Debug("run metadata rebuilt", "runs", len(metas))
	return nil
}

// ReindexAssets rebuilds the asset index by replaying every stored
// materialization in cross-run order, honoring wipe tombstones.
func (s *Store) ReindexAssets(ctx context.Context, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return eventlog.ErrStorageClosed
	}
	if done, err := s.markerDone(markerAssetIndex); err != nil {
		return err
	} else if done && !force {
		return nil
	}

	// Carry ids and tombstones over so the rebuild is stable and wiped
	// history stays hidden.
	prev, err := s.listAssetRowsLocked()
	if err != nil {
		return err
	}
	next := make(map[eventlog.AssetKey]*assetRow, len(prev))
	for _, old := range prev {
		next[old.Key] = &assetRow{
			ID:         old.ID,
			Key:        old.Key,
			Partitions: make(map[string]int64),
			WipedAt:    old.WipedAt,
		}
	}

	var mats []eventlog.StorageRecord
	iter, err := s.newIter(entryPrefix, prefixUpperBound(entryPrefix))
	if err != nil {
		return err
	}
	for iter.First(); iter.Valid(); iter.Next() {
		entry, ok := s.decodeEntry(iter.Key(), iter.Value())
		if !ok || entry.Type != eventlog.EventAssetMaterialized {
			continue
		}
		mats = append(mats, eventlog.StorageRecord{StorageID: int64(entrySeq(iter.Key())), Entry: entry})
	}
	if err := iter.Close(); err != nil {
		return &eventlog.BackendError{Op: "pebble iter", Err: err}
	}
	sort.Slice(mats, func(i, j int) bool { return recordLess(mats[i], mats[j]) })

	assetSeq := s.assetSeq
	for _, rec := range mats {
		data, ok := rec.Entry.Materialization()
		if !ok {
			continue
		}
		row := next[data.AssetKey]
		if row == nil {
			assetSeq++
			row = &assetRow{ID: assetSeq, Key: data.AssetKey, Partitions: make(map[string]int64)}
			next[data.AssetKey] = row
		}
		row.apply(rec, data)
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.DeleteRange(assetPrefix, prefixUpperBound(assetPrefix), nil); err != nil {
		return &eventlog.BackendError{Op: "pebble delete range", Err: err}
	}
	for _, row := range next {
		if err := s.putAssetRow(b, row); err != nil {
			return err
		}
	}
	if err := b.Set(assetSeqKey, appendBE8(nil, uint64(assetSeq)), nil); err != nil {
		return &eventlog.BackendError{Op: "pebble set", Err: err}
	}
	if err := s.stampMarker(b, markerAssetIndex); err != nil {
		return err
	}
	if err := s.commit(b); err != nil {
		return err
	}
	s.assetSeq = assetSeq
	s.logger.Debug("asset index rebuilt", "materializations", len(mats), "assets", len(next))
	return nil
}

func (s *Store) markerDone(name string) (bool, error) {
	_, ok, err := s.get(markerKey(name))
	return ok, err
}

func (s *Store) stampMarker(b *pebble.Batch, name string) error {
	if err := b.Set(markerKey(name), appendBE8(nil, uint64(s.now().UnixMicro())), nil); err != nil {
		return &eventlog.BackendError{Op: "pebble set", Err: err}
	}
	return nil
}

// HasAssetKey reports whether the asset is visible in the index.
func (s *Store) HasAssetKey(ctx context.Context, key eventlog.AssetKey) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, eventlog.ErrStorageClosed
	}
	row, err := s.loadAssetRow(key)
	if err != nil {
		return false, err
	}
	return row != nil && row.visible(), nil
}

// AllAssetKeys lists every visible asset key in lexicographic order.
func (s *Store) AllAssetKeys(ctx context.Context) ([]eventlog.AssetKey, error) {
	return s.GetAssetKeys(ctx, "", 0, "")
}

// GetAssetKeys lists visible asset keys with prefix, cursor, and limit
// semantics.
func (s *Store) GetAssetKeys(ctx context.Context, prefix eventlog.AssetKey, limit int, cursor eventlog.AssetKey) ([]eventlog.AssetKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, eventlog.ErrStorageClosed
	}

	rows, err := s.visibleAssetRowsLocked()
	if err != nil {
		return nil, err
	}
	keys := make([]eventlog.AssetKey, 0, len(rows))
	for _, row := range rows {
		keys = append(keys, row.Key)
	}
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

	rows, err := s.visibleAssetRowsLocked()
	if err != nil {
		return nil, err
	}
	wanted := make(map[eventlog.AssetKey]bool, len(keys))
	for _, key := range keys {
		wanted[key] = true
	}
	var out []eventlog.AssetRecord
	for _, row := range rows {
		if len(keys) > 0 && !wanted[row.Key] {
			continue
		}
		out = append(out, eventlog.AssetRecord{StorageID: row.ID, Entry: row.assetEntry()})
	}
	return out, nil
}

// GetLatestMaterializationEvents returns the latest materialization per
// requested asset.
func (s *Store) GetLatestMaterializationEvents(ctx context.Context, keys []eventlog.AssetKey) (map[eventlog.AssetKey]*eventlog.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, eventlog.ErrStorageClosed
	}
	out := make(map[eventlog.AssetKey]*eventlog.Entry, len(keys))
	for _, key := range keys {
		row, err := s.loadAssetRow(key)
		if err != nil {
			return nil, err
		}
		if row == nil || !row.visible() {
			continue
		}
		entry := *row.Entry
		out[key] = &entry
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
		row, err := s.loadAssetRow(key)
		if err != nil {
			return nil, err
		}
		if row != nil && row.visible() {
			for partition, n := range row.Partitions {
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
	row, err := s.loadAssetRow(key)
	if err != nil {
		return nil, err
	}
	if row == nil || !row.visible() {
		return nil, nil
	}
	out := make([]string, len(row.RunIDs))
	copy(out, row.RunIDs)
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

// IsPersistent reports true: entries survive process restart.
func (s *Store) IsPersistent() bool {
	return true
}

// MigrationVersion returns the stamped schema version.
func (s *Store) MigrationVersion(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", eventlog.ErrStorageClosed
	}
	raw, ok, err := s.get(schemaKey)
	if err != nil || !ok {
		return "", err
	}
	return string(raw), nil
}

// Upgrade stamps the current schema version. Stored data needs no
// transformation at version 1.
func (s *Store) Upgrade(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return eventlog.ErrStorageClosed
	}
	return s.set(schemaKey, []byte(schemaVersion))
}

// Close terminates subscriptions, releases the database, and rejects
// further operations.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	err := s.db.Close()
	s.mu.Unlock()

	s.watcher.Close()
	if err != nil {
		return &eventlog.BackendError{Op: "pebble close", Err: err}
	}
	return nil
}
