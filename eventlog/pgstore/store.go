// Package pgstore provides a PostgreSQL-backed eventlog.Store. Storage ids
// come from one sequence across all runs, so cross-run reads page by id.
// Watch delivery rides LISTEN/NOTIFY, which lets appends from other
// processes wake local subscriptions.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/lirancohen/logeion/eventlog"
)

// notifyChannel carries run ids of freshly committed appends.
const notifyChannel = "logeion_events"

// reindexLockKey serializes reindex runs across processes.
const reindexLockKey = "logeion:reindex"

const (
	markerAssetIndex = "asset_index_rebuild"
	markerEventMeta  = "event_meta_rebuild"
)

// undefinedTable is the PostgreSQL error code for a missing relation.
const undefinedTable = "42P01"

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for warnings and watch delivery errors.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithNow sets the clock used for stamping. Defaults to time.Now.
func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is a globally ordered implementation of eventlog.Store on
// PostgreSQL.
type Store struct {
	logger   *slog.Logger
	now      func() time.Time
	pool     *pgxpool.Pool
	ownsPool bool

	mu     sync.Mutex
	closed bool

	watcher      *eventlog.Watcher
	listenCancel context.CancelFunc
	listenDone   chan struct{}
}

// New wraps an existing pool. The pool stays the caller's to close.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		logger:     slog.Default(),
		now:        time.Now,
		pool:       pool,
		listenDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.watcher = eventlog.NewWatcher(s, s.logger)

	ctx, cancel := context.WithCancel(context.Background())
	s.listenCancel = cancel
	s.startListener(ctx)
	return s
}

// Open connects to databaseURL and returns a store that owns its pool.
// The schema must already be migrated; see Migrate.
func Open(ctx context.Context, databaseURL string, opts ...Option) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, &eventlog.BackendError{Op: "connect", Err: err}
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, &eventlog.BackendError{Op: "ping", Err: err}
	}
	s := New(pool, opts...)
	s.ownsPool = true
	return s, nil
}

// startListener subscribes a dedicated connection to NOTIFY wakeups from
// other processes and forwards them into the local watcher. When listening
// is unavailable (a pooler that rejects LISTEN, an exhausted pool) the
// store degrades to waking only on its own appends.
func (s *Store) startListener(ctx context.Context) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		s.logger.Warn("event notify listener unavailable", "error", err)
		close(s.listenDone)
		return
	}
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		s.logger.Warn("event notify listener unavailable", "error", err)
		conn.Release()
		close(s.listenDone)
		return
	}

	go func() {
		defer close(s.listenDone)
		defer conn.Release()
		for {
			n, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Warn("event notify listener stopped", "error", err)
				}
				return
			}
			s.watcher.NotifyRun(n.Payload)
		}
	}()
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Append inserts the entry, folds any materialization into the asset
// index in the same transaction, and notifies watchers here and in other
// processes.
func (s *Store) Append(ctx context.Context, entry eventlog.Entry) (eventlog.StorageRecord, error) {
	if entry.RunID == "" {
		return eventlog.StorageRecord{}, &eventlog.InvariantError{Msg: "append requires a run id"}
	}
	if s.isClosed() {
		return eventlog.StorageRecord{}, eventlog.ErrStorageClosed
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return eventlog.StorageRecord{}, &eventlog.InvariantError{Msg: "entry does not encode: " + err.Error()}
	}
	assetKey, partition, _ := entry.AssetKeyed()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eventlog.StorageRecord{}, &eventlog.BackendError{Op: "begin transaction", Err: err}
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO logeion_events (run_id, type, step_key, asset_key, partition_key, timestamp, entry)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, entry.RunID, string(entry.Type), textOrNil(entry.StepKey), textOrNil(string(assetKey)), textOrNil(partition), entry.Timestamp, payload).Scan(&id)
	if err != nil {
		return eventlog.StorageRecord{}, &eventlog.BackendError{Op: "insert event", Err: err}
	}

	rec := eventlog.StorageRecord{StorageID: id, Entry: entry}
	if data, ok := entry.Materialization(); ok {
		if err := s.applyMaterialization(ctx, tx, rec, data); err != nil {
			return eventlog.StorageRecord{}, err
		}
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, entry.RunID); err != nil {
		return eventlog.StorageRecord{}, &eventlog.BackendError{Op: "notify", Err: err}
	}
	if err := tx.Commit(ctx); err != nil {
		return eventlog.StorageRecord{}, &eventlog.BackendError{Op: "commit transaction", Err: err}
	}

	s.watcher.NotifyRun(entry.RunID)
	return rec, nil
}

// applyMaterialization folds the materialization into logeion_assets
// inside the append transaction. The advisory lock serializes concurrent
// appends for the same asset; FOR UPDATE cannot cover the first insert.
func (s *Store) applyMaterialization(ctx context.Context, tx pgx.Tx, rec eventlog.StorageRecord, data eventlog.MaterializationData) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "asset:"+string(data.AssetKey)); err != nil {
		return &eventlog.BackendError{Op: "acquire advisory lock", Err: err}
	}

	row, err := scanAssetRow(tx.QueryRow(ctx,
		`SELECT `+assetColumns+` FROM logeion_assets WHERE asset_key = $1`, string(data.AssetKey)))
	if err != nil {
		return err
	}
	if row == nil {
		row = &assetRow{Key: data.AssetKey, Partitions: make(map[string]int64)}
	}
	row.apply(rec, data)
	return upsertAssetRow(ctx, tx, row)
}

// GetLogsForRun implements the legacy integer-cursor run read.
func (s *Store) GetLogsForRun(ctx context.Context, runID string, cursor int, ofTypes []eventlog.EventType, limit int) ([]eventlog.Entry, error) {
	return eventlog.LogsForRun(ctx, s, runID, cursor, ofTypes, limit)
}

// GetRecordsForRun pages a run's records in storage id order.
func (s *Store) GetRecordsForRun(ctx context.Context, runID, cursor string, ofTypes []eventlog.EventType, limit int) (eventlog.Connection, error) {
	if s.isClosed() {
		return eventlog.Connection{}, eventlog.ErrStorageClosed
	}

	skip := int64(0)
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
				Err:   errors.New("run-sharded cursor is not valid for run-scoped reads"),
			}
		}
	}

	var sb strings.Builder
	sb.WriteString(`SELECT id, entry FROM logeion_events WHERE run_id = $1`)
	args := []any{runID}
	if !haveOffset && afterID >= 0 {
		args = append(args, afterID)
		fmt.Fprintf(&sb, " AND id > $%d", len(args))
	}
	if len(ofTypes) > 0 {
		args = append(args, typeStrings(ofTypes))
		fmt.Fprintf(&sb, " AND type = ANY($%d)", len(args))
	}
	sb.WriteString(" ORDER BY id ASC")
	if haveOffset && skip > 0 {
		args = append(args, skip)
		fmt.Fprintf(&sb, " OFFSET $%d", len(args))
	}
	if limit > 0 {
		// One extra row decides HasMore exactly.
		args = append(args, limit+1)
		fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	}

	records, err := s.queryRecords(ctx, s.pool, sb.String(), args...)
	if err != nil {
		return eventlog.Connection{}, err
	}
	hasMore := false
	if limit > 0 && len(records) > limit {
		records = records[:limit]
		hasMore = true
	}

	next := cursor
	if len(records) > 0 {
		next = eventlog.FromStorageID(records[len(records)-1].StorageID).String()
	} else if cursor == "" {
		next = eventlog.FromStorageID(-1).String()
	}
	return eventlog.Connection{Records: records, Cursor: next, HasMore: hasMore}, nil
}

// GetEventRecords reads records across runs in storage id order. Both
// cursor variants bound by id here: ids are globally ordered, so the
// run-sharded variant's update-time hint is unnecessary.
func (s *Store) GetEventRecords(ctx context.Context, filter eventlog.RecordsFilter, limit int, ascending bool) ([]eventlog.StorageRecord, error) {
	if err := eventlog.ValidateFilter(filter, s.logger); err != nil {
		return nil, err
	}
	if s.isClosed() {
		return nil, eventlog.ErrStorageClosed
	}

	var (
		conds []string
		args  []any
	)
	add := func(format string, val any) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(format, len(args)))
	}
	if filter.EventType != "" {
		add("type = $%d", string(filter.EventType))
	}
	if filter.AssetKey != "" {
		add("asset_key = $%d", string(filter.AssetKey))
	}
	if len(filter.Partitions) > 0 {
		add("partition_key = ANY($%d)", filter.Partitions)
	}
	if id, ok := filter.AfterID(); ok {
		add("id > $%d", id)
	}
	if id, ok := filter.BeforeID(); ok {
		add("id < $%d", id)
	}
	if filter.AfterTimestamp != nil {
		add("timestamp > $%d", *filter.AfterTimestamp)
	}
	if filter.BeforeTimestamp != nil {
		add("timestamp < $%d", *filter.BeforeTimestamp)
	}

	var sb strings.Builder
	sb.WriteString(`SELECT id, entry FROM logeion_events`)
	if len(conds) > 0 {
		sb.WriteString(" WHERE " + strings.Join(conds, " AND "))
	}
	if ascending {
		sb.WriteString(" ORDER BY id ASC")
	} else {
		sb.WriteString(" ORDER BY id DESC")
	}
	if limit > 0 {
		args = append(args, limit)
		fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	}
	return s.queryRecords(ctx, s.pool, sb.String(), args...)
}

// querier is satisfied by both pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) queryRecords(ctx context.Context, q querier, sql string, args ...any) ([]eventlog.StorageRecord, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, &eventlog.BackendError{Op: "query events", Err: err}
	}
	defer rows.Close()

	var out []eventlog.StorageRecord
	for rows.Next() {
		var (
			id        int64
			entryJSON []byte
		)
		if err := rows.Scan(&id, &entryJSON); err != nil {
			return nil, &eventlog.BackendError{Op: "scan event", Err: err}
		}
		var entry eventlog.Entry
		if err := json.Unmarshal(entryJSON, &entry); err != nil {
			return nil, &eventlog.BackendError{Op: "decode event", Err: err}
		}
		out = append(out, eventlog.StorageRecord{StorageID: id, Entry: entry})
	}
	if err := rows.Err(); err != nil {
		return nil, &eventlog.BackendError{Op: "iterate events", Err: err}
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
// rows pointing at the deleted events stay in place.
func (s *Store) DeleteEvents(ctx context.Context, runID string) error {
	if s.isClosed() {
		return eventlog.ErrStorageClosed
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM logeion_events WHERE run_id = $1`, runID); err != nil {
		return &eventlog.BackendError{Op: "delete events", Err: err}
	}
	s.watcher.EndRun(runID)
	return nil
}

// Wipe removes all events, the asset index, and reindex markers, restarts
// id assignment, and ends every subscription.
func (s *Store) Wipe(ctx context.Context) error {
	if s.isClosed() {
		return eventlog.ErrStorageClosed
	}
	if _, err := s.pool.Exec(ctx, `TRUNCATE logeion_events, logeion_assets, logeion_reindex_markers RESTART IDENTITY`); err != nil {
		return &eventlog.BackendError{Op: "wipe", Err: err}
	}
	s.watcher.Reset()
	return nil
}

// WipeAsset hides the asset from reads and records a wipe tombstone.
func (s *Store) WipeAsset(ctx context.Context, key eventlog.AssetKey) error {
	if s.isClosed() {
		return eventlog.ErrStorageClosed
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE logeion_assets
		SET last_materialization = NULL,
			last_materialization_id = NULL,
			last_run_id = NULL,
			run_ids = '[]',
			partition_counts = '{}',
			wiped_at = $2
		WHERE asset_key = $1
	`, string(key), s.now())
	if err != nil {
		return &eventlog.BackendError{Op: "wipe asset", Err: err}
	}
	return nil
}

// ReindexEvents rebuilds the denormalized asset columns from the entry
// payloads, picking up rows written before those columns existed.
func (s *Store) ReindexEvents(ctx context.Context, force bool) error {
	if s.isClosed() {
		return eventlog.ErrStorageClosed
	}
	tx, err := s.beginReindex(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if done, err := markerDone(ctx, tx, markerEventMeta); err != nil {
		return err
	} else if done && !force {
		return nil
	}

	_, err = tx.Exec(ctx, `
		UPDATE logeion_events
		SET asset_key = entry->'data'->>'asset_key',
			partition_key = NULLIF(entry->'data'->>'partition', '')
		WHERE type = ANY($1)
			AND entry->'data'->>'asset_key' IS NOT NULL
			AND (asset_key IS DISTINCT FROM entry->'data'->>'asset_key'
				OR partition_key IS DISTINCT FROM NULLIF(entry->'data'->>'partition', ''))
	`, []string{string(eventlog.EventAssetMaterialized), string(eventlog.EventAssetObserved)})
	if err != nil {
		return &eventlog.BackendError{Op: "rebuild event columns", Err: err}
	}
	if err := s.stampMarker(ctx, tx, markerEventMeta); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return &eventlog.BackendError{Op: "commit transaction", Err: err}
	}
	s.logger.Debug("event columns rebuilt")
	return nil
}

// ReindexAssets rebuilds the asset index by replaying every stored
// materialization in id order, honoring wipe tombstones.
func (s *Store) ReindexAssets(ctx context.Context, force bool) error {
	if s.isClosed() {
		return eventlog.ErrStorageClosed
	}
	tx, err := s.beginReindex(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if done, err := markerDone(ctx, tx, markerAssetIndex); err != nil {
		return err
	} else if done && !force {
		return nil
	}

	// Carry ids and tombstones over so the rebuild is stable and wiped
	// history stays hidden.
	prev, err := listAssetRows(ctx, tx, `SELECT `+assetColumns+` FROM logeion_assets`)
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

	mats, err := s.queryRecords(ctx, tx,
		`SELECT id, entry FROM logeion_events WHERE type = $1 ORDER BY id ASC`,
		string(eventlog.EventAssetMaterialized))
	if err != nil {
		return err
	}
	for _, rec := range mats {
		data, ok := rec.Entry.Materialization()
		if !ok {
			continue
		}
		row := next[data.AssetKey]
		if row == nil {
			row = &assetRow{Key: data.AssetKey, Partitions: make(map[string]int64)}
			next[data.AssetKey] = row
		}
		row.apply(rec, data)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM logeion_assets`); err != nil {
		return &eventlog.BackendError{Op: "clear asset index", Err: err}
	}
	batch := &pgx.Batch{}
	for _, row := range next {
		entryJSON, runIDsJSON, partitionsJSON, entryID, lastRunID, err := assetRowArgs(row)
		if err != nil {
			return err
		}
		if row.ID > 0 {
			batch.Queue(`
				INSERT INTO logeion_assets (id, asset_key, last_materialization, last_materialization_id, last_run_id, run_ids, partition_counts, wiped_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			`, row.ID, string(row.Key), entryJSON, entryID, lastRunID, runIDsJSON, partitionsJSON, row.WipedAt)
		} else {
			batch.Queue(`
				INSERT INTO logeion_assets (asset_key, last_materialization, last_materialization_id, last_run_id, run_ids, partition_counts, wiped_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
			`, string(row.Key), entryJSON, entryID, lastRunID, runIDsJSON, partitionsJSON, row.WipedAt)
		}
	}
	batch.Queue(`SELECT setval('logeion_assets_id_seq', (SELECT COALESCE(MAX(id), 1) FROM logeion_assets))`)
	if err := sendBatch(ctx, tx, batch); err != nil {
		return err
	}
	if err := s.stampMarker(ctx, tx, markerAssetIndex); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return &eventlog.BackendError{Op: "commit transaction", Err: err}
	}
	s.logger.Debug("asset index rebuilt", "materializations", len(mats), "assets", len(next))
	return nil
}

// beginReindex opens a transaction holding the cross-process reindex lock.
func (s *Store) beginReindex(ctx context.Context) (pgx.Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, &eventlog.BackendError{Op: "begin transaction", Err: err}
	}
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, reindexLockKey); err != nil {
		tx.Rollback(ctx)
		return nil, &eventlog.BackendError{Op: "acquire advisory lock", Err: err}
	}
	return tx, nil
}

func markerDone(ctx context.Context, tx pgx.Tx, name string) (bool, error) {
	var done bool
	err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM logeion_reindex_markers WHERE name = $1)`, name).Scan(&done)
	if err != nil {
		return false, &eventlog.BackendError{Op: "read reindex marker", Err: err}
	}
	return done, nil
}

func (s *Store) stampMarker(ctx context.Context, tx pgx.Tx, name string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO logeion_reindex_markers (name, completed_at)
		VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET completed_at = EXCLUDED.completed_at
	`, name, s.now())
	if err != nil {
		return &eventlog.BackendError{Op: "stamp reindex marker", Err: err}
	}
	return nil
}

func listAssetRows(ctx context.Context, q querier, sql string, args ...any) ([]*assetRow, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, &eventlog.BackendError{Op: "query asset rows", Err: err}
	}
	defer rows.Close()

	var out []*assetRow
	for rows.Next() {
		row, err := scanAssetRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, &eventlog.BackendError{Op: "iterate asset rows", Err: err}
	}
	return out, nil
}

func sendBatch(ctx context.Context, tx pgx.Tx, batch *pgx.Batch) error {
	results := tx.SendBatch(ctx, batch)
	defer results.Close()

	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			return &eventlog.BackendError{Op: "write asset index", Err: err}
		}
	}
	return nil
}

// HasAssetKey reports whether the asset is visible in the index.
func (s *Store) HasAssetKey(ctx context.Context, key eventlog.AssetKey) (bool, error) {
	if s.isClosed() {
		return false, eventlog.ErrStorageClosed
	}
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM logeion_assets WHERE asset_key = $1 AND last_materialization IS NOT NULL)`,
		string(key)).Scan(&ok)
	if err != nil {
		return false, &eventlog.BackendError{Op: "query asset key", Err: err}
	}
	return ok, nil
}

// AllAssetKeys lists every visible asset key in lexicographic order.
func (s *Store) AllAssetKeys(ctx context.Context) ([]eventlog.AssetKey, error) {
	return s.GetAssetKeys(ctx, "", 0, "")
}

// GetAssetKeys lists visible asset keys with prefix, cursor, and limit
// semantics. The prefix matches whole segments only.
func (s *Store) GetAssetKeys(ctx context.Context, prefix eventlog.AssetKey, limit int, cursor eventlog.AssetKey) ([]eventlog.AssetKey, error) {
	if s.isClosed() {
		return nil, eventlog.ErrStorageClosed
	}

	var sb strings.Builder
	sb.WriteString(`SELECT asset_key FROM logeion_assets WHERE last_materialization IS NOT NULL`)
	var args []any
	if prefix != "" {
		args = append(args, string(prefix))
		exact := len(args)
		args = append(args, likeEscape(string(prefix))+"/%")
		fmt.Fprintf(&sb, " AND (asset_key = $%d OR asset_key LIKE $%d)", exact, len(args))
	}
	if cursor != "" {
		args = append(args, string(cursor))
		fmt.Fprintf(&sb, " AND asset_key > $%d", len(args))
	}
	sb.WriteString(" ORDER BY asset_key ASC")
	if limit > 0 {
		args = append(args, limit)
		fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, &eventlog.BackendError{Op: "query asset keys", Err: err}
	}
	defer rows.Close()

	var out []eventlog.AssetKey
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, &eventlog.BackendError{Op: "scan asset key", Err: err}
		}
		out = append(out, eventlog.AssetKey(key))
	}
	if err := rows.Err(); err != nil {
		return nil, &eventlog.BackendError{Op: "iterate asset keys", Err: err}
	}
	return out, nil
}

// GetAssetRecords returns index rows for the given assets, or for every
// visible asset when keys is empty, ordered by key.
func (s *Store) GetAssetRecords(ctx context.Context, keys []eventlog.AssetKey) ([]eventlog.AssetRecord, error) {
	if s.isClosed() {
		return nil, eventlog.ErrStorageClosed
	}

	var sb strings.Builder
	sb.WriteString(`SELECT ` + assetColumns + ` FROM logeion_assets WHERE last_materialization IS NOT NULL`)
	var args []any
	if len(keys) > 0 {
		args = append(args, keyStrings(keys))
		fmt.Fprintf(&sb, " AND asset_key = ANY($%d)", len(args))
	}
	sb.WriteString(" ORDER BY asset_key ASC")

	rows, err := listAssetRows(ctx, s.pool, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	out := make([]eventlog.AssetRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, eventlog.AssetRecord{StorageID: row.ID, Entry: row.assetEntry()})
	}
	return out, nil
}

// GetLatestMaterializationEvents returns the latest materialization per
// requested asset.
func (s *Store) GetLatestMaterializationEvents(ctx context.Context, keys []eventlog.AssetKey) (map[eventlog.AssetKey]*eventlog.Entry, error) {
	if s.isClosed() {
		return nil, eventlog.ErrStorageClosed
	}

	rows, err := s.pool.Query(ctx, `
		SELECT asset_key, last_materialization
		FROM logeion_assets
		WHERE asset_key = ANY($1) AND last_materialization IS NOT NULL
	`, keyStrings(keys))
	if err != nil {
		return nil, &eventlog.BackendError{Op: "query latest materializations", Err: err}
	}
	defer rows.Close()

	out := make(map[eventlog.AssetKey]*eventlog.Entry, len(keys))
	for rows.Next() {
		var (
			key       string
			entryJSON []byte
		)
		if err := rows.Scan(&key, &entryJSON); err != nil {
			return nil, &eventlog.BackendError{Op: "scan latest materialization", Err: err}
		}
		var entry eventlog.Entry
		if err := json.Unmarshal(entryJSON, &entry); err != nil {
			return nil, &eventlog.BackendError{Op: "decode latest materialization", Err: err}
		}
		out[eventlog.AssetKey(key)] = &entry
	}
	if err := rows.Err(); err != nil {
		return nil, &eventlog.BackendError{Op: "iterate latest materializations", Err: err}
	}
	return out, nil
}

// GetMaterializationCountByPartition counts materializations per partition
// for each requested asset.
func (s *Store) GetMaterializationCountByPartition(ctx context.Context, keys []eventlog.AssetKey) (map[eventlog.AssetKey]map[string]int64, error) {
	if s.isClosed() {
		return nil, eventlog.ErrStorageClosed
	}

	out := make(map[eventlog.AssetKey]map[string]int64, len(keys))
	for _, key := range keys {
		out[key] = make(map[string]int64)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT asset_key, partition_counts
		FROM logeion_assets
		WHERE asset_key = ANY($1) AND last_materialization IS NOT NULL
	`, keyStrings(keys))
	if err != nil {
		return nil, &eventlog.BackendError{Op: "query partition counts", Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key        string
			countsJSON []byte
		)
		if err := rows.Scan(&key, &countsJSON); err != nil {
			return nil, &eventlog.BackendError{Op: "scan partition counts", Err: err}
		}
		counts := make(map[string]int64)
		if len(countsJSON) > 0 {
			if err := json.Unmarshal(countsJSON, &counts); err != nil {
				return nil, &eventlog.BackendError{Op: "decode partition counts", Err: err}
			}
		}
		out[eventlog.AssetKey(key)] = counts
	}
	if err := rows.Err(); err != nil {
		return nil, &eventlog.BackendError{Op: "iterate partition counts", Err: err}
	}
	return out, nil
}

// GetAssetRunIDs lists the runs that materialized the asset, most recent
// first.
func (s *Store) GetAssetRunIDs(ctx context.Context, key eventlog.AssetKey) ([]string, error) {
	if s.isClosed() {
		return nil, eventlog.ErrStorageClosed
	}

	var runIDsJSON []byte
	err := s.pool.QueryRow(ctx, `
		SELECT run_ids
		FROM logeion_assets
		WHERE asset_key = $1 AND last_materialization IS NOT NULL
	`, string(key)).Scan(&runIDsJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &eventlog.BackendError{Op: "query asset run ids", Err: err}
	}
	var runIDs []string
	if err := json.Unmarshal(runIDsJSON, &runIDs); err != nil {
		return nil, &eventlog.BackendError{Op: "decode asset run ids", Err: err}
	}
	return runIDs, nil
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

// MigrationVersion reports the applied migration version, "" when the
// schema has never been migrated.
func (s *Store) MigrationVersion(ctx context.Context) (string, error) {
	if s.isClosed() {
		return "", eventlog.ErrStorageClosed
	}

	var (
		version int64
		dirty   bool
	)
	err := s.pool.QueryRow(ctx, `SELECT version, dirty FROM schema_migrations`).Scan(&version, &dirty)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == undefinedTable {
			return "", nil
		}
		return "", &eventlog.BackendError{Op: "read schema version", Err: err}
	}
	if dirty {
		return fmt.Sprintf("%d (dirty)", version), nil
	}
	return strconv.FormatInt(version, 10), nil
}

// Upgrade applies the embedded migrations through the store's pool.
func (s *Store) Upgrade(ctx context.Context) error {
	if s.isClosed() {
		return eventlog.ErrStorageClosed
	}
	if err := runMigrations(stdlib.OpenDBFromPool(s.pool)); err != nil {
		return &eventlog.BackendError{Op: "upgrade schema", Err: err}
	}
	return nil
}

// Close stops the notify listener, terminates subscriptions, and releases
// the pool when this store opened it.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.listenCancel()
	<-s.listenDone
	s.watcher.Close()
	if s.ownsPool {
		s.pool.Close()
	}
	return nil
}

func textOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func typeStrings(types []eventlog.EventType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

func keyStrings(keys []eventlog.AssetKey) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = string(k)
	}
	return out
}

// likeEscape neutralizes LIKE wildcards in a literal prefix.
func likeEscape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
