package eventlog

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// HandlerFunc consumes records delivered to a watch subscription.
type HandlerFunc func(StorageRecord)

// watchPageSize bounds how many records one delivery pass reads at a time.
const watchPageSize = 100

// Watcher fans a store's appends out to per-run subscriptions. Backends
// own one and call NotifyRun after every committed append; delivery reads
// the store itself, so subscribers see exactly what a paging reader would.
type Watcher struct {
	reader RunReader
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[string][]*Subscription
	closed bool
}

// NewWatcher builds a watcher that reads catch-up pages through r.
func NewWatcher(r RunReader, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		reader: r,
		logger: logger,
		subs:   make(map[string][]*Subscription),
	}
}

// Subscription is one live feed of a run's records. It is created by Watch
// and stopped by EndWatch, a run deletion, a wipe, or store close.
type Subscription struct {
	runID  string
	cursor string
	fn     HandlerFunc
	wake   chan struct{}
	stop   chan struct{}
}

// Watch registers fn for a run's records from cursor forward and starts
// delivery. Records already stored past the cursor are delivered first,
// then appends as they arrive: in order, at least once. A panicking
// callback is logged and delivery continues with the next record.
func (w *Watcher) Watch(runID, cursor string, fn HandlerFunc) (*Subscription, error) {
	if cursor != "" {
		c, err := ParseCursor(cursor)
		if err != nil {
			return nil, err
		}
		if c.Type() == CursorRunSharded {
			return nil, &MalformedCursorError{Token: cursor, Err: errors.New("run-sharded cursor is not valid for a run-scoped watch")}
		}
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil, ErrStorageClosed
	}
	sub := &Subscription{
		runID:  runID,
		cursor: cursor,
		fn:     fn,
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	w.subs[runID] = append(w.subs[runID], sub)
	w.mu.Unlock()

	go w.deliver(sub)
	return sub, nil
}

// EndWatch stops and removes a subscription. Subscriptions that are not
// currently registered for the run are a no-op.
func (w *Watcher) EndWatch(runID string, sub *Subscription) {
	if sub == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	subs := w.subs[runID]
	for i, s := range subs {
		if s == sub {
			w.subs[runID] = append(subs[:i:i], subs[i+1:]...)
			close(sub.stop)
			return
		}
	}
}

// NotifyRun wakes the run's subscriptions. It never blocks: a delivery
// pass already pending absorbs the signal.
func (w *Watcher) NotifyRun(runID string) {
	w.mu.Lock()
	subs := make([]*Subscription, len(w.subs[runID]))
	copy(subs, w.subs[runID])
	w.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.wake <- struct{}{}:
		default:
		}
	}
}

// EndRun stops every subscription for one run.
func (w *Watcher) EndRun(runID string) {
	w.mu.Lock()
	for _, sub := range w.subs[runID] {
		close(sub.stop)
	}
	delete(w.subs, runID)
	w.mu.Unlock()
}

// Reset stops every subscription but leaves the watcher usable.
func (w *Watcher) Reset() {
	w.mu.Lock()
	for runID, subs := range w.subs {
		for _, sub := range subs {
			close(sub.stop)
		}
		delete(w.subs, runID)
	}
	w.mu.Unlock()
}

// Close stops every subscription and rejects future watches.
func (w *Watcher) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	for runID, subs := range w.subs {
		for _, sub := range subs {
			close(sub.stop)
		}
		delete(w.subs, runID)
	}
	w.mu.Unlock()
}

// deliver drains records past the subscription cursor, then sleeps until
// the next append notification. The cursor advances only after the
// callback returns, so an interrupted delivery is retried.
func (w *Watcher) deliver(sub *Subscription) {
	ctx := context.Background()
	for {
		for {
			select {
			case <-sub.stop:
				return
			default:
			}
			conn, err := w.reader.GetRecordsForRun(ctx, sub.runID, sub.cursor, nil, watchPageSize)
			if err != nil {
				if errors.Is(err, ErrStorageClosed) {
					return
				}
				w.logger.Error("watch delivery read failed", "run_id", sub.runID, "error", err)
				break
			}
			for _, rec := range conn.Records {
				w.invoke(sub, rec)
				sub.cursor = FromStorageID(rec.StorageID).String()
			}
			if !conn.HasMore {
				break
			}
		}

		select {
		case <-sub.wake:
		case <-sub.stop:
			return
		}
	}
}

func (w *Watcher) invoke(sub *Subscription, rec StorageRecord) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("watch callback panicked",
				"run_id", sub.runID, "storage_id", rec.StorageID, "panic", r)
		}
	}()
	sub.fn(rec)
}
