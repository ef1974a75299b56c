package eventlog

import (
	"log/slog"
	"time"
)

// RecordsFilter selects records across runs for Store.GetEventRecords.
// All fields are optional; zero values mean no constraint.
type RecordsFilter struct {
	// EventType restricts records to one event type. Leaving it unset is
	// deprecated: backends log a warning and scan every type.
	EventType EventType

	// AssetKey restricts records to events naming this asset.
	AssetKey AssetKey

	// Partitions restricts asset events to these partitions.
	// Requires AssetKey.
	Partitions []string

	// AfterCursor and BeforeCursor bound records by storage id,
	// exclusive on both ends. Only storage-id and run-sharded cursors
	// are valid bounds.
	AfterCursor  *Cursor
	BeforeCursor *Cursor

	// AfterTimestamp and BeforeTimestamp bound records by entry
	// timestamp, exclusive on both ends.
	AfterTimestamp  *time.Time
	BeforeTimestamp *time.Time
}

// Validate rejects contradictory or unsupported filter shapes.
func (f RecordsFilter) Validate() error {
	if len(f.Partitions) > 0 && f.AssetKey == "" {
		return &InvalidFilterError{Reason: "partitions require an asset key"}
	}
	for _, c := range []*Cursor{f.AfterCursor, f.BeforeCursor} {
		if c != nil && c.Type() != CursorStorageID && c.Type() != CursorRunSharded {
			return &InvalidFilterError{Reason: "cursor bounds must be storage-id or run-sharded cursors"}
		}
	}
	return nil
}

// ValidateFilter validates f and logs the deprecation warning for filters
// that name no event type. Backends call this before evaluating a filter.
func ValidateFilter(f RecordsFilter, logger *slog.Logger) error {
	if err := f.Validate(); err != nil {
		return err
	}
	if f.EventType == "" && logger != nil {
		logger.Warn("records filter without an event type is deprecated and will be rejected in a future release")
	}
	return nil
}

// MatchesEntry reports whether an entry satisfies the filter's type, asset,
// partition, and timestamp constraints. Storage-id bounds are applied by
// the backend, which knows its id layout.
func (f RecordsFilter) MatchesEntry(e Entry) bool {
	if f.EventType != "" && e.Type != f.EventType {
		return false
	}
	if f.AssetKey != "" {
		key, partition, ok := e.AssetKeyed()
		if !ok || key != f.AssetKey {
			return false
		}
		if len(f.Partitions) > 0 {
			found := false
			for _, p := range f.Partitions {
				if p == partition {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	}
	if f.AfterTimestamp != nil && !e.Timestamp.After(*f.AfterTimestamp) {
		return false
	}
	if f.BeforeTimestamp != nil && !e.Timestamp.Before(*f.BeforeTimestamp) {
		return false
	}
	return true
}

// AfterID resolves the filter's lower id bound for backends with globally
// ordered ids. Run-sharded bounds contribute their embedded id.
func (f RecordsFilter) AfterID() (int64, bool) {
	return cursorBoundID(f.AfterCursor)
}

// BeforeID resolves the filter's upper id bound for backends with globally
// ordered ids.
func (f RecordsFilter) BeforeID() (int64, bool) {
	return cursorBoundID(f.BeforeCursor)
}

func cursorBoundID(c *Cursor) (int64, bool) {
	if c == nil {
		return 0, false
	}
	switch c.Type() {
	case CursorStorageID:
		id, err := c.StorageID()
		if err != nil {
			return 0, false
		}
		return id, true
	case CursorRunSharded:
		id, _, err := c.RunSharded()
		if err != nil {
			return 0, false
		}
		return id, true
	}
	return 0, false
}
