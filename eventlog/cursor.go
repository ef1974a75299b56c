package eventlog

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// CursorType tags the variant carried by a Cursor.
type CursorType string

const (
	// CursorOffset addresses a position in a run's event sequence by the
	// number of matching records to skip.
	CursorOffset CursorType = "OFFSET"

	// CursorStorageID addresses the last-seen storage id.
	CursorStorageID CursorType = "STORAGE_ID"

	// CursorRunSharded pairs a shard-local storage id with the run's
	// last-known update time, for backends whose ids are only ordered
	// within a run.
	CursorRunSharded CursorType = "RUN_SHARDED"
)

// Cursor is an opaque pagination token. Consumers treat the serialized form
// as a black box; only this package decodes it. Cursors are comparable with
// == and round-trip exactly: ParseCursor(c.String()) == c for every cursor
// built by a constructor.
type Cursor struct {
	typ   CursorType
	value int64

	// runUpdatedAfter holds unix microseconds; RUN_SHARDED only.
	runUpdatedAfter int64
}

// FromOffset builds an offset cursor: skip the first n matching records of
// a run's sequence.
func FromOffset(n int64) Cursor {
	return Cursor{typ: CursorOffset, value: n}
}

// FromStorageID builds a storage-id cursor: resume strictly after id n.
// Negative n is the sentinel for "before all records".
func FromStorageID(n int64) Cursor {
	return Cursor{typ: CursorStorageID, value: n}
}

// FromRunSharded builds a run-sharded cursor from a shard-local id and the
// run's last-known update time. The time is kept at microsecond precision.
func FromRunSharded(id int64, runUpdatedAfter time.Time) Cursor {
	return Cursor{typ: CursorRunSharded, value: id, runUpdatedAfter: runUpdatedAfter.UnixMicro()}
}

// Type reports which variant the cursor carries.
func (c Cursor) Type() CursorType {
	return c.typ
}

// Offset returns the number of records to skip. Negative offsets clamp to
// zero. Fails with ErrInvariantViolation on a non-offset cursor.
func (c Cursor) Offset() (int64, error) {
	if c.typ != CursorOffset {
		return 0, &InvariantError{Msg: fmt.Sprintf("offset read from %s cursor", c.typ)}
	}
	if c.value < 0 {
		return 0, nil
	}
	return c.value, nil
}

// StorageID returns the embedded storage id. Fails with
// ErrInvariantViolation on a non-storage-id cursor.
func (c Cursor) StorageID() (int64, error) {
	if c.typ != CursorStorageID {
		return 0, &InvariantError{Msg: fmt.Sprintf("storage id read from %s cursor", c.typ)}
	}
	return c.value, nil
}

// RunSharded returns the shard-local id and run-updated-after bound. Fails
// with ErrInvariantViolation on a non-run-sharded cursor.
func (c Cursor) RunSharded() (int64, time.Time, error) {
	if c.typ != CursorRunSharded {
		return 0, time.Time{}, &InvariantError{Msg: fmt.Sprintf("run-sharded fields read from %s cursor", c.typ)}
	}
	return c.value, time.UnixMicro(c.runUpdatedAfter).UTC(), nil
}

// cursorWire is the serialized tagged union.
type cursorWire struct {
	Type  CursorType      `json:"type"`
	Value json.RawMessage `json:"value"`
}

type runShardedWire struct {
	ID                int64 `json:"id"`
	RunUpdatedAfterUS int64 `json:"run_updated_after_us"`
}

// String encodes the cursor as base64 over a JSON tagged union.
func (c Cursor) String() string {
	var value any
	switch c.typ {
	case CursorRunSharded:
		value = runShardedWire{ID: c.value, RunUpdatedAfterUS: c.runUpdatedAfter}
	default:
		value = c.value
	}
	raw, _ := json.Marshal(struct {
		Type  CursorType `json:"type"`
		Value any        `json:"value"`
	}{Type: c.typ, Value: value})
	return base64.StdEncoding.EncodeToString(raw)
}

// ParseCursor decodes a token produced by Cursor.String. Every failure mode
// reports ErrMalformedCursor; an empty token is not a cursor and is treated
// as malformed here (callers pass "" for "no cursor" at the Store API and
// never reach this function with it).
func ParseCursor(token string) (Cursor, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, &MalformedCursorError{Token: token, Err: err}
	}
	var wire cursorWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Cursor{}, &MalformedCursorError{Token: token, Err: err}
	}
	switch wire.Type {
	case CursorOffset, CursorStorageID:
		var n int64
		if err := json.Unmarshal(wire.Value, &n); err != nil {
			return Cursor{}, &MalformedCursorError{Token: token, Err: err}
		}
		return Cursor{typ: wire.Type, value: n}, nil
	case CursorRunSharded:
		var rs runShardedWire
		if err := json.Unmarshal(wire.Value, &rs); err != nil {
			return Cursor{}, &MalformedCursorError{Token: token, Err: err}
		}
		return Cursor{typ: CursorRunSharded, value: rs.ID, runUpdatedAfter: rs.RunUpdatedAfterUS}, nil
	default:
		return Cursor{}, &MalformedCursorError{Token: token, Err: fmt.Errorf("unknown cursor type %q", wire.Type)}
	}
}
