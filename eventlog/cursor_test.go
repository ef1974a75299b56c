package eventlog

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestCursor_RoundTrip(t *testing.T) {
	updated := time.Date(2025, 3, 14, 9, 26, 53, 589793000, time.UTC)
	tests := []struct {
		name   string
		cursor Cursor
	}{
		{"offset zero", FromOffset(0)},
		{"offset", FromOffset(7)},
		{"storage id", FromStorageID(42)},
		{"storage id zero", FromStorageID(0)},
		{"storage id sentinel", FromStorageID(-1)},
		{"run sharded", FromRunSharded(9, updated)},
		{"run sharded zero time", FromRunSharded(3, time.UnixMicro(0))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := tt.cursor.String()
			parsed, err := ParseCursor(token)
			if err != nil {
				t.Fatalf("ParseCursor(%q) error = %v", token, err)
			}
			if parsed != tt.cursor {
				t.Errorf("ParseCursor(String()) = %#v, want %#v", parsed, tt.cursor)
			}
		})
	}
}

func TestCursor_Offset(t *testing.T) {
	tests := []struct {
		name    string
		cursor  Cursor
		want    int64
		wantErr error
	}{
		{"positive", FromOffset(5), 5, nil},
		{"zero", FromOffset(0), 0, nil},
		{"negative clamps to zero", FromOffset(-3), 0, nil},
		{"storage id cursor", FromStorageID(5), 0, ErrInvariantViolation},
		{"run sharded cursor", FromRunSharded(5, time.Now()), 0, ErrInvariantViolation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cursor.Offset()
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Offset() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Offset() unexpected error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Offset() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestCursor_StorageID(t *testing.T) {
	tests := []struct {
		name    string
		cursor  Cursor
		want    int64
		wantErr error
	}{
		{"positive", FromStorageID(17), 17, nil},
		{"sentinel preserved", FromStorageID(-1), -1, nil},
		{"offset cursor", FromOffset(17), 0, ErrInvariantViolation},
		{"run sharded cursor", FromRunSharded(17, time.Now()), 0, ErrInvariantViolation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cursor.StorageID()
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("StorageID() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("StorageID() unexpected error = %v", err)
			}
			if got != tt.want {
				t.Errorf("StorageID() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestCursor_RunSharded(t *testing.T) {
	updated := time.Date(2025, 6, 1, 12, 0, 0, 123456789, time.UTC)

	id, got, err := FromRunSharded(11, updated).RunSharded()
	if err != nil {
		t.Fatalf("RunSharded() unexpected error = %v", err)
	}
	if id != 11 {
		t.Errorf("RunSharded() id = %d, want 11", id)
	}
	// Sub-microsecond precision is dropped at construction.
	if want := updated.Truncate(time.Microsecond); !got.Equal(want) {
		t.Errorf("RunSharded() time = %v, want %v", got, want)
	}

	if _, _, err := FromOffset(11).RunSharded(); !errors.Is(err, ErrInvariantViolation) {
		t.Errorf("RunSharded() on offset cursor error = %v, want %v", err, ErrInvariantViolation)
	}
	if _, _, err := FromStorageID(11).RunSharded(); !errors.Is(err, ErrInvariantViolation) {
		t.Errorf("RunSharded() on storage id cursor error = %v, want %v", err, ErrInvariantViolation)
	}
}

func TestCursor_Type(t *testing.T) {
	tests := []struct {
		name   string
		cursor Cursor
		want   CursorType
	}{
		{"offset", FromOffset(1), CursorOffset},
		{"storage id", FromStorageID(1), CursorStorageID},
		{"run sharded", FromRunSharded(1, time.Now()), CursorRunSharded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cursor.Type(); got != tt.want {
				t.Errorf("Type() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCursor_WireFormat(t *testing.T) {
	raw, err := base64.StdEncoding.DecodeString(FromStorageID(42).String())
	if err != nil {
		t.Fatalf("Failed to decode token: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("Failed to unmarshal token payload: %v", err)
	}
	if fields["type"] != "STORAGE_ID" {
		t.Errorf("type = %v, want STORAGE_ID", fields["type"])
	}
	if fields["value"] != float64(42) {
		t.Errorf("value = %v, want 42", fields["value"])
	}
}

func TestParseCursor_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		token string
	}{
		{"not base64", "not-base64!!!"},
		{"base64 of non-json", base64.StdEncoding.EncodeToString([]byte("hello"))},
		{"unknown type", base64.StdEncoding.EncodeToString([]byte(`{"type":"SEQUENCE","value":1}`))},
		{"offset with string value", base64.StdEncoding.EncodeToString([]byte(`{"type":"OFFSET","value":"one"}`))},
		{"storage id with object value", base64.StdEncoding.EncodeToString([]byte(`{"type":"STORAGE_ID","value":{}}`))},
		{"run sharded with scalar value", base64.StdEncoding.EncodeToString([]byte(`{"type":"RUN_SHARDED","value":"x"}`))},
		{"empty token", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCursor(tt.token)
			if !errors.Is(err, ErrMalformedCursor) {
				t.Fatalf("ParseCursor(%q) error = %v, want %v", tt.token, err, ErrMalformedCursor)
			}
			var malformed *MalformedCursorError
			if !errors.As(err, &malformed) {
				t.Fatalf("ParseCursor(%q) error type = %T, want *MalformedCursorError", tt.token, err)
			}
			if malformed.Token != tt.token {
				t.Errorf("Token = %q, want %q", malformed.Token, tt.token)
			}
		})
	}
}
