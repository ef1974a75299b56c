package pebblestore

import (
	"bytes"
	"testing"
)

func TestEntryKey_RoundTrip(t *testing.T) {
	tests := []struct {
		runID string
		seq   uint64
	}{
		{"run-1", 1},
		{"9f3b2c44-6a1d-4f6e-8d2a-5c9e1b7a0f3d", 42},
		{"r", 0},
		{"run-1", ^uint64(0)},
	}
	for _, tt := range tests {
		key := entryKey(tt.runID, tt.seq)
		if got := entryRunID(key); got != tt.runID {
			t.Errorf("entryRunID(%q, %d) = %q, want %q", tt.runID, tt.seq, got, tt.runID)
		}
		if got := entrySeq(key); got != tt.seq {
			t.Errorf("entrySeq(%q, %d) = %d, want %d", tt.runID, tt.seq, got, tt.seq)
		}
	}
}

func TestEntryKey_SequenceOrdering(t *testing.T) {
	seqs := []uint64{0, 1, 2, 255, 256, 1 << 32, ^uint64(0)}
	for i := 1; i < len(seqs); i++ {
		prev := entryKey("run-1", seqs[i-1])
		cur := entryKey("run-1", seqs[i])
		if bytes.Compare(prev, cur) >= 0 {
			t.Errorf("entryKey(run-1, %d) does not sort before entryKey(run-1, %d)", seqs[i-1], seqs[i])
		}
	}
}

func TestEntryBounds_IsolateRuns(t *testing.T) {
	// "a" is a prefix of "ab"; the 0x00 separator must keep their entries
	// in disjoint key ranges.
	low, hi := entryBounds("a")
	inside := [][]byte{entryKey("a", 0), entryKey("a", 7), entryKey("a", ^uint64(0))}
	for _, key := range inside {
		if bytes.Compare(key, low) < 0 || bytes.Compare(key, hi) >= 0 {
			t.Errorf("Key %q escapes its run's bounds", key)
		}
	}
	outside := [][]byte{entryKey("ab", 0), entryKey("b", 0)}
	for _, key := range outside {
		if bytes.Compare(key, low) >= 0 && bytes.Compare(key, hi) < 0 {
			t.Errorf("Key %q from another run falls inside the bounds of run \"a\"", key)
		}
	}
}

func TestPrefixUpperBound(t *testing.T) {
	tests := []struct {
		prefix []byte
		want   []byte
	}{
		{[]byte("e/"), []byte("e0")},
		{[]byte{0x01, 0xff}, []byte{0x02}},
		{[]byte{0xff}, nil},
	}
	for _, tt := range tests {
		if got := prefixUpperBound(tt.prefix); !bytes.Equal(got, tt.want) {
			t.Errorf("prefixUpperBound(%v) = %v, want %v", tt.prefix, got, tt.want)
		}
	}
}

func TestValueFraming(t *testing.T) {
	payload := []byte(`{"run_id":"run-1"}`)
	framed := encodeValue(payload)

	got, ok := decodeValue(framed)
	if !ok {
		t.Fatal("decodeValue rejected a freshly encoded value")
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("decodeValue = %q, want %q", got, payload)
	}

	corrupt := append([]byte(nil), framed...)
	corrupt[3] ^= 0x01
	if _, ok := decodeValue(corrupt); ok {
		t.Error("decodeValue accepted a value with a flipped payload byte")
	}
	if _, ok := decodeValue([]byte{1, 2}); ok {
		t.Error("decodeValue accepted a value shorter than its checksum")
	}
}

func TestRunMeta_RoundTrip(t *testing.T) {
	meta := runMeta{lastSeq: 12345, updatedAt: 1714557890123456}
	got, ok := decodeRunMeta(encodeRunMeta(meta))
	if !ok {
		t.Fatal("decodeRunMeta rejected a freshly encoded value")
	}
	if got != meta {
		t.Errorf("decodeRunMeta = %+v, want %+v", got, meta)
	}

	if _, ok := decodeRunMeta([]byte{1, 2, 3}); ok {
		t.Error("decodeRunMeta accepted a short value")
	}
}
