package pebblestore

import (
	"encoding/binary"

	"github.com/lirancohen/logeion/eventlog"
)

// Keyspace layout (byte-wise, lexicographically sortable):
//
//	e/{run_id}\x00{seq_be8}  event entry, per-run sequence
//	r/{run_id}               run meta: last seq (be8) + updated-at micros (be8)
//	a/{asset_key}            asset index row
//	s/schema                 schema version
//	s/marker/{name}          reindex completion marker, stamped micros (be8)
//	s/assetseq               asset row id counter (be8)
//
// Run ids and asset keys never contain 0x00, so the separator keeps one
// run's entries from shadowing another's.

const runSep = byte(0x00)

var (
	entryPrefix  = []byte("e/")
	runPrefix    = []byte("r/")
	assetPrefix  = []byte("a/")
	schemaKey    = []byte("s/schema")
	markerPrefix = []byte("s/marker/")
	assetSeqKey  = []byte("s/assetseq")
)

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

// entryKey builds the entry key with a big-endian sequence for proper
// ordering within the run.
func entryKey(runID string, seq uint64) []byte {
	k := make([]byte, 0, len(entryPrefix)+len(runID)+9)
	k = append(k, entryPrefix...)
	k = append(k, runID...)
	k = append(k, runSep)
	return appendBE8(k, seq)
}

// entrySeq reads the sequence back out of an entry key.
func entrySeq(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[len(key)-8:])
}

// entryRunID reads the run id back out of an entry key.
func entryRunID(key []byte) string {
	return string(key[len(entryPrefix) : len(key)-9])
}

// entryBounds returns the iteration range holding every entry of one run.
func entryBounds(runID string) (low, hi []byte) {
	low = entryKey(runID, 0)
	hi = append(entryKey(runID, ^uint64(0)), 0x00)
	return low, hi
}

func runKey(runID string) []byte {
	k := make([]byte, 0, len(runPrefix)+len(runID))
	k = append(k, runPrefix...)
	return append(k, runID...)
}

func runKeyID(key []byte) string {
	return string(key[len(runPrefix):])
}

func assetRowKey(key eventlog.AssetKey) []byte {
	k := make([]byte, 0, len(assetPrefix)+len(key))
	k = append(k, assetPrefix...)
	return append(k, key...)
}

func markerKey(name string) []byte {
	k := make([]byte, 0, len(markerPrefix)+len(name))
	k = append(k, markerPrefix...)
	return append(k, name...)
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix, for use as an exclusive iterator upper bound.
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
