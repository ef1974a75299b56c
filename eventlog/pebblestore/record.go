package pebblestore

import (
	"encoding/binary"
	"hash/crc32"
)

// Value encoding: payload | crc32c(payload). The checksum catches torn or
// corrupted values on read; damaged records are skipped, not returned.

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func encodeValue(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+4)
	out = append(out, payload...)
	var crcb [4]byte
	binary.BigEndian.PutUint32(crcb[:], crc32.Checksum(payload, castagnoli))
	return append(out, crcb[:]...)
}

func decodeValue(b []byte) ([]byte, bool) {
	if len(b) < 4 {
		return nil, false
	}
	payload := b[:len(b)-4]
	expect := binary.BigEndian.Uint32(b[len(b)-4:])
	if crc32.Checksum(payload, castagnoli) != expect {
		return nil, false
	}
	return append([]byte(nil), payload...), true
}

// runMeta is the decoded r/{run_id} value.
type runMeta struct {
	lastSeq   uint64
	updatedAt int64 // unix micros
}

func encodeRunMeta(m runMeta) []byte {
	out := make([]byte, 0, 16)
	out = appendBE8(out, m.lastSeq)
	return appendBE8(out, uint64(m.updatedAt))
}

func decodeRunMeta(b []byte) (runMeta, bool) {
	if len(b) != 16 {
		return runMeta{}, false
	}
	return runMeta{
		lastSeq:   binary.BigEndian.Uint64(b[:8]),
		updatedAt: int64(binary.BigEndian.Uint64(b[8:])),
	}, true
}
