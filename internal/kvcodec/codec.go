// Package kvcodec implements the binary wire encoding shared by the command
// dispatcher: batches of (key, value) pairs on the way in, and (version,
// key, value) records on the way out.
//
// All integers are little-endian. Strings are never length-prefixed at this
// layer; that is the command dispatcher's job (see internal/command).
package kvcodec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformed is returned when a buffer does not match the wire format:
// a declared length runs past the end of the buffer, or bytes remain after
// the declared number of records has been consumed.
var ErrMalformed = errors.New("malformed key-value data")

// KeyValue is one (key, value) pair as decoded from a client SET batch.
// Version is not present on the wire for writes; the server assigns it.
type KeyValue struct {
	Key   uint32
	Value []byte
}

// Record is one (version, key, value) tuple as encoded for a read reply.
type Record struct {
	Version uint32
	Key     uint32
	Value   []byte
}

const (
	minBatchHeader = 4       // count:u32
	minRecordBody  = 4 + 4   // key:u32 ‖ value_length:u32
)

// DecodeBatch parses a client-supplied SET body: count:u32 LE followed by
// count records of key:u32 LE ‖ value_length:u32 LE ‖ value_length bytes.
//
// It fails with ErrMalformed if the buffer is shorter than any declared
// field, or if bytes remain once count records have been consumed.
func DecodeBatch(data []byte) ([]KeyValue, error) {
	if len(data) < minBatchHeader {
		return nil, fmt.Errorf("decode batch header: %w", ErrMalformed)
	}
	count := binary.LittleEndian.Uint32(data[0:4])
	idx := 4

	// Bound the initial allocation by what the remaining buffer could
	// possibly hold, rather than trusting an attacker-controlled count
	// directly: each record needs at least minRecordBody bytes.
	capHint := uint64(len(data)-idx) / minRecordBody
	if uint64(count) < capHint {
		capHint = uint64(count)
	}
	result := make([]KeyValue, 0, capHint)
	for i := uint32(0); i < count; i++ {
		if len(data)-idx < minRecordBody {
			return nil, fmt.Errorf("decode record %d: %w", i, ErrMalformed)
		}
		key := binary.LittleEndian.Uint32(data[idx : idx+4])
		idx += 4
		valueLen := binary.LittleEndian.Uint32(data[idx : idx+4])
		idx += 4

		if uint64(len(data)-idx) < uint64(valueLen) {
			return nil, fmt.Errorf("decode record %d value: %w", i, ErrMalformed)
		}
		value := data[idx : idx+int(valueLen)]
		idx += int(valueLen)

		result = append(result, KeyValue{Key: key, Value: value})
	}

	if idx != len(data) {
		return nil, fmt.Errorf("trailing bytes after %d records: %w", count, ErrMalformed)
	}
	return result, nil
}

// EncodeRecord appends the wire encoding of one read-reply record —
// version:u32 LE ‖ key:u32 LE ‖ value_length:u32 LE ‖ value bytes — to dst
// and returns the extended slice.
func EncodeRecord(dst []byte, r Record) []byte {
	var buf [12]byte
	binary.LittleEndian.PutUint32(buf[0:4], r.Version)
	binary.LittleEndian.PutUint32(buf[4:8], r.Key)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(r.Value)))
	dst = append(dst, buf[:]...)
	dst = append(dst, r.Value...)
	return dst
}
