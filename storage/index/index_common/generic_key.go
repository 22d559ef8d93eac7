package index_common

import (
	"bytes"
	"encoding/binary"
)

// GenericKeySize is the fixed byte width of an index key
const GenericKeySize = 8

// GenericKey is a fixed size index key stored inside B+tree node pages
type GenericKey [GenericKeySize]byte

// KeyComparator compares two keys and returns -1, 0 or 1
type KeyComparator func(a GenericKey, b GenericKey) int

// NewGenericKeyFromInt64 encodes an int64 as a key
func NewGenericKeyFromInt64(val int64) GenericKey {
	var ret GenericKey
	binary.BigEndian.PutUint64(ret[:], uint64(val))
	return ret
}

// ToInt64 decodes the key as an int64
func (k GenericKey) ToInt64() int64 {
	return int64(binary.BigEndian.Uint64(k[:]))
}

// Int64Comparator compares keys as signed 64 bit integers
func Int64Comparator(a GenericKey, b GenericKey) int {
	av := a.ToInt64()
	bv := b.ToInt64()
	if av < bv {
		return -1
	}
	if av > bv {
		return 1
	}
	return 0
}

// BytesComparator compares keys lexicographically
func BytesComparator(a GenericKey, b GenericKey) int {
	return bytes.Compare(a[:], b[:])
}
