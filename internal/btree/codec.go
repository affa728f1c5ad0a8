package btree

import (
	"bytes"
	"encoding/binary"
)

// CompareFunc orders two encoded keys the way bytes.Compare does: negative
// if a < b, zero if equal, positive if a > b. A database is bound to one
// CompareFunc for its lifetime (spec §4.4.3): either the default binary
// comparator, a fixed-width numeric one, or a name registered in
// internal/compare.
type CompareFunc func(a, b []byte) int

// BinaryCompare orders keys lexicographically; the default for the binary
// key type.
func BinaryCompare(a, b []byte) int { return bytes.Compare(a, b) }

// Uint32Compare and Uint64Compare assume keys were encoded with
// EncodeUint32/EncodeUint64 (big-endian, so lexicographic byte order equals
// numeric order) and simply defer to BinaryCompare — they exist as distinct,
// named functions so a database descriptor can record which one it expects
// instead of silently trusting that every key was encoded correctly.
func Uint32Compare(a, b []byte) int { return bytes.Compare(a, b) }
func Uint64Compare(a, b []byte) int { return bytes.Compare(a, b) }

// EncodeUint32 renders v as a 4-byte big-endian key, preserving numeric
// ordering under byte comparison; used for record_number32 databases.
func EncodeUint32(v uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return buf
}

// EncodeUint64 renders v as an 8-byte big-endian key; used for
// record_number64 databases.
func EncodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

// DecodeUint32 reverses EncodeUint32.
func DecodeUint32(key []byte) uint32 { return binary.BigEndian.Uint32(key) }

// DecodeUint64 reverses EncodeUint64.
func DecodeUint64(key []byte) uint64 { return binary.BigEndian.Uint64(key) }
