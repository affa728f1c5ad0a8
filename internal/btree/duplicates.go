package btree

import (
	"encoding/binary"

	"github.com/nainya/upsdb/internal/blob"
)

// InsertPosition selects where a duplicate record lands relative to the
// existing set (spec §4.4.2).
type InsertPosition int

const (
	PositionLast InsertPosition = iota
	PositionFirst
	PositionBefore
	PositionAfter
)

// Stored record tags. A leaf slot's record bytes always start with one of
// these so Get/Scan can tell what kind of payload follows without
// consulting the database's flags.
const (
	tagSingle    byte = 0
	tagDuplicate byte = 1
	tagBlobRef   byte = 2
)

// EncodeSingle wraps a non-duplicate, inline record for storage in a leaf
// slot.
func EncodeSingle(record []byte) []byte {
	out := make([]byte, 1+len(record))
	out[0] = tagSingle
	copy(out[1:], record)
	return out
}

// IsDuplicateTable reports whether stored holds a duplicate-table
// reference rather than a plain record.
func IsDuplicateTable(stored []byte) bool {
	return len(stored) > 0 && stored[0] == tagDuplicate
}

// IsBlobRef reports whether stored holds a reference to an out-of-page blob
// rather than an inline record (spec §4.3: records too large for a leaf
// slot are stored out-of-page).
func IsBlobRef(stored []byte) bool {
	return len(stored) > 0 && stored[0] == tagBlobRef
}

// EncodeBlobRef wraps a blob id for storage in a leaf slot in place of an
// inline record.
func EncodeBlobRef(id blob.ID) []byte {
	out := make([]byte, 9)
	out[0] = tagBlobRef
	binary.LittleEndian.PutUint64(out[1:], uint64(id))
	return out
}

// DecodeBlobRef extracts the blob id from a stored blob reference.
func DecodeBlobRef(stored []byte) blob.ID {
	return blob.ID(binary.LittleEndian.Uint64(stored[1:9]))
}

func encodeDuplicateRef(id blob.ID) []byte {
	out := make([]byte, 9)
	out[0] = tagDuplicate
	binary.LittleEndian.PutUint64(out[1:], uint64(id))
	return out
}

func decodeDuplicateRef(stored []byte) blob.ID {
	return blob.ID(binary.LittleEndian.Uint64(stored[1:9]))
}

// PlainRecord extracts the record bytes from a non-duplicate stored slot.
func PlainRecord(stored []byte) []byte {
	return stored[1:]
}

// marshalTable/unmarshalTable encode the ordered set of duplicate records
// as length-prefixed entries, the simplest representation that supports
// insert-at-position and positional erase without a secondary index.
func marshalTable(records [][]byte) []byte {
	size := 4
	for _, r := range records {
		size += 4 + len(r)
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(records)))
	off := 4
	for _, r := range records {
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(r)))
		off += 4
		copy(buf[off:], r)
		off += len(r)
	}
	return buf
}

func unmarshalTable(buf []byte) [][]byte {
	if len(buf) < 4 {
		return nil
	}
	count := binary.LittleEndian.Uint32(buf[0:4])
	records := make([][]byte, 0, count)
	off := 4
	for i := uint32(0); i < count; i++ {
		n := binary.LittleEndian.Uint32(buf[off : off+4])
		off += 4
		records = append(records, append([]byte(nil), buf[off:off+int(n)]...))
		off += int(n)
	}
	return records
}

// DuplicateTable manages the ordered set of records behind a single key
// once more than one record has been inserted for it, backed by one blob
// per key (spec §4.4.2's "Duplicates").
type DuplicateTable struct {
	blobs *blob.Manager
}

// NewDuplicateTable wraps a blob manager for duplicate-table storage.
func NewDuplicateTable(blobs *blob.Manager) *DuplicateTable {
	return &DuplicateTable{blobs: blobs}
}

// Create builds a fresh duplicate table out of the two records that
// triggered the key's first duplicate (the existing single record plus the
// newly inserted one, in the order determined by pos) and returns the
// stored-slot bytes that should replace the key's single-record slot.
func (d *DuplicateTable) Create(existing, incoming []byte, pos InsertPosition) ([]byte, error) {
	var records [][]byte
	switch pos {
	case PositionFirst, PositionBefore:
		records = [][]byte{incoming, existing}
	default:
		records = [][]byte{existing, incoming}
	}
	id, err := d.blobs.Allocate(blob.Record{Data: marshalTable(records)})
	if err != nil {
		return nil, err
	}
	return encodeDuplicateRef(id), nil
}

// Insert adds incoming to an existing duplicate table at the given
// position, returning the (possibly changed) stored-slot bytes.
func (d *DuplicateTable) Insert(stored []byte, incoming []byte, pos InsertPosition, dupIdx int) ([]byte, error) {
	id := decodeDuplicateRef(stored)
	var rec blob.Record
	if err := d.blobs.Read(id, &rec); err != nil {
		return nil, err
	}
	records := unmarshalTable(rec.Data)

	switch pos {
	case PositionFirst:
		records = append([][]byte{incoming}, records...)
	case PositionLast:
		records = append(records, incoming)
	case PositionBefore:
		records = insertAt(records, dupIdx, incoming)
	case PositionAfter:
		records = insertAt(records, dupIdx+1, incoming)
	}

	newID, err := d.blobs.Overwrite(id, blob.Record{Data: marshalTable(records)})
	if err != nil {
		return nil, err
	}
	return encodeDuplicateRef(newID), nil
}

func insertAt(records [][]byte, idx int, rec []byte) [][]byte {
	if idx < 0 {
		idx = 0
	}
	if idx > len(records) {
		idx = len(records)
	}
	out := make([][]byte, 0, len(records)+1)
	out = append(out, records[:idx]...)
	out = append(out, rec)
	out = append(out, records[idx:]...)
	return out
}

// All returns every record currently in the duplicate table referenced by
// stored, in order.
func (d *DuplicateTable) All(stored []byte) ([][]byte, error) {
	id := decodeDuplicateRef(stored)
	var rec blob.Record
	if err := d.blobs.Read(id, &rec); err != nil {
		return nil, err
	}
	return unmarshalTable(rec.Data), nil
}

// Erase removes one duplicate by index, returning the new stored-slot
// bytes. If only one record is left afterward, it collapses back into a
// plain single-record slot and frees the table's blob.
func (d *DuplicateTable) Erase(stored []byte, dupIdx int) ([]byte, error) {
	id := decodeDuplicateRef(stored)
	var rec blob.Record
	if err := d.blobs.Read(id, &rec); err != nil {
		return nil, err
	}
	records := unmarshalTable(rec.Data)
	if dupIdx < 0 || dupIdx >= len(records) {
		return nil, blob.ErrNotFound
	}
	records = append(records[:dupIdx], records[dupIdx+1:]...)

	if len(records) == 1 {
		if err := d.blobs.Erase(id); err != nil {
			return nil, err
		}
		return EncodeSingle(records[0]), nil
	}
	newID, err := d.blobs.Overwrite(id, blob.Record{Data: marshalTable(records)})
	if err != nil {
		return nil, err
	}
	return encodeDuplicateRef(newID), nil
}

// EraseAll frees the duplicate table's blob entirely.
func (d *DuplicateTable) EraseAll(stored []byte) error {
	return d.blobs.Erase(decodeDuplicateRef(stored))
}
