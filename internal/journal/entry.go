// Package journal implements the write-ahead log (spec §4.6, §6): a dual
// rotating file pair recording every mutation before it touches the main
// database file, replayed on reopen after an unclean shutdown.
package journal

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
)

// Type identifies what kind of journal entry this is (spec §6).
type Type byte

const (
	TypeTxnBegin Type = iota + 1
	TypeTxnCommit
	TypeTxnAbort
	TypeInsert
	TypeErase
	TypeChangeset
)

// ErrTruncated is returned when an entry's bytes end before its declared
// length, the normal way a crash mid-write is discovered during recovery.
var ErrTruncated = errors.New("journal: truncated entry")

// ErrCorrupted is returned when an entry's CRC32 trailer doesn't match.
var ErrCorrupted = errors.New("journal: checksum mismatch")

// headerSize is {lsn(8), txn_id(8), dbname(4), type(1), reserved(3),
// followup_size(4)}.
const headerSize = 8 + 8 + 4 + 1 + 3 + 4

// Entry is one journal record. Followup holds the type-specific payload:
// for TypeInsert/TypeErase it's the encoded key (and, for insert, record);
// for TypeChangeset it's the concatenated raw bytes of every page in the
// changeset; TxnBegin/Commit/Abort carry no followup.
type Entry struct {
	LSN      uint64
	TxnID    uint64
	DBName   uint32
	Type     Type
	Followup []byte
}

// Encode serializes the entry with a trailing CRC32 over everything before
// it, the same trailer shape the teacher's WAL entries use.
func (e *Entry) Encode() []byte {
	total := headerSize + len(e.Followup) + 4
	buf := make([]byte, total)

	binary.LittleEndian.PutUint64(buf[0:8], e.LSN)
	binary.LittleEndian.PutUint64(buf[8:16], e.TxnID)
	binary.LittleEndian.PutUint32(buf[16:20], e.DBName)
	buf[20] = byte(e.Type)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(len(e.Followup)))
	copy(buf[headerSize:], e.Followup)

	crc := crc32.ChecksumIEEE(buf[:headerSize+len(e.Followup)])
	binary.LittleEndian.PutUint32(buf[total-4:total], crc)
	return buf
}

// Size returns the encoded size of the entry.
func (e *Entry) Size() int {
	return headerSize + len(e.Followup) + 4
}

// Decode parses one entry from data, which must contain exactly the bytes
// Encode produced (no extra trailing bytes).
func Decode(data []byte) (*Entry, error) {
	if len(data) < headerSize+4 {
		return nil, ErrTruncated
	}
	n := len(data)
	storedCRC := binary.LittleEndian.Uint32(data[n-4:])
	if crc32.ChecksumIEEE(data[:n-4]) != storedCRC {
		return nil, ErrCorrupted
	}

	e := &Entry{
		LSN:    binary.LittleEndian.Uint64(data[0:8]),
		TxnID:  binary.LittleEndian.Uint64(data[8:16]),
		DBName: binary.LittleEndian.Uint32(data[16:20]),
		Type:   Type(data[20]),
	}
	followupLen := binary.LittleEndian.Uint32(data[24:28])
	if int(headerSize+followupLen+4) != n {
		return nil, ErrTruncated
	}
	if followupLen > 0 {
		e.Followup = append([]byte(nil), data[headerSize:headerSize+followupLen]...)
	}
	return e, nil
}

// DecodeHeaderLen reads just the followup length out of a header-sized
// prefix, letting the reader size its next read before pulling the whole
// entry off disk.
func DecodeHeaderLen(header []byte) (followupLen uint32, ok bool) {
	if len(header) < headerSize {
		return 0, false
	}
	return binary.LittleEndian.Uint32(header[24:28]), true
}

// HeaderSize is exported for the reader, which reads it first to learn the
// entry's total length.
const HeaderSize = headerSize
