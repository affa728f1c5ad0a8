package env

import (
	"encoding/binary"
	"errors"

	"github.com/nainya/upsdb/internal/pagemgr"
)

// Magic identifies an environment file (spec §6 "File format").
var Magic = [4]byte{'H', 'A', 'M', 0}

// ErrBadMagic and ErrBadVersion are surfaced as CodeInvalidFileHeader /
// CodeInvalidFileVersion at the public boundary.
var (
	ErrBadMagic   = errors.New("env: bad magic, not an upsdb environment file")
	ErrBadVersion = errors.New("env: unsupported file version")
)

// fileVersion is the major/minor/rev/file quadruple written into every
// environment this package creates.
var fileVersion = [4]byte{1, 0, 0, 0}

const (
	headerFixedSize    = 32 // magic..journal-compression, rounded up with reserved bytes
	descriptorTableOff = headerFixedSize
	// DescriptorSize is PBtreeHeader's on-disk size (spec §6), 32 bytes
	// packed plus 2 reserved so the struct is 8-byte aligned.
	DescriptorSize = 32
)

// Header is the decoded form of environment page 0's payload.
type Header struct {
	Version            [4]byte
	PageSize           uint32
	MaxDatabases       uint16
	FreeListBlobID     uint64 // opaque blob id, see internal/blob; 0 means "no freelist yet"
	JournalCompression uint32
}

// Descriptor is one PBtreeHeader slot in the database directory. DBName ==
// 0 marks a free slot.
type Descriptor struct {
	RootAddress uint64
	Flags       uint32
	DBName      uint16
	KeySize     uint16
	KeyType     uint16
	Compression uint8
	_           uint8
	RecordSize  uint32
	CompareHash uint32
	RecordType  uint16
}

// EncodeHeader writes h into page's payload, leaving the descriptor table
// region untouched (callers write descriptors separately via
// EncodeDescriptor so a partial-directory update doesn't require
// re-marshaling the whole table).
func EncodeHeader(page *pagemgr.Page, h Header) {
	buf := page.Payload()
	copy(buf[0:4], Magic[:])
	copy(buf[4:8], h.Version[:])
	binary.LittleEndian.PutUint32(buf[8:12], h.PageSize)
	binary.LittleEndian.PutUint16(buf[12:14], h.MaxDatabases)
	binary.LittleEndian.PutUint64(buf[14:22], h.FreeListBlobID)
	binary.LittleEndian.PutUint32(buf[22:26], h.JournalCompression)
	page.MarkDirty()
}

// DecodeHeader reads and validates the environment header from page 0's
// payload.
func DecodeHeader(payload []byte) (Header, error) {
	var h Header
	if len(payload) < headerFixedSize {
		return h, ErrBadMagic
	}
	var magic [4]byte
	copy(magic[:], payload[0:4])
	if magic != Magic {
		return h, ErrBadMagic
	}
	copy(h.Version[:], payload[4:8])
	if h.Version[0] != fileVersion[0] {
		return h, ErrBadVersion
	}
	h.PageSize = binary.LittleEndian.Uint32(payload[8:12])
	h.MaxDatabases = binary.LittleEndian.Uint16(payload[12:14])
	h.FreeListBlobID = binary.LittleEndian.Uint64(payload[14:22])
	h.JournalCompression = binary.LittleEndian.Uint32(payload[22:26])
	return h, nil
}

// NewHeader builds a fresh Header for environment creation.
func NewHeader(pageSize uint32, maxDatabases uint16) Header {
	return Header{Version: fileVersion, PageSize: pageSize, MaxDatabases: maxDatabases}
}

// descriptorOffset returns the byte offset of slot i within the header
// page's payload.
func descriptorOffset(i int) int {
	return descriptorTableOff + i*DescriptorSize
}

// EncodeDescriptor writes descriptor slot i into page's payload.
func EncodeDescriptor(page *pagemgr.Page, i int, d Descriptor) {
	buf := page.Payload()
	off := descriptorOffset(i)
	binary.LittleEndian.PutUint64(buf[off:off+8], d.RootAddress)
	binary.LittleEndian.PutUint32(buf[off+8:off+12], d.Flags)
	binary.LittleEndian.PutUint16(buf[off+12:off+14], d.DBName)
	binary.LittleEndian.PutUint16(buf[off+14:off+16], d.KeySize)
	binary.LittleEndian.PutUint16(buf[off+16:off+18], d.KeyType)
	buf[off+18] = d.Compression
	buf[off+19] = 0
	binary.LittleEndian.PutUint32(buf[off+20:off+24], d.RecordSize)
	binary.LittleEndian.PutUint32(buf[off+24:off+28], d.CompareHash)
	binary.LittleEndian.PutUint16(buf[off+28:off+30], d.RecordType)
	page.MarkDirty()
}

// DecodeDescriptor reads descriptor slot i from payload.
func DecodeDescriptor(payload []byte, i int) Descriptor {
	off := descriptorOffset(i)
	buf := payload[off : off+DescriptorSize]
	return Descriptor{
		RootAddress: binary.LittleEndian.Uint64(buf[0:8]),
		Flags:       binary.LittleEndian.Uint32(buf[8:12]),
		DBName:      binary.LittleEndian.Uint16(buf[12:14]),
		KeySize:     binary.LittleEndian.Uint16(buf[14:16]),
		KeyType:     binary.LittleEndian.Uint16(buf[16:18]),
		Compression: buf[18],
		RecordSize:  binary.LittleEndian.Uint32(buf[20:24]),
		CompareHash: binary.LittleEndian.Uint32(buf[24:28]),
		RecordType:  binary.LittleEndian.Uint16(buf[28:30]),
	}
}
