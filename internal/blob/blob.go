// Package blob implements the blob manager (spec §4.3): storage and
// retrieval of variable-length byte payloads that are too large, or too
// infrequently accessed, to live inline in a B-tree leaf slot. A blob is a
// chain of pages: a header page carrying size/flags plus as much data as
// fits, followed by plain continuation pages linked by a trailing pointer,
// the same chaining idiom the page manager's free list uses.
package blob

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/nainya/upsdb/internal/logger"
	"github.com/nainya/upsdb/internal/metrics"
	"github.com/nainya/upsdb/internal/pagemgr"
)

// ErrPartialOnCompressed is returned when a partial read or write is
// requested against a blob stored with compression enabled (spec §4.3).
var ErrPartialOnCompressed = errors.New("blob: partial I/O not allowed on a compressed record")

// ErrNotFound is returned when a blob id does not resolve to a live blob.
var ErrNotFound = errors.New("blob: id not found")

// ErrCorrupt is returned when a compressed blob fails to decompress; the
// spec treats this as a corruption error rather than a silent read failure.
var ErrCorrupt = errors.New("blob: corrupt or undecodable payload")

const (
	flagCompressed uint8 = 1 << 0

	headerSize = 4 + 4 + 1 + 3 // totalSize, storedSize, flags, reserved
	nextSize   = 8
)

// ID is the opaque 64-bit handle spec §4.3 describes: the address of the
// blob's header page.
type ID uint64

// Record is the record payload plus the partial-I/O window spec §4.3's
// contract takes for allocate/read/overwrite.
type Record struct {
	Data           []byte
	Partial        bool
	PartialOffset  uint32
	PartialSize    uint32
}

// normalize promotes a partial write/read that covers the whole record to a
// full one, per spec §4.3's edge case.
func (r *Record) normalize() {
	if r.Partial && r.PartialOffset == 0 && r.PartialSize == uint32(len(r.Data)) {
		r.Partial = false
	}
}

// Manager allocates, reads, overwrites, and erases blobs on top of a page
// manager. One Manager is shared by every database in an environment, same
// as the page manager it wraps.
type Manager struct {
	pages      *pagemgr.Manager
	compressor bool
	encoder    *zstd.Encoder
	decoder    *zstd.Decoder

	log *logger.Logger
	met *metrics.Metrics
}

// New creates a blob manager. enableCompression turns on zstd compression
// for every blob allocated through it (spec §4.6.1's record compression
// story); it cannot be toggled per call since partial I/O's legality
// depends on it being a database-wide setting.
func New(pages *pagemgr.Manager, enableCompression bool, log *logger.Logger, met *metrics.Metrics) (*Manager, error) {
	if log == nil {
		log = logger.Nop()
	}
	if met == nil {
		met = metrics.Nop()
	}
	m := &Manager{pages: pages, compressor: enableCompression, log: log.Sub("blob"), met: met}
	if enableCompression {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("blob: create zstd encoder: %w", err)
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("blob: create zstd decoder: %w", err)
		}
		m.encoder, m.decoder = enc, dec
	}
	return m, nil
}

func (m *Manager) firstPageCapacity() int {
	return m.pages.PageSize() - pagemgr.HeaderSize - headerSize
}

func (m *Manager) contPageCapacity() int {
	return m.pages.PageSize() - pagemgr.HeaderSize - nextSize
}

// Allocate stores rec and returns its blob id.
func (m *Manager) Allocate(rec Record) (ID, error) {
	rec.normalize()
	if rec.Partial {
		return 0, fmt.Errorf("blob: allocate with a partial window is not supported; write the full record")
	}

	payload := rec.Data
	compressed := false
	if m.compressor {
		payload = m.encoder.EncodeAll(rec.Data, nil)
		compressed = true
	}

	head, err := m.pages.Alloc(pagemgr.TypeBlobData)
	if err != nil {
		return 0, err
	}
	writeChain(m.pages, head, uint32(len(rec.Data)), uint32(len(payload)), compressed, payload, m.firstPageCapacity(), m.contPageCapacity())

	m.met.BlobAllocationsTotal.WithLabelValues("page").Inc()
	return ID(head.Address), nil
}

// GetSize returns the original, uncompressed size of the blob.
func (m *Manager) GetSize(id ID) (uint32, error) {
	head, err := m.pages.Fetch(uint64(id), pagemgr.TypeBlobData)
	if err != nil {
		return 0, err
	}
	total, _, _ := readHeader(head)
	return total, nil
}

// Read returns the blob's data, honoring rec.Partial/PartialOffset/
// PartialSize if set. Partial reads on a compressed blob are rejected per
// spec §4.3.
func (m *Manager) Read(id ID, rec *Record) error {
	rec.normalize()

	head, err := m.pages.Fetch(uint64(id), pagemgr.TypeBlobData)
	if err != nil {
		return err
	}
	total, stored, compressed := readHeader(head)
	if rec.Partial && compressed {
		return ErrPartialOnCompressed
	}

	raw := readChain(m.pages, head, stored, m.firstPageCapacity(), m.contPageCapacity())

	data := raw
	if compressed {
		out, err := m.decoder.DecodeAll(raw, make([]byte, 0, total))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		data = out
	}

	if !rec.Partial {
		rec.Data = data
		m.met.BlobReadsTotal.Inc()
		return nil
	}

	end := rec.PartialOffset + rec.PartialSize
	if end > uint32(len(data)) {
		end = uint32(len(data))
	}
	if rec.PartialOffset > end {
		rec.Data = nil
	} else {
		rec.Data = data[rec.PartialOffset:end]
	}
	m.met.BlobReadsTotal.Inc()
	return nil
}

// Overwrite replaces the blob's content. If the new (possibly compressed)
// payload fits within the page chain already allocated for id, the write
// happens in place and id is returned unchanged; otherwise the old chain is
// erased and a fresh one allocated, and the new id is returned (spec
// §4.3's "may return a new id" clause).
//
// Partial overwrites leave bytes outside the window unchanged; gaps
// introduced by growing the blob are zero-filled, matching spec §4.3's
// "zero on fresh allocations" rule extended to newly created tail bytes.
func (m *Manager) Overwrite(id ID, rec Record) (ID, error) {
	rec.normalize()

	head, err := m.pages.Fetch(uint64(id), pagemgr.TypeBlobData)
	if err != nil {
		return 0, err
	}
	total, stored, compressed := readHeader(head)

	if rec.Partial && compressed {
		return 0, ErrPartialOnCompressed
	}

	var full []byte
	if rec.Partial {
		full = readChain(m.pages, head, stored, m.firstPageCapacity(), m.contPageCapacity())
		if compressed {
			full, err = m.decoder.DecodeAll(full, make([]byte, 0, total))
			if err != nil {
				return 0, fmt.Errorf("%w: %v", ErrCorrupt, err)
			}
		}
		need := int(rec.PartialOffset + rec.PartialSize)
		if need > len(full) {
			grown := make([]byte, need)
			copy(grown, full)
			full = grown
		}
		copy(full[rec.PartialOffset:rec.PartialOffset+rec.PartialSize], rec.Data)
	} else {
		full = rec.Data
	}

	payload := full
	newCompressed := false
	if m.compressor {
		payload = m.encoder.EncodeAll(full, nil)
		newCompressed = true
	}

	if chainCapacity(m.pages, head, m.firstPageCapacity(), m.contPageCapacity()) >= len(payload) {
		existing := collectChainAddrs(m.pages, head, m.firstPageCapacity(), m.contPageCapacity())
		writeChainReusing(m.pages, head, uint32(len(full)), uint32(len(payload)), newCompressed, payload, m.firstPageCapacity(), m.contPageCapacity(), existing)
		m.met.BlobOverwritesTotal.Inc()
		return id, nil
	}

	if err := m.Erase(id); err != nil {
		return 0, err
	}
	newID, err := m.Allocate(Record{Data: full})
	if err != nil {
		return 0, err
	}
	m.met.BlobOverwritesTotal.Inc()
	return newID, nil
}

// Erase frees every page in the blob's chain.
func (m *Manager) Erase(id ID) error {
	head, err := m.pages.Fetch(uint64(id), pagemgr.TypeBlobData)
	if err != nil {
		return err
	}
	addr := head.Address
	next := chainNextAfterHeaderAddr(head, m.firstPageCapacity())
	m.pages.Free(addr)
	for next != 0 {
		p, err := m.pages.Fetch(next, pagemgr.TypeBlobData)
		if err != nil {
			return err
		}
		n := binary.LittleEndian.Uint64(p.Payload()[0:nextSize])
		m.pages.Free(next)
		next = n
	}
	m.met.BlobErasuresTotal.Inc()
	return nil
}

func readHeader(head *pagemgr.Page) (total, stored uint32, compressed bool) {
	buf := head.Payload()
	total = binary.LittleEndian.Uint32(buf[0:4])
	stored = binary.LittleEndian.Uint32(buf[4:8])
	compressed = buf[8]&flagCompressed != 0
	return
}

// chainCapacity reports how many stored bytes the existing chain starting
// at head can hold without allocating a new page.
func chainCapacity(pm *pagemgr.Manager, head *pagemgr.Page, firstCap, contCap int) int {
	total := firstCap
	next := chainNextAfterHeaderAddr(head, firstCap)
	for next != 0 {
		total += contCap
		p, err := pm.Fetch(next, pagemgr.TypeBlobData)
		if err != nil {
			break
		}
		next = binary.LittleEndian.Uint64(p.Payload()[contCap:])
	}
	return total
}

func chainNextAfterHeaderAddr(head *pagemgr.Page, firstCap int) uint64 {
	return binary.LittleEndian.Uint64(head.Payload()[headerSize+firstCap:])
}

// writeChain stores payload (already compressed if applicable) into the
// page chain rooted at head, allocating continuation pages as needed and
// zero-filling any newly created tail capacity.
func writeChain(pm *pagemgr.Manager, head *pagemgr.Page, total, stored uint32, compressed bool, payload []byte, firstCap, contCap int) {
	buf := head.Payload()
	binary.LittleEndian.PutUint32(buf[0:4], total)
	binary.LittleEndian.PutUint32(buf[4:8], stored)
	if compressed {
		buf[8] = flagCompressed
	} else {
		buf[8] = 0
	}

	n := copy(buf[headerSize:headerSize+firstCap], payload)
	head.MarkDirty()
	rest := payload[n:]

	cur := head
	curNextOff := headerSize + firstCap
	for len(rest) > 0 {
		next, err := pm.Alloc(pagemgr.TypeBlobData)
		if err != nil {
			panic(fmt.Sprintf("blob: allocate continuation page: %v", err))
		}
		binary.LittleEndian.PutUint64(cur.Payload()[curNextOff:curNextOff+8], next.Address)
		cur.MarkDirty()

		m := copy(next.Payload()[0:contCap], rest)
		rest = rest[m:]
		cur = next
		curNextOff = contCap
	}
	binary.LittleEndian.PutUint64(cur.Payload()[curNextOff:curNextOff+8], 0)
	cur.MarkDirty()
}

// collectChainAddrs returns the addresses of every continuation page after
// head, in chain order.
func collectChainAddrs(pm *pagemgr.Manager, head *pagemgr.Page, firstCap, contCap int) []uint64 {
	var addrs []uint64
	next := chainNextAfterHeaderAddr(head, firstCap)
	for next != 0 {
		addrs = append(addrs, next)
		p, err := pm.Fetch(next, pagemgr.TypeBlobData)
		if err != nil {
			break
		}
		next = binary.LittleEndian.Uint64(p.Payload()[contCap:])
	}
	return addrs
}

// writeChainReusing is writeChain, but it reuses pages from an
// already-allocated chain instead of always allocating fresh continuation
// pages, and frees whatever's left over at the tail once the new payload is
// fully written (an in-place overwrite that shrinks must not leak pages).
func writeChainReusing(pm *pagemgr.Manager, head *pagemgr.Page, total, stored uint32, compressed bool, payload []byte, firstCap, contCap int, existing []uint64) {
	buf := head.Payload()
	binary.LittleEndian.PutUint32(buf[0:4], total)
	binary.LittleEndian.PutUint32(buf[4:8], stored)
	if compressed {
		buf[8] = flagCompressed
	} else {
		buf[8] = 0
	}

	n := copy(buf[headerSize:headerSize+firstCap], payload)
	head.MarkDirty()
	rest := payload[n:]

	cur := head
	curNextOff := headerSize + firstCap
	used := 0
	for len(rest) > 0 {
		var next *pagemgr.Page
		if used < len(existing) {
			var err error
			next, err = pm.Fetch(existing[used], pagemgr.TypeBlobData)
			if err != nil {
				panic(fmt.Sprintf("blob: fetch reused continuation page: %v", err))
			}
		} else {
			var err error
			next, err = pm.Alloc(pagemgr.TypeBlobData)
			if err != nil {
				panic(fmt.Sprintf("blob: allocate continuation page: %v", err))
			}
		}
		used++

		binary.LittleEndian.PutUint64(cur.Payload()[curNextOff:curNextOff+8], next.Address)
		cur.MarkDirty()

		m := copy(next.Payload()[0:contCap], rest)
		rest = rest[m:]
		cur = next
		curNextOff = contCap
	}
	binary.LittleEndian.PutUint64(cur.Payload()[curNextOff:curNextOff+8], 0)
	cur.MarkDirty()

	for _, addr := range existing[used:] {
		pm.Free(addr)
	}
}

// readChain reassembles stored bytes from the chain rooted at head.
func readChain(pm *pagemgr.Manager, head *pagemgr.Page, stored uint32, firstCap, contCap int) []byte {
	out := make([]byte, 0, stored)
	buf := head.Payload()
	take := int(stored)
	if take > firstCap {
		take = firstCap
	}
	out = append(out, buf[headerSize:headerSize+take]...)
	remaining := int(stored) - take

	next := binary.LittleEndian.Uint64(buf[headerSize+firstCap:])
	for remaining > 0 && next != 0 {
		p, err := pm.Fetch(next, pagemgr.TypeBlobData)
		if err != nil {
			break
		}
		take := remaining
		if take > contCap {
			take = contCap
		}
		out = append(out, p.Payload()[0:take]...)
		remaining -= take
		next = binary.LittleEndian.Uint64(p.Payload()[contCap:])
	}
	return out
}
