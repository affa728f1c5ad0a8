// Package pagemgr implements the fixed-size paged storage layer: page
// allocation, an approximate-LRU cache with a pinned set, and the
// persisted free list (spec §4.2).
package pagemgr

import "encoding/binary"

// Type identifies what a page currently holds. A page is owned by exactly
// one subsystem at a time (spec §3), and Type records which one.
type Type byte

const (
	TypeUnused Type = iota
	TypeHeader
	TypeBtreeRoot
	TypeBtreeInternal
	TypeBtreeLeaf
	TypeFreelist
	TypeBlobData
	TypeOverflowKey
)

// HeaderSize is the size of the per-page header stored at the start of
// every page's bytes: flags(4) + type(1) + reserved(3) + lsn(8).
const HeaderSize = 4 + 1 + 3 + 8

// Flag bits stored in the page header.
const (
	FlagNone uint32 = 0
)

// Page is a fixed-size byte block with a small header and a payload,
// exactly as spec §3 describes. The header lives in the first HeaderSize
// bytes of raw; Payload() returns the rest.
type Page struct {
	Address uint64
	raw     []byte
	dirty   bool
	pinned  int // reference count: open changesets + explicit pins
}

func newPage(address uint64, size int) *Page {
	return &Page{Address: address, raw: make([]byte, size)}
}

// wrapPage builds a Page around already-read bytes (e.g. from the device).
func wrapPage(address uint64, raw []byte) *Page {
	return &Page{Address: address, raw: raw}
}

// Raw returns the full page bytes, header included, for writing to the
// device.
func (p *Page) Raw() []byte { return p.raw }

// Payload returns the portion of the page after the header, where the
// subsystem that owns this page (btree node, blob data, freelist chunk)
// stores its content.
func (p *Page) Payload() []byte { return p.raw[HeaderSize:] }

func (p *Page) Flags() uint32 {
	return binary.LittleEndian.Uint32(p.raw[0:4])
}

func (p *Page) SetFlags(f uint32) {
	binary.LittleEndian.PutUint32(p.raw[0:4], f)
	p.dirty = true
}

func (p *Page) Type() Type { return Type(p.raw[4]) }

func (p *Page) SetType(t Type) {
	p.raw[4] = byte(t)
	p.dirty = true
}

func (p *Page) LSN() uint64 {
	return binary.LittleEndian.Uint64(p.raw[8:16])
}

func (p *Page) SetLSN(lsn uint64) {
	binary.LittleEndian.PutUint64(p.raw[8:16], lsn)
	p.dirty = true
}

// MarkDirty flags the page as differing from its on-disk copy (spec §3's
// page invariant). Any mutation through the accessors above also marks the
// page dirty, but payload mutations made directly on the Payload() slice
// need an explicit call.
func (p *Page) MarkDirty() { p.dirty = true }

// Dirty reports whether the page differs from its on-disk copy.
func (p *Page) Dirty() bool { return p.dirty }

// Size returns the full page size including the header.
func (p *Page) Size() int { return len(p.raw) }
