// Package btree implements the ordered index (spec §4.4): a copy-on-write
// B+tree whose nodes are plain byte slices with a fixed physical layout —
// the same node shape the teacher uses, generalized to a configurable page
// capacity and a pluggable key comparator instead of a hardcoded
// bytes.Compare and a hardcoded 4KB page.
package btree

import "encoding/binary"

// Node kinds, stored in the header.
const (
	TypeInternal uint16 = 1 // pointers to children, no records
	TypeLeaf     uint16 = 2 // keys with records
)

// headerSize is the fixed node header: type(2) + nkeys(2).
const headerSize = 4

// Node is a B+tree node viewed as a byte slice: header, then nkeys child
// pointers (internal) or zero pointers (leaf), then nkeys+1 offsets into the
// KV region, then the KV region itself. It mirrors the teacher's BNode type
// one-for-one; only the page-capacity constant became a parameter.
type Node []byte

func (n Node) Kind() uint16 {
	return binary.LittleEndian.Uint16(n[0:2])
}

func (n Node) NumKeys() uint16 {
	return binary.LittleEndian.Uint16(n[2:4])
}

func (n Node) SetHeader(kind uint16, nkeys uint16) {
	binary.LittleEndian.PutUint16(n[0:2], kind)
	binary.LittleEndian.PutUint16(n[2:4], nkeys)
}

func (n Node) getPtr(idx uint16) uint64 {
	pos := headerSize + 8*idx
	return binary.LittleEndian.Uint64(n[pos:])
}

func (n Node) setPtr(idx uint16, val uint64) {
	pos := headerSize + 8*idx
	binary.LittleEndian.PutUint64(n[pos:], val)
}

func offsetPos(n Node, idx uint16) uint16 {
	return headerSize + 8*n.NumKeys() + 2*(idx-1)
}

func (n Node) getOffset(idx uint16) uint16 {
	if idx == 0 {
		return 0
	}
	return binary.LittleEndian.Uint16(n[offsetPos(n, idx):])
}

func (n Node) setOffset(idx uint16, offset uint16) {
	binary.LittleEndian.PutUint16(n[offsetPos(n, idx):], offset)
}

func (n Node) kvPos(idx uint16) uint16 {
	return headerSize + 8*n.NumKeys() + 2*n.NumKeys() + n.getOffset(idx)
}

func (n Node) Key(idx uint16) []byte {
	pos := n.kvPos(idx)
	klen := binary.LittleEndian.Uint16(n[pos:])
	return n[pos+4:][:klen]
}

func (n Node) Record(idx uint16) []byte {
	pos := n.kvPos(idx)
	klen := binary.LittleEndian.Uint16(n[pos+0:])
	rlen := binary.LittleEndian.Uint16(n[pos+2:])
	return n[pos+4+klen:][:rlen]
}

// NumBytes reports how much of the node's capacity is actually in use; a
// value greater than the page capacity means the node needs a split.
func (n Node) NumBytes() uint16 {
	return n.kvPos(n.NumKeys())
}

// lookupLE returns the rightmost slot whose key is <= target, using cmp to
// compare, or slot 0 if every key in the node is greater than target (there
// is no sentinel key here, so callers that need to tell the two cases apart
// must compare target against Key(0) themselves — see insert()'s leaf case).
func lookupLE(n Node, target []byte, cmp CompareFunc) uint16 {
	nkeys := n.NumKeys()
	found := uint16(0)
	for i := uint16(1); i < nkeys; i++ {
		c := cmp(n.Key(i), target)
		if c <= 0 {
			found = i
		}
		if c >= 0 {
			break
		}
	}
	return found
}

// appendRange bulk-copies a slot range from old into new, used by splits,
// merges, and ordinary inserts/deletes to rebuild a node around one change.
func appendRange(new Node, old Node, dstStart, srcStart, n uint16) {
	if n == 0 {
		return
	}
	if old.Kind() == TypeInternal {
		for i := uint16(0); i < n; i++ {
			new.setPtr(dstStart+i, old.getPtr(srcStart+i))
		}
	}

	dstBegin := new.getOffset(dstStart)
	srcBegin := old.getOffset(srcStart)
	for i := uint16(1); i <= n; i++ {
		offset := dstBegin + old.getOffset(srcStart+i) - srcBegin
		new.setOffset(dstStart+i, offset)
	}

	begin := old.kvPos(srcStart)
	end := old.kvPos(srcStart + n)
	copy(new[new.kvPos(dstStart):], old[begin:end])
}

// appendKV writes one key/record pair at idx, including the child pointer
// for internal nodes (ptr is ignored — stored as zero — for leaves).
func appendKV(new Node, idx uint16, ptr uint64, key, record []byte) {
	new.setPtr(idx, ptr)

	pos := new.kvPos(idx)
	binary.LittleEndian.PutUint16(new[pos+0:], uint16(len(key)))
	binary.LittleEndian.PutUint16(new[pos+2:], uint16(len(record)))
	copy(new[pos+4:], key)
	copy(new[pos+4+uint16(len(key)):], record)

	new.setOffset(idx+1, new.getOffset(idx)+4+uint16(len(key)+len(record)))
}
