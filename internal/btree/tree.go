package btree

import (
	"github.com/nainya/upsdb/internal/pagemgr"
)

// Tree is a copy-on-write B+tree over a page manager: every mutation
// builds new pages for the modified path and frees the old ones, the same
// shape as the teacher's BTree with get/new/del callbacks, generalized to a
// configurable page capacity and comparator.
type Tree struct {
	pages *pagemgr.Manager
	cap   int // usable bytes per node, i.e. page payload size
	cmp   CompareFunc

	Root uint64 // address of the root page, 0 if the tree is empty
}

// New creates a tree over pages. root is 0 for a brand-new, empty tree, or
// the previously persisted root address when reopening one.
func New(pages *pagemgr.Manager, cmp CompareFunc, root uint64) *Tree {
	if cmp == nil {
		cmp = BinaryCompare
	}
	return &Tree{pages: pages, cap: pages.PageSize() - pagemgr.HeaderSize, cmp: cmp, Root: root}
}

// Capacity returns the usable bytes per node, i.e. the largest a leaf's
// key+record pair can be before it alone would overflow a page.
func (t *Tree) Capacity() int { return t.cap }

func (t *Tree) getNode(addr uint64) Node {
	p, err := t.pages.Fetch(addr, pagemgr.TypeUnused)
	if err != nil {
		panic(err)
	}
	return Node(p.Payload())
}

func (t *Tree) newNode(n Node) uint64 {
	typ := pagemgr.TypeBtreeLeaf
	if n.Kind() == TypeInternal {
		typ = pagemgr.TypeBtreeInternal
	}
	p, err := t.pages.Alloc(typ)
	if err != nil {
		panic(err)
	}
	copy(p.Payload(), n[:t.cap])
	p.MarkDirty()
	return p.Address
}

func (t *Tree) delNode(addr uint64) {
	t.pages.Free(addr)
}

// Get looks up key and returns its stored record bytes.
func (t *Tree) Get(key []byte) ([]byte, bool) {
	if t.Root == 0 {
		return nil, false
	}
	return t.get(t.getNode(t.Root), key)
}

func (t *Tree) get(n Node, key []byte) ([]byte, bool) {
	idx := lookupLE(n, key, t.cmp)
	switch n.Kind() {
	case TypeLeaf:
		if t.cmp(key, n.Key(idx)) == 0 {
			return append([]byte(nil), n.Record(idx)...), true
		}
		return nil, false
	case TypeInternal:
		return t.get(t.getNode(n.getPtr(idx)), key)
	default:
		panic("btree: corrupt node kind")
	}
}

// Insert adds or updates key with record, splitting nodes along the path as
// needed (spec §4.4.2).
func (t *Tree) Insert(key, record []byte) {
	if t.Root == 0 {
		root := make(Node, t.cap)
		root.SetHeader(TypeLeaf, 1)
		appendKV(root, 0, 0, key, record)
		t.Root = t.newNode(root)
		return
	}

	updated := t.insert(t.getNode(t.Root), key, record)
	nsplit, parts := t.split3(updated)
	t.delNode(t.Root)

	if nsplit > 1 {
		root := make(Node, 2*t.cap)
		root.SetHeader(TypeInternal, nsplit)
		for i := uint16(0); i < nsplit; i++ {
			kid := parts[i]
			appendKV(root, i, t.newNode(kid), kid.Key(0), nil)
		}
		t.Root = t.newNode(root[:t.cap])
	} else {
		t.Root = t.newNode(parts[0])
	}
}

func (t *Tree) insert(n Node, key, record []byte) Node {
	scratch := make(Node, 2*t.cap)
	idx := lookupLE(n, key, t.cmp)

	switch n.Kind() {
	case TypeLeaf:
		// lookupLE returns a floor slot with no sentinel key backing it (see
		// its doc comment), so idx==0 is ambiguous between "key(0) is the
		// floor" and "every key is greater than target". Disambiguate with
		// the actual comparison instead of assuming idx+1 is always right,
		// or a target smaller than every existing key gets inserted after
		// the current minimum instead of before it, corrupting node order.
		switch c := t.cmp(key, n.Key(idx)); {
		case c == 0:
			leafUpdate(scratch, n, idx, key, record)
		case c > 0:
			leafInsert(scratch, n, idx+1, key, record)
		default:
			leafInsert(scratch, n, idx, key, record)
		}
	case TypeInternal:
		t.internalInsert(scratch, n, idx, key, record)
	default:
		panic("btree: corrupt node kind")
	}
	return scratch
}

func leafInsert(new, old Node, idx uint16, key, record []byte) {
	new.SetHeader(TypeLeaf, old.NumKeys()+1)
	appendRange(new, old, 0, 0, idx)
	appendKV(new, idx, 0, key, record)
	appendRange(new, old, idx+1, idx, old.NumKeys()-idx)
}

func leafUpdate(new, old Node, idx uint16, key, record []byte) {
	new.SetHeader(TypeLeaf, old.NumKeys())
	appendRange(new, old, 0, 0, idx)
	appendKV(new, idx, 0, key, record)
	appendRange(new, old, idx+1, idx+1, old.NumKeys()-(idx+1))
}

func (t *Tree) internalInsert(new, old Node, idx uint16, key, record []byte) {
	kidAddr := old.getPtr(idx)
	updatedKid := t.insert(t.getNode(kidAddr), key, record)
	nsplit, parts := t.split3(updatedKid)
	t.delNode(kidAddr)
	t.replaceKidN(new, old, idx, parts[:nsplit]...)
}

func (t *Tree) replaceKidN(new, old Node, idx uint16, kids ...Node) {
	inc := uint16(len(kids))
	new.SetHeader(TypeInternal, old.NumKeys()+inc-1)
	appendRange(new, old, 0, 0, idx)
	for i, kid := range kids {
		appendKV(new, idx+uint16(i), t.newNode(kid), kid.Key(0), nil)
	}
	appendRange(new, old, idx+inc, idx+1, old.NumKeys()-(idx+1))
}

// split3 splits old into at most 3 page-sized nodes (spec §4.4.2: choose a
// pivot that keeps both halves within capacity, recursing if one half is
// still oversized).
func (t *Tree) split3(old Node) (uint16, [3]Node) {
	if old.NumBytes() <= uint16(t.cap) {
		return 1, [3]Node{old[:t.cap]}
	}

	left := make(Node, 2*t.cap)
	right := make(Node, t.cap)
	t.split2(left, right, old)

	if left.NumBytes() <= uint16(t.cap) {
		return 2, [3]Node{left[:t.cap], right}
	}

	leftleft := make(Node, t.cap)
	middle := make(Node, t.cap)
	t.split2(leftleft, middle, left)
	return 3, [3]Node{leftleft, middle, right}
}

func (t *Tree) split2(left, right, old Node) {
	nkeys := old.NumKeys()
	nleft := uint16(0)
	target := uint16(t.cap * 3 / 4)
	for i := uint16(0); i < nkeys; i++ {
		nleft = i + 1
		if old.kvPos(nleft) >= target {
			break
		}
	}

	left.SetHeader(old.Kind(), nleft)
	appendRange(left, old, 0, 0, nleft)

	right.SetHeader(old.Kind(), nkeys-nleft)
	appendRange(right, old, 0, nleft, nkeys-nleft)
}

// Delete removes key, reporting whether it was present.
func (t *Tree) Delete(key []byte) bool {
	if t.Root == 0 {
		return false
	}

	updated := t.delete(t.getNode(t.Root), key)
	if updated == nil {
		return false
	}
	t.delNode(t.Root)

	if updated.Kind() == TypeInternal && updated.NumKeys() == 1 {
		t.Root = updated.getPtr(0)
	} else {
		t.Root = t.newNode(updated)
	}
	return true
}

func (t *Tree) delete(n Node, key []byte) Node {
	idx := lookupLE(n, key, t.cmp)
	switch n.Kind() {
	case TypeLeaf:
		if t.cmp(key, n.Key(idx)) != 0 {
			return nil
		}
		out := make(Node, t.cap)
		out.SetHeader(TypeLeaf, n.NumKeys()-1)
		appendRange(out, n, 0, 0, idx)
		appendRange(out, n, idx, idx+1, n.NumKeys()-(idx+1))
		return out
	case TypeInternal:
		return t.internalDelete(n, idx, key)
	default:
		panic("btree: corrupt node kind")
	}
}

func (t *Tree) internalDelete(n Node, idx uint16, key []byte) Node {
	kidAddr := n.getPtr(idx)
	updated := t.delete(t.getNode(kidAddr), key)
	if updated == nil {
		return nil
	}
	t.delNode(kidAddr)

	out := make(Node, t.cap)
	dir, sibling, siblingIdx := t.shouldMerge(n, idx, updated)

	switch {
	case dir < 0:
		merged := make(Node, t.cap)
		mergeNodes(merged, sibling, updated)
		t.delNode(n.getPtr(siblingIdx))
		replace2Kid(out, n, siblingIdx, t.newNode(merged), merged.Key(0))
	case dir > 0:
		merged := make(Node, t.cap)
		mergeNodes(merged, updated, sibling)
		t.delNode(n.getPtr(siblingIdx))
		replace2Kid(out, n, idx, t.newNode(merged), merged.Key(0))
	case updated.NumKeys() == 0:
		out.SetHeader(TypeInternal, 0)
	default:
		t.replaceKidN(out, n, idx, updated)
	}
	return out
}

// shouldMerge decides whether a shrunk child should merge with a sibling
// (spec §4.4.2's minimum-occupancy rule), returning the merge direction and
// the sibling along with the sibling's slot index in n.
func (t *Tree) shouldMerge(n Node, idx uint16, updated Node) (dir int, sibling Node, siblingIdx uint16) {
	if updated.NumBytes() > uint16(t.cap)/4 {
		return 0, nil, 0
	}
	if idx > 0 {
		left := t.getNode(n.getPtr(idx - 1))
		if int(left.NumBytes())+int(updated.NumBytes())-headerSize <= t.cap {
			return -1, left, idx - 1
		}
	}
	if idx+1 < n.NumKeys() {
		right := t.getNode(n.getPtr(idx + 1))
		if int(right.NumBytes())+int(updated.NumBytes())-headerSize <= t.cap {
			return +1, right, idx + 1
		}
	}
	return 0, nil, 0
}

func mergeNodes(new, left, right Node) {
	new.SetHeader(left.Kind(), left.NumKeys()+right.NumKeys())
	appendRange(new, left, 0, 0, left.NumKeys())
	appendRange(new, right, left.NumKeys(), 0, right.NumKeys())
}

func replace2Kid(new, old Node, idx uint16, ptr uint64, key []byte) {
	new.SetHeader(TypeInternal, old.NumKeys()-1)
	appendRange(new, old, 0, 0, idx)
	appendKV(new, idx, ptr, key, nil)
	appendRange(new, old, idx+1, idx+2, old.NumKeys()-(idx+2))
}
