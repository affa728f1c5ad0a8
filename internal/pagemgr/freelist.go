package pagemgr

import "encoding/binary"

// freeListHeader is the per-node header: the address of the next node in
// the chain.
const freeListHeader = 8

// freeList is an unrolled linked list of freed page addresses, the same
// shape as the teacher's node free list: each node is one page holding a
// next-pointer plus as many uint64 slots as fit, and addresses are popped
// from the head and pushed onto the tail.
//
// Its root address and {headSeq, tailSeq, maxSeq} counters are what the
// environment header page calls the "free list blob id" (spec §4.2): the
// free list is checkpointed by writing its own chain of TypeFreelist pages
// directly through this same page manager, rather than through the general
// blob manager, since the blob manager itself allocates pages through the
// free list and a dependency the other way would be circular. The root
// page address doubles as the opaque 64-bit id persisted in the header.
type freeList struct {
	capacity int

	headPage uint64
	headSeq  uint64
	tailPage uint64
	tailSeq  uint64
	maxSeq   uint64
}

func newFreeList(pageSize int) *freeList {
	return &freeList{capacity: (pageSize - HeaderSize - freeListHeader) / 8}
}

func lnodeNext(p *Page) uint64 {
	return binary.LittleEndian.Uint64(p.Payload()[0:8])
}

func lnodeSetNext(p *Page, next uint64) {
	binary.LittleEndian.PutUint64(p.Payload()[0:8], next)
	p.MarkDirty()
}

func lnodeGetPtr(p *Page, idx int) uint64 {
	off := freeListHeader + idx*8
	return binary.LittleEndian.Uint64(p.Payload()[off:])
}

func lnodeSetPtr(p *Page, idx int, addr uint64) {
	off := freeListHeader + idx*8
	binary.LittleEndian.PutUint64(p.Payload()[off:], addr)
	p.MarkDirty()
}

// Total reports the number of page addresses currently parked in the list.
func (fl *freeList) Total() int {
	if fl.headSeq >= fl.tailSeq {
		return 0
	}
	return int(fl.tailSeq - fl.headSeq)
}

// Pop removes and returns one free page address, or 0 if the list is empty
// or every remaining entry is newer than maxSeq (still inside the
// transaction that freed it, per spec §4.5's isolation rule: pages freed by
// an uncommitted transaction must not be handed to anyone else).
func (m *Manager) freeListPop() uint64 {
	fl := m.free
	if fl.headSeq >= fl.tailSeq {
		return 0
	}
	if fl.maxSeq > 0 && fl.maxSeq < fl.tailSeq && fl.headSeq >= fl.maxSeq {
		return 0
	}
	if fl.headPage == 0 {
		return 0
	}

	node := m.fetchLocked(fl.headPage, TypeFreelist)
	idx := int(fl.headSeq % uint64(fl.capacity))
	addr := lnodeGetPtr(node, idx)
	fl.headSeq++

	if fl.headSeq%uint64(fl.capacity) == 0 {
		next := lnodeNext(node)
		if next != 0 {
			m.freeListPush(fl.headPage)
			fl.headPage = next
		}
	}
	return addr
}

// freeListPush appends a page address to the tail of the list.
func (m *Manager) freeListPush(addr uint64) {
	fl := m.free

	if fl.tailPage == 0 {
		node := m.allocRawLocked(TypeFreelist)
		lnodeSetNext(node, 0)
		fl.tailPage = node.Address
	}

	idx := int(fl.tailSeq % uint64(fl.capacity))
	if idx == 0 && fl.tailSeq > 0 {
		newNode := m.allocRawLocked(TypeFreelist)
		lnodeSetNext(newNode, 0)

		oldTail := m.fetchLocked(fl.tailPage, TypeFreelist)
		lnodeSetNext(oldTail, newNode.Address)

		fl.tailPage = newNode.Address
		idx = 0
	}

	node := m.fetchLocked(fl.tailPage, TypeFreelist)
	lnodeSetPtr(node, idx, addr)
	fl.tailSeq++
}

// freeListCommit releases the isolation barrier so pages freed by the
// transaction that just committed become eligible for reuse.
func (m *Manager) freeListCommit() {
	m.free.maxSeq = m.free.tailSeq
}

const freeListStateSize = 40

func (fl *freeList) marshal() []byte {
	buf := make([]byte, freeListStateSize)
	binary.LittleEndian.PutUint64(buf[0:], fl.headPage)
	binary.LittleEndian.PutUint64(buf[8:], fl.headSeq)
	binary.LittleEndian.PutUint64(buf[16:], fl.tailPage)
	binary.LittleEndian.PutUint64(buf[24:], fl.tailSeq)
	binary.LittleEndian.PutUint64(buf[32:], fl.maxSeq)
	return buf
}

func (fl *freeList) unmarshal(buf []byte) {
	fl.headPage = binary.LittleEndian.Uint64(buf[0:])
	fl.headSeq = binary.LittleEndian.Uint64(buf[8:])
	fl.tailPage = binary.LittleEndian.Uint64(buf[16:])
	fl.tailSeq = binary.LittleEndian.Uint64(buf[24:])
	fl.maxSeq = binary.LittleEndian.Uint64(buf[32:])
}
