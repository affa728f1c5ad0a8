package txn

import "sync"

// node is the per-key chain of operations written by transactions that are
// still open or committed-but-not-yet-flushed into the B-tree.
type node struct {
	ops []*indexedOp
}

type indexedOp struct {
	txn *Transaction
	op  Operation
}

// Flusher applies a committed transaction's operations to the durable
// B-tree, in the order Commit iterates them. The txn package stays
// independent of internal/btree; the environment layer supplies this.
type Flusher interface {
	ApplyInsert(key, record []byte, position int) error
	ApplyErase(key []byte, dupIndex int) error
}

// Index is one database's transaction index (spec §4.5.1): a map from key
// to the chain of pending writes against it, used to resolve reads and
// detect write/write conflicts before a transaction's effects are visible
// in the B-tree.
type Index struct {
	mu    sync.Mutex
	nodes map[string]*node
}

// NewIndex creates an empty transaction index for one database.
func NewIndex() *Index {
	return &Index{nodes: make(map[string]*node)}
}

// Find resolves a read against key for the given transaction (nil means a
// reader with no open transaction, i.e. it only ever falls through to the
// B-tree). Implements the 4-step rule of spec §4.5.2:
//  1. the caller's own most recent operation on key wins
//  2. otherwise the most recent committed-but-unflushed operation wins
//  3. otherwise a live operation from a different transaction is a conflict
//  4. otherwise there is nothing pending and the caller should consult the B-tree
func (ix *Index) Find(key []byte, caller *Transaction) (op Operation, found bool, err error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	n, ok := ix.nodes[string(key)]
	if !ok {
		return Operation{}, false, nil
	}

	if caller != nil {
		for i := len(n.ops) - 1; i >= 0; i-- {
			if n.ops[i].txn.ID == caller.ID {
				return n.ops[i].op, true, nil
			}
		}
	}

	for i := len(n.ops) - 1; i >= 0; i-- {
		if n.ops[i].txn.State() == StateCommitted {
			return n.ops[i].op, true, nil
		}
	}

	for _, o := range n.ops {
		if caller == nil || o.txn.ID != caller.ID {
			if o.txn.State() == StateActive {
				return Operation{}, false, ErrConflict
			}
		}
	}

	return Operation{}, false, nil
}

// Put records a write by txn against key, after checking it does not
// collide with a live operation from a different transaction (spec
// §4.5.3). lsn must already be assigned by the caller (the environment's
// LSN manager) so the operation log stays in commit-visible order.
func (ix *Index) Put(key []byte, txn *Transaction, kind Kind, lsn uint64, record []byte, position, dupIndex int) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	k := string(key)
	n, ok := ix.nodes[k]
	if !ok {
		n = &node{}
		ix.nodes[k] = n
	}

	for _, o := range n.ops {
		if o.txn.ID != txn.ID && o.txn.State() == StateActive {
			return ErrConflict
		}
	}

	op := Operation{TxnID: txn.ID, LSN: lsn, Kind: kind, Record: record, Position: position, DupIndex: dupIndex}
	n.ops = append(n.ops, &indexedOp{txn: txn, op: op})
	txn.recordOp(key, op)
	return nil
}

// Commit flushes txn's operations into flusher in LSN order, marks the
// transaction committed, then removes its entries from the index — after
// this call, reads against those keys fall straight through to the
// B-tree, which now holds the authoritative value (spec §4.5.4).
func (ix *Index) Commit(txn *Transaction, flusher Flusher) error {
	for _, ko := range txn.ops {
		var err error
		switch ko.op.Kind {
		case KindInsert:
			err = flusher.ApplyInsert(ko.key, ko.op.Record, ko.op.Position)
		case KindErase:
			err = flusher.ApplyErase(ko.key, ko.op.DupIndex)
		}
		if err != nil {
			return err
		}
	}

	ix.mu.Lock()
	txn.state = StateCommitted
	ix.dropLocked(txn)
	ix.mu.Unlock()
	return nil
}

// Abort discards txn's operations without touching the B-tree (spec
// §4.5.5).
func (ix *Index) Abort(txn *Transaction) {
	ix.mu.Lock()
	txn.state = StateAborted
	ix.dropLocked(txn)
	ix.mu.Unlock()
}

// dropLocked removes every operation belonging to txn from the index,
// deleting any key node left empty. Caller holds ix.mu.
func (ix *Index) dropLocked(txn *Transaction) {
	for _, ko := range txn.ops {
		k := string(ko.key)
		n, ok := ix.nodes[k]
		if !ok {
			continue
		}
		kept := n.ops[:0]
		for _, o := range n.ops {
			if o.txn.ID != txn.ID {
				kept = append(kept, o)
			}
		}
		if len(kept) == 0 {
			delete(ix.nodes, k)
		} else {
			n.ops = kept
		}
	}
	txn.ops = nil
}
