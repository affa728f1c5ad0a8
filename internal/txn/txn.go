// Package txn implements the transaction engine (spec §4.5): a per-database
// index mapping key to the chain of pending operations touching it, plus
// the bookkeeping for beginning, committing, and aborting a transaction
// against that index.
package txn

import (
	"errors"
	"sync/atomic"
)

// ErrConflict is returned when a write or a strict read collides with a
// live operation from a different, still-uncommitted transaction (spec
// §4.5.2/§4.5.3).
var ErrConflict = errors.New("txn: conflict with another live transaction")

// State is a transaction's lifecycle stage.
type State int

const (
	StateActive State = iota
	StateCommitted
	StateAborted
)

// Kind distinguishes an insert/overwrite from an erase within the
// operation log.
type Kind int

const (
	KindInsert Kind = iota
	KindErase
)

// Operation is one write recorded against a key while its transaction was
// open.
type Operation struct {
	TxnID    uint64
	LSN      uint64
	Kind     Kind
	Record   []byte // nil for KindErase
	Position int    // duplicate insert position, meaningless for KindErase
	DupIndex int    // which duplicate KindErase targets; -1 erases every duplicate
}

// Transaction tracks one open unit of work: every operation it has issued,
// in the order issued (which is also LSN order, since LSNs are assigned
// monotonically as operations are appended), and its database name so
// commit/abort can target the right txn index and journal entries.
type Transaction struct {
	ID       uint64
	DBName   string
	Implicit bool // spec §4.5.6: auto-committed, never appears as begin/commit in the journal
	state    State
	ops      []keyedOp
}

type keyedOp struct {
	key []byte
	op  Operation
}

var nextTxnID uint64

// NewID returns a fresh, process-wide unique transaction id (spec §4.5.1:
// "transactions are chained process-wide in commit-order").
func NewID() uint64 {
	return atomic.AddUint64(&nextTxnID, 1)
}

// Begin starts a new transaction against dbname.
func Begin(dbname string, implicit bool) *Transaction {
	return &Transaction{ID: NewID(), DBName: dbname, Implicit: implicit, state: StateActive}
}

// State reports the transaction's current lifecycle stage.
func (t *Transaction) State() State { return t.state }

// recordOp appends an operation to the transaction's own log, used by
// Index.Put right after conflict detection succeeds.
func (t *Transaction) recordOp(key []byte, op Operation) {
	t.ops = append(t.ops, keyedOp{key: append([]byte(nil), key...), op: op})
}
