package btree

import "sync/atomic"

// RecordNumberState is the auto-increment counter for record_number32/64
// databases (spec §4.4.2): keys are never supplied by the caller, they're
// assigned strictly increasing integers as records are appended.
type RecordNumberState struct {
	next uint64
}

// NewRecordNumberState seeds the counter from the persisted database state
// (0 for a brand-new database).
func NewRecordNumberState(seed uint64) *RecordNumberState {
	return &RecordNumberState{next: seed}
}

// Next returns the next key to assign and advances the counter.
func (r *RecordNumberState) Next() uint64 {
	return atomic.AddUint64(&r.next, 1)
}

// Current returns the highest key assigned so far, persisted into the
// database descriptor at checkpoint time.
func (r *RecordNumberState) Current() uint64 {
	return atomic.LoadUint64(&r.next)
}

// Restore resets the counter after reopening a database, e.g. once
// recovery has determined the true highest key from the journal.
func (r *RecordNumberState) Restore(seed uint64) {
	atomic.StoreUint64(&r.next, seed)
}
