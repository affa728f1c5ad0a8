package txn

import "testing"

type recordingFlusher struct {
	inserted map[string]string
	erased   []string
}

func newRecordingFlusher() *recordingFlusher {
	return &recordingFlusher{inserted: map[string]string{}}
}

func (f *recordingFlusher) ApplyInsert(key, record []byte, position int) error {
	f.inserted[string(key)] = string(record)
	return nil
}

func (f *recordingFlusher) ApplyErase(key []byte, dupIndex int) error {
	f.erased = append(f.erased, string(key))
	return nil
}

func TestOwnTransactionSeesItsOwnWrite(t *testing.T) {
	ix := NewIndex()
	tx := Begin("db", false)

	if err := ix.Put([]byte("k"), tx, KindInsert, 1, []byte("v1"), 0, 0); err != nil {
		t.Fatalf("Put: %v", err)
	}

	op, found, err := ix.Find([]byte("k"), tx)
	if err != nil || !found {
		t.Fatalf("Find: found=%v err=%v", found, err)
	}
	if string(op.Record) != "v1" {
		t.Fatalf("expected v1, got %q", op.Record)
	}
}

func TestOtherLiveTransactionConflictsOnWrite(t *testing.T) {
	ix := NewIndex()
	a := Begin("db", false)
	b := Begin("db", false)

	if err := ix.Put([]byte("k"), a, KindInsert, 1, []byte("v1"), 0, 0); err != nil {
		t.Fatalf("Put a: %v", err)
	}
	if err := ix.Put([]byte("k"), b, KindInsert, 2, []byte("v2"), 0, 0); err != ErrConflict {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestOtherLiveTransactionConflictsOnRead(t *testing.T) {
	ix := NewIndex()
	a := Begin("db", false)
	reader := Begin("db", false)

	if err := ix.Put([]byte("k"), a, KindInsert, 1, []byte("v1"), 0, 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	_, _, err := ix.Find([]byte("k"), reader)
	if err != ErrConflict {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestReaderWithNoTxnSeesNothingPendingUntilCommit(t *testing.T) {
	ix := NewIndex()
	a := Begin("db", false)
	if err := ix.Put([]byte("k"), a, KindInsert, 1, []byte("v1"), 0, 0); err != nil {
		t.Fatalf("Put: %v", err)
	}

	_, found, err := ix.Find([]byte("k"), nil)
	if err != ErrConflict {
		t.Fatalf("expected a bare reader to conflict with a's live write, got found=%v err=%v", found, err)
	}

	flusher := newRecordingFlusher()
	if err := ix.Commit(a, flusher); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if flusher.inserted["k"] != "v1" {
		t.Fatalf("expected flush to apply insert, got %+v", flusher.inserted)
	}
	// After commit the index is empty for this key, so a bare reader falls
	// through to the B-tree instead of seeing a pending entry.
	_, found, err = ix.Find([]byte("k"), nil)
	if err != nil || found {
		t.Fatalf("expected no pending entry after commit, found=%v err=%v", found, err)
	}
}

func TestAbortDropsOperationsWithoutFlushing(t *testing.T) {
	ix := NewIndex()
	a := Begin("db", false)
	if err := ix.Put([]byte("k"), a, KindInsert, 1, []byte("v1"), 0, 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	ix.Abort(a)

	if a.State() != StateAborted {
		t.Fatalf("expected aborted state, got %v", a.State())
	}
	_, found, err := ix.Find([]byte("k"), nil)
	if err != nil || found {
		t.Fatalf("expected no trace of aborted write, found=%v err=%v", found, err)
	}

	b := Begin("db", false)
	if err := ix.Put([]byte("k"), b, KindInsert, 2, []byte("v2"), 0, 0); err != nil {
		t.Fatalf("expected no conflict with an aborted transaction's old write: %v", err)
	}
}

func TestEraseThenCommitAppliesErase(t *testing.T) {
	ix := NewIndex()
	a := Begin("db", false)
	if err := ix.Put([]byte("k"), a, KindErase, 1, nil, 0, 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	flusher := newRecordingFlusher()
	if err := ix.Commit(a, flusher); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if len(flusher.erased) != 1 || flusher.erased[0] != "k" {
		t.Fatalf("expected erase of k, got %+v", flusher.erased)
	}
}

func TestOwnLaterWriteWinsOverOwnEarlierWrite(t *testing.T) {
	ix := NewIndex()
	a := Begin("db", false)
	if err := ix.Put([]byte("k"), a, KindInsert, 1, []byte("v1"), 0, 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := ix.Put([]byte("k"), a, KindInsert, 2, []byte("v2"), 0, 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	op, found, err := ix.Find([]byte("k"), a)
	if err != nil || !found || string(op.Record) != "v2" {
		t.Fatalf("expected v2, got found=%v err=%v op=%+v", found, err, op)
	}
}
