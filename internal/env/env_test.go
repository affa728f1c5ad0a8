package env

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/nainya/upsdb/internal/btree"
)

func TestCreateInsertReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.upsdb")

	e, err := Create(path, WithPageSize(4096))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	db, err := e.CreateDatabase(CreateDatabaseOptions{Name: 1})
	if err != nil {
		t.Fatalf("CreateDatabase: %v", err)
	}
	if err := db.Insert(nil, []byte("1"), []byte("a")); err != nil {
		t.Fatalf("Insert 1: %v", err)
	}
	if err := db.Insert(nil, []byte("2"), []byte("bb")); err != nil {
		t.Fatalf("Insert 2: %v", err)
	}
	if err := db.Insert(nil, []byte("3"), []byte("ccc")); err != nil {
		t.Fatalf("Insert 3: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	e2, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e2.Close()

	db2, err := e2.OpenDatabase(1)
	if err != nil {
		t.Fatalf("OpenDatabase: %v", err)
	}
	rec, err := db2.Find(nil, []byte("2"))
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if string(rec) != "bb" {
		t.Fatalf("expected bb, got %q", rec)
	}
}

func TestTransactionConflict(t *testing.T) {
	e, err := Create("", WithPageSize(4096))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer e.Close()

	db, err := e.CreateDatabase(CreateDatabaseOptions{Name: 1})
	if err != nil {
		t.Fatalf("CreateDatabase: %v", err)
	}

	t1 := db.Begin("")
	if err := db.Insert(t1, []byte("7"), []byte("x")); err != nil {
		t.Fatalf("Insert under t1: %v", err)
	}

	t2 := db.Begin("")
	err = db.Insert(t2, []byte("7"), []byte("y"))
	if ce, ok := err.(*CodedError); !ok || ce.Code != CodeTxnConflict {
		t.Fatalf("expected txn-conflict, got %v", err)
	}

	if err := db.Abort(t1); err != nil {
		t.Fatalf("Abort t1: %v", err)
	}
	if err := db.Insert(t2, []byte("7"), []byte("y")); err != nil {
		t.Fatalf("expected t2's retry to succeed after t1 aborts: %v", err)
	}
	if err := db.Commit(t2); err != nil {
		t.Fatalf("Commit t2: %v", err)
	}

	rec, err := db.Find(nil, []byte("7"))
	if err != nil || string(rec) != "y" {
		t.Fatalf("expected y, got %q err=%v", rec, err)
	}
}

func TestCrashRecoveryReplaysOnlyCommittedTxn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crash.upsdb")

	e, err := Create(path, WithPageSize(4096))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	db, err := e.CreateDatabase(CreateDatabaseOptions{Name: 1})
	if err != nil {
		t.Fatalf("CreateDatabase: %v", err)
	}

	t1 := db.Begin("t1")
	for i := 0; i < 50; i++ {
		if err := db.Insert(t1, []byte{byte(i)}, []byte("v")); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	if err := db.Commit(t1); err != nil {
		t.Fatalf("Commit t1: %v", err)
	}

	t2 := db.Begin("t2")
	for i := 50; i < 70; i++ {
		if err := db.Insert(t2, []byte{byte(i)}, []byte("v")); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	// No commit for t2: simulate a crash by dropping the environment
	// without calling Close/Checkpoint (journal file stays as-is on disk).

	e2, err := Open(path)
	if err != nil {
		t.Fatalf("Open after crash: %v", err)
	}
	defer e2.Close()

	db2, err := e2.OpenDatabase(1)
	if err != nil {
		t.Fatalf("OpenDatabase: %v", err)
	}

	for i := 0; i < 50; i++ {
		if _, err := db2.Find(nil, []byte{byte(i)}); err != nil {
			t.Fatalf("expected committed key %d to survive recovery: %v", i, err)
		}
	}
	for i := 50; i < 70; i++ {
		if _, err := db2.Find(nil, []byte{byte(i)}); err == nil {
			t.Fatalf("expected uncommitted key %d to be absent after recovery", i)
		}
	}
}

// TestCrashRecoverySurvivesImplicitTransaction is a regression test: an
// Insert/Erase issued with no explicit transaction runs under an implicit,
// auto-committed transaction (spec §4.5.6) that never writes a
// TypeTxnBegin/TypeTxnCommit pair. Its logical journal entry must still
// survive a crash before the next checkpoint.
func TestCrashRecoverySurvivesImplicitTransaction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "implicit-crash.upsdb")

	e, err := Create(path, WithPageSize(4096))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	db, err := e.CreateDatabase(CreateDatabaseOptions{Name: 1})
	if err != nil {
		t.Fatalf("CreateDatabase: %v", err)
	}

	if err := db.Insert(nil, []byte("a"), []byte("1")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	// Simulate a crash: no Checkpoint/Close, so nothing has been flushed to
	// the device beyond the journal entry written at Insert time.

	e2, err := Open(path)
	if err != nil {
		t.Fatalf("Open after crash: %v", err)
	}
	defer e2.Close()

	db2, err := e2.OpenDatabase(1)
	if err != nil {
		t.Fatalf("OpenDatabase: %v", err)
	}
	rec, err := db2.Find(nil, []byte("a"))
	if err != nil || string(rec) != "1" {
		t.Fatalf("expected implicit-transaction write to survive recovery, got %q err=%v", rec, err)
	}
}

// TestJournalClearedAfterRecoveryNoReplayOnNextReopen is a regression test:
// recovery must clear the journal once its entries are applied and flushed,
// or a later reopen replays the same entries again. For a duplicates-enabled
// database a repeated TypeInsert replay grows the duplicate table again
// instead of being a no-op.
func TestJournalClearedAfterRecoveryNoReplayOnNextReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dup-reopen.upsdb")

	e, err := Create(path, WithPageSize(4096))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	db, err := e.CreateDatabase(CreateDatabaseOptions{Name: 1, Duplicates: true})
	if err != nil {
		t.Fatalf("CreateDatabase: %v", err)
	}
	key := []byte("k")
	if err := db.Insert(nil, key, []byte("v1")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	for i := 0; i < 2; i++ {
		e, err = Open(path)
		if err != nil {
			t.Fatalf("Open #%d: %v", i, err)
		}
		db, err = e.OpenDatabase(1)
		if err != nil {
			t.Fatalf("OpenDatabase #%d: %v", i, err)
		}
		all, err := db.FindAll(key)
		if err != nil {
			t.Fatalf("FindAll #%d: %v", i, err)
		}
		if len(all) != 1 || string(all[0]) != "v1" {
			t.Fatalf("reopen #%d: expected exactly one duplicate %q, got %v", i, "v1", all)
		}
		if err := e.Close(); err != nil {
			t.Fatalf("Close #%d: %v", i, err)
		}
	}
}

func TestDuplicateOrdering(t *testing.T) {
	e, err := Create("", WithPageSize(4096))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer e.Close()

	db, err := e.CreateDatabase(CreateDatabaseOptions{Name: 1, Duplicates: true})
	if err != nil {
		t.Fatalf("CreateDatabase: %v", err)
	}

	key := []byte{10}
	if _, err := db.InsertAt(nil, key, []byte("A"), btree.PositionLast); err != nil {
		t.Fatalf("insert A: %v", err)
	}
	if _, err := db.InsertAt(nil, key, []byte("B"), btree.PositionFirst); err != nil {
		t.Fatalf("insert B: %v", err)
	}
	if _, err := db.InsertAt(nil, key, []byte("C"), btree.PositionLast); err != nil {
		t.Fatalf("insert C: %v", err)
	}

	all, err := db.FindAll(key)
	if err != nil {
		t.Fatalf("FindAll: %v", err)
	}
	want := []string{"B", "A", "C"}
	if len(all) != len(want) {
		t.Fatalf("expected %d duplicates, got %d", len(want), len(all))
	}
	for i, w := range want {
		if string(all[i]) != w {
			t.Fatalf("duplicate %d: expected %q, got %q", i, w, all[i])
		}
	}
}

func TestRecordNumberAutoAssignsIncreasingKeys(t *testing.T) {
	e, err := Create("", WithPageSize(4096))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer e.Close()

	db, err := e.CreateDatabase(CreateDatabaseOptions{Name: 1, KeyType: KeyTypeUint64, RecordNumber: true})
	if err != nil {
		t.Fatalf("CreateDatabase: %v", err)
	}

	var keys [][]byte
	for i := 0; i < 5; i++ {
		key, err := db.InsertAt(nil, nil, []byte("v"), btree.PositionLast)
		if err != nil {
			t.Fatalf("InsertAt: %v", err)
		}
		keys = append(keys, key)
	}
	for i := 1; i < len(keys); i++ {
		if btree.DecodeUint64(keys[i]) <= btree.DecodeUint64(keys[i-1]) {
			t.Fatalf("expected strictly increasing keys, got %v then %v", keys[i-1], keys[i])
		}
	}
}

func TestLargeRecordPartialOverwrite(t *testing.T) {
	e, err := Create("", WithPageSize(4096))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer e.Close()

	db, err := e.CreateDatabase(CreateDatabaseOptions{Name: 1})
	if err != nil {
		t.Fatalf("CreateDatabase: %v", err)
	}

	const size = 1 << 20 // 1 MiB
	record := make([]byte, size)
	for i := range record {
		record[i] = byte(i)
	}
	key := []byte("big")
	if err := db.Insert(nil, key, record); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	patch := bytes.Repeat([]byte{0xAB}, 100)
	if err := db.OverwritePartial(key, 500000, patch); err != nil {
		t.Fatalf("OverwritePartial: %v", err)
	}

	got, err := db.Find(nil, key)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(got) != size {
		t.Fatalf("expected record size %d, got %d", size, len(got))
	}
	if !bytes.Equal(got[:500000], record[:500000]) {
		t.Fatalf("bytes before the window changed")
	}
	if !bytes.Equal(got[500000:500100], patch) {
		t.Fatalf("window bytes weren't overwritten, got %v", got[500000:500100])
	}
	if !bytes.Equal(got[500100:], record[500100:]) {
		t.Fatalf("bytes after the window changed")
	}
}

func TestRangeScanViaCursor(t *testing.T) {
	e, err := Create("", WithPageSize(4096))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer e.Close()

	db, err := e.CreateDatabase(CreateDatabaseOptions{Name: 1})
	if err != nil {
		t.Fatalf("CreateDatabase: %v", err)
	}

	for i := 0; i <= 998; i += 2 {
		key := []byte{byte(i >> 8), byte(i)}
		if err := db.Insert(nil, key, key); err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
	}

	cur := db.tree.NewCursor()
	target := []byte{byte(301 >> 8), byte(301)}
	if !cur.SeekLE(target) {
		t.Fatal("SeekLE failed to position the cursor")
	}
	if !cur.Next() {
		t.Fatal("expected a key after the lower bound")
	}
	got := int(cur.Key()[0])<<8 | int(cur.Key()[1])
	if got != 302 {
		t.Fatalf("expected 302, got %d", got)
	}

	count := 1
	for cur.Next() {
		count++
	}
	if count != 349 {
		t.Fatalf("expected 349 keys from 302 to 998, got %d", count)
	}
}
