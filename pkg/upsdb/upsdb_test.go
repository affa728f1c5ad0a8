package upsdb_test

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/nainya/upsdb/pkg/upsdb"
)

// Scenario 1: create, insert, reopen.
func TestCreateInsertReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario1.upsdb")

	e, err := upsdb.Create(path, upsdb.WithPageSize(4096))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	db, err := e.CreateDatabase(upsdb.CreateDatabaseOptions{Name: 1, KeyType: upsdb.KeyTypeUint32})
	if err != nil {
		t.Fatalf("CreateDatabase: %v", err)
	}
	records := map[uint32]string{1: "a", 2: "bb", 3: "ccc"}
	for k, v := range records {
		if err := db.Insert(nil, upsdb.EncodeUint32(k), []byte(v)); err != nil {
			t.Fatalf("Insert %d: %v", k, err)
		}
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	e2, err := upsdb.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e2.Close()

	db2, err := e2.OpenDatabase(1)
	if err != nil {
		t.Fatalf("OpenDatabase: %v", err)
	}
	rec, err := db2.Find(nil, upsdb.EncodeUint32(2))
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if string(rec) != "bb" {
		t.Fatalf("expected bb, got %q", rec)
	}
}

// Scenario 2: duplicate ordering.
func TestDuplicateOrdering(t *testing.T) {
	e, err := upsdb.Create("")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer e.Close()

	db, err := e.CreateDatabase(upsdb.CreateDatabaseOptions{Name: 1, Duplicates: true})
	if err != nil {
		t.Fatalf("CreateDatabase: %v", err)
	}

	key := []byte{10}
	if _, err := db.InsertAt(nil, key, []byte("A"), upsdb.PositionLast); err != nil {
		t.Fatalf("insert A: %v", err)
	}
	if _, err := db.InsertAt(nil, key, []byte("B"), upsdb.PositionFirst); err != nil {
		t.Fatalf("insert B: %v", err)
	}
	if _, err := db.InsertAt(nil, key, []byte("C"), upsdb.PositionLast); err != nil {
		t.Fatalf("insert C: %v", err)
	}

	cur := db.NewCursor()
	if !cur.First() {
		t.Fatal("expected a key")
	}
	all, err := cur.RecordAll()
	if err != nil {
		t.Fatalf("RecordAll: %v", err)
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

// Scenario 3: transaction conflict.
func TestTransactionConflict(t *testing.T) {
	e, err := upsdb.Create("")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer e.Close()

	db, err := e.CreateDatabase(upsdb.CreateDatabaseOptions{Name: 1})
	if err != nil {
		t.Fatalf("CreateDatabase: %v", err)
	}

	t1 := db.Begin("")
	if err := db.Insert(t1, []byte("7"), []byte("x")); err != nil {
		t.Fatalf("insert under t1: %v", err)
	}

	t2 := db.Begin("")
	err = db.Insert(t2, []byte("7"), []byte("y"))
	ce, ok := err.(*upsdb.CodedError)
	if !ok || ce.Code != upsdb.CodeTxnConflict {
		t.Fatalf("expected txn-conflict, got %v", err)
	}

	if err := db.Abort(t1); err != nil {
		t.Fatalf("abort t1: %v", err)
	}
	if err := db.Insert(t2, []byte("7"), []byte("y")); err != nil {
		t.Fatalf("expected t2's retry to succeed: %v", err)
	}
	if err := db.Commit(t2); err != nil {
		t.Fatalf("commit t2: %v", err)
	}

	rec, err := db.Find(nil, []byte("7"))
	if err != nil || string(rec) != "y" {
		t.Fatalf("expected y, got %q err=%v", rec, err)
	}
}

// Scenario 4: crash recovery.
func TestCrashRecoveryReplaysOnlyCommittedTxn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario4.upsdb")

	e, err := upsdb.Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	db, err := e.CreateDatabase(upsdb.CreateDatabaseOptions{Name: 1, KeyType: upsdb.KeyTypeUint32})
	if err != nil {
		t.Fatalf("CreateDatabase: %v", err)
	}

	t1 := db.Begin("t1")
	for i := uint32(1); i <= 1000; i++ {
		if err := db.Insert(t1, upsdb.EncodeUint32(i), []byte("v")); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	if err := db.Commit(t1); err != nil {
		t.Fatalf("commit t1: %v", err)
	}

	t2 := db.Begin("t2")
	for i := uint32(1001); i <= 1500; i++ {
		if err := db.Insert(t2, upsdb.EncodeUint32(i), []byte("v")); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	// Simulate a crash: never commit t2, never Close/Checkpoint e.

	e2, err := upsdb.Open(path)
	if err != nil {
		t.Fatalf("Open after crash: %v", err)
	}
	defer e2.Close()

	db2, err := e2.OpenDatabase(1)
	if err != nil {
		t.Fatalf("OpenDatabase: %v", err)
	}
	for i := uint32(1); i <= 1000; i++ {
		if _, err := db2.Find(nil, upsdb.EncodeUint32(i)); err != nil {
			t.Fatalf("expected committed key %d to survive, got %v", i, err)
		}
	}
	for i := uint32(1001); i <= 1500; i++ {
		if _, err := db2.Find(nil, upsdb.EncodeUint32(i)); err == nil {
			t.Fatalf("expected uncommitted key %d to be absent", i)
		}
	}
}

// Scenario 5: large record, partial write.
func TestLargeRecordPartialOverwrite(t *testing.T) {
	e, err := upsdb.Create("")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer e.Close()

	db, err := e.CreateDatabase(upsdb.CreateDatabaseOptions{Name: 1})
	if err != nil {
		t.Fatalf("CreateDatabase: %v", err)
	}

	const size = 1 << 20
	record := make([]byte, size)
	for i := range record {
		record[i] = byte(i)
	}
	key := []byte("1")
	if err := db.Insert(nil, key, record); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	patch := bytes.Repeat([]byte{0xCD}, 100)
	if err := db.OverwritePartial(key, 500000, patch); err != nil {
		t.Fatalf("OverwritePartial: %v", err)
	}

	got, err := db.Find(nil, key)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if !bytes.Equal(got[:500000], record[:500000]) {
		t.Fatal("bytes before the window changed")
	}
	if !bytes.Equal(got[500000:500100], patch) {
		t.Fatal("window wasn't overwritten")
	}
	if !bytes.Equal(got[500100:], record[500100:]) {
		t.Fatal("bytes after the window changed")
	}
}

// Scenario 6: range scan.
func TestRangeScan(t *testing.T) {
	e, err := upsdb.Create("")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer e.Close()

	db, err := e.CreateDatabase(upsdb.CreateDatabaseOptions{Name: 1})
	if err != nil {
		t.Fatalf("CreateDatabase: %v", err)
	}

	for i := 0; i <= 998; i += 2 {
		key := []byte{byte(i >> 8), byte(i)}
		if err := db.Insert(nil, key, key); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	cur := db.NewCursor()
	if !cur.SeekLE([]byte{byte(301 >> 8), byte(301)}) {
		t.Fatal("SeekLE failed")
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
		t.Fatalf("expected 349, got %d", count)
	}
}
