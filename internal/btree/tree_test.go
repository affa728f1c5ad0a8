package btree

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/nainya/upsdb/internal/device"
	"github.com/nainya/upsdb/internal/pagemgr"
)

func newTestTree(t *testing.T) *Tree {
	t.Helper()
	dev := device.NewMemDevice()
	pages := pagemgr.New(dev, 256, 1<<22, nil, nil)
	return New(pages, BinaryCompare, 0)
}

func TestInsertAndGetSingleKey(t *testing.T) {
	tree := newTestTree(t)
	tree.Insert([]byte("a"), []byte("1"))

	v, ok := tree.Get([]byte("a"))
	if !ok || string(v) != "1" {
		t.Fatalf("got %q, %v", v, ok)
	}
}

func TestInsertManyKeysAndGetAll(t *testing.T) {
	tree := newTestTree(t)
	const n = 500

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		val := []byte(fmt.Sprintf("val-%05d", i))
		tree.Insert(key, val)
	}

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		want := fmt.Sprintf("val-%05d", i)
		got, ok := tree.Get(key)
		if !ok || string(got) != want {
			t.Fatalf("key %s: got %q, %v; want %q", key, got, ok, want)
		}
	}
}

func TestUpdateExistingKey(t *testing.T) {
	tree := newTestTree(t)
	tree.Insert([]byte("k"), []byte("v1"))
	tree.Insert([]byte("k"), []byte("v2"))

	v, ok := tree.Get([]byte("k"))
	if !ok || string(v) != "v2" {
		t.Fatalf("got %q, %v", v, ok)
	}
}

func TestDeleteKey(t *testing.T) {
	tree := newTestTree(t)
	tree.Insert([]byte("a"), []byte("1"))
	tree.Insert([]byte("b"), []byte("2"))

	if !tree.Delete([]byte("a")) {
		t.Fatal("expected Delete to report found")
	}
	if _, ok := tree.Get([]byte("a")); ok {
		t.Fatal("deleted key still found")
	}
	if v, ok := tree.Get([]byte("b")); !ok || string(v) != "2" {
		t.Fatalf("surviving key corrupted: %q, %v", v, ok)
	}
}

func TestDeleteMissingKeyReportsFalse(t *testing.T) {
	tree := newTestTree(t)
	tree.Insert([]byte("a"), []byte("1"))
	if tree.Delete([]byte("zzz")) {
		t.Fatal("expected Delete of missing key to return false")
	}
}

func TestInsertManyThenDeleteHalf(t *testing.T) {
	tree := newTestTree(t)
	const n = 300

	keys := make([][]byte, n)
	for i := 0; i < n; i++ {
		keys[i] = []byte(fmt.Sprintf("k-%05d", i))
		tree.Insert(keys[i], []byte(fmt.Sprintf("v-%05d", i)))
	}

	r := rand.New(rand.NewSource(1))
	r.Shuffle(n, func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })

	for i := 0; i < n/2; i++ {
		if !tree.Delete(keys[i]) {
			t.Fatalf("failed to delete %s", keys[i])
		}
	}
	for i := 0; i < n/2; i++ {
		if _, ok := tree.Get(keys[i]); ok {
			t.Fatalf("key %s survived deletion", keys[i])
		}
	}
	for i := n / 2; i < n; i++ {
		if _, ok := tree.Get(keys[i]); !ok {
			t.Fatalf("key %s lost unexpectedly", keys[i])
		}
	}
}

func TestScanOrdersKeys(t *testing.T) {
	tree := newTestTree(t)
	for i := 0; i < 100; i++ {
		tree.Insert([]byte(fmt.Sprintf("k-%03d", i)), []byte(fmt.Sprintf("%d", i)))
	}

	var seen []string
	tree.Scan(nil, func(key, record []byte) bool {
		seen = append(seen, string(key))
		return true
	})

	if len(seen) != 100 {
		t.Fatalf("expected 100 keys, got %d", len(seen))
	}
	for i := 1; i < len(seen); i++ {
		if seen[i-1] >= seen[i] {
			t.Fatalf("scan not ordered at %d: %s >= %s", i, seen[i-1], seen[i])
		}
	}
}

// TestInsertDescendingKeepsOrderAndFindsAll is a regression test: with no
// sentinel key, inserting a key smaller than the current minimum used to
// land it after the minimum instead of before it, corrupting node order and
// losing the former minimum on lookup.
func TestInsertDescendingKeepsOrderAndFindsAll(t *testing.T) {
	tree := newTestTree(t)
	const n = 200

	for i := n - 1; i >= 0; i-- {
		key := []byte(fmt.Sprintf("k-%05d", i))
		val := []byte(fmt.Sprintf("v-%05d", i))
		tree.Insert(key, val)
	}

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("k-%05d", i))
		want := fmt.Sprintf("v-%05d", i)
		got, ok := tree.Get(key)
		if !ok || string(got) != want {
			t.Fatalf("key %s: got %q, %v; want %q", key, got, ok, want)
		}
	}

	var seen []string
	tree.Scan(nil, func(key, record []byte) bool {
		seen = append(seen, string(key))
		return true
	})
	if len(seen) != n {
		t.Fatalf("expected %d keys in scan, got %d", n, len(seen))
	}
	for i := 1; i < len(seen); i++ {
		if seen[i-1] >= seen[i] {
			t.Fatalf("scan not ordered at %d: %s >= %s", i, seen[i-1], seen[i])
		}
	}
}

// TestInsertSmallerThanMinimumSingleLeaf is the minimal trace from the bug
// report: two keys, never enough to split, where the second key is smaller
// than the first.
func TestInsertSmallerThanMinimumSingleLeaf(t *testing.T) {
	tree := newTestTree(t)
	tree.Insert([]byte("5"), []byte("five"))
	tree.Insert([]byte("3"), []byte("three"))

	if v, ok := tree.Get([]byte("5")); !ok || string(v) != "five" {
		t.Fatalf("key 5: got %q, %v", v, ok)
	}
	if v, ok := tree.Get([]byte("3")); !ok || string(v) != "three" {
		t.Fatalf("key 3: got %q, %v", v, ok)
	}
}

func TestScanFromMidpoint(t *testing.T) {
	tree := newTestTree(t)
	for i := 0; i < 20; i++ {
		tree.Insert([]byte(fmt.Sprintf("k-%02d", i)), []byte{byte(i)})
	}

	var seen []string
	tree.Scan([]byte("k-10"), func(key, record []byte) bool {
		seen = append(seen, string(key))
		return true
	})

	if len(seen) != 10 || seen[0] != "k-10" {
		t.Fatalf("got %v", seen)
	}
}
