// Package compare implements the process-wide custom comparator registry
// (spec §4.4.3, §5, §9). Comparators are identified on disk by a stable
// 32-bit hash of their registered name so the database descriptor stays
// small; the registry itself lives behind its own mutex, distinct from the
// environment mutex, since it is process-global rather than per-environment.
package compare

import (
	"errors"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Func compares two keys the way bytes.Compare does: negative if a < b,
// zero if equal, positive if a > b.
type Func func(a, b []byte) int

// ErrMissingComparator is returned by Lookup when a hash has no registered
// comparator and the caller did not pass IgnoreMissing.
var ErrMissingComparator = errors.New("compare: comparator not registered")

var (
	mu       sync.RWMutex
	byHash   = map[uint32]Func{}
	byName   = map[string]uint32{}
)

// Hash returns the stable 32-bit identifier stored in the database
// descriptor for a comparator name. It is a pure function of the name, so
// it can be computed before the comparator is ever registered (e.g. while
// reading a database descriptor before Register has run for this process).
func Hash(name string) uint32 {
	return uint32(xxhash.Sum64String(name))
}

// Register associates a name with a comparison function, process-wide.
// Re-registering the same name with a different function overwrites the
// previous registration; this is intentional so a process can reload a
// plugin's comparator across environment reopens.
func Register(name string, fn Func) {
	mu.Lock()
	defer mu.Unlock()

	h := Hash(name)
	byHash[h] = fn
	byName[name] = h
}

// Lookup resolves a stored comparator hash to its function. ignoreMissing
// mirrors spec §4.4.3's reopen flag: when true, a missing comparator isn't
// an error, it just returns (nil, false) so the caller can fall back to a
// default byte comparator instead of failing the whole open.
func Lookup(hash uint32, ignoreMissing bool) (Func, error) {
	mu.RLock()
	fn, ok := byHash[hash]
	mu.RUnlock()

	if !ok {
		if ignoreMissing {
			return nil, nil
		}
		return nil, ErrMissingComparator
	}
	return fn, nil
}

// Registered reports whether a comparator is currently registered under
// name, used by tests and by database-open diagnostics.
func Registered(name string) bool {
	mu.RLock()
	defer mu.RUnlock()
	_, ok := byName[name]
	return ok
}
