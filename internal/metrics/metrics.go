// Package metrics provides Prometheus metrics for the storage engine.
package metrics

import (
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for one environment. Callers that
// don't want metrics exported can use Nop() instead of New(), which wires
// the same field names to collectors that were never registered with any
// registry.
type Metrics struct {
	// page cache
	CacheHitsTotal      prometheus.Counter
	CacheMissesTotal    prometheus.Counter
	CacheEvictionsTotal prometheus.Counter
	PagesAllocatedTotal *prometheus.CounterVec // label: source=freelist|extend
	PagesFreedTotal     prometheus.Counter
	DirtyPagesGauge     prometheus.Gauge

	// blob manager
	BlobAllocationsTotal *prometheus.CounterVec // label: storage=inline|page|duptable
	BlobReadsTotal       prometheus.Counter
	BlobOverwritesTotal  prometheus.Counter
	BlobErasuresTotal    prometheus.Counter

	// btree
	BtreeSplitsTotal     prometheus.Counter
	BtreeMergesTotal     prometheus.Counter
	BtreeVacuumizesTotal prometheus.Counter
	BtreeFindDuration    prometheus.Histogram

	// transactions
	TxnBeginsTotal    prometheus.Counter
	TxnCommitsTotal   prometheus.Counter
	TxnAbortsTotal    prometheus.Counter
	TxnConflictsTotal prometheus.Counter

	// journal
	JournalWritesTotal    *prometheus.CounterVec // label: type
	JournalRotationsTotal prometheus.Counter
	JournalFsyncDuration  prometheus.Histogram
	RecoveryDuration      prometheus.Histogram
}

// New creates and registers all collectors under the given namespace. Pass a
// distinct namespace per open environment so multiple environments in one
// process don't collide on metric names.
func New(namespace string) *Metrics {
	f := promauto.With(prometheus.DefaultRegisterer)

	return &Metrics{
		CacheHitsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "hits_total",
			Help: "Page cache hits.",
		}),
		CacheMissesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "misses_total",
			Help: "Page cache misses requiring a device read.",
		}),
		CacheEvictionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "evictions_total",
			Help: "Clean pages evicted to satisfy the cache budget.",
		}),
		PagesAllocatedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "page", Name: "allocated_total",
			Help: "Pages allocated, by source.",
		}, []string{"source"}),
		PagesFreedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "page", Name: "freed_total",
			Help: "Pages returned to the free list.",
		}),
		DirtyPagesGauge: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "page", Name: "dirty",
			Help: "Pages currently dirty in the cache.",
		}),
		BlobAllocationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "blob", Name: "allocations_total",
			Help: "Blob allocations, by storage strategy.",
		}, []string{"storage"}),
		BlobReadsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "blob", Name: "reads_total",
			Help: "Blob reads (full or partial).",
		}),
		BlobOverwritesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "blob", Name: "overwrites_total",
			Help: "Blob overwrites (full or partial).",
		}),
		BlobErasuresTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "blob", Name: "erasures_total",
			Help: "Blob erasures.",
		}),
		BtreeSplitsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "btree", Name: "splits_total",
			Help: "Node splits performed during insert.",
		}),
		BtreeMergesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "btree", Name: "merges_total",
			Help: "Node merges performed during erase.",
		}),
		BtreeVacuumizesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "btree", Name: "vacuumizes_total",
			Help: "In-place compactions that avoided a split.",
		}),
		BtreeFindDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "btree", Name: "find_duration_seconds",
			Help:    "Latency of root-to-leaf descents.",
			Buckets: prometheus.DefBuckets,
		}),
		TxnBeginsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "txn", Name: "begins_total",
			Help: "Transactions begun.",
		}),
		TxnCommitsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "txn", Name: "commits_total",
			Help: "Transactions committed.",
		}),
		TxnAbortsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "txn", Name: "aborts_total",
			Help: "Transactions aborted.",
		}),
		TxnConflictsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "txn", Name: "conflicts_total",
			Help: "Write-write conflicts detected on the txn index.",
		}),
		JournalWritesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "journal", Name: "writes_total",
			Help: "Journal entries written, by entry type.",
		}, []string{"type"}),
		JournalRotationsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "journal", Name: "rotations_total",
			Help: "Journal file rotations.",
		}),
		JournalFsyncDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "journal", Name: "fsync_duration_seconds",
			Help:    "Latency of journal fsync calls.",
			Buckets: prometheus.DefBuckets,
		}),
		RecoveryDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "recovery", Name: "duration_seconds",
			Help:    "Wall-clock time spent in crash recovery at open.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Nop returns a Metrics whose collectors are never registered with any
// registry; safe to call unconditionally and use as the zero-config default.
func Nop() *Metrics {
	return New("_nop_" + randomSuffix())
}

var nopCounter uint64

// randomSuffix avoids re-registering the same collector names across
// repeated Nop() calls within one process (e.g. once per test).
func randomSuffix() string {
	return strconv.FormatUint(atomic.AddUint64(&nopCounter, 1), 10)
}
