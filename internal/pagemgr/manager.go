package pagemgr

import (
	"errors"
	"fmt"
	"sync"

	"github.com/nainya/upsdb/internal/device"
	"github.com/nainya/upsdb/internal/logger"
	"github.com/nainya/upsdb/internal/metrics"
)

// ErrInvalidAddress is returned when a page address is out of range or not
// aligned to the page size.
var ErrInvalidAddress = errors.New("pagemgr: invalid page address")

// Manager owns every page in an environment: it allocates, caches, and
// recycles them, and is the sole writer of the device (spec §4.2, §4.3).
// A single Manager is shared by every open database in the environment,
// matching the single-environment-mutex concurrency model (spec §7): all
// exported methods take the internal mutex themselves.
type Manager struct {
	mu sync.Mutex

	dev      device.Device
	pageSize int
	cache    *cache
	free     *freeList

	budgetBytes int64
	usedBytes   int64

	log *logger.Logger
	met *metrics.Metrics
}

// New creates a page manager over dev. budgetBytes bounds how much payload
// the in-memory cache may hold before it starts evicting clean pages.
func New(dev device.Device, pageSize int, budgetBytes int64, log *logger.Logger, met *metrics.Metrics) *Manager {
	if log == nil {
		log = logger.Nop()
	}
	if met == nil {
		met = metrics.Nop()
	}
	return &Manager{
		dev:         dev,
		pageSize:    pageSize,
		cache:       newCache(),
		free:        newFreeList(pageSize),
		budgetBytes: budgetBytes,
		log:         log.Sub("pagemgr"),
		met:         met,
	}
}

// PageSize returns the fixed page size this manager was opened with.
func (m *Manager) PageSize() int { return m.pageSize }

// Fetch returns the page at addr, reading it from the device if it isn't
// cached. expectedType is checked against what's on disk as a lightweight
// corruption guard; pass TypeUnused to skip the check (used while the
// caller doesn't yet know the type, e.g. env bootstrap).
func (m *Manager) Fetch(addr uint64, expectedType Type) (*Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.fetchLocked(addr, expectedType)
	return p, nil
}

// FetchMultiple fetches several pages in address order, which is friendlier
// to the underlying mmap/pread path than issuing them in caller order.
func (m *Manager) FetchMultiple(addrs []uint64, expectedType Type) ([]*Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Page, len(addrs))
	index := make(map[uint64]int, len(addrs))
	sorted := append([]uint64(nil), addrs...)
	for i, a := range addrs {
		index[a] = i
	}
	sortUint64s(sorted)
	for _, a := range sorted {
		out[index[a]] = m.fetchLocked(a, expectedType)
	}
	return out, nil
}

func (m *Manager) fetchLocked(addr uint64, expectedType Type) *Page {
	if p, ok := m.cache.get(addr); ok {
		m.met.CacheHitsTotal.Inc()
		return p
	}
	m.met.CacheMissesTotal.Inc()

	raw := make([]byte, m.pageSize)
	if err := m.dev.ReadAt(raw, int64(addr)); err != nil {
		m.log.Error().Err(err).Uint64("addr", addr).Msg("page read failed")
		panic(fmt.Sprintf("pagemgr: read page %d: %v", addr, err))
	}
	p := wrapPage(addr, raw)
	if expectedType != TypeUnused && p.Type() != expectedType {
		m.log.Warn().Uint64("addr", addr).Str("want", fmt.Sprint(expectedType)).
			Str("got", fmt.Sprint(p.Type())).Msg("page type mismatch")
	}
	m.cacheInsert(p)
	return p
}

// Alloc returns a fresh zeroed page of the given type, reusing a freed
// page address if one is available (spec §4.2's recycling rule) and
// otherwise growing the device.
func (m *Manager) Alloc(typ Type) (*Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.allocRawLocked(typ)
	return p, nil
}

func (m *Manager) allocRawLocked(typ Type) *Page {
	if addr := m.freeListPop(); addr != 0 {
		raw := make([]byte, m.pageSize)
		p := wrapPage(addr, raw)
		p.SetType(typ)
		m.cacheInsert(p)
		m.met.PagesAllocatedTotal.WithLabelValues("freelist").Inc()
		return p
	}

	addr, err := m.dev.AllocPage(m.pageSize)
	if err != nil {
		panic(fmt.Sprintf("pagemgr: grow device: %v", err))
	}
	p := newPage(uint64(addr), m.pageSize)
	p.SetType(typ)
	m.cacheInsert(p)
	m.met.PagesAllocatedTotal.WithLabelValues("extend").Inc()
	return p
}

// Free releases addr back to the free list. The page stays in cache,
// unpinned, so subsequent callers within the same transaction still see a
// consistent view until commit releases it for reuse.
func (m *Manager) Free(addr uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.freeListPush(addr)
	m.met.PagesFreedTotal.Inc()
}

// CommitFreed lifts the isolation barrier on freed pages after a
// transaction commits, per spec §4.5.
func (m *Manager) CommitFreed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.freeListCommit()
}

// Pin prevents addr from being evicted from the cache; used while a page is
// held open by a live changeset (spec §4.5).
func (m *Manager) Pin(addr uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.cache.get(addr); ok {
		p.pinned++
	}
}

// Unpin releases a pin taken by Pin.
func (m *Manager) Unpin(addr uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.cache.get(addr); ok && p.pinned > 0 {
		p.pinned--
	}
}

func (m *Manager) cacheInsert(p *Page) {
	m.cache.put(p)
	m.evictIfNeeded()
}

func (m *Manager) evictIfNeeded() {
	budget := int64(m.cache.len()) * int64(m.pageSize)
	for budget > m.budgetBytes && m.cache.len() > 0 {
		victim := m.cache.victim()
		if victim == nil {
			return // every cached page is pinned or dirty; nothing to do
		}
		m.cache.remove(victim.Address)
		budget -= int64(m.pageSize)
		m.met.CacheEvictionsTotal.Inc()
	}
}

// RestorePage overwrites the page at addr with raw on the device directly,
// extending the device if addr falls past its current end (the crashed
// write never made it to disk at all). Used only during physical redo
// (spec §4.6.3); any cached copy of addr is dropped since it's now stale.
func (m *Manager) RestorePage(addr uint64, raw []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	size, err := m.dev.Size()
	if err != nil {
		return err
	}
	end := int64(addr) + int64(len(raw))
	if end > size {
		if err := m.dev.Truncate(end); err != nil {
			return err
		}
	}
	if err := m.dev.WriteAt(raw, int64(addr)); err != nil {
		return err
	}
	m.cache.remove(addr)
	return nil
}

// DirtyPages returns every dirty page currently cached. The environment
// uses this to build a changeset snapshot for one logical operation: pages
// are already pinned against eviction by their dirty bit, so a changeset
// needs nothing more than this list plus the freelist's current state.
func (m *Manager) DirtyPages() []*Page {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache.dirtyPages()
}

// FlushAll writes every dirty page to the device and fsyncs it, the same
// two-phase shape as a checkpoint (spec §4.6): write, then make durable.
func (m *Manager) FlushAll() error {
	m.mu.Lock()
	dirty := m.cache.dirtyPages()
	m.mu.Unlock()

	for _, p := range dirty {
		if err := m.dev.WriteAt(p.Raw(), int64(p.Address)); err != nil {
			return fmt.Errorf("pagemgr: flush page %d: %w", p.Address, err)
		}
		p.dirty = false
	}
	m.met.DirtyPagesGauge.Set(0)
	return m.dev.Flush()
}

// FreeListState returns the free list's persisted counters, written into
// the environment header page at checkpoint time.
func (m *Manager) FreeListState() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.free.marshal()
}

// RestoreFreeListState loads free list counters read back from the
// environment header page when an environment is reopened.
func (m *Manager) RestoreFreeListState(buf []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(buf) < freeListStateSize {
		return
	}
	m.free.unmarshal(buf)
}

func sortUint64s(s []uint64) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
