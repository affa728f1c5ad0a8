package pagemgr

import "container/list"

// cache is an approximate-LRU page cache: eviction walks the LRU list from
// the tail and skips anything pinned or dirty, exactly like the teacher's
// node cache walks its own list looking for a clean victim.
type cache struct {
	byAddr map[uint64]*list.Element
	order  *list.List // list.Element.Value is *Page, front = most recently used
}

func newCache() *cache {
	return &cache{
		byAddr: make(map[uint64]*list.Element),
		order:  list.New(),
	}
}

func (c *cache) get(addr uint64) (*Page, bool) {
	el, ok := c.byAddr[addr]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*Page), true
}

func (c *cache) put(p *Page) {
	if el, ok := c.byAddr[p.Address]; ok {
		el.Value = p
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(p)
	c.byAddr[p.Address] = el
}

func (c *cache) remove(addr uint64) {
	if el, ok := c.byAddr[addr]; ok {
		c.order.Remove(el)
		delete(c.byAddr, addr)
	}
}

func (c *cache) len() int { return c.order.Len() }

// victim returns the least-recently-used page that is neither pinned nor
// dirty, or nil if every cached page is currently ineligible for eviction.
func (c *cache) victim() *Page {
	for el := c.order.Back(); el != nil; el = el.Prev() {
		p := el.Value.(*Page)
		if p.pinned == 0 && !p.dirty {
			return p
		}
	}
	return nil
}

// dirtyPages returns every dirty page currently cached, in no particular
// order, for a full flush.
func (c *cache) dirtyPages() []*Page {
	var out []*Page
	for el := c.order.Front(); el != nil; el = el.Next() {
		p := el.Value.(*Page)
		if p.dirty {
			out = append(out, p)
		}
	}
	return out
}
