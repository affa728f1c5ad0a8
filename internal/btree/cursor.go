package btree

// Cursor walks a tree's keys in order, a stack of (node, slot) frames from
// root to leaf. Advancing pops exhausted leaves and backtracks through
// ancestors looking for one with an unvisited child, descending to its
// leftmost leaf — the same path/pos bookkeeping the teacher's iterator uses.
type Cursor struct {
	tree *Tree
	path []Node
	pos  []uint16
}

// NewCursor creates a cursor, not yet positioned; call SeekLE or First
// before reading.
func (t *Tree) NewCursor() *Cursor {
	return &Cursor{tree: t, path: make([]Node, 0, 8), pos: make([]uint16, 0, 8)}
}

// SeekLE positions the cursor at the last key <= target, reporting whether
// the tree is non-empty. Whether the resulting slot actually holds a key
// <= target (as opposed to the tree's first key, if target is smaller than
// everything) is left to the caller, same as spec §4.4.2's lower-bound find.
func (c *Cursor) SeekLE(target []byte) bool {
	c.path = c.path[:0]
	c.pos = c.pos[:0]

	if c.tree.Root == 0 {
		return false
	}

	n := c.tree.getNode(c.tree.Root)
	for {
		c.path = append(c.path, n)
		idx := lookupLE(n, target, c.tree.cmp)
		c.pos = append(c.pos, idx)

		if n.Kind() == TypeLeaf {
			return true
		}
		n = c.tree.getNode(n.getPtr(idx))
	}
}

// First positions the cursor at the smallest key in the tree.
func (c *Cursor) First() bool {
	c.path = c.path[:0]
	c.pos = c.pos[:0]
	if c.tree.Root == 0 {
		return false
	}
	n := c.tree.getNode(c.tree.Root)
	for {
		c.path = append(c.path, n)
		c.pos = append(c.pos, 0)
		if n.Kind() == TypeLeaf {
			return n.NumKeys() > 0
		}
		n = c.tree.getNode(n.getPtr(0))
	}
}

// Valid reports whether the cursor is positioned at an existing key.
func (c *Cursor) Valid() bool {
	if len(c.path) == 0 {
		return false
	}
	leaf := c.path[len(c.path)-1]
	return c.pos[len(c.pos)-1] < leaf.NumKeys()
}

// Key returns the key at the cursor's current position.
func (c *Cursor) Key() []byte {
	if !c.Valid() {
		return nil
	}
	leaf := c.path[len(c.path)-1]
	return leaf.Key(c.pos[len(c.pos)-1])
}

// Record returns the stored record bytes at the cursor's current position.
func (c *Cursor) Record() []byte {
	if !c.Valid() {
		return nil
	}
	leaf := c.path[len(c.path)-1]
	return leaf.Record(c.pos[len(c.pos)-1])
}

// Next advances to the next key in order, reporting whether one exists.
func (c *Cursor) Next() bool {
	if len(c.path) == 0 {
		return false
	}

	leafIdx := len(c.pos) - 1
	c.pos[leafIdx]++
	if c.pos[leafIdx] < c.path[leafIdx].NumKeys() {
		return true
	}

	c.path = c.path[:leafIdx]
	c.pos = c.pos[:leafIdx]

	for len(c.pos) > 0 {
		parentIdx := len(c.pos) - 1
		c.pos[parentIdx]++
		if c.pos[parentIdx] < c.path[parentIdx].NumKeys() {
			return c.descendToLeftmost()
		}
		c.path = c.path[:parentIdx]
		c.pos = c.pos[:parentIdx]
	}
	return false
}

func (c *Cursor) descendToLeftmost() bool {
	for {
		parentIdx := len(c.path) - 1
		parent := c.path[parentIdx]
		idx := c.pos[parentIdx]

		child := c.tree.getNode(parent.getPtr(idx))
		c.path = append(c.path, child)
		c.pos = append(c.pos, 0)
		if child.Kind() == TypeLeaf {
			return true
		}
	}
}

// Scan calls fn for every key >= start in order until fn returns false or
// the tree is exhausted (spec §4.4.2's range scan).
func (t *Tree) Scan(start []byte, fn func(key, record []byte) bool) {
	c := t.NewCursor()
	if start == nil {
		if !c.First() {
			return
		}
	} else {
		if !c.SeekLE(start) {
			return
		}
		if !c.Valid() || t.cmp(c.Key(), start) < 0 {
			if !c.Next() {
				return
			}
		}
	}

	for c.Valid() {
		if !fn(c.Key(), c.Record()) {
			return
		}
		if !c.Next() {
			return
		}
	}
}
