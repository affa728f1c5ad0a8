package env

import "github.com/nainya/upsdb/internal/btree"

// Cursor walks one database's keys in order (spec §4.4.2's range scan),
// taking the environment mutex for every positioning/read call the same
// way every other Database method does.
type Cursor struct {
	db  *Database
	cur *btree.Cursor
}

// NewCursor creates a cursor over db, not yet positioned.
func (db *Database) NewCursor() *Cursor {
	db.env.mu.Lock()
	defer db.env.mu.Unlock()
	return &Cursor{db: db, cur: db.tree.NewCursor()}
}

// First positions the cursor at the smallest key.
func (c *Cursor) First() bool {
	c.db.env.mu.Lock()
	defer c.db.env.mu.Unlock()
	return c.cur.First()
}

// SeekLE positions the cursor at the last key <= target.
func (c *Cursor) SeekLE(target []byte) bool {
	c.db.env.mu.Lock()
	defer c.db.env.mu.Unlock()
	return c.cur.SeekLE(target)
}

// Next advances to the next key, reporting whether one exists.
func (c *Cursor) Next() bool {
	c.db.env.mu.Lock()
	defer c.db.env.mu.Unlock()
	return c.cur.Next()
}

// Valid reports whether the cursor sits on an existing key.
func (c *Cursor) Valid() bool {
	c.db.env.mu.Lock()
	defer c.db.env.mu.Unlock()
	return c.cur.Valid()
}

// Key returns the key at the cursor's current position.
func (c *Cursor) Key() []byte {
	c.db.env.mu.Lock()
	defer c.db.env.mu.Unlock()
	return c.cur.Key()
}

// Record decodes the record at the cursor's current position, resolving
// out-of-page blobs and returning the first entry of a duplicate table.
func (c *Cursor) Record() ([]byte, error) {
	c.db.env.mu.Lock()
	defer c.db.env.mu.Unlock()

	stored := c.cur.Record()
	if btree.IsDuplicateTable(stored) {
		all, err := c.db.dup.All(stored)
		if err != nil || len(all) == 0 {
			return nil, newErr(CodeKeyNotFound, err)
		}
		return all[0], nil
	}
	return c.db.decodeRecord(stored)
}

// RecordAll decodes every duplicate at the cursor's current position; for
// a non-duplicate key it is a one-element slice equivalent to Record.
func (c *Cursor) RecordAll() ([][]byte, error) {
	c.db.env.mu.Lock()
	defer c.db.env.mu.Unlock()

	stored := c.cur.Record()
	if btree.IsDuplicateTable(stored) {
		all, err := c.db.dup.All(stored)
		if err != nil {
			return nil, newErr(CodeIOError, err)
		}
		return all, nil
	}
	rec, err := c.db.decodeRecord(stored)
	if err != nil {
		return nil, newErr(CodeIOError, err)
	}
	return [][]byte{rec}, nil
}
