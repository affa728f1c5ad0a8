// Package upsdb is the public API of the storage engine: an embedded,
// transactional, ordered key/value store backed by a copy-on-write B+tree,
// an out-of-page blob manager, and a rotating write-ahead journal. Every
// type here is a thin wrapper over internal/env, which does the actual
// work under a single per-environment mutex (see internal/env's doc
// comment for the concurrency model).
package upsdb

import (
	"github.com/nainya/upsdb/internal/btree"
	"github.com/nainya/upsdb/internal/env"
	"github.com/nainya/upsdb/internal/txn"
)

// Re-exported so callers never need to import internal/env directly.
type (
	Option                = env.Option
	CreateDatabaseOptions = env.CreateDatabaseOptions
	KeyType               = env.KeyType
	InsertPosition        = btree.InsertPosition
	Code                  = env.Code
	CodedError            = env.CodedError
)

const (
	KeyTypeBinary = env.KeyTypeBinary
	KeyTypeUint32 = env.KeyTypeUint32
	KeyTypeUint64 = env.KeyTypeUint64
)

const (
	PositionLast   = btree.PositionLast
	PositionFirst  = btree.PositionFirst
	PositionBefore = btree.PositionBefore
	PositionAfter  = btree.PositionAfter
)

// Stable numeric error codes (spec §6's error taxonomy), re-exported so
// callers can compare against CodedError.Code without importing internal/env.
const (
	CodeInvalidParameter     = env.CodeInvalidParameter
	CodeInvalidFileHeader    = env.CodeInvalidFileHeader
	CodeInvalidFileVersion   = env.CodeInvalidFileVersion
	CodeOutOfMemory          = env.CodeOutOfMemory
	CodeIOError              = env.CodeIOError
	CodeKeyNotFound          = env.CodeKeyNotFound
	CodeDuplicateKey         = env.CodeDuplicateKey
	CodeIntegrityViolated    = env.CodeIntegrityViolated
	CodeLimitsReached        = env.CodeLimitsReached
	CodeNeedRecovery         = env.CodeNeedRecovery
	CodeNetworkError         = env.CodeNetworkError
	CodeTxnConflict          = env.CodeTxnConflict
	CodeCursorStillOpen      = env.CodeCursorStillOpen
	CodeDatabaseAlreadyExists = env.CodeDatabaseAlreadyExists
	CodeDatabaseNotFound     = env.CodeDatabaseNotFound
	CodePluginNotFound       = env.CodePluginNotFound
	CodeParserError          = env.CodeParserError
	CodeNotImplemented       = env.CodeNotImplemented
)

var (
	WithPageSize         = env.WithPageSize
	WithMaxDatabases     = env.WithMaxDatabases
	WithCacheSize        = env.WithCacheSize
	WithDurableSync      = env.WithDurableSync
	WithJournalThreshold = env.WithJournalThreshold
	WithCompression      = env.WithCompression
	WithLogger           = env.WithLogger

	// EncodeUint32/EncodeUint64 render a fixed-width key in the byte order
	// the engine's numeric comparators expect.
	EncodeUint32 = btree.EncodeUint32
	EncodeUint64 = btree.EncodeUint64
	DecodeUint32 = btree.DecodeUint32
	DecodeUint64 = btree.DecodeUint64
)

// Environment is one open storage file (or, with an empty path, an
// in-memory instance). Create a new one with Create, reopen an existing
// one with Open.
type Environment struct {
	inner *env.Environment
}

// Create makes a brand-new environment at path, or an in-memory one if
// path is "".
func Create(path string, opts ...Option) (*Environment, error) {
	e, err := env.Create(path, opts...)
	if err != nil {
		return nil, err
	}
	return &Environment{inner: e}, nil
}

// Open reopens an existing environment file, replaying its journal before
// returning.
func Open(path string, opts ...Option) (*Environment, error) {
	e, err := env.Open(path, opts...)
	if err != nil {
		return nil, err
	}
	return &Environment{inner: e}, nil
}

// CreateDatabase allocates a new named database within the environment.
func (e *Environment) CreateDatabase(o CreateDatabaseOptions) (*Database, error) {
	db, err := e.inner.CreateDatabase(o)
	if err != nil {
		return nil, err
	}
	return &Database{inner: db}, nil
}

// OpenDatabase returns an already-created database by name.
func (e *Environment) OpenDatabase(name uint16) (*Database, error) {
	db, err := e.inner.OpenDatabase(name)
	if err != nil {
		return nil, err
	}
	return &Database{inner: db}, nil
}

// Checkpoint snapshots all dirty pages and the free list into the journal
// and flushes them to disk, bounding how much a future crash recovery has
// to replay.
func (e *Environment) Checkpoint() error {
	return e.inner.Checkpoint()
}

// Close checkpoints the environment and releases every resource it holds.
func (e *Environment) Close() error {
	return e.inner.Close()
}

// Database is one B-tree-backed key/value store inside an environment.
type Database struct {
	inner *env.Database
}

// Transaction is one open unit of work against a database.
type Transaction struct {
	inner *txn.Transaction
}

// Begin starts an explicit transaction. name is optional; an empty string
// gets a generated name.
func (db *Database) Begin(name string) *Transaction {
	return &Transaction{inner: db.inner.Begin(name)}
}

// Commit flushes t's operations into the database and marks it committed.
func (db *Database) Commit(t *Transaction) error {
	return db.inner.Commit(unwrap(t))
}

// Abort discards t's operations without touching the database.
func (db *Database) Abort(t *Transaction) error {
	return db.inner.Abort(unwrap(t))
}

// Insert writes key/record under t. A nil t creates and commits its own
// implicit transaction. If key is nil and the database was created with
// RecordNumber set, an auto-incrementing key is assigned.
func (db *Database) Insert(t *Transaction, key, record []byte) error {
	_, err := db.InsertAt(t, key, record, PositionLast)
	return err
}

// InsertAt is Insert with explicit control over duplicate placement; it
// returns the key actually written.
func (db *Database) InsertAt(t *Transaction, key, record []byte, pos InsertPosition) ([]byte, error) {
	return db.inner.InsertAt(unwrap(t), key, record, pos)
}

// Erase removes key (and every duplicate behind it) under t.
func (db *Database) Erase(t *Transaction, key []byte) error {
	return db.inner.Erase(unwrap(t), key)
}

// EraseDuplicate removes a single duplicate record under key.
func (db *Database) EraseDuplicate(t *Transaction, key []byte, dupIndex int) error {
	return db.inner.EraseDuplicate(unwrap(t), key, dupIndex)
}

// Find returns the record stored under key, or the first duplicate if the
// database has duplicates enabled.
func (db *Database) Find(t *Transaction, key []byte) ([]byte, error) {
	return db.inner.Find(unwrap(t), key)
}

// FindAll returns every duplicate record stored under key, in order.
func (db *Database) FindAll(key []byte) ([][]byte, error) {
	return db.inner.FindAll(key)
}

// OverwritePartial replaces bytes [offset, offset+len(data)) of the
// out-of-page record stored under key, leaving the rest unchanged.
func (db *Database) OverwritePartial(key []byte, offset uint32, data []byte) error {
	return db.inner.OverwritePartial(key, offset, data)
}

// NewCursor creates a cursor over the database's keys in order.
func (db *Database) NewCursor() *Cursor {
	return &Cursor{inner: db.inner.NewCursor()}
}

// Cursor walks a database's keys in order.
type Cursor struct {
	inner *env.Cursor
}

// First positions the cursor at the smallest key.
func (c *Cursor) First() bool { return c.inner.First() }

// SeekLE positions the cursor at the last key <= target.
func (c *Cursor) SeekLE(target []byte) bool { return c.inner.SeekLE(target) }

// Next advances to the next key, reporting whether one exists.
func (c *Cursor) Next() bool { return c.inner.Next() }

// Valid reports whether the cursor sits on an existing key.
func (c *Cursor) Valid() bool { return c.inner.Valid() }

// Key returns the key at the cursor's current position.
func (c *Cursor) Key() []byte { return c.inner.Key() }

// Record returns the record (or first duplicate) at the cursor's current
// position.
func (c *Cursor) Record() ([]byte, error) { return c.inner.Record() }

// RecordAll returns every duplicate at the cursor's current position.
func (c *Cursor) RecordAll() ([][]byte, error) { return c.inner.RecordAll() }

func unwrap(t *Transaction) *txn.Transaction {
	if t == nil {
		return nil
	}
	return t.inner
}
