// Package env ties every internal subsystem together into one environment:
// the device, page manager, blob manager, B-tree-backed databases,
// transaction indices, LSN manager, and journal, all guarded by a single
// mutex per spec §5's single-environment-mutex concurrency model.
package env

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/nainya/upsdb/internal/blob"
	"github.com/nainya/upsdb/internal/btree"
	"github.com/nainya/upsdb/internal/compare"
	"github.com/nainya/upsdb/internal/device"
	"github.com/nainya/upsdb/internal/journal"
	"github.com/nainya/upsdb/internal/logger"
	"github.com/nainya/upsdb/internal/lsn"
	"github.com/nainya/upsdb/internal/metrics"
	"github.com/nainya/upsdb/internal/pagemgr"
	"github.com/nainya/upsdb/internal/txn"
)

// KeyType selects a database's built-in comparator when no custom one is
// registered (spec §4.4.3).
type KeyType uint16

const (
	KeyTypeBinary KeyType = iota
	KeyTypeUint32
	KeyTypeUint64
)

// Database is one B-tree-backed key/value store inside an environment.
type Database struct {
	env     *Environment
	name    uint16
	slot    int
	tree    *btree.Tree
	idx     *txn.Index
	dup     *btree.DuplicateTable
	recnum  *btree.RecordNumberState
	keyType KeyType
}

// Environment owns every subsystem for one open storage file (or, in
// memory mode, one in-memory instance): spec §3's "Ownership and
// lifecycles" assigns the device, page manager, blob manager, journal, LSN
// manager, transaction manager, and database map exclusively to it.
type Environment struct {
	mu sync.Mutex

	opts Options
	dir  string
	base string

	dev    device.Device
	pages  *pagemgr.Manager
	blobs  *blob.Manager
	jrnl   *journal.Writer
	lsnMgr *lsn.Manager
	log    *logger.Logger
	met    *metrics.Metrics

	header    Header
	databases map[uint16]*Database

	fatal *CodedError
}

// Create makes a brand-new environment file at path (or an in-memory one
// if path is "").
func Create(path string, opts ...Option) (*Environment, error) {
	o := applyOptions(opts)
	e, err := newEnvironmentShell(path, o)
	if err != nil {
		return nil, err
	}

	e.pages = pagemgr.New(e.dev, int(o.PageSize), o.CacheBudgetBytes, e.log.Sub("pagemgr"), e.met)
	blobs, err := blob.New(e.pages, o.EnableCompression, e.log.Sub("blob"), e.met)
	if err != nil {
		return nil, newErr(CodeIOError, err)
	}
	e.blobs = blobs
	e.lsnMgr = lsn.New(1)
	e.databases = make(map[uint16]*Database)

	headerPage, err := e.pages.Alloc(pagemgr.TypeHeader)
	if err != nil || headerPage.Address != 0 {
		return nil, newErr(CodeIOError, fmt.Errorf("env: header page must be address 0, got %d (err=%v)", headerPage.Address, err))
	}
	e.header = NewHeader(o.PageSize, o.MaxDatabases)
	EncodeHeader(headerPage, e.header)
	for i := 0; i < int(o.MaxDatabases); i++ {
		EncodeDescriptor(headerPage, i, Descriptor{})
	}

	if e.dir != "" {
		w, err := journal.Open(e.dir, e.base, o.JournalThreshold, e.log.Sub("journal"), e.met)
		if err != nil {
			return nil, newErr(CodeIOError, err)
		}
		e.jrnl = w
	}

	if err := e.pages.FlushAll(); err != nil {
		return nil, newErr(CodeIOError, err)
	}
	return e, nil
}

// Open reopens an existing environment file, replaying its journal (spec
// §4.6.3) before returning. The page size is always taken from the
// on-disk header, even if the caller's Options requests a different one
// (spec §8 boundary behavior).
func Open(path string, opts ...Option) (*Environment, error) {
	o := applyOptions(opts)
	e, err := newEnvironmentShell(path, o)
	if err != nil {
		return nil, err
	}

	pageSize, err := peekPageSize(e.dev)
	if err != nil {
		return nil, newErr(CodeInvalidFileHeader, err)
	}
	e.pages = pagemgr.New(e.dev, pageSize, o.CacheBudgetBytes, e.log.Sub("pagemgr"), e.met)

	headerPage, err := e.pages.Fetch(0, pagemgr.TypeHeader)
	if err != nil {
		return nil, newErr(CodeInvalidFileHeader, err)
	}
	h, err := DecodeHeader(headerPage.Payload())
	if err != nil {
		return nil, newErr(CodeInvalidFileHeader, err)
	}
	e.header = h

	blobs, err := blob.New(e.pages, o.EnableCompression, e.log.Sub("blob"), e.met)
	if err != nil {
		return nil, newErr(CodeIOError, err)
	}
	e.blobs = blobs
	e.databases = make(map[uint16]*Database)

	for i := 0; i < int(h.MaxDatabases); i++ {
		d := DecodeDescriptor(headerPage.Payload(), i)
		if d.DBName == 0 {
			continue
		}
		e.databases[d.DBName] = e.openDatabaseFromDescriptor(i, d)
	}

	if h.FreeListBlobID != 0 {
		var rec blob.Record
		if err := e.blobs.Read(blob.ID(h.FreeListBlobID), &rec); err == nil {
			e.pages.RestoreFreeListState(rec.Data)
		}
	}

	if e.dir != "" {
		res, err := journal.Recover(e.dir, e.base, e, e.log.Sub("recovery"), e.met)
		if err != nil {
			return nil, newErr(CodeNeedRecovery, err)
		}
		e.lsnMgr = lsn.New(res.HighestLSN + 1)

		w, err := journal.Open(e.dir, e.base, o.JournalThreshold, e.log.Sub("journal"), e.met)
		if err != nil {
			return nil, newErr(CodeIOError, err)
		}
		e.jrnl = w
	} else {
		e.lsnMgr = lsn.New(1)
	}

	e.persistDescriptors(headerPage)
	if err := e.pages.FlushAll(); err != nil {
		return nil, newErr(CodeIOError, err)
	}
	if e.jrnl != nil {
		// Everything the journal held has now been replayed and flushed to
		// the device; clear it so a later reopen doesn't replay it again
		// (spec §4.6.3 step 3).
		if err := e.jrnl.ClearAll(); err != nil {
			return nil, newErr(CodeIOError, err)
		}
	}
	return e, nil
}

func newEnvironmentShell(path string, o Options) (*Environment, error) {
	log := o.Logger
	if log == nil {
		log = logger.Nop()
	}
	e := &Environment{
		opts: o,
		log:  log.Sub("env"),
		met:  metrics.Nop(),
	}
	if path == "" {
		e.dev = device.NewMemDevice()
		return e, nil
	}
	dev, err := device.OpenFile(path, o.DurableSync)
	if err != nil {
		return nil, newErr(CodeIOError, err)
	}
	e.dev = dev
	e.dir = filepath.Dir(path)
	e.base = filepath.Base(path)
	return e, nil
}

// peekPageSize reads just enough of the device to learn the page size the
// file was created with, without yet knowing the page size needed to run
// a full pagemgr.Fetch.
func peekPageSize(dev device.Device) (int, error) {
	buf := make([]byte, pagemgr.HeaderSize+headerFixedSize)
	if err := dev.ReadAt(buf, 0); err != nil {
		return 0, err
	}
	h, err := DecodeHeader(buf[pagemgr.HeaderSize:])
	if err != nil {
		return 0, err
	}
	return int(h.PageSize), nil
}

func (e *Environment) openDatabaseFromDescriptor(slot int, d Descriptor) *Database {
	cmp := e.comparatorFor(d)
	db := &Database{
		env:     e,
		name:    d.DBName,
		slot:    slot,
		tree:    btree.New(e.pages, cmp, d.RootAddress),
		idx:     txn.NewIndex(),
		keyType: KeyType(d.KeyType),
	}
	if d.Flags&flagDuplicates != 0 {
		db.dup = btree.NewDuplicateTable(e.blobs)
	}
	if d.Flags&flagRecordNumber != 0 {
		db.recnum = &btree.RecordNumberState{}
	}
	return db
}

func (e *Environment) comparatorFor(d Descriptor) btree.CompareFunc {
	if d.CompareHash != 0 {
		if fn, err := compare.Lookup(d.CompareHash, true); err == nil && fn != nil {
			return btree.CompareFunc(fn)
		}
	}
	switch KeyType(d.KeyType) {
	case KeyTypeUint32:
		return btree.Uint32Compare
	case KeyTypeUint64:
		return btree.Uint64Compare
	default:
		return btree.BinaryCompare
	}
}

const flagRecordNumber uint32 = 1 << 0
const flagDuplicates uint32 = 1 << 1

// CreateDatabaseOptions configures CreateDatabase.
type CreateDatabaseOptions struct {
	Name          uint16
	KeyType       KeyType
	Duplicates    bool
	RecordNumber  bool
	ComparatorHash uint32
}

// CreateDatabase allocates a new database descriptor slot and an empty
// B-tree for it.
func (e *Environment) CreateDatabase(o CreateDatabaseOptions) (*Database, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkFatal(); err != nil {
		return nil, err
	}
	if o.Name == 0 {
		return nil, newErr(CodeInvalidParameter, fmt.Errorf("database name 0 is reserved"))
	}
	if _, exists := e.databases[o.Name]; exists {
		return nil, newErr(CodeDatabaseAlreadyExists, fmt.Errorf("database %d already exists", o.Name))
	}

	headerPage, err := e.pages.Fetch(0, pagemgr.TypeHeader)
	if err != nil {
		return nil, newErr(CodeIOError, err)
	}
	slot := -1
	for i := 0; i < int(e.header.MaxDatabases); i++ {
		if DecodeDescriptor(headerPage.Payload(), i).DBName == 0 {
			slot = i
			break
		}
	}
	if slot == -1 {
		return nil, newErr(CodeLimitsReached, fmt.Errorf("database directory is full"))
	}

	flags := uint32(0)
	if o.RecordNumber {
		flags |= flagRecordNumber
	}
	if o.Duplicates {
		flags |= flagDuplicates
	}
	d := Descriptor{DBName: o.Name, KeyType: uint16(o.KeyType), Flags: flags, CompareHash: o.ComparatorHash}
	EncodeDescriptor(headerPage, slot, d)

	db := e.openDatabaseFromDescriptor(slot, d)
	e.databases[o.Name] = db
	return db, nil
}

// OpenDatabase returns an already-open database by name.
func (e *Environment) OpenDatabase(name uint16) (*Database, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkFatal(); err != nil {
		return nil, err
	}
	db, ok := e.databases[name]
	if !ok {
		return nil, newErr(CodeDatabaseNotFound, fmt.Errorf("database %d not found", name))
	}
	return db, nil
}

func (e *Environment) checkFatal() error {
	if e.fatal != nil {
		return e.fatal
	}
	return nil
}

// persistDescriptors writes every database's current root address back
// into the header page's descriptor table, used after recovery replays
// insert/erase entries that changed a tree's root.
func (e *Environment) persistDescriptors(headerPage *pagemgr.Page) {
	for _, db := range e.databases {
		d := DecodeDescriptor(headerPage.Payload(), db.slot)
		d.RootAddress = db.tree.Root
		EncodeDescriptor(headerPage, db.slot, d)
	}
}

// Checkpoint snapshots every currently dirty page into a TypeChangeset
// journal entry, persists the free list as a blob, flushes all dirty pages
// to the device, and fsyncs the journal (spec §4.2, §4.6.2).
func (e *Environment) Checkpoint() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.checkpointLocked()
}

func (e *Environment) checkpointLocked() error {
	if err := e.checkFatal(); err != nil {
		return err
	}

	freeListID, err := e.persistFreeListLocked()
	if err != nil {
		return newErr(CodeIOError, err)
	}
	e.header.FreeListBlobID = freeListID

	headerPage, err := e.pages.Fetch(0, pagemgr.TypeHeader)
	if err != nil {
		return newErr(CodeIOError, err)
	}
	EncodeHeader(headerPage, e.header)
	e.persistDescriptors(headerPage)

	if e.jrnl != nil {
		dirty := e.pages.DirtyPages()
		cps := make([]journal.ChangesetPage, len(dirty))
		for i, p := range dirty {
			cps[i] = journal.ChangesetPage{Address: p.Address, Raw: append([]byte(nil), p.Raw()...)}
		}
		entry := &journal.Entry{LSN: e.lsnMgr.Next(), Type: journal.TypeChangeset, Followup: journal.EncodeChangeset(freeListID, cps)}
		if err := e.jrnl.Write(entry); err != nil {
			return newErr(CodeIOError, err)
		}
		if e.opts.DurableSync {
			if err := e.jrnl.Fsync(); err != nil {
				return newErr(CodeIOError, err)
			}
		}
	}

	if err := e.pages.FlushAll(); err != nil {
		return newErr(CodeIOError, err)
	}
	return nil
}

func (e *Environment) persistFreeListLocked() (uint64, error) {
	state := e.pages.FreeListState()
	rec := blob.Record{Data: state}
	if e.header.FreeListBlobID == 0 {
		id, err := e.blobs.Allocate(rec)
		return uint64(id), err
	}
	id, err := e.blobs.Overwrite(blob.ID(e.header.FreeListBlobID), rec)
	return uint64(id), err
}

// Close checkpoints and releases every resource the environment holds.
func (e *Environment) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkpointLocked(); err != nil {
		return err
	}
	if e.jrnl != nil {
		if err := e.jrnl.Close(); err != nil {
			return newErr(CodeIOError, err)
		}
	}
	return wrapErr(CodeIOError, e.dev.Close())
}

// --- transactions -----------------------------------------------------

// Begin starts an explicit transaction against db. name is optional; when
// empty a uuid is generated (spec §3 "optional name", DOMAIN STACK
// wiring for github.com/google/uuid).
func (db *Database) Begin(name string) *txn.Transaction {
	db.env.mu.Lock()
	defer db.env.mu.Unlock()
	return db.beginLocked(name, false)
}

func (db *Database) beginLocked(name string, implicit bool) *txn.Transaction {
	if name == "" && !implicit {
		name = uuid.NewString()
	}
	t := txn.Begin(name, implicit)
	db.env.met.TxnBeginsTotal.Inc()
	if !implicit && db.env.jrnl != nil {
		entry := &journal.Entry{LSN: db.env.lsnMgr.Next(), TxnID: t.ID, DBName: uint32(db.name), Type: journal.TypeTxnBegin, Followup: []byte(name)}
		_ = db.env.jrnl.Write(entry)
	}
	return t
}

// Commit flushes t's operations into the B-tree and marks it committed
// (spec §4.5.4).
func (db *Database) Commit(t *txn.Transaction) error {
	db.env.mu.Lock()
	defer db.env.mu.Unlock()
	return db.commitLocked(t)
}

func (db *Database) commitLocked(t *txn.Transaction) error {
	if err := db.idx.Commit(t, db); err != nil {
		return newErr(CodeIOError, err)
	}

	db.env.met.TxnCommitsTotal.Inc()
	if !t.Implicit && db.env.jrnl != nil {
		entry := &journal.Entry{LSN: db.env.lsnMgr.Next(), TxnID: t.ID, DBName: uint32(db.name), Type: journal.TypeTxnCommit}
		if err := db.env.jrnl.Write(entry); err != nil {
			return newErr(CodeIOError, err)
		}
	}
	return nil
}

// Abort discards t's operations (spec §4.5.5).
func (db *Database) Abort(t *txn.Transaction) error {
	db.env.mu.Lock()
	defer db.env.mu.Unlock()

	db.idx.Abort(t)
	db.env.met.TxnAbortsTotal.Inc()
	if !t.Implicit && db.env.jrnl != nil {
		entry := &journal.Entry{LSN: db.env.lsnMgr.Next(), TxnID: t.ID, DBName: uint32(db.name), Type: journal.TypeTxnAbort}
		return wrapErr(CodeIOError, db.env.jrnl.Write(entry))
	}
	return nil
}

// --- reads/writes -------------------------------------------------------

// Insert writes key/record under t. A nil t creates and commits its own
// implicit transaction (spec §4.5.6). If key is nil and the database was
// created with RecordNumber set, a fresh auto-increment key is assigned and
// returned. Duplicate-enabled databases append record as a new duplicate of
// an existing key at the given InsertPosition (ignored otherwise).
func (db *Database) Insert(t *txn.Transaction, key, record []byte) error {
	_, err := db.InsertAt(t, key, record, btree.PositionLast)
	return err
}

// InsertAt is Insert with explicit control over duplicate placement. It
// returns the key actually written, which differs from the key argument
// only for RecordNumber databases where key is nil.
func (db *Database) InsertAt(t *txn.Transaction, key, record []byte, pos btree.InsertPosition) ([]byte, error) {
	db.env.mu.Lock()
	defer db.env.mu.Unlock()

	if len(key) == 0 && db.recnum != nil {
		key = keyForRecordNumber(db.keyType, db.recnum.Next())
	}
	err := db.writeLocked(t, key, txn.KindInsert, record, int(pos), 0)
	return key, err
}

func keyForRecordNumber(kt KeyType, n uint64) []byte {
	if kt == KeyTypeUint32 {
		return btree.EncodeUint32(uint32(n))
	}
	return btree.EncodeUint64(n)
}

// Erase removes key under t. dupIndex selects which duplicate to remove in
// a duplicate-enabled database (-1 erases every duplicate and the key
// itself); it is ignored for non-duplicate databases.
func (db *Database) Erase(t *txn.Transaction, key []byte) error {
	return db.EraseDuplicate(t, key, -1)
}

// EraseDuplicate is Erase with explicit control over which duplicate record
// is removed.
func (db *Database) EraseDuplicate(t *txn.Transaction, key []byte, dupIndex int) error {
	db.env.mu.Lock()
	defer db.env.mu.Unlock()
	return db.writeLocked(t, key, txn.KindErase, nil, 0, dupIndex)
}

func (db *Database) writeLocked(t *txn.Transaction, key []byte, kind txn.Kind, record []byte, position, dupIndex int) error {
	if err := db.env.checkFatal(); err != nil {
		return err
	}
	implicit := t == nil
	if implicit {
		t = db.beginLocked("", true)
	}

	lsnVal := db.env.lsnMgr.Next()
	if err := db.idx.Put(key, t, kind, lsnVal, record, position, dupIndex); err != nil {
		db.env.met.TxnConflictsTotal.Inc()
		return newErr(CodeTxnConflict, err)
	}

	if db.env.jrnl != nil {
		entryType := journal.TypeInsert
		followup := journal.EncodeKeyRecord(key, record)
		if kind == txn.KindErase {
			entryType = journal.TypeErase
			followup = key
		}
		// An implicit transaction never writes a TypeTxnBegin/TypeTxnCommit
		// pair (beginLocked/commitLocked skip the journal when t.Implicit),
		// so recovery's committed-transaction-id set never contains its
		// real ID. Journal it under TxnID 0 instead — recovery treats 0 as
		// non-transactional and always replays it — so it survives a crash
		// as its own atomic unit (spec §4.5.6) without needing a commit
		// marker of its own.
		txnID := t.ID
		if t.Implicit {
			txnID = 0
		}
		entry := &journal.Entry{LSN: lsnVal, TxnID: txnID, DBName: uint32(db.name), Type: entryType, Followup: followup}
		if err := db.env.jrnl.Write(entry); err != nil {
			return newErr(CodeIOError, err)
		}
	}

	if implicit {
		return db.commitLocked(t)
	}
	return nil
}

// Find resolves a read for key under t (nil t means "no open transaction"),
// consulting the transaction index before falling through to the B-tree
// (spec §4.5.2).
func (db *Database) Find(t *txn.Transaction, key []byte) ([]byte, error) {
	db.env.mu.Lock()
	defer db.env.mu.Unlock()
	if err := db.env.checkFatal(); err != nil {
		return nil, err
	}

	op, found, err := db.idx.Find(key, t)
	if err != nil {
		db.env.met.TxnConflictsTotal.Inc()
		return nil, newErr(CodeTxnConflict, err)
	}
	if found {
		if op.Kind == txn.KindErase {
			return nil, newErr(CodeKeyNotFound, fmt.Errorf("key erased in a pending transaction"))
		}
		return op.Record, nil
	}

	stored, ok := db.tree.Get(key)
	if !ok {
		return nil, newErr(CodeKeyNotFound, fmt.Errorf("key not found"))
	}
	if btree.IsDuplicateTable(stored) {
		all, err := db.dup.All(stored)
		if err != nil || len(all) == 0 {
			return nil, newErr(CodeKeyNotFound, fmt.Errorf("key not found"))
		}
		return all[0], nil
	}
	rec, err := db.decodeRecord(stored)
	if err != nil {
		return nil, newErr(CodeIOError, err)
	}
	return rec, nil
}

// FindAll returns every duplicate record stored under key, in order. For a
// non-duplicate database or a key with a single record, it returns a
// one-element slice equivalent to Find.
func (db *Database) FindAll(key []byte) ([][]byte, error) {
	db.env.mu.Lock()
	defer db.env.mu.Unlock()
	if err := db.env.checkFatal(); err != nil {
		return nil, err
	}

	stored, ok := db.tree.Get(key)
	if !ok {
		return nil, newErr(CodeKeyNotFound, fmt.Errorf("key not found"))
	}
	if btree.IsDuplicateTable(stored) {
		all, err := db.dup.All(stored)
		if err != nil {
			return nil, newErr(CodeIOError, err)
		}
		return all, nil
	}
	rec, err := db.decodeRecord(stored)
	if err != nil {
		return nil, newErr(CodeIOError, err)
	}
	return [][]byte{rec}, nil
}

// inlineThreshold returns the largest record this database will store
// directly in a B-tree leaf slot; anything bigger goes to the blob manager
// as an out-of-page record (spec §4.3), leaving the leaf holding only a
// fixed-size reference.
func (db *Database) inlineThreshold() int {
	return db.tree.Capacity() / 4
}

func (db *Database) encodeRecord(record []byte) ([]byte, error) {
	if len(record) <= db.inlineThreshold() {
		return btree.EncodeSingle(record), nil
	}
	id, err := db.env.blobs.Allocate(blob.Record{Data: record})
	if err != nil {
		return nil, err
	}
	return btree.EncodeBlobRef(id), nil
}

// decodeRecord resolves a plain or out-of-page stored slot back into its
// record bytes.
func (db *Database) decodeRecord(stored []byte) ([]byte, error) {
	if btree.IsBlobRef(stored) {
		var rec blob.Record
		if err := db.env.blobs.Read(btree.DecodeBlobRef(stored), &rec); err != nil {
			return nil, err
		}
		return rec.Data, nil
	}
	return btree.PlainRecord(stored), nil
}

// ApplyInsert and ApplyErase implement txn.Flusher: a committed
// transaction's operations are flushed directly into the B-tree. When the
// database has duplicates enabled, a second (or later) insert under an
// existing key grows a duplicate table instead of overwriting it (spec
// §4.4.2). Records too large for a leaf slot are stored out-of-page via the
// blob manager regardless of the duplicates setting.
func (db *Database) ApplyInsert(key, record []byte, position int) error {
	if db.dup == nil {
		if old, ok := db.tree.Get(key); ok && btree.IsBlobRef(old) {
			_ = db.env.blobs.Erase(btree.DecodeBlobRef(old))
		}
		stored, err := db.encodeRecord(record)
		if err != nil {
			return err
		}
		db.tree.Insert(key, stored)
		return nil
	}

	existingStored, ok := db.tree.Get(key)
	if !ok {
		stored, err := db.encodeRecord(record)
		if err != nil {
			return err
		}
		db.tree.Insert(key, stored)
		return nil
	}

	pos := btree.InsertPosition(position)
	if btree.IsDuplicateTable(existingStored) {
		updated, err := db.dup.Insert(existingStored, record, pos, 0)
		if err != nil {
			return err
		}
		db.tree.Insert(key, updated)
		return nil
	}

	existing, err := db.decodeRecord(existingStored)
	if err != nil {
		return err
	}
	updated, err := db.dup.Create(existing, record, pos)
	if err != nil {
		return err
	}
	db.tree.Insert(key, updated)
	return nil
}

// OverwritePartial replaces bytes [offset, offset+len(data)) of the
// out-of-page record stored under key, leaving the rest unchanged (spec
// §4.3, §8 scenario 5). It fails with invalid-parameter if key's record is
// stored inline or doesn't exist.
func (db *Database) OverwritePartial(key []byte, offset uint32, data []byte) error {
	db.env.mu.Lock()
	defer db.env.mu.Unlock()
	if err := db.env.checkFatal(); err != nil {
		return err
	}

	stored, ok := db.tree.Get(key)
	if !ok {
		return newErr(CodeKeyNotFound, fmt.Errorf("key not found"))
	}
	if !btree.IsBlobRef(stored) {
		return newErr(CodeInvalidParameter, fmt.Errorf("partial write requires an out-of-page record"))
	}

	id := btree.DecodeBlobRef(stored)
	newID, err := db.env.blobs.Overwrite(id, blob.Record{Data: data, Partial: true, PartialOffset: offset, PartialSize: uint32(len(data))})
	if err != nil {
		return newErr(CodeIOError, err)
	}
	if newID != id {
		db.tree.Insert(key, btree.EncodeBlobRef(newID))
	}
	return nil
}

// ApplyErase removes key from the B-tree. dupIndex, for a duplicate-enabled
// database, selects a single duplicate to remove; -1 removes the key (and
// every duplicate behind it) entirely.
func (db *Database) ApplyErase(key []byte, dupIndex int) error {
	if db.dup == nil || dupIndex < 0 {
		if stored, ok := db.tree.Get(key); ok {
			switch {
			case btree.IsDuplicateTable(stored):
				_ = db.dup.EraseAll(stored)
			case btree.IsBlobRef(stored):
				_ = db.env.blobs.Erase(btree.DecodeBlobRef(stored))
			}
		}
		db.tree.Delete(key)
		return nil
	}

	stored, ok := db.tree.Get(key)
	if !ok {
		return nil
	}
	if !btree.IsDuplicateTable(stored) {
		db.tree.Delete(key)
		return nil
	}
	updated, err := db.dup.Erase(stored, dupIndex)
	if err != nil {
		return err
	}
	db.tree.Insert(key, updated)
	return nil
}

// --- journal.Applier: crash recovery -------------------------------------

func (e *Environment) ApplyChangesetPage(dbName uint32, page journal.ChangesetPage) error {
	return e.pages.RestorePage(page.Address, page.Raw)
}

func (e *Environment) ApplyInsert(dbName uint32, key, record []byte) error {
	db, ok := e.databases[uint16(dbName)]
	if !ok {
		return nil
	}
	return db.ApplyInsert(key, record, int(btree.PositionLast))
}

func (e *Environment) ApplyErase(dbName uint32, key []byte) error {
	db, ok := e.databases[uint16(dbName)]
	if !ok {
		return nil
	}
	return db.ApplyErase(key, -1)
}

func (e *Environment) ApplyFreeListBlobID(id uint64) error {
	e.header.FreeListBlobID = id
	return nil
}
