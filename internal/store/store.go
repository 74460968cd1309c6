// Package store is the transactional key-value adapter backing guest
// syscalls and the frontends.
//
// It wraps goleveldb: an ordered byte-keyed map with snapshot-consistent
// readers and a serialized writer, which is exactly the contract the syscall
// layer needs. Read-only transactions are snapshots (any number may be open
// concurrently); read-write transactions go through OpenTransaction, which
// admits one writer at a time and publishes on Commit.
//
// Named databases are realized as key prefixes inside the single environment.
// The default database is the unprefixed keyspace.
package store

import (
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// DefaultPath is the environment location when the embedder does not choose
// one: a storage/ directory relative to the process working directory.
const DefaultPath = "storage"

// Env is a single opened environment. Safe for concurrent use.
type Env struct {
	db *leveldb.DB
}

// DB identifies a keyspace inside an Env.
type DB struct {
	prefix []byte
}

// DefaultDB is the unnamed, unprefixed database.
func DefaultDB() DB {
	return DB{}
}

// NamedDB returns a named database. Named keyspaces live under a NUL-framed
// prefix so they cannot collide with default-database keys.
func NamedDB(name string) DB {
	return DB{prefix: append(append([]byte{0}, name...), 0)}
}

func (d DB) key(k []byte) []byte {
	if len(d.prefix) == 0 {
		return k
	}
	return append(append([]byte(nil), d.prefix...), k...)
}

// Open opens (or creates) the environment rooted at path.
func Open(path string) (*Env, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open store at %s: %w", path, err)
	}
	return &Env{db: db}, nil
}

// OpenMemory opens an in-memory environment. Used by tests.
func OpenMemory() (*Env, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("open in-memory store: %w", err)
	}
	return &Env{db: db}, nil
}

// Close closes the environment.
func (e *Env) Close() error {
	return e.db.Close()
}

// RoTxn is a snapshot-consistent read-only transaction.
type RoTxn struct {
	snap *leveldb.Snapshot
}

// BeginRo starts a read-only transaction. Multiple may be open concurrently.
func (e *Env) BeginRo() (*RoTxn, error) {
	snap, err := e.db.GetSnapshot()
	if err != nil {
		return nil, fmt.Errorf("begin ro txn: %w", err)
	}
	return &RoTxn{snap: snap}, nil
}

// Get fetches a key from db. The second return is false when the key is
// absent.
func (t *RoTxn) Get(db DB, key []byte) ([]byte, bool) {
	v, err := t.snap.Get(db.key(key), nil)
	if err != nil {
		return nil, false
	}
	return v, true
}

// Cursor returns an iterator over db's keys starting at from, in order.
// The cursor is only valid until Commit.
func (t *RoTxn) Cursor(db DB, from []byte) *Cursor {
	return newCursor(t.snap.NewIterator(cursorRange(db, from), nil), db)
}

// Commit releases the snapshot. Safe to call more than once.
func (t *RoTxn) Commit() error {
	if t.snap != nil {
		t.snap.Release()
		t.snap = nil
	}
	return nil
}

// RwTxn is a read-write transaction. goleveldb serializes writers, so at most
// one RwTxn makes progress at a time.
type RwTxn struct {
	tr *leveldb.Transaction
}

// BeginRw starts a read-write transaction, blocking while another writer is
// active.
func (e *Env) BeginRw() (*RwTxn, error) {
	tr, err := e.db.OpenTransaction()
	if err != nil {
		return nil, fmt.Errorf("begin rw txn: %w", err)
	}
	return &RwTxn{tr: tr}, nil
}

// Put stores value under key in db.
func (t *RwTxn) Put(db DB, key, value []byte) error {
	return t.tr.Put(db.key(key), value, nil)
}

// Get fetches a key, observing the transaction's own uncommitted writes.
func (t *RwTxn) Get(db DB, key []byte) ([]byte, bool) {
	v, err := t.tr.Get(db.key(key), nil)
	if err != nil {
		return nil, false
	}
	return v, true
}

// Delete removes key from db.
func (t *RwTxn) Delete(db DB, key []byte) error {
	return t.tr.Delete(db.key(key), nil)
}

// Commit publishes the transaction's effects.
func (t *RwTxn) Commit() error {
	if err := t.tr.Commit(); err != nil {
		return fmt.Errorf("commit rw txn: %w", err)
	}
	return nil
}

// Discard abandons the transaction without publishing.
func (t *RwTxn) Discard() {
	t.tr.Discard()
}

// Cursor walks a keyspace in key order, yielding keys without prefixes.
type Cursor struct {
	it iterator.Iterator
	db DB
}

func newCursor(it iterator.Iterator, db DB) *Cursor {
	return &Cursor{it: it, db: db}
}

// Next advances the cursor. It returns the next key (with the keyspace
// prefix stripped) and false when exhausted.
func (c *Cursor) Next() ([]byte, bool) {
	if !c.it.Next() {
		return nil, false
	}
	k := c.it.Key()
	out := make([]byte, len(k)-len(c.db.prefix))
	copy(out, k[len(c.db.prefix):])
	return out, true
}

// Value returns the value at the current position.
func (c *Cursor) Value() []byte {
	v := c.it.Value()
	out := make([]byte, len(v))
	copy(out, v)
	return out
}

// Release frees the cursor.
func (c *Cursor) Release() {
	c.it.Release()
}

// cursorRange bounds iteration to db's keyspace, starting at from.
// Default-database keys must not begin with a NUL byte; that range is
// reserved for named keyspaces and excluded from default cursors.
func cursorRange(db DB, from []byte) *util.Range {
	if len(db.prefix) == 0 {
		start := from
		if len(start) == 0 || start[0] == 0 {
			start = []byte{1}
		}
		return &util.Range{Start: start}
	}
	r := util.BytesPrefix(db.prefix)
	if len(from) > 0 {
		r.Start = db.key(from)
	}
	return r
}
