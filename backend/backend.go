// Package backend defines the storage contract for the Strata engine:
// a Driver opens named databases, a Conn exposes schema metadata and
// begins transactions, and a Tx carries the raw per-store CRUD, index
// reads, cursors, schema mutation, and commit/abort.
//
// Backend operations are synchronous relative to the engine's scheduling;
// any latency is the backend's own concern. The engine guarantees that
// conflicting scopes never run concurrently (its scheduler serializes
// them), that schema mutation only happens inside a versionchange
// transaction, and that Commit and Abort are each called at most once per
// Tx, with exactly one of them called.
//
// Backends: memory (reference, tests), bolt (bbolt file per database),
// sqlite (single SQLite file).
package backend

import "github.com/xraph/strata/key"

// Mode is a transaction mode.
type Mode string

// Transaction modes.
const (
	ReadOnly      Mode = "readonly"
	ReadWrite     Mode = "readwrite"
	VersionChange Mode = "versionchange"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ReadOnly || m == ReadWrite || m == VersionChange
}

// Durability is a transaction durability hint. Backends may ignore it.
type Durability string

// Durability hints.
const (
	DurabilityDefault Durability = "default"
	DurabilityRelaxed Durability = "relaxed"
	DurabilityStrict  Durability = "strict"
)

// Valid reports whether d is a known durability hint.
func (d Durability) Valid() bool {
	return d == DurabilityDefault || d == DurabilityRelaxed || d == DurabilityStrict
}

// Direction orders cursor iteration. The unique variants visit only the
// first record of each distinct index key.
type Direction string

// Cursor directions.
const (
	Next       Direction = "next"
	NextUnique Direction = "nextunique"
	Prev       Direction = "prev"
	PrevUnique Direction = "prevunique"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == Next || d == NextUnique || d == Prev || d == PrevUnique
}

// Reverse reports whether the direction iterates descending.
func (d Direction) Reverse() bool { return d == Prev || d == PrevUnique }

// Unique reports whether the direction skips duplicate index keys.
func (d Direction) Unique() bool { return d == NextUnique || d == PrevUnique }

// DatabaseInfo describes one database known to a Driver.
type DatabaseInfo struct {
	Name    string
	Version uint64
}

// Driver is the top-level entry point a storage engine provides.
type Driver interface {
	// Open returns a connection to the named database, creating empty
	// metadata at version 0 if it does not exist yet.
	Open(name string) (Conn, error)

	// Delete removes the named database and returns the version it had.
	// Deleting a database that does not exist returns version 0, no error.
	Delete(name string) (uint64, error)

	// List enumerates existing databases with their committed versions.
	List() ([]DatabaseInfo, error)

	// Close releases driver resources. No connection may be used after.
	Close() error
}

// Conn is an open handle on one database.
type Conn interface {
	// Spec returns a snapshot of the committed database metadata. The
	// caller owns the copy.
	Spec() *DatabaseSpec

	// Begin starts a transaction over the given store scope. A
	// versionchange transaction implicitly covers every store and is the
	// only mode allowed to mutate schema.
	Begin(scope []string, mode Mode, durability Durability) (Tx, error)

	// Close releases the connection.
	Close() error
}

// Tx is one backend transaction. Writes are invisible to other
// transactions until Commit. Exactly one of Commit or Abort is called.
type Tx interface {
	// Schema mutation (versionchange transactions only).
	CreateStore(spec *StoreSpec) error
	DeleteStore(name string) error
	RenameStore(oldName, newName string) error
	CreateIndex(store string, spec *IndexSpec) error
	DeleteIndex(store, index string) error
	RenameIndex(store, oldName, newName string) error

	// SetVersion records the database version to be persisted by Commit.
	SetVersion(version uint64) error

	// Point and ranged reads. Get/GetKey return ErrNotFound when nothing
	// falls inside the range. GetAll/GetAllKeys with limit <= 0 return
	// everything in range.
	Get(store string, r key.Range) (any, error)
	GetKey(store string, r key.Range) (key.Key, error)
	GetAll(store string, r key.Range, limit int) ([]any, error)
	GetAllKeys(store string, r key.Range, limit int) ([]key.Key, error)
	Count(store string, r key.Range) (uint64, error)

	// Put writes a record. A zero primary key asks the store's key
	// generator for the next key (ErrData if the store has no generator);
	// an explicit numeric key larger than the generator's counter bumps
	// the counter. Put replaces an existing record; Add fails with
	// ErrConstraint instead. Both maintain indexes and enforce unique
	// index constraints.
	Put(store string, value any, k key.Key) (key.Key, error)
	Add(store string, value any, k key.Key) (key.Key, error)

	// Delete removes every record whose key falls in the range.
	Delete(store string, r key.Range) error

	// Clear removes all records from the store.
	Clear(store string) error

	// Index-qualified reads. The range applies to index keys; returned
	// values/keys are the referenced records and their primary keys.
	IndexGet(store, index string, r key.Range) (any, error)
	IndexGetKey(store, index string, r key.Range) (key.Key, error)
	IndexGetAll(store, index string, r key.Range, limit int) ([]any, error)
	IndexGetAllKeys(store, index string, r key.Range, limit int) ([]key.Key, error)
	IndexCount(store, index string, r key.Range) (uint64, error)

	// OpenCursor positions a cursor at the first record of the query, or
	// returns an exhausted cursor when the range is empty.
	OpenCursor(q CursorQuery) (Cursor, error)

	Commit() error
	Abort() error
}

// CursorQuery describes a cursor to open.
type CursorQuery struct {
	Store     string
	Index     string // empty for a primary-key cursor
	Range     key.Range
	Direction Direction
	KeysOnly  bool
}

// Cursor iterates records. After OpenCursor or a successful step the
// cursor is either positioned (Valid returns true) or exhausted.
type Cursor interface {
	// Valid reports whether the cursor is positioned on a record.
	Valid() bool

	// Key returns the iteration key: the index key for index cursors,
	// the primary key otherwise.
	Key() key.Key

	// PrimaryKey returns the record's primary key.
	PrimaryKey() key.Key

	// Value returns the record value; nil for key-only cursors.
	Value() any

	// Continue steps to the next record in direction order. With a
	// non-zero target it skips forward to the first key at or beyond it.
	Continue(target key.Key) error

	// Advance steps forward count times (count >= 1).
	Advance(count int) error
}
