// Package memory is the in-memory reference backend. Write transactions
// operate on deep copies of the affected tables and swap them in on
// commit, so aborts are free and readers always see committed state.
// Intended for unit testing and development.
package memory

import (
	"fmt"
	"sort"
	"sync"

	"github.com/xraph/strata/backend"
	"github.com/xraph/strata/key"
)

// Compile-time contract checks.
var (
	_ backend.Driver = (*Driver)(nil)
	_ backend.Conn   = (*conn)(nil)
	_ backend.Tx     = (*tx)(nil)
	_ backend.Cursor = (*cursor)(nil)
)

// record is one stored row. enc is the order-preserving encoding of k;
// records in a table stay sorted by enc.
type record struct {
	enc   []byte
	k     key.Key
	value any
}

// indexEntry is one index row: index key -> primary key.
type indexEntry struct {
	ienc []byte
	ikey key.Key
	penc []byte
	pkey key.Key
}

type table struct {
	records []record
	indexes map[string][]indexEntry
}

func newTable() *table {
	return &table{indexes: make(map[string][]indexEntry)}
}

func (t *table) clone() *table {
	cp := &table{
		records: append([]record(nil), t.records...),
		indexes: make(map[string][]indexEntry, len(t.indexes)),
	}
	for name, entries := range t.indexes {
		cp.indexes[name] = append([]indexEntry(nil), entries...)
	}
	return cp
}

type database struct {
	spec   *backend.DatabaseSpec
	tables map[string]*table
}

// Driver is an in-memory backend.Driver. Safe for concurrent use.
type Driver struct {
	mu  sync.Mutex
	dbs map[string]*database
}

// New returns an empty in-memory driver.
func New() *Driver {
	return &Driver{dbs: make(map[string]*database)}
}

// Open returns a connection to the named database, creating it at
// version 0 if needed.
func (d *Driver) Open(name string) (backend.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	db, ok := d.dbs[name]
	if !ok {
		db = &database{spec: backend.NewDatabaseSpec(name), tables: make(map[string]*table)}
		d.dbs[name] = db
	}
	return &conn{drv: d, db: db}, nil
}

// Delete removes the named database and returns its prior version.
func (d *Driver) Delete(name string) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	db, ok := d.dbs[name]
	if !ok {
		return 0, nil
	}
	delete(d.dbs, name)
	return db.spec.Version, nil
}

// List enumerates databases in name order.
func (d *Driver) List() ([]backend.DatabaseInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	infos := make([]backend.DatabaseInfo, 0, len(d.dbs))
	for name, db := range d.dbs {
		infos = append(infos, backend.DatabaseInfo{Name: name, Version: db.spec.Version})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// Close is a no-op for the memory driver.
func (d *Driver) Close() error { return nil }

type conn struct {
	drv    *Driver
	db     *database
	closed bool
}

func (c *conn) Spec() *backend.DatabaseSpec {
	c.drv.mu.Lock()
	defer c.drv.mu.Unlock()
	return c.db.spec.Clone()
}

func (c *conn) Begin(scope []string, mode backend.Mode, durability backend.Durability) (backend.Tx, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: bad mode %q", backend.ErrData, mode)
	}
	if !durability.Valid() {
		return nil, fmt.Errorf("%w: bad durability %q", backend.ErrData, durability)
	}

	c.drv.mu.Lock()
	defer c.drv.mu.Unlock()

	if c.closed {
		return nil, fmt.Errorf("%w: connection is closed", backend.ErrInvalidState)
	}

	t := &tx{drv: c.drv, db: c.db, mode: mode, spec: c.db.spec.Clone(), tables: make(map[string]*table)}
	if mode == backend.VersionChange {
		scope = c.db.spec.StoreNames()
	}
	for _, name := range scope {
		src, ok := c.db.tables[name]
		if !ok {
			return nil, fmt.Errorf("%w: object store %q", backend.ErrNotFound, name)
		}
		if mode == backend.ReadOnly {
			t.tables[name] = src // committed tables are immutable
		} else {
			t.tables[name] = src.clone()
		}
	}
	return t, nil
}

func (c *conn) Close() error {
	c.drv.mu.Lock()
	defer c.drv.mu.Unlock()
	c.closed = true
	return nil
}
