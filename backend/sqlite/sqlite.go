// Package sqlite is a SQLite file backend built on modernc.org/sqlite.
// Each database lives in its own file under the driver's directory, in
// WAL mode. Records and index entries are rows keyed by the
// order-preserving key encoding stored as BLOBs, so range scans ride on
// SQLite's memcmp BLOB ordering; the schema is a msgpack document in a
// one-row meta table, committed atomically with the data.
//
// SQLite holds one write transaction per file, so the driver reports
// SingleWriter and the engine serializes write-mode transactions per
// database instead of blocking inside Begin.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
	_ "modernc.org/sqlite"

	"github.com/xraph/strata/backend"
)

// Compile-time contract checks.
var (
	_ backend.Driver       = (*Driver)(nil)
	_ backend.SingleWriter = (*Driver)(nil)
	_ backend.Conn         = (*conn)(nil)
	_ backend.Tx           = (*tx)(nil)
	_ backend.Cursor       = (*cursor)(nil)
)

const fileSuffix = ".sqlite"

const schemaDDL = `
CREATE TABLE IF NOT EXISTS meta (
	k TEXT PRIMARY KEY,
	v BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS records (
	store TEXT NOT NULL,
	k     BLOB NOT NULL,
	v     BLOB NOT NULL,
	PRIMARY KEY (store, k)
);
CREATE TABLE IF NOT EXISTS index_entries (
	store TEXT NOT NULL,
	idx   TEXT NOT NULL,
	ik    BLOB NOT NULL,
	pk    BLOB NOT NULL,
	PRIMARY KEY (store, idx, ik, pk)
);
`

// Driver is a SQLite-backed backend.Driver rooted at one directory.
// Safe for concurrent use. Database files stay open until the database
// is deleted or the driver closes.
type Driver struct {
	dir string

	mu     sync.Mutex
	dbs    map[string]*sql.DB
	closed bool
}

// Open creates the directory if needed and returns a driver over it.
func Open(dir string) (*Driver, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("sqlite: create directory: %w", err)
	}
	return &Driver{dir: dir, dbs: make(map[string]*sql.DB)}, nil
}

// SingleWriter reports that SQLite holds at most one write transaction
// per database file.
func (d *Driver) SingleWriter() bool { return true }

func (d *Driver) path(name string) string {
	return filepath.Join(d.dir, url.PathEscape(name)+fileSuffix)
}

func dsn(path string) string {
	return "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)"
}

// openDB returns the cached handle for name, opening and initializing
// the file on first use. Caller holds d.mu.
func (d *Driver) openDB(name string) (*sql.DB, error) {
	if db, ok := d.dbs[name]; ok {
		return db, nil
	}
	db, err := sql.Open("sqlite", dsn(d.path(name)))
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", name, err)
	}
	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: initialize %q: %w", name, err)
	}
	raw, err := msgpack.Marshal(backend.NewDatabaseSpec(name))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: initialize %q: %w", name, err)
	}
	if _, err := db.Exec(`INSERT OR IGNORE INTO meta (k, v) VALUES ('spec', ?)`, raw); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: initialize %q: %w", name, err)
	}
	d.dbs[name] = db
	return db, nil
}

// Open returns a connection to the named database, creating its file at
// version 0 if needed.
func (d *Driver) Open(name string) (backend.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, fmt.Errorf("%w: driver is closed", backend.ErrInvalidState)
	}
	db, err := d.openDB(name)
	if err != nil {
		return nil, err
	}
	return &conn{drv: d, db: db, name: name}, nil
}

// Delete removes the database file and returns its prior version.
func (d *Driver) Delete(name string) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return 0, fmt.Errorf("%w: driver is closed", backend.ErrInvalidState)
	}
	path := d.path(name)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	db, err := d.openDB(name)
	if err != nil {
		return 0, err
	}
	version := readSpec(db, name).Version
	db.Close()
	delete(d.dbs, name)
	if err := os.Remove(path); err != nil {
		return 0, fmt.Errorf("sqlite: delete %q: %w", name, err)
	}
	// WAL sidecar files go with the database.
	os.Remove(path + "-wal")
	os.Remove(path + "-shm")
	return version, nil
}

// List enumerates database files in name order.
func (d *Driver) List() ([]backend.DatabaseInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, fmt.Errorf("%w: driver is closed", backend.ErrInvalidState)
	}
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list: %w", err)
	}
	var infos []backend.DatabaseInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileSuffix) {
			continue
		}
		name, err := url.PathUnescape(strings.TrimSuffix(e.Name(), fileSuffix))
		if err != nil {
			continue // not one of ours
		}
		db, err := d.openDB(name)
		if err != nil {
			return nil, err
		}
		infos = append(infos, backend.DatabaseInfo{Name: name, Version: readSpec(db, name).Version})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// Close closes every open database handle.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var firstErr error
	for name, db := range d.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(d.dbs, name)
	}
	d.closed = true
	return firstErr
}

// readSpec loads the committed schema. A missing or unreadable meta row
// reads as an empty database at version 0.
func readSpec(db *sql.DB, name string) *backend.DatabaseSpec {
	var raw []byte
	err := db.QueryRow(`SELECT v FROM meta WHERE k = 'spec'`).Scan(&raw)
	if err != nil {
		return backend.NewDatabaseSpec(name)
	}
	spec, err := decodeSpec(raw)
	if err != nil {
		return backend.NewDatabaseSpec(name)
	}
	return spec
}

func decodeSpec(raw []byte) (*backend.DatabaseSpec, error) {
	spec := new(backend.DatabaseSpec)
	if err := msgpack.Unmarshal(raw, spec); err != nil {
		return nil, fmt.Errorf("%w: corrupt schema document: %v", backend.ErrData, err)
	}
	if spec.Stores == nil {
		spec.Stores = make(map[string]*backend.StoreSpec)
	}
	return spec, nil
}

type conn struct {
	drv    *Driver
	db     *sql.DB
	name   string
	closed bool
}

func (c *conn) Spec() *backend.DatabaseSpec {
	c.drv.mu.Lock()
	defer c.drv.mu.Unlock()
	return readSpec(c.db, c.name)
}

func (c *conn) Begin(scope []string, mode backend.Mode, durability backend.Durability) (backend.Tx, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: bad mode %q", backend.ErrData, mode)
	}
	if !durability.Valid() {
		return nil, fmt.Errorf("%w: bad durability %q", backend.ErrData, durability)
	}

	c.drv.mu.Lock()
	closed := c.closed
	c.drv.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("%w: connection is closed", backend.ErrInvalidState)
	}

	stx, err := c.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin: %w", err)
	}
	var raw []byte
	if err := stx.QueryRow(`SELECT v FROM meta WHERE k = 'spec'`).Scan(&raw); err != nil {
		stx.Rollback()
		return nil, fmt.Errorf("sqlite: read schema: %w", err)
	}
	spec, err := decodeSpec(raw)
	if err != nil {
		stx.Rollback()
		return nil, err
	}

	t := &tx{stx: stx, mode: mode, spec: spec}
	if mode != backend.VersionChange {
		t.scope = make(map[string]struct{}, len(scope))
		for _, name := range scope {
			if _, ok := spec.Stores[name]; !ok {
				stx.Rollback()
				return nil, fmt.Errorf("%w: object store %q", backend.ErrNotFound, name)
			}
			t.scope[name] = struct{}{}
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
