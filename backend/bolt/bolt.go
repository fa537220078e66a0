// Package bolt is a bbolt file backend. Each database lives in its own
// file under the driver's directory. Records and index entries sit in
// byte-ordered buckets keyed by the order-preserving key encoding, so
// range scans and cursors delegate ordering to the B+tree; the schema is
// a msgpack document in a meta bucket, committed atomically with the
// data it describes.
//
// bbolt allows one write transaction per file, so the driver reports
// SingleWriter and the engine serializes write-mode transactions per
// database instead of blocking inside Begin.
package bolt

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"

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

var (
	metaBucket = []byte("meta")
	specKey    = []byte("spec")
)

const fileSuffix = ".db"

// storeBucket names the records bucket of an object store.
func storeBucket(name string) []byte { return []byte("s:" + name) }

// indexBucket names the entries bucket of one index. The NUL separator
// cannot appear in a store name's escaped position, so names never
// collide.
func indexBucket(store, index string) []byte {
	return []byte("i:" + store + "\x00" + index)
}

// Driver is a bbolt-backed backend.Driver rooted at one directory. Safe
// for concurrent use. Database files stay open until the database is
// deleted or the driver closes.
type Driver struct {
	dir string

	mu     sync.Mutex
	dbs    map[string]*bolt.DB
	closed bool
}

// Open creates the directory if needed and returns a driver over it.
func Open(dir string) (*Driver, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("bolt: create directory: %w", err)
	}
	return &Driver{dir: dir, dbs: make(map[string]*bolt.DB)}, nil
}

// SingleWriter reports that bbolt holds at most one write transaction
// per database file.
func (d *Driver) SingleWriter() bool { return true }

func (d *Driver) path(name string) string {
	return filepath.Join(d.dir, url.PathEscape(name)+fileSuffix)
}

// openDB returns the cached handle for name, opening and initializing
// the file on first use. Caller holds d.mu.
func (d *Driver) openDB(name string) (*bolt.DB, error) {
	if db, ok := d.dbs[name]; ok {
		return db, nil
	}
	db, err := bolt.Open(d.path(name), 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("bolt: open %q: %w", name, err)
	}
	err = db.Update(func(btx *bolt.Tx) error {
		meta, err := btx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		if meta.Get(specKey) != nil {
			return nil
		}
		raw, err := msgpack.Marshal(backend.NewDatabaseSpec(name))
		if err != nil {
			return err
		}
		return meta.Put(specKey, raw)
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("bolt: initialize %q: %w", name, err)
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
		return 0, fmt.Errorf("bolt: delete %q: %w", name, err)
	}
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
		return nil, fmt.Errorf("bolt: list: %w", err)
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

// Close closes every open database file.
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

// readSpec loads the committed schema. A missing or unreadable meta
// document reads as an empty database at version 0.
func readSpec(db *bolt.DB, name string) *backend.DatabaseSpec {
	spec := backend.NewDatabaseSpec(name)
	_ = db.View(func(btx *bolt.Tx) error {
		if s, err := specFromTx(btx, name); err == nil {
			spec = s
		}
		return nil
	})
	return spec
}

// specFromTx loads the schema inside an open bolt transaction.
func specFromTx(btx *bolt.Tx, name string) (*backend.DatabaseSpec, error) {
	meta := btx.Bucket(metaBucket)
	if meta == nil {
		return backend.NewDatabaseSpec(name), nil
	}
	raw := meta.Get(specKey)
	if raw == nil {
		return backend.NewDatabaseSpec(name), nil
	}
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
	db     *bolt.DB
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

	btx, err := c.db.Begin(mode != backend.ReadOnly)
	if err != nil {
		return nil, fmt.Errorf("bolt: begin: %w", err)
	}
	spec, err := specFromTx(btx, c.name)
	if err != nil {
		btx.Rollback()
		return nil, err
	}

	t := &tx{db: c.db, btx: btx, mode: mode, spec: spec, relaxed: durability == backend.DurabilityRelaxed}
	if mode != backend.VersionChange {
		t.scope = make(map[string]struct{}, len(scope))
		for _, name := range scope {
			if _, ok := spec.Stores[name]; !ok {
				btx.Rollback()
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
