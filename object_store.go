package strata

import (
	"fmt"

	"github.com/xraph/strata/backend"
	"github.com/xraph/strata/key"
	"github.com/xraph/strata/keypath"
)

// ObjectStore is a transaction's accessor for one store. Instances are
// identity-stable per (transaction, store) pair: repeated
// Transaction.ObjectStore calls return the same object. Data operations
// return a Request that settles asynchronously; refusals (inactive
// transaction, deleted store, bad key) are synchronous errors.
type ObjectStore struct {
	txn *Transaction

	// Guarded by the factory mutex. firstName is the name at first
	// sight, used to revert renames on abort.
	name      string
	firstName string
	created   bool // created inside the owning (versionchange) transaction
	deleted   bool

	indexes map[string]*Index
}

// Name returns the store's current name.
func (s *ObjectStore) Name() string {
	s.txn.f.mu.Lock()
	defer s.txn.f.mu.Unlock()
	return s.name
}

// Transaction returns the owning transaction.
func (s *ObjectStore) Transaction() *Transaction { return s.txn }

// KeyPath returns the store's key path value: a string, a []string for
// composite paths, or nil for out-of-line keys.
func (s *ObjectStore) KeyPath() any {
	s.txn.f.mu.Lock()
	defer s.txn.f.mu.Unlock()
	spec, err := s.specLocked()
	if err != nil || spec.KeyPath == nil {
		return nil
	}
	return spec.KeyPath.Value()
}

// AutoIncrement reports whether the store has a key generator.
func (s *ObjectStore) AutoIncrement() bool {
	s.txn.f.mu.Lock()
	defer s.txn.f.mu.Unlock()
	spec, err := s.specLocked()
	return err == nil && spec.AutoIncrement
}

// IndexNames returns the store's index names in sorted order.
func (s *ObjectStore) IndexNames() []string {
	s.txn.f.mu.Lock()
	defer s.txn.f.mu.Unlock()
	spec, err := s.specLocked()
	if err != nil {
		return nil
	}
	return spec.IndexNames()
}

// ──────────────────────────────────────────────────
// Reads
// ──────────────────────────────────────────────────

// Get resolves with the first record value in the query range, or fails
// with ErrNotFound. query is a key value, a key.Range, or nil for the
// full range.
func (s *ObjectStore) Get(query any) (*Request, error) {
	return s.read(query, func(btx backend.Tx, r key.Range) (any, error) {
		return btx.Get(s.name, r)
	})
}

// GetKey resolves with the first primary key in the query range.
func (s *ObjectStore) GetKey(query any) (*Request, error) {
	return s.read(query, func(btx backend.Tx, r key.Range) (any, error) {
		return btx.GetKey(s.name, r)
	})
}

// GetAll resolves with every value in the query range, up to limit
// (<= 0 for no limit).
func (s *ObjectStore) GetAll(query any, limit int) (*Request, error) {
	return s.read(query, func(btx backend.Tx, r key.Range) (any, error) {
		return btx.GetAll(s.name, r, limit)
	})
}

// GetAllKeys resolves with every primary key in the query range.
func (s *ObjectStore) GetAllKeys(query any, limit int) (*Request, error) {
	return s.read(query, func(btx backend.Tx, r key.Range) (any, error) {
		return btx.GetAllKeys(s.name, r, limit)
	})
}

// Count resolves with the number of records in the query range.
func (s *ObjectStore) Count(query any) (*Request, error) {
	return s.read(query, func(btx backend.Tx, r key.Range) (any, error) {
		return btx.Count(s.name, r)
	})
}

// ──────────────────────────────────────────────────
// Writes
// ──────────────────────────────────────────────────

// Put writes a record, replacing any existing record with the same
// primary key. k is the explicit key, or nil to use the store's in-line
// key path or key generator. Resolves with the record's key.
func (s *ObjectStore) Put(value, k any) (*Request, error) {
	return s.write(value, k, func(btx backend.Tx, kk key.Key) (any, error) {
		return btx.Put(s.name, value, kk)
	})
}

// Add is Put that fails with ErrConstraint if the key already exists.
func (s *ObjectStore) Add(value, k any) (*Request, error) {
	return s.write(value, k, func(btx backend.Tx, kk key.Key) (any, error) {
		return btx.Add(s.name, value, kk)
	})
}

// Delete removes every record in the query range. Resolves with nil.
func (s *ObjectStore) Delete(query any) (*Request, error) {
	s.txn.f.mu.Lock()
	defer s.txn.f.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return nil, err
	}
	if err := s.writableLocked(); err != nil {
		return nil, err
	}
	r, err := key.RangeOf(query)
	if err != nil {
		return nil, err
	}
	return s.txn.issue(s, func(btx backend.Tx) (any, error) {
		return nil, btx.Delete(s.name, r)
	})
}

// Clear removes every record in the store. Resolves with nil.
func (s *ObjectStore) Clear() (*Request, error) {
	s.txn.f.mu.Lock()
	defer s.txn.f.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return nil, err
	}
	if err := s.writableLocked(); err != nil {
		return nil, err
	}
	return s.txn.issue(s, func(btx backend.Tx) (any, error) {
		return nil, btx.Clear(s.name)
	})
}

// ──────────────────────────────────────────────────
// Cursors
// ──────────────────────────────────────────────────

// OpenCursor resolves with a *Cursor positioned at the first record in
// the query range, or nil when the range is empty. An empty direction
// means Next.
func (s *ObjectStore) OpenCursor(query any, direction backend.Direction) (*Request, error) {
	return s.openCursor(query, direction, false)
}

// OpenKeyCursor is OpenCursor without record values.
func (s *ObjectStore) OpenKeyCursor(query any, direction backend.Direction) (*Request, error) {
	return s.openCursor(query, direction, true)
}

func (s *ObjectStore) openCursor(query any, direction backend.Direction, keysOnly bool) (*Request, error) {
	s.txn.f.mu.Lock()
	defer s.txn.f.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return nil, err
	}
	r, direction, err := cursorArgs(query, direction)
	if err != nil {
		return nil, err
	}
	q := backend.CursorQuery{Store: s.name, Range: r, Direction: direction, KeysOnly: keysOnly}
	return s.txn.issue(s, openCursorOp(s.txn, s, q))
}

// ──────────────────────────────────────────────────
// Schema (versionchange only)
// ──────────────────────────────────────────────────

// CreateIndex creates an index over the given key path and backfills it
// from existing records. Valid only inside this store's upgrade
// transaction.
func (s *ObjectStore) CreateIndex(name string, keyPath any, opts IndexOptions) (*Index, error) {
	s.txn.f.mu.Lock()
	defer s.txn.f.mu.Unlock()

	if err := s.usableLocked(); err != nil {
		return nil, err
	}
	t, err := s.txn.db.upgradeTxLocked()
	if err != nil {
		return nil, err
	}
	kp, err := keypath.Parse(keyPath)
	if err != nil {
		return nil, err
	}
	if opts.MultiEntry && kp.Composite {
		return nil, fmt.Errorf("%w: multi-entry index %q cannot use a composite key path", ErrInvalidArgument, name)
	}
	spec, err := s.specLocked()
	if err != nil {
		return nil, err
	}
	if _, exists := spec.Indexes[name]; exists {
		return nil, fmt.Errorf("%w: index %q already exists on %q", ErrConstraint, name, s.name)
	}

	ispec := &backend.IndexSpec{Name: name, KeyPath: kp, Unique: opts.Unique, MultiEntry: opts.MultiEntry}
	if err := t.btx.CreateIndex(s.name, ispec); err != nil {
		return nil, err
	}
	spec.Indexes[name] = ispec.Clone()

	ix := &Index{store: s, name: name, firstName: name, created: true}
	s.indexLocked()[name] = ix
	return ix, nil
}

// DeleteIndex deletes an index. Valid only inside this store's upgrade
// transaction.
func (s *ObjectStore) DeleteIndex(name string) error {
	s.txn.f.mu.Lock()
	defer s.txn.f.mu.Unlock()

	if err := s.usableLocked(); err != nil {
		return err
	}
	t, err := s.txn.db.upgradeTxLocked()
	if err != nil {
		return err
	}
	spec, err := s.specLocked()
	if err != nil {
		return err
	}
	if _, exists := spec.Indexes[name]; !exists {
		return fmt.Errorf("%w: index %q on %q", ErrNotFound, name, s.name)
	}
	if err := t.btx.DeleteIndex(s.name, name); err != nil {
		return err
	}
	delete(spec.Indexes, name)

	ix, ok := s.indexLocked()[name]
	if !ok {
		ix = &Index{store: s, name: name, firstName: name}
		s.indexes[name] = ix
	}
	ix.deleted = true
	return nil
}

// Rename renames the store. Valid only inside the upgrade transaction;
// abort restores the original name.
func (s *ObjectStore) Rename(newName string) error {
	s.txn.f.mu.Lock()
	defer s.txn.f.mu.Unlock()

	if err := s.usableLocked(); err != nil {
		return err
	}
	t, err := s.txn.db.upgradeTxLocked()
	if err != nil {
		return err
	}
	db := s.txn.db
	if _, exists := db.spec.Stores[newName]; exists {
		return fmt.Errorf("%w: object store %q already exists", ErrConstraint, newName)
	}
	if err := t.btx.RenameStore(s.name, newName); err != nil {
		return err
	}

	spec := db.spec.Stores[s.name]
	delete(db.spec.Stores, s.name)
	spec.Name = newName
	db.spec.Stores[newName] = spec

	delete(t.stores, s.name)
	t.stores[newName] = s
	for i, n := range t.scope {
		if n == s.name {
			t.scope[i] = newName
		}
	}
	s.name = newName
	return nil
}

// Index returns the identity-stable accessor for an index on this
// store.
func (s *ObjectStore) Index(name string) (*Index, error) {
	s.txn.f.mu.Lock()
	defer s.txn.f.mu.Unlock()

	if err := s.usableLocked(); err != nil {
		return nil, err
	}
	if ix, ok := s.indexLocked()[name]; ok {
		if ix.deleted {
			return nil, fmt.Errorf("%w: index %q was deleted", ErrInvalidState, name)
		}
		return ix, nil
	}
	spec, err := s.specLocked()
	if err != nil {
		return nil, err
	}
	if _, ok := spec.Indexes[name]; !ok {
		return nil, fmt.Errorf("%w: index %q on %q", ErrNotFound, name, s.name)
	}
	ix := &Index{store: s, name: name, firstName: name}
	s.indexes[name] = ix
	return ix, nil
}

// ──────────────────────────────────────────────────
// Internals
// ──────────────────────────────────────────────────

func (s *ObjectStore) read(query any, op func(backend.Tx, key.Range) (any, error)) (*Request, error) {
	s.txn.f.mu.Lock()
	defer s.txn.f.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return nil, err
	}
	r, err := key.RangeOf(query)
	if err != nil {
		return nil, err
	}
	return s.txn.issue(s, func(btx backend.Tx) (any, error) {
		return op(btx, r)
	})
}

func (s *ObjectStore) write(value, k any, op func(backend.Tx, key.Key) (any, error)) (*Request, error) {
	s.txn.f.mu.Lock()
	defer s.txn.f.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return nil, err
	}
	if err := s.writableLocked(); err != nil {
		return nil, err
	}
	kk, err := s.writeKeyLocked(value, k)
	if err != nil {
		return nil, err
	}
	return s.txn.issue(s, func(btx backend.Tx) (any, error) {
		return op(btx, kk)
	})
}

// writeKeyLocked resolves the primary key for a Put/Add: the in-line
// key path takes precedence, then the explicit key, then the generator
// (signalled to the backend as a zero key).
func (s *ObjectStore) writeKeyLocked(value, k any) (key.Key, error) {
	spec, err := s.specLocked()
	if err != nil {
		return key.Key{}, err
	}
	if spec.KeyPath != nil {
		if k != nil {
			return key.Key{}, fmt.Errorf("%w: store %q uses an in-line key path; no explicit key allowed", ErrData, s.name)
		}
		kk, err := spec.KeyPath.Extract(value)
		if err != nil {
			if spec.AutoIncrement {
				return key.Key{}, nil // let the generator fill it in
			}
			return key.Key{}, fmt.Errorf("%w: %v", ErrData, err)
		}
		return kk, nil
	}
	if k == nil {
		if !spec.AutoIncrement {
			return key.Key{}, fmt.Errorf("%w: store %q requires an explicit key", ErrData, s.name)
		}
		return key.Key{}, nil
	}
	return key.New(k)
}

// usableLocked rejects operations on a deleted handle.
func (s *ObjectStore) usableLocked() error {
	if s.deleted {
		return fmt.Errorf("%w: object store %q was deleted", ErrInvalidState, s.firstName)
	}
	return nil
}

// writableLocked gives writes a synchronous readonly refusal.
func (s *ObjectStore) writableLocked() error {
	if s.txn.mode == backend.ReadOnly {
		return fmt.Errorf("%w: transaction %s", ErrReadOnly, s.txn.tid)
	}
	return nil
}

func (s *ObjectStore) specLocked() (*backend.StoreSpec, error) {
	spec, ok := s.txn.db.spec.Stores[s.name]
	if !ok {
		return nil, fmt.Errorf("%w: object store %q", ErrNotFound, s.name)
	}
	return spec, nil
}

func (s *ObjectStore) indexLocked() map[string]*Index {
	if s.indexes == nil {
		s.indexes = make(map[string]*Index)
	}
	return s.indexes
}

// cursorArgs validates and defaults cursor query arguments.
func cursorArgs(query any, direction backend.Direction) (key.Range, backend.Direction, error) {
	r, err := key.RangeOf(query)
	if err != nil {
		return key.Range{}, "", err
	}
	if direction == "" {
		direction = backend.Next
	}
	if !direction.Valid() {
		return key.Range{}, "", fmt.Errorf("%w: bad cursor direction %q", ErrInvalidArgument, direction)
	}
	return r, direction, nil
}
