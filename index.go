package strata

import (
	"fmt"

	"github.com/xraph/strata/backend"
	"github.com/xraph/strata/key"
)

// Index is a transaction's accessor for one index, obtained from
// ObjectStore.Index or CreateIndex. Queries range over index keys;
// results are the referenced records and their primary keys.
type Index struct {
	store *ObjectStore

	name      string
	firstName string
	created   bool
	deleted   bool
}

// Name returns the index's current name.
func (ix *Index) Name() string {
	ix.store.txn.f.mu.Lock()
	defer ix.store.txn.f.mu.Unlock()
	return ix.name
}

// ObjectStore returns the owning store accessor.
func (ix *Index) ObjectStore() *ObjectStore { return ix.store }

// KeyPath returns the index's key path value.
func (ix *Index) KeyPath() any {
	ix.store.txn.f.mu.Lock()
	defer ix.store.txn.f.mu.Unlock()
	spec, err := ix.specLocked()
	if err != nil {
		return nil
	}
	return spec.KeyPath.Value()
}

// Unique reports whether the index enforces distinct keys.
func (ix *Index) Unique() bool {
	ix.store.txn.f.mu.Lock()
	defer ix.store.txn.f.mu.Unlock()
	spec, err := ix.specLocked()
	return err == nil && spec.Unique
}

// MultiEntry reports whether array keys fan out into one entry per
// element.
func (ix *Index) MultiEntry() bool {
	ix.store.txn.f.mu.Lock()
	defer ix.store.txn.f.mu.Unlock()
	spec, err := ix.specLocked()
	return err == nil && spec.MultiEntry
}

// Get resolves with the first referenced record in the query range.
func (ix *Index) Get(query any) (*Request, error) {
	return ix.read(query, func(btx backend.Tx, r key.Range) (any, error) {
		return btx.IndexGet(ix.store.name, ix.name, r)
	})
}

// GetKey resolves with the primary key of the first record in range.
func (ix *Index) GetKey(query any) (*Request, error) {
	return ix.read(query, func(btx backend.Tx, r key.Range) (any, error) {
		return btx.IndexGetKey(ix.store.name, ix.name, r)
	})
}

// GetAll resolves with every referenced record in range, up to limit.
func (ix *Index) GetAll(query any, limit int) (*Request, error) {
	return ix.read(query, func(btx backend.Tx, r key.Range) (any, error) {
		return btx.IndexGetAll(ix.store.name, ix.name, r, limit)
	})
}

// GetAllKeys resolves with the primary keys of records in range.
func (ix *Index) GetAllKeys(query any, limit int) (*Request, error) {
	return ix.read(query, func(btx backend.Tx, r key.Range) (any, error) {
		return btx.IndexGetAllKeys(ix.store.name, ix.name, r, limit)
	})
}

// Count resolves with the number of index entries in range.
func (ix *Index) Count(query any) (*Request, error) {
	return ix.read(query, func(btx backend.Tx, r key.Range) (any, error) {
		return btx.IndexCount(ix.store.name, ix.name, r)
	})
}

// OpenCursor resolves with a *Cursor over the index, or nil when the
// range is empty.
func (ix *Index) OpenCursor(query any, direction backend.Direction) (*Request, error) {
	return ix.openCursor(query, direction, false)
}

// OpenKeyCursor is OpenCursor without record values.
func (ix *Index) OpenKeyCursor(query any, direction backend.Direction) (*Request, error) {
	return ix.openCursor(query, direction, true)
}

// Rename renames the index. Valid only inside the upgrade transaction.
func (ix *Index) Rename(newName string) error {
	s := ix.store
	s.txn.f.mu.Lock()
	defer s.txn.f.mu.Unlock()

	if err := ix.usableLocked(); err != nil {
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
	if _, exists := spec.Indexes[newName]; exists {
		return fmt.Errorf("%w: index %q already exists on %q", ErrConstraint, newName, s.name)
	}
	if err := t.btx.RenameIndex(s.name, ix.name, newName); err != nil {
		return err
	}

	ispec := spec.Indexes[ix.name]
	delete(spec.Indexes, ix.name)
	ispec.Name = newName
	spec.Indexes[newName] = ispec

	delete(s.indexLocked(), ix.name)
	s.indexes[newName] = ix
	ix.name = newName
	return nil
}

func (ix *Index) openCursor(query any, direction backend.Direction, keysOnly bool) (*Request, error) {
	s := ix.store
	s.txn.f.mu.Lock()
	defer s.txn.f.mu.Unlock()
	if err := ix.usableLocked(); err != nil {
		return nil, err
	}
	r, direction, err := cursorArgs(query, direction)
	if err != nil {
		return nil, err
	}
	q := backend.CursorQuery{Store: s.name, Index: ix.name, Range: r, Direction: direction, KeysOnly: keysOnly}
	return s.txn.issue(ix, openCursorOp(s.txn, ix, q))
}

func (ix *Index) read(query any, op func(backend.Tx, key.Range) (any, error)) (*Request, error) {
	s := ix.store
	s.txn.f.mu.Lock()
	defer s.txn.f.mu.Unlock()
	if err := ix.usableLocked(); err != nil {
		return nil, err
	}
	r, err := key.RangeOf(query)
	if err != nil {
		return nil, err
	}
	return s.txn.issue(ix, func(btx backend.Tx) (any, error) {
		return op(btx, r)
	})
}

func (ix *Index) usableLocked() error {
	if ix.deleted {
		return fmt.Errorf("%w: index %q was deleted", ErrInvalidState, ix.firstName)
	}
	return ix.store.usableLocked()
}

func (ix *Index) specLocked() (*backend.IndexSpec, error) {
	spec, err := ix.store.specLocked()
	if err != nil {
		return nil, err
	}
	ispec, ok := spec.Indexes[ix.name]
	if !ok {
		return nil, fmt.Errorf("%w: index %q on %q", ErrNotFound, ix.name, ix.store.name)
	}
	return ispec, nil
}
