package strata

import (
	"fmt"

	"github.com/xraph/strata/backend"
	"github.com/xraph/strata/id"
	"github.com/xraph/strata/key"
)

// Cursor iterates records inside one transaction. Each step is a
// request, so its unconsumed result keeps the transaction open until
// the caller reads it and decides whether to step again. A cursor the
// caller walks away from does not stall the transaction; once it
// auto-commits, further steps fail with ErrTransactionInactive.
type Cursor struct {
	txn    *Transaction
	curID  id.ID
	source any // the *ObjectStore or *Index it iterates

	// Guarded by the factory mutex.
	bcur     backend.Cursor
	keysOnly bool
	released bool
}

// ID returns the cursor's identifier.
func (c *Cursor) ID() id.ID { return c.curID }

// Source returns the object store or index the cursor iterates.
func (c *Cursor) Source() any { return c.source }

// Valid reports whether the cursor is positioned on a record.
func (c *Cursor) Valid() bool {
	c.txn.f.mu.Lock()
	defer c.txn.f.mu.Unlock()
	return c.bcur.Valid()
}

// Key returns the iteration key: the index key for index cursors, the
// primary key otherwise.
func (c *Cursor) Key() key.Key {
	c.txn.f.mu.Lock()
	defer c.txn.f.mu.Unlock()
	return c.bcur.Key()
}

// PrimaryKey returns the current record's primary key.
func (c *Cursor) PrimaryKey() key.Key {
	c.txn.f.mu.Lock()
	defer c.txn.f.mu.Unlock()
	return c.bcur.PrimaryKey()
}

// Value returns the current record value; nil for key cursors.
func (c *Cursor) Value() any {
	c.txn.f.mu.Lock()
	defer c.txn.f.mu.Unlock()
	return c.bcur.Value()
}

// Continue steps to the next record, or to the first record at or
// beyond target when target is non-nil. Resolves with the cursor while
// positioned and with nil once exhausted.
func (c *Cursor) Continue(target any) (*Request, error) {
	c.txn.f.mu.Lock()
	defer c.txn.f.mu.Unlock()

	if c.released {
		return nil, fmt.Errorf("%w: cursor is closed or exhausted", ErrInvalidState)
	}
	var tk key.Key
	if target != nil {
		var err error
		tk, err = key.New(target)
		if err != nil {
			return nil, err
		}
	}
	return c.txn.issue(c, func(backend.Tx) (any, error) {
		if err := c.bcur.Continue(tk); err != nil {
			return nil, err
		}
		return c.positionLocked(), nil
	})
}

// Advance steps forward count times (count >= 1).
func (c *Cursor) Advance(count int) (*Request, error) {
	c.txn.f.mu.Lock()
	defer c.txn.f.mu.Unlock()

	if c.released {
		return nil, fmt.Errorf("%w: cursor is closed or exhausted", ErrInvalidState)
	}
	if count < 1 {
		return nil, fmt.Errorf("%w: advance count must be >= 1", ErrInvalidArgument)
	}
	return c.txn.issue(c, func(backend.Tx) (any, error) {
		if err := c.bcur.Advance(count); err != nil {
			return nil, err
		}
		return c.positionLocked(), nil
	})
}

// Close invalidates the cursor without stepping; later Continue and
// Advance calls fail with ErrInvalidState. Safe to call repeatedly.
func (c *Cursor) Close() {
	c.txn.f.mu.Lock()
	defer c.txn.f.mu.Unlock()
	c.released = true
}

// positionLocked is the step result: the cursor itself while
// positioned, nil once exhausted.
func (c *Cursor) positionLocked() any {
	if c.bcur.Valid() {
		return c
	}
	c.released = true
	return nil
}

// openCursorOp builds the issue op for ObjectStore/Index OpenCursor: it
// opens the backend cursor and resolves with it when positioned, nil
// when the range is empty.
func openCursorOp(t *Transaction, source any, q backend.CursorQuery) func(backend.Tx) (any, error) {
	return func(btx backend.Tx) (any, error) {
		bcur, err := btx.OpenCursor(q)
		if err != nil {
			return nil, err
		}
		if !bcur.Valid() {
			return nil, nil
		}
		return &Cursor{
			txn:      t,
			curID:    id.NewCursorID(),
			source:   source,
			bcur:     bcur,
			keysOnly: q.KeysOnly,
		}, nil
	}
}
