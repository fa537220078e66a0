package memory

import (
	"bytes"
	"fmt"

	"github.com/xraph/strata/backend"
	"github.com/xraph/strata/key"
)

// cursor re-derives its successor from the live table on every step, so
// same-transaction writes are visible mid-iteration.
type cursor struct {
	t *tx
	q backend.CursorQuery

	valid bool
	ikey  key.Key // iteration key (primary key for store cursors)
	ienc  []byte
	pkey  key.Key
	penc  []byte
	value any
}

func (t *tx) OpenCursor(q backend.CursorQuery) (backend.Cursor, error) {
	if !q.Direction.Valid() {
		return nil, fmt.Errorf("%w: bad direction %q", backend.ErrData, q.Direction)
	}
	_, spec, err := t.table(q.Store)
	if err != nil {
		return nil, err
	}
	if q.Index != "" {
		if _, ok := spec.Indexes[q.Index]; !ok {
			return nil, fmt.Errorf("%w: index %q on %q", backend.ErrNotFound, q.Index, q.Store)
		}
	}
	c := &cursor{t: t, q: q}
	if err := c.step(nil, nil, key.Key{}); err != nil {
		return nil, err
	}
	return c, nil
}

// Valid reports whether the cursor is positioned on a record.
func (c *cursor) Valid() bool { return c.valid }

func (c *cursor) Key() key.Key        { return c.ikey }
func (c *cursor) PrimaryKey() key.Key { return c.pkey }
func (c *cursor) Value() any          { return c.value }

func (c *cursor) Continue(target key.Key) error {
	if !c.valid {
		return fmt.Errorf("%w: cursor is exhausted", backend.ErrInvalidState)
	}
	return c.step(c.ienc, c.penc, target)
}

func (c *cursor) Advance(count int) error {
	if count < 1 {
		return fmt.Errorf("%w: advance count must be >= 1", backend.ErrData)
	}
	for i := 0; i < count; i++ {
		if !c.valid {
			return fmt.Errorf("%w: cursor is exhausted", backend.ErrInvalidState)
		}
		if err := c.step(c.ienc, c.penc, key.Key{}); err != nil {
			return err
		}
	}
	return nil
}

// step positions the cursor at the first record strictly beyond
// (afterI, afterP) in direction order, inside the query range, and at or
// beyond target when target is set. nil afterI means "from the edge".
func (c *cursor) step(afterI, afterP []byte, target key.Key) error {
	c.valid = false
	c.value = nil

	if c.q.Index == "" {
		return c.stepStore(afterI, target)
	}
	return c.stepIndex(afterI, afterP, target)
}

func (c *cursor) stepStore(after []byte, target key.Key) error {
	tbl, _, err := c.t.table(c.q.Store)
	if err != nil {
		return err
	}
	lo, hi := recordRange(tbl.records, c.q.Range)
	var tenc []byte
	if !target.IsZero() {
		tenc = target.Encode()
	}

	if !c.q.Direction.Reverse() {
		for i := lo; i < hi; i++ {
			rec := tbl.records[i]
			if after != nil && bytes.Compare(rec.enc, after) <= 0 {
				continue
			}
			if tenc != nil && bytes.Compare(rec.enc, tenc) < 0 {
				continue
			}
			c.position(rec.k, rec.enc, rec.k, rec.enc, rec.value)
			return nil
		}
		return nil
	}
	for i := hi - 1; i >= lo; i-- {
		rec := tbl.records[i]
		if after != nil && bytes.Compare(rec.enc, after) >= 0 {
			continue
		}
		if tenc != nil && bytes.Compare(rec.enc, tenc) > 0 {
			continue
		}
		c.position(rec.k, rec.enc, rec.k, rec.enc, rec.value)
		return nil
	}
	return nil
}

func (c *cursor) stepIndex(afterI, afterP []byte, target key.Key) error {
	tbl, spec, err := c.t.table(c.q.Store)
	if err != nil {
		return err
	}
	if _, ok := spec.Indexes[c.q.Index]; !ok {
		return fmt.Errorf("%w: index %q on %q", backend.ErrNotFound, c.q.Index, c.q.Store)
	}
	entries := tbl.indexes[c.q.Index]
	lo, hi := entryRange(entries, c.q.Range)
	window := entries[lo:hi]
	var tenc []byte
	if !target.IsZero() {
		tenc = target.Encode()
	}
	unique := c.q.Direction.Unique()

	if !c.q.Direction.Reverse() {
		for i := 0; i < len(window); i++ {
			e := window[i]
			if afterI != nil {
				ic := bytes.Compare(e.ienc, afterI)
				if ic < 0 || (ic == 0 && (unique || bytes.Compare(e.penc, afterP) <= 0)) {
					continue
				}
			}
			if tenc != nil && bytes.Compare(e.ienc, tenc) < 0 {
				continue
			}
			return c.positionEntry(tbl, e)
		}
		return nil
	}

	for i := len(window) - 1; i >= 0; i-- {
		e := window[i]
		if afterI != nil {
			ic := bytes.Compare(e.ienc, afterI)
			if ic > 0 || (ic == 0 && (unique || bytes.Compare(e.penc, afterP) >= 0)) {
				continue
			}
		}
		if tenc != nil && bytes.Compare(e.ienc, tenc) > 0 {
			continue
		}
		if unique {
			// Visit the lowest primary key of this distinct index key.
			for i > 0 && bytes.Equal(window[i-1].ienc, e.ienc) {
				i--
				e = window[i]
			}
		}
		return c.positionEntry(tbl, e)
	}
	return nil
}

func (c *cursor) positionEntry(tbl *table, e indexEntry) error {
	var value any
	if !c.q.KeysOnly {
		rec, ok := tbl.lookup(e.penc)
		if !ok {
			return fmt.Errorf("%w: dangling index entry for key %s", backend.ErrUnknown, e.ikey)
		}
		value = rec.value
	}
	c.position(e.ikey, e.ienc, e.pkey, e.penc, value)
	return nil
}

func (c *cursor) position(ik key.Key, ienc []byte, pk key.Key, penc []byte, value any) {
	c.valid = true
	c.ikey = ik
	c.ienc = append([]byte(nil), ienc...)
	c.pkey = pk
	c.penc = append([]byte(nil), penc...)
	if c.q.KeysOnly {
		c.value = nil
	} else {
		c.value = value
	}
}
