package bolt

import (
	"bytes"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/xraph/strata/backend"
	"github.com/xraph/strata/key"
)

// cursor re-derives its successor from the live buckets on every step,
// so same-transaction writes are visible mid-iteration.
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
	if q.Index != "" {
		if _, _, err := t.index(q.Store, q.Index); err != nil {
			return nil, err
		}
	} else if _, _, err := t.store(q.Store); err != nil {
		return nil, err
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
	b, _, err := c.t.store(c.q.Store)
	if err != nil {
		return err
	}
	w := makeWindow(c.q.Range)
	bc := b.Cursor()
	var tenc []byte
	if !target.IsZero() {
		tenc = target.Encode()
	}

	if !c.q.Direction.Reverse() {
		for k, v := w.first(bc); k != nil; k, v = bc.Next() {
			if w.pastUpper(k) {
				return nil
			}
			if after != nil && bytes.Compare(k, after) <= 0 {
				continue
			}
			if tenc != nil && bytes.Compare(k, tenc) < 0 {
				continue
			}
			return c.positionRecord(k, v)
		}
		return nil
	}
	for k, v := w.last(bc); k != nil; k, v = bc.Prev() {
		if w.belowLower(k) {
			return nil
		}
		if after != nil && bytes.Compare(k, after) >= 0 {
			continue
		}
		if tenc != nil && bytes.Compare(k, tenc) > 0 {
			continue
		}
		return c.positionRecord(k, v)
	}
	return nil
}

func (c *cursor) stepIndex(afterI, afterP []byte, target key.Key) error {
	b, ib, err := c.t.index(c.q.Store, c.q.Index)
	if err != nil {
		return err
	}
	if ib == nil {
		return nil
	}
	w := makeWindow(c.q.Range)
	ic := ib.Cursor()
	var tenc []byte
	if !target.IsZero() {
		tenc = target.Encode()
	}
	unique := c.q.Direction.Unique()

	if !c.q.Direction.Reverse() {
		for ek, penc := w.first(ic); ek != nil; ek, penc = ic.Next() {
			if w.pastUpper(ek) {
				return nil
			}
			ienc := ek[:len(ek)-len(penc)]
			if afterI != nil {
				cmp := bytes.Compare(ienc, afterI)
				if cmp < 0 || (cmp == 0 && (unique || bytes.Compare(penc, afterP) <= 0)) {
					continue
				}
			}
			if tenc != nil && bytes.Compare(ienc, tenc) < 0 {
				continue
			}
			return c.positionEntry(b, ienc, penc)
		}
		return nil
	}

	for ek, penc := w.last(ic); ek != nil; ek, penc = ic.Prev() {
		if w.belowLower(ek) {
			return nil
		}
		ienc := ek[:len(ek)-len(penc)]
		if afterI != nil {
			cmp := bytes.Compare(ienc, afterI)
			if cmp > 0 || (cmp == 0 && (unique || bytes.Compare(penc, afterP) >= 0)) {
				continue
			}
		}
		if tenc != nil && bytes.Compare(ienc, tenc) > 0 {
			continue
		}
		if unique {
			// Visit the lowest primary key of this distinct index key.
			ienc = append([]byte(nil), ienc...)
			for {
				pk, pp := ic.Prev()
				if pk == nil || !bytes.Equal(pk[:len(pk)-len(pp)], ienc) {
					break
				}
				penc = pp
			}
		}
		return c.positionEntry(b, ienc, penc)
	}
	return nil
}

func (c *cursor) positionRecord(enc, raw []byte) error {
	k, err := decodeKey(enc)
	if err != nil {
		return err
	}
	var value any
	if !c.q.KeysOnly {
		if value, err = decodeValue(raw); err != nil {
			return err
		}
	}
	c.position(k, enc, k, enc, value)
	return nil
}

func (c *cursor) positionEntry(b *bolt.Bucket, ienc, penc []byte) error {
	ik, err := decodeKey(ienc)
	if err != nil {
		return err
	}
	pk, err := decodeKey(penc)
	if err != nil {
		return err
	}
	var value any
	if !c.q.KeysOnly {
		raw := b.Get(penc)
		if raw == nil {
			return fmt.Errorf("%w: dangling index entry for key %s", backend.ErrUnknown, ik)
		}
		if value, err = decodeValue(raw); err != nil {
			return err
		}
	}
	c.position(ik, ienc, pk, penc, value)
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
