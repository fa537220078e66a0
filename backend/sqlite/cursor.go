package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/xraph/strata/backend"
	"github.com/xraph/strata/key"
)

// cursor re-derives its successor with a fresh query on every step, so
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
	if q.Index != "" {
		if err := t.checkIndex(q.Store, q.Index); err != nil {
			return nil, err
		}
	} else if _, err := t.store(q.Store); err != nil {
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
	if _, err := c.t.store(c.q.Store); err != nil {
		return err
	}
	reverse := c.q.Direction.Reverse()

	conds := []string{"store = ?"}
	args := []any{c.q.Store}
	rangeCond(&conds, &args, "k", c.q.Range)
	if after != nil {
		if reverse {
			conds = append(conds, "k < ?")
		} else {
			conds = append(conds, "k > ?")
		}
		args = append(args, after)
	}
	if !target.IsZero() {
		if reverse {
			conds = append(conds, "k <= ?")
		} else {
			conds = append(conds, "k >= ?")
		}
		args = append(args, target.Encode())
	}
	order := "ASC"
	if reverse {
		order = "DESC"
	}
	q := `SELECT k, v FROM records WHERE ` + strings.Join(conds, " AND ") +
		` ORDER BY k ` + order + ` LIMIT 1`

	var enc, raw []byte
	err := c.t.stx.QueryRow(q, args...).Scan(&enc, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil // exhausted
	}
	if err != nil {
		return fmt.Errorf("sqlite: cursor step: %w", err)
	}
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

func (c *cursor) stepIndex(afterI, afterP []byte, target key.Key) error {
	if err := c.t.checkIndex(c.q.Store, c.q.Index); err != nil {
		return err
	}
	reverse := c.q.Direction.Reverse()
	unique := c.q.Direction.Unique()

	conds := []string{"store = ?", "idx = ?"}
	args := []any{c.q.Store, c.q.Index}
	rangeCond(&conds, &args, "ik", c.q.Range)
	if afterI != nil {
		switch {
		case unique && reverse:
			conds = append(conds, "ik < ?")
			args = append(args, afterI)
		case unique:
			conds = append(conds, "ik > ?")
			args = append(args, afterI)
		case reverse:
			conds = append(conds, "(ik < ? OR (ik = ? AND pk < ?))")
			args = append(args, afterI, afterI, afterP)
		default:
			conds = append(conds, "(ik > ? OR (ik = ? AND pk > ?))")
			args = append(args, afterI, afterI, afterP)
		}
	}
	if !target.IsZero() {
		if reverse {
			conds = append(conds, "ik <= ?")
		} else {
			conds = append(conds, "ik >= ?")
		}
		args = append(args, target.Encode())
	}
	order := "ik ASC, pk ASC"
	if reverse {
		order = "ik DESC, pk DESC"
	}
	q := `SELECT ik, pk FROM index_entries WHERE ` + strings.Join(conds, " AND ") +
		` ORDER BY ` + order + ` LIMIT 1`

	var ienc, penc []byte
	err := c.t.stx.QueryRow(q, args...).Scan(&ienc, &penc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil // exhausted
	}
	if err != nil {
		return fmt.Errorf("sqlite: cursor step: %w", err)
	}

	if unique && reverse {
		// Visit the lowest primary key of this distinct index key.
		err := c.t.stx.QueryRow(
			`SELECT pk FROM index_entries WHERE store = ? AND idx = ? AND ik = ? ORDER BY pk ASC LIMIT 1`,
			c.q.Store, c.q.Index, ienc,
		).Scan(&penc)
		if err != nil {
			return fmt.Errorf("sqlite: cursor step: %w", err)
		}
	}

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
		var raw []byte
		err := c.t.stx.QueryRow(
			`SELECT v FROM records WHERE store = ? AND k = ?`, c.q.Store, penc,
		).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: dangling index entry for key %s", backend.ErrUnknown, ik)
		}
		if err != nil {
			return fmt.Errorf("sqlite: cursor step: %w", err)
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
