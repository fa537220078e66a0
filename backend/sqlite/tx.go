package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/xraph/strata/backend"
	"github.com/xraph/strata/key"
)

type tx struct {
	stx  *sql.Tx
	mode backend.Mode
	spec *backend.DatabaseSpec

	// scope restricts store access; nil means every store
	// (versionchange).
	scope map[string]struct{}

	specDirty bool
	done      bool
}

func (t *tx) store(name string) (*backend.StoreSpec, error) {
	if t.done {
		return nil, fmt.Errorf("%w: transaction finished", backend.ErrTransactionInactive)
	}
	if t.scope != nil {
		if _, ok := t.scope[name]; !ok {
			return nil, fmt.Errorf("%w: object store %q", backend.ErrNotFound, name)
		}
	}
	spec, ok := t.spec.Stores[name]
	if !ok {
		return nil, fmt.Errorf("%w: object store %q", backend.ErrNotFound, name)
	}
	return spec, nil
}

func (t *tx) writable() error {
	if t.mode == backend.ReadOnly {
		return backend.ErrReadOnly
	}
	return nil
}

func (t *tx) schema() error {
	if t.done {
		return fmt.Errorf("%w: transaction finished", backend.ErrTransactionInactive)
	}
	if t.mode != backend.VersionChange {
		return fmt.Errorf("%w: schema mutation outside a versionchange transaction", backend.ErrInvalidState)
	}
	return nil
}

// ──────────────────────────────────────────────────
// Schema mutation
// ──────────────────────────────────────────────────

func (t *tx) CreateStore(spec *backend.StoreSpec) error {
	if err := t.schema(); err != nil {
		return err
	}
	if _, exists := t.spec.Stores[spec.Name]; exists {
		return fmt.Errorf("%w: object store %q already exists", backend.ErrConstraint, spec.Name)
	}
	cp := spec.Clone()
	if cp.Indexes == nil {
		cp.Indexes = make(map[string]*backend.IndexSpec)
	}
	t.spec.Stores[spec.Name] = cp
	t.specDirty = true
	return nil
}

func (t *tx) DeleteStore(name string) error {
	if err := t.schema(); err != nil {
		return err
	}
	if _, ok := t.spec.Stores[name]; !ok {
		return fmt.Errorf("%w: object store %q", backend.ErrNotFound, name)
	}
	if _, err := t.stx.Exec(`DELETE FROM records WHERE store = ?`, name); err != nil {
		return fmt.Errorf("sqlite: delete store: %w", err)
	}
	if _, err := t.stx.Exec(`DELETE FROM index_entries WHERE store = ?`, name); err != nil {
		return fmt.Errorf("sqlite: delete store entries: %w", err)
	}
	delete(t.spec.Stores, name)
	t.specDirty = true
	return nil
}

func (t *tx) RenameStore(oldName, newName string) error {
	if err := t.schema(); err != nil {
		return err
	}
	spec, ok := t.spec.Stores[oldName]
	if !ok {
		return fmt.Errorf("%w: object store %q", backend.ErrNotFound, oldName)
	}
	if _, exists := t.spec.Stores[newName]; exists {
		return fmt.Errorf("%w: object store %q already exists", backend.ErrConstraint, newName)
	}
	if _, err := t.stx.Exec(`UPDATE records SET store = ? WHERE store = ?`, newName, oldName); err != nil {
		return fmt.Errorf("sqlite: rename store: %w", err)
	}
	if _, err := t.stx.Exec(`UPDATE index_entries SET store = ? WHERE store = ?`, newName, oldName); err != nil {
		return fmt.Errorf("sqlite: rename store entries: %w", err)
	}
	spec.Name = newName
	t.spec.Stores[newName] = spec
	delete(t.spec.Stores, oldName)
	t.specDirty = true
	return nil
}

func (t *tx) CreateIndex(store string, spec *backend.IndexSpec) error {
	if err := t.schema(); err != nil {
		return err
	}
	st, err := t.store(store)
	if err != nil {
		return err
	}
	if _, exists := st.Indexes[spec.Name]; exists {
		return fmt.Errorf("%w: index %q already exists on %q", backend.ErrConstraint, spec.Name, store)
	}

	// Backfill from existing records. Records whose value does not yield
	// an index key are simply not indexed.
	rows, err := t.stx.Query(`SELECT k, v FROM records WHERE store = ? ORDER BY k`, store)
	if err != nil {
		return fmt.Errorf("sqlite: backfill index: %w", err)
	}
	type entry struct {
		ik   key.Key
		ienc []byte
		penc []byte
	}
	var entries []entry
	seen := make(map[string]bool)
	for rows.Next() {
		var enc, raw []byte
		if err := rows.Scan(&enc, &raw); err != nil {
			rows.Close()
			return fmt.Errorf("sqlite: backfill index: %w", err)
		}
		value, err := decodeValue(raw)
		if err != nil {
			rows.Close()
			return err
		}
		for _, ik := range backend.IndexKeys(spec, value) {
			ienc := ik.Encode()
			if spec.Unique {
				if seen[string(ienc)] {
					rows.Close()
					return fmt.Errorf("%w: unique index %q on %q: duplicate key %s",
						backend.ErrConstraint, spec.Name, store, ik)
				}
				seen[string(ienc)] = true
			}
			entries = append(entries, entry{ik: ik, ienc: ienc, penc: enc})
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("sqlite: backfill index: %w", err)
	}
	rows.Close()

	for _, e := range entries {
		if _, err := t.stx.Exec(
			`INSERT OR REPLACE INTO index_entries (store, idx, ik, pk) VALUES (?, ?, ?, ?)`,
			store, spec.Name, e.ienc, e.penc,
		); err != nil {
			return fmt.Errorf("sqlite: backfill index: %w", err)
		}
	}

	st.Indexes[spec.Name] = spec.Clone()
	t.specDirty = true
	return nil
}

func (t *tx) DeleteIndex(store, index string) error {
	if err := t.schema(); err != nil {
		return err
	}
	st, err := t.store(store)
	if err != nil {
		return err
	}
	if _, ok := st.Indexes[index]; !ok {
		return fmt.Errorf("%w: index %q on %q", backend.ErrNotFound, index, store)
	}
	if _, err := t.stx.Exec(`DELETE FROM index_entries WHERE store = ? AND idx = ?`, store, index); err != nil {
		return fmt.Errorf("sqlite: delete index: %w", err)
	}
	delete(st.Indexes, index)
	t.specDirty = true
	return nil
}

func (t *tx) RenameIndex(store, oldName, newName string) error {
	if err := t.schema(); err != nil {
		return err
	}
	st, err := t.store(store)
	if err != nil {
		return err
	}
	spec, ok := st.Indexes[oldName]
	if !ok {
		return fmt.Errorf("%w: index %q on %q", backend.ErrNotFound, oldName, store)
	}
	if _, exists := st.Indexes[newName]; exists {
		return fmt.Errorf("%w: index %q already exists on %q", backend.ErrConstraint, newName, store)
	}
	if _, err := t.stx.Exec(
		`UPDATE index_entries SET idx = ? WHERE store = ? AND idx = ?`,
		newName, store, oldName,
	); err != nil {
		return fmt.Errorf("sqlite: rename index: %w", err)
	}
	spec.Name = newName
	st.Indexes[newName] = spec
	delete(st.Indexes, oldName)
	t.specDirty = true
	return nil
}

func (t *tx) SetVersion(version uint64) error {
	if err := t.schema(); err != nil {
		return err
	}
	t.spec.Version = version
	t.specDirty = true
	return nil
}

// ──────────────────────────────────────────────────
// Reads
// ──────────────────────────────────────────────────

// rangeCond appends BLOB comparison conditions for col over r. BLOBs
// compare memcmp-wise in SQLite, which matches key order for the
// order-preserving encoding.
func rangeCond(conds *[]string, args *[]any, col string, r key.Range) {
	if r.Lower != nil {
		op := ">="
		if r.LowerOpen {
			op = ">"
		}
		*conds = append(*conds, col+" "+op+" ?")
		*args = append(*args, r.Lower.Encode())
	}
	if r.Upper != nil {
		op := "<="
		if r.UpperOpen {
			op = "<"
		}
		*conds = append(*conds, col+" "+op+" ?")
		*args = append(*args, r.Upper.Encode())
	}
}

// queryRecords streams records inside r ascending until fn errors.
func (t *tx) queryRecords(store string, r key.Range, limit int, fn func(enc, raw []byte) error) error {
	conds := []string{"store = ?"}
	args := []any{store}
	rangeCond(&conds, &args, "k", r)
	q := `SELECT k, v FROM records WHERE ` + strings.Join(conds, " AND ") + ` ORDER BY k`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := t.stx.Query(q, args...)
	if err != nil {
		return fmt.Errorf("sqlite: query records: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var enc, raw []byte
		if err := rows.Scan(&enc, &raw); err != nil {
			return fmt.Errorf("sqlite: scan record: %w", err)
		}
		if err := fn(enc, raw); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("sqlite: query records: %w", err)
	}
	return nil
}

func (t *tx) Get(store string, r key.Range) (any, error) {
	if _, err := t.store(store); err != nil {
		return nil, err
	}
	var raw []byte
	found := false
	err := t.queryRecords(store, r, 1, func(_, v []byte) error {
		raw = v
		found = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, backend.ErrNotFound
	}
	return decodeValue(raw)
}

func (t *tx) GetKey(store string, r key.Range) (key.Key, error) {
	if _, err := t.store(store); err != nil {
		return key.Key{}, err
	}
	var enc []byte
	err := t.queryRecords(store, r, 1, func(k, _ []byte) error {
		enc = k
		return nil
	})
	if err != nil {
		return key.Key{}, err
	}
	if enc == nil {
		return key.Key{}, backend.ErrNotFound
	}
	return decodeKey(enc)
}

func (t *tx) GetAll(store string, r key.Range, limit int) ([]any, error) {
	if _, err := t.store(store); err != nil {
		return nil, err
	}
	out := []any{}
	err := t.queryRecords(store, r, limit, func(_, raw []byte) error {
		value, err := decodeValue(raw)
		if err != nil {
			return err
		}
		out = append(out, value)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (t *tx) GetAllKeys(store string, r key.Range, limit int) ([]key.Key, error) {
	if _, err := t.store(store); err != nil {
		return nil, err
	}
	out := []key.Key{}
	err := t.queryRecords(store, r, limit, func(enc, _ []byte) error {
		k, err := decodeKey(enc)
		if err != nil {
			return err
		}
		out = append(out, k)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (t *tx) Count(store string, r key.Range) (uint64, error) {
	if _, err := t.store(store); err != nil {
		return 0, err
	}
	conds := []string{"store = ?"}
	args := []any{store}
	rangeCond(&conds, &args, "k", r)
	var n uint64
	err := t.stx.QueryRow(
		`SELECT COUNT(*) FROM records WHERE `+strings.Join(conds, " AND "), args...,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite: count: %w", err)
	}
	return n, nil
}

// ──────────────────────────────────────────────────
// Writes
// ──────────────────────────────────────────────────

func (t *tx) Put(store string, value any, k key.Key) (key.Key, error) {
	return t.write(store, value, k, false)
}

func (t *tx) Add(store string, value any, k key.Key) (key.Key, error) {
	return t.write(store, value, k, true)
}

func (t *tx) write(store string, value any, k key.Key, add bool) (key.Key, error) {
	if err := t.writable(); err != nil {
		return key.Key{}, err
	}
	spec, err := t.store(store)
	if err != nil {
		return key.Key{}, err
	}

	if k.IsZero() {
		if !spec.AutoIncrement {
			return key.Key{}, fmt.Errorf("%w: store %q has no key generator", backend.ErrData, store)
		}
		spec.KeyGen++
		t.specDirty = true
		k = key.NewNumber(float64(spec.KeyGen))
		if spec.KeyPath != nil && !spec.KeyPath.IsIdentity() {
			value, err = spec.KeyPath.Inject(value, k)
			if err != nil {
				return key.Key{}, fmt.Errorf("%w: %v", backend.ErrData, err)
			}
		}
	} else if spec.AutoIncrement && k.Type() == key.Number {
		// Bump the generator past any larger observed key.
		if n := k.Num(); n >= float64(spec.KeyGen+1) && n <= math.MaxUint64 {
			spec.KeyGen = uint64(math.Floor(n))
			t.specDirty = true
		}
	}

	enc := k.Encode()
	exists := true
	var oldRaw []byte
	err = t.stx.QueryRow(`SELECT v FROM records WHERE store = ? AND k = ?`, store, enc).Scan(&oldRaw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		exists = false
	case err != nil:
		return key.Key{}, fmt.Errorf("sqlite: read record: %w", err)
	}
	if exists && add {
		return key.Key{}, fmt.Errorf("%w: key %s already exists in %q", backend.ErrConstraint, k, store)
	}

	// Validate unique constraints before touching anything.
	for name, ispec := range spec.Indexes {
		if !ispec.Unique {
			continue
		}
		for _, ik := range backend.IndexKeys(ispec, value) {
			var one int
			err := t.stx.QueryRow(
				`SELECT 1 FROM index_entries WHERE store = ? AND idx = ? AND ik = ? AND pk <> ? LIMIT 1`,
				store, name, ik.Encode(), enc,
			).Scan(&one)
			if err == nil {
				return key.Key{}, fmt.Errorf("%w: unique index %q on %q: duplicate key %s",
					backend.ErrConstraint, name, store, ik)
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return key.Key{}, fmt.Errorf("sqlite: unique check: %w", err)
			}
		}
	}

	// Replacing a record drops every entry its old value produced.
	if exists {
		if _, err := t.stx.Exec(
			`DELETE FROM index_entries WHERE store = ? AND pk = ?`, store, enc,
		); err != nil {
			return key.Key{}, fmt.Errorf("sqlite: drop index entries: %w", err)
		}
	}

	raw, err := encodeValue(value)
	if err != nil {
		return key.Key{}, err
	}
	if _, err := t.stx.Exec(
		`INSERT OR REPLACE INTO records (store, k, v) VALUES (?, ?, ?)`, store, enc, raw,
	); err != nil {
		return key.Key{}, fmt.Errorf("sqlite: put: %w", err)
	}
	for name, ispec := range spec.Indexes {
		for _, ik := range backend.IndexKeys(ispec, value) {
			if _, err := t.stx.Exec(
				`INSERT OR REPLACE INTO index_entries (store, idx, ik, pk) VALUES (?, ?, ?, ?)`,
				store, name, ik.Encode(), enc,
			); err != nil {
				return key.Key{}, fmt.Errorf("sqlite: put index entry: %w", err)
			}
		}
	}
	return k, nil
}

func (t *tx) Delete(store string, r key.Range) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, err := t.store(store); err != nil {
		return err
	}

	conds := []string{"store = ?"}
	args := []any{store}
	rangeCond(&conds, &args, "k", r)
	where := strings.Join(conds, " AND ")

	entryArgs := append([]any{store}, args...)
	if _, err := t.stx.Exec(
		`DELETE FROM index_entries WHERE store = ? AND pk IN (SELECT k FROM records WHERE `+where+`)`,
		entryArgs...,
	); err != nil {
		return fmt.Errorf("sqlite: delete index entries: %w", err)
	}
	if _, err := t.stx.Exec(`DELETE FROM records WHERE `+where, args...); err != nil {
		return fmt.Errorf("sqlite: delete: %w", err)
	}
	return nil
}

func (t *tx) Clear(store string) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, err := t.store(store); err != nil {
		return err
	}
	if _, err := t.stx.Exec(`DELETE FROM records WHERE store = ?`, store); err != nil {
		return fmt.Errorf("sqlite: clear: %w", err)
	}
	if _, err := t.stx.Exec(`DELETE FROM index_entries WHERE store = ?`, store); err != nil {
		return fmt.Errorf("sqlite: clear entries: %w", err)
	}
	return nil
}

// ──────────────────────────────────────────────────
// Index reads
// ──────────────────────────────────────────────────

// checkIndex verifies the index exists in the schema.
func (t *tx) checkIndex(store, index string) error {
	spec, err := t.store(store)
	if err != nil {
		return err
	}
	if _, ok := spec.Indexes[index]; !ok {
		return fmt.Errorf("%w: index %q on %q", backend.ErrNotFound, index, store)
	}
	return nil
}

// queryEntries streams index entries whose index key falls inside r,
// ordered by (index key, primary key), joined with the referenced
// record's value (nil when the record is gone).
func (t *tx) queryEntries(store, index string, r key.Range, limit int, fn func(ienc, penc, raw []byte) error) error {
	conds := []string{"e.store = ?", "e.idx = ?"}
	args := []any{store, index}
	rangeCond(&conds, &args, "e.ik", r)
	q := `SELECT e.ik, e.pk, r.v FROM index_entries e
		LEFT JOIN records r ON r.store = e.store AND r.k = e.pk
		WHERE ` + strings.Join(conds, " AND ") + ` ORDER BY e.ik, e.pk`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := t.stx.Query(q, args...)
	if err != nil {
		return fmt.Errorf("sqlite: query entries: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var ienc, penc, raw []byte
		if err := rows.Scan(&ienc, &penc, &raw); err != nil {
			return fmt.Errorf("sqlite: scan entry: %w", err)
		}
		if err := fn(ienc, penc, raw); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("sqlite: query entries: %w", err)
	}
	return nil
}

func (t *tx) IndexGet(store, index string, r key.Range) (any, error) {
	if err := t.checkIndex(store, index); err != nil {
		return nil, err
	}
	var raw []byte
	found := false
	err := t.queryEntries(store, index, r, 1, func(_, _, v []byte) error {
		raw = v
		found = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !found || raw == nil {
		return nil, backend.ErrNotFound
	}
	return decodeValue(raw)
}

func (t *tx) IndexGetKey(store, index string, r key.Range) (key.Key, error) {
	if err := t.checkIndex(store, index); err != nil {
		return key.Key{}, err
	}
	var penc []byte
	err := t.queryEntries(store, index, r, 1, func(_, p, _ []byte) error {
		penc = p
		return nil
	})
	if err != nil {
		return key.Key{}, err
	}
	if penc == nil {
		return key.Key{}, backend.ErrNotFound
	}
	return decodeKey(penc)
}

func (t *tx) IndexGetAll(store, index string, r key.Range, limit int) ([]any, error) {
	if err := t.checkIndex(store, index); err != nil {
		return nil, err
	}
	out := []any{}
	err := t.queryEntries(store, index, r, 0, func(_, _, raw []byte) error {
		if limit > 0 && len(out) >= limit {
			return nil
		}
		if raw == nil {
			return nil
		}
		value, err := decodeValue(raw)
		if err != nil {
			return err
		}
		out = append(out, value)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (t *tx) IndexGetAllKeys(store, index string, r key.Range, limit int) ([]key.Key, error) {
	if err := t.checkIndex(store, index); err != nil {
		return nil, err
	}
	out := []key.Key{}
	err := t.queryEntries(store, index, r, limit, func(_, penc, _ []byte) error {
		k, err := decodeKey(penc)
		if err != nil {
			return err
		}
		out = append(out, k)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (t *tx) IndexCount(store, index string, r key.Range) (uint64, error) {
	if err := t.checkIndex(store, index); err != nil {
		return 0, err
	}
	conds := []string{"store = ?", "idx = ?"}
	args := []any{store, index}
	rangeCond(&conds, &args, "ik", r)
	var n uint64
	err := t.stx.QueryRow(
		`SELECT COUNT(*) FROM index_entries WHERE `+strings.Join(conds, " AND "), args...,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite: index count: %w", err)
	}
	return n, nil
}

// ──────────────────────────────────────────────────
// Commit / Abort
// ──────────────────────────────────────────────────

func (t *tx) Commit() error {
	if t.done {
		return fmt.Errorf("%w: transaction finished", backend.ErrTransactionInactive)
	}
	t.done = true

	if t.mode == backend.ReadOnly {
		return t.stx.Rollback()
	}

	if t.specDirty {
		raw, err := msgpack.Marshal(t.spec)
		if err != nil {
			t.stx.Rollback()
			return fmt.Errorf("sqlite: encode schema: %w", err)
		}
		if _, err := t.stx.Exec(`INSERT OR REPLACE INTO meta (k, v) VALUES ('spec', ?)`, raw); err != nil {
			t.stx.Rollback()
			return fmt.Errorf("sqlite: commit schema: %w", err)
		}
	}
	if err := t.stx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

func (t *tx) Abort() error {
	if t.done {
		return fmt.Errorf("%w: transaction finished", backend.ErrTransactionInactive)
	}
	t.done = true
	if err := t.stx.Rollback(); err != nil {
		return fmt.Errorf("sqlite: rollback: %w", err)
	}
	return nil
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func encodeValue(v any) ([]byte, error) {
	raw, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: encode value: %v", backend.ErrData, err)
	}
	return raw, nil
}

func decodeValue(raw []byte) (any, error) {
	var v any
	if err := msgpack.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: corrupt record value: %v", backend.ErrData, err)
	}
	return v, nil
}

func decodeKey(enc []byte) (key.Key, error) {
	k, err := key.Decode(enc)
	if err != nil {
		return key.Key{}, fmt.Errorf("%w: corrupt key encoding: %v", backend.ErrData, err)
	}
	return k, nil
}
