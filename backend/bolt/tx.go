package bolt

import (
	"bytes"
	"fmt"
	"math"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"

	"github.com/xraph/strata/backend"
	"github.com/xraph/strata/key"
)

type tx struct {
	db   *bolt.DB
	btx  *bolt.Tx
	mode backend.Mode
	spec *backend.DatabaseSpec

	// scope restricts store access; nil means every store
	// (versionchange).
	scope map[string]struct{}

	relaxed   bool
	specDirty bool
	done      bool
}

func (t *tx) store(name string) (*bolt.Bucket, *backend.StoreSpec, error) {
	if t.done {
		return nil, nil, fmt.Errorf("%w: transaction finished", backend.ErrTransactionInactive)
	}
	if t.scope != nil {
		if _, ok := t.scope[name]; !ok {
			return nil, nil, fmt.Errorf("%w: object store %q", backend.ErrNotFound, name)
		}
	}
	spec, ok := t.spec.Stores[name]
	if !ok {
		return nil, nil, fmt.Errorf("%w: object store %q", backend.ErrNotFound, name)
	}
	b := t.btx.Bucket(storeBucket(name))
	if b == nil {
		return nil, nil, fmt.Errorf("%w: missing bucket for object store %q", backend.ErrUnknown, name)
	}
	return b, spec, nil
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
	if _, err := t.btx.CreateBucket(storeBucket(spec.Name)); err != nil {
		return fmt.Errorf("bolt: create store bucket: %w", err)
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
	spec, ok := t.spec.Stores[name]
	if !ok {
		return fmt.Errorf("%w: object store %q", backend.ErrNotFound, name)
	}
	if err := t.btx.DeleteBucket(storeBucket(name)); err != nil {
		return fmt.Errorf("bolt: delete store bucket: %w", err)
	}
	for index := range spec.Indexes {
		if err := t.btx.DeleteBucket(indexBucket(name, index)); err != nil {
			return fmt.Errorf("bolt: delete index bucket: %w", err)
		}
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
	if err := t.moveBucket(storeBucket(oldName), storeBucket(newName)); err != nil {
		return err
	}
	for index := range spec.Indexes {
		if err := t.moveBucket(indexBucket(oldName, index), indexBucket(newName, index)); err != nil {
			return err
		}
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
	b, st, err := t.store(store)
	if err != nil {
		return err
	}
	if _, exists := st.Indexes[spec.Name]; exists {
		return fmt.Errorf("%w: index %q already exists on %q", backend.ErrConstraint, spec.Name, store)
	}
	ib, err := t.btx.CreateBucket(indexBucket(store, spec.Name))
	if err != nil {
		return fmt.Errorf("bolt: create index bucket: %w", err)
	}

	// Backfill from existing records. Records whose value does not yield
	// an index key are simply not indexed.
	c := b.Cursor()
	for enc, raw := c.First(); enc != nil; enc, raw = c.Next() {
		value, err := decodeValue(raw)
		if err != nil {
			return err
		}
		for _, ik := range backend.IndexKeys(spec, value) {
			ienc := ik.Encode()
			if spec.Unique && indexHasOther(ib, ienc, enc) {
				// Drop the half-built bucket so an aborting caller leaves
				// nothing behind in this transaction's view.
				_ = t.btx.DeleteBucket(indexBucket(store, spec.Name))
				return fmt.Errorf("%w: unique index %q on %q: duplicate key %s",
					backend.ErrConstraint, spec.Name, store, ik)
			}
			if err := ib.Put(entryKey(ienc, enc), enc); err != nil {
				return fmt.Errorf("bolt: backfill index: %w", err)
			}
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
	_, st, err := t.store(store)
	if err != nil {
		return err
	}
	if _, ok := st.Indexes[index]; !ok {
		return fmt.Errorf("%w: index %q on %q", backend.ErrNotFound, index, store)
	}
	if err := t.btx.DeleteBucket(indexBucket(store, index)); err != nil {
		return fmt.Errorf("bolt: delete index bucket: %w", err)
	}
	delete(st.Indexes, index)
	t.specDirty = true
	return nil
}

func (t *tx) RenameIndex(store, oldName, newName string) error {
	if err := t.schema(); err != nil {
		return err
	}
	_, st, err := t.store(store)
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
	if err := t.moveBucket(indexBucket(store, oldName), indexBucket(store, newName)); err != nil {
		return err
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

// moveBucket renames a bucket by copying its pairs; bbolt has no rename.
func (t *tx) moveBucket(from, to []byte) error {
	src := t.btx.Bucket(from)
	if src == nil {
		return fmt.Errorf("%w: missing bucket %q", backend.ErrUnknown, from)
	}
	dst, err := t.btx.CreateBucket(to)
	if err != nil {
		return fmt.Errorf("bolt: create bucket: %w", err)
	}
	c := src.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if err := dst.Put(k, v); err != nil {
			return fmt.Errorf("bolt: copy bucket: %w", err)
		}
	}
	if err := t.btx.DeleteBucket(from); err != nil {
		return fmt.Errorf("bolt: delete bucket: %w", err)
	}
	return nil
}

// ──────────────────────────────────────────────────
// Reads
// ──────────────────────────────────────────────────

func (t *tx) Get(store string, r key.Range) (any, error) {
	b, _, err := t.store(store)
	if err != nil {
		return nil, err
	}
	var raw []byte
	forEachRecord(b, r, func(_, v []byte) bool {
		raw = v
		return false
	})
	if raw == nil {
		return nil, backend.ErrNotFound
	}
	return decodeValue(raw)
}

func (t *tx) GetKey(store string, r key.Range) (key.Key, error) {
	b, _, err := t.store(store)
	if err != nil {
		return key.Key{}, err
	}
	var enc []byte
	forEachRecord(b, r, func(k, _ []byte) bool {
		enc = k
		return false
	})
	if enc == nil {
		return key.Key{}, backend.ErrNotFound
	}
	return decodeKey(enc)
}

func (t *tx) GetAll(store string, r key.Range, limit int) ([]any, error) {
	b, _, err := t.store(store)
	if err != nil {
		return nil, err
	}
	out := []any{}
	var decodeErr error
	forEachRecord(b, r, func(_, v []byte) bool {
		if limit > 0 && len(out) >= limit {
			return false
		}
		value, err := decodeValue(v)
		if err != nil {
			decodeErr = err
			return false
		}
		out = append(out, value)
		return true
	})
	if decodeErr != nil {
		return nil, decodeErr
	}
	return out, nil
}

func (t *tx) GetAllKeys(store string, r key.Range, limit int) ([]key.Key, error) {
	b, _, err := t.store(store)
	if err != nil {
		return nil, err
	}
	out := []key.Key{}
	var decodeErr error
	forEachRecord(b, r, func(enc, _ []byte) bool {
		if limit > 0 && len(out) >= limit {
			return false
		}
		k, err := decodeKey(enc)
		if err != nil {
			decodeErr = err
			return false
		}
		out = append(out, k)
		return true
	})
	if decodeErr != nil {
		return nil, decodeErr
	}
	return out, nil
}

func (t *tx) Count(store string, r key.Range) (uint64, error) {
	b, _, err := t.store(store)
	if err != nil {
		return 0, err
	}
	var n uint64
	forEachRecord(b, r, func(_, _ []byte) bool {
		n++
		return true
	})
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
	b, spec, err := t.store(store)
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
	old := b.Get(enc)
	if old != nil && add {
		return key.Key{}, fmt.Errorf("%w: key %s already exists in %q", backend.ErrConstraint, k, store)
	}

	// Validate unique constraints before touching anything.
	for name, ispec := range spec.Indexes {
		if !ispec.Unique {
			continue
		}
		ib := t.btx.Bucket(indexBucket(store, name))
		if ib == nil {
			continue
		}
		for _, ik := range backend.IndexKeys(ispec, value) {
			if indexHasOther(ib, ik.Encode(), enc) {
				return key.Key{}, fmt.Errorf("%w: unique index %q on %q: duplicate key %s",
					backend.ErrConstraint, name, store, ik)
			}
		}
	}

	// Replacing a record drops the entries its old value produced.
	if old != nil {
		oldValue, err := decodeValue(old)
		if err != nil {
			return key.Key{}, err
		}
		if err := t.dropEntries(store, spec, oldValue, enc); err != nil {
			return key.Key{}, err
		}
	}

	raw, err := encodeValue(value)
	if err != nil {
		return key.Key{}, err
	}
	if err := b.Put(enc, raw); err != nil {
		return key.Key{}, fmt.Errorf("bolt: put: %w", err)
	}
	for name, ispec := range spec.Indexes {
		ib := t.btx.Bucket(indexBucket(store, name))
		if ib == nil {
			continue
		}
		for _, ik := range backend.IndexKeys(ispec, value) {
			if err := ib.Put(entryKey(ik.Encode(), enc), enc); err != nil {
				return key.Key{}, fmt.Errorf("bolt: put index entry: %w", err)
			}
		}
	}
	return k, nil
}

func (t *tx) Delete(store string, r key.Range) error {
	if err := t.writable(); err != nil {
		return err
	}
	b, spec, err := t.store(store)
	if err != nil {
		return err
	}

	type doomed struct {
		enc []byte
		raw []byte
	}
	var victims []doomed
	forEachRecord(b, r, func(enc, raw []byte) bool {
		victims = append(victims, doomed{
			enc: append([]byte(nil), enc...),
			raw: append([]byte(nil), raw...),
		})
		return true
	})

	for _, v := range victims {
		value, err := decodeValue(v.raw)
		if err != nil {
			return err
		}
		if err := t.dropEntries(store, spec, value, v.enc); err != nil {
			return err
		}
		if err := b.Delete(v.enc); err != nil {
			return fmt.Errorf("bolt: delete: %w", err)
		}
	}
	return nil
}

func (t *tx) Clear(store string) error {
	if err := t.writable(); err != nil {
		return err
	}
	_, spec, err := t.store(store)
	if err != nil {
		return err
	}
	if err := t.btx.DeleteBucket(storeBucket(store)); err != nil {
		return fmt.Errorf("bolt: clear: %w", err)
	}
	if _, err := t.btx.CreateBucket(storeBucket(store)); err != nil {
		return fmt.Errorf("bolt: clear: %w", err)
	}
	for index := range spec.Indexes {
		if err := t.btx.DeleteBucket(indexBucket(store, index)); err != nil {
			return fmt.Errorf("bolt: clear index: %w", err)
		}
		if _, err := t.btx.CreateBucket(indexBucket(store, index)); err != nil {
			return fmt.Errorf("bolt: clear index: %w", err)
		}
	}
	return nil
}

// dropEntries removes every index entry a record value produced.
func (t *tx) dropEntries(store string, spec *backend.StoreSpec, value any, penc []byte) error {
	for name, ispec := range spec.Indexes {
		ib := t.btx.Bucket(indexBucket(store, name))
		if ib == nil {
			continue
		}
		for _, ik := range backend.IndexKeys(ispec, value) {
			if err := ib.Delete(entryKey(ik.Encode(), penc)); err != nil {
				return fmt.Errorf("bolt: delete index entry: %w", err)
			}
		}
	}
	return nil
}

// ──────────────────────────────────────────────────
// Index reads
// ──────────────────────────────────────────────────

// index resolves an index's entries bucket, checking the schema first.
func (t *tx) index(store, index string) (*bolt.Bucket, *bolt.Bucket, error) {
	b, spec, err := t.store(store)
	if err != nil {
		return nil, nil, err
	}
	if _, ok := spec.Indexes[index]; !ok {
		return nil, nil, fmt.Errorf("%w: index %q on %q", backend.ErrNotFound, index, store)
	}
	return b, t.btx.Bucket(indexBucket(store, index)), nil
}

func (t *tx) IndexGet(store, index string, r key.Range) (any, error) {
	b, ib, err := t.index(store, index)
	if err != nil {
		return nil, err
	}
	var raw []byte
	found := false
	forEachEntry(ib, r, func(_, penc []byte) bool {
		raw = b.Get(penc)
		found = true
		return false
	})
	if !found || raw == nil {
		return nil, backend.ErrNotFound
	}
	return decodeValue(raw)
}

func (t *tx) IndexGetKey(store, index string, r key.Range) (key.Key, error) {
	_, ib, err := t.index(store, index)
	if err != nil {
		return key.Key{}, err
	}
	var penc []byte
	forEachEntry(ib, r, func(_, p []byte) bool {
		penc = p
		return false
	})
	if penc == nil {
		return key.Key{}, backend.ErrNotFound
	}
	return decodeKey(penc)
}

func (t *tx) IndexGetAll(store, index string, r key.Range, limit int) ([]any, error) {
	b, ib, err := t.index(store, index)
	if err != nil {
		return nil, err
	}
	out := []any{}
	var decodeErr error
	forEachEntry(ib, r, func(_, penc []byte) bool {
		if limit > 0 && len(out) >= limit {
			return false
		}
		raw := b.Get(penc)
		if raw == nil {
			return true
		}
		value, err := decodeValue(raw)
		if err != nil {
			decodeErr = err
			return false
		}
		out = append(out, value)
		return true
	})
	if decodeErr != nil {
		return nil, decodeErr
	}
	return out, nil
}

func (t *tx) IndexGetAllKeys(store, index string, r key.Range, limit int) ([]key.Key, error) {
	_, ib, err := t.index(store, index)
	if err != nil {
		return nil, err
	}
	out := []key.Key{}
	var decodeErr error
	forEachEntry(ib, r, func(_, penc []byte) bool {
		if limit > 0 && len(out) >= limit {
			return false
		}
		k, err := decodeKey(penc)
		if err != nil {
			decodeErr = err
			return false
		}
		out = append(out, k)
		return true
	})
	if decodeErr != nil {
		return nil, decodeErr
	}
	return out, nil
}

func (t *tx) IndexCount(store, index string, r key.Range) (uint64, error) {
	_, ib, err := t.index(store, index)
	if err != nil {
		return 0, err
	}
	var n uint64
	forEachEntry(ib, r, func(_, _ []byte) bool {
		n++
		return true
	})
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
		return t.btx.Rollback()
	}

	if t.specDirty {
		raw, err := msgpack.Marshal(t.spec)
		if err != nil {
			t.btx.Rollback()
			return fmt.Errorf("bolt: encode schema: %w", err)
		}
		meta, err := t.btx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			t.btx.Rollback()
			return fmt.Errorf("bolt: commit schema: %w", err)
		}
		if err := meta.Put(specKey, raw); err != nil {
			t.btx.Rollback()
			return fmt.Errorf("bolt: commit schema: %w", err)
		}
	}

	if t.relaxed {
		// One writer per file, so toggling the sync flag around this
		// commit cannot affect another transaction.
		t.db.NoSync = true
		defer func() { t.db.NoSync = false }()
	}
	if err := t.btx.Commit(); err != nil {
		return fmt.Errorf("bolt: commit: %w", err)
	}
	return nil
}

func (t *tx) Abort() error {
	if t.done {
		return fmt.Errorf("%w: transaction finished", backend.ErrTransactionInactive)
	}
	t.done = true
	if err := t.btx.Rollback(); err != nil {
		return fmt.Errorf("bolt: rollback: %w", err)
	}
	return nil
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

// entryKey builds an index entry's bucket key. Key encodings are
// self-delimiting, so the concatenation splits unambiguously; the entry
// value stores penc to give the split point back cheaply.
func entryKey(ienc, penc []byte) []byte {
	out := make([]byte, 0, len(ienc)+len(penc))
	out = append(out, ienc...)
	return append(out, penc...)
}

// indexHasOther reports whether the index holds an entry for ienc whose
// primary key differs from penc.
func indexHasOther(ib *bolt.Bucket, ienc, penc []byte) bool {
	c := ib.Cursor()
	for ek, p := c.Seek(ienc); ek != nil && bytes.HasPrefix(ek, ienc); ek, p = c.Next() {
		if !bytes.Equal(p, penc) {
			return true
		}
	}
	return false
}

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

// window is a key range lowered to encoded bounds for byte-wise cursor
// walks.
type window struct {
	low, up         []byte
	lowOpen, upOpen bool
}

func makeWindow(r key.Range) window {
	var w window
	if r.Lower != nil {
		w.low = r.Lower.Encode()
		w.lowOpen = r.LowerOpen
	}
	if r.Upper != nil {
		w.up = r.Upper.Encode()
		w.upOpen = r.UpperOpen
	}
	return w
}

// cmpBound orders an entry key against a bound encoding. Key encodings
// are prefix-free, so an entry key that begins with the bound carries
// the bound as its full iteration key and compares equal; index entry
// keys only extend the iteration key with the primary key suffix.
func cmpBound(k, bound []byte) int {
	if bytes.HasPrefix(k, bound) {
		return 0
	}
	return bytes.Compare(k, bound)
}

// first positions c on the lowest key inside the window.
func (w window) first(c *bolt.Cursor) ([]byte, []byte) {
	if w.low == nil {
		return c.First()
	}
	k, v := c.Seek(w.low)
	if w.lowOpen {
		for k != nil && cmpBound(k, w.low) == 0 {
			k, v = c.Next()
		}
	}
	return k, v
}

// last positions c on the highest key inside the window.
func (w window) last(c *bolt.Cursor) ([]byte, []byte) {
	if w.up == nil {
		return c.Last()
	}
	k, _ := c.Seek(w.up)
	if k == nil {
		return c.Last()
	}
	if !w.upOpen {
		for k != nil && cmpBound(k, w.up) == 0 {
			k, _ = c.Next()
		}
		if k == nil {
			return c.Last()
		}
	}
	return c.Prev()
}

func (w window) pastUpper(k []byte) bool {
	if w.up == nil {
		return false
	}
	c := cmpBound(k, w.up)
	return c > 0 || (c == 0 && w.upOpen)
}

func (w window) belowLower(k []byte) bool {
	if w.low == nil {
		return false
	}
	c := cmpBound(k, w.low)
	return c < 0 || (c == 0 && w.lowOpen)
}

// forEachRecord walks records inside r ascending until fn returns false.
func forEachRecord(b *bolt.Bucket, r key.Range, fn func(enc, raw []byte) bool) {
	w := makeWindow(r)
	c := b.Cursor()
	for k, v := w.first(c); k != nil; k, v = c.Next() {
		if w.pastUpper(k) {
			return
		}
		if !fn(k, v) {
			return
		}
	}
}

// forEachEntry walks index entries whose index key falls inside r,
// ascending, until fn returns false. The range applies to index keys;
// fn receives the split entry.
func forEachEntry(ib *bolt.Bucket, r key.Range, fn func(ienc, penc []byte) bool) {
	if ib == nil {
		return
	}
	w := makeWindow(r)
	c := ib.Cursor()
	for ek, penc := w.first(c); ek != nil; ek, penc = c.Next() {
		if w.pastUpper(ek) {
			return
		}
		if !fn(ek[:len(ek)-len(penc)], penc) {
			return
		}
	}
}
