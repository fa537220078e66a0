package memory

import (
	"bytes"
	"fmt"
	"math"
	"sort"

	"github.com/xraph/strata/backend"
	"github.com/xraph/strata/key"
)

type tx struct {
	drv    *Driver
	db     *database
	mode   backend.Mode
	spec   *backend.DatabaseSpec
	tables map[string]*table
	done   bool
}

func (t *tx) table(store string) (*table, *backend.StoreSpec, error) {
	if t.done {
		return nil, nil, fmt.Errorf("%w: transaction finished", backend.ErrTransactionInactive)
	}
	tbl, ok := t.tables[store]
	if !ok {
		return nil, nil, fmt.Errorf("%w: object store %q", backend.ErrNotFound, store)
	}
	spec, ok := t.spec.Stores[store]
	if !ok {
		return nil, nil, fmt.Errorf("%w: object store %q", backend.ErrNotFound, store)
	}
	return tbl, spec, nil
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
	t.tables[spec.Name] = newTable()
	return nil
}

func (t *tx) DeleteStore(name string) error {
	if err := t.schema(); err != nil {
		return err
	}
	if _, ok := t.spec.Stores[name]; !ok {
		return fmt.Errorf("%w: object store %q", backend.ErrNotFound, name)
	}
	delete(t.spec.Stores, name)
	delete(t.tables, name)
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
	spec.Name = newName
	t.spec.Stores[newName] = spec
	t.tables[newName] = t.tables[oldName]
	delete(t.spec.Stores, oldName)
	delete(t.tables, oldName)
	return nil
}

func (t *tx) CreateIndex(store string, spec *backend.IndexSpec) error {
	if err := t.schema(); err != nil {
		return err
	}
	tbl, st, err := t.table(store)
	if err != nil {
		return err
	}
	if _, exists := st.Indexes[spec.Name]; exists {
		return fmt.Errorf("%w: index %q already exists on %q", backend.ErrConstraint, spec.Name, store)
	}

	// Backfill from existing records. Records whose value does not yield
	// an index key are simply not indexed.
	var entries []indexEntry
	for _, rec := range tbl.records {
		for _, ik := range backend.IndexKeys(spec, rec.value) {
			entries = append(entries, indexEntry{ienc: ik.Encode(), ikey: ik, penc: rec.enc, pkey: rec.k})
		}
	}
	sortEntries(entries)
	if spec.Unique {
		for i := 1; i < len(entries); i++ {
			if bytes.Equal(entries[i].ienc, entries[i-1].ienc) {
				return fmt.Errorf("%w: unique index %q on %q: duplicate key %s",
					backend.ErrConstraint, spec.Name, store, entries[i].ikey)
			}
		}
	}

	st.Indexes[spec.Name] = spec.Clone()
	tbl.indexes[spec.Name] = entries
	return nil
}

func (t *tx) DeleteIndex(store, index string) error {
	if err := t.schema(); err != nil {
		return err
	}
	tbl, st, err := t.table(store)
	if err != nil {
		return err
	}
	if _, ok := st.Indexes[index]; !ok {
		return fmt.Errorf("%w: index %q on %q", backend.ErrNotFound, index, store)
	}
	delete(st.Indexes, index)
	delete(tbl.indexes, index)
	return nil
}

func (t *tx) RenameIndex(store, oldName, newName string) error {
	if err := t.schema(); err != nil {
		return err
	}
	tbl, st, err := t.table(store)
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
	spec.Name = newName
	st.Indexes[newName] = spec
	tbl.indexes[newName] = tbl.indexes[oldName]
	delete(st.Indexes, oldName)
	delete(tbl.indexes, oldName)
	return nil
}

func (t *tx) SetVersion(version uint64) error {
	if err := t.schema(); err != nil {
		return err
	}
	t.spec.Version = version
	return nil
}

// ──────────────────────────────────────────────────
// Reads
// ──────────────────────────────────────────────────

func (t *tx) Get(store string, r key.Range) (any, error) {
	tbl, _, err := t.table(store)
	if err != nil {
		return nil, err
	}
	lo, hi := recordRange(tbl.records, r)
	if lo >= hi {
		return nil, backend.ErrNotFound
	}
	return tbl.records[lo].value, nil
}

func (t *tx) GetKey(store string, r key.Range) (key.Key, error) {
	tbl, _, err := t.table(store)
	if err != nil {
		return key.Key{}, err
	}
	lo, hi := recordRange(tbl.records, r)
	if lo >= hi {
		return key.Key{}, backend.ErrNotFound
	}
	return tbl.records[lo].k, nil
}

func (t *tx) GetAll(store string, r key.Range, limit int) ([]any, error) {
	tbl, _, err := t.table(store)
	if err != nil {
		return nil, err
	}
	lo, hi := recordRange(tbl.records, r)
	out := make([]any, 0, hi-lo)
	for i := lo; i < hi; i++ {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, tbl.records[i].value)
	}
	return out, nil
}

func (t *tx) GetAllKeys(store string, r key.Range, limit int) ([]key.Key, error) {
	tbl, _, err := t.table(store)
	if err != nil {
		return nil, err
	}
	lo, hi := recordRange(tbl.records, r)
	out := make([]key.Key, 0, hi-lo)
	for i := lo; i < hi; i++ {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, tbl.records[i].k)
	}
	return out, nil
}

func (t *tx) Count(store string, r key.Range) (uint64, error) {
	tbl, _, err := t.table(store)
	if err != nil {
		return 0, err
	}
	lo, hi := recordRange(tbl.records, r)
	return uint64(hi - lo), nil
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
	tbl, spec, err := t.table(store)
	if err != nil {
		return key.Key{}, err
	}

	if k.IsZero() {
		if !spec.AutoIncrement {
			return key.Key{}, fmt.Errorf("%w: store %q has no key generator", backend.ErrData, store)
		}
		spec.KeyGen++
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
		}
	}

	enc := k.Encode()
	idx := sort.Search(len(tbl.records), func(i int) bool {
		return bytes.Compare(tbl.records[i].enc, enc) >= 0
	})
	exists := idx < len(tbl.records) && bytes.Equal(tbl.records[idx].enc, enc)
	if exists && add {
		return key.Key{}, fmt.Errorf("%w: key %s already exists in %q", backend.ErrConstraint, k, store)
	}

	// Validate unique constraints before touching anything.
	type pending struct {
		index string
		ikeys []key.Key
	}
	var adds []pending
	for name, ispec := range spec.Indexes {
		iks := backend.IndexKeys(ispec, value)
		if ispec.Unique {
			for _, ik := range iks {
				ienc := ik.Encode()
				entries := tbl.indexes[name]
				at := searchIndex(entries, ienc, nil)
				if at < len(entries) && bytes.Equal(entries[at].ienc, ienc) && !bytes.Equal(entries[at].penc, enc) {
					return key.Key{}, fmt.Errorf("%w: unique index %q on %q: duplicate key %s",
						backend.ErrConstraint, name, store, ik)
				}
			}
		}
		adds = append(adds, pending{index: name, ikeys: iks})
	}

	rec := record{enc: enc, k: k, value: value}
	if exists {
		tbl.records[idx] = rec
	} else {
		tbl.records = append(tbl.records, record{})
		copy(tbl.records[idx+1:], tbl.records[idx:])
		tbl.records[idx] = rec
	}

	for _, p := range adds {
		entries := tbl.indexes[p.index]
		entries = dropEntriesFor(entries, enc)
		for _, ik := range p.ikeys {
			entries = insertEntry(entries, indexEntry{ienc: ik.Encode(), ikey: ik, penc: enc, pkey: k})
		}
		tbl.indexes[p.index] = entries
	}
	return k, nil
}

func (t *tx) Delete(store string, r key.Range) error {
	if err := t.writable(); err != nil {
		return err
	}
	tbl, _, err := t.table(store)
	if err != nil {
		return err
	}
	lo, hi := recordRange(tbl.records, r)
	if lo >= hi {
		return nil
	}
	for i := lo; i < hi; i++ {
		for name, entries := range tbl.indexes {
			tbl.indexes[name] = dropEntriesFor(entries, tbl.records[i].enc)
		}
	}
	tbl.records = append(tbl.records[:lo], tbl.records[hi:]...)
	return nil
}

func (t *tx) Clear(store string) error {
	if err := t.writable(); err != nil {
		return err
	}
	tbl, _, err := t.table(store)
	if err != nil {
		return err
	}
	tbl.records = nil
	for name := range tbl.indexes {
		tbl.indexes[name] = nil
	}
	return nil
}

// ──────────────────────────────────────────────────
// Index reads
// ──────────────────────────────────────────────────

func (t *tx) indexEntries(store, index string, r key.Range) (*table, []indexEntry, error) {
	tbl, spec, err := t.table(store)
	if err != nil {
		return nil, nil, err
	}
	if _, ok := spec.Indexes[index]; !ok {
		return nil, nil, fmt.Errorf("%w: index %q on %q", backend.ErrNotFound, index, store)
	}
	entries := tbl.indexes[index]
	lo, hi := entryRange(entries, r)
	return tbl, entries[lo:hi], nil
}

func (t *tx) IndexGet(store, index string, r key.Range) (any, error) {
	tbl, in, err := t.indexEntries(store, index, r)
	if err != nil {
		return nil, err
	}
	if len(in) == 0 {
		return nil, backend.ErrNotFound
	}
	rec, ok := tbl.lookup(in[0].penc)
	if !ok {
		return nil, backend.ErrNotFound
	}
	return rec.value, nil
}

func (t *tx) IndexGetKey(store, index string, r key.Range) (key.Key, error) {
	_, in, err := t.indexEntries(store, index, r)
	if err != nil {
		return key.Key{}, err
	}
	if len(in) == 0 {
		return key.Key{}, backend.ErrNotFound
	}
	return in[0].pkey, nil
}

func (t *tx) IndexGetAll(store, index string, r key.Range, limit int) ([]any, error) {
	tbl, in, err := t.indexEntries(store, index, r)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(in))
	for _, e := range in {
		if limit > 0 && len(out) >= limit {
			break
		}
		if rec, ok := tbl.lookup(e.penc); ok {
			out = append(out, rec.value)
		}
	}
	return out, nil
}

func (t *tx) IndexGetAllKeys(store, index string, r key.Range, limit int) ([]key.Key, error) {
	_, in, err := t.indexEntries(store, index, r)
	if err != nil {
		return nil, err
	}
	out := make([]key.Key, 0, len(in))
	for _, e := range in {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, e.pkey)
	}
	return out, nil
}

func (t *tx) IndexCount(store, index string, r key.Range) (uint64, error) {
	_, in, err := t.indexEntries(store, index, r)
	if err != nil {
		return 0, err
	}
	return uint64(len(in)), nil
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
		return nil
	}

	t.drv.mu.Lock()
	defer t.drv.mu.Unlock()

	if t.mode == backend.VersionChange {
		t.db.spec = t.spec
		t.db.tables = t.tables
		return nil
	}

	// readwrite: splice changed tables and key generators back in.
	for name, tbl := range t.tables {
		t.db.tables[name] = tbl
		if st, ok := t.db.spec.Stores[name]; ok {
			st.KeyGen = t.spec.Stores[name].KeyGen
		}
	}
	return nil
}

func (t *tx) Abort() error {
	if t.done {
		return fmt.Errorf("%w: transaction finished", backend.ErrTransactionInactive)
	}
	t.done = true
	return nil
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func (tbl *table) lookup(penc []byte) (record, bool) {
	i := sort.Search(len(tbl.records), func(i int) bool {
		return bytes.Compare(tbl.records[i].enc, penc) >= 0
	})
	if i < len(tbl.records) && bytes.Equal(tbl.records[i].enc, penc) {
		return tbl.records[i], true
	}
	return record{}, false
}

// recordRange returns the half-open [lo, hi) index window of records
// falling inside r.
func recordRange(records []record, r key.Range) (int, int) {
	lo := 0
	if r.Lower != nil {
		enc := r.Lower.Encode()
		lo = sort.Search(len(records), func(i int) bool {
			c := bytes.Compare(records[i].enc, enc)
			if r.LowerOpen {
				return c > 0
			}
			return c >= 0
		})
	}
	hi := len(records)
	if r.Upper != nil {
		enc := r.Upper.Encode()
		hi = sort.Search(len(records), func(i int) bool {
			c := bytes.Compare(records[i].enc, enc)
			if r.UpperOpen {
				return c >= 0
			}
			return c > 0
		})
	}
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

// entryRange is recordRange over index entries.
func entryRange(entries []indexEntry, r key.Range) (int, int) {
	lo := 0
	if r.Lower != nil {
		enc := r.Lower.Encode()
		lo = sort.Search(len(entries), func(i int) bool {
			c := bytes.Compare(entries[i].ienc, enc)
			if r.LowerOpen {
				return c > 0
			}
			return c >= 0
		})
	}
	hi := len(entries)
	if r.Upper != nil {
		enc := r.Upper.Encode()
		hi = sort.Search(len(entries), func(i int) bool {
			c := bytes.Compare(entries[i].ienc, enc)
			if r.UpperOpen {
				return c >= 0
			}
			return c > 0
		})
	}
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

// searchIndex returns the first entry position at or beyond (ienc, penc);
// nil penc means "any primary key for this index key".
func searchIndex(entries []indexEntry, ienc, penc []byte) int {
	return sort.Search(len(entries), func(i int) bool {
		c := bytes.Compare(entries[i].ienc, ienc)
		if c != 0 {
			return c > 0
		}
		if penc == nil {
			return true
		}
		return bytes.Compare(entries[i].penc, penc) >= 0
	})
}

func sortEntries(entries []indexEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if c := bytes.Compare(entries[i].ienc, entries[j].ienc); c != 0 {
			return c < 0
		}
		return bytes.Compare(entries[i].penc, entries[j].penc) < 0
	})
}

func insertEntry(entries []indexEntry, e indexEntry) []indexEntry {
	at := searchIndex(entries, e.ienc, e.penc)
	entries = append(entries, indexEntry{})
	copy(entries[at+1:], entries[at:])
	entries[at] = e
	return entries
}

func dropEntriesFor(entries []indexEntry, penc []byte) []indexEntry {
	out := entries[:0]
	for _, e := range entries {
		if !bytes.Equal(e.penc, penc) {
			out = append(out, e)
		}
	}
	return out
}
