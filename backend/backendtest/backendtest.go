// Package backendtest is a conformance harness for backend.Driver
// implementations. Each backend package runs Run against a fresh driver
// factory from its own tests.
package backendtest

import (
	"errors"
	"testing"

	"github.com/xraph/strata/backend"
	"github.com/xraph/strata/key"
	"github.com/xraph/strata/keypath"
)

// Factory returns a fresh, empty driver for one subtest.
type Factory func(t *testing.T) backend.Driver

// Run exercises the full backend contract against drivers built by f.
func Run(t *testing.T, f Factory) {
	t.Run("OpenCreatesAtVersionZero", func(t *testing.T) { testOpenCreates(t, f(t)) })
	t.Run("SchemaLifecycle", func(t *testing.T) { testSchemaLifecycle(t, f(t)) })
	t.Run("SchemaAbortDiscards", func(t *testing.T) { testSchemaAbortDiscards(t, f(t)) })
	t.Run("PutGetDelete", func(t *testing.T) { testPutGetDelete(t, f(t)) })
	t.Run("AddConstraint", func(t *testing.T) { testAddConstraint(t, f(t)) })
	t.Run("KeyGenerator", func(t *testing.T) { testKeyGenerator(t, f(t)) })
	t.Run("Ranges", func(t *testing.T) { testRanges(t, f(t)) })
	t.Run("Indexes", func(t *testing.T) { testIndexes(t, f(t)) })
	t.Run("UniqueIndex", func(t *testing.T) { testUniqueIndex(t, f(t)) })
	t.Run("MultiEntryIndex", func(t *testing.T) { testMultiEntry(t, f(t)) })
	t.Run("Cursors", func(t *testing.T) { testCursors(t, f(t)) })
	t.Run("IndexCursors", func(t *testing.T) { testIndexCursors(t, f(t)) })
	t.Run("ReadOnlyRejectsWrites", func(t *testing.T) { testReadOnly(t, f(t)) })
	t.Run("AbortDiscardsWrites", func(t *testing.T) { testAbortDiscards(t, f(t)) })
	t.Run("VersionPersistsOnCommit", func(t *testing.T) { testVersionPersists(t, f(t)) })
	t.Run("DeleteDatabase", func(t *testing.T) { testDeleteDatabase(t, f(t)) })
}

// upgrade runs fn inside a committed versionchange transaction.
func upgrade(t *testing.T, c backend.Conn, fn func(tx backend.Tx)) {
	t.Helper()
	tx, err := c.Begin(nil, backend.VersionChange, backend.DurabilityDefault)
	if err != nil {
		t.Fatalf("begin versionchange: %v", err)
	}
	fn(tx)
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit versionchange: %v", err)
	}
}

func createStore(t *testing.T, c backend.Conn, name string, autoInc bool, kp *keypath.Path) {
	t.Helper()
	upgrade(t, c, func(tx backend.Tx) {
		spec := &backend.StoreSpec{Name: name, AutoIncrement: autoInc, KeyPath: kp}
		if err := tx.CreateStore(spec); err != nil {
			t.Fatalf("create store %q: %v", name, err)
		}
	})
}

func begin(t *testing.T, c backend.Conn, scope []string, mode backend.Mode) backend.Tx {
	t.Helper()
	tx, err := c.Begin(scope, mode, backend.DurabilityDefault)
	if err != nil {
		t.Fatalf("begin %v %v: %v", scope, mode, err)
	}
	return tx
}

func put(t *testing.T, tx backend.Tx, store string, value any, k any) key.Key {
	t.Helper()
	var kk key.Key
	if k != nil {
		kk = key.MustNew(k)
	}
	out, err := tx.Put(store, value, kk)
	if err != nil {
		t.Fatalf("put %v in %q: %v", k, store, err)
	}
	return out
}

func testOpenCreates(t *testing.T, d backend.Driver) {
	defer d.Close()

	c, err := d.Open("fresh")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer c.Close()

	spec := c.Spec()
	if spec.Version != 0 || len(spec.Stores) != 0 {
		t.Errorf("new database spec = version %d, %d stores; want 0, 0", spec.Version, len(spec.Stores))
	}

	infos, err := d.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 1 || infos[0].Name != "fresh" || infos[0].Version != 0 {
		t.Errorf("List = %+v", infos)
	}
}

func testSchemaLifecycle(t *testing.T, d backend.Driver) {
	defer d.Close()
	c, _ := d.Open("db")
	defer c.Close()

	upgrade(t, c, func(tx backend.Tx) {
		if err := tx.CreateStore(&backend.StoreSpec{Name: "a"}); err != nil {
			t.Fatalf("create a: %v", err)
		}
		if err := tx.CreateStore(&backend.StoreSpec{Name: "a"}); !errors.Is(err, backend.ErrConstraint) {
			t.Errorf("duplicate store: err = %v, want ErrConstraint", err)
		}
		if err := tx.CreateStore(&backend.StoreSpec{Name: "b"}); err != nil {
			t.Fatalf("create b: %v", err)
		}
		if err := tx.RenameStore("b", "c"); err != nil {
			t.Fatalf("rename b->c: %v", err)
		}
		if err := tx.RenameStore("missing", "x"); !errors.Is(err, backend.ErrNotFound) {
			t.Errorf("rename missing: err = %v, want ErrNotFound", err)
		}
		if err := tx.DeleteStore("missing"); !errors.Is(err, backend.ErrNotFound) {
			t.Errorf("delete missing: err = %v, want ErrNotFound", err)
		}
		kp := keypath.MustParse("tag")
		if err := tx.CreateIndex("a", &backend.IndexSpec{Name: "by_tag", KeyPath: kp}); err != nil {
			t.Fatalf("create index: %v", err)
		}
		if err := tx.CreateIndex("a", &backend.IndexSpec{Name: "by_tag", KeyPath: kp}); !errors.Is(err, backend.ErrConstraint) {
			t.Errorf("duplicate index: err = %v, want ErrConstraint", err)
		}
		if err := tx.RenameIndex("a", "by_tag", "tagged"); err != nil {
			t.Fatalf("rename index: %v", err)
		}
	})

	spec := c.Spec()
	names := spec.StoreNames()
	if len(names) != 2 || names[0] != "a" || names[1] != "c" {
		t.Errorf("store names = %v, want [a c]", names)
	}
	if _, ok := spec.Stores["a"].Indexes["tagged"]; !ok {
		t.Errorf("index rename not persisted: %v", spec.Stores["a"].IndexNames())
	}

	// Schema mutation outside versionchange is rejected.
	tx := begin(t, c, []string{"a"}, backend.ReadWrite)
	if err := tx.CreateStore(&backend.StoreSpec{Name: "z"}); !errors.Is(err, backend.ErrInvalidState) {
		t.Errorf("schema op in readwrite: err = %v, want ErrInvalidState", err)
	}
	_ = tx.Abort()
}

func testSchemaAbortDiscards(t *testing.T, d backend.Driver) {
	defer d.Close()
	c, _ := d.Open("db")
	defer c.Close()
	createStore(t, c, "keep", false, nil)

	tx := begin(t, c, nil, backend.VersionChange)
	if err := tx.CreateStore(&backend.StoreSpec{Name: "temp"}); err != nil {
		t.Fatalf("create temp: %v", err)
	}
	if err := tx.DeleteStore("keep"); err != nil {
		t.Fatalf("delete keep: %v", err)
	}
	if err := tx.SetVersion(9); err != nil {
		t.Fatalf("set version: %v", err)
	}
	if err := tx.Abort(); err != nil {
		t.Fatalf("abort: %v", err)
	}

	spec := c.Spec()
	if spec.Version != 0 {
		t.Errorf("version after abort = %d, want 0", spec.Version)
	}
	names := spec.StoreNames()
	if len(names) != 1 || names[0] != "keep" {
		t.Errorf("stores after abort = %v, want [keep]", names)
	}
}

func testPutGetDelete(t *testing.T, d backend.Driver) {
	defer d.Close()
	c, _ := d.Open("db")
	defer c.Close()
	createStore(t, c, "s", false, nil)

	tx := begin(t, c, []string{"s"}, backend.ReadWrite)
	put(t, tx, "s", map[string]any{"v": "one"}, 1)
	put(t, tx, "s", map[string]any{"v": "two"}, 2)
	put(t, tx, "s", map[string]any{"v": "two!"}, 2) // replace
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx = begin(t, c, []string{"s"}, backend.ReadOnly)
	v, err := tx.Get("s", key.Only(key.MustNew(2)))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if m := v.(map[string]any); m["v"] != "two!" {
		t.Errorf("get(2) = %v, want replaced record", v)
	}
	if _, err := tx.Get("s", key.Only(key.MustNew(99))); !errors.Is(err, backend.ErrNotFound) {
		t.Errorf("get(99): err = %v, want ErrNotFound", err)
	}
	if _, err := tx.Get("missing", key.Range{}); !errors.Is(err, backend.ErrNotFound) {
		t.Errorf("get on missing store: err = %v, want ErrNotFound", err)
	}
	n, err := tx.Count("s", key.Range{})
	if err != nil || n != 2 {
		t.Errorf("count = %d, %v; want 2", n, err)
	}
	_ = tx.Commit()

	tx = begin(t, c, []string{"s"}, backend.ReadWrite)
	if err := tx.Delete("s", key.Only(key.MustNew(1))); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx = begin(t, c, []string{"s"}, backend.ReadOnly)
	n, _ = tx.Count("s", key.Range{})
	if n != 1 {
		t.Errorf("count after delete = %d, want 1", n)
	}
	_ = tx.Commit()
}

func testAddConstraint(t *testing.T, d backend.Driver) {
	defer d.Close()
	c, _ := d.Open("db")
	defer c.Close()
	createStore(t, c, "s", false, nil)

	tx := begin(t, c, []string{"s"}, backend.ReadWrite)
	if _, err := tx.Add("s", "first", key.MustNew("k")); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := tx.Add("s", "second", key.MustNew("k")); !errors.Is(err, backend.ErrConstraint) {
		t.Errorf("duplicate add: err = %v, want ErrConstraint", err)
	}
	_ = tx.Abort()
}

func testKeyGenerator(t *testing.T, d backend.Driver) {
	defer d.Close()
	c, _ := d.Open("db")
	defer c.Close()
	kp := keypath.MustParse("id")
	createStore(t, c, "s", true, &kp)

	tx := begin(t, c, []string{"s"}, backend.ReadWrite)
	k1, err := tx.Put("s", map[string]any{"v": "a"}, key.Key{})
	if err != nil {
		t.Fatalf("generated put: %v", err)
	}
	if k1.Compare(key.MustNew(1)) != 0 {
		t.Errorf("first generated key = %s, want 1", k1)
	}

	// The generated key is injected at the key path.
	v, err := tx.Get("s", key.Only(k1))
	if err != nil {
		t.Fatalf("get generated: %v", err)
	}
	if m := v.(map[string]any); m["id"] != 1.0 {
		t.Errorf("injected key = %v, want 1", m["id"])
	}

	// An explicit larger key bumps the generator.
	put(t, tx, "s", map[string]any{"id": 10.0}, 10)
	k2, err := tx.Put("s", map[string]any{"v": "b"}, key.Key{})
	if err != nil {
		t.Fatalf("put after bump: %v", err)
	}
	if k2.Compare(key.MustNew(11)) != 0 {
		t.Errorf("key after bump = %s, want 11", k2)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// The generator survives commit.
	tx = begin(t, c, []string{"s"}, backend.ReadWrite)
	k3, err := tx.Put("s", map[string]any{"v": "c"}, key.Key{})
	if err != nil {
		t.Fatalf("put in second tx: %v", err)
	}
	if k3.Compare(key.MustNew(12)) != 0 {
		t.Errorf("key in second tx = %s, want 12", k3)
	}
	_ = tx.Commit()

	// No generator on a plain store.
	createStore(t, c, "plain", false, nil)
	tx = begin(t, c, []string{"plain"}, backend.ReadWrite)
	if _, err := tx.Put("plain", "v", key.Key{}); !errors.Is(err, backend.ErrData) {
		t.Errorf("generated put without generator: err = %v, want ErrData", err)
	}
	_ = tx.Abort()
}

func testRanges(t *testing.T, d backend.Driver) {
	defer d.Close()
	c, _ := d.Open("db")
	defer c.Close()
	createStore(t, c, "s", false, nil)

	tx := begin(t, c, []string{"s"}, backend.ReadWrite)
	for i := 1; i <= 9; i++ {
		put(t, tx, "s", float64(i*100), i)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx = begin(t, c, []string{"s"}, backend.ReadOnly)
	defer tx.Commit()

	r, err := key.Bound(key.MustNew(3), key.MustNew(7), true, false)
	if err != nil {
		t.Fatal(err)
	}
	keys, err := tx.GetAllKeys("s", r, 0)
	if err != nil {
		t.Fatalf("getAllKeys: %v", err)
	}
	want := []float64{4, 5, 6, 7}
	if len(keys) != len(want) {
		t.Fatalf("getAllKeys(3<..7] = %v, want %v", keys, want)
	}
	for i, k := range keys {
		if k.Num() != want[i] {
			t.Errorf("keys[%d] = %s, want %g", i, k, want[i])
		}
	}

	vals, err := tx.GetAll("s", key.LowerBound(key.MustNew(8), false), 0)
	if err != nil || len(vals) != 2 {
		t.Errorf("getAll(>=8) = %v, %v; want 2 values", vals, err)
	}

	vals, err = tx.GetAll("s", key.Range{}, 3)
	if err != nil || len(vals) != 3 {
		t.Errorf("getAll(limit 3) returned %d values, %v; want 3", len(vals), err)
	}

	n, err := tx.Count("s", key.UpperBound(key.MustNew(5), true))
	if err != nil || n != 4 {
		t.Errorf("count(<5) = %d, %v; want 4", n, err)
	}
}

func testIndexes(t *testing.T, d backend.Driver) {
	defer d.Close()
	c, _ := d.Open("db")
	defer c.Close()

	upgrade(t, c, func(tx backend.Tx) {
		if err := tx.CreateStore(&backend.StoreSpec{Name: "users"}); err != nil {
			t.Fatal(err)
		}
		kp := keypath.MustParse("age")
		if err := tx.CreateIndex("users", &backend.IndexSpec{Name: "by_age", KeyPath: kp}); err != nil {
			t.Fatal(err)
		}
	})

	tx := begin(t, c, []string{"users"}, backend.ReadWrite)
	put(t, tx, "users", map[string]any{"age": 30.0, "name": "ann"}, "a")
	put(t, tx, "users", map[string]any{"age": 20.0, "name": "bob"}, "b")
	put(t, tx, "users", map[string]any{"age": 30.0, "name": "cas"}, "c")
	put(t, tx, "users", map[string]any{"name": "dee"}, "d") // not indexed
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx = begin(t, c, []string{"users"}, backend.ReadOnly)
	defer tx.Commit()

	n, err := tx.IndexCount("users", "by_age", key.Range{})
	if err != nil || n != 3 {
		t.Errorf("index count = %d, %v; want 3", n, err)
	}

	v, err := tx.IndexGet("users", "by_age", key.Only(key.MustNew(20)))
	if err != nil {
		t.Fatalf("indexGet: %v", err)
	}
	if m := v.(map[string]any); m["name"] != "bob" {
		t.Errorf("indexGet(20) = %v", v)
	}

	pk, err := tx.IndexGetKey("users", "by_age", key.Only(key.MustNew(30)))
	if err != nil {
		t.Fatalf("indexGetKey: %v", err)
	}
	if pk.Compare(key.MustNew("a")) != 0 {
		t.Errorf("indexGetKey(30) = %s, want \"a\" (lowest primary)", pk)
	}

	pks, err := tx.IndexGetAllKeys("users", "by_age", key.Only(key.MustNew(30)), 0)
	if err != nil || len(pks) != 2 {
		t.Fatalf("indexGetAllKeys(30) = %v, %v; want 2", pks, err)
	}

	if _, err := tx.IndexGet("users", "nope", key.Range{}); !errors.Is(err, backend.ErrNotFound) {
		t.Errorf("missing index: err = %v, want ErrNotFound", err)
	}
}

func testUniqueIndex(t *testing.T, d backend.Driver) {
	defer d.Close()
	c, _ := d.Open("db")
	defer c.Close()

	upgrade(t, c, func(tx backend.Tx) {
		if err := tx.CreateStore(&backend.StoreSpec{Name: "users"}); err != nil {
			t.Fatal(err)
		}
		kp := keypath.MustParse("email")
		if err := tx.CreateIndex("users", &backend.IndexSpec{Name: "by_email", KeyPath: kp, Unique: true}); err != nil {
			t.Fatal(err)
		}
	})

	tx := begin(t, c, []string{"users"}, backend.ReadWrite)
	put(t, tx, "users", map[string]any{"email": "x@y.z"}, 1)
	if _, err := tx.Put("users", map[string]any{"email": "x@y.z"}, key.MustNew(2)); !errors.Is(err, backend.ErrConstraint) {
		t.Errorf("unique violation: err = %v, want ErrConstraint", err)
	}
	// Replacing the same record with the same unique key is fine.
	if _, err := tx.Put("users", map[string]any{"email": "x@y.z", "n": 2.0}, key.MustNew(1)); err != nil {
		t.Errorf("self-replace: %v", err)
	}
	_ = tx.Commit()

	// Backfilling a unique index over duplicate data fails.
	upgrade(t, c, func(tx backend.Tx) {
		if err := tx.CreateStore(&backend.StoreSpec{Name: "dup"}); err != nil {
			t.Fatal(err)
		}
	})
	tx = begin(t, c, []string{"dup"}, backend.ReadWrite)
	put(t, tx, "dup", map[string]any{"tag": "same"}, 1)
	put(t, tx, "dup", map[string]any{"tag": "same"}, 2)
	_ = tx.Commit()

	vtx := begin(t, c, nil, backend.VersionChange)
	kp := keypath.MustParse("tag")
	if err := vtx.CreateIndex("dup", &backend.IndexSpec{Name: "by_tag", KeyPath: kp, Unique: true}); !errors.Is(err, backend.ErrConstraint) {
		t.Errorf("unique backfill over duplicates: err = %v, want ErrConstraint", err)
	}
	_ = vtx.Abort()
}

func testMultiEntry(t *testing.T, d backend.Driver) {
	defer d.Close()
	c, _ := d.Open("db")
	defer c.Close()

	upgrade(t, c, func(tx backend.Tx) {
		if err := tx.CreateStore(&backend.StoreSpec{Name: "posts"}); err != nil {
			t.Fatal(err)
		}
		kp := keypath.MustParse("tags")
		if err := tx.CreateIndex("posts", &backend.IndexSpec{Name: "by_tag", KeyPath: kp, MultiEntry: true}); err != nil {
			t.Fatal(err)
		}
	})

	tx := begin(t, c, []string{"posts"}, backend.ReadWrite)
	put(t, tx, "posts", map[string]any{"tags": []any{"go", "db", "go"}}, 1)
	put(t, tx, "posts", map[string]any{"tags": []any{"db"}}, 2)
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	tx = begin(t, c, []string{"posts"}, backend.ReadOnly)
	defer tx.Commit()

	n, err := tx.IndexCount("posts", "by_tag", key.Only(key.MustNew("go")))
	if err != nil || n != 1 {
		t.Errorf(`count(go) = %d, %v; want 1 (duplicates collapse)`, n, err)
	}
	n, err = tx.IndexCount("posts", "by_tag", key.Only(key.MustNew("db")))
	if err != nil || n != 2 {
		t.Errorf(`count(db) = %d, %v; want 2`, n, err)
	}
}

func testCursors(t *testing.T, d backend.Driver) {
	defer d.Close()
	c, _ := d.Open("db")
	defer c.Close()
	createStore(t, c, "s", false, nil)

	tx := begin(t, c, []string{"s"}, backend.ReadWrite)
	for _, k := range []string{"a", "b", "c", "d"} {
		put(t, tx, "s", "v:"+k, k)
	}
	_ = tx.Commit()

	tx = begin(t, c, []string{"s"}, backend.ReadOnly)
	defer tx.Commit()

	cur, err := tx.OpenCursor(backend.CursorQuery{Store: "s", Direction: backend.Next})
	if err != nil {
		t.Fatalf("openCursor: %v", err)
	}
	var got []string
	for cur.Valid() {
		got = append(got, cur.PrimaryKey().Value().(string))
		if cur.Value().(string) != "v:"+got[len(got)-1] {
			t.Errorf("cursor value mismatch at %s", cur.PrimaryKey())
		}
		if err := cur.Continue(key.Key{}); err != nil {
			t.Fatalf("continue: %v", err)
		}
	}
	if len(got) != 4 || got[0] != "a" || got[3] != "d" {
		t.Errorf("forward iteration = %v", got)
	}

	cur, err = tx.OpenCursor(backend.CursorQuery{Store: "s", Direction: backend.Prev})
	if err != nil {
		t.Fatal(err)
	}
	if !cur.Valid() || cur.PrimaryKey().Value().(string) != "d" {
		t.Errorf("reverse cursor starts at %v, want d", cur.PrimaryKey())
	}

	// Continue with a target skips ahead.
	cur, err = tx.OpenCursor(backend.CursorQuery{Store: "s", Direction: backend.Next})
	if err != nil {
		t.Fatal(err)
	}
	if err := cur.Continue(key.MustNew("c")); err != nil {
		t.Fatalf("continue(c): %v", err)
	}
	if !cur.Valid() || cur.PrimaryKey().Value().(string) != "c" {
		t.Errorf("continue(c) landed on %v", cur.PrimaryKey())
	}

	// Advance past the end exhausts the cursor.
	if err := cur.Advance(1); err != nil {
		t.Fatal(err)
	}
	if !cur.Valid() || cur.PrimaryKey().Value().(string) != "d" {
		t.Errorf("advance landed on %v, want d", cur.PrimaryKey())
	}
	if err := cur.Advance(1); err != nil {
		t.Fatal(err)
	}
	if cur.Valid() {
		t.Error("cursor should be exhausted")
	}
	if err := cur.Continue(key.Key{}); !errors.Is(err, backend.ErrInvalidState) {
		t.Errorf("continue on exhausted cursor: err = %v, want ErrInvalidState", err)
	}

	// Key-only cursors carry no value.
	cur, err = tx.OpenCursor(backend.CursorQuery{Store: "s", Direction: backend.Next, KeysOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	if cur.Value() != nil {
		t.Error("key-only cursor should have nil value")
	}
}

func testIndexCursors(t *testing.T, d backend.Driver) {
	defer d.Close()
	c, _ := d.Open("db")
	defer c.Close()

	upgrade(t, c, func(tx backend.Tx) {
		if err := tx.CreateStore(&backend.StoreSpec{Name: "u"}); err != nil {
			t.Fatal(err)
		}
		kp := keypath.MustParse("g")
		if err := tx.CreateIndex("u", &backend.IndexSpec{Name: "by_g", KeyPath: kp}); err != nil {
			t.Fatal(err)
		}
	})

	tx := begin(t, c, []string{"u"}, backend.ReadWrite)
	put(t, tx, "u", map[string]any{"g": 1.0}, "a")
	put(t, tx, "u", map[string]any{"g": 2.0}, "b")
	put(t, tx, "u", map[string]any{"g": 1.0}, "c")
	_ = tx.Commit()

	tx = begin(t, c, []string{"u"}, backend.ReadOnly)
	defer tx.Commit()

	type pos struct {
		ik float64
		pk string
	}
	collect := func(dir backend.Direction) []pos {
		cur, err := tx.OpenCursor(backend.CursorQuery{Store: "u", Index: "by_g", Direction: dir})
		if err != nil {
			t.Fatalf("openCursor(%s): %v", dir, err)
		}
		var out []pos
		for cur.Valid() {
			out = append(out, pos{cur.Key().Num(), cur.PrimaryKey().Value().(string)})
			if err := cur.Continue(key.Key{}); err != nil {
				t.Fatalf("continue: %v", err)
			}
		}
		return out
	}

	if got, want := collect(backend.Next), []pos{{1, "a"}, {1, "c"}, {2, "b"}}; !posEqual(got, want) {
		t.Errorf("next = %v, want %v", got, want)
	}
	if got, want := collect(backend.NextUnique), []pos{{1, "a"}, {2, "b"}}; !posEqual(got, want) {
		t.Errorf("nextunique = %v, want %v", got, want)
	}
	if got, want := collect(backend.Prev), []pos{{2, "b"}, {1, "c"}, {1, "a"}}; !posEqual(got, want) {
		t.Errorf("prev = %v, want %v", got, want)
	}
	if got, want := collect(backend.PrevUnique), []pos{{2, "b"}, {1, "a"}}; !posEqual(got, want) {
		t.Errorf("prevunique = %v, want %v", got, want)
	}
}

func posEqual[T comparable](a, b []T) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func testReadOnly(t *testing.T, d backend.Driver) {
	defer d.Close()
	c, _ := d.Open("db")
	defer c.Close()
	createStore(t, c, "s", false, nil)

	tx := begin(t, c, []string{"s"}, backend.ReadOnly)
	defer tx.Commit()
	if _, err := tx.Put("s", "v", key.MustNew(1)); !errors.Is(err, backend.ErrReadOnly) {
		t.Errorf("put in readonly: err = %v, want ErrReadOnly", err)
	}
	if err := tx.Delete("s", key.Range{}); !errors.Is(err, backend.ErrReadOnly) {
		t.Errorf("delete in readonly: err = %v, want ErrReadOnly", err)
	}
	if err := tx.Clear("s"); !errors.Is(err, backend.ErrReadOnly) {
		t.Errorf("clear in readonly: err = %v, want ErrReadOnly", err)
	}
}

func testAbortDiscards(t *testing.T, d backend.Driver) {
	defer d.Close()
	c, _ := d.Open("db")
	defer c.Close()
	createStore(t, c, "s", false, nil)

	tx := begin(t, c, []string{"s"}, backend.ReadWrite)
	put(t, tx, "s", "v", 1)
	if err := tx.Abort(); err != nil {
		t.Fatalf("abort: %v", err)
	}

	tx = begin(t, c, []string{"s"}, backend.ReadOnly)
	defer tx.Commit()
	n, _ := tx.Count("s", key.Range{})
	if n != 0 {
		t.Errorf("count after abort = %d, want 0", n)
	}
}

func testVersionPersists(t *testing.T, d backend.Driver) {
	defer d.Close()
	c, _ := d.Open("db")

	upgrade(t, c, func(tx backend.Tx) {
		if err := tx.CreateStore(&backend.StoreSpec{Name: "s"}); err != nil {
			t.Fatal(err)
		}
		if err := tx.SetVersion(3); err != nil {
			t.Fatal(err)
		}
	})
	c.Close()

	// Reopen and observe the committed version.
	c2, err := d.Open("db")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer c2.Close()
	if v := c2.Spec().Version; v != 3 {
		t.Errorf("version after reopen = %d, want 3", v)
	}
}

func testDeleteDatabase(t *testing.T, d backend.Driver) {
	defer d.Close()
	c, _ := d.Open("db")
	upgrade(t, c, func(tx backend.Tx) {
		if err := tx.SetVersion(5); err != nil {
			t.Fatal(err)
		}
	})
	c.Close()

	v, err := d.Delete("db")
	if err != nil || v != 5 {
		t.Errorf("Delete = %d, %v; want 5", v, err)
	}
	v, err = d.Delete("db")
	if err != nil || v != 0 {
		t.Errorf("second Delete = %d, %v; want 0", v, err)
	}

	infos, _ := d.List()
	if len(infos) != 0 {
		t.Errorf("List after delete = %v", infos)
	}
}
