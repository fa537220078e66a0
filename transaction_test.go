package strata_test

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/strata"
	"github.com/xraph/strata/key"
)

// txSignals registers terminal-state listeners before any request is
// issued, so no signal can be missed.
func txSignals(txn *strata.Transaction) (complete, abort <-chan *strata.Event) {
	c := make(chan *strata.Event, 1)
	a := make(chan *strata.Event, 1)
	txn.On(strata.EventComplete, func(ev *strata.Event) { c <- ev })
	txn.On(strata.EventAbort, func(ev *strata.Event) { a <- ev })
	return c, a
}

// await resolves a freshly issued request in one expression, as in
// await(t)(s.Put(v, k)): the returned func fails the test on the
// synchronous issue error or the request's own failure.
func await(t *testing.T) func(req *strata.Request, err error) any {
	t.Helper()
	return func(req *strata.Request, err error) any {
		t.Helper()
		if err != nil {
			t.Fatalf("issue request: %v", err)
		}
		v, err := req.Await(testCtx(t))
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		return v
	}
}

// waitDone polls until req settles without consuming its result.
func waitDone(t *testing.T, req *strata.Request) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !req.Done() {
		if time.Now().After(deadline) {
			t.Fatal("request never settled")
		}
		time.Sleep(time.Millisecond)
	}
}

// seed commits one write transaction putting value under k in store.
func seed(t *testing.T, db *strata.Database, store string, value, k any) {
	t.Helper()
	txn, err := db.Transaction([]string{store}, strata.ReadWrite)
	if err != nil {
		t.Fatal(err)
	}
	complete, _ := txSignals(txn)
	s, err := txn.ObjectStore(store)
	if err != nil {
		t.Fatal(err)
	}
	await(t)(s.Put(value, k))
	waitEvent(t, complete, "seed complete")
}

func countRecords(t *testing.T, db *strata.Database, store string) uint64 {
	t.Helper()
	txn, err := db.Transaction([]string{store}, strata.ReadOnly)
	if err != nil {
		t.Fatal(err)
	}
	s, err := txn.ObjectStore(store)
	if err != nil {
		t.Fatal(err)
	}
	n := await(t)(s.Count(nil))
	return n.(uint64)
}

func TestTransactionAutoCommitEmpty(t *testing.T) {
	f := newFactory(t)
	db := openAt(t, f, "app", 1, "s")
	defer db.Close()

	txn, err := db.Transaction([]string{"s"}, strata.ReadWrite)
	if err != nil {
		t.Fatal(err)
	}
	complete, _ := txSignals(txn)
	waitEvent(t, complete, "complete on an empty transaction")
	if err := txn.Err(); err != nil {
		t.Errorf("Err = %v, want nil", err)
	}
}

func TestTransactionAutoCommitAfterRequests(t *testing.T) {
	f := newFactory(t)
	db := openAt(t, f, "app", 1, "s")
	defer db.Close()

	txn, err := db.Transaction([]string{"s"}, strata.ReadWrite)
	if err != nil {
		t.Fatal(err)
	}
	complete, _ := txSignals(txn)
	s, err := txn.ObjectStore("s")
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range []string{"a", "b", "c"} {
		k := await(t)(s.Put(map[string]any{"v": v}, i+1))
		if k.(key.Key).Num() != float64(i+1) {
			t.Errorf("put %d resolved with key %v", i+1, k)
		}
	}
	waitEvent(t, complete, "complete")

	// The committed transaction refuses further work.
	if _, err := s.Put(map[string]any{"v": "late"}, 4); !errors.Is(err, strata.ErrTransactionInactive) {
		t.Errorf("put after complete: err = %v, want ErrTransactionInactive", err)
	}
	if n := countRecords(t, db, "s"); n != 3 {
		t.Errorf("records = %d, want 3", n)
	}
}

func TestSettledResultPinsTransactionUntilConsumed(t *testing.T) {
	f := newFactory(t)
	db := openAt(t, f, "app", 1, "s")
	defer db.Close()

	txn, err := db.Transaction([]string{"s"}, strata.ReadWrite)
	if err != nil {
		t.Fatal(err)
	}
	complete, _ := txSignals(txn)
	s, err := txn.ObjectStore("s")
	if err != nil {
		t.Fatal(err)
	}
	first, err := s.Put(map[string]any{"v": "x"}, 1)
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, first)
	time.Sleep(50 * time.Millisecond)
	select {
	case <-complete:
		t.Fatal("transaction committed before the settled result was read")
	default:
	}

	// The transaction is still live for follow-up work, however late.
	await(t)(s.Put(map[string]any{"v": "y"}, 2))
	if _, err := first.Await(testCtx(t)); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, complete, "complete")
	if n := countRecords(t, db, "s"); n != 2 {
		t.Errorf("records = %d, want 2", n)
	}
}

func TestTransactionExplicitCommit(t *testing.T) {
	f := newFactory(t)
	db := openAt(t, f, "app", 1, "s")
	defer db.Close()

	txn, err := db.Transaction([]string{"s"}, strata.ReadWrite)
	if err != nil {
		t.Fatal(err)
	}
	complete, _ := txSignals(txn)
	s, err := txn.ObjectStore("s")
	if err != nil {
		t.Fatal(err)
	}
	req, err := s.Put(map[string]any{"v": "x"}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// Commit makes the transaction inactive at once; issued requests
	// still finish.
	if _, err := s.Put(map[string]any{"v": "y"}, 2); !errors.Is(err, strata.ErrTransactionInactive) {
		t.Errorf("put after commit: err = %v, want ErrTransactionInactive", err)
	}
	if _, err := req.Await(testCtx(t)); err != nil {
		t.Errorf("pending request after commit: %v", err)
	}
	waitEvent(t, complete, "complete")

	if err := txn.Commit(); !errors.Is(err, strata.ErrInvalidState) {
		t.Errorf("second commit: err = %v, want ErrInvalidState", err)
	}
	if n := countRecords(t, db, "s"); n != 1 {
		t.Errorf("records = %d, want 1", n)
	}
}

func TestTransactionAbortDiscardsWrites(t *testing.T) {
	f := newFactory(t)
	db := openAt(t, f, "app", 1, "s")
	defer db.Close()

	txn, err := db.Transaction([]string{"s"}, strata.ReadWrite)
	if err != nil {
		t.Fatal(err)
	}
	_, abort := txSignals(txn)
	s, err := txn.ObjectStore("s")
	if err != nil {
		t.Fatal(err)
	}
	await(t)(s.Put(map[string]any{"v": "x"}, 1))

	if err := txn.Abort(); err != nil {
		t.Fatalf("abort: %v", err)
	}
	ev := waitEvent(t, abort, "abort")
	if !errors.Is(ev.Err, strata.ErrAbort) {
		t.Errorf("abort event Err = %v, want ErrAbort", ev.Err)
	}
	if !errors.Is(txn.Err(), strata.ErrAbort) {
		t.Errorf("Err = %v, want ErrAbort", txn.Err())
	}
	if err := txn.Abort(); !errors.Is(err, strata.ErrInvalidState) {
		t.Errorf("second abort: err = %v, want ErrInvalidState", err)
	}
	if n := countRecords(t, db, "s"); n != 0 {
		t.Errorf("records after abort = %d, want 0", n)
	}
}

func TestRequestErrorAbortsTransaction(t *testing.T) {
	f := newFactory(t)
	db := openAt(t, f, "app", 1, "s")
	defer db.Close()

	txn, err := db.Transaction([]string{"s"}, strata.ReadWrite)
	if err != nil {
		t.Fatal(err)
	}
	_, abort := txSignals(txn)
	s, err := txn.ObjectStore("s")
	if err != nil {
		t.Fatal(err)
	}
	await(t)(s.Add(map[string]any{"v": "first"}, 1))

	req, err := s.Add(map[string]any{"v": "dup"}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := req.Await(testCtx(t)); !errors.Is(err, strata.ErrConstraint) {
		t.Fatalf("duplicate add: err = %v, want ErrConstraint", err)
	}

	// An unhandled request failure escalates to abort, discarding the
	// earlier successful write too.
	waitEvent(t, abort, "abort")
	if !errors.Is(txn.Err(), strata.ErrConstraint) {
		t.Errorf("Err = %v, want ErrConstraint", txn.Err())
	}
	if n := countRecords(t, db, "s"); n != 0 {
		t.Errorf("records after escalated abort = %d, want 0", n)
	}
}

func TestPreventDefaultKeepsTransactionAlive(t *testing.T) {
	f := newFactory(t)
	db := openAt(t, f, "app", 1, "s")
	defer db.Close()

	txn, err := db.Transaction([]string{"s"}, strata.ReadWrite)
	if err != nil {
		t.Fatal(err)
	}
	complete, _ := txSignals(txn)
	txn.On(strata.EventError, func(ev *strata.Event) { ev.PreventDefault() })

	s, err := txn.ObjectStore("s")
	if err != nil {
		t.Fatal(err)
	}
	await(t)(s.Add(map[string]any{"v": "first"}, 1))
	req, err := s.Add(map[string]any{"v": "dup"}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := req.Await(testCtx(t)); !errors.Is(err, strata.ErrConstraint) {
		t.Fatalf("duplicate add: err = %v, want ErrConstraint", err)
	}

	// The prevented failure does not abort; the first write commits.
	waitEvent(t, complete, "complete")
	if n := countRecords(t, db, "s"); n != 1 {
		t.Errorf("records = %d, want 1", n)
	}
}

func TestStopPropagation(t *testing.T) {
	f := newFactory(t)
	db := openAt(t, f, "app", 1, "s")
	defer db.Close()

	var dbErrors int32
	db.On(strata.EventError, func(*strata.Event) { atomic.AddInt32(&dbErrors, 1) })

	txn, err := db.Transaction([]string{"s"}, strata.ReadWrite)
	if err != nil {
		t.Fatal(err)
	}
	complete, _ := txSignals(txn)
	txn.On(strata.EventError, func(ev *strata.Event) {
		ev.PreventDefault()
		ev.StopPropagation()
	})

	s, err := txn.ObjectStore("s")
	if err != nil {
		t.Fatal(err)
	}
	await(t)(s.Add(map[string]any{"v": "first"}, 1))
	req, err := s.Add(map[string]any{"v": "dup"}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := req.Await(testCtx(t)); !errors.Is(err, strata.ErrConstraint) {
		t.Fatalf("duplicate add: err = %v, want ErrConstraint", err)
	}
	waitEvent(t, complete, "complete")

	if n := atomic.LoadInt32(&dbErrors); n != 0 {
		t.Errorf("connection-level error listener ran %d times despite StopPropagation", n)
	}
}

func TestListenerPanicAbortsTransaction(t *testing.T) {
	f := newFactory(t)
	db := openAt(t, f, "app", 1, "s")
	defer db.Close()

	txn, err := db.Transaction([]string{"s"}, strata.ReadWrite)
	if err != nil {
		t.Fatal(err)
	}
	_, abort := txSignals(txn)
	txn.On(strata.EventSuccess, func(*strata.Event) { panic("listener exploded") })

	s, err := txn.ObjectStore("s")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Put(map[string]any{"v": "x"}, 1); err != nil {
		t.Fatal(err)
	}

	waitEvent(t, abort, "abort")
	if !errors.Is(txn.Err(), strata.ErrUnknown) {
		t.Errorf("Err = %v, want ErrUnknown", txn.Err())
	}
	if n := countRecords(t, db, "s"); n != 0 {
		t.Errorf("records = %d, want 0", n)
	}
}

func TestReadOnlyRefusesWrites(t *testing.T) {
	f := newFactory(t)
	db := openAt(t, f, "app", 1, "s")
	defer db.Close()

	txn, err := db.Transaction([]string{"s"}, strata.ReadOnly)
	if err != nil {
		t.Fatal(err)
	}
	s, err := txn.ObjectStore("s")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Put(map[string]any{}, 1); !errors.Is(err, strata.ErrReadOnly) {
		t.Errorf("put: err = %v, want ErrReadOnly", err)
	}
	if _, err := s.Delete(1); !errors.Is(err, strata.ErrReadOnly) {
		t.Errorf("delete: err = %v, want ErrReadOnly", err)
	}
	if _, err := s.Clear(); !errors.Is(err, strata.ErrReadOnly) {
		t.Errorf("clear: err = %v, want ErrReadOnly", err)
	}
}

func TestTransactionScope(t *testing.T) {
	f := newFactory(t)
	db := openAt(t, f, "app", 1, "a", "b")
	defer db.Close()

	if _, err := db.Transaction(nil, strata.ReadWrite); !errors.Is(err, strata.ErrInvalidArgument) {
		t.Errorf("empty scope: err = %v, want ErrInvalidArgument", err)
	}
	if _, err := db.Transaction([]string{"missing"}, strata.ReadWrite); !errors.Is(err, strata.ErrNotFound) {
		t.Errorf("unknown store: err = %v, want ErrNotFound", err)
	}
	if _, err := db.Transaction([]string{"a"}, strata.VersionChange); !errors.Is(err, strata.ErrInvalidArgument) {
		t.Errorf("versionchange scope: err = %v, want ErrInvalidArgument", err)
	}

	txn, err := db.Transaction([]string{"a", "a"}, strata.ReadOnly)
	if err != nil {
		t.Fatal(err)
	}
	if scope := txn.Scope(); len(scope) != 1 || scope[0] != "a" {
		t.Errorf("scope = %v, want [a]", scope)
	}
	if _, err := txn.ObjectStore("b"); !errors.Is(err, strata.ErrNotFound) {
		t.Errorf("out-of-scope store: err = %v, want ErrNotFound", err)
	}
}

// holdOpen issues a read on store and leaves its result unconsumed,
// which keeps the transaction active until the returned release func
// reads it.
func holdOpen(t *testing.T, txn *strata.Transaction, store string) (release func()) {
	t.Helper()
	s, err := txn.ObjectStore(store)
	if err != nil {
		t.Fatal(err)
	}
	req, err := s.Count(nil)
	if err != nil {
		t.Fatal(err)
	}
	return func() {
		if _, err := req.Await(testCtx(t)); err != nil {
			t.Fatalf("release held transaction: %v", err)
		}
	}
}

func TestOverlappingWritersSerialize(t *testing.T) {
	f := newFactory(t)
	db := openAt(t, f, "app", 1, "a", "b")
	defer db.Close()
	seed(t, db, "a", map[string]any{"v": "seed"}, 1)
	seed(t, db, "b", map[string]any{"v": "seed"}, 1)

	tx1, err := db.Transaction([]string{"a"}, strata.ReadWrite)
	if err != nil {
		t.Fatal(err)
	}
	tx1done, _ := txSignals(tx1)
	release := holdOpen(t, tx1, "a")

	// A second writer over the same store parks behind tx1.
	tx2, err := db.Transaction([]string{"a"}, strata.ReadWrite)
	if err != nil {
		t.Fatal(err)
	}
	tx2done, _ := txSignals(tx2)
	s2, err := tx2.ObjectStore("a")
	if err != nil {
		t.Fatal(err)
	}
	blockedReq, err := s2.Put(map[string]any{"v": "second"}, 2)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if blockedReq.Done() {
		t.Fatal("overlapping writer ran while the first held the store")
	}
	if _, err := blockedReq.Result(); !errors.Is(err, strata.ErrInvalidState) {
		t.Errorf("Result on pending request: err = %v, want ErrInvalidState", err)
	}

	// A writer over a disjoint store is not held up.
	tx3, err := db.Transaction([]string{"b"}, strata.ReadWrite)
	if err != nil {
		t.Fatal(err)
	}
	tx3done, _ := txSignals(tx3)
	s3, err := tx3.ObjectStore("b")
	if err != nil {
		t.Fatal(err)
	}
	await(t)(s3.Put(map[string]any{"v": "parallel"}, 2))
	waitEvent(t, tx3done, "disjoint writer complete")

	// Consuming tx1's held result lets it finish and tx2 take its turn.
	release()
	waitEvent(t, tx1done, "first writer complete")
	if _, err := blockedReq.Await(testCtx(t)); err != nil {
		t.Fatalf("parked write after release: %v", err)
	}
	waitEvent(t, tx2done, "second writer complete")

	if n := countRecords(t, db, "a"); n != 2 {
		t.Errorf("records in a = %d, want 2", n)
	}
}

func TestReaderWaitsForEarlierWriter(t *testing.T) {
	f := newFactory(t)
	db := openAt(t, f, "app", 1, "a")
	defer db.Close()
	seed(t, db, "a", map[string]any{"v": "seed"}, 1)

	tx1, err := db.Transaction([]string{"a"}, strata.ReadWrite)
	if err != nil {
		t.Fatal(err)
	}
	tx1done, _ := txSignals(tx1)
	release := holdOpen(t, tx1, "a")
	s1, err := tx1.ObjectStore("a")
	if err != nil {
		t.Fatal(err)
	}
	await(t)(s1.Put(map[string]any{"v": "updated"}, 1))

	reader, err := db.Transaction([]string{"a"}, strata.ReadOnly)
	if err != nil {
		t.Fatal(err)
	}
	rs, err := reader.ObjectStore("a")
	if err != nil {
		t.Fatal(err)
	}
	readReq, err := rs.Get(1)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if readReq.Done() {
		t.Fatal("reader ran while an earlier writer held the store")
	}

	release()
	waitEvent(t, tx1done, "writer complete")
	v, err := readReq.Await(testCtx(t))
	if err != nil {
		t.Fatal(err)
	}
	if m := v.(map[string]any); m["v"] != "updated" {
		t.Errorf("reader saw %v, want the committed update", v)
	}
}

func TestAbortFailsParkedRequests(t *testing.T) {
	f := newFactory(t)
	db := openAt(t, f, "app", 1, "a")
	defer db.Close()
	seed(t, db, "a", map[string]any{"v": "seed"}, 1)

	tx1, err := db.Transaction([]string{"a"}, strata.ReadWrite)
	if err != nil {
		t.Fatal(err)
	}
	tx1done, _ := txSignals(tx1)
	release := holdOpen(t, tx1, "a")

	tx2, err := db.Transaction([]string{"a"}, strata.ReadWrite)
	if err != nil {
		t.Fatal(err)
	}
	_, tx2abort := txSignals(tx2)
	s2, err := tx2.ObjectStore("a")
	if err != nil {
		t.Fatal(err)
	}
	parked, err := s2.Put(map[string]any{"v": "never"}, 2)
	if err != nil {
		t.Fatal(err)
	}

	if err := tx2.Abort(); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if _, err := parked.Await(testCtx(t)); !errors.Is(err, strata.ErrAbort) {
		t.Errorf("parked request after abort: err = %v, want ErrAbort", err)
	}
	waitEvent(t, tx2abort, "abort")

	release()
	waitEvent(t, tx1done, "first writer complete")
	if n := countRecords(t, db, "a"); n != 1 {
		t.Errorf("records = %d, want 1", n)
	}
}

func TestRequestListenerDeliveryReleasesResult(t *testing.T) {
	f := newFactory(t)
	db := openAt(t, f, "app", 1, "a")
	defer db.Close()
	seed(t, db, "a", map[string]any{"v": "seed"}, 1)

	tx1, err := db.Transaction([]string{"a"}, strata.ReadWrite)
	if err != nil {
		t.Fatal(err)
	}
	release := holdOpen(t, tx1, "a")

	// tx2 parks behind tx1, so the success listener is registered long
	// before the request can settle.
	tx2, err := db.Transaction([]string{"a"}, strata.ReadWrite)
	if err != nil {
		t.Fatal(err)
	}
	tx2done, _ := txSignals(tx2)
	s2, err := tx2.ObjectStore("a")
	if err != nil {
		t.Fatal(err)
	}
	req, err := s2.Put(map[string]any{"v": "y"}, 2)
	if err != nil {
		t.Fatal(err)
	}
	got := make(chan *strata.Event, 1)
	req.On(strata.EventSuccess, func(ev *strata.Event) { got <- ev })

	// The result is never read with Await; delivery to the request's
	// own listener is enough for tx2 to commit.
	release()
	waitEvent(t, got, "success delivery")
	waitEvent(t, tx2done, "complete without an explicit result read")
	if n := countRecords(t, db, "a"); n != 2 {
		t.Errorf("records = %d, want 2", n)
	}
}

func TestVersionChangeAbortRestoresSchema(t *testing.T) {
	f := newFactory(t)
	db := openAt(t, f, "app", 1, "a")
	seed(t, db, "a", map[string]any{"v": "kept"}, 1)
	db.Close()

	boom := errors.New("boom")
	_, err := f.Open("app", 2, strata.WithUpgrade(
		func(_, _ uint64, db *strata.Database, txn *strata.Transaction) error {
			if _, err := db.CreateObjectStore("b", strata.StoreOptions{}); err != nil {
				return err
			}
			s, err := txn.ObjectStore("a")
			if err != nil {
				return err
			}
			if _, err := s.CreateIndex("by_v", "v", strata.IndexOptions{}); err != nil {
				return err
			}
			if err := s.Rename("a2"); err != nil {
				return err
			}
			names := db.ObjectStoreNames()
			if len(names) != 2 || names[0] != "a2" || names[1] != "b" {
				t.Errorf("mid-upgrade store names = %v, want [a2 b]", names)
			}
			return boom
		},
	)).Await(testCtx(t))
	if !errors.Is(err, boom) {
		t.Fatalf("open err = %v, want the callback error", err)
	}

	// Everything schema-shaped is back: names, indexes, version, data.
	db2, err := f.Open("app", 0).Await(testCtx(t))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()
	if v := db2.Version(); v != 1 {
		t.Errorf("version = %d, want 1", v)
	}
	names := db2.ObjectStoreNames()
	if len(names) != 1 || names[0] != "a" {
		t.Errorf("store names = %v, want [a]", names)
	}
	txn, err := db2.Transaction([]string{"a"}, strata.ReadOnly)
	if err != nil {
		t.Fatal(err)
	}
	s, err := txn.ObjectStore("a")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Index("by_v"); !errors.Is(err, strata.ErrNotFound) {
		t.Errorf("index after rollback: err = %v, want ErrNotFound", err)
	}
	got := await(t)(s.Get(1))
	if m := got.(map[string]any); m["v"] != "kept" {
		t.Errorf("record after rollback = %v", got)
	}
}

func TestCursorIteration(t *testing.T) {
	f := newFactory(t)
	db := openAt(t, f, "app", 1, "s")
	defer db.Close()
	for i := 1; i <= 5; i++ {
		seed(t, db, "s", map[string]any{"n": i}, i)
	}

	txn, err := db.Transaction([]string{"s"}, strata.ReadOnly)
	if err != nil {
		t.Fatal(err)
	}
	complete, _ := txSignals(txn)
	s, err := txn.ObjectStore("s")
	if err != nil {
		t.Fatal(err)
	}

	var keys []float64
	v := await(t)(s.OpenCursor(nil, strata.Next))
	for v != nil {
		cur := v.(*strata.Cursor)
		keys = append(keys, cur.PrimaryKey().Num())
		v = await(t)(cur.Continue(nil))
	}
	want := []float64{1, 2, 3, 4, 5}
	if len(keys) != len(want) {
		t.Fatalf("visited keys = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("visited keys = %v, want %v", keys, want)
		}
	}

	// Exhaustion released the hold, so the transaction finishes on its
	// own.
	waitEvent(t, complete, "complete")
}

func TestCursorAdvanceAndTarget(t *testing.T) {
	f := newFactory(t)
	db := openAt(t, f, "app", 1, "s")
	defer db.Close()
	for i := 1; i <= 6; i++ {
		seed(t, db, "s", map[string]any{"n": i}, i)
	}

	txn, err := db.Transaction([]string{"s"}, strata.ReadOnly)
	if err != nil {
		t.Fatal(err)
	}
	s, err := txn.ObjectStore("s")
	if err != nil {
		t.Fatal(err)
	}
	v := await(t)(s.OpenCursor(nil, strata.Next))
	cur := v.(*strata.Cursor)
	if got := cur.PrimaryKey().Num(); got != 1 {
		t.Fatalf("initial position = %v, want 1", got)
	}
	if v = await(t)(cur.Advance(2)); v == nil {
		t.Fatal("cursor exhausted early")
	}
	if got := cur.PrimaryKey().Num(); got != 3 {
		t.Errorf("after Advance(2) position = %v, want 3", got)
	}
	if v = await(t)(cur.Continue(5)); v == nil {
		t.Fatal("cursor exhausted early")
	}
	if got := cur.PrimaryKey().Num(); got != 5 {
		t.Errorf("after Continue(5) position = %v, want 5", got)
	}
	cur.Close()

	if _, err := cur.Continue(nil); !errors.Is(err, strata.ErrInvalidState) {
		t.Errorf("continue after close: err = %v, want ErrInvalidState", err)
	}
}

func TestAbandonedCursorDoesNotStallTransaction(t *testing.T) {
	f := newFactory(t)
	db := openAt(t, f, "app", 1, "s")
	defer db.Close()
	seed(t, db, "s", map[string]any{"v": "x"}, 1)

	txn, err := db.Transaction([]string{"s"}, strata.ReadOnly)
	if err != nil {
		t.Fatal(err)
	}
	complete, _ := txSignals(txn)
	s, err := txn.ObjectStore("s")
	if err != nil {
		t.Fatal(err)
	}
	v := await(t)(s.OpenCursor(nil, strata.Next))
	cur, ok := v.(*strata.Cursor)
	if !ok || cur == nil {
		t.Fatal("expected a positioned cursor")
	}

	// Walking away from the positioned cursor must not pin the
	// transaction; it auto-commits and later steps are refused.
	waitEvent(t, complete, "complete with an abandoned cursor")
	if _, err := cur.Continue(nil); !errors.Is(err, strata.ErrTransactionInactive) {
		t.Errorf("continue after completion: err = %v, want ErrTransactionInactive", err)
	}
}

func TestIndexQueries(t *testing.T) {
	f := newFactory(t)
	db, err := f.Open("app", 1, strata.WithUpgrade(
		func(_, _ uint64, db *strata.Database, _ *strata.Transaction) error {
			s, err := db.CreateObjectStore("users", strata.StoreOptions{KeyPath: "id"})
			if err != nil {
				return err
			}
			_, err = s.CreateIndex("by_team", "team", strata.IndexOptions{})
			return err
		},
	)).Await(testCtx(t))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	seed(t, db, "users", map[string]any{"id": 1, "team": "red"}, nil)
	seed(t, db, "users", map[string]any{"id": 2, "team": "blue"}, nil)
	seed(t, db, "users", map[string]any{"id": 3, "team": "red"}, nil)

	txn, err := db.Transaction([]string{"users"}, strata.ReadOnly)
	if err != nil {
		t.Fatal(err)
	}
	s, err := txn.ObjectStore("users")
	if err != nil {
		t.Fatal(err)
	}
	ix, err := s.Index("by_team")
	if err != nil {
		t.Fatal(err)
	}

	if n := await(t)(ix.Count(nil)); n.(uint64) != 3 {
		t.Errorf("index count = %v, want 3", n)
	}
	reds := await(t)(ix.GetAll("red", 0)).([]any)
	if len(reds) != 2 {
		t.Fatalf("red members = %v, want 2", reds)
	}
	for _, v := range reds {
		if m := v.(map[string]any); m["team"] != "red" {
			t.Errorf("red member = %v", v)
		}
	}
	pk := await(t)(ix.GetKey("blue"))
	if pk.(key.Key).Num() != 2 {
		t.Errorf("blue primary key = %v, want 2", pk)
	}

	// Index iteration orders by index key: blue before red.
	keys := await(t)(ix.GetAllKeys(nil, 0)).([]key.Key)
	if len(keys) != 3 || keys[0].Num() != 2 || keys[1].Num() != 1 || keys[2].Num() != 3 {
		t.Errorf("primary keys in index order = %v, want [2 1 3]", keys)
	}
}

func TestKeyGenerator(t *testing.T) {
	f := newFactory(t)
	db, err := f.Open("app", 1, strata.WithUpgrade(
		func(_, _ uint64, db *strata.Database, _ *strata.Transaction) error {
			_, err := db.CreateObjectStore("logs", strata.StoreOptions{KeyPath: "id", AutoIncrement: true})
			return err
		},
	)).Await(testCtx(t))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	txn, err := db.Transaction([]string{"logs"}, strata.ReadWrite)
	if err != nil {
		t.Fatal(err)
	}
	complete, _ := txSignals(txn)
	s, err := txn.ObjectStore("logs")
	if err != nil {
		t.Fatal(err)
	}

	k := await(t)(s.Add(map[string]any{"msg": "a"}, nil))
	if k.(key.Key).Num() != 1 {
		t.Errorf("first generated key = %v, want 1", k)
	}
	// An explicit numeric key above the generator bumps it.
	k = await(t)(s.Add(map[string]any{"id": 10, "msg": "b"}, nil))
	if k.(key.Key).Num() != 10 {
		t.Errorf("explicit key = %v, want 10", k)
	}
	k = await(t)(s.Add(map[string]any{"msg": "c"}, nil))
	if k.(key.Key).Num() != 11 {
		t.Errorf("key after bump = %v, want 11", k)
	}
	waitEvent(t, complete, "complete")

	// The generated key was injected at the key path.
	txn2, err := db.Transaction([]string{"logs"}, strata.ReadOnly)
	if err != nil {
		t.Fatal(err)
	}
	s2, err := txn2.ObjectStore("logs")
	if err != nil {
		t.Fatal(err)
	}
	v := await(t)(s2.Get(11))
	if m := v.(map[string]any); m["id"] != float64(11) || m["msg"] != "c" {
		t.Errorf("injected record = %v", v)
	}
}

func TestDatabaseCloseSignal(t *testing.T) {
	f := newFactory(t)
	db := openAt(t, f, "app", 1, "s")

	closed := make(chan *strata.Event, 1)
	db.On(strata.EventClose, func(ev *strata.Event) { closed <- ev })

	if err := db.Close(); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, closed, "close")

	if _, err := db.Transaction([]string{"s"}, strata.ReadOnly); !errors.Is(err, strata.ErrInvalidState) {
		t.Errorf("transaction on closed connection: err = %v, want ErrInvalidState", err)
	}
	// Close is idempotent.
	if err := db.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}
