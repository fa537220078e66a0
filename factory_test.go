package strata_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xraph/strata"
)

func newFactory(t *testing.T, opts ...strata.Option) *strata.Factory {
	t.Helper()
	opts = append([]strata.Option{
		strata.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	f, err := strata.New(opts...)
	if err != nil {
		t.Fatalf("new factory: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// openAt opens name at version, creating the given out-of-line stores in
// the upgrade callback.
func openAt(t *testing.T, f *strata.Factory, name string, version uint64, stores ...string) *strata.Database {
	t.Helper()
	db, err := f.Open(name, version, strata.WithUpgrade(
		func(_, _ uint64, db *strata.Database, _ *strata.Transaction) error {
			for _, s := range stores {
				if _, err := db.CreateObjectStore(s, strata.StoreOptions{}); err != nil {
					return err
				}
			}
			return nil
		},
	)).Await(testCtx(t))
	if err != nil {
		t.Fatalf("open %q at version %d: %v", name, version, err)
	}
	return db
}

func waitEvent(t *testing.T, ch <-chan *strata.Event, what string) *strata.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return nil
	}
}

func TestOpenCreatesDatabase(t *testing.T) {
	f := newFactory(t)

	var calls int32
	var gotOld, gotNew uint64
	db, err := f.Open("app", 1, strata.WithUpgrade(
		func(oldV, newV uint64, db *strata.Database, _ *strata.Transaction) error {
			atomic.AddInt32(&calls, 1)
			gotOld, gotNew = oldV, newV
			_, err := db.CreateObjectStore("items", strata.StoreOptions{})
			return err
		},
	)).Await(testCtx(t))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("upgrade callback ran %d times, want 1", n)
	}
	if gotOld != 0 || gotNew != 1 {
		t.Errorf("upgrade versions = (%d, %d), want (0, 1)", gotOld, gotNew)
	}
	if v := db.Version(); v != 1 {
		t.Errorf("version = %d, want 1", v)
	}
	names := db.ObjectStoreNames()
	if len(names) != 1 || names[0] != "items" {
		t.Errorf("store names = %v, want [items]", names)
	}
}

func TestOpenSameVersionSkipsUpgrade(t *testing.T) {
	f := newFactory(t)
	a := openAt(t, f, "app", 1, "items")
	defer a.Close()

	// Repeated opens at the stored version never re-run the upgrade.
	for i := 0; i < 3; i++ {
		db, err := f.Open("app", 1, strata.WithUpgrade(
			func(oldV, newV uint64, _ *strata.Database, _ *strata.Transaction) error {
				t.Errorf("unexpected upgrade %d -> %d", oldV, newV)
				return nil
			},
		)).Await(testCtx(t))
		if err != nil {
			t.Fatalf("reopen %d: %v", i, err)
		}
		if v := db.Version(); v != 1 {
			t.Errorf("reopen %d: version = %d, want 1", i, v)
		}
		db.Close()
	}
}

func TestOpenVersionZeroMeansCurrent(t *testing.T) {
	f := newFactory(t)
	openAt(t, f, "app", 3, "items").Close()

	db, err := f.Open("app", 0).Await(testCtx(t))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	if v := db.Version(); v != 3 {
		t.Errorf("version = %d, want 3", v)
	}
}

func TestOpenBelowStoredVersion(t *testing.T) {
	f := newFactory(t)
	openAt(t, f, "app", 2, "items").Close()

	_, err := f.Open("app", 1).Await(testCtx(t))
	if !errors.Is(err, strata.ErrVersion) {
		t.Fatalf("open below stored version: err = %v, want ErrVersion", err)
	}

	// The database is untouched.
	db, err := f.Open("app", 0).Await(testCtx(t))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	if v := db.Version(); v != 2 {
		t.Errorf("version = %d, want 2", v)
	}
}

func TestUpgradeFailureRollsBack(t *testing.T) {
	f := newFactory(t)
	openAt(t, f, "app", 1, "keep").Close()

	boom := errors.New("boom")
	_, err := f.Open("app", 2, strata.WithUpgrade(
		func(_, _ uint64, db *strata.Database, txn *strata.Transaction) error {
			if _, err := db.CreateObjectStore("extra", strata.StoreOptions{}); err != nil {
				return err
			}
			s, err := txn.ObjectStore("keep")
			if err != nil {
				return err
			}
			if _, err := s.Put(map[string]any{"v": "lost"}, 1); err != nil {
				return err
			}
			return boom
		},
	)).Await(testCtx(t))
	if !errors.Is(err, boom) {
		t.Fatalf("open err = %v, want the callback error", err)
	}

	// Version, store list, and data are all back to the prior state.
	db, err := f.Open("app", 0).Await(testCtx(t))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	if v := db.Version(); v != 1 {
		t.Errorf("version after failed upgrade = %d, want 1", v)
	}
	names := db.ObjectStoreNames()
	if len(names) != 1 || names[0] != "keep" {
		t.Errorf("store names = %v, want [keep]", names)
	}
	if n := countRecords(t, db, "keep"); n != 0 {
		t.Errorf("records after rolled-back upgrade = %d, want 0", n)
	}
}

func TestUpgradeCommitsUnreadWrites(t *testing.T) {
	f := newFactory(t)

	// The callback seeds data without ever reading the put's result;
	// the open must still settle and the write must be committed.
	db, err := f.Open("app", 1, strata.WithUpgrade(
		func(_, _ uint64, db *strata.Database, txn *strata.Transaction) error {
			if _, err := db.CreateObjectStore("s", strata.StoreOptions{}); err != nil {
				return err
			}
			s, err := txn.ObjectStore("s")
			if err != nil {
				return err
			}
			_, err = s.Put(map[string]any{"v": "x"}, 1)
			return err
		},
	)).Await(testCtx(t))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	if n := countRecords(t, db, "s"); n != 1 {
		t.Errorf("records after upgrade = %d, want 1", n)
	}
}

func TestUpgradeCallbackAbort(t *testing.T) {
	f := newFactory(t)
	openAt(t, f, "app", 1, "items").Close()

	_, err := f.Open("app", 2, strata.WithUpgrade(
		func(_, _ uint64, _ *strata.Database, txn *strata.Transaction) error {
			return txn.Abort()
		},
	)).Await(testCtx(t))
	if !errors.Is(err, strata.ErrAbort) {
		t.Fatalf("open err = %v, want ErrAbort", err)
	}
}

func TestUpgradePanicAborts(t *testing.T) {
	f := newFactory(t)
	openAt(t, f, "app", 1, "items").Close()

	_, err := f.Open("app", 2, strata.WithUpgrade(
		func(_, _ uint64, _ *strata.Database, _ *strata.Transaction) error {
			panic("upgrade exploded")
		},
	)).Await(testCtx(t))
	if !errors.Is(err, strata.ErrUnknown) {
		t.Fatalf("open err = %v, want ErrUnknown", err)
	}

	db, err := f.Open("app", 0).Await(testCtx(t))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	if v := db.Version(); v != 1 {
		t.Errorf("version after panic = %d, want 1", v)
	}
}

func TestFirstCreationRollsBackToNothing(t *testing.T) {
	f := newFactory(t)

	boom := errors.New("boom")
	_, err := f.Open("fresh", 1, strata.WithUpgrade(
		func(_, _ uint64, _ *strata.Database, _ *strata.Transaction) error {
			return boom
		},
	)).Await(testCtx(t))
	if !errors.Is(err, boom) {
		t.Fatalf("open err = %v, want the callback error", err)
	}

	infos, err := f.Databases()
	if err != nil {
		t.Fatal(err)
	}
	for _, info := range infos {
		if info.Name == "fresh" {
			t.Errorf("database %q exists after a rolled-back first creation", info.Name)
		}
	}
}

func TestVersionChangeClosePromptly(t *testing.T) {
	f := newFactory(t)
	a := openAt(t, f, "app", 1, "items")

	vc := make(chan *strata.Event, 1)
	a.On(strata.EventVersionChange, func(ev *strata.Event) {
		vc <- ev
		a.Close()
	})

	db, err := f.Open("app", 2).Await(testCtx(t))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	ev := waitEvent(t, vc, "versionchange")
	if ev.OldVersion != 1 || ev.NewVersion != 2 {
		t.Errorf("versionchange = (%d, %d), want (1, 2)", ev.OldVersion, ev.NewVersion)
	}
	if v := db.Version(); v != 2 {
		t.Errorf("version = %d, want 2", v)
	}
}

func TestOpenBlockedUntilClose(t *testing.T) {
	f := newFactory(t)
	a := openAt(t, f, "app", 1, "items")

	var req *strata.OpenRequest
	ready := make(chan struct{})
	vc := make(chan *strata.Event, 1)
	blocked := make(chan *strata.Event, 1)
	upgraded := make(chan *strata.Event, 1)

	// The versionchange handler runs before the blocked decision, so
	// registering the request listeners here cannot miss the signal.
	a.On(strata.EventVersionChange, func(ev *strata.Event) {
		<-ready
		req.On(strata.EventBlocked, func(ev *strata.Event) { blocked <- ev })
		req.On(strata.EventUpgradeNeeded, func(ev *strata.Event) { upgraded <- ev })
		vc <- ev
	})

	req = f.Open("app", 2)
	close(ready)

	waitEvent(t, vc, "versionchange")
	bev := waitEvent(t, blocked, "blocked")
	if bev.OldVersion != 1 || bev.NewVersion != 2 {
		t.Errorf("blocked = (%d, %d), want (1, 2)", bev.OldVersion, bev.NewVersion)
	}
	if req.Done() {
		t.Fatal("open settled while another connection was live")
	}

	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	db, err := req.Await(testCtx(t))
	if err != nil {
		t.Fatalf("open after close: %v", err)
	}
	defer db.Close()

	uev := waitEvent(t, upgraded, "upgradeneeded")
	if uev.OldVersion != 1 || uev.NewVersion != 2 {
		t.Errorf("upgradeneeded = (%d, %d), want (1, 2)", uev.OldVersion, uev.NewVersion)
	}
	if v := db.Version(); v != 2 {
		t.Errorf("version = %d, want 2", v)
	}
}

func TestDeleteDatabase(t *testing.T) {
	f := newFactory(t)
	openAt(t, f, "app", 2, "items").Close()

	version, err := f.DeleteDatabase("app").Await(testCtx(t))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if version != 2 {
		t.Errorf("deleted version = %d, want 2", version)
	}

	infos, err := f.Databases()
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 0 {
		t.Errorf("databases after delete = %v, want none", infos)
	}

	// Deleting a database that does not exist reports version 0.
	version, err = f.DeleteDatabase("app").Await(testCtx(t))
	if err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if version != 0 {
		t.Errorf("missing database delete version = %d, want 0", version)
	}
}

func TestDeleteBlockedByConnection(t *testing.T) {
	f := newFactory(t)
	a := openAt(t, f, "app", 1, "items")

	var req *strata.DeleteRequest
	ready := make(chan struct{})
	vc := make(chan *strata.Event, 1)
	blocked := make(chan *strata.Event, 1)
	a.On(strata.EventVersionChange, func(ev *strata.Event) {
		<-ready
		req.On(strata.EventBlocked, func(ev *strata.Event) { blocked <- ev })
		vc <- ev
	})

	req = f.DeleteDatabase("app")
	close(ready)

	ev := waitEvent(t, vc, "versionchange")
	if ev.OldVersion != 1 || ev.NewVersion != 0 {
		t.Errorf("versionchange = (%d, %d), want (1, 0)", ev.OldVersion, ev.NewVersion)
	}
	waitEvent(t, blocked, "blocked")
	if req.Done() {
		t.Fatal("delete settled while a connection was live")
	}

	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	version, err := req.Await(testCtx(t))
	if err != nil {
		t.Fatalf("delete after close: %v", err)
	}
	if version != 1 {
		t.Errorf("deleted version = %d, want 1", version)
	}
}

func TestDatabases(t *testing.T) {
	f := newFactory(t)
	openAt(t, f, "alpha", 1, "s").Close()
	openAt(t, f, "beta", 3, "s").Close()

	infos, err := f.Databases()
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 2 {
		t.Fatalf("databases = %v, want 2 entries", infos)
	}
	if infos[0].Name != "alpha" || infos[0].Version != 1 {
		t.Errorf("infos[0] = %+v, want alpha at 1", infos[0])
	}
	if infos[1].Name != "beta" || infos[1].Version != 3 {
		t.Errorf("infos[1] = %+v, want beta at 3", infos[1])
	}
}

func TestCmp(t *testing.T) {
	cases := []struct {
		a, b any
		want int
	}{
		{1, 2, -1},
		{2, 2, 0},
		{3, 2, 1},
		{1000000, "a", -1},        // numbers sort before strings
		{"a", []byte{0x00}, -1},   // strings sort before binary
		{"z", []any{1}, -1},       // everything sorts before arrays
		{[]any{1}, []any{1, 2}, -1},
		{"apple", "banana", -1},
	}
	for _, tc := range cases {
		got, err := strata.Cmp(tc.a, tc.b)
		if err != nil {
			t.Errorf("Cmp(%v, %v): %v", tc.a, tc.b, err)
			continue
		}
		if got != tc.want {
			t.Errorf("Cmp(%v, %v) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
	if _, err := strata.Cmp(struct{}{}, 1); err == nil {
		t.Error("Cmp accepted a non-key value")
	}
}

func TestConcurrentOpens(t *testing.T) {
	f := newFactory(t)

	var upgrades int32
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			db, err := f.Open("shared", 1, strata.WithUpgrade(
				func(_, _ uint64, db *strata.Database, _ *strata.Transaction) error {
					atomic.AddInt32(&upgrades, 1)
					_, err := db.CreateObjectStore("items", strata.StoreOptions{})
					return err
				},
			)).Await(context.Background())
			if err != nil {
				return err
			}
			if v := db.Version(); v != 1 {
				db.Close()
				return errors.New("wrong version after concurrent open")
			}
			return db.Close()
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent open: %v", err)
	}
	if n := atomic.LoadInt32(&upgrades); n != 1 {
		t.Errorf("upgrade callback ran %d times, want exactly 1", n)
	}
}
