package sqlite_test

import (
	"testing"

	"github.com/xraph/strata/backend"
	"github.com/xraph/strata/backend/backendtest"
	"github.com/xraph/strata/backend/sqlite"
	"github.com/xraph/strata/key"
)

func TestConformance(t *testing.T) {
	backendtest.Run(t, func(t *testing.T) backend.Driver {
		d, err := sqlite.Open(t.TempDir())
		if err != nil {
			t.Fatalf("open driver: %v", err)
		}
		return d
	})
}

func TestReopenPersists(t *testing.T) {
	dir := t.TempDir()

	d, err := sqlite.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	c, err := d.Open("app")
	if err != nil {
		t.Fatal(err)
	}
	vtx, err := c.Begin(nil, backend.VersionChange, backend.DurabilityDefault)
	if err != nil {
		t.Fatal(err)
	}
	if err := vtx.CreateStore(&backend.StoreSpec{Name: "s"}); err != nil {
		t.Fatal(err)
	}
	if err := vtx.SetVersion(4); err != nil {
		t.Fatal(err)
	}
	if _, err := vtx.Put("s", map[string]any{"v": "kept"}, key.MustNew("k")); err != nil {
		t.Fatal(err)
	}
	if err := vtx.Commit(); err != nil {
		t.Fatal(err)
	}
	c.Close()
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}

	// A fresh driver over the same directory sees the committed state.
	d2, err := sqlite.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer d2.Close()
	c2, err := d2.Open("app")
	if err != nil {
		t.Fatal(err)
	}
	defer c2.Close()

	if v := c2.Spec().Version; v != 4 {
		t.Errorf("version after reopen = %d, want 4", v)
	}
	tx, err := c2.Begin([]string{"s"}, backend.ReadOnly, backend.DurabilityDefault)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Commit()
	v, err := tx.Get("s", key.Only(key.MustNew("k")))
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if m := v.(map[string]any); m["v"] != "kept" {
		t.Errorf("record after reopen = %v", v)
	}
}

func TestSingleWriterCapability(t *testing.T) {
	d, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	sw, ok := backend.Driver(d).(backend.SingleWriter)
	if !ok || !sw.SingleWriter() {
		t.Error("sqlite driver should report SingleWriter")
	}
}
