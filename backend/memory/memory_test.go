package memory_test

import (
	"errors"
	"testing"

	"github.com/xraph/strata/backend"
	"github.com/xraph/strata/backend/backendtest"
	"github.com/xraph/strata/backend/memory"
	"github.com/xraph/strata/key"
)

func TestConformance(t *testing.T) {
	backendtest.Run(t, func(t *testing.T) backend.Driver {
		return memory.New()
	})
}

func TestReadOnlySharesCommittedTables(t *testing.T) {
	d := memory.New()
	c, err := d.Open("db")
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
	if err := vtx.Commit(); err != nil {
		t.Fatal(err)
	}

	// A reader begun before a write commits keeps its snapshot.
	rd, err := c.Begin([]string{"s"}, backend.ReadOnly, backend.DurabilityDefault)
	if err != nil {
		t.Fatal(err)
	}
	wr, err := c.Begin([]string{"s"}, backend.ReadWrite, backend.DurabilityDefault)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := wr.Put("s", "v", key.MustNew(1)); err != nil {
		t.Fatal(err)
	}

	n, err := rd.Count("s", key.Range{})
	if err != nil || n != 0 {
		t.Errorf("reader sees %d records before writer commit, want 0", n)
	}
	if err := wr.Commit(); err != nil {
		t.Fatal(err)
	}
	if err := rd.Commit(); err != nil {
		t.Fatal(err)
	}
}

func TestBeginAfterClose(t *testing.T) {
	d := memory.New()
	c, err := d.Open("db")
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Begin(nil, backend.ReadOnly, backend.DurabilityDefault); !errors.Is(err, backend.ErrInvalidState) {
		t.Errorf("begin after close: err = %v, want ErrInvalidState", err)
	}
}

func TestDoubleFinish(t *testing.T) {
	d := memory.New()
	c, _ := d.Open("db")

	tx, err := c.Begin(nil, backend.VersionChange, backend.DurabilityDefault)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); !errors.Is(err, backend.ErrTransactionInactive) {
		t.Errorf("second commit: err = %v, want ErrTransactionInactive", err)
	}
	if err := tx.Abort(); !errors.Is(err, backend.ErrTransactionInactive) {
		t.Errorf("abort after commit: err = %v, want ErrTransactionInactive", err)
	}
	if _, err := tx.Count("s", key.Range{}); !errors.Is(err, backend.ErrTransactionInactive) {
		t.Errorf("read after commit: err = %v, want ErrTransactionInactive", err)
	}
}
