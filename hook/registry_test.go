package hook

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

// recordingHook implements every lifecycle interface and appends to a
// shared call log.
type recordingHook struct {
	name string
	log  *[]string
}

func (h *recordingHook) record(event string) { *h.log = append(*h.log, h.name+":"+event) }

func (h *recordingHook) Name() string { return h.name }

func (h *recordingHook) OnConnectionOpened(string, uint64) error {
	h.record("opened")
	return nil
}

func (h *recordingHook) OnConnectionClosed(string) error {
	h.record("closed")
	return nil
}

func (h *recordingHook) OnUpgradeStarted(string, uint64, uint64) error {
	h.record("upgrade-started")
	return nil
}

func (h *recordingHook) OnUpgradeCompleted(string, uint64, uint64, error) error {
	h.record("upgrade-completed")
	return nil
}

func (h *recordingHook) OnTransactionStarted(string, string, []string) error {
	h.record("tx-started")
	return nil
}

func (h *recordingHook) OnTransactionCommitted(string, string) error {
	h.record("tx-committed")
	return nil
}

func (h *recordingHook) OnTransactionAborted(string, string, error) error {
	h.record("tx-aborted")
	return nil
}

func (h *recordingHook) OnRequestFailed(string, error) error {
	h.record("request-failed")
	return nil
}

func (h *recordingHook) OnDatabaseDeleted(string, uint64) error {
	h.record("deleted")
	return nil
}

// openOnlyHook implements just ConnectionOpened.
type openOnlyHook struct {
	opened int
}

func (h *openOnlyHook) Name() string { return "open-only" }

func (h *openOnlyHook) OnConnectionOpened(string, uint64) error {
	h.opened++
	return nil
}

func TestRegistryDispatchesOnlyImplementedEvents(t *testing.T) {
	r := NewRegistry(nil)
	h := &openOnlyHook{}
	r.Register(h)

	r.EmitConnectionOpened("db", 1)
	r.EmitConnectionClosed("db")
	r.EmitTransactionCommitted("db", "readwrite")
	r.EmitDatabaseDeleted("db", 1)

	if h.opened != 1 {
		t.Errorf("opened = %d, want 1", h.opened)
	}
}

func TestRegistryNotifiesInRegistrationOrder(t *testing.T) {
	var log []string
	r := NewRegistry(nil)
	r.Register(&recordingHook{name: "first", log: &log})
	r.Register(&recordingHook{name: "second", log: &log})

	r.EmitConnectionOpened("db", 1)
	r.EmitTransactionAborted("db", "readwrite", errors.New("x"))

	want := []string{"first:opened", "second:opened", "first:tx-aborted", "second:tx-aborted"}
	if len(log) != len(want) {
		t.Fatalf("log = %v, want %v", log, want)
	}
	for i := range want {
		if log[i] != want[i] {
			t.Fatalf("log = %v, want %v", log, want)
		}
	}
}

// failingHook errors or panics per event.
type failingHook struct {
	panics bool
}

func (h *failingHook) Name() string { return "failing" }

func (h *failingHook) OnConnectionOpened(string, uint64) error {
	if h.panics {
		panic("hook exploded")
	}
	return errors.New("hook failed")
}

func TestRegistryLogsHookErrors(t *testing.T) {
	var buf bytes.Buffer
	r := NewRegistry(slog.New(slog.NewTextHandler(&buf, nil)))
	var log []string
	r.Register(&failingHook{})
	r.Register(&recordingHook{name: "after", log: &log})

	r.EmitConnectionOpened("db", 1)

	if !strings.Contains(buf.String(), "hook error") {
		t.Errorf("log output missing hook error: %q", buf.String())
	}
	// A failing hook never stops later hooks.
	if len(log) != 1 || log[0] != "after:opened" {
		t.Errorf("later hook log = %v", log)
	}
}

func TestRegistryRecoversHookPanics(t *testing.T) {
	var buf bytes.Buffer
	r := NewRegistry(slog.New(slog.NewTextHandler(&buf, nil)))
	var log []string
	r.Register(&failingHook{panics: true})
	r.Register(&recordingHook{name: "after", log: &log})

	r.EmitConnectionOpened("db", 1)

	if !strings.Contains(buf.String(), "hook panic") {
		t.Errorf("log output missing hook panic: %q", buf.String())
	}
	if len(log) != 1 || log[0] != "after:opened" {
		t.Errorf("later hook log = %v", log)
	}
}

func TestRegistryHooks(t *testing.T) {
	r := NewRegistry(nil)
	a := &openOnlyHook{}
	var log []string
	b := &recordingHook{name: "b", log: &log}
	r.Register(a)
	r.Register(b)

	hooks := r.Hooks()
	if len(hooks) != 2 || hooks[0] != Hook(a) || hooks[1] != Hook(b) {
		t.Errorf("Hooks() = %v", hooks)
	}
}
