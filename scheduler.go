package strata

import (
	"fmt"

	"github.com/xraph/strata/backend"
)

// scheduler orders transaction start for one database. Entries are
// FIFO; started transactions stay queued until they finish so later
// conflicting entries keep waiting behind them.
//
// Admission rules: readonly starts unless an earlier write-mode entry
// overlaps its scope; readwrite waits for every earlier overlapping
// entry; versionchange is exclusive against everything. All methods run
// with f.mu held.
type scheduler struct {
	f       *Factory
	name    string
	entries []*Transaction

	evaluating bool
	dirty      bool
}

func newScheduler(f *Factory, name string) *scheduler {
	return &scheduler{f: f, name: name}
}

// admit queues a transaction and starts it immediately if nothing
// conflicts.
func (s *scheduler) admit(t *Transaction) {
	s.entries = append(s.entries, t)
	s.evaluate()
}

// finish removes a terminal transaction and re-evaluates waiters.
func (s *scheduler) finish(t *Transaction) {
	for i, e := range s.entries {
		if e == t {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			break
		}
	}
	s.evaluate()
}

// evaluate starts every now-eligible waiting entry. Starting an entry
// can finish it (begin failure aborts it) which re-enters evaluate;
// the dirty flag collapses that recursion into another pass.
func (s *scheduler) evaluate() {
	if s.evaluating {
		s.dirty = true
		return
	}
	s.evaluating = true
	defer func() { s.evaluating = false }()

	for {
		s.dirty = false
		for i := 0; i < len(s.entries); i++ {
			t := s.entries[i]
			if t.started || t.state == stateAborted {
				continue
			}
			if !s.canStart(i) {
				continue
			}
			s.start(t)
			if s.dirty {
				break // entries changed under us; restart the scan
			}
		}
		if !s.dirty {
			return
		}
	}
}

// canStart applies the conflict rules to the waiting entry at index i.
func (s *scheduler) canStart(i int) bool {
	t := s.entries[i]
	switch t.mode {
	case backend.VersionChange:
		// Exclusive: nothing may precede it and nothing may be running.
		if i != 0 {
			return false
		}
		for j, e := range s.entries {
			if j != i && e.started {
				return false
			}
		}
		return true
	case backend.ReadWrite:
		for j := 0; j < i; j++ {
			if s.overlaps(s.entries[j], t) {
				return false
			}
		}
		return true
	default: // readonly
		for j := 0; j < i; j++ {
			e := s.entries[j]
			if e.mode != backend.ReadOnly && s.overlaps(e, t) {
				return false
			}
		}
		return true
	}
}

// overlaps reports whether two entries' scopes intersect. A
// versionchange scope implicitly covers every store. On single-writer
// drivers any two write-mode entries conflict regardless of scope,
// since the backend cannot hold two write transactions open at once.
func (s *scheduler) overlaps(a, b *Transaction) bool {
	if a.mode == backend.VersionChange || b.mode == backend.VersionChange {
		return true
	}
	if s.f.serializeWriters && a.mode == backend.ReadWrite && b.mode == backend.ReadWrite {
		return true
	}
	// Both scopes are sorted.
	i, j := 0, 0
	for i < len(a.scope) && j < len(b.scope) {
		switch {
		case a.scope[i] == b.scope[j]:
			return true
		case a.scope[i] < b.scope[j]:
			i++
		default:
			j++
		}
	}
	return false
}

// start obtains the backend transaction and splices it in. A begin
// failure aborts the engine transaction with the backend's error.
func (s *scheduler) start(t *Transaction) {
	btx, err := t.db.conn.Begin(t.scope, t.mode, t.durability)
	if err != nil {
		s.f.logger.Warn("backend begin failed",
			"database", s.name, "mode", string(t.mode), "error", err)
		t.abortLocked(fmt.Errorf("begin: %w", err))
		return
	}
	t.start(btx)
}
