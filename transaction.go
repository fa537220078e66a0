package strata

import (
	"fmt"
	"sort"

	"github.com/xraph/strata/backend"
	"github.com/xraph/strata/hook"
	"github.com/xraph/strata/id"
)

// txState is the transaction lifecycle state.
type txState int

const (
	// stateActive accepts new requests. A transaction is active from
	// creation, even while it waits for the scheduler to grant it a
	// backend transaction (requests issued meanwhile are buffered).
	stateActive txState = iota

	// stateInactive refuses new requests but lets issued ones finish.
	// Entered by an explicit Commit while requests are still pending.
	stateInactive

	// stateCommitting is the window inside the backend commit.
	stateCommitting

	stateCommitted
	stateAborted
)

// Transaction mediates all data and schema access to one database over
// a fixed store scope. A settled request pins the transaction until its
// result is consumed, by Result or Await or by delivery to a listener
// registered on the request itself; once nothing is pending or pinned
// the transaction auto-commits. Abort reverts every schema mutation it
// performed before any listener observes the abort.
//
// All state is guarded by the owning factory's mutex.
type Transaction struct {
	emitter

	f   *Factory
	db  *Database
	tid id.ID

	mode       backend.Mode
	durability backend.Durability

	// scope is sorted and deduplicated. It only grows (versionchange
	// store creation extends it); abort restores scopeSnapshot.
	scope         []string
	scopeSnapshot []string

	state   txState
	started bool
	btx     backend.Tx

	// buffered holds operations issued before the scheduler granted a
	// backend transaction; flushed in issue order on start.
	buffered []task

	pending     int
	pins        int // settled requests whose results are unconsumed
	outstanding []*Request

	abortErr  error
	commitErr error

	// autoGen invalidates stale auto-commit checks; each re-arm bumps it.
	autoGen uint64

	stores map[string]*ObjectStore

	// versionchange bookkeeping.
	oldVersion   uint64
	newVersion   uint64
	specSnapshot *backend.DatabaseSpec
	openReq      *Request

	// onStarted, when set, runs instead of the initial auto-commit arm
	// once the scheduler starts the transaction. The upgrade path uses
	// it to drive the upgrade callback.
	onStarted task
}

func newTransaction(db *Database, scope []string, mode backend.Mode, durability backend.Durability) *Transaction {
	t := &Transaction{
		f:             db.f,
		db:            db,
		tid:           id.NewTransactionID(),
		mode:          mode,
		durability:    durability,
		scope:         scope,
		scopeSnapshot: append([]string(nil), scope...),
		stores:        make(map[string]*ObjectStore),
	}
	return t
}

// ID returns the transaction's identifier.
func (t *Transaction) ID() id.ID { return t.tid }

// Database returns the connection handle this transaction belongs to.
func (t *Transaction) Database() *Database { return t.db }

// Mode returns the transaction mode.
func (t *Transaction) Mode() backend.Mode { return t.mode }

// Durability returns the durability hint.
func (t *Transaction) Durability() backend.Durability { return t.durability }

// Scope returns a copy of the store names this transaction may touch.
func (t *Transaction) Scope() []string {
	t.f.mu.Lock()
	defer t.f.mu.Unlock()
	return append([]string(nil), t.scope...)
}

// Err returns the abort cause, or nil.
func (t *Transaction) Err() error {
	t.f.mu.Lock()
	defer t.f.mu.Unlock()
	return t.abortErr
}

// ObjectStore returns the identity-stable accessor for a store in
// scope. Repeated calls with the same name return the same object.
func (t *Transaction) ObjectStore(name string) (*ObjectStore, error) {
	t.f.mu.Lock()
	defer t.f.mu.Unlock()

	if t.state == stateCommitted || t.state == stateAborted {
		return nil, fmt.Errorf("%w: transaction %s has finished", ErrInvalidState, t.tid)
	}
	if s, ok := t.stores[name]; ok {
		if s.deleted {
			return nil, fmt.Errorf("%w: object store %q was deleted", ErrInvalidState, name)
		}
		return s, nil
	}
	if !t.inScope(name) {
		return nil, fmt.Errorf("%w: object store %q is not in this transaction's scope", ErrNotFound, name)
	}
	s := &ObjectStore{txn: t, name: name, firstName: name}
	t.stores[name] = s
	return s, nil
}

// Commit requests an explicit commit. The transaction stops accepting
// requests immediately and commits once the pending count drains.
func (t *Transaction) Commit() error {
	t.f.mu.Lock()
	defer t.f.mu.Unlock()

	if t.state != stateActive {
		return fmt.Errorf("%w: transaction %s cannot commit", ErrInvalidState, t.tid)
	}
	t.state = stateInactive
	if t.started && t.pending == 0 {
		t.commitLocked()
	}
	return nil
}

// Abort aborts the transaction, discarding uncommitted writes and
// reverting schema mutations before any listener runs. Requests still
// pending fail with ErrAbort before the abort signal itself fires.
func (t *Transaction) Abort() error {
	t.f.mu.Lock()
	defer t.f.mu.Unlock()

	if t.state == stateCommitting || t.state == stateCommitted || t.state == stateAborted {
		return fmt.Errorf("%w: transaction %s cannot abort", ErrInvalidState, t.tid)
	}
	t.abortLocked(nil)
	return nil
}

// ──────────────────────────────────────────────────
// Request execution
// ──────────────────────────────────────────────────

// issue runs one backend operation under this transaction. Refusal is
// synchronous; outcomes are asynchronous through the returned request.
// Caller holds f.mu.
func (t *Transaction) issue(source any, op func(backend.Tx) (any, error)) (*Request, error) {
	if t.state != stateActive {
		return nil, fmt.Errorf("%w: transaction %s", ErrTransactionInactive, t.tid)
	}
	req := newRequest(t.f, t, source)
	t.pending++
	t.outstanding = append(t.outstanding, req)

	run := func() {
		result, err := op(t.btx)
		t.f.loop.checkpoint(func() { t.completeRequest(req, result, err) })
	}
	if t.started {
		run()
	} else {
		t.buffered = append(t.buffered, run)
	}
	return req, nil
}

// start splices in the backend transaction granted by the scheduler and
// flushes buffered operations in issue order.
func (t *Transaction) start(btx backend.Tx) {
	t.started = true
	t.btx = btx

	buffered := t.buffered
	t.buffered = nil
	for _, run := range buffered {
		run()
	}

	t.f.emitHook(func(r *hook.Registry) {
		r.EmitTransactionStarted(t.db.name, string(t.mode), t.scope)
	})

	if t.onStarted != nil {
		started := t.onStarted
		t.onStarted = nil
		t.f.loop.checkpoint(started)
		return
	}
	t.settleCheckLocked()
}

// completeRequest is the checkpoint task that settles one request and
// makes the abort-vs-continue and auto-commit decisions.
func (t *Transaction) completeRequest(req *Request, result any, err error) {
	f := t.f
	f.mu.Lock()

	if t.state == stateAborted {
		// The abort path fails outstanding requests itself.
		f.mu.Unlock()
		return
	}
	if !req.settle(result, err) {
		f.mu.Unlock()
		return
	}
	t.dropOutstanding(req)
	t.pending--
	if t.state == stateActive {
		req.pinned = true
		t.pins++
	}

	var ev *Event
	if err != nil {
		ev = &Event{Type: EventError, Target: req, Err: err}
		f.emitHook(func(r *hook.Registry) { r.EmitRequestFailed(t.db.name, err) })
	} else {
		ev = &Event{Type: EventSuccess, Target: req}
	}
	chain := []*emitter{&req.emitter, &t.emitter, &t.db.emitter}
	// A listener registered on the request itself counts as delivery of
	// the result, so fire-and-forget callers are not pinned forever.
	delivered := len(req.snapshot(ev.Type)) > 0
	f.mu.Unlock()

	panicked := dispatch(ev, chain...)

	f.mu.Lock()
	defer f.mu.Unlock()

	if panicked != nil {
		f.logger.Warn("listener panic, aborting transaction",
			"transaction", t.tid.String(), "panic", fmt.Sprint(panicked))
		if t.state == stateActive || t.state == stateInactive {
			t.abortLocked(fmt.Errorf("%w: listener panic: %v", ErrUnknown, panicked))
		}
		return
	}
	if err != nil && !ev.prevented {
		// Unhandled request failure escalates to abort.
		if t.state == stateActive || t.state == stateInactive {
			t.abortLocked(err)
		}
		return
	}
	if delivered && req.pinned {
		req.consumeLocked() // runs the settle check itself
		return
	}
	t.settleCheckLocked()
}

// settleCheckLocked arms the auto-commit check, or performs a waiting
// explicit commit, once nothing is pending. Unconsumed results block
// auto-commit but never an explicit commit.
func (t *Transaction) settleCheckLocked() {
	if t.pending != 0 || !t.started {
		return
	}
	switch t.state {
	case stateActive:
		if t.pins != 0 {
			return
		}
		t.armAutoCommitLocked()
	case stateInactive:
		t.commitLocked()
	}
}

// armAutoCommitLocked schedules the two-step deferred commit check. Any
// new request or result consumption in the interim invalidates it
// through the pending/pins guard; a later re-arm invalidates it through
// autoGen.
func (t *Transaction) armAutoCommitLocked() {
	t.autoGen++
	gen := t.autoGen
	f := t.f
	f.loop.checkpoint(func() {
		f.mu.Lock()
		ok := t.autoReadyLocked(gen)
		f.mu.Unlock()
		if !ok {
			return
		}
		f.loop.checkpoint(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if t.autoReadyLocked(gen) {
				t.commitLocked()
			}
		})
	})
}

func (t *Transaction) autoReadyLocked(gen uint64) bool {
	return t.state == stateActive && t.started &&
		t.pending == 0 && t.pins == 0 && t.autoGen == gen
}

// ──────────────────────────────────────────────────
// Commit / Abort
// ──────────────────────────────────────────────────

// commitLocked performs the backend commit. On failure the transaction
// still reaches a terminal state; the failure surfaces as an error
// signal instead of complete.
func (t *Transaction) commitLocked() {
	t.state = stateCommitting

	var err error
	if t.mode == backend.VersionChange && t.newVersion > 0 {
		err = t.btx.SetVersion(t.newVersion)
	}
	if err == nil {
		err = t.btx.Commit()
	}
	t.state = stateCommitted
	t.commitErr = err

	if err == nil && t.mode == backend.VersionChange {
		t.db.spec = t.db.conn.Spec()
	}

	t.f.emitHook(func(r *hook.Registry) {
		if err != nil {
			r.EmitTransactionAborted(t.db.name, string(t.mode), err)
		} else {
			r.EmitTransactionCommitted(t.db.name, string(t.mode))
		}
	})

	t.f.loop.checkpoint(func() {
		ev := &Event{Type: EventComplete, Target: t}
		if err != nil {
			ev = &Event{Type: EventError, Target: t, Err: fmt.Errorf("commit: %w", err)}
		}
		dispatch(ev, &t.emitter, &t.db.emitter)
	})

	t.finishLocked()
}

// abortLocked moves the transaction to aborted, discards backend state,
// reverts the schema changelog synchronously, then schedules failure of
// every outstanding request followed by the abort signal. cause nil
// means an explicit Abort call.
func (t *Transaction) abortLocked(cause error) {
	if t.state == stateCommitting || t.state == stateCommitted || t.state == stateAborted {
		return
	}
	t.state = stateAborted
	t.abortErr = cause
	if t.abortErr == nil {
		t.abortErr = ErrAbort
	}
	t.autoGen++ // cancel any scheduled auto-commit
	t.buffered = nil

	if t.started {
		if err := t.btx.Abort(); err != nil {
			t.f.logger.Warn("backend abort failed", "transaction", t.tid.String(), "error", err)
		}
	}
	t.revertSchemaLocked()

	failErr := t.abortErr
	if cause != nil {
		failErr = fmt.Errorf("%w: %v", ErrAbort, cause)
	}
	out := t.outstanding
	t.outstanding = nil
	t.pending = 0

	f := t.f
	for _, req := range out {
		req := req
		f.loop.checkpoint(func() { t.failAborted(req, failErr) })
	}
	f.loop.checkpoint(func() {
		ev := &Event{Type: EventAbort, Target: t, Err: t.abortErr}
		dispatch(ev, &t.emitter, &t.db.emitter)
	})

	f.emitHook(func(r *hook.Registry) {
		r.EmitTransactionAborted(t.db.name, string(t.mode), t.abortErr)
	})

	t.finishLocked()
}

// failAborted settles one request left pending by an abort.
func (t *Transaction) failAborted(req *Request, err error) {
	f := t.f
	f.mu.Lock()
	if !req.settle(nil, err) {
		f.mu.Unlock()
		return
	}
	ev := &Event{Type: EventError, Target: req, Err: err}
	chain := []*emitter{&req.emitter, &t.emitter, &t.db.emitter}
	f.mu.Unlock()
	dispatch(ev, chain...)
}

// revertSchemaLocked undoes this transaction's schema mutations on the
// in-memory handles: created stores and indexes are marked deleted,
// deletions are unmarked, renames revert to first-seen names, and the
// connection's metadata view and scope return to their pre-transaction
// snapshots. The backend abort already discarded the physical changes.
func (t *Transaction) revertSchemaLocked() {
	if t.mode != backend.VersionChange {
		return
	}
	t.scope = append([]string(nil), t.scopeSnapshot...)
	if t.specSnapshot != nil {
		t.db.spec = t.specSnapshot.Clone()
	}
	for _, s := range t.stores {
		s.deleted = s.created
		s.name = s.firstName
		for _, ix := range s.indexes {
			ix.deleted = ix.created
			ix.name = ix.firstName
		}
	}
}

// finishLocked releases the transaction's scheduler slot and, for an
// upgrade transaction, settles the originating open request.
func (t *Transaction) finishLocked() {
	t.f.schedulerLocked(t.db.name).finish(t)
	if t.db.upgradeTx == t {
		t.f.upgradeSettledLocked(t)
	}
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func (t *Transaction) inScope(name string) bool {
	i := sort.SearchStrings(t.scope, name)
	if i < len(t.scope) && t.scope[i] == name {
		return true
	}
	// versionchange scope grows out of sorted order; fall back to a scan.
	for _, s := range t.scope {
		if s == name {
			return true
		}
	}
	return false
}

func (t *Transaction) dropOutstanding(req *Request) {
	for i, r := range t.outstanding {
		if r == req {
			t.outstanding = append(t.outstanding[:i], t.outstanding[i+1:]...)
			return
		}
	}
}
