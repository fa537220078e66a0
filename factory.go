package strata

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/xraph/strata/backend"
	"github.com/xraph/strata/hook"
	"github.com/xraph/strata/id"
	"github.com/xraph/strata/key"
)

// UpgradeFunc is the upgrade callback passed to Open via WithUpgrade.
// It runs exactly once per version increase, inside the exclusive
// versionchange transaction. Returning an error (or panicking) aborts
// the upgrade and fails the open request; the callback may also call
// txn.Abort directly.
type UpgradeFunc func(oldVersion, newVersion uint64, db *Database, txn *Transaction) error

// Factory is the engine entry point: it opens and deletes databases,
// negotiates versions, and coordinates the blocked protocol between
// live connections. One factory owns one driving loop and one driver.
type Factory struct {
	mu     sync.Mutex
	driver backend.Driver
	logger *slog.Logger
	hooks  *hook.Registry
	loop   *loop

	// serializeWriters is set for drivers that allow only one write
	// transaction per database at a time. The scheduler then treats
	// every pair of write-mode transactions as conflicting, so Begin
	// never has to block.
	serializeWriters bool

	conns   map[string][]*Database
	scheds  map[string]*scheduler
	waiters map[string][]*blockedWait

	closed bool
}

// blockedWait is an open or delete parked behind live connections.
type blockedWait struct {
	// db is the opener's own handle (nil for deletes); it never counts
	// as a blocker of its own request.
	db     *Database
	resume task
}

// Open returns a request that resolves with a connection handle.
// version 0 means "current version, at least 1". A version above the
// stored one triggers the upgrade protocol: other live connections get
// a versionchange signal and, if any stays open, the request fires
// blocked and waits for them to close before the upgrade callback runs.
func (f *Factory) Open(name string, version uint64, opts ...OpenOption) *OpenRequest {
	cfg := openConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	req := newRequest(f, nil, nil)
	o := &OpenRequest{Request: req}
	f.loop.submit(func() { f.openStep(o, name, version, cfg.upgrade) })
	return o
}

// DeleteDatabase returns a request that resolves with the deleted
// database's prior version (0 if it did not exist). It follows the same
// blocked protocol as Open, with NewVersion 0 in the versionchange
// signal.
func (f *Factory) DeleteDatabase(name string) *DeleteRequest {
	req := newRequest(f, nil, nil)
	d := &DeleteRequest{Request: req}
	f.loop.submit(func() { f.deleteStep(d, name) })
	return d
}

// Databases lists existing databases with their committed versions.
func (f *Factory) Databases() ([]backend.DatabaseInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	return f.driver.List()
}

// Cmp compares two key values in the engine's total key order. Pure; no
// side effects.
func Cmp(a, b any) (int, error) {
	ka, err := key.New(a)
	if err != nil {
		return 0, err
	}
	kb, err := key.New(b)
	if err != nil {
		return 0, err
	}
	return ka.Compare(kb), nil
}

// Close shuts the factory down: all connections close, the loop drains,
// and the driver is released.
func (f *Factory) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	var open []*Database
	for _, dbs := range f.conns {
		open = append(open, dbs...)
	}
	f.mu.Unlock()

	for _, db := range open {
		_ = db.Close()
	}
	f.loop.close()
	return f.driver.Close()
}

// ──────────────────────────────────────────────────
// Open / upgrade protocol
// ──────────────────────────────────────────────────

// openStep is the deferred body of Open, run on the loop.
func (f *Factory) openStep(o *OpenRequest, name string, version uint64, upgrade UpgradeFunc) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		f.settleRequest(o.Request, nil, ErrClosed)
		return
	}
	conn, err := f.driver.Open(name)
	if err != nil {
		f.mu.Unlock()
		f.settleRequest(o.Request, nil, fmt.Errorf("%w: open %q: %v", ErrUnknown, name, err))
		return
	}
	spec := conn.Spec()
	oldVersion := spec.Version
	requested := version
	if requested == 0 {
		requested = max(oldVersion, 1)
	}
	if requested < oldVersion {
		f.mu.Unlock()
		_ = conn.Close()
		f.settleRequest(o.Request, nil,
			fmt.Errorf("%w: requested version %d is below stored version %d", ErrVersion, requested, oldVersion))
		return
	}

	db := &Database{f: f, cid: id.NewConnectionID(), name: name, conn: conn, spec: spec}
	f.conns[name] = append(f.conns[name], db)

	if requested == oldVersion {
		f.mu.Unlock()
		f.logger.Info("connection opened", "database", name, "version", oldVersion)
		f.emitHook(func(r *hook.Registry) { r.EmitConnectionOpened(name, oldVersion) })
		f.settleRequest(o.Request, db, nil)
		return
	}
	f.mu.Unlock()
	f.negotiateUpgrade(o, db, oldVersion, requested, upgrade, true)
}

// negotiateUpgrade runs the blocking handshake and either starts the
// upgrade or parks the request. notify controls whether other live
// connections receive the versionchange signal (only the first attempt
// notifies; retries after closes do not re-signal).
func (f *Factory) negotiateUpgrade(o *OpenRequest, db *Database, oldVersion, newVersion uint64, upgrade UpgradeFunc, notify bool) {
	if notify {
		for _, other := range f.otherConns(db.name, db) {
			ev := &Event{Type: EventVersionChange, Target: other, OldVersion: oldVersion, NewVersion: newVersion}
			dispatch(ev, &other.emitter)
		}
	}

	f.mu.Lock()
	blockers := f.otherConnsLocked(db.name, db)
	if len(blockers) == 0 {
		f.startUpgradeLocked(o, db, oldVersion, newVersion, upgrade)
		f.mu.Unlock()
		return
	}
	w := &blockedWait{db: db, resume: func() {
		f.resumeOpen(o, db, newVersion, upgrade)
	}}
	db.parked = true
	f.waiters[db.name] = append(f.waiters[db.name], w)
	f.mu.Unlock()

	if notify {
		ev := &Event{Type: EventBlocked, Target: o.Request, OldVersion: oldVersion, NewVersion: newVersion}
		dispatch(ev, &o.emitter)
		f.logger.Info("open blocked by live connections",
			"database", db.name, "blockers", len(blockers))
	}
}

// resumeOpen re-evaluates a parked open once its blockers are gone. The
// stored state may have moved while it waited (an earlier open committed
// an upgrade, or a delete went through), so the connection is reopened
// and the version negotiation reruns against current state.
func (f *Factory) resumeOpen(o *OpenRequest, db *Database, requested uint64, upgrade UpgradeFunc) {
	f.mu.Lock()
	db.parked = false
	if f.closed {
		db.closeNowLocked()
		f.mu.Unlock()
		f.settleRequest(o.Request, nil, ErrClosed)
		return
	}
	conn, err := f.driver.Open(db.name)
	if err != nil {
		db.closeNowLocked()
		f.mu.Unlock()
		f.settleRequest(o.Request, nil, fmt.Errorf("%w: open %q: %v", ErrUnknown, db.name, err))
		return
	}
	if cerr := db.conn.Close(); cerr != nil {
		f.logger.Warn("backend connection close failed", "database", db.name, "error", cerr)
	}
	db.conn = conn
	db.spec = conn.Spec()
	oldVersion := db.spec.Version

	switch {
	case requested == oldVersion:
		f.mu.Unlock()
		f.logger.Info("connection opened", "database", db.name, "version", oldVersion)
		f.emitHook(func(r *hook.Registry) { r.EmitConnectionOpened(db.name, oldVersion) })
		f.settleRequest(o.Request, db, nil)
	case requested < oldVersion:
		db.closeNowLocked()
		f.mu.Unlock()
		f.settleRequest(o.Request, nil,
			fmt.Errorf("%w: requested version %d is below stored version %d", ErrVersion, requested, oldVersion))
	default:
		f.mu.Unlock()
		f.negotiateUpgrade(o, db, oldVersion, requested, upgrade, false)
	}
}

// startUpgradeLocked builds the exclusive versionchange transaction and
// admits it; once the scheduler starts it, runUpgrade drives the
// callback.
func (f *Factory) startUpgradeLocked(o *OpenRequest, db *Database, oldVersion, newVersion uint64, upgrade UpgradeFunc) {
	t := newTransaction(db, db.spec.StoreNames(), backend.VersionChange, backend.DurabilityDefault)
	t.oldVersion = oldVersion
	t.newVersion = newVersion
	t.specSnapshot = db.spec.Clone()
	t.openReq = o.Request
	db.upgradeTx = t
	db.spec.Version = newVersion

	t.onStarted = func() { f.runUpgrade(o, db, t, upgrade) }
	f.schedulerLocked(db.name).admit(t)
}

// runUpgrade dispatches upgradeneeded and invokes the upgrade callback,
// then hands control back to the auto-commit machinery.
func (f *Factory) runUpgrade(o *OpenRequest, db *Database, t *Transaction, upgrade UpgradeFunc) {
	f.mu.Lock()
	if t.state != stateActive {
		f.mu.Unlock()
		return
	}
	oldVersion, newVersion := t.oldVersion, t.newVersion
	f.mu.Unlock()

	f.logger.Info("upgrade started", "database", db.name, "from", oldVersion, "to", newVersion)
	f.emitHook(func(r *hook.Registry) { r.EmitUpgradeStarted(db.name, oldVersion, newVersion) })

	ev := &Event{Type: EventUpgradeNeeded, Target: o.Request, OldVersion: oldVersion, NewVersion: newVersion}
	panicked := dispatch(ev, &o.emitter)

	var cbErr error
	if panicked == nil && upgrade != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					panicked = r
				}
			}()
			cbErr = upgrade(oldVersion, newVersion, db, t)
		}()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case panicked != nil:
		f.logger.Warn("upgrade callback panic", "database", db.name, "panic", fmt.Sprint(panicked))
		if t.state == stateActive || t.state == stateInactive {
			t.abortLocked(fmt.Errorf("%w: upgrade panic: %v", ErrUnknown, panicked))
		}
	case cbErr != nil:
		if t.state == stateActive || t.state == stateInactive {
			t.abortLocked(cbErr)
		}
	default:
		// The callback returned cleanly and nobody can issue further
		// work, so commit as soon as issued requests drain; results
		// the callback never read must not stall the open.
		if t.state == stateActive {
			t.state = stateInactive
		}
		t.settleCheckLocked()
	}
}

// upgradeSettledLocked resolves the open request once the upgrade
// transaction reaches a terminal state, and performs any deferred
// close or first-creation rollback.
func (f *Factory) upgradeSettledLocked(t *Transaction) {
	db := t.db
	db.upgradeTx = nil
	req := t.openReq

	if t.state == stateCommitted && t.commitErr == nil {
		f.logger.Info("upgrade committed", "database", db.name, "version", t.newVersion)
		f.emitHook(func(r *hook.Registry) {
			r.EmitUpgradeCompleted(db.name, t.oldVersion, t.newVersion, nil)
			r.EmitConnectionOpened(db.name, t.newVersion)
		})
		f.settleRequest(req, db, nil)
		if db.closeRequested {
			db.closeNowLocked()
		}
		return
	}

	err := t.commitErr
	if err == nil {
		err = t.abortErr
	}
	f.logger.Warn("upgrade failed", "database", db.name, "error", err)
	f.emitHook(func(r *hook.Registry) {
		r.EmitUpgradeCompleted(db.name, t.oldVersion, t.newVersion, err)
	})

	db.closeNowLocked()
	if t.oldVersion == 0 {
		// First creation rolled back: the database must not exist.
		if _, derr := f.driver.Delete(db.name); derr != nil {
			f.logger.Warn("first-creation rollback delete failed", "database", db.name, "error", derr)
		}
	}
	f.settleRequest(req, nil, err)
}

// ──────────────────────────────────────────────────
// Delete protocol
// ──────────────────────────────────────────────────

func (f *Factory) deleteStep(d *DeleteRequest, name string) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		f.settleRequest(d.Request, nil, ErrClosed)
		return
	}
	oldVersion := f.storedVersionLocked(name)
	others := f.otherConnsLocked(name, nil)
	f.mu.Unlock()

	for _, other := range others {
		ev := &Event{Type: EventVersionChange, Target: other, OldVersion: oldVersion, NewVersion: 0}
		dispatch(ev, &other.emitter)
	}
	f.finishDelete(d, name, oldVersion, true)
}

func (f *Factory) finishDelete(d *DeleteRequest, name string, oldVersion uint64, notify bool) {
	f.mu.Lock()
	blockers := f.otherConnsLocked(name, nil)
	if len(blockers) > 0 {
		w := &blockedWait{resume: func() { f.finishDelete(d, name, oldVersion, false) }}
		f.waiters[name] = append(f.waiters[name], w)
		f.mu.Unlock()
		if notify {
			ev := &Event{Type: EventBlocked, Target: d.Request, OldVersion: oldVersion, NewVersion: 0}
			dispatch(ev, &d.emitter)
		}
		return
	}
	version, err := f.driver.Delete(name)
	f.mu.Unlock()

	if err != nil {
		f.settleRequest(d.Request, nil, fmt.Errorf("%w: delete %q: %v", ErrUnknown, name, err))
		return
	}
	f.logger.Info("database deleted", "database", name, "version", version)
	f.emitHook(func(r *hook.Registry) { r.EmitDatabaseDeleted(name, version) })
	f.settleRequest(d.Request, version, nil)
}

// ──────────────────────────────────────────────────
// Connection tracking
// ──────────────────────────────────────────────────

// unregisterLocked removes a closed connection and resumes blocked
// opens or deletes that were waiting for it.
func (f *Factory) unregisterLocked(db *Database) {
	dbs := f.conns[db.name]
	for i, d := range dbs {
		if d == db {
			f.conns[db.name] = append(dbs[:i], dbs[i+1:]...)
			break
		}
	}
	if len(f.conns[db.name]) == 0 {
		delete(f.conns, db.name)
	}

	waiters := f.waiters[db.name]
	if len(waiters) == 0 {
		return
	}
	head := waiters[0]
	if len(f.otherConnsLocked(db.name, head.db)) == 0 {
		f.waiters[db.name] = waiters[1:]
		if len(f.waiters[db.name]) == 0 {
			delete(f.waiters, db.name)
		}
		f.loop.submit(head.resume)
	}
}

// otherConnsLocked returns live connections to name, excluding self.
func (f *Factory) otherConnsLocked(name string, self *Database) []*Database {
	var out []*Database
	for _, db := range f.conns[name] {
		if db != self && !db.closed && !db.parked {
			out = append(out, db)
		}
	}
	return out
}

func (f *Factory) otherConns(name string, self *Database) []*Database {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.otherConnsLocked(name, self)
}

// storedVersionLocked reads a database's committed version without
// creating it; 0 if absent.
func (f *Factory) storedVersionLocked(name string) uint64 {
	infos, err := f.driver.List()
	if err != nil {
		f.logger.Warn("database listing failed", "error", err)
		return 0
	}
	for _, info := range infos {
		if info.Name == name {
			return info.Version
		}
	}
	return 0
}

// ──────────────────────────────────────────────────
// Plumbing
// ──────────────────────────────────────────────────

// schedulerLocked returns the per-database scheduler, creating it on
// first use.
func (f *Factory) schedulerLocked(name string) *scheduler {
	s, ok := f.scheds[name]
	if !ok {
		s = newScheduler(f, name)
		f.scheds[name] = s
	}
	return s
}

// settleRequest schedules the settle of a factory-level request and its
// success/error signal on the checkpoint tier.
func (f *Factory) settleRequest(req *Request, result any, err error) {
	f.loop.checkpoint(func() {
		f.mu.Lock()
		ok := req.settle(result, err)
		f.mu.Unlock()
		if !ok {
			return
		}
		ev := &Event{Type: EventSuccess, Target: req}
		if err != nil {
			ev = &Event{Type: EventError, Target: req, Err: err}
		}
		dispatch(ev, &req.emitter)
	})
}

// emitHook runs a hook emission off the engine lock, on the checkpoint
// tier.
func (f *Factory) emitHook(fn func(*hook.Registry)) {
	if f.hooks == nil {
		return
	}
	f.loop.checkpoint(func() { fn(f.hooks) })
}
