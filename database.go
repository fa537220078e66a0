package strata

import (
	"fmt"
	"sort"

	"github.com/xraph/strata/backend"
	"github.com/xraph/strata/hook"
	"github.com/xraph/strata/id"
	"github.com/xraph/strata/keypath"
)

// StoreOptions configures CreateObjectStore.
type StoreOptions struct {
	// KeyPath is the in-line key location: a dotted-identifier string,
	// a []string composite path, or nil for out-of-line keys.
	KeyPath any

	// AutoIncrement enables the store's key generator.
	AutoIncrement bool
}

// IndexOptions configures ObjectStore.CreateIndex.
type IndexOptions struct {
	Unique     bool
	MultiEntry bool
}

// Database is one connection handle to a named database, produced by a
// successful Factory.Open. Schema mutation is valid only while this
// handle's own upgrade transaction is active. Multiple handles to the
// same name may coexist; the factory tracks them for the blocked
// protocol.
type Database struct {
	emitter

	f    *Factory
	cid  id.ID
	name string
	conn backend.Conn

	// spec is this handle's metadata view. During an upgrade it tracks
	// the in-flight schema; abort restores the snapshot.
	spec *backend.DatabaseSpec

	upgradeTx      *Transaction
	closeRequested bool
	closed         bool

	// parked marks a handle whose open request is waiting behind live
	// connections. Parked handles never block other waiters and receive
	// no versionchange signals.
	parked bool
}

// ID returns the connection's identifier.
func (db *Database) ID() id.ID { return db.cid }

// Name returns the database name.
func (db *Database) Name() string { return db.name }

// Version returns the database version as seen by this handle. During
// an upgrade this is already the new version.
func (db *Database) Version() uint64 {
	db.f.mu.Lock()
	defer db.f.mu.Unlock()
	return db.spec.Version
}

// ObjectStoreNames returns the store names in sorted order.
func (db *Database) ObjectStoreNames() []string {
	db.f.mu.Lock()
	defer db.f.mu.Unlock()
	return db.spec.StoreNames()
}

// CreateObjectStore creates a store. Valid only while this handle's
// upgrade transaction is active.
func (db *Database) CreateObjectStore(name string, opts StoreOptions) (*ObjectStore, error) {
	db.f.mu.Lock()
	defer db.f.mu.Unlock()

	t, err := db.upgradeTxLocked()
	if err != nil {
		return nil, err
	}

	var kp *keypath.Path
	if opts.KeyPath != nil {
		parsed, err := keypath.Parse(opts.KeyPath)
		if err != nil {
			return nil, err
		}
		kp = &parsed
	}
	if opts.AutoIncrement && kp != nil && (kp.IsIdentity() || kp.Composite) {
		return nil, fmt.Errorf("%w: auto-increment store %q cannot use an identity or composite key path", ErrInvalidArgument, name)
	}
	if _, exists := db.spec.Stores[name]; exists {
		return nil, fmt.Errorf("%w: object store %q already exists", ErrConstraint, name)
	}

	spec := &backend.StoreSpec{
		Name:          name,
		KeyPath:       kp,
		AutoIncrement: opts.AutoIncrement,
		Indexes:       make(map[string]*backend.IndexSpec),
	}
	if err := t.btx.CreateStore(spec); err != nil {
		return nil, err
	}
	db.spec.Stores[name] = spec.Clone()

	t.scope = append(t.scope, name)
	s := &ObjectStore{txn: t, name: name, firstName: name, created: true}
	t.stores[name] = s

	db.f.logger.Debug("object store created", "database", db.name, "store", name)
	return s, nil
}

// DeleteObjectStore deletes a store. Valid only while this handle's
// upgrade transaction is active.
func (db *Database) DeleteObjectStore(name string) error {
	db.f.mu.Lock()
	defer db.f.mu.Unlock()

	t, err := db.upgradeTxLocked()
	if err != nil {
		return err
	}
	if _, exists := db.spec.Stores[name]; !exists {
		return fmt.Errorf("%w: object store %q", ErrNotFound, name)
	}
	if err := t.btx.DeleteStore(name); err != nil {
		return err
	}
	delete(db.spec.Stores, name)

	// Mark the handle deleted; abort unmarks it. The scope keeps the
	// name so abort can restore access.
	s, ok := t.stores[name]
	if !ok {
		s = &ObjectStore{txn: t, name: name, firstName: name}
		t.stores[name] = s
	}
	s.deleted = true

	db.f.logger.Debug("object store deleted", "database", db.name, "store", name)
	return nil
}

// Transaction starts a transaction over the named stores. The scope is
// deduplicated and sorted; overlapping write scopes are serialized by
// the factory's scheduler. The returned transaction auto-commits even
// if no request is ever issued on it.
func (db *Database) Transaction(storeNames []string, mode backend.Mode, opts ...TxOption) (*Transaction, error) {
	db.f.mu.Lock()
	defer db.f.mu.Unlock()

	if db.closed || db.closeRequested {
		return nil, fmt.Errorf("%w: connection to %q is closed", ErrInvalidState, db.name)
	}
	if db.upgradeTx != nil {
		return nil, fmt.Errorf("%w: an upgrade is running on this connection", ErrInvalidState)
	}
	if mode != backend.ReadOnly && mode != backend.ReadWrite {
		return nil, fmt.Errorf("%w: bad transaction mode %q", ErrInvalidArgument, mode)
	}
	if len(storeNames) == 0 {
		return nil, fmt.Errorf("%w: empty transaction scope", ErrInvalidArgument)
	}

	scope := dedupeSorted(storeNames)
	for _, name := range scope {
		if _, ok := db.spec.Stores[name]; !ok {
			return nil, fmt.Errorf("%w: object store %q", ErrNotFound, name)
		}
	}

	cfg := txConfig{durability: backend.DurabilityDefault}
	for _, opt := range opts {
		opt(&cfg)
	}
	if !cfg.durability.Valid() {
		return nil, fmt.Errorf("%w: bad durability %q", ErrInvalidArgument, cfg.durability)
	}

	t := newTransaction(db, scope, mode, cfg.durability)
	db.f.schedulerLocked(db.name).admit(t)
	return t, nil
}

// Close requests the connection be closed. If an upgrade transaction is
// active on this handle the close is deferred until it settles, so an
// upgrade callback never loses its connection mid-flight.
func (db *Database) Close() error {
	db.f.mu.Lock()
	defer db.f.mu.Unlock()

	if db.closed {
		return nil
	}
	db.closeRequested = true
	if db.upgradeTx != nil {
		return nil
	}
	db.closeNowLocked()
	return nil
}

// closeNowLocked performs the actual close: backend connection release,
// factory unregistration, close signal, and blocked-open retry.
func (db *Database) closeNowLocked() {
	if db.closed {
		return
	}
	db.closed = true
	if err := db.conn.Close(); err != nil {
		db.f.logger.Warn("backend connection close failed", "database", db.name, "error", err)
	}
	db.f.unregisterLocked(db)

	db.f.loop.checkpoint(func() {
		dispatch(&Event{Type: EventClose, Target: db}, &db.emitter)
	})
	db.f.emitHook(func(r *hook.Registry) { r.EmitConnectionClosed(db.name) })

	db.f.logger.Info("connection closed", "database", db.name, "connection", db.cid.String())
}

// upgradeTxLocked returns the active upgrade transaction or the
// invalid-state error mandated outside the upgrade window.
func (db *Database) upgradeTxLocked() (*Transaction, error) {
	t := db.upgradeTx
	if t == nil || t.state != stateActive || !t.started {
		return nil, fmt.Errorf("%w: schema mutation is only valid during an upgrade", ErrInvalidState)
	}
	return t, nil
}

type txConfig struct {
	durability backend.Durability
}

// TxOption configures Database.Transaction.
type TxOption func(*txConfig)

// WithDurability sets the transaction's durability hint.
func WithDurability(d backend.Durability) TxOption {
	return func(c *txConfig) { c.durability = d }
}

func dedupeSorted(names []string) []string {
	out := append([]string(nil), names...)
	sort.Strings(out)
	w := 0
	for i, n := range out {
		if i == 0 || n != out[w-1] {
			out[w] = n
			w++
		}
	}
	return out[:w]
}
