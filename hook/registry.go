package hook

import "log/slog"

// Named entry types pair a hook implementation with the hook name
// captured at registration time, so emit methods never type-assert.
type connectionOpenedEntry struct {
	name string
	hook ConnectionOpened
}

type connectionClosedEntry struct {
	name string
	hook ConnectionClosed
}

type upgradeStartedEntry struct {
	name string
	hook UpgradeStarted
}

type upgradeCompletedEntry struct {
	name string
	hook UpgradeCompleted
}

type transactionStartedEntry struct {
	name string
	hook TransactionStarted
}

type transactionCommittedEntry struct {
	name string
	hook TransactionCommitted
}

type transactionAbortedEntry struct {
	name string
	hook TransactionAborted
}

type requestFailedEntry struct {
	name string
	hook RequestFailed
}

type databaseDeletedEntry struct {
	name string
	hook DatabaseDeleted
}

// Registry holds registered hooks and dispatches lifecycle events to
// them. Hooks are type-cached at registration time so emit calls
// iterate only over hooks that implement the relevant event. Hook
// errors are logged, never propagated; the engine never fails because a
// hook did.
type Registry struct {
	hooks  []Hook
	logger *slog.Logger

	connectionOpened     []connectionOpenedEntry
	connectionClosed     []connectionClosedEntry
	upgradeStarted       []upgradeStartedEntry
	upgradeCompleted     []upgradeCompletedEntry
	transactionStarted   []transactionStartedEntry
	transactionCommitted []transactionCommittedEntry
	transactionAborted   []transactionAbortedEntry
	requestFailed        []requestFailedEntry
	databaseDeleted      []databaseDeletedEntry
}

// NewRegistry creates a hook registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// SetLogger replaces the registry's logger.
func (r *Registry) SetLogger(logger *slog.Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// Register adds a hook and type-asserts it into all applicable event
// caches. Hooks are notified in registration order.
func (r *Registry) Register(h Hook) {
	r.hooks = append(r.hooks, h)
	name := h.Name()

	if e, ok := h.(ConnectionOpened); ok {
		r.connectionOpened = append(r.connectionOpened, connectionOpenedEntry{name, e})
	}
	if e, ok := h.(ConnectionClosed); ok {
		r.connectionClosed = append(r.connectionClosed, connectionClosedEntry{name, e})
	}
	if e, ok := h.(UpgradeStarted); ok {
		r.upgradeStarted = append(r.upgradeStarted, upgradeStartedEntry{name, e})
	}
	if e, ok := h.(UpgradeCompleted); ok {
		r.upgradeCompleted = append(r.upgradeCompleted, upgradeCompletedEntry{name, e})
	}
	if e, ok := h.(TransactionStarted); ok {
		r.transactionStarted = append(r.transactionStarted, transactionStartedEntry{name, e})
	}
	if e, ok := h.(TransactionCommitted); ok {
		r.transactionCommitted = append(r.transactionCommitted, transactionCommittedEntry{name, e})
	}
	if e, ok := h.(TransactionAborted); ok {
		r.transactionAborted = append(r.transactionAborted, transactionAbortedEntry{name, e})
	}
	if e, ok := h.(RequestFailed); ok {
		r.requestFailed = append(r.requestFailed, requestFailedEntry{name, e})
	}
	if e, ok := h.(DatabaseDeleted); ok {
		r.databaseDeleted = append(r.databaseDeleted, databaseDeletedEntry{name, e})
	}
}

// Hooks returns all registered hooks.
func (r *Registry) Hooks() []Hook { return r.hooks }

// EmitConnectionOpened notifies all hooks that implement
// ConnectionOpened.
func (r *Registry) EmitConnectionOpened(db string, version uint64) {
	for _, e := range r.connectionOpened {
		if err := r.safely(e.name, "OnConnectionOpened", func() error {
			return e.hook.OnConnectionOpened(db, version)
		}); err != nil {
			r.logHookError("OnConnectionOpened", e.name, err)
		}
	}
}

// EmitConnectionClosed notifies all hooks that implement
// ConnectionClosed.
func (r *Registry) EmitConnectionClosed(db string) {
	for _, e := range r.connectionClosed {
		if err := r.safely(e.name, "OnConnectionClosed", func() error {
			return e.hook.OnConnectionClosed(db)
		}); err != nil {
			r.logHookError("OnConnectionClosed", e.name, err)
		}
	}
}

// EmitUpgradeStarted notifies all hooks that implement UpgradeStarted.
func (r *Registry) EmitUpgradeStarted(db string, oldVersion, newVersion uint64) {
	for _, e := range r.upgradeStarted {
		if err := r.safely(e.name, "OnUpgradeStarted", func() error {
			return e.hook.OnUpgradeStarted(db, oldVersion, newVersion)
		}); err != nil {
			r.logHookError("OnUpgradeStarted", e.name, err)
		}
	}
}

// EmitUpgradeCompleted notifies all hooks that implement
// UpgradeCompleted.
func (r *Registry) EmitUpgradeCompleted(db string, oldVersion, newVersion uint64, upgradeErr error) {
	for _, e := range r.upgradeCompleted {
		if err := r.safely(e.name, "OnUpgradeCompleted", func() error {
			return e.hook.OnUpgradeCompleted(db, oldVersion, newVersion, upgradeErr)
		}); err != nil {
			r.logHookError("OnUpgradeCompleted", e.name, err)
		}
	}
}

// EmitTransactionStarted notifies all hooks that implement
// TransactionStarted.
func (r *Registry) EmitTransactionStarted(db, mode string, scope []string) {
	for _, e := range r.transactionStarted {
		if err := r.safely(e.name, "OnTransactionStarted", func() error {
			return e.hook.OnTransactionStarted(db, mode, scope)
		}); err != nil {
			r.logHookError("OnTransactionStarted", e.name, err)
		}
	}
}

// EmitTransactionCommitted notifies all hooks that implement
// TransactionCommitted.
func (r *Registry) EmitTransactionCommitted(db, mode string) {
	for _, e := range r.transactionCommitted {
		if err := r.safely(e.name, "OnTransactionCommitted", func() error {
			return e.hook.OnTransactionCommitted(db, mode)
		}); err != nil {
			r.logHookError("OnTransactionCommitted", e.name, err)
		}
	}
}

// EmitTransactionAborted notifies all hooks that implement
// TransactionAborted.
func (r *Registry) EmitTransactionAborted(db, mode string, txErr error) {
	for _, e := range r.transactionAborted {
		if err := r.safely(e.name, "OnTransactionAborted", func() error {
			return e.hook.OnTransactionAborted(db, mode, txErr)
		}); err != nil {
			r.logHookError("OnTransactionAborted", e.name, err)
		}
	}
}

// EmitRequestFailed notifies all hooks that implement RequestFailed.
func (r *Registry) EmitRequestFailed(db string, reqErr error) {
	for _, e := range r.requestFailed {
		if err := r.safely(e.name, "OnRequestFailed", func() error {
			return e.hook.OnRequestFailed(db, reqErr)
		}); err != nil {
			r.logHookError("OnRequestFailed", e.name, err)
		}
	}
}

// EmitDatabaseDeleted notifies all hooks that implement
// DatabaseDeleted.
func (r *Registry) EmitDatabaseDeleted(db string, version uint64) {
	for _, e := range r.databaseDeleted {
		if err := r.safely(e.name, "OnDatabaseDeleted", func() error {
			return e.hook.OnDatabaseDeleted(db, version)
		}); err != nil {
			r.logHookError("OnDatabaseDeleted", e.name, err)
		}
	}
}

// safely runs one hook invocation, converting panics into logged
// errors.
func (r *Registry) safely(name, event string, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Warn("hook panic", "hook", name, "event", event, "panic", rec)
			err = nil
		}
	}()
	return fn()
}

func (r *Registry) logHookError(event, name string, err error) {
	r.logger.Warn("hook error", "hook", name, "event", event, "error", err)
}
