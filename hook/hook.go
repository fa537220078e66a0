// Package hook defines the lifecycle hook system for the engine.
// Hooks are notified of engine events (connections opened, upgrades,
// transaction outcomes, failed requests) and can react to them —
// logging, metrics, tracing, etc.
//
// Each lifecycle event is a separate interface so hooks opt in only to
// the events they care about.
package hook

// Hook is the base interface all hooks must implement.
type Hook interface {
	// Name returns a unique human-readable name for the hook.
	Name() string
}

// ConnectionOpened is called after a connection handle is handed to the
// caller, including after a successful upgrade.
type ConnectionOpened interface {
	OnConnectionOpened(db string, version uint64) error
}

// ConnectionClosed is called when a connection handle closes.
type ConnectionClosed interface {
	OnConnectionClosed(db string) error
}

// UpgradeStarted is called when a versionchange transaction begins
// driving an upgrade callback.
type UpgradeStarted interface {
	OnUpgradeStarted(db string, oldVersion, newVersion uint64) error
}

// UpgradeCompleted is called once the upgrade settles. err is nil on
// commit and carries the abort cause otherwise.
type UpgradeCompleted interface {
	OnUpgradeCompleted(db string, oldVersion, newVersion uint64, err error) error
}

// TransactionStarted is called when the scheduler grants a transaction
// its backend transaction.
type TransactionStarted interface {
	OnTransactionStarted(db, mode string, scope []string) error
}

// TransactionCommitted is called after a successful commit.
type TransactionCommitted interface {
	OnTransactionCommitted(db, mode string) error
}

// TransactionAborted is called after an abort or a failed commit.
type TransactionAborted interface {
	OnTransactionAborted(db, mode string, err error) error
}

// RequestFailed is called when a request settles with an error.
type RequestFailed interface {
	OnRequestFailed(db string, err error) error
}

// DatabaseDeleted is called after a database is deleted.
type DatabaseDeleted interface {
	OnDatabaseDeleted(db string, version uint64) error
}
