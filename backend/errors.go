package backend

import "errors"

// Sentinel errors shared by the engine and every backend. Backends wrap
// failures with no defined mapping in ErrUnknown; the engine maps these
// onto failed requests and transaction aborts.
var (
	// ErrVersion: a requested version is lower than the stored version.
	ErrVersion = errors.New("strata: requested version is lower than the existing version")

	// ErrConstraint: duplicate store/index name, duplicate Add key, or a
	// unique-index violation.
	ErrConstraint = errors.New("strata: constraint violation")

	// ErrNotFound: the referenced database, store, index, or record does
	// not exist.
	ErrNotFound = errors.New("strata: not found")

	// ErrInvalidState: the operation is invalid for the object's current
	// lifecycle state.
	ErrInvalidState = errors.New("strata: invalid state")

	// ErrTransactionInactive: a request was issued against an inactive
	// transaction.
	ErrTransactionInactive = errors.New("strata: transaction is not active")

	// ErrAbort: the operation failed because its transaction aborted.
	ErrAbort = errors.New("strata: transaction aborted")

	// ErrReadOnly: a write was attempted in a readonly transaction.
	ErrReadOnly = errors.New("strata: transaction is read-only")

	// ErrData: a value could not serve as a key, or a key path could not
	// be evaluated against a value.
	ErrData = errors.New("strata: invalid key or key path data")

	// ErrUnknown wraps backend failures with no defined mapping.
	ErrUnknown = errors.New("strata: unknown backend error")
)
