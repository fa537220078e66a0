package strata

import (
	"errors"

	"github.com/xraph/strata/backend"
)

// Sentinel errors shared with the backend contract, re-exported so
// callers depend on one package. Match with errors.Is.
var (
	// ErrVersion: a requested version is lower than the stored version.
	ErrVersion = backend.ErrVersion

	// ErrConstraint: duplicate store/index name, duplicate add, or a
	// unique-index violation.
	ErrConstraint = backend.ErrConstraint

	// ErrNotFound: a store, index, or record does not exist.
	ErrNotFound = backend.ErrNotFound

	// ErrInvalidState: the operation is invalid for the object's current
	// lifecycle (schema mutation outside an upgrade, a closed connection,
	// a deleted store handle).
	ErrInvalidState = backend.ErrInvalidState

	// ErrTransactionInactive: a request was issued against a transaction
	// that is no longer accepting requests.
	ErrTransactionInactive = backend.ErrTransactionInactive

	// ErrAbort: the operation failed because its transaction aborted.
	ErrAbort = backend.ErrAbort

	// ErrReadOnly: a write was attempted in a readonly transaction.
	ErrReadOnly = backend.ErrReadOnly

	// ErrData: a value could not serve as a key or key path.
	ErrData = backend.ErrData

	// ErrUnknown: a failure with no defined mapping, including panics
	// recovered from event listeners.
	ErrUnknown = backend.ErrUnknown
)

// Engine-level errors.
var (
	// ErrInvalidArgument: a malformed argument such as an auto-increment
	// store with an identity or composite key path.
	ErrInvalidArgument = errors.New("strata: invalid argument")

	// ErrClosed: the factory has been closed.
	ErrClosed = errors.New("strata: factory closed")
)
