package strata

import (
	"context"
	"fmt"

	"github.com/xraph/strata/id"
)

// Request is the asynchronous result of one engine operation. It is
// pending until the engine settles it exactly once with either a result
// or an error, after which success or error listeners fire and Await
// unblocks. A settled result left unread pins the owning transaction;
// consuming it with Result or Await (delivery to a listener registered
// on the request counts too) lets the transaction auto-commit.
type Request struct {
	emitter

	f   *Factory
	rid id.ID

	// txn is the owning transaction; nil for factory-level requests
	// (open, delete).
	txn *Transaction

	// source is the object the operation was issued on: an *ObjectStore,
	// *Index, or *Cursor. Nil for factory-level requests.
	source any

	// Guarded by f.mu. pinned marks a settled result nobody has read
	// yet; it keeps the owning transaction from auto-committing until
	// the result is consumed.
	settled bool
	pinned  bool
	result  any
	err     error

	done chan struct{}
}

func newRequest(f *Factory, txn *Transaction, source any) *Request {
	return &Request{
		f:      f,
		rid:    id.NewRequestID(),
		txn:    txn,
		source: source,
		done:   make(chan struct{}),
	}
}

// ID returns the request's identifier.
func (r *Request) ID() id.ID { return r.rid }

// Transaction returns the owning transaction, or nil for factory-level
// requests.
func (r *Request) Transaction() *Transaction { return r.txn }

// Source returns the object the operation was issued on.
func (r *Request) Source() any { return r.source }

// Done reports whether the request has settled.
func (r *Request) Done() bool {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	return r.settled
}

// Result returns the settled result and error, consuming the result so
// the owning transaction may auto-commit. Calling Result on a pending
// request is an ErrInvalidState error.
func (r *Request) Result() (any, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	if !r.settled {
		return nil, fmt.Errorf("%w: request %s is still pending", ErrInvalidState, r.rid)
	}
	r.consumeLocked()
	return r.result, r.err
}

// Await blocks until the request settles or ctx is done.
func (r *Request) Await(ctx context.Context) (any, error) {
	select {
	case <-r.done:
		return r.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// consumeLocked drops the settled-result pin and re-checks the owning
// transaction's settle condition. Caller holds f.mu.
func (r *Request) consumeLocked() {
	if !r.pinned {
		return
	}
	r.pinned = false
	r.txn.pins--
	r.txn.settleCheckLocked()
}

// settle records the outcome. Caller holds f.mu. Settling twice is a
// no-op so an abort racing a queued completion is harmless.
func (r *Request) settle(result any, err error) bool {
	if r.settled {
		return false
	}
	r.settled = true
	r.result = result
	r.err = err
	close(r.done)
	return true
}

// OpenRequest is the request returned by Factory.Open. Its result is
// the *Database handle. Blocked and upgradeneeded signals fire on it.
type OpenRequest struct {
	*Request
}

// Await blocks until the open settles and returns the database handle.
func (r *OpenRequest) Await(ctx context.Context) (*Database, error) {
	v, err := r.Request.Await(ctx)
	if err != nil {
		return nil, err
	}
	return v.(*Database), nil
}

// DeleteRequest is the request returned by Factory.DeleteDatabase. Its
// result is the deleted database's prior version.
type DeleteRequest struct {
	*Request
}

// Await blocks until the delete settles and returns the prior version.
func (r *DeleteRequest) Await(ctx context.Context) (uint64, error) {
	v, err := r.Request.Await(ctx)
	if err != nil {
		return 0, err
	}
	return v.(uint64), nil
}
