// Package unifyerr defines the error-kind taxonomy shared by every
// delegator and client component: allocation failure, KV-store
// failure, malformed requests, missing attributes, short reads,
// transport failure, and shutdown-in-progress.
package unifyerr

import "errors"

var (
	// ErrNoMem is the error kind for a failed allocation. No package in
	// this module returns it: segment tree and descriptor allocations
	// report no error.
	ErrNoMem = errors.New("unifycr: allocation failed")

	// ErrKV is the error kind for a failure of the underlying ordered
	// key-value store. No package in this module returns or wraps it:
	// kvstore errors reach callers wrapped only with fmt.Errorf context.
	ErrKV = errors.New("unifycr: kv store error")

	// ErrBadRequest covers null or oversize input to an RPC or local call.
	ErrBadRequest = errors.New("unifycr: bad request")

	// ErrNotFound is returned by an attribute lookup for an unknown gfid.
	ErrNotFound = errors.New("unifycr: not found")

	// ErrShortRead is the error kind for coverage less than the requested
	// range. No package in this module returns it: short reads are
	// reported per request as readresolver.ErrCodeShortRead, never as a
	// batch-level error.
	ErrShortRead = errors.New("unifycr: short read")

	// ErrTransport covers RPC failures and timeouts.
	ErrTransport = errors.New("unifycr: transport error")

	// ErrShutdown is returned by reqmgr.Manager.Dispatch once the manager
	// has been shut down (its state is Exiting).
	ErrShutdown = errors.New("unifycr: shutdown in progress")
)
