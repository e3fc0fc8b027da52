// Package atrun is a cluster runtime framework: an app runtime that
// discovers peers through an etcd-backed registry, forwards messages to
// them through per-peer endpoints, and schedules background work on an
// elastic worker pool. See the discovery, registry, endpoint, worker, app,
// and bus packages for the concrete subsystems.
package atrun

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// Sentinel errors for common atrun error conditions. These can be used
// with errors.Is() for error checking.
var (
	// ErrParams indicates a caller supplied invalid or missing parameters.
	ErrParams = errors.New("invalid parameters")

	// ErrClosing indicates the subsystem has begun shutting down and is no
	// longer accepting new work.
	ErrClosing = errors.New("subsystem is closing")

	// ErrClosed indicates the subsystem has finished shutting down.
	ErrClosed = errors.New("subsystem is closed")

	// ErrBufferLimit indicates a per-peer pending message buffer is full.
	ErrBufferLimit = errors.New("pending buffer limit reached")

	// ErrNodeTimeout indicates a pending message expired before it could
	// be delivered to its peer.
	ErrNodeTimeout = errors.New("message expired before delivery")

	// ErrNoAvailableWorker indicates the worker pool has no worker to take
	// a job: the pool is empty, or the requested worker id is not in it.
	ErrNoAvailableWorker = errors.New("no available worker")

	// ErrBusy indicates every worker's job queue is at capacity.
	ErrBusy = errors.New("worker queue is at capacity")

	// ErrOperationTimeout indicates an operation did not complete before
	// its deadline.
	ErrOperationTimeout = errors.New("operation timed out")

	// ErrUnauthenticated indicates the registry session has no valid
	// authentication token.
	ErrUnauthenticated = errors.New("unauthenticated registry session")

	// ErrTransport indicates a transport-level failure talking to a peer
	// or to the registry.
	ErrTransport = errors.New("transport failure")

	// ErrRegistryTransient indicates a registry operation failed in a way
	// that is expected to clear on retry (lease renewal race, watch
	// compaction, leader election).
	ErrRegistryTransient = errors.New("transient registry failure")
)

// Kind categorizes an Error. Kind values are stable strings so they can be
// logged, compared, and exported as metric label values.
type Kind string

const (
	// KindParams represents errors from invalid caller-supplied parameters.
	KindParams Kind = "params"

	// KindClosing represents errors rejecting work during shutdown.
	KindClosing Kind = "closing"

	// KindClosed represents errors rejecting work after shutdown completed.
	KindClosed Kind = "closed"

	// KindBufferLimit represents errors from a full pending buffer.
	KindBufferLimit Kind = "buffer_limit"

	// KindNodeTimeout represents errors from message expiry.
	KindNodeTimeout Kind = "node_timeout"

	// KindNoAvailableWorker represents errors with no worker to service a job.
	KindNoAvailableWorker Kind = "no_available_worker"

	// KindBusy represents errors from saturated worker queues.
	KindBusy Kind = "busy"

	// KindOperationTimeout represents errors from a missed deadline.
	KindOperationTimeout Kind = "operation_timeout"

	// KindUnauthenticated represents errors from a missing or expired
	// registry session token.
	KindUnauthenticated Kind = "unauthenticated"

	// KindTransport represents errors from the network layer.
	KindTransport Kind = "transport"

	// KindRegistryTransient represents retryable registry failures.
	KindRegistryTransient Kind = "registry_transient"
)

// Error is the structured error type returned by every package in this
// module. It wraps an underlying error with the operation that failed and
// the Kind under which callers should handle it.
//
// Example usage:
//
//	err := &atrun.Error{
//		Op:   "Endpoint.PushForwardMessage",
//		Kind: atrun.KindBufferLimit,
//		Err:  atrun.ErrBufferLimit,
//	}
type Error struct {
	// Op is the operation that failed (e.g. "Registry.Register", "Pool.PushJob").
	Op string

	// Kind categorizes the error (e.g. KindBufferLimit, KindUnauthenticated).
	Kind Kind

	// Err is the underlying error that caused this error.
	Err error

	// Context provides additional debugging context (peer id, queue depth,
	// lease id, and similar).
	Context map[string]any
}

// Error implements the error interface, returning a formatted message that
// includes the operation, kind, and underlying error.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("atrun: %s: %s", e.Op, e.Kind)
	}

	if len(e.Context) > 0 {
		return fmt.Sprintf("atrun: %s (%s): %v [context: %+v]", e.Op, e.Kind, e.Err, e.Context)
	}

	return fmt.Sprintf("atrun: %s (%s): %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error, allowing errors.Is() and errors.As()
// to work correctly with wrapped errors.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements error matching, allowing comparison based on Kind (and Op,
// when the target specifies one) or delegating to the wrapped error.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}

	if t, ok := target.(*Error); ok {
		if t.Kind != "" && e.Kind == t.Kind {
			if t.Op == "" || e.Op == t.Op {
				return true
			}
		}
		return false
	}

	return errors.Is(e.Err, target)
}

// WithContext returns a copy of e with ctx merged into its Context map.
func (e *Error) WithContext(ctx map[string]any) *Error {
	newErr := *e
	newErr.Context = make(map[string]any, len(e.Context)+len(ctx))
	for k, v := range e.Context {
		newErr.Context[k] = v
	}
	for k, v := range ctx {
		newErr.Context[k] = v
	}
	return &newErr
}

// NewParamsError creates a new Error with KindParams.
func NewParamsError(op string, err error) *Error {
	return &Error{Op: op, Kind: KindParams, Err: err}
}

// NewClosingError creates a new Error with KindClosing.
func NewClosingError(op string, err error) *Error {
	return &Error{Op: op, Kind: KindClosing, Err: err}
}

// NewClosedError creates a new Error with KindClosed.
func NewClosedError(op string, err error) *Error {
	return &Error{Op: op, Kind: KindClosed, Err: err}
}

// NewBufferLimitError creates a new Error with KindBufferLimit.
func NewBufferLimitError(op string, err error) *Error {
	return &Error{Op: op, Kind: KindBufferLimit, Err: err}
}

// NewNodeTimeoutError creates a new Error with KindNodeTimeout.
func NewNodeTimeoutError(op string, err error) *Error {
	return &Error{Op: op, Kind: KindNodeTimeout, Err: err}
}

// NewNoAvailableWorkerError creates a new Error with KindNoAvailableWorker.
func NewNoAvailableWorkerError(op string, err error) *Error {
	return &Error{Op: op, Kind: KindNoAvailableWorker, Err: err}
}

// NewBusyError creates a new Error with KindBusy.
func NewBusyError(op string, err error) *Error {
	return &Error{Op: op, Kind: KindBusy, Err: err}
}

// NewOperationTimeoutError creates a new Error with KindOperationTimeout.
func NewOperationTimeoutError(op string, err error) *Error {
	return &Error{Op: op, Kind: KindOperationTimeout, Err: err}
}

// NewUnauthenticatedError creates a new Error with KindUnauthenticated.
func NewUnauthenticatedError(op string, err error) *Error {
	return &Error{Op: op, Kind: KindUnauthenticated, Err: err}
}

// NewTransportError creates a new Error with KindTransport.
func NewTransportError(op string, err error) *Error {
	return &Error{Op: op, Kind: KindTransport, Err: err}
}

// NewRegistryTransientError creates a new Error with KindRegistryTransient.
func NewRegistryTransientError(op string, err error) *Error {
	return &Error{Op: op, Kind: KindRegistryTransient, Err: err}
}

// CloseWithLog attempts to close the provided resource and logs any error
// at warning level. Intended for defer statements so cleanup errors are
// not silently dropped.
//
// The name parameter should describe the resource being closed (e.g.
// "etcd client", "endpoint transport"). If logger is nil, slog.Default()
// is used.
func CloseWithLog(closer io.Closer, logger *slog.Logger, name string) {
	if closer == nil {
		return
	}

	if logger == nil {
		logger = slog.Default()
	}

	if err := closer.Close(); err != nil {
		logger.Warn("failed to close resource",
			"resource", name,
			"error", err)
	}
}
