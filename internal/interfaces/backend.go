// Package interfaces provides internal interface definitions for fship.
// These are separate from the root package to avoid circular imports
// between the client façade and the backend implementations.
package interfaces

import "github.com/databroker/fship/internal/request"

// Backend defines the contract every storage provider plugin must
// implement (spec.md glossary: "post, test_any, cancel, exit").
// Operations are posted asynchronously and their outcome recovered later
// through TestAny, correlated by the request's UserPtr (spec.md §4.4).
type Backend interface {
	// Post hands req to the backend. The backend must echo req.UserPtr
	// back unchanged on the corresponding Completion. Returns an error
	// if the backend rejects the request outright (maps to ERR_BE_POST
	// at the call site).
	Post(req *request.Request) error

	// TestAny polls for at most one completed request. Returns (nil, nil)
	// if nothing has completed yet.
	TestAny() (*request.Completion, error)

	// Cancel best-effort cancels a previously posted request, if the
	// backend supports it. Implementations that can't cancel in-flight
	// work may return nil without synthesizing a completion; the caller
	// (internal/completion) synthesizes the ERR_CANCELLED completion
	// itself per spec.md §4.4.
	Cancel(req *request.Request) error

	// Exit releases all backend resources. Idempotent.
	Exit() error
}

// Logger is the minimal logging surface backends may optionally accept.
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// Observer receives per-operation metrics from whatever drives a
// backend's TestAny loop (the forwarding server), not from the backend
// itself.
// Implementations must be thread-safe: methods are called from whatever
// goroutine drives TestAny.
type Observer interface {
	ObserveOp(op request.Opcode, bytes uint64, latencyNs uint64, success bool)
	ObserveQueueDepth(depth uint32)
}
