package cart

import "context"

// Endpoint identifies the target of a Request as a (group, rank, tag)
// triple. Group/rank resolution to a concrete network address is the
// responsibility of the group-membership collaborator, not this package.
type Endpoint struct {
	Group string
	Rank  uint32
	Tag   uint32
}

// Opcode identifies the RPC being invoked. It is an opaque integer as far
// as the context subsystem is concerned; only a handful of reserved
// values are special-cased (OpcodeURILookup bypasses tracking, see
// Context.Track).
type Opcode uint32

// OpcodeURILookup is reserved for the address-resolution sub-protocol.
// Requests with this opcode bypass tracking entirely: §4.5 "the request
// bypasses tracking entirely and is reported as InflightQ (because URI
// lookups carry their own retry logic)".
const OpcodeURILookup Opcode = 0

// Transport is the narrow boundary this package consumes from the
// wire/transport layer (§1, §6). A real implementation owns connection
// management, serialization, and bulk transfer; this package only needs
// to hand it requests and let it drive completions back in via
// Context.Complete.
//
// Send must not block past request admission: long-running I/O happens
// under Progress. Implementations may return an error synchronously for
// requests that fail fast (e.g. no known route yet); such failures are
// reported as per-request completions, never as fatal context errors.
type Transport interface {
	// Send hands req to the transport for dispatch. The transport takes
	// ownership of req (req.onWire becomes true) until it calls back into
	// Context.Complete or the request is canceled.
	Send(ctx context.Context, req *Request) error

	// Cancel asks the transport to abort an in-flight request. The
	// transport remains responsible for eventually producing a
	// completion (§4.9 "the transport is responsible for producing a
	// final completion").
	Cancel(req *Request) error

	// Progress drains completions and performs at most one bounded
	// unit of transport work, blocking for at most timeoutUs
	// microseconds. Returning a Timeout-coded error from carterrors is
	// treated as a benign, non-fatal condition by the progress loop;
	// anything else propagates to the Context.Progress caller (§4.7
	// step 4).
	Progress(timeoutUs int64) error

	// Close tears down the transport's resources. Called once from
	// Context.Destroy.
	Close() error
}
