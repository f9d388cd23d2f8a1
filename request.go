package cart

import (
	"container/list"

	"go.uber.org/atomic"
)

// State is the lifecycle state of a Request (§4.4). The zero value is
// Inited, the state every Request starts in.
type State int

const (
	// Inited is the state of a freshly constructed Request, or a waiter
	// just promoted out of a wait queue (before its resend completes).
	Inited State = iota
	// Queued means the request is parked on an EPI's wait queue because
	// the endpoint's credit limit was exhausted at admission time.
	Queued
	// UriLookup is a Sent sub-state used while a URI-resolution
	// sub-request is outstanding on behalf of this request.
	UriLookup
	// AddrLookup is a Sent sub-state used while an address-resolution
	// sub-request is outstanding on behalf of this request.
	AddrLookup
	// Sent means the transport has been asked to dispatch the request
	// and no reply has arrived yet.
	Sent
	// FwdUnreach means the target rank could not be addressed.
	FwdUnreach
	// Timeout means the request's deadline elapsed and no further retry
	// was attempted.
	Timeout
	// Canceled means the request was terminated by user request before
	// a reply arrived.
	Canceled
	// Completed means a reply arrived and was delivered to the caller.
	Completed
)

// String renders a State the way the package logs it.
func (s State) String() string {
	switch s {
	case Inited:
		return "inited"
	case Queued:
		return "queued"
	case UriLookup:
		return "uri-lookup"
	case AddrLookup:
		return "addr-lookup"
	case Sent:
		return "sent"
	case FwdUnreach:
		return "fwd-unreach"
	case Timeout:
		return "timeout"
	case Canceled:
		return "canceled"
	case Completed:
		return "completed"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether s is one of the terminal states in which
// complete_cb has fired (or is about to fire synchronously) and the
// request will never transition again (R3).
func (s State) IsTerminal() bool {
	switch s {
	case Completed, Canceled, Timeout, FwdUnreach:
		return true
	default:
		return false
	}
}

// CompleteFunc is invoked exactly once when a Request reaches a terminal
// state (R3). status carries the first non-zero of the local termination
// reason or the peer-reported reply status (§7 "User-visible failure").
type CompleteFunc func(req *Request, status error)

// Request is one RPC invocation tracked by a Context. Fields documented
// as "owner-guarded" may only be read or written while holding the
// owning Context's mutex; epLink and the queue-position bookkeeping may
// only be touched while holding the owning EPI's mutex.
type Request struct {
	Opcode   Opcode
	Endpoint Endpoint
	Payload  []byte
	Reply    []byte

	// ResetTimer marks an opcode that opts in to timer-reset instead of
	// giving up on first expiry (§4.4, §4.9 step 1).
	ResetTimer bool

	// NeedsURILookup marks a request whose target address is not yet
	// resolved: Track drives it through the UriLookup/AddrLookup
	// sub-states (§4.4) via an internal URI_LOOKUP sub-request before
	// ever admitting it into an EPI. Cleared once the sub-protocol
	// starts, so it only ever fires once per request.
	NeedsURILookup bool

	// Parent is set on URI/address-lookup sub-requests; it is the
	// request whose FwdUnreach completion is driven by this
	// sub-request's outcome (§4.4, §4.9 "UriLookup"/"AddrLookup").
	Parent *Request

	completeCB CompleteFunc

	// owner-guarded (the owning Context's ctx_mu)
	state      State
	deadlineUS int64

	// lookupSub is the internal sub-request currently resolving this
	// request's address, set while state is UriLookup or AddrLookup
	// (§4.9 "abort the sub-request"). nil otherwise.
	lookupSub *Request

	// heapIndex and heapSeq are maintained exclusively by TimeoutHeap,
	// itself only ever invoked under ctx_mu (§4.1 "The heap is strictly
	// internal"). heapSeq breaks deadline ties in insertion order.
	heapIndex int
	heapSeq   int64

	inHeap atomic.Bool
	onWire atomic.Bool

	// epLink is the weak back-reference to the EPI holding this
	// request's queue position; written under the EPI's mutex during
	// admission, and read by Context under ctx_mu.
	epLink *EndpointInflight

	// queueElem is this request's node in whichever of epLink's two
	// lists (reqQ or waitQ) currently holds it (R1: at most one at a
	// time); owner-guarded by epLink.mutex.
	queueElem *list.Element

	refcount atomic.Int32

	// onFree is an optional test hook invoked when the refcount drops to
	// zero, used to verify the "Refcount balance" property (§8).
	onFree func(*Request)
}

// NewRequest constructs a Request with refcount 1, held by the caller,
// per §3 "References are held by: the caller, ...". cb is invoked exactly
// once when the request terminates (R3); it may be nil for fire-and-forget
// requests (callers that poll state some other way).
func NewRequest(opcode Opcode, ep Endpoint, payload []byte, cb CompleteFunc) *Request {
	r := &Request{
		Opcode:     opcode,
		Endpoint:   ep,
		Payload:    payload,
		completeCB: cb,
		state:      Inited,
		heapIndex:  -1,
	}
	r.refcount.Store(1)
	return r
}

// State returns the request's current lifecycle state. Callers outside
// the owning Context must treat this as a snapshot: no lock is taken.
func (r *Request) State() State { return r.state }

// InHeap reports whether the request is currently linked into its
// context's TimeoutHeap.
func (r *Request) InHeap() bool { return r.inHeap.Load() }

// OnWire reports whether the transport has taken responsibility for the
// request (§3 "on_wire").
func (r *Request) OnWire() bool { return r.onWire.Load() }

// DeadlineUS returns the request's absolute microsecond deadline.
func (r *Request) DeadlineUS() int64 { return r.deadlineUS }

// RefCount returns the current reference count, chiefly for tests
// asserting the "Refcount balance" property (§8).
func (r *Request) RefCount() int32 { return r.refcount.Load() }

// addRef bumps the reference count. Each call must be paired with
// exactly one release call on the matching removal path (§5 "Refcount
// discipline").
func (r *Request) addRef() {
	r.refcount.Inc()
}

// release drops the reference count by one. When it reaches zero the
// request is considered freed: onFree (if set) runs outside of any lock,
// matching §5's "Reaching zero frees the request structure; this must
// occur outside all locks." Go's GC reclaims the memory itself; onFree
// exists purely so tests can observe the balance property.
func (r *Request) release() {
	if r.refcount.Dec() == 0 && r.onFree != nil {
		r.onFree(r)
	}
}

// fireComplete runs the completion callback exactly once (R3). Callers
// must already hold no context or EPI locks: user callbacks may re-enter
// Track/Untrack/Progress (§5, §9).
func (r *Request) fireComplete(status error) {
	cb := r.completeCB
	if cb == nil {
		return
	}
	r.completeCB = nil
	cb(r, status)
}

// complete transitions r to a terminal state and fires its completion
// callback exactly once (R3). Callers must hold no locks.
func (r *Request) complete(state State, status error) {
	r.state = state
	r.fireComplete(status)
}
