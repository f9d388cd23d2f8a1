package cart

import (
	"context"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/daos-stack/cart-go/carterrors"
	clk "github.com/daos-stack/cart-go/internal/clock"
	lifecyclesync "github.com/daos-stack/cart-go/internal/sync"
)

// TrackResult is the outcome of Context.Track (§4.5).
type TrackResult int

const (
	// TrackInflightQ means the request was admitted (or, for
	// OpcodeURILookup, dispatched immediately outside the EPI machinery).
	TrackInflightQ TrackResult = iota
	// TrackWaitQ means the request was parked on its endpoint's wait
	// queue pending credit.
	TrackWaitQ
)

func (r TrackResult) String() string {
	if r == TrackWaitQ {
		return "wait-q"
	}
	return "inflight-q"
}

// CondFunc is the optional predicate passed to Context.Progress (§4.7
// step 1/6): it is consulted before the first iteration and after every
// iteration, and progress loops until it reports done or returns an
// error.
type CondFunc func() (done bool, err error)

// TimeoutInfinite requests that Context.Progress loop until cond_cb
// reports done, capping each underlying Transport.Progress call at 1ms
// to stay responsive to other progress threads (§4.7 step 6).
const TimeoutInfinite int64 = -1

const (
	maxInfiniteIterationUS = 1_000     // 1ms, §4.7 step 6
	maxFiniteIterationUS   = 1_000_000 // 1s, §4.7 step 6
)

// RPCTaskFunc is the callback registered via Context.RegisterRPCTask; the
// transport collaborator invokes it on inbound RPC dispatch (§4.5,
// "register_rpc_task"). This core does not call it itself.
type RPCTaskFunc func(arg interface{})

// Context is one independent RPC dispatch domain (§3, §4.5): it owns an
// EpiTable, a TimeoutHeap, and a Transport handle, and exposes the
// track/untrack/progress surface the rest of the runtime drives.
type Context struct {
	idx int

	mu        sync.Mutex // ctx_mu; guards everything below plus the heap and epiTable contents
	epiTable  *EpiTable
	heap      *TimeoutHeap
	rpcTaskCB RPCTaskFunc
	rpcTaskArg interface{}

	transport Transport
	registry  *ContextRegistry
	hooks     *PluginHooks
	clock     clk.Clock
	cfg       config
	metrics   *contextMetrics

	destroyed atomic.Bool

	// closeOnce guards Transport.Close so it runs at most once even if
	// Destroy is ever re-entered, in the teacher's internal/sync
	// LifecycleOnce style ("Stop will run f once and return the error;
	// if Stop is called multiple times it will return the error from
	// the first time it was called").
	closeOnce lifecyclesync.LifecycleOnce
}

// NewContext allocates a Context and registers it with registry under the
// next unused index; it fails if the registry is full. transport must
// already be constructed: it is stored as the context's transport handle
// and is not called or told the index here. hooks may be nil, in which
// case the context gets its own
// private hook set rather than sharing a process-wide one.
func NewContext(registry *ContextRegistry, transport Transport, hooks *PluginHooks, clock clk.Clock, opts ...Option) (*Context, error) {
	if registry == nil {
		return nil, carterrors.InvalidErrorf("context registry must not be nil")
	}
	if transport == nil {
		return nil, carterrors.InvalidErrorf("transport must not be nil")
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt.apply(&cfg)
	}
	if hooks == nil {
		hooks = NewPluginHooks()
	}
	if clock == nil {
		clock = clk.NewReal()
	}

	return registry.Add(func(idx int) (*Context, error) {
		return &Context{
			idx:       idx,
			epiTable:  NewEpiTable(),
			heap:      NewTimeoutHeap(),
			transport: transport,
			registry:  registry,
			hooks:     hooks,
			clock:     clock,
			cfg:       cfg,
			metrics:   newContextMetrics(cfg.metricsScope),
		}, nil
	})
}

// Index returns the context's registry index (§6 "context_idx").
func (c *Context) Index() int { return c.idx }

// SetTimeout overrides the per-request default deadline for this context
// (§6 "context_set_timeout: ctx, sec>0"). Invalid for sec <= 0.
func (c *Context) SetTimeout(sec int) error {
	if sec <= 0 {
		return carterrors.InvalidErrorf("timeout must be positive, got %d", sec)
	}
	c.mu.Lock()
	c.cfg.timeoutSec = sec
	c.mu.Unlock()
	return nil
}

// RegisterRPCTask installs the inbound-RPC dispatch callback (§6
// "register_rpc_task"). Invalid if cb is nil.
func (c *Context) RegisterRPCTask(cb RPCTaskFunc, arg interface{}) error {
	if cb == nil {
		return carterrors.InvalidErrorf("rpc task callback must not be nil")
	}
	c.mu.Lock()
	c.rpcTaskCB = cb
	c.rpcTaskArg = arg
	c.mu.Unlock()
	return nil
}

// RPCTask returns the currently registered RPC task callback and its
// argument, for the transport collaborator to invoke on inbound dispatch.
func (c *Context) RPCTask() (RPCTaskFunc, interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rpcTaskCB, c.rpcTaskArg
}

func (c *Context) nowUS() int64 {
	return c.clock.Now().UnixNano() / 1000
}

func (c *Context) timeoutUS() int64 {
	return int64(c.cfg.timeoutSec) * 1_000_000
}

func terminalStateFor(status error) State {
	switch carterrors.ErrorCode(status) {
	case carterrors.CodeCanceled:
		return Canceled
	case carterrors.CodeTimeout:
		return Timeout
	case carterrors.CodeUnreach:
		return FwdUnreach
	default:
		// CodeOK (status == nil) and CodeTransportFailed both surface as
		// a completed request; the error, if any, rides in req.complete's
		// status argument (§7 "the first non-zero of the local
		// termination reason or the peer-reported reply status").
		return Completed
	}
}

// Track is the admission path (§4.5, §4.2). OpcodeURILookup requests
// bypass EPI admission entirely and are reported InflightQ immediately,
// since the lookup sub-protocol self-retries. Requests marked
// NeedsURILookup are driven through the UriLookup/AddrLookup sub-states
// (§4.4) before ever reaching EPI admission.
func (c *Context) Track(req *Request) (TrackResult, error) {
	if c.destroyed.Load() {
		return TrackInflightQ, carterrors.InvalidErrorf("context %d is destroyed", c.idx)
	}

	if req.Opcode == OpcodeURILookup {
		req.state = Sent
		if err := c.transport.Send(context.Background(), req); err != nil {
			wrapped := carterrors.Wrap(err)
			req.complete(terminalStateFor(wrapped), wrapped)
			return TrackInflightQ, nil
		}
		req.onWire.Store(true)
		return TrackInflightQ, nil
	}

	if req.NeedsURILookup {
		return c.trackWithLookup(req)
	}

	return c.trackAdmit(req)
}

// trackWithLookup runs the address-resolution sub-protocol (§4.4,
// §4.9 "UriLookup"/"AddrLookup") ahead of EPI admission: req is inserted
// into the TimeoutHeap directly (R2: in_heap ⇒ state ∈ {Sent, UriLookup,
// AddrLookup}) and a URI-resolution sub-request is tracked on its behalf
// (req.lookupSub). That sub-request's completion drives req into
// AddrLookup and starts a second, address-resolution sub-request; that
// one's completion admits req into its EPI as usual. A failure at either
// phase completes req FwdUnreach via completeParent.
func (c *Context) trackWithLookup(req *Request) (TrackResult, error) {
	req.NeedsURILookup = false
	req.state = UriLookup
	c.mu.Lock()
	req.deadlineUS = c.nowUS() + c.timeoutUS()
	c.heap.Insert(req)
	c.mu.Unlock()

	c.startURILookup(req)
	return TrackInflightQ, nil
}

// startURILookup dispatches the first sub-request of the lookup chain:
// resolving req's URI. req must already be in UriLookup state, linked
// into the heap directly.
func (c *Context) startURILookup(req *Request) {
	var sub *Request
	sub = NewRequest(OpcodeURILookup, req.Endpoint, nil, func(_ *Request, status error) {
		if status != nil {
			c.completeParent(sub, carterrors.UnreachErrorf("uri lookup for rank=%d failed: %v", req.Endpoint.Rank, status))
			return
		}
		c.mu.Lock()
		req.state = AddrLookup
		req.lookupSub = nil
		c.mu.Unlock()
		c.startAddrLookup(req)
	})
	sub.Parent = req

	c.mu.Lock()
	req.lookupSub = sub
	c.mu.Unlock()

	if _, err := c.Track(sub); err != nil {
		c.completeParent(sub, err)
	}
}

// startAddrLookup dispatches the second sub-request of the lookup chain:
// resolving the local transport address once req's URI is known. On
// success req is admitted into its EPI exactly as any other request.
func (c *Context) startAddrLookup(req *Request) {
	var sub *Request
	sub = NewRequest(OpcodeURILookup, req.Endpoint, nil, func(_ *Request, status error) {
		if status != nil {
			c.completeParent(sub, carterrors.UnreachErrorf("address lookup for rank=%d failed: %v", req.Endpoint.Rank, status))
			return
		}
		c.mu.Lock()
		if req.InHeap() {
			c.heap.Remove(req)
		}
		req.state = Inited
		req.lookupSub = nil
		c.mu.Unlock()
		c.trackAdmit(req)
	})
	sub.Parent = req

	c.mu.Lock()
	req.lookupSub = sub
	c.mu.Unlock()

	if _, err := c.Track(sub); err != nil {
		c.completeParent(sub, err)
	}
}

// trackAdmit is the ordinary EPI-admission path (§4.5, §4.2): atomic
// lookup-or-create under ctx_mu followed by queue insertion under
// epi.mutex.
func (c *Context) trackAdmit(req *Request) (TrackResult, error) {
	c.mu.Lock()
	epi := c.epiTable.LookupOrCreate(c, req.Endpoint.Rank, c.cfg.creditEpCtx)
	admission := epi.Admit(req)
	if admission == Admitted {
		req.deadlineUS = c.nowUS() + c.timeoutUS()
		c.heap.Insert(req)
	}
	c.mu.Unlock()
	epi.Release()

	if admission == WaitQueued {
		c.metrics.incWaitQueued(req.Endpoint.Rank)
		return TrackWaitQ, nil
	}

	c.metrics.incAdmitted(req.Endpoint.Rank)
	if err := c.transport.Send(context.Background(), req); err != nil {
		wrapped := carterrors.Wrap(err)
		state := terminalStateFor(wrapped)
		promoted := c.untrack(req, &state)
		c.dispatchPromoted(promoted)
		req.complete(state, wrapped)
		return TrackInflightQ, nil
	}
	req.onWire.Store(true)
	return TrackInflightQ, nil
}

// untrack is the shared locked core of Untrack and Complete. If newState
// is non-nil, req's state is overwritten before the EPI/heap bookkeeping
// runs, so that the Timeout-heap-removal check and the EPI's
// Completed-vs-not branch both see the final state (§4.5 "untrack(req):
// releases admission; if terminal-state, increments reply_num, else
// decrements req_num; removes from TimeoutHeap unless the request is
// already known-timed-out"). Returns any waiters promoted as a result,
// for the caller to re-dispatch outside the lock.
func (c *Context) untrack(req *Request, newState *State) []*Request {
	c.mu.Lock()
	epi := req.epLink
	if epi == nil {
		c.mu.Unlock()
		return nil
	}
	if newState != nil {
		req.state = *newState
	}
	epi.Complete(req)
	if req.InHeap() && req.State() != Timeout {
		c.heap.Remove(req)
	}
	promoted := c.promoteLocked(epi)
	c.mu.Unlock()

	epi.Release()
	return promoted
}

// Untrack releases req's admission without changing its already-assigned
// state (§4.5). Callers that are delivering a terminal status should use
// Complete instead, which assigns the terminal state atomically with the
// bookkeeping below.
func (c *Context) Untrack(req *Request) {
	promoted := c.untrack(req, nil)
	c.dispatchPromoted(promoted)
}

// Complete is the entry point a Transport implementation calls back into
// once a request's outcome is known (§2 "Transport later delivers a
// completion to the core via complete(request, status)"). It derives the
// terminal state from status, releases admission, promotes waiters, and
// fires the completion callback exactly once (R3), with no core locks
// held during the callback.
func (c *Context) Complete(req *Request, status error) {
	state := terminalStateFor(status)
	promoted := c.untrack(req, &state)
	c.dispatchPromoted(promoted)
	c.metrics.incCompleted(req.Endpoint.Rank, state)
	req.complete(state, status)
}

// promoteLocked computes the current credit budget for epi and promotes
// as many waiters as it allows (§4.2 promote_waiters). Caller holds
// ctx_mu.
func (c *Context) promoteLocked(epi *EndpointInflight) []*Request {
	if c.cfg.creditEpCtx == 0 {
		return nil
	}
	inflight := epi.Inflight()
	if inflight >= c.cfg.creditEpCtx {
		return nil
	}
	budget := int(c.cfg.creditEpCtx - inflight)
	promoted := epi.PromoteWaiters(budget, c.heap, c.nowUS(), c.timeoutUS())
	for range promoted {
		c.metrics.incPromoted(epi.Rank)
	}
	return promoted
}

// dispatchPromoted re-sends each promoted waiter outside any lock (§4.2
// "Returned list is re-sent outside the lock"). A re-send failure is
// handled per §9's open question: the request is marked Inited, untrack
// runs recursively (safe per §4.5), and the completion callback fires
// with the wrapped transport error.
func (c *Context) dispatchPromoted(promoted []*Request) {
	for _, req := range promoted {
		if err := c.transport.Send(context.Background(), req); err != nil {
			wrapped := carterrors.Wrap(err)
			req.state = Inited
			nested := c.untrack(req, nil)
			c.dispatchPromoted(nested)
			req.complete(terminalStateFor(wrapped), wrapped)
			continue
		}
		req.onWire.Store(true)
	}
}

// Cancel terminates a single request (§5 "cancel(req): if in wait_q,
// synchronously complete with Canceled; if inflight, request transport
// cancel — completion arrives asynchronously").
func (c *Context) Cancel(req *Request) error {
	c.mu.Lock()
	epi := req.epLink
	terminal := req.State().IsTerminal()
	c.mu.Unlock()
	if terminal {
		return carterrors.InvalidErrorf("request has already reached a terminal state")
	}
	if epi == nil {
		return carterrors.InvalidErrorf("request is not tracked by any context")
	}
	if epi.cancelWaiter(req) {
		req.complete(Canceled, carterrors.CanceledErrorf("request canceled while wait-queued"))
		return nil
	}
	return c.transport.Cancel(req)
}

// ForceTimeout hoists req to the timeout heap's root so the next
// Progress pass runs the timeout handler on it (§4.9 "force_timeout(req)
// is a convenience that sets deadline_us = 0 atomically under ctx_mu").
func (c *Context) ForceTimeout(req *Request) {
	c.mu.Lock()
	if req.InHeap() {
		c.heap.ForceExpire(req)
	} else {
		req.deadlineUS = 0
	}
	c.mu.Unlock()
}

// MarkEvicted records that rank is no longer addressable, per the
// group-membership layer's eviction notification. Consulted by the
// timeout handler (§4.9) so that a reset-timer request's deadline is not
// renewed; the expired request then takes the ordinary timeout path.
func (c *Context) MarkEvicted(rank uint32) error {
	c.mu.Lock()
	epi, ok := c.epiTable.Lookup(rank)
	c.mu.Unlock()
	if !ok {
		return carterrors.InvalidErrorf("rank=%d has no tracked endpoint", rank)
	}
	epi.MarkEvicted()
	epi.Release()
	return nil
}

// Progress runs the loop in §4.7. timeoutUs == 0 performs exactly one
// iteration (the fast path); TimeoutInfinite loops until cond reports
// done; a positive value bounds the total wait. cond may be nil, in
// which case a single iteration always runs regardless of timeoutUs.
func (c *Context) Progress(timeoutUs int64, cond CondFunc) error {
	if cond != nil {
		done, err := cond()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}

	start := c.nowUS()
	for {
		expired := c.timeoutScan()

		if c.idx == 0 {
			c.hooks.fireProgress()
		}

		if err := c.transport.Progress(effectiveIterationUS(timeoutUs)); err != nil {
			if carterrors.ErrorCode(err) != carterrors.CodeTimeout {
				return err
			}
		}

		for _, req := range expired {
			c.hooks.fireTimeout(req)
			c.handleTimeout(req)
			req.release() // drops the ref timeoutScan bumped before removing from the heap
		}

		if cond == nil || timeoutUs == 0 {
			return nil
		}

		done, err := cond()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if timeoutUs > 0 && c.nowUS()-start >= timeoutUs {
			return carterrors.TimeoutErrorf("progress did not complete within %d us", timeoutUs)
		}
	}
}

// effectiveIterationUS caps the per-iteration Transport.Progress budget
// per §4.7 step 6.
func effectiveIterationUS(timeoutUs int64) int64 {
	switch {
	case timeoutUs == 0:
		return 0
	case timeoutUs < 0:
		return maxInfiniteIterationUS
	case timeoutUs > maxFiniteIterationUS:
		return maxFiniteIterationUS
	default:
		return timeoutUs
	}
}

// timeoutScan extracts every request whose deadline has elapsed, bumping
// each one's refcount before unlinking it from the heap so the request
// cannot be freed while the caller walks the expired list outside the
// lock (§4.7 step 2, mirroring the original's addref-then-untrack order).
func (c *Context) timeoutScan() []*Request {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowUS()
	var expired []*Request
	for {
		req := c.heap.Peek()
		if req == nil || req.DeadlineUS() > now {
			break
		}
		req.addRef()
		c.heap.Remove(req)
		expired = append(expired, req)
	}
	return expired
}

// handleTimeout runs the §4.9 dispatch for one expired request.
func (c *Context) handleTimeout(req *Request) {
	c.mu.Lock()
	epi := req.epLink
	evicted := epi != nil && epi.IsEvicted()
	state := req.State()
	resetEligible := req.ResetTimer && !evicted && state != Canceled && state != Completed
	if resetEligible {
		req.deadlineUS = c.nowUS() + c.timeoutUS()
		c.heap.Insert(req)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.metrics.incTimedOut(req.Endpoint.Rank)

	switch state {
	case UriLookup, AddrLookup:
		// req was never admitted into an EPI (it bypasses EPI while its
		// address is being resolved), so there is nothing to untrack:
		// abort whichever lookup sub-request is outstanding and let its
		// own completion callback drive req to FwdUnreach via
		// completeParent.
		c.mu.Lock()
		sub := req.lookupSub
		c.mu.Unlock()
		if sub == nil {
			return
		}
		if err := c.transport.Cancel(sub); err != nil {
			c.cfg.logger.Warn("transport cancel failed for timed-out lookup sub-request", zap.Error(err))
		}
	default:
		// Eviction only ever disables the reset-timer renewal above; the
		// plain-timeout path distinguishes solely on whether the
		// transport still owns the request (§4.9 default case).
		if req.OnWire() {
			// The transport remains responsible for producing a final
			// completion (§4.9 default case).
			if err := c.transport.Cancel(req); err != nil {
				c.cfg.logger.Warn("transport cancel failed on timeout", zap.Error(err))
			}
			return
		}
		st := Timeout
		promoted := c.untrack(req, &st)
		c.dispatchPromoted(promoted)
		req.complete(Timeout, carterrors.TimeoutErrorf("rank=%d timed out before dispatch", req.Endpoint.Rank))
	}
}

// completeParent finishes sub.Parent (the request whose address
// resolution sub-protocol sub belongs to) with status, bypassing the
// EPI-oriented untrack path since a request awaiting address resolution
// is never admitted into an EPI (it sits in the heap directly). Guards
// against completing an already-terminal parent, since a lookup
// sub-request's failure callback can race a direct cancel of the parent.
func (c *Context) completeParent(sub *Request, status error) {
	parent := sub.Parent
	if parent == nil {
		return
	}
	sub.Parent = nil

	c.mu.Lock()
	if parent.State().IsTerminal() {
		c.mu.Unlock()
		return
	}
	if parent.InHeap() {
		c.heap.Remove(parent)
	}
	parent.lookupSub = nil
	c.mu.Unlock()

	parent.complete(FwdUnreach, status)
}

// Destroy tears the context down (§4.5 "destroy(force)"): traverses
// EpiTable calling EPI::abort(force, wait=force), fires Canceled on every
// drained waiter, asks the transport to cancel every still-inflight
// request, polls Progress until both queues empty (bounded by
// 2*default_timeout) when force is set, destroys the EpiTable, closes
// the transport, and removes itself from the registry.
func (c *Context) Destroy(force bool) error {
	if !c.destroyed.CompareAndSwap(false, true) {
		return carterrors.InvalidErrorf("context %d already destroyed", c.idx)
	}

	start := c.nowUS()
	bound := 2 * DefaultTimeout.Microseconds()
	flags := AbortFlags{Force: force, Wait: force}

	var waiters, inflight []*Request
	c.mu.Lock()
	err := c.epiTable.Traverse(func(epi *EndpointInflight) error {
		w, ifl, aerr := epi.abortDrain(flags)
		if aerr != nil {
			return aerr
		}
		waiters = append(waiters, w...)
		inflight = append(inflight, ifl...)
		return nil
	})
	c.mu.Unlock()
	if err != nil {
		c.destroyed.Store(false)
		return err
	}

	for _, req := range waiters {
		c.mu.Lock()
		if req.InHeap() {
			c.heap.Remove(req)
		}
		c.mu.Unlock()
		req.complete(Canceled, carterrors.CanceledErrorf("context %d destroyed", c.idx))
	}

	var errs error
	for _, req := range inflight {
		if cerr := c.transport.Cancel(req); cerr != nil {
			errs = multierr.Append(errs, cerr)
		}
	}

	if flags.Wait {
		for {
			drained := true
			c.mu.Lock()
			_ = c.epiTable.Traverse(func(epi *EndpointInflight) error {
				if !epi.isDrained() {
					drained = false
				}
				return nil
			})
			c.mu.Unlock()
			if drained {
				break
			}
			if c.nowUS()-start > bound {
				return multierr.Append(errs, carterrors.TimeoutErrorf("context %d did not drain within %d us", c.idx, bound))
			}
			if perr := c.Progress(maxInfiniteIterationUS, nil); perr != nil && carterrors.ErrorCode(perr) != carterrors.CodeTimeout {
				errs = multierr.Append(errs, perr)
			}
		}
	}

	c.mu.Lock()
	tErr := c.epiTable.Destroy(force)
	c.mu.Unlock()
	if tErr != nil {
		return multierr.Append(errs, tErr)
	}

	if cerr := c.closeOnce.Stop(c.transport.Close); cerr != nil {
		errs = multierr.Append(errs, cerr)
	}
	c.registry.Remove(c.idx)
	return errs
}

// abortEndpoint forcefully cancels every request for rank on this
// context, for EpAbort's per-context broadcast (§4.5 "Endpoint-wide
// abort").
func (c *Context) abortEndpoint(rank uint32) error {
	c.mu.Lock()
	epi, ok := c.epiTable.Lookup(rank)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	defer epi.Release()

	waiters, inflight, err := epi.abortDrain(AbortFlags{Force: true})
	if err != nil {
		return err
	}
	for _, req := range waiters {
		c.mu.Lock()
		if req.InHeap() {
			c.heap.Remove(req)
		}
		c.mu.Unlock()
		req.complete(Canceled, carterrors.CanceledErrorf("endpoint rank=%d aborted", rank))
	}
	var errs error
	for _, req := range inflight {
		if cerr := c.transport.Cancel(req); cerr != nil {
			errs = multierr.Append(errs, cerr)
		}
	}
	return errs
}

// EpAbort forcefully cancels every request addressed to rank across
// every context in registry (§4.5 "ep_abort(rank)"): it takes a snapshot
// of the registered contexts under the registry read lock, then, with no
// registry lock held, locates each context's EPI for rank, force-aborts
// it, and releases the lookup ref. Per-context failures are aggregated with
// multierr rather than stopping at the first one, so a bad cancel on one
// context's transport never masks failures on the others.
func EpAbort(registry *ContextRegistry, rank uint32) error {
	var errs error
	for _, ctx := range registry.List() {
		if err := ctx.abortEndpoint(rank); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}
