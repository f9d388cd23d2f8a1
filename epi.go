package cart

import (
	"container/list"
	"sync"

	"go.uber.org/atomic"

	"github.com/daos-stack/cart-go/carterrors"
)

// Admission is the outcome of EndpointInflight.Admit (§4.2).
type Admission int

const (
	// Admitted means the request was appended to the inflight queue and
	// dispatched.
	Admitted Admission = iota
	// WaitQueued means the request was parked on the wait queue because
	// the endpoint is at its credit limit.
	WaitQueued
)

// AbortFlags controls EndpointInflight.abortDrain (§4.2, original CaRT's
// CRT_EPI_ABORT_FORCE/CRT_EPI_ABORT_WAIT bits).
type AbortFlags struct {
	// Force cancels every queued and inflight request instead of
	// failing with Busy.
	Force bool
	// Wait polls Context.Progress until both queues drain, bounded by
	// 2*default_timeout. Only meaningful with Force.
	Wait bool
}

// EndpointInflight (EPI) holds the per-(context, rank) admission state:
// the inflight and waiting queues, the credit accounting, and the
// refcount that lets EpiTable share entries across concurrent lookups
// (§3 "EndpointInflight (EPI)").
type EndpointInflight struct {
	Rank uint32

	mutex sync.Mutex
	reqQ  *list.List // *Request, admitted (inflight)
	waitQ *list.List // *Request, parked

	reqNum   uint64
	replyNum uint64
	waitNum  uint64

	creditLimit uint64 // 0 disables flow control

	refcount atomic.Int32

	evicted atomic.Bool

	ctx *Context
}

func newEndpointInflight(ctx *Context, rank uint32, creditLimit uint64) *EndpointInflight {
	epi := &EndpointInflight{
		Rank:        rank,
		reqQ:        list.New(),
		waitQ:       list.New(),
		creditLimit: creditLimit,
		ctx:         ctx,
	}
	epi.refcount.Store(1)
	return epi
}

// Inflight returns req_num - reply_num, the number of requests currently
// admitted and not yet completed (E1 guarantees this is never negative).
func (e *EndpointInflight) Inflight() uint64 {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.inflightLocked()
}

func (e *EndpointInflight) inflightLocked() uint64 {
	return e.reqNum - e.replyNum
}

// WaitNum returns the current wait-queue depth.
func (e *EndpointInflight) WaitNum() uint64 {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.waitNum
}

// IsEvicted reports whether the group layer has marked this rank
// permanently unreachable (SPEC_FULL "Endpoint eviction").
func (e *EndpointInflight) IsEvicted() bool { return e.evicted.Load() }

// MarkEvicted records that the rank is no longer addressable. Consulted
// by the timeout handler's timer-reset decision (§4.9 step 1).
func (e *EndpointInflight) MarkEvicted() { e.evicted.Store(true) }

// addRef bumps the EPI's refcount; pairs with Release. EpiTable.lookup
// calls this on every hit (§3 E-invariants, §4.3).
func (e *EndpointInflight) addRef() { e.refcount.Inc() }

// Release drops the EPI's refcount. Mandatory after every lookup
// (§5 "EPI refcount is bumped on every EpiTable::lookup; drop is
// mandatory via release(handle)").
func (e *EndpointInflight) Release() { e.refcount.Dec() }

// Admit appends req to the inflight queue if flow control is disabled or
// there is spare credit; otherwise it parks req on the wait queue (§4.2).
// Caller holds epi.mutex is NOT required: Admit takes it itself, since
// admission is always the entry point into this EPI for a given request.
func (e *EndpointInflight) Admit(req *Request) Admission {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.admitLocked(req)
}

func (e *EndpointInflight) admitLocked(req *Request) Admission {
	if e.creditLimit == 0 || e.inflightLocked() < e.creditLimit {
		req.state = Sent
		req.epLink = e
		elem := e.reqQ.PushBack(req)
		req.queueElem = elem
		req.addRef() // ref held by the EPI's inflight queue
		e.reqNum++
		e.reportDepthLocked()
		return Admitted
	}
	req.state = Queued
	req.epLink = e
	elem := e.waitQ.PushBack(req)
	req.queueElem = elem
	req.addRef() // ref held by the EPI's wait queue
	e.waitNum++
	e.reportDepthLocked()
	return WaitQueued
}

// reportDepthLocked publishes the current inflight/wait-queue depth
// gauges (SPEC_FULL "per-EPI inflight/wait-queue depth"). Caller holds
// e.mutex. A no-op when the owning Context was built without a metrics
// scope (e.ctx.metrics's gauges are then nil, per metrics.go).
func (e *EndpointInflight) reportDepthLocked() {
	if e.ctx == nil {
		return
	}
	e.ctx.metrics.setInflight(e.Rank, int64(e.inflightLocked()))
	e.ctx.metrics.setWaiting(e.Rank, int64(e.waitNum))
}

// Complete removes req from the inflight queue, bookkeeping req_num /
// reply_num depending on whether it reached Completed (§4.2 "complete").
func (e *EndpointInflight) Complete(req *Request) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.completeLocked(req)
}

func (e *EndpointInflight) completeLocked(req *Request) {
	if req.queueElem != nil && req.epLink == e {
		e.reqQ.Remove(req.queueElem)
		req.queueElem = nil
		req.release() // drops the ref the inflight queue held
	}
	if req.state == Completed {
		e.replyNum++
	} else {
		e.reqNum--
	}
	if e.reqNum < e.replyNum {
		panic("cart: EPI invariant violated: req_num < reply_num")
	}
	e.reportDepthLocked()
}

// PromoteWaiters pops waiters off the head of the wait queue (FIFO, §5
// "Ordering guarantees") while creditBudget allows, moving each to the
// inflight queue and refreshing its deadline in heap. The caller is
// responsible for re-dispatching the returned requests through the
// transport outside of any lock (§4.2 "Returned list is re-sent outside
// the lock").
func (e *EndpointInflight) PromoteWaiters(creditBudget int, heap *TimeoutHeap, nowUS, timeoutUS int64) []*Request {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	var promoted []*Request
	for creditBudget > 0 {
		front := e.waitQ.Front()
		if front == nil {
			break
		}
		req := front.Value.(*Request)
		e.waitQ.Remove(front)
		e.waitNum--

		req.state = Inited
		req.deadlineUS = nowUS + timeoutUS
		elem := e.reqQ.PushBack(req)
		req.queueElem = elem
		e.reqNum++

		heap.Insert(req)

		promoted = append(promoted, req)
		creditBudget--
	}
	if len(promoted) > 0 {
		e.reportDepthLocked()
	}
	return promoted
}

// abortDrain is the locked half of §4.2's abort(flags): without
// flags.Force it fails with Busy if either queue is non-empty; with Force
// it empties the wait queue and returns the waiters that must be completed
// with Canceled, plus the inflight requests that must be handed to
// Transport.Cancel. Inflight requests stay on the inflight queue until
// their completion removes them. flags.Wait is not consulted here: it governs whether
// the caller polls Context.Progress afterwards until both queues are
// empty again (see Context.Destroy), since that requires running the
// progress loop, which abortDrain has no access to. Firing callbacks and
// calling the transport must happen with no lock held (§5 "Callbacks
// must be invoked with no core locks held"), so that work is left to the
// caller — see Context.Destroy and Context.abortEndpoint.
func (e *EndpointInflight) abortDrain(flags AbortFlags) (waiters, inflight []*Request, err error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.reqQ.Len() == 0 && e.waitQ.Len() == 0 {
		return nil, nil, nil
	}
	if !flags.Force {
		return nil, nil, carterrors.BusyErrorf("endpoint rank=%d has %d inflight, %d waiting", e.Rank, e.reqQ.Len(), e.waitQ.Len())
	}

	for elem := e.waitQ.Front(); elem != nil; {
		next := elem.Next()
		req := elem.Value.(*Request)
		e.waitQ.Remove(elem)
		e.waitNum--
		req.queueElem = nil
		req.release() // drops the ref the wait queue held
		waiters = append(waiters, req)
		elem = next
	}
	for elem := e.reqQ.Front(); elem != nil; elem = elem.Next() {
		inflight = append(inflight, elem.Value.(*Request))
	}
	e.reportDepthLocked()
	return waiters, inflight, nil
}

// isDrained reports whether both queues are currently empty, used by the
// abort(wait=true) bounded retry loop (§4.2).
func (e *EndpointInflight) isDrained() bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.reqQ.Len() == 0 && e.waitQ.Len() == 0
}

// cancelWaiter removes req from the wait queue if it is currently parked
// there, for single-request cancel (§5 "cancel(req): if in wait_q,
// synchronously complete with Canceled"). Reports whether req was found
// waiting; a false result means req has already been admitted or is no
// longer linked to this EPI, and the caller should fall back to the
// transport-cancel path instead.
func (e *EndpointInflight) cancelWaiter(req *Request) bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if req.queueElem == nil || req.epLink != e || req.state != Queued {
		return false
	}
	e.waitQ.Remove(req.queueElem)
	req.queueElem = nil
	e.waitNum--
	req.release()
	e.reportDepthLocked()
	return true
}
