package cart

import "container/heap"

// TimeoutHeap is a binary min-heap of Requests keyed by deadlineUS, with
// ties broken by insertion order (§4.1). It is strictly internal to a
// Context: every method here must be called while holding that Context's
// ctx_mu, the same discipline the teacher's peer/pendingheap uses for its
// own heap (external lock, heap.Interface implemented on an unexported
// slice type).
type TimeoutHeap struct {
	reqs []*Request
	next int64 // insertion sequence, for stable tie-breaking
}

// NewTimeoutHeap constructs an empty heap.
func NewTimeoutHeap() *TimeoutHeap {
	return &TimeoutHeap{}
}

// Len reports the number of requests currently tracked.
func (h *TimeoutHeap) Len() int { return len(h.reqs) }

// Insert adds req to the heap, marking it in_heap and bumping its
// refcount (§4.1). Re-inserting an already-linked request is a no-op, so
// that the timer-reset path (§4.9 step 1 / §9 "heap reinsertion after
// reset") can call Insert unconditionally after Remove without risking a
// double count.
func (h *TimeoutHeap) Insert(req *Request) {
	if req.inHeap.Load() {
		return
	}
	req.inHeap.Store(true)
	req.addRef()
	h.next++
	req.heapSeq = h.next
	heap.Push(h, req)
}

// Remove unlinks req from the heap if present, clearing in_heap and
// dropping the matching reference. Safe to call on a request that is not
// currently in the heap.
func (h *TimeoutHeap) Remove(req *Request) {
	if !req.inHeap.Load() || req.heapIndex < 0 || req.heapIndex >= len(h.reqs) {
		return
	}
	heap.Remove(h, req.heapIndex)
	req.inHeap.Store(false)
	req.heapIndex = -1
	req.release()
}

// Peek returns the root of the heap (the request with the smallest
// deadline) without mutating anything, or nil if the heap is empty.
func (h *TimeoutHeap) Peek() *Request {
	if len(h.reqs) == 0 {
		return nil
	}
	return h.reqs[0]
}

// ForceExpire hoists req to the root by clearing its deadline and
// reinserting it, per §4.1: "equivalent to remove + set deadline_us = 0 +
// insert, used to hoist an unreachable request to the root."
func (h *TimeoutHeap) ForceExpire(req *Request) {
	h.Remove(req)
	req.deadlineUS = 0
	h.Insert(req)
}

// heap.Interface implementation. Every method below must only be
// reached while the owning Context's ctx_mu is held (via Insert/Remove/
// ForceExpire above); the heap never takes its own lock.

func (h *TimeoutHeap) Less(i, j int) bool {
	a, b := h.reqs[i], h.reqs[j]
	if a.deadlineUS == b.deadlineUS {
		return a.heapSeq < b.heapSeq
	}
	return a.deadlineUS < b.deadlineUS
}

func (h *TimeoutHeap) Swap(i, j int) {
	h.reqs[i], h.reqs[j] = h.reqs[j], h.reqs[i]
	h.reqs[i].heapIndex = i
	h.reqs[j].heapIndex = j
}

func (h *TimeoutHeap) Push(x interface{}) {
	req := x.(*Request)
	req.heapIndex = len(h.reqs)
	h.reqs = append(h.reqs, req)
}

func (h *TimeoutHeap) Pop() interface{} {
	n := len(h.reqs)
	last := h.reqs[n-1]
	h.reqs[n-1] = nil
	h.reqs = h.reqs[:n-1]
	return last
}
