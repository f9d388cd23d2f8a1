package cart

import (
	"sync"

	"github.com/daos-stack/cart-go/carterrors"
)

// ContextRegistry is the process-wide set of live Contexts (§4.6, §3
// "ContextRegistry"). It is the only process-wide mutable structure this
// package keeps (§5 "Shared-resource policy"): contexts are otherwise
// independent, interacting only through abort broadcasts routed via the
// registry.
type ContextRegistry struct {
	mu sync.RWMutex

	byIdx  map[int]*Context
	nextID int

	maxCtx int // 0 means unbounded
}

// NewContextRegistry constructs a registry. maxCtx bounds the number of
// live contexts when the transport class is shared across them (§6
// "share_na flag enabling the registry cap"); 0 disables the bound.
func NewContextRegistry(maxCtx int) *ContextRegistry {
	return &ContextRegistry{
		byIdx:  make(map[int]*Context),
		maxCtx: maxCtx,
	}
}

// Add registers ctx under the next monotonically increasing index and
// returns it. Index reuse is not required (§4.6), so a destroyed
// context's index is never handed out again even if the registry later
// has room.
func (r *ContextRegistry) Add(newCtx func(idx int) (*Context, error)) (*Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxCtx > 0 && len(r.byIdx) >= r.maxCtx {
		return nil, carterrors.BusyErrorf("context registry is at its configured limit of %d", r.maxCtx)
	}

	idx := r.nextID
	ctx, err := newCtx(idx)
	if err != nil {
		return nil, err
	}
	r.nextID++
	r.byIdx[idx] = ctx
	return ctx, nil
}

// Remove drops ctx from the registry. Called once from Context.Destroy.
func (r *ContextRegistry) Remove(idx int) {
	r.mu.Lock()
	delete(r.byIdx, idx)
	r.mu.Unlock()
}

// LookupByIdx returns the context registered under idx, if any (§6
// context_lookup).
func (r *ContextRegistry) LookupByIdx(idx int) (*Context, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctx, ok := r.byIdx[idx]
	return ctx, ok
}

// List returns a snapshot of every registered context, in no particular
// order. Used by ep_abort to broadcast across contexts (§4.5).
func (r *ContextRegistry) List() []*Context {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Context, 0, len(r.byIdx))
	for _, ctx := range r.byIdx {
		out = append(out, ctx)
	}
	return out
}

// Count returns the number of live contexts (§6 context_num).
func (r *ContextRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIdx)
}

// Empty reports whether the registry currently holds no contexts.
func (r *ContextRegistry) Empty() bool {
	return r.Count() == 0
}
