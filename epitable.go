package cart

import (
	"github.com/daos-stack/cart-go/carterrors"
)

// EpiTable is a rank-keyed hash table of *EndpointInflight entries. It is
// never self-locking (§4.3 "the table is never self-locking, so all
// calls composing lookup + mutation are atomic"): every method here
// assumes the caller holds the owning Context's ctx_mu.
type EpiTable struct {
	m map[uint32]*EndpointInflight
}

// NewEpiTable constructs an empty table.
func NewEpiTable() *EpiTable {
	return &EpiTable{m: make(map[uint32]*EndpointInflight)}
}

// Lookup returns the EPI for rank, bumping its refcount on a hit. The
// caller must call Release on the returned EPI exactly once.
func (t *EpiTable) Lookup(rank uint32) (*EndpointInflight, bool) {
	epi, ok := t.m[rank]
	if ok {
		epi.addRef()
	}
	return epi, ok
}

// Insert adds epi under rank. It fails if an entry already exists for
// that rank (§4.3 "insert(rank, epi) is exclusive (fails on duplicate)").
func (t *EpiTable) Insert(rank uint32, epi *EndpointInflight) error {
	if _, exists := t.m[rank]; exists {
		return carterrors.InvalidErrorf("epi table already has an entry for rank=%d", rank)
	}
	t.m[rank] = epi
	return nil
}

// LookupOrCreate returns the existing EPI for rank, or creates, installs,
// and returns a fresh one (§4.5 "atomic EPI lookup-or-create under
// ctx_mu"). The returned EPI's refcount is bumped as by Lookup; the
// caller must Release it.
func (t *EpiTable) LookupOrCreate(ctx *Context, rank uint32, creditLimit uint64) *EndpointInflight {
	if epi, ok := t.Lookup(rank); ok {
		return epi
	}
	epi := newEndpointInflight(ctx, rank, creditLimit)
	t.m[rank] = epi
	epi.addRef() // ref returned to the caller, mirroring Lookup's hit path
	return epi
}

// Traverse calls fn for every entry. fn may remove the current entry via
// Remove; removing other entries mid-traversal is undefined (§4.3
// "entries may not be removed during traversal except by the callback
// itself").
func (t *EpiTable) Traverse(fn func(epi *EndpointInflight) error) error {
	for _, epi := range t.m {
		if err := fn(epi); err != nil {
			return err
		}
	}
	return nil
}

// Remove deletes the entry for rank without any refcount checks. Callers
// that need the force/non-force distinction should use Destroy.
func (t *EpiTable) Remove(rank uint32) {
	delete(t.m, rank)
}

// Len returns the number of entries currently installed.
func (t *EpiTable) Len() int { return len(t.m) }

// Destroy tears the table down. Non-force fails if any entry has
// refcount > 1 (i.e. is referenced by something beyond the table's own
// initial reference), per §4.3 "destroy(force) drops refs and frees
// entries; non-force fails if any entry has refcount > 1."
func (t *EpiTable) Destroy(force bool) error {
	if !force {
		for rank, epi := range t.m {
			if epi.refcount.Load() > 1 {
				return carterrors.BusyErrorf("epi table entry for rank=%d is still referenced (refcount=%d)", rank, epi.refcount.Load())
			}
		}
	}
	for rank := range t.m {
		delete(t.m, rank)
	}
	return nil
}
