package cart

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeoutHeapOrdersByDeadline(t *testing.T) {
	h := NewTimeoutHeap()

	r1 := NewRequest(1, Endpoint{}, nil, nil)
	r1.deadlineUS = 300
	r2 := NewRequest(1, Endpoint{}, nil, nil)
	r2.deadlineUS = 100
	r3 := NewRequest(1, Endpoint{}, nil, nil)
	r3.deadlineUS = 200

	h.Insert(r1)
	h.Insert(r2)
	h.Insert(r3)
	require.Equal(t, 3, h.Len())

	var order []int64
	for h.Len() > 0 {
		root := h.Peek()
		order = append(order, root.DeadlineUS())
		h.Remove(root)
	}
	assert.Equal(t, []int64{100, 200, 300}, order)
}

func TestTimeoutHeapTiesBrokenByInsertionOrder(t *testing.T) {
	h := NewTimeoutHeap()
	r1 := NewRequest(1, Endpoint{}, nil, nil)
	r2 := NewRequest(1, Endpoint{}, nil, nil)
	r1.deadlineUS = 50
	r2.deadlineUS = 50

	h.Insert(r1)
	h.Insert(r2)

	assert.Same(t, r1, h.Peek())
	h.Remove(r1)
	assert.Same(t, r2, h.Peek())
}

func TestTimeoutHeapInsertIsIdempotent(t *testing.T) {
	h := NewTimeoutHeap()
	req := NewRequest(1, Endpoint{}, nil, nil)

	h.Insert(req)
	require.EqualValues(t, 2, req.RefCount()) // caller + heap
	h.Insert(req)
	assert.EqualValues(t, 2, req.RefCount(), "re-insertion must be a no-op")
	assert.Equal(t, 1, h.Len())
}

func TestTimeoutHeapRemoveDropsRefAndIsSafeWhenAbsent(t *testing.T) {
	h := NewTimeoutHeap()
	req := NewRequest(1, Endpoint{}, nil, nil)

	h.Remove(req) // not present: no-op
	assert.EqualValues(t, 1, req.RefCount())

	h.Insert(req)
	h.Remove(req)
	assert.EqualValues(t, 1, req.RefCount())
	assert.False(t, req.InHeap())

	h.Remove(req) // already removed: no-op
	assert.EqualValues(t, 1, req.RefCount())
}

func TestTimeoutHeapForceExpireHoistsToRoot(t *testing.T) {
	h := NewTimeoutHeap()
	low := NewRequest(1, Endpoint{}, nil, nil)
	low.deadlineUS = 10
	high := NewRequest(1, Endpoint{}, nil, nil)
	high.deadlineUS = 1000

	h.Insert(low)
	h.Insert(high)
	require.Same(t, low, h.Peek())

	h.ForceExpire(high)
	assert.Same(t, high, h.Peek())
	assert.EqualValues(t, 0, high.DeadlineUS())
}
