package cart_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	cart "github.com/daos-stack/cart-go"
	"github.com/daos-stack/cart-go/carterrors"
	"github.com/daos-stack/cart-go/carttest"
	"github.com/daos-stack/cart-go/internal/clock"
)

func newTestContext(t *testing.T, opts ...cart.Option) (*cart.Context, *carttest.FakeTransport, *clock.FakeClock) {
	t.Helper()
	registry := cart.NewContextRegistry(0)
	tp := carttest.NewFakeTransport()
	fc := clock.NewFake()

	ctx, err := cart.NewContext(registry, tp, nil, fc, opts...)
	require.NoError(t, err)
	tp.Bind(ctx)
	return ctx, tp, fc
}

// Scenario 1: credit parking.
func TestTrackCreditParking(t *testing.T) {
	ctx, tp, _ := newTestContext(t, cart.WithCreditsPerEndpoint(2))

	var reqs []*cart.Request
	var results []cart.TrackResult
	for i := 0; i < 5; i++ {
		req := cart.NewRequest(1, cart.Endpoint{Rank: 3}, nil, nil)
		reqs = append(reqs, req)
		result, err := ctx.Track(req)
		require.NoError(t, err)
		results = append(results, result)
	}

	assert.Equal(t, []cart.TrackResult{
		cart.TrackInflightQ, cart.TrackInflightQ,
		cart.TrackWaitQ, cart.TrackWaitQ, cart.TrackWaitQ,
	}, results)
	assert.Len(t, tp.Sent(), 2)

	// Completing request 1 should promote request 3.
	tp.Complete(reqs[0], nil)
	assert.Contains(t, tp.Sent(), reqs[2])

	tp.Complete(reqs[1], nil)
	assert.Contains(t, tp.Sent(), reqs[3])

	tp.Complete(reqs[2], nil)
	tp.Complete(reqs[3], nil)
	tp.Complete(reqs[4], nil)
	assert.Len(t, tp.Sent(), 5)
}

// Scenario 4: URI_LOOKUP bypass.
func TestTrackURILookupBypassesEPI(t *testing.T) {
	ctx, tp, _ := newTestContext(t)

	req := cart.NewRequest(cart.OpcodeURILookup, cart.Endpoint{Rank: 42}, nil, nil)
	result, err := ctx.Track(req)
	require.NoError(t, err)
	assert.Equal(t, cart.TrackInflightQ, result)
	assert.Len(t, tp.Sent(), 1)
	assert.Equal(t, cart.Sent, req.State())
}

// NeedsURILookup drives req through the UriLookup/AddrLookup
// sub-protocol (§4.4) via two internal sub-requests before EPI admission.
func TestTrackWithLookupChainAdmitsOnSuccess(t *testing.T) {
	ctx, tp, _ := newTestContext(t)

	req := cart.NewRequest(1, cart.Endpoint{Rank: 5}, nil, nil)
	req.NeedsURILookup = true

	result, err := ctx.Track(req)
	require.NoError(t, err)
	assert.Equal(t, cart.TrackInflightQ, result)
	assert.Equal(t, cart.UriLookup, req.State())
	require.Len(t, tp.Sent(), 1)

	uriSub := tp.Sent()[0]
	tp.Complete(uriSub, nil)
	assert.Equal(t, cart.AddrLookup, req.State())
	require.Len(t, tp.Sent(), 2)

	addrSub := tp.Sent()[1]
	tp.Complete(addrSub, nil)

	assert.Equal(t, cart.Sent, req.State())
	require.Len(t, tp.Sent(), 3)
	assert.Same(t, req, tp.Sent()[2])
}

// A lookup sub-request failure completes the parent FwdUnreach through
// Parent/completeParent rather than leaving it stuck.
func TestTrackWithLookupChainFailurePropagatesToParent(t *testing.T) {
	ctx, tp, _ := newTestContext(t)

	var completed error
	req := cart.NewRequest(1, cart.Endpoint{Rank: 6}, nil, func(_ *cart.Request, status error) {
		completed = status
	})
	req.NeedsURILookup = true

	_, err := ctx.Track(req)
	require.NoError(t, err)
	require.Len(t, tp.Sent(), 1)

	uriSub := tp.Sent()[0]
	tp.Complete(uriSub, carterrors.UnreachErrorf("no route"))

	assert.Equal(t, cart.FwdUnreach, req.State())
	require.Error(t, completed)
	assert.Equal(t, carterrors.CodeUnreach, carterrors.ErrorCode(completed))
}

// A parent stuck in UriLookup/AddrLookup past its deadline aborts its
// outstanding lookup sub-request rather than the (unsent) parent itself.
func TestTrackWithLookupTimeoutCancelsSubRequest(t *testing.T) {
	ctx, tp, fc := newTestContext(t, cart.WithTimeout(1))

	req := cart.NewRequest(1, cart.Endpoint{Rank: 7}, nil, nil)
	req.NeedsURILookup = true

	_, err := ctx.Track(req)
	require.NoError(t, err)
	require.Len(t, tp.Sent(), 1)
	uriSub := tp.Sent()[0]

	fc.Add(2 * time.Second)
	require.NoError(t, ctx.Progress(0, nil))

	assert.Contains(t, tp.Canceled(), uriSub)
	assert.Equal(t, cart.FwdUnreach, req.State())
}

// Scenario 2: timer renewal, then eviction stops renewal. Eviction only
// ever disables the reset-timer decision (§4.9 step 1): the request still
// falls through to the default on-wire timeout path afterwards, which asks
// the transport to cancel it rather than forcing FwdUnreach directly.
func TestTimerRenewalThenEviction(t *testing.T) {
	ctx, tp, fc := newTestContext(t, cart.WithTimeout(1))

	var completed error
	var completeCalled bool
	req := cart.NewRequest(1, cart.Endpoint{Rank: 9}, nil, func(r *cart.Request, status error) {
		completeCalled = true
		completed = status
	})
	req.ResetTimer = true

	_, err := ctx.Track(req)
	require.NoError(t, err)

	fc.Add(2 * time.Second)
	require.NoError(t, ctx.Progress(0, nil))
	assert.False(t, completeCalled, "reset-timer request must not complete on first expiry")
	assert.Equal(t, cart.Sent, req.State())

	// Evict the rank, then let the renewed deadline expire again.
	evictRank(t, ctx, 9)
	fc.Add(2 * time.Second)
	require.NoError(t, ctx.Progress(0, nil))

	require.True(t, completeCalled)
	assert.Contains(t, tp.Canceled(), req)
	assert.Equal(t, cart.Canceled, req.State())
	assert.Equal(t, carterrors.CodeCanceled, carterrors.ErrorCode(completed))
}

// evictRank mimics the group-membership collaborator's out-of-band
// eviction notification for rank.
func evictRank(t *testing.T, ctx *cart.Context, rank uint32) {
	t.Helper()
	require.NoError(t, ctx.MarkEvicted(rank))
}

// Scenario 3: force abort drains every EPI and completes every request.
func TestDestroyForceCancelsEverything(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, _, _ := newTestContext(t, cart.WithCreditsPerEndpoint(0))

	var reqs []*cart.Request
	var completions int
	for rank := uint32(0); rank < 3; rank++ {
		for i := 0; i < 10/3+1; i++ {
			if len(reqs) == 10 {
				break
			}
			req := cart.NewRequest(1, cart.Endpoint{Rank: rank}, nil, func(r *cart.Request, status error) {
				completions++
			})
			reqs = append(reqs, req)
			_, err := ctx.Track(req)
			require.NoError(t, err)
		}
	}
	require.Len(t, reqs, 10)

	require.NoError(t, ctx.Destroy(true))
	assert.Equal(t, 10, completions)
	for _, req := range reqs {
		assert.Equal(t, cart.Canceled, req.State())
	}
}

// Scenario 5: ep_abort reaches every context for the target rank only.
func TestEpAbortCrossContextTargetsOnlyMatchingRank(t *testing.T) {
	registry := cart.NewContextRegistry(0)
	tp1 := carttest.NewFakeTransport()
	tp2 := carttest.NewFakeTransport()
	fc := clock.NewFake()

	ctx1, err := cart.NewContext(registry, tp1, nil, fc)
	require.NoError(t, err)
	tp1.Bind(ctx1)
	ctx2, err := cart.NewContext(registry, tp2, nil, fc)
	require.NoError(t, err)
	tp2.Bind(ctx2)

	var rank7, rank8 []*cart.Request
	for _, ctx := range []*cart.Context{ctx1, ctx2} {
		for i := 0; i < 3; i++ {
			req := cart.NewRequest(1, cart.Endpoint{Rank: 7}, nil, nil)
			rank7 = append(rank7, req)
			_, err := ctx.Track(req)
			require.NoError(t, err)
		}
		req := cart.NewRequest(1, cart.Endpoint{Rank: 8}, nil, nil)
		rank8 = append(rank8, req)
		_, err := ctx.Track(req)
		require.NoError(t, err)
	}

	require.NoError(t, cart.EpAbort(registry, 7))

	for _, req := range rank7 {
		assert.Equal(t, cart.Canceled, req.State())
	}
	for _, req := range rank8 {
		assert.NotEqual(t, cart.Canceled, req.State())
	}
}

// Cancel on a wait-queued request completes it synchronously (§5 "if in
// wait_q, synchronously complete with Canceled").
func TestCancelWaitQueuedRequestCompletesSynchronously(t *testing.T) {
	ctx, _, _ := newTestContext(t, cart.WithCreditsPerEndpoint(1))

	admitted := cart.NewRequest(1, cart.Endpoint{Rank: 1}, nil, nil)
	_, err := ctx.Track(admitted)
	require.NoError(t, err)

	var completed error
	waiter := cart.NewRequest(1, cart.Endpoint{Rank: 1}, nil, func(_ *cart.Request, status error) {
		completed = status
	})
	result, err := ctx.Track(waiter)
	require.NoError(t, err)
	require.Equal(t, cart.TrackWaitQ, result)

	require.NoError(t, ctx.Cancel(waiter))
	assert.Equal(t, cart.Canceled, waiter.State())
	require.Error(t, completed)
	assert.Equal(t, carterrors.CodeCanceled, carterrors.ErrorCode(completed))

	// Idempotent: the request is already terminal, so a second Cancel
	// reports an error instead of re-entering the transport and
	// double-firing the completion callback.
	assert.Error(t, ctx.Cancel(waiter))
}

// Cancel on an inflight (on-wire) request delegates to the transport,
// which is responsible for the eventual completion (§5 "if inflight,
// request transport cancel").
func TestCancelInflightRequestDelegatesToTransport(t *testing.T) {
	ctx, tp, _ := newTestContext(t)

	req := cart.NewRequest(1, cart.Endpoint{Rank: 2}, nil, nil)
	_, err := ctx.Track(req)
	require.NoError(t, err)

	require.NoError(t, ctx.Cancel(req))
	assert.Contains(t, tp.Canceled(), req)
	assert.Equal(t, cart.Canceled, req.State())
}

// ForceTimeout hoists req to the heap root so the very next Progress pass
// runs the timeout handler on it (§4.9 "force_timeout(req)").
func TestForceTimeoutRunsHandlerOnNextProgress(t *testing.T) {
	ctx, tp, _ := newTestContext(t, cart.WithTimeout(3600))

	req := cart.NewRequest(1, cart.Endpoint{Rank: 4}, nil, nil)
	_, err := ctx.Track(req)
	require.NoError(t, err)
	require.Empty(t, tp.Canceled())

	ctx.ForceTimeout(req)
	require.NoError(t, ctx.Progress(0, nil))

	assert.Contains(t, tp.Canceled(), req)
}

func TestSetTimeoutRejectsNonPositive(t *testing.T) {
	ctx, _, _ := newTestContext(t)
	assert.Error(t, ctx.SetTimeout(0))
	assert.Error(t, ctx.SetTimeout(-1))
	assert.NoError(t, ctx.SetTimeout(5))
}

func TestTrackAfterDestroyIsInvalid(t *testing.T) {
	ctx, _, _ := newTestContext(t)
	require.NoError(t, ctx.Destroy(true))

	req := cart.NewRequest(1, cart.Endpoint{Rank: 1}, nil, nil)
	_, err := ctx.Track(req)
	require.Error(t, err)
	assert.Equal(t, carterrors.CodeInvalid, carterrors.ErrorCode(err))
}
