package cart

import (
	"strconv"
	"sync"

	"go.uber.org/net/metrics"
)

// contextMetrics mirrors the teacher's internal/observability
// registration-once pattern (internal/observability/public.go): counters
// are created once, at construction, against an injected *metrics.Scope
// and are safe to use as no-ops when no scope was configured.
type contextMetrics struct {
	once sync.Once

	admitted   *metrics.CounterVector // tags: rank
	waitQueued *metrics.CounterVector // tags: rank
	promoted   *metrics.CounterVector // tags: rank
	completed  *metrics.CounterVector // tags: rank, state
	timedOut   *metrics.CounterVector // tags: rank
	inflight   *metrics.GaugeVector   // tags: rank
	waiting    *metrics.GaugeVector   // tags: rank
}

func newContextMetrics(scope *metrics.Scope) *contextMetrics {
	m := &contextMetrics{}
	if scope == nil {
		return m
	}
	m.once.Do(func() {
		m.admitted, _ = scope.CounterVector(metrics.Spec{
			Name:      "cart_requests_admitted",
			Help:      "Total number of requests admitted to an endpoint's inflight queue.",
			ConstTags: map[string]string{"component": "cart-context"},
			VarTags:   []string{"rank"},
		})
		m.waitQueued, _ = scope.CounterVector(metrics.Spec{
			Name:      "cart_requests_wait_queued",
			Help:      "Total number of requests parked on an endpoint's wait queue.",
			ConstTags: map[string]string{"component": "cart-context"},
			VarTags:   []string{"rank"},
		})
		m.promoted, _ = scope.CounterVector(metrics.Spec{
			Name:      "cart_requests_promoted",
			Help:      "Total number of wait-queued requests promoted to inflight.",
			ConstTags: map[string]string{"component": "cart-context"},
			VarTags:   []string{"rank"},
		})
		m.completed, _ = scope.CounterVector(metrics.Spec{
			Name:      "cart_requests_completed",
			Help:      "Total number of requests completed through Context.Complete; other terminal paths are not counted.",
			ConstTags: map[string]string{"component": "cart-context"},
			VarTags:   []string{"rank", "state"},
		})
		m.timedOut, _ = scope.CounterVector(metrics.Spec{
			Name:      "cart_requests_timed_out",
			Help:      "Total number of expired requests whose timer was not renewed.",
			ConstTags: map[string]string{"component": "cart-context"},
			VarTags:   []string{"rank"},
		})
		m.inflight, _ = scope.GaugeVector(metrics.Spec{
			Name:      "cart_endpoint_inflight",
			Help:      "Current inflight request count for an endpoint.",
			ConstTags: map[string]string{"component": "cart-context"},
			VarTags:   []string{"rank"},
		})
		m.waiting, _ = scope.GaugeVector(metrics.Spec{
			Name:      "cart_endpoint_waiting",
			Help:      "Current wait-queue depth for an endpoint.",
			ConstTags: map[string]string{"component": "cart-context"},
			VarTags:   []string{"rank"},
		})
	})
	return m
}

func rankTag(rank uint32) string {
	return strconv.FormatUint(uint64(rank), 10)
}

func (m *contextMetrics) incAdmitted(rank uint32) {
	if m.admitted == nil {
		return
	}
	if c, err := m.admitted.Get("rank", rankTag(rank)); err == nil {
		c.Inc()
	}
}

func (m *contextMetrics) incWaitQueued(rank uint32) {
	if m.waitQueued == nil {
		return
	}
	if c, err := m.waitQueued.Get("rank", rankTag(rank)); err == nil {
		c.Inc()
	}
}

func (m *contextMetrics) incPromoted(rank uint32) {
	if m.promoted == nil {
		return
	}
	if c, err := m.promoted.Get("rank", rankTag(rank)); err == nil {
		c.Inc()
	}
}

func (m *contextMetrics) incCompleted(rank uint32, state State) {
	if m.completed == nil {
		return
	}
	if c, err := m.completed.Get("rank", rankTag(rank), "state", state.String()); err == nil {
		c.Inc()
	}
}

func (m *contextMetrics) incTimedOut(rank uint32) {
	if m.timedOut == nil {
		return
	}
	if c, err := m.timedOut.Get("rank", rankTag(rank)); err == nil {
		c.Inc()
	}
}

func (m *contextMetrics) setInflight(rank uint32, v int64) {
	if m.inflight == nil {
		return
	}
	if g, err := m.inflight.Get("rank", rankTag(rank)); err == nil {
		g.Set(v)
	}
}

func (m *contextMetrics) setWaiting(rank uint32, v int64) {
	if m.waiting == nil {
		return
	}
	if g, err := m.waiting.Get("rank", rankTag(rank)); err == nil {
		g.Set(v)
	}
}
