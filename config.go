package cart

import (
	"time"

	"go.uber.org/net/metrics"
	"go.uber.org/zap"
)

const (
	// defaultTimeoutSec is CRT_DEFAULT_TIMEOUT_SEC from the original
	// implementation: the per-request deadline used when a context does
	// not override it (§6 timeout_sec).
	defaultTimeoutSec = 60

	// defaultCreditEpCtx is cg_credit_ep_ctx's default: the number of
	// concurrently inflight requests an EPI admits before parking
	// further requests on its wait queue. 0 disables flow control.
	defaultCreditEpCtx = 32
)

// DefaultTimeout is the duration form of defaultTimeoutSec, exposed for
// bound computations (e.g. 2*DefaultTimeout in Context.Destroy).
const DefaultTimeout = defaultTimeoutSec * time.Second

// config holds the resolved, immutable-after-construction settings for a
// Context, built from functional Options in the teacher's
// peer/abstractlist style (optionFunc over a private struct with
// package-level defaults).
type config struct {
	timeoutSec   int
	creditEpCtx  uint64
	logger       *zap.Logger
	metricsScope *metrics.Scope
}

func defaultConfig() config {
	return config{
		timeoutSec:  defaultTimeoutSec,
		creditEpCtx: defaultCreditEpCtx,
		logger:      zap.NewNop(),
	}
}

// Option customizes Context construction.
type Option interface {
	apply(*config)
}

type optionFunc func(*config)

func (f optionFunc) apply(c *config) { f(c) }

// WithTimeout overrides the per-request default deadline, in seconds
// (§6 context_set_timeout: "ctx, sec>0"). Values <= 0 are ignored.
func WithTimeout(sec int) Option {
	return optionFunc(func(c *config) {
		if sec > 0 {
			c.timeoutSec = sec
		}
	})
}

// WithCreditsPerEndpoint sets credit_ep_ctx, the process-wide per-EPI
// credit limit (§6). 0 disables flow control.
func WithCreditsPerEndpoint(n uint64) Option {
	return optionFunc(func(c *config) {
		c.creditEpCtx = n
	})
}

// WithLogger injects a *zap.Logger. Defaults to zap.NewNop().
func WithLogger(logger *zap.Logger) Option {
	return optionFunc(func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	})
}

// WithMetricsScope injects a *metrics.Scope for the counters described in
// metrics.go. Defaults to nil, which disables metrics emission.
func WithMetricsScope(scope *metrics.Scope) Option {
	return optionFunc(func(c *config) {
		c.metricsScope = scope
	})
}
