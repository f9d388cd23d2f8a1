// Package carttest provides a deterministic, in-memory Transport for
// exercising Context without a real network stack, in the spirit of the
// teacher's api/transport/transporttest fakes.
package carttest

import (
	"context"
	"sync"

	cart "github.com/daos-stack/cart-go"
	"github.com/daos-stack/cart-go/carterrors"
)

// FakeTransport is a cart.Transport that records every call it receives
// instead of performing any I/O. Tests drive completions explicitly by
// calling Complete, simulating a reply arriving from the wire.
type FakeTransport struct {
	mu sync.Mutex

	ctx *cart.Context

	sendErr  error
	sent     []*cart.Request
	canceled []*cart.Request
	progress int
	closed   bool
}

// NewFakeTransport constructs an unbound fake transport. Bind must be
// called with the Context that owns it before Cancel can deliver a
// completion.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{}
}

// Bind associates the transport with the Context constructed around it,
// resolving the construction-order cycle (a Context needs a Transport to
// be built, but this fake needs the Context to call back into).
func (f *FakeTransport) Bind(ctx *cart.Context) {
	f.mu.Lock()
	f.ctx = ctx
	f.mu.Unlock()
}

// SetSendError makes every subsequent Send fail with err until cleared
// with SetSendError(nil).
func (f *FakeTransport) SetSendError(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

// Send records req and fails with the configured send error, if any.
func (f *FakeTransport) Send(_ context.Context, req *cart.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, req)
	return nil
}

// Cancel records req and immediately delivers a Canceled completion, as
// the real transport is required to eventually do (§4.9 "the transport
// is responsible for producing a final completion").
func (f *FakeTransport) Cancel(req *cart.Request) error {
	f.mu.Lock()
	f.canceled = append(f.canceled, req)
	ctx := f.ctx
	f.mu.Unlock()
	if ctx != nil {
		ctx.Complete(req, carterrors.CanceledErrorf("canceled by fake transport"))
	}
	return nil
}

// Progress records the call and returns immediately; tests drive
// completions directly via Complete rather than through this path.
func (f *FakeTransport) Progress(timeoutUs int64) error {
	f.mu.Lock()
	f.progress++
	f.mu.Unlock()
	return nil
}

// Close records that the transport was torn down.
func (f *FakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// Complete simulates a reply arriving for req, routing it through the
// bound Context exactly as a real transport would.
func (f *FakeTransport) Complete(req *cart.Request, status error) {
	f.mu.Lock()
	ctx := f.ctx
	f.mu.Unlock()
	ctx.Complete(req, status)
}

// Sent returns a snapshot of every request handed to Send.
func (f *FakeTransport) Sent() []*cart.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*cart.Request, len(f.sent))
	copy(out, f.sent)
	return out
}

// Canceled returns a snapshot of every request handed to Cancel.
func (f *FakeTransport) Canceled() []*cart.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*cart.Request, len(f.canceled))
	copy(out, f.canceled)
	return out
}

// ProgressCalls returns how many times Progress has been invoked.
func (f *FakeTransport) ProgressCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.progress
}

// Closed reports whether Close has been called.
func (f *FakeTransport) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
