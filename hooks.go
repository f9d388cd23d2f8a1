package cart

import "sync"

// ProgressFunc is a progress hook: invoked once per progress() iteration
// for context 0 only (§4.7 step 3).
type ProgressFunc func(arg interface{})

// TimeoutFunc is a timeout hook: invoked once per expired request before
// the timeout handler runs (§4.7 step 5).
type TimeoutFunc func(req *Request, arg interface{})

type progressHookEntry struct {
	fn  ProgressFunc
	arg interface{}
}

type timeoutHookEntry struct {
	fn  TimeoutFunc
	arg interface{}
}

// PluginHooks holds the two process-wide, reader/writer-locked lists of
// registered observer callbacks (§4.8). There is no removal API, matching
// the original: hooks are meant to be registered once at process startup.
type PluginHooks struct {
	progressMu sync.RWMutex
	progress   []progressHookEntry

	timeoutMu sync.RWMutex
	timeout   []timeoutHookEntry
}

// NewPluginHooks constructs an empty hook set. Most programs share a
// single process-wide instance by passing it to every NewContext call;
// tests construct their own to stay isolated.
func NewPluginHooks() *PluginHooks {
	return &PluginHooks{}
}

// RegisterProgress appends a progress hook. Safe to call while hooks are
// firing (§4.8 "new entries inserted during iteration are not visible in
// the same pass").
func (h *PluginHooks) RegisterProgress(fn ProgressFunc, arg interface{}) {
	h.progressMu.Lock()
	h.progress = append(h.progress, progressHookEntry{fn, arg})
	h.progressMu.Unlock()
}

// RegisterTimeout appends a timeout hook.
func (h *PluginHooks) RegisterTimeout(fn TimeoutFunc, arg interface{}) {
	h.timeoutMu.Lock()
	h.timeout = append(h.timeout, timeoutHookEntry{fn, arg})
	h.timeoutMu.Unlock()
}

// fireProgress runs every registered progress hook in registration order.
// The list lock is released before iterating (§4.8 "While a hook runs,
// the list lock is released so hooks may register further hooks without
// deadlock; new entries inserted during iteration are not visible in the
// same pass") by taking a snapshot under the read lock.
func (h *PluginHooks) fireProgress() {
	h.progressMu.RLock()
	snapshot := make([]progressHookEntry, len(h.progress))
	copy(snapshot, h.progress)
	h.progressMu.RUnlock()

	for _, e := range snapshot {
		e.fn(e.arg)
	}
}

// fireTimeout runs every registered timeout hook in registration order
// for the given expired request.
func (h *PluginHooks) fireTimeout(req *Request) {
	h.timeoutMu.RLock()
	snapshot := make([]timeoutHookEntry, len(h.timeout))
	copy(snapshot, h.timeout)
	h.timeoutMu.RUnlock()

	for _, e := range snapshot {
		e.fn(req, e.arg)
	}
}
