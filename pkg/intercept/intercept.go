// Package intercept is the entry point the proxy engine drives: two hooks,
// one per phase, routing each flow through the status override engine and
// the callback dispatcher.
package intercept

import (
	"context"

	"github.com/interceptd/interceptd/pkg/callback"
	"github.com/interceptd/interceptd/pkg/flow"
	"github.com/interceptd/interceptd/pkg/override"
)

// ControlHost is the reserved control-plane hostname. Traffic addressed to it
// is answered by the controller and never intercepted, forwarded to a
// callback, or status-overridden. Not configurable.
const ControlHost = "intercept.local"

// Interceptor routes flows through the override engine and the dispatcher.
// The request hook runs before a flow is forwarded upstream; the response
// hook runs before the flow is returned downstream. Either may replace the
// flow's outgoing content. No error escapes these hooks.
type Interceptor struct {
	override   *override.Engine
	dispatcher *callback.Dispatcher
}

// New creates an interceptor over the given engine and dispatcher.
func New(ov *override.Engine, d *callback.Dispatcher) *Interceptor {
	return &Interceptor{override: ov, dispatcher: d}
}

// Excluded reports whether a host is exempt from all interception.
func Excluded(host string) bool {
	return host == ControlHost
}

// OnRequest processes a request-phase flow. The override engine runs first;
// if it short-circuits the flow, the dispatcher still sees the flow so a
// request callback observes blocked traffic the same way the upstream never
// will. Dispatch may suspend on network I/O bounded by its own timeout.
func (i *Interceptor) OnRequest(ctx context.Context, ev *flow.Event) {
	if Excluded(ev.Host) {
		return
	}
	i.override.OnRequest(ev)
	i.dispatcher.OnRequest(ctx, ev)
}

// OnResponse processes a response-phase flow. Responses this core already
// synthesized carry the marker header and are not reprocessed.
func (i *Interceptor) OnResponse(ctx context.Context, ev *flow.Event) {
	if Excluded(ev.Host) {
		return
	}
	if ev.Intercepted() {
		return
	}
	i.override.OnResponse(ev)
	i.dispatcher.OnResponse(ctx, ev)
}
