// Package proxy is the MITM proxy engine hosting the interception hooks.
// It terminates TLS with per-host certificates minted from a local CA,
// buffers each request/response pair into a flow event, and hands the event
// to the interceptor before forwarding upstream and before answering the
// client. Requests addressed to the reserved control host are answered by
// the control handler in-process and never leave the proxy.
package proxy

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/interceptd/interceptd/pkg/flow"
	"github.com/interceptd/interceptd/pkg/intercept"
)

// DefaultMaxBodySize caps how much of a request or response body is buffered
// for interception (10MB).
const DefaultMaxBodySize = 10 * 1024 * 1024

// Options configures a Proxy.
type Options struct {
	// Interceptor receives the request/response hooks. Required.
	Interceptor *intercept.Interceptor
	// Control answers requests addressed to the control host. Required.
	Control http.Handler
	// CA mints per-host certificates for HTTPS interception. Nil disables
	// MITM; CONNECT requests are blindly tunneled instead.
	CA *CAManager
	// MaxBodySize overrides DefaultMaxBodySize when positive.
	MaxBodySize int64
	// Logger for traffic logging. Nil means slog.Default.
	Logger *slog.Logger
}

// Proxy is an HTTP/HTTPS interception proxy.
type Proxy struct {
	interceptor *intercept.Interceptor
	control     http.Handler
	ca          *CAManager
	client      *http.Client
	maxBody     int64
	log         *slog.Logger
}

// New creates a Proxy from opts.
func New(opts Options) *Proxy {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	maxBody := opts.MaxBodySize
	if maxBody <= 0 {
		maxBody = DefaultMaxBodySize
	}
	return &Proxy{
		interceptor: opts.Interceptor,
		control:     opts.Control,
		ca:          opts.CA,
		maxBody:     maxBody,
		log:         log,
		client: &http.Client{
			// Redirects are the client's business, not the proxy's.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
			Timeout: 5 * time.Minute,
		},
	}
}

// ServeHTTP implements http.Handler. Each connection is served on its own
// goroutine by net/http, so a flow suspended in a callback dispatch delays
// only itself.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		p.handleConnect(w, r)
		return
	}
	p.handleHTTP(w, r)
}

// isControlHost reports whether a request host (with or without port)
// addresses the control plane.
func isControlHost(host string) bool {
	return intercept.Excluded(stripPort(host))
}

func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	// No port. IPv6 literals may still carry brackets.
	return strings.Trim(host, "[]")
}

// writeFlowResponse writes a flow response through a ResponseWriter. The body
// may have been replaced by a hook, so framing headers are recomputed.
func writeFlowResponse(w http.ResponseWriter, res *flow.Response) {
	copyHeaders(w.Header(), res.Header)
	w.Header().Del("Content-Length")
	w.Header().Del("Transfer-Encoding")
	w.WriteHeader(res.StatusCode)
	_, _ = w.Write(res.Body)
}
