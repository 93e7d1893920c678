// Plain-HTTP proxying: buffer, intercept, forward, intercept, answer.
package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/interceptd/interceptd/pkg/flow"
)

// handleHTTP proxies one plain-HTTP request through the interception hooks.
func (p *Proxy) handleHTTP(w http.ResponseWriter, r *http.Request) {
	if isControlHost(r.Host) {
		p.control.ServeHTTP(w, r)
		return
	}

	reqBody, err := p.readBody(r.Body)
	if err != nil {
		p.log.Error("reading request body", "url", r.URL.String(), "err", err)
		http.Error(w, "error reading request", http.StatusBadGateway)
		return
	}

	targetURL := r.URL.String()
	if r.URL.Host == "" {
		targetURL = "http://" + r.Host + r.URL.RequestURI()
	}

	res := p.runFlow(r.Context(), r, targetURL, reqBody)
	writeFlowResponse(w, res)
}

// runFlow drives one buffered request through both interception phases and
// returns the response to send to the client. The upstream is contacted only
// if the request phase did not short-circuit the flow.
func (p *Proxy) runFlow(ctx context.Context, r *http.Request, targetURL string, reqBody []byte) *flow.Response {
	ev := &flow.Event{
		Phase:       flow.PhaseRequest,
		Method:      r.Method,
		URL:         targetURL,
		Host:        stripPort(r.Host),
		Header:      r.Header.Clone(),
		RequestBody: reqBody,
	}

	p.log.Debug("request", "method", ev.Method, "url", ev.URL)
	p.interceptor.OnRequest(ctx, ev)

	if ev.Response == nil {
		resp, err := p.forward(ctx, r, targetURL, reqBody)
		if err != nil {
			p.log.Error("forwarding request", "url", targetURL, "err", err)
			return errorResponse(http.StatusBadGateway, fmt.Sprintf("error forwarding request: %v", err))
		}
		respBody, err := p.readBody(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			p.log.Error("reading response body", "url", targetURL, "err", err)
			return errorResponse(http.StatusBadGateway, "error reading response")
		}
		ev.Response = &flow.Response{
			StatusCode: resp.StatusCode,
			Header:     resp.Header.Clone(),
			Body:       respBody,
		}
	}

	ev.Phase = flow.PhaseResponse
	p.interceptor.OnResponse(ctx, ev)

	p.log.Debug("response", "method", ev.Method, "url", ev.URL, "status", ev.Response.StatusCode)
	return ev.Response
}

// forward sends the buffered request upstream.
func (p *Proxy) forward(ctx context.Context, r *http.Request, targetURL string, reqBody []byte) (*http.Response, error) {
	out, err := http.NewRequestWithContext(ctx, r.Method, targetURL, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	copyHeaders(out.Header, r.Header)
	removeHopByHopHeaders(out.Header)
	out.Header.Set("X-Forwarded-For", r.RemoteAddr)
	out.Header.Set("X-Forwarded-Host", r.Host)
	return p.client.Do(out)
}

// readBody buffers at most maxBody bytes; anything beyond that is truncated
// and the truncated body is what flows on, not an error.
func (p *Proxy) readBody(body io.ReadCloser) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	return io.ReadAll(io.LimitReader(body, p.maxBody))
}

func errorResponse(status int, msg string) *flow.Response {
	h := http.Header{}
	h.Set("Content-Type", "text/plain; charset=utf-8")
	return &flow.Response{
		StatusCode: status,
		Header:     h,
		Body:       []byte(msg + "\n"),
	}
}

// copyHeaders copies headers from src to dst.
func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// removeHopByHopHeaders removes headers that must not be forwarded.
func removeHopByHopHeaders(h http.Header) {
	for _, header := range []string{
		"Connection",
		"Keep-Alive",
		"Proxy-Authenticate",
		"Proxy-Authorization",
		"Proxy-Connection",
		"TE",
		"Trailers",
		"Transfer-Encoding",
		"Upgrade",
	} {
		h.Del(header)
	}
}
