// Package callback forwards intercepted flows to an external test driver
// over a JSON protocol, and applies the driver's reply as an override.
//
// The outbound envelope:
//
//	{
//	  "method": "PUT",
//	  "access_token": "syt_...",
//	  "url": "https://hs1/_matrix/client/...",
//	  "request_body": { ... } | null,
//	  "response_body": { ... } | null,   // response phase only
//	  "response_code": 200               // response phase only
//	}
//
// The reply may carry "respond_status_code" and/or "respond_body". An empty
// object leaves the flow untouched. In the response phase an omitted field
// defaults to the flow's current value, so partial overrides are legal. In
// the request phase there is no current response yet, so an override fires
// only when both fields are present.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/interceptd/interceptd/pkg/filter"
	"github.com/interceptd/interceptd/pkg/flow"
)

// DefaultTimeout bounds one outbound callback call.
const DefaultTimeout = 10 * time.Second

// maxReplySize caps how much of a callback reply is read (1MB).
const maxReplySize = 1 << 20

// Dispatch failures. Both are absorbed at the dispatch boundary: the flow
// always proceeds unmodified when they occur.
var (
	// ErrTransport covers connection errors and timeouts.
	ErrTransport = errors.New("callback transport failure")
	// ErrProtocol covers non-200 replies, wrong content types, and bodies
	// that are not JSON objects.
	ErrProtocol = errors.New("callback protocol violation")
)

// Config selects where flows are forwarded. An empty URL disables that
// direction; an empty filter matches every flow. Wire names match the
// controller's "callback" option.
type Config struct {
	RequestURL  string `json:"callback_request_url"`
	ResponseURL string `json:"callback_response_url"`
	Filter      string `json:"filter"`
}

// envelope is the outbound wire message.
type envelope struct {
	Method       string `json:"method"`
	AccessToken  string `json:"access_token"`
	URL          string `json:"url"`
	RequestBody  any    `json:"request_body"`
	ResponseBody any    `json:"response_body,omitempty"`
	ResponseCode *int   `json:"response_code,omitempty"`
}

// reply is the inbound wire message. Pointers distinguish "absent" from
// zero values.
type reply struct {
	RespondStatusCode *int             `json:"respond_status_code"`
	RespondBody       *json.RawMessage `json:"respond_body"`
}

type snapshot struct {
	requestURL  string
	responseURL string
	predicate   filter.Predicate
}

// Dispatcher sends flow envelopes to configured callback URLs and applies
// replies as overrides. Configuration is swapped atomically; concurrent flows
// always read a whole snapshot.
type Dispatcher struct {
	matcher filter.Matcher
	client  *http.Client
	timeout time.Duration
	log     *slog.Logger
	current atomic.Pointer[snapshot]
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient replaces the HTTP client used for outbound calls.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithTimeout replaces the per-call timeout.
func WithTimeout(t time.Duration) Option {
	return func(d *Dispatcher) { d.timeout = t }
}

// NewDispatcher creates a disabled dispatcher; call Configure to arm it.
func NewDispatcher(matcher filter.Matcher, log *slog.Logger, opts ...Option) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{
		matcher: matcher,
		client:  &http.Client{},
		timeout: DefaultTimeout,
		log:     log,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.current.Store(&snapshot{predicate: matcher.MatchAll()})
	return d
}

// Configure replaces the dispatcher configuration wholesale. A bad filter
// pattern rejects the whole config and keeps the previous one.
func (d *Dispatcher) Configure(cfg Config) error {
	pred := d.matcher.MatchAll()
	if cfg.Filter != "" {
		var err error
		pred, err = d.matcher.Compile(cfg.Filter)
		if err != nil {
			return err
		}
	}
	d.current.Store(&snapshot{
		requestURL:  cfg.RequestURL,
		responseURL: cfg.ResponseURL,
		predicate:   pred,
	})
	d.log.Info("callback configured",
		"request_url", cfg.RequestURL,
		"response_url", cfg.ResponseURL,
		"filter", cfg.Filter)
	return nil
}

// OnRequest forwards a request-phase flow to the request callback URL, if one
// is configured and the filter matches. A reply override fires only when both
// respond fields are present; otherwise the request flows upstream.
func (d *Dispatcher) OnRequest(ctx context.Context, ev *flow.Event) {
	snap := d.current.Load()
	if snap.requestURL == "" || !snap.predicate.Match(ev) {
		return
	}
	env := &envelope{
		Method:      ev.Method,
		AccessToken: ev.BearerToken(),
		URL:         ev.URL,
		RequestBody: ev.RequestJSON(),
	}
	d.dispatch(ctx, snap.requestURL, env, ev)
}

// OnResponse forwards a response-phase flow to the response callback URL, if
// one is configured and the filter matches. Omitted reply fields default to
// the flow's current status and body.
func (d *Dispatcher) OnResponse(ctx context.Context, ev *flow.Event) {
	snap := d.current.Load()
	if snap.responseURL == "" || !snap.predicate.Match(ev) {
		return
	}
	code := ev.StatusCode()
	respBody := ev.ResponseJSON()
	if respBody == nil {
		// Keep the key on the wire as an explicit null.
		respBody = json.RawMessage("null")
	}
	env := &envelope{
		Method:       ev.Method,
		AccessToken:  ev.BearerToken(),
		URL:          ev.URL,
		RequestBody:  ev.RequestJSON(),
		ResponseBody: respBody,
		ResponseCode: &code,
	}
	d.dispatch(ctx, snap.responseURL, env, ev)
}

// dispatch performs one callback round trip and applies any override. Every
// failure is logged and absorbed here; the flow proceeds unmodified.
func (d *Dispatcher) dispatch(ctx context.Context, url string, env *envelope, ev *flow.Event) {
	rep, err := d.send(ctx, url, env)
	if err != nil {
		d.log.Error("callback failed, flow unmodified", "url", ev.URL, "callback", url, "err", err)
		return
	}
	if rep == nil {
		// Empty reply object: no override requested.
		return
	}
	d.applyReply(rep, ev)
}

// send posts the envelope and parses the reply. Returns (nil, nil) for an
// empty reply object.
func (d *Dispatcher) send(ctx context.Context, url string, env *envelope) (*reply, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding envelope: %v", ErrProtocol, err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: callback returned HTTP %d", ErrProtocol, res.StatusCode)
	}
	ct, _, _ := mime.ParseMediaType(res.Header.Get("Content-Type"))
	if ct != "application/json" {
		return nil, fmt.Errorf("%w: callback content-type %q", ErrProtocol, res.Header.Get("Content-Type"))
	}

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxReplySize))
	if err != nil {
		return nil, fmt.Errorf("%w: reading reply: %v", ErrTransport, err)
	}

	// Distinguish {} (no override) from a reply with fields. Decoding into a
	// map first also rejects non-object replies.
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: reply is not a JSON object: %v", ErrProtocol, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	var rep reply
	if err := json.Unmarshal(raw, &rep); err != nil {
		return nil, fmt.Errorf("%w: decoding reply: %v", ErrProtocol, err)
	}
	return &rep, nil
}

// applyReply installs the override described by a non-empty reply.
func (d *Dispatcher) applyReply(rep *reply, ev *flow.Event) {
	if ev.Phase == flow.PhaseRequest {
		// No current response to default from: both fields are required to
		// block the request; anything less lets it flow upstream.
		if rep.RespondStatusCode == nil || rep.RespondBody == nil {
			d.log.Warn("request callback reply incomplete, letting request through", "url", ev.URL)
			return
		}
		ev.SetResponse(*rep.RespondStatusCode, append([]byte(nil), *rep.RespondBody...))
		d.log.Info("request callback override", "url", ev.URL, "status", *rep.RespondStatusCode)
		return
	}

	status := ev.StatusCode()
	if rep.RespondStatusCode != nil {
		status = *rep.RespondStatusCode
	}
	var body []byte
	if rep.RespondBody != nil {
		body = append([]byte(nil), *rep.RespondBody...)
	} else if ev.Response != nil {
		// Default to the flow's own body, bytes untouched.
		body = append([]byte(nil), ev.Response.Body...)
	}
	ev.SetResponse(status, body)
	d.log.Info("response callback override", "url", ev.URL, "status", status)
}
