// Package flow defines the per-traffic-unit event passed through the
// interception hooks, and helpers for reading and replacing its content.
package flow

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Phase identifies which side of a flow a hook is processing.
type Phase string

const (
	// PhaseRequest is request-side processing, before the upstream is contacted.
	PhaseRequest Phase = "request"
	// PhaseResponse is response-side processing, before the client is answered.
	PhaseResponse Phase = "response"
)

const (
	// MarkerHeader tags responses synthesized by the interception core so
	// later phases do not reprocess them.
	MarkerHeader = "Intercept-Proxy"
	// MarkerValue is the value set on MarkerHeader.
	MarkerValue = "yes"
)

// Response is the response half of a flow. Nil until the upstream answers or
// a hook short-circuits the flow.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Event is one intercepted request/response exchange. The proxy engine
// creates one Event per traffic unit; hooks mutate it in place and the proxy
// discards it once the phase completes.
type Event struct {
	Phase       Phase
	Method      string
	URL         string // full URL, scheme included
	Host        string
	Header      http.Header
	RequestBody []byte

	// Response is set in the response phase, or in the request phase when a
	// hook has short-circuited the flow.
	Response *Response
}

// RequestJSON returns the request body decoded as JSON, or nil if the body is
// empty or not valid JSON. Decode failure is never an error here.
func (e *Event) RequestJSON() any {
	return decodeJSON(e.RequestBody)
}

// ResponseJSON returns the response body decoded as JSON, or nil if there is
// no response, the body is empty, or it is not valid JSON.
func (e *Event) ResponseJSON() any {
	if e.Response == nil {
		return nil
	}
	return decodeJSON(e.Response.Body)
}

func decodeJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil
	}
	return v
}

// BearerToken returns the Authorization header value with any "Bearer "
// prefix stripped, or "" if the header is absent.
func (e *Event) BearerToken() string {
	return strings.TrimPrefix(e.Header.Get("Authorization"), "Bearer ")
}

// StatusCode returns the response status code, or 0 if there is no response.
func (e *Event) StatusCode() int {
	if e.Response == nil {
		return 0
	}
	return e.Response.StatusCode
}

// Intercepted reports whether the flow already carries a response synthesized
// by this core.
func (e *Event) Intercepted() bool {
	return e.Response != nil && e.Response.Header.Get(MarkerHeader) == MarkerValue
}

// SetResponse replaces the flow's outgoing content with a synthesized
// response tagged with the marker header. A JSON content type is set when a
// body is provided.
func (e *Event) SetResponse(statusCode int, body []byte) {
	h := http.Header{}
	h.Set(MarkerHeader, MarkerValue)
	if len(body) > 0 {
		h.Set("Content-Type", "application/json")
	}
	e.Response = &Response{
		StatusCode: statusCode,
		Header:     h,
		Body:       body,
	}
}
