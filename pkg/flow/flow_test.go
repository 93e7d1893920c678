package flow

import (
	"net/http"
	"testing"
)

func TestRequestJSON(t *testing.T) {
	tests := []struct {
		name string
		body []byte
		want bool // decoded to non-nil
	}{
		{"object", []byte(`{"a":1}`), true},
		{"array", []byte(`[1,2]`), true},
		{"empty", nil, false},
		{"not json", []byte("PUT /foo"), false},
		{"truncated", []byte(`{"a":`), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := &Event{RequestBody: tt.body}
			got := ev.RequestJSON()
			if (got != nil) != tt.want {
				t.Errorf("RequestJSON() = %v, want non-nil=%v", got, tt.want)
			}
		})
	}
}

func TestResponseJSONNoResponse(t *testing.T) {
	ev := &Event{}
	if got := ev.ResponseJSON(); got != nil {
		t.Errorf("ResponseJSON() = %v, want nil", got)
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"bearer", "Bearer syt_abc123", "syt_abc123"},
		{"no prefix", "syt_abc123", "syt_abc123"},
		{"absent", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.header != "" {
				h.Set("Authorization", tt.header)
			}
			ev := &Event{Header: h}
			if got := ev.BearerToken(); got != tt.want {
				t.Errorf("BearerToken() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSetResponseMarksIntercepted(t *testing.T) {
	ev := &Event{Header: http.Header{}}
	if ev.Intercepted() {
		t.Fatal("fresh event should not be intercepted")
	}

	ev.SetResponse(418, []byte(`{"error":"teapot"}`))

	if !ev.Intercepted() {
		t.Error("event should be intercepted after SetResponse")
	}
	if ev.Response.StatusCode != 418 {
		t.Errorf("StatusCode = %d, want 418", ev.Response.StatusCode)
	}
	if got := ev.Response.Header.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", got)
	}
	if got := ev.Response.Header.Get(MarkerHeader); got != MarkerValue {
		t.Errorf("marker header = %q, want %q", got, MarkerValue)
	}
}

func TestSetResponseEmptyBodyHasNoContentType(t *testing.T) {
	ev := &Event{Header: http.Header{}}
	ev.SetResponse(502, nil)
	if got := ev.Response.Header.Get("Content-Type"); got != "" {
		t.Errorf("Content-Type = %q, want empty for empty body", got)
	}
	if ev.StatusCode() != 502 {
		t.Errorf("StatusCode() = %d, want 502", ev.StatusCode())
	}
}

func TestUpstreamResponseNotIntercepted(t *testing.T) {
	ev := &Event{
		Response: &Response{StatusCode: 200, Header: http.Header{}},
	}
	if ev.Intercepted() {
		t.Error("upstream response without marker should not count as intercepted")
	}
}
