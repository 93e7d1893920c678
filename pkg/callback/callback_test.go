package callback

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/interceptd/interceptd/pkg/filter"
	"github.com/interceptd/interceptd/pkg/flow"
	"github.com/interceptd/interceptd/pkg/logging"
)

func newDispatcher(t *testing.T, opts ...Option) *Dispatcher {
	t.Helper()
	return NewDispatcher(filter.NewExprMatcher(), logging.Nop(), opts...)
}

// callbackServer runs a test callback endpoint replying with the given JSON.
func callbackServer(t *testing.T, reply string, gotEnvelope *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if gotEnvelope != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(gotEnvelope))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func requestEvent() *flow.Event {
	h := http.Header{}
	h.Set("Authorization", "Bearer syt_secret")
	return &flow.Event{
		Phase:       flow.PhaseRequest,
		Method:      "PUT",
		URL:         "http://hs1/_matrix/client/v3/sendToDevice/m.room.encrypted/123",
		Host:        "hs1",
		Header:      h,
		RequestBody: []byte(`{"messages":{}}`),
	}
}

func responseEvent() *flow.Event {
	ev := requestEvent()
	ev.Phase = flow.PhaseResponse
	ev.Response = &flow.Response{
		StatusCode: 200,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       []byte(`{"ok":true}`),
	}
	return ev
}

func TestRequestEnvelope(t *testing.T) {
	var env map[string]any
	srv := callbackServer(t, `{}`, &env)

	d := newDispatcher(t)
	require.NoError(t, d.Configure(Config{RequestURL: srv.URL}))

	ev := requestEvent()
	d.OnRequest(context.Background(), ev)

	assert.Equal(t, "PUT", env["method"])
	assert.Equal(t, "syt_secret", env["access_token"])
	assert.Equal(t, ev.URL, env["url"])
	assert.Equal(t, map[string]any{"messages": map[string]any{}}, env["request_body"])
	_, hasResponseCode := env["response_code"]
	assert.False(t, hasResponseCode, "request envelope must not carry response fields")
	assert.Nil(t, ev.Response, "empty reply must not override")
}

func TestResponseEnvelope(t *testing.T) {
	var env map[string]any
	srv := callbackServer(t, `{}`, &env)

	d := newDispatcher(t)
	require.NoError(t, d.Configure(Config{ResponseURL: srv.URL}))

	ev := responseEvent()
	originalBody := string(ev.Response.Body)
	d.OnResponse(context.Background(), ev)

	assert.Equal(t, float64(200), env["response_code"])
	assert.Equal(t, map[string]any{"ok": true}, env["response_body"])
	// {} reply: status and body byte-identical to the original.
	assert.Equal(t, 200, ev.Response.StatusCode)
	assert.Equal(t, originalBody, string(ev.Response.Body))
	assert.False(t, ev.Intercepted())
}

func TestNonJSONBodyDegradesToNull(t *testing.T) {
	var env map[string]any
	srv := callbackServer(t, `{}`, &env)

	d := newDispatcher(t)
	require.NoError(t, d.Configure(Config{RequestURL: srv.URL}))

	ev := requestEvent()
	ev.RequestBody = []byte("this is not json")
	d.OnRequest(context.Background(), ev)

	v, present := env["request_body"]
	assert.True(t, present)
	assert.Nil(t, v, "undecodable body must be null, not an error")
}

func TestResponsePartialOverrideStatusOnly(t *testing.T) {
	srv := callbackServer(t, `{"respond_status_code":418}`, nil)

	d := newDispatcher(t)
	require.NoError(t, d.Configure(Config{ResponseURL: srv.URL}))

	ev := responseEvent()
	d.OnResponse(context.Background(), ev)

	assert.Equal(t, 418, ev.Response.StatusCode)
	assert.Equal(t, `{"ok":true}`, string(ev.Response.Body), "body stays the original")
	assert.True(t, ev.Intercepted(), "override must carry the marker header")
}

func TestResponsePartialOverrideBodyOnly(t *testing.T) {
	srv := callbackServer(t, `{"respond_body":{"replaced":true}}`, nil)

	d := newDispatcher(t)
	require.NoError(t, d.Configure(Config{ResponseURL: srv.URL}))

	ev := responseEvent()
	d.OnResponse(context.Background(), ev)

	assert.Equal(t, 200, ev.Response.StatusCode, "status stays the original")
	assert.JSONEq(t, `{"replaced":true}`, string(ev.Response.Body))
}

func TestRequestOverrideRequiresBothFields(t *testing.T) {
	tests := []struct {
		name     string
		reply    string
		override bool
	}{
		{"both fields", `{"respond_status_code":403,"respond_body":{"errcode":"M_FORBIDDEN"}}`, true},
		{"status only", `{"respond_status_code":403}`, false},
		{"body only", `{"respond_body":{"errcode":"M_FORBIDDEN"}}`, false},
		{"empty", `{}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := callbackServer(t, tt.reply, nil)
			d := newDispatcher(t)
			require.NoError(t, d.Configure(Config{RequestURL: srv.URL}))

			ev := requestEvent()
			d.OnRequest(context.Background(), ev)

			if tt.override {
				require.NotNil(t, ev.Response)
				assert.Equal(t, 403, ev.Response.StatusCode)
				assert.True(t, ev.Intercepted())
			} else {
				assert.Nil(t, ev.Response, "request must flow upstream")
			}
		})
	}
}

func TestFilterGatesDispatch(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	d := newDispatcher(t)
	require.NoError(t, d.Configure(Config{
		RequestURL: srv.URL,
		Filter:     `method == "DELETE"`,
	}))

	d.OnRequest(context.Background(), requestEvent())
	assert.Equal(t, int32(0), calls.Load(), "non-matching flow must not be dispatched")
}

func TestConfigureBadFilterKeepsPrevious(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	d := newDispatcher(t)
	require.NoError(t, d.Configure(Config{RequestURL: srv.URL}))
	require.Error(t, d.Configure(Config{RequestURL: "http://other", Filter: "~broken"}))

	d.OnRequest(context.Background(), requestEvent())
	assert.Equal(t, int32(1), calls.Load(), "previous config must stay active")
}

func TestEmptyURLDisablesDirection(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
	}))
	t.Cleanup(srv.Close)

	d := newDispatcher(t)
	require.NoError(t, d.Configure(Config{ResponseURL: srv.URL}))

	// Request direction is disabled; only the response one is armed.
	d.OnRequest(context.Background(), requestEvent())
	assert.Equal(t, int32(0), calls.Load())
}

func TestTimeoutLeavesFlowUnmodified(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-block
	}))
	t.Cleanup(func() {
		close(block)
		srv.Close()
	})

	d := newDispatcher(t, WithTimeout(50*time.Millisecond))
	require.NoError(t, d.Configure(Config{ResponseURL: srv.URL}))

	ev := responseEvent()
	d.OnResponse(context.Background(), ev)

	assert.Equal(t, 200, ev.Response.StatusCode)
	assert.Equal(t, `{"ok":true}`, string(ev.Response.Body))
	assert.False(t, ev.Intercepted())
}

func TestTransportFailureLeavesFlowUnmodified(t *testing.T) {
	d := newDispatcher(t)
	require.NoError(t, d.Configure(Config{ResponseURL: "http://127.0.0.1:1/unreachable"}))

	ev := responseEvent()
	d.OnResponse(context.Background(), ev)

	assert.Equal(t, 200, ev.Response.StatusCode)
	assert.False(t, ev.Intercepted())
}

func TestBadReplyContentTypeIgnored(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`{"respond_status_code":500}`))
	}))
	t.Cleanup(srv.Close)

	d := newDispatcher(t)
	require.NoError(t, d.Configure(Config{ResponseURL: srv.URL}))

	ev := responseEvent()
	d.OnResponse(context.Background(), ev)
	assert.Equal(t, 200, ev.Response.StatusCode)
}

func TestNonObjectReplyIgnored(t *testing.T) {
	srv := callbackServer(t, `[1,2,3]`, nil)

	d := newDispatcher(t)
	require.NoError(t, d.Configure(Config{ResponseURL: srv.URL}))

	ev := responseEvent()
	d.OnResponse(context.Background(), ev)
	assert.Equal(t, 200, ev.Response.StatusCode)
}

func TestNon200ReplyIgnored(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"respond_status_code":500}`))
	}))
	t.Cleanup(srv.Close)

	d := newDispatcher(t)
	require.NoError(t, d.Configure(Config{ResponseURL: srv.URL}))

	ev := responseEvent()
	d.OnResponse(context.Background(), ev)
	assert.Equal(t, 200, ev.Response.StatusCode)
}
