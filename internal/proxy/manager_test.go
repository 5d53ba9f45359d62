// ABOUTME: Tests for the connection manager
// ABOUTME: Covers retry policy, breaker, header hygiene, pool bounds, and drain on close

package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/kilo-gateway/internal/registry"
)

// scriptedTransport fails the first n calls with err, then answers 200.
type scriptedTransport struct {
	mu    sync.Mutex
	calls int
	fail  int
	err   error
}

func (s *scriptedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()

	if n <= s.fail {
		return nil, s.err
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/plain"}},
		Body:       io.NopCloser(strings.NewReader("ok")),
		Request:    req,
	}, nil
}

func (s *scriptedTransport) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type recordingNotifier struct {
	mu       sync.Mutex
	services []string
}

func (n *recordingNotifier) ReportFailure(service string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.services = append(n.services, service)
}

func testService(t *testing.T, rawURL string) *registry.Service {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	return &registry.Service{Name: "meds", BaseURL: u, HealthPath: "/health"}
}

func testOptions() Options {
	return Options{
		Timeout:            5 * time.Second,
		ConnectTimeout:     time.Second,
		MaxIdlePerBackend:  2,
		MaxConnsPerBackend: 4,
		MaxIdleTotal:       10,
		Retries:            2,
		Backoff:            time.Millisecond,
		DrainTimeout:       2 * time.Second,
		BreakerFailures:    5,
		BreakerOpen:        time.Minute,
	}
}

func TestProxy_RetriesIdempotentRead(t *testing.T) {
	rt := &scriptedTransport{fail: 2, err: errors.New("connection refused")}
	opts := testOptions()
	opts.Transport = rt
	m := New(opts)

	req := httptest.NewRequest(http.MethodGet, "/meds/today", nil)
	rec := httptest.NewRecorder()

	err := m.Proxy(rec, req, testService(t, "http://meds.test"), "/today", "/meds")
	require.NoError(t, err)
	assert.Equal(t, 3, rt.Calls())
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestProxy_RetriesExhausted(t *testing.T) {
	rt := &scriptedTransport{fail: 10, err: errors.New("connection reset by peer")}
	opts := testOptions()
	opts.Transport = rt
	m := New(opts)
	notifier := &recordingNotifier{}
	m.SetNotifier(notifier)

	req := httptest.NewRequest(http.MethodGet, "/meds/today", nil)
	err := m.Proxy(httptest.NewRecorder(), req, testService(t, "http://meds.test"), "/today", "/meds")

	assert.True(t, errors.Is(err, ErrUpstreamUnreachable), "got %v", err)
	assert.Equal(t, 3, rt.Calls())
	assert.Equal(t, []string{"meds"}, notifier.services)
}

func TestProxy_NeverRetriesNonIdempotent(t *testing.T) {
	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
		t.Run(method, func(t *testing.T) {
			rt := &scriptedTransport{fail: 1, err: errors.New("connection refused")}
			opts := testOptions()
			opts.Transport = rt
			m := New(opts)

			req := httptest.NewRequest(method, "/meds/doses", strings.NewReader(`{"dose":1}`))
			err := m.Proxy(httptest.NewRecorder(), req, testService(t, "http://meds.test"), "/doses", "/meds")

			assert.True(t, errors.Is(err, ErrUpstreamUnreachable), "got %v", err)
			assert.Equal(t, 1, rt.Calls())
		})
	}
}

func TestProxy_GetWithBodyNotRetried(t *testing.T) {
	rt := &scriptedTransport{fail: 1, err: errors.New("connection refused")}
	opts := testOptions()
	opts.Transport = rt
	m := New(opts)

	req := httptest.NewRequest(http.MethodGet, "/meds/search", strings.NewReader("q=aspirin"))
	err := m.Proxy(httptest.NewRecorder(), req, testService(t, "http://meds.test"), "/search", "/meds")

	assert.Error(t, err)
	assert.Equal(t, 1, rt.Calls())
}

func TestProxy_TimeoutClassified(t *testing.T) {
	rt := &scriptedTransport{fail: 10, err: context.DeadlineExceeded}
	opts := testOptions()
	opts.Transport = rt
	opts.Retries = 0
	m := New(opts)

	req := httptest.NewRequest(http.MethodGet, "/meds/today", nil)
	err := m.Proxy(httptest.NewRecorder(), req, testService(t, "http://meds.test"), "/today", "/meds")

	assert.True(t, errors.Is(err, ErrUpstreamTimeout), "got %v", err)
}

func TestProxy_BreakerOpens(t *testing.T) {
	rt := &scriptedTransport{fail: 100, err: errors.New("connection refused")}
	opts := testOptions()
	opts.Transport = rt
	opts.Retries = 0
	opts.BreakerFailures = 2
	m := New(opts)
	svc := testService(t, "http://meds.test")

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/meds/today", nil)
		err := m.Proxy(httptest.NewRecorder(), req, svc, "/today", "/meds")
		require.True(t, errors.Is(err, ErrUpstreamUnreachable))
	}

	req := httptest.NewRequest(http.MethodGet, "/meds/today", nil)
	err := m.Proxy(httptest.NewRecorder(), req, svc, "/today", "/meds")
	assert.True(t, errors.Is(err, ErrBreakerOpen), "got %v", err)
	assert.Equal(t, 2, rt.Calls(), "open breaker must not reach the transport")
	assert.Equal(t, time.Minute, m.BreakerTimeout())
}

func TestProxy_HeadersAndStreaming(t *testing.T) {
	var gotHeader http.Header
	var gotPath, gotQuery string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Clone()
		gotPath = r.URL.EscapedPath()
		gotQuery = r.URL.RawQuery
		w.Header().Set("Location", "http://"+r.Host+"/v1/created/42")
		w.Header().Set("X-Backend", "meds")
		w.WriteHeader(http.StatusTeapot)
		_, _ = io.WriteString(w, "short and stout")
	}))
	defer backend.Close()

	opts := testOptions()
	m := New(opts)
	defer func() { _ = m.Close(context.Background()) }()

	req := httptest.NewRequest(http.MethodGet, "/meds/today%20x?limit=5", nil)
	req.Header.Set("Connection", "keep-alive, X-Client-Hop")
	req.Header.Set("X-Client-Hop", "drop-me")
	req.Header.Set("Keep-Alive", "timeout=5")
	req.Header.Set("Authorization", "Bearer passthrough")
	req.RemoteAddr = "10.0.0.7:5555"
	rec := httptest.NewRecorder()

	err := m.Proxy(rec, req, testService(t, backend.URL+"/v1"), "/today%20x", "/meds")
	require.NoError(t, err)

	assert.Equal(t, "/v1/today%20x", gotPath)
	assert.Equal(t, "limit=5", gotQuery)
	assert.Empty(t, gotHeader.Get("X-Client-Hop"))
	assert.Empty(t, gotHeader.Get("Keep-Alive"))
	assert.Equal(t, "Bearer passthrough", gotHeader.Get("Authorization"))
	assert.Equal(t, "10.0.0.7", gotHeader.Get("X-Forwarded-For"))
	assert.Equal(t, "http", gotHeader.Get("X-Forwarded-Proto"))
	assert.NotEmpty(t, gotHeader.Get(RequestIDHeader))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "short and stout", rec.Body.String())
	assert.Equal(t, "meds", rec.Header().Get("X-Backend"))
	assert.Equal(t, "/meds/created/42", rec.Header().Get("Location"))
}

func TestProxy_BackendErrorsPassThrough(t *testing.T) {
	var calls atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "db down", http.StatusInternalServerError)
	}))
	defer backend.Close()

	m := New(testOptions())
	defer func() { _ = m.Close(context.Background()) }()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/meds/", nil)
	err := m.Proxy(rec, req, testService(t, backend.URL), "/", "/meds")

	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, int32(1), calls.Load(), "backend statuses are not retried")
}

func TestProxy_ConnectionPoolBounded(t *testing.T) {
	var newConns atomic.Int32
	backend := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Millisecond)
		_, _ = io.WriteString(w, "ok")
	}))
	backend.Config.ConnState = func(_ net.Conn, state http.ConnState) {
		if state == http.StateNew {
			newConns.Add(1)
		}
	}
	backend.Start()
	defer backend.Close()

	opts := testOptions()
	opts.MaxConnsPerBackend = 4
	opts.MaxIdlePerBackend = 4
	m := New(opts)
	defer func() { _ = m.Close(context.Background()) }()
	svc := testService(t, backend.URL)

	run := func(n int) {
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				rec := httptest.NewRecorder()
				req := httptest.NewRequest(http.MethodGet, "/meds/x", nil)
				assert.NoError(t, m.Proxy(rec, req, svc, "/x", "/meds"))
				assert.Equal(t, http.StatusOK, rec.Code)
			}()
		}
		wg.Wait()
	}

	run(40)
	assert.LessOrEqual(t, newConns.Load(), int32(4))
	afterFirst := newConns.Load()

	run(40)
	assert.Equal(t, afterFirst, newConns.Load(), "pooled connections must be reused")
}

func TestProxy_ClientCanceled(t *testing.T) {
	rt := &scriptedTransport{fail: 10, err: context.Canceled}
	opts := testOptions()
	opts.Transport = rt
	m := New(opts)
	notifier := &recordingNotifier{}
	m.SetNotifier(notifier)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/meds/today", nil).WithContext(ctx)
	err := m.Proxy(httptest.NewRecorder(), req, testService(t, "http://meds.test"), "/today", "/meds")

	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	assert.Empty(t, notifier.services)
	assert.Equal(t, 1, rt.Calls())
}

func TestClose_DrainsInFlight(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
		_, _ = io.WriteString(w, "done")
	}))
	defer backend.Close()

	m := New(testOptions())
	svc := testService(t, backend.URL)

	proxyDone := make(chan error, 1)
	go func() {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/meds/slow", nil)
		proxyDone <- m.Proxy(rec, req, svc, "/slow", "/meds")
	}()
	<-started

	closeDone := make(chan error, 1)
	go func() { closeDone <- m.Close(context.Background()) }()

	select {
	case <-closeDone:
		t.Fatal("Close returned before in-flight request finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-proxyDone)
	require.NoError(t, <-closeDone)

	err := m.Proxy(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/meds/x", nil), svc, "/x", "/meds")
	assert.True(t, errors.Is(err, ErrClosed))
	assert.NoError(t, m.Close(context.Background()), "second close is a no-op")
}

func TestClose_DrainTimeout(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
	}))
	defer backend.Close()
	defer close(release)

	opts := testOptions()
	opts.DrainTimeout = 20 * time.Millisecond
	m := New(opts)

	go func() {
		req := httptest.NewRequest(http.MethodGet, "/meds/slow", nil)
		_ = m.Proxy(httptest.NewRecorder(), req, testService(t, backend.URL), "/slow", "/meds")
	}()
	<-started

	err := m.Close(context.Background())
	assert.Error(t, err)
}

func TestRewriteLocation(t *testing.T) {
	base, _ := url.Parse("http://kilo-meds:9000")
	baseWithPath, _ := url.Parse("http://kilo-meds:9000/v1")

	tests := []struct {
		name   string
		loc    string
		base   *url.URL
		prefix string
		want   string
	}{
		{"absolute backend url", "http://kilo-meds:9000/items/1", base, "/api/meds", "/api/meds/items/1"},
		{"relative root path", "/items/1?x=1", base, "/meds", "/meds/items/1?x=1"},
		{"foreign host untouched", "https://example.com/login", base, "/meds", "https://example.com/login"},
		{"base path stripped", "/v1/items", baseWithPath, "/meds", "/meds/items"},
		{"relative reference untouched", "items/1", base, "/meds", "items/1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, rewriteLocation(tt.loc, tt.base, tt.prefix))
		})
	}
}

func TestRemoveHopHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "close, X-Foo")
	h.Set("X-Foo", "1")
	h.Set("Upgrade", "h2c")
	h.Set("Content-Type", "application/json")

	removeHopHeaders(h)

	assert.Empty(t, h.Get("Connection"))
	assert.Empty(t, h.Get("X-Foo"))
	assert.Empty(t, h.Get("Upgrade"))
	assert.Equal(t, "application/json", h.Get("Content-Type"))
}
