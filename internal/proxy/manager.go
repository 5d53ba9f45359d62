// ABOUTME: Connection manager owning the single pooled transport shared by all outbound calls
// ABOUTME: Streams proxied requests, retries idempotent reads, and trips per-backend breakers

package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/2389/kilo-gateway/internal/registry"
)

// Proxy errors. When Proxy returns one of the first four, nothing has been written to the client.
var (
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
	ErrUpstreamTimeout     = errors.New("upstream timeout")
	ErrBreakerOpen         = errors.New("circuit breaker open")
	ErrClosed              = errors.New("connection manager closed")

	// ErrStreamAborted means the response started but the body copy failed.
	ErrStreamAborted = errors.New("response stream aborted")
)

// FailureNotifier receives fast-fail signals when a backend refuses or times out.
type FailureNotifier interface {
	ReportFailure(service string)
}

// Recorder receives proxy metrics.
type Recorder interface {
	IncUpstreamAttempt(service, result string)
	SetBreakerState(service string, state float64)
	SetUpstreamInFlight(n int)
}

type nopRecorder struct{}

func (nopRecorder) IncUpstreamAttempt(string, string) {}
func (nopRecorder) SetBreakerState(string, float64)   {}
func (nopRecorder) SetUpstreamInFlight(int)           {}

// Options configures a Manager.
type Options struct {
	Timeout            time.Duration
	ConnectTimeout     time.Duration
	MaxIdlePerBackend  int
	MaxConnsPerBackend int
	MaxIdleTotal       int
	Retries            int
	Backoff            time.Duration
	DrainTimeout       time.Duration
	BreakerFailures    int
	BreakerOpen        time.Duration

	// Transport replaces the pooled transport. Used by tests.
	Transport http.RoundTripper
	Logger    *slog.Logger
	Recorder  Recorder
}

// Manager is the gateway's single outbound HTTP resource. Create one per process.
type Manager struct {
	opts      Options
	transport *http.Transport
	rt        http.RoundTripper
	client    *http.Client
	logger    *slog.Logger
	recorder  Recorder

	notifierMu sync.RWMutex
	notifier   FailureNotifier

	breakerMu sync.Mutex
	breakers  map[string]*gobreaker.CircuitBreaker

	mu        sync.Mutex
	active    int
	closing   bool
	drained   chan struct{}
	closeOnce sync.Once
}

// New builds the pooled transport and returns a Manager.
func New(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.BreakerFailures <= 0 {
		opts.BreakerFailures = 5
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 10 * time.Second
	}
	if opts.BreakerOpen <= 0 {
		opts.BreakerOpen = 30 * time.Second
	}

	m := &Manager{
		opts:     opts,
		logger:   opts.Logger.With("component", "proxy"),
		recorder: opts.Recorder,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		drained:  make(chan struct{}),
	}

	if opts.Transport != nil {
		m.rt = opts.Transport
	} else {
		dialer := &net.Dialer{
			Timeout:   opts.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}
		m.transport = &http.Transport{
			DialContext:           dialer.DialContext,
			MaxIdleConns:          opts.MaxIdleTotal,
			MaxIdleConnsPerHost:   opts.MaxIdlePerBackend,
			MaxConnsPerHost:       opts.MaxConnsPerBackend,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   opts.ConnectTimeout,
			ExpectContinueTimeout: time.Second,
		}
		m.rt = m.transport
	}
	m.client = &http.Client{
		Transport: m.rt,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return m
}

// SetNotifier installs the fast-fail receiver. Safe to call once the prober exists.
func (m *Manager) SetNotifier(n FailureNotifier) {
	m.notifierMu.Lock()
	defer m.notifierMu.Unlock()
	m.notifier = n
}

// Client returns a client over the shared transport for probes and gateway-originated calls.
// It never follows redirects and has no overall timeout; callers bound each call with a context.
func (m *Manager) Client() *http.Client {
	return m.client
}

// BreakerTimeout is how long an open breaker rejects calls.
func (m *Manager) BreakerTimeout() time.Duration {
	return m.opts.BreakerOpen
}

// BreakerState reports the breaker state for a service.
func (m *Manager) BreakerState(service string) gobreaker.State {
	return m.breaker(service).State()
}

func (m *Manager) breaker(service string) *gobreaker.CircuitBreaker {
	m.breakerMu.Lock()
	defer m.breakerMu.Unlock()

	if cb, ok := m.breakers[service]; ok {
		return cb
	}
	failures := uint32(m.opts.BreakerFailures)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        service,
		MaxRequests: 1,
		Timeout:     m.opts.BreakerOpen,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			// Client cancellations say nothing about the backend.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.logger.Warn("circuit breaker state change", "service", name, "from", from.String(), "to", to.String())
			m.recorder.SetBreakerState(name, float64(to))
		},
	})
	m.breakers[service] = cb
	return cb
}

func (m *Manager) track() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing {
		return false
	}
	m.active++
	m.recorder.SetUpstreamInFlight(m.active)
	return true
}

func (m *Manager) untrack() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active--
	m.recorder.SetUpstreamInFlight(m.active)
	if m.closing && m.active == 0 {
		close(m.drained)
	}
}

// Close stops accepting new calls, waits for in-flight calls up to the drain
// timeout or ctx, then releases idle connections. Calls after the first are no-ops.
func (m *Manager) Close(ctx context.Context) error {
	var err error
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closing = true
		if m.active == 0 {
			close(m.drained)
		}
		m.mu.Unlock()

		timer := time.NewTimer(m.opts.DrainTimeout)
		defer timer.Stop()

		select {
		case <-m.drained:
		case <-timer.C:
			err = fmt.Errorf("draining in-flight requests: timed out after %s", m.opts.DrainTimeout)
		case <-ctx.Done():
			err = fmt.Errorf("draining in-flight requests: %w", ctx.Err())
		}

		if m.transport != nil {
			m.transport.CloseIdleConnections()
		}
		m.logger.Info("connection manager closed")
	})
	return err
}

// Proxy forwards r to svc at downstreamPath (escaped, leading "/") and streams the
// response to w. prefix is the gateway-facing path of the service root, used to
// rewrite Location headers.
func (m *Manager) Proxy(w http.ResponseWriter, r *http.Request, svc *registry.Service, downstreamPath, prefix string) error {
	if !m.track() {
		return ErrClosed
	}
	defer m.untrack()

	target := buildTargetURL(svc.BaseURL, downstreamPath, r.URL.RawQuery)

	if isUpgrade(r) {
		m.proxyUpgrade(w, r, svc, target)
		return nil
	}

	cb := m.breaker(svc.Name)
	var cancel context.CancelFunc
	result, err := cb.Execute(func() (interface{}, error) {
		resp, c, err := m.roundTripWithRetry(r, svc.Name, target)
		cancel = c
		return resp, err
	})
	if err != nil {
		if cancel != nil {
			cancel()
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			m.recorder.IncUpstreamAttempt(svc.Name, "breaker_open")
			return fmt.Errorf("%w: %s", ErrBreakerOpen, svc.Name)
		}
		if errors.Is(err, ErrUpstreamTimeout) || errors.Is(err, ErrUpstreamUnreachable) {
			m.notifyFailure(svc.Name)
		}
		return err
	}
	defer cancel()

	resp, _ := result.(*http.Response)
	defer func() { _ = resp.Body.Close() }()

	return m.writeResponse(w, resp, svc.BaseURL, prefix)
}

func (m *Manager) notifyFailure(service string) {
	m.notifierMu.RLock()
	n := m.notifier
	m.notifierMu.RUnlock()
	if n != nil {
		n.ReportFailure(service)
	}
}

// retryable reports whether a request may be sent more than once.
func retryable(r *http.Request) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false
	}
	if r.Body == nil || r.Body == http.NoBody {
		return true
	}
	return r.ContentLength == 0 && len(r.TransferEncoding) == 0
}

// roundTripWithRetry sends the request, retrying idempotent bodiless reads on transport
// errors. The returned cancel func must be called once the response body is consumed.
func (m *Manager) roundTripWithRetry(r *http.Request, service string, target *url.URL) (*http.Response, context.CancelFunc, error) {
	attempts := 1
	canRetry := retryable(r)
	if canRetry {
		attempts += m.opts.Retries
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			m.recorder.IncUpstreamAttempt(service, "retry")
			m.logger.Debug("retrying upstream request", "service", service, "attempt", attempt, "error", lastErr)
			if err := sleepContext(r.Context(), m.opts.Backoff*time.Duration(attempt-1)); err != nil {
				return nil, nil, err
			}
		}

		ctx, cancel := context.WithTimeout(r.Context(), m.opts.Timeout)
		out, err := m.outboundRequest(ctx, r, target, canRetry)
		if err != nil {
			cancel()
			return nil, nil, fmt.Errorf("building upstream request: %w", err)
		}

		resp, err := m.rt.RoundTrip(out)
		if err == nil {
			m.recorder.IncUpstreamAttempt(service, "ok")
			return resp, cancel, nil
		}
		cancel()

		if r.Context().Err() != nil {
			return nil, nil, r.Context().Err()
		}
		lastErr = classify(err)
		if errors.Is(lastErr, ErrUpstreamTimeout) {
			m.recorder.IncUpstreamAttempt(service, "timeout")
		} else {
			m.recorder.IncUpstreamAttempt(service, "error")
		}
	}
	return nil, nil, lastErr
}

func classify(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUpstreamUnreachable, err)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) outboundRequest(ctx context.Context, r *http.Request, target *url.URL, bodiless bool) (*http.Request, error) {
	var body io.Reader = r.Body
	if bodiless || r.Body == nil {
		body = http.NoBody
	}
	out, err := http.NewRequestWithContext(ctx, r.Method, target.String(), body)
	if err != nil {
		return nil, err
	}
	out.URL = target
	if !bodiless {
		out.ContentLength = r.ContentLength
	}

	out.Header = r.Header.Clone()
	removeHopHeaders(out.Header)
	setForwardedHeaders(out.Header, r)
	return out, nil
}

func (m *Manager) writeResponse(w http.ResponseWriter, resp *http.Response, base *url.URL, prefix string) error {
	h := w.Header()
	for k, vv := range resp.Header {
		for _, v := range vv {
			h.Add(k, v)
		}
	}
	removeHopHeaders(h)
	if loc := resp.Header.Get("Location"); loc != "" {
		h.Set("Location", rewriteLocation(loc, base, prefix))
	}

	w.WriteHeader(resp.StatusCode)

	rc := http.NewResponseController(w)
	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return fmt.Errorf("%w: %v", ErrStreamAborted, err)
			}
			_ = rc.Flush()
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("%w: %v", ErrStreamAborted, readErr)
		}
	}
}

// proxyUpgrade hands protocol upgrades to httputil.ReverseProxy over the shared transport.
func (m *Manager) proxyUpgrade(w http.ResponseWriter, r *http.Request, svc *registry.Service, target *url.URL) {
	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL = target
			pr.Out.Host = ""
			pr.SetXForwarded()
			if pr.Out.Header.Get("X-Request-ID") == "" {
				pr.Out.Header.Set("X-Request-ID", uuid.NewString())
			}
		},
		Transport:     m.rt,
		FlushInterval: -1,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			m.logger.Warn("upgrade proxy failed", "service", svc.Name, "error", err)
			m.notifyFailure(svc.Name)
			w.WriteHeader(http.StatusBadGateway)
		},
	}
	rp.ServeHTTP(w, r)
}

func isUpgrade(r *http.Request) bool {
	return headerHasToken(r.Header, "Connection", "upgrade") && r.Header.Get("Upgrade") != ""
}

// buildTargetURL joins the service base path with the escaped downstream path.
func buildTargetURL(base *url.URL, escapedPath, rawQuery string) *url.URL {
	u := *base
	basePath := strings.TrimSuffix(base.EscapedPath(), "/")
	joined := basePath + escapedPath
	if unescaped, err := url.PathUnescape(joined); err == nil {
		u.Path = unescaped
		u.RawPath = joined
	} else {
		u.Path = joined
		u.RawPath = ""
	}
	u.RawQuery = rawQuery
	return &u
}

// rewriteLocation maps redirects that point at the backend back onto the gateway path.
func rewriteLocation(loc string, base *url.URL, prefix string) string {
	u, err := url.Parse(loc)
	if err != nil {
		return loc
	}
	if u.IsAbs() {
		if !strings.EqualFold(u.Host, base.Host) || u.Scheme != base.Scheme {
			return loc
		}
		u.Scheme = ""
		u.Host = ""
	}
	if !strings.HasPrefix(u.Path, "/") {
		return u.String()
	}
	basePath := strings.TrimSuffix(base.Path, "/")
	if basePath != "" {
		if !strings.HasPrefix(u.Path, basePath) {
			return u.String()
		}
		u.Path = strings.TrimPrefix(u.Path, basePath)
		u.RawPath = ""
	}
	u.Path = prefix + u.Path
	u.RawPath = ""
	return u.String()
}
