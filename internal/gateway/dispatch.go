// ABOUTME: Request dispatcher: route match, health gate, proxy, and error mapping
// ABOUTME: Every request ends in exactly one response and one access log line

package gateway

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/2389/kilo-gateway/internal/problem"
	"github.com/2389/kilo-gateway/internal/proxy"
	"github.com/2389/kilo-gateway/internal/registry"
	"github.com/2389/kilo-gateway/internal/router"
)

const requestIDHeader = "X-Request-ID"

// statusClientClosed is recorded for requests the client abandoned before a response.
const statusClientClosed = 499

// Forwarder streams a request to a resolved service.
type Forwarder interface {
	Proxy(w http.ResponseWriter, r *http.Request, svc *registry.Service, downstreamPath, prefix string) error
	BreakerTimeout() time.Duration
}

// RequestRecorder observes dispatched requests.
type RequestRecorder interface {
	ObserveRequest(service string, code int, elapsed time.Duration)
}

type nopRequestRecorder struct{}

func (nopRequestRecorder) ObserveRequest(string, int, time.Duration) {}

// Dispatcher is the gateway's root http.Handler.
type Dispatcher struct {
	table    *router.Table
	registry *registry.Registry
	forward  Forwarder
	handlers map[string]http.Handler

	// A probed service unhealthy for at least grace is refused with 503.
	grace      time.Duration
	retryAfter time.Duration

	recorder RequestRecorder
	clock    clock.PassiveClock
	logger   *slog.Logger
}

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	Table    *router.Table
	Registry *registry.Registry
	Forward  Forwarder
	// Handlers maps router handler keys to in-process handlers.
	Handlers    map[string]http.Handler
	GracePeriod time.Duration
	// RetryAfter is advertised when a service is refused as unhealthy.
	RetryAfter time.Duration
	Recorder   RequestRecorder
	Clock      clock.PassiveClock
	Logger     *slog.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	if opts.Recorder == nil {
		opts.Recorder = nopRequestRecorder{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Handlers == nil {
		opts.Handlers = map[string]http.Handler{}
	}
	return &Dispatcher{
		table:      opts.Table,
		registry:   opts.Registry,
		forward:    opts.Forward,
		handlers:   opts.Handlers,
		grace:      opts.GracePeriod,
		retryAfter: opts.RetryAfter,
		recorder:   opts.Recorder,
		clock:      opts.Clock,
		logger:     opts.Logger.With("component", "dispatcher"),
	}
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := d.clock.Now()

	reqID := r.Header.Get(requestIDHeader)
	if reqID == "" {
		reqID = uuid.NewString()
		r.Header.Set(requestIDHeader, reqID)
	}

	sw := &statusWriter{ResponseWriter: w}
	service, internal := d.dispatch(sw, r)

	status := sw.Status()
	if !sw.wrote && r.Context().Err() != nil {
		status = statusClientClosed
	}
	elapsed := d.clock.Since(start)
	d.recorder.ObserveRequest(service, status, elapsed)

	level := slog.LevelInfo
	if internal {
		level = slog.LevelDebug
	}
	d.logger.Log(r.Context(), level, "request",
		"method", r.Method,
		"path", r.URL.Path,
		"service", service,
		"status", status,
		"duration", elapsed,
		"request_id", reqID,
	)
}

// dispatch writes the response and reports the target service name, if any, and
// whether the request was served in-process.
func (d *Dispatcher) dispatch(w *statusWriter, r *http.Request) (service string, internal bool) {
	m, err := d.table.Match(r.URL.EscapedPath())
	if err != nil {
		d.writeError(w, r, "", err)
		return "", false
	}

	if m.Handler != "" {
		h, ok := d.handlers[m.Handler]
		if !ok {
			problem.Write(w, problem.TypeNotFound, http.StatusNotFound, "endpoint not enabled")
			return "", true
		}
		w.Header().Set(requestIDHeader, r.Header.Get(requestIDHeader))
		h.ServeHTTP(w, r)
		return "", true
	}

	svc := m.Service
	if wait, down := d.unavailable(svc.Name); down {
		w.Header().Set("Retry-After", retryAfterSeconds(wait))
		problem.WriteDetail(w, problem.Detail{
			Type:    problem.TypeServiceUnavailable,
			Title:   http.StatusText(http.StatusServiceUnavailable),
			Status:  http.StatusServiceUnavailable,
			Detail:  fmt.Sprintf("service %s is unhealthy", svc.Name),
			Service: svc.Name,
		})
		return svc.Name, false
	}

	if err := d.forward.Proxy(w, r, svc, m.Path, m.Prefix); err != nil {
		if w.wrote {
			d.logger.Warn("response aborted", "service", svc.Name, "request_id", r.Header.Get(requestIDHeader), "error", err)
			return svc.Name, false
		}
		d.writeError(w, r, svc.Name, err)
	}
	return svc.Name, false
}

// unavailable reports whether a probed service has been unhealthy past the
// grace period. Services not yet probed are always forwarded.
func (d *Dispatcher) unavailable(name string) (time.Duration, bool) {
	e, ok := d.registry.Entry(name)
	if !ok || !e.Probed() || e.Healthy {
		return 0, false
	}
	if e.UnhealthyFor(d.clock.Now()) < d.grace {
		return 0, false
	}
	return d.retryAfter, true
}

// writeError maps routing and transport errors to problem responses. Nothing is
// written when the client has already gone away.
func (d *Dispatcher) writeError(w http.ResponseWriter, r *http.Request, service string, err error) {
	if r.Context().Err() != nil {
		d.logger.Debug("client went away", "service", service, "error", err)
		return
	}

	p := problem.Detail{Service: service, Detail: err.Error()}
	switch {
	case errors.Is(err, router.ErrMalformedPath):
		p.Type, p.Status = problem.TypeMalformedPath, http.StatusBadRequest
	case errors.Is(err, registry.ErrUnknownService):
		p.Type, p.Status = problem.TypeServiceUnknown, http.StatusNotFound
	case errors.Is(err, router.ErrNoRoute):
		p.Type, p.Status = problem.TypeNotFound, http.StatusNotFound
	case errors.Is(err, proxy.ErrBreakerOpen):
		w.Header().Set("Retry-After", retryAfterSeconds(d.forward.BreakerTimeout()))
		p.Type, p.Status = problem.TypeServiceUnavailable, http.StatusServiceUnavailable
	case errors.Is(err, proxy.ErrClosed):
		p.Type, p.Status = problem.TypeServiceUnavailable, http.StatusServiceUnavailable
		p.Detail = "gateway is shutting down"
	case errors.Is(err, proxy.ErrUpstreamTimeout):
		p.Type, p.Status = problem.TypeUpstreamTimeout, http.StatusGatewayTimeout
	case errors.Is(err, proxy.ErrUpstreamUnreachable):
		p.Type, p.Status = problem.TypeUpstreamUnreachable, http.StatusBadGateway
	default:
		d.logger.Error("dispatch failed", "service", service, "error", err)
		p.Type, p.Status = problem.TypeInternal, http.StatusInternalServerError
		p.Detail = "internal error"
	}
	p.Title = http.StatusText(p.Status)
	problem.WriteDetail(w, p)
}

func retryAfterSeconds(d time.Duration) string {
	secs := int(d.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// statusWriter records the response status. It keeps Flush and Hijack
// reachable for streaming and upgraded responses.
type statusWriter struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wrote {
		w.status = code
		w.wrote = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wrote {
		w.status = http.StatusOK
		w.wrote = true
	}
	return w.ResponseWriter.Write(b)
}

// Status returns the written status, or 200 if nothing was written.
func (w *statusWriter) Status() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	w.wrote = true
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
