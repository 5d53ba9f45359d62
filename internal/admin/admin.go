// ABOUTME: Admin HTTP surface wiring: routes, authentication, rate limiting
// ABOUTME: Routes are registered under /admin and mirrored under /api/admin

package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"k8s.io/utils/clock"

	"github.com/2389/kilo-gateway/internal/alerts"
	"github.com/2389/kilo-gateway/internal/auth"
	"github.com/2389/kilo-gateway/internal/fleet"
	"github.com/2389/kilo-gateway/internal/health"
	"github.com/2389/kilo-gateway/internal/problem"
	"github.com/2389/kilo-gateway/internal/registry"
	"github.com/2389/kilo-gateway/internal/store"
)

// Route prefixes. APIPrefix exists for frontends that only reach the gateway under /api.
const (
	Prefix    = "/admin"
	APIPrefix = "/api/admin"
)

const maxBodyBytes = 1 << 20

// HealthView is the read side of the health prober.
type HealthView interface {
	Aggregate() (healthy, total int)
	Detail() []health.ServiceStatus
}

// FleetView is the read side of the fleet controller.
type FleetView interface {
	Snapshot() *fleet.Snapshot
}

// Actions executes corrective actions. *fleet.Corrector implements it.
type Actions interface {
	Namespace() string
	RestartPod(ctx context.Context, actor, name, reason string) (fleet.Result, error)
	DeletePod(ctx context.Context, actor, name string, force bool) (fleet.Result, error)
	ScaleDeployment(ctx context.Context, actor, name string, replicas int32) (fleet.Result, error)
}

// Middleware wraps a handler.
type Middleware func(http.Handler) http.Handler

// Options configures the admin handler. Fleet and Actions are nil when the
// fleet controller is disabled.
type Options struct {
	Registry *registry.Registry
	Health   HealthView
	Fleet    FleetView
	Actions  Actions
	Alerts   *alerts.Log
	Store    store.Store
	Authn    auth.Authenticator
	// RateLimit wraps every admin route when set.
	RateLimit Middleware
	// Client is used to scrape backend metrics.
	Client        *http.Client
	ScrapeTimeout time.Duration
	Clock         clock.PassiveClock
	Logger        *slog.Logger
}

// Handler serves the admin surface.
type Handler struct {
	opts   Options
	clock  clock.PassiveClock
	logger *slog.Logger
	mux    *http.ServeMux
	entry  http.Handler
}

// New creates the admin handler.
func New(opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	if opts.ScrapeTimeout <= 0 {
		opts.ScrapeTimeout = 5 * time.Second
	}
	if opts.Authn == nil {
		opts.Authn = auth.NewChain()
	}

	h := &Handler{
		opts:   opts,
		clock:  opts.Clock,
		logger: opts.Logger.With("component", "admin"),
		mux:    http.NewServeMux(),
	}
	h.routes()
	h.entry = h.mux
	if opts.RateLimit != nil {
		h.entry = opts.RateLimit(h.mux)
	}
	return h
}

func (h *Handler) routes() {
	required := auth.HTTPAuthMiddleware(h.opts.Authn, h.logger)
	optional := auth.OptionalAuthMiddleware(h.opts.Authn)

	type route struct {
		method  string
		path    string
		handler http.HandlerFunc
		wrap    func(http.Handler) http.Handler
	}
	routes := []route{
		{http.MethodGet, "/status", h.handleStatus, required},
		{http.MethodGet, "/services", h.handleServices, required},
		{http.MethodGet, "/services/{name}/metrics", h.handleServiceMetrics, required},
		{http.MethodGet, "/metrics/summary", h.handleMetricsSummary, required},
		{http.MethodGet, "/k8s/pods", h.handlePods, required},
		{http.MethodGet, "/k8s/nodes", h.handleNodes, required},
		{http.MethodGet, "/k8s/cronjobs", h.handleCronJobs, required},
		{http.MethodPost, "/k8s/pods/{name}/restart", h.handleRestartPod, required},
		{http.MethodDelete, "/k8s/pods/{name}", h.handleDeletePod, required},
		{http.MethodPost, "/k8s/deployments/{name}/scale", h.handleScaleDeployment, required},
		{http.MethodGet, "/alerts", h.handleAlerts, required},
		{http.MethodGet, "/audit", h.handleAudit, required},
		{http.MethodGet, "/tokens", h.handleListTokens, required},
		// Bootstrap: the first token can be issued without a credential.
		{http.MethodPost, "/tokens", h.handleCreateToken, optional},
		{http.MethodPost, "/tokens/{id}/revoke", h.handleRevokeToken, required},
		{http.MethodPost, "/validate", h.handleValidate, nil},
	}

	for _, rt := range routes {
		var handler http.Handler = rt.handler
		if rt.wrap != nil {
			handler = rt.wrap(handler)
		}
		for _, prefix := range []string{Prefix, APIPrefix} {
			h.mux.Handle(rt.method+" "+prefix+rt.path, handler)
		}
	}

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		problem.Write(w, problem.TypeNotFound, http.StatusNotFound, "no admin endpoint "+r.URL.Path)
	})
	h.mux.Handle(Prefix+"/", notFound)
	h.mux.Handle(APIPrefix+"/", notFound)
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.entry.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeBody reads a JSON body into v. An empty body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// actor names the authenticated caller for audit entries.
func actor(r *http.Request) string {
	return auth.FromContext(r.Context()).Actor()
}

func (h *Handler) internalError(w http.ResponseWriter, msg string, err error) {
	h.logger.Error(msg, "error", err)
	problem.Write(w, problem.TypeInternal, http.StatusInternalServerError, msg)
}
