// ABOUTME: Circuit-breaker metric summary scraped from backend /metrics endpoints
// ABOUTME: Parses the Prometheus text exposition with expfmt and keeps only cb_* series

package admin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"

	"github.com/2389/kilo-gateway/internal/problem"
	"github.com/2389/kilo-gateway/internal/registry"
)

// Circuit-breaker series exported by the backends' shared client library.
var breakerMetrics = []string{
	"cb_open",
	"cb_open_until",
	"cb_failures_total",
	"cb_skips_total",
	"cb_success_total",
}

const maxScrapeBytes = 4 << 20

// ServiceMetrics is one service's scrape result.
type ServiceMetrics struct {
	OK        bool                `json:"ok"`
	FetchedAt time.Time           `json:"fetched_at"`
	Metrics   map[string]*float64 `json:"metrics"`
	Message   string              `json:"message,omitempty"`
}

// SummaryResponse is the body of GET /admin/metrics/summary.
type SummaryResponse struct {
	Services    map[string]ServiceMetrics `json:"services"`
	GeneratedAt time.Time                 `json:"generated_at"`
}

func (h *Handler) summaryServices() []*registry.Service {
	if h.opts.Registry == nil {
		return nil
	}
	var out []*registry.Service
	for _, name := range h.opts.Registry.Names() {
		svc, err := h.opts.Registry.Resolve(name)
		if err == nil && svc.Metrics {
			out = append(out, svc)
		}
	}
	return out
}

func (h *Handler) handleMetricsSummary(w http.ResponseWriter, r *http.Request) {
	services := h.summaryServices()

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = make(map[string]ServiceMetrics, len(services))
	)
	for _, svc := range services {
		wg.Go(func() {
			res := h.scrapeBreakerMetrics(r.Context(), svc)
			mu.Lock()
			out[svc.Name] = res
			mu.Unlock()
		})
	}
	wg.Wait()

	writeJSON(w, http.StatusOK, SummaryResponse{Services: out, GeneratedAt: h.clock.Now().UTC()})
}

func (h *Handler) scrapeBreakerMetrics(ctx context.Context, svc *registry.Service) ServiceMetrics {
	res := ServiceMetrics{FetchedAt: h.clock.Now().UTC()}

	body, err := h.fetchMetrics(ctx, svc)
	if err != nil {
		res.Message = err.Error()
		return res
	}
	defer body.Close()

	parser := expfmt.NewTextParser(model.UTF8Validation)
	families, err := parser.TextToMetricFamilies(io.LimitReader(body, maxScrapeBytes))
	if err != nil {
		res.Message = fmt.Sprintf("parsing metrics: %v", err)
		return res
	}

	res.OK = true
	res.Metrics = extractBreakerMetrics(families, svc.Name)
	return res
}

// fetchMetrics GETs the backend's /metrics. The caller closes the body.
func (h *Handler) fetchMetrics(ctx context.Context, svc *registry.Service) (io.ReadCloser, error) {
	ctx, cancel := context.WithTimeout(ctx, h.opts.ScrapeTimeout)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, svc.BaseURL.JoinPath("metrics").String(), nil)
	if err != nil {
		cancel()
		return nil, err
	}
	resp, err := h.opts.Client.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return cancelOnClose{ReadCloser: resp.Body, cancel: cancel}, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// extractBreakerMetrics returns the cb_* values for service. Labeled series
// count only when their service label matches; unlabeled series always count.
func extractBreakerMetrics(families map[string]*dto.MetricFamily, service string) map[string]*float64 {
	out := make(map[string]*float64, len(breakerMetrics))
	for _, name := range breakerMetrics {
		out[name] = nil
		mf, ok := families[name]
		if !ok {
			// Some exporters name the counter family without the _total suffix.
			if mf, ok = families[strings.TrimSuffix(name, "_total")]; !ok {
				continue
			}
		}
		for _, m := range mf.GetMetric() {
			if len(m.GetLabel()) > 0 {
				if label, _ := labelValue(m, "service"); label != service {
					continue
				}
			}
			if v, ok := sampleValue(mf.GetType(), m); ok {
				out[name] = &v
			}
		}
	}
	return out
}

func labelValue(m *dto.Metric, name string) (string, bool) {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue(), true
		}
	}
	return "", false
}

func sampleValue(t dto.MetricType, m *dto.Metric) (float64, bool) {
	switch t {
	case dto.MetricType_COUNTER:
		return m.GetCounter().GetValue(), true
	case dto.MetricType_GAUGE:
		return m.GetGauge().GetValue(), true
	case dto.MetricType_UNTYPED:
		return m.GetUntyped().GetValue(), true
	default:
		return 0, false
	}
}

// handleServiceMetrics relays one backend's raw exposition for operators.
func (h *Handler) handleServiceMetrics(w http.ResponseWriter, r *http.Request) {
	if h.opts.Registry == nil {
		problem.Write(w, problem.TypeServiceUnknown, http.StatusNotFound, "no registry")
		return
	}
	svc, err := h.opts.Registry.Resolve(r.PathValue("name"))
	if err != nil {
		problem.Write(w, problem.TypeServiceUnknown, http.StatusNotFound, err.Error())
		return
	}

	body, err := h.fetchMetrics(r.Context(), svc)
	if err != nil {
		problem.WriteDetail(w, problem.Detail{
			Type:    problem.TypeUpstreamUnreachable,
			Title:   http.StatusText(http.StatusBadGateway),
			Status:  http.StatusBadGateway,
			Detail:  err.Error(),
			Service: svc.Name,
		})
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", string(expfmt.NewFormat(expfmt.TypeTextPlain)))
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, io.LimitReader(body, maxScrapeBytes))
}
