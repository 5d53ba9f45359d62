// ABOUTME: Background prober that checks every backend's health endpoint on an interval
// ABOUTME: It is the only writer of registry health and raises ServiceDown alerts on transitions

package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/2389/kilo-gateway/internal/alerts"
	"github.com/2389/kilo-gateway/internal/registry"
)

// ErrUnhealthyStatus is recorded when a health endpoint answers with a non-2xx status.
var ErrUnhealthyStatus = errors.New("unhealthy status")

// Recorder receives probe outcomes for metrics.
type Recorder interface {
	ObserveProbe(service string, healthy bool, elapsed time.Duration)
}

// Options configures a Prober.
type Options struct {
	Interval      time.Duration
	Timeout       time.Duration
	AlertCooldown time.Duration
	Client        *http.Client
	Alerts        *alerts.Log
	Recorder      Recorder
	Clock         clock.WithTicker
	Logger        *slog.Logger
}

// Prober owns the registry's write handle.
type Prober struct {
	reg      *registry.Registry
	updater  *registry.Updater
	client   *http.Client
	alerts   *alerts.Log
	recorder Recorder
	clock    clock.WithTicker
	logger   *slog.Logger

	interval      time.Duration
	timeout       time.Duration
	alertCooldown time.Duration

	fastFail chan string
	pendMu   sync.Mutex
	pending  map[string]bool
}

// New claims the registry updater. Call it once per registry.
func New(reg *registry.Registry, opts Options) *Prober {
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Prober{
		reg:           reg,
		updater:       reg.Updater(),
		client:        opts.Client,
		alerts:        opts.Alerts,
		recorder:      opts.Recorder,
		clock:         opts.Clock,
		logger:        opts.Logger.With("component", "prober"),
		interval:      opts.Interval,
		timeout:       opts.Timeout,
		alertCooldown: opts.AlertCooldown,
		fastFail:      make(chan string, len(reg.Names())+1),
		pending:       make(map[string]bool),
	}
}

// Interval returns the probe interval.
func (p *Prober) Interval() time.Duration {
	return p.interval
}

// Run probes immediately, then every interval, until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) error {
	p.logger.Info("prober started", "interval", p.interval, "services", len(p.reg.Names()))
	p.cycle(ctx)

	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("prober stopped")
			return nil
		case <-ticker.C():
			p.cycle(ctx)
		case name := <-p.fastFail:
			p.clearPending(name)
			probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
			p.ProbeOne(probeCtx, name)
			cancel()
		}
	}
}

func (p *Prober) cycle(ctx context.Context) {
	cycleCtx, cancel := context.WithTimeout(ctx, p.interval)
	defer cancel()
	p.ProbeAll(cycleCtx)
}

// ProbeAll checks every service concurrently and waits for all results.
func (p *Prober) ProbeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, name := range p.reg.Names() {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
			defer cancel()
			p.ProbeOne(probeCtx, name)
		}(name)
	}
	wg.Wait()
}

// ProbeOne checks a single service and publishes the result.
func (p *Prober) ProbeOne(ctx context.Context, name string) {
	svc, err := p.reg.Resolve(name)
	if err != nil {
		p.logger.Warn("probe for unknown service", "service", name)
		return
	}

	start := p.clock.Now()
	probeErr := p.check(ctx, svc)
	elapsed := p.clock.Since(start)

	prev, next, err := p.updater.Apply(registry.ProbeResult{
		Name:    svc.Name,
		At:      p.clock.Now().UTC(),
		Err:     probeErr,
		Latency: elapsed,
	})
	if err != nil {
		p.logger.Error("applying probe result", "service", svc.Name, "error", err)
		return
	}
	if p.recorder != nil {
		p.recorder.ObserveProbe(svc.Name, next.Healthy, elapsed)
	}

	switch {
	case prev.Healthy && !next.Healthy:
		p.logger.Warn("service became unhealthy", "service", svc.Name, "error", probeErr)
		if p.alerts != nil {
			p.alerts.Raise(alerts.KindServiceDown, alerts.SeverityHigh, svc.Name,
				fmt.Sprintf("Service %s is not responding: %v", svc.Name, probeErr),
				"service-down:"+svc.Name, p.alertCooldown)
		}
	case !prev.Healthy && next.Healthy:
		p.logger.Info("service recovered", "service", svc.Name)
	}
}

func (p *Prober) check(ctx context.Context, svc *registry.Service) error {
	target := svc.BaseURL.JoinPath(svc.HealthPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 16<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %d", ErrUnhealthyStatus, resp.StatusCode)
	}
	return nil
}

// ReportFailure asks for an out-of-band re-probe of service. It never blocks and
// coalesces repeated reports while one is already queued.
func (p *Prober) ReportFailure(service string) {
	p.pendMu.Lock()
	if p.pending[service] {
		p.pendMu.Unlock()
		return
	}
	p.pending[service] = true
	p.pendMu.Unlock()

	select {
	case p.fastFail <- service:
	default:
		p.clearPending(service)
	}
}

func (p *Prober) clearPending(service string) {
	p.pendMu.Lock()
	delete(p.pending, service)
	p.pendMu.Unlock()
}

// Aggregate returns the number of healthy services and the total.
func (p *Prober) Aggregate() (healthy, total int) {
	return p.reg.Snapshot().Aggregate()
}

// Detail returns the per-service status view, sorted by name.
func (p *Prober) Detail() []ServiceStatus {
	entries := p.reg.Snapshot().Entries()
	out := make([]ServiceStatus, 0, len(entries))
	for _, e := range entries {
		out = append(out, StatusOf(e))
	}
	return out
}
