// ABOUTME: Tests for the health prober against httptest backends
// ABOUTME: Covers transitions, alerting with cooldown, fast-fail coalescing, and the run loop

package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/kilo-gateway/internal/alerts"
	"github.com/2389/kilo-gateway/internal/config"
	"github.com/2389/kilo-gateway/internal/registry"
)

type probeRecorder struct {
	mu      sync.Mutex
	healthy map[string]bool
}

func (r *probeRecorder) ObserveProbe(service string, healthy bool, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.healthy == nil {
		r.healthy = map[string]bool{}
	}
	r.healthy[service] = healthy
}

type backend struct {
	srv    *httptest.Server
	status atomic.Int32
	hits   atomic.Int32
}

func newBackend(t *testing.T, status int) *backend {
	t.Helper()
	b := &backend{}
	b.status.Store(int32(status))
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.hits.Add(1)
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(int(b.status.Load()))
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func setup(t *testing.T, backends map[string]*backend) (*Prober, *registry.Registry, *alerts.Log, *probeRecorder) {
	t.Helper()
	services := map[string]config.ServiceConfig{}
	for name, b := range backends {
		services[name] = config.ServiceConfig{BaseURL: b.srv.URL, HealthPath: "/health"}
	}
	reg, err := registry.New(services)
	require.NoError(t, err)

	log := alerts.New(alerts.Options{Capacity: 20})
	t.Cleanup(log.Close)
	rec := &probeRecorder{}

	p := New(reg, Options{
		Interval:      time.Hour,
		Timeout:       time.Second,
		AlertCooldown: 5 * time.Minute,
		Alerts:        log,
		Recorder:      rec,
	})
	return p, reg, log, rec
}

func TestProbeAll_MixedHealth(t *testing.T) {
	meds := newBackend(t, http.StatusOK)
	cam := newBackend(t, http.StatusServiceUnavailable)
	p, reg, log, rec := setup(t, map[string]*backend{"meds": meds, "cam": cam})

	p.ProbeAll(context.Background())

	medsEntry, _ := reg.Entry("meds")
	camEntry, _ := reg.Entry("cam")
	assert.True(t, medsEntry.Healthy)
	assert.True(t, medsEntry.Probed())
	assert.Nil(t, medsEntry.LastError)

	assert.False(t, camEntry.Healthy)
	require.NotNil(t, camEntry.LastError)
	assert.Contains(t, *camEntry.LastError, "503")
	assert.Equal(t, 1, camEntry.ConsecutiveFailures)

	healthy, total := p.Aggregate()
	assert.Equal(t, 1, healthy)
	assert.Equal(t, 2, total)

	records := log.List(0)
	require.Len(t, records, 1)
	assert.Equal(t, alerts.KindServiceDown, records[0].Kind)
	assert.Equal(t, "cam", records[0].RelatedEntity)

	assert.True(t, rec.healthy["meds"])
	assert.False(t, rec.healthy["cam"])
}

func TestProbeOne_AlertOnlyOnTransitionWithinCooldown(t *testing.T) {
	cam := newBackend(t, http.StatusInternalServerError)
	p, reg, log, _ := setup(t, map[string]*backend{"cam": cam})
	ctx := context.Background()

	p.ProbeOne(ctx, "cam")
	p.ProbeOne(ctx, "cam")
	assert.Equal(t, 1, log.Len(), "still down is not a transition")

	cam.status.Store(http.StatusOK)
	p.ProbeOne(ctx, "cam")
	entry, _ := reg.Entry("cam")
	assert.True(t, entry.Healthy)
	assert.True(t, entry.UnhealthySince.IsZero())

	cam.status.Store(http.StatusInternalServerError)
	p.ProbeOne(ctx, "cam")
	assert.Equal(t, 1, log.Len(), "second transition inside cooldown is suppressed")
}

func TestProbeOne_Unreachable(t *testing.T) {
	dead := newBackend(t, http.StatusOK)
	p, reg, _, _ := setup(t, map[string]*backend{"usb": dead})
	dead.srv.Close()

	p.ProbeOne(context.Background(), "usb")

	entry, _ := reg.Entry("usb")
	assert.False(t, entry.Healthy)
	require.NotNil(t, entry.LastError)
}

func TestDetail(t *testing.T) {
	meds := newBackend(t, http.StatusOK)
	p, _, _, _ := setup(t, map[string]*backend{"meds": meds})

	before := p.Detail()
	require.Len(t, before, 1)
	assert.False(t, before[0].Probed)
	assert.Nil(t, before[0].LastCheckedAt)

	p.ProbeAll(context.Background())
	after := p.Detail()
	assert.True(t, after[0].Probed)
	assert.NotNil(t, after[0].LastCheckedAt)
	assert.Equal(t, meds.srv.URL, after[0].URL)
}

func TestReportFailure_CoalescesAndNeverBlocks(t *testing.T) {
	meds := newBackend(t, http.StatusOK)
	p, _, _, _ := setup(t, map[string]*backend{"meds": meds})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			p.ReportFailure("meds")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ReportFailure blocked")
	}
	assert.Len(t, p.fastFail, 1)
}

func TestRun_ProbesImmediatelyAndOnFastFail(t *testing.T) {
	meds := newBackend(t, http.StatusOK)
	p, reg, _, _ := setup(t, map[string]*backend{"meds": meds})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		e, _ := reg.Entry("meds")
		return e.Probed()
	}, 2*time.Second, 10*time.Millisecond)

	meds.status.Store(http.StatusBadGateway)
	p.ReportFailure("meds")
	require.Eventually(t, func() bool {
		e, _ := reg.Entry("meds")
		return !e.Healthy
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
