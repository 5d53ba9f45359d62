// ABOUTME: Tests for the alert ring log and notifier fan-out
// ABOUTME: Uses a fake clock for cooldowns and httptest servers for relay delivery

package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

type countingCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *countingCounter) IncAlert(kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = map[string]int{}
	}
	c.counts[kind]++
}

type captureSink struct {
	mu   sync.Mutex
	recs []Record
}

func (s *captureSink) Deliver(r Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, r)
}

func newTestLog(capacity int) (*Log, *clocktesting.FakeClock) {
	clk := clocktesting.NewFakeClock(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC))
	return New(Options{Capacity: capacity, Clock: clk}), clk
}

func TestLog_NewestFirst(t *testing.T) {
	l, clk := newTestLog(10)
	defer l.Close()

	for i := 0; i < 3; i++ {
		_, ok := l.Raise(KindServiceDown, SeverityHigh, fmt.Sprintf("svc-%d", i), "down", "", 0)
		require.True(t, ok)
		clk.Step(time.Second)
	}

	got := l.List(0)
	require.Len(t, got, 3)
	assert.Equal(t, "svc-2", got[0].RelatedEntity)
	assert.Equal(t, "svc-0", got[2].RelatedEntity)
	assert.NotEmpty(t, got[0].ID)
	assert.True(t, got[0].CreatedAt.After(got[2].CreatedAt))
}

func TestLog_RingOverwritesOldest(t *testing.T) {
	l, _ := newTestLog(3)
	defer l.Close()

	for i := 0; i < 5; i++ {
		l.Raise(KindPodPending, SeverityNormal, fmt.Sprintf("pod-%d", i), "pending", "", 0)
	}

	assert.Equal(t, 3, l.Len())
	got := l.List(0)
	require.Len(t, got, 3)
	assert.Equal(t, "pod-4", got[0].RelatedEntity)
	assert.Equal(t, "pod-2", got[2].RelatedEntity)

	limited := l.List(2)
	require.Len(t, limited, 2)
	assert.Equal(t, "pod-3", limited[1].RelatedEntity)
}

func TestLog_Cooldown(t *testing.T) {
	l, clk := newTestLog(10)
	defer l.Close()

	_, ok := l.Raise(KindServiceDown, SeverityHigh, "cam", "cam down", "down:cam", 5*time.Minute)
	assert.True(t, ok)

	clk.Step(time.Minute)
	_, ok = l.Raise(KindServiceDown, SeverityHigh, "cam", "cam down", "down:cam", 5*time.Minute)
	assert.False(t, ok, "within cooldown")

	_, ok = l.Raise(KindServiceDown, SeverityHigh, "meds", "meds down", "down:meds", 5*time.Minute)
	assert.True(t, ok, "other key unaffected")

	clk.Step(5 * time.Minute)
	_, ok = l.Raise(KindServiceDown, SeverityHigh, "cam", "cam down", "down:cam", 5*time.Minute)
	assert.True(t, ok)
	assert.Equal(t, 3, l.Len())
}

func TestLog_CountsAndSinks(t *testing.T) {
	counter := &countingCounter{}
	sink := &captureSink{}
	l := New(Options{Capacity: 5, Counter: counter, Sinks: []Sink{sink}})
	defer l.Close()

	l.Raise(KindNodeNotReady, SeverityHigh, "node-1", "not ready", "", 0)

	assert.Equal(t, 1, counter.counts["NodeNotReady"])
	require.Len(t, sink.recs, 1)
	assert.Equal(t, KindNodeNotReady, sink.recs[0].Kind)
}

func TestLog_EmptyList(t *testing.T) {
	l, _ := newTestLog(4)
	defer l.Close()
	assert.Empty(t, l.List(10))
}

func TestNotifier_Send(t *testing.T) {
	var mu sync.Mutex
	bodies := map[string]map[string]any{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		bodies[r.URL.Path] = body
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewNotifier(srv.Client(), srv.URL+"/", srv.URL, nil)
	defer n.Close()

	rec := Record{ID: "a1", Kind: KindPodCrashLoop, Severity: SeverityHigh, Message: "meds crash looping", RelatedEntity: "meds-abc"}
	require.NoError(t, n.Send(context.Background(), rec))

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, bodies, "/emit")
	assert.Equal(t, "system_alert", bodies["/emit"]["event"])
	data, ok := bodies["/emit"]["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "meds-abc", data["related_entity"])

	require.Contains(t, bodies, "/observations")
	assert.Equal(t, "health_monitor", bodies["/observations"]["source"])
	assert.Equal(t, "high", bodies["/observations"]["priority"])
	assert.Equal(t, "meds crash looping", bodies["/observations"]["content"])
}

func TestNotifier_SendAggregatesErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewNotifier(srv.Client(), srv.URL, srv.URL, nil)
	defer n.Close()

	err := n.Send(context.Background(), Record{ID: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/emit")
	assert.Contains(t, err.Error(), "/observations")
}

func TestNotifier_DeliverAsync(t *testing.T) {
	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.URL.Path
	}))
	defer srv.Close()

	n := NewNotifier(srv.Client(), srv.URL, "", nil)
	defer n.Close()

	n.Deliver(Record{ID: "q"})
	select {
	case path := <-got:
		assert.Equal(t, "/emit", path)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestNotifier_CloseIdempotent(t *testing.T) {
	n := NewNotifier(http.DefaultClient, "", "", nil)
	n.Close()
	assert.NotPanics(t, n.Close)
	n.Deliver(Record{ID: "after-close"})
}
