// ABOUTME: Bounded in-memory alert log with per-key cooldown de-duplication
// ABOUTME: Records are appended by the prober and fleet controller and read by admin handlers

package alerts

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/2389/kilo-gateway/internal/cooldown"
)

// Kind classifies an alert.
type Kind string

const (
	KindServiceDown             Kind = "ServiceDown"
	KindPodCrashLoop            Kind = "PodCrashLoop"
	KindNodeNotReady            Kind = "NodeNotReady"
	KindPodPending              Kind = "PodPending"
	KindOrchestratorUnreachable Kind = "OrchestratorUnreachable"
)

// Severity of an alert.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityNormal Severity = "normal"
	SeverityHigh   Severity = "high"
)

const maxCooldown = 24 * time.Hour

// DefaultCapacity is the ring buffer size used when none is configured.
const DefaultCapacity = 200

// Record is one alert.
type Record struct {
	ID            string    `json:"id"`
	Kind          Kind      `json:"kind"`
	Severity      Severity  `json:"severity"`
	Message       string    `json:"message"`
	RelatedEntity string    `json:"related_entity"`
	CreatedAt     time.Time `json:"created_at"`
}

// Sink receives records after they are appended. Implementations must not block
// the caller for long; Notifier hands work to its own goroutine.
type Sink interface {
	Deliver(Record)
}

// Counter counts recorded alerts by kind.
type Counter interface {
	IncAlert(kind string)
}

// Log is a fixed-capacity ring of alert records.
type Log struct {
	mu    sync.RWMutex
	buf   []Record
	next  int
	full  bool
	clock clock.WithTicker

	cooldowns *cooldown.Tracker
	sinks     []Sink
	counter   Counter
	logger    *slog.Logger
}

// Options configures a Log.
type Options struct {
	Capacity int
	Clock    clock.WithTicker
	Logger   *slog.Logger
	Counter  Counter
	Sinks    []Sink
}

// New creates an alert log.
func New(opts Options) *Log {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Log{
		buf:   make([]Record, opts.Capacity),
		clock: opts.Clock,
		// Windows vary per kind; the tracker TTL only bounds retention.
		cooldowns: cooldown.NewWithClock(maxCooldown, 4096, opts.Clock),
		sinks:     opts.Sinks,
		counter:   opts.Counter,
		logger:    opts.Logger.With("component", "alerts"),
	}
}

// AddSink registers a sink after construction.
func (l *Log) AddSink(s Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sinks = append(l.sinks, s)
}

// Raise appends an alert unless one with the same dedupe key was raised within
// window. A zero window disables de-duplication. Returns the record and whether
// it was recorded.
func (l *Log) Raise(kind Kind, severity Severity, entity, message, key string, window time.Duration) (Record, bool) {
	if key != "" && window > 0 {
		if !l.cooldowns.AllowWithin(key, window) {
			return Record{}, false
		}
	}

	rec := Record{
		ID:            uuid.New().String(),
		Kind:          kind,
		Severity:      severity,
		Message:       message,
		RelatedEntity: entity,
		CreatedAt:     l.clock.Now().UTC(),
	}

	l.mu.Lock()
	l.buf[l.next] = rec
	l.next = (l.next + 1) % len(l.buf)
	if l.next == 0 {
		l.full = true
	}
	sinks := append([]Sink(nil), l.sinks...)
	l.mu.Unlock()

	if l.counter != nil {
		l.counter.IncAlert(string(kind))
	}
	l.logger.Warn("alert raised",
		"kind", kind,
		"severity", severity,
		"entity", entity,
		"message", message,
	)
	for _, s := range sinks {
		s.Deliver(rec)
	}
	return rec, true
}

// List returns up to limit records, newest first. limit <= 0 returns all.
func (l *Log) List(limit int) []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := l.next
	if l.full {
		n = len(l.buf)
	}
	if limit <= 0 || limit > n {
		limit = n
	}

	out := make([]Record, 0, limit)
	idx := l.next
	for i := 0; i < limit; i++ {
		idx--
		if idx < 0 {
			idx = len(l.buf) - 1
		}
		out = append(out, l.buf[idx])
	}
	return out
}

// Len returns the number of stored records.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.full {
		return len(l.buf)
	}
	return l.next
}

// Close releases the cooldown tracker.
func (l *Log) Close() {
	l.cooldowns.Close()
}
