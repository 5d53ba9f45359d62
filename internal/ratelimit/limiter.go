// ABOUTME: Per-client token bucket limiter for the admin surface
// ABOUTME: Keys buckets by client IP and evicts idle clients on a background loop

package ratelimit

import (
	"errors"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"k8s.io/utils/clock"

	"github.com/2389/kilo-gateway/internal/problem"
)

// Defaults for the eviction loop.
const (
	DefaultCleanupInterval = time.Minute
	DefaultStaleAfter      = 10 * time.Minute
)

// ErrInvalidLimit is returned when the rate or burst is not positive.
var ErrInvalidLimit = errors.New("ratelimit: rate and burst must be positive")

// RejectionCounter counts rejected requests.
type RejectionCounter interface {
	IncRateLimitRejectionsTotal()
}

// Options configures a Limiter.
type Options struct {
	RequestsPerSecond float64
	Burst             int
	TrustedProxies    []string
	CleanupInterval   time.Duration
	StaleAfter        time.Duration
	Counter           RejectionCounter
	Clock             clock.WithTicker
	Logger            *slog.Logger
}

// Limiter implements per-IP rate limiting with automatic cleanup of stale entries.
type Limiter struct {
	mu             sync.Mutex
	clients        map[string]*clientEntry
	limit          rate.Limit
	burst          int
	staleAfter     time.Duration
	trustedProxies map[string]bool

	counter RejectionCounter
	clock   clock.WithTicker
	logger  *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

type clientEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a limiter and starts its eviction loop. Call Close to stop it.
func New(opts Options) (*Limiter, error) {
	if opts.RequestsPerSecond <= 0 || opts.Burst <= 0 {
		return nil, ErrInvalidLimit
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = DefaultCleanupInterval
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	l := &Limiter{
		clients:        make(map[string]*clientEntry),
		limit:          rate.Limit(opts.RequestsPerSecond),
		burst:          opts.Burst,
		staleAfter:     opts.StaleAfter,
		trustedProxies: make(map[string]bool, len(opts.TrustedProxies)),
		counter:        opts.Counter,
		clock:          opts.Clock,
		logger:         opts.Logger.With("component", "ratelimit"),
		done:           make(chan struct{}),
	}
	for _, p := range opts.TrustedProxies {
		l.trustedProxies[p] = true
	}

	go l.cleanupLoop(opts.CleanupInterval)
	return l, nil
}

func (l *Limiter) getClient(ip string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.clients[ip]
	if !ok {
		entry = &clientEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[ip] = entry
	}
	entry.lastSeen = now
	return entry.limiter
}

// Allow reports whether a request from ip may proceed now.
func (l *Limiter) Allow(ip string) bool {
	now := l.clock.Now()
	return l.getClient(ip, now).AllowN(now, 1)
}

// RetryAfter returns the whole seconds until ip may send another request.
func (l *Limiter) RetryAfter(ip string) int {
	now := l.clock.Now()
	r := l.getClient(ip, now).ReserveN(now, 1)
	delay := r.DelayFrom(now)
	r.CancelAt(now)
	secs := int(math.Ceil(delay.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Len returns the number of tracked clients.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

func (l *Limiter) cleanupLoop(interval time.Duration) {
	ticker := l.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			l.cleanup()
		case <-l.done:
			return
		}
	}
}

func (l *Limiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	for ip, entry := range l.clients {
		if now.Sub(entry.lastSeen) > l.staleAfter {
			delete(l.clients, ip)
		}
	}
}

// Close stops the cleanup goroutine. Safe to call more than once.
func (l *Limiter) Close() {
	l.closeOnce.Do(func() { close(l.done) })
}

// ClientIP extracts the client address from r. Forwarding headers are only
// honored when the direct peer is a trusted proxy.
func (l *Limiter) ClientIP(r *http.Request) string {
	remoteIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		remoteIP = r.RemoteAddr
	}
	if !l.trustedProxies[remoteIP] {
		return remoteIP
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); net.ParseIP(ip) != nil {
			return ip
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(xri) != nil {
		return xri
	}
	return remoteIP
}

// Middleware rejects requests over the limit with 429 and a Retry-After header.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := l.ClientIP(r)
		if l.Allow(ip) {
			next.ServeHTTP(w, r)
			return
		}

		retryAfter := l.RetryAfter(ip)
		if l.counter != nil {
			l.counter.IncRateLimitRejectionsTotal()
		}
		l.logger.Debug("rate limited", "client", ip, "path", r.URL.Path, "retry_after", retryAfter)

		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		problem.Write(w, problem.TypeRateLimited, http.StatusTooManyRequests,
			"rate limit exceeded, retry in "+strconv.Itoa(retryAfter)+"s")
	})
}
