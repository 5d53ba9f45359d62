// ABOUTME: Service registry holding the closed set of backend services and their health
// ABOUTME: Readers see immutable snapshots; only the Updater handle can publish changes

package registry

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/kilo-gateway/internal/config"
)

// ErrUnknownService is returned when a name or alias resolves to no service.
var ErrUnknownService = errors.New("unknown service")

// Service is the static description of a backend, fixed at startup.
type Service struct {
	Name         string
	BaseURL      *url.URL
	HealthPath   string
	Aliases      []string
	Capabilities map[string]struct{}
	Metrics      bool
}

// Entry is a point-in-time view of one service: its static description plus health.
type Entry struct {
	*Service
	Healthy             bool
	LastCheckedAt       time.Time
	LastError           *string
	UnhealthySince      time.Time
	ConsecutiveFailures int
	Latency             time.Duration
}

// Probed reports whether at least one probe has completed.
func (e Entry) Probed() bool {
	return !e.LastCheckedAt.IsZero()
}

// UnhealthyFor returns how long the entry has been unhealthy as of now, or zero.
func (e Entry) UnhealthyFor(now time.Time) time.Duration {
	if e.Healthy || e.UnhealthySince.IsZero() {
		return 0
	}
	return now.Sub(e.UnhealthySince)
}

// Snapshot is an immutable view of every entry. Never mutate a Snapshot obtained from Registry.
type Snapshot struct {
	entries map[string]Entry
	names   []string
}

// Get returns the entry for a canonical service name.
func (s *Snapshot) Get(name string) (Entry, bool) {
	e, ok := s.entries[name]
	return e, ok
}

// Entries returns all entries sorted by name.
func (s *Snapshot) Entries() []Entry {
	out := make([]Entry, 0, len(s.names))
	for _, n := range s.names {
		out = append(out, s.entries[n])
	}
	return out
}

// Aggregate returns the number of healthy services and the total.
func (s *Snapshot) Aggregate() (healthy, total int) {
	for _, e := range s.entries {
		if e.Healthy {
			healthy++
		}
	}
	return healthy, len(s.entries)
}

// Registry is the table of known backends. It is built once and never gains or loses services.
type Registry struct {
	services map[string]*Service
	aliases  map[string]string
	names    []string
	current  atomic.Pointer[Snapshot]

	updaterOnce sync.Once
}

// New builds a registry from the configured services. Names and aliases must already be valid.
func New(services map[string]config.ServiceConfig) (*Registry, error) {
	r := &Registry{
		services: make(map[string]*Service, len(services)),
		aliases:  make(map[string]string),
	}

	for name, sc := range services {
		u, err := url.Parse(sc.BaseURL)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("service %s: invalid base url %q", name, sc.BaseURL)
		}
		caps := make(map[string]struct{}, len(sc.Capabilities))
		for _, c := range sc.Capabilities {
			caps[c] = struct{}{}
		}
		r.services[name] = &Service{
			Name:         name,
			BaseURL:      u,
			HealthPath:   sc.HealthPath,
			Aliases:      append([]string(nil), sc.Aliases...),
			Capabilities: caps,
			Metrics:      sc.Metrics,
		}
		r.names = append(r.names, name)
		for _, a := range sc.Aliases {
			r.aliases[a] = name
		}
	}
	sort.Strings(r.names)

	// Services start healthy and unprobed so traffic flows before the first cycle.
	initial := &Snapshot{entries: make(map[string]Entry, len(r.services)), names: r.names}
	for name, svc := range r.services {
		initial.entries[name] = Entry{Service: svc, Healthy: true}
	}
	r.current.Store(initial)

	return r, nil
}

// Resolve maps a service name or alias to its canonical service.
func (r *Registry) Resolve(nameOrAlias string) (*Service, error) {
	if svc, ok := r.services[nameOrAlias]; ok {
		return svc, nil
	}
	if canonical, ok := r.aliases[nameOrAlias]; ok {
		return r.services[canonical], nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownService, nameOrAlias)
}

// Names returns the canonical service names in sorted order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// Snapshot returns the current immutable view.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Entry returns the current entry for a canonical name.
func (r *Registry) Entry(name string) (Entry, bool) {
	return r.current.Load().Get(name)
}

// Updater returns the single write handle. It panics if called twice so that
// exactly one owner can publish health changes.
func (r *Registry) Updater() *Updater {
	var u *Updater
	r.updaterOnce.Do(func() { u = &Updater{reg: r} })
	if u == nil {
		panic("registry: updater already claimed")
	}
	return u
}

// Updater publishes health changes. Apply serializes concurrent probe results.
type Updater struct {
	mu  sync.Mutex
	reg *Registry
}

// ProbeResult is the outcome of one health check.
type ProbeResult struct {
	Name    string
	At      time.Time
	Err     error
	Latency time.Duration
}

// Apply records a probe result and publishes a new snapshot. It returns the
// previous and new entries so callers can detect transitions.
func (u *Updater) Apply(res ProbeResult) (prev, next Entry, err error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	old := u.reg.current.Load()
	prev, ok := old.entries[res.Name]
	if !ok {
		return Entry{}, Entry{}, fmt.Errorf("%w: %s", ErrUnknownService, res.Name)
	}

	next = prev
	next.LastCheckedAt = res.At
	next.Latency = res.Latency
	if res.Err == nil {
		next.Healthy = true
		next.LastError = nil
		next.UnhealthySince = time.Time{}
		next.ConsecutiveFailures = 0
	} else {
		msg := res.Err.Error()
		next.LastError = &msg
		next.ConsecutiveFailures++
		if prev.Healthy || prev.UnhealthySince.IsZero() {
			next.UnhealthySince = res.At
		}
		next.Healthy = false
	}

	entries := make(map[string]Entry, len(old.entries))
	for k, v := range old.entries {
		entries[k] = v
	}
	entries[res.Name] = next
	u.reg.current.Store(&Snapshot{entries: entries, names: old.names})

	return prev, next, nil
}
