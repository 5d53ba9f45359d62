// ABOUTME: Precedence-ordered route table mapping request paths to services or internal handlers
// ABOUTME: Enforces the WebSocket rule invariant at construction and rejects malformed paths

package router

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/2389/kilo-gateway/internal/config"
	"github.com/2389/kilo-gateway/internal/registry"
)

// Router errors
var (
	// ErrNoRoute means no rule matched the path
	ErrNoRoute = errors.New("no route for path")

	// ErrMalformedPath means the path has empty, dot, or encoded-slash segments
	ErrMalformedPath = errors.New("malformed path")

	// ErrInvalidTable means the rule table violates a startup invariant
	ErrInvalidTable = errors.New("invalid route table")
)

// WebSocketPath is the upgrade path owned by the real-time relay.
const WebSocketPath = "/socket.io/"

const webSocketSegment = "socket.io"

// Default priorities by kind. Higher wins.
const (
	PriorityExact    = 300
	PriorityPrefix   = 200
	PriorityCatchAll = 100
)

// Internal handler keys used by Exact rules that the gateway serves itself.
const (
	HandlerHealth  = "health"
	HandlerReady   = "ready"
	HandlerMetrics = "metrics"
	HandlerAdmin   = "admin"
	HandlerNotify  = "notify"
	// HandlerWebSocketUnavailable answers the WebSocket path when no relay service exists.
	HandlerWebSocketUnavailable = "websocket-unavailable"
)

var segmentPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Kind is how a rule matches a path.
type Kind int

const (
	Exact Kind = iota
	PrefixService
	CatchAll
)

func (k Kind) String() string {
	switch k {
	case Exact:
		return "exact"
	case PrefixService:
		return "prefix"
	case CatchAll:
		return "catch-all"
	default:
		return "unknown"
	}
}

// Rule is one routing rule. Exact rules name either a Service or a Handler.
type Rule struct {
	Kind     Kind
	Pattern  string
	Service  string
	Handler  string
	Rewrite  string
	Priority int
	// Exclude lists first segments a CatchAll rule never claims.
	Exclude []string

	order int
}

// Resolver maps a service name or alias to a service.
type Resolver interface {
	Resolve(nameOrAlias string) (*registry.Service, error)
}

// Match is the outcome of routing one path.
type Match struct {
	Rule    *Rule
	Handler string
	Service *registry.Service
	// Path is the escaped downstream path, always starting with "/".
	Path string
	// Prefix is the gateway-facing path that maps to the service root.
	Prefix string
}

// Table is an immutable, priority-sorted rule list.
type Table struct {
	rules    []Rule
	resolver Resolver
}

// NewTable sorts rules by descending priority (stable by declaration order)
// and validates the table.
func NewTable(resolver Resolver, rules []Rule) (*Table, error) {
	sorted := make([]Rule, len(rules))
	for i, r := range rules {
		if r.Priority == 0 {
			r.Priority = defaultPriority(r.Kind)
		}
		r.order = i
		sorted[i] = r
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})

	t := &Table{rules: sorted, resolver: resolver}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func defaultPriority(k Kind) int {
	switch k {
	case Exact:
		return PriorityExact
	case PrefixService:
		return PriorityPrefix
	default:
		return PriorityCatchAll
	}
}

// Rules returns the rules in evaluation order.
func (t *Table) Rules() []Rule {
	return append([]Rule(nil), t.rules...)
}

// Validate checks the startup invariants: exactly one rule claims the WebSocket
// path, it outranks every catch-all, and every catch-all excludes the WebSocket segment.
func (t *Table) Validate() error {
	seen := make(map[string]bool)
	maxCatchAll := 0
	var wsRules []Rule

	for _, r := range t.rules {
		switch r.Kind {
		case Exact:
			if !strings.HasPrefix(r.Pattern, "/") {
				return fmt.Errorf("%w: exact pattern %q must start with /", ErrInvalidTable, r.Pattern)
			}
			if seen[r.Pattern] {
				return fmt.Errorf("%w: duplicate exact pattern %q", ErrInvalidTable, r.Pattern)
			}
			seen[r.Pattern] = true
			if (r.Service == "") == (r.Handler == "") {
				return fmt.Errorf("%w: exact pattern %q needs exactly one of service or handler", ErrInvalidTable, r.Pattern)
			}
			if r.Service != "" && t.resolver != nil {
				if _, err := t.resolver.Resolve(r.Service); err != nil {
					return fmt.Errorf("%w: exact pattern %q: %v", ErrInvalidTable, r.Pattern, err)
				}
			}
			if exactMatches(r.Pattern, WebSocketPath) {
				wsRules = append(wsRules, r)
			}
		case CatchAll:
			if !contains(r.Exclude, webSocketSegment) {
				return fmt.Errorf("%w: catch-all rule must exclude %q", ErrInvalidTable, webSocketSegment)
			}
			if r.Priority > maxCatchAll {
				maxCatchAll = r.Priority
			}
		case PrefixService:
			if !strings.HasPrefix(r.Pattern, "/") || !strings.HasSuffix(r.Pattern, "/") {
				return fmt.Errorf("%w: prefix pattern %q must start and end with /", ErrInvalidTable, r.Pattern)
			}
			if exactMatches(r.Pattern, WebSocketPath) {
				wsRules = append(wsRules, r)
			}
		}
	}

	if len(wsRules) != 1 {
		return fmt.Errorf("%w: %d rules match %s, want exactly 1", ErrInvalidTable, len(wsRules), WebSocketPath)
	}
	if wsRules[0].Priority <= maxCatchAll {
		return fmt.Errorf("%w: websocket rule priority %d must exceed catch-all priority %d",
			ErrInvalidTable, wsRules[0].Priority, maxCatchAll)
	}
	return nil
}

// Match routes an escaped request path.
func (t *Table) Match(escapedPath string) (Match, error) {
	if err := checkPath(escapedPath); err != nil {
		return Match{}, err
	}

	for i := range t.rules {
		r := &t.rules[i]
		switch r.Kind {
		case Exact:
			if !exactMatches(r.Pattern, escapedPath) {
				continue
			}
			return t.matchExact(r, escapedPath)
		case PrefixService:
			if !strings.HasPrefix(escapedPath, r.Pattern) {
				continue
			}
			seg, rest := splitFirst(strings.TrimPrefix(escapedPath, r.Pattern))
			if seg == "" {
				continue
			}
			return t.matchService(r, seg, rest, strings.TrimSuffix(r.Pattern, "/")+"/"+seg)
		case CatchAll:
			seg, rest := splitFirst(strings.TrimPrefix(escapedPath, "/"))
			if seg == "" || contains(r.Exclude, seg) {
				continue
			}
			return t.matchService(r, seg, rest, "/"+seg)
		}
	}
	return Match{}, fmt.Errorf("%w: %s", ErrNoRoute, escapedPath)
}

func (t *Table) matchExact(r *Rule, path string) (Match, error) {
	if r.Handler != "" {
		return Match{Rule: r, Handler: r.Handler, Path: path}, nil
	}
	svc, err := t.resolver.Resolve(r.Service)
	if err != nil {
		return Match{}, err
	}

	remainder := ""
	if strings.HasSuffix(r.Pattern, "/") && len(path) > len(r.Pattern) {
		remainder = path[len(r.Pattern):]
	}
	downstream := "/" + strings.TrimPrefix(r.Rewrite+remainder, "/")

	prefix := ""
	if r.Rewrite != "" && strings.HasSuffix(r.Pattern, r.Rewrite) {
		prefix = strings.TrimSuffix(strings.TrimSuffix(r.Pattern, r.Rewrite), "/")
	}
	return Match{Rule: r, Service: svc, Path: downstream, Prefix: prefix}, nil
}

func (t *Table) matchService(r *Rule, seg, rest, prefix string) (Match, error) {
	if !segmentPattern.MatchString(seg) {
		return Match{}, fmt.Errorf("%w: invalid service segment %q", ErrMalformedPath, seg)
	}
	svc, err := t.resolver.Resolve(seg)
	if err != nil {
		// Unknown services never fall through to lower-priority rules.
		return Match{}, err
	}
	return Match{Rule: r, Service: svc, Path: "/" + rest, Prefix: prefix}, nil
}

// exactMatches reports whether an exact pattern claims the path. A pattern ending
// in "/" claims its subtree, including the path without the trailing slash.
func exactMatches(pattern, path string) bool {
	if !strings.HasSuffix(pattern, "/") {
		return path == pattern
	}
	return path == strings.TrimSuffix(pattern, "/") || strings.HasPrefix(path, pattern)
}

// checkPath rejects empty interior segments, dot segments, and encoded slashes.
func checkPath(p string) error {
	if !strings.HasPrefix(p, "/") {
		return fmt.Errorf("%w: path must be absolute", ErrMalformedPath)
	}
	lower := strings.ToLower(p)
	if strings.Contains(lower, "%2f") || strings.Contains(lower, "%5c") {
		return fmt.Errorf("%w: encoded slash", ErrMalformedPath)
	}
	segs := strings.Split(p[1:], "/")
	for i, s := range segs {
		switch {
		case s == "" && i != len(segs)-1:
			return fmt.Errorf("%w: empty segment", ErrMalformedPath)
		case s == "." || s == ".." || strings.EqualFold(s, "%2e") || strings.EqualFold(s, "%2e%2e"):
			return fmt.Errorf("%w: dot segment", ErrMalformedPath)
		}
	}
	return nil
}

func splitFirst(p string) (first, rest string) {
	if i := strings.IndexByte(p, '/'); i >= 0 {
		return p[:i], p[i+1:]
	}
	return p, ""
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// DefaultRules builds the gateway rule set: operational endpoints, configured
// rewrite routes, the WebSocket relay route, /api/{service}/ and /{service}/.
// relayService names the service that owns WebSocketPath; empty disables it.
func DefaultRules(routes []config.RouteConfig, relayService string, metricsPath string) []Rule {
	rules := []Rule{
		{Kind: Exact, Pattern: "/health", Handler: HandlerHealth},
		{Kind: Exact, Pattern: "/status", Handler: HandlerHealth},
		{Kind: Exact, Pattern: "/health/ready", Handler: HandlerReady},
		{Kind: Exact, Pattern: "/admin/", Handler: HandlerAdmin},
		{Kind: Exact, Pattern: "/api/admin/", Handler: HandlerAdmin},
		{Kind: Exact, Pattern: "/api/agent/notify", Handler: HandlerNotify},
	}
	if metricsPath != "" {
		rules = append(rules, Rule{Kind: Exact, Pattern: metricsPath, Handler: HandlerMetrics})
	}

	if relayService != "" {
		rules = append(rules, Rule{Kind: Exact, Pattern: WebSocketPath, Service: relayService, Rewrite: "socket.io/"})
	} else {
		rules = append(rules, Rule{Kind: Exact, Pattern: WebSocketPath, Handler: HandlerWebSocketUnavailable})
	}

	for _, rc := range routes {
		rules = append(rules, Rule{
			Kind:     Exact,
			Pattern:  rc.Path,
			Service:  rc.Service,
			Rewrite:  rc.Rewrite,
			Priority: rc.Priority,
		})
	}

	return append(rules,
		Rule{Kind: PrefixService, Pattern: "/api/"},
		Rule{Kind: CatchAll, Exclude: []string{webSocketSegment}},
	)
}
