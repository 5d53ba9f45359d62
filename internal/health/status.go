// ABOUTME: JSON view of a registry entry for status endpoints
// ABOUTME: Timestamps are omitted until the service has been probed

package health

import (
	"time"

	"github.com/2389/kilo-gateway/internal/registry"
)

// ServiceStatus is the serialized health of one service.
type ServiceStatus struct {
	Name                string     `json:"name"`
	URL                 string     `json:"url"`
	Aliases             []string   `json:"aliases,omitempty"`
	Healthy             bool       `json:"healthy"`
	Probed              bool       `json:"probed"`
	LastCheckedAt       *time.Time `json:"last_checked_at,omitempty"`
	LastError           *string    `json:"last_error,omitempty"`
	UnhealthySince      *time.Time `json:"unhealthy_since,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LatencyMS           int64      `json:"latency_ms"`
}

// StatusOf converts a registry entry.
func StatusOf(e registry.Entry) ServiceStatus {
	s := ServiceStatus{
		Name:                e.Name,
		URL:                 e.BaseURL.String(),
		Aliases:             e.Aliases,
		Healthy:             e.Healthy,
		Probed:              e.Probed(),
		LastError:           e.LastError,
		ConsecutiveFailures: e.ConsecutiveFailures,
		LatencyMS:           e.Latency.Milliseconds(),
	}
	if e.Probed() {
		t := e.LastCheckedAt
		s.LastCheckedAt = &t
	}
	if !e.UnhealthySince.IsZero() {
		t := e.UnhealthySince
		s.UnhealthySince = &t
	}
	return s
}
