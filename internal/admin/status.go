// ABOUTME: Read-only admin handlers for service health, alerts, and the audit log
// ABOUTME: /admin/status keeps the flat per-service booleans older dashboards read

package admin

import (
	"net/http"
	"strconv"
	"time"

	"github.com/2389/kilo-gateway/internal/alerts"
	"github.com/2389/kilo-gateway/internal/health"
	"github.com/2389/kilo-gateway/internal/problem"
	"github.com/2389/kilo-gateway/internal/store"
)

// Legacy status keys that dashboards expect alongside the canonical names.
var legacyStatusKeys = map[string]string{
	"reminders": "reminder",
	"finance":   "financial",
}

// ServicesResponse is the body of GET /admin/services.
type ServicesResponse struct {
	Healthy  int                    `json:"healthy"`
	Total    int                    `json:"total"`
	Services []health.ServiceStatus `json:"services"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	detail := h.opts.Health.Detail()
	healthy, total := h.opts.Health.Aggregate()

	out := make(map[string]any, 2*len(detail)+8)
	details := make(map[string]health.ServiceStatus, len(detail))
	for _, s := range detail {
		out[s.Name] = s.Healthy
		for _, alias := range s.Aliases {
			out[alias] = s.Healthy
		}
		details[s.Name] = s
	}
	for legacy, canonical := range legacyStatusKeys {
		if _, set := out[legacy]; set {
			continue
		}
		if v, ok := out[canonical]; ok {
			out[legacy] = v
		}
	}

	status := "online"
	if healthy < total {
		status = "degraded"
	}
	out["gateway"] = true
	out["status"] = status
	out["healthy"] = healthy
	out["total"] = total
	out["checked_at"] = h.clock.Now().UTC()
	out["details"] = details

	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleServices(w http.ResponseWriter, r *http.Request) {
	healthy, total := h.opts.Health.Aggregate()
	writeJSON(w, http.StatusOK, ServicesResponse{
		Healthy:  healthy,
		Total:    total,
		Services: h.opts.Health.Detail(),
	})
}

// AlertsResponse is the body of GET /admin/alerts.
type AlertsResponse struct {
	Alerts []alerts.Record `json:"alerts"`
}

func (h *Handler) handleAlerts(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	records := []alerts.Record{}
	if h.opts.Alerts != nil {
		records = h.opts.Alerts.List(limit)
	}
	writeJSON(w, http.StatusOK, AlertsResponse{Alerts: records})
}

// AuditResponse is the body of GET /admin/audit.
type AuditResponse struct {
	Entries []store.AuditEntry `json:"entries"`
}

func (h *Handler) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		filter store.AuditFilter
		params []problem.InvalidParam
	)

	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	filter.Limit = limit

	for _, tf := range []struct {
		name string
		dst  **time.Time
	}{{"since", &filter.Since}, {"until", &filter.Until}} {
		raw := q.Get(tf.name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			params = append(params, problem.InvalidParam{Name: tf.name, Reason: "must be an RFC 3339 timestamp"})
			continue
		}
		*tf.dst = &t
	}

	if raw := q.Get("action"); raw != "" {
		action := store.AuditAction(raw)
		if !action.IsValid() {
			params = append(params, problem.InvalidParam{Name: "action", Reason: "unknown action"})
		} else {
			filter.Action = &action
		}
	}
	if v := q.Get("actor"); v != "" {
		filter.Actor = &v
	}
	if v := q.Get("target_type"); v != "" {
		filter.TargetType = &v
	}
	if v := q.Get("target_id"); v != "" {
		filter.TargetID = &v
	}
	if v := q.Get("result"); v != "" {
		filter.Result = &v
	}

	if len(params) > 0 {
		problem.WriteWithParams(w, http.StatusBadRequest, "invalid audit query", params)
		return
	}

	entries, err := h.opts.Store.ListAuditLog(r.Context(), filter)
	if err != nil {
		h.internalError(w, "listing audit log", err)
		return
	}
	if entries == nil {
		entries = []store.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, AuditResponse{Entries: entries})
}

// queryLimit parses ?limit=. Zero means the callee's default.
func queryLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		problem.WriteWithParams(w, http.StatusBadRequest, "invalid limit",
			[]problem.InvalidParam{{Name: "limit", Reason: "must be a non-negative integer"}})
		return 0, false
	}
	return n, true
}
