// ABOUTME: In-process gateway endpoints: liveness, readiness, and notification relay
// ABOUTME: Everything else is either admin surface or proxied to a backend

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/2389/kilo-gateway/internal/alerts"
	"github.com/2389/kilo-gateway/internal/problem"
)

const (
	notifyTimeout   = 3 * time.Second
	maxNotifyBytes  = 64 << 10
	notifyEventName = "notification"
)

// HealthResponse is the body of /health and /status.
type HealthResponse struct {
	Status  string `json:"status"`
	Healthy int    `json:"healthy"`
	Total   int    `json:"total"`
}

// NotifyRequest is the body of POST /api/agent/notify.
type NotifyRequest struct {
	Type     string         `json:"type"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata"`
}

// Notification is the event data forwarded to the relay.
type Notification struct {
	Type      string         `json:"type"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata"`
	Timestamp time.Time      `json:"timestamp"`
}

// NotifyResponse reports the outcome of a forward.
type NotifyResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// handleHealth reports liveness. It is 200 whenever the process serves HTTP.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthy, total := g.prober.Aggregate()
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Healthy: healthy, Total: total})
}

// handleReady returns 503 until at least one backend is healthy.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	healthy, total := g.prober.Aggregate()
	resp := HealthResponse{Status: "ready", Healthy: healthy, Total: total}
	if healthy == 0 {
		resp.Status = "not ready"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleNotify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		problem.Write(w, problem.TypeBadRequest, http.StatusMethodNotAllowed, "use POST")
		return
	}

	var req NotifyRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxNotifyBytes))
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		problem.Write(w, problem.TypeBadRequest, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Type == "" {
		req.Type = "generic"
	}
	if req.Metadata == nil {
		req.Metadata = map[string]any{}
	}

	if g.relayURL == "" {
		writeJSON(w, http.StatusServiceUnavailable, NotifyResponse{Status: "error", Message: "no relay configured"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), notifyTimeout)
	defer cancel()
	err := alerts.PostJSON(ctx, g.proxy.Client(), g.relayURL+"/emit", alerts.RelayEvent{
		Event: notifyEventName,
		Data: Notification{
			Type:      req.Type,
			Content:   req.Content,
			Metadata:  req.Metadata,
			Timestamp: g.clock.Now().UTC(),
		},
	})
	if err != nil {
		g.logger.Error("forwarding notification", "type", req.Type, "error", err)
		writeJSON(w, http.StatusBadGateway, NotifyResponse{Status: "error", Message: err.Error()})
		return
	}

	g.logger.Info("notification forwarded", "type", req.Type)
	writeJSON(w, http.StatusOK, NotifyResponse{Status: "ok", Message: "Notification sent"})
}

func handleWebSocketUnavailable(w http.ResponseWriter, r *http.Request) {
	problem.Write(w, problem.TypeServiceUnavailable, http.StatusServiceUnavailable, "no real-time relay configured")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
