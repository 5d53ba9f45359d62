// ABOUTME: Admin handlers for the orchestrator: fleet snapshots and corrective actions
// ABOUTME: Writes go through the same Corrector the fleet loop uses

package admin

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/kilo-gateway/internal/fleet"
	"github.com/2389/kilo-gateway/internal/problem"
)

// PodsResponse is the body of GET /admin/k8s/pods.
type PodsResponse struct {
	Namespace  string            `json:"namespace"`
	Reachable  bool              `json:"reachable"`
	ObservedAt time.Time         `json:"observed_at"`
	Error      string            `json:"error,omitempty"`
	Counts     map[string]int    `json:"counts"`
	Pods       []fleet.PodRecord `json:"pods"`
}

// NodesResponse is the body of GET /admin/k8s/nodes.
type NodesResponse struct {
	Reachable  bool               `json:"reachable"`
	ObservedAt time.Time          `json:"observed_at"`
	Nodes      []fleet.NodeRecord `json:"nodes"`
}

// CronJobsResponse is the body of GET /admin/k8s/cronjobs.
type CronJobsResponse struct {
	Namespace  string                `json:"namespace"`
	Reachable  bool                  `json:"reachable"`
	ObservedAt time.Time             `json:"observed_at"`
	CronJobs   []fleet.CronJobRecord `json:"cronjobs"`
}

// ScaleRequest is the body of POST /admin/k8s/deployments/{name}/scale.
type ScaleRequest struct {
	Replicas *int32 `json:"replicas"`
}

// RestartRequest is the optional body of POST /admin/k8s/pods/{name}/restart.
type RestartRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) fleetSnapshot(w http.ResponseWriter) (*fleet.Snapshot, bool) {
	if h.opts.Fleet == nil {
		problem.Write(w, problem.TypeOrchestrator, http.StatusServiceUnavailable, "fleet controller is disabled")
		return nil, false
	}
	return h.opts.Fleet.Snapshot(), true
}

func (h *Handler) namespace() string {
	if h.opts.Actions == nil {
		return ""
	}
	return h.opts.Actions.Namespace()
}

func (h *Handler) handlePods(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.fleetSnapshot(w)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, PodsResponse{
		Namespace:  h.namespace(),
		Reachable:  snap.Reachable,
		ObservedAt: snap.ObservedAt,
		Error:      snap.Error,
		Counts:     snap.PodCounts(),
		Pods:       snap.Pods,
	})
}

func (h *Handler) handleNodes(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.fleetSnapshot(w)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, NodesResponse{
		Reachable:  snap.Reachable,
		ObservedAt: snap.ObservedAt,
		Nodes:      snap.Nodes,
	})
}

func (h *Handler) handleCronJobs(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.fleetSnapshot(w)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, CronJobsResponse{
		Namespace:  h.namespace(),
		Reachable:  snap.Reachable,
		ObservedAt: snap.ObservedAt,
		CronJobs:   snap.CronJobs,
	})
}

func (h *Handler) actions(w http.ResponseWriter) (Actions, bool) {
	if h.opts.Actions == nil {
		problem.Write(w, problem.TypeOrchestrator, http.StatusServiceUnavailable, "fleet controller is disabled")
		return nil, false
	}
	return h.opts.Actions, true
}

func (h *Handler) handleRestartPod(w http.ResponseWriter, r *http.Request) {
	act, ok := h.actions(w)
	if !ok {
		return
	}
	var req RestartRequest
	if err := decodeBody(w, r, &req); err != nil {
		problem.Write(w, problem.TypeBadRequest, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Reason == "" {
		req.Reason = "admin request"
	}

	res, err := act.RestartPod(r.Context(), actor(r), r.PathValue("name"), req.Reason)
	if err != nil {
		h.writeActionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleDeletePod(w http.ResponseWriter, r *http.Request) {
	act, ok := h.actions(w)
	if !ok {
		return
	}
	force := false
	if raw := r.URL.Query().Get("force"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			problem.WriteWithParams(w, http.StatusBadRequest, "invalid force flag",
				[]problem.InvalidParam{{Name: "force", Reason: "must be a boolean"}})
			return
		}
		force = v
	}

	res, err := act.DeletePod(r.Context(), actor(r), r.PathValue("name"), force)
	if err != nil {
		h.writeActionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleScaleDeployment(w http.ResponseWriter, r *http.Request) {
	act, ok := h.actions(w)
	if !ok {
		return
	}
	var req ScaleRequest
	if err := decodeBody(w, r, &req); err != nil {
		problem.Write(w, problem.TypeBadRequest, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Replicas == nil {
		problem.WriteWithParams(w, http.StatusBadRequest, "replicas is required",
			[]problem.InvalidParam{{Name: "replicas", Reason: "required"}})
		return
	}

	res, err := act.ScaleDeployment(r.Context(), actor(r), r.PathValue("name"), *req.Replicas)
	if err != nil {
		h.writeActionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// writeActionError maps corrector errors to HTTP responses.
func (h *Handler) writeActionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, fleet.ErrInvalidName), errors.Is(err, fleet.ErrInvalidReplicas):
		problem.Write(w, problem.TypeBadRequest, http.StatusBadRequest, err.Error())
	case errors.Is(err, fleet.ErrDeploymentNotFound):
		problem.Write(w, problem.TypeNotFound, http.StatusNotFound, err.Error())
	case errors.Is(err, fleet.ErrOrchestratorUnavailable):
		h.logger.Warn("corrective action failed", "error", err)
		problem.Write(w, problem.TypeOrchestrator, http.StatusServiceUnavailable, err.Error())
	default:
		h.internalError(w, "corrective action failed", err)
	}
}
