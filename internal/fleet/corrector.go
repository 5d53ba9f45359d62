// ABOUTME: The single validated path for corrective actions against the orchestrator
// ABOUTME: Used by both the fleet loop and admin handlers; records audit entries and metrics

package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/validation"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/record"
	"k8s.io/utils/ptr"

	"github.com/2389/kilo-gateway/internal/store"
)

// Corrector errors
var (
	ErrInvalidName             = errors.New("invalid resource name")
	ErrInvalidReplicas         = errors.New("replicas out of range")
	ErrDeploymentNotFound      = errors.New("deployment not found")
	ErrOrchestratorUnavailable = errors.New("orchestrator unavailable")
)

// ActorFleetController is the audit actor for actions the loop takes on its own.
const ActorFleetController = "fleet-controller"

// AuditSink stores audit entries.
type AuditSink interface {
	AppendAuditLog(ctx context.Context, e *store.AuditEntry) error
}

// ActionRecorder counts corrective actions.
type ActionRecorder interface {
	IncCorrectiveAction(action, result string)
}

// Result describes a completed action.
type Result struct {
	Action   store.AuditAction `json:"action"`
	Target   string            `json:"target"`
	Outcome  string            `json:"outcome"`
	Replicas *int32            `json:"replicas,omitempty"`
}

// CorrectorOptions configures a Corrector.
type CorrectorOptions struct {
	Namespace   string
	MaxReplicas int32
	DeleteGrace *int64
	Audit       AuditSink
	Recorder    ActionRecorder
	Events      record.EventRecorder
	Logger      *slog.Logger
}

// Corrector executes pod deletes and deployment scaling in one namespace.
type Corrector struct {
	client      kubernetes.Interface
	namespace   string
	maxReplicas int32
	deleteGrace *int64
	audit       AuditSink
	recorder    ActionRecorder
	events      record.EventRecorder
	logger      *slog.Logger
}

// NewCorrector creates a corrector bound to opts.Namespace.
func NewCorrector(client kubernetes.Interface, opts CorrectorOptions) *Corrector {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxReplicas <= 0 {
		opts.MaxReplicas = 10
	}
	return &Corrector{
		client:      client,
		namespace:   opts.Namespace,
		maxReplicas: opts.MaxReplicas,
		deleteGrace: opts.DeleteGrace,
		audit:       opts.Audit,
		recorder:    opts.Recorder,
		events:      opts.Events,
		logger:      opts.Logger.With("component", "corrector"),
	}
}

// Namespace returns the managed namespace.
func (c *Corrector) Namespace() string {
	return c.namespace
}

// MaxReplicas returns the scale ceiling.
func (c *Corrector) MaxReplicas() int32 {
	return c.maxReplicas
}

// ValidateName checks a pod or deployment name.
func ValidateName(name string) error {
	if errs := validation.IsDNS1123Subdomain(name); len(errs) > 0 {
		return fmt.Errorf("%w: %q: %s", ErrInvalidName, name, strings.Join(errs, "; "))
	}
	return nil
}

// RestartPod deletes a pod so its controller recreates it.
func (c *Corrector) RestartPod(ctx context.Context, actor, name, reason string) (Result, error) {
	return c.deletePod(ctx, store.AuditRestartPod, actor, name, reason, c.deleteGrace)
}

// DeletePod deletes a pod. With force the grace period is zero.
func (c *Corrector) DeletePod(ctx context.Context, actor, name string, force bool) (Result, error) {
	grace := c.deleteGrace
	if force {
		grace = ptr.To[int64](0)
	}
	return c.deletePod(ctx, store.AuditDeletePod, actor, name, "", grace)
}

func (c *Corrector) deletePod(ctx context.Context, action store.AuditAction, actor, name, reason string, grace *int64) (Result, error) {
	if err := ValidateName(name); err != nil {
		return Result{}, err
	}

	res := Result{Action: action, Target: name, Outcome: store.ResultOK}
	err := c.client.CoreV1().Pods(c.namespace).Delete(ctx, name, metav1.DeleteOptions{GracePeriodSeconds: grace})
	switch {
	case err == nil:
	case apierrors.IsNotFound(err):
		// Already gone: the desired end state holds.
		res.Outcome = store.ResultNotFound
	default:
		c.finish(ctx, res, actor, store.ResultError, map[string]any{"error": err.Error(), "reason": reason})
		return Result{}, fmt.Errorf("%w: deleting pod %s: %v", ErrOrchestratorUnavailable, name, err)
	}

	detail := map[string]any{}
	if reason != "" {
		detail["reason"] = reason
	}
	if grace != nil {
		detail["grace_seconds"] = *grace
	}
	c.finish(ctx, res, actor, res.Outcome, detail)

	if c.events != nil && res.Outcome == store.ResultOK {
		pod := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: c.namespace}}
		msg := fmt.Sprintf("Deleted by %s", actor)
		if reason != "" {
			msg += ": " + reason
		}
		c.events.Event(pod, corev1.EventTypeWarning, eventReason(action), msg)
	}
	return res, nil
}

// ScaleDeployment sets a deployment's replica count through the scale subresource.
func (c *Corrector) ScaleDeployment(ctx context.Context, actor, name string, replicas int32) (Result, error) {
	if err := ValidateName(name); err != nil {
		return Result{}, err
	}
	if replicas < 0 || replicas > c.maxReplicas {
		return Result{}, fmt.Errorf("%w: %d not in 0..%d", ErrInvalidReplicas, replicas, c.maxReplicas)
	}

	res := Result{Action: store.AuditScaleDeployment, Target: name, Outcome: store.ResultOK, Replicas: ptr.To(replicas)}
	deployments := c.client.AppsV1().Deployments(c.namespace)

	scale, err := deployments.GetScale(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return Result{}, fmt.Errorf("%w: %s", ErrDeploymentNotFound, name)
	}
	if err != nil {
		c.finish(ctx, res, actor, store.ResultError, map[string]any{"error": err.Error()})
		return Result{}, fmt.Errorf("%w: reading scale of %s: %v", ErrOrchestratorUnavailable, name, err)
	}

	previous := scale.Spec.Replicas
	if previous != replicas {
		scale.Spec.Replicas = replicas
		if _, err := deployments.UpdateScale(ctx, name, scale, metav1.UpdateOptions{}); err != nil {
			if apierrors.IsNotFound(err) {
				return Result{}, fmt.Errorf("%w: %s", ErrDeploymentNotFound, name)
			}
			c.finish(ctx, res, actor, store.ResultError, map[string]any{"error": err.Error()})
			return Result{}, fmt.Errorf("%w: scaling %s: %v", ErrOrchestratorUnavailable, name, err)
		}
	}

	c.finish(ctx, res, actor, store.ResultOK, map[string]any{"from": previous, "to": replicas})
	return res, nil
}

// finish writes the audit entry and metric. Audit failures are logged, not returned:
// the orchestrator action already happened.
func (c *Corrector) finish(ctx context.Context, res Result, actor, outcome string, detail map[string]any) {
	if c.recorder != nil {
		c.recorder.IncCorrectiveAction(string(res.Action), outcome)
	}

	targetType := "pod"
	if res.Action == store.AuditScaleDeployment {
		targetType = "deployment"
	}
	c.logger.Info("corrective action",
		"action", res.Action,
		"target", res.Target,
		"actor", actor,
		"outcome", outcome,
	)

	if c.audit == nil {
		return
	}
	entry := &store.AuditEntry{
		Actor:      actor,
		Action:     res.Action,
		TargetType: targetType,
		TargetID:   res.Target,
		Result:     outcome,
		Detail:     detail,
	}
	if err := c.audit.AppendAuditLog(context.WithoutCancel(ctx), entry); err != nil {
		c.logger.Error("writing audit entry", "action", res.Action, "target", res.Target, "error", err)
	}
}

func eventReason(action store.AuditAction) string {
	switch action {
	case store.AuditRestartPod:
		return "KiloRestart"
	default:
		return "KiloDelete"
	}
}
