// ABOUTME: Fleet health loop: lists orchestrator state, publishes snapshots, and heals crash loops
// ABOUTME: Detection is edge-triggered per pod UID with a restart cooldown per pod

package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/clock"

	"github.com/2389/kilo-gateway/internal/alerts"
	"github.com/2389/kilo-gateway/internal/cooldown"
)

// PodRecorder publishes pod counts by status.
type PodRecorder interface {
	SetPods(counts map[string]int)
}

// Options configures a Controller.
type Options struct {
	Namespace         string
	Interval          time.Duration
	RestartThreshold  int32
	Window            time.Duration
	RestartCooldown   time.Duration
	PendingAlertAfter time.Duration
	AlertCooldown     time.Duration

	Alerts   *alerts.Log
	Recorder PodRecorder
	Clock    clock.WithTicker
	Logger   *slog.Logger
}

// podTrack is the per-UID detection state.
type podTrack struct {
	lastCount     int32
	lastRestartAt time.Time
	armed         bool
}

// Controller owns PodRecords; readers use Snapshot.
type Controller struct {
	client    kubernetes.Interface
	corrector *Corrector
	opts      Options
	clock     clock.WithTicker
	logger    *slog.Logger

	snap atomic.Pointer[Snapshot]

	// Touched only by the loop goroutine.
	tracks    map[types.UID]*podTrack
	nodeReady map[string]bool
	cooldowns *cooldown.Tracker
}

// NewController creates a controller. corrector must target the same namespace.
func NewController(client kubernetes.Interface, corrector *Corrector, opts Options) *Controller {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.RestartThreshold <= 0 {
		opts.RestartThreshold = 5
	}
	if opts.Window <= 0 {
		opts.Window = 10 * time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := &Controller{
		client:    client,
		corrector: corrector,
		opts:      opts,
		clock:     opts.Clock,
		logger:    opts.Logger.With("component", "fleet", "namespace", opts.Namespace),
		tracks:    make(map[types.UID]*podTrack),
		nodeReady: make(map[string]bool),
		cooldowns: cooldown.NewWithClock(opts.RestartCooldown, 1024, opts.Clock),
	}
	c.snap.Store(&Snapshot{Pods: []PodRecord{}, Nodes: []NodeRecord{}, CronJobs: []CronJobRecord{}})
	return c
}

// Snapshot returns the latest published view.
func (c *Controller) Snapshot() *Snapshot {
	return c.snap.Load()
}

// Run ticks immediately and then every interval until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	c.logger.Info("fleet controller started", "interval", c.opts.Interval, "threshold", c.opts.RestartThreshold)
	defer c.Close()

	c.tickWithDeadline(ctx)

	ticker := c.clock.NewTicker(c.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("fleet controller stopped")
			return nil
		case <-ticker.C():
			c.tickWithDeadline(ctx)
		}
	}
}

// Close releases the cooldown tracker. Safe to call more than once.
func (c *Controller) Close() {
	c.cooldowns.Close()
}

func (c *Controller) tickWithDeadline(ctx context.Context) {
	tickCtx, cancel := context.WithTimeout(ctx, c.opts.Interval)
	defer cancel()
	c.Tick(tickCtx)
}

// Tick performs one observation and correction pass.
func (c *Controller) Tick(ctx context.Context) {
	now := c.clock.Now()
	ns := c.opts.Namespace

	pods, err := c.client.CoreV1().Pods(ns).List(ctx, metav1.ListOptions{})
	if err != nil {
		if ctx.Err() != nil {
			c.logger.Debug("tick interrupted", "error", err)
			return
		}
		c.markUnreachable(now, err)
		return
	}

	prev := c.snap.Load()
	next := &Snapshot{ObservedAt: now.UTC(), Reachable: true, Nodes: prev.Nodes, CronJobs: prev.CronJobs}

	scaled, rsKnown := c.scaledReplicaSets(ctx)

	if nodes, err := c.client.CoreV1().Nodes().List(ctx, metav1.ListOptions{}); err != nil {
		c.logger.Warn("listing nodes", "error", err)
	} else {
		next.Nodes = c.observeNodes(nodes.Items)
	}

	if cjs, err := c.client.BatchV1().CronJobs(ns).List(ctx, metav1.ListOptions{}); err != nil {
		c.logger.Warn("listing cronjobs", "error", err)
	} else {
		next.CronJobs = make([]CronJobRecord, 0, len(cjs.Items))
		for i := range cjs.Items {
			next.CronJobs = append(next.CronJobs, cronJobRecord(&cjs.Items[i]))
		}
		sort.Slice(next.CronJobs, func(i, j int) bool { return next.CronJobs[i].Name < next.CronJobs[j].Name })
	}

	seen := make(map[types.UID]bool, len(pods.Items))
	next.Pods = make([]PodRecord, 0, len(pods.Items))
	for i := range pods.Items {
		pod := &pods.Items[i]
		seen[pod.UID] = true
		rec := c.observePod(ctx, now, pod, scaled, rsKnown)
		next.Pods = append(next.Pods, rec)
	}
	for uid := range c.tracks {
		if !seen[uid] {
			delete(c.tracks, uid)
		}
	}
	sort.Slice(next.Pods, func(i, j int) bool { return next.Pods[i].Name < next.Pods[j].Name })

	c.snap.Store(next)
	if c.opts.Recorder != nil {
		c.opts.Recorder.SetPods(next.PodCounts())
	}
}

// markUnreachable republishes the previous records as Unknown. No actions are taken.
func (c *Controller) markUnreachable(now time.Time, err error) {
	c.logger.Error("orchestrator unreachable", "error", err)

	prev := c.snap.Load()
	next := &Snapshot{
		ObservedAt: now.UTC(),
		Reachable:  false,
		Error:      err.Error(),
		Nodes:      prev.Nodes,
		CronJobs:   prev.CronJobs,
		Pods:       make([]PodRecord, len(prev.Pods)),
	}
	for i, p := range prev.Pods {
		p.Status = PodUnknown
		next.Pods[i] = p
	}
	c.snap.Store(next)
	if c.opts.Recorder != nil {
		c.opts.Recorder.SetPods(next.PodCounts())
	}

	c.raise(alerts.KindOrchestratorUnreachable, alerts.SeverityHigh, c.opts.Namespace,
		fmt.Sprintf("Kubernetes API unreachable: %v", err), "orchestrator", c.opts.AlertCooldown)
}

// scaledReplicaSets returns the names of replica sets with zero desired replicas.
// ok is false when the list failed; callers must then not act.
func (c *Controller) scaledReplicaSets(ctx context.Context) (map[string]bool, bool) {
	rsList, err := c.client.AppsV1().ReplicaSets(c.opts.Namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		c.logger.Warn("listing replicasets", "error", err)
		return nil, false
	}
	zero := make(map[string]bool)
	for i := range rsList.Items {
		if desiredReplicas(&rsList.Items[i]) == 0 {
			zero[rsList.Items[i].Name] = true
		}
	}
	return zero, true
}

func desiredReplicas(rs *appsv1.ReplicaSet) int32 {
	if rs.Spec.Replicas == nil {
		return 1
	}
	return *rs.Spec.Replicas
}

func (c *Controller) observeNodes(nodes []corev1.Node) []NodeRecord {
	out := make([]NodeRecord, 0, len(nodes))
	for i := range nodes {
		rec := nodeRecord(&nodes[i])
		prevReady, known := c.nodeReady[rec.Name]
		if !rec.Ready && (!known || prevReady) {
			c.raise(alerts.KindNodeNotReady, alerts.SeverityHigh, rec.Name,
				fmt.Sprintf("Node %s is NotReady", rec.Name), "", 0)
		}
		c.nodeReady[rec.Name] = rec.Ready
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (c *Controller) observePod(ctx context.Context, now time.Time, pod *corev1.Pod, scaled map[string]bool, rsKnown bool) PodRecord {
	rec := podRecord(pod)

	track, ok := c.tracks[pod.UID]
	if !ok {
		track = &podTrack{lastCount: rec.RestartCount, armed: true}
		c.tracks[pod.UID] = track
	}
	if rec.RestartCount > track.lastCount {
		track.lastRestartAt = now
	}
	if t := lastTerminatedAt(pod); t.After(track.lastRestartAt) && !t.After(now) {
		track.lastRestartAt = t
	}
	track.lastCount = rec.RestartCount

	if rec.Status == PodPending && !rec.Terminating && now.Sub(rec.CreatedAt) > c.opts.PendingAlertAfter {
		c.raise(alerts.KindPodPending, alerts.SeverityNormal, rec.Name,
			fmt.Sprintf("Pod %s has been Pending for %s", rec.Name, now.Sub(rec.CreatedAt).Round(time.Second)),
			"pod-pending:"+rec.Name, c.opts.PendingAlertAfter)
	}

	recentRestart := !track.lastRestartAt.IsZero() && now.Sub(track.lastRestartAt) < c.opts.Window
	waitingCrashLoop := rec.WaitingReason == reasonCrashLoopBackOff
	breach := rec.RestartCount > c.opts.RestartThreshold && (recentRestart || waitingCrashLoop)

	if !breach {
		if !track.armed && !recentRestart {
			track.armed = true
		}
		return rec
	}

	rec.Status = PodCrashLoop
	if !track.armed {
		return rec
	}

	c.raise(alerts.KindPodCrashLoop, alerts.SeverityHigh, rec.Name,
		fmt.Sprintf("Pod %s is crash looping (%d restarts)", rec.Name, rec.RestartCount),
		"crashloop:"+rec.Name, c.opts.AlertCooldown)

	if skip := c.skipReason(rec, pod, scaled, rsKnown); skip != "" {
		c.logger.Info("crash loop detected, not acting", "pod", rec.Name, "reason", skip)
		return rec
	}

	_, err := c.corrector.RestartPod(ctx, ActorFleetController, rec.Name,
		fmt.Sprintf("crash loop: %d restarts", rec.RestartCount))
	if err != nil {
		// Stay armed; the next tick retries.
		c.logger.Warn("corrective restart failed", "pod", rec.Name, "error", err)
		return rec
	}
	track.armed = false
	c.cooldowns.Mark(rec.Name)
	return rec
}

func (c *Controller) skipReason(rec PodRecord, pod *corev1.Pod, scaled map[string]bool, rsKnown bool) string {
	switch {
	case rec.Phase == string(corev1.PodPending):
		return "pending"
	case rec.Terminating:
		return "terminating"
	case !rsKnown:
		return "replicaset state unknown"
	case c.cooldowns.Active(rec.Name):
		return "restart cooldown"
	}
	for _, ref := range pod.OwnerReferences {
		if ref.Kind == "ReplicaSet" && scaled[ref.Name] {
			return "owner scaled to zero"
		}
	}
	return ""
}

func (c *Controller) raise(kind alerts.Kind, sev alerts.Severity, entity, msg, key string, window time.Duration) {
	if c.opts.Alerts == nil {
		return
	}
	c.opts.Alerts.Raise(kind, sev, entity, msg, key, window)
}
