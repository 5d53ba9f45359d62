// ABOUTME: Records describing pods, nodes, and cron jobs as observed by the controller
// ABOUTME: Snapshots are replaced wholesale each tick and never mutated after publication

package fleet

import (
	"strings"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
)

// PodStatus is the gateway's coarse view of a pod.
type PodStatus string

const (
	PodRunning   PodStatus = "Running"
	PodPending   PodStatus = "Pending"
	PodCrashLoop PodStatus = "CrashLoop"
	PodUnknown   PodStatus = "Unknown"
)

const reasonCrashLoopBackOff = "CrashLoopBackOff"

// PodRecord is one observed pod.
type PodRecord struct {
	Name            string    `json:"name"`
	Namespace       string    `json:"namespace"`
	UID             string    `json:"uid"`
	Service         string    `json:"service,omitempty"`
	Status          PodStatus `json:"status"`
	Phase           string    `json:"phase"`
	RestartCount    int32     `json:"restart_count"`
	WaitingReason   string    `json:"waiting_reason,omitempty"`
	Node            string    `json:"node,omitempty"`
	ReadyContainers int       `json:"ready_containers"`
	TotalContainers int       `json:"total_containers"`
	CreatedAt       time.Time `json:"created_at"`
	Terminating     bool      `json:"terminating"`
	Owner           string    `json:"owner,omitempty"`
}

// NodeRecord is one observed node.
type NodeRecord struct {
	Name           string    `json:"name"`
	Ready          bool      `json:"ready"`
	Roles          []string  `json:"roles"`
	KubeletVersion string    `json:"kubelet_version"`
	CreatedAt      time.Time `json:"created_at"`
}

// CronJobRecord is one observed cron job.
type CronJobRecord struct {
	Name             string     `json:"name"`
	Schedule         string     `json:"schedule"`
	LastScheduleTime *time.Time `json:"last_schedule_time,omitempty"`
	Active           int        `json:"active"`
	Suspended        bool       `json:"suspended"`
}

// Snapshot is the controller's published view.
type Snapshot struct {
	Pods       []PodRecord     `json:"pods"`
	Nodes      []NodeRecord    `json:"nodes"`
	CronJobs   []CronJobRecord `json:"cronjobs"`
	ObservedAt time.Time       `json:"observed_at"`
	Reachable  bool            `json:"reachable"`
	Error      string          `json:"error,omitempty"`
}

// PodCounts returns the number of pods per status.
func (s *Snapshot) PodCounts() map[string]int {
	counts := make(map[string]int)
	for _, p := range s.Pods {
		counts[string(p.Status)]++
	}
	return counts
}

// podRecord converts a pod. Status is derived from phase and container state;
// the controller may later upgrade it to CrashLoop on a restart breach.
func podRecord(pod *corev1.Pod) PodRecord {
	rec := PodRecord{
		Name:        pod.Name,
		Namespace:   pod.Namespace,
		UID:         string(pod.UID),
		Service:     serviceOf(pod.Labels),
		Phase:       string(pod.Status.Phase),
		Node:        pod.Spec.NodeName,
		CreatedAt:   pod.CreationTimestamp.Time.UTC(),
		Terminating: pod.DeletionTimestamp != nil,
	}
	for _, ref := range pod.OwnerReferences {
		if ref.Controller != nil && *ref.Controller {
			rec.Owner = ref.Kind + "/" + ref.Name
			break
		}
	}

	rec.TotalContainers = len(pod.Spec.Containers)
	for _, cs := range pod.Status.ContainerStatuses {
		rec.RestartCount += cs.RestartCount
		if cs.Ready {
			rec.ReadyContainers++
		}
		if cs.State.Waiting != nil && cs.State.Waiting.Reason != "" && rec.WaitingReason == "" {
			rec.WaitingReason = cs.State.Waiting.Reason
		}
	}

	switch {
	case rec.WaitingReason == reasonCrashLoopBackOff:
		rec.Status = PodCrashLoop
	case pod.Status.Phase == corev1.PodPending:
		rec.Status = PodPending
	case pod.Status.Phase == corev1.PodRunning, pod.Status.Phase == corev1.PodSucceeded:
		rec.Status = PodRunning
	default:
		rec.Status = PodUnknown
	}
	return rec
}

// lastTerminatedAt returns the latest container termination time, if any.
func lastTerminatedAt(pod *corev1.Pod) time.Time {
	var latest time.Time
	for _, cs := range pod.Status.ContainerStatuses {
		if t := cs.LastTerminationState.Terminated; t != nil && t.FinishedAt.Time.After(latest) {
			latest = t.FinishedAt.Time
		}
	}
	return latest
}

func serviceOf(labels map[string]string) string {
	if v := labels["app.kubernetes.io/name"]; v != "" {
		return v
	}
	return labels["app"]
}

const roleLabelPrefix = "node-role.kubernetes.io/"

func nodeRecord(node *corev1.Node) NodeRecord {
	rec := NodeRecord{
		Name:           node.Name,
		KubeletVersion: node.Status.NodeInfo.KubeletVersion,
		CreatedAt:      node.CreationTimestamp.Time.UTC(),
		Roles:          []string{},
	}
	for _, c := range node.Status.Conditions {
		if c.Type == corev1.NodeReady {
			rec.Ready = c.Status == corev1.ConditionTrue
		}
	}
	for label := range node.Labels {
		if role, ok := strings.CutPrefix(label, roleLabelPrefix); ok && role != "" {
			rec.Roles = append(rec.Roles, role)
		}
	}
	return rec
}

func cronJobRecord(cj *batchv1.CronJob) CronJobRecord {
	rec := CronJobRecord{
		Name:     cj.Name,
		Schedule: cj.Spec.Schedule,
		Active:   len(cj.Status.Active),
	}
	if cj.Spec.Suspend != nil {
		rec.Suspended = *cj.Spec.Suspend
	}
	if cj.Status.LastScheduleTime != nil {
		t := cj.Status.LastScheduleTime.Time.UTC()
		rec.LastScheduleTime = &t
	}
	return rec
}
