// ABOUTME: Shared fixtures for fleet tests: fake clientset, fake clock, and in-memory audit sink
// ABOUTME: Pods are built with explicit restart counts and waiting reasons

package fleet

import (
	"context"
	"sync"
	"testing"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes/fake"
	clocktesting "k8s.io/utils/clock/testing"
	"k8s.io/utils/ptr"

	"github.com/2389/kilo-gateway/internal/alerts"
	"github.com/2389/kilo-gateway/internal/store"
)

const testNamespace = "kilo-guardian"

var testEpoch = time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC)

type memoryAudit struct {
	mu      sync.Mutex
	entries []store.AuditEntry
}

func (m *memoryAudit) AppendAuditLog(_ context.Context, e *store.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, *e)
	return nil
}

func (m *memoryAudit) Entries() []store.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.AuditEntry(nil), m.entries...)
}

type actionCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (a *actionCounter) IncCorrectiveAction(action, result string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.counts == nil {
		a.counts = map[string]int{}
	}
	a.counts[action+"/"+result]++
}

type fixture struct {
	client    *fake.Clientset
	clock     *clocktesting.FakeClock
	alerts    *alerts.Log
	audit     *memoryAudit
	actions   *actionCounter
	corrector *Corrector
	ctrl      *Controller
}

func newFixture(t *testing.T, objs ...runtime.Object) *fixture {
	t.Helper()
	f := &fixture{
		client:  fake.NewClientset(objs...),
		clock:   clocktesting.NewFakeClock(testEpoch),
		audit:   &memoryAudit{},
		actions: &actionCounter{},
	}
	f.alerts = alerts.New(alerts.Options{Capacity: 50, Clock: f.clock})
	t.Cleanup(f.alerts.Close)

	f.corrector = NewCorrector(f.client, CorrectorOptions{
		Namespace:   testNamespace,
		MaxReplicas: 5,
		Audit:       f.audit,
		Recorder:    f.actions,
	})
	f.ctrl = NewController(f.client, f.corrector, Options{
		Namespace:         testNamespace,
		Interval:          30 * time.Second,
		RestartThreshold:  5,
		Window:            10 * time.Minute,
		RestartCooldown:   5 * time.Minute,
		PendingAlertAfter: 10 * time.Minute,
		AlertCooldown:     30 * time.Minute,
		Alerts:            f.alerts,
		Clock:             f.clock,
	})
	t.Cleanup(f.ctrl.Close)
	return f
}

type podOpt func(*corev1.Pod)

func withWaiting(reason string) podOpt {
	return func(p *corev1.Pod) {
		p.Status.ContainerStatuses[0].State = corev1.ContainerState{
			Waiting: &corev1.ContainerStateWaiting{Reason: reason},
		}
		p.Status.ContainerStatuses[0].Ready = false
	}
}

func withPhase(phase corev1.PodPhase) podOpt {
	return func(p *corev1.Pod) { p.Status.Phase = phase }
}

func withOwnerRS(name string) podOpt {
	return func(p *corev1.Pod) {
		isController := true
		p.OwnerReferences = []metav1.OwnerReference{{
			APIVersion: "apps/v1", Kind: "ReplicaSet", Name: name, Controller: &isController,
		}}
	}
}

func withCreated(t time.Time) podOpt {
	return func(p *corev1.Pod) { p.CreationTimestamp = metav1.NewTime(t) }
}

func withDeleting(t time.Time) podOpt {
	return func(p *corev1.Pod) {
		ts := metav1.NewTime(t)
		p.DeletionTimestamp = &ts
	}
}

func newPod(name string, restarts int32, opts ...podOpt) *corev1.Pod {
	p := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:              name,
			Namespace:         testNamespace,
			UID:               types.UID("uid-" + name),
			Labels:            map[string]string{"app": "kilo-meds"},
			CreationTimestamp: metav1.NewTime(testEpoch.Add(-time.Hour)),
		},
		Spec: corev1.PodSpec{
			NodeName:   "pi-1",
			Containers: []corev1.Container{{Name: "main"}},
		},
		Status: corev1.PodStatus{
			Phase: corev1.PodRunning,
			ContainerStatuses: []corev1.ContainerStatus{{
				Name:         "main",
				Ready:        true,
				RestartCount: restarts,
				State:        corev1.ContainerState{Running: &corev1.ContainerStateRunning{}},
			}},
		},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (f *fixture) setRestarts(t *testing.T, name string, restarts int32) {
	t.Helper()
	pods := f.client.CoreV1().Pods(testNamespace)
	pod, err := pods.Get(context.Background(), name, metav1.GetOptions{})
	if err != nil {
		t.Fatalf("get pod: %v", err)
	}
	pod.Status.ContainerStatuses[0].RestartCount = restarts
	if _, err := pods.Update(context.Background(), pod, metav1.UpdateOptions{}); err != nil {
		t.Fatalf("update pod: %v", err)
	}
}

func (f *fixture) alertsOfKind(kind alerts.Kind) []alerts.Record {
	var out []alerts.Record
	for _, r := range f.alerts.List(0) {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

func cronJob(name string) *batchv1.CronJob {
	last := metav1.NewTime(testEpoch.Add(-6 * time.Hour))
	return &batchv1.CronJob{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: testNamespace},
		Spec: batchv1.CronJobSpec{
			Schedule: "0 3 * * *",
			Suspend:  ptr.To(true),
		},
		Status: batchv1.CronJobStatus{LastScheduleTime: &last},
	}
}
