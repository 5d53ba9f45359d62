// ABOUTME: Builds the Kubernetes clientset from in-cluster config or a kubeconfig path
// ABOUTME: Also wires an event recorder so corrective actions appear in kubectl describe

package fleet

import (
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	typedcorev1 "k8s.io/client-go/kubernetes/typed/core/v1"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/record"
)

const (
	userAgent     = "kilo-gateway"
	eventSource   = "kilo-gateway-fleet"
	clientTimeout = 15 * time.Second
)

// NewClientset returns a clientset for the in-cluster service account when
// kubeconfig is empty, otherwise for the given kubeconfig file.
func NewClientset(kubeconfig string) (kubernetes.Interface, error) {
	var (
		cfg *rest.Config
		err error
	)
	if kubeconfig == "" {
		cfg, err = rest.InClusterConfig()
	} else {
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if err != nil {
		return nil, fmt.Errorf("loading kubernetes config: %w", err)
	}
	cfg.UserAgent = userAgent
	cfg.Timeout = clientTimeout

	cs, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating clientset: %w", err)
	}
	return cs, nil
}

// NewEventRecorder starts a broadcaster that writes events into namespace.
// The returned stop function shuts the broadcaster down.
func NewEventRecorder(client kubernetes.Interface, namespace string) (record.EventRecorder, func()) {
	broadcaster := record.NewBroadcaster()
	broadcaster.StartRecordingToSink(&typedcorev1.EventSinkImpl{
		Interface: client.CoreV1().Events(namespace),
	})
	recorder := broadcaster.NewRecorder(scheme.Scheme, corev1.EventSource{Component: eventSource})
	return recorder, broadcaster.Shutdown
}
