// ABOUTME: Fans alerts out to the real-time relay and the AI observation endpoint
// ABOUTME: Delivery happens on a bounded queue drained by one goroutine so callers never block

package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
)

// ErrQueueFull is reported when the delivery queue cannot accept another record.
var ErrQueueFull = errors.New("alert delivery queue full")

const (
	notifierQueueSize = 64
	deliveryTimeout   = 5 * time.Second
)

// RelayEvent is the body the relay /emit endpoint accepts.
type RelayEvent struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Observation is the body posted to the AI observation endpoint.
type Observation struct {
	Source   string         `json:"source"`
	Type     string         `json:"type"`
	Content  string         `json:"content"`
	Priority string         `json:"priority"`
	Metadata map[string]any `json:"metadata"`
}

// Notifier posts alerts to external listeners. Either URL may be empty.
type Notifier struct {
	client      *http.Client
	relayURL    string
	observerURL string
	logger      *slog.Logger

	queue chan Record
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

// NewNotifier creates a notifier and starts its delivery goroutine.
func NewNotifier(client *http.Client, relayURL, observerURL string, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	n := &Notifier{
		client:      client,
		relayURL:    strings.TrimRight(relayURL, "/"),
		observerURL: strings.TrimRight(observerURL, "/"),
		logger:      logger.With("component", "alert-notifier"),
		queue:       make(chan Record, notifierQueueSize),
		done:        make(chan struct{}),
	}
	n.wg.Add(1)
	go n.loop()
	return n
}

// Deliver enqueues rec. When the queue is full the record is dropped and logged;
// it remains in the alert log regardless.
func (n *Notifier) Deliver(rec Record) {
	select {
	case <-n.done:
		return
	default:
	}
	select {
	case n.queue <- rec:
	default:
		n.logger.Warn("dropping alert notification", "id", rec.ID, "error", ErrQueueFull)
	}
}

func (n *Notifier) loop() {
	defer n.wg.Done()
	for {
		select {
		case rec := <-n.queue:
			ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
			if err := n.Send(ctx, rec); err != nil {
				n.logger.Warn("alert notification failed", "id", rec.ID, "error", err)
			}
			cancel()
		case <-n.done:
			return
		}
	}
}

// Send delivers rec synchronously to every configured endpoint.
func (n *Notifier) Send(ctx context.Context, rec Record) error {
	var err error
	if n.relayURL != "" {
		err = multierr.Append(err, PostJSON(ctx, n.client, n.relayURL+"/emit", RelayEvent{
			Event: "system_alert",
			Data:  rec,
		}))
	}
	if n.observerURL != "" {
		err = multierr.Append(err, PostJSON(ctx, n.client, n.observerURL+"/observations", Observation{
			Source:   "health_monitor",
			Type:     string(rec.Kind),
			Content:  rec.Message,
			Priority: priorityFor(rec.Severity),
			Metadata: map[string]any{"auto": true, "entity": rec.RelatedEntity, "alert_id": rec.ID},
		}))
	}
	return err
}

// Close stops the delivery goroutine. Pending records are discarded.
func (n *Notifier) Close() {
	n.once.Do(func() { close(n.done) })
	n.wg.Wait()
}

func priorityFor(s Severity) string {
	switch s {
	case SeverityHigh:
		return "high"
	case SeverityLow:
		return "low"
	default:
		return "normal"
	}
}

// PostJSON posts v as JSON and fails on non-2xx responses.
func PostJSON(ctx context.Context, client *http.Client, url string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to %s: %w", url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("posting to %s: unexpected status %d", url, resp.StatusCode)
	}
	return nil
}
