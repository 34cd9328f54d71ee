package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/foxzi/mailsage/internal/config"
	"github.com/foxzi/mailsage/internal/metrics"
	"github.com/foxzi/mailsage/internal/models"
)

// Store loads subscriptions and records delivery outcomes
type Store interface {
	ListActive(ctx context.Context, owner, event string) ([]models.Webhook, error)
	RecordSuccess(ctx context.Context, id string) error
	RecordFailure(ctx context.Context, id, reason string, threshold int) (bool, error)
}

type notification struct {
	owner string
	event string
	data  any
	at    time.Time
}

const queueSize = 1024

// Notifier posts events to subscribed endpoints from a background goroutine.
// Events are delivered in the order they were submitted. A full buffer drops
// the event.
type Notifier struct {
	store  Store
	client *http.Client
	cfg    config.WebhookConfig
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	queue  chan notification
	done   chan struct{}
}

// NewNotifier creates a notifier and starts its dispatch goroutine
func NewNotifier(store Store, cfg config.WebhookConfig, logger *slog.Logger) *Notifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	n := &Notifier{
		store:  store,
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		logger: logger.With("component", "webhook"),
		queue:  make(chan notification, queueSize),
		done:   make(chan struct{}),
	}
	go n.run()
	return n
}

// NotifyJob submits a job event
func (n *Notifier) NotifyJob(job *models.Job, event string) {
	n.Notify(job.OwnerID, event, NewJobData(job))
}

// NotifyDelivery submits a delivery event for a delivery of job
func (n *Notifier) NotifyDelivery(job *models.Job, d *models.Delivery, event string) {
	n.Notify(job.OwnerID, event, NewDeliveryData(d))
}

// Notify submits an event for owner. It never blocks.
func (n *Notifier) Notify(owner, event string, data any) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return
	}

	select {
	case n.queue <- notification{owner: owner, event: event, data: data, at: time.Now().UTC()}:
	default:
		metrics.IncWebhookDeliveries("dropped")
		n.logger.Warn("webhook queue full, dropping event", "event", event, "owner", owner)
	}
}

// Close stops accepting events and waits for queued ones to be delivered
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		<-n.done
		return
	}
	n.closed = true
	close(n.queue)
	n.mu.Unlock()

	<-n.done
}

func (n *Notifier) run() {
	defer close(n.done)

	for item := range n.queue {
		n.dispatch(context.Background(), item)
	}
}

func (n *Notifier) dispatch(ctx context.Context, item notification) {
	hooks, err := n.store.ListActive(ctx, item.owner, item.event)
	if err != nil {
		n.logger.Error("failed to load webhooks", "error", err, "event", item.event)
		return
	}
	if len(hooks) == 0 {
		return
	}

	body, err := json.Marshal(Payload{Event: item.event, Timestamp: item.at, Data: item.data})
	if err != nil {
		n.logger.Error("failed to marshal webhook payload", "error", err, "event", item.event)
		return
	}

	for _, w := range hooks {
		n.deliver(ctx, w, item.event, body)
	}
}

// deliver posts body to one endpoint with bounded immediate retries
func (n *Notifier) deliver(ctx context.Context, w models.Webhook, event string, body []byte) {
	logger := n.logger.With("webhook_id", w.ID, "event", event)
	signature := Sign(body, w.Secret)

	var lastErr error
	for attempt := 1; attempt <= n.cfg.MaxRetries; attempt++ {
		lastErr = n.post(ctx, w, event, signature, body)
		if lastErr == nil {
			break
		}
		logger.Warn("webhook delivery failed", "attempt", attempt, "error", lastErr)
	}

	if lastErr == nil {
		metrics.IncWebhookDeliveries("success")
		if err := n.store.RecordSuccess(ctx, w.ID); err != nil {
			logger.Error("failed to record webhook success", "error", err)
		}
		return
	}

	metrics.IncWebhookDeliveries("failure")
	deactivated, err := n.store.RecordFailure(ctx, w.ID, lastErr.Error(), n.cfg.FailureThreshold)
	if err != nil {
		logger.Error("failed to record webhook failure", "error", err)
		return
	}
	if deactivated {
		logger.Warn("webhook deactivated after repeated failures", "threshold", n.cfg.FailureThreshold)
	}
}

func (n *Notifier) post(ctx context.Context, w models.Webhook, event, signature string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set(HeaderSignature, signature)
	req.Header.Set(HeaderEvent, event)
	req.Header.Set(HeaderWebhookID, w.ID)

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("endpoint returned %s", resp.Status)
	}
	return nil
}
