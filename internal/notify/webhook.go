package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/example/emergency-dispatch/internal/models"
	"github.com/example/emergency-dispatch/internal/observability"
)

const webhookSink = "webhook"

// Webhook POSTs each event as JSON to Endpoint from a bounded queue. When
// the queue is full the event is dropped and counted.
type Webhook struct {
	Endpoint string
	Client   *http.Client

	queue chan models.Event
	log   *zap.SugaredLogger
}

func NewWebhook(endpoint string, queueSize int, log *zap.SugaredLogger) *Webhook {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Webhook{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: 3 * time.Second},
		queue:    make(chan models.Event, queueSize),
		log:      log,
	}
}

func (w *Webhook) Publish(ctx context.Context, ev models.Event) error {
	select {
	case w.queue <- ev:
		return nil
	default:
		observability.NotificationsDropped.WithLabelValues(webhookSink).Inc()
		return nil
	}
}

// Run delivers queued events until ctx is done.
func (w *Webhook) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-w.queue:
			if err := w.post(ctx, ev); err != nil {
				observability.NotificationsDropped.WithLabelValues(webhookSink).Inc()
				w.log.Warnw("webhook delivery failed", "record", ev.RecordID, "type", ev.Type, "error", err)
				continue
			}
			observability.NotificationsPublished.WithLabelValues(webhookSink, string(ev.Type)).Inc()
		}
	}
}

func (w *Webhook) post(ctx context.Context, ev models.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", string(ev.Type))
	resp, err := w.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
