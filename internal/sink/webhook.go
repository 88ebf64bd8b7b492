package sink

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/efreitasn/orderexec/internal/domain"
)

// WebhookSink POSTs status events to a single callback URL. When
// terminalOnly is set, only confirmed and failed events are sent.
// Deliveries are fire-and-forget: non-2xx responses and transport errors
// are logged and dropped.
type WebhookSink struct {
	url          string
	terminalOnly bool
	client       *http.Client
	logger       *slog.Logger
	wg           sync.WaitGroup
}

// NewWebhookSink creates a sink posting to url with the given per-request
// timeout.
func NewWebhookSink(url string, timeout time.Duration, terminalOnly bool, logger *slog.Logger) *WebhookSink {
	return &WebhookSink{
		url:          url,
		terminalOnly: terminalOnly,
		client:       &http.Client{Timeout: timeout},
		logger:       logger,
	}
}

// webhookPayload is the JSON body of a delivery.
type webhookPayload struct {
	Event     string             `json:"event"`
	Timestamp string             `json:"timestamp"`
	Data      domain.StatusEvent `json:"data"`
}

// eventType names the delivery, e.g. "order.confirmed".
func eventType(status domain.OrderStatus) string {
	return "order." + string(status)
}

// Publish dispatches ev in the background.
func (s *WebhookSink) Publish(orderID string, ev domain.StatusEvent) {
	if s.terminalOnly && !ev.Status.IsTerminal() {
		return
	}
	if ev.OrderID == "" {
		ev.OrderID = orderID
	}

	payload := webhookPayload{
		Event:     eventType(ev.Status),
		Timestamp: ev.Timestamp.UTC().Truncate(time.Second).Format(time.RFC3339),
		Data:      ev,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.deliver(orderID, payload)
	}()
}

// Wait blocks until in-flight deliveries finish.
func (s *WebhookSink) Wait() {
	s.wg.Wait()
}

// deliver sends the payload via HTTP POST with the delivery headers.
func (s *WebhookSink) deliver(orderID string, payload webhookPayload) {
	body, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("encode webhook event", slog.String("order_id", orderID), slog.String("error", err.Error()))
		return
	}

	req, err := http.NewRequest(http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		s.logger.Error("build webhook request", slog.String("error", err.Error()))
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Delivery-Id", uuid.New().String())
	req.Header.Set("X-Order-Id", orderID)
	req.Header.Set("X-Event-Type", payload.Event)

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("webhook delivery failed",
			slog.String("order_id", orderID),
			slog.String("event", payload.Event),
			slog.String("error", err.Error()),
		)
		return
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		s.logger.Warn("webhook delivery rejected",
			slog.String("order_id", orderID),
			slog.String("event", payload.Event),
			slog.Int("status", resp.StatusCode),
		)
	}
}
