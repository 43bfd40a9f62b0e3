// Package telemetry sends best-effort monitoring events to the trade
// telemetry collector. Every send is fire-and-forget: failures are logged and
// swallowed and never affect pipeline correctness.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

type TradeEvent struct {
	TradeID     string `json:"trade_id"`
	ServiceName string `json:"service_name"`
	EventType   string `json:"event_type"`
	Topic       string `json:"topic"`
	Message     string `json:"message,omitempty"`
}

type DlqEvent struct {
	TradeID     string `json:"trade_id,omitempty"`
	ServiceName string `json:"service_name"`
	Topic       string `json:"topic"`
	Reason      string `json:"reason"`
}

type ErrorEvent struct {
	ServiceName string `json:"service_name"`
	Component   string `json:"component"`
	Error       string `json:"error"`
}

type Client interface {
	SendTradeEvent(ctx context.Context, ev TradeEvent)
	SendDlqEvent(ctx context.Context, ev DlqEvent)
	SendErrorEvent(ctx context.Context, ev ErrorEvent)
}

// Noop discards all events. Used when no collector endpoint is configured.
type Noop struct{}

func (Noop) SendTradeEvent(context.Context, TradeEvent) {}
func (Noop) SendDlqEvent(context.Context, DlqEvent)     {}
func (Noop) SendErrorEvent(context.Context, ErrorEvent) {}

// HTTPClient posts events as JSON to the collector.
type HTTPClient struct {
	endpoint    string
	serviceName string
	client      *http.Client
}

func NewHTTPClient(endpoint, serviceName string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HTTPClient{
		endpoint:    endpoint,
		serviceName: serviceName,
		client:      &http.Client{Timeout: timeout},
	}
}

// New returns an HTTP client when an endpoint is configured, Noop otherwise.
func New(endpoint, serviceName string, timeout time.Duration) Client {
	if endpoint == "" {
		return Noop{}
	}
	return NewHTTPClient(endpoint, serviceName, timeout)
}

func (c *HTTPClient) SendTradeEvent(ctx context.Context, ev TradeEvent) {
	ev.ServiceName = c.serviceName
	c.post(ctx, "/events/trade", ev)
}

func (c *HTTPClient) SendDlqEvent(ctx context.Context, ev DlqEvent) {
	ev.ServiceName = c.serviceName
	c.post(ctx, "/events/dlq", ev)
}

func (c *HTTPClient) SendErrorEvent(ctx context.Context, ev ErrorEvent) {
	ev.ServiceName = c.serviceName
	c.post(ctx, "/events/error", ev)
}

func (c *HTTPClient) post(ctx context.Context, path string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("failed to encode telemetry event", "path", path, "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(body))
	if err != nil {
		slog.Warn("failed to build telemetry request", "path", path, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		slog.Warn("failed to send telemetry event", "path", path, "error", err)
		return
	}
	resp.Body.Close()

	if resp.StatusCode >= 300 {
		slog.Warn("telemetry collector rejected event", "path", path, "status", resp.StatusCode)
	}
}
