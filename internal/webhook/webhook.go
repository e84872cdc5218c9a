// Package webhook delivers inbound-message notifications to tenant-configured
// HTTP endpoints.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shawn/session-gateway/internal/protocol"
)

const (
	EventMessage = "message.received"

	headerEventID = "X-Gateway-Event-Id"
	headerTenant  = "X-Gateway-Tenant"
)

// Event is the JSON payload POSTed to a webhook.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	TenantID  string    `json:"tenant_id"`
	Timestamp time.Time `json:"timestamp"`
	Message   *Message  `json:"message,omitempty"`
}

// Message is the normalized inbound message inside an Event.
type Message struct {
	ID        string    `json:"id"`
	Chat      string    `json:"chat"`
	Sender    string    `json:"sender"`
	PushName  string    `json:"push_name,omitempty"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessageEvent wraps an inbound protocol message for delivery.
func NewMessageEvent(tenantID string, msg protocol.MessageEvent) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      EventMessage,
		TenantID:  tenantID,
		Timestamp: time.Now().UTC(),
		Message: &Message{
			ID:        msg.ID,
			Chat:      msg.Chat,
			Sender:    msg.Sender,
			PushName:  msg.PushName,
			Text:      msg.Text,
			Timestamp: msg.Timestamp,
		},
	}
}

// Result is the outcome of one delivery, after retries.
type Result struct {
	Success  bool
	Status   int
	Attempts int
	Duration time.Duration
	Err      error
}

// Recorder observes finished deliveries.
type Recorder interface {
	WebhookDelivered(success bool, d time.Duration)
}

// Dispatcher POSTs events with retry. Retries and backoff are entirely its
// own business; callers fire and forget.
type Dispatcher struct {
	httpClient *http.Client
	maxRetries int
	backoff    time.Duration
	timeout    time.Duration
	recorder   Recorder
	logger     *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithHTTPClient(c *http.Client) Option { return func(d *Dispatcher) { d.httpClient = c } }

// WithRetries sets the retry budget and the base of the exponential backoff.
func WithRetries(n int, base time.Duration) Option {
	return func(d *Dispatcher) {
		d.maxRetries = n
		d.backoff = base
	}
}

// WithTimeout bounds a whole fire-and-forget delivery, retries included.
func WithTimeout(t time.Duration) Option { return func(d *Dispatcher) { d.timeout = t } }

func WithRecorder(r Recorder) Option { return func(d *Dispatcher) { d.recorder = r } }

func WithLogger(l *slog.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

// New creates a Dispatcher.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		maxRetries: 3,
		backoff:    500 * time.Millisecond,
		timeout:    time.Minute,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dispatch sends payload in the background.
func (d *Dispatcher) Dispatch(url string, payload any) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		res := d.Send(ctx, url, payload)
		if !res.Success {
			d.logger.Warn("webhook: delivery failed", "url", url, "status", res.Status,
				"attempts", res.Attempts, "err", res.Err)
		}
	}()
}

// Send delivers payload, retrying 5xx responses and transport errors with
// exponential backoff. 4xx responses are final.
func (d *Dispatcher) Send(ctx context.Context, url string, payload any) Result {
	start := time.Now()
	res := d.send(ctx, url, payload)
	res.Duration = time.Since(start)
	if d.recorder != nil {
		d.recorder.WebhookDelivered(res.Success, res.Duration)
	}
	return res
}

func (d *Dispatcher) send(ctx context.Context, url string, payload any) Result {
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{Err: fmt.Errorf("marshal payload: %w", err)}
	}
	eventID, tenantID := ids(payload)

	var res Result
	delay := d.backoff
	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				res.Err = ctx.Err()
				return res
			case <-time.After(delay):
			}
			delay *= 2
		}
		res.Attempts = attempt + 1

		status, err := d.post(ctx, url, body, eventID, tenantID)
		res.Status, res.Err = status, err
		switch {
		case err == nil && status < 300:
			res.Success = true
			return res
		case err == nil && status < 500:
			res.Err = fmt.Errorf("webhook rejected with status %d", status)
			return res
		case err == nil:
			res.Err = fmt.Errorf("webhook failed with status %d", status)
		}
	}
	return res
}

func (d *Dispatcher) post(ctx context.Context, url string, body []byte, eventID, tenantID string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if eventID != "" {
		req.Header.Set(headerEventID, eventID)
	}
	if tenantID != "" {
		req.Header.Set(headerTenant, tenantID)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func ids(payload any) (eventID, tenantID string) {
	switch ev := payload.(type) {
	case Event:
		return ev.ID, ev.TenantID
	case *Event:
		return ev.ID, ev.TenantID
	}
	return "", ""
}
