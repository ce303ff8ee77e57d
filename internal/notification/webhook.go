package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/saltyorg/reqflow/internal/httpclient"
)

// ErrInvalidWebhookBody is returned when the configured body template does not parse
var ErrInvalidWebhookBody = errors.New("invalid webhook body template")

// defaultWebhookBody renders every event as a JSON object. String fields go through the json
// helper so titles with quotes stay valid JSON.
const defaultWebhookBody = `{
  "id": {{json .ID}},
  "event": {{json .Event}},
  "title": {{json .Title}},
  "message": {{json .Message}},
  "kind": {{json .Kind}},
  "timestamp": {{json .Timestamp}},
  "fields": {{json .Fields}}
}`

var webhookFuncs = template.FuncMap{
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
}

// WebhookConfig configures the generic webhook provider
type WebhookConfig struct {
	URL string
	// Method defaults to POST
	Method string
	// Body is a text/template rendered with webhookPayload. Empty uses the JSON default.
	Body        string
	Headers     map[string]string
	ContentType string
}

// WebhookProvider posts rendered media events to an arbitrary HTTP endpoint
type WebhookProvider struct {
	config WebhookConfig
	body   *template.Template
	client *http.Client
}

// webhookPayload is the data a body template can reference
type webhookPayload struct {
	ID        string
	Event     string
	Title     string
	Message   string
	Kind      string
	Timestamp string
	Fields    map[string]string
}

// ParseWebhookBody compiles a body template, falling back to the default for an empty body
func ParseWebhookBody(body string) (*template.Template, error) {
	if strings.TrimSpace(body) == "" {
		body = defaultWebhookBody
	}
	tmpl, err := template.New("webhook").Funcs(webhookFuncs).Option("missingkey=zero").Parse(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidWebhookBody, err)
	}
	return tmpl, nil
}

// NewWebhookProvider creates a webhook provider. The body template is compiled up front so a
// broken template is reported when settings are applied, not on the first event.
func NewWebhookProvider(config WebhookConfig) (*WebhookProvider, error) {
	if config.URL == "" {
		return nil, errors.New("webhook URL not configured")
	}
	body, err := ParseWebhookBody(config.Body)
	if err != nil {
		return nil, err
	}
	if config.Method == "" {
		config.Method = http.MethodPost
	}
	if config.ContentType == "" {
		config.ContentType = "application/json"
	}
	return &WebhookProvider{
		config: config,
		body:   body,
		client: httpclient.NewTraceClient("webhook", 30*time.Second),
	}, nil
}

// Name returns the provider name
func (w *WebhookProvider) Name() string {
	return "webhook"
}

// Send renders event and delivers it
func (w *WebhookProvider) Send(ctx context.Context, event Event) error {
	body, err := w.render(event)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, w.config.Method, w.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", w.config.ContentType)
	for key, value := range w.config.Headers {
		req.Header.Set(key, value)
	}
	return doRequest(w.client, req)
}

// Test delivers a sample event
func (w *WebhookProvider) Test(ctx context.Context) error {
	return w.Send(ctx, Event{
		ID:        "test",
		Type:      "test",
		Title:     "Test Notification",
		Message:   "Webhook notifications from reqflow are working",
		Timestamp: time.Now(),
		Fields:    map[string]string{"Kind": "movie"},
	})
}

func (w *WebhookProvider) render(event Event) ([]byte, error) {
	fields := event.Fields
	if fields == nil {
		fields = map[string]string{}
	}
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	var buf bytes.Buffer
	err := w.body.Execute(&buf, webhookPayload{
		ID:        event.ID,
		Event:     string(event.Type),
		Title:     event.Title,
		Message:   event.Message,
		Kind:      fields["Kind"],
		Timestamp: ts.UTC().Format(time.RFC3339),
		Fields:    fields,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to render webhook body: %w", err)
	}
	return buf.Bytes(), nil
}

// parseHeaderLines reads "Name: value" pairs, one per line. Malformed lines are skipped.
func parseHeaderLines(s string) map[string]string {
	headers := make(map[string]string)
	for line := range strings.SplitSeq(s, "\n") {
		name, value, ok := strings.Cut(line, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			continue
		}
		headers[name] = strings.TrimSpace(value)
	}
	return headers
}
