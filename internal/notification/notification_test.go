package notification

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/saltyorg/reqflow/internal/config"
	"github.com/saltyorg/reqflow/internal/database"
)

type recordingProvider struct {
	mu     sync.Mutex
	events []Event
	got    chan struct{}
}

func (p *recordingProvider) Name() string { return "recorder" }

func (p *recordingProvider) Send(_ context.Context, event Event) error {
	p.mu.Lock()
	p.events = append(p.events, event)
	p.mu.Unlock()
	p.got <- struct{}{}
	return nil
}

func (p *recordingProvider) Test(context.Context) error { return nil }

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestManagerFiltersAndLogs(t *testing.T) {
	db := openTestDB(t)
	m := NewManager(db)
	p := &recordingProvider{got: make(chan struct{}, 4)}
	m.RegisterProvider("recorder", p)
	defer m.Stop()

	m.SetEnabledEvents([]EventType{EventMediaCompleted})
	m.NotifySimple(EventMediaQueued, "Queued", "filtered out")
	m.NotifySimple(EventMediaCompleted, "Completed", "Dune (2021)")

	select {
	case <-p.got:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected completed event to be delivered")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.events) != 1 || p.events[0].Type != EventMediaCompleted || p.events[0].ID == "" {
		t.Fatalf("expected one completed event with id, got %+v", p.events)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		logs, err := db.ListNotificationLogs(10)
		if err != nil {
			t.Fatalf("ListNotificationLogs failed: %v", err)
		}
		if len(logs) == 1 {
			if logs[0].Status != "sent" || logs[0].Provider != "recorder" {
				t.Fatalf("unexpected log entry: %+v", logs[0])
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected notification to be logged")
}

func TestConfigureFromSettings(t *testing.T) {
	db := openTestDB(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if err := db.SetSetting("notifications.webhook.enabled", "true"); err != nil {
		t.Fatalf("SetSetting failed: %v", err)
	}
	if err := db.SetSetting("notifications.webhook.url", srv.URL); err != nil {
		t.Fatalf("SetSetting failed: %v", err)
	}
	if err := db.SetSetting("notifications.events", `["media_failed","bogus"]`); err != nil {
		t.Fatalf("SetSetting failed: %v", err)
	}

	m := NewManager(db)
	if err := m.ConfigureFromSettings(config.NewLoader(db)); err != nil {
		t.Fatalf("ConfigureFromSettings failed: %v", err)
	}
	defer m.Stop()

	if _, ok := m.GetProvider("webhook"); !ok {
		t.Fatalf("expected webhook provider registered")
	}
	if _, ok := m.GetProvider("discord"); ok {
		t.Fatalf("expected discord provider absent")
	}
	if len(m.enabled) != 1 || m.enabled[0] != EventMediaFailed {
		t.Fatalf("expected only media_failed enabled, got %v", m.enabled)
	}
	if err := m.TestProvider("webhook"); err != nil {
		t.Fatalf("expected webhook test to succeed, got %v", err)
	}

	if err := db.SetSetting("notifications.webhook.enabled", "false"); err != nil {
		t.Fatalf("SetSetting failed: %v", err)
	}
	if err := m.ConfigureFromSettings(config.NewLoader(db)); err != nil {
		t.Fatalf("ConfigureFromSettings failed: %v", err)
	}
	if _, ok := m.GetProvider("webhook"); ok {
		t.Fatalf("expected webhook provider removed")
	}
}

func TestDefaultWebhookBodyIsJSON(t *testing.T) {
	w, err := NewWebhookProvider(WebhookConfig{URL: "http://example.invalid"})
	if err != nil {
		t.Fatalf("NewWebhookProvider failed: %v", err)
	}
	body, err := w.render(Event{
		ID:      "abc",
		Type:    EventMediaFailed,
		Title:   `The "Office" (2005)`,
		Message: "search failed",
		Fields:  map[string]string{"Kind": "series"},
	})
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("expected valid JSON body, got %v: %s", err, body)
	}
	if decoded["id"] != "abc" || decoded["event"] != "media_failed" || decoded["kind"] != "series" {
		t.Fatalf("unexpected body: %v", decoded)
	}
	if decoded["title"] != `The "Office" (2005)` {
		t.Fatalf("expected title to survive quoting, got %v", decoded["title"])
	}
}

func TestWebhookCustomBodyAndHeaders(t *testing.T) {
	var gotBody, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w, err := NewWebhookProvider(WebhookConfig{
		URL:     srv.URL,
		Body:    `{{.Event}}|{{.Title}}|{{index .Fields "Lane"}}`,
		Headers: parseHeaderLines("Authorization: Bearer abc\nnot a header\n"),
	})
	if err != nil {
		t.Fatalf("NewWebhookProvider failed: %v", err)
	}
	err = w.Send(context.Background(), Event{Type: EventQueueFull, Title: "Queue full", Fields: map[string]string{"Lane": "movie"}})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if gotBody != "queue_full|Queue full|movie" {
		t.Fatalf("expected rendered custom body, got %q", gotBody)
	}
	if gotAuth != "Bearer abc" {
		t.Fatalf("expected custom header, got %q", gotAuth)
	}
}

func TestConfigureFromSettings_RejectsInvalidWebhookBody(t *testing.T) {
	db := openTestDB(t)
	for key, value := range map[string]string{
		"notifications.webhook.enabled": "true",
		"notifications.webhook.url":     "http://example.invalid/hook",
	} {
		if err := db.SetSetting(key, value); err != nil {
			t.Fatalf("SetSetting failed: %v", err)
		}
	}

	m := NewManager(db)
	defer m.Stop()
	if err := m.ConfigureFromSettings(config.NewLoader(db)); err != nil {
		t.Fatalf("ConfigureFromSettings failed: %v", err)
	}
	before, ok := m.GetProvider("webhook")
	if !ok {
		t.Fatal("expected webhook provider registered")
	}

	if err := db.SetSetting("notifications.webhook.body", `{"title": {{.Title}`); err != nil {
		t.Fatalf("SetSetting failed: %v", err)
	}
	err := m.ConfigureFromSettings(config.NewLoader(db))
	if !errors.Is(err, ErrInvalidWebhookBody) {
		t.Fatalf("expected ErrInvalidWebhookBody, got %v", err)
	}
	after, ok := m.GetProvider("webhook")
	if !ok || after != before {
		t.Fatal("expected previous webhook provider to stay registered")
	}
}
