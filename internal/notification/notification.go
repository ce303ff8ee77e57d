package notification

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/saltyorg/reqflow/internal/config"
	"github.com/saltyorg/reqflow/internal/database"
)

// ErrProviderNotFound is returned when a named provider is not registered
var ErrProviderNotFound = errors.New("notification provider not found")

// EventType represents the type of event that can trigger a notification
type EventType string

const (
	EventMediaQueued      EventType = "media_queued"
	EventMediaProcessing  EventType = "media_processing"
	EventMediaCompleted   EventType = "media_completed"
	EventMediaFailed      EventType = "media_failed"
	EventMediaUnreleased  EventType = "media_unreleased"
	EventMediaSkipped     EventType = "media_skipped"
	EventMediaIgnored     EventType = "media_ignored"
	EventMediaPending     EventType = "media_pending"
	EventQueueFull        EventType = "queue_full"
	EventRetryPass        EventType = "retry_pass"
	EventMaintenance      EventType = "maintenance_completed"
	EventSystemError      EventType = "system_error"
	EventDiscrepancyFound EventType = "discrepancy_found"
)

// EventTypes lists every event type, for settings validation
var EventTypes = []EventType{
	EventMediaQueued, EventMediaProcessing, EventMediaCompleted, EventMediaFailed,
	EventMediaUnreleased, EventMediaSkipped, EventMediaIgnored, EventMediaPending,
	EventQueueFull, EventRetryPass, EventMaintenance, EventSystemError, EventDiscrepancyFound,
}

// Event represents a notification event
type Event struct {
	ID        string
	Type      EventType
	Title     string
	Message   string
	Fields    map[string]string
	Timestamp time.Time
}

// Provider is the interface for notification providers
type Provider interface {
	// Name returns the provider name
	Name() string

	// Send sends a notification
	Send(ctx context.Context, event Event) error

	// Test sends a test notification
	Test(ctx context.Context) error
}

// Manager handles notification dispatch
type Manager struct {
	db        *database.DB
	providers map[string]Provider
	mu        sync.RWMutex
	events    chan Event
	stopChan  chan struct{}
	wg        sync.WaitGroup

	// enabled limits which event types are delivered; empty means all
	enabled []EventType

	// Running state
	running bool
}

// NewManager creates a new notification manager
func NewManager(db *database.DB) *Manager {
	return &Manager{
		db:        db,
		providers: make(map[string]Provider),
		events:    make(chan Event, 100),
		stopChan:  make(chan struct{}),
	}
}

// RegisterProvider registers a notification provider.
// If the manager is not running and this is the first provider, it will start automatically.
func (m *Manager) RegisterProvider(name string, provider Provider) {
	m.mu.Lock()
	wasEmpty := len(m.providers) == 0
	m.providers[name] = provider
	shouldStart := wasEmpty && !m.running
	m.mu.Unlock()

	log.Info().Str("provider", name).Msg("Registered notification provider")

	// Auto-start if this is the first provider
	if shouldStart {
		m.Start()
	}
}

// UnregisterProvider removes a notification provider.
// If this was the last provider, the manager will stop automatically.
func (m *Manager) UnregisterProvider(name string) {
	m.mu.Lock()
	delete(m.providers, name)
	shouldStop := m.running && len(m.providers) == 0
	m.mu.Unlock()

	log.Info().Str("provider", name).Msg("Unregistered notification provider")

	// Auto-stop if no providers remain
	if shouldStop {
		m.Stop()
	}
}

// GetProvider returns a provider by name
func (m *Manager) GetProvider(name string) (Provider, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.providers[name]
	return p, ok
}

// ListProviders returns all registered provider names
func (m *Manager) ListProviders() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	return names
}

// Start starts the notification dispatcher.
// Returns true if the manager was started (providers exist), false otherwise.
func (m *Manager) Start() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return true
	}

	// Only start if we have providers
	if len(m.providers) == 0 {
		return false
	}

	m.running = true
	m.wg.Go(func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("Notification dispatcher panicked")
			}
		}()
		m.dispatcher()
	})
	log.Info().Msg("Notification manager started")
	return true
}

// Stop stops the notification dispatcher
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	close(m.stopChan)
	m.wg.Wait()

	// Recreate stopChan for potential restart
	m.stopChan = make(chan struct{})

	log.Info().Msg("Notification manager stopped")
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// Notify queues an event for notification
func (m *Manager) Notify(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	m.mu.RLock()
	wanted := len(m.enabled) == 0 || slices.Contains(m.enabled, event.Type)
	running := m.running
	m.mu.RUnlock()
	if !wanted || !running {
		return
	}
	select {
	case m.events <- event:
	default:
		log.Warn().Str("type", string(event.Type)).Msg("Notification queue full, dropping event")
	}
}

// SetEnabledEvents restricts delivery to the given event types. An empty list enables all.
func (m *Manager) SetEnabledEvents(types []EventType) {
	m.mu.Lock()
	m.enabled = slices.Clone(types)
	m.mu.Unlock()
}

// ConfigureFromSettings registers or removes the Discord and webhook providers according to the
// notifications.* settings and applies the event filter. An invalid webhook body template is
// returned as an error and the previously registered webhook provider, if any, stays in place.
func (m *Manager) ConfigureFromSettings(loader *config.Loader) error {
	if loader.Bool("notifications.discord.enabled", false) && loader.String("notifications.discord.webhook_url", "") != "" {
		m.RegisterProvider("discord", NewDiscordProvider(DiscordConfig{
			WebhookURL: loader.String("notifications.discord.webhook_url", ""),
			Username:   loader.String("notifications.discord.username", ""),
			Enabled:    true,
		}))
	} else if _, ok := m.GetProvider("discord"); ok {
		m.UnregisterProvider("discord")
	}

	var webhookErr error
	if loader.Bool("notifications.webhook.enabled", false) && loader.String("notifications.webhook.url", "") != "" {
		provider, err := NewWebhookProvider(WebhookConfig{
			URL:     loader.String("notifications.webhook.url", ""),
			Method:  loader.String("notifications.webhook.method", ""),
			Body:    loader.String("notifications.webhook.body", ""),
			Headers: parseHeaderLines(loader.String("notifications.webhook.headers", "")),
		})
		if err != nil {
			webhookErr = fmt.Errorf("notifications.webhook.body: %w", err)
		} else {
			m.RegisterProvider("webhook", provider)
		}
	} else if _, ok := m.GetProvider("webhook"); ok {
		m.UnregisterProvider("webhook")
	}

	var types []EventType
	for _, name := range loader.StringSlice("notifications.events", nil) {
		t := EventType(name)
		if !slices.Contains(EventTypes, t) {
			log.Warn().Str("event", name).Msg("Ignoring unknown notification event type")
			continue
		}
		types = append(types, t)
	}
	m.SetEnabledEvents(types)
	return webhookErr
}

// NotifySimple is a convenience method to send a simple notification
func (m *Manager) NotifySimple(eventType EventType, title, message string) {
	m.Notify(Event{
		Type:    eventType,
		Title:   title,
		Message: message,
	})
}

// dispatcher processes events and sends notifications
func (m *Manager) dispatcher() {
	for {
		select {
		case <-m.stopChan:
			return
		case event := <-m.events:
			m.dispatch(event)
		}
	}
}

// dispatch sends an event to all registered providers
func (m *Manager) dispatch(event Event) {
	m.mu.RLock()
	providers := make([]Provider, 0, len(m.providers))
	for _, p := range m.providers {
		providers = append(providers, p)
	}
	m.mu.RUnlock()

	if len(providers) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, provider := range providers {
		if err := provider.Send(ctx, event); err != nil {
			log.Error().
				Err(err).
				Str("provider", provider.Name()).
				Str("event", string(event.Type)).
				Msg("Failed to send notification")

			// Log to database
			m.logNotification(event, provider.Name(), err)
		} else {
			log.Debug().
				Str("provider", provider.Name()).
				Str("event", string(event.Type)).
				Msg("Notification sent")

			// Log success to database
			m.logNotification(event, provider.Name(), nil)
		}
	}
}

// logNotification logs a notification attempt to the database
func (m *Manager) logNotification(event Event, provider string, sendErr error) {
	status := "sent"
	errMsg := ""
	if sendErr != nil {
		status = "failed"
		errMsg = sendErr.Error()
	}

	err := m.db.LogNotification(&database.NotificationLog{
		Provider:  provider,
		EventType: string(event.Type),
		Title:     event.Title,
		Message:   event.Message,
		Status:    status,
		Error:     errMsg,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to log notification")
	}
}

// TestProvider sends a test notification to a specific provider
func (m *Manager) TestProvider(providerName string) error {
	m.mu.RLock()
	provider, ok := m.providers[providerName]
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrProviderNotFound, providerName)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return provider.Test(ctx)
}
