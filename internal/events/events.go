package events

import (
	"context"
	"log"
	"sync"
	"time"
)

// EventType represents the type of event.
type EventType string

const (
	// EventCartCreated is emitted when a cart enters the pipeline
	EventCartCreated EventType = "cart.created"
	// EventCartStatusChanged is emitted on every cart status transition
	EventCartStatusChanged EventType = "cart.status_changed"
	// EventScheduleFallback is emitted when the time-restriction
	// computation failed and the default countdown was used instead
	EventScheduleFallback EventType = "schedule.fallback"
	// EventDispatchFailed is emitted when a notification dispatch errored
	EventDispatchFailed EventType = "dispatch.failed"
)

// Event represents an event in the system.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      interface{}
}

// CartCreatedData contains data for cart created events.
type CartCreatedData struct {
	CartUUID    string
	ProjectUUID string
	OrderFormID string
}

// CartStatusChangedData contains data for cart status transition events.
type CartStatusChangedData struct {
	CartUUID string
	Status   string
}

// ScheduleFallbackData contains data for schedule fallback events.
type ScheduleFallbackData struct {
	CartUUID string
	Err      error
}

// DispatchFailedData contains data for dispatch failure events.
type DispatchFailedData struct {
	CartUUID string
	Strategy string
	Err      error
}

// Handler is a function that handles events.
type Handler func(ctx context.Context, event Event) error

// Manager manages event handlers and event publishing. It is the local
// sink for pipeline anomalies that need tracking but must never abort
// the pipeline itself.
type Manager struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	enabled  bool
}

// NewManager creates a new event manager.
func NewManager(enabled bool) *Manager {
	return &Manager{
		handlers: make(map[EventType][]Handler),
		enabled:  enabled,
	}
}

// Subscribe subscribes a handler to a specific event type.
func (m *Manager) Subscribe(eventType EventType, handler Handler) {
	if !m.enabled {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.handlers[eventType] = append(m.handlers[eventType], handler)
}

// SubscribeLogging attaches the default logging handler to the anomaly
// event types.
func (m *Manager) SubscribeLogging() {
	logHandler := func(ctx context.Context, event Event) error {
		log.Printf("Event %s: %+v", event.Type, event.Data)
		return nil
	}
	m.Subscribe(EventScheduleFallback, logHandler)
	m.Subscribe(EventDispatchFailed, logHandler)
}

// Publish publishes an event to all subscribed handlers.
func (m *Manager) Publish(ctx context.Context, eventType EventType, data interface{}) {
	if !m.enabled {
		return
	}

	m.mu.RLock()
	handlers := m.handlers[eventType]
	m.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	event := Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}

	// Execute handlers asynchronously to avoid blocking
	for _, handler := range handlers {
		go func(h Handler) {
			if err := h(ctx, event); err != nil {
				log.Printf("Event handler for %s failed: %v", event.Type, err)
			}
		}(handler)
	}
}

// PublishCartCreated publishes a cart created event.
func (m *Manager) PublishCartCreated(ctx context.Context, cartUUID, projectUUID, orderFormID string) {
	m.Publish(ctx, EventCartCreated, CartCreatedData{
		CartUUID:    cartUUID,
		ProjectUUID: projectUUID,
		OrderFormID: orderFormID,
	})
}

// PublishCartStatusChanged publishes a cart status transition event.
func (m *Manager) PublishCartStatusChanged(ctx context.Context, cartUUID, status string) {
	m.Publish(ctx, EventCartStatusChanged, CartStatusChangedData{
		CartUUID: cartUUID,
		Status:   status,
	})
}

// PublishScheduleFallback publishes a schedule fallback event.
func (m *Manager) PublishScheduleFallback(ctx context.Context, cartUUID string, err error) {
	m.Publish(ctx, EventScheduleFallback, ScheduleFallbackData{
		CartUUID: cartUUID,
		Err:      err,
	})
}

// PublishDispatchFailed publishes a dispatch failure event.
func (m *Manager) PublishDispatchFailed(ctx context.Context, cartUUID, strategy string, err error) {
	m.Publish(ctx, EventDispatchFailed, DispatchFailedData{
		CartUUID: cartUUID,
		Strategy: strategy,
		Err:      err,
	})
}

// Shutdown shuts down the event manager.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.enabled = false
	m.handlers = make(map[EventType][]Handler)
}
