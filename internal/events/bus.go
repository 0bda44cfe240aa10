// Package events is the in-process fan-out for engine, risk, and provider
// events. Subscribers run on their own goroutines so a slow consumer never
// blocks trading logic.
package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventSignalReceived   EventType = "SIGNAL_RECEIVED"
	EventSignalRejected   EventType = "SIGNAL_REJECTED"
	EventOrderSubmitted   EventType = "ORDER_SUBMITTED"
	EventOrderFilled      EventType = "ORDER_FILLED"
	EventOrderCanceled    EventType = "ORDER_CANCELED"
	EventPositionOpened   EventType = "POSITION_OPENED"
	EventPositionClosed   EventType = "POSITION_CLOSED"
	EventLifecycleChanged EventType = "LIFECYCLE_CHANGED"
	EventLifecycleFailed  EventType = "LIFECYCLE_FAILED"
	EventBreakerTripped   EventType = "BREAKER_TRIPPED"
	EventBreakerReset     EventType = "BREAKER_RESET"
	EventProviderCircuit  EventType = "PROVIDER_CIRCUIT" // AI provider circuit opened or closed
	EventEngineStarted    EventType = "ENGINE_STARTED"
	EventEngineHalted     EventType = "ENGINE_HALTED"
	EventEngineResumed    EventType = "ENGINE_RESUMED"
	EventError            EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	// Set timestamp if not provided
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	// Notify specific subscribers
	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event) // Run in goroutine to avoid blocking
		}
	}

	// Notify all-event subscribers
	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishSignalRejected publishes a risk rejection for a signal.
func (eb *EventBus) PublishSignalRejected(signalID, instrument, code, reason string) {
	eb.Publish(Event{
		Type: EventSignalRejected,
		Data: map[string]interface{}{
			"signal_id":  signalID,
			"instrument": instrument,
			"code":       code,
			"reason":     reason,
		},
	})
}

// PublishOrderSubmitted publishes a venue-acknowledged submission.
func (eb *EventBus) PublishOrderSubmitted(orderID, signalID, instrument, side, quantity string) {
	eb.Publish(Event{
		Type: EventOrderSubmitted,
		Data: map[string]interface{}{
			"order_id":   orderID,
			"signal_id":  signalID,
			"instrument": instrument,
			"side":       side,
			"quantity":   quantity,
		},
	})
}

// PublishOrderFilled publishes a fill.
func (eb *EventBus) PublishOrderFilled(orderID, instrument, side, quantity, price string, final bool) {
	eb.Publish(Event{
		Type: EventOrderFilled,
		Data: map[string]interface{}{
			"order_id":   orderID,
			"instrument": instrument,
			"side":       side,
			"quantity":   quantity,
			"price":      price,
			"final":      final,
		},
	})
}

// PublishLifecycleChanged publishes a state machine transition.
func (eb *EventBus) PublishLifecycleChanged(signalID, instrument, from, to, reason string) {
	eb.Publish(Event{
		Type: EventLifecycleChanged,
		Data: map[string]interface{}{
			"signal_id":  signalID,
			"instrument": instrument,
			"from":       from,
			"to":         to,
			"reason":     reason,
		},
	})
}

// PublishOrderCanceled publishes a venue-confirmed cancellation.
func (eb *EventBus) PublishOrderCanceled(orderID, instrument string) {
	eb.Publish(Event{
		Type: EventOrderCanceled,
		Data: map[string]interface{}{
			"order_id":   orderID,
			"instrument": instrument,
		},
	})
}

// PublishLifecycleFailed flags a lifecycle that needs reconciliation.
func (eb *EventBus) PublishLifecycleFailed(signalID, instrument, reason string) {
	eb.Publish(Event{
		Type: EventLifecycleFailed,
		Data: map[string]interface{}{
			"signal_id":  signalID,
			"instrument": instrument,
			"reason":     reason,
		},
	})
}

// PublishPositionOpened publishes a transition from flat to open.
func (eb *EventBus) PublishPositionOpened(instrument, direction, quantity, avgEntry string) {
	eb.Publish(Event{
		Type: EventPositionOpened,
		Data: map[string]interface{}{
			"instrument": instrument,
			"direction":  direction,
			"quantity":   quantity,
			"avg_entry":  avgEntry,
		},
	})
}

// PublishPositionClosed publishes a return to flat with the realized PnL
// of the closing fill.
func (eb *EventBus) PublishPositionClosed(instrument, realizedPnL string) {
	eb.Publish(Event{
		Type: EventPositionClosed,
		Data: map[string]interface{}{
			"instrument":   instrument,
			"realized_pnl": realizedPnL,
		},
	})
}

// PublishBreakerTripped publishes an account circuit breaker trip.
func (eb *EventBus) PublishBreakerTripped(reason string, dailyLoss string) {
	eb.Publish(Event{
		Type: EventBreakerTripped,
		Data: map[string]interface{}{
			"reason":     reason,
			"daily_loss": dailyLoss,
		},
	})
}

// PublishBreakerReset publishes a breaker reset (manual or day boundary).
func (eb *EventBus) PublishBreakerReset(manual bool) {
	eb.Publish(Event{
		Type: EventBreakerReset,
		Data: map[string]interface{}{
			"manual": manual,
		},
	})
}

// PublishProviderCircuit publishes an AI provider health change.
func (eb *EventBus) PublishProviderCircuit(providerID string, open bool, consecutiveFailures int) {
	eb.Publish(Event{
		Type: EventProviderCircuit,
		Data: map[string]interface{}{
			"provider_id":          providerID,
			"open":                 open,
			"consecutive_failures": consecutiveFailures,
		},
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{
		Type: EventError,
		Data: data,
	})
}
