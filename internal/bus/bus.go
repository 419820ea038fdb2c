// Package bus fans state changes of the assistant core out to the bridges.
package bus

import (
	"sync"
)

// EventType names a kind of state change.
type EventType string

const (
	// Host page link
	EventTypeHostConnected    EventType = "host.connected"
	EventTypeHostDisconnected EventType = "host.disconnected"

	// Camera
	EventTypeCameraStateChanged EventType = "camera.state_changed"
	EventTypeFrameCaptured      EventType = "camera.frame_captured"

	// Conversation log
	EventTypeMessageAdded   EventType = "conversation.message_added"
	EventTypeMessageUpdated EventType = "conversation.message_updated"
	EventTypeStatusChanged  EventType = "conversation.status_changed"

	// Assistant requests
	EventTypeRequestStarted  EventType = "assistant.request_started"
	EventTypeRequestFinished EventType = "assistant.request_finished"
	EventTypeRequestFailed   EventType = "assistant.request_failed"

	// Speech output
	EventTypeSpeakingStarted EventType = "speech.started"
	EventTypeSpeakingEnded   EventType = "speech.ended"
	EventTypeSpeechProgress  EventType = "speech.progress"

	// Speech recognition
	EventTypeListeningStarted EventType = "recognition.started"
	EventTypeListeningStopped EventType = "recognition.stopped"
	EventTypeTranscript       EventType = "recognition.transcript"
	EventTypeRecognitionError EventType = "recognition.error"
)

// Event is one published change. Data keys depend on the type.
type Event struct {
	Type EventType
	Data map[string]any
}

// Handler receives events of the types it subscribed to.
type Handler func(Event)

// EventBus delivers events to handlers in subscription order.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{handlers: make(map[EventType][]Handler)}
}

// Subscribe registers handler for eventType.
func (b *EventBus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
	b.mu.Unlock()
}

// SubscribeMultiple registers handler for each of eventTypes.
func (b *EventBus) SubscribeMultiple(eventTypes []EventType, handler Handler) {
	for _, et := range eventTypes {
		b.Subscribe(et, handler)
	}
}

// Publish delivers event on a new goroutine and returns immediately.
func (b *EventBus) Publish(event Event) {
	handlers := b.subscribers(event.Type)
	if len(handlers) == 0 {
		return
	}
	go deliver(handlers, event)
}

// PublishSync delivers event on the caller's goroutine. Successive calls
// reach each handler in publish order.
func (b *EventBus) PublishSync(event Event) {
	deliver(b.subscribers(event.Type), event)
}

// Clear drops every subscription.
func (b *EventBus) Clear() {
	b.mu.Lock()
	b.handlers = make(map[EventType][]Handler)
	b.mu.Unlock()
}

func (b *EventBus) subscribers(t EventType) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Handler(nil), b.handlers[t]...)
}

func deliver(handlers []Handler, event Event) {
	for _, h := range handlers {
		h(event)
	}
}
