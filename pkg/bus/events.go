package bus

import (
	"context"
	"sync"
	"time"
)

type EventType string

const (
	EventWebhookReceived EventType = "webhook_received"
	EventMessageSent     EventType = "message_sent"
	EventSendFailed      EventType = "send_failed"
	EventOutgoingInvoked EventType = "outgoing_invoked"
	EventOutgoingFailed  EventType = "outgoing_failed"
	EventReplyRelayed    EventType = "reply_relayed"
	EventStanzaIgnored   EventType = "stanza_ignored"
	EventNoAction        EventType = "no_action"
)

type Event struct {
	Type        EventType         `json:"type"`
	At          time.Time         `json:"at"`
	Path        string            `json:"path,omitempty"`
	Code        string            `json:"code,omitempty"`
	Identity    string            `json:"identity,omitempty"`
	Destination string            `json:"destination,omitempty"`
	Kind        Kind              `json:"kind,omitempty"`
	Payload     map[string]string `json:"payload,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// EventPublisher is the write side of the event stream.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event Event) bool
}

func (mb *MessageBus) PublishEvent(ctx context.Context, event Event) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	select {
	case <-ctx.Done():
		return false
	case <-mb.done:
		return false
	default:
	}

	// Subscribers are closed under the write lock, so the sends stay under
	// the read lock. They never block.
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	for _, ch := range mb.eventSubscribers {
		select {
		case ch <- event:
		default:
			// Drop instead of blocking the publisher on slow subscribers.
		}
	}

	return true
}

func (mb *MessageBus) SubscribeEvents(ctx context.Context, buffer int) (<-chan Event, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	if buffer <= 0 {
		buffer = defaultBufferSize
	}

	ch := make(chan Event, buffer)

	mb.mu.Lock()
	select {
	case <-mb.done:
		mb.mu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}

	id := mb.nextEventSubscriberID
	mb.nextEventSubscriberID++
	mb.eventSubscribers[id] = ch
	mb.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			mb.mu.Lock()
			if eventCh, ok := mb.eventSubscribers[id]; ok {
				delete(mb.eventSubscribers, id)
				close(eventCh)
			}
			mb.mu.Unlock()
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-mb.done:
			unsubscribe()
		}
	}()

	return ch, unsubscribe
}
