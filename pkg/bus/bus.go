package bus

import (
	"context"
	"errors"
	"sync"
)

const defaultBufferSize = 100

// ErrClosed is returned once the bus has been closed.
var ErrClosed = errors.New("message bus closed")

// Delivery is one queued outbound write awaiting the transport's result.
type Delivery struct {
	Message OutboundMessage

	result chan error
}

// Done reports the write result back to the sender. It must be called once.
func (d Delivery) Done(err error) {
	d.result <- err
}

// MessageBus is the single outbound path to the chat transport. Every
// chat message and receipt is queued here and written by one consumer, so
// writes to the connection never interleave.
type MessageBus struct {
	outbound chan Delivery

	eventSubscribers      map[uint64]chan Event
	nextEventSubscriberID uint64

	done      chan struct{}
	closeOnce sync.Once

	mu sync.RWMutex
}

func NewMessageBus() *MessageBus {
	return &MessageBus{
		outbound:         make(chan Delivery, defaultBufferSize),
		eventSubscribers: make(map[uint64]chan Event),
		done:             make(chan struct{}),
	}
}

// Send queues a chat message and blocks until the transport wrote it.
func (mb *MessageBus) Send(ctx context.Context, destination string, message string, kind Kind) error {
	return mb.publishOutbound(ctx, OutboundMessage{
		Destination: destination,
		Content:     message,
		Kind:        kind,
	})
}

// SendReceipt queues a delivery receipt for the stanza id sent by to.
func (mb *MessageBus) SendReceipt(ctx context.Context, to string, id string) error {
	return mb.publishOutbound(ctx, OutboundMessage{
		Destination: to,
		ReceiptID:   id,
	})
}

func (mb *MessageBus) publishOutbound(ctx context.Context, msg OutboundMessage) error {
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-mb.done:
		return ErrClosed
	default:
	}

	delivery := Delivery{Message: msg, result: make(chan error, 1)}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-mb.done:
		return ErrClosed
	case mb.outbound <- delivery:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-mb.done:
		return ErrClosed
	case err := <-delivery.result:
		return err
	}
}

// NextOutbound returns the next queued write for the transport.
func (mb *MessageBus) NextOutbound(ctx context.Context) (Delivery, bool) {
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-ctx.Done():
		return Delivery{}, false
	case <-mb.done:
		return Delivery{}, false
	case delivery := <-mb.outbound:
		return delivery, true
	}
}

func (mb *MessageBus) Close() {
	mb.closeOnce.Do(func() {
		close(mb.done)

		mb.mu.Lock()
		for id, ch := range mb.eventSubscribers {
			close(ch)
			delete(mb.eventSubscribers, id)
		}
		mb.mu.Unlock()
	})
}
