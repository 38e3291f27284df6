package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"xmppwebhook/pkg/bus"
	"xmppwebhook/pkg/channel"
	"xmppwebhook/pkg/outgoing"
	"xmppwebhook/pkg/route"
	"xmppwebhook/pkg/stanza"
)

// Invoker performs one outgoing webhook call.
type Invoker interface {
	Invoke(ctx context.Context, call outgoing.Call) (outgoing.Result, error)
}

// triggerRunner handles chat stanzas. Each stanza runs in its own goroutine
// under the runner's context, so processing outlives the read loop that
// delivered it; Shutdown waits for the ones still in flight.
type triggerRunner struct {
	classifier  *stanza.Classifier
	table       *route.Table
	invoker     Invoker
	sender      channel.Sender
	events      bus.EventPublisher
	errorReply  string
	sendTimeout time.Duration
	log         *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func (r *triggerRunner) Handle(_ context.Context, raw channel.Stanza) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.log.Debug("Stanza dropped during shutdown", "from", raw.From, "type", raw.Type)
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		r.process(r.ctx, raw)
	}()
}

func (r *triggerRunner) process(ctx context.Context, raw channel.Stanza) {
	msg, reason := r.classifier.Classify(ctx, raw)
	if reason != stanza.ReasonNone {
		r.log.Debug("Stanza ignored", "from", raw.From, "type", raw.Type, "reason", reason)
		r.publish(ctx, bus.Event{Type: bus.EventStanzaIgnored, Identity: raw.From, Payload: map[string]string{"reason": string(reason)}})
		return
	}

	log := r.log.With("kind", msg.Kind, "from", msg.From, "to", msg.To)
	log.Info("Incoming chat message")
	log.Debug("Chat message body", "body", msg.Body)

	trigger, ok := r.resolve(msg)
	if !ok {
		log.Error("There is no action for incoming message", "identity", msg.To)
		r.publish(ctx, bus.Event{Type: bus.EventNoAction, Identity: msg.To, Kind: msg.Kind})
		return
	}

	switch trigger.Action {
	case route.ActionInvokeOutgoingWebhook:
		log.Debug("Call outgoing webhook", "code", trigger.OutgoingCode)
		result, err := r.invoker.Invoke(ctx, outgoing.Call{
			Code:        trigger.OutgoingCode,
			Sender:      msg.From,
			Destination: msg.ReplyTo,
			Message:     msg.Body,
			Kind:        msg.Kind,
		})
		if err != nil {
			r.recover(ctx, log, msg, err)
			return
		}
		log.Info(result.Status(), "code", trigger.OutgoingCode)
	default:
		log.Debug("Chat trigger has no runnable action", "identity", trigger.Identity, "action", trigger.Action.String())
	}
}

// resolve looks up the routing identity. Direct messages fall back to the
// "self" entry when the bridge's own JID has none.
func (r *triggerRunner) resolve(msg bus.InboundMessage) (route.ChatTrigger, bool) {
	if trigger, ok := r.table.FindChatTriggerAction(msg.To); ok {
		return trigger, true
	}
	if msg.Kind == bus.KindDirect {
		return r.table.FindChatTriggerAction(route.SelfIdentity)
	}
	return route.ChatTrigger{}, false
}

// recover sends the configured error reply into the conversation, once.
func (r *triggerRunner) recover(ctx context.Context, log *slog.Logger, msg bus.InboundMessage, callErr error) {
	log.Error("Outgoing webhook failed", "category", outgoing.CategoryFromError(callErr), "error", callErr)

	sendCtx, cancel := context.WithTimeout(ctx, r.sendTimeout)
	defer cancel()

	if err := r.sender.Send(sendCtx, msg.ReplyTo, r.errorReply, msg.Kind); err != nil {
		log.Error("Failed to send error reply", "reply_to", msg.ReplyTo, "error", err)
		r.publish(ctx, bus.Event{Type: bus.EventSendFailed, Destination: msg.ReplyTo, Kind: msg.Kind, Error: err.Error()})
	}
}

func (r *triggerRunner) publish(ctx context.Context, event bus.Event) {
	if r.events == nil {
		return
	}
	r.events.PublishEvent(ctx, event)
}

// Shutdown stops accepting stanzas and waits for in-flight ones. If ctx ends
// first, their webhook calls and sends are cancelled and Shutdown returns
// once they unwind.
func (r *triggerRunner) Shutdown(ctx context.Context) {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		r.log.Warn("Cancelling in-flight chat triggers", "error", ctx.Err())
		r.cancel()
		<-done
	}
	r.cancel()
}
