// Package webhook receives authenticated HTTP webhooks and turns them into
// chat messages.
package webhook

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"xmppwebhook/pkg/bus"
	"xmppwebhook/pkg/channel"
	"xmppwebhook/pkg/route"
	"xmppwebhook/pkg/template"
)

const defaultSendTimeout = 10 * time.Second

// Response bodies returned to webhook callers.
const (
	BodyNotFound           = "Webhook not found"
	BodyDestinationMissing = "Destination not found"
	BodyMessageMissing     = "Message not found"
	BodySendFailed         = "Could not send message"
	BodyInvalidJSON        = "Invalid JSON body"
	BodyTemplateSent       = "ok"
)

// Lookup is the part of the routing table the dispatcher reads.
type Lookup interface {
	FindWebhookAction(path string) (route.WebhookRoute, bool)
	IsRoom(destination string) bool
}

// Response is the HTTP outcome of one dispatched webhook.
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

func textResponse(status int, body string) Response {
	return Response{StatusCode: status, ContentType: "text/plain; charset=utf-8", Body: []byte(body)}
}

type sentResponse struct {
	Status      string `json:"status"`
	Destination string `json:"destination"`
}

// Dispatcher resolves a webhook path and performs its action.
type Dispatcher struct {
	table       Lookup
	sender      channel.Sender
	events      bus.EventPublisher
	sendTimeout time.Duration
	log         *slog.Logger
}

func NewDispatcher(table Lookup, sender channel.Sender, events bus.EventPublisher, sendTimeout time.Duration, log *slog.Logger) *Dispatcher {
	if sendTimeout <= 0 {
		sendTimeout = defaultSendTimeout
	}
	if log == nil {
		log = slog.Default()
	}

	return &Dispatcher{
		table:       table,
		sender:      sender,
		events:      events,
		sendTimeout: sendTimeout,
		log:         log.With("component", "webhook.dispatcher"),
	}
}

// Handle dispatches one webhook request. path is the full request path and
// user the authenticated login.
func (d *Dispatcher) Handle(ctx context.Context, path string, user string, body []byte) Response {
	if ctx == nil {
		ctx = context.Background()
	}
	log := d.log.With("path", path, "user", user)
	if requestID := RequestIDFromContext(ctx); requestID != "" {
		log = log.With("request_id", requestID)
	}

	log.Info("Incoming webhook")

	entry, ok := d.table.FindWebhookAction(path)
	if !ok {
		log.Error("Webhook received, not found")
		return textResponse(http.StatusNotFound, BodyNotFound)
	}
	log.Debug("Webhook received, start action", "action", entry.Action.String())
	d.publish(ctx, bus.Event{Type: bus.EventWebhookReceived, Path: path, Payload: map[string]string{"action": entry.Action.String(), "user": user}})

	switch entry.Action {
	case route.ActionSendMessage:
		return d.sendMessage(ctx, log, path, body)
	case route.ActionSendTemplate:
		return d.sendTemplate(ctx, log, path, entry, body)
	default:
		return Response{StatusCode: http.StatusNoContent}
	}
}

func (d *Dispatcher) sendMessage(ctx context.Context, log *slog.Logger, path string, body []byte) Response {
	data, ok := decodeBody(body)
	if !ok {
		log.Error("Webhook body is not valid JSON")
		return textResponse(http.StatusBadRequest, BodyInvalidJSON)
	}
	fields, _ := data.(map[string]any)

	destination, ok := fields["destination"].(string)
	if !ok {
		log.Error("Destination not found")
		return textResponse(http.StatusBadRequest, BodyDestinationMissing)
	}
	message, ok := fields["message"].(string)
	if !ok {
		log.Error("Message not found")
		return textResponse(http.StatusBadRequest, BodyMessageMissing)
	}

	kind := bus.KindDirect
	if d.table.IsRoom(destination) {
		kind = bus.KindGroup
	}

	if err := d.send(ctx, log, path, destination, message, kind); err != nil {
		return textResponse(http.StatusInternalServerError, BodySendFailed)
	}

	encoded, err := json.Marshal(sentResponse{Status: "ok", Destination: destination})
	if err != nil {
		log.Error("Failed to encode webhook response", "error", err)
		return textResponse(http.StatusInternalServerError, BodySendFailed)
	}
	return Response{StatusCode: http.StatusOK, ContentType: "application/json; charset=utf-8", Body: encoded}
}

func (d *Dispatcher) sendTemplate(ctx context.Context, log *slog.Logger, path string, entry route.WebhookRoute, body []byte) Response {
	data, ok := decodeBody(body)
	if !ok {
		log.Error("Webhook body is not valid JSON")
		return textResponse(http.StatusBadRequest, BodyInvalidJSON)
	}

	message := template.Render(entry.Template, data)
	log.Debug("Template rendered", "destination", entry.Destination, "kind", entry.Kind, "length", len(message))

	if err := d.send(ctx, log, path, entry.Destination, message, entry.Kind); err != nil {
		return textResponse(http.StatusInternalServerError, BodySendFailed)
	}
	return textResponse(http.StatusOK, BodyTemplateSent)
}

func (d *Dispatcher) send(ctx context.Context, log *slog.Logger, path string, destination string, message string, kind bus.Kind) error {
	ctx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()

	log = log.With("destination", destination, "kind", kind)
	if err := d.sender.Send(ctx, destination, message, kind); err != nil {
		log.Error("Could not send message", "error", err)
		d.publish(ctx, bus.Event{Type: bus.EventSendFailed, Path: path, Destination: destination, Kind: kind, Error: err.Error()})
		return err
	}

	log.Info("Message sent")
	d.publish(ctx, bus.Event{Type: bus.EventMessageSent, Path: path, Destination: destination, Kind: kind})
	return nil
}

func (d *Dispatcher) publish(ctx context.Context, event bus.Event) {
	if d.events == nil {
		return
	}
	d.events.PublishEvent(context.WithoutCancel(ctx), event)
}

// decodeBody parses a JSON body. An empty body is an empty object.
func decodeBody(body []byte) (any, bool) {
	if strings.TrimSpace(string(body)) == "" {
		return map[string]any{}, true
	}

	data, err := template.Decode(body)
	if err != nil {
		return nil, false
	}
	return data, true
}
