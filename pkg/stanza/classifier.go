// Package stanza turns raw transport events into routable messages.
//
// Direct ("chat") messages are addressed to the bridge itself: the routing
// identity is the bridge's own bare JID and replies go back to the sender.
// Group ("groupchat") messages are addressed to a room: the routing identity
// and the reply target are both the room's bare JID, and the sender is the
// occupant nickname. Group messages the bridge sent itself, and history
// replayed on join, are suppressed.
package stanza

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"xmppwebhook/pkg/bus"
	"xmppwebhook/pkg/channel"
)

const receiptTimeout = 5 * time.Second

// Reason explains why a stanza was not classified.
type Reason string

const (
	ReasonNone         Reason = ""
	ReasonNotMessage   Reason = "not_message"
	ReasonEmptyBody    Reason = "empty_body"
	ReasonUnsupported  Reason = "unsupported_type"
	ReasonNoIdentity   Reason = "identity_unset"
	ReasonSelfEcho     Reason = "self_echo"
	ReasonHistorical   Reason = "historical"
	ReasonMalformedJID Reason = "malformed_sender"
)

// Classifier normalizes stanzas against the connection identity.
type Classifier struct {
	identity *channel.Identity
	receipts channel.Receipter
	log      *slog.Logger
}

func NewClassifier(identity *channel.Identity, receipts channel.Receipter, log *slog.Logger) *Classifier {
	if log == nil {
		log = slog.Default()
	}

	return &Classifier{
		identity: identity,
		receipts: receipts,
		log:      log.With("component", "stanza.classifier"),
	}
}

// Classify returns the normalized message, or a Reason when the stanza must
// be ignored. Receipt requests on direct messages are acknowledged here,
// before the caller dispatches anything.
func (c *Classifier) Classify(ctx context.Context, s channel.Stanza) (bus.InboundMessage, Reason) {
	if s.Name != "" && s.Name != "message" {
		return bus.InboundMessage{}, ReasonNotMessage
	}
	if strings.TrimSpace(s.Body) == "" {
		return bus.InboundMessage{}, ReasonEmptyBody
	}

	switch bus.Kind(s.Type) {
	case bus.KindDirect:
		return c.classifyDirect(ctx, s)
	case bus.KindGroup:
		return c.classifyGroup(s)
	default:
		return bus.InboundMessage{}, ReasonUnsupported
	}
}

func (c *Classifier) classifyDirect(ctx context.Context, s channel.Stanza) (bus.InboundMessage, Reason) {
	if s.ReceiptRequested && strings.TrimSpace(s.ID) != "" {
		c.acknowledge(ctx, s.From, s.ID)
	}

	own, ok := c.identity.Bare()
	if !ok {
		return bus.InboundMessage{}, ReasonNoIdentity
	}

	sender := channel.Bare(s.From)
	if sender == "" {
		return bus.InboundMessage{}, ReasonMalformedJID
	}

	return bus.InboundMessage{
		Kind:             bus.KindDirect,
		From:             channel.Local(sender),
		To:               own,
		ReplyTo:          sender,
		Body:             s.Body,
		ReceiptRequested: s.ReceiptRequested,
		RawSender:        s.From,
		StanzaID:         s.ID,
	}, ReasonNone
}

func (c *Classifier) classifyGroup(s channel.Stanza) (bus.InboundMessage, Reason) {
	room := channel.Bare(s.From)
	nick := channel.Resource(s.From)
	if room == "" {
		return bus.InboundMessage{}, ReasonMalformedJID
	}

	if local, ok := c.identity.Local(); ok && nick == local {
		return bus.InboundMessage{}, ReasonSelfEcho
	}
	if s.Delayed {
		return bus.InboundMessage{}, ReasonHistorical
	}

	return bus.InboundMessage{
		Kind:      bus.KindGroup,
		From:      nick,
		To:        room,
		ReplyTo:   room,
		Body:      s.Body,
		RawSender: s.From,
		StanzaID:  s.ID,
	}, ReasonNone
}

func (c *Classifier) acknowledge(ctx context.Context, to string, id string) {
	if c.receipts == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, receiptTimeout)
	defer cancel()

	if err := c.receipts.SendReceipt(ctx, to, id); err != nil {
		c.log.Warn("Failed to send delivery receipt", "to", to, "id", id, "error", err)
		return
	}
	c.log.Debug("Delivery receipt sent", "to", to, "id", id)
}
