package bus

import (
	"fmt"
	"strings"
)

// Kind is the XMPP message type a conversation uses.
type Kind string

const (
	KindDirect Kind = "chat"
	KindGroup  Kind = "groupchat"
)

// ParseKind accepts the XMPP type attribute values used in configuration.
// An empty value means a direct message.
func ParseKind(value string) (Kind, error) {
	switch Kind(strings.TrimSpace(value)) {
	case KindDirect, "":
		return KindDirect, nil
	case KindGroup:
		return KindGroup, nil
	default:
		return "", fmt.Errorf("unknown message type %q", value)
	}
}

// InboundMessage is a classified chat message ready for routing.
type InboundMessage struct {
	Kind             Kind   `json:"kind"`
	From             string `json:"from"`
	To               string `json:"to"`
	ReplyTo          string `json:"reply_to"`
	Body             string `json:"body"`
	ReceiptRequested bool   `json:"receipt_requested,omitempty"`
	RawSender        string `json:"raw_sender"`
	StanzaID         string `json:"stanza_id,omitempty"`
}

// OutboundMessage is one write queued for the chat transport.
//
// When ReceiptID is set the transport sends a delivery receipt to
// Destination instead of a chat message.
type OutboundMessage struct {
	Destination string `json:"destination"`
	Content     string `json:"content,omitempty"`
	Kind        Kind   `json:"kind,omitempty"`
	ReceiptID   string `json:"receipt_id,omitempty"`
}

// IsReceipt reports whether the message is a delivery receipt.
func (m OutboundMessage) IsReceipt() bool {
	return strings.TrimSpace(m.ReceiptID) != ""
}
