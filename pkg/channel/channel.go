package channel

import (
	"context"
	"sync/atomic"

	"xmppwebhook/pkg/bus"
)

// Stanza is one decoded inbound transport event.
type Stanza struct {
	// Name is the stanza element: "message", "presence" or "iq".
	Name string
	// Type is the type attribute ("chat", "groupchat", "error", ...).
	Type string
	From string
	To   string
	ID   string
	Body string
	// ReceiptRequested is set when the sender asked for a delivery receipt.
	ReceiptRequested bool
	// Delayed is set when the stanza carries a delay (history) marker.
	Delayed bool
}

// Handler processes one inbound stanza.
type Handler func(context.Context, Stanza)

// Adapter bridges one chat transport into the bridge.
type Adapter interface {
	Name() string
	Run(context.Context, Handler) error
	Identity() *Identity
}

// Sender delivers one chat message through the transport.
type Sender interface {
	Send(ctx context.Context, destination string, message string, kind bus.Kind) error
}

// Receipter acknowledges delivery-receipt requests.
type Receipter interface {
	SendReceipt(ctx context.Context, to string, id string) error
}

// Identity is the bridge's own address, established once the transport is
// online. The zero value is "not connected yet".
type Identity struct {
	jid atomic.Pointer[string]
}

// Set records the full or bare JID bound by the server.
func (i *Identity) Set(jid string) {
	bare := Bare(jid)
	i.jid.Store(&bare)
}

// Bare returns the own bare JID and whether it is known.
func (i *Identity) Bare() (string, bool) {
	if i == nil {
		return "", false
	}
	value := i.jid.Load()
	if value == nil || *value == "" {
		return "", false
	}
	return *value, true
}

// Local returns the local part of the own JID.
func (i *Identity) Local() (string, bool) {
	bare, ok := i.Bare()
	if !ok {
		return "", false
	}
	return Local(bare), true
}
