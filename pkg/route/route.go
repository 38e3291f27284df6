// Package route holds the immutable lookup tables that map inbound triggers
// (webhook paths, chat identities, outgoing webhook codes) to actions.
package route

import (
	"strings"
	"time"

	"xmppwebhook/pkg/bus"
)

// SelfIdentity is the chat-trigger key that matches direct messages sent to
// the bridge account.
const SelfIdentity = "self"

const defaultTimeout = 5000 * time.Millisecond

// Action is the closed set of behaviours a routing entry can select.
type Action int

const (
	ActionUnrecognized Action = iota
	ActionSendMessage
	ActionSendTemplate
	ActionInvokeOutgoingWebhook
)

// ParseAction maps configuration strings onto the action variant. Unknown
// strings yield ActionUnrecognized, which callers treat as an inert route.
func ParseAction(value string) Action {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "send_xmpp_message":
		return ActionSendMessage
	case "send_xmpp_template":
		return ActionSendTemplate
	case "outgoing_webhook":
		return ActionInvokeOutgoingWebhook
	default:
		return ActionUnrecognized
	}
}

func (a Action) String() string {
	switch a {
	case ActionSendMessage:
		return "send_xmpp_message"
	case ActionSendTemplate:
		return "send_xmpp_template"
	case ActionInvokeOutgoingWebhook:
		return "outgoing_webhook"
	default:
		return "unrecognized"
	}
}

// WebhookRoute is one inbound webhook path.
type WebhookRoute struct {
	Path        string
	Action      Action
	Template    string
	Destination string
	Kind        bus.Kind
}

// ChatTrigger maps a room (or SelfIdentity) to an outgoing webhook.
type ChatTrigger struct {
	Identity     string
	Action       Action
	OutgoingCode string
}

type AuthMethod int

const (
	AuthNone AuthMethod = iota
	AuthBasic
	AuthBearer
)

func (m AuthMethod) String() string {
	switch m {
	case AuthBasic:
		return "basic"
	case AuthBearer:
		return "bearer"
	default:
		return "none"
	}
}

type ContentType int

const (
	ContentForm ContentType = iota
	ContentJSON
)

func (c ContentType) String() string {
	if c == ContentJSON {
		return "application/json"
	}
	return "application/x-www-form-urlencoded"
}

// OutgoingWebhook is an operator-configured external endpoint.
type OutgoingWebhook struct {
	Code        string
	URL         string
	AuthMethod  AuthMethod
	User        string
	Password    string
	Bearer      string
	ContentType ContentType
	StrictTLS   bool
	Timeout     time.Duration
}

func parseAuthMethod(value string) AuthMethod {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "basic":
		return AuthBasic
	case "bearer":
		return AuthBearer
	default:
		return AuthNone
	}
}

func parseContentType(value string) ContentType {
	if strings.EqualFold(strings.TrimSpace(value), "application/json") {
		return ContentJSON
	}
	return ContentForm
}
