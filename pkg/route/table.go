package route

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"xmppwebhook/pkg/bus"
	"xmppwebhook/pkg/config"
)

// ConfigError lists every routing problem found while building a table.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	if e == nil || len(e.Problems) == 0 {
		return "invalid routing configuration"
	}
	return "invalid routing configuration: " + strings.Join(e.Problems, "; ")
}

// Table answers the three routing lookups. It is read-only once built and
// safe for concurrent use.
type Table struct {
	webhooks map[string]WebhookRoute
	outgoing map[string]OutgoingWebhook
	triggers map[string]ChatTrigger
	rooms    map[string]struct{}
}

// New builds a table from configuration. Duplicate keys, chat triggers that
// reference unknown outgoing codes and template routes without a static
// destination are rejected.
func New(cfg *config.Config) (*Table, error) {
	if cfg == nil {
		return nil, &ConfigError{Problems: []string{"config is required"}}
	}

	t := &Table{
		webhooks: make(map[string]WebhookRoute, len(cfg.IncomingWebhooks)),
		outgoing: make(map[string]OutgoingWebhook, len(cfg.OutgoingWebhooks)),
		triggers: make(map[string]ChatTrigger, len(cfg.XMPPHooks)),
		rooms:    make(map[string]struct{}, len(cfg.XMPP.Rooms)),
	}
	var problems []string

	for _, room := range cfg.XMPP.Rooms {
		t.rooms[strings.TrimSpace(room.ID)] = struct{}{}
	}

	for _, hook := range cfg.IncomingWebhooks {
		path := strings.TrimSpace(hook.Path)
		if _, exists := t.webhooks[path]; exists {
			problems = append(problems, fmt.Sprintf("duplicate incoming webhook path %q", path))
			continue
		}

		entry := WebhookRoute{
			Path:        path,
			Action:      ParseAction(hook.Action),
			Template:    hook.Template,
			Destination: strings.TrimSpace(hook.Destination),
		}
		if entry.Action == ActionSendTemplate {
			kind, err := bus.ParseKind(hook.Type)
			if err != nil {
				problems = append(problems, fmt.Sprintf("incoming webhook %q: %v", path, err))
			}
			entry.Kind = kind
			if entry.Destination == "" {
				problems = append(problems, fmt.Sprintf("incoming webhook %q: template action requires a destination", path))
			}
		}
		t.webhooks[path] = entry
	}

	for _, hook := range cfg.OutgoingWebhooks {
		code := strings.TrimSpace(hook.Code)
		if _, exists := t.outgoing[code]; exists {
			problems = append(problems, fmt.Sprintf("duplicate outgoing webhook code %q", code))
			continue
		}

		timeout := time.Duration(hook.TimeoutMs) * time.Millisecond
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		t.outgoing[code] = OutgoingWebhook{
			Code:        code,
			URL:         strings.TrimSpace(hook.URL),
			AuthMethod:  parseAuthMethod(hook.AuthMethod),
			User:        hook.User,
			Password:    hook.Password,
			Bearer:      hook.Bearer,
			ContentType: parseContentType(hook.ContentType),
			StrictTLS:   hook.StrictTLS,
			Timeout:     timeout,
		}
	}

	for _, hook := range cfg.XMPPHooks {
		identity := strings.TrimSpace(hook.Room)
		if _, exists := t.triggers[identity]; exists {
			problems = append(problems, fmt.Sprintf("duplicate xmpp hook for %q", identity))
			continue
		}

		trigger := ChatTrigger{
			Identity:     identity,
			Action:       ParseAction(hook.Action),
			OutgoingCode: strings.TrimSpace(hook.OutgoingCode),
		}
		if trigger.Action == ActionInvokeOutgoingWebhook {
			if _, ok := t.outgoing[trigger.OutgoingCode]; !ok {
				problems = append(problems, fmt.Sprintf("xmpp hook %q references unknown outgoing webhook %q", identity, trigger.OutgoingCode))
			}
		}
		t.triggers[identity] = trigger
	}

	if len(problems) > 0 {
		return nil, &ConfigError{Problems: problems}
	}

	return t, nil
}

// FindWebhookAction returns the route registered for an exact listener path.
func (t *Table) FindWebhookAction(path string) (WebhookRoute, bool) {
	entry, ok := t.webhooks[path]
	return entry, ok
}

// FindOutgoingWebhook returns the outgoing webhook registered under code.
func (t *Table) FindOutgoingWebhook(code string) (OutgoingWebhook, bool) {
	hook, ok := t.outgoing[code]
	return hook, ok
}

// FindChatTriggerAction returns the trigger for a room bare JID or SelfIdentity.
func (t *Table) FindChatTriggerAction(identity string) (ChatTrigger, bool) {
	trigger, ok := t.triggers[identity]
	return trigger, ok
}

// IsRoom reports whether destination is one of the configured rooms.
func (t *Table) IsRoom(destination string) bool {
	_, ok := t.rooms[destination]
	return ok
}

// Snapshot is a sorted, printable copy of the table.
type Snapshot struct {
	Webhooks []WebhookRoute
	Outgoing []OutgoingWebhook
	Triggers []ChatTrigger
}

func (t *Table) Snapshot() Snapshot {
	snap := Snapshot{
		Webhooks: make([]WebhookRoute, 0, len(t.webhooks)),
		Outgoing: make([]OutgoingWebhook, 0, len(t.outgoing)),
		Triggers: make([]ChatTrigger, 0, len(t.triggers)),
	}
	for _, entry := range t.webhooks {
		snap.Webhooks = append(snap.Webhooks, entry)
	}
	for _, hook := range t.outgoing {
		snap.Outgoing = append(snap.Outgoing, hook)
	}
	for _, trigger := range t.triggers {
		snap.Triggers = append(snap.Triggers, trigger)
	}

	sort.Slice(snap.Webhooks, func(i, j int) bool { return snap.Webhooks[i].Path < snap.Webhooks[j].Path })
	sort.Slice(snap.Outgoing, func(i, j int) bool { return snap.Outgoing[i].Code < snap.Outgoing[j].Code })
	sort.Slice(snap.Triggers, func(i, j int) bool { return snap.Triggers[i].Identity < snap.Triggers[j].Identity })

	return snap
}
