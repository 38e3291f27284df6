// Package xmpp connects the bridge to an XMPP server with go-xmpp.
package xmpp

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"xmppwebhook/pkg/bus"
	"xmppwebhook/pkg/channel"
	"xmppwebhook/pkg/config"

	goxmpp "github.com/xmppo/go-xmpp"
)

const (
	receiptsNamespace = "urn:xmpp:receipts"
	stanzaIDNamespace = "urn:xmpp:sid:0"
	defaultResource   = "xmppwebhook"
)

// Outbox is the queue of writes the adapter drains.
type Outbox interface {
	NextOutbound(ctx context.Context) (bus.Delivery, bool)
}

// conn is the subset of *goxmpp.Client the adapter uses.
type conn interface {
	Recv() (interface{}, error)
	Send(goxmpp.Chat) (int, error)
	SendOrg(string) (int, error)
	JoinMUCNoHistory(jid, nick string) (int, error)
	JoinProtectedMUC(jid, nick string, password string, historyType, history int, historyDate *time.Time) (int, error)
	Roster() error
	JID() string
	Close() error
}

type dialFunc func(goxmpp.Options) (conn, error)

func dialClient(opts goxmpp.Options) (conn, error) {
	return opts.NewClient()
}

type Adapter struct {
	cfg      config.XMPPConfig
	outbox   Outbox
	identity *channel.Identity
	dial     dialFunc
	log      *slog.Logger
}

func New(cfg config.XMPPConfig, outbox Outbox, log *slog.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.JID) == "" {
		return nil, errors.New("xmpp.jid is required")
	}
	if outbox == nil {
		return nil, errors.New("outbox is required")
	}
	if log == nil {
		log = slog.Default()
	}

	return &Adapter{
		cfg:      cfg,
		outbox:   outbox,
		identity: &channel.Identity{},
		dial:     dialClient,
		log:      log.With("component", "channel.xmpp"),
	}, nil
}

func (a *Adapter) Name() string {
	return "xmpp"
}

// Identity is set once the session is established.
func (a *Adapter) Identity() *channel.Identity {
	return a.identity
}

// Run connects, joins the configured rooms and feeds every received stanza
// to handler until ctx is cancelled or the connection fails. Queued writes
// from the outbox are sent by a single writer goroutine.
func (a *Adapter) Run(ctx context.Context, handler channel.Handler) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if handler == nil {
		return errors.New("handler is required")
	}

	client, err := a.dial(a.options())
	if err != nil {
		return fmt.Errorf("connect xmpp %s: %w", a.address(), err)
	}

	var closeOnce sync.Once
	closeConn := func() {
		closeOnce.Do(func() {
			if err := client.Close(); err != nil {
				a.log.Debug("Close xmpp connection", "error", err)
			}
		})
	}
	defer closeConn()

	jid := client.JID()
	if jid == "" {
		jid = a.cfg.JID
	}
	a.identity.Set(jid)
	local, _ := a.identity.Local()
	a.log.Info("XMPP connected", "address", a.address(), "jid", jid)

	if err := client.Roster(); err != nil {
		a.log.Warn("Failed to request roster", "error", err)
	}

	for _, room := range a.cfg.Rooms {
		if err := joinRoom(client, room, local); err != nil {
			return fmt.Errorf("join room %s: %w", room.ID, err)
		}
		a.log.Info("Joined room", "room", room.ID, "nick", local)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.writeLoop(runCtx, client)
	}()

	recvErr := make(chan error, 1)
	go func() {
		recvErr <- a.readLoop(runCtx, client, handler)
	}()

	select {
	case <-ctx.Done():
		cancel()
		closeConn()
		wg.Wait()
		return nil
	case err := <-recvErr:
		cancel()
		wg.Wait()
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
}

func (a *Adapter) readLoop(ctx context.Context, client conn, handler channel.Handler) error {
	for {
		raw, err := client.Recv()
		if err != nil {
			return fmt.Errorf("receive xmpp stanza: %w", err)
		}
		if ctx.Err() != nil {
			return nil
		}

		stanza, ok := toStanza(raw)
		if !ok {
			continue
		}
		handler(ctx, stanza)
	}
}

func (a *Adapter) writeLoop(ctx context.Context, client conn) {
	for {
		delivery, ok := a.outbox.NextOutbound(ctx)
		if !ok {
			return
		}

		msg := delivery.Message
		var err error
		if msg.IsReceipt() {
			_, err = client.SendOrg(receiptStanza(msg.Destination, msg.ReceiptID))
		} else {
			_, err = client.Send(goxmpp.Chat{Remote: msg.Destination, Type: string(msg.Kind), Text: msg.Content})
		}
		if err != nil {
			a.log.Error("Failed to write xmpp stanza", "destination", msg.Destination, "receipt", msg.IsReceipt(), "error", err)
		} else {
			a.log.Debug("Wrote xmpp stanza", "destination", msg.Destination, "kind", msg.Kind, "receipt", msg.IsReceipt())
		}
		delivery.Done(err)
	}
}

func (a *Adapter) options() goxmpp.Options {
	resource := strings.TrimSpace(a.cfg.Resource)
	if resource == "" {
		resource = defaultResource
	}

	host := a.address()
	serverName := strings.TrimSpace(a.cfg.Host)
	if serverName == "" {
		serverName = domainOf(a.cfg.JID)
	}

	return goxmpp.Options{
		Host:     host,
		User:     channel.Bare(a.cfg.JID),
		Password: a.cfg.Password,
		Resource: resource,
		NoTLS:    a.cfg.NoTLS,
		StartTLS: a.cfg.StartTLS,
		Session:  true,
		Debug:    a.cfg.Debug,
		TLSConfig: &tls.Config{
			ServerName:         serverName,
			InsecureSkipVerify: a.cfg.InsecureSkipVerify, //nolint:gosec // operator opt-out
			MinVersion:         tls.VersionTLS12,
		},
		InsecureAllowUnencryptedAuth: a.cfg.NoTLS && !a.cfg.StartTLS,
	}
}

func (a *Adapter) address() string {
	host := strings.TrimSpace(a.cfg.Host)
	if host == "" {
		host = domainOf(a.cfg.JID)
	}
	port := a.cfg.Port
	if port <= 0 {
		port = 5222
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func joinRoom(client conn, room config.RoomConfig, nick string) error {
	var err error
	if room.Password != "" {
		_, err = client.JoinProtectedMUC(room.ID, nick, room.Password, goxmpp.NoHistory, 0, nil)
	} else {
		_, err = client.JoinMUCNoHistory(room.ID, nick)
	}
	return err
}

// toStanza converts go-xmpp events. Only chat messages are passed on.
func toStanza(raw interface{}) (channel.Stanza, bool) {
	chat, ok := raw.(goxmpp.Chat)
	if !ok {
		return channel.Stanza{}, false
	}

	return channel.Stanza{
		Name:             "message",
		Type:             chat.Type,
		From:             chat.Remote,
		ID:               originID(chat.OtherElem),
		Body:             chat.Text,
		ReceiptRequested: hasReceiptRequest(chat.OtherElem),
		Delayed:          !chat.Stamp.IsZero(),
	}, true
}

func hasReceiptRequest(elems []goxmpp.XMLElement) bool {
	for _, elem := range elems {
		if elem.XMLName.Space == receiptsNamespace && elem.XMLName.Local == "request" {
			return true
		}
	}
	return false
}

// originID returns the XEP-0359 origin-id the sending client attached.
// go-xmpp does not expose the message id attribute, and clients set
// origin-id to that same value.
func originID(elems []goxmpp.XMLElement) string {
	for _, elem := range elems {
		if elem.XMLName.Space != stanzaIDNamespace || elem.XMLName.Local != "origin-id" {
			continue
		}
		for _, attr := range elem.Attr {
			if attr.Name.Local == "id" {
				return strings.TrimSpace(attr.Value)
			}
		}
	}
	return ""
}

// receiptStanza builds the XEP-0184 acknowledgement for message id.
func receiptStanza(to string, id string) string {
	return fmt.Sprintf("<message to='%s' id='%s'><received xmlns='%s' id='%s'/></message>",
		escape(to), escape(id+"-receipt"), receiptsNamespace, escape(id))
}

func escape(value string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(value))
	return b.String()
}

func domainOf(jid string) string {
	bare := channel.Bare(jid)
	if idx := strings.Index(bare, "@"); idx >= 0 {
		return bare[idx+1:]
	}
	return bare
}
