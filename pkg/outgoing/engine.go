// Package outgoing performs the HTTP calls chat users trigger through
// configured outgoing webhooks, and relays any reply back into the chat.
package outgoing

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"xmppwebhook/pkg/bus"
	"xmppwebhook/pkg/channel"
	"xmppwebhook/pkg/route"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	defaultRelayTimeout = 10 * time.Second
	maxResponseBytes    = 1 << 20
)

var errEngineShutdown = errors.New("outgoing engine shut down")

// Lookup resolves outgoing webhook codes.
type Lookup interface {
	FindOutgoingWebhook(code string) (route.OutgoingWebhook, bool)
}

// Call is one invocation request.
type Call struct {
	Code        string
	Sender      string
	Destination string
	Message     string
	Kind        bus.Kind
}

// Result describes a successful call.
type Result struct {
	StatusCode  int
	Reply       string
	Relayed     bool
	Destination string
}

// Status is the human readable outcome, matching what operators see in logs.
func (r Result) Status() string {
	if r.Relayed {
		return fmt.Sprintf("Message sent. There is a reply to send back in chat %s: %s", r.Destination, r.Reply)
	}
	return "Message sent"
}

// Engine executes outgoing webhook calls. It holds no per-call state and is
// safe for concurrent use. Reply relays run in the background until
// Shutdown.
type Engine struct {
	lookup       Lookup
	sender       channel.Sender
	events       bus.EventPublisher
	transport    http.RoundTripper
	relayTimeout time.Duration
	log          *slog.Logger

	relayCtx    context.Context
	cancelRelay context.CancelFunc

	mu     sync.Mutex
	closed bool
	relays sync.WaitGroup
}

type Option func(*Engine)

// WithTransport replaces the per-call HTTP transport. StrictTLS is not
// applied to an injected transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(e *Engine) { e.transport = rt }
}

func WithSender(sender channel.Sender) Option {
	return func(e *Engine) { e.sender = sender }
}

func WithEvents(events bus.EventPublisher) Option {
	return func(e *Engine) { e.events = events }
}

func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

func WithRelayTimeout(timeout time.Duration) Option {
	return func(e *Engine) {
		if timeout > 0 {
			e.relayTimeout = timeout
		}
	}
}

func NewEngine(lookup Lookup, opts ...Option) *Engine {
	e := &Engine{
		lookup:       lookup,
		relayTimeout: defaultRelayTimeout,
		log:          slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With("component", "outgoing.engine")
	e.relayCtx, e.cancelRelay = context.WithCancel(context.Background())

	return e
}

// Invoke calls the webhook registered under call.Code. Any status other than
// 200 is a failure. A string "reply" in a JSON response body is relayed to
// call.Destination in the background; the relay outcome does not affect the
// returned result.
func (e *Engine) Invoke(ctx context.Context, call Call) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	hook, ok := e.lookup.FindOutgoingWebhook(call.Code)
	if !ok {
		e.log.Warn("There is no webhook with code", "code", call.Code)
		return Result{}, &NoSuchWebhookError{Code: call.Code}
	}

	log := e.log.With("code", hook.Code, "url", hook.URL)
	startedAt := time.Now()

	req, err := newRequest(ctx, hook, call)
	if err != nil {
		return Result{}, &CallError{Category: ErrorTransport, Code: hook.Code, Err: err}
	}
	log.Debug("Outgoing webhook request started", "auth", hook.AuthMethod.String(), "content_type", hook.ContentType.String(), "timeout", hook.Timeout)

	client := &http.Client{
		Transport: otelhttp.NewTransport(e.transportFor(hook)),
		Timeout:   hook.Timeout,
	}

	resp, err := client.Do(req)
	if err != nil {
		callErr := classifyTransportError(hook.Code, err)
		log.Error("Error during outgoing webhook request", "category", callErr.Category, "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		e.publish(ctx, bus.Event{Type: bus.EventOutgoingFailed, Code: hook.Code, Destination: call.Destination, Kind: call.Kind, Error: callErr.Error()})
		return Result{}, callErr
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		callErr := classifyTransportError(hook.Code, err)
		log.Error("Error reading outgoing webhook response", "category", callErr.Category, "error", err)
		e.publish(ctx, bus.Event{Type: bus.EventOutgoingFailed, Code: hook.Code, Destination: call.Destination, Kind: call.Kind, Error: callErr.Error()})
		return Result{}, callErr
	}

	if resp.StatusCode != http.StatusOK {
		callErr := &CallError{Category: ErrorHTTPStatus, Code: hook.Code, StatusCode: resp.StatusCode}
		log.Error("Error during outgoing webhook request", "status", resp.StatusCode, "duration_ms", time.Since(startedAt).Milliseconds())
		e.publish(ctx, bus.Event{Type: bus.EventOutgoingFailed, Code: hook.Code, Destination: call.Destination, Kind: call.Kind, Error: callErr.Error()})
		return Result{}, callErr
	}

	result := Result{StatusCode: resp.StatusCode, Destination: call.Destination}
	if reply, ok := extractReply(body); ok {
		result.Reply = reply
		result.Relayed = true
		log.Debug("There is a reply to send back in chat", "destination", call.Destination, "reply", flatten(reply))
		e.startRelay(call.Destination, reply, call.Kind)
	}

	log.Info("Outgoing webhook request completed", "status", resp.StatusCode, "relayed", result.Relayed, "duration_ms", time.Since(startedAt).Milliseconds())
	e.publish(ctx, bus.Event{Type: bus.EventOutgoingInvoked, Code: hook.Code, Destination: call.Destination, Kind: call.Kind})

	return result, nil
}

func (e *Engine) transportFor(hook route.OutgoingWebhook) http.RoundTripper {
	if e.transport != nil {
		return e.transport
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: !hook.StrictTLS} //nolint:gosec // operator opt-out per webhook
	return transport
}

func (e *Engine) startRelay(destination string, reply string, kind bus.Kind) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		e.log.Warn("Engine shut down, dropping reply", "destination", destination)
		e.publish(context.Background(), bus.Event{Type: bus.EventSendFailed, Destination: destination, Kind: kind, Error: errEngineShutdown.Error()})
		return
	}

	e.relays.Add(1)
	go func() {
		defer e.relays.Done()
		e.relay(destination, reply, kind)
	}()
}

// Shutdown stops new relays and waits for the ones in flight. If ctx ends
// first, their sends are cancelled.
func (e *Engine) Shutdown(ctx context.Context) {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.relays.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		e.log.Warn("Cancelling in-flight reply relays", "error", ctx.Err())
		e.cancelRelay()
		<-done
	}
	e.cancelRelay()
}

func (e *Engine) relay(destination string, reply string, kind bus.Kind) {
	if e.sender == nil {
		e.log.Warn("No chat sender configured, dropping reply", "destination", destination)
		return
	}

	ctx, cancel := context.WithTimeout(e.relayCtx, e.relayTimeout)
	defer cancel()

	if err := e.sender.Send(ctx, destination, reply, kind); err != nil {
		e.log.Error("Failed to relay outgoing webhook reply", "destination", destination, "kind", kind, "error", err)
		e.publish(ctx, bus.Event{Type: bus.EventSendFailed, Destination: destination, Kind: kind, Error: err.Error()})
		return
	}

	e.publish(ctx, bus.Event{Type: bus.EventReplyRelayed, Destination: destination, Kind: kind})
}

func (e *Engine) publish(ctx context.Context, event bus.Event) {
	if e.events == nil {
		return
	}
	e.events.PublishEvent(context.WithoutCancel(ctx), event)
}

func newRequest(ctx context.Context, hook route.OutgoingWebhook, call Call) (*http.Request, error) {
	var (
		body        io.Reader
		contentType string
	)

	switch hook.ContentType {
	case route.ContentJSON:
		payload, err := json.Marshal(map[string]string{
			"from":    call.Sender,
			"message": call.Message,
			"channel": call.Destination,
		})
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		body = bytes.NewReader(payload)
		contentType = "application/json"
	default:
		form := url.Values{}
		form.Set("from", call.Sender)
		form.Set("message", call.Message)
		form.Set("channel", call.Destination)
		body = strings.NewReader(form.Encode())
		contentType = "application/x-www-form-urlencoded"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if hook.ContentType == route.ContentJSON {
		req.Header.Set("Accept", "application/json")
	}

	switch hook.AuthMethod {
	case route.AuthBasic:
		req.SetBasicAuth(hook.User, hook.Password)
	case route.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+hook.Bearer)
	}

	return req, nil
}

// extractReply returns the string "reply" field of a JSON object body.
func extractReply(body []byte) (string, bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return "", false
	}

	var payload map[string]any
	if err := json.Unmarshal(trimmed, &payload); err != nil {
		return "", false
	}

	reply, ok := payload["reply"].(string)
	return reply, ok
}

func flatten(text string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(text)
}
