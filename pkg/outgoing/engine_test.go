package outgoing

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"xmppwebhook/pkg/bus"
	"xmppwebhook/pkg/route"

	"github.com/stretchr/testify/require"
)

type staticLookup map[string]route.OutgoingWebhook

func (l staticLookup) FindOutgoingWebhook(code string) (route.OutgoingWebhook, bool) {
	hook, ok := l[code]
	return hook, ok
}

type sentMessage struct {
	destination string
	message     string
	kind        bus.Kind
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
	ch   chan sentMessage
}

func newRecordingSender() *recordingSender {
	return &recordingSender{ch: make(chan sentMessage, 8)}
}

func (s *recordingSender) Send(_ context.Context, destination string, message string, kind bus.Kind) error {
	msg := sentMessage{destination: destination, message: message, kind: kind}
	s.mu.Lock()
	s.sent = append(s.sent, msg)
	s.mu.Unlock()
	s.ch <- msg
	return s.err
}

func (s *recordingSender) wait(t *testing.T) sentMessage {
	t.Helper()

	select {
	case msg := <-s.ch:
		return msg
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for relayed reply")
		return sentMessage{}
	}
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type capturedRequest struct {
	method      string
	contentType string
	auth        string
	user        string
	password    string
	basic       bool
	body        []byte
}

func captureServer(t *testing.T, status int, response string) (*httptest.Server, <-chan capturedRequest) {
	t.Helper()

	captured := make(chan capturedRequest, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := capturedRequest{
			method:      r.Method,
			contentType: r.Header.Get("Content-Type"),
			auth:        r.Header.Get("Authorization"),
		}
		req.user, req.password, req.basic = r.BasicAuth()
		req.body, _ = io.ReadAll(r.Body)
		captured <- req

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, response)
	}))
	t.Cleanup(server.Close)

	return server, captured
}

func TestInvokeBasicJSONRelaysReply(t *testing.T) {
	server, captured := captureServer(t, http.StatusOK, `{"reply":"ok"}`)
	sender := newRecordingSender()

	engine := NewEngine(staticLookup{
		"basic-json-reply": {
			Code:        "basic-json-reply",
			URL:         server.URL,
			AuthMethod:  route.AuthBasic,
			User:        "login",
			Password:    "1234",
			ContentType: route.ContentJSON,
			Timeout:     time.Second,
		},
	}, WithSender(sender))

	result, err := engine.Invoke(context.Background(), Call{
		Code:        "basic-json-reply",
		Sender:      "alice",
		Destination: "ops@conference.example.org",
		Message:     "status",
		Kind:        bus.KindGroup,
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, result.StatusCode)
	require.True(t, result.Relayed)
	require.Equal(t, "ok", result.Reply)
	require.Equal(t, "Message sent. There is a reply to send back in chat ops@conference.example.org: ok", result.Status())

	req := <-captured
	require.Equal(t, http.MethodPost, req.method)
	require.Equal(t, "application/json", req.contentType)
	require.True(t, req.basic)
	require.Equal(t, "login", req.user)
	require.Equal(t, "1234", req.password)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(req.body, &payload))
	require.Equal(t, map[string]string{"from": "alice", "message": "status", "channel": "ops@conference.example.org"}, payload)

	relayed := sender.wait(t)
	require.Equal(t, sentMessage{destination: "ops@conference.example.org", message: "ok", kind: bus.KindGroup}, relayed)
	require.Equal(t, 1, sender.count())
}

func TestInvokeBearerFormWithoutReply(t *testing.T) {
	server, captured := captureServer(t, http.StatusOK, `accepted`)
	sender := newRecordingSender()

	engine := NewEngine(staticLookup{
		"bearer-form": {
			Code:       "bearer-form",
			URL:        server.URL,
			AuthMethod: route.AuthBearer,
			Bearer:     "abcd",
			Timeout:    time.Second,
		},
	}, WithSender(sender))

	result, err := engine.Invoke(context.Background(), Call{
		Code:        "bearer-form",
		Sender:      "bob",
		Destination: "bob@example.org",
		Message:     "a=b&c",
		Kind:        bus.KindDirect,
	})
	require.NoError(t, err)
	require.False(t, result.Relayed)
	require.Equal(t, "Message sent", result.Status())

	req := <-captured
	require.Equal(t, "application/x-www-form-urlencoded", req.contentType)
	require.Equal(t, "Bearer abcd", req.auth)
	require.False(t, req.basic)
	require.Equal(t, "channel=bob%40example.org&from=bob&message=a%3Db%26c", string(req.body))

	time.Sleep(50 * time.Millisecond)
	require.Zero(t, sender.count())
}

func TestInvokeNoAuthSendsNoAuthorization(t *testing.T) {
	server, captured := captureServer(t, http.StatusOK, `{"reply":42}`)
	sender := newRecordingSender()

	engine := NewEngine(staticLookup{
		"plain": {Code: "plain", URL: server.URL, Timeout: time.Second},
	}, WithSender(sender))

	result, err := engine.Invoke(context.Background(), Call{Code: "plain", Sender: "a", Destination: "a@example.org", Message: "m", Kind: bus.KindDirect})
	require.NoError(t, err)
	require.False(t, result.Relayed, "non-string reply must not be relayed")

	req := <-captured
	require.Empty(t, req.auth)
}

func TestInvokeNon200IsHTTPStatusError(t *testing.T) {
	server, _ := captureServer(t, http.StatusBadGateway, `{"reply":"should not relay"}`)
	sender := newRecordingSender()

	engine := NewEngine(staticLookup{
		"broken": {Code: "broken", URL: server.URL, Timeout: time.Second},
	}, WithSender(sender))

	_, err := engine.Invoke(context.Background(), Call{Code: "broken", Destination: "a@example.org", Kind: bus.KindDirect})
	require.Error(t, err)

	var callErr *CallError
	require.True(t, errors.As(err, &callErr))
	require.Equal(t, ErrorHTTPStatus, callErr.Category)
	require.Equal(t, http.StatusBadGateway, callErr.StatusCode)
	require.Contains(t, err.Error(), "HTTP error: 502")

	time.Sleep(50 * time.Millisecond)
	require.Zero(t, sender.count())
}

func TestInvokeCreatedIsFailure(t *testing.T) {
	server, _ := captureServer(t, http.StatusCreated, ``)
	engine := NewEngine(staticLookup{"created": {Code: "created", URL: server.URL, Timeout: time.Second}})

	_, err := engine.Invoke(context.Background(), Call{Code: "created"})
	require.Equal(t, ErrorHTTPStatus, CategoryFromError(err))
}

func TestInvokeTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	engine := NewEngine(staticLookup{
		"slow": {Code: "slow", URL: server.URL, Timeout: 50 * time.Millisecond},
	})

	startedAt := time.Now()
	_, err := engine.Invoke(context.Background(), Call{Code: "slow", Destination: "a@example.org", Kind: bus.KindDirect})
	require.Error(t, err)
	require.Equal(t, ErrorTimeout, CategoryFromError(err))
	require.Less(t, time.Since(startedAt), time.Second)
}

func TestInvokeTransportError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	engine := NewEngine(staticLookup{"down": {Code: "down", URL: url, Timeout: time.Second}})

	_, err := engine.Invoke(context.Background(), Call{Code: "down"})
	require.Error(t, err)
	require.Equal(t, ErrorTransport, CategoryFromError(err))
}

func TestInvokeUnknownCode(t *testing.T) {
	engine := NewEngine(staticLookup{})

	_, err := engine.Invoke(context.Background(), Call{Code: "missing"})
	var missing *NoSuchWebhookError
	require.True(t, errors.As(err, &missing))
	require.Equal(t, "missing", missing.Code)
	require.Equal(t, "unknown_webhook", CategoryFromError(err))
}

func TestInvokeRelayFailureDoesNotFailCall(t *testing.T) {
	server, _ := captureServer(t, http.StatusOK, `{"reply":"line one\nline two"}`)
	sender := newRecordingSender()
	sender.err = errors.New("not connected")
	events := bus.NewMessageBus()
	t.Cleanup(events.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, unsubscribe := events.SubscribeEvents(ctx, 8)
	defer unsubscribe()

	engine := NewEngine(staticLookup{
		"reply": {Code: "reply", URL: server.URL, ContentType: route.ContentJSON, Timeout: time.Second},
	}, WithSender(sender), WithEvents(events))

	result, err := engine.Invoke(context.Background(), Call{Code: "reply", Destination: "a@example.org", Kind: bus.KindDirect})
	require.NoError(t, err)
	require.True(t, result.Relayed)
	require.Equal(t, "line one\nline two", sender.wait(t).message)

	seen := map[bus.EventType]bool{}
	deadline := time.After(3 * time.Second)
	for !seen[bus.EventSendFailed] || !seen[bus.EventOutgoingInvoked] {
		select {
		case event := <-stream:
			seen[event.Type] = true
		case <-deadline:
			t.Fatalf("events seen = %v", seen)
		}
	}
}

func TestInvokeCallsAreIndependent(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	engine := NewEngine(staticLookup{"hook": {Code: "hook", URL: server.URL, Timeout: time.Second}})

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Invoke(context.Background(), Call{Code: "hook", Destination: "a@example.org"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 10, calls)
}

func TestExtractReply(t *testing.T) {
	tests := []struct {
		body  string
		reply string
		ok    bool
	}{
		{body: `{"reply":"ok"}`, reply: "ok", ok: true},
		{body: ` {"reply":"","other":1}`, reply: "", ok: true},
		{body: `{"other":"x"}`},
		{body: `["reply"]`},
		{body: `not json`},
		{body: ``},
	}

	for _, tt := range tests {
		reply, ok := extractReply([]byte(tt.body))
		require.Equal(t, tt.ok, ok, tt.body)
		require.Equal(t, tt.reply, reply, tt.body)
	}
}

// gatedSender blocks each send until release is closed or ctx ends.
type gatedSender struct {
	started chan struct{}
	release chan struct{}
	result  chan error
}

func newGatedSender() *gatedSender {
	return &gatedSender{started: make(chan struct{}, 1), release: make(chan struct{}), result: make(chan error, 1)}
}

func (s *gatedSender) Send(ctx context.Context, _ string, _ string, _ bus.Kind) error {
	s.started <- struct{}{}
	var err error
	select {
	case <-s.release:
	case <-ctx.Done():
		err = ctx.Err()
	}
	s.result <- err
	return err
}

func invokeWithReply(t *testing.T, engine *Engine) {
	t.Helper()

	result, err := engine.Invoke(context.Background(), Call{Code: "reply", Destination: "ops@conference.example.org", Kind: bus.KindGroup})
	require.NoError(t, err)
	require.True(t, result.Relayed)
}

func replyLookup(t *testing.T) staticLookup {
	t.Helper()

	server, _ := captureServer(t, http.StatusOK, `{"reply":"done"}`)
	return staticLookup{"reply": {Code: "reply", URL: server.URL, Timeout: time.Second}}
}

func TestShutdownWaitsForRelayInFlight(t *testing.T) {
	sender := newGatedSender()
	engine := NewEngine(replyLookup(t), WithSender(sender), WithRelayTimeout(5*time.Second))

	invokeWithReply(t, engine)
	<-sender.started

	stopped := make(chan struct{})
	go func() {
		engine.Shutdown(context.Background())
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("shutdown returned before the relay finished")
	case <-time.After(100 * time.Millisecond):
	}

	close(sender.release)
	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for shutdown")
	}
	require.NoError(t, <-sender.result)
}

func TestShutdownCancelsRelayAtDeadline(t *testing.T) {
	sender := newGatedSender()
	events := bus.NewMessageBus()
	t.Cleanup(events.Close)
	stream, unsubscribe := events.SubscribeEvents(context.Background(), 8)
	defer unsubscribe()

	engine := NewEngine(replyLookup(t), WithSender(sender), WithEvents(events), WithRelayTimeout(time.Minute))

	invokeWithReply(t, engine)
	<-sender.started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	engine.Shutdown(ctx)
	require.Less(t, time.Since(start), 3*time.Second)
	require.ErrorIs(t, <-sender.result, context.Canceled)

	require.Eventually(t, func() bool {
		for {
			select {
			case event := <-stream:
				if event.Type == bus.EventSendFailed {
					return true
				}
			default:
				return false
			}
		}
	}, 3*time.Second, 10*time.Millisecond)
}

func TestRelayAfterShutdownIsDropped(t *testing.T) {
	sender := newRecordingSender()
	engine := NewEngine(replyLookup(t), WithSender(sender))
	engine.Shutdown(context.Background())

	invokeWithReply(t, engine)
	require.Zero(t, sender.count())
}
