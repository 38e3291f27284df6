package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"xmppwebhook/pkg/bus"
	"xmppwebhook/pkg/channel"
	"xmppwebhook/pkg/config"
	"xmppwebhook/pkg/outgoing"
	"xmppwebhook/pkg/route"
	"xmppwebhook/pkg/stanza"
	"xmppwebhook/pkg/webhook"
)

const defaultSendTimeout = 10 * time.Second

// Service runs the bridge: the chat adapter, the webhook listener and the
// status server.
type Service struct {
	cfg      *config.Config
	log      *slog.Logger
	bus      *bus.MessageBus
	adapter  channel.Adapter
	webhooks *webhook.Server
	triggers *triggerRunner
	engine   *outgoing.Engine

	// drainTimeout bounds how long shutdown waits for in-flight triggers
	// and reply relays while the chat writer is still running.
	drainTimeout time.Duration

	mu            sync.RWMutex
	startedAt     time.Time
	channelStates map[string]channelState
	counters      map[bus.EventType]int64
	lastError     string
}

type channelState struct {
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

// NewService wires the routing table to the adapter and listener. Outgoing
// options are passed to the call engine.
func NewService(cfg *config.Config, table *route.Table, mb *bus.MessageBus, adapter channel.Adapter, log *slog.Logger, opts ...outgoing.Option) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if table == nil {
		return nil, errors.New("routing table is required")
	}
	if mb == nil {
		return nil, errors.New("message bus is required")
	}
	if adapter == nil {
		return nil, errors.New("channel adapter is required")
	}
	if log == nil {
		log = slog.Default()
	}

	sendTimeout := time.Duration(cfg.XMPP.SendTimeoutMs) * time.Millisecond
	if sendTimeout <= 0 {
		sendTimeout = defaultSendTimeout
	}
	errorReply := cfg.XMPP.ErrorReply
	if errorReply == "" {
		errorReply = config.DefaultErrorReply
	}

	engineOpts := append([]outgoing.Option{
		outgoing.WithSender(mb),
		outgoing.WithEvents(mb),
		outgoing.WithLogger(log),
		outgoing.WithRelayTimeout(sendTimeout),
	}, opts...)
	engine := outgoing.NewEngine(table, engineOpts...)

	dispatcher := webhook.NewDispatcher(table, mb, mb, sendTimeout, log)
	webhooks, err := webhook.NewServer(cfg.Listener, dispatcher, log)
	if err != nil {
		return nil, fmt.Errorf("initialize webhook listener: %w", err)
	}

	triggerCtx, cancelTriggers := context.WithCancel(context.Background())

	return &Service{
		cfg:          cfg,
		log:          log.With("component", "gateway.service"),
		bus:          mb,
		adapter:      adapter,
		webhooks:     webhooks,
		engine:       engine,
		drainTimeout: sendTimeout,
		triggers: &triggerRunner{
			classifier:  stanza.NewClassifier(adapter.Identity(), mb, log),
			table:       table,
			invoker:     engine,
			sender:      mb,
			events:      mb,
			errorReply:  errorReply,
			sendTimeout: sendTimeout,
			log:         log.With("component", "gateway.triggers"),
			ctx:         triggerCtx,
			cancel:      cancelTriggers,
		},
		channelStates: map[string]channelState{adapter.Name(): {}},
		counters:      make(map[bus.EventType]int64),
	}, nil
}

// Run blocks until ctx is cancelled or one of the servers fails. A chat
// connection failure is fatal.
//
// On the way out the listeners stop first, then in-flight chat triggers and
// reply relays get up to drainTimeout to finish while the chat connection
// still writes. The connection is closed last.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	events, unsubscribe := s.bus.SubscribeEvents(ctx, 0)
	defer unsubscribe()
	go s.countEvents(events)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	adapterCtx, cancelAdapter := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelAdapter()

	serverErrors := make(chan error, 2)
	go s.runStatusServer(runCtx, serverErrors)

	webhooksDone := make(chan struct{})
	go func() {
		defer close(webhooksDone)
		if err := s.webhooks.Run(runCtx); err != nil {
			serverErrors <- err
		}
	}()

	adapterErr := make(chan error, 1)
	adapterDone := make(chan struct{})
	s.setChannelState(s.adapter.Name(), channelState{Running: true})
	go func() {
		defer close(adapterDone)
		err := s.adapter.Run(adapterCtx, s.triggers.Handle)
		s.setChannelState(s.adapter.Name(), channelState{Running: false, Error: errorString(err)})
		if err != nil && !errors.Is(err, context.Canceled) {
			adapterErr <- fmt.Errorf("run %s channel: %w", s.adapter.Name(), err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serverErrors:
	case runErr = <-adapterErr:
	}
	if runErr != nil {
		s.recordError(runErr)
		s.log.Error("Gateway stopping", "error", runErr)
	}

	cancel()
	<-webhooksDone
	s.drain(adapterDone)
	cancelAdapter()
	<-adapterDone
	if err := s.webhooks.Close(); err != nil {
		s.log.Warn("Failed to close webhook access log", "error", err)
	}

	return runErr
}

// drain waits for chat triggers, then reply relays. It gives up at once
// when the chat connection is already gone, since nothing can be written.
func (s *Service) drain(adapterDone <-chan struct{}) {
	timeout := s.drainTimeout
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	go func() {
		select {
		case <-adapterDone:
			cancel()
		case <-ctx.Done():
		}
	}()

	s.triggers.Shutdown(ctx)
	s.engine.Shutdown(ctx)
}

func (s *Service) countEvents(events <-chan bus.Event) {
	for event := range events {
		s.mu.Lock()
		s.counters[event.Type]++
		if event.Error != "" {
			s.lastError = event.Error
		}
		s.mu.Unlock()
	}
}

func (s *Service) setChannelState(name string, state channelState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelStates[name] = state
}

func (s *Service) recordError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastError = err.Error()
}

func errorString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
