package webhook

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"xmppwebhook/pkg/config"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxBodyBytes = 1 << 20

// Server is the inbound webhook HTTP(S) listener.
type Server struct {
	cfg        config.ListenerConfig
	dispatcher *Dispatcher
	router     *chi.Mux
	accessLog  io.Closer
	log        *slog.Logger
}

// NewServer builds the router. The access log file, when enabled, is opened
// here so a bad path fails startup.
func NewServer(cfg config.ListenerConfig, dispatcher *Dispatcher, log *slog.Logger) (*Server, error) {
	if dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if log == nil {
		log = slog.Default()
	}

	s := &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		log:        log.With("component", "webhook.server"),
	}

	credentials := NewCredentials(cfg.Users)
	if credentials.Empty() {
		s.log.Warn("No listener users configured, every webhook request will be rejected")
	}

	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(middleware.RealIP)

	if cfg.AccessLog.Enabled {
		out, err := openAccessLog(cfg.AccessLog.Path)
		if err != nil {
			return nil, err
		}
		s.accessLog = out
		r.Use(middleware.RequestLogger(newCombinedLogFormatter(out)))
	}

	r.Use(BasicAuthMiddleware(credentials))
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "xmppwebhook")
	})
	r.Use(middleware.Recoverer)

	r.Post(routePattern(cfg.Path), s.handleWebhook)
	r.NotFound(methodNotAllowed)
	r.MethodNotAllowed(methodNotAllowed)

	s.router = r
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves HTTP, plus HTTPS when a TLS port is configured, until ctx is
// cancelled. An unreadable key or certificate only disables HTTPS.
func (s *Server) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	errCh := make(chan error, 2)
	servers := []*http.Server{s.newHTTPServer(s.cfg.Port, nil)}

	if s.cfg.TLS.Port > 0 {
		tlsConfig, err := loadTLSConfig(s.cfg.TLS.KeyPath, s.cfg.TLS.CertPath)
		if err != nil {
			s.log.Error("Can not start HTTPS listener", "error", err)
		} else {
			servers = append(servers, s.newHTTPServer(s.cfg.TLS.Port, tlsConfig))
		}
	}

	for _, server := range servers {
		server := server
		go func() {
			var err error
			if server.TLSConfig != nil {
				s.log.Info("Listening webhooks", "url", "https://"+server.Addr+s.cfg.Path)
				err = server.ListenAndServeTLS("", "")
			} else {
				s.log.Info("Listening webhooks", "url", "http://"+server.Addr+s.cfg.Path)
				err = server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("start webhook listener %s: %w", server.Addr, err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, server := range servers {
		_ = server.Shutdown(shutdownCtx)
	}

	return runErr
}

// Close releases the access log file.
func (s *Server) Close() error {
	if s.accessLog == nil {
		return nil
	}
	return s.accessLog.Close()
}

func (s *Server) newHTTPServer(port int, tlsConfig *tls.Config) *http.Server {
	return &http.Server{
		Addr:              net.JoinHostPort(s.cfg.Host, strconv.Itoa(port)),
		Handler:           s.router,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, BodyInvalidJSON, http.StatusBadRequest)
		return
	}

	resp := s.dispatcher.Handle(r.Context(), r.URL.Path, UserFromContext(r.Context()), body)

	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	w.WriteHeader(resp.StatusCode)
	if len(resp.Body) > 0 {
		if _, err := w.Write(resp.Body); err != nil {
			s.log.Error("Failed to write webhook response", "error", err)
		}
	}
}

func routePattern(path string) string {
	return strings.TrimRight(path, "/") + "/*"
}

func openAccessLog(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create webhooks log folder: %w", err)
	}

	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create webhooks log file: %w", err)
	}
	return out, nil
}

func loadTLSConfig(keyPath string, certPath string) (*tls.Config, error) {
	if _, err := os.ReadFile(keyPath); err != nil {
		return nil, fmt.Errorf("can not read private key: %w", err)
	}
	if _, err := os.ReadFile(certPath); err != nil {
		return nil, fmt.Errorf("can not read certificate: %w", err)
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}
