package webhook

import (
	"context"
	"crypto/subtle"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"xmppwebhook/pkg/config"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	userKey      contextKey = "auth_user"
)

const unauthorizedBody = "Invalid authorization"

// RequestIDMiddleware tags each request with a UUID, echoed in X-Request-ID.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func RequestIDFromContext(ctx context.Context) string {
	requestID, _ := ctx.Value(requestIDKey).(string)
	return requestID
}

// UserFromContext returns the login accepted by BasicAuthMiddleware.
func UserFromContext(ctx context.Context) string {
	user, _ := ctx.Value(userKey).(string)
	return user
}

// Credentials checks listener logins. Passwords starting with a bcrypt
// prefix are compared as hashes.
type Credentials struct {
	users map[string]string
}

func NewCredentials(users []config.UserConfig) *Credentials {
	c := &Credentials{users: make(map[string]string, len(users))}
	for _, user := range users {
		c.users[user.Login] = user.Password
	}
	return c
}

func (c *Credentials) Empty() bool {
	return c == nil || len(c.users) == 0
}

func (c *Credentials) Check(login string, password string) bool {
	if c == nil {
		return false
	}
	expected, ok := c.users[login]
	if !ok {
		return false
	}

	if isBcryptHash(expected) {
		return bcrypt.CompareHashAndPassword([]byte(expected), []byte(password)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(password)) == 1
}

func isBcryptHash(value string) bool {
	for _, prefix := range []string{"$2a$", "$2b$", "$2y$"} {
		if strings.HasPrefix(value, prefix) {
			return true
		}
	}
	return false
}

// BasicAuthMiddleware rejects requests without valid listener credentials.
func BasicAuthMiddleware(credentials *Credentials) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			login, password, ok := r.BasicAuth()
			if !ok || !credentials.Check(login, password) {
				http.Error(w, unauthorizedBody, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), userKey, login)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// methodNotAllowed answers every request outside POST <path>/*.
func methodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
}

// combinedLogFormatter writes Apache combined-format lines through chi's
// RequestLogger.
type combinedLogFormatter struct {
	mu  sync.Mutex
	out io.Writer
}

func newCombinedLogFormatter(out io.Writer) *combinedLogFormatter {
	return &combinedLogFormatter{out: out}
}

func (f *combinedLogFormatter) NewLogEntry(r *http.Request) middleware.LogEntry {
	return &combinedLogEntry{formatter: f, request: r, startedAt: time.Now()}
}

type combinedLogEntry struct {
	formatter *combinedLogFormatter
	request   *http.Request
	startedAt time.Time
}

func (e *combinedLogEntry) Write(status, bytes int, _ http.Header, _ time.Duration, _ interface{}) {
	r := e.request

	user := "-"
	if login, _, ok := r.BasicAuth(); ok && login != "" {
		user = login
	}

	line := fmt.Sprintf("%s - %s [%s] \"%s %s %s\" %d %s \"%s\" \"%s\"\n",
		remoteHost(r.RemoteAddr),
		user,
		e.startedAt.Format("02/Jan/2006:15:04:05 -0700"),
		r.Method,
		r.URL.RequestURI(),
		r.Proto,
		status,
		dashIfZero(bytes),
		dashIfEmpty(r.Referer()),
		dashIfEmpty(r.UserAgent()),
	)

	e.formatter.mu.Lock()
	defer e.formatter.mu.Unlock()
	_, _ = io.WriteString(e.formatter.out, line)
}

func (e *combinedLogEntry) Panic(v interface{}, _ []byte) {
	middleware.PrintPrettyStack(v)
}

// remoteHost strips the port. RealIP may already have replaced the address
// with a bare forwarded IP.
func remoteHost(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func dashIfZero(n int) string {
	if n == 0 {
		return "-"
	}
	return fmt.Sprint(n)
}

func dashIfEmpty(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
