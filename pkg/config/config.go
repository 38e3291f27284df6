package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	envPrefix        = "XMPPWEBHOOK_"
	envConfigPath    = "XMPPWEBHOOK_CONFIG"
	envXMPPPassword  = "XMPP_PASSWORD"
	defaultListener  = 8000
	defaultXMPPPort  = 5222
	defaultStatus    = 18790
	defaultTimeoutMs = 5000

	// DefaultErrorReply is sent back into the conversation when an outgoing
	// webhook call fails.
	DefaultErrorReply = "Oops, something went wrong :("
)

// Config is the root runtime configuration.
type Config struct {
	Listener         ListenerConfig          `koanf:"listener"`
	XMPP             XMPPConfig              `koanf:"xmpp"`
	IncomingWebhooks []IncomingWebhookConfig `koanf:"incoming_webhooks" validate:"dive"`
	OutgoingWebhooks []OutgoingWebhookConfig `koanf:"outgoing_webhooks" validate:"dive"`
	XMPPHooks        []XMPPHookConfig        `koanf:"xmpp_hooks" validate:"dive"`
	Gateway          GatewayConfig           `koanf:"gateway"`
	Logging          LoggingConfig           `koanf:"logging"`
	Telemetry        TelemetryConfig         `koanf:"telemetry"`
}

// ListenerConfig configures the inbound webhook HTTP listener.
type ListenerConfig struct {
	Host      string          `koanf:"host"`
	Port      int             `koanf:"port" validate:"gte=0,lte=65535"`
	Path      string          `koanf:"path" validate:"required,startswith=/"`
	Users     []UserConfig    `koanf:"users" validate:"dive"`
	TLS       TLSConfig       `koanf:"tls"`
	AccessLog AccessLogConfig `koanf:"access_log"`
}

// UserConfig is one basic-auth identity allowed to call webhooks.
// Password may be a bcrypt hash.
type UserConfig struct {
	Login    string `koanf:"login" validate:"required"`
	Password string `koanf:"password" validate:"required"`
}

// TLSConfig enables the HTTPS listener when Port is set.
type TLSConfig struct {
	Port     int    `koanf:"port" validate:"gte=0,lte=65535"`
	KeyPath  string `koanf:"key_path" validate:"required_with=Port"`
	CertPath string `koanf:"cert_path" validate:"required_with=Port"`
}

// AccessLogConfig enables the combined-format access log file.
type AccessLogConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path" validate:"required_if=Enabled true"`
}

// XMPPConfig configures the chat transport account.
type XMPPConfig struct {
	Host               string       `koanf:"host" validate:"required"`
	Port               int          `koanf:"port" validate:"gte=0,lte=65535"`
	JID                string       `koanf:"jid" validate:"required,contains=@"`
	Password           string       `koanf:"password"`
	Resource           string       `koanf:"resource"`
	NoTLS              bool         `koanf:"no_tls"`
	StartTLS           bool         `koanf:"start_tls"`
	InsecureSkipVerify bool         `koanf:"insecure_skip_verify"`
	Debug              bool         `koanf:"debug"`
	Rooms              []RoomConfig `koanf:"rooms" validate:"dive"`
	ErrorReply         string       `koanf:"error_reply"`
	SendTimeoutMs      int          `koanf:"send_timeout_ms" validate:"gte=0"`
}

// RoomConfig is one multi-user chat joined on connect.
type RoomConfig struct {
	ID       string `koanf:"id" validate:"required,contains=@"`
	Password string `koanf:"password"`
}

// IncomingWebhookConfig maps one listener path to an action.
type IncomingWebhookConfig struct {
	Path        string `koanf:"path" validate:"required,startswith=/"`
	Action      string `koanf:"action"`
	Template    string `koanf:"template"`
	Destination string `koanf:"destination"`
	Type        string `koanf:"type" validate:"omitempty,oneof=chat groupchat"`
}

// OutgoingWebhookConfig describes one external endpoint chat users can trigger.
type OutgoingWebhookConfig struct {
	Code        string `koanf:"code" validate:"required"`
	URL         string `koanf:"url" validate:"required,url"`
	AuthMethod  string `koanf:"auth_method" validate:"omitempty,oneof=none basic bearer"`
	User        string `koanf:"user" validate:"required_if=AuthMethod basic"`
	Password    string `koanf:"password"`
	Bearer      string `koanf:"bearer" validate:"required_if=AuthMethod bearer"`
	ContentType string `koanf:"content_type" validate:"omitempty,oneof=application/json application/x-www-form-urlencoded"`
	StrictTLS   bool   `koanf:"strict_tls"`
	TimeoutMs   int    `koanf:"timeout_ms" validate:"gte=0"`
}

// XMPPHookConfig maps a room (or "self" for direct messages) to an action.
type XMPPHookConfig struct {
	Room         string `koanf:"room" validate:"required"`
	Action       string `koanf:"action"`
	OutgoingCode string `koanf:"outgoing_code"`
}

// GatewayConfig configures the health/status HTTP server.
type GatewayConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port" validate:"gte=0,lte=65535"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `koanf:"format" validate:"omitempty,oneof=text json"`
	Level     string `koanf:"level"`
	AddSource bool   `koanf:"add_source"`
	File      string `koanf:"file"`
}

// TelemetryConfig toggles OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

// LoadConfig resolves the config file, layers env overrides, applies defaults
// and validates the result.
func LoadConfig() (*Config, error) {
	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	return LoadFile(configPath)
}

// LoadFile loads one config file. YAML and JSON are both accepted.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("read config environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// envKey maps XMPPWEBHOOK_LISTENER__PORT to listener.port.
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, envPrefix))
	return strings.ReplaceAll(key, "__", ".")
}

// applyEnvOverrides injects secrets that should not live in the file.
func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	if password := strings.TrimSpace(os.Getenv(envXMPPPassword)); password != "" {
		cfg.XMPP.Password = password
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Listener.Port == 0 {
		cfg.Listener.Port = defaultListener
	}
	if strings.TrimSpace(cfg.Listener.Path) == "" {
		cfg.Listener.Path = "/webhooks"
	}
	cfg.Listener.Path = "/" + strings.Trim(strings.TrimSpace(cfg.Listener.Path), "/")

	if cfg.XMPP.Port == 0 {
		cfg.XMPP.Port = defaultXMPPPort
	}
	if strings.TrimSpace(cfg.XMPP.ErrorReply) == "" {
		cfg.XMPP.ErrorReply = DefaultErrorReply
	}

	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = defaultStatus
	}

	for i := range cfg.OutgoingWebhooks {
		if cfg.OutgoingWebhooks[i].TimeoutMs <= 0 {
			cfg.OutgoingWebhooks[i].TimeoutMs = defaultTimeoutMs
		}
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field-level constraints. Cross-entry rules (duplicate
// keys, unknown codes) are enforced when the routing table is built.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is required")
	}

	if err := validate.Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			problems := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				problems = append(problems, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	return nil
}

// findConfigPath resolves the active config file location.
//
// Precedence is XMPPWEBHOOK_CONFIG first, then cwd-local fallback paths.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("%s does not point to a file: %s", envConfigPath, value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.yaml"),
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config", "config.yaml"),
		filepath.Join(cwd, "config", "config.json"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("config file not found (checked %s)", strings.Join(candidates, ", "))
}
