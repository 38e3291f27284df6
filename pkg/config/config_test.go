package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleYAML = `
listener:
  port: 8100
  path: webhooks/
  users:
    - login: login1
      password: 1pass
xmpp:
  host: xmpp.example.org
  jid: bot@example.org
  password: secret
  rooms:
    - id: room1@conference.example.org
outgoing_webhooks:
  - code: w1
    url: https://hooks.example.org/incoming
    auth_method: basic
    user: hook
    password: hookpass
    content_type: application/json
incoming_webhooks:
  - path: /webhooks/w1
    action: send_xmpp_message
xmpp_hooks:
  - room: room1@conference.example.org
    action: outgoing_webhook
    outgoing_code: w1
logging:
  format: json
  level: debug
  add_source: true
`

func writeConfig(t *testing.T, name string, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigFromEnvPath(t *testing.T) {
	path := writeConfig(t, "config.yaml", sampleYAML)
	t.Setenv(envConfigPath, path)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	require.Equal(t, 8100, cfg.Listener.Port)
	require.Equal(t, "/webhooks", cfg.Listener.Path)
	require.Equal(t, "json", cfg.Logging.Format)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.True(t, cfg.Logging.AddSource)
	require.Len(t, cfg.XMPP.Rooms, 1)
	require.Equal(t, "room1@conference.example.org", cfg.XMPP.Rooms[0].ID)
	require.Len(t, cfg.OutgoingWebhooks, 1)
	require.Equal(t, "basic", cfg.OutgoingWebhooks[0].AuthMethod)
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "config.yaml", sampleYAML)

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	require.Equal(t, defaultXMPPPort, cfg.XMPP.Port)
	require.Equal(t, DefaultErrorReply, cfg.XMPP.ErrorReply)
	require.Equal(t, defaultStatus, cfg.Gateway.Port)
	require.Equal(t, defaultTimeoutMs, cfg.OutgoingWebhooks[0].TimeoutMs)
}

func TestLoadConfigAcceptsJSON(t *testing.T) {
	content := `{
  "listener": {"path": "/hooks", "users": [{"login": "a", "password": "b"}]},
  "xmpp": {"host": "localhost", "jid": "bot@localhost", "rooms": []},
  "incoming_webhooks": [{"path": "/hooks/w1", "action": "send_xmpp_message"}]
}`
	path := writeConfig(t, "config.json", content)

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, "/hooks", cfg.Listener.Path)
	require.Equal(t, defaultListener, cfg.Listener.Port)
	require.Len(t, cfg.IncomingWebhooks, 1)
}

func TestLoadConfigEnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, "config.yaml", sampleYAML)
	t.Setenv("XMPPWEBHOOK_LISTENER__PORT", "9000")
	t.Setenv(envXMPPPassword, "from-env")

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, 9000, cfg.Listener.Port)
	require.Equal(t, "from-env", cfg.XMPP.Password)
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	content := strings.Replace(sampleYAML, "auth_method: basic", "auth_method: digest", 1)
	path := writeConfig(t, "config.yaml", content)

	_, err := LoadFile(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "AuthMethod")
}

func TestLoadConfigRequiresBearerToken(t *testing.T) {
	content := strings.Replace(sampleYAML, "auth_method: basic", "auth_method: bearer", 1)
	path := writeConfig(t, "config.yaml", content)

	_, err := LoadFile(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "Bearer")
}

func TestLoadConfigMessageTypes(t *testing.T) {
	for _, tt := range []struct {
		value   string
		wantErr bool
	}{
		{value: "chat"},
		{value: "groupchat"},
		{value: "group", wantErr: true},
		{value: "direct", wantErr: true},
	} {
		t.Run(tt.value, func(t *testing.T) {
			content := strings.Replace(sampleYAML, "    action: send_xmpp_message\n", "    action: send_xmpp_message\n    type: "+tt.value+"\n", 1)
			_, err := LoadFile(writeConfig(t, "config.yaml", content))
			if tt.wantErr {
				require.ErrorContains(t, err, "Type")
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestLoadConfigInvalidEnvPath(t *testing.T) {
	t.Setenv(envConfigPath, filepath.Join(t.TempDir(), "missing.yaml"))

	_, err := LoadConfig()
	require.Error(t, err)
}

func TestEnvKey(t *testing.T) {
	require.Equal(t, "listener.port", envKey("XMPPWEBHOOK_LISTENER__PORT"))
	require.Equal(t, "xmpp.error_reply", envKey("XMPPWEBHOOK_XMPP__ERROR_REPLY"))
}
