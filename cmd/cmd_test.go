package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"xmppwebhook/pkg/config"
	"xmppwebhook/pkg/route"

	"github.com/stretchr/testify/require"
)

const validYAML = `
listener:
  port: 8100
  users:
    - login: login1
      password: 1pass
xmpp:
  host: xmpp.example.org
  jid: bot@example.org
  rooms:
    - id: room1@conference.example.org
outgoing_webhooks:
  - code: w1
    url: https://hooks.example.org/incoming
    content_type: application/json
incoming_webhooks:
  - path: /webhooks/w1
    action: send_xmpp_message
  - path: /webhooks/grafana
    action: send_xmpp_template
    template: "${title} is ${state}"
    destination: room1@conference.example.org
    type: groupchat
xmpp_hooks:
  - room: room1@conference.example.org
    action: outgoing_webhook
    outgoing_code: w1
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func loadConfig(t *testing.T, content string) *config.Config {
	t.Helper()

	cfg, err := config.LoadFile(writeConfig(t, content))
	require.NoError(t, err)
	return cfg
}

func TestCheckConfigOK(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, checkConfig(&out, loadConfig(t, validYAML), defaultTheme()))
	require.Contains(t, out.String(), "configuration OK: 2 incoming webhook(s), 1 outgoing webhook(s), 1 chat trigger(s)")
	require.NotContains(t, out.String(), "warning")
}

func TestCheckConfigReportsProblems(t *testing.T) {
	cfg := loadConfig(t, validYAML)
	cfg.IncomingWebhooks[1].Template = "${title[}"
	cfg.XMPPHooks = append(cfg.XMPPHooks, config.XMPPHookConfig{Room: route.SelfIdentity, Action: "outgoing_webhook", OutgoingCode: "missing"})
	cfg.Listener.Users = nil

	var out bytes.Buffer
	err := checkConfig(&out, cfg, defaultTheme())
	require.ErrorIs(t, err, errInvalidConfig)
	require.ErrorContains(t, err, "2 problem(s)")

	got := out.String()
	require.Contains(t, got, `unknown outgoing webhook "missing"`)
	require.Contains(t, got, `incoming webhook "/webhooks/grafana"`)
	require.Contains(t, got, "no listener users configured")
}

func TestRenderRoutes(t *testing.T) {
	tbl, err := route.New(loadConfig(t, validYAML))
	require.NoError(t, err)

	got := renderRoutes(tbl.Snapshot(), defaultTheme())
	require.Contains(t, got, "Incoming webhooks")
	require.Contains(t, got, "/webhooks/grafana")
	require.Contains(t, got, "send_xmpp_template")
	require.Contains(t, got, "room1@conference.example.org (groupchat)")
	require.Contains(t, got, "https://hooks.example.org/incoming")
	require.Contains(t, got, "application/json")
	require.Contains(t, got, "5s")
	require.Contains(t, got, "outgoing_webhook")
}

func TestRenderRoutesEmptySections(t *testing.T) {
	got := renderRoutes(route.Snapshot{}, defaultTheme())
	require.Contains(t, got, "Chat triggers")
	require.Contains(t, got, "(none)")
}

func TestRootCommandConfigFlag(t *testing.T) {
	t.Setenv(envConfigPath, "")
	t.Cleanup(func() {
		configPath = ""
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
	})

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"check", "--config", writeConfig(t, validYAML)})

	require.NoError(t, rootCmd.Execute())
	require.Contains(t, out.String(), "configuration OK")
}

func TestLoadDotEnv(t *testing.T) {
	require.NoError(t, loadDotEnv(filepath.Join(t.TempDir(), "missing.env")))

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("XMPPWEBHOOK_TEST_DOTENV=loaded\n"), 0o600))
	t.Setenv("XMPPWEBHOOK_TEST_DOTENV", "")
	require.NoError(t, os.Unsetenv("XMPPWEBHOOK_TEST_DOTENV"))

	require.NoError(t, loadDotEnv(path))
	require.Equal(t, "loaded", os.Getenv("XMPPWEBHOOK_TEST_DOTENV"))
}

func TestServeRejectsInvalidRouting(t *testing.T) {
	cfg := loadConfig(t, validYAML)
	cfg.IncomingWebhooks = append(cfg.IncomingWebhooks, cfg.IncomingWebhooks[0])

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var cfgErr *route.ConfigError
	require.ErrorAs(t, serve(ctx, cfg, nil), &cfgErr)
}

func TestInitTelemetryDisabled(t *testing.T) {
	shutdown, err := initTelemetry(config.TelemetryConfig{}, nil)
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}
